package channels

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/clawinfra/parlo/internal/types"
)

// newWSServer serves every request as a socket of the device named in ?device=.
func newWSServer(t *testing.T, ch *WSChannel) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ch.Serve(r.Context(), conn, r.URL.Query().Get("device"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dialDevice(t *testing.T, srv *httptest.Server, device string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?device=" + device
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func nextMessage(t *testing.T, ch *WSChannel) types.Message {
	t.Helper()
	select {
	case msg := <-ch.Receive():
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
		return types.Message{}
	}
}

func readReply(t *testing.T, conn *websocket.Conn) types.Reply {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var r types.Reply
	if err := wsjson.Read(ctx, conn, &r); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	return r
}

func TestWSChannelLifecycle(t *testing.T) {
	ch := NewWSChannel(testLogger())
	defer ch.Stop()
	srv := newWSServer(t, ch)

	conn := dialDevice(t, srv, "cucina")
	hello := nextMessage(t, ch)
	if hello.Kind != types.KindHello || hello.DeviceID != "cucina" || hello.Channel != "websocket" {
		t.Fatalf("hello = %+v", hello)
	}
	connID := hello.ConnID()
	if !strings.HasPrefix(connID, "ws-") {
		t.Errorf("conn id = %q", connID)
	}

	ctx := context.Background()
	if err := wsjson.Write(ctx, conn, WSFrame{ID: "u1", Text: "che ore sono"}); err != nil {
		t.Fatal(err)
	}
	msg := nextMessage(t, ch)
	if msg.Kind != types.KindUtterance || msg.Text != "che ore sono" || msg.ID != "u1" || msg.ConnID() != connID {
		t.Errorf("utterance = %+v", msg)
	}

	if err := wsjson.Write(ctx, conn, WSFrame{Type: "ping"}); err != nil {
		t.Fatal(err)
	}
	if r := readReply(t, conn); r.State != "pong" {
		t.Errorf("ping reply = %+v", r)
	}

	if err := wsjson.Write(ctx, conn, WSFrame{Type: "bye"}); err != nil {
		t.Fatal(err)
	}
	bye := nextMessage(t, ch)
	if bye.Kind != types.KindBye || bye.ConnID() != connID {
		t.Errorf("bye = %+v", bye)
	}
	_ = conn.CloseNow()
}

func TestWSChannelRoutesReplies(t *testing.T) {
	ch := NewWSChannel(testLogger())
	defer ch.Stop()
	srv := newWSServer(t, ch)

	first := dialDevice(t, srv, "salotto")
	defer first.CloseNow()
	firstID := nextMessage(t, ch).ConnID()
	second := dialDevice(t, srv, "salotto")
	defer second.CloseNow()
	nextMessage(t, ch)

	if ch.Connections() != 2 {
		t.Fatalf("connections = %d", ch.Connections())
	}

	ctx := context.Background()
	err := ch.Send(ctx, types.Reply{Kind: types.ReplySpeak, DeviceID: "salotto", Spoken: "solo a te",
		Metadata: map[string]string{types.MetaConn: firstID}})
	if err != nil {
		t.Fatal(err)
	}
	if r := readReply(t, first); r.Spoken != "solo a te" {
		t.Errorf("first got %+v", r)
	}

	if err := ch.Send(ctx, types.Reply{Kind: types.ReplySpeak, DeviceID: "salotto", Spoken: "a tutti"}); err != nil {
		t.Fatal(err)
	}
	if r := readReply(t, first); r.Spoken != "a tutti" {
		t.Errorf("first got %+v", r)
	}
	if r := readReply(t, second); r.Spoken != "a tutti" {
		t.Errorf("second got %+v", r)
	}

	if err := ch.Send(ctx, types.Reply{DeviceID: "garage"}); err == nil {
		t.Error("expected error for unknown device")
	}
	if err := ch.Send(ctx, types.Reply{DeviceID: "salotto", Metadata: map[string]string{types.MetaConn: "ws-gone"}}); err == nil {
		t.Error("expected error for closed connection")
	}
}
