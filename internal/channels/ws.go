package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/clawinfra/parlo/internal/types"
)

const (
	wsSendBuffer   = 64
	wsWriteTimeout = 5 * time.Second
)

// WSFrame is the JSON frame a device sends over its WebSocket.
type WSFrame struct {
	Type string `json:"type"` // "utterance" (default), "ping", "bye"
	ID   string `json:"id,omitempty"`
	Text string `json:"text,omitempty"`
}

// wsConn is one accepted device socket and its outbound queue.
type wsConn struct {
	id       string
	deviceID string
	conn     *websocket.Conn
	out      chan types.Reply
}

// WSChannel implements the orchestrator Channel interface over WebSocket
// connections. Every socket is its own dialogue connection; replies are routed
// back by connection id, or to every socket of the device when none is set.
type WSChannel struct {
	mu     sync.RWMutex
	conns  map[string]*wsConn
	inbox  chan types.Message
	logger *slog.Logger
	name   string

	ctx    context.Context
	cancel context.CancelFunc
}

// NewWSChannel creates a new WSChannel ready to accept connections.
func NewWSChannel(logger *slog.Logger) *WSChannel {
	ctx, cancel := context.WithCancel(context.Background())
	return &WSChannel{
		conns:  make(map[string]*wsConn),
		inbox:  make(chan types.Message, 256),
		logger: logger.With("channel", "websocket"),
		name:   "websocket",
		ctx:    ctx,
		cancel: cancel,
	}
}

// Name returns the channel identifier used by the orchestrator.
func (c *WSChannel) Name() string {
	return c.name
}

// Start initialises the channel. Connections are accepted by the HTTP server
// and handed to Serve.
func (c *WSChannel) Start(_ context.Context) error {
	c.logger.Info("WSChannel started")
	return nil
}

// Stop closes every open socket.
func (c *WSChannel) Stop() error {
	c.cancel()

	c.mu.Lock()
	for id, wc := range c.conns {
		_ = wc.conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(c.conns, id)
	}
	c.mu.Unlock()

	c.logger.Info("WSChannel stopped")
	return nil
}

// Send queues reply on its connection, or on every socket of the device.
func (c *WSChannel) Send(ctx context.Context, reply types.Reply) error {
	targets := c.targets(reply)
	if len(targets) == 0 {
		return fmt.Errorf("websocket: no connection for device %s", reply.DeviceID)
	}
	for _, wc := range targets {
		select {
		case wc.out <- reply:
		case <-ctx.Done():
			return ctx.Err()
		default:
			return fmt.Errorf("websocket: send queue full for connection %s", wc.id)
		}
	}
	return nil
}

func (c *WSChannel) targets(reply types.Reply) []*wsConn {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if id := reply.Metadata[types.MetaConn]; id != "" {
		if wc, ok := c.conns[id]; ok {
			return []*wsConn{wc}
		}
		return nil
	}
	var out []*wsConn
	for _, wc := range c.conns {
		if wc.deviceID == reply.DeviceID {
			out = append(out, wc)
		}
	}
	return out
}

// Receive returns the read-only channel that delivers device messages to the
// orchestrator.
func (c *WSChannel) Receive() <-chan types.Message {
	return c.inbox
}

// Connections returns the number of open sockets.
func (c *WSChannel) Connections() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.conns)
}

// Serve drives an accepted socket for deviceID until it closes. It announces
// the connection with a hello, forwards utterances, and ends with a bye.
func (c *WSChannel) Serve(ctx context.Context, conn *websocket.Conn, deviceID string) {
	wc := &wsConn{
		id:       "ws-" + uuid.NewString(),
		deviceID: deviceID,
		conn:     conn,
		out:      make(chan types.Reply, wsSendBuffer),
	}
	c.mu.Lock()
	c.conns[wc.id] = wc
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.writeLoop(ctx, wc)

	c.logger.Info("device socket connected", "device", deviceID, "conn", wc.id)
	c.push(ctx, wc, types.KindHello, "", "")

	defer func() {
		c.mu.Lock()
		delete(c.conns, wc.id)
		c.mu.Unlock()
		// The orchestrator must hear the bye even though ctx is done.
		c.push(c.ctx, wc, types.KindBye, "", "")
		c.logger.Info("device socket closed", "device", deviceID, "conn", wc.id)
	}()

	for {
		var f WSFrame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			if !errors.Is(err, context.Canceled) && websocket.CloseStatus(err) == -1 {
				c.logger.Debug("ws read ended", "conn", wc.id, "error", err)
			}
			return
		}
		switch f.Type {
		case "", "utterance":
			if f.Text == "" {
				continue
			}
			c.push(ctx, wc, types.KindUtterance, f.ID, f.Text)
		case "ping":
			c.enqueue(wc, types.Reply{Kind: types.ReplyState, DeviceID: deviceID, State: "pong"})
		case "bye":
			_ = conn.Close(websocket.StatusNormalClosure, "bye")
			return
		default:
			c.enqueue(wc, types.Reply{Kind: types.ReplyState, DeviceID: deviceID, State: "error",
				Metadata: map[string]string{"error": "unknown frame type: " + f.Type}})
		}
	}
}

func (c *WSChannel) push(ctx context.Context, wc *wsConn, kind types.MessageKind, id, text string) {
	if id == "" {
		id = uuid.NewString()
	}
	msg := types.Message{
		ID:        id,
		Kind:      kind,
		Channel:   c.name,
		DeviceID:  wc.deviceID,
		Text:      text,
		Timestamp: time.Now(),
		Metadata:  map[string]string{types.MetaConn: wc.id},
	}
	select {
	case c.inbox <- msg:
	case <-ctx.Done():
	}
}

func (c *WSChannel) enqueue(wc *wsConn, r types.Reply) {
	select {
	case wc.out <- r:
	default:
		c.logger.Warn("send queue full, dropping frame", "conn", wc.id)
	}
}

func (c *WSChannel) writeLoop(ctx context.Context, wc *wsConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-wc.out:
			wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := wsjson.Write(wctx, wc.conn, r)
			cancel()
			if err != nil {
				c.logger.Warn("ws write error", "conn", wc.id, "error", err)
				return
			}
		}
	}
}
