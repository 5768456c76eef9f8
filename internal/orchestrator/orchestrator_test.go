package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/clawinfra/parlo/internal/dialogue"
	"github.com/clawinfra/parlo/internal/dispatch"
	"github.com/clawinfra/parlo/internal/models"
	"github.com/clawinfra/parlo/internal/router"
	"github.com/clawinfra/parlo/internal/skills"
	"github.com/clawinfra/parlo/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Mock Channel
type mockChannel struct {
	name    string
	rcvChan chan types.Message
	sent    []types.Reply
	notify  chan struct{}
	mu      sync.Mutex
	started bool
	stopped bool
}

func newMockChannel(name string) *mockChannel {
	return &mockChannel{
		name:    name,
		rcvChan: make(chan types.Message, 100),
		notify:  make(chan struct{}, 100),
	}
}

func (m *mockChannel) Name() string { return m.name }

func (m *mockChannel) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = true
	return nil
}

func (m *mockChannel) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	return nil
}

func (m *mockChannel) Send(ctx context.Context, r types.Reply) error {
	m.mu.Lock()
	m.sent = append(m.sent, r)
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
	return nil
}

func (m *mockChannel) Receive() <-chan types.Message { return m.rcvChan }

func (m *mockChannel) say(device, text string) {
	m.rcvChan <- types.Message{Kind: types.KindUtterance, DeviceID: device, Text: text}
}

func (m *mockChannel) getSent() []types.Reply {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.Reply{}, m.sent...)
}

// waitFor polls until cond holds for the replies sent so far.
func (m *mockChannel) waitFor(t *testing.T, cond func([]types.Reply) bool) []types.Reply {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		if sent := m.getSent(); cond(sent) {
			return sent
		}
		select {
		case <-m.notify:
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out; sent = %+v", m.getSent())
		}
	}
}

// mapClassifier maps folded text to a call and falls back to continue_chat.
type mapClassifier map[string]types.FunctionCall

func (m mapClassifier) Classify(_ context.Context, _ *dialogue.Context, u types.Utterance) router.Decision {
	if call, ok := m[u.Text]; ok {
		return router.Decision{Call: call, Stage: router.StageFast}
	}
	return router.Decision{Call: types.Call(types.ContinueChat), Stage: router.StageRecovered, Reason: router.ReasonNoModel}
}

// Mock ChatModel
type mockChat struct {
	mu    sync.Mutex
	reqs  []models.ChatRequest
	reply string
	err   error
}

func (m *mockChat) Chat(_ context.Context, req models.ChatRequest) (*models.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reqs = append(m.reqs, req)
	if m.err != nil {
		return nil, m.err
	}
	return &models.ChatResponse{Content: m.reply, Model: "mock"}, nil
}

func (m *mockChat) requests() []models.ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.ChatRequest{}, m.reqs...)
}

type recordingJournal struct {
	mu    sync.Mutex
	turns []dispatch.Turn
}

func (j *recordingJournal) Record(_ context.Context, t *dispatch.Turn) error {
	j.mu.Lock()
	j.turns = append(j.turns, *t)
	j.mu.Unlock()
	return nil
}

func (j *recordingJournal) len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.turns)
}

func testRegistry(t *testing.T) *skills.Registry {
	t.Helper()
	reg := skills.NewRegistry(testLogger())
	fns := []skills.RegisteredFunction{
		{Name: "saluta", Handler: skills.HandlerFunc(func(_ context.Context, _ *dialogue.Context, args types.Args) (skills.Outcome, error) {
			return skills.Say("Ciao " + args.String("n")), nil
		})},
		{Name: types.ContinueChat, Handler: skills.HandlerFunc(func(ctx context.Context, _ *dialogue.Context, _ types.Args) (skills.Outcome, error) {
			return skills.RequestModelPhrasing(dialogue.UtteranceFrom(ctx)), nil
		})},
		{Name: types.ExitIntent, Capability: skills.CapSystemControl, Handler: skills.HandlerFunc(func(_ context.Context, dc *dialogue.Context, _ types.Args) (skills.Outcome, error) {
			dc.Interrupt()
			return skills.SystemControl(), nil
		})},
		{Name: "lento", Handler: skills.HandlerFunc(func(ctx context.Context, _ *dialogue.Context, _ types.Args) (skills.Outcome, error) {
			select {
			case <-time.After(300 * time.Millisecond):
			case <-ctx.Done():
			}
			return skills.Say("fatto"), nil
		})},
		{Name: "musica", Capability: skills.CapSystemControl, Handler: skills.HandlerFunc(func(_ context.Context, dc *dialogue.Context, _ types.Args) (skills.Outcome, error) {
			_, err := dc.Go("musica", "la musica", func(ctx context.Context) error {
				if err := dc.Playback().Audio(ctx, []byte{1, 2, 3}, "mp3"); err != nil {
					return err
				}
				<-ctx.Done()
				return ctx.Err()
			})
			return skills.SystemControl(), err
		})},
	}
	for _, fn := range fns {
		if err := reg.Register(fn); err != nil {
			t.Fatal(err)
		}
	}
	reg.Freeze()
	return reg
}

func newTestOrchestrator(t *testing.T, chat ChatModel, opts ...Option) (*Orchestrator, *mockChannel) {
	t.Helper()
	classifier := mapClassifier{
		"ciao":     types.Call("saluta", "n", "1"),
		"ciao due": types.Call("saluta", "n", "2"),
		"ciao tre": types.Call("saluta", "n", "3"),
		"musica":   types.Call("musica"),
		"lento":    types.Call("lento"),
		"basta":    types.Call(types.ExitIntent),
	}
	arena := dialogue.NewArena(dialogue.Options{HistoryTurns: 20}, testLogger())
	if chat != nil {
		opts = append(opts, WithChatModel(chat))
	}
	o := New(Config{SystemPrompt: "Sei Parlo."}, arena, classifier, dispatch.New(testRegistry(t), testLogger()), testLogger(), opts...)
	ch := newMockChannel("mock")
	o.RegisterChannel(ch)
	if err := o.Start(); err != nil {
		t.Fatal(err)
	}
	return o, ch
}

func TestTurnsOfOneConnectionStayOrdered(t *testing.T) {
	defer goleak.VerifyNone(t)

	j := &recordingJournal{}
	o, ch := newTestOrchestrator(t, nil, WithJournal(j))
	ch.say("cucina", "Ciao")
	ch.say("cucina", "ciao due")
	ch.say("cucina", "ciao tre")

	sent := ch.waitFor(t, func(r []types.Reply) bool { return len(r) == 3 })
	for i, want := range []string{"Ciao 1", "Ciao 2", "Ciao 3"} {
		if sent[i].Kind != types.ReplySpeak || sent[i].Spoken != want {
			t.Errorf("reply %d = %+v, want %q", i, sent[i], want)
		}
		if sent[i].TurnID == "" || sent[i].Function != "saluta" || sent[i].Channel != "mock" {
			t.Errorf("reply %d not addressed: %+v", i, sent[i])
		}
	}
	if err := o.Stop(); err != nil {
		t.Fatal(err)
	}
	if j.len() != 3 {
		t.Errorf("journaled %d turns, want 3", j.len())
	}
	if !ch.stopped {
		t.Error("channel not stopped")
	}
}

func TestDeferredTurnIsPhrasedWithHistory(t *testing.T) {
	defer goleak.VerifyNone(t)

	chat := &mockChat{reply: "  Sto bene, grazie!  "}
	o, ch := newTestOrchestrator(t, chat)
	defer o.Stop()

	ch.say("salotto", "ciao")
	ch.say("salotto", "come stai?")
	sent := ch.waitFor(t, func(r []types.Reply) bool { return len(r) == 2 })

	if sent[1].Spoken != "Sto bene, grazie!" || sent[1].Function != string(types.ContinueChat) {
		t.Errorf("phrased reply = %+v", sent[1])
	}
	reqs := chat.requests()
	if len(reqs) != 1 {
		t.Fatalf("chat calls = %d", len(reqs))
	}
	req := reqs[0]
	if req.SystemPrompt != "Sei Parlo." {
		t.Errorf("system prompt = %q", req.SystemPrompt)
	}
	// user "ciao", assistant "Ciao 1", then the seed.
	if len(req.Messages) != 3 || req.Messages[1].Role != "assistant" || req.Messages[2].Content != "come stai?" {
		t.Errorf("messages = %+v", req.Messages)
	}
}

func TestChatFailureApologises(t *testing.T) {
	defer goleak.VerifyNone(t)

	o, ch := newTestOrchestrator(t, &mockChat{err: errors.New("model down")})
	defer o.Stop()

	ch.say("salotto", "raccontami qualcosa")
	sent := ch.waitFor(t, func(r []types.Reply) bool { return len(r) == 1 })
	if sent[0].Spoken != dispatch.Apology {
		t.Errorf("reply = %q", sent[0].Spoken)
	}

	o.SetSystemPrompt("Sei un pirata.")
	ch.say("salotto", "e adesso?")
	ch.waitFor(t, func(r []types.Reply) bool { return len(r) == 2 })
}

func TestBackgroundAudioAndInterrupt(t *testing.T) {
	defer goleak.VerifyNone(t)

	o, ch := newTestOrchestrator(t, nil)
	defer o.Stop()

	ch.say("camera", "musica")
	sent := ch.waitFor(t, func(r []types.Reply) bool { return len(r) == 2 })
	var kinds []string
	for _, r := range sent {
		kinds = append(kinds, string(r.Kind))
	}
	if got := strings.Join(kinds, ","); got != "state,audio" && got != "audio,state" {
		t.Errorf("reply kinds = %s", got)
	}

	dc, ok := o.Arena().Get("mock/camera")
	if !ok {
		t.Fatal("no dialogue context for the connection")
	}
	if n := len(dc.Tasks()); n != 1 {
		t.Fatalf("tasks = %d, want 1", n)
	}

	ch.say("camera", "basta")
	ch.waitFor(t, func(r []types.Reply) bool { return len(r) == 3 && r[2].State == "backgrounded" })
	dc.Wait()
	if n := len(dc.Tasks()); n != 0 {
		t.Errorf("tasks after interrupt = %d", n)
	}
}

func TestByeDestroysContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	o, ch := newTestOrchestrator(t, nil)
	defer o.Stop()

	ch.rcvChan <- types.Message{Kind: types.KindHello, DeviceID: "bagno"}
	ch.say("bagno", "musica")
	ch.waitFor(t, func(r []types.Reply) bool { return len(r) == 3 })
	if got := o.Devices(); len(got) != 1 || got[0] != "bagno" {
		t.Errorf("devices = %v", got)
	}

	ch.rcvChan <- types.Message{Kind: types.KindBye, DeviceID: "bagno"}
	deadline := time.Now().Add(3 * time.Second)
	for o.Arena().Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("context not destroyed after bye")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestReconnectDuringSlowTurnGetsFreshContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	o, ch := newTestOrchestrator(t, nil)
	defer o.Stop()

	ch.say("dev", "lento")
	time.Sleep(50 * time.Millisecond)
	old, ok := o.Arena().Get("mock/dev")
	if !ok {
		t.Fatal("no context while the turn runs")
	}

	ch.rcvChan <- types.Message{Kind: types.KindBye, DeviceID: "dev"}
	ch.rcvChan <- types.Message{Kind: types.KindHello, DeviceID: "dev"}
	ch.say("dev", "musica")

	ch.waitFor(t, func(r []types.Reply) bool {
		var audio, done bool
		for _, x := range r {
			audio = audio || x.Kind == types.ReplyAudio
			done = done || x.Spoken == "fatto"
		}
		return audio && done
	})
	deadline := time.Now().Add(3 * time.Second)
	for !old.Closed() {
		if time.Now().After(deadline) {
			t.Fatal("context of the ended connection never closed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cur, ok := o.Arena().Get("mock/dev")
	if !ok || cur == old {
		t.Fatalf("reconnected device has no fresh context (ok=%v same=%v)", ok, cur == old)
	}
	if cur.Closed() || len(cur.Tasks()) != 1 {
		t.Errorf("fresh context closed=%v tasks=%d", cur.Closed(), len(cur.Tasks()))
	}
	if got := o.Devices(); len(got) != 1 || got[0] != "dev" {
		t.Errorf("devices = %v", got)
	}
	for _, r := range ch.getSent() {
		if r.Spoken == dispatch.Apology {
			t.Errorf("reconnected device got an apology: %+v", r)
		}
	}
}

func TestAnnounceReachesOpenConnections(t *testing.T) {
	defer goleak.VerifyNone(t)

	o, ch := newTestOrchestrator(t, nil)
	defer o.Stop()

	if n := o.Announce(context.Background(), "studio", "x", "x"); n != 0 {
		t.Errorf("announced to %d connections of an absent device", n)
	}
	ch.rcvChan <- types.Message{Kind: types.KindHello, DeviceID: "studio"}
	ch.waitFor(t, func(r []types.Reply) bool { return len(r) == 1 && r[0].State == "connected" })

	if n := o.Announce(context.Background(), "studio", "Promemoria", "Promemoria! Chiamare Luca"); n != 1 {
		t.Fatalf("announced to %d connections", n)
	}
	sent := ch.waitFor(t, func(r []types.Reply) bool { return len(r) == 2 })
	if sent[1].Spoken != "Promemoria! Chiamare Luca" || sent[1].Metadata[types.MetaConn] != "mock/studio" {
		t.Errorf("announcement = %+v", sent[1])
	}
}
