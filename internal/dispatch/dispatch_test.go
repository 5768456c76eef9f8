package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/clawinfra/parlo/internal/dialogue"
	"github.com/clawinfra/parlo/internal/skills"
	"github.com/clawinfra/parlo/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRegistry(t *testing.T, fns ...skills.RegisteredFunction) *skills.Registry {
	t.Helper()
	reg := skills.NewRegistry(testLogger())
	for _, fn := range fns {
		if err := reg.Register(fn); err != nil {
			t.Fatal(err)
		}
	}
	reg.Freeze()
	return reg
}

func returning(o skills.Outcome) skills.Handler {
	return skills.HandlerFunc(func(context.Context, *dialogue.Context, types.Args) (skills.Outcome, error) {
		return o, nil
	})
}

func TestDispatchOutcomes(t *testing.T) {
	reg := newRegistry(t,
		skills.RegisteredFunction{Name: "saluta", Handler: returning(skills.Respond("Ciao!", "Ciao a te"))},
		skills.RegisteredFunction{Name: "chiacchiera", Handler: returning(skills.RequestModelPhrasing("rispondi al saluto"))},
		skills.RegisteredFunction{Name: "radio", Capability: skills.CapSystemControl, Handler: returning(skills.SystemControl())},
		skills.RegisteredFunction{Name: "muto", Handler: returning(skills.None())},
	)
	d := New(reg, testLogger())
	dc := dialogue.NewContext("c", dialogue.Options{DeviceID: "dev"}, testLogger())
	defer dc.Close()

	tests := []struct {
		name  types.FunctionName
		state State
		check func(Action) bool
	}{
		{"saluta", StateSpoken, func(a Action) bool { return a.Spoken == "Ciao a te" && a.Display == "Ciao!" }},
		{"chiacchiera", StateDeferredToModel, func(a Action) bool { return a.Seed == "rispondi al saluto" }},
		{"radio", StateBackgrounded, func(a Action) bool { return a.Spoken == "" }},
		{"muto", StateSilent, func(a Action) bool { return a.Spoken == "" }},
	}
	for _, tt := range tests {
		t.Run(string(tt.name), func(t *testing.T) {
			a := d.Dispatch(context.Background(), types.Call(tt.name), dc)
			if a.State != tt.state {
				t.Fatalf("state = %s, want %s", a.State, tt.state)
			}
			if !tt.check(a) || a.Failure != "" {
				t.Errorf("unexpected action %+v", a)
			}
			if a.Call.Name != tt.name {
				t.Errorf("call not carried: %v", a.Call)
			}
		})
	}
}

func TestUnknownFunctionApologises(t *testing.T) {
	d := New(newRegistry(t), testLogger())
	dc := dialogue.NewContext("c", dialogue.Options{}, testLogger())
	defer dc.Close()

	a := d.Dispatch(context.Background(), types.Call("inesistente"), dc)
	if a.State != StateSpoken || a.Spoken != Apology || a.Failure != FailureUnknownFunction {
		t.Errorf("unexpected action %+v", a)
	}
}

func TestMissingArgumentNeverInvokesHandler(t *testing.T) {
	var calls atomic.Int32
	reg := newRegistry(t, skills.RegisteredFunction{
		Name: "oroscopo",
		Params: map[string]skills.Param{
			"segno":  {Type: skills.TypeString, Required: true, Ask: "Di che segno sei?"},
			"giorno": {Type: skills.TypeString},
		},
		Handler: skills.HandlerFunc(func(context.Context, *dialogue.Context, types.Args) (skills.Outcome, error) {
			calls.Add(1)
			return skills.Say("ok"), nil
		}),
	})
	d := New(reg, testLogger())
	dc := dialogue.NewContext("c", dialogue.Options{}, testLogger())
	defer dc.Close()

	for _, call := range []types.FunctionCall{
		types.Call("oroscopo"),
		types.Call("oroscopo", "giorno", "domani"),
		types.Call("oroscopo", "segno", "  "),
	} {
		a := d.Dispatch(context.Background(), call, dc)
		if a.State != StateSpoken || a.Spoken != "Di che segno sei?" || a.Failure != FailureMissingArgument {
			t.Errorf("%s: unexpected action %+v", call, a)
		}
	}
	if calls.Load() != 0 {
		t.Fatalf("handler invoked %d times with missing argument", calls.Load())
	}

	a := d.Dispatch(context.Background(), types.Call("oroscopo", "segno", "leone"), dc)
	if a.Spoken != "ok" || calls.Load() != 1 {
		t.Errorf("complete call not dispatched: %+v", a)
	}
}

func TestHandlerFailuresBecomeApologies(t *testing.T) {
	reg := newRegistry(t,
		skills.RegisteredFunction{Name: "errore", Handler: skills.HandlerFunc(
			func(context.Context, *dialogue.Context, types.Args) (skills.Outcome, error) {
				return skills.Outcome{}, errors.New("servizio non raggiungibile")
			})},
		skills.RegisteredFunction{Name: "panico", Handler: skills.HandlerFunc(
			func(context.Context, *dialogue.Context, types.Args) (skills.Outcome, error) {
				panic("boom")
			})},
		skills.RegisteredFunction{Name: "vuoto", Handler: returning(skills.Outcome{})},
	)
	var observed []string
	d := New(reg, testLogger(), WithObserver(func(a Action, fn *skills.RegisteredFunction, _ time.Duration) {
		observed = append(observed, string(fn.Name)+":"+a.Failure)
	}))
	dc := dialogue.NewContext("c", dialogue.Options{}, testLogger())
	defer dc.Close()

	for _, name := range []types.FunctionName{"errore", "panico", "vuoto"} {
		a := d.Dispatch(context.Background(), types.Call(name, "x", 1), dc)
		if a.State != StateSpoken || a.Spoken != Apology || a.Failure != FailureHandler {
			t.Errorf("%s: unexpected action %+v", name, a)
		}
	}
	if len(observed) != 3 || observed[1] != "panico:handler_error" {
		t.Errorf("observer saw %v", observed)
	}
}

func TestHandlerDeadlineFollowsCapability(t *testing.T) {
	slow := skills.HandlerFunc(func(ctx context.Context, _ *dialogue.Context, _ types.Args) (skills.Outcome, error) {
		select {
		case <-ctx.Done():
			return skills.Outcome{}, ctx.Err()
		case <-time.After(time.Second):
			return skills.Say("fatto"), nil
		}
	})
	reg := newRegistry(t,
		skills.RegisteredFunction{Name: "lento", Handler: slow},
		skills.RegisteredFunction{Name: "controllo", Capability: skills.CapSystemControl, Handler: slow},
	)
	d := New(reg, testLogger(), WithTimeouts(Timeouts{Wait: 5 * time.Second, SystemControl: 20 * time.Millisecond}))
	dc := dialogue.NewContext("c", dialogue.Options{}, testLogger())
	defer dc.Close()

	start := time.Now()
	a := d.Dispatch(context.Background(), types.Call("controllo"), dc)
	if a.Failure != FailureHandler || !errors.Is(a.Err, context.DeadlineExceeded) {
		t.Errorf("expected deadline failure, got %+v", a)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("system-control deadline not applied")
	}

	if a := d.Dispatch(context.Background(), types.Call("lento"), dc); a.Spoken != "fatto" {
		t.Errorf("wait handler should finish, got %+v", a)
	}
}

func TestBackgroundWorkOutlivesTurn(t *testing.T) {
	defer goleak.VerifyNone(t)

	running := make(chan struct{})
	stopped := make(chan struct{})
	reg := newRegistry(t, skills.RegisteredFunction{
		Name:       "radio_italia",
		Capability: skills.CapSystemControl,
		Handler: skills.HandlerFunc(func(_ context.Context, dc *dialogue.Context, _ types.Args) (skills.Outcome, error) {
			_, err := dc.Go("radio", "la radio", func(ctx context.Context) error {
				close(running)
				<-ctx.Done()
				close(stopped)
				return nil
			})
			if err != nil {
				return skills.Outcome{}, err
			}
			return skills.SystemControl(), nil
		}),
	})
	d := New(reg, testLogger())
	dc := dialogue.NewContext("c", dialogue.Options{}, testLogger())

	turn := NewTurn("dev", "metti radio zeta")
	if err := turn.Classified(types.Call("radio_italia"), "fast"); err != nil {
		t.Fatal(err)
	}
	a, err := d.Run(context.Background(), turn, dc)
	if err != nil || a.State != StateBackgrounded || turn.State != StateBackgrounded {
		t.Fatalf("run: %v %+v", err, turn)
	}
	<-running

	select {
	case <-stopped:
		t.Fatal("background task ended with the turn")
	case <-time.After(20 * time.Millisecond):
	}

	if got := dc.Interrupt(); len(got) != 1 || got[0] != "la radio" {
		t.Errorf("interrupt stopped %v", got)
	}
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("background task ignored the interrupt")
	}
	dc.Close()
}

func TestTurnTransitions(t *testing.T) {
	turn := NewTurn("dev", "ciao")
	if turn.State != StateReceived {
		t.Fatalf("new turn in %s", turn.State)
	}
	if err := turn.advance(StateDispatched); err == nil {
		t.Error("received -> dispatched must be rejected")
	}
	if err := turn.Classified(types.Call(types.ContinueChat), "fast"); err != nil {
		t.Fatal(err)
	}
	if err := turn.Classified(types.Call(types.ContinueChat), "fast"); err == nil {
		t.Error("double classification must be rejected")
	}
	if err := turn.advance(StateSpoken); err == nil {
		t.Error("classified -> spoken must go through dispatched")
	}
	if err := turn.advance(StateDispatched); err != nil {
		t.Fatal(err)
	}
	if err := turn.advance(StateDeferredToModel); err != nil {
		t.Fatal(err)
	}
	if turn.Finished.IsZero() {
		t.Error("terminal state must stamp Finished")
	}
	if err := turn.advance(StateSilent); err == nil {
		t.Error("terminal states are final")
	}

	for _, s := range TerminalStates() {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	if StateDispatched.Terminal() {
		t.Error("dispatched is not terminal")
	}
}
