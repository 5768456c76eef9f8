package dialogue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/clawinfra/parlo/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSession struct{ name string }

func (s fakeSession) Function() types.FunctionName { return "quiz_trivia" }
func (s fakeSession) Describe() string             { return s.name }
func (s fakeSession) Continue(types.Utterance) (types.FunctionCall, bool) {
	return types.FunctionCall{}, false
}

func TestHistoryBounded(t *testing.T) {
	h := NewHistory(3)
	for _, s := range []string{"a", "b", "c", "d", ""} {
		h.Add("user", s)
	}
	if h.Len() != 3 {
		t.Fatalf("expected 3 turns, got %d", h.Len())
	}
	recent := h.Recent(2)
	if len(recent) != 2 || recent[0].Content != "c" || recent[1].Content != "d" {
		t.Errorf("unexpected recent turns: %+v", recent)
	}
	if all := h.Recent(0); len(all) != 3 || all[0].Content != "b" {
		t.Errorf("Recent(0) should return all turns, got %+v", all)
	}
	h.Clear()
	if h.Len() != 0 {
		t.Error("expected empty history after Clear")
	}
}

func TestInterruptStopsBackgroundTasks(t *testing.T) {
	defer goleak.VerifyNone(t)

	c := NewContext("ws:dev1", Options{DeviceID: "dev1"}, testLogger())
	stoppedCh := make(chan struct{})
	_, err := c.Go("radio", "la radio", func(ctx context.Context) error {
		<-ctx.Done()
		close(stoppedCh)
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("Go: %v", err)
	}
	c.SetSession(fakeSession{name: "il quiz"})

	stopped := c.Interrupt()
	if len(stopped) != 2 || stopped[0] != "la radio" || stopped[1] != "il quiz" {
		t.Errorf("unexpected stopped list: %v", stopped)
	}

	select {
	case <-stoppedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("background task did not observe the interrupt")
	}
	c.Wait()

	if c.Session() != nil {
		t.Error("session must be cleared by Interrupt")
	}
	if c.Signal().Err() != nil {
		t.Error("a fresh signal must be installed after Interrupt")
	}
	if len(c.Tasks()) != 0 {
		t.Errorf("expected no tasks, got %v", c.Tasks())
	}
	c.Close()
}

func TestInterruptWithNothingRunning(t *testing.T) {
	c := NewContext("c", Options{}, testLogger())
	defer c.Close()
	if stopped := c.Interrupt(); len(stopped) != 0 {
		t.Errorf("expected nothing stopped, got %v", stopped)
	}
}

func TestCancelTask(t *testing.T) {
	defer goleak.VerifyNone(t)

	c := NewContext("c", Options{}, testLogger())
	id, err := c.Go("timer", "il timer", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !c.CancelTask(id) {
		t.Fatal("expected task to be found")
	}
	c.Wait()
	if c.CancelTask(id) {
		t.Error("finished task must be forgotten")
	}
	c.Close()
}

func TestTaskLimit(t *testing.T) {
	defer goleak.VerifyNone(t)

	c := NewContext("c", Options{MaxTasks: 1}, testLogger())
	release := make(chan struct{})
	if _, err := c.Go("a", "a", func(ctx context.Context) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Go("b", "b", func(context.Context) error { return nil }); !errors.Is(err, ErrTooManyTasks) {
		t.Errorf("expected ErrTooManyTasks, got %v", err)
	}
	close(release)
	c.Close()
	if _, err := c.Go("c", "c", func(context.Context) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestArenaLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t)

	a := NewArena(Options{HistoryTurns: 4, Profile: "generale"}, testLogger())
	c, created := a.Open("ws:dev1", Options{DeviceID: "dev1"})
	if !created || c.Profile() != "generale" {
		t.Fatalf("expected new context with default profile, got created=%v profile=%q", created, c.Profile())
	}
	again, created := a.Open("ws:dev1", Options{DeviceID: "dev1"})
	if created || again != c {
		t.Error("Open must return the existing context")
	}
	a.Open("mqtt:dev1", Options{DeviceID: "dev1"})
	a.Open("ws:dev2", Options{DeviceID: "dev2"})

	if got := a.ForDevice("dev1"); len(got) != 2 {
		t.Errorf("expected 2 contexts for dev1, got %d", len(got))
	}

	running := make(chan struct{})
	if _, err := c.Go("loop", "il loop", func(ctx context.Context) error {
		close(running)
		<-ctx.Done()
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	<-running

	if !a.Close("ws:dev1") {
		t.Fatal("expected Close to find the context")
	}
	if !c.Closed() {
		t.Error("context must be destroyed on disconnect")
	}
	if _, ok := a.Get("ws:dev1"); ok {
		t.Error("closed context still reachable")
	}
	a.CloseAll()
	if a.Len() != 0 {
		t.Errorf("expected empty arena, got %d", a.Len())
	}
}

func TestArenaSetLimitsAffectsNewContexts(t *testing.T) {
	a := NewArena(Options{HistoryTurns: 4}, testLogger())
	before, _ := a.Open("ws:a", Options{DeviceID: "a"})
	a.SetLimits(2, 3)
	after, _ := a.Open("ws:b", Options{DeviceID: "b"})
	defer a.CloseAll()

	if before.History.max != 4 || after.History.max != 2 {
		t.Errorf("history bounds = %d, %d", before.History.max, after.History.max)
	}
}

func TestArenaReleaseLeavesNewerContext(t *testing.T) {
	a := NewArena(Options{HistoryTurns: 4}, testLogger())
	old, _ := a.Open("mqtt/cucina", Options{DeviceID: "cucina"})
	if !a.Detach("mqtt/cucina", old) || a.Len() != 0 {
		t.Fatal("detach did not remove the context")
	}
	if old.Closed() {
		t.Fatal("detach closed the context")
	}

	fresh, created := a.Open("mqtt/cucina", Options{DeviceID: "cucina"})
	if !created || fresh == old {
		t.Fatal("reopen returned the detached context")
	}
	if a.Detach("mqtt/cucina", old) {
		t.Error("detach of a stale context removed the newer one")
	}

	a.Release("mqtt/cucina", old)
	if !old.Closed() {
		t.Error("release did not close the old context")
	}
	if got, ok := a.Get("mqtt/cucina"); !ok || got != fresh || fresh.Closed() {
		t.Error("release touched the newer context")
	}
	if n := len(a.ForDevice("cucina")); n != 1 {
		t.Errorf("ForDevice = %d contexts", n)
	}
	a.Release("mqtt/cucina", fresh)
	if a.Len() != 0 {
		t.Error("release of the registered context left it in the arena")
	}
}
