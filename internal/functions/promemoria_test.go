package functions

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/clawinfra/parlo/internal/types"
)

func TestReminderAddInfersKindAndTime(t *testing.T) {
	e := newTestEnv(t)
	dc := newTestContext(t, nil)

	o, err := e.reminder(context.Background(), dc, types.Args{"action": "add", "text": "prendere la pastiglia alle 20"})
	if got := spokenOf(t, o, err); got != "Perfetto! Ti ricorderò alle 20:00 per le medicine: prendere la pastiglia." {
		t.Errorf("add = %q", got)
	}
}

func TestReminderAsksForTimeThenCompletes(t *testing.T) {
	e := newTestEnv(t)
	dc := newTestContext(t, nil)
	ctx := context.Background()

	o, err := e.reminder(ctx, dc, types.Args{"action": "add", "text": "chiamare mamma"})
	if got := spokenOf(t, o, err); !strings.HasPrefix(got, "A che ora vuoi il promemoria?") {
		t.Fatalf("add without time = %q", got)
	}
	s := dc.Session()
	if s == nil {
		t.Fatal("no session waiting for the time")
	}
	if _, claimed := s.Continue(types.NewUtterance("che tempo fa")); claimed {
		t.Error("session claimed an utterance without a time")
	}
	call, claimed := s.Continue(types.NewUtterance("alle 18"))
	if !claimed {
		t.Fatal("session did not claim the time")
	}

	o, err = e.reminder(ctx, dc, call.Arguments)
	if got := spokenOf(t, o, err); got != "Perfetto! Ti ricorderò alle 18:00: chiamare mamma." {
		t.Errorf("completion = %q", got)
	}
	if dc.Session() != nil {
		t.Error("session not closed after saving")
	}
}

func TestReminderListCancelAndTakeDue(t *testing.T) {
	e := newTestEnv(t)
	dc := newTestContext(t, nil)
	ctx := context.Background()

	for _, text := range []string{"prendere la pastiglia alle 20", "chiamare mamma alle 18", "innaffiare le piante ogni giorno alle 8"} {
		if _, err := e.reminder(ctx, dc, types.Args{"action": "add", "text": text}); err != nil {
			t.Fatal(err)
		}
	}

	o, err := e.reminder(ctx, dc, types.Args{"action": "list"})
	got := spokenOf(t, o, err)
	want := "Hai 3 promemoria: numero 1, alle 18:00, chiamare mamma; numero 2, alle 20:00, prendere la pastiglia; numero 3, domani alle 08:00, innaffiare le piante."
	if got != want {
		t.Errorf("list = %q\nwant   %q", got, want)
	}

	due, err := TakeDueReminders(ctx, e.Store, "kitchen", testNow.Add(3*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].Text != "chiamare mamma" || due[0].Announcement() != "Promemoria! chiamare mamma" {
		t.Fatalf("due = %+v", due)
	}

	// The daily reminder fires and comes back for the next day.
	tomorrow9 := time.Date(2026, time.October, 18, 9, 0, 0, 0, time.UTC)
	due, err = TakeDueReminders(ctx, e.Store, "kitchen", tomorrow9)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 2 {
		t.Fatalf("due = %+v, want 2", due)
	}
	left, err := TakeDueReminders(ctx, e.Store, "kitchen", tomorrow9.Add(23*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 1 || !left[0].Repeat {
		t.Fatalf("repeating reminder not rescheduled: %+v", left)
	}

	o, err = e.reminder(ctx, dc, types.Args{"action": "cancel", "index": 1})
	if got := spokenOf(t, o, err); got != "Ho cancellato il promemoria numero 1: innaffiare le piante." {
		t.Errorf("cancel = %q", got)
	}
	o, err = e.reminder(ctx, dc, types.Args{"action": "list"})
	if got := spokenOf(t, o, err); got != "Non hai promemoria attivi al momento." {
		t.Errorf("empty list = %q", got)
	}
}

func TestReminderAnnouncementByKind(t *testing.T) {
	r := Reminder{Text: "visita dal dentista", Type: ReminderAppointment}
	if got := r.Announcement(); got != "Promemoria! Hai un appuntamento. visita dal dentista" {
		t.Errorf("announcement = %q", got)
	}
	if got := inferKind("Svegliami"); got != ReminderWakeUp {
		t.Errorf("inferKind = %q", got)
	}
}
