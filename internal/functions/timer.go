package functions

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clawinfra/parlo/internal/dialogue"
	"github.com/clawinfra/parlo/internal/skills"
	"github.com/clawinfra/parlo/internal/store"
	"github.com/clawinfra/parlo/internal/types"
)

const (
	timerDoc   = "timer"
	timerTask  = "timer"
	timerLabel = "il timer"

	maxTimer = 24 * time.Hour
)

type timerRecord struct {
	ID     string    `json:"id"`
	Name   string    `json:"name"`
	Ends   time.Time `json:"ends"`
	TaskID string    `json:"task_id"`
}

type timerList struct {
	Timers []timerRecord `json:"timers"`
}

func (e *env) timerFunctions() []skills.RegisteredFunction {
	return []skills.RegisteredFunction{{
		Name:        "timer_sveglia",
		Description: "Imposta, elenca o cancella timer con conto alla rovescia. Usare per: timer di 10 minuti, quanto manca, cancella il timer.",
		Capability:  skills.CapSystemControl,
		Params: map[string]skills.Param{
			"action":  {Type: skills.TypeString, Description: "set imposta, list elenca, cancel cancella", Enum: []string{"set", "list", "cancel"}},
			"minutes": {Type: skills.TypeInteger, Description: "Durata in minuti"},
			"seconds": {Type: skills.TypeInteger, Description: "Secondi aggiuntivi"},
			"name":    {Type: skills.TypeString, Description: "Nome del timer, es. pasta"},
		},
		Handler: skills.HandlerFunc(e.timer),
	}}
}

func (e *env) timer(ctx context.Context, dc *dialogue.Context, args types.Args) (skills.Outcome, error) {
	switch args.String("action") {
	case "list":
		return e.listTimers(dc)
	case "cancel", "stop":
		return e.cancelTimers(ctx, dc, args.String("name"))
	default:
		return e.setTimer(ctx, dc, args)
	}
}

// activeTimers drops expired records.
func (e *env) activeTimers(device string) ([]timerRecord, error) {
	list, err := store.Get[timerList](e.Store, timerDoc, device)
	if err != nil {
		return nil, err
	}
	now := e.Now()
	var out []timerRecord
	for _, t := range list.Timers {
		if t.Ends.After(now) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (e *env) setTimer(ctx context.Context, dc *dialogue.Context, args types.Args) (skills.Outcome, error) {
	d := time.Duration(args.Int("minutes", 0))*time.Minute + time.Duration(args.Int("seconds", 0))*time.Second
	if !args.Has("minutes") && !args.Has("seconds") {
		d = 5 * time.Minute
	}
	if d <= 0 {
		return skills.Say("Per quanto tempo vuoi il timer? Dimmi i minuti."), nil
	}
	if d > maxTimer {
		return skills.Say("Posso impostare timer fino a 24 ore."), nil
	}

	active, err := e.activeTimers(dc.DeviceID)
	if err != nil {
		return skills.Outcome{}, err
	}
	name := args.String("name")
	if name == "" {
		name = fmt.Sprintf("timer %d", len(active)+1)
	}
	rec := timerRecord{ID: uuid.NewString(), Name: name, Ends: e.Now().Add(d)}

	taskID, err := dc.Go(timerTask, timerLabel, func(tctx context.Context) error {
		return e.countdown(tctx, dc, rec.ID, name, d)
	})
	if err != nil {
		return skills.Outcome{}, fmt.Errorf("start timer: %w", err)
	}
	rec.TaskID = taskID

	_, err = store.Update(ctx, e.Store, timerDoc, dc.DeviceID, func(l *timerList) error {
		l.Timers = append(pruneTimers(l.Timers, e.Now()), rec)
		return nil
	})
	if err != nil {
		dc.CancelTask(taskID)
		return skills.Outcome{}, fmt.Errorf("save timer: %w", err)
	}

	e.logger.Info("timer set", "device", dc.DeviceID, "name", name, "duration", d)
	return skills.Respond(
		fmt.Sprintf("⏱️ Timer '%s' impostato per %s", name, formatDuration(d)),
		fmt.Sprintf("Ok! Timer %s impostato per %s. Ti avviserò quando scade.", name, formatDuration(d)),
	), nil
}

func (e *env) countdown(ctx context.Context, dc *dialogue.Context, id, name string, d time.Duration) error {
	defer e.removeTimer(dc.DeviceID, id)

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}
	e.logger.Info("timer expired", "device", dc.DeviceID, "name", name)
	return dc.Playback().Speak(ctx,
		fmt.Sprintf("⏰ Timer '%s' scaduto!", name),
		fmt.Sprintf("Tempo scaduto! Il timer %s è terminato!", name))
}

// removeTimer runs after the task's signal may already be done, so it uses
// its own bounded context.
func (e *env) removeTimer(device, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := store.Update(ctx, e.Store, timerDoc, device, func(l *timerList) error {
		kept := l.Timers[:0]
		for _, t := range l.Timers {
			if t.ID != id {
				kept = append(kept, t)
			}
		}
		l.Timers = kept
		return nil
	})
	if err != nil {
		e.logger.Warn("failed to remove timer", "device", device, "error", err)
	}
}

func pruneTimers(timers []timerRecord, now time.Time) []timerRecord {
	var out []timerRecord
	for _, t := range timers {
		if t.Ends.After(now) {
			out = append(out, t)
		}
	}
	return out
}

func (e *env) listTimers(dc *dialogue.Context) (skills.Outcome, error) {
	active, err := e.activeTimers(dc.DeviceID)
	if err != nil {
		return skills.Outcome{}, err
	}
	if len(active) == 0 {
		return skills.Respond("Nessun timer attivo", "Non hai timer attivi."), nil
	}
	now := e.Now()
	var display strings.Builder
	display.WriteString("⏱️ Timer attivi:\n")
	parts := make([]string, 0, len(active))
	for _, t := range active {
		left := formatDuration(t.Ends.Sub(now))
		fmt.Fprintf(&display, "- %s: %s rimanenti\n", t.Name, left)
		parts = append(parts, fmt.Sprintf("%s, mancano %s", t.Name, left))
	}
	return skills.Respond(strings.TrimRight(display.String(), "\n"), "Timer attivi: "+strings.Join(parts, "; ")+"."), nil
}

func (e *env) cancelTimers(ctx context.Context, dc *dialogue.Context, name string) (skills.Outcome, error) {
	active, err := e.activeTimers(dc.DeviceID)
	if err != nil {
		return skills.Outcome{}, err
	}
	if len(active) == 0 {
		return skills.Respond("Nessun timer da cancellare", "Non hai timer attivi."), nil
	}

	var targets []timerRecord
	if name == "" {
		targets = active
	} else {
		for _, t := range active {
			if strings.Contains(types.Fold(t.Name), types.Fold(name)) {
				targets = append(targets, t)
				break
			}
		}
		if len(targets) == 0 {
			return skills.Say(fmt.Sprintf("Non trovo un timer chiamato %s.", name)), nil
		}
	}

	drop := make(map[string]bool, len(targets))
	for _, t := range targets {
		dc.CancelTask(t.TaskID)
		drop[t.ID] = true
	}
	_, err = store.Update(ctx, e.Store, timerDoc, dc.DeviceID, func(l *timerList) error {
		kept := l.Timers[:0]
		for _, t := range l.Timers {
			if !drop[t.ID] {
				kept = append(kept, t)
			}
		}
		l.Timers = kept
		return nil
	})
	if err != nil {
		return skills.Outcome{}, fmt.Errorf("save timers: %w", err)
	}

	if name == "" {
		if len(targets) == 1 {
			return skills.Say(fmt.Sprintf("Ho cancellato il timer %s.", targets[0].Name)), nil
		}
		return skills.Say("Ho cancellato tutti i timer."), nil
	}
	return skills.Say(fmt.Sprintf("Ho cancellato il timer %s.", targets[0].Name)), nil
}
