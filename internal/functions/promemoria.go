package functions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clawinfra/parlo/internal/dialogue"
	"github.com/clawinfra/parlo/internal/skills"
	"github.com/clawinfra/parlo/internal/store"
	"github.com/clawinfra/parlo/internal/types"
)

// ReminderDoc is the store document holding a device's reminders.
const ReminderDoc = "promemoria"

// Reminder kinds change how a reminder is announced.
const (
	ReminderGeneric     = "promemoria"
	ReminderMedicine    = "farmaco"
	ReminderAppointment = "appuntamento"
	ReminderWakeUp      = "sveglia"
)

// Reminder is one scheduled reminder.
type Reminder struct {
	ID      string    `json:"id"`
	Text    string    `json:"text"`
	Due     time.Time `json:"due"`
	Type    string    `json:"type"`
	Repeat  bool      `json:"repeat,omitempty"`
	Created time.Time `json:"created"`
}

// Announcement is the sentence spoken when r falls due.
func (r Reminder) Announcement() string {
	switch r.Type {
	case ReminderMedicine:
		return "Attenzione! È ora di prendere le medicine. " + r.Text
	case ReminderAppointment:
		return "Promemoria! Hai un appuntamento. " + r.Text
	case ReminderWakeUp:
		return "Buongiorno! È ora di svegliarsi. " + r.Text
	default:
		return "Promemoria! " + r.Text
	}
}

var errNoSuchReminder = errors.New("no such reminder")

type reminderList struct {
	Reminders []Reminder `json:"reminders"`
}

// TakeDueReminders removes and returns the device's reminders due at now.
// Repeating reminders are moved forward by whole days instead of removed.
func TakeDueReminders(ctx context.Context, s *store.Store, device string, now time.Time) ([]Reminder, error) {
	var due []Reminder
	_, err := store.Update(ctx, s, ReminderDoc, device, func(l *reminderList) error {
		kept := l.Reminders[:0]
		for _, r := range l.Reminders {
			if r.Due.After(now) {
				kept = append(kept, r)
				continue
			}
			due = append(due, r)
			if r.Repeat {
				for !r.Due.After(now) {
					r.Due = r.Due.AddDate(0, 0, 1)
				}
				kept = append(kept, r)
			}
		}
		l.Reminders = kept
		return nil
	})
	return due, err
}

// reminderSession waits for the time of a reminder whose text is known.
type reminderSession struct {
	text   string
	kind   string
	repeat bool
}

func (s *reminderSession) Function() types.FunctionName { return "promemoria" }
func (s *reminderSession) Describe() string             { return "il promemoria" }

func (s *reminderSession) Continue(u types.Utterance) (types.FunctionCall, bool) {
	if !hasWhen(u.Text) {
		return types.FunctionCall{}, false
	}
	return types.Call("promemoria", "action", "add", "text", s.text, "when", u.Text, "tipo", s.kind, "repeat", s.repeat), true
}

func (e *env) reminderFunctions() []skills.RegisteredFunction {
	return []skills.RegisteredFunction{{
		Name: "promemoria",
		Description: "Gestisce promemoria e sveglie programmate: impostare un promemoria, ricordare medicine o " +
			"appuntamenti, elencare o cancellare i promemoria.",
		Params: map[string]skills.Param{
			"action":     {Type: skills.TypeString, Description: "add imposta, list elenca, cancel cancella uno, cancel_all cancella tutti", Enum: []string{"add", "list", "cancel", "cancel_all"}},
			"text":       {Type: skills.TypeString, Description: "Cosa ricordare, anche con l'orario: chiamare il dottore alle 18"},
			"when":       {Type: skills.TypeString, Description: "Quando: alle 8, tra 10 minuti, domani alle 9"},
			"hour":       {Type: skills.TypeInteger, Description: "Ora (0-23)"},
			"minute":     {Type: skills.TypeInteger, Description: "Minuto (0-59)"},
			"in_minutes": {Type: skills.TypeInteger, Description: "Tra quanti minuti"},
			"tipo":       {Type: skills.TypeString, Description: "promemoria, farmaco, appuntamento o sveglia", Enum: []string{ReminderGeneric, ReminderMedicine, ReminderAppointment, ReminderWakeUp}},
			"repeat":     {Type: skills.TypeBoolean, Description: "Ripeti ogni giorno"},
			"index":      {Type: skills.TypeInteger, Description: "Numero del promemoria da cancellare"},
		},
		Handler: skills.HandlerFunc(e.reminder),
	}}
}

func (e *env) reminder(ctx context.Context, dc *dialogue.Context, args types.Args) (skills.Outcome, error) {
	switch args.String("action") {
	case "list":
		return e.listReminders(dc.DeviceID)
	case "cancel":
		return e.cancelReminder(ctx, dc.DeviceID, args.Int("index", 0))
	case "cancel_all":
		if err := e.Store.Delete(ReminderDoc, dc.DeviceID); err != nil {
			return skills.Outcome{}, err
		}
		return skills.Say("Ho cancellato tutti i tuoi promemoria."), nil
	default:
		return e.addReminder(ctx, dc, args)
	}
}

func inferKind(text string) string {
	t := types.Fold(text)
	switch {
	case strings.Contains(t, "medicin") || strings.Contains(t, "pastiglia") || strings.Contains(t, "pillola") || strings.Contains(t, "farmac"):
		return ReminderMedicine
	case strings.Contains(t, "appuntamento") || strings.Contains(t, "visita") || strings.Contains(t, "dottore"):
		return ReminderAppointment
	case strings.Contains(t, "sveglia") || strings.Contains(t, "svegliami"):
		return ReminderWakeUp
	default:
		return ReminderGeneric
	}
}

func defaultReminderText(kind string) string {
	switch kind {
	case ReminderMedicine:
		return "prendere le medicine"
	case ReminderWakeUp:
		return "è ora di svegliarsi"
	case ReminderAppointment:
		return "hai un appuntamento"
	default:
		return ""
	}
}

// resolveWhen reads the due time from explicit arguments or from the text.
func (e *env) resolveWhen(args types.Args, text string) (time.Time, string, bool) {
	now := e.Now()
	if n := args.Int("in_minutes", 0); n > 0 {
		return now.Add(time.Duration(n) * time.Minute), text, true
	}
	if args.Has("hour") {
		h, m := args.Int("hour", -1), args.Int("minute", 0)
		if h < 0 || h > 23 || m < 0 || m > 59 {
			return time.Time{}, text, false
		}
		when := time.Date(now.Year(), now.Month(), now.Day(), h, m, 0, 0, now.Location())
		if !when.After(now) {
			when = when.AddDate(0, 0, 1)
		}
		return when, text, true
	}
	if w := args.String("when"); w != "" {
		if when, _, ok := parseWhen(w, now); ok {
			return when, text, true
		}
	}
	return parseWhen(text, now)
}

func (e *env) addReminder(ctx context.Context, dc *dialogue.Context, args types.Args) (skills.Outcome, error) {
	raw := args.String("text")
	repeat := args.Bool("repeat", false) || repeatRe.MatchString(types.Fold(raw))
	raw = repeatRe.ReplaceAllString(types.Fold(raw), "")

	when, text, ok := e.resolveWhen(args, raw)
	kind := args.String("tipo")
	if kind == "" {
		kind = inferKind(args.String("text"))
	}
	text = tidy(text)
	if text == "" {
		text = defaultReminderText(kind)
	}
	if text == "" {
		return skills.Say("Cosa vuoi che ti ricordi?"), nil
	}
	if !ok {
		dc.SetSession(&reminderSession{text: text, kind: kind, repeat: repeat})
		return skills.Say("A che ora vuoi il promemoria? Dimmelo come alle 8, alle 14 e 30 o tra 30 minuti."), nil
	}
	if s, isReminder := dc.Session().(*reminderSession); isReminder && s != nil {
		dc.EndSession()
	}

	r := Reminder{ID: uuid.NewString(), Text: text, Due: when, Type: kind, Repeat: repeat, Created: e.Now()}
	_, err := store.Update(ctx, e.Store, ReminderDoc, dc.DeviceID, func(l *reminderList) error {
		l.Reminders = append(l.Reminders, r)
		sort.SliceStable(l.Reminders, func(i, j int) bool { return l.Reminders[i].Due.Before(l.Reminders[j].Due) })
		return nil
	})
	if err != nil {
		return skills.Outcome{}, fmt.Errorf("save reminder: %w", err)
	}
	e.logger.Info("reminder added", "device", dc.DeviceID, "due", when, "type", kind, "repeat", repeat)

	return skills.Say(fmt.Sprintf("Perfetto! Ti ricorderò %s%s%s: %s.",
		e.describeDue(when), kindSuffix(kind), repeatSuffix(repeat), text)), nil
}

func kindSuffix(kind string) string {
	switch kind {
	case ReminderMedicine:
		return " per le medicine"
	case ReminderWakeUp:
		return " come sveglia"
	case ReminderAppointment:
		return " per l'appuntamento"
	}
	return ""
}

func repeatSuffix(repeat bool) string {
	if repeat {
		return " ogni giorno"
	}
	return ""
}

// describeDue speaks a due time relative to today: "alle 18:00", "domani alle 9:00".
func (e *env) describeDue(t time.Time) string {
	now := e.Now()
	switch {
	case sameDay(now, t):
		return "alle " + italianClock(t)
	case sameDay(now.AddDate(0, 0, 1), t):
		return "domani alle " + italianClock(t)
	default:
		return fmt.Sprintf("%s alle %s", italianDate(t), italianClock(t))
	}
}

func sameDay(a, b time.Time) bool {
	y1, m1, d1 := a.Date()
	y2, m2, d2 := b.In(a.Location()).Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}

func (e *env) listReminders(device string) (skills.Outcome, error) {
	list, err := store.Get[reminderList](e.Store, ReminderDoc, device)
	if err != nil {
		return skills.Outcome{}, err
	}
	if len(list.Reminders) == 0 {
		return skills.Say("Non hai promemoria attivi al momento."), nil
	}
	var display strings.Builder
	display.WriteString("Ecco i tuoi promemoria attivi:\n")
	spoken := make([]string, 0, len(list.Reminders))
	for i, r := range list.Reminders {
		due := e.describeDue(r.Due)
		line := fmt.Sprintf("%d. %s: %s", i+1, capitalize(due), r.Text)
		if r.Repeat {
			line += " (ogni giorno)"
		}
		display.WriteString(line + "\n")
		spoken = append(spoken, fmt.Sprintf("numero %d, %s, %s", i+1, due, r.Text))
	}
	return skills.Respond(strings.TrimRight(display.String(), "\n"),
		fmt.Sprintf("Hai %s: %s.", plural(len(spoken), "promemoria", "promemoria"), strings.Join(spoken, "; "))), nil
}

func (e *env) cancelReminder(ctx context.Context, device string, index int) (skills.Outcome, error) {
	list, err := store.Get[reminderList](e.Store, ReminderDoc, device)
	if err != nil {
		return skills.Outcome{}, err
	}
	switch {
	case len(list.Reminders) == 0:
		return skills.Say("Non hai promemoria da cancellare."), nil
	case index == 0 && len(list.Reminders) == 1:
		index = 1
	case index == 0:
		return skills.Say("Dimmi quale promemoria vuoi cancellare. Puoi dire mostra promemoria per vedere la lista numerata."), nil
	}

	var removed Reminder
	_, err = store.Update(ctx, e.Store, ReminderDoc, device, func(l *reminderList) error {
		if index < 1 || index > len(l.Reminders) {
			return errNoSuchReminder
		}
		removed = l.Reminders[index-1]
		l.Reminders = append(l.Reminders[:index-1], l.Reminders[index:]...)
		return nil
	})
	if errors.Is(err, errNoSuchReminder) {
		return skills.Say(fmt.Sprintf("Non ho trovato il promemoria numero %d. Prova a dire mostra promemoria per vedere la lista.", index)), nil
	}
	if err != nil {
		return skills.Outcome{}, err
	}
	return skills.Say(fmt.Sprintf("Ho cancellato il promemoria numero %d: %s.", index, removed.Text)), nil
}
