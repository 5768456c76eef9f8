package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/clawinfra/parlo/internal/functions"
	"github.com/clawinfra/parlo/internal/store"
)

// ReminderJob polls the reminder store and announces due reminders on
// connected devices. Reminders of offline devices wait until they connect.
func ReminderJob(s *store.Store, ex Executor, every time.Duration, logger *slog.Logger) *Job {
	if every <= 0 {
		every = 30 * time.Second
	}
	return &Job{
		ID:       "reminders",
		Name:     "deliver due reminders",
		Schedule: ScheduleConfig{Kind: "interval", IntervalMs: every.Milliseconds()},
		Action:   ActionConfig{Kind: "task", Task: deliverReminders(s, ex, time.Now, logger)},
		Enabled:  true,
	}
}

func deliverReminders(s *store.Store, ex Executor, now func() time.Time, logger *slog.Logger) func(context.Context) error {
	return func(ctx context.Context) error {
		withReminders, err := s.Devices(functions.ReminderDoc)
		if err != nil {
			return fmt.Errorf("list reminder devices: %w", err)
		}
		online := make(map[string]bool)
		for _, d := range ex.Devices() {
			online[d] = true
		}

		for _, device := range withReminders {
			if !online[device] {
				continue
			}
			due, err := functions.TakeDueReminders(ctx, s, device, now())
			if err != nil {
				logger.Warn("take due reminders", "device", device, "error", err)
				continue
			}
			for _, r := range due {
				text := r.Announcement()
				if ex.Announce(ctx, device, "⏰ "+text, text) == 0 {
					logger.Warn("reminder not delivered", "device", device, "reminder", r.Text)
				}
			}
		}
		return nil
	}
}
