package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Job represents a scheduled task
type Job struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Schedule ScheduleConfig `json:"schedule"`
	Action   ActionConfig   `json:"action"`
	Enabled  bool           `json:"enabled"`
	State    JobState       `json:"state"`
}

// ScheduleConfig defines when a job runs
type ScheduleConfig struct {
	Kind       string `json:"kind"` // "interval", "cron", "at"
	IntervalMs int64  `json:"intervalMs,omitempty"`
	Expr       string `json:"expr,omitempty"` // five-field cron expression
	Time       string `json:"time,omitempty"` // "HH:MM", daily
	Timezone   string `json:"timezone,omitempty"`
}

// ActionConfig defines what a job does
type ActionConfig struct {
	Kind string `json:"kind"` // "announce", "task"
	// announce
	Text    string   `json:"text,omitempty"`
	Spoken  string   `json:"spoken,omitempty"`
	Devices []string `json:"devices,omitempty"` // empty means every connected device
	// task
	Task func(ctx context.Context) error `json:"-"`
}

// JobState tracks job execution state
type JobState struct {
	LastRunAt    time.Time     `json:"lastRunAt,omitempty"`
	NextRunAt    time.Time     `json:"nextRunAt,omitempty"`
	RunCount     int64         `json:"runCount"`
	ErrorCount   int64         `json:"errorCount"`
	LastError    string        `json:"lastError,omitempty"`
	LastDuration time.Duration `json:"lastDuration,omitempty"`
}

// every is a constant delay. cron.Every rounds to whole seconds, which is
// too coarse for short housekeeping intervals.
type every time.Duration

func (e every) Next(t time.Time) time.Time { return t.Add(time.Duration(e)) }

// compile turns the schedule into a cron.Schedule. An "at" schedule is a
// daily cron spec; a timezone becomes a CRON_TZ prefix.
func (s ScheduleConfig) compile() (cron.Schedule, error) {
	var spec string
	switch s.Kind {
	case "interval":
		if s.IntervalMs <= 0 {
			return nil, errors.New("intervalMs must be positive")
		}
		return every(time.Duration(s.IntervalMs) * time.Millisecond), nil
	case "cron":
		if s.Expr == "" {
			return nil, errors.New("cron expression required")
		}
		spec = s.Expr
	case "at":
		t, err := time.Parse("15:04", s.Time)
		if err != nil {
			return nil, fmt.Errorf("at time %q (use HH:MM): %w", s.Time, err)
		}
		spec = fmt.Sprintf("%d %d * * *", t.Minute(), t.Hour())
	default:
		return nil, fmt.Errorf("unknown schedule kind %q (use interval, cron or at)", s.Kind)
	}
	if s.Timezone != "" {
		spec = "CRON_TZ=" + s.Timezone + " " + spec
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid %s schedule: %w", s.Kind, err)
	}
	return sched, nil
}

// Validate checks the job and fills a missing Name from the ID.
func (j *Job) Validate() error {
	if j.ID == "" {
		return errors.New("job ID required")
	}
	if j.Name == "" {
		j.Name = j.ID
	}
	if _, err := j.Schedule.compile(); err != nil {
		return err
	}

	switch j.Action.Kind {
	case "announce":
		if j.Action.Text == "" {
			return errors.New("announce action needs text")
		}
	case "task":
		if j.Action.Task == nil {
			return errors.New("task action needs a function")
		}
	default:
		return fmt.Errorf("unknown action kind %q (use announce or task)", j.Action.Kind)
	}
	return nil
}

// NextRun returns the first activation strictly after from.
func (j *Job) NextRun(from time.Time) (time.Time, error) {
	sched, err := j.Schedule.compile()
	if err != nil {
		return time.Time{}, err
	}
	next := sched.Next(from)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("schedule %q never fires", j.Schedule.Expr)
	}
	return next, nil
}

// Clone copies the job; the task function is shared.
func (j *Job) Clone() *Job {
	clone := *j
	clone.Action.Devices = append([]string(nil), j.Action.Devices...)
	return &clone
}
