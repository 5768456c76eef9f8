package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Executor delivers announcements to connected devices.
type Executor interface {
	Announce(ctx context.Context, deviceID, display, spoken string) int
	Devices() []string
}

// JobRunner sleeps until a job is due, runs it and re-arms.
type JobRunner struct {
	job      *Job
	executor Executor
	logger   *slog.Logger

	mu       sync.Mutex // guards job.State
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewJobRunner creates a runner for job. It does nothing until Start.
func NewJobRunner(job *Job, executor Executor, log *slog.Logger) *JobRunner {
	if log == nil {
		log = slog.Default()
	}
	return &JobRunner{
		job:      job,
		executor: executor,
		logger:   log.With("job", job.ID),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start blocks until ctx is cancelled or Stop is called.
func (r *JobRunner) Start(ctx context.Context) {
	defer close(r.doneCh)
	if !r.job.Enabled {
		return
	}

	for {
		next, err := r.job.NextRun(time.Now())
		if err != nil {
			r.logger.Error("cannot compute next run, runner exiting", "error", err)
			return
		}
		r.mu.Lock()
		r.job.State.NextRunAt = next
		r.mu.Unlock()
		r.logger.Debug("job armed", "next_run", next.Format(time.RFC3339))

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-r.stopCh:
			timer.Stop()
			return
		case <-timer.C:
			r.executeJob(ctx)
		}
	}
}

// Stop ends the loop and waits for a running execution to finish.
func (r *JobRunner) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.doneCh
}

// State returns a copy of the job's execution state.
func (r *JobRunner) State() JobState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job.State
}

// executeJob runs the job once and records the outcome.
func (r *JobRunner) executeJob(ctx context.Context) {
	start := time.Now()
	err := r.run(ctx)
	took := time.Since(start)

	r.mu.Lock()
	st := &r.job.State
	st.LastRunAt = start
	st.LastDuration = took
	st.RunCount++
	st.LastError = ""
	if err != nil {
		st.ErrorCount++
		st.LastError = err.Error()
	}
	runs, fails := st.RunCount, st.ErrorCount
	r.mu.Unlock()

	if err != nil {
		r.logger.Error("job failed", "error", err, "duration", took, "runs", runs, "errors", fails)
		return
	}
	r.logger.Debug("job done", "duration", took, "runs", runs)
}

func (r *JobRunner) run(ctx context.Context) error {
	a := r.job.Action
	switch a.Kind {
	case "task":
		return a.Task(ctx)
	case "announce":
		if r.executor == nil {
			return errors.New("no executor to announce with")
		}
		devices := a.Devices
		if len(devices) == 0 {
			devices = r.executor.Devices()
		}
		spoken := a.Spoken
		if spoken == "" {
			spoken = a.Text
		}
		reached := 0
		for _, d := range devices {
			reached += r.executor.Announce(ctx, d, a.Text, spoken)
		}
		r.logger.Info("announcement delivered", "devices", len(devices), "connections", reached)
		return nil
	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
}
