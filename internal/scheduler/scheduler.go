// Package scheduler runs timed jobs: cron announcements spoken on devices
// and internal housekeeping such as delivering due reminders.
package scheduler

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/clawinfra/parlo/internal/config"
)

// AnnouncePrefix marks jobs created from configured announcements.
const AnnouncePrefix = "announce:"

// ErrJobNotFound is returned for unknown job ids.
var ErrJobNotFound = errors.New("job not found")

type entry struct {
	job    *Job
	runner *JobRunner // nil while the scheduler is stopped or the job disabled
}

// Scheduler owns the job table and one runner goroutine per enabled job.
type Scheduler struct {
	executor Executor
	logger   *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	ctx     context.Context // non-nil while started
	cancel  context.CancelFunc
}

// Stats summarises the job table for the status endpoint.
type Stats struct {
	Enabled     bool  `json:"enabled"`
	TotalJobs   int   `json:"total_jobs"`
	ActiveJobs  int   `json:"active_jobs"`
	RunningJobs int   `json:"running_jobs"`
	TotalRuns   int64 `json:"total_runs"`
	TotalErrors int64 `json:"total_errors"`
}

// NewScheduler creates a stopped scheduler that announces through executor.
func NewScheduler(executor Executor, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		executor: executor,
		logger:   logger.With("component", "scheduler"),
		entries:  make(map[string]*entry),
	}
}

// Start launches a runner for every enabled job. Jobs added afterwards
// start immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx != nil {
		return errors.New("scheduler already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	for _, e := range s.entries {
		s.launch(e)
	}
	s.logger.Info("scheduler started", "jobs", len(s.entries), "running", s.running())
	return nil
}

// Stop halts every runner and waits for in-flight executions.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx == nil {
		return
	}
	s.cancel()
	for _, e := range s.entries {
		s.halt(e)
	}
	s.ctx, s.cancel = nil, nil
	s.logger.Info("scheduler stopped")
}

// launch and halt must be called with s.mu held.
func (s *Scheduler) launch(e *entry) {
	if s.ctx == nil || !e.job.Enabled || e.runner != nil {
		return
	}
	e.runner = NewJobRunner(e.job, s.executor, s.logger)
	go e.runner.Start(s.ctx)
}

func (s *Scheduler) halt(e *entry) {
	if e.runner == nil {
		return
	}
	e.runner.Stop()
	e.runner = nil
}

func (s *Scheduler) running() int {
	n := 0
	for _, e := range s.entries {
		if e.runner != nil {
			n++
		}
	}
	return n
}

// AddJob registers a new job. The id must be unused.
func (s *Scheduler) AddJob(job *Job) error {
	return s.put(job, false)
}

// UpdateJob replaces an existing job, restarting its runner.
func (s *Scheduler) UpdateJob(job *Job) error {
	return s.put(job, true)
}

func (s *Scheduler) put(job *Job, replace bool) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old, exists := s.entries[job.ID]
	switch {
	case replace && !exists:
		return fmt.Errorf("%w: %s", ErrJobNotFound, job.ID)
	case !replace && exists:
		return fmt.Errorf("job %s already exists", job.ID)
	}
	if exists {
		s.halt(old)
	}
	e := &entry{job: job}
	s.entries[job.ID] = e
	s.launch(e)
	s.logger.Info("job registered", "job", job.ID, "replaced", exists, "enabled", job.Enabled, "running", e.runner != nil)
	return nil
}

// RemoveJob stops and forgets a job.
func (s *Scheduler) RemoveJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	s.halt(e)
	delete(s.entries, id)
	s.logger.Info("job removed", "job", id)
	return nil
}

// GetJob returns a copy of the job with its current state.
func (s *Scheduler) GetJob(id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return e.snapshot(), nil
}

// ListJobs returns copies of all jobs ordered by id.
func (s *Scheduler) ListJobs() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make([]*Job, 0, len(s.entries))
	for _, e := range s.entries {
		jobs = append(jobs, e.snapshot())
	}
	slices.SortFunc(jobs, func(a, b *Job) int { return cmp.Compare(a.ID, b.ID) })
	return jobs
}

func (e *entry) snapshot() *Job {
	c := e.job.Clone()
	if e.runner != nil {
		c.State = e.runner.State()
	}
	return c
}

// RunJobNow executes a job once, outside its schedule, and waits for it.
func (s *Scheduler) RunJobNow(ctx context.Context, id string) error {
	s.mu.Lock()
	e, ok := s.entries[id]
	var r *JobRunner
	if ok {
		r = e.runner
		if r == nil {
			r = NewJobRunner(e.job, s.executor, s.logger)
		}
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	r.executeJob(ctx)
	return nil
}

// LoadAnnouncements makes the configured announcements the scheduler's
// complete set of announce jobs: new entries are added, changed ones
// restarted, missing ones removed. Unchanged jobs keep their runner and
// counters. Invalid entries are logged and skipped. It returns the number
// of announcements now scheduled.
func (s *Scheduler) LoadAnnouncements(anns []config.AnnouncementConfig) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[string]*Job, len(anns))
	for _, a := range anns {
		job := announcementJob(a)
		if err := job.Validate(); err != nil {
			s.logger.Warn("skipping invalid announcement", "id", a.ID, "error", err)
			continue
		}
		want[job.ID] = job
	}

	for id, e := range s.entries {
		if !strings.HasPrefix(id, AnnouncePrefix) {
			continue
		}
		if _, keep := want[id]; !keep {
			s.halt(e)
			delete(s.entries, id)
			s.logger.Info("announcement removed", "job", id)
		}
	}
	for id, job := range want {
		if e, ok := s.entries[id]; ok {
			if sameAnnouncement(e.job, job) {
				continue
			}
			s.halt(e)
		}
		e := &entry{job: job}
		s.entries[id] = e
		s.launch(e)
	}
	s.logger.Info("announcements loaded", "count", len(want))
	return len(want)
}

func announcementJob(a config.AnnouncementConfig) *Job {
	return &Job{
		ID:       AnnouncePrefix + a.ID,
		Name:     a.ID,
		Schedule: ScheduleConfig{Kind: "cron", Expr: a.Cron},
		Action:   ActionConfig{Kind: "announce", Text: a.Text, Devices: a.Devices},
		Enabled:  true,
	}
}

func sameAnnouncement(a, b *Job) bool {
	return a.Schedule == b.Schedule &&
		a.Action.Text == b.Action.Text &&
		a.Action.Spoken == b.Action.Spoken &&
		slices.Equal(a.Action.Devices, b.Action.Devices)
}

// GetStats returns counters across all jobs.
func (s *Scheduler) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{Enabled: true, TotalJobs: len(s.entries)}
	for _, e := range s.entries {
		if e.job.Enabled {
			st.ActiveJobs++
		}
		if e.runner != nil {
			st.RunningJobs++
		}
		js := e.snapshot().State
		st.TotalRuns += js.RunCount
		st.TotalErrors += js.ErrorCount
	}
	return st
}
