// Package dialogue holds per-connection dialogue state: rolling history, the
// active skill session, the connection's cancellation signal and the
// background tasks that observe it.
package dialogue

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrClosed is returned when starting work on a destroyed context.
	ErrClosed = errors.New("dialogue context closed")
	// ErrTooManyTasks is returned when the background task limit is reached.
	ErrTooManyTasks = errors.New("too many background tasks")
)

const (
	defaultMaxTasks = 8
	closeTimeout    = 5 * time.Second
)

// TaskInfo describes a running background task.
type TaskInfo struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Label   string    `json:"label"`
	Started time.Time `json:"started"`
}

type task struct {
	info   TaskInfo
	cancel context.CancelFunc
}

// Context is the DialogueContext of one connection. It is mutated only by the
// turn driver, dispatch and the skill dispatch invokes.
type Context struct {
	ID       string
	DeviceID string
	Channel  string
	History  *History
	Created  time.Time

	mu       sync.Mutex
	profile  string
	session  Session
	signal   context.Context
	cancel   context.CancelFunc
	tasks    map[string]*task
	group    errgroup.Group
	playback Playback
	closed   bool
	logger   *slog.Logger
}

// Options configures a new Context.
type Options struct {
	DeviceID     string
	Channel      string
	Profile      string
	HistoryTurns int
	MaxTasks     int
	Playback     Playback
}

// NewContext creates a DialogueContext for connection id.
func NewContext(id string, opts Options, logger *slog.Logger) *Context {
	if opts.MaxTasks <= 0 {
		opts.MaxTasks = defaultMaxTasks
	}
	if opts.Playback == nil {
		opts.Playback = DiscardPlayback
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Context{
		ID:       id,
		DeviceID: opts.DeviceID,
		Channel:  opts.Channel,
		History:  NewHistory(opts.HistoryTurns),
		Created:  time.Now(),
		profile:  opts.Profile,
		tasks:    make(map[string]*task),
		playback: opts.Playback,
		logger:   logger.With("component", "dialogue", "conn", id),
	}
	c.signal, c.cancel = context.WithCancel(context.Background())
	c.group.SetLimit(opts.MaxTasks)
	return c
}

// Profile returns the active profile name.
func (c *Context) Profile() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.profile
}

// SetProfile switches the active profile.
func (c *Context) SetProfile(name string) {
	c.mu.Lock()
	c.profile = name
	c.mu.Unlock()
}

// Session returns the active skill session, or nil.
func (c *Context) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// SetSession replaces the active skill session.
func (c *Context) SetSession(s Session) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
}

// EndSession clears the active session and returns it.
func (c *Context) EndSession() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.session
	c.session = nil
	return s
}

// Playback returns the output sink for background tasks.
func (c *Context) Playback() Playback { return c.playback }

// Signal returns the current cancellation signal. It is done once Interrupt
// or Close has been called; a fresh signal is installed after Interrupt.
func (c *Context) Signal() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signal
}

// Go starts a detached background task bound to the connection's cancellation
// signal. fn must return once ctx is done. label is the user-facing name used
// when the task is stopped ("la radio").
func (c *Context) Go(name, label string, fn func(ctx context.Context) error) (string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClosed
	}
	ctx, cancel := context.WithCancel(c.signal)
	t := &task{
		info:   TaskInfo{ID: uuid.NewString(), Name: name, Label: label, Started: time.Now()},
		cancel: cancel,
	}
	c.tasks[t.info.ID] = t
	c.mu.Unlock()

	started := c.group.TryGo(func() error {
		defer c.finish(t)
		if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn("background task failed", "task", name, "error", err)
		}
		return nil
	})
	if !started {
		c.finish(t)
		return "", ErrTooManyTasks
	}
	c.logger.Debug("background task started", "task", name, "id", t.info.ID)
	return t.info.ID, nil
}

func (c *Context) finish(t *task) {
	t.cancel()
	c.mu.Lock()
	delete(c.tasks, t.info.ID)
	c.mu.Unlock()
}

// CancelTask stops one background task by id.
func (c *Context) CancelTask(id string) bool {
	c.mu.Lock()
	t, ok := c.tasks[id]
	c.mu.Unlock()
	if ok {
		t.cancel()
	}
	return ok
}

// CancelTasks stops every background task started under name and returns
// how many were found.
func (c *Context) CancelTasks(name string) int {
	c.mu.Lock()
	var found []*task
	for _, t := range c.tasks {
		if t.info.Name == name {
			found = append(found, t)
		}
	}
	c.mu.Unlock()
	for _, t := range found {
		t.cancel()
	}
	return len(found)
}

// Tasks lists running background tasks, oldest first.
func (c *Context) Tasks() []TaskInfo {
	c.mu.Lock()
	out := make([]TaskInfo, 0, len(c.tasks))
	for _, t := range c.tasks {
		out = append(out, t.info)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

// Interrupt flips the cancellation signal, ending every background task at its
// next checkpoint, and closes the active session. It returns the labels of what
// was stopped. A fresh signal is installed so later turns can start new tasks.
func (c *Context) Interrupt() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var stopped []string
	seen := make(map[string]bool)
	for _, t := range c.tasks {
		if !seen[t.info.Label] {
			seen[t.info.Label] = true
			stopped = append(stopped, t.info.Label)
		}
	}
	sort.Strings(stopped)
	if c.session != nil {
		stopped = append(stopped, c.session.Describe())
		c.session = nil
	}

	c.cancel()
	if !c.closed {
		c.signal, c.cancel = context.WithCancel(context.Background())
	}
	if len(stopped) > 0 {
		c.logger.Info("interrupted", "stopped", stopped)
	}
	return stopped
}

// Wait blocks until all background tasks have returned.
func (c *Context) Wait() {
	_ = c.group.Wait()
}

// Close destroys the context: cancels all work and waits (bounded) for tasks.
func (c *Context) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.session = nil
	c.cancel()
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(closeTimeout):
		c.logger.Warn("background tasks did not stop in time")
	}
}

// Closed reports whether Close has been called.
func (c *Context) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
