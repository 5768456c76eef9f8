package dialogue

import (
	"log/slog"
	"sort"
	"sync"
)

// Arena owns every live DialogueContext, indexed by connection id. There is
// no other table of per-connection state.
type Arena struct {
	mu       sync.RWMutex
	contexts map[string]*Context
	opts     Options
	logger   *slog.Logger
}

// NewArena creates an arena. defaults supplies HistoryTurns and MaxTasks for
// every context it opens.
func NewArena(defaults Options, logger *slog.Logger) *Arena {
	return &Arena{
		contexts: make(map[string]*Context),
		opts:     defaults,
		logger:   logger.With("component", "arena"),
	}
}

// Open returns the context for id, creating it with opts on first use.
// Zero-valued HistoryTurns and MaxTasks in opts take the arena defaults.
func (a *Arena) Open(id string, opts Options) (*Context, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if c, ok := a.contexts[id]; ok {
		return c, false
	}
	if opts.HistoryTurns == 0 {
		opts.HistoryTurns = a.opts.HistoryTurns
	}
	if opts.MaxTasks == 0 {
		opts.MaxTasks = a.opts.MaxTasks
	}
	if opts.Profile == "" {
		opts.Profile = a.opts.Profile
	}
	c := NewContext(id, opts, a.logger)
	a.contexts[id] = c
	a.logger.Info("dialogue context opened", "conn", id, "device", opts.DeviceID, "profile", opts.Profile)
	return c, true
}

// SetLimits changes HistoryTurns and MaxTasks for contexts opened from
// now on. Open contexts keep theirs.
func (a *Arena) SetLimits(historyTurns, maxTasks int) {
	a.mu.Lock()
	a.opts.HistoryTurns, a.opts.MaxTasks = historyTurns, maxTasks
	a.mu.Unlock()
}

// Get returns the context for id.
func (a *Arena) Get(id string) (*Context, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	c, ok := a.contexts[id]
	return c, ok
}

// Close removes and destroys the context for id.
func (a *Arena) Close(id string) bool {
	a.mu.Lock()
	c, ok := a.contexts[id]
	delete(a.contexts, id)
	a.mu.Unlock()

	if !ok {
		return false
	}
	c.Close()
	a.logger.Info("dialogue context closed", "conn", id)
	return true
}

// Detach removes id from the arena if it still maps to c, without
// destroying c. A connection that has ended but still has work in flight
// detaches first so a reconnect under the same id gets a fresh context.
func (a *Arena) Detach(id string, c *Context) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cur, ok := a.contexts[id]; !ok || cur != c {
		return false
	}
	delete(a.contexts, id)
	return true
}

// Release detaches c from id, if still registered there, and destroys it.
// A newer context opened under the same id is left alone.
func (a *Arena) Release(id string, c *Context) {
	a.Detach(id, c)
	c.Close()
	a.logger.Info("dialogue context closed", "conn", id)
}

// ForDevice returns every open context belonging to deviceID.
func (a *Arena) ForDevice(deviceID string) []*Context {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var out []*Context
	for _, c := range a.contexts {
		if c.DeviceID == deviceID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IDs lists open connection ids in sorted order.
func (a *Arena) IDs() []string {
	a.mu.RLock()
	ids := make([]string, 0, len(a.contexts))
	for id := range a.contexts {
		ids = append(ids, id)
	}
	a.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Len returns the number of open contexts.
func (a *Arena) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.contexts)
}

// CloseAll destroys every context.
func (a *Arena) CloseAll() {
	for _, id := range a.IDs() {
		a.Close(id)
	}
}
