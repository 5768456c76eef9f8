package config

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
)

// fileState is what the watcher remembers about the config file.
type fileState struct {
	mod time.Time
	sum [blake2b.Size256]byte
}

func readState(path string) (fileState, error) {
	info, err := os.Stat(path)
	if err != nil {
		return fileState{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fileState{}, err
	}
	return fileState{mod: info.ModTime(), sum: blake2b.Sum256(data)}, nil
}

// Watcher polls the config file and calls onChange when its content
// changes. A newer mtime with identical bytes (an editor re-saving, a
// touch) is ignored.
type Watcher struct {
	path     string
	interval time.Duration
	logger   *slog.Logger
	onChange func()

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	last   fileState
}

// NewWatcher creates a config file watcher that polls every interval.
func NewWatcher(path string, interval time.Duration, logger *slog.Logger, onChange func()) *Watcher {
	return &Watcher{
		path:     path,
		interval: interval,
		logger:   logger.With("component", "config-watcher"),
		onChange: onChange,
	}
}

// Start records the current file state and begins polling. Calling Start
// on a running watcher does nothing.
func (w *Watcher) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}
	w.last, _ = readState(w.path)

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel, w.done = cancel, make(chan struct{})
	go w.poll(ctx, w.done)
	w.logger.Info("config watcher started", "path", w.path, "interval", w.interval)
}

// Stop ends polling and waits for an in-flight onChange to return. It is
// safe to call more than once, and before Start.
func (w *Watcher) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel = nil
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	w.logger.Info("config watcher stopped")
}

func (w *Watcher) poll(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if w.changed() && w.onChange != nil {
			w.onChange()
		}
	}
}

// changed reports whether the file content differs from the last seen
// state. Only the polling goroutine touches w.last after Start.
func (w *Watcher) changed() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		w.logger.Warn("cannot stat config file", "path", w.path, "error", err)
		return false
	}
	if !info.ModTime().After(w.last.mod) {
		return false
	}
	cur, err := readState(w.path)
	if err != nil {
		w.logger.Warn("cannot read config file", "path", w.path, "error", err)
		return false
	}
	same := cur.sum == w.last.sum
	w.last = cur
	if same {
		w.logger.Debug("config file touched without changes", "path", w.path)
		return false
	}
	w.logger.Info("config file changed", "path", w.path, "modTime", cur.mod)
	return true
}
