package dialogue

import (
	"sync"
	"time"
)

const defaultMaxTurns = 20

// Turn is one entry of the rolling dialogue history.
type Turn struct {
	Role    string    `json:"role"` // "user" or "assistant"
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// History is a bounded rolling log of prior turns. Oldest entries are dropped
// once the bound is reached.
type History struct {
	mu    sync.RWMutex
	turns []Turn
	max   int
}

// NewHistory creates a history keeping at most max entries.
func NewHistory(max int) *History {
	if max <= 0 {
		max = defaultMaxTurns
	}
	return &History{turns: make([]Turn, 0, max), max: max}
}

// Add appends an entry, dropping the oldest when full.
func (h *History) Add(role, content string) {
	if content == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	h.turns = append(h.turns, Turn{Role: role, Content: content, At: time.Now()})
	if over := len(h.turns) - h.max; over > 0 {
		h.turns = append(h.turns[:0], h.turns[over:]...)
	}
}

// Recent returns a copy of the last n entries.
func (h *History) Recent(n int) []Turn {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if n <= 0 || n > len(h.turns) {
		n = len(h.turns)
	}
	out := make([]Turn, n)
	copy(out, h.turns[len(h.turns)-n:])
	return out
}

// Len returns the number of retained entries.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.turns)
}

// Clear drops every entry.
func (h *History) Clear() {
	h.mu.Lock()
	h.turns = h.turns[:0]
	h.mu.Unlock()
}
