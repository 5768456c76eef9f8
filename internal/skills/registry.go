package skills

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/clawinfra/parlo/internal/dialogue"
	"github.com/clawinfra/parlo/internal/types"
)

var (
	// ErrDuplicate is returned when two functions share a name.
	ErrDuplicate = errors.New("function already registered")
	// ErrFrozen is returned when registering after the registry was sealed.
	ErrFrozen = errors.New("registry is frozen")
)

// Registry maps function names to their registered definitions. It is
// populated at startup, then frozen and only read.
type Registry struct {
	mu        sync.RWMutex
	functions map[types.FunctionName]*RegisteredFunction
	frozen    bool
	logger    *slog.Logger
}

// NewRegistry creates an empty function registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		functions: make(map[types.FunctionName]*RegisteredFunction),
		logger:    logger.With("component", "registry"),
	}
}

// Register adds fn. Names must be unique.
func (r *Registry) Register(fn RegisteredFunction) error {
	if fn.Capability == "" {
		fn.Capability = CapWait
	}
	if fn.Source == "" {
		fn.Source = "builtin"
	}
	if err := fn.validate(); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("register %q: %w", fn.Name, ErrFrozen)
	}
	if prev, exists := r.functions[fn.Name]; exists {
		return fmt.Errorf("function %q (from %s): %w by %s", fn.Name, fn.Source, ErrDuplicate, prev.Source)
	}
	r.functions[fn.Name] = &fn
	r.logger.Debug("function registered", "name", fn.Name, "capability", fn.Capability, "source", fn.Source)
	return nil
}

// Freeze seals the registry. Later Register calls fail.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	n := len(r.functions)
	r.mu.Unlock()
	r.logger.Info("registry frozen", "functions", n)
}

// Lookup returns the function registered under name.
func (r *Registry) Lookup(name types.FunctionName) (*RegisteredFunction, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.functions[name]
	return fn, ok
}

// Has reports whether name is registered.
func (r *Registry) Has(name types.FunctionName) bool {
	_, ok := r.Lookup(name)
	return ok
}

// Functions returns all registered functions sorted by name.
func (r *Registry) Functions() []*RegisteredFunction {
	r.mu.RLock()
	out := make([]*RegisteredFunction, 0, len(r.functions))
	for _, fn := range r.functions {
		out = append(out, fn)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns all registered names sorted.
func (r *Registry) Names() []types.FunctionName {
	fns := r.Functions()
	names := make([]types.FunctionName, len(fns))
	for i, fn := range fns {
		names[i] = fn.Name
	}
	return names
}

// Len returns the number of registered functions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.functions)
}

// Invoke runs fn's handler and folds every failure mode, panics included,
// into the returned Result.
func Invoke(ctx context.Context, fn *RegisteredFunction, dc *dialogue.Context, args types.Args) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			res = Result{Err: fmt.Errorf("handler %s panicked: %v\n%s", fn.Name, p, debug.Stack())}
		}
	}()
	if args == nil {
		args = types.Args{}
	}
	out, err := fn.Handler.Handle(ctx, dc, args)
	if err != nil {
		return Result{Err: fmt.Errorf("handler %s: %w", fn.Name, err)}
	}
	if !out.Valid() {
		return Result{Outcome: out, Err: fmt.Errorf("handler %s returned %s outcome", fn.Name, out.Kind())}
	}
	return Result{Outcome: out}
}
