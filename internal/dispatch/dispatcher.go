// Package dispatch invokes the function a turn was classified to and turns its
// Outcome into the turn's terminal state. Nothing a handler does, including
// panics, escapes Dispatch.
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/clawinfra/parlo/internal/dialogue"
	"github.com/clawinfra/parlo/internal/skills"
	"github.com/clawinfra/parlo/internal/types"
)

// Apology is spoken whenever a function cannot be run or fails.
const Apology = "Mi dispiace, qualcosa è andato storto. Puoi riprovare?"

// Failure reasons recorded on a turn.
const (
	FailureUnknownFunction = "unknown_function"
	FailureMissingArgument = "missing_argument"
	FailureHandler         = "handler_error"
)

// Action is what the turn driver must do after dispatch.
type Action struct {
	State   State
	Call    types.FunctionCall
	Display string // StateSpoken
	Spoken  string // StateSpoken
	Seed    string // StateDeferredToModel
	Failure string
	Err     error
}

// Timeouts bound handler execution per capability.
type Timeouts struct {
	Wait          time.Duration
	SystemControl time.Duration
	ChangeProfile time.Duration
}

// DefaultTimeouts returns the stock handler deadlines.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Wait:          10 * time.Second,
		SystemControl: 3 * time.Second,
		ChangeProfile: 3 * time.Second,
	}
}

func (t Timeouts) forCapability(c skills.Capability) time.Duration {
	switch c {
	case skills.CapSystemControl:
		return t.SystemControl
	case skills.CapChangeProfile:
		return t.ChangeProfile
	default:
		return t.Wait
	}
}

// Observer is notified of every dispatched action.
type Observer func(a Action, fn *skills.RegisteredFunction, elapsed time.Duration)

// Dispatcher resolves function calls against the registry.
type Dispatcher struct {
	registry *skills.Registry
	timeouts Timeouts
	observer Observer
	logger   *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTimeouts overrides the per-capability handler deadlines. Zero fields
// keep their defaults.
func WithTimeouts(t Timeouts) Option {
	return func(d *Dispatcher) {
		if t.Wait > 0 {
			d.timeouts.Wait = t.Wait
		}
		if t.SystemControl > 0 {
			d.timeouts.SystemControl = t.SystemControl
		}
		if t.ChangeProfile > 0 {
			d.timeouts.ChangeProfile = t.ChangeProfile
		}
	}
}

// WithObserver registers an action observer.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.observer = o }
}

// New creates a Dispatcher over registry.
func New(registry *skills.Registry, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		timeouts: DefaultTimeouts(),
		logger:   logger.With("component", "dispatch"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch runs call for dc and returns the resulting action. It is
// synchronous; handlers that start background work return before that work
// ends.
func (d *Dispatcher) Dispatch(ctx context.Context, call types.FunctionCall, dc *dialogue.Context) Action {
	start := time.Now()
	fn, a := d.dispatch(ctx, call, dc)
	a.Call = call
	if d.observer != nil {
		d.observer(a, fn, time.Since(start))
	}
	return a
}

func (d *Dispatcher) dispatch(ctx context.Context, call types.FunctionCall, dc *dialogue.Context) (*skills.RegisteredFunction, Action) {
	fn, ok := d.registry.Lookup(call.Name)
	if !ok {
		d.logger.Error("unknown function", "device", dc.DeviceID, "function", call.Name, "args", call.Arguments)
		return nil, apology(FailureUnknownFunction, nil)
	}

	if missing := fn.Missing(call.Arguments); len(missing) > 0 {
		d.logger.Debug("missing required argument",
			"device", dc.DeviceID,
			"function", fn.Name,
			"missing", missing,
		)
		q := fn.Clarification(missing[0])
		return fn, Action{State: StateSpoken, Display: q, Spoken: q, Failure: FailureMissingArgument}
	}

	hctx, cancel := context.WithTimeout(ctx, d.timeouts.forCapability(fn.Capability))
	defer cancel()

	res := skills.Invoke(hctx, fn, dc, call.Arguments)
	if res.Failed() {
		d.logger.Error("function failed",
			"device", dc.DeviceID,
			"function", fn.Name,
			"args", call.Arguments,
			"error", res.Err,
		)
		return fn, apology(FailureHandler, res.Err)
	}
	return fn, fromOutcome(res.Outcome)
}

func fromOutcome(o skills.Outcome) Action {
	switch o.Kind() {
	case skills.KindRespond:
		return Action{State: StateSpoken, Display: o.Display(), Spoken: o.Spoken()}
	case skills.KindRequestModelPhrasing:
		return Action{State: StateDeferredToModel, Seed: o.Seed()}
	case skills.KindSystemControl:
		return Action{State: StateBackgrounded}
	case skills.KindNone:
		return Action{State: StateSilent}
	default:
		return apology(FailureHandler, nil)
	}
}

func apology(failure string, err error) Action {
	return Action{State: StateSpoken, Display: Apology, Spoken: Apology, Failure: failure, Err: err}
}

// Run dispatches a classified turn and records the outcome on it.
func (d *Dispatcher) Run(ctx context.Context, t *Turn, dc *dialogue.Context) (Action, error) {
	if err := t.advance(StateDispatched); err != nil {
		return Action{}, err
	}
	a := d.Dispatch(dialogue.WithUtterance(ctx, t.Text), t.Call, dc)
	t.Failure = a.Failure
	t.Reply = a.Spoken
	if err := t.advance(a.State); err != nil {
		return a, err
	}
	return a, nil
}
