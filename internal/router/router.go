package router

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/clawinfra/parlo/internal/dialogue"
	"github.com/clawinfra/parlo/internal/models"
	"github.com/clawinfra/parlo/internal/profiles"
	"github.com/clawinfra/parlo/internal/skills"
	"github.com/clawinfra/parlo/internal/types"
)

// Decision captures the result of a classification for logging and analysis.
type Decision struct {
	Call       types.FunctionCall `json:"call"`
	Stage      Stage              `json:"stage"`
	Rule       string             `json:"rule,omitempty"`   // fast-path rule that matched
	Reason     string             `json:"reason,omitempty"` // why the model stage was recovered
	Raw        string             `json:"-"`                // model output, for debugging
	Timestamp  time.Time          `json:"timestamp"`
	DurationUs int64              `json:"durationUs"`
}

// stats tracks classification counts by stage and recovery reason.
type stats struct {
	mu         sync.RWMutex
	Total      int64
	ByStage    map[string]int64
	ByReason   map[string]int64
	ByFunction map[string]int64
	AvgModelMs float64
	modelCalls int64
	modelTotal time.Duration
}

func newStats() *stats {
	return &stats{
		ByStage:    make(map[string]int64),
		ByReason:   make(map[string]int64),
		ByFunction: make(map[string]int64),
	}
}

// Observer receives every decision; used for metrics.
type Observer func(d Decision, device string)

// Router resolves an utterance to exactly one function call: the rule table
// first, then the cache, then the model, and continue_chat when all else fails.
type Router struct {
	rules    []Rule
	registry *skills.Registry
	catalog  *profiles.Catalog
	model    *modelStage
	cache    Cache
	logger   *slog.Logger
	stats    *stats
	observer Observer
	breaker  BreakerConfig

	timeout      atomic.Int64 // nanoseconds
	historyTurns atomic.Int32
	maxTokens    int
	temperature  float64
	logDecisions bool
}

// Option configures a Router.
type Option func(*Router)

// WithModel enables the model stage.
func WithModel(m ChatModel) Option {
	return func(r *Router) { r.model = newModelStage(m, r.breaker, r.logger) }
}

// WithCache enables caching of model classifications.
func WithCache(c Cache) Option {
	return func(r *Router) { r.cache = c }
}

// WithRules replaces the default rule table.
func WithRules(rules []Rule) Option {
	return func(r *Router) { r.rules = rules }
}

// WithObserver registers a decision observer.
func WithObserver(o Observer) Option {
	return func(r *Router) { r.observer = o }
}

// New creates a Router. registry and catalog decide which functions a
// device may reach.
func New(cfg Config, registry *skills.Registry, catalog *profiles.Catalog, logger *slog.Logger, opts ...Option) *Router {
	cfg = cfg.withDefaults()
	r := &Router{
		registry:     registry,
		catalog:      catalog,
		logger:       logger.With("component", "intent-router"),
		stats:        newStats(),
		maxTokens:    cfg.MaxTokens,
		temperature:  cfg.Temperature,
		logDecisions: cfg.LogDecisions,
	}
	r.timeout.Store(int64(cfg.ModelTimeout))
	r.historyTurns.Store(int32(cfg.HistoryTurns))
	r.rules = DefaultRules(cfg, catalog)
	r.breaker = cfg.Breaker
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetModelTimeout changes the model call deadline at runtime.
func (r *Router) SetModelTimeout(d time.Duration) {
	if d > 0 {
		r.timeout.Store(int64(d))
	}
}

// SetHistoryTurns changes how much history the model prompt includes.
func (r *Router) SetHistoryTurns(n int) {
	if n >= 0 {
		r.historyTurns.Store(int32(n))
	}
}

// Rules returns the active rule table.
func (r *Router) Rules() []Rule { return r.rules }

// Eligible returns the predicate for functions a profile may reach: they must
// be registered and allowed by the profile.
func (r *Router) Eligible(profile string) func(types.FunctionName) bool {
	return func(fn types.FunctionName) bool {
		return r.registry.Has(fn) && r.catalog.Allows(profile, fn)
	}
}

// EligibleFunctions lists the registered functions a profile may reach.
func (r *Router) EligibleFunctions(profile string) []*skills.RegisteredFunction {
	eligible := r.Eligible(profile)
	var out []*skills.RegisteredFunction
	for _, fn := range r.registry.Functions() {
		if eligible(fn.Name) {
			out = append(out, fn)
		}
	}
	return out
}

// ClassifyFast runs only the rule table.
func (r *Router) ClassifyFast(u types.Utterance, v View) (types.FunctionCall, string, bool) {
	for _, rule := range r.rules {
		if !rule.Unconditional && rule.Target != "" && !v.eligible(rule.Target) {
			continue
		}
		if call, ok := rule.Apply(u, v); ok {
			return call, rule.Name, true
		}
	}
	return types.FunctionCall{}, "", false
}

// Classify resolves one utterance. It never fails: any model stage failure
// yields continue_chat with a reason.
func (r *Router) Classify(ctx context.Context, dc *dialogue.Context, u types.Utterance) Decision {
	start := time.Now()
	profile := dc.Profile()
	v := View{Session: dc.Session(), Eligible: r.Eligible(profile)}

	d := r.classify(ctx, dc, profile, u, v)
	d.Timestamp = start
	d.DurationUs = time.Since(start).Microseconds()
	r.record(d)

	attrs := []any{
		"device", dc.DeviceID,
		"stage", d.Stage.String(),
		"call", d.Call.String(),
		"durationUs", d.DurationUs,
	}
	if d.Rule != "" {
		attrs = append(attrs, "rule", d.Rule)
	}
	if d.Reason != "" {
		attrs = append(attrs, "reason", d.Reason)
	}
	if r.logDecisions {
		r.logger.Info("intent classified", attrs...)
	} else {
		r.logger.Debug("intent classified", attrs...)
	}
	if r.observer != nil {
		r.observer(d, dc.DeviceID)
	}
	return d
}

func (r *Router) classify(ctx context.Context, dc *dialogue.Context, profile string, u types.Utterance, v View) Decision {
	if call, rule, ok := r.ClassifyFast(u, v); ok {
		return Decision{Call: call, Stage: StageFast, Rule: rule}
	}

	if r.model == nil {
		return recovered(ReasonNoModel)
	}
	if ctx.Err() != nil {
		return recovered(ReasonCancelled)
	}

	key := CacheKey(dc.DeviceID, profile, u.Text)
	if r.cache != nil {
		if call, ok := r.cache.Get(ctx, key); ok && v.eligible(call.Name) {
			return Decision{Call: call, Stage: StageCached}
		}
	}

	fns := r.EligibleFunctions(profile)
	var history []dialogue.Turn
	if n := int(r.historyTurns.Load()); n > 0 {
		history = dc.History.Recent(n)
	}
	system, msgs := BuildPrompt(fns, history, u.Raw)

	callCtx, cancel := context.WithTimeout(ctx, time.Duration(r.timeout.Load()))
	defer cancel()

	raw, err := r.model.call(ctx, callCtx, models.ChatRequest{
		SystemPrompt: system,
		Messages:     msgs,
		MaxTokens:    r.maxTokens,
		Temperature:  r.temperature,
		JSON:         true,
	})
	if err != nil {
		reason := recoveryReason(ctx, err)
		r.logger.Warn("model classification failed",
			"device", dc.DeviceID,
			"reason", reason,
			"breaker", r.model.state(),
			"error", err,
		)
		return recovered(reason)
	}

	call, err := ParseModelOutput(raw)
	if err != nil {
		r.logger.Warn("model output unparseable", "device", dc.DeviceID, "error", err, "raw", truncate(raw, 200))
		d := recovered(ReasonParse)
		d.Raw = raw
		return d
	}

	fn, ok := r.registry.Lookup(call.Name)
	if !ok || !v.eligible(call.Name) {
		r.logger.Warn("model chose unavailable function", "device", dc.DeviceID, "function", call.Name, "profile", profile)
		d := recovered(ReasonUnknownName)
		d.Raw = raw
		return d
	}
	call.Arguments = filterArgs(fn, call.Arguments)

	if r.cache != nil && call.Name != types.ContinueChat && call.Name != types.ResultForContext {
		r.cache.Set(ctx, key, call)
	}
	return Decision{Call: call, Stage: StageModel, Raw: raw}
}

func recovered(reason string) Decision {
	return Decision{Call: types.Call(types.ContinueChat), Stage: StageRecovered, Reason: reason}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func (r *Router) record(d Decision) {
	r.stats.mu.Lock()
	defer r.stats.mu.Unlock()

	r.stats.Total++
	r.stats.ByStage[d.Stage.String()]++
	r.stats.ByFunction[string(d.Call.Name)]++
	if d.Reason != "" {
		r.stats.ByReason[d.Reason]++
	}
	if d.Stage == StageModel || d.Stage == StageRecovered && d.Reason != ReasonNoModel {
		r.stats.modelCalls++
		r.stats.modelTotal += time.Duration(d.DurationUs) * time.Microsecond
		r.stats.AvgModelMs = float64(r.stats.modelTotal.Milliseconds()) / float64(r.stats.modelCalls)
	}
}

// StatsSnapshot is a copy of the classification counters.
type StatsSnapshot struct {
	Total      int64            `json:"total"`
	ByStage    map[string]int64 `json:"byStage"`
	ByReason   map[string]int64 `json:"byReason,omitempty"`
	ByFunction map[string]int64 `json:"byFunction"`
	AvgModelMs float64          `json:"avgModelMs"`
	Breaker    string           `json:"breaker,omitempty"`
}

// Stats returns a snapshot of the counters.
func (r *Router) Stats() StatsSnapshot {
	r.stats.mu.RLock()
	defer r.stats.mu.RUnlock()

	snap := StatsSnapshot{
		Total:      r.stats.Total,
		ByStage:    make(map[string]int64, len(r.stats.ByStage)),
		ByReason:   make(map[string]int64, len(r.stats.ByReason)),
		ByFunction: make(map[string]int64, len(r.stats.ByFunction)),
		AvgModelMs: r.stats.AvgModelMs,
	}
	for k, v := range r.stats.ByStage {
		snap.ByStage[k] = v
	}
	for k, v := range r.stats.ByReason {
		snap.ByReason[k] = v
	}
	for k, v := range r.stats.ByFunction {
		snap.ByFunction[k] = v
	}
	if r.model != nil {
		snap.Breaker = r.model.state()
	}
	return snap
}
