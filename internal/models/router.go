package models

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/clawinfra/parlo/internal/config"
)

// Router resolves "provider/model" IDs and walks fallback chains, keeping
// per-model usage counters.
type Router struct {
	logger *slog.Logger

	mu        sync.RWMutex
	providers map[string]Provider
	models    map[string]*ModelInfo
	usage     map[string]*ModelUsage
}

// ModelInfo describes a configured model.
type ModelInfo struct {
	ID           string       `json:"id"`
	Provider     string       `json:"provider"`
	Config       config.Model `json:"config"`
	ProviderImpl Provider     `json:"-"`
}

// ModelUsage tracks request counts, tokens and estimated cost for a model.
type ModelUsage struct {
	TotalRequests  int64     `json:"totalRequests"`
	TotalFailures  int64     `json:"totalFailures"`
	TotalTokensIn  int64     `json:"totalTokensIn"`
	TotalTokensOut int64     `json:"totalTokensOut"`
	TotalCostUSD   float64   `json:"totalCostUsd"`
	LastRequest    time.Time `json:"lastRequest"`
}

// NewRouter creates an empty router.
func NewRouter(logger *slog.Logger) *Router {
	return &Router{
		logger:    logger.With("component", "model-router"),
		providers: make(map[string]Provider),
		models:    make(map[string]*ModelInfo),
		usage:     make(map[string]*ModelUsage),
	}
}

// NewRouterFromConfig registers every configured provider in name order.
func NewRouterFromConfig(cfg config.ModelsConfig, logger *slog.Logger) (*Router, error) {
	r := NewRouter(logger)
	for _, name := range slices.Sorted(maps.Keys(cfg.Providers)) {
		p, err := NewProvider(name, cfg.Providers[name])
		if err != nil {
			return nil, err
		}
		r.RegisterProvider(p)
	}
	return r, nil
}

// RegisterProvider adds p and indexes its models as "<name>/<model>".
func (r *Router) RegisterProvider(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := p.Name()
	r.providers[name] = p
	for _, m := range p.Models() {
		id := name + "/" + m.ID
		r.models[id] = &ModelInfo{ID: id, Provider: name, Config: m, ProviderImpl: p}
	}
	r.logger.Info("provider registered", "name", name, "models", len(p.Models()))
}

// Chat tries modelID, then each fallback in order. Fallbacks are not tried
// once ctx is done. The primary's error is returned when all fail.
func (r *Router) Chat(ctx context.Context, modelID string, req ChatRequest, fallback []string) (*ChatResponse, error) {
	var first error
	for i, id := range append([]string{modelID}, fallback...) {
		if i > 0 {
			if ctx.Err() != nil {
				break
			}
			r.logger.Warn("model failed, trying fallback", "fallback", id, "attempt", i, "error", first)
		}
		resp, err := r.chatOne(ctx, id, req)
		if err == nil {
			return resp, nil
		}
		if first == nil {
			first = err
		} else {
			r.logger.Warn("fallback failed", "model", id, "error", err)
		}
	}
	if len(fallback) == 0 {
		return nil, first
	}
	return nil, fmt.Errorf("all models failed: %w", first)
}

func (r *Router) chatOne(ctx context.Context, id string, req ChatRequest) (*ChatResponse, error) {
	p, model, info, err := r.resolve(id)
	if err != nil {
		return nil, err
	}
	req.Model = model
	resp, err := p.Chat(ctx, req)
	r.track(id, info, resp, err)
	if err != nil {
		return nil, fmt.Errorf("chat %s: %w", id, err)
	}
	return resp, nil
}

// resolve splits "provider/model". Models missing from config are allowed
// since local providers serve whatever has been pulled; they are tracked
// without cost.
func (r *Router) resolve(id string) (Provider, string, config.Model, error) {
	name, model, ok := strings.Cut(id, "/")
	if !ok || name == "" || model == "" {
		return nil, "", config.Model{}, fmt.Errorf("invalid model ID %q (expected provider/model)", id)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, "", config.Model{}, errors.New("provider not found: " + name)
	}
	var cfg config.Model
	if info, ok := r.models[id]; ok {
		cfg = info.Config
	}
	return p, model, cfg, nil
}

func (r *Router) track(id string, cfg config.Model, resp *ChatResponse, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u := r.usage[id]
	if u == nil {
		u = &ModelUsage{}
		r.usage[id] = u
	}
	u.TotalRequests++
	u.LastRequest = time.Now()
	if err != nil {
		u.TotalFailures++
		return
	}
	u.TotalTokensIn += int64(resp.TokensInput)
	u.TotalTokensOut += int64(resp.TokensOutput)
	// prices are per million tokens
	u.TotalCostUSD += (float64(resp.TokensInput)*cfg.CostInput + float64(resp.TokensOutput)*cfg.CostOutput) / 1e6
}

// Usage returns a copy of the counters of every model that served a request.
func (r *Router) Usage() map[string]ModelUsage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]ModelUsage, len(r.usage))
	for id, u := range r.usage {
		out[id] = *u
	}
	return out
}

// ListModels returns all configured models sorted by ID.
func (r *Router) ListModels() []*ModelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := slices.Collect(maps.Values(r.models))
	slices.SortFunc(out, func(a, b *ModelInfo) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Binding pins a model ID and fallback chain so callers only see Chat.
type Binding struct {
	router   *Router
	model    string
	fallback []string
}

// Bind returns a chat model bound to modelID.
func (r *Router) Bind(modelID string, fallback ...string) *Binding {
	return &Binding{router: r, model: modelID, fallback: fallback}
}

// Model returns the bound model ID.
func (b *Binding) Model() string { return b.model }

// Chat sends req to the bound model.
func (b *Binding) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return b.router.Chat(ctx, b.model, req, b.fallback)
}
