// Package metrics exposes Prometheus counters for classification, dispatch
// and turn outcomes.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clawinfra/parlo/internal/dispatch"
	"github.com/clawinfra/parlo/internal/router"
	"github.com/clawinfra/parlo/internal/skills"
)

const namespace = "parlo"

// Metrics owns a registry so tests and multiple instances do not collide on
// the global one.
type Metrics struct {
	registry *prometheus.Registry

	decisions        *prometheus.CounterVec
	recoveries       *prometheus.CounterVec
	classifyDuration *prometheus.HistogramVec
	actions          *prometheus.CounterVec
	handlerFailures  *prometheus.CounterVec
	handlerDuration  *prometheus.HistogramVec
	turns            *prometheus.CounterVec
	turnDuration     prometheus.Histogram
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classifier_decisions_total",
			Help:      "Classifications by resolving stage and function.",
		}, []string{"stage", "function"}),
		recoveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classifier_recoveries_total",
			Help:      "Model-stage failures recovered to continue_chat, by reason.",
		}, []string{"reason"}),
		classifyDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "classifier_duration_seconds",
			Help:      "Time to classify an utterance, by stage.",
			Buckets:   []float64{.0001, .0005, .001, .01, .05, .1, .25, .5, 1, 2, 5},
		}, []string{"stage"}),
		actions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_actions_total",
			Help:      "Handler outcomes by terminal state and function.",
		}, []string{"state", "function"}),
		handlerFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_failures_total",
			Help:      "Handler failures by function and failure kind.",
		}, []string{"function", "failure"}),
		handlerDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_handler_duration_seconds",
			Help:      "Handler run time by capability.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"capability"}),
		turns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Finished turns by terminal state.",
		}, []string{"state"}),
		turnDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Utterance arrival to reply.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// ObserveDecision is a router.Observer.
func (m *Metrics) ObserveDecision(d router.Decision, _ string) {
	stage := d.Stage.String()
	m.decisions.WithLabelValues(stage, string(d.Call.Name)).Inc()
	if d.Stage == router.StageRecovered && d.Reason != "" {
		m.recoveries.WithLabelValues(d.Reason).Inc()
	}
	m.classifyDuration.WithLabelValues(stage).Observe(float64(d.DurationUs) / 1e6)
}

// ObserveAction is a dispatch.Observer. fn is nil when the call named no
// registered function.
func (m *Metrics) ObserveAction(a dispatch.Action, fn *skills.RegisteredFunction, elapsed time.Duration) {
	name := string(a.Call.Name)
	m.actions.WithLabelValues(a.State.String(), name).Inc()
	if a.Failure != "" {
		m.handlerFailures.WithLabelValues(name, a.Failure).Inc()
	}
	capability := "none"
	if fn != nil && fn.Capability != "" {
		capability = string(fn.Capability)
	}
	m.handlerDuration.WithLabelValues(capability).Observe(elapsed.Seconds())
}

// ObserveTurn records a finished turn.
func (m *Metrics) ObserveTurn(t *dispatch.Turn) {
	m.turns.WithLabelValues(t.State.String()).Inc()
	m.turnDuration.Observe(float64(t.DurationMs) / 1e3)
}

// TrackGauge exposes fn as a gauge, e.g. the number of open dialogue contexts.
func (m *Metrics) TrackGauge(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
