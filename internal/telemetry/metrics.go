package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "aida"

// Metrics holds the Prometheus collectors for the assistant runtime.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	turnsTotal      *prometheus.CounterVec
	turnDuration    prometheus.Histogram
	iterations      prometheus.Histogram
	modelDuration   *prometheus.HistogramVec
	tokensTotal     *prometheus.CounterVec
	toolCallsTotal  *prometheus.CounterVec
	toolDuration    *prometheus.HistogramVec
	memoryQueries   *prometheus.CounterVec
	memoryWrites    *prometheus.CounterVec
	modeTransitions *prometheus.CounterVec
	sessionsActive  prometheus.Gauge
	sessionsEvicted prometheus.Counter
}

// NewMetrics creates a Metrics backed by a fresh registry that also carries
// the Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		turnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Orchestrated turns by outcome.",
		}, []string{"outcome"}),
		turnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Wall time of an orchestrated turn.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		iterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_iterations",
			Help:      "Model invocations per turn.",
			Buckets:   prometheus.LinearBuckets(1, 1, 8),
		}),
		modelDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_call_duration_seconds",
			Help:      "Language model call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
		tokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Tokens consumed by model calls.",
		}, []string{"type"}),
		toolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool invocations by tool and status.",
		}, []string{"tool", "status"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Tool invocation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
		memoryQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_queries_total",
			Help:      "Long-term memory queries by outcome (hit, miss, cached, unavailable).",
		}, []string{"outcome"}),
		memoryWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_writes_total",
			Help:      "Long-term memory writes by outcome (ok, failed, dropped).",
		}, []string{"outcome"}),
		modeTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mode_transitions_total",
			Help:      "Mode controller state transitions.",
		}, []string{"from", "to"}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Open sessions.",
		}),
		sessionsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_evicted_total",
			Help:      "Sessions evicted for inactivity.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.turnsTotal, m.turnDuration, m.iterations, m.modelDuration,
		m.tokensTotal, m.toolCallsTotal, m.toolDuration,
		m.memoryQueries, m.memoryWrites, m.modeTransitions,
		m.sessionsActive, m.sessionsEvicted,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordTurn records a completed turn.
func (m *Metrics) RecordTurn(outcome string, iterations int, duration time.Duration) {
	if m == nil {
		return
	}
	m.turnsTotal.WithLabelValues(outcome).Inc()
	m.turnDuration.Observe(duration.Seconds())
	m.iterations.Observe(float64(iterations))
}

// RecordModelCall records one language model call.
func (m *Metrics) RecordModelCall(status string, duration time.Duration, inputTokens, outputTokens int) {
	if m == nil {
		return
	}
	m.modelDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.tokensTotal.WithLabelValues("input").Add(float64(inputTokens))
	m.tokensTotal.WithLabelValues("output").Add(float64(outputTokens))
}

// RecordToolCall records one tool invocation.
func (m *Metrics) RecordToolCall(tool, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.toolCallsTotal.WithLabelValues(tool, status).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordMemoryQuery records a long-term memory query outcome.
func (m *Metrics) RecordMemoryQuery(outcome string) {
	if m == nil {
		return
	}
	m.memoryQueries.WithLabelValues(outcome).Inc()
}

// RecordMemoryWrite records a long-term memory write outcome.
func (m *Metrics) RecordMemoryWrite(outcome string) {
	if m == nil {
		return
	}
	m.memoryWrites.WithLabelValues(outcome).Inc()
}

// RecordTransition records a mode controller state change.
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.modeTransitions.WithLabelValues(from, to).Inc()
}

// SessionOpened increments the active sessions gauge.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

// SessionClosed decrements the active sessions gauge.
func (m *Metrics) SessionClosed(evicted bool) {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	if evicted {
		m.sessionsEvicted.Inc()
	}
}

// Handler returns an HTTP handler that serves the registry in the
// Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
