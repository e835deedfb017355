package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting engine
// metrics via Prometheus.
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	defer metrics.LLMRequestDuration.WithLabelValues("anthropic", "claude-sonnet-4-20250514").Observe(time.Since(start).Seconds())
type Metrics struct {
	// LLMRequestDuration measures model backend call latency in
	// seconds, across root and helper calls.
	// Labels: provider, model, depth
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts model calls by provider, model, depth,
	// and outcome.
	// Labels: provider, model, depth, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption by provider, model, depth,
	// and token type.
	// Labels: provider, model, depth, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// SandboxExecuteDuration measures one Execute() round trip's
	// latency, from request frame write to response frame read.
	// Labels: variant (local-subprocess|container|remote-function)
	SandboxExecuteDuration *prometheus.HistogramVec

	// IterationCounter counts completion loop iterations by outcome
	// (code|final|empty_reply|missing_identifier).
	IterationCounter *prometheus.CounterVec

	// CompletionsInFlight gauges how many Complete() calls are
	// currently running.
	CompletionsInFlight prometheus.Gauge

	// ErrorCounter tracks errors by component and error type.
	// Labels: component, error_type
	ErrorCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics. Call once
// at application startup; registering twice against the default
// registry panics, matching promauto's own contract.
func NewMetrics() *Metrics {
	return &Metrics{
		LLMRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rlm_llm_request_duration_seconds",
				Help:    "Duration of model backend requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model", "depth"},
		),

		LLMRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rlm_llm_requests_total",
				Help: "Total number of model backend requests by provider, model, depth, and status",
			},
			[]string{"provider", "model", "depth", "status"},
		),

		LLMTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rlm_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, depth, and type",
			},
			[]string{"provider", "model", "depth", "type"},
		),

		SandboxExecuteDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rlm_sandbox_execute_duration_seconds",
				Help:    "Duration of sandbox Execute() round trips in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"variant"},
		),

		IterationCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rlm_iterations_total",
				Help: "Total number of completion loop iterations by outcome",
			},
			[]string{"outcome"},
		),

		CompletionsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "rlm_completions_in_flight",
				Help: "Number of Complete() calls currently running",
			},
		),

		ErrorCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rlm_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),
	}
}

// RecordLLMRequest records one model backend call's latency, outcome,
// and token usage. depth is formatted as a decimal string label so
// Prometheus can aggregate per-depth without a high-cardinality label
// set (depth is capped by the configured deeper_models list length).
func (m *Metrics) RecordLLMRequest(provider, model, depth, status string, durationSeconds float64, promptTokens, completionTokens int) {
	m.LLMRequestDuration.WithLabelValues(provider, model, depth).Observe(durationSeconds)
	m.LLMRequestCounter.WithLabelValues(provider, model, depth, status).Inc()
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, depth, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, depth, "completion").Add(float64(completionTokens))
	}
}

// RecordSandboxExecute records one Execute() round trip's latency.
func (m *Metrics) RecordSandboxExecute(variant string, durationSeconds float64) {
	m.SandboxExecuteDuration.WithLabelValues(variant).Observe(durationSeconds)
}

// RecordIteration increments the iteration counter for one loop pass.
func (m *Metrics) RecordIteration(outcome string) {
	m.IterationCounter.WithLabelValues(outcome).Inc()
}

// RecordError increments the error counter for a component/reason
// pair, e.g. ("orchestrator", string(errors.ReasonTimeout)).
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}
