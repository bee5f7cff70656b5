// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// TicksTotal counts scheduler ticks.
	TicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_ticks_total",
			Help: "Total scheduler ticks",
		},
		[]string{"kind"},
	)

	// TickDuration tracks how long one tick takes.
	TickDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scheduler_tick_duration_seconds",
			Help:    "Scheduler tick duration in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"kind"},
	)

	// ActionsTotal counts per-entity tick outcomes.
	ActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_actions_total",
			Help: "Per-entity scheduler actions by outcome",
		},
		[]string{"kind", "outcome"},
	)

	// AuthorityChecks counts live status checks.
	AuthorityChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authority_checks_total",
			Help: "Live authority status checks by result",
		},
		[]string{"result"},
	)

	// TerminationsTotal counts ended conversations and archived groups.
	TerminationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thread_terminations_total",
			Help: "Threads ended or archived by reason",
		},
		[]string{"kind", "reason"},
	)

	// MessagesTotal tracks delivered messages.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total messages delivered",
		},
		[]string{"kind"},
	)

	// ThreadsStarted tracks conversations and groups created.
	ThreadsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threads_started_total",
			Help: "Total threads started",
		},
		[]string{"kind"},
	)

	// ActiveThreads is the number of active threads seen by the last initiation pass.
	ActiveThreads = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "threads_active",
			Help: "Active threads",
		},
		[]string{"kind"},
	)

	// ComposeDuration tracks text generation latency.
	ComposeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "compose_duration_seconds",
			Help:    "Message composition duration",
			Buckets: []float64{.25, .5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"provider", "status"},
	)

	// LLMTokensTotal tracks total LLM tokens processed.
	LLMTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Total LLM tokens processed",
		},
		[]string{"model", "direction"},
	)

	// EventsPublished tracks lifecycle events written to the event stream.
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_published_total",
			Help: "Lifecycle events published",
		},
		[]string{"type", "status"},
	)

	// SSEConnections tracks open event stream connections.
	SSEConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Active event stream connections",
		},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordTick records one completed tick.
func RecordTick(kind string, duration float64) {
	TicksTotal.WithLabelValues(kind).Inc()
	TickDuration.WithLabelValues(kind).Observe(duration)
}

// RecordAction records the outcome of one entity action.
func RecordAction(kind, outcome string) {
	ActionsTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordAuthorityCheck records a live status check result.
func RecordAuthorityCheck(result string) {
	AuthorityChecks.WithLabelValues(result).Inc()
}

// RecordTermination records a terminal transition.
func RecordTermination(kind, reason string) {
	TerminationsTotal.WithLabelValues(kind, reason).Inc()
}

// RecordCompose records metrics for one generation call.
func RecordCompose(provider, model, status string, duration float64, tokensIn, tokensOut int) {
	ComposeDuration.WithLabelValues(provider, status).Observe(duration)
	LLMTokensTotal.WithLabelValues(model, "in").Add(float64(tokensIn))
	LLMTokensTotal.WithLabelValues(model, "out").Add(float64(tokensOut))
}

// IncrementSSEConnections increments the active SSE connections gauge.
func IncrementSSEConnections() {
	SSEConnections.Inc()
}

// DecrementSSEConnections decrements the active SSE connections gauge.
func DecrementSSEConnections() {
	SSEConnections.Dec()
}
