// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks bridge HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bridge_request_duration_seconds",
			Help:    "Bridge HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total bridge HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_requests_total",
			Help: "Total bridge HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// ConnectionTransitions counts transport state transitions by target state.
	ConnectionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_connection_transitions_total",
			Help: "Transport session state transitions",
		},
		[]string{"state"},
	)

	// ReconnectAttempts counts scheduled reconnect attempts.
	ReconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_reconnect_attempts_total",
			Help: "Total scheduled reconnect attempts",
		},
	)

	// ReconnectDelay tracks the scheduled reconnect delays.
	ReconnectDelay = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chat_reconnect_delay_seconds",
			Help:    "Scheduled reconnect delay",
			Buckets: []float64{.5, 1, 2, 4, 8, 16, 32, 64},
		},
	)

	// MessagesReconciled counts reconciler outcomes.
	MessagesReconciled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_messages_reconciled_total",
			Help: "Messages processed by the reconciler by outcome",
		},
		[]string{"outcome"},
	)

	// APICallDuration tracks REST collaborator call duration.
	APICallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_api_call_duration_seconds",
			Help:    "REST collaborator call duration",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"operation", "status"},
	)

	// TypingEntries tracks the number of live typing indicators.
	TypingEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_typing_entries",
			Help: "Number of live typing indicators",
		},
	)

	// OnlineUsers tracks the size of the last presence snapshot.
	OnlineUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_online_users",
			Help: "Number of online peers in the last presence snapshot",
		},
	)

	// SSEConnectionsActive tracks active bridge SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)
)

// Reconcile outcomes.
const (
	OutcomeOptimistic   = "optimistic"
	OutcomeAcked        = "acked"
	OutcomeInserted     = "inserted"
	OutcomeDeduplicated = "deduplicated"
	OutcomeFailed       = "failed"
	OutcomeExpired      = "expired"
)

// RecordRequest records metrics for a bridge HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordAPICall records metrics for a REST collaborator call.
func RecordAPICall(operation, status string, duration float64) {
	APICallDuration.WithLabelValues(operation, status).Observe(duration)
}

// RecordReconnect records a scheduled reconnect.
func RecordReconnect(delaySeconds float64) {
	ReconnectAttempts.Inc()
	ReconnectDelay.Observe(delaySeconds)
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
