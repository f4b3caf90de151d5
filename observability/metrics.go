// Package observability provides Prometheus metrics and OpenTelemetry
// tracing for the messaging core, grounded on
// coreengine/observability/metrics.go and tracing.go: promauto-registered
// vectors plus a single InitTracer entrypoint returning a shutdown func.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// SESSION METRICS
// =============================================================================

var (
	sessionsOpenedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "legato_sessions_opened_total",
			Help: "Total number of sessions opened",
		},
		[]string{"role"}, // role: client, server
	)

	sessionsClosedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "legato_sessions_closed_total",
			Help: "Total number of sessions closed",
		},
		[]string{"role", "reason"}, // reason: local, peer, force
	)

	sendQueueDepth = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "legato_session_send_queue_depth",
			Help:    "Depth of a session's pending send queue when a message is enqueued",
			Buckets: []float64{0, 1, 2, 4, 8, 16, 32, 64},
		},
		[]string{"protocol"},
	)
)

// =============================================================================
// DIRECTORY METRICS
// =============================================================================

var (
	interfacesAdvertisedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "legato_interfaces_advertised_total",
			Help: "Total number of interface advertise records accepted",
		},
		[]string{"protocol"},
	)

	opensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "legato_opens_total",
			Help: "Total number of interface open records processed",
		},
		[]string{"protocol", "status"}, // status: matched, queued, rejected
	)
)

// =============================================================================
// WATCHDOG METRICS
// =============================================================================

var (
	watchdogExpiriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "legato_watchdog_expiries_total",
			Help: "Total number of watchdog clients that missed their kick deadline",
		},
		[]string{"app_id"},
	)
)

// RecordSessionOpened records a session reaching the OPEN state.
func RecordSessionOpened(role string) {
	sessionsOpenedTotal.WithLabelValues(role).Inc()
}

// RecordSessionClosed records a session reaching the CLOSED state.
func RecordSessionClosed(role, reason string) {
	sessionsClosedTotal.WithLabelValues(role, reason).Inc()
}

// RecordSendQueueDepth records the send queue length observed at enqueue
// time for one protocol's sessions.
func RecordSendQueueDepth(protocol string, depth int) {
	sendQueueDepth.WithLabelValues(protocol).Observe(float64(depth))
}

// RecordInterfaceAdvertised records a successfully registered advertise.
func RecordInterfaceAdvertised(protocol string) {
	interfacesAdvertisedTotal.WithLabelValues(protocol).Inc()
}

// RecordOpen records the outcome of processing one open record.
func RecordOpen(protocol, status string) {
	opensTotal.WithLabelValues(protocol, status).Inc()
}

// RecordWatchdogExpiry records a client missing its kick deadline.
func RecordWatchdogExpiry(appID string) {
	watchdogExpiriesTotal.WithLabelValues(appID).Inc()
}
