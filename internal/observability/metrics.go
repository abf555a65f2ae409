package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	connectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mcpd",
			Subsystem: "client",
			Name:      "connections_total",
			Help:      "Successful MCP handshakes.",
		},
		[]string{"instance"},
	)
	disconnectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mcpd",
			Subsystem: "client",
			Name:      "disconnections_total",
			Help:      "Connection losses, including liveness timeouts.",
		},
		[]string{"instance"},
	)
	operationsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mcpd",
			Subsystem: "bridge",
			Name:      "operations_received_total",
			Help:      "Protocol operations submitted to the engine.",
		},
		[]string{"instance"},
	)
	operationsForwarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mcpd",
			Subsystem: "bridge",
			Name:      "operations_forwarded_total",
			Help:      "Engine operations forwarded onto the protocol.",
		},
		[]string{"instance"},
	)
	undoTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mcpd",
			Subsystem: "bridge",
			Name:      "undo_total",
			Help:      "Undo invocations.",
		},
		[]string{"instance"},
	)
	redoTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mcpd",
			Subsystem: "bridge",
			Name:      "redo_total",
			Help:      "Redo invocations.",
		},
		[]string{"instance"},
	)
	errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mcpd",
			Subsystem: "bridge",
			Name:      "errors_total",
			Help:      "Non-fatal errors observed by the bridge.",
		},
		[]string{"instance"},
	)
	adminRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mcpd",
			Subsystem: "admin",
			Name:      "http_requests_total",
			Help:      "Admin HTTP requests by method, path, and status.",
		},
		[]string{"instance", "method", "path", "status"},
	)
	adminRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mcpd",
			Subsystem: "admin",
			Name:      "http_request_duration_seconds",
			Help:      "Admin HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"instance", "method", "path"},
	)
)

// RecordHTTPRequest feeds one admin request into the counters.
func RecordHTTPRequest(instance, method, path string, status int, duration time.Duration) {
	adminRequestsTotal.WithLabelValues(instance, method, path, strconv.Itoa(status)).Inc()
	adminRequestDuration.WithLabelValues(instance, method, path).Observe(duration.Seconds())
}

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			connectionsTotal,
			disconnectionsTotal,
			operationsReceived,
			operationsForwarded,
			undoTotal,
			redoTotal,
			errorsTotal,
			adminRequestsTotal,
			adminRequestDuration,
		)
	})
}
