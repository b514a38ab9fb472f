package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// Session coordinator metrics
	SessionOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_operations_total",
			Help: "Total number of session coordinator operations by outcome",
		},
		[]string{"operation", "outcome"},
	)

	SessionOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "session_operation_duration_seconds",
			Help:    "Session coordinator operation latency in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 4, 8},
		},
		[]string{"operation"},
	)

	IdentityRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "identity_requests_total",
			Help: "Total number of identity confirmation requests by endpoint and result",
		},
		[]string{"endpoint", "result"},
	)

	TokenRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "antiforgery_token_refreshes_total",
			Help: "Total number of anti-forgery token refreshes",
		},
		[]string{"outcome"},
	)

	// Auth backend metrics
	AuthAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_attempts_total",
			Help: "Total number of login attempts handled by the backend",
		},
		[]string{"outcome"},
	)

	AccountEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "account_events_total",
			Help: "Total number of account events by type and direction",
		},
		[]string{"type", "direction"},
	)

	// WebSocket metrics
	WebSocketConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_connections_active",
			Help: "Number of active identity stream connections",
		},
	)

	WebSocketMessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_messages_sent_total",
			Help: "Total number of messages sent via WebSocket",
		},
		[]string{"type"},
	)

	// Database metrics
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database query latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5},
		},
		[]string{"operation", "table"},
	)

	DBConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "db_connections_open",
			Help: "Number of open database connections",
		},
	)

	DBConnectionsInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "db_connections_in_use",
			Help: "Number of database connections currently in use",
		},
	)

	DBConnectionsIdle = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "db_connections_idle",
			Help: "Number of idle database connections",
		},
	)
)
