package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Health probe
var (
	// ProbeAttemptsTotal counts probe attempts by result (ok/status/error)
	ProbeAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cinebot_probe_attempts_total",
			Help: "Backend probe attempts by result",
		},
		[]string{"result"},
	)

	// BackendConnected is 1 while the last probe saw HTTP 200
	BackendConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cinebot_backend_connected",
			Help: "1 if the backend answered the last probe with 200, 0 otherwise",
		},
	)
)

// Broadcast
var (
	// BroadcastDeliveriesTotal counts per-recipient outcomes (sent/permanent/transient)
	BroadcastDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cinebot_broadcast_deliveries_total",
			Help: "Broadcast deliveries by outcome",
		},
		[]string{"outcome"},
	)

	BroadcastRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cinebot_broadcast_runs_total",
			Help: "Broadcast runs by result (completed/cancelled/failed/rejected)",
		},
		[]string{"result"},
	)

	BroadcastActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cinebot_broadcast_active",
			Help: "1 while a broadcast is running",
		},
	)

	BroadcastDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cinebot_broadcast_duration_seconds",
			Help:    "Wall time of a broadcast run",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200},
		},
	)
)

// Sessions and directory
var (
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cinebot_sessions_active",
			Help: "Search sessions currently cached",
		},
	)

	// SessionsEvictedTotal counts evictions by reason (ttl/capacity)
	SessionsEvictedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cinebot_sessions_evicted_total",
			Help: "Search sessions evicted by reason",
		},
		[]string{"reason"},
	)

	RecipientsEvictedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cinebot_recipients_evicted_total",
			Help: "Recipients removed from the directory by reason (permanent/inactive)",
		},
		[]string{"reason"},
	)
)

// Bot surface
var (
	UpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cinebot_updates_total",
			Help: "Handled Telegram updates by route and status",
		},
		[]string{"route", "status"},
	)

	UpdatesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cinebot_updates_dropped_total",
			Help: "Updates dropped because the intake queue was full",
		},
	)

	HandlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cinebot_handler_duration_seconds",
			Help:    "Update handler latency",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"route"},
	)

	// CatalogRequestsTotal counts catalog calls by operation and status (ok/error/open)
	CatalogRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cinebot_catalog_requests_total",
			Help: "Catalog API requests by operation and status",
		},
		[]string{"operation", "status"},
	)

	// CircuitBreakerState tracks current breaker state (0=closed, 1=half-open, 2=open)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cinebot_circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"component"},
	)
)

// Jobs
var (
	JobRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cinebot_job_runs_total",
			Help: "Scheduled job runs by job and status",
		},
		[]string{"job", "status"},
	)
)

// Supervised goroutines
var (
	GoroutineRestartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cinebot_goroutine_restarts_total",
			Help: "Supervised goroutine restarts by name",
		},
		[]string{"name"},
	)

	GoroutinePanicsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cinebot_goroutine_panics_total",
			Help: "Recovered panics in supervised goroutines by name",
		},
		[]string{"name"},
	)
)

// Bool converts b to a gauge value.
func Bool(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
