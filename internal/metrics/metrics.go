package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics (bridge and media listener)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poshost_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "poshost_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "poshost_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Supervisor metrics
	SupervisorState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "poshost_supervisor_state",
			Help: "Current state of a supervised process (1 for the active state)",
		},
		[]string{"component", "state"},
	)

	ProcessExitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poshost_process_exits_total",
			Help: "Total number of supervised process exits",
		},
		[]string{"component", "expected"},
	)

	StartupDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "poshost_startup_duration_seconds",
			Help:    "Time taken for a supervised process to become ready",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"component"},
	)

	StaleLocksRemovedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "poshost_stale_locks_removed_total",
			Help: "Total number of stale database lock files removed at startup",
		},
	)

	// Backup metrics
	BackupOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poshost_backup_operations_total",
			Help: "Total number of backup operations",
		},
		[]string{"operation", "status"},
	)

	BackupDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "poshost_backup_duration_seconds",
			Help:    "Backup operation latencies in seconds",
			Buckets: []float64{.05, .1, .5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"operation"},
	)

	BackupBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "poshost_backup_last_size_bytes",
			Help: "Size of the most recently created backup",
		},
	)

	// Bridge metrics
	BridgeInvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poshost_bridge_invocations_total",
			Help: "Total number of capability bridge invocations",
		},
		[]string{"operation", "code"},
	)

	BridgeRateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "poshost_bridge_rate_limited_total",
			Help: "Total number of bridge requests rejected by the rate limiter",
		},
	)

	// Media gateway metrics
	MediaRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poshost_media_requests_total",
			Help: "Total number of media requests",
		},
		[]string{"status"},
	)

	// Audit metrics
	AuditEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poshost_audit_events_total",
			Help: "Total number of audit events handled by sink",
		},
		[]string{"sink", "result"},
	)

	AuditEventsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poshost_audit_events_dropped_total",
			Help: "Total number of audit events dropped",
		},
		[]string{"sink", "reason"},
	)

	AuditWriterFlushDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "poshost_audit_flush_duration_seconds",
			Help:    "Audit writer flush latencies in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"sink"},
	)

	// System metrics
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "poshost_build_info",
			Help: "Build information about the host",
		},
		[]string{"version", "go_version", "mode"},
	)
)

// SetState marks state as the active one for component and clears the rest.
func SetState(component string, states []string, active string) {
	for _, s := range states {
		v := 0.0
		if s == active {
			v = 1
		}
		SupervisorState.WithLabelValues(component, s).Set(v)
	}
}
