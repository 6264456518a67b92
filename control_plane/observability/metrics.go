package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RoutingDecisions tracks routing outcomes by type.
	RoutingDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_routing_decisions_total",
		Help: "Total number of routing decisions made",
	}, []string{"decision", "reason"}) // assigned, no_worker, invalid_state, not_found, store_error

	// RoutingDuration tracks the time spent scoring and assigning one job.
	RoutingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleet_routing_duration_seconds",
		Help:    "Duration of a single route_job call",
		Buckets: prometheus.DefBuckets,
	})

	// PendingJobs tracks the number of queued jobs seen by the drain loop.
	PendingJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_pending_jobs",
		Help: "Current number of jobs in queued status",
	})

	// WorkerScoreTotal records the winning score of each assignment.
	WorkerScoreTotal = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleet_assignment_score",
		Help:    "Total score of the chosen worker at assignment time",
		Buckets: prometheus.LinearBuckets(-1000, 120, 11),
	})

	// ScheduleFires tracks schedule executions by terminal status.
	ScheduleFires = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_schedule_fires_total",
		Help: "Total number of schedule fires by outcome",
	}, []string{"status"}) // completed, failed, timeout, stopped, coalesced, missed

	// ScheduleFireDuration tracks wall time of schedule executions.
	ScheduleFireDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleet_schedule_fire_duration_seconds",
		Help:    "Duration of schedule executions",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1h
	})

	// ActiveScheduleRuns tracks schedule fires currently executing.
	ActiveScheduleRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_active_schedule_runs",
		Help: "Number of schedule fires currently executing",
	})

	// RegisteredSchedules tracks schedules known to the trigger engine.
	RegisteredSchedules = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_registered_schedules",
		Help: "Number of schedules registered with the trigger engine",
	})

	// ConnectedWorkers tracks workers currently considered alive.
	ConnectedWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_connected_workers",
		Help: "Current number of online or busy workers",
	})

	// WorkerTransitions tracks liveness state changes applied by the monitor.
	WorkerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_worker_transitions_total",
		Help: "Worker status transitions applied by the liveness monitor",
	}, []string{"to"}) // stale, offline

	// StoreLatency tracks storage backend roundtrip latency.
	StoreLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fleet_store_roundtrip_latency_seconds",
		Help:    "Storage backend operation latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
	}, []string{"backend"})

	// APIRateLimited tracks API requests rejected by rate limiters.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_api_rate_limited_total",
		Help: "API requests rejected by rate limiter (storm protection)",
	}, []string{"endpoint"}) // checkin, route

	// EventPublishFailures tracks failed event publish attempts.
	EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_event_publish_failures_total",
		Help: "Failed event publish attempts (non-blocking, best-effort)",
	}, []string{"topic"})
)
