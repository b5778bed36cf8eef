package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry metrics
	WorkloadsByPhase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sentinel_workloads",
			Help: "Number of workloads by supervisor phase",
		},
		[]string{"phase"},
	)

	// Lifecycle metrics
	SpawnsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_spawns_total",
			Help: "Total number of process spawn attempts",
		},
	)

	RestartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_restarts_total",
			Help: "Total number of policy-driven restarts (backoff entries)",
		},
	)

	FailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_failures_total",
			Help: "Total number of workloads that exhausted their retry budget",
		},
	)

	UnhealthyTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_unhealthy_total",
			Help: "Total number of liveness probe failures that stopped a run",
		},
	)

	// Scheduler metrics
	ScheduleFiresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_schedule_fires_total",
			Help: "Total number of schedule fires dispatched",
		},
	)

	ScheduleSkippedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_schedule_fires_skipped_total",
			Help: "Total number of schedule fires dropped because the workload was busy",
		},
	)

	SchedulerDrift = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_scheduler_drift_seconds",
			Help: "Lateness of the most recent schedule fire in seconds",
		},
	)

	// Persistence metrics
	PersistenceLag = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_persistence_lag",
			Help: "Whether batched writes are behind (1 = lagging)",
		},
	)

	RecordsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_records_dropped_total",
			Help: "Total log and metric records dropped under backpressure",
		},
	)

	// Event fan-out metrics
	EventSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_event_subscribers",
			Help: "Number of active event subscribers",
		},
	)

	SubscribersLaggedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_subscribers_lagged_total",
			Help: "Total number of subscribers dropped for falling behind",
		},
	)
)

func init() {
	prometheus.MustRegister(WorkloadsByPhase)
	prometheus.MustRegister(SpawnsTotal)
	prometheus.MustRegister(RestartsTotal)
	prometheus.MustRegister(FailuresTotal)
	prometheus.MustRegister(UnhealthyTotal)
	prometheus.MustRegister(ScheduleFiresTotal)
	prometheus.MustRegister(ScheduleSkippedTotal)
	prometheus.MustRegister(SchedulerDrift)
	prometheus.MustRegister(PersistenceLag)
	prometheus.MustRegister(RecordsDroppedTotal)
	prometheus.MustRegister(EventSubscribers)
	prometheus.MustRegister(SubscribersLaggedTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
