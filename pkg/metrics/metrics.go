package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Agent tick metrics
	AgentTicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "migrate_agent_ticks_total",
			Help: "Total number of agent ticks by outcome",
		},
		[]string{"outcome"}, // "skipped", "no_candidate", "pending_job", "dispatched"
	)

	AgentTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "migrate_agent_tick_duration_seconds",
			Help:    "Time taken to evaluate and dispatch a single agent tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	AgentActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "migrate_agent_migration_active",
			Help: "Whether a migration worker is currently active (1) or not (0)",
		},
	)

	// Driver metrics
	DriverInvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "migrate_driver_invocations_total",
			Help: "Total number of driver invocations by final result code",
		},
		[]string{"code"},
	)

	DriverStateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "migrate_driver_state_duration_seconds",
			Help:    "Time spent in each driver state",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"state"},
	)

	DriverMigrationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "migrate_driver_migration_duration_seconds",
			Help:    "Time for one driver invocation, from Verify to completion, dry-run success, or failure",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)

	// Policy metrics
	PolicyDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "migrate_policy_decisions_total",
			Help: "Total number of policy evaluations by policy and outcome",
		},
		[]string{"policy", "outcome"}, // outcome: "candidate", "nothing"
	)

	// Drain metrics
	DrainOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "migrate_drain_operations_total",
			Help: "Total number of drain operations by outcome",
		},
		[]string{"outcome"}, // "success", "rolled_back"
	)

	DrainJobsMigrated = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "migrate_drain_jobs_migrated",
			Help:    "Number of jobs successfully migrated per drain operation",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
		},
	)
)

func init() {
	prometheus.MustRegister(AgentTicksTotal)
	prometheus.MustRegister(AgentTickDuration)
	prometheus.MustRegister(AgentActive)
	prometheus.MustRegister(DriverInvocationsTotal)
	prometheus.MustRegister(DriverStateDuration)
	prometheus.MustRegister(DriverMigrationDuration)
	prometheus.MustRegister(PolicyDecisionsTotal)
	prometheus.MustRegister(DrainOperationsTotal)
	prometheus.MustRegister(DrainJobsMigrated)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
