package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the renewal scheduler.
type Metrics struct {
	// Sweep results by kind ("renewal", "expiry") and outcome
	SweepResults *prometheus.CounterVec

	// Sweep wall time per run
	SweepDuration prometheus.Histogram

	// Runs skipped because another instance claimed the marker
	SkippedRuns prometheus.Counter
}

// New creates a new Metrics instance with all scheduler metrics registered.
func New() *Metrics {
	return &Metrics{
		SweepResults: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "signgate_scheduler_sweep_results_total",
			Help: "Total scheduler sweep results by kind and outcome",
		}, []string{"kind", "outcome"}), // outcome: "issued", "expired", "failed"

		SweepDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "signgate_scheduler_sweep_duration_seconds",
			Help:    "Duration of a full scheduler sweep",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),

		SkippedRuns: promauto.NewCounter(prometheus.CounterOpts{
			Name: "signgate_scheduler_skipped_runs_total",
			Help: "Total sweeps skipped because the run marker was already claimed",
		}),
	}
}

// IncrementSweepResult records one sweep outcome.
func (m *Metrics) IncrementSweepResult(kind, outcome string) {
	if m != nil {
		m.SweepResults.WithLabelValues(kind, outcome).Inc()
	}
}

// ObserveSweepDuration records a full sweep's wall time.
func (m *Metrics) ObserveSweepDuration(d time.Duration) {
	if m != nil {
		m.SweepDuration.Observe(d.Seconds())
	}
}

// IncrementSkippedRun records a sweep skipped on an already-claimed marker.
func (m *Metrics) IncrementSkippedRun() {
	if m != nil {
		m.SkippedRuns.Inc()
	}
}
