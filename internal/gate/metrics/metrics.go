package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the enforcement gate.
type Metrics struct {
	// Gate verdicts by action and outcome
	Verdicts *prometheus.CounterVec

	// Compliance cache lookups by outcome
	CacheLookups *prometheus.CounterVec

	// Full gate evaluation latency, including issuance when it happens
	EvaluateLatency prometheus.Histogram
}

// New creates a new Metrics instance with all gate metrics registered.
func New() *Metrics {
	return &Metrics{
		Verdicts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "signgate_gate_verdicts_total",
			Help: "Total gate verdicts by action and outcome",
		}, []string{"action", "outcome"}), // outcome: "allowed", "blocked", "error"

		CacheLookups: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "signgate_gate_cache_lookups_total",
			Help: "Total compliance cache lookups by outcome",
		}, []string{"outcome"}), // outcome: "hit", "miss", "error"

		EvaluateLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "signgate_gate_evaluate_duration_seconds",
			Help:    "Duration of gate evaluation including artifact issuance",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
	}
}

// IncrementVerdict records a gate verdict for an action.
func (m *Metrics) IncrementVerdict(action, outcome string) {
	if m != nil {
		m.Verdicts.WithLabelValues(action, outcome).Inc()
	}
}

// IncrementCacheLookup records a compliance cache lookup outcome.
func (m *Metrics) IncrementCacheLookup(outcome string) {
	if m != nil {
		m.CacheLookups.WithLabelValues(outcome).Inc()
	}
}

// ObserveEvaluateLatency records the total gate evaluation duration.
func (m *Metrics) ObserveEvaluateLatency(d time.Duration) {
	if m != nil {
		m.EvaluateLatency.Observe(d.Seconds())
	}
}
