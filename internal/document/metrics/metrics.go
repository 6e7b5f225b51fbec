package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the document lifecycle module.
type Metrics struct {
	// Provider envelope-creation latency by result
	ProviderLatency *prometheus.HistogramVec

	// Artifact state transitions by from/to status
	Transitions *prometheus.CounterVec

	// Webhook event outcomes: applied, stale, unknown_envelope, illegal
	WebhookOutcome *prometheus.CounterVec

	// Issuance results: sent, failed, raced
	IssueResult *prometheus.CounterVec
}

// New creates a Metrics instance with all lifecycle metrics registered.
func New() *Metrics {
	return &Metrics{
		ProviderLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "signgate_provider_send_duration_seconds",
			Help:    "Duration of provider envelope creation calls by result",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"result"}), // result: "ok", "error"

		Transitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "signgate_artifact_transitions_total",
			Help: "Total artifact state transitions by from and to status",
		}, []string{"from", "to"}),

		WebhookOutcome: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "signgate_webhook_events_total",
			Help: "Total webhook events by processing outcome",
		}, []string{"outcome"}),

		IssueResult: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "signgate_issue_results_total",
			Help: "Total issuance attempts by result",
		}, []string{"result"}),
	}
}

// ObserveProviderLatency records the duration of one provider call.
func (m *Metrics) ObserveProviderLatency(result string, d time.Duration) {
	if m != nil {
		m.ProviderLatency.WithLabelValues(result).Observe(d.Seconds())
	}
}

// IncrementTransition records one artifact state transition.
func (m *Metrics) IncrementTransition(from, to string) {
	if m != nil {
		m.Transitions.WithLabelValues(from, to).Inc()
	}
}

// IncrementWebhookOutcome records one webhook processing outcome.
func (m *Metrics) IncrementWebhookOutcome(outcome string) {
	if m != nil {
		m.WebhookOutcome.WithLabelValues(outcome).Inc()
	}
}

// IncrementIssueResult records one issuance result.
func (m *Metrics) IncrementIssueResult(result string) {
	if m != nil {
		m.IssueResult.WithLabelValues(result).Inc()
	}
}
