package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for registration and lifecycle operations.
type Metrics struct {
	// Registration outcomes: queued, duplicate, rejected
	Registrations *prometheus.CounterVec

	// Duplicate resolutions by match rule
	DedupHits *prometheus.CounterVec

	// Accepted transitions
	Transitions *prometheus.CounterVec

	// Rejected transitions by outcome
	TransitionRejections *prometheus.CounterVec

	// Optimistic-lock conflicts surfaced to callers
	Conflicts prometheus.Counter

	// Service operation latency
	OperationLatency *prometheus.HistogramVec
}

// New registers the registry metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Registrations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "registry_registration_requests_total",
			Help: "Registration requests by outcome",
		}, []string{"status"}),

		DedupHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "registry_dedup_hits_total",
			Help: "Submissions resolved to an existing document, by match type",
		}, []string{"match_type"}),

		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "registry_state_transitions_total",
			Help: "Accepted lifecycle transitions",
		}, []string{"from_state", "to_state"}),

		TransitionRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "registry_state_transition_rejections_total",
			Help: "Rejected lifecycle transitions by outcome",
		}, []string{"outcome"}),

		Conflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "registry_conflicts_total",
			Help: "Transitions rejected because the document state moved",
		}),

		OperationLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "registry_operation_duration_seconds",
			Help:    "Duration of registry service operations",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"operation"}),
	}
}

func (m *Metrics) IncRegistration(status string) {
	if m != nil {
		m.Registrations.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) IncDedupHit(matchType string) {
	if m != nil {
		m.DedupHits.WithLabelValues(matchType).Inc()
	}
}

func (m *Metrics) IncTransition(from, to string) {
	if m != nil {
		m.Transitions.WithLabelValues(from, to).Inc()
	}
}

func (m *Metrics) IncRejection(outcome string, conflict bool) {
	if m == nil {
		return
	}
	m.TransitionRejections.WithLabelValues(outcome).Inc()
	if conflict {
		m.Conflicts.Inc()
	}
}

func (m *Metrics) ObserveOperation(operation string, d time.Duration) {
	if m != nil {
		m.OperationLatency.WithLabelValues(operation).Observe(d.Seconds())
	}
}
