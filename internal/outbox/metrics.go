package outbox

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks outbox delivery.
type Metrics struct {
	Delivered        *prometheus.CounterVec
	PublishFailures  *prometheus.CounterVec
	DeadLettered     *prometheus.CounterVec
	DeadLetterRouted prometheus.Counter
	Rows             *prometheus.GaugeVec
	PublishLatency   prometheus.Histogram
}

// NewMetrics registers outbox metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Delivered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "registry_outbox_delivered_total",
			Help: "Outbox events delivered to the transport",
		}, []string{"event_type"}),
		PublishFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "registry_event_publish_failures_total",
			Help: "Failed attempts to publish an outbox event",
		}, []string{"event_type"}),
		DeadLettered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "registry_outbox_dead_lettered_total",
			Help: "Outbox events that exhausted their attempts",
		}, []string{"event_type"}),
		DeadLetterRouted: factory.NewCounter(prometheus.CounterOpts{
			Name: "registry_outbox_dead_letter_routed_total",
			Help: "Dead outbox events published to the dead-letter topic",
		}),
		Rows: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "registry_outbox_rows",
			Help: "Outbox rows by delivery status",
		}, []string{"status"}),
		PublishLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "registry_outbox_publish_duration_seconds",
			Help:    "Latency of a single transport publish",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
	}
}

func (m *Metrics) IncDelivered(eventType string) {
	if m != nil {
		m.Delivered.WithLabelValues(eventType).Inc()
	}
}

func (m *Metrics) IncPublishFailure(eventType string) {
	if m != nil {
		m.PublishFailures.WithLabelValues(eventType).Inc()
	}
}

func (m *Metrics) IncDeadLettered(eventType string) {
	if m != nil {
		m.DeadLettered.WithLabelValues(eventType).Inc()
	}
}

func (m *Metrics) IncDeadLetterRouted() {
	if m != nil {
		m.DeadLetterRouted.Inc()
	}
}

func (m *Metrics) SetRows(counts map[Status]int) {
	if m == nil {
		return
	}
	for _, s := range Statuses {
		m.Rows.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

func (m *Metrics) ObservePublish(d time.Duration) {
	if m != nil {
		m.PublishLatency.Observe(d.Seconds())
	}
}
