package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the process-wide HTTP metrics.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequests *prometheus.CounterVec
	HTTPLatency  *prometheus.HistogramVec
	Idempotency  *prometheus.CounterVec
	RateLimit    *prometheus.CounterVec
}

// New creates a registry with Go and process collectors plus the HTTP metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "registry_http_requests_total",
			Help: "HTTP requests by route, method and status code",
		}, []string{"route", "method", "code"}),
		HTTPLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "registry_http_request_duration_seconds",
			Help:    "HTTP request latency by route and method",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
		Idempotency: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "registry_idempotency_requests_total",
			Help: "Idempotency-Key handling by outcome",
		}, []string{"outcome"}),
		RateLimit: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "registry_rate_limit_decisions_total",
			Help: "Rate limiter decisions by outcome",
		}, []string{"outcome"}),
	}
}

// Registerer exposes the registry for module metrics.
func (m *Metrics) Registerer() prometheus.Registerer {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveRequest(route, method string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	m.HTTPLatency.WithLabelValues(route, method).Observe(d.Seconds())
}

func (m *Metrics) IncIdempotency(outcome string) {
	if m != nil {
		m.Idempotency.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) IncRateLimit(outcome string) {
	if m != nil {
		m.RateLimit.WithLabelValues(outcome).Inc()
	}
}
