// Package httpapi assembles the public HTTP surface.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"heliograph/internal/platform/health"
	"heliograph/internal/platform/idempotency"
	"heliograph/internal/platform/metrics"
	"heliograph/internal/platform/middleware"
	"heliograph/internal/platform/ratelimit"
	"heliograph/internal/registry/handler"
	"heliograph/pkg/platform/middleware/requesttime"
)

// Deps are the pieces the router mounts.
type Deps struct {
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
	Registry       *handler.Handler
	Health         *health.Handler
	Idempotency    idempotency.Store
	IdempotencyTTL time.Duration
	// RateLimiter is nil when rate limiting is disabled.
	RateLimiter    *ratelimit.Limiter
	RequestTimeout time.Duration
}

// NewRouter wires the middleware chain, probes, metrics and registry routes.
// Probes and /metrics sit outside the rate limit and idempotency layers.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requesttime.Middleware)
	r.Use(middleware.Logger(d.Logger))
	r.Use(middleware.Recovery(d.Logger))
	r.Use(middleware.Latency(d.Metrics))

	if d.Health != nil {
		d.Health.Register(r)
	}
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		if d.RateLimiter != nil {
			r.Use(middleware.RateLimit(d.RateLimiter, d.Logger, d.Metrics))
		}
		if d.RequestTimeout > 0 {
			r.Use(middleware.Timeout(d.RequestTimeout))
		}
		if d.Idempotency != nil {
			r.Use(middleware.Idempotency(d.Idempotency, d.IdempotencyTTL, d.Logger, d.Metrics))
		}
		d.Registry.Register(r)
	})
	return r
}
