// Package requesttime pins one "now" per request so every timestamp written
// while serving it (record, provenance, audit, outbox) agrees.
package requesttime

import (
	"net/http"
	"time"

	"heliograph/pkg/requestcontext"
)

// Middleware captures the request start time in the context.
func Middleware(next http.Handler) http.Handler {
	return WithClock(time.Now)(next)
}

// WithClock is Middleware with an injectable clock.
func WithClock(now func() time.Time) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := requestcontext.WithTime(r.Context(), now().UTC())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
