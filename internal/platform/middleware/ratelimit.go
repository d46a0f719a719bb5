package middleware

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"heliograph/internal/platform/metrics"
	"heliograph/internal/platform/ratelimit"
	dErrors "heliograph/pkg/domain-errors"
	"heliograph/pkg/platform/httputil"
)

// RateLimit admits requests while the client's bucket has tokens and answers
// 429 with Retry-After once it is empty. Clients are keyed by ClientIP.
func RateLimit(limiter *ratelimit.Limiter, logger *slog.Logger, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r)
			result := limiter.Allow(ip)

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))

			if !result.Allowed {
				retryAfter := int(math.Ceil(result.RetryAfter.Seconds()))
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				m.IncRateLimit("rejected")
				logger.WarnContext(r.Context(), "rate limit exceeded",
					"client_ip", ip,
					"path", r.URL.Path,
					"retry_after_seconds", retryAfter,
				)
				httputil.WriteError(w, r, dErrors.New(dErrors.CodeRateLimited, "too many requests, retry later").
					WithDetail("retry_after_seconds", retryAfter))
				return
			}
			m.IncRateLimit("allowed")
			next.ServeHTTP(w, r)
		})
	}
}
