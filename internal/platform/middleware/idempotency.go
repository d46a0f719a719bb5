package middleware

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"heliograph/internal/platform/idempotency"
	"heliograph/internal/platform/metrics"
	dErrors "heliograph/pkg/domain-errors"
	"heliograph/pkg/platform/httputil"
	"heliograph/pkg/requestcontext"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReplayed       = "Idempotent-Replayed"

	maxIdempotencyKeyLen = 255
)

// Idempotency replays the stored response for a repeated POST carrying the
// same Idempotency-Key on the same path. A replay that arrives while the
// first request is still running gets IDEMPOTENCY_IN_PROGRESS. 5xx responses
// are not stored. Store failures fall through to normal handling.
func Idempotency(store idempotency.Store, ttl time.Duration, logger *slog.Logger, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
			if r.Method != http.MethodPost || key == "" {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()
			if len(key) > maxIdempotencyKeyLen {
				httputil.WriteError(w, r, dErrors.Newf(dErrors.CodeValidation,
					"%s must be at most %d characters", HeaderIdempotencyKey, maxIdempotencyKeyLen).
					WithDetail("field", HeaderIdempotencyKey))
				return
			}

			scoped := r.URL.Path + "|" + key
			reserved, cached, err := store.Reserve(ctx, scoped, ttl)
			if err != nil {
				m.IncIdempotency("unavailable")
				logger.WarnContext(ctx, "idempotency store unavailable, handling request without it",
					"error", err,
					"request_id", requestcontext.RequestID(ctx),
				)
				next.ServeHTTP(w, r)
				return
			}
			if !reserved {
				if cached == nil {
					m.IncIdempotency("in_progress")
					httputil.WriteError(w, r, dErrors.New(dErrors.CodeIdempotencyInProgress,
						"a request with this Idempotency-Key is still being processed"))
					return
				}
				m.IncIdempotency("replayed")
				replay(w, cached)
				return
			}

			detached := context.WithoutCancel(ctx)
			rec := &teeRecorder{ResponseWriter: w, status: http.StatusOK}
			completed := false
			defer func() {
				if !completed {
					if err := store.Release(detached, scoped); err != nil {
						logger.WarnContext(ctx, "failed to release idempotency key", "error", err)
					}
				}
			}()

			next.ServeHTTP(rec, r)

			if rec.status >= http.StatusInternalServerError {
				return
			}
			resp := idempotency.Response{
				Status:      rec.status,
				ContentType: rec.Header().Get("Content-Type"),
				Body:        rec.body.Bytes(),
			}
			if err := store.Complete(detached, scoped, resp, ttl); err != nil {
				logger.WarnContext(ctx, "failed to store idempotent response", "error", err)
				return
			}
			completed = true
			m.IncIdempotency("stored")
		})
	}
}

func replay(w http.ResponseWriter, resp *idempotency.Response) {
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	w.Header().Set(HeaderReplayed, "true")
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

// teeRecorder writes through while keeping a copy of the body.
type teeRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (t *teeRecorder) WriteHeader(code int) {
	t.status = code
	t.ResponseWriter.WriteHeader(code)
}

func (t *teeRecorder) Write(b []byte) (int, error) {
	t.body.Write(b)
	return t.ResponseWriter.Write(b)
}
