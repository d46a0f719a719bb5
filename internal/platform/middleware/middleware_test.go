package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"heliograph/internal/platform/idempotency"
	"heliograph/internal/platform/metrics"
	"heliograph/internal/platform/ratelimit"
	"heliograph/pkg/platform/httputil"
	"heliograph/pkg/requestcontext"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func TestRequestID(t *testing.T) {
	var seenRequestID, seenCorrelationID string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenRequestID = requestcontext.RequestID(r.Context())
		seenCorrelationID = requestcontext.CorrelationID(r.Context())
	}))

	t.Run("generates when absent", func(t *testing.T) {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.NotEmpty(t, seenRequestID)
		assert.Equal(t, seenRequestID, seenCorrelationID)
		assert.Equal(t, seenRequestID, rr.Header().Get(HeaderRequestID))
	})

	t.Run("honors inbound headers", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(HeaderRequestID, "req-123")
		req.Header.Set(HeaderCorrelationID, "corr-456")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		assert.Equal(t, "req-123", seenRequestID)
		assert.Equal(t, "corr-456", seenCorrelationID)
		assert.Equal(t, "corr-456", rr.Header().Get(HeaderCorrelationID))
	})

	t.Run("replaces malformed inbound id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(HeaderRequestID, "bad id with spaces")
		h.ServeHTTP(httptest.NewRecorder(), req)
		assert.NotEqual(t, "bad id with spaces", seenRequestID)
	})
}

func TestRecovery(t *testing.T) {
	h := Recovery(discardLogger())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	var body httputil.ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "INTERNAL_ERROR", body.ErrorCode)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	assert.Equal(t, "10.0.0.1", ClientIP(req))

	req.Header.Set("X-Real-IP", "10.0.0.2")
	assert.Equal(t, "10.0.0.2", ClientIP(req))

	req.Header.Set("X-Forwarded-For", "10.0.0.3, 10.0.0.4")
	assert.Equal(t, "10.0.0.3", ClientIP(req))
}

func postWithKey(h http.Handler, path, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{}`))
	if key != "" {
		req.Header.Set(HeaderIdempotencyKey, key)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestIdempotencyReplaysCompletedResponse(t *testing.T) {
	var calls atomic.Int32
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		httputil.WriteJSON(w, http.StatusCreated, map[string]int32{"call": n})
	})
	h := Idempotency(idempotency.NewMemoryStore(time.Minute), time.Hour, discardLogger(), nil)(inner)

	first := postWithKey(h, "/registry/documents", "key-1")
	second := postWithKey(h, "/registry/documents", "key-1")

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get(HeaderReplayed))
	assert.Equal(t, "application/json", second.Header().Get("Content-Type"))

	postWithKey(h, "/registry/documents/x/restore", "key-1")
	postWithKey(h, "/registry/documents", "")
	assert.Equal(t, int32(3), calls.Load(), "other paths and keyless requests are not deduplicated")
}

func TestIdempotencyRejectsConcurrentReplay(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
		w.WriteHeader(http.StatusOK)
	})
	h := Idempotency(idempotency.NewMemoryStore(time.Minute), time.Hour, discardLogger(), nil)(inner)

	done := make(chan *httptest.ResponseRecorder)
	go func() { done <- postWithKey(h, "/registry/documents", "key-2") }()
	<-started

	concurrent := postWithKey(h, "/registry/documents", "key-2")
	assert.Equal(t, http.StatusConflict, concurrent.Code)
	var body httputil.ErrorResponse
	require.NoError(t, json.Unmarshal(concurrent.Body.Bytes(), &body))
	assert.Equal(t, "IDEMPOTENCY_IN_PROGRESS", body.ErrorCode)

	close(release)
	assert.Equal(t, http.StatusOK, (<-done).Code)
}

func TestIdempotencyDoesNotStoreServerErrors(t *testing.T) {
	var calls atomic.Int32
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	h := Idempotency(idempotency.NewMemoryStore(time.Minute), time.Hour, discardLogger(), nil)(inner)

	assert.Equal(t, http.StatusServiceUnavailable, postWithKey(h, "/p", "key-3").Code)
	assert.Equal(t, http.StatusOK, postWithKey(h, "/p", "key-3").Code)
	assert.Equal(t, int32(2), calls.Load())
}

func TestIdempotencyRejectsOversizedKey(t *testing.T) {
	h := Idempotency(idempotency.NewMemoryStore(time.Minute), time.Hour, discardLogger(), nil)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { t.Fatal("handler must not run") }))
	rr := postWithKey(h, "/p", strings.Repeat("k", 256))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRateLimit(t *testing.T) {
	clock := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	limiter := ratelimit.New(30, 2, time.Hour, ratelimit.WithClock(func() time.Time { return clock }))
	m := metrics.New()
	var calls int32
	h := RateLimit(limiter, discardLogger(), m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusCreated)
	}))
	post := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/registry/documents", strings.NewReader("{}"))
		req.RemoteAddr = ip + ":40000"
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}

	t.Run("burst is admitted", func(t *testing.T) {
		first := post("192.0.2.10")
		assert.Equal(t, http.StatusCreated, first.Code)
		assert.Equal(t, "2", first.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, "1", first.Header().Get("X-RateLimit-Remaining"))
		assert.Equal(t, http.StatusCreated, post("192.0.2.10").Code)
	})

	t.Run("empty bucket answers 429 with Retry-After", func(t *testing.T) {
		rr := post("192.0.2.10")
		assert.Equal(t, http.StatusTooManyRequests, rr.Code)
		assert.Equal(t, "2", rr.Header().Get("Retry-After"))

		var body httputil.ErrorResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		assert.Equal(t, "RATE_LIMITED", body.ErrorCode)
		assert.EqualValues(t, 2, body.Details["retry_after_seconds"])
		assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
	})

	t.Run("other clients keep their own bucket", func(t *testing.T) {
		assert.Equal(t, http.StatusCreated, post("192.0.2.11").Code)
	})

	t.Run("bucket refills over time", func(t *testing.T) {
		clock = clock.Add(2 * time.Second)
		assert.Equal(t, http.StatusCreated, post("192.0.2.10").Code)
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RateLimit.WithLabelValues("rejected")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.RateLimit.WithLabelValues("allowed")))
}
