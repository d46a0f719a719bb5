package httpapi

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"heliograph/internal/outbox"
	"heliograph/internal/platform/health"
	"heliograph/internal/platform/idempotency"
	"heliograph/internal/platform/metrics"
	"heliograph/internal/platform/middleware"
	"heliograph/internal/registry/handler"
	"heliograph/internal/registry/service"
	"heliograph/internal/registry/store"
)

func newTestRouter(t *testing.T) (http.Handler, *store.MemoryStore) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mem := store.NewMemoryStore(outbox.NewMemoryStore())
	m := metrics.New()
	svc, err := service.New(mem, mem, mem, service.WithLogger(logger))
	require.NoError(t, err)

	return NewRouter(Deps{
		Logger:         logger,
		Metrics:        m,
		Registry:       handler.New(svc, logger),
		Health:         health.New(logger, time.Second).Add("database", mem),
		Idempotency:    idempotency.NewMemoryStore(time.Minute),
		IdempotencyTTL: time.Hour,
		RequestTimeout: 5 * time.Second,
	}), mem
}

func registerRequest(key string) *http.Request {
	body := `{"content_hash":"` + strings.Repeat("d", 64) + `","title":"Paper","source":"upload","user_id":"` +
		uuid.NewString() + `"}`
	req := httptest.NewRequest(http.MethodPost, "/registry/documents", strings.NewReader(body))
	req.Header.Set(middleware.HeaderIdempotencyKey, key)
	return req
}

func TestIdempotentRegistrationReplays(t *testing.T) {
	router, mem := newTestRouter(t)

	first := httptest.NewRecorder()
	router.ServeHTTP(first, registerRequest("reg-1"))
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())

	second := httptest.NewRecorder()
	router.ServeHTTP(second, registerRequest("reg-1"))
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "true", second.Header().Get(middleware.HeaderReplayed))
	assert.JSONEq(t, first.Body.String(), second.Body.String())

	var registered int
	for _, e := range mem.Events().All() {
		if e.EventType == "DocumentRegistered" {
			registered++
		}
	}
	assert.Equal(t, 1, registered, "a replay does not reach the service")
	assert.Len(t, mem.Events().All(), 1)
}

func TestProbesAndMetrics(t *testing.T) {
	router, _ := newTestRouter(t)

	for _, path := range []string{"/health", "/ready"} {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rr.Code, path)
	}

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/registry/documents", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotEmpty(t, rr.Header().Get(middleware.HeaderRequestID))

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "http_requests_total")
}

func TestCorrelationIDReachesErrorBody(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/registry/documents/"+uuid.NewString(), nil)
	req.Header.Set(middleware.HeaderCorrelationID, "trace-77")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusNotFound, rr.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "trace-77", body["correlation_id"])
	assert.Equal(t, "DOCUMENT_NOT_FOUND", body["error_code"])
}
