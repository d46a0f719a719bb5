package health

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func serve(h *Handler, path string) (*httptest.ResponseRecorder, Response) {
	r := chi.NewRouter()
	h.Register(r)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	var body Response
	_ = json.Unmarshal(rr.Body.Bytes(), &body)
	return rr, body
}

func TestHealth(t *testing.T) {
	h := New(slog.New(slog.NewTextHandler(io.Discard, nil)), 0).
		Add("database", pingFunc(func(context.Context) error { return errors.New("down") }))

	rr, body := serve(h, "/health")
	assert.Equal(t, http.StatusOK, rr.Code, "liveness ignores dependencies")
	assert.Equal(t, "ok", body.Status)
}

func TestReady(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ok := pingFunc(func(context.Context) error { return nil })

	t.Run("all dependencies up", func(t *testing.T) {
		h := New(logger, 0).Add("database", ok).Add("redis", ok).Add("kafka", nil)
		rr, body := serve(h, "/ready")
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "ready", body.Status)
		assert.Equal(t, map[string]string{"database": "ok", "redis": "ok"}, body.Checks)
	})

	t.Run("one dependency down", func(t *testing.T) {
		h := New(logger, 0).
			Add("database", ok).
			Add("kafka", pingFunc(func(context.Context) error { return errors.New("no brokers") }))
		rr, body := serve(h, "/ready")
		require.Equal(t, http.StatusServiceUnavailable, rr.Code)
		assert.Equal(t, "not_ready", body.Status)
		assert.Equal(t, "unavailable", body.Checks["kafka"])
		assert.Equal(t, "ok", body.Checks["database"])
	})
}
