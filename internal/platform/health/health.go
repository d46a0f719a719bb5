// Package health serves liveness and readiness probes.
package health

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"heliograph/pkg/platform/httputil"
)

const defaultTimeout = 2 * time.Second

// Pinger is a dependency that can report whether it is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Response is the body of both probes.
type Response struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler runs readiness checks against the registered dependencies.
type Handler struct {
	checks  map[string]Pinger
	timeout time.Duration
	logger  *slog.Logger
}

func New(logger *slog.Logger, timeout time.Duration) *Handler {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{checks: map[string]Pinger{}, timeout: timeout, logger: logger}
}

// Add registers a named dependency. Nil pingers are skipped so optional
// dependencies can be passed unconditionally.
func (h *Handler) Add(name string, p Pinger) *Handler {
	if p != nil {
		h.checks[name] = p
	}
	return h
}

func (h *Handler) Register(r chi.Router) {
	r.Get("/health", h.HandleHealth)
	r.Get("/ready", h.HandleReady)
}

// HandleHealth reports that the process is serving.
func (h *Handler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, Response{Status: "ok"})
}

// HandleReady pings every dependency concurrently.
func (h *Handler) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([]error, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = h.checks[name].Ping(ctx)
		}()
	}
	wg.Wait()

	resp := Response{Status: "ready", Checks: make(map[string]string, len(names))}
	status := http.StatusOK
	for i, name := range names {
		if err := results[i]; err != nil {
			h.logger.WarnContext(ctx, "readiness check failed", "dependency", name, "error", err)
			resp.Checks[name] = "unavailable"
			resp.Status = "not_ready"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	httputil.WriteJSON(w, status, resp)
}
