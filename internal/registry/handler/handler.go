package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"heliograph/internal/registry/lifecycle"
	"heliograph/internal/registry/models"
	"heliograph/internal/registry/service"
	dErrors "heliograph/pkg/domain-errors"
	"heliograph/pkg/platform/httputil"
	"heliograph/pkg/requestcontext"
)

//go:generate mockgen -source=handler.go -destination=mocks/mocks.go -package=mocks Service

// Service defines the registry operations exposed over HTTP.
type Service interface {
	Register(ctx context.Context, c models.Candidate) (*service.RegistrationResult, error)
	GetDocument(ctx context.Context, id uuid.UUID, includeDeleted bool) (*service.DocumentView, error)
	TransitionState(ctx context.Context, id uuid.UUID, req lifecycle.Request) (*service.TransitionResult, error)
	ListDocuments(ctx context.Context, q service.ListQuery) (*service.Page, error)
	GetAudit(ctx context.Context, id uuid.UUID) ([]*models.AuditEntry, error)
	DeleteDocument(ctx context.Context, id uuid.UUID) (*models.Document, error)
	RestoreDocument(ctx context.Context, id uuid.UUID) (*models.Document, error)
}

// Handler wires registry endpoints to the registry service.
type Handler struct {
	service Service
	logger  *slog.Logger
}

// New constructs a registry handler.
func New(service Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, logger: logger}
}

// Register mounts the registry endpoints under /registry.
func (h *Handler) Register(r chi.Router) {
	r.Route("/registry/documents", func(r chi.Router) {
		r.Post("/", h.HandleRegister)
		r.Get("/", h.HandleList)
		r.Get("/{id}", h.HandleGet)
		r.Delete("/{id}", h.HandleDelete)
		r.Post("/{id}/state", h.HandleTransition)
		r.Post("/{id}/restore", h.HandleRestore)
		r.Get("/{id}/audit", h.HandleAudit)
	})
}

// HandleRegister handles POST /registry/documents.
func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	req, ok := httputil.DecodeAndPrepare[RegisterRequest](w, r, h.logger)
	if !ok {
		return
	}

	res, err := h.service.Register(ctx, req.Candidate())
	if err != nil {
		h.fail(w, r, "document registration failed", uuid.Nil, err)
		return
	}

	status := http.StatusOK
	if res.Status == service.RegistrationRejected {
		status = http.StatusBadRequest
	}
	h.logger.InfoContext(ctx, "document registration handled",
		"request_id", requestcontext.RequestID(ctx),
		"status", res.Status,
		"document_id", res.DocumentID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	httputil.WriteJSON(w, status, toRegisterResponse(res, requestcontext.CorrelationID(ctx)))
}

// HandleGet handles GET /registry/documents/{id}.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := h.documentID(w, r)
	if !ok {
		return
	}
	includeDeleted, ok := boolQuery(w, r, "include_deleted")
	if !ok {
		return
	}
	view, err := h.service.GetDocument(r.Context(), id, includeDeleted)
	if err != nil {
		h.fail(w, r, "get document failed", id, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toDocumentView(view))
}

// HandleList handles GET /registry/documents.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := service.ListQuery{
		Status: models.Status(strings.ToLower(strings.TrimSpace(q.Get("status")))),
		Cursor: strings.TrimSpace(q.Get("cursor")),
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			httputil.WriteError(w, r, fieldError("limit", "limit must be a positive integer"))
			return
		}
		query.Limit = limit
	}
	includeDeleted, ok := boolQuery(w, r, "include_deleted")
	if !ok {
		return
	}
	query.IncludeDeleted = includeDeleted

	page, err := h.service.ListDocuments(r.Context(), query)
	if err != nil {
		h.fail(w, r, "list documents failed", uuid.Nil, err)
		return
	}
	limit := query.Limit
	if limit == 0 {
		limit = service.DefaultPageSize
	}
	httputil.WriteJSON(w, http.StatusOK, toListResponse(page, limit))
}

// HandleTransition handles POST /registry/documents/{id}/state.
func (h *Handler) HandleTransition(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := h.documentID(w, r)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[TransitionRequest](w, r, h.logger)
	if !ok {
		return
	}

	res, err := h.service.TransitionState(ctx, id, req.LifecycleRequest())
	if err != nil {
		h.fail(w, r, "state transition failed", id, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toTransitionResponse(res))
}

// HandleAudit handles GET /registry/documents/{id}/audit.
func (h *Handler) HandleAudit(w http.ResponseWriter, r *http.Request) {
	id, ok := h.documentID(w, r)
	if !ok {
		return
	}
	entries, err := h.service.GetAudit(r.Context(), id)
	if err != nil {
		h.fail(w, r, "get audit failed", id, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toAuditResponse(id, entries))
}

// HandleDelete handles DELETE /registry/documents/{id}.
func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.documentID(w, r)
	if !ok {
		return
	}
	doc, err := h.service.DeleteDocument(r.Context(), id)
	if err != nil {
		h.fail(w, r, "delete document failed", id, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toDocumentResponse(doc))
}

// HandleRestore handles POST /registry/documents/{id}/restore.
func (h *Handler) HandleRestore(w http.ResponseWriter, r *http.Request) {
	id, ok := h.documentID(w, r)
	if !ok {
		return
	}
	doc, err := h.service.RestoreDocument(r.Context(), id)
	if err != nil {
		h.fail(w, r, "restore document failed", id, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toDocumentResponse(doc))
}

func (h *Handler) documentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := chi.URLParam(r, "id")
	id, err := uuid.Parse(raw)
	if err != nil {
		httputil.WriteError(w, r, fieldError("id", "document id must be a UUID"))
		return uuid.Nil, false
	}
	return id, true
}

// fail logs at warn for client errors and error for everything else.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, msg string, id uuid.UUID, err error) {
	ctx := r.Context()
	level := slog.LevelError
	if de, ok := dErrors.As(err); ok && de.Code != dErrors.CodeInternal {
		level = slog.LevelWarn
	}
	attrs := []any{"request_id", requestcontext.RequestID(ctx), "error", err}
	if id != uuid.Nil {
		attrs = append(attrs, "document_id", id)
	}
	h.logger.Log(ctx, level, msg, attrs...)
	httputil.WriteError(w, r, err)
}

func boolQuery(w http.ResponseWriter, r *http.Request, name string) (bool, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return false, true
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		httputil.WriteError(w, r, fieldError(name, "%s must be a boolean", name))
		return false, false
	}
	return v, true
}
