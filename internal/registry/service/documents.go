package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"heliograph/internal/registry/models"
	dErrors "heliograph/pkg/domain-errors"
	"heliograph/pkg/platform/sentinel"
	"heliograph/pkg/requestcontext"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// DocumentView is a record together with its provenance history.
type DocumentView struct {
	Document   *models.Document
	Provenance []*models.Provenance
}

// ListQuery selects a page of documents.
type ListQuery struct {
	Status         models.Status
	IncludeDeleted bool
	Limit          int
	Cursor         string
}

// Page is one keyset page, newest first. NextCursor is empty on the last page.
type Page struct {
	Documents  []*models.Document
	NextCursor string
}

// GetDocument returns the record and its provenance. Soft-deleted records
// are reported as not found unless includeDeleted is set.
func (s *Service) GetDocument(ctx context.Context, id uuid.UUID, includeDeleted bool) (*DocumentView, error) {
	defer s.observe("get", time.Now())
	ctx, span := s.tracer.Start(ctx, "registry.GetDocument")
	defer span.End()
	span.SetAttributes(attribute.String("registry.document_id", id.String()))

	doc, err := s.load(ctx, id, includeDeleted)
	if err != nil {
		return nil, s.translate(ctx, span, "get document", err)
	}
	provenance, err := s.store.ListProvenance(ctx, id)
	if err != nil {
		return nil, s.translate(ctx, span, "get document", err)
	}
	return &DocumentView{Document: doc, Provenance: provenance}, nil
}

// ListDocuments pages through records newest first.
func (s *Service) ListDocuments(ctx context.Context, q ListQuery) (*Page, error) {
	defer s.observe("list", time.Now())
	ctx, span := s.tracer.Start(ctx, "registry.ListDocuments")
	defer span.End()

	if q.Status != "" && !q.Status.IsValid() {
		return nil, dErrors.Newf(dErrors.CodeValidation, "unknown status %q", q.Status).WithDetail("field", "status")
	}
	switch {
	case q.Limit < 0 || q.Limit > MaxPageSize:
		return nil, dErrors.Newf(dErrors.CodeValidation, "limit must be between 1 and %d", MaxPageSize).
			WithDetail("field", "limit")
	case q.Limit == 0:
		q.Limit = DefaultPageSize
	}
	filter := models.ListFilter{Status: q.Status, IncludeDeleted: q.IncludeDeleted, Limit: q.Limit + 1}
	if q.Cursor != "" {
		after, err := DecodeCursor(q.Cursor)
		if err != nil {
			return nil, err
		}
		filter.After = after
	}

	docs, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, s.translate(ctx, span, "list documents", err)
	}
	page := &Page{Documents: docs}
	if len(docs) > q.Limit {
		page.Documents = docs[:q.Limit]
		last := page.Documents[q.Limit-1]
		page.NextCursor = EncodeCursor(models.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	return page, nil
}

// GetAudit returns every transition attempt recorded for a document, oldest
// first. Soft-deleted documents keep their audit trail visible.
func (s *Service) GetAudit(ctx context.Context, id uuid.UUID) ([]*models.AuditEntry, error) {
	defer s.observe("audit", time.Now())
	ctx, span := s.tracer.Start(ctx, "registry.GetAudit")
	defer span.End()

	if _, err := s.load(ctx, id, true); err != nil {
		return nil, s.translate(ctx, span, "get audit", err)
	}
	entries, err := s.store.ListAudit(ctx, id)
	if err != nil {
		return nil, s.translate(ctx, span, "get audit", err)
	}
	return entries, nil
}

// DeleteDocument soft-deletes a record, freeing its identity keys.
func (s *Service) DeleteDocument(ctx context.Context, id uuid.UUID) (*models.Document, error) {
	defer s.observe("delete", time.Now())
	ctx, span := s.tracer.Start(ctx, "registry.DeleteDocument")
	defer span.End()

	var doc *models.Document
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		doc, err = s.store.SoftDelete(ctx, id, requestcontext.Now(ctx).UTC())
		return err
	})
	if errors.Is(err, sentinel.ErrInvalidState) {
		return nil, dErrors.Newf(dErrors.CodeAlreadyDeleted, "document %s is already deleted", id)
	}
	if err != nil {
		return nil, s.translate(ctx, span, "delete document", err)
	}
	s.logger.InfoContext(ctx, "document deleted",
		"document_id", id,
		"correlation_id", requestcontext.CorrelationID(ctx),
	)
	return doc, nil
}

// RestoreDocument clears a soft delete. It fails with CONFLICT when an
// active record has taken one of the document's identity keys meanwhile.
func (s *Service) RestoreDocument(ctx context.Context, id uuid.UUID) (*models.Document, error) {
	defer s.observe("restore", time.Now())
	ctx, span := s.tracer.Start(ctx, "registry.RestoreDocument")
	defer span.End()

	var doc *models.Document
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		doc, err = s.store.Restore(ctx, id, requestcontext.Now(ctx).UTC())
		return err
	})
	switch {
	case errors.Is(err, sentinel.ErrInvalidState):
		return nil, dErrors.Newf(dErrors.CodeNotDeleted, "document %s is not deleted", id)
	case errors.Is(err, sentinel.ErrConflict):
		return nil, dErrors.Newf(dErrors.CodeConflict,
			"document %s collides with an active record and cannot be restored", id)
	case err != nil:
		return nil, s.translate(ctx, span, "restore document", err)
	}
	s.logger.InfoContext(ctx, "document restored",
		"document_id", id,
		"correlation_id", requestcontext.CorrelationID(ctx),
	)
	return doc, nil
}

func (s *Service) load(ctx context.Context, id uuid.UUID, includeDeleted bool) (*models.Document, error) {
	doc, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc.IsDeleted() && !includeDeleted {
		return nil, sentinel.ErrNotFound
	}
	return doc, nil
}
