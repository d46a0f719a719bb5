package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"heliograph/internal/outbox"
	"heliograph/internal/registry/dedup"
	"heliograph/internal/registry/models"
	dErrors "heliograph/pkg/domain-errors"
	"heliograph/pkg/platform/sentinel"
	"heliograph/pkg/requestcontext"
)

// maxRegisterAttempts bounds retries when a concurrent insert wins the race
// but is not yet visible to this transaction.
const maxRegisterAttempts = 3

// RegistrationStatus is the caller-facing outcome of Register.
type RegistrationStatus string

const (
	RegistrationQueued    RegistrationStatus = "queued"
	RegistrationDuplicate RegistrationStatus = "duplicate"
	RegistrationRejected  RegistrationStatus = "rejected"
)

// RegistrationResult reports what Register did with a submission.
type RegistrationResult struct {
	Status             RegistrationStatus
	DocumentID         uuid.UUID // zero when rejected
	ExistingDocumentID uuid.UUID // set for duplicates
	MatchType          dedup.MatchType
	Score              float64
	RejectionCode      dErrors.Code
	RejectionReason    string
	Document           *models.Document
}

// Register validates a submission, resolves it against existing records and
// either creates a new record or merges into the match. Identifier format
// failures produce a rejected result rather than an error.
func (s *Service) Register(ctx context.Context, c models.Candidate) (*RegistrationResult, error) {
	defer s.observe("register", time.Now())
	ctx, span := s.tracer.Start(ctx, "registry.Register")
	defer span.End()

	prepared, err := dedup.Prepare(c)
	if err != nil {
		if dErrors.Is(err, dErrors.CodeInvalidDOI) || dErrors.Is(err, dErrors.CodeInvalidContentHash) {
			return s.reject(ctx, c, err), nil
		}
		return nil, s.translate(ctx, span, "register", err)
	}
	span.SetAttributes(
		attribute.String("registry.content_hash", prepared.ContentHash),
		attribute.String("registry.source", string(prepared.Source)),
	)

	var outcome *dedup.Outcome
	for attempt := 1; ; attempt++ {
		err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
			o, err := s.dedup.Resolve(ctx, prepared)
			if err != nil {
				return err
			}
			event, err := registrationEvent(ctx, prepared, o)
			if err != nil {
				return err
			}
			if err := s.events.Enqueue(ctx, event); err != nil {
				return fmt.Errorf("enqueue %s: %w", event.EventType, err)
			}
			outcome = o
			return nil
		})
		if errors.Is(err, sentinel.ErrConflict) && attempt < maxRegisterAttempts {
			s.logger.DebugContext(ctx, "registration raced a concurrent insert, retrying",
				"content_hash", prepared.ContentHash,
				"attempt", attempt,
			)
			continue
		}
		break
	}
	if err != nil {
		return nil, s.translate(ctx, span, "register", err)
	}

	result := &RegistrationResult{Document: outcome.Document, DocumentID: outcome.Document.ID}
	if outcome.Created {
		result.Status = RegistrationQueued
		s.logger.InfoContext(ctx, "document registered",
			"document_id", outcome.Document.ID,
			"content_hash", prepared.ContentHash,
			"source", prepared.Source,
			"correlation_id", requestcontext.CorrelationID(ctx),
		)
	} else {
		result.Status = RegistrationDuplicate
		result.ExistingDocumentID = outcome.Document.ID
		result.MatchType = outcome.Match.Type
		result.Score = outcome.Match.Score
		s.metrics.IncDedupHit(string(outcome.Match.Type))
		s.logger.InfoContext(ctx, "duplicate submission",
			"document_id", outcome.Document.ID,
			"match_type", outcome.Match.Type,
			"score", outcome.Match.Score,
			"source", prepared.Source,
			"correlation_id", requestcontext.CorrelationID(ctx),
		)
	}
	s.metrics.IncRegistration(string(result.Status))
	span.SetAttributes(
		attribute.String("registry.document_id", result.DocumentID.String()),
		attribute.String("registry.outcome", string(result.Status)),
	)
	span.SetStatus(codes.Ok, "")
	return result, nil
}

func (s *Service) reject(ctx context.Context, c models.Candidate, err error) *RegistrationResult {
	code := dErrors.CodeOf(err)
	reason := err.Error()
	if de, ok := dErrors.As(err); ok {
		reason = de.Message
	}
	s.metrics.IncRegistration(string(RegistrationRejected))
	s.logger.InfoContext(ctx, "registration rejected",
		"error_code", code,
		"reason", reason,
		"source", c.Source,
		"correlation_id", requestcontext.CorrelationID(ctx),
	)
	return &RegistrationResult{
		Status:          RegistrationRejected,
		RejectionCode:   code,
		RejectionReason: reason,
	}
}

func registrationEvent(ctx context.Context, c models.Candidate, o *dedup.Outcome) (*outbox.Event, error) {
	now := requestcontext.Now(ctx).UTC()
	correlationID := requestcontext.CorrelationID(ctx)
	id := o.Document.ID

	if o.Created {
		return outbox.NewEvent(models.AggregateDocument, id.String(), models.EventDocumentRegistered, correlationID,
			models.DocumentRegistered{
				DocumentID:     id,
				ContentHash:    o.Document.ContentHash,
				DOI:            o.Document.DOI,
				Title:          o.Document.Title,
				SourceLocation: SourceLocation(c, id),
				UserID:         c.UserID,
				CorrelationID:  correlationID,
				Timestamp:      now,
			}, now)
	}
	return outbox.NewEvent(models.AggregateDocument, id.String(), models.EventDocumentDuplicate, correlationID,
		models.DocumentDuplicate{
			DocumentID:         id,
			ExistingDocumentID: id,
			MatchType:          string(o.Match.Type),
			ContentHash:        c.ContentHash,
			UserID:             c.UserID,
			CorrelationID:      correlationID,
			Timestamp:          now,
		}, now)
}

// SourceLocation resolves where the pipeline should fetch the document from.
func SourceLocation(c models.Candidate, documentID uuid.UUID) string {
	switch {
	case c.SourceLocation != "":
		return c.SourceLocation
	case c.UploadID != nil:
		return fmt.Sprintf("uploads/%s/document.pdf", c.UploadID)
	case c.ConnectorJobID != nil:
		return fmt.Sprintf("imports/%s/%s.pdf", c.ConnectorJobID, documentID)
	default:
		return fmt.Sprintf("documents/%s/document.pdf", documentID)
	}
}
