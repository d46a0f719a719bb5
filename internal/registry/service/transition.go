package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"heliograph/internal/outbox"
	"heliograph/internal/registry/lifecycle"
	"heliograph/internal/registry/models"
	"heliograph/pkg/requestcontext"
)

// TransitionResult is an accepted transition.
type TransitionResult struct {
	Document *models.Document
	Previous models.Status
}

// TransitionState applies a worker's state change. Rejected attempts are
// audited and announced with StateTransitionFailed before the rejection is
// returned as INVALID_STATE_TRANSITION or STATE_CONFLICT.
func (s *Service) TransitionState(ctx context.Context, id uuid.UUID, req lifecycle.Request) (*TransitionResult, error) {
	defer s.observe("transition", time.Now())
	ctx, span := s.tracer.Start(ctx, "registry.TransitionState")
	defer span.End()
	span.SetAttributes(
		attribute.String("registry.document_id", id.String()),
		attribute.String("registry.to_state", string(req.Target)),
		attribute.String("registry.worker_id", req.WorkerID),
	)

	if err := req.Validate(); err != nil {
		return nil, s.translate(ctx, span, "transition", err)
	}

	var result *lifecycle.Result
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		r, err := s.machine.Apply(ctx, id, req)
		if err != nil {
			return err
		}
		if r.Rejected() {
			event, err := transitionFailedEvent(ctx, id, req, r)
			if err != nil {
				return err
			}
			if err := s.events.Enqueue(ctx, event); err != nil {
				return fmt.Errorf("enqueue %s: %w", event.EventType, err)
			}
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, s.translate(ctx, span, "transition", err)
	}

	if result.Rejected() {
		s.metrics.IncRejection(string(result.Outcome), result.Outcome == models.AuditRejectedConflict)
		rejection := result.Err()
		span.SetAttributes(attribute.String("registry.outcome", string(result.Outcome)))
		span.SetStatus(codes.Error, rejection.Error())
		return nil, rejection
	}

	s.metrics.IncTransition(string(result.Previous), string(req.Target))
	s.logger.InfoContext(ctx, "document state changed",
		"document_id", id,
		"from_state", result.Previous,
		"to_state", req.Target,
		"worker_id", req.WorkerID,
		"correlation_id", requestcontext.CorrelationID(ctx),
	)
	span.SetStatus(codes.Ok, "")
	return &TransitionResult{Document: result.Document, Previous: result.Previous}, nil
}

func transitionFailedEvent(ctx context.Context, id uuid.UUID, req lifecycle.Request, r *lifecycle.Result) (*outbox.Event, error) {
	now := requestcontext.Now(ctx).UTC()
	correlationID := requestcontext.CorrelationID(ctx)
	return outbox.NewEvent(models.AggregateDocument, id.String(), models.EventStateTransitionFailed, correlationID,
		models.StateTransitionFailed{
			DocumentID:    id,
			FromState:     r.Previous,
			ToState:       req.Target,
			ErrorMessage:  r.Reason,
			WorkerID:      req.WorkerID,
			CorrelationID: correlationID,
			Timestamp:     now,
		}, now)
}
