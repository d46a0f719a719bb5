// Package lifecycle validates and applies document state transitions with
// optimistic concurrency and an audit entry for every attempt.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"heliograph/internal/registry/models"
	dErrors "heliograph/pkg/domain-errors"
	"heliograph/pkg/platform/sentinel"
	"heliograph/pkg/requestcontext"
)

// maxCASAttempts bounds re-reads for unconditional transitions.
const maxCASAttempts = 3

// Store is the persistence surface the machine needs.
type Store interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Document, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, expected models.Status, update models.StatusUpdate) (*models.Document, error)
	AppendAudit(ctx context.Context, entry *models.AuditEntry) error
}

// Request is a worker's transition request.
type Request struct {
	Target           models.Status
	Expected         models.Status // empty means apply from the current state
	WorkerID         string
	ErrorMessage     string
	ArtifactPointers models.ArtifactPointers
}

// Validate checks request shape. It runs before any store access.
func (r Request) Validate() error {
	if !r.Target.IsValid() {
		return dErrors.Newf(dErrors.CodeValidation, "unknown state %q", r.Target).WithDetail("field", "state")
	}
	if r.Expected != "" && !r.Expected.IsValid() {
		return dErrors.Newf(dErrors.CodeValidation, "unknown expected_state %q", r.Expected).
			WithDetail("field", "expected_state")
	}
	if strings.TrimSpace(r.WorkerID) == "" {
		return dErrors.New(dErrors.CodeValidation, "worker_id is required").WithDetail("field", "worker_id")
	}
	hasMessage := strings.TrimSpace(r.ErrorMessage) != ""
	if r.Target == models.StatusFailed && !hasMessage {
		return dErrors.New(dErrors.CodeValidation, "error_message is required when state is failed").
			WithDetail("field", "error_message")
	}
	if r.Target != models.StatusFailed && hasMessage {
		return dErrors.New(dErrors.CodeValidation, "error_message is only allowed when state is failed").
			WithDetail("field", "error_message")
	}
	return nil
}

// Result is the outcome of one transition attempt. Rejections are reported
// through Outcome rather than an error so the caller can commit the audit
// entry before surfacing them.
type Result struct {
	Document *models.Document
	Previous models.Status
	Outcome  models.AuditOutcome
	Reason   string
}

// Rejected reports whether the attempt was refused.
func (r *Result) Rejected() bool {
	return r.Outcome != models.AuditAccepted
}

// Err converts a rejection into its domain error; nil when accepted.
func (r *Result) Err() error {
	switch r.Outcome {
	case models.AuditRejectedInvalid:
		return dErrors.New(dErrors.CodeInvalidStateTransition, r.Reason).
			WithDetail("current_state", string(r.Previous))
	case models.AuditRejectedConflict:
		return dErrors.New(dErrors.CodeStateConflict, r.Reason).
			WithDetail("current_state", string(r.Previous))
	default:
		return nil
	}
}

// Machine applies transitions against a Store.
type Machine struct {
	store  Store
	logger *slog.Logger
}

func New(store Store, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{store: store, logger: logger}
}

// Apply performs one transition attempt and audits it. Unknown or
// soft-deleted documents return DOCUMENT_NOT_FOUND with nothing written.
// Callers run Apply inside a transaction.
func (m *Machine) Apply(ctx context.Context, id uuid.UUID, req Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		doc, err := m.store.GetByID(ctx, id)
		if errors.Is(err, sentinel.ErrNotFound) || (err == nil && doc.IsDeleted()) {
			return nil, dErrors.Newf(dErrors.CodeNotFound, "document %s not found", id)
		}
		if err != nil {
			return nil, fmt.Errorf("load document: %w", err)
		}
		current := doc.Status

		if req.Expected != "" && req.Expected != current {
			return m.reject(ctx, doc, req, models.AuditRejectedConflict,
				fmt.Sprintf("expected state %s but document is %s", req.Expected, current))
		}
		if !current.CanTransitionTo(req.Target) {
			return m.reject(ctx, doc, req, models.AuditRejectedInvalid,
				fmt.Sprintf("cannot transition from %s to %s", current, req.Target))
		}

		now := requestcontext.Now(ctx).UTC()
		updated, err := m.store.UpdateStatus(ctx, id, current, models.StatusUpdate{
			Target:           req.Target,
			ErrorMessage:     strings.TrimSpace(req.ErrorMessage),
			ArtifactPointers: req.ArtifactPointers,
			At:               now,
		})
		if errors.Is(err, sentinel.ErrConflict) {
			if req.Expected == "" && attempt < maxCASAttempts {
				m.logger.DebugContext(ctx, "status changed under transition, re-reading",
					"document_id", id,
					"attempt", attempt,
				)
				continue
			}
			latest, getErr := m.store.GetByID(ctx, id)
			if getErr != nil {
				return nil, fmt.Errorf("reload document: %w", getErr)
			}
			return m.reject(ctx, latest, req, models.AuditRejectedConflict,
				fmt.Sprintf("document moved from %s to %s concurrently", current, latest.Status))
		}
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Newf(dErrors.CodeNotFound, "document %s not found", id)
		}
		if err != nil {
			return nil, fmt.Errorf("update status: %w", err)
		}

		if err := m.audit(ctx, id, current, req, models.AuditAccepted, now); err != nil {
			return nil, err
		}
		return &Result{Document: updated, Previous: current, Outcome: models.AuditAccepted}, nil
	}
}

func (m *Machine) reject(ctx context.Context, doc *models.Document, req Request, outcome models.AuditOutcome, reason string) (*Result, error) {
	if err := m.audit(ctx, doc.ID, doc.Status, req, outcome, requestcontext.Now(ctx).UTC()); err != nil {
		return nil, err
	}
	m.logger.InfoContext(ctx, "transition rejected",
		"document_id", doc.ID,
		"from_state", doc.Status,
		"to_state", req.Target,
		"outcome", outcome,
		"worker_id", req.WorkerID,
	)
	return &Result{Document: doc, Previous: doc.Status, Outcome: outcome, Reason: reason}, nil
}

func (m *Machine) audit(ctx context.Context, id uuid.UUID, previous models.Status, req Request, outcome models.AuditOutcome, at time.Time) error {
	entry := &models.AuditEntry{
		ID:            uuid.New(),
		DocumentID:    id,
		PreviousState: previous,
		NewState:      req.Target,
		Outcome:       outcome,
		WorkerID:      req.WorkerID,
		ErrorMessage:  strings.TrimSpace(req.ErrorMessage),
		CreatedAt:     at,
	}
	if err := m.store.AppendAudit(ctx, entry); err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}
