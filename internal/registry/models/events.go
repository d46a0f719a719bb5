package models

import (
	"time"

	"github.com/google/uuid"
)

// Event type names published on the registry topic.
const (
	EventDocumentRegistered    = "DocumentRegistered"
	EventDocumentDuplicate     = "DocumentDuplicate"
	EventStateTransitionFailed = "StateTransitionFailed"
)

// AggregateDocument is the outbox aggregate type for document events.
const AggregateDocument = "document"

// DocumentRegistered announces a new canonical record to the pipeline.
type DocumentRegistered struct {
	DocumentID     uuid.UUID `json:"document_id"`
	ContentHash    string    `json:"content_hash"`
	DOI            string    `json:"doi,omitempty"`
	Title          string    `json:"title"`
	SourceLocation string    `json:"source_location"`
	UserID         uuid.UUID `json:"user_id"`
	CorrelationID  string    `json:"correlation_id"`
	Timestamp      time.Time `json:"timestamp"`
}

// DocumentDuplicate records that a submission resolved to an existing record.
// DocumentID is the aggregate the event is keyed on; it equals
// ExistingDocumentID because a duplicate never creates a record.
type DocumentDuplicate struct {
	DocumentID         uuid.UUID `json:"document_id"`
	ExistingDocumentID uuid.UUID `json:"existing_document_id"`
	MatchType          string    `json:"match_type"`
	ContentHash        string    `json:"content_hash"`
	UserID             uuid.UUID `json:"user_id"`
	CorrelationID      string    `json:"correlation_id"`
	Timestamp          time.Time `json:"timestamp"`
}

// StateTransitionFailed records a rejected transition attempt.
type StateTransitionFailed struct {
	DocumentID    uuid.UUID `json:"document_id"`
	FromState     Status    `json:"from_state"`
	ToState       Status    `json:"to_state"`
	ErrorMessage  string    `json:"error_message"`
	WorkerID      string    `json:"worker_id"`
	CorrelationID string    `json:"correlation_id"`
	Timestamp     time.Time `json:"timestamp"`
}
