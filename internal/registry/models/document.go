package models

import (
	"time"

	"github.com/google/uuid"
)

// Document is the canonical record for one physical document.
//
// Invariants:
//   - ID and CreatedAt never change after creation
//   - ContentHash is 64 lowercase hex characters
//   - ContentHash, DOI (when set) and (ContentHash, TitleNormalized, Year)
//     are unique among records with DeletedAt == nil
//   - ErrorMessage is non-empty only while Status == StatusFailed
type Document struct {
	ID               uuid.UUID
	DOI              string
	ContentHash      string
	Title            string
	TitleNormalized  string
	Subtitle         string
	Journal          string
	Year             int // 0 when unknown
	Authors          Authors
	SourceMetadata   SourceMetadata
	Status           Status
	ErrorMessage     string
	ArtifactPointers ArtifactPointers
	CreatedAt        time.Time
	UpdatedAt        time.Time
	LastProcessedAt  *time.Time
	DeletedAt        *time.Time
}

// IsDeleted reports whether the record has been soft-deleted.
func (d *Document) IsDeleted() bool {
	return d.DeletedAt != nil
}

// Clone returns a deep copy safe to hand to callers.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	out := *d
	out.Authors = append(Authors(nil), d.Authors...)
	out.SourceMetadata = d.SourceMetadata.Clone()
	out.ArtifactPointers = d.ArtifactPointers.Clone()
	if d.LastProcessedAt != nil {
		t := *d.LastProcessedAt
		out.LastProcessedAt = &t
	}
	if d.DeletedAt != nil {
		t := *d.DeletedAt
		out.DeletedAt = &t
	}
	return &out
}

// Candidate is a normalized submission presented for registration.
type Candidate struct {
	DOI              string
	ContentHash      string
	Title            string
	TitleNormalized  string
	Subtitle         string
	Journal          string
	Year             int
	Authors          Authors
	Source           Source
	SourceQuery      string
	SourceIdentifier string
	SourceLocation   string
	UploadID         *uuid.UUID
	ConnectorJobID   *uuid.UUID
	UserID           uuid.UUID
	SourceMetadata   map[string]any
}

// Provenance records one submission that resolved to a document. Append-only.
type Provenance struct {
	ID               uuid.UUID
	DocumentID       uuid.UUID
	Source           Source
	SourceQuery      string
	SourceIdentifier string
	UploadID         *uuid.UUID
	ConnectorJobID   *uuid.UUID
	UserID           uuid.UUID
	MetadataSnapshot JSONObject
	CreatedAt        time.Time
}

// AuditOutcome is the result of one transition attempt.
type AuditOutcome string

const (
	AuditAccepted         AuditOutcome = "accepted"
	AuditRejectedInvalid  AuditOutcome = "rejected_invalid"
	AuditRejectedConflict AuditOutcome = "rejected_conflict"
)

// AuditEntry records one transition attempt. Append-only.
type AuditEntry struct {
	ID            uuid.UUID
	DocumentID    uuid.UUID
	PreviousState Status
	NewState      Status
	Outcome       AuditOutcome
	WorkerID      string
	ErrorMessage  string
	CreatedAt     time.Time
}

// StatusUpdate carries the fields written by a successful transition.
type StatusUpdate struct {
	Target           Status
	ErrorMessage     string
	ArtifactPointers ArtifactPointers
	At               time.Time
}

// ListFilter selects a page of documents ordered newest first.
type ListFilter struct {
	Status         Status
	IncludeDeleted bool
	Limit          int
	After          *Cursor
}

// Cursor is the keyset position of the last item of a page.
type Cursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}
