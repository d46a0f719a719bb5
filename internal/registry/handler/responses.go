package handler

import (
	"time"

	"github.com/google/uuid"

	"heliograph/internal/registry/models"
	"heliograph/internal/registry/service"
	dErrors "heliograph/pkg/domain-errors"
)

// RegisterResponse is returned for every registration, including rejections.
type RegisterResponse struct {
	DocumentID         *uuid.UUID `json:"document_id"`
	Status             string     `json:"status"`
	ExistingDocumentID *uuid.UUID `json:"existing_document_id,omitempty"`
	MatchType          string     `json:"match_type,omitempty"`
	ErrorCode          string     `json:"error_code,omitempty"`
	RejectionReason    string     `json:"rejection_reason,omitempty"`
	CorrelationID      string     `json:"correlation_id,omitempty"`
}

func toRegisterResponse(res *service.RegistrationResult, correlationID string) *RegisterResponse {
	out := &RegisterResponse{Status: string(res.Status)}
	switch res.Status {
	case service.RegistrationRejected:
		out.ErrorCode = string(res.RejectionCode)
		out.RejectionReason = res.RejectionReason
		out.CorrelationID = correlationID
	case service.RegistrationDuplicate:
		id, existing := res.DocumentID, res.ExistingDocumentID
		out.DocumentID = &id
		out.ExistingDocumentID = &existing
		out.MatchType = string(res.MatchType)
	default:
		id := res.DocumentID
		out.DocumentID = &id
	}
	return out
}

// AuthorResponse is one author in a document view.
type AuthorResponse struct {
	GivenName   string `json:"given_name,omitempty"`
	FamilyName  string `json:"family_name"`
	ORCID       string `json:"orcid,omitempty"`
	Affiliation string `json:"affiliation,omitempty"`
}

// ProvenanceResponse is one submission that resolved to the document.
type ProvenanceResponse struct {
	ID               uuid.UUID      `json:"id"`
	Source           string         `json:"source"`
	SourceQuery      string         `json:"source_query,omitempty"`
	SourceIdentifier string         `json:"source_identifier,omitempty"`
	UploadID         *uuid.UUID     `json:"upload_id,omitempty"`
	ConnectorJobID   *uuid.UUID     `json:"connector_job_id,omitempty"`
	UserID           uuid.UUID      `json:"user_id"`
	MetadataSnapshot map[string]any `json:"metadata_snapshot,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// DocumentResponse is the public view of a record.
type DocumentResponse struct {
	ID               uuid.UUID                 `json:"document_id"`
	DOI              string                    `json:"doi,omitempty"`
	ContentHash      string                    `json:"content_hash"`
	Title            string                    `json:"title"`
	Subtitle         string                    `json:"subtitle,omitempty"`
	Journal          string                    `json:"journal,omitempty"`
	Year             *int                      `json:"year,omitempty"`
	Authors          []AuthorResponse          `json:"authors"`
	SourceMetadata   map[string]map[string]any `json:"source_metadata"`
	Status           string                    `json:"status"`
	ErrorCode        string                    `json:"error_code,omitempty"`
	ErrorMessage     string                    `json:"error_message,omitempty"`
	ArtifactPointers map[string]string         `json:"artifact_pointers"`
	CreatedAt        time.Time                 `json:"created_at"`
	UpdatedAt        time.Time                 `json:"updated_at"`
	LastProcessedAt  *time.Time                `json:"last_processed_at,omitempty"`
	DeletedAt        *time.Time                `json:"deleted_at,omitempty"`
	Provenance       []ProvenanceResponse      `json:"provenance,omitempty"`
}

func toDocumentResponse(doc *models.Document) *DocumentResponse {
	out := &DocumentResponse{
		ID:               doc.ID,
		DOI:              doc.DOI,
		ContentHash:      doc.ContentHash,
		Title:            doc.Title,
		Subtitle:         doc.Subtitle,
		Journal:          doc.Journal,
		Authors:          make([]AuthorResponse, 0, len(doc.Authors)),
		SourceMetadata:   map[string]map[string]any(doc.SourceMetadata.Clone()),
		Status:           string(doc.Status),
		ErrorMessage:     doc.ErrorMessage,
		ArtifactPointers: make(map[string]string, len(doc.ArtifactPointers)),
		CreatedAt:        doc.CreatedAt,
		UpdatedAt:        doc.UpdatedAt,
		LastProcessedAt:  doc.LastProcessedAt,
		DeletedAt:        doc.DeletedAt,
	}
	if out.SourceMetadata == nil {
		out.SourceMetadata = map[string]map[string]any{}
	}
	if doc.Year != 0 {
		year := doc.Year
		out.Year = &year
	}
	if doc.Status == models.StatusFailed {
		out.ErrorCode = string(dErrors.CodeProcessingFailed)
	}
	for _, a := range doc.Authors {
		out.Authors = append(out.Authors, AuthorResponse(a))
	}
	for stage, location := range doc.ArtifactPointers {
		out.ArtifactPointers[string(stage)] = location
	}
	return out
}

func toDocumentView(view *service.DocumentView) *DocumentResponse {
	out := toDocumentResponse(view.Document)
	out.Provenance = make([]ProvenanceResponse, 0, len(view.Provenance))
	for _, p := range view.Provenance {
		out.Provenance = append(out.Provenance, ProvenanceResponse{
			ID:               p.ID,
			Source:           string(p.Source),
			SourceQuery:      p.SourceQuery,
			SourceIdentifier: p.SourceIdentifier,
			UploadID:         p.UploadID,
			ConnectorJobID:   p.ConnectorJobID,
			UserID:           p.UserID,
			MetadataSnapshot: p.MetadataSnapshot,
			CreatedAt:        p.CreatedAt,
		})
	}
	return out
}

// TransitionResponse is the updated record plus the state it left.
type TransitionResponse struct {
	*DocumentResponse
	PreviousState string `json:"previous_state"`
	NewState      string `json:"new_state"`
}

func toTransitionResponse(res *service.TransitionResult) *TransitionResponse {
	return &TransitionResponse{
		DocumentResponse: toDocumentResponse(res.Document),
		PreviousState:    string(res.Previous),
		NewState:         string(res.Document.Status),
	}
}

// ListResponse is one page of documents.
type ListResponse struct {
	Items      []*DocumentResponse `json:"items"`
	Limit      int                 `json:"limit"`
	NextCursor string              `json:"next_cursor,omitempty"`
	HasMore    bool                `json:"has_more"`
}

func toListResponse(page *service.Page, limit int) *ListResponse {
	out := &ListResponse{
		Items:      make([]*DocumentResponse, 0, len(page.Documents)),
		Limit:      limit,
		NextCursor: page.NextCursor,
		HasMore:    page.NextCursor != "",
	}
	for _, doc := range page.Documents {
		out.Items = append(out.Items, toDocumentResponse(doc))
	}
	return out
}

// AuditEntryResponse is one transition attempt.
type AuditEntryResponse struct {
	ID            uuid.UUID `json:"id"`
	PreviousState string    `json:"previous_state"`
	NewState      string    `json:"new_state"`
	Outcome       string    `json:"outcome"`
	WorkerID      string    `json:"worker_id"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// AuditResponse lists a document's transition attempts, oldest first.
type AuditResponse struct {
	DocumentID uuid.UUID            `json:"document_id"`
	Entries    []AuditEntryResponse `json:"entries"`
}

func toAuditResponse(id uuid.UUID, entries []*models.AuditEntry) *AuditResponse {
	out := &AuditResponse{DocumentID: id, Entries: make([]AuditEntryResponse, 0, len(entries))}
	for _, e := range entries {
		out.Entries = append(out.Entries, AuditEntryResponse{
			ID:            e.ID,
			PreviousState: string(e.PreviousState),
			NewState:      string(e.NewState),
			Outcome:       string(e.Outcome),
			WorkerID:      e.WorkerID,
			ErrorMessage:  e.ErrorMessage,
			CreatedAt:     e.CreatedAt,
		})
	}
	return out
}
