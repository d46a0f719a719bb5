package handler

import (
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"heliograph/internal/registry/lifecycle"
	"heliograph/internal/registry/models"
	dErrors "heliograph/pkg/domain-errors"
)

const (
	maxTitleLength      = 2000
	maxAuthors          = 500
	maxFieldLength      = 1024
	maxErrorMessageSize = 4000
)

// AuthorRequest is one author entry of a registration.
type AuthorRequest struct {
	GivenName   string `json:"given_name"`
	FamilyName  string `json:"family_name"`
	ORCID       string `json:"orcid"`
	Affiliation string `json:"affiliation"`
}

// RegisterRequest is the body of POST /registry/documents.
type RegisterRequest struct {
	DOI              string          `json:"doi"`
	ContentHash      string          `json:"content_hash"`
	Title            string          `json:"title"`
	Subtitle         string          `json:"subtitle"`
	Authors          []AuthorRequest `json:"authors"`
	Journal          string          `json:"journal"`
	Year             int             `json:"year"`
	Source           string          `json:"source"`
	SourceQuery      string          `json:"source_query"`
	SourceIdentifier string          `json:"source_identifier"`
	SourceLocation   string          `json:"source_location"`
	UploadID         string          `json:"upload_id"`
	ConnectorJobID   string          `json:"connector_job_id"`
	UserID           string          `json:"user_id"`
	SourceMetadata   map[string]any  `json:"source_metadata"`

	parsedUserID         uuid.UUID
	parsedUploadID       *uuid.UUID
	parsedConnectorJobID *uuid.UUID
}

func (r *RegisterRequest) Normalize() {
	r.DOI = strings.TrimSpace(r.DOI)
	r.ContentHash = strings.TrimSpace(r.ContentHash)
	r.Title = strings.TrimSpace(r.Title)
	r.Subtitle = strings.TrimSpace(r.Subtitle)
	r.Journal = strings.TrimSpace(r.Journal)
	r.Source = strings.ToLower(strings.TrimSpace(r.Source))
	r.SourceQuery = strings.TrimSpace(r.SourceQuery)
	r.SourceIdentifier = strings.TrimSpace(r.SourceIdentifier)
	r.SourceLocation = strings.TrimSpace(r.SourceLocation)
	r.UploadID = strings.TrimSpace(r.UploadID)
	r.ConnectorJobID = strings.TrimSpace(r.ConnectorJobID)
	r.UserID = strings.TrimSpace(r.UserID)
	for i := range r.Authors {
		r.Authors[i].GivenName = strings.TrimSpace(r.Authors[i].GivenName)
		r.Authors[i].FamilyName = strings.TrimSpace(r.Authors[i].FamilyName)
		r.Authors[i].ORCID = strings.TrimSpace(r.Authors[i].ORCID)
		r.Authors[i].Affiliation = strings.TrimSpace(r.Authors[i].Affiliation)
	}
}

// Validate checks presence and shape. DOI and content hash format are left
// to the service so that they produce a rejected registration.
func (r *RegisterRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}

	// Size checks first
	if utf8.RuneCountInString(r.Title) > maxTitleLength {
		return fieldError("title", "title must be at most %d characters", maxTitleLength)
	}
	if len(r.Authors) > maxAuthors {
		return fieldError("authors", "at most %d authors are allowed", maxAuthors)
	}
	for name, v := range map[string]string{
		"subtitle":          r.Subtitle,
		"journal":           r.Journal,
		"source_query":      r.SourceQuery,
		"source_identifier": r.SourceIdentifier,
		"source_location":   r.SourceLocation,
	} {
		if utf8.RuneCountInString(v) > maxFieldLength {
			return fieldError(name, "%s must be at most %d characters", name, maxFieldLength)
		}
	}

	// Required fields
	if r.ContentHash == "" {
		return fieldError("content_hash", "content_hash is required")
	}
	if r.Title == "" {
		return fieldError("title", "title is required")
	}
	if r.Source == "" {
		return fieldError("source", "source is required")
	}
	if _, err := models.ParseSource(r.Source); err != nil {
		return fieldError("source", "%s", err.Error())
	}
	if r.UserID == "" {
		return fieldError("user_id", "user_id is required")
	}
	if r.Year != 0 && (r.Year < 1800 || r.Year > 2100) {
		return fieldError("year", "year must be between 1800 and 2100")
	}
	for i, a := range r.Authors {
		if a.FamilyName == "" {
			return fieldError("authors", "authors[%d].family_name is required", i)
		}
	}

	// Parse identifiers
	userID, err := uuid.Parse(r.UserID)
	if err != nil {
		return fieldError("user_id", "user_id must be a UUID")
	}
	r.parsedUserID = userID
	if r.parsedUploadID, err = optionalUUID("upload_id", r.UploadID); err != nil {
		return err
	}
	if r.parsedConnectorJobID, err = optionalUUID("connector_job_id", r.ConnectorJobID); err != nil {
		return err
	}
	return nil
}

// Candidate converts the validated request into a registration candidate.
func (r *RegisterRequest) Candidate() models.Candidate {
	authors := make(models.Authors, 0, len(r.Authors))
	for _, a := range r.Authors {
		authors = append(authors, models.Author{
			GivenName:   a.GivenName,
			FamilyName:  a.FamilyName,
			ORCID:       a.ORCID,
			Affiliation: a.Affiliation,
		})
	}
	return models.Candidate{
		DOI:              r.DOI,
		ContentHash:      r.ContentHash,
		Title:            r.Title,
		Subtitle:         r.Subtitle,
		Journal:          r.Journal,
		Year:             r.Year,
		Authors:          authors,
		Source:           models.Source(r.Source),
		SourceQuery:      r.SourceQuery,
		SourceIdentifier: r.SourceIdentifier,
		SourceLocation:   r.SourceLocation,
		UploadID:         r.parsedUploadID,
		ConnectorJobID:   r.parsedConnectorJobID,
		UserID:           r.parsedUserID,
		SourceMetadata:   r.SourceMetadata,
	}
}

// TransitionRequest is the body of POST /registry/documents/{id}/state.
type TransitionRequest struct {
	State            string            `json:"state"`
	ExpectedState    string            `json:"expected_state"`
	WorkerID         string            `json:"worker_id"`
	ErrorMessage     string            `json:"error_message"`
	ArtifactPointers map[string]string `json:"artifact_pointers"`

	parsedPointers models.ArtifactPointers
}

func (r *TransitionRequest) Normalize() {
	r.State = strings.ToLower(strings.TrimSpace(r.State))
	r.ExpectedState = strings.ToLower(strings.TrimSpace(r.ExpectedState))
	r.WorkerID = strings.TrimSpace(r.WorkerID)
	r.ErrorMessage = strings.TrimSpace(r.ErrorMessage)
}

func (r *TransitionRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	if utf8.RuneCountInString(r.ErrorMessage) > maxErrorMessageSize {
		return fieldError("error_message", "error_message must be at most %d characters", maxErrorMessageSize)
	}
	if utf8.RuneCountInString(r.WorkerID) > maxFieldLength {
		return fieldError("worker_id", "worker_id must be at most %d characters", maxFieldLength)
	}
	if r.State == "" {
		return fieldError("state", "state is required")
	}
	if r.WorkerID == "" {
		return fieldError("worker_id", "worker_id is required")
	}
	pointers, err := models.ParseArtifactPointers(r.ArtifactPointers)
	if err != nil {
		return fieldError("artifact_pointers", "%s", err.Error())
	}
	r.parsedPointers = pointers
	return nil
}

// LifecycleRequest converts the validated request for the state machine,
// which checks the state names themselves.
func (r *TransitionRequest) LifecycleRequest() lifecycle.Request {
	return lifecycle.Request{
		Target:           models.Status(r.State),
		Expected:         models.Status(r.ExpectedState),
		WorkerID:         r.WorkerID,
		ErrorMessage:     r.ErrorMessage,
		ArtifactPointers: r.parsedPointers,
	}
}

func optionalUUID(field, v string) (*uuid.UUID, error) {
	if v == "" {
		return nil, nil
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return nil, fieldError(field, "%s must be a UUID", field)
	}
	return &id, nil
}

func fieldError(field, format string, args ...any) error {
	return dErrors.Newf(dErrors.CodeValidation, format, args...).WithDetail("field", field)
}
