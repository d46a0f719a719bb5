// Package dedup decides whether a submission is a new document or a duplicate
// of an existing record, and performs the insert-or-merge that follows.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"heliograph/internal/registry/models"
	dErrors "heliograph/pkg/domain-errors"
	"heliograph/pkg/platform/sentinel"
	"heliograph/pkg/requestcontext"
)

// MatchType names the rule that resolved a submission to an existing record.
type MatchType string

const (
	MatchDOI              MatchType = "doi"
	MatchContentHash      MatchType = "content_hash"
	MatchComposite        MatchType = "composite"
	MatchFuzzyTitle       MatchType = "fuzzy_title"
	MatchConcurrentInsert MatchType = "concurrent_insert"
)

const (
	DefaultThreshold      = 0.90
	DefaultCandidateLimit = 500

	minYear = 1800
	maxYear = 2100
)

// Store is the persistence surface the engine needs. Lookups return
// sentinel.ErrNotFound when nothing active matches.
type Store interface {
	FindByDOI(ctx context.Context, doi string) (*models.Document, error)
	FindByContentHash(ctx context.Context, hash string) (*models.Document, error)
	FindByComposite(ctx context.Context, hash, titleNormalized string, year int) (*models.Document, error)
	FindFuzzyCandidates(ctx context.Context, year, minLen, maxLen, limit int) ([]*models.Document, error)
	UpsertOrFind(ctx context.Context, doc *models.Document) (*models.Document, bool, error)
	MergeSourceMetadata(ctx context.Context, id uuid.UUID, source string, data map[string]any, at time.Time) (*models.Document, error)
	AppendProvenance(ctx context.Context, entry *models.Provenance) error
}

// Match describes how a submission matched an existing record.
type Match struct {
	Document *models.Document
	Type     MatchType
	Score    float64
}

// Outcome is the result of resolving a submission.
type Outcome struct {
	Document *models.Document
	Created  bool
	Match    *Match // nil when Created
}

// Config tunes fuzzy matching.
type Config struct {
	Threshold      float64
	CandidateLimit int
}

// Engine classifies submissions and applies the insert-or-merge.
type Engine struct {
	store  Store
	cfg    Config
	logger *slog.Logger
}

// New builds an Engine. Zero config values fall back to the defaults.
func New(store Store, cfg Config, logger *slog.Logger) *Engine {
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.CandidateLimit <= 0 {
		cfg.CandidateLimit = DefaultCandidateLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, cfg: cfg, logger: logger}
}

// Prepare normalizes identifiers and validates a submission without touching
// the store. INVALID_CONTENT_HASH and INVALID_DOI mark a rejection; other
// failures are VALIDATION_ERROR.
func Prepare(c models.Candidate) (models.Candidate, error) {
	c.ContentHash = NormalizeContentHash(c.ContentHash)
	if !ValidContentHash(c.ContentHash) {
		return c, dErrors.New(dErrors.CodeInvalidContentHash,
			"content_hash must be 64 hexadecimal characters")
	}
	c.DOI = NormalizeDOI(c.DOI)
	if c.DOI != "" && !ValidDOI(c.DOI) {
		return c, dErrors.Newf(dErrors.CodeInvalidDOI,
			"doi %q does not match 10.<registrant>/<suffix>", c.DOI)
	}

	c.Title = strings.TrimSpace(c.Title)
	if c.Title == "" {
		return c, dErrors.New(dErrors.CodeValidation, "title is required").WithDetail("field", "title")
	}
	c.TitleNormalized = NormalizeTitle(c.Title)
	c.Subtitle = strings.TrimSpace(c.Subtitle)
	c.Journal = strings.TrimSpace(c.Journal)
	if c.Year != 0 && (c.Year < minYear || c.Year > maxYear) {
		return c, dErrors.Newf(dErrors.CodeValidation, "year must be between %d and %d", minYear, maxYear).
			WithDetail("field", "year")
	}
	if !c.Source.IsValid() {
		return c, dErrors.Newf(dErrors.CodeValidation, "unknown source %q", c.Source).WithDetail("field", "source")
	}
	if c.UserID == uuid.Nil {
		return c, dErrors.New(dErrors.CodeValidation, "user_id is required").WithDetail("field", "user_id")
	}
	return c, nil
}

// Classify runs the match rules in order and returns the first hit, or nil.
func (e *Engine) Classify(ctx context.Context, c models.Candidate) (*Match, error) {
	if c.DOI != "" {
		doc, err := e.store.FindByDOI(ctx, c.DOI)
		if hit, err := found(doc, err); err != nil || hit {
			return exact(doc, MatchDOI, hit), err
		}
	}

	doc, err := e.store.FindByContentHash(ctx, c.ContentHash)
	if hit, err := found(doc, err); err != nil || hit {
		return exact(doc, MatchContentHash, hit), err
	}

	doc, err = e.store.FindByComposite(ctx, c.ContentHash, c.TitleNormalized, c.Year)
	if hit, err := found(doc, err); err != nil || hit {
		return exact(doc, MatchComposite, hit), err
	}

	return e.fuzzy(ctx, c)
}

func (e *Engine) fuzzy(ctx context.Context, c models.Candidate) (*Match, error) {
	if c.Year == 0 || c.TitleNormalized == "" {
		return nil, nil
	}
	lo, hi := LengthBounds(utf8.RuneCountInString(c.TitleNormalized), e.cfg.Threshold)
	candidates, err := e.store.FindFuzzyCandidates(ctx, c.Year, lo, hi, e.cfg.CandidateLimit)
	if err != nil {
		return nil, fmt.Errorf("load fuzzy candidates: %w", err)
	}

	var best *Match
	for _, doc := range candidates {
		score := Ratio(c.TitleNormalized, doc.TitleNormalized)
		if score < e.cfg.Threshold {
			continue
		}
		if best == nil || score > best.Score ||
			(score == best.Score && doc.CreatedAt.Before(best.Document.CreatedAt)) {
			best = &Match{Document: doc, Type: MatchFuzzyTitle, Score: score}
		}
	}
	return best, nil
}

// Resolve classifies c and either merges it into the matching record or
// inserts a new one. c must have been through Prepare. Callers run Resolve
// inside a transaction so the merge or insert commits with its outbox row.
func (e *Engine) Resolve(ctx context.Context, c models.Candidate) (*Outcome, error) {
	match, err := e.Classify(ctx, c)
	if err != nil {
		return nil, err
	}
	if match != nil {
		return e.absorb(ctx, match, c)
	}

	now := requestcontext.Now(ctx).UTC()
	doc := newDocument(c, now)
	stored, created, err := e.store.UpsertOrFind(ctx, doc)
	if err != nil {
		return nil, fmt.Errorf("insert document: %w", err)
	}
	if !created {
		e.logger.InfoContext(ctx, "registration lost insert race",
			"document_id", stored.ID,
			"content_hash", c.ContentHash,
		)
		return e.absorb(ctx, &Match{Document: stored, Type: MatchConcurrentInsert, Score: 1}, c)
	}

	if err := e.store.AppendProvenance(ctx, newProvenance(stored.ID, c, now)); err != nil {
		return nil, fmt.Errorf("append provenance: %w", err)
	}
	return &Outcome{Document: stored, Created: true}, nil
}

func (e *Engine) absorb(ctx context.Context, match *Match, c models.Candidate) (*Outcome, error) {
	now := requestcontext.Now(ctx).UTC()
	merged, err := e.store.MergeSourceMetadata(ctx, match.Document.ID, string(c.Source), c.SourceMetadata, now)
	if err != nil {
		return nil, fmt.Errorf("merge source metadata: %w", err)
	}
	if err := e.store.AppendProvenance(ctx, newProvenance(merged.ID, c, now)); err != nil {
		return nil, fmt.Errorf("append provenance: %w", err)
	}
	match.Document = merged
	e.logger.DebugContext(ctx, "duplicate resolved",
		"document_id", merged.ID,
		"match_type", match.Type,
		"score", match.Score,
	)
	return &Outcome{Document: merged, Match: match}, nil
}

func found(doc *models.Document, err error) (bool, error) {
	if errors.Is(err, sentinel.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup lookup: %w", err)
	}
	return doc != nil, nil
}

func exact(doc *models.Document, t MatchType, hit bool) *Match {
	if !hit {
		return nil
	}
	return &Match{Document: doc, Type: t, Score: 1}
}

func newDocument(c models.Candidate, now time.Time) *models.Document {
	return &models.Document{
		ID:               uuid.New(),
		DOI:              c.DOI,
		ContentHash:      c.ContentHash,
		Title:            c.Title,
		TitleNormalized:  c.TitleNormalized,
		Subtitle:         c.Subtitle,
		Journal:          c.Journal,
		Year:             c.Year,
		Authors:          append(models.Authors(nil), c.Authors...),
		SourceMetadata:   models.SourceMetadata{}.Merge(string(c.Source), c.SourceMetadata),
		Status:           models.StatusRegistered,
		ArtifactPointers: models.ArtifactPointers{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func newProvenance(documentID uuid.UUID, c models.Candidate, now time.Time) *models.Provenance {
	snapshot := models.JSONObject{
		"title":        c.Title,
		"content_hash": c.ContentHash,
	}
	if c.DOI != "" {
		snapshot["doi"] = c.DOI
	}
	if c.Subtitle != "" {
		snapshot["subtitle"] = c.Subtitle
	}
	if c.Journal != "" {
		snapshot["journal"] = c.Journal
	}
	if c.Year != 0 {
		snapshot["year"] = c.Year
	}
	if len(c.Authors) > 0 {
		snapshot["authors"] = c.Authors
	}
	if len(c.SourceMetadata) > 0 {
		snapshot["source_metadata"] = c.SourceMetadata
	}
	return &models.Provenance{
		ID:               uuid.New(),
		DocumentID:       documentID,
		Source:           c.Source,
		SourceQuery:      c.SourceQuery,
		SourceIdentifier: c.SourceIdentifier,
		UploadID:         c.UploadID,
		ConnectorJobID:   c.ConnectorJobID,
		UserID:           c.UserID,
		MetadataSnapshot: snapshot,
		CreatedAt:        now,
	}
}
