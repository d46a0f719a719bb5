package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"heliograph/internal/registry/models"
	"heliograph/pkg/platform/sentinel"
	txcontext "heliograph/pkg/platform/tx"
)

const uniqueViolation = "23505"

// PostgresStore persists documents, provenance and audit entries. Every
// method joins the transaction carried by ctx when there is one.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) q(ctx context.Context) txcontext.DBTX {
	return txcontext.Querier(ctx, s.db)
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const documentColumns = `
	document_id, doi, content_hash, title, title_normalized, subtitle, journal,
	year, authors, source_metadata, status, error_message, artifact_pointers,
	created_at, updated_at, last_processed_at, deleted_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*models.Document, error) {
	var (
		d                  models.Document
		doi, errMsg        sql.NullString
		year               sql.NullInt64
		processed, deleted sql.NullTime
	)
	err := row.Scan(
		&d.ID, &doi, &d.ContentHash, &d.Title, &d.TitleNormalized, &d.Subtitle, &d.Journal,
		&year, &d.Authors, &d.SourceMetadata, &d.Status, &errMsg, &d.ArtifactPointers,
		&d.CreatedAt, &d.UpdatedAt, &processed, &deleted,
	)
	if err != nil {
		return nil, err
	}
	d.DOI = doi.String
	d.ErrorMessage = errMsg.String
	d.Year = int(year.Int64)
	d.LastProcessedAt = timePtr(processed)
	d.DeletedAt = timePtr(deleted)
	return &d, nil
}

func scanDocuments(rows *sql.Rows) ([]*models.Document, error) {
	defer rows.Close()
	var out []*models.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) findOne(ctx context.Context, op, where string, args ...any) (*models.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM registry_documents WHERE ` + where + ` LIMIT 1`
	d, err := scanDocument(s.q(ctx).QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return d, nil
}

func (s *PostgresStore) FindByDOI(ctx context.Context, doi string) (*models.Document, error) {
	return s.findOne(ctx, "find by doi", `doi = $1 AND deleted_at IS NULL`, doi)
}

func (s *PostgresStore) FindByContentHash(ctx context.Context, hash string) (*models.Document, error) {
	return s.findOne(ctx, "find by content hash", `content_hash = $1 AND deleted_at IS NULL`, hash)
}

func (s *PostgresStore) FindByComposite(ctx context.Context, hash, titleNormalized string, year int) (*models.Document, error) {
	return s.findOne(ctx, "find by composite",
		`content_hash = $1 AND title_normalized = $2 AND year IS NOT DISTINCT FROM $3 AND deleted_at IS NULL`,
		hash, titleNormalized, nullInt(year))
}

func (s *PostgresStore) FindFuzzyCandidates(ctx context.Context, year, minLen, maxLen, limit int) ([]*models.Document, error) {
	query := `
		SELECT ` + documentColumns + `
		FROM registry_documents
		WHERE year = $1
		  AND deleted_at IS NULL
		  AND char_length(title_normalized) BETWEEN $2 AND $3
		ORDER BY created_at ASC, document_id ASC
		LIMIT $4
	`
	rows, err := s.q(ctx).QueryContext(ctx, query, year, minLen, maxLen, limit)
	if err != nil {
		return nil, fmt.Errorf("find fuzzy candidates: %w", err)
	}
	return scanDocuments(rows)
}

// UpsertOrFind inserts doc unless an active record already holds one of its
// unique keys; then it returns that record with created=false.
func (s *PostgresStore) UpsertOrFind(ctx context.Context, doc *models.Document) (*models.Document, bool, error) {
	query := `
		INSERT INTO registry_documents (` + documentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT DO NOTHING
		RETURNING ` + documentColumns

	stored, err := scanDocument(s.q(ctx).QueryRowContext(ctx, query,
		doc.ID,
		nullString(doc.DOI),
		doc.ContentHash,
		doc.Title,
		doc.TitleNormalized,
		doc.Subtitle,
		doc.Journal,
		nullInt(doc.Year),
		doc.Authors,
		doc.SourceMetadata,
		doc.Status,
		nullString(doc.ErrorMessage),
		doc.ArtifactPointers,
		doc.CreatedAt,
		doc.UpdatedAt,
		doc.LastProcessedAt,
		doc.DeletedAt,
	))
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("insert document: %w", err)
	}

	winner, err := s.winner(ctx, doc)
	if err != nil {
		return nil, false, err
	}
	return winner, false, nil
}

func (s *PostgresStore) winner(ctx context.Context, doc *models.Document) (*models.Document, error) {
	if doc.DOI != "" {
		d, err := s.FindByDOI(ctx, doc.DOI)
		if err == nil {
			return d, nil
		}
		if !errors.Is(err, sentinel.ErrNotFound) {
			return nil, err
		}
	}
	d, err := s.FindByContentHash(ctx, doc.ContentHash)
	if errors.Is(err, sentinel.ErrNotFound) {
		// The conflicting row is not visible to this snapshot; the caller retries.
		return nil, sentinel.ErrConflict
	}
	return d, err
}

func (s *PostgresStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Document, error) {
	return s.findOne(ctx, "get document", `document_id = $1`, id)
}

func (s *PostgresStore) MergeSourceMetadata(ctx context.Context, id uuid.UUID, source string, data map[string]any, at time.Time) (*models.Document, error) {
	fields, err := models.JSONObject(data).Value()
	if err != nil {
		return nil, err
	}
	// Existing fields for the source win over the incoming ones.
	query := `
		UPDATE registry_documents
		SET source_metadata = jsonb_build_object(
				'version', $4::int,
				'sources', COALESCE(source_metadata->'sources', '{}'::jsonb)
					|| jsonb_build_object($2::text,
						$3::jsonb || COALESCE(source_metadata->'sources'->($2::text), '{}'::jsonb))
			),
			updated_at = $5
		WHERE document_id = $1
		RETURNING ` + documentColumns

	d, err := scanDocument(s.q(ctx).QueryRowContext(ctx, query, id, source, fields, models.MetadataVersion, at))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("merge source metadata: %w", err)
	}
	return d, nil
}

func (s *PostgresStore) AppendProvenance(ctx context.Context, p *models.Provenance) error {
	query := `
		INSERT INTO document_provenance (
			provenance_id, document_id, source, source_query, source_identifier,
			upload_id, connector_job_id, user_id, metadata_snapshot, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := s.q(ctx).ExecContext(ctx, query,
		p.ID,
		p.DocumentID,
		string(p.Source),
		p.SourceQuery,
		p.SourceIdentifier,
		p.UploadID,
		p.ConnectorJobID,
		p.UserID,
		p.MetadataSnapshot,
		p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert provenance: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListProvenance(ctx context.Context, id uuid.UUID) ([]*models.Provenance, error) {
	query := `
		SELECT provenance_id, document_id, source, source_query, source_identifier,
			   upload_id, connector_job_id, user_id, metadata_snapshot, created_at
		FROM document_provenance
		WHERE document_id = $1
		ORDER BY created_at ASC, provenance_id ASC
	`
	rows, err := s.q(ctx).QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("query provenance: %w", err)
	}
	defer rows.Close()

	var out []*models.Provenance
	for rows.Next() {
		var (
			p                     models.Provenance
			source                string
			uploadID, connectorID uuid.NullUUID
		)
		if err := rows.Scan(&p.ID, &p.DocumentID, &source, &p.SourceQuery, &p.SourceIdentifier,
			&uploadID, &connectorID, &p.UserID, &p.MetadataSnapshot, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan provenance: %w", err)
		}
		p.Source = models.Source(source)
		p.UploadID = uuidPtr(uploadID)
		p.ConnectorJobID = uuidPtr(connectorID)
		out = append(out, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate provenance: %w", err)
	}
	return out, nil
}

// UpdateStatus applies update only if the stored status still equals
// expected. A lost compare-and-swap returns sentinel.ErrConflict.
func (s *PostgresStore) UpdateStatus(ctx context.Context, id uuid.UUID, expected models.Status, update models.StatusUpdate) (*models.Document, error) {
	pointers, err := update.ArtifactPointers.JSON()
	if err != nil {
		return nil, err
	}
	var errMsg string
	if update.Target == models.StatusFailed {
		errMsg = update.ErrorMessage
	}
	query := `
		UPDATE registry_documents
		SET status = $3,
			error_message = $4,
			artifact_pointers = jsonb_build_object(
				'version', $5::int,
				'pointers', COALESCE(artifact_pointers->'pointers', '{}'::jsonb) || $6::jsonb
			),
			last_processed_at = $7,
			updated_at = $7
		WHERE document_id = $1 AND status = $2 AND deleted_at IS NULL
		RETURNING ` + documentColumns

	d, err := scanDocument(s.q(ctx).QueryRowContext(ctx, query,
		id, expected, update.Target, nullString(errMsg), models.MetadataVersion, pointers, update.At))
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("update status: %w", err)
	}

	current, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.IsDeleted() {
		return nil, sentinel.ErrNotFound
	}
	return nil, sentinel.ErrConflict
}

func (s *PostgresStore) AppendAudit(ctx context.Context, e *models.AuditEntry) error {
	query := `
		INSERT INTO document_state_audit (
			audit_id, document_id, previous_state, new_state, outcome,
			worker_id, error_message, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.q(ctx).ExecContext(ctx, query,
		e.ID,
		e.DocumentID,
		string(e.PreviousState),
		string(e.NewState),
		string(e.Outcome),
		e.WorkerID,
		e.ErrorMessage,
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAudit(ctx context.Context, id uuid.UUID) ([]*models.AuditEntry, error) {
	query := `
		SELECT audit_id, document_id, previous_state, new_state, outcome,
			   worker_id, error_message, created_at
		FROM document_state_audit
		WHERE document_id = $1
		ORDER BY created_at ASC, audit_id ASC
	`
	rows, err := s.q(ctx).QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []*models.AuditEntry
	for rows.Next() {
		var (
			e                  models.AuditEntry
			prev, next, result string
		)
		if err := rows.Scan(&e.ID, &e.DocumentID, &prev, &next, &result,
			&e.WorkerID, &e.ErrorMessage, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.PreviousState = models.Status(prev)
		e.NewState = models.Status(next)
		e.Outcome = models.AuditOutcome(result)
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) List(ctx context.Context, filter models.ListFilter) ([]*models.Document, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if !filter.IncludeDeleted {
		where = append(where, "deleted_at IS NULL")
	}
	if filter.Status != "" {
		where = append(where, "status = "+arg(filter.Status))
	}
	if filter.After != nil {
		where = append(where, fmt.Sprintf("(created_at, document_id) < (%s, %s)",
			arg(filter.After.CreatedAt), arg(filter.After.ID)))
	}

	var b strings.Builder
	b.WriteString(`SELECT ` + documentColumns + ` FROM registry_documents`)
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY created_at DESC, document_id DESC")
	if filter.Limit > 0 {
		b.WriteString(" LIMIT " + arg(filter.Limit))
	}

	rows, err := s.q(ctx).QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return scanDocuments(rows)
}

func (s *PostgresStore) SoftDelete(ctx context.Context, id uuid.UUID, at time.Time) (*models.Document, error) {
	query := `
		UPDATE registry_documents
		SET deleted_at = $2, updated_at = $2
		WHERE document_id = $1 AND deleted_at IS NULL
		RETURNING ` + documentColumns
	d, err := scanDocument(s.q(ctx).QueryRowContext(ctx, query, id, at))
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("soft delete: %w", err)
	}
	if _, err := s.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return nil, sentinel.ErrInvalidState
}

// Restore clears deleted_at. It returns sentinel.ErrConflict when an active
// record now holds one of the document's unique keys.
func (s *PostgresStore) Restore(ctx context.Context, id uuid.UUID, at time.Time) (*models.Document, error) {
	query := `
		UPDATE registry_documents
		SET deleted_at = NULL, updated_at = $2
		WHERE document_id = $1 AND deleted_at IS NOT NULL
		RETURNING ` + documentColumns
	d, err := scanDocument(s.q(ctx).QueryRowContext(ctx, query, id, at))
	if err == nil {
		return d, nil
	}
	if isUniqueViolation(err) {
		return nil, sentinel.ErrConflict
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("restore: %w", err)
	}
	if _, err := s.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return nil, sentinel.ErrInvalidState
}

// isUniqueViolation recognizes 23505 from either registered driver.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == uniqueViolation
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}
	return false
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func uuidPtr(u uuid.NullUUID) *uuid.UUID {
	if !u.Valid {
		return nil
	}
	v := u.UUID
	return &v
}
