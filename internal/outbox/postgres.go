package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"heliograph/pkg/platform/sentinel"
	txcontext "heliograph/pkg/platform/tx"
)

// PostgresStore persists outbox rows in registry_outbox. Enqueue joins the
// transaction carried by ctx.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const outboxReturning = `
	o.id, o.aggregate_type, o.aggregate_id, o.event_type, o.payload, o.correlation_id,
	o.status, o.attempt_count, o.next_attempt_at, o.lease_owner, o.lease_expires_at,
	o.last_error, o.created_at, o.updated_at, o.delivered_at, o.dead_lettered_at,
	o.dead_letter_routed_at, o.dead_letter_lease_expires_at`

func (s *PostgresStore) Enqueue(ctx context.Context, e *Event) error {
	query := `
		INSERT INTO registry_outbox (
			id, aggregate_type, aggregate_id, event_type, payload, correlation_id,
			status, attempt_count, next_attempt_at, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $9)
	`
	_, err := txcontext.Querier(ctx, s.db).ExecContext(ctx, query,
		e.ID,
		e.AggregateType,
		e.AggregateID,
		e.EventType,
		string(e.Payload),
		e.CorrelationID,
		string(StatusPending),
		e.NextAttemptAt,
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert outbox entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) Lease(ctx context.Context, owner string, limit int, now time.Time, ttl time.Duration) ([]*Event, error) {
	query := `
		WITH due AS (
			SELECT id
			FROM registry_outbox
			WHERE (status = 'pending' AND next_attempt_at <= $1)
			   OR (status = 'leased' AND lease_expires_at <= $1)
			ORDER BY next_attempt_at, created_at, id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE registry_outbox o
		SET status = 'leased',
			attempt_count = CASE WHEN o.status = 'leased' THEN o.attempt_count + 1 ELSE o.attempt_count END,
			lease_owner = $3, lease_expires_at = $4, updated_at = $1
		FROM due
		WHERE o.id = due.id
		RETURNING ` + outboxReturning

	rows, err := txcontext.Querier(ctx, s.db).QueryContext(ctx, query, now, limit, owner, now.Add(ttl))
	if err != nil {
		return nil, fmt.Errorf("lease outbox rows: %w", err)
	}
	defer rows.Close()
	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	sortByCreation(events)
	return events, nil
}

func (s *PostgresStore) MarkDelivered(ctx context.Context, id uuid.UUID, owner string, at time.Time) error {
	query := `
		UPDATE registry_outbox
		SET status = 'delivered', attempt_count = attempt_count + 1,
			lease_owner = '', lease_expires_at = NULL,
			delivered_at = $3, updated_at = $3
		WHERE id = $1 AND status = 'leased' AND lease_owner = $2
	`
	return s.execLeased(ctx, "mark delivered", query, id, owner, at)
}

func (s *PostgresStore) MarkRetry(ctx context.Context, id uuid.UUID, owner string, next time.Time, lastErr string, at time.Time) error {
	query := `
		UPDATE registry_outbox
		SET status = 'pending', attempt_count = attempt_count + 1,
			lease_owner = '', lease_expires_at = NULL,
			next_attempt_at = $3, last_error = $4, updated_at = $5
		WHERE id = $1 AND status = 'leased' AND lease_owner = $2
	`
	return s.execLeased(ctx, "mark retry", query, id, owner, next, lastErr, at)
}

func (s *PostgresStore) MarkDead(ctx context.Context, id uuid.UUID, owner string, lastErr string, at time.Time) error {
	query := `
		UPDATE registry_outbox
		SET status = 'dead', attempt_count = attempt_count + 1,
			lease_owner = '', lease_expires_at = NULL,
			last_error = $3, dead_lettered_at = $4, updated_at = $4
		WHERE id = $1 AND status = 'leased' AND lease_owner = $2
	`
	return s.execLeased(ctx, "mark dead", query, id, owner, lastErr, at)
}

func (s *PostgresStore) execLeased(ctx context.Context, op, query string, args ...any) error {
	res, err := txcontext.Querier(ctx, s.db).ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return sentinel.ErrLeaseLost
	}
	return nil
}

func (s *PostgresStore) ClaimDeadLetters(ctx context.Context, limit int, now time.Time, ttl time.Duration) ([]*Event, error) {
	query := `
		WITH due AS (
			SELECT id
			FROM registry_outbox
			WHERE status = 'dead' AND dead_letter_routed_at IS NULL
			  AND (dead_letter_lease_expires_at IS NULL OR dead_letter_lease_expires_at <= $2)
			ORDER BY dead_lettered_at, id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE registry_outbox o
		SET dead_letter_lease_expires_at = $3, updated_at = $2
		FROM due
		WHERE o.id = due.id
		RETURNING ` + outboxReturning

	rows, err := txcontext.Querier(ctx, s.db).QueryContext(ctx, query, limit, now, now.Add(ttl))
	if err != nil {
		return nil, fmt.Errorf("claim dead letters: %w", err)
	}
	defer rows.Close()
	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	sortByCreation(events)
	return events, nil
}

func (s *PostgresStore) ConfirmDeadLetter(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
		UPDATE registry_outbox
		SET dead_letter_routed_at = COALESCE(dead_letter_routed_at, $2),
			dead_letter_lease_expires_at = NULL, updated_at = $2
		WHERE id = $1 AND status = 'dead'
	`
	return s.execDeadLetter(ctx, "confirm dead letter", query, id, at)
}

func (s *PostgresStore) ReleaseDeadLetter(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE registry_outbox
		SET dead_letter_lease_expires_at = NULL
		WHERE id = $1 AND status = 'dead'
	`
	return s.execDeadLetter(ctx, "release dead letter", query, id)
}

func (s *PostgresStore) execDeadLetter(ctx context.Context, op, query string, args ...any) error {
	res, err := txcontext.Querier(ctx, s.db).ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := txcontext.Querier(ctx, s.db).QueryContext(ctx,
		`SELECT status, count(*) FROM registry_outbox GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count outbox rows: %w", err)
	}
	defer rows.Close()

	out := make(map[Status]int, len(Statuses))
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan outbox count: %w", err)
		}
		out[Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox counts: %w", err)
	}
	return out, nil
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var out []*Event
	for rows.Next() {
		var (
			e                                    Event
			payload                              []byte
			status                               string
			leaseExpires, delivered, dead, route sql.NullTime
			deadLease                            sql.NullTime
		)
		if err := rows.Scan(
			&e.ID, &e.AggregateType, &e.AggregateID, &e.EventType, &payload, &e.CorrelationID,
			&status, &e.AttemptCount, &e.NextAttemptAt, &e.LeaseOwner, &leaseExpires,
			&e.LastError, &e.CreatedAt, &e.UpdatedAt, &delivered, &dead, &route, &deadLease,
		); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		e.Payload = payload
		e.Status = Status(status)
		e.LeaseExpiresAt = nullTime(leaseExpires)
		e.DeliveredAt = nullTime(delivered)
		e.DeadLetteredAt = nullTime(dead)
		e.DeadLetterRoutedAt = nullTime(route)
		e.DeadLetterLeaseExpiresAt = nullTime(deadLease)
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox rows: %w", err)
	}
	return out, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
