// Package outbox implements the transactional outbox: events are written in
// the same transaction as the state change they describe and delivered to
// the transport later by independent, lease-coordinated workers.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the delivery state of an outbox row.
type Status string

const (
	StatusPending   Status = "pending"
	StatusLeased    Status = "leased"
	StatusDelivered Status = "delivered"
	StatusDead      Status = "dead"
)

// Statuses lists every delivery state.
var Statuses = []Status{StatusPending, StatusLeased, StatusDelivered, StatusDead}

// Event is one outbox row.
type Event struct {
	ID                 uuid.UUID
	AggregateType      string
	AggregateID        string
	EventType          string
	Payload            json.RawMessage
	CorrelationID      string
	Status             Status
	AttemptCount       int
	NextAttemptAt      time.Time
	LeaseOwner         string
	LeaseExpiresAt     *time.Time
	LastError          string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	DeliveredAt        *time.Time
	DeadLetteredAt     *time.Time
	DeadLetterRoutedAt *time.Time
	// DeadLetterLeaseExpiresAt is set while a router holds the row between
	// claim and confirm.
	DeadLetterLeaseExpiresAt *time.Time
}

// NewEvent builds a pending event with payload marshalled to JSON.
func NewEvent(aggregateType, aggregateID, eventType, correlationID string, payload any, now time.Time) (*Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return &Event{
		ID:            uuid.New(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       raw,
		CorrelationID: correlationID,
		Status:        StatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// Clone returns a copy that shares no mutable state with e.
func (e *Event) Clone() *Event {
	out := *e
	out.Payload = append(json.RawMessage(nil), e.Payload...)
	out.LeaseExpiresAt = cloneTime(e.LeaseExpiresAt)
	out.DeliveredAt = cloneTime(e.DeliveredAt)
	out.DeadLetteredAt = cloneTime(e.DeadLetteredAt)
	out.DeadLetterRoutedAt = cloneTime(e.DeadLetterRoutedAt)
	out.DeadLetterLeaseExpiresAt = cloneTime(e.DeadLetterLeaseExpiresAt)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Writer appends events. Implementations join the transaction carried by ctx.
type Writer interface {
	Enqueue(ctx context.Context, event *Event) error
}

// Store is the worker-side view of the outbox. Mark* calls return
// sentinel.ErrLeaseLost when the row is no longer leased by owner.
//
// Lease also takes over rows whose lease expired, counting the abandoned
// lease as an attempt. ClaimDeadLetters leases unrouted dead rows for ttl;
// a row is routed only once ConfirmDeadLetter records it, so a claim that is
// neither confirmed nor released becomes claimable again after ttl.
type Store interface {
	Lease(ctx context.Context, owner string, limit int, now time.Time, ttl time.Duration) ([]*Event, error)
	MarkDelivered(ctx context.Context, id uuid.UUID, owner string, at time.Time) error
	MarkRetry(ctx context.Context, id uuid.UUID, owner string, next time.Time, lastErr string, at time.Time) error
	MarkDead(ctx context.Context, id uuid.UUID, owner string, lastErr string, at time.Time) error
	ClaimDeadLetters(ctx context.Context, limit int, now time.Time, ttl time.Duration) ([]*Event, error)
	ConfirmDeadLetter(ctx context.Context, id uuid.UUID, at time.Time) error
	ReleaseDeadLetter(ctx context.Context, id uuid.UUID) error
	CountByStatus(ctx context.Context) (map[Status]int, error)
}
