package outbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"heliograph/pkg/platform/sentinel"
)

// MemoryStore is an in-process outbox for tests and local runs.
type MemoryStore struct {
	mu     sync.Mutex
	events map[uuid.UUID]*Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[uuid.UUID]*Event)}
}

// Enqueue stores a copy of event.
func (s *MemoryStore) Enqueue(_ context.Context, event *Event) error {
	s.Insert(event)
	return nil
}

// Insert adds events atomically. Used by transactional wrappers on commit.
func (s *MemoryStore) Insert(events ...*Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range events {
		s.events[e.ID] = e.Clone()
	}
}

// All returns every row ordered by creation.
func (s *MemoryStore) All() []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Event, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Clone())
	}
	sortByCreation(out)
	return out
}

func (s *MemoryStore) Lease(_ context.Context, owner string, limit int, now time.Time, ttl time.Duration) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	due := make([]*Event, 0)
	for _, e := range s.events {
		pendingDue := e.Status == StatusPending && !e.NextAttemptAt.After(now)
		leaseExpired := e.Status == StatusLeased && e.LeaseExpiresAt != nil && !e.LeaseExpiresAt.After(now)
		if pendingDue || leaseExpired {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextAttemptAt.Equal(due[j].NextAttemptAt) {
			return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
		}
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	expires := now.Add(ttl)
	out := make([]*Event, 0, len(due))
	for _, e := range due {
		if e.Status == StatusLeased {
			e.AttemptCount++
		}
		e.Status = StatusLeased
		e.LeaseOwner = owner
		e.LeaseExpiresAt = &expires
		e.UpdatedAt = now
		out = append(out, e.Clone())
	}
	return out, nil
}

func (s *MemoryStore) leased(id uuid.UUID, owner string) (*Event, error) {
	e, ok := s.events[id]
	if !ok || e.Status != StatusLeased || e.LeaseOwner != owner {
		return nil, sentinel.ErrLeaseLost
	}
	return e, nil
}

func (s *MemoryStore) MarkDelivered(_ context.Context, id uuid.UUID, owner string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.leased(id, owner)
	if err != nil {
		return err
	}
	e.Status = StatusDelivered
	e.AttemptCount++
	e.LeaseOwner = ""
	e.LeaseExpiresAt = nil
	e.DeliveredAt = &at
	e.UpdatedAt = at
	return nil
}

func (s *MemoryStore) MarkRetry(_ context.Context, id uuid.UUID, owner string, next time.Time, lastErr string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.leased(id, owner)
	if err != nil {
		return err
	}
	e.Status = StatusPending
	e.AttemptCount++
	e.NextAttemptAt = next
	e.LastError = lastErr
	e.LeaseOwner = ""
	e.LeaseExpiresAt = nil
	e.UpdatedAt = at
	return nil
}

func (s *MemoryStore) MarkDead(_ context.Context, id uuid.UUID, owner string, lastErr string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.leased(id, owner)
	if err != nil {
		return err
	}
	e.Status = StatusDead
	e.AttemptCount++
	e.LastError = lastErr
	e.LeaseOwner = ""
	e.LeaseExpiresAt = nil
	e.DeadLetteredAt = &at
	e.UpdatedAt = at
	return nil
}

func (s *MemoryStore) ClaimDeadLetters(_ context.Context, limit int, now time.Time, ttl time.Duration) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	due := make([]*Event, 0)
	for _, e := range s.events {
		if e.Status != StatusDead || e.DeadLetterRoutedAt != nil {
			continue
		}
		if e.DeadLetterLeaseExpiresAt != nil && e.DeadLetterLeaseExpiresAt.After(now) {
			continue
		}
		due = append(due, e)
	}
	sortByCreation(due)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	expires := now.Add(ttl)
	out := make([]*Event, 0, len(due))
	for _, e := range due {
		e.DeadLetterLeaseExpiresAt = &expires
		e.UpdatedAt = now
		out = append(out, e.Clone())
	}
	return out, nil
}

func (s *MemoryStore) ConfirmDeadLetter(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok || e.Status != StatusDead {
		return sentinel.ErrNotFound
	}
	if e.DeadLetterRoutedAt == nil {
		e.DeadLetterRoutedAt = &at
	}
	e.DeadLetterLeaseExpiresAt = nil
	e.UpdatedAt = at
	return nil
}

func (s *MemoryStore) ReleaseDeadLetter(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok || e.Status != StatusDead {
		return sentinel.ErrNotFound
	}
	e.DeadLetterLeaseExpiresAt = nil
	return nil
}

func (s *MemoryStore) CountByStatus(_ context.Context) (map[Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Status]int, len(Statuses))
	for _, e := range s.events {
		out[e.Status]++
	}
	return out, nil
}

func sortByCreation(events []*Event) {
	sort.Slice(events, func(i, j int) bool {
		if !events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].CreatedAt.Before(events[j].CreatedAt)
		}
		return events[i].ID.String() < events[j].ID.String()
	})
}
