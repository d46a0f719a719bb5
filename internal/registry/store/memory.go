package store

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"heliograph/internal/outbox"
	"heliograph/internal/registry/models"
	"heliograph/pkg/platform/sentinel"
)

// MemoryStore is an in-process registry store with the same uniqueness and
// compare-and-swap semantics as PostgresStore. Transactions serialize on a
// single mutex; outbox rows become visible to workers only on commit.
type MemoryStore struct {
	mu     sync.Mutex
	state  *memState
	events *outbox.MemoryStore
}

type memState struct {
	documents  map[uuid.UUID]*models.Document
	provenance map[uuid.UUID][]*models.Provenance
	audit      map[uuid.UUID][]*models.AuditEntry
}

type memTxKey struct{}

type memTx struct {
	owner   *MemoryStore
	pending []*outbox.Event
}

// NewMemoryStore builds an empty store backed by events for its outbox.
func NewMemoryStore(events *outbox.MemoryStore) *MemoryStore {
	if events == nil {
		events = outbox.NewMemoryStore()
	}
	return &MemoryStore{
		state: &memState{
			documents:  make(map[uuid.UUID]*models.Document),
			provenance: make(map[uuid.UUID][]*models.Provenance),
			audit:      make(map[uuid.UUID][]*models.AuditEntry),
		},
		events: events,
	}
}

// Events exposes the outbox rows committed through this store.
func (s *MemoryStore) Events() *outbox.MemoryStore {
	return s.events
}

func (st *memState) clone() *memState {
	out := &memState{
		documents:  make(map[uuid.UUID]*models.Document, len(st.documents)),
		provenance: make(map[uuid.UUID][]*models.Provenance, len(st.provenance)),
		audit:      make(map[uuid.UUID][]*models.AuditEntry, len(st.audit)),
	}
	for id, d := range st.documents {
		out.documents[id] = d.Clone()
	}
	for id, entries := range st.provenance {
		out.provenance[id] = append([]*models.Provenance(nil), entries...)
	}
	for id, entries := range st.audit {
		out.audit[id] = append([]*models.AuditEntry(nil), entries...)
	}
	return out
}

func (s *MemoryStore) txFrom(ctx context.Context) *memTx {
	if tx, ok := ctx.Value(memTxKey{}).(*memTx); ok && tx.owner == s {
		return tx
	}
	return nil
}

func (s *MemoryStore) lock(ctx context.Context) func() {
	if s.txFrom(ctx) != nil {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// RunInTx runs fn with exclusive access. Any error restores the prior state
// and discards outbox rows enqueued by fn.
func (s *MemoryStore) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.txFrom(ctx) != nil {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state.clone()
	tx := &memTx{owner: s}
	if err := fn(context.WithValue(ctx, memTxKey{}, tx)); err != nil {
		s.state = snapshot
		return err
	}
	s.events.Insert(tx.pending...)
	return nil
}

// Enqueue implements outbox.Writer.
func (s *MemoryStore) Enqueue(ctx context.Context, event *outbox.Event) error {
	if tx := s.txFrom(ctx); tx != nil {
		tx.pending = append(tx.pending, event.Clone())
		return nil
	}
	s.events.Insert(event)
	return nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryStore) findActive(match func(d *models.Document) bool) (*models.Document, error) {
	var found *models.Document
	for _, d := range s.state.documents {
		if d.IsDeleted() || !match(d) {
			continue
		}
		if found == nil || d.CreatedAt.Before(found.CreatedAt) {
			found = d
		}
	}
	if found == nil {
		return nil, sentinel.ErrNotFound
	}
	return found.Clone(), nil
}

func (s *MemoryStore) FindByDOI(ctx context.Context, doi string) (*models.Document, error) {
	defer s.lock(ctx)()
	return s.findActive(func(d *models.Document) bool { return doi != "" && d.DOI == doi })
}

func (s *MemoryStore) FindByContentHash(ctx context.Context, hash string) (*models.Document, error) {
	defer s.lock(ctx)()
	return s.findActive(func(d *models.Document) bool { return d.ContentHash == hash })
}

func (s *MemoryStore) FindByComposite(ctx context.Context, hash, titleNormalized string, year int) (*models.Document, error) {
	defer s.lock(ctx)()
	return s.findActive(func(d *models.Document) bool {
		return d.ContentHash == hash && d.TitleNormalized == titleNormalized && d.Year == year
	})
}

func (s *MemoryStore) FindFuzzyCandidates(ctx context.Context, year, minLen, maxLen, limit int) ([]*models.Document, error) {
	defer s.lock(ctx)()
	out := make([]*models.Document, 0)
	for _, d := range s.state.documents {
		if d.IsDeleted() || d.Year != year {
			continue
		}
		n := utf8.RuneCountInString(d.TitleNormalized)
		if n < minLen || n > maxLen {
			continue
		}
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// conflicting returns the active record doc would collide with on a unique
// key, ignoring doc itself. The composite key contains content_hash, so a
// content_hash collision covers it.
func (s *MemoryStore) conflicting(doc *models.Document) *models.Document {
	var byHash *models.Document
	for _, d := range s.state.documents {
		if d.IsDeleted() || d.ID == doc.ID {
			continue
		}
		if doc.DOI != "" && d.DOI == doc.DOI {
			return d
		}
		if d.ContentHash == doc.ContentHash {
			byHash = d
		}
	}
	return byHash
}

func (s *MemoryStore) UpsertOrFind(ctx context.Context, doc *models.Document) (*models.Document, bool, error) {
	defer s.lock(ctx)()
	if winner := s.conflicting(doc); winner != nil {
		return winner.Clone(), false, nil
	}
	s.state.documents[doc.ID] = doc.Clone()
	return doc.Clone(), true, nil
}

func (s *MemoryStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Document, error) {
	defer s.lock(ctx)()
	d, ok := s.state.documents[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return d.Clone(), nil
}

func (s *MemoryStore) MergeSourceMetadata(ctx context.Context, id uuid.UUID, source string, data map[string]any, at time.Time) (*models.Document, error) {
	defer s.lock(ctx)()
	d, ok := s.state.documents[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	d.SourceMetadata = d.SourceMetadata.Merge(source, data)
	d.UpdatedAt = at
	return d.Clone(), nil
}

func (s *MemoryStore) AppendProvenance(ctx context.Context, entry *models.Provenance) error {
	defer s.lock(ctx)()
	if _, ok := s.state.documents[entry.DocumentID]; !ok {
		return sentinel.ErrNotFound
	}
	cp := *entry
	s.state.provenance[entry.DocumentID] = append(s.state.provenance[entry.DocumentID], &cp)
	return nil
}

func (s *MemoryStore) ListProvenance(ctx context.Context, id uuid.UUID) ([]*models.Provenance, error) {
	defer s.lock(ctx)()
	entries := s.state.provenance[id]
	out := make([]*models.Provenance, 0, len(entries))
	for _, e := range entries {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id uuid.UUID, expected models.Status, update models.StatusUpdate) (*models.Document, error) {
	defer s.lock(ctx)()
	d, ok := s.state.documents[id]
	if !ok || d.IsDeleted() {
		return nil, sentinel.ErrNotFound
	}
	if d.Status != expected {
		return nil, sentinel.ErrConflict
	}
	d.Status = update.Target
	d.ErrorMessage = ""
	if update.Target == models.StatusFailed {
		d.ErrorMessage = update.ErrorMessage
	}
	d.ArtifactPointers = d.ArtifactPointers.Merge(update.ArtifactPointers)
	at := update.At
	d.LastProcessedAt = &at
	d.UpdatedAt = at
	return d.Clone(), nil
}

func (s *MemoryStore) AppendAudit(ctx context.Context, entry *models.AuditEntry) error {
	defer s.lock(ctx)()
	if _, ok := s.state.documents[entry.DocumentID]; !ok {
		return sentinel.ErrNotFound
	}
	cp := *entry
	s.state.audit[entry.DocumentID] = append(s.state.audit[entry.DocumentID], &cp)
	return nil
}

func (s *MemoryStore) ListAudit(ctx context.Context, id uuid.UUID) ([]*models.AuditEntry, error) {
	defer s.lock(ctx)()
	entries := s.state.audit[id]
	out := make([]*models.AuditEntry, 0, len(entries))
	for _, e := range entries {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) List(ctx context.Context, filter models.ListFilter) ([]*models.Document, error) {
	defer s.lock(ctx)()
	out := make([]*models.Document, 0)
	for _, d := range s.state.documents {
		if d.IsDeleted() && !filter.IncludeDeleted {
			continue
		}
		if filter.Status != "" && d.Status != filter.Status {
			continue
		}
		if filter.After != nil && !before(d, filter.After) {
			continue
		}
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return before(out[j], &models.Cursor{CreatedAt: out[i].CreatedAt, ID: out[i].ID})
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// before reports whether d sorts after c in newest-first order.
func before(d *models.Document, c *models.Cursor) bool {
	if !d.CreatedAt.Equal(c.CreatedAt) {
		return d.CreatedAt.Before(c.CreatedAt)
	}
	return bytes.Compare(d.ID[:], c.ID[:]) < 0
}

func (s *MemoryStore) SoftDelete(ctx context.Context, id uuid.UUID, at time.Time) (*models.Document, error) {
	defer s.lock(ctx)()
	d, ok := s.state.documents[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	if d.IsDeleted() {
		return nil, sentinel.ErrInvalidState
	}
	d.DeletedAt = &at
	d.UpdatedAt = at
	return d.Clone(), nil
}

func (s *MemoryStore) Restore(ctx context.Context, id uuid.UUID, at time.Time) (*models.Document, error) {
	defer s.lock(ctx)()
	d, ok := s.state.documents[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	if !d.IsDeleted() {
		return nil, sentinel.ErrInvalidState
	}
	if s.conflicting(d) != nil {
		return nil, sentinel.ErrConflict
	}
	d.DeletedAt = nil
	d.UpdatedAt = at
	return d.Clone(), nil
}
