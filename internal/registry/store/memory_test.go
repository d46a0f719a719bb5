package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"heliograph/internal/outbox"
	"heliograph/internal/registry/models"
	"heliograph/pkg/platform/sentinel"
)

func newDoc(hash, doi string, createdAt time.Time) *models.Document {
	return &models.Document{
		ID:               uuid.New(),
		DOI:              doi,
		ContentHash:      strings.Repeat(hash, 64),
		Title:            "Paper " + hash,
		TitleNormalized:  "paper " + hash,
		Year:             2020,
		SourceMetadata:   models.SourceMetadata{},
		Status:           models.StatusRegistered,
		ArtifactPointers: models.ArtifactPointers{},
		CreatedAt:        createdAt,
		UpdatedAt:        createdAt,
	}
}

func TestUpsertOrFindReturnsWinner(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)
	now := time.Now().UTC()

	first := newDoc("a", "10.1234/x", now)
	stored, created, err := s.UpsertOrFind(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, first.ID, stored.ID)

	sameHash := newDoc("a", "", now)
	stored, created, err = s.UpsertOrFind(ctx, sameHash)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, stored.ID)

	sameDOI := newDoc("b", "10.1234/x", now)
	stored, created, err = s.UpsertOrFind(ctx, sameDOI)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, stored.ID)
}

func TestLookupsIgnoreDeleted(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)
	doc := newDoc("a", "10.1234/x", time.Now())
	_, _, err := s.UpsertOrFind(ctx, doc)
	require.NoError(t, err)

	_, err = s.SoftDelete(ctx, doc.ID, time.Now())
	require.NoError(t, err)

	_, err = s.FindByContentHash(ctx, doc.ContentHash)
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
	_, err = s.FindByDOI(ctx, doc.DOI)
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
	candidates, err := s.FindFuzzyCandidates(ctx, 2020, 0, 100, 10)
	require.NoError(t, err)
	assert.Empty(t, candidates)

	got, err := s.GetByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.True(t, got.IsDeleted())

	_, err = s.SoftDelete(ctx, doc.ID, time.Now())
	assert.ErrorIs(t, err, sentinel.ErrInvalidState)
}

func TestRestore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)
	doc := newDoc("a", "", time.Now())
	_, _, err := s.UpsertOrFind(ctx, doc)
	require.NoError(t, err)

	_, err = s.Restore(ctx, doc.ID, time.Now())
	assert.ErrorIs(t, err, sentinel.ErrInvalidState)

	_, err = s.SoftDelete(ctx, doc.ID, time.Now())
	require.NoError(t, err)
	_, created, err := s.UpsertOrFind(ctx, newDoc("a", "", time.Now()))
	require.NoError(t, err)
	require.True(t, created)

	_, err = s.Restore(ctx, doc.ID, time.Now())
	assert.ErrorIs(t, err, sentinel.ErrConflict)

	_, err = s.Restore(ctx, uuid.New(), time.Now())
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestUpdateStatusCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)
	doc := newDoc("a", "", time.Now())
	_, _, err := s.UpsertOrFind(ctx, doc)
	require.NoError(t, err)
	at := time.Now().UTC()

	_, err = s.UpdateStatus(ctx, doc.ID, models.StatusProcessing, models.StatusUpdate{Target: models.StatusIndexed, At: at})
	assert.ErrorIs(t, err, sentinel.ErrConflict)

	updated, err := s.UpdateStatus(ctx, doc.ID, models.StatusRegistered, models.StatusUpdate{
		Target:           models.StatusProcessing,
		ArtifactPointers: models.ArtifactPointers{models.ArtifactPDF: "docs/a.pdf"},
		At:               at,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, updated.Status)
	assert.Equal(t, "docs/a.pdf", updated.ArtifactPointers[models.ArtifactPDF])
	require.NotNil(t, updated.LastProcessedAt)
	assert.True(t, at.Equal(*updated.LastProcessedAt))
}

func TestRunInTxRollsBackStateAndEvents(t *testing.T) {
	ctx := context.Background()
	events := outbox.NewMemoryStore()
	s := NewMemoryStore(events)
	boom := errors.New("boom")

	err := s.RunInTx(ctx, func(ctx context.Context) error {
		if _, _, err := s.UpsertOrFind(ctx, newDoc("a", "", time.Now())); err != nil {
			return err
		}
		event, err := outbox.NewEvent(models.AggregateDocument, "x", models.EventDocumentRegistered, "c", map[string]string{}, time.Now())
		if err != nil {
			return err
		}
		if err := s.Enqueue(ctx, event); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.FindByContentHash(ctx, strings.Repeat("a", 64))
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
	assert.Empty(t, events.All())

	err = s.RunInTx(ctx, func(ctx context.Context) error {
		event, err := outbox.NewEvent(models.AggregateDocument, "x", models.EventDocumentRegistered, "c", map[string]string{}, time.Now())
		if err != nil {
			return err
		}
		return s.Enqueue(ctx, event)
	})
	require.NoError(t, err)
	assert.Len(t, events.All(), 1)
}

func TestListOrderAndFilters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	older := newDoc("a", "", base)
	newer := newDoc("b", "", base.Add(time.Hour))
	deleted := newDoc("c", "", base.Add(2*time.Hour))
	for _, d := range []*models.Document{older, newer, deleted} {
		_, _, err := s.UpsertOrFind(ctx, d)
		require.NoError(t, err)
	}
	_, err := s.SoftDelete(ctx, deleted.ID, base)
	require.NoError(t, err)
	_, err = s.UpdateStatus(ctx, older.ID, models.StatusRegistered, models.StatusUpdate{Target: models.StatusProcessing, At: base})
	require.NoError(t, err)

	docs, err := s.List(ctx, models.ListFilter{})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, newer.ID, docs[0].ID)
	assert.Equal(t, older.ID, docs[1].ID)

	docs, err = s.List(ctx, models.ListFilter{IncludeDeleted: true, Limit: 1})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, deleted.ID, docs[0].ID)

	docs, err = s.List(ctx, models.ListFilter{After: &models.Cursor{CreatedAt: newer.CreatedAt, ID: newer.ID}})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, older.ID, docs[0].ID)

	docs, err = s.List(ctx, models.ListFilter{Status: models.StatusProcessing})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, older.ID, docs[0].ID)
}
