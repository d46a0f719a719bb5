//go:build integration

package store_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"heliograph/internal/registry/models"
	"heliograph/internal/registry/store"
	"heliograph/pkg/platform/sentinel"
	"heliograph/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *store.PostgresStore
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.postgres = mgr.GetPostgres(s.T())
	s.store = store.NewPostgresStore(s.postgres.DB)
}

func (s *PostgresStoreSuite) SetupTest() {
	err := s.postgres.TruncateTables(context.Background(),
		"document_state_audit", "document_provenance", "registry_documents", "registry_outbox")
	s.Require().NoError(err)
}

func makeDocument(hash, doi string) *models.Document {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &models.Document{
		ID:               uuid.New(),
		DOI:              doi,
		ContentHash:      strings.Repeat(hash, 64),
		Title:            "Paper " + hash,
		TitleNormalized:  "paper " + hash,
		Year:             2021,
		SourceMetadata:   models.SourceMetadata{},
		Status:           models.StatusRegistered,
		ArtifactPointers: models.ArtifactPointers{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// TestConcurrentUpsertKeepsOneRecord races 50 inserts of the same content
// hash. Exactly one creates the record and every caller sees it.
func (s *PostgresStoreSuite) TestConcurrentUpsertKeepsOneRecord() {
	ctx := context.Background()
	const goroutines = 50

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		ids     = map[uuid.UUID]struct{}{}
		errs    []error
	)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stored, isNew, err := s.store.UpsertOrFind(ctx, makeDocument("c", ""))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if isNew {
				created++
			}
			ids[stored.ID] = struct{}{}
		}()
	}
	wg.Wait()

	s.Empty(errs)
	s.Equal(1, created, "exactly one insert wins")
	s.Len(ids, 1, "every caller resolves to the winner")

	var count int
	err := s.postgres.DB.QueryRowContext(ctx, `SELECT count(*) FROM registry_documents`).Scan(&count)
	s.Require().NoError(err)
	s.Equal(1, count)
}

func (s *PostgresStoreSuite) TestUpsertMatchesOnDOI() {
	ctx := context.Background()
	first, created, err := s.store.UpsertOrFind(ctx, makeDocument("a", "10.1234/abc"))
	s.Require().NoError(err)
	s.True(created)

	winner, created, err := s.store.UpsertOrFind(ctx, makeDocument("b", "10.1234/abc"))
	s.Require().NoError(err)
	s.False(created)
	s.Equal(first.ID, winner.ID)
}

func (s *PostgresStoreSuite) TestUpdateStatusCompareAndSwap() {
	ctx := context.Background()
	doc, _, err := s.store.UpsertOrFind(ctx, makeDocument("d", ""))
	s.Require().NoError(err)

	pointers, err := models.ParseArtifactPointers(map[string]string{"pdf": "s3://bucket/paper.pdf"})
	s.Require().NoError(err)
	at := time.Now().UTC()

	updated, err := s.store.UpdateStatus(ctx, doc.ID, models.StatusRegistered, models.StatusUpdate{
		Target: models.StatusProcessing, ArtifactPointers: pointers, At: at,
	})
	s.Require().NoError(err)
	s.Equal(models.StatusProcessing, updated.Status)
	s.NotNil(updated.LastProcessedAt)
	s.Equal(pointers, updated.ArtifactPointers)

	_, err = s.store.UpdateStatus(ctx, doc.ID, models.StatusRegistered, models.StatusUpdate{
		Target: models.StatusProcessing, At: at,
	})
	s.ErrorIs(err, sentinel.ErrConflict, "stale expected state loses")

	failed, err := s.store.UpdateStatus(ctx, doc.ID, models.StatusProcessing, models.StatusUpdate{
		Target: models.StatusFailed, ErrorMessage: "parse error", At: at,
	})
	s.Require().NoError(err)
	s.Equal("parse error", failed.ErrorMessage)
	s.Equal(pointers, failed.ArtifactPointers, "pointers merge rather than replace")

	retried, err := s.store.UpdateStatus(ctx, doc.ID, models.StatusFailed, models.StatusUpdate{
		Target: models.StatusProcessing, At: at,
	})
	s.Require().NoError(err)
	s.Empty(retried.ErrorMessage)
}

// TestConcurrentTransitionsSingleWinner fires the same transition from many
// workers. The compare-and-swap lets exactly one through.
func (s *PostgresStoreSuite) TestConcurrentTransitionsSingleWinner() {
	ctx := context.Background()
	doc, _, err := s.store.UpsertOrFind(ctx, makeDocument("e", ""))
	s.Require().NoError(err)

	const goroutines = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.store.UpdateStatus(ctx, doc.ID, models.StatusRegistered, models.StatusUpdate{
				Target: models.StatusProcessing, At: time.Now().UTC(),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, sentinel.ErrConflict):
				conflicts++
			}
		}()
	}
	wg.Wait()

	s.Equal(1, wins)
	s.Equal(goroutines-1, conflicts)
}

func (s *PostgresStoreSuite) TestSoftDeleteFreesUniqueKeys() {
	ctx := context.Background()
	doc, _, err := s.store.UpsertOrFind(ctx, makeDocument("f", "10.1234/del"))
	s.Require().NoError(err)

	_, err = s.store.SoftDelete(ctx, doc.ID, time.Now().UTC())
	s.Require().NoError(err)
	_, err = s.store.SoftDelete(ctx, doc.ID, time.Now().UTC())
	s.ErrorIs(err, sentinel.ErrInvalidState)

	_, err = s.store.FindByContentHash(ctx, doc.ContentHash)
	s.ErrorIs(err, sentinel.ErrNotFound)

	replacement, created, err := s.store.UpsertOrFind(ctx, makeDocument("f", "10.1234/del"))
	s.Require().NoError(err)
	s.True(created, "deleted records do not block new registrations")
	s.NotEqual(doc.ID, replacement.ID)

	_, err = s.store.Restore(ctx, doc.ID, time.Now().UTC())
	s.ErrorIs(err, sentinel.ErrConflict, "restore collides with the active replacement")

	_, err = s.store.SoftDelete(ctx, replacement.ID, time.Now().UTC())
	s.Require().NoError(err)
	restored, err := s.store.Restore(ctx, doc.ID, time.Now().UTC())
	s.Require().NoError(err)
	s.False(restored.IsDeleted())
}

func (s *PostgresStoreSuite) TestAuditAndProvenanceAreOrdered() {
	ctx := context.Background()
	doc, _, err := s.store.UpsertOrFind(ctx, makeDocument("0", ""))
	s.Require().NoError(err)
	base := time.Now().UTC().Truncate(time.Microsecond)

	for i, outcome := range []models.AuditOutcome{models.AuditAccepted, models.AuditRejectedConflict} {
		s.Require().NoError(s.store.AppendAudit(ctx, &models.AuditEntry{
			ID:            uuid.New(),
			DocumentID:    doc.ID,
			PreviousState: models.StatusRegistered,
			NewState:      models.StatusProcessing,
			Outcome:       outcome,
			WorkerID:      "w1",
			CreatedAt:     base.Add(time.Duration(i) * time.Millisecond),
		}))
	}
	entries, err := s.store.ListAudit(ctx, doc.ID)
	s.Require().NoError(err)
	s.Require().Len(entries, 2)
	s.Equal(models.AuditAccepted, entries[0].Outcome)
	s.Equal(models.AuditRejectedConflict, entries[1].Outcome)

	s.Require().NoError(s.store.AppendProvenance(ctx, &models.Provenance{
		ID:               uuid.New(),
		DocumentID:       doc.ID,
		Source:           models.SourceCrossref,
		SourceIdentifier: "10.1234/xyz",
		UserID:           uuid.New(),
		CreatedAt:        base,
	}))
	prov, err := s.store.ListProvenance(ctx, doc.ID)
	s.Require().NoError(err)
	s.Require().Len(prov, 1)
	s.Equal(models.SourceCrossref, prov[0].Source)
}

func (s *PostgresStoreSuite) TestMergeSourceMetadataKeepsExistingFields() {
	ctx := context.Background()
	doc, _, err := s.store.UpsertOrFind(ctx, makeDocument("9", ""))
	s.Require().NoError(err)
	at := time.Now().UTC()

	_, err = s.store.MergeSourceMetadata(ctx, doc.ID, "crossref", map[string]any{"publisher": "ACM"}, at)
	s.Require().NoError(err)
	merged, err := s.store.MergeSourceMetadata(ctx, doc.ID, "crossref",
		map[string]any{"publisher": "IEEE", "volume": "12"}, at)
	s.Require().NoError(err)

	fields := merged.SourceMetadata["crossref"]
	s.Equal("ACM", fields["publisher"])
	s.Equal("12", fields["volume"])
}
