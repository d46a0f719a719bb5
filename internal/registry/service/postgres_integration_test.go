//go:build integration

package service_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"heliograph/internal/outbox"
	"heliograph/internal/registry/lifecycle"
	"heliograph/internal/registry/models"
	"heliograph/internal/registry/service"
	"heliograph/internal/registry/store"
	dErrors "heliograph/pkg/domain-errors"
	txcontext "heliograph/pkg/platform/tx"
	"heliograph/pkg/testutil/containers"
)

type PostgresServiceSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	service  *service.Service
}

func TestPostgresServiceSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresServiceSuite))
}

func (s *PostgresServiceSuite) SetupSuite() {
	s.postgres = containers.GetManager().GetPostgres(s.T())
	db := s.postgres.DB
	svc, err := service.New(store.NewPostgresStore(db), txcontext.NewRunner(db, 5*time.Second), outbox.NewPostgresStore(db))
	s.Require().NoError(err)
	s.service = svc
}

func (s *PostgresServiceSuite) SetupTest() {
	err := s.postgres.TruncateTables(context.Background(),
		"document_state_audit", "document_provenance", "registry_documents", "registry_outbox")
	s.Require().NoError(err)
}

func (s *PostgresServiceSuite) count(query string, args ...any) int {
	var n int
	s.Require().NoError(s.postgres.DB.QueryRowContext(context.Background(), query, args...).Scan(&n))
	return n
}

func candidate(hash string) models.Candidate {
	return models.Candidate{
		ContentHash: strings.Repeat(hash, 64),
		Title:       "Solar Flare Analysis Study",
		Year:        2024,
		Source:      models.SourceUpload,
		UserID:      uuid.New(),
	}
}

// TestConcurrentRegistrationsResolveToOneDocument submits the same bytes from
// 50 callers. One is queued, the rest are duplicates of it, and every
// submission leaves a provenance row and an event.
func (s *PostgresServiceSuite) TestConcurrentRegistrationsResolveToOneDocument() {
	ctx := context.Background()
	const goroutines = 50

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []*service.RegistrationResult
		errs    []error
	)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.service.Register(ctx, candidate("a"))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			results = append(results, res)
		}()
	}
	wg.Wait()

	s.Require().Empty(errs)
	queued := 0
	ids := map[uuid.UUID]struct{}{}
	for _, r := range results {
		if r.Status == service.RegistrationQueued {
			queued++
		}
		ids[r.DocumentID] = struct{}{}
	}
	s.Equal(1, queued)
	s.Len(ids, 1)

	s.Equal(1, s.count(`SELECT count(*) FROM registry_documents`))
	s.Equal(goroutines, s.count(`SELECT count(*) FROM document_provenance`))
	s.Equal(goroutines, s.count(`SELECT count(*) FROM registry_outbox`))
	s.Equal(1, s.count(`SELECT count(*) FROM registry_outbox WHERE event_type = $1`, models.EventDocumentRegistered))
}

func (s *PostgresServiceSuite) TestRejectedTransitionIsAuditedAndAnnounced() {
	ctx := context.Background()
	res, err := s.service.Register(ctx, candidate("b"))
	s.Require().NoError(err)

	_, err = s.service.TransitionState(ctx, res.DocumentID, lifecycle.Request{
		Target: models.StatusIndexed, WorkerID: "w1",
	})
	s.True(dErrors.Is(err, dErrors.CodeInvalidStateTransition))

	entries, err := s.service.GetAudit(ctx, res.DocumentID)
	s.Require().NoError(err)
	s.Require().Len(entries, 1)
	s.Equal(models.AuditRejectedInvalid, entries[0].Outcome)
	s.Equal(1, s.count(`SELECT count(*) FROM registry_outbox WHERE event_type = $1`, models.EventStateTransitionFailed))
}
