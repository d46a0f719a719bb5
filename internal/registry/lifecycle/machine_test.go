package lifecycle_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"heliograph/internal/registry/lifecycle"
	"heliograph/internal/registry/models"
	"heliograph/internal/registry/store"
	dErrors "heliograph/pkg/domain-errors"
	"heliograph/pkg/platform/sentinel"
)

// racingStore reports lost compare-and-swaps for the first n updates.
type racingStore struct {
	*store.MemoryStore
	lose int
}

func (r *racingStore) UpdateStatus(ctx context.Context, id uuid.UUID, expected models.Status, update models.StatusUpdate) (*models.Document, error) {
	if r.lose > 0 {
		r.lose--
		return nil, sentinel.ErrConflict
	}
	return r.MemoryStore.UpdateStatus(ctx, id, expected, update)
}

type MachineSuite struct {
	suite.Suite
	store   *racingStore
	machine *lifecycle.Machine
	ctx     context.Context
}

func TestMachineSuite(t *testing.T) {
	suite.Run(t, new(MachineSuite))
}

func (s *MachineSuite) SetupTest() {
	s.store = &racingStore{MemoryStore: store.NewMemoryStore(nil)}
	s.machine = lifecycle.New(s.store, nil)
	s.ctx = context.Background()
}

func (s *MachineSuite) seed(status models.Status) uuid.UUID {
	now := time.Now().UTC()
	doc := &models.Document{
		ID:               uuid.New(),
		ContentHash:      uuid.NewString() + uuid.NewString()[:28],
		Title:            "Paper",
		TitleNormalized:  "paper",
		SourceMetadata:   models.SourceMetadata{},
		Status:           status,
		ArtifactPointers: models.ArtifactPointers{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if status == models.StatusFailed {
		doc.ErrorMessage = "boom"
	}
	_, created, err := s.store.UpsertOrFind(s.ctx, doc)
	s.Require().NoError(err)
	s.Require().True(created)
	return doc.ID
}

func (s *MachineSuite) audit(id uuid.UUID) []*models.AuditEntry {
	entries, err := s.store.ListAudit(s.ctx, id)
	s.Require().NoError(err)
	return entries
}

func (s *MachineSuite) TestAcceptedTransition() {
	id := s.seed(models.StatusRegistered)

	res, err := s.machine.Apply(s.ctx, id, lifecycle.Request{Target: models.StatusProcessing, WorkerID: "w1"})
	s.Require().NoError(err)
	s.False(res.Rejected())
	s.NoError(res.Err())
	s.Equal(models.StatusRegistered, res.Previous)
	s.Equal(models.StatusProcessing, res.Document.Status)

	entries := s.audit(id)
	s.Require().Len(entries, 1)
	s.Equal(models.AuditAccepted, entries[0].Outcome)
	s.Equal(models.StatusRegistered, entries[0].PreviousState)
	s.Equal(models.StatusProcessing, entries[0].NewState)
	s.Equal("w1", entries[0].WorkerID)
}

func (s *MachineSuite) TestTransitionTable() {
	for _, from := range models.Statuses {
		for _, to := range models.Statuses {
			s.Run(string(from)+"->"+string(to), func() {
				s.SetupTest()
				id := s.seed(from)
				req := lifecycle.Request{Target: to, WorkerID: "w1"}
				if to == models.StatusFailed {
					req.ErrorMessage = "parse error"
				}
				res, err := s.machine.Apply(s.ctx, id, req)
				s.Require().NoError(err)

				if from.CanTransitionTo(to) {
					s.Equal(models.AuditAccepted, res.Outcome)
					s.Equal(to, res.Document.Status)
					return
				}
				s.Equal(models.AuditRejectedInvalid, res.Outcome)
				s.True(dErrors.Is(res.Err(), dErrors.CodeInvalidStateTransition))
				doc, err := s.store.GetByID(s.ctx, id)
				s.Require().NoError(err)
				s.Equal(from, doc.Status)
			})
		}
	}
}

func (s *MachineSuite) TestExpectedStateMismatch() {
	id := s.seed(models.StatusProcessing)

	res, err := s.machine.Apply(s.ctx, id, lifecycle.Request{
		Target:   models.StatusProcessing,
		Expected: models.StatusRegistered,
		WorkerID: "w2",
	})
	s.Require().NoError(err)
	s.Equal(models.AuditRejectedConflict, res.Outcome)
	s.True(dErrors.Is(res.Err(), dErrors.CodeStateConflict))

	entries := s.audit(id)
	s.Require().Len(entries, 1)
	s.Equal(models.AuditRejectedConflict, entries[0].Outcome)
}

func (s *MachineSuite) TestLostCASRetriesWithoutExpectedState() {
	id := s.seed(models.StatusRegistered)
	s.store.lose = 1

	res, err := s.machine.Apply(s.ctx, id, lifecycle.Request{Target: models.StatusProcessing, WorkerID: "w1"})
	s.Require().NoError(err)
	s.Equal(models.AuditAccepted, res.Outcome)
	s.Len(s.audit(id), 1)
}

func (s *MachineSuite) TestLostCASGivesUpAfterRetries() {
	id := s.seed(models.StatusRegistered)
	s.store.lose = 10

	res, err := s.machine.Apply(s.ctx, id, lifecycle.Request{Target: models.StatusProcessing, WorkerID: "w1"})
	s.Require().NoError(err)
	s.Equal(models.AuditRejectedConflict, res.Outcome)
	s.Equal(7, s.store.lose)
	s.Len(s.audit(id), 1)
}

func (s *MachineSuite) TestLostCASWithExpectedStateDoesNotRetry() {
	id := s.seed(models.StatusRegistered)
	s.store.lose = 10

	res, err := s.machine.Apply(s.ctx, id, lifecycle.Request{
		Target:   models.StatusProcessing,
		Expected: models.StatusRegistered,
		WorkerID: "w1",
	})
	s.Require().NoError(err)
	s.Equal(models.AuditRejectedConflict, res.Outcome)
	s.Equal(9, s.store.lose)
}

func (s *MachineSuite) TestFailedCarriesAndClearsErrorMessage() {
	id := s.seed(models.StatusProcessing)

	res, err := s.machine.Apply(s.ctx, id, lifecycle.Request{
		Target: models.StatusFailed, WorkerID: "w1", ErrorMessage: "  parse error ",
	})
	s.Require().NoError(err)
	s.Equal("parse error", res.Document.ErrorMessage)

	res, err = s.machine.Apply(s.ctx, id, lifecycle.Request{Target: models.StatusProcessing, WorkerID: "w1"})
	s.Require().NoError(err)
	s.Empty(res.Document.ErrorMessage)
}

func (s *MachineSuite) TestUnknownAndDeletedDocuments() {
	_, err := s.machine.Apply(s.ctx, uuid.New(), lifecycle.Request{Target: models.StatusProcessing, WorkerID: "w1"})
	s.True(dErrors.Is(err, dErrors.CodeNotFound))

	id := s.seed(models.StatusRegistered)
	_, err = s.store.SoftDelete(s.ctx, id, time.Now())
	s.Require().NoError(err)
	_, err = s.machine.Apply(s.ctx, id, lifecycle.Request{Target: models.StatusProcessing, WorkerID: "w1"})
	s.True(dErrors.Is(err, dErrors.CodeNotFound))
	s.Empty(s.audit(id))
}

func TestRequestValidate(t *testing.T) {
	tests := []struct {
		name  string
		req   lifecycle.Request
		field string
	}{
		{"unknown target", lifecycle.Request{Target: "archived", WorkerID: "w"}, "state"},
		{"unknown expected", lifecycle.Request{Target: models.StatusProcessing, Expected: "x", WorkerID: "w"}, "expected_state"},
		{"missing worker", lifecycle.Request{Target: models.StatusProcessing}, "worker_id"},
		{"failed without message", lifecycle.Request{Target: models.StatusFailed, WorkerID: "w"}, "error_message"},
		{"message on success", lifecycle.Request{Target: models.StatusIndexed, WorkerID: "w", ErrorMessage: "x"}, "error_message"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			require.Error(t, err)
			de, ok := dErrors.As(err)
			require.True(t, ok)
			assert.Equal(t, dErrors.CodeValidation, de.Code)
			assert.Equal(t, tt.field, de.Details["field"])
		})
	}

	assert.NoError(t, lifecycle.Request{Target: models.StatusFailed, WorkerID: "w", ErrorMessage: "x"}.Validate())
}
