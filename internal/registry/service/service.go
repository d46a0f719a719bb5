package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"heliograph/internal/outbox"
	"heliograph/internal/registry/dedup"
	"heliograph/internal/registry/lifecycle"
	"heliograph/internal/registry/metrics"
	"heliograph/internal/registry/models"
	dErrors "heliograph/pkg/domain-errors"
	"heliograph/pkg/platform/sentinel"
)

const tracerName = "heliograph/registry"

// Store is the full persistence surface of the registry.
type Store interface {
	dedup.Store
	lifecycle.Store
	ListProvenance(ctx context.Context, id uuid.UUID) ([]*models.Provenance, error)
	ListAudit(ctx context.Context, id uuid.UUID) ([]*models.AuditEntry, error)
	List(ctx context.Context, filter models.ListFilter) ([]*models.Document, error)
	SoftDelete(ctx context.Context, id uuid.UUID, at time.Time) (*models.Document, error)
	Restore(ctx context.Context, id uuid.UUID, at time.Time) (*models.Document, error)
}

// TxRunner runs fn in a transaction carried by ctx. Store and outbox calls
// made with that ctx commit or roll back together.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Service registers documents, resolves duplicates and drives the document
// lifecycle. Every state change commits together with its outbox event.
type Service struct {
	store    Store
	tx       TxRunner
	events   outbox.Writer
	dedupCfg dedup.Config
	dedup    *dedup.Engine
	machine  *lifecycle.Machine
	logger   *slog.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
}

type Option func(s *Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithDedupConfig overrides the fuzzy-match threshold and candidate limit.
func WithDedupConfig(cfg dedup.Config) Option {
	return func(s *Service) {
		s.dedupCfg = cfg
	}
}

// WithTracer sets the tracer for operation spans. A nil tracer keeps the
// global provider's tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// New constructs a Service.
func New(store Store, tx TxRunner, events outbox.Writer, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("registry service: store is required")
	}
	if tx == nil {
		return nil, errors.New("registry service: tx runner is required")
	}
	if events == nil {
		return nil, errors.New("registry service: outbox writer is required")
	}
	s := &Service{
		store:  store,
		tx:     tx,
		events: events,
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.dedup = dedup.New(store, s.dedupCfg, s.logger)
	s.machine = lifecycle.New(store, s.logger)
	return s, nil
}

// translate maps storage facts to domain codes. Coded errors pass through.
func (s *Service) translate(ctx context.Context, span trace.Span, op string, err error) error {
	if err == nil {
		return nil
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	if _, ok := dErrors.As(err); ok {
		return err
	}
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.Wrap(err, dErrors.CodeNotFound, "document not found")
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.Wrap(err, dErrors.CodeConflict, "conflicting concurrent update, retry the request")
	case errors.Is(err, sentinel.ErrUnavailable):
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "registry store unavailable")
	case errors.Is(err, context.DeadlineExceeded):
		return dErrors.Wrap(err, dErrors.CodeTimeout, "operation timed out")
	}
	s.logger.ErrorContext(ctx, "registry operation failed",
		"operation", op,
		"error", err,
	)
	return dErrors.Wrap(err, dErrors.CodeInternal, op+" failed")
}

func (s *Service) observe(op string, start time.Time) {
	s.metrics.ObserveOperation(op, time.Since(start))
}
