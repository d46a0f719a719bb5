package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"heliograph/pkg/platform/sentinel"
)

// Config tunes the forwarder.
type Config struct {
	Owner          string
	Topic          string
	Source         string
	BatchSize      int
	PollInterval   time.Duration
	LeaseTTL       time.Duration
	PublishTimeout time.Duration
	MaxAttempts    int
	RetryBackoff   time.Duration
	RetryMaxDelay  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Owner == "" {
		host, _ := os.Hostname()
		c.Owner = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if c.Source == "" {
		c.Source = "/registry"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 5 * time.Minute
	}
	return c
}

// Option configures a Forwarder or DeadLetterRouter.
type Option func(*workerDeps)

type workerDeps struct {
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time
}

// WithLogger sets the worker logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *workerDeps) {
		d.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *Metrics) Option {
	return func(d *workerDeps) {
		d.metrics = m
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *workerDeps) {
		d.now = now
	}
}

func buildDeps(opts []Option) workerDeps {
	d := workerDeps{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&d)
	}
	return d
}

// Forwarder leases due outbox rows and publishes them with retry and
// exponential backoff. Instances coordinate only through leases.
type Forwarder struct {
	store     Store
	transport Transport
	cfg       Config
	workerDeps
}

func NewForwarder(store Store, transport Transport, cfg Config, opts ...Option) *Forwarder {
	return &Forwarder{
		store:      store,
		transport:  transport,
		cfg:        cfg.withDefaults(),
		workerDeps: buildDeps(opts),
	}
}

// Run polls until ctx is cancelled. A full batch is followed immediately by
// the next one.
func (f *Forwarder) Run(ctx context.Context) error {
	f.logger.InfoContext(ctx, "outbox forwarder started",
		"owner", f.cfg.Owner,
		"topic", f.cfg.Topic,
		"batch_size", f.cfg.BatchSize,
	)
	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()

	for {
		n, err := f.ProcessBatch(ctx)
		if err != nil && ctx.Err() == nil {
			f.logger.ErrorContext(ctx, "outbox batch failed", "error", err)
		}
		if ctx.Err() != nil {
			f.logger.InfoContext(ctx, "outbox forwarder stopped", "owner", f.cfg.Owner)
			return nil
		}
		if n == f.cfg.BatchSize {
			continue
		}
		select {
		case <-ctx.Done():
			f.logger.InfoContext(ctx, "outbox forwarder stopped", "owner", f.cfg.Owner)
			return nil
		case <-ticker.C:
		}
	}
}

// ProcessBatch leases one batch and attempts delivery of each row. It returns
// the number of rows leased.
func (f *Forwarder) ProcessBatch(ctx context.Context) (int, error) {
	events, err := f.store.Lease(ctx, f.cfg.Owner, f.cfg.BatchSize, f.now(), f.cfg.LeaseTTL)
	if err != nil {
		return 0, fmt.Errorf("lease outbox rows: %w", err)
	}
	for _, e := range events {
		if ctx.Err() != nil {
			break
		}
		f.deliver(ctx, e)
	}
	if counts, err := f.store.CountByStatus(ctx); err == nil {
		f.metrics.SetRows(counts)
	}
	return len(events), nil
}

func (f *Forwarder) deliver(ctx context.Context, e *Event) {
	// Abandoned leases count as attempts, so a row that keeps killing its
	// worker mid-publish runs out here instead of being retried forever.
	if e.AttemptCount >= f.cfg.MaxAttempts {
		f.markDead(ctx, e, errors.New("lease expired without delivery"), f.now())
		return
	}

	err := f.publish(ctx, e)
	now := f.now()
	if err == nil {
		if markErr := f.store.MarkDelivered(ctx, e.ID, f.cfg.Owner, now); markErr != nil {
			f.logMarkError(ctx, e, "delivered", markErr)
			return
		}
		f.metrics.IncDelivered(e.EventType)
		return
	}

	f.metrics.IncPublishFailure(e.EventType)
	attempts := e.AttemptCount + 1
	if attempts >= f.cfg.MaxAttempts {
		f.markDead(ctx, e, err, now)
		return
	}

	next := now.Add(Backoff(attempts, f.cfg.RetryBackoff, f.cfg.RetryMaxDelay))
	if markErr := f.store.MarkRetry(ctx, e.ID, f.cfg.Owner, next, err.Error(), now); markErr != nil {
		f.logMarkError(ctx, e, "retry", markErr)
		return
	}
	f.logger.WarnContext(ctx, "outbox publish failed, will retry",
		"event_id", e.ID,
		"event_type", e.EventType,
		"attempts", attempts,
		"next_attempt_at", next,
		"error", err,
	)
}

func (f *Forwarder) markDead(ctx context.Context, e *Event, cause error, now time.Time) {
	if markErr := f.store.MarkDead(ctx, e.ID, f.cfg.Owner, cause.Error(), now); markErr != nil {
		f.logMarkError(ctx, e, "dead", markErr)
		return
	}
	f.metrics.IncDeadLettered(e.EventType)
	f.logger.ErrorContext(ctx, "ALERT: outbox event dead-lettered",
		"event_id", e.ID,
		"event_type", e.EventType,
		"aggregate_id", e.AggregateID,
		"attempts", e.AttemptCount+1,
		"error", cause,
	)
}

func (f *Forwarder) publish(ctx context.Context, e *Event) error {
	msg, err := Encode(e, f.cfg.Source, f.cfg.Topic)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, f.cfg.PublishTimeout)
	defer cancel()
	start := f.now()
	err = f.transport.Publish(ctx, msg)
	f.metrics.ObservePublish(f.now().Sub(start))
	return err
}

func (f *Forwarder) logMarkError(ctx context.Context, e *Event, target string, err error) {
	if errors.Is(err, sentinel.ErrLeaseLost) {
		f.logger.WarnContext(ctx, "outbox lease lost before mark",
			"event_id", e.ID,
			"target", target,
		)
		return
	}
	f.logger.ErrorContext(ctx, "failed to update outbox row",
		"event_id", e.ID,
		"target", target,
		"error", err,
	)
}
