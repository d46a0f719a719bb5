package outbox

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// DeadLetterConfig tunes the dead-letter router.
type DeadLetterConfig struct {
	Topic        string
	Source       string
	BatchSize    int
	PollInterval time.Duration
	// LeaseTTL bounds how long a claimed row stays hidden from other
	// routers before it is confirmed or released.
	LeaseTTL time.Duration
}

// DeadLetterRouter publishes rows that exhausted their attempts to the
// dead-letter topic and confirms them as routed once the publish succeeds.
type DeadLetterRouter struct {
	store     Store
	transport Transport
	cfg       DeadLetterConfig
	workerDeps
}

func NewDeadLetterRouter(store Store, transport Transport, cfg DeadLetterConfig, opts ...Option) *DeadLetterRouter {
	if cfg.Source == "" {
		cfg.Source = "/registry"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = time.Minute
	}
	return &DeadLetterRouter{
		store:      store,
		transport:  transport,
		cfg:        cfg,
		workerDeps: buildDeps(opts),
	}
}

// Run polls until ctx is cancelled.
func (r *DeadLetterRouter) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "dead-letter router started", "topic", r.cfg.Topic)
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := r.RouteBatch(ctx); err != nil && ctx.Err() == nil {
			r.logger.ErrorContext(ctx, "dead-letter batch failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RouteBatch claims unrouted dead rows and publishes each. Rows whose publish
// fails are released for the next poll; rows the router never gets back to
// become claimable when their lease expires. It returns the number routed.
func (r *DeadLetterRouter) RouteBatch(ctx context.Context) (int, error) {
	events, err := r.store.ClaimDeadLetters(ctx, r.cfg.BatchSize, r.now(), r.cfg.LeaseTTL)
	if err != nil {
		return 0, fmt.Errorf("claim dead letters: %w", err)
	}
	routed := 0
	for _, e := range events {
		if err := r.route(ctx, e); err != nil {
			r.logger.ErrorContext(ctx, "failed to route dead letter",
				"event_id", e.ID,
				"event_type", e.EventType,
				"error", err,
			)
			if relErr := r.store.ReleaseDeadLetter(ctx, e.ID); relErr != nil {
				r.logger.ErrorContext(ctx, "failed to release dead letter", "event_id", e.ID, "error", relErr)
			}
			continue
		}
		if err := r.store.ConfirmDeadLetter(ctx, e.ID, r.now()); err != nil {
			r.logger.ErrorContext(ctx, "failed to confirm dead letter", "event_id", e.ID, "error", err)
			continue
		}
		routed++
		r.metrics.IncDeadLetterRouted()
	}
	return routed, nil
}

func (r *DeadLetterRouter) route(ctx context.Context, e *Event) error {
	msg, err := Encode(e, r.cfg.Source, r.cfg.Topic)
	if err != nil {
		return err
	}
	msg.Headers["dead_letter_reason"] = e.LastError
	msg.Headers["dead_letter_attempts"] = strconv.Itoa(e.AttemptCount)
	return r.transport.Publish(ctx, msg)
}
