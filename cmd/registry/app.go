package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	httpapi "heliograph/internal/http"
	"heliograph/internal/outbox"
	"heliograph/internal/platform/config"
	"heliograph/internal/platform/health"
	"heliograph/internal/platform/idempotency"
	"heliograph/internal/platform/kafka"
	"heliograph/internal/platform/metrics"
	"heliograph/internal/platform/postgres"
	"heliograph/internal/platform/ratelimit"
	redisclient "heliograph/internal/platform/redis"
	"heliograph/internal/registry/dedup"
	"heliograph/internal/registry/handler"
	regmetrics "heliograph/internal/registry/metrics"
	"heliograph/internal/registry/service"
	"heliograph/internal/registry/store"
	txcontext "heliograph/pkg/platform/tx"
)

const readinessTimeout = 2 * time.Second

// app holds the process-wide resources shared by the commands.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	health  *health.Handler

	db    *sql.DB
	redis *redisclient.Client
	kafka *kgo.Client

	service       *service.Service
	outbox        outbox.Store
	transport     outbox.Transport
	idempotency   idempotency.Store
	outboxMetrics *outbox.Metrics
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New(),
		health:  health.New(logger, readinessTimeout),
	}
	a.outboxMetrics = outbox.NewMetrics(a.metrics.Registerer())

	steps := []func(context.Context) error{a.openStorage, a.openTransport, a.openIdempotency}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

func (a *app) memoryMode() bool {
	return a.cfg.Database.URL == ""
}

func (a *app) openStorage(ctx context.Context) error {
	opts := []service.Option{
		service.WithLogger(a.logger),
		service.WithMetrics(regmetrics.New(a.metrics.Registerer())),
		service.WithDedupConfig(dedup.Config{
			Threshold:      a.cfg.Dedup.FuzzyThreshold,
			CandidateLimit: a.cfg.Dedup.CandidateLimit,
		}),
	}

	if a.memoryMode() {
		a.logger.WarnContext(ctx, "no database configured, records are kept in memory")
		mem := store.NewMemoryStore(outbox.NewMemoryStore())
		svc, err := service.New(mem, mem, mem, opts...)
		if err != nil {
			return err
		}
		a.service, a.outbox = svc, mem.Events()
		a.health.Add("database", mem)
		return nil
	}

	if a.cfg.Database.AutoMigrate {
		if err := postgres.Migrate(ctx, a.cfg.Database); err != nil {
			return err
		}
		a.logger.InfoContext(ctx, "database migrations applied")
	}
	db, err := postgres.Open(ctx, a.cfg.Database)
	if err != nil {
		return err
	}
	a.db = db

	pg := store.NewPostgresStore(db)
	events := outbox.NewPostgresStore(db)
	svc, err := service.New(pg, txcontext.NewRunner(db, a.cfg.Database.TxTimeout), events, opts...)
	if err != nil {
		return err
	}
	a.service, a.outbox = svc, events
	a.health.Add("database", pg)
	a.logger.InfoContext(ctx, "connected to postgres", "driver", a.cfg.Database.Driver)
	return nil
}

func (a *app) openTransport(ctx context.Context) error {
	if len(a.cfg.Kafka.Brokers) == 0 {
		a.logger.WarnContext(ctx, "no kafka brokers configured, events are written to the log")
		a.transport = outbox.NewLogTransport(a.logger)
		return nil
	}
	client, err := kafka.NewClient(a.cfg.Kafka)
	if err != nil {
		return err
	}
	a.kafka = client
	if a.cfg.Kafka.EnsureTopics {
		if err := kafka.EnsureTopics(ctx, client, a.cfg.Kafka, a.logger); err != nil {
			return err
		}
	}
	a.transport = outbox.NewKafkaTransport(client)
	a.health.Add("kafka", kafka.Pinger{Client: client})
	return nil
}

func (a *app) openIdempotency(ctx context.Context) error {
	client, err := redisclient.New(ctx, a.cfg.Redis)
	if err != nil {
		return err
	}
	if client == nil {
		a.idempotency = idempotency.NewMemoryStore(idempotency.DefaultCleanupInterval)
		return nil
	}
	a.redis = client
	a.idempotency = idempotency.NewRedisStore(client.Client)
	a.health.Add("redis", client)
	return nil
}

func (a *app) router() http.Handler {
	var limiter *ratelimit.Limiter
	if rl := a.cfg.RateLimit; rl.Enabled {
		limiter = ratelimit.New(rl.RequestsPerMinute, rl.Burst, rl.IdleTTL)
	} else {
		a.logger.Info("rate limiting disabled")
	}
	return httpapi.NewRouter(httpapi.Deps{
		Logger:         a.logger,
		Metrics:        a.metrics,
		Registry:       handler.New(a.service, a.logger),
		Health:         a.health,
		Idempotency:    a.idempotency,
		IdempotencyTTL: a.cfg.Server.IdempotencyTTL,
		RequestTimeout: a.cfg.Server.RequestTimeout,
		RateLimiter:    limiter,
	})
}

func (a *app) forwarder() *outbox.Forwarder {
	oc := a.cfg.Outbox
	return outbox.NewForwarder(a.outbox, a.transport, outbox.Config{
		Topic:          a.cfg.Kafka.Topic,
		Source:         oc.Source,
		BatchSize:      oc.BatchSize,
		PollInterval:   oc.PollInterval,
		LeaseTTL:       oc.LeaseTTL,
		PublishTimeout: oc.PublishTimeout,
		MaxAttempts:    oc.MaxAttempts,
		RetryBackoff:   oc.RetryBackoff,
		RetryMaxDelay:  oc.RetryMaxDelay,
	}, outbox.WithLogger(a.logger), outbox.WithMetrics(a.outboxMetrics))
}

func (a *app) deadLetterRouter() *outbox.DeadLetterRouter {
	return outbox.NewDeadLetterRouter(a.outbox, a.transport, outbox.DeadLetterConfig{
		Topic:        a.cfg.Kafka.DeadLetterTopic,
		Source:       a.cfg.Outbox.Source,
		BatchSize:    a.cfg.Outbox.BatchSize,
		PollInterval: a.cfg.Outbox.DeadLetterPoll,
		LeaseTTL:     a.cfg.Outbox.LeaseTTL,
	}, outbox.WithLogger(a.logger), outbox.WithMetrics(a.outboxMetrics))
}

// Close releases clients in reverse order of acquisition.
func (a *app) Close() {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.kafka != nil {
		a.kafka.Close()
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Error("failed to release resources", "error", err)
	}
}
