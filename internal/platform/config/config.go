package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the process configuration, read from REGISTRY_* variables.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	Server    Server
	RateLimit RateLimit
	Database  Database
	Redis     Redis
	Kafka     Kafka
	Dedup     Dedup
	Outbox    Outbox
	Log       Log
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string        `env:"ADDR" envDefault:":8080"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	IdempotencyTTL  time.Duration `env:"IDEMPOTENCY_TTL" envDefault:"24h"`
	// EmbedWorkers runs the outbox forwarder and dead-letter router inside serve.
	EmbedWorkers bool `env:"EMBED_WORKERS" envDefault:"true"`
}

// RateLimit bounds registry requests per client IP with a token bucket.
// Buckets idle for IdleTTL are dropped and start full again.
type RateLimit struct {
	Enabled           bool          `env:"RATE_LIMIT_ENABLED" envDefault:"true"`
	RequestsPerMinute int           `env:"RATE_LIMIT_REQUESTS_PER_MINUTE" envDefault:"600"`
	Burst             int           `env:"RATE_LIMIT_BURST" envDefault:"60"`
	IdleTTL           time.Duration `env:"RATE_LIMIT_IDLE_TTL" envDefault:"10m"`
}

// Database configures the Postgres connection. An empty URL selects the
// in-memory store.
type Database struct {
	URL             string        `env:"DATABASE_URL"`
	Driver          string        `env:"DATABASE_DRIVER" envDefault:"pgx"`
	MaxOpenConns    int           `env:"DATABASE_MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns    int           `env:"DATABASE_MAX_IDLE_CONNS" envDefault:"5"`
	ConnMaxLifetime time.Duration `env:"DATABASE_CONN_MAX_LIFETIME" envDefault:"30m"`
	TxTimeout       time.Duration `env:"DATABASE_TX_TIMEOUT" envDefault:"5s"`
	AutoMigrate     bool          `env:"DATABASE_AUTO_MIGRATE" envDefault:"false"`
}

// Redis configures the idempotency cache. An empty URL selects the
// in-process cache.
type Redis struct {
	URL          string        `env:"REDIS_URL"`
	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s"`
}

// Kafka configures the event transport. No brokers selects the log transport.
type Kafka struct {
	Brokers         []string `env:"KAFKA_BROKERS" envSeparator:","`
	ClientID        string   `env:"KAFKA_CLIENT_ID" envDefault:"document-registry"`
	Topic           string   `env:"KAFKA_TOPIC" envDefault:"registry.documents"`
	DeadLetterTopic string   `env:"KAFKA_DEAD_LETTER_TOPIC" envDefault:"registry.documents.dlq"`
	Partitions      int32    `env:"KAFKA_PARTITIONS" envDefault:"3"`
	Replication     int16    `env:"KAFKA_REPLICATION" envDefault:"1"`
	EnsureTopics    bool     `env:"KAFKA_ENSURE_TOPICS" envDefault:"true"`
}

// Dedup tunes fuzzy title matching.
type Dedup struct {
	FuzzyThreshold float64 `env:"DEDUP_FUZZY_THRESHOLD" envDefault:"0.90"`
	CandidateLimit int     `env:"DEDUP_CANDIDATE_LIMIT" envDefault:"500"`
}

// Outbox tunes event delivery.
type Outbox struct {
	Source         string        `env:"OUTBOX_SOURCE" envDefault:"/document-registry"`
	BatchSize      int           `env:"OUTBOX_BATCH_SIZE" envDefault:"100"`
	PollInterval   time.Duration `env:"OUTBOX_POLL_INTERVAL" envDefault:"500ms"`
	LeaseTTL       time.Duration `env:"OUTBOX_LEASE_TTL" envDefault:"30s"`
	PublishTimeout time.Duration `env:"OUTBOX_PUBLISH_TIMEOUT" envDefault:"10s"`
	MaxAttempts    int           `env:"OUTBOX_MAX_ATTEMPTS" envDefault:"10"`
	RetryBackoff   time.Duration `env:"OUTBOX_RETRY_BACKOFF" envDefault:"1s"`
	RetryMaxDelay  time.Duration `env:"OUTBOX_RETRY_MAX_DELAY" envDefault:"5m"`
	DeadLetterPoll time.Duration `env:"OUTBOX_DEAD_LETTER_POLL" envDefault:"5s"`
}

// Log selects level and format.
type Log struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT"`
}

// Prefix namespaces every variable.
const Prefix = "REGISTRY_"

// FromEnv parses the process environment.
func FromEnv() (*Config, error) {
	return Parse(env.Options{Prefix: Prefix})
}

// Parse reads configuration with explicit options. Tests pass Environment
// to avoid touching the process environment.
func Parse(opts env.Options) (*Config, error) {
	if opts.Prefix == "" {
		opts.Prefix = Prefix
	}
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	if c.Dedup.FuzzyThreshold <= 0 || c.Dedup.FuzzyThreshold > 1 {
		errs = append(errs, fmt.Errorf("%sDEDUP_FUZZY_THRESHOLD must be in (0, 1], got %v", Prefix, c.Dedup.FuzzyThreshold))
	}
	if c.Dedup.CandidateLimit <= 0 {
		errs = append(errs, fmt.Errorf("%sDEDUP_CANDIDATE_LIMIT must be positive", Prefix))
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.RequestsPerMinute <= 0 {
			errs = append(errs, fmt.Errorf("%sRATE_LIMIT_REQUESTS_PER_MINUTE must be positive", Prefix))
		}
		if c.RateLimit.Burst <= 0 {
			errs = append(errs, fmt.Errorf("%sRATE_LIMIT_BURST must be positive", Prefix))
		}
	}
	if c.Outbox.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("%sOUTBOX_MAX_ATTEMPTS must be positive", Prefix))
	}
	switch c.Database.Driver {
	case "pgx", "postgres":
	default:
		errs = append(errs, fmt.Errorf("%sDATABASE_DRIVER must be pgx or postgres, got %q", Prefix, c.Database.Driver))
	}
	return errors.Join(errs...)
}

// IsProduction reports whether the process runs in production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
