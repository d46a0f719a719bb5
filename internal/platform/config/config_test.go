package config

import (
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse(env.Options{Environment: map[string]string{}})
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.True(t, cfg.Server.EmbedWorkers)
	assert.Equal(t, "pgx", cfg.Database.Driver)
	assert.Empty(t, cfg.Database.URL)
	assert.Equal(t, 0.90, cfg.Dedup.FuzzyThreshold)
	assert.Equal(t, 500, cfg.Dedup.CandidateLimit)
	assert.Equal(t, 10, cfg.Outbox.MaxAttempts)
	assert.Equal(t, 5*time.Minute, cfg.Outbox.RetryMaxDelay)
	assert.Equal(t, "registry.documents", cfg.Kafka.Topic)
	assert.True(t, cfg.RateLimit.Enabled)
	assert.Equal(t, 600, cfg.RateLimit.RequestsPerMinute)
	assert.Equal(t, 60, cfg.RateLimit.Burst)
	assert.False(t, cfg.IsProduction())
}

func TestParseOverrides(t *testing.T) {
	cfg, err := Parse(env.Options{Environment: map[string]string{
		"REGISTRY_ENVIRONMENT":           "production",
		"REGISTRY_ADDR":                  ":9090",
		"REGISTRY_DATABASE_URL":          "postgres://localhost/registry",
		"REGISTRY_DATABASE_DRIVER":       "postgres",
		"REGISTRY_KAFKA_BROKERS":         "k1:9092,k2:9092",
		"REGISTRY_DEDUP_FUZZY_THRESHOLD": "0.95",
		"REGISTRY_OUTBOX_RETRY_BACKOFF":  "250ms",
		"REGISTRY_RATE_LIMIT_BURST":      "5",
	}})
	require.NoError(t, err)

	assert.True(t, cfg.IsProduction())
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 0.95, cfg.Dedup.FuzzyThreshold)
	assert.Equal(t, 250*time.Millisecond, cfg.Outbox.RetryBackoff)
	assert.Equal(t, 5, cfg.RateLimit.Burst)
}

func TestParseRejectsInvalidValues(t *testing.T) {
	tests := map[string]map[string]string{
		"threshold above one": {"REGISTRY_DEDUP_FUZZY_THRESHOLD": "1.5"},
		"zero attempts":       {"REGISTRY_OUTBOX_MAX_ATTEMPTS": "0"},
		"unknown driver":      {"REGISTRY_DATABASE_DRIVER": "mysql"},
		"malformed duration":  {"REGISTRY_OUTBOX_LEASE_TTL": "soon"},
		"zero burst":          {"REGISTRY_RATE_LIMIT_BURST": "0"},
		"negative rate":       {"REGISTRY_RATE_LIMIT_REQUESTS_PER_MINUTE": "-1"},
	}
	for name, vars := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(env.Options{Environment: vars})
			assert.Error(t, err)
		})
	}
}
