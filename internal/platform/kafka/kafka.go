// Package kafka builds the franz-go client used by the outbox transport.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"heliograph/internal/platform/config"
)

// NewClient creates a producer client. Records with the same key land on
// the same partition so events of one document stay ordered.
func NewClient(cfg config.Kafka) (*kgo.Client, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.RecordPartitioner(kgo.StickyKeyPartitioner(nil)),
		kgo.DefaultProduceTopic(cfg.Topic),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return client, nil
}

// EnsureTopics creates the event and dead-letter topics. Topics that
// already exist are left alone.
func EnsureTopics(ctx context.Context, client *kgo.Client, cfg config.Kafka, logger *slog.Logger) error {
	adm := kadm.NewClient(client)
	topics := []string{cfg.Topic}
	if cfg.DeadLetterTopic != "" && cfg.DeadLetterTopic != cfg.Topic {
		topics = append(topics, cfg.DeadLetterTopic)
	}
	resp, err := adm.CreateTopics(ctx, cfg.Partitions, cfg.Replication, nil, topics...)
	if err != nil {
		return fmt.Errorf("create topics: %w", err)
	}
	var errs []error
	for _, t := range resp.Sorted() {
		switch {
		case t.Err == nil:
			logger.InfoContext(ctx, "kafka topic created", "topic", t.Topic, "partitions", cfg.Partitions)
		case errors.Is(t.Err, kerr.TopicAlreadyExists):
		default:
			errs = append(errs, fmt.Errorf("create topic %s: %w", t.Topic, t.Err))
		}
	}
	return errors.Join(errs...)
}

// Pinger adapts a client to the readiness check.
type Pinger struct {
	Client *kgo.Client
}

func (p Pinger) Ping(ctx context.Context) error {
	if err := p.Client.Ping(ctx); err != nil {
		return fmt.Errorf("kafka ping: %w", err)
	}
	return nil
}
