package outbox

import (
	"context"
	"fmt"
	"log/slog"

	ce "github.com/cloudevents/sdk-go/v2/event"
)

// EventTypePrefix namespaces CloudEvents types emitted by the registry.
const EventTypePrefix = "registry."

// Message is a transport-neutral record ready to publish.
type Message struct {
	Topic   string
	Key     []byte
	Value   []byte
	Headers map[string]string
}

// Transport publishes encoded messages. Publish returns only after the
// broker acknowledged the message or the attempt failed.
type Transport interface {
	Publish(ctx context.Context, msg Message) error
}

// Encode wraps an outbox row in a structured-mode CloudEvents 1.0 envelope
// keyed by aggregate id.
func Encode(e *Event, source, topic string) (Message, error) {
	ev := ce.New()
	ev.SetID(e.ID.String())
	ev.SetSource(source)
	ev.SetType(EventTypePrefix + e.EventType)
	ev.SetSubject(e.AggregateID)
	ev.SetTime(e.CreatedAt)
	if e.CorrelationID != "" {
		ev.SetExtension("correlationid", e.CorrelationID)
	}
	if err := ev.SetData(ce.ApplicationJSON, []byte(e.Payload)); err != nil {
		return Message{}, fmt.Errorf("set event data: %w", err)
	}
	if err := ev.Validate(); err != nil {
		return Message{}, fmt.Errorf("invalid cloudevent: %w", err)
	}
	value, err := ev.MarshalJSON()
	if err != nil {
		return Message{}, fmt.Errorf("marshal cloudevent: %w", err)
	}
	return Message{
		Topic: topic,
		Key:   []byte(e.AggregateID),
		Value: value,
		Headers: map[string]string{
			"content-type": "application/cloudevents+json",
			"ce_type":      ev.Type(),
			"ce_id":        ev.ID(),
		},
	}, nil
}

// LogTransport writes messages to the logger instead of a broker. It backs
// local runs without Kafka.
type LogTransport struct {
	logger *slog.Logger
}

func NewLogTransport(logger *slog.Logger) *LogTransport {
	return &LogTransport{logger: logger}
}

func (t *LogTransport) Publish(ctx context.Context, msg Message) error {
	t.logger.InfoContext(ctx, "outbox message",
		"topic", msg.Topic,
		"key", string(msg.Key),
		"type", msg.Headers["ce_type"],
		"bytes", len(msg.Value),
	)
	return nil
}
