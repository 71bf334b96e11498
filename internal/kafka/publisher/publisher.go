package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/rs/zerolog"

	"github.com/example/wa-gateway/internal/kafka/producer"
	"github.com/example/wa-gateway/internal/models"
)

var errProducerNotInitialised = errors.New("kafka publisher: producer not initialised")

var jsonHeaders = map[string][]byte{
	"content-type": []byte("application/json"),
}

// SyncProducer captures the blocking publish path.
type SyncProducer interface {
	PublishSync(ctx context.Context, msg producer.Message) error
}

// AsyncProducer captures the fire-and-forget publish path.
type AsyncProducer interface {
	PublishAsync(msg producer.Message) error
}

// ErrProducerNotInitialised exposes the sentinel error for callers and tests.
func ErrProducerNotInitialised() error {
	return errProducerNotInitialised
}

// StatusPublisher emits send-command status events.
type StatusPublisher struct {
	producer SyncProducer
	topic    string
	logger   zerolog.Logger
}

// NewStatusPublisher constructs a StatusPublisher instance.
func NewStatusPublisher(prod SyncProducer, topic string, logger zerolog.Logger) *StatusPublisher {
	if prod == nil {
		return nil
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &StatusPublisher{
		producer: prod,
		topic:    topic,
		logger:   logger,
	}
}

// PublishStatus writes the supplied status event to Kafka synchronously.
func (p *StatusPublisher) PublishStatus(ctx context.Context, event models.StatusEvent) error {
	if p == nil || p.producer == nil {
		return errProducerNotInitialised
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("kafka publisher: marshal status event: %w", err)
	}

	msg := producer.Message{Topic: p.topic, Key: []byte(event.MessageID), Headers: jsonHeaders, Value: payload}
	if err := p.producer.PublishSync(ctx, msg); err != nil {
		return fmt.Errorf("kafka publisher: publish status event: %w", err)
	}
	return nil
}

// DLQPublisher writes DLQ records to the configured Kafka topic.
type DLQPublisher struct {
	producer SyncProducer
	topic    string
	logger   zerolog.Logger
}

// NewDLQPublisher constructs a DLQPublisher instance.
func NewDLQPublisher(prod SyncProducer, topic string, logger zerolog.Logger) *DLQPublisher {
	if prod == nil {
		return nil
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &DLQPublisher{
		producer: prod,
		topic:    topic,
		logger:   logger,
	}
}

// PublishDLQ writes the supplied DLQ record to Kafka synchronously.
func (p *DLQPublisher) PublishDLQ(ctx context.Context, record models.DLQRecord) error {
	if p == nil || p.producer == nil {
		return errProducerNotInitialised
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("kafka publisher: marshal dlq record: %w", err)
	}

	msg := producer.Message{Topic: p.topic, Key: []byte(record.MessageID), Headers: jsonHeaders, Value: payload}
	if err := p.producer.PublishSync(ctx, msg); err != nil {
		return fmt.Errorf("kafka publisher: publish dlq record: %w", err)
	}
	return nil
}

// EventPublisher emits gateway lifecycle events without waiting for the
// brokers. Events are keyed by session so they stay ordered per session.
type EventPublisher struct {
	producer AsyncProducer
	topic    string
	logger   zerolog.Logger
}

// NewEventPublisher constructs an EventPublisher instance.
func NewEventPublisher(prod AsyncProducer, topic string, logger zerolog.Logger) *EventPublisher {
	if prod == nil {
		return nil
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &EventPublisher{
		producer: prod,
		topic:    topic,
		logger:   logger,
	}
}

// PublishEvent enqueues event for asynchronous delivery.
func (p *EventPublisher) PublishEvent(_ context.Context, event models.GatewayEvent) error {
	if p == nil || p.producer == nil {
		return errProducerNotInitialised
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("kafka publisher: marshal gateway event: %w", err)
	}

	msg := producer.Message{
		Topic: p.topic,
		Key:   []byte(event.Session),
		Headers: map[string][]byte{
			"content-type": []byte("application/json"),
			"event-type":   []byte(event.Type),
		},
		Value: payload,
	}
	if err := p.producer.PublishAsync(msg); err != nil {
		return fmt.Errorf("kafka publisher: publish gateway event: %w", err)
	}
	return nil
}
