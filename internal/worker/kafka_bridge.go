package worker

import (
	"context"

	"github.com/example/wa-gateway/internal/kafka/consumer"
)

// NewRecordFromConsumer copies a consumer record into a worker record whose
// commit is bound to commit.
func NewRecordFromConsumer(rec *consumer.Record, commit func(context.Context) error) *Record {
	if rec == nil {
		return nil
	}

	return &Record{
		Topic:     rec.Topic,
		Partition: rec.Partition,
		Offset:    rec.Offset,
		Key:       cloneBytes(rec.Key),
		Value:     cloneBytes(rec.Value),
		Timestamp: rec.Timestamp,
		Headers:   cloneHeaders(rec.Headers),
		ack:       commit,
	}
}
