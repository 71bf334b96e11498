package worker

import (
	"context"

	"github.com/example/wa-gateway/internal/kafka/consumer"
)

// RecordCommitter commits consumer records.
type RecordCommitter interface {
	Commit(ctx context.Context, record *consumer.Record) error
}

// KafkaHandler returns a consumer.Handler that transforms consumer records
// into worker records and delegates processing to the supplied engine.
func KafkaHandler(engine *Engine, committer RecordCommitter) consumer.Handler {
	return func(ctx context.Context, rec *consumer.Record) error {
		if engine == nil || rec == nil {
			return nil
		}

		var commit func(context.Context) error
		if committer != nil {
			commit = func(c context.Context) error {
				return committer.Commit(c, rec)
			}
		}

		engine.HandleRecord(ctx, NewRecordFromConsumer(rec, commit))
		return nil
	}
}
