package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"reflect"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/example/wa-gateway/internal/common"
	"github.com/example/wa-gateway/internal/models"
	"github.com/example/wa-gateway/internal/sender"
)

// Config contains the runtime settings the engine relies on to orchestrate
// processing, retries and DLQ handling for outbound send commands.
type Config struct {
	MsgMaxBytes int
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Concurrency int
}

// Record is a Kafka message delivered to the engine, decoupled from the
// concrete consumer.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
	Headers   map[string][]byte

	ack func(context.Context) error
}

// Clone returns a deep copy of the record so it can be safely shared with
// asynchronous goroutines without risking data races.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}

	clone := *r
	clone.Key = cloneBytes(r.Key)
	clone.Value = cloneBytes(r.Value)
	clone.Headers = cloneHeaders(r.Headers)
	return &clone
}

// Sender delivers a validated send command.
type Sender interface {
	Send(ctx context.Context, req models.SendRequest) error
}

// Validator parses and validates the payload of a record.
type Validator interface {
	ParseAndValidate(ctx context.Context, payload []byte) (*models.SendRequest, error)
}

// StatusPublisher publishes lifecycle updates for a command.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, event models.StatusEvent) error
}

// DLQPublisher writes commands that reached a terminal failure.
type DLQPublisher interface {
	PublishDLQ(ctx context.Context, record models.DLQRecord) error
}

// Committer commits a record's offset after a terminal outcome. Records built
// from a consumer carry their own commit and bypass the Committer.
type Committer interface {
	Commit(ctx context.Context, record *Record) error
}

// CommitFunc adapts a function to the Committer interface.
type CommitFunc func(ctx context.Context, record *Record) error

// Commit implements Committer.
func (f CommitFunc) Commit(ctx context.Context, record *Record) error {
	return f(ctx, record)
}

// Dependencies collects the runtime collaborators required by the engine.
type Dependencies struct {
	Sender          Sender
	Validator       Validator
	StatusPublisher StatusPublisher
	DLQPublisher    DLQPublisher
	Committer       Committer
	Clock           clockwork.Clock
	Logger          zerolog.Logger
}

// Engine orchestrates validation, sending, retries, DLQ handling and offset
// commits for send-command records.
type Engine struct {
	cfg             Config
	sender          Sender
	validator       Validator
	statusPublisher StatusPublisher
	dlqPublisher    DLQPublisher
	committer       Committer
	clock           clockwork.Clock
	logger          zerolog.Logger

	semaphore *semaphore.Weighted
	inflight  sync.WaitGroup

	randMu sync.Mutex
	rnd    *rand.Rand
}

// NewEngine validates the configuration and collaborators and constructs an
// Engine.
func NewEngine(cfg Config, deps Dependencies) (*Engine, error) {
	if cfg.MaxAttempts < 1 {
		return nil, errors.New("worker: max attempts must be >= 1")
	}
	if cfg.Concurrency < 1 {
		return nil, errors.New("worker: concurrency must be >= 1")
	}
	if cfg.MsgMaxBytes < 0 {
		return nil, errors.New("worker: msg max bytes cannot be negative")
	}
	if deps.Sender == nil {
		return nil, errors.New("worker: sender dependency is required")
	}
	if deps.Validator == nil {
		return nil, errors.New("worker: validator dependency is required")
	}
	if deps.StatusPublisher == nil {
		return nil, errors.New("worker: status publisher dependency is required")
	}
	if deps.DLQPublisher == nil {
		return nil, errors.New("worker: DLQ publisher dependency is required")
	}

	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Engine{
		cfg:             cfg,
		sender:          deps.Sender,
		validator:       deps.Validator,
		statusPublisher: deps.StatusPublisher,
		dlqPublisher:    deps.DLQPublisher,
		committer:       deps.Committer,
		clock:           clock,
		logger:          logger.With().Str("component", "worker_engine").Logger(),
		semaphore:       semaphore.NewWeighted(int64(cfg.Concurrency)),
		rnd:             rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// HandleRecord rejects oversized or invalid records synchronously and hands
// valid commands to a bounded pool of senders.
func (e *Engine) HandleRecord(ctx context.Context, record *Record) {
	if record == nil {
		return
	}

	if e.cfg.MsgMaxBytes > 0 && len(record.Value) > e.cfg.MsgMaxBytes {
		err := fmt.Errorf("payload exceeds maximum size: got %d bytes, limit %d bytes", len(record.Value), e.cfg.MsgMaxBytes)
		e.reject(ctx, record, partialRequest(record), err)
		return
	}

	req, err := e.validator.ParseAndValidate(ctx, record.Value)
	if err != nil {
		if req == nil {
			req = partialRequest(record)
		}
		e.reject(ctx, record, req, err)
		return
	}
	if req.MessageID == "" {
		req.MessageID = string(record.Key)
	}

	if err := e.semaphore.Acquire(ctx, 1); err != nil {
		e.logger.Error().
			Str("message_id", req.MessageID).
			Err(err).
			Msg("worker: failed to acquire concurrency semaphore")
		return
	}

	e.inflight.Add(1)
	go e.process(ctx, record.Clone(), *req)
}

// Wait blocks until every in-flight command has reached an outcome.
func (e *Engine) Wait() {
	e.inflight.Wait()
}

func (e *Engine) reject(ctx context.Context, record *Record, req *models.SendRequest, err error) {
	now := e.clock.Now()
	e.logger.Warn().
		Str("message_id", req.MessageID).
		Err(err).
		Msg("worker: record rejected by validation")
	e.publishStatus(ctx, req, models.StatusEvent{EventType: models.StatusEventFailed, Error: err.Error(), Timestamp: now})
	e.publishDLQ(ctx, record, req, models.DLQRecord{FailureType: models.FailureTypeValidation, LastError: err.Error(), FirstFailedAt: now, LastAttemptAt: now})
	e.commitRecord(ctx, record)
}

func (e *Engine) process(ctx context.Context, record *Record, req models.SendRequest) {
	defer e.inflight.Done()
	defer e.semaphore.Release(1)

	if ctx.Err() != nil {
		e.logger.Warn().
			Str("message_id", req.MessageID).
			Msg("worker: context cancelled before processing began")
		return
	}

	e.publishStatus(ctx, &req, models.StatusEvent{EventType: models.StatusEventQueued})

	var firstFailedAt time.Time
	for attempt := 1; ; attempt++ {
		e.publishStatus(ctx, &req, models.StatusEvent{EventType: models.StatusEventAttempt, Attempt: attempt})
		start := e.clock.Now()
		err := e.sender.Send(ctx, req)
		duration := e.clock.Since(start)

		log := e.logger.With().
			Str("message_id", req.MessageID).
			Str("kind", string(req.Kind)).
			Int("attempt", attempt).
			Dur("duration", duration).
			Logger()

		if err == nil {
			log.Info().Msg("worker: message sent")
			e.publishStatus(ctx, &req, models.StatusEvent{EventType: models.StatusEventSent, Attempt: attempt})
			e.commitRecord(ctx, record)
			return
		}

		if ctx.Err() != nil {
			log.Warn().Err(err).Msg("worker: context cancelled during send; deferring commit for reprocessing")
			return
		}

		log.Warn().Err(err).Msg("worker: send failed")

		now := e.clock.Now()
		if firstFailedAt.IsZero() {
			firstFailedAt = now
		}

		failureType, retry := classify(err)
		if !retry || attempt >= e.cfg.MaxAttempts {
			e.publishStatus(ctx, &req, models.StatusEvent{EventType: models.StatusEventFailed, Attempt: attempt, Error: err.Error(), Timestamp: now})
			e.publishDLQ(ctx, record, &req, models.DLQRecord{FailureType: failureType, Attempts: attempt, LastError: err.Error(), FirstFailedAt: firstFailedAt, LastAttemptAt: now})
			e.commitRecord(ctx, record)
			return
		}

		backoff := e.computeBackoff(attempt)
		log.Info().Dur("backoff", backoff).Msg("worker: scheduling retry after transient error")
		if !e.wait(ctx, backoff) {
			log.Warn().Msg("worker: context cancelled while waiting for retry; message will be retried on next poll")
			return
		}
	}
}

// classify maps a send error onto a DLQ failure type and reports whether a
// further attempt may succeed.
func classify(err error) (string, bool) {
	switch {
	case errors.Is(err, sender.ErrInvalidRequest):
		return models.FailureTypeValidation, false
	case errors.Is(err, common.ErrPermanent):
		return models.FailureTypePermanent, false
	case common.IsRetryable(err):
		return models.FailureTypeTransient, true
	default:
		return models.FailureTypeUnknown, false
	}
}

func (e *Engine) computeBackoff(attempt int) time.Duration {
	if e.cfg.BaseBackoff <= 0 {
		return 0
	}

	multiplier := math.Pow(2, float64(attempt-1))
	raw := time.Duration(float64(e.cfg.BaseBackoff) * multiplier)
	if e.cfg.MaxBackoff > 0 && raw > e.cfg.MaxBackoff {
		raw = e.cfg.MaxBackoff
	}

	return e.fullJitter(raw)
}

func (e *Engine) fullJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}

	e.randMu.Lock()
	defer e.randMu.Unlock()

	return time.Duration(e.rnd.Int63n(int64(max) + 1))
}

func (e *Engine) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	timer := e.clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}

func (e *Engine) publishStatus(ctx context.Context, req *models.SendRequest, event models.StatusEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = e.clock.Now()
	}
	event.MessageID = req.MessageID
	event.Kind = req.Kind
	event.Phone = req.Phone
	event.TraceID = req.TraceID

	if err := e.statusPublisher.PublishStatus(ctx, event); err != nil {
		e.logger.Error().
			Str("message_id", req.MessageID).
			Str("event", event.EventType).
			Err(err).
			Msg("worker: failed to publish status event")
	}
}

func (e *Engine) publishDLQ(ctx context.Context, record *Record, req *models.SendRequest, dlq models.DLQRecord) {
	if dlq.FirstFailedAt.IsZero() {
		dlq.FirstFailedAt = e.clock.Now()
	}
	if dlq.LastAttemptAt.IsZero() {
		dlq.LastAttemptAt = dlq.FirstFailedAt
	}
	dlq.MessageID = req.MessageID
	dlq.TraceID = req.TraceID
	dlq.Meta = req.Meta
	dlq.OriginalMessage = originalMessage(record.Value)

	if err := e.dlqPublisher.PublishDLQ(ctx, dlq); err != nil {
		e.logger.Error().
			Str("message_id", req.MessageID).
			Err(err).
			Msg("worker: failed to publish DLQ record")
	}
}

func (e *Engine) commitRecord(ctx context.Context, record *Record) {
	var err error
	switch {
	case record.ack != nil:
		err = record.ack(ctx)
	case e.committer != nil:
		err = e.committer.Commit(ctx, record)
	default:
		return
	}
	if err != nil {
		e.logger.Error().
			Str("topic", record.Topic).
			Int32("partition", record.Partition).
			Int64("offset", record.Offset).
			Err(err).
			Msg("worker: failed to commit record offset")
	}
}

func partialRequest(record *Record) *models.SendRequest {
	return &models.SendRequest{MessageID: string(record.Key)}
}

// originalMessage embeds JSON payloads verbatim and anything else as a string.
func originalMessage(value []byte) any {
	if len(value) > 0 && json.Valid(value) {
		return json.RawMessage(cloneBytes(value))
	}
	return string(value)
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	clone := make([]byte, len(b))
	copy(clone, b)
	return clone
}

func cloneHeaders(headers map[string][]byte) map[string][]byte {
	if len(headers) == 0 {
		return nil
	}
	clone := make(map[string][]byte, len(headers))
	for k, v := range headers {
		clone[k] = cloneBytes(v)
	}
	return clone
}
