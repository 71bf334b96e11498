package aggregator

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/example/wa-gateway/internal/models"
)

// Dispatcher receives every batch produced by the queue.
type Dispatcher interface {
	Dispatch(ctx context.Context, batch models.Batch) models.DeliveryOutcome
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, batch models.Batch) models.DeliveryOutcome

// Dispatch implements Dispatcher.
func (f DispatcherFunc) Dispatch(ctx context.Context, batch models.Batch) models.DeliveryOutcome {
	return f(ctx, batch)
}

// Config tunes the queue. A zero Debounce dispatches on the next timer tick.
type Config struct {
	Debounce            time.Duration
	DispatchConcurrency int
}

// Dependencies collects the collaborators of a Queue.
type Dependencies struct {
	Dispatcher Dispatcher
	Clock      clockwork.Clock
	Logger     zerolog.Logger
}

// buffer is the pending state of one conversation. seq identifies the armed
// timer; a timer whose seq no longer matches is stale and must not dispatch.
type buffer struct {
	pending []models.InboundUnit
	timer   clockwork.Timer
	seq     uint64
}

// Queue groups inbound units per conversation and emits one batch per burst
// once the conversation has been quiet for the debounce window. It is the
// only writer of conversation buffers.
type Queue struct {
	cfg        Config
	dispatcher Dispatcher
	clock      clockwork.Clock
	logger     zerolog.Logger
	sem        *semaphore.Weighted

	mu      sync.Mutex
	buffers map[string]*buffer
	seq     uint64
	closed  bool

	inflight sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

// New validates the configuration and constructs a Queue.
func New(cfg Config, deps Dependencies) (*Queue, error) {
	if cfg.Debounce < 0 {
		return nil, errors.New("aggregator: debounce cannot be negative")
	}
	if cfg.DispatchConcurrency < 1 {
		return nil, errors.New("aggregator: dispatch concurrency must be >= 1")
	}
	if deps.Dispatcher == nil {
		return nil, errors.New("aggregator: dispatcher dependency is required")
	}

	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		cfg:        cfg,
		dispatcher: deps.Dispatcher,
		clock:      clock,
		logger:     logger.With().Str("component", "aggregator").Logger(),
		sem:        semaphore.NewWeighted(int64(cfg.DispatchConcurrency)),
		buffers:    make(map[string]*buffer),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Ingest appends unit to its conversation buffer and re-arms the debounce
// timer, cancelling the previous one. It never blocks on dispatch.
func (q *Queue) Ingest(unit models.InboundUnit) {
	key := bufferKey(unit)

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		q.logger.Warn().Str("conversation_id", unit.ConversationID).Msg("aggregator: queue closed, dropping unit")
		return
	}

	b, ok := q.buffers[key]
	if !ok {
		b = &buffer{}
		q.buffers[key] = b
	}
	b.pending = append(b.pending, unit)

	if b.timer != nil {
		b.timer.Stop()
	}
	q.seq++
	seq := q.seq
	b.seq = seq
	b.timer = q.clock.AfterFunc(q.cfg.Debounce, func() { q.fire(key, seq) })

	q.logger.Debug().
		Str("conversation_id", unit.ConversationID).
		Str("kind", string(unit.Kind)).
		Int("pending", len(b.pending)).
		Msg("aggregator: unit buffered")
}

// Pending reports how many conversations currently hold buffered units.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buffers)
}

// Flush dispatches every buffered conversation immediately.
func (q *Queue) Flush() {
	q.mu.Lock()
	detached := make([][]models.InboundUnit, 0, len(q.buffers))
	for key, b := range q.buffers {
		if b.timer != nil {
			b.timer.Stop()
		}
		detached = append(detached, b.pending)
		delete(q.buffers, key)
	}
	q.inflight.Add(len(detached))
	q.mu.Unlock()

	for _, units := range detached {
		go q.dispatch(models.NewBatch(units))
	}
}

// Close flushes pending work, rejects further units and waits for in-flight
// dispatches until ctx expires.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.Flush()

	done := make(chan struct{})
	go func() {
		q.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		return ctx.Err()
	}
}

// fire detaches and removes the buffer atomically so a unit arriving after
// this point starts a new buffer.
func (q *Queue) fire(key string, seq uint64) {
	q.mu.Lock()
	b, ok := q.buffers[key]
	if !ok || b.seq != seq {
		q.mu.Unlock()
		return
	}
	delete(q.buffers, key)
	units := b.pending
	b.pending = nil
	q.inflight.Add(1)
	q.mu.Unlock()

	q.dispatch(models.NewBatch(units))
}

func (q *Queue) dispatch(batch models.Batch) {
	defer q.inflight.Done()

	if err := q.sem.Acquire(q.ctx, 1); err != nil {
		q.logger.Error().Err(err).Str("conversation_id", batch.ConversationID).Msg("aggregator: dispatch abandoned")
		return
	}
	defer q.sem.Release(1)

	outcome := q.dispatcher.Dispatch(q.ctx, batch)
	q.logger.Debug().
		Str("conversation_id", batch.ConversationID).
		Str("kind", string(batch.DominantKind)).
		Int("units", batch.UnitCount).
		Str("outcome", string(outcome)).
		Msg("aggregator: batch dispatched")
}

func bufferKey(unit models.InboundUnit) string {
	return unit.Session + "\x00" + unit.ConversationID
}
