package producer

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
)

const (
	defaultMetadataRefreshInterval = 30 * time.Second
	defaultClientID                = "wa-gateway"
)

// Message is one record handed to Kafka.
type Message struct {
	Topic   string
	Key     []byte
	Headers map[string][]byte
	Value   []byte
}

// Option customises the producer during construction.
type Option func(*options)

type options struct {
	config          *sarama.Config
	refreshInterval time.Duration
	clientID        string
}

// WithConfig allows callers to supply a preconfigured Sarama config. The
// configuration is cloned internally so the caller retains ownership.
func WithConfig(cfg *sarama.Config) Option {
	return func(o *options) {
		if cfg != nil {
			o.config = cfg
		}
	}
}

// WithMetadataRefreshInterval overrides the interval used when refreshing
// cluster metadata to keep readiness information current.
func WithMetadataRefreshInterval(interval time.Duration) Option {
	return func(o *options) {
		if interval > 0 {
			o.refreshInterval = interval
		}
	}
}

// WithClientID sets the client id reported to the brokers.
func WithClientID(id string) Option {
	return func(o *options) {
		if id != "" {
			o.clientID = id
		}
	}
}

// Producer wraps a Sarama sync and async producer pair sharing one client.
// Status and DLQ records go through the sync path; gateway events use the
// async path so dispatch never waits on the brokers.
type Producer struct {
	logger zerolog.Logger

	client        sarama.Client
	syncProducer  sarama.SyncProducer
	asyncProducer sarama.AsyncProducer

	refreshInterval time.Duration

	ready atomic.Bool

	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New constructs a Producer using the supplied broker list and logger.
func New(brokers []string, logger zerolog.Logger, opts ...Option) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka producer: at least one broker is required")
	}

	settings := &options{
		config:          defaultConfig(),
		refreshInterval: defaultMetadataRefreshInterval,
		clientID:        defaultClientID,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(settings)
		}
	}

	cfg := cloneConfig(settings.config)
	cfg.ClientID = settings.clientID
	cfg.Metadata.RefreshFrequency = settings.refreshInterval

	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: create client: %w", err)
	}

	syncProd, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("kafka producer: create sync producer: %w", err)
	}

	asyncProd, err := sarama.NewAsyncProducerFromClient(client)
	if err != nil {
		syncProd.Close()
		client.Close()
		return nil, fmt.Errorf("kafka producer: create async producer: %w", err)
	}

	return newProducer(logger, client, syncProd, asyncProd, settings.refreshInterval), nil
}

// newProducer assembles a Producer from ready-made parts. A nil client
// disables metadata watching.
func newProducer(logger zerolog.Logger, client sarama.Client, syncProd sarama.SyncProducer, asyncProd sarama.AsyncProducer, refresh time.Duration) *Producer {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	p := &Producer{
		logger:          logger.With().Str("component", "kafka_producer").Logger(),
		client:          client,
		syncProducer:    syncProd,
		asyncProducer:   asyncProd,
		refreshInterval: refresh,
		stopCh:          make(chan struct{}),
	}

	if client == nil {
		p.ready.Store(true)
	} else if err := client.RefreshMetadata(); err != nil {
		p.logger.Error().Err(err).Msg("kafka producer: initial metadata refresh failed")
	} else {
		p.ready.Store(true)
	}

	p.wg.Add(2)
	go p.drainAsync()
	if client != nil && refresh > 0 {
		go p.watchMetadata()
	} else {
		p.wg.Done()
	}
	return p
}

// PublishSync publishes a message and waits for the brokers to acknowledge
// it. A cancelled context short-circuits before the send.
func (p *Producer) PublishSync(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("kafka producer: send sync: %w", err)
	}
	pm, err := toProducerMessage(msg)
	if err != nil {
		return err
	}

	if _, _, err := p.syncProducer.SendMessage(pm); err != nil {
		p.ready.Store(false)
		return fmt.Errorf("kafka producer: send sync: %w", err)
	}

	p.ready.Store(true)
	return nil
}

// PublishAsync enqueues a message on the async producer. Delivery errors are
// logged by the producer; a full input buffer is reported immediately.
func (p *Producer) PublishAsync(msg Message) error {
	pm, err := toProducerMessage(msg)
	if err != nil {
		return err
	}

	select {
	case p.asyncProducer.Input() <- pm:
		return nil
	default:
		return errors.New("kafka producer: async input buffer full")
	}
}

// IsReady indicates whether the producer has successfully refreshed metadata
// recently.
func (p *Producer) IsReady() bool {
	return p.ready.Load()
}

// Close releases the underlying Sarama producers and stops background
// goroutines. It is safe to call more than once.
func (p *Producer) Close() error {
	var errs []error
	p.closeOnce.Do(func() {
		close(p.stopCh)
		p.wg.Wait()

		if err := p.asyncProducer.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := p.syncProducer.Close(); err != nil {
			errs = append(errs, err)
		}
		if p.client != nil {
			if err := p.client.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

func (p *Producer) watchMetadata() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.client.RefreshMetadata(); err != nil {
				p.logger.Error().Err(err).Msg("kafka producer: metadata refresh failed")
				p.ready.Store(false)
			} else {
				p.ready.Store(true)
			}
		}
	}
}

// drainAsync consumes the async producer's result channels. The shared config
// returns successes for the sync path, so they must be drained here too.
func (p *Producer) drainAsync() {
	defer p.wg.Done()

	successes := p.asyncProducer.Successes()
	errs := p.asyncProducer.Errors()
	for {
		select {
		case <-p.stopCh:
			return
		case _, ok := <-successes:
			if !ok {
				successes = nil
			}
		case perr, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			p.ready.Store(false)
			if perr != nil {
				p.logger.Error().
					Err(perr.Err).
					Str("topic", perr.Msg.Topic).
					Msg("kafka producer: async delivery failed")
			}
		}
	}
}

func toProducerMessage(msg Message) (*sarama.ProducerMessage, error) {
	if msg.Topic == "" {
		return nil, errors.New("kafka producer: topic is required")
	}
	pm := &sarama.ProducerMessage{
		Topic:   msg.Topic,
		Value:   sarama.ByteEncoder(cloneBytes(msg.Value)),
		Headers: toRecordHeaders(msg.Headers),
	}
	if len(msg.Key) > 0 {
		pm.Key = sarama.ByteEncoder(cloneBytes(msg.Key))
	}
	return pm, nil
}

func toRecordHeaders(headers map[string][]byte) []sarama.RecordHeader {
	if len(headers) == 0 {
		return nil
	}
	out := make([]sarama.RecordHeader, 0, len(headers))
	for k, v := range headers {
		out = append(out, sarama.RecordHeader{
			Key:   []byte(k),
			Value: cloneBytes(v),
		})
	}
	return out
}

func cloneBytes(src []byte) []byte {
	if len(src) == 0 {
		return nil
	}
	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}

func defaultConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.ClientID = defaultClientID
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 6
	cfg.Producer.Retry.Backoff = 250 * time.Millisecond
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = true
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Metadata.Full = true
	cfg.Metadata.RefreshFrequency = defaultMetadataRefreshInterval
	return cfg
}

func cloneConfig(cfg *sarama.Config) *sarama.Config {
	if cfg == nil {
		return defaultConfig()
	}
	cloned := *cfg
	return &cloned
}
