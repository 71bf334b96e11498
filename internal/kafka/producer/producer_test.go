package producer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockProducer(t *testing.T) (*Producer, *mocks.SyncProducer, *mocks.AsyncProducer) {
	t.Helper()
	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Successes = true
	syncProd := mocks.NewSyncProducer(t, cfg)
	asyncProd := mocks.NewAsyncProducer(t, cfg)
	return newProducer(zerolog.Nop(), nil, syncProd, asyncProd, 0), syncProd, asyncProd
}

func TestPublishSyncSendsMessage(t *testing.T) {
	p, syncProd, _ := newMockProducer(t)
	defer p.Close()

	syncProd.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "wa.status" {
			return errors.New("unexpected topic " + msg.Topic)
		}
		key, _ := msg.Key.Encode()
		if string(key) != "msg-1" {
			return errors.New("unexpected key " + string(key))
		}
		if len(msg.Headers) != 1 || string(msg.Headers[0].Key) != "content-type" {
			return errors.New("missing content-type header")
		}
		return nil
	})

	err := p.PublishSync(context.Background(), Message{
		Topic:   "wa.status",
		Key:     []byte("msg-1"),
		Headers: map[string][]byte{"content-type": []byte("application/json")},
		Value:   []byte(`{"event_type":"sent"}`),
	})
	require.NoError(t, err)
	assert.True(t, p.IsReady())
}

func TestPublishSyncFailureMarksNotReady(t *testing.T) {
	p, syncProd, _ := newMockProducer(t)
	defer p.Close()

	syncProd.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)

	err := p.PublishSync(context.Background(), Message{Topic: "wa.status", Value: []byte("{}")})
	require.Error(t, err)
	assert.ErrorIs(t, err, sarama.ErrNotLeaderForPartition)
	assert.False(t, p.IsReady())
}

func TestPublishSyncHonoursCancelledContext(t *testing.T) {
	p, _, _ := newMockProducer(t)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.PublishSync(ctx, Message{Topic: "wa.status"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPublishRequiresTopic(t *testing.T) {
	p, _, _ := newMockProducer(t)
	defer p.Close()

	assert.Error(t, p.PublishSync(context.Background(), Message{}))
	assert.Error(t, p.PublishAsync(Message{}))
}

func TestPublishAsyncDrainsResults(t *testing.T) {
	p, _, asyncProd := newMockProducer(t)
	defer p.Close()

	asyncProd.ExpectInputAndSucceed()
	asyncProd.ExpectInputAndFail(sarama.ErrOutOfBrokers)

	require.NoError(t, p.PublishAsync(Message{Topic: "gateway.events", Value: []byte("a")}))
	require.NoError(t, p.PublishAsync(Message{Topic: "gateway.events", Value: []byte("b")}))

	require.Eventually(t, func() bool { return !p.IsReady() }, time.Second, 5*time.Millisecond)
}

func TestCloseIsIdempotent(t *testing.T) {
	p, _, _ := newMockProducer(t)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
}

func TestToRecordHeadersClonesValues(t *testing.T) {
	value := []byte("abc")
	headers := toRecordHeaders(map[string][]byte{"trace": value})
	value[0] = 'x'

	require.Len(t, headers, 1)
	assert.Equal(t, "abc", string(headers[0].Value))
	assert.Nil(t, toRecordHeaders(nil))
}

func TestNewRequiresBrokers(t *testing.T) {
	_, err := New(nil, zerolog.Nop())
	assert.Error(t, err)
}
