package job

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"predictapi/internal/model"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func sampleEvent() *model.OutboxEvent {
	return &model.OutboxEvent{
		ID:        9,
		Topic:     model.TopicPredictionCompleted,
		Payload:   datatypes.JSON(`{"request_id":"REQ42","event_id":"e-1","predicted":"home"}`),
		CreatedAt: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestHandlerRegistryFallback(t *testing.T) {
	reg := NewHandlerRegistry()
	_, ok := reg.Lookup("a")
	assert.False(t, ok)

	specific := HandlerFunc(func(context.Context, *model.OutboxEvent) error { return errors.New("specific") })
	fallback := HandlerFunc(func(context.Context, *model.OutboxEvent) error { return errors.New("fallback") })
	reg.Register("a", specific)
	reg.SetDefault(fallback)

	h, ok := reg.Lookup("a")
	require.True(t, ok)
	assert.EqualError(t, h.Handle(context.Background(), nil), "specific")

	h, ok = reg.Lookup("b")
	require.True(t, ok)
	assert.EqualError(t, h.Handle(context.Background(), nil), "fallback")
}

func TestKafkaHandler(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	defer func() { assert.NoError(t, producer.Close()) }()

	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var payload map[string]string
		if err := json.Unmarshal(val, &payload); err != nil {
			return err
		}
		if payload["request_id"] != "REQ42" {
			return errors.New("unexpected payload")
		}
		return nil
	})
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	h := NewKafkaHandler(producer, "predictapi.", nil)
	require.NoError(t, h.Handle(context.Background(), sampleEvent()))

	err := h.Handle(context.Background(), sampleEvent())
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
}

type fakePublisher struct {
	exchange, key string
	msg           amqp.Publishing
	err           error
}

func (f *fakePublisher) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.exchange, f.key, f.msg = exchange, key, msg
	return f.err
}

func TestRabbitMQHandler(t *testing.T) {
	pub := &fakePublisher{}
	h := NewRabbitMQHandler(pub, "predictapi.events")

	require.NoError(t, h.Handle(context.Background(), sampleEvent()))
	assert.Equal(t, "predictapi.events", pub.exchange)
	assert.Equal(t, model.TopicPredictionCompleted, pub.key)
	assert.Equal(t, "e-1", pub.msg.MessageId)
	assert.Equal(t, "REQ42", pub.msg.CorrelationId)
	assert.Equal(t, amqp.Persistent, pub.msg.DeliveryMode)

	pub.err = amqp.ErrClosed
	assert.ErrorIs(t, h.Handle(context.Background(), sampleEvent()), amqp.ErrClosed)
}

func TestLogHandler(t *testing.T) {
	assert.NoError(t, NewLogHandler(nil).Handle(context.Background(), sampleEvent()))
}

type stubCleaner struct {
	n   int64
	err error
}

func (s stubCleaner) CleanupExpired(context.Context) (int64, error) { return s.n, s.err }

func TestIdempotencyCleanupJobRunOnce(t *testing.T) {
	n, err := NewIdempotencyCleanupJob(stubCleaner{n: 3}, time.Minute, nil).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	_, err = NewIdempotencyCleanupJob(stubCleaner{err: errors.New("db down")}, time.Minute, nil).RunOnce(context.Background())
	assert.Error(t, err)
}

func TestIdempotencyCleanupJobStopTwice(t *testing.T) {
	j := NewIdempotencyCleanupJob(stubCleaner{}, time.Hour, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		j.Start(context.Background())
	}()

	assert.NotPanics(t, func() {
		j.Stop()
		j.Stop()
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cleanup job did not stop")
	}
}
