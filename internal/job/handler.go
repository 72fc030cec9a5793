package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"predictapi/internal/model"

	"github.com/IBM/sarama"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// ErrNoHandler 主题没有注册处理器，按投递失败处理
var ErrNoHandler = errors.New("没有对应主题的处理器")

// EventHandler 事件投递
// 投递语义是至少一次，实现必须能容忍重复投递
type EventHandler interface {
	Handle(ctx context.Context, evt *model.OutboxEvent) error
}

type HandlerFunc func(ctx context.Context, evt *model.OutboxEvent) error

func (f HandlerFunc) Handle(ctx context.Context, evt *model.OutboxEvent) error {
	return f(ctx, evt)
}

// HandlerRegistry 主题 -> 处理器，可设置兜底处理器
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]EventHandler
	fallback EventHandler
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]EventHandler)}
}

func (r *HandlerRegistry) Register(topic string, h EventHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[topic] = h
}

// SetDefault 没有单独注册的主题都交给它
func (r *HandlerRegistry) SetDefault(h EventHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = h
}

func (r *HandlerRegistry) Lookup(topic string) (EventHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.handlers[topic]; ok {
		return h, true
	}
	if r.fallback != nil {
		return r.fallback, true
	}
	return nil, false
}

// eventKeys 负载里用于分区 / 追踪的字段
type eventKeys struct {
	RequestID string `json:"request_id"`
	EventID   string `json:"event_id"`
}

func keysOf(evt *model.OutboxEvent) eventKeys {
	var k eventKeys
	_ = json.Unmarshal(evt.Payload, &k)
	return k
}

// ============================================================================
// Kafka
// ============================================================================

// KafkaHandler 同一请求的事件用 request_id 做 key，落在同一分区保持顺序
type KafkaHandler struct {
	producer    sarama.SyncProducer
	topicPrefix string
	logger      *zap.Logger
}

func NewKafkaHandler(producer sarama.SyncProducer, topicPrefix string, logger *zap.Logger) *KafkaHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaHandler{producer: producer, topicPrefix: topicPrefix, logger: logger}
}

func (h *KafkaHandler) Handle(_ context.Context, evt *model.OutboxEvent) error {
	keys := keysOf(evt)
	key := keys.RequestID
	if key == "" {
		key = keys.EventID
	}

	msg := &sarama.ProducerMessage{
		Topic: h.topicPrefix + evt.Topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(evt.Payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_id"), Value: []byte(keys.EventID)},
			{Key: []byte("outbox_id"), Value: []byte(fmt.Sprint(evt.ID))},
		},
	}
	partition, offset, err := h.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("发送 Kafka 消息失败: %w", err)
	}
	h.logger.Debug("Kafka 消息已发送",
		zap.String("topic", msg.Topic),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))
	return nil
}

// ============================================================================
// RabbitMQ
// ============================================================================

// Publisher *amqp.Channel 满足该接口
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// RabbitMQHandler 主题作为 routing key 发往 topic exchange
type RabbitMQHandler struct {
	ch       Publisher
	exchange string
}

func NewRabbitMQHandler(ch Publisher, exchange string) *RabbitMQHandler {
	return &RabbitMQHandler{ch: ch, exchange: exchange}
}

func (h *RabbitMQHandler) Handle(ctx context.Context, evt *model.OutboxEvent) error {
	keys := keysOf(evt)
	err := h.ch.PublishWithContext(ctx, h.exchange, evt.Topic, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     keys.EventID,
		CorrelationId: keys.RequestID,
		Timestamp:     evt.CreatedAt,
		Type:          evt.Topic,
		Body:          evt.Payload,
	})
	if err != nil {
		return fmt.Errorf("发送 RabbitMQ 消息失败: %w", err)
	}
	return nil
}

// ============================================================================
// 日志
// ============================================================================

// LogHandler 只写日志，本地开发用
type LogHandler struct {
	logger *zap.Logger
}

func NewLogHandler(logger *zap.Logger) *LogHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogHandler{logger: logger}
}

func (h *LogHandler) Handle(_ context.Context, evt *model.OutboxEvent) error {
	h.logger.Info("outbox 事件",
		zap.Int64("id", evt.ID),
		zap.String("topic", evt.Topic),
		zap.Time("created_at", evt.CreatedAt.In(time.UTC)),
		zap.ByteString("payload", evt.Payload))
	return nil
}
