package mq

import (
	"fmt"
	"time"

	"predictapi/internal/config"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// RabbitMQ 连接 + 通道，发件箱事件发往 topic 类型的 exchange
type RabbitMQ struct {
	Conn     *amqp.Connection
	Channel  *amqp.Channel
	Exchange string
}

// DialRabbitMQ 连接 RabbitMQ 并声明 exchange
// 容器环境下 broker 启动较慢，连接失败会重试
func DialRabbitMQ(cfg *config.RabbitMQConfig, retries int, backoff time.Duration, logger *zap.Logger) (*RabbitMQ, error) {
	var conn *amqp.Connection
	var err error

	if retries < 1 {
		retries = 1
	}

	for i := 0; i < retries; i++ {
		conn, err = amqp.Dial(cfg.URL)
		if err == nil {
			break
		}
		logger.Warn("RabbitMQ 连接失败，稍后重试",
			zap.Int("attempt", i+1),
			zap.Int("retries", retries),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		time.Sleep(backoff)
	}
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("打开 RabbitMQ 通道失败: %w", err)
	}

	err = ch.ExchangeDeclare(
		cfg.Exchange, // name
		"topic",      // kind
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 exchange 失败: %w", err)
	}

	return &RabbitMQ{Conn: conn, Channel: ch, Exchange: cfg.Exchange}, nil
}

func (r *RabbitMQ) Close() {
	if r.Channel != nil {
		r.Channel.Close()
	}
	if r.Conn != nil {
		r.Conn.Close()
	}
}
