package mq

import (
	"fmt"

	"github.com/rabbitmq/amqp091-go"
)

const (
	// EventsExchange 业务事件（预订、取消、投递结果）
	EventsExchange = "events"
	// JobsExchange 异步任务（按优先级通道路由）
	JobsExchange = "jobs"
)

// NewConnection creates a new RabbitMQ connection.
func NewConnection(url string) (*amqp091.Connection, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return conn, nil
}

// DeclareExchange declares a durable topic exchange.
func DeclareExchange(ch *amqp091.Channel, name string) error {
	return ch.ExchangeDeclare(
		name,
		"topic", // topic exchange 支持 routing key 模式匹配
		true,    // durable
		false,   // auto-deleted
		false,   // internal
		false,   // no-wait
		nil,
	)
}
