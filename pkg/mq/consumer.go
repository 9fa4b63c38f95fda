package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"eventnotify/pkg/metrics"
	"eventnotify/pkg/otel"
	"eventnotify/pkg/trace"
	"eventnotify/pkg/util"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

type MessageHandler func(ctx context.Context, data json.RawMessage) error

type Consumer struct {
	channel    *amqp091.Channel
	queue      amqp091.Queue
	exchange   string
	routingKey string
	handler    MessageHandler
	conn       *amqp091.Connection
	logger     *zap.Logger

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewConsumer creates a consumer bound to exchange with the given routing key.
func NewConsumer(url, exchange, queueName, routingKey string, logger *zap.Logger) (*Consumer, error) {
	conn, err := NewConnection(url)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := DeclareExchange(ch, exchange); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	q, err := ch.QueueDeclare(
		queueName,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	err = ch.QueueBind(
		q.Name,
		routingKey,
		exchange,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	logger.Info("Consumer initialized",
		zap.String("routing_key", routingKey),
		zap.String("queue", queueName),
		zap.String("exchange", exchange),
	)

	return &Consumer{
		conn:       conn,
		channel:    ch,
		queue:      q,
		exchange:   exchange,
		routingKey: routingKey,
		logger:     logger,
		stopped:    make(chan struct{}),
	}, nil
}

func (c *Consumer) SetHandler(h MessageHandler) {
	c.handler = h
}

// Stop cancels delivery; in-flight messages finish before StartConsuming returns.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopped)
		if c.channel != nil {
			_ = c.channel.Cancel(c.consumerTag(), false)
		}
	})
}

func (c *Consumer) Close() {
	c.Stop()
	if c.channel != nil {
		_ = c.channel.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

func (c *Consumer) consumerTag() string {
	return "consumer." + c.queue.Name
}

// StartConsuming starts consuming messages with the given number of workers.
// It blocks until ctx is done, Stop is called, or the channel closes.
func (c *Consumer) StartConsuming(ctx context.Context, workers int) error {
	if c.handler == nil {
		return fmt.Errorf("consumer handler not set")
	}
	if workers <= 0 {
		workers = 1
	}

	// prefetch 与 worker 数一致，避免单个消费者囤积消息
	if err := c.channel.Qos(workers, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}

	deliveries, err := c.channel.Consume(
		c.queue.Name,
		c.consumerTag(),
		false, // 手动ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.logger.Info("Consumer started consuming messages",
		zap.String("routing_key", c.routingKey),
		zap.String("queue", c.queue.Name),
		zap.Int("workers", workers),
	)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-c.stopped:
					return
				case msg, ok := <-deliveries:
					if !ok {
						return
					}
					c.handle(ctx, msg)
				}
			}
		}()
	}

	wg.Wait()
	return nil
}

// handle 保证每条消息都会被 ack 或 nack
func (c *Consumer) handle(parent context.Context, msg amqp091.Delivery) {
	start := time.Now()
	ctx := parent
	if traceID, ok := msg.Headers[TraceHeader].(string); ok && traceID != "" {
		ctx = trace.WithContext(ctx, traceID)
	} else {
		ctx, _ = trace.Ensure(ctx)
	}
	ctx, span := otel.MQConsumeSpan(ctx, c.queue.Name, msg.RoutingKey, msg.Headers)
	var handlerErr error
	defer func() { otel.EndSpan(span, handlerErr) }()
	log := c.logger.With(
		zap.String("routing_key", msg.RoutingKey),
		zap.String("queue", c.queue.Name),
		zap.String("trace_id", trace.FromContext(ctx)),
	)

	log.Debug("Received message", zap.Int("message_size", len(msg.Body)))

	defer func() {
		if r := recover(); r != nil {
			log.Error("Handler panic recovered", zap.Any("panic", r))
			// panic 的消息重投也会 panic，直接丢弃
			if err := msg.Nack(false, false); err != nil {
				log.Error("Failed to nack message after panic", zap.Error(err))
			}
			metrics.RecordMQConsumeLatency(msg.RoutingKey, "panic", time.Since(start))
		}
	}()

	if err := c.handler(ctx, msg.Body); err != nil {
		handlerErr = err
		retryable, errType := util.IsRetryableError(err)
		// 停机中断的消息没有处理完，放回队列
		requeue := retryable || parent.Err() != nil
		log.Error("Handler error",
			zap.Error(err),
			zap.String("error_type", errType),
			zap.Bool("requeue", requeue),
		)
		if err := msg.Nack(false, requeue); err != nil {
			log.Error("Failed to nack message", zap.Error(err))
		}
		metrics.RecordMQConsumeLatency(msg.RoutingKey, "error", time.Since(start))
		return
	}

	if err := msg.Ack(false); err != nil {
		log.Error("Failed to ack message", zap.Error(err))
		return
	}
	metrics.RecordMQConsumeLatency(msg.RoutingKey, "ok", time.Since(start))
	log.Debug("Message processed successfully")
}
