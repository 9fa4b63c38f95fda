package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"eventnotify/pkg/mq"

	"go.uber.org/zap"
)

// AMQPQueue 通过 RabbitMQ 的 jobs exchange 传递任务，每个通道一个持久队列
type AMQPQueue struct {
	url       string
	publisher *mq.Publisher
	logger    *zap.Logger

	mu        sync.Mutex
	consumers []*mq.Consumer
}

// QueueName 通道对应的队列名，同时作为死信的 routing key
func QueueName(lane Lane) string {
	return "jobs." + string(lane)
}

func NewAMQPQueue(url string, logger *zap.Logger) (*AMQPQueue, error) {
	publisher, err := mq.NewPublisher(url, mq.JobsExchange)
	if err != nil {
		return nil, fmt.Errorf("failed to create job publisher: %w", err)
	}
	for _, lane := range Lanes {
		if err := publisher.DeclareDLQ(QueueName(lane)); err != nil {
			publisher.Close()
			return nil, fmt.Errorf("failed to declare DLQ for lane %s: %w", lane, err)
		}
	}
	return &AMQPQueue{url: url, publisher: publisher, logger: logger}, nil
}

func (q *AMQPQueue) Publish(ctx context.Context, job *Job) error {
	if !job.Lane.Valid() {
		return ErrUnknownLane
	}
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return q.publisher.PublishRaw(ctx, mq.JobsExchange, string(job.Lane), body, nil)
}

func (q *AMQPQueue) Consume(ctx context.Context, lane Lane, workers int, fn Handler) error {
	if !lane.Valid() {
		return ErrUnknownLane
	}
	consumer, err := mq.NewConsumer(q.url, mq.JobsExchange, QueueName(lane), string(lane), q.logger)
	if err != nil {
		return fmt.Errorf("failed to create consumer for lane %s: %w", lane, err)
	}
	q.mu.Lock()
	q.consumers = append(q.consumers, consumer)
	q.mu.Unlock()

	consumer.SetHandler(func(ctx context.Context, data json.RawMessage) error {
		var job Job
		if err := json.Unmarshal(data, &job); err != nil {
			// json 错误不会重新入队
			return fmt.Errorf("decode job: %w", err)
		}
		return fn(ctx, &job)
	})
	return consumer.StartConsuming(ctx, workers)
}

func (q *AMQPQueue) DeadLetter(ctx context.Context, job *Job, cause error) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return q.publisher.PublishToDLQ(ctx, QueueName(job.Lane), body, cause.Error(), time.Now().UTC().Format(time.RFC3339))
}

func (q *AMQPQueue) Depth(lane Lane) int {
	return -1
}

// Ready 供 /readyz 使用
func (q *AMQPQueue) Ready(ctx context.Context) error {
	if !q.publisher.IsConnected() {
		return fmt.Errorf("job publisher disconnected")
	}
	return nil
}

func (q *AMQPQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, c := range q.consumers {
		c.Close()
	}
	q.publisher.Close()
	return nil
}
