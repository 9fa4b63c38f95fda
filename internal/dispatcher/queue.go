package dispatcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Queue 任务传输层
type Queue interface {
	// Publish 不阻塞调用方
	Publish(ctx context.Context, job *Job) error
	// Consume 用 workers 个 goroutine 消费 lane，直到 ctx 结束
	Consume(ctx context.Context, lane Lane, workers int, fn Handler) error
	DeadLetter(ctx context.Context, job *Job, cause error) error
	// Depth 返回本地缓冲的任务数，未知时返回 -1
	Depth(lane Lane) int
	Close() error
}

const DefaultLocalBuffer = 1024

// DeadLetter 本地队列保存的死信
type DeadLetter struct {
	Job      Job
	Error    string
	FailedAt time.Time
}

// LocalQueue 进程内队列：每个通道一个带缓冲的 channel，进程退出即丢失
type LocalQueue struct {
	lanes  map[Lane]chan *Job
	logger *zap.Logger

	mu   sync.Mutex
	dead []DeadLetter
}

func NewLocalQueue(buffer int, logger *zap.Logger) *LocalQueue {
	if buffer <= 0 {
		buffer = DefaultLocalBuffer
	}
	q := &LocalQueue{
		lanes:  make(map[Lane]chan *Job, len(Lanes)),
		logger: logger,
	}
	for _, lane := range Lanes {
		q.lanes[lane] = make(chan *Job, buffer)
	}
	return q
}

func (q *LocalQueue) Publish(ctx context.Context, job *Job) error {
	ch, ok := q.lanes[job.Lane]
	if !ok {
		return ErrUnknownLane
	}
	select {
	case ch <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *LocalQueue) Consume(ctx context.Context, lane Lane, workers int, fn Handler) error {
	ch, ok := q.lanes[lane]
	if !ok {
		return ErrUnknownLane
	}
	if workers <= 0 {
		workers = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-ch:
					if err := fn(ctx, job); err != nil && !errors.Is(err, context.Canceled) {
						q.logger.Warn("Local job handler returned error",
							zap.String("job_id", job.ID),
							zap.String("job", job.Name),
							zap.Error(err),
						)
					}
				}
			}
		}()
	}
	wg.Wait()
	return nil
}

func (q *LocalQueue) DeadLetter(ctx context.Context, job *Job, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead = append(q.dead, DeadLetter{Job: *job, Error: cause.Error(), FailedAt: time.Now()})
	return nil
}

// DeadLetters 返回死信副本
func (q *LocalQueue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadLetter, len(q.dead))
	copy(out, q.dead)
	return out
}

func (q *LocalQueue) Depth(lane Lane) int {
	ch, ok := q.lanes[lane]
	if !ok {
		return -1
	}
	return len(ch)
}

func (q *LocalQueue) Close() error {
	return nil
}
