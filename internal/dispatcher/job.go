package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Lane 优先级通道，每个通道对应一个独立队列和 worker 池
type Lane string

const (
	// 投递、预订/取消通知、提醒
	LaneHigh Lane = "high_priority"
	// 维护类任务（扫描遗留的 pending 记录）
	LaneDefault Lane = "default"
)

// Lanes 所有已知通道
var Lanes = []Lane{LaneHigh, LaneDefault}

func (l Lane) Valid() bool {
	return l == LaneHigh || l == LaneDefault
}

var (
	ErrQueueFull   = errors.New("dispatcher: lane queue is full")
	ErrUnknownLane = errors.New("dispatcher: unknown lane")
	ErrUnknownJob  = errors.New("dispatcher: no handler registered for job")
)

// Job 队列中传递的任务
type Job struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Lane       Lane            `json:"lane"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Attempt    int             `json:"attempt"`
	TraceID    string          `json:"trace_id,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Decode 把 payload 解码到 out
func (j *Job) Decode(out any) error {
	if len(j.Payload) == 0 {
		return fmt.Errorf("job %s (%s): empty payload", j.ID, j.Name)
	}
	if err := json.Unmarshal(j.Payload, out); err != nil {
		return fmt.Errorf("job %s (%s): decode payload: %w", j.ID, j.Name, err)
	}
	return nil
}

// Handler 处理一个任务。返回 Retry(err) 表示可以重新入队
type Handler func(ctx context.Context, job *Job) error

type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Retry 标记 err 为可重试
func Retry(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}
