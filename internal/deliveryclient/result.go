package deliveryclient

import (
	"errors"
	"fmt"
)

// ResultKind 一次投递尝试的结果类别
type ResultKind string

const (
	KindSent             ResultKind = "sent"
	KindNotFound         ResultKind = "not_found"
	KindAlreadyProcessed ResultKind = "already_processed"
	KindChannelError     ResultKind = "channel_error"
	// 存储层错误：记录保持 pending，可重试
	KindStoreError ResultKind = "store_error"
	// 熔断打开或调用方取消：租约已释放，记录保持 pending，可重试
	KindDeferred ResultKind = "deferred"
)

// ErrDeclined 远程服务返回 success=false
var ErrDeclined = errors.New("delivery declined by remote service")

// ChannelError 远程调用失败（超时、连接拒绝或 success=false）
type ChannelError struct {
	NotificationID int64
	Cause          error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("notification %d: channel error: %v", e.NotificationID, e.Cause)
}

func (e *ChannelError) Unwrap() error {
	return e.Cause
}

// Result 是 Deliver 的描述性结果，从不以 panic 或未处理错误的形式返回
type Result struct {
	Kind           ResultKind
	NotificationID int64
	Message        string
	Err            error
	// 已经调用过远程服务（之后的状态写入失败也不能立即重试，否则会重复发送）
	Called bool
}

// Retryable 记录仍为 pending 且重试不会造成重复发送时为 true
func (r Result) Retryable() bool {
	switch r.Kind {
	case KindDeferred:
		return true
	case KindStoreError:
		return !r.Called
	}
	return false
}

func (r Result) String() string {
	return r.Message
}
