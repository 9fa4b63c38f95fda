package dispatcher

import (
	"errors"
	"time"

	"eventnotify/pkg/util"
)

const (
	DefaultBaseDelay = time.Second
	DefaultMaxDelay  = 5 * time.Minute
)

// RetryPolicy 只作用于可重试的失败。MaxAttempts 默认 1，即不重试
type RetryPolicy struct {
	MaxAttempts int `yaml:"max_attempts"`
	BaseDelayMS int `yaml:"base_delay_ms"`
	MaxDelayMS  int `yaml:"max_delay_ms"`
}

func (p RetryPolicy) maxAttempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// Backoff 第 attempt 次失败后的等待时间：base * 2^(attempt-1)，不超过上限
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	base := time.Duration(p.BaseDelayMS) * time.Millisecond
	if base <= 0 {
		base = DefaultBaseDelay
	}
	limit := time.Duration(p.MaxDelayMS) * time.Millisecond
	if limit <= 0 {
		limit = DefaultMaxDelay
	}
	if attempt < 1 {
		attempt = 1
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= limit {
			return limit
		}
	}
	if delay > limit {
		return limit
	}
	return delay
}

// classify 显式 Retry 优先，其余交给通用错误分类
func classify(err error) (bool, string) {
	var r *retryableError
	if errors.As(err, &r) {
		return true, "retryable"
	}
	return util.IsRetryableError(err)
}
