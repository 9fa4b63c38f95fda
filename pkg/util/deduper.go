package util

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Deduper struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewDeduper creates a deduper; logger may be nil
func NewDeduper(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *Deduper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deduper{
		rdb:    rdb,
		ttl:    ttl,
		logger: logger,
	}
}

// AcquireOnce tries to acquire a dedup lock for scope + key.
// returns true if this is the FIRST time processing
// returns false if it's a duplicate
func (d *Deduper) AcquireOnce(ctx context.Context, scope, key string) bool {
	if d == nil || d.rdb == nil {
		return true
	}

	dedupKey := "dedup:" + scope + ":" + key
	ok, err := d.rdb.SetNX(ctx, dedupKey, 1, d.ttl).Result()
	if err != nil {
		// Redis 挂了？为了安全：当 redis 不可用时，不阻止处理，返回 true
		d.logger.Warn("Redis dedup check failed, allowing processing",
			zap.String("scope", scope),
			zap.String("key", key),
			zap.Error(err),
		)
		return true
	}

	if !ok {
		d.logger.Info("Skipped duplicated event",
			zap.String("scope", scope),
			zap.String("dedup_key", dedupKey),
		)
	}
	return ok
}

// Release 删除 dedup 锁，处理失败需要重新处理时调用
func (d *Deduper) Release(ctx context.Context, scope, key string) {
	if d == nil || d.rdb == nil {
		return
	}
	if err := d.rdb.Del(ctx, "dedup:"+scope+":"+key).Err(); err != nil {
		d.logger.Warn("Failed to release dedup key",
			zap.String("scope", scope),
			zap.String("key", key),
			zap.Error(err),
		)
	}
}
