package redis

import (
	"context"
	"fmt"
	"time"

	"eventnotify/pkg/config"

	"github.com/redis/go-redis/v9"
)

var Rdb *redis.Client

// NewRedisClient 创建 Redis 客户端并 ping 一次
func NewRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	Rdb = redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := Rdb.Ping(ctx).Err(); err != nil {
		_ = Rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return Rdb, nil
}
