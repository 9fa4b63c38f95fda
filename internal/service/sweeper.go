package service

import (
	"context"
	"fmt"
	"time"

	"eventnotify/internal/dispatcher"
	"eventnotify/internal/repository"
	"eventnotify/pkg/logger"

	"go.uber.org/zap"
)

const (
	DefaultStaleAfter = 5 * time.Minute
	DefaultSweepBatch = 100
)

// Sweeper 重新入队长时间停留在 pending 且没有有效租约的记录
// （入队失败、worker 崩溃、熔断推迟的投递）
type Sweeper struct {
	store      repository.NotificationStore
	jobs       Enqueuer
	staleAfter time.Duration
	batch      int
	logger     *zap.Logger
}

func NewSweeper(store repository.NotificationStore, jobs Enqueuer, staleAfter time.Duration, batch int, logger *zap.Logger) *Sweeper {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if batch <= 0 {
		batch = DefaultSweepBatch
	}
	return &Sweeper{
		store:      store,
		jobs:       jobs,
		staleAfter: staleAfter,
		batch:      batch,
		logger:     logger,
	}
}

// Sweep 返回重新入队的数量
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.store.ListStalePending(ctx, now.Add(-s.staleAfter), s.batch)
	if err != nil {
		return 0, fmt.Errorf("list stale pending notifications: %w", err)
	}

	log := logger.WithTrace(ctx, s.logger)
	requeued := 0
	for _, id := range ids {
		if _, err := s.jobs.Enqueue(ctx, dispatcher.LaneHigh, JobDeliverNotification, DeliverPayload{NotificationID: id}); err != nil {
			log.Warn("Failed to re-enqueue stale notification", zap.Int64("notification_id", id), zap.Error(err))
			continue
		}
		requeued++
	}

	if len(ids) > 0 {
		log.Info("Stale pending notifications re-enqueued",
			zap.Int("found", len(ids)),
			zap.Int("requeued", requeued),
		)
	}
	return requeued, nil
}
