package outbox

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// ReplayService 重放已放弃的 Outbox 事件
type ReplayService struct {
	repo   *Repository
	logger *zap.Logger
}

func NewReplayService(repo *Repository, logger *zap.Logger) *ReplayService {
	return &ReplayService{repo: repo, logger: logger}
}

// replayEvent 将指定事件重新放回 pending
func (s *ReplayService) replayEvent(ctx context.Context, eventID int64) error {
	if err := s.repo.ResetEvent(ctx, eventID); err != nil {
		return fmt.Errorf("replay event %d: %w", eventID, err)
	}
	return nil
}

// ReplayFailedEvents 重放最多 limit 个 failed 事件，返回成功数量
func (s *ReplayService) ReplayFailedEvents(ctx context.Context, limit int) (int, error) {
	events, err := s.repo.GetFailedEvents(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to get failed events: %w", err)
	}

	replayed := 0
	for _, event := range events {
		if err := s.replayEvent(ctx, event.ID); err != nil {
			s.logger.Warn("Failed to replay outbox event",
				zap.Int64("event_id", event.ID),
				zap.Error(err),
			)
			continue
		}
		replayed++
	}
	return replayed, nil
}
