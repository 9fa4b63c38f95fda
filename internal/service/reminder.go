package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"eventnotify/internal/model"
	"eventnotify/internal/repository"
	"eventnotify/pkg/logger"
	"eventnotify/pkg/util"

	"go.uber.org/zap"
)

// 提醒窗口：开始时间在 [now+1h, now+2h] 内的活动
const (
	reminderWindowStart = time.Hour
	reminderWindowEnd   = 2 * time.Hour
)

type ReminderService struct {
	store        repository.NotificationStore
	reservations repository.ReservationSource
	notifier     *Notifier
	dedup        *util.Deduper
	logger       *zap.Logger
}

// NewReminderService dedup 可以为 nil：定时任务每小时跑一次而窗口宽一小时，
// 同一个预订最多被两次扫描命中，dedup 负责去掉第二次
func NewReminderService(store repository.NotificationStore, reservations repository.ReservationSource, notifier *Notifier, dedup *util.Deduper, logger *zap.Logger) *ReminderService {
	return &ReminderService{
		store:        store,
		reservations: reservations,
		notifier:     notifier,
		dedup:        dedup,
		logger:       logger,
	}
}

// SendReminders 为即将开始的活动批量创建提醒并入队投递，返回创建的数量
func (s *ReminderService) SendReminders(ctx context.Context, now time.Time) (int, error) {
	from, to := now.Add(reminderWindowStart), now.Add(reminderWindowEnd)
	list, err := s.reservations.ListUpcomingStarting(ctx, from, to)
	if err != nil {
		return 0, fmt.Errorf("list upcoming reservations: %w", err)
	}

	var (
		batch []model.NewNotification
		keys  []string
	)
	for i := range list {
		res := &list[i]
		key := reminderKey(res)
		if !s.dedup.AcquireOnce(ctx, "reminder", key) {
			continue
		}
		keys = append(keys, key)
		batch = append(batch, ReminderNotification(res))
	}

	log := logger.WithTrace(ctx, s.logger).With(
		zap.Time("window_from", from),
		zap.Time("window_to", to),
	)
	if len(batch) == 0 {
		log.Debug("No event reminders due", zap.Int("matched", len(list)))
		return 0, nil
	}

	created, err := s.store.CreateBatch(ctx, batch)
	if err != nil {
		// 下一次扫描需要重新处理这些预订
		for _, key := range keys {
			s.dedup.Release(ctx, "reminder", key)
		}
		return 0, fmt.Errorf("create reminders: %w", err)
	}
	for _, rec := range created {
		s.notifier.dispatch(ctx, rec.ID)
	}

	log.Info("Event reminders created",
		zap.Int("matched", len(list)),
		zap.Int("created", len(created)),
	)
	return len(created), nil
}

// reminderKey 活动改期后同一预订可以再次提醒
func reminderKey(res *model.Reservation) string {
	return strconv.FormatInt(res.ID, 10) + ":" + strconv.FormatInt(res.EventStart.Unix(), 10)
}
