package repository

import (
	"context"
	"time"

	"eventnotify/internal/model"
)

// NotificationStore 持久化通知记录，并负责状态迁移规则
type NotificationStore interface {
	Create(ctx context.Context, n model.NewNotification) (*model.Notification, error)
	CreateBatch(ctx context.Context, ns []model.NewNotification) ([]*model.Notification, error)
	Get(ctx context.Context, id int64) (*model.Notification, error)
	ListByRecipient(ctx context.Context, recipientID int64, limit int) ([]*model.Notification, error)

	// Claim 在记录仍为 pending 且无有效租约时占用投递租约。
	// 返回 model.ErrNotFound / model.ErrAlreadyProcessed / model.ErrInFlight
	Claim(ctx context.Context, id int64, lease time.Duration) error

	// Release 释放投递租约，记录保持 pending；非 pending 记录不受影响
	Release(ctx context.Context, id int64) error

	// Transition 原子地 pending -> sent|failed；非 pending 时返回 AppliedAlreadyProcessed
	Transition(ctx context.Context, id int64, outcome model.Outcome, detail string) (model.Applied, error)

	MarkAsRead(ctx context.Context, id int64) error

	// ListStalePending 返回创建早于 olderThan、且没有有效租约的 pending 记录 id
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]int64, error)
}

// ReservationSource 只读访问业务后端的预订和活动
type ReservationSource interface {
	GetReservation(ctx context.Context, id int64) (*model.Reservation, error)
	ListConfirmedByEvent(ctx context.Context, eventID int64) ([]model.Reservation, error)
	ListUpcomingStarting(ctx context.Context, from, to time.Time) ([]model.Reservation, error)
}
