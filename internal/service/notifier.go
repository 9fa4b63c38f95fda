package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"eventnotify/internal/dispatcher"
	"eventnotify/internal/model"
	"eventnotify/internal/repository"
	"eventnotify/pkg/logger"

	"go.uber.org/zap"
)

// 任务名，同时也是 dispatcher 中注册的 handler 名
const (
	JobDeliverNotification          = "deliver_notification"
	JobSendBookingNotification      = "send_booking_notification"
	JobSendCancellationNotification = "send_cancellation_notification"
	JobSendEventUpdateNotification  = "send_event_update_notification"
	JobSendEventReminders           = "send_event_reminders"
	JobSweepPendingNotifications    = "sweep_pending_notifications"
)

// 活动开始时间在通知正文中的格式，例如 2024-05-01 18:00:00+00:00
const startTimeLayout = "2006-01-02 15:04:05-07:00"

// relatedEvent 通知关联的对象是活动
const relatedEvent = "event"

// Enqueuer 由 *dispatcher.Dispatcher 实现
type Enqueuer interface {
	Enqueue(ctx context.Context, lane dispatcher.Lane, name string, payload any) (string, error)
}

type DeliverPayload struct {
	NotificationID int64 `json:"notification_id"`
}

type ReservationPayload struct {
	ReservationID int64 `json:"reservation_id"`
}

type EventUpdatePayload struct {
	EventID int64    `json:"event_id"`
	Changes []string `json:"changes,omitempty"`
}

// Notifier 创建通知记录并把投递放到高优先级通道
type Notifier struct {
	store        repository.NotificationStore
	reservations repository.ReservationSource
	jobs         Enqueuer
	logger       *zap.Logger
}

func NewNotifier(store repository.NotificationStore, reservations repository.ReservationSource, jobs Enqueuer, logger *zap.Logger) *Notifier {
	return &Notifier{
		store:        store,
		reservations: reservations,
		jobs:         jobs,
		logger:       logger,
	}
}

// Notify 创建记录并异步投递。入队失败只记录日志，记录保持 pending 由 sweeper 补发
func (n *Notifier) Notify(ctx context.Context, nn model.NewNotification) (*model.Notification, error) {
	rec, err := n.store.Create(ctx, nn)
	if err != nil {
		return nil, err
	}
	n.dispatch(ctx, rec.ID)
	return rec, nil
}

func (n *Notifier) dispatch(ctx context.Context, id int64) {
	jobID, err := n.jobs.Enqueue(ctx, dispatcher.LaneHigh, JobDeliverNotification, DeliverPayload{NotificationID: id})
	log := logger.WithTrace(ctx, n.logger).With(zap.Int64("notification_id", id))
	if err != nil {
		log.Warn("Failed to enqueue delivery, notification left pending", zap.Error(err))
		return
	}
	log.Debug("Delivery enqueued", zap.String("job_id", jobID))
}

// NotifyBooking 预订成功通知
func (n *Notifier) NotifyBooking(ctx context.Context, reservationID int64) (*model.Notification, error) {
	res, err := n.reservations.GetReservation(ctx, reservationID)
	if err != nil {
		return nil, fmt.Errorf("booking notification for reservation %d: %w", reservationID, err)
	}
	return n.Notify(ctx, BookingNotification(res))
}

// NotifyCancellation 活动取消时对单个预订的通知
func (n *Notifier) NotifyCancellation(ctx context.Context, reservationID int64) (*model.Notification, error) {
	res, err := n.reservations.GetReservation(ctx, reservationID)
	if err != nil {
		return nil, fmt.Errorf("cancellation notification for reservation %d: %w", reservationID, err)
	}
	return n.Notify(ctx, CancellationNotification(res))
}

// NotifyEventCancelled 为活动的每个已确认预订排一个取消通知任务，返回入队数量
func (n *Notifier) NotifyEventCancelled(ctx context.Context, eventID int64) (int, error) {
	list, err := n.reservations.ListConfirmedByEvent(ctx, eventID)
	if err != nil {
		return 0, fmt.Errorf("list reservations of cancelled event %d: %w", eventID, err)
	}

	var errs []error
	enqueued := 0
	for _, res := range list {
		if _, err := n.jobs.Enqueue(ctx, dispatcher.LaneHigh, JobSendCancellationNotification, ReservationPayload{ReservationID: res.ID}); err != nil {
			errs = append(errs, fmt.Errorf("reservation %d: %w", res.ID, err))
			continue
		}
		enqueued++
	}

	log := logger.WithTrace(ctx, n.logger).With(zap.Int64("event_id", eventID))
	log.Info("Event cancellation fanned out",
		zap.Int("reservations", len(list)),
		zap.Int("enqueued", enqueued),
	)
	if enqueued == 0 {
		return 0, errors.Join(errs...)
	}
	// 部分成功时不返回错误：重新消费会给已入队的预订重复排任务
	if len(errs) > 0 {
		log.Warn("Some cancellation jobs were not enqueued", zap.Int("failed", len(errs)), zap.Error(errors.Join(errs...)))
	}
	return enqueued, nil
}

// NotifyEventUpdate 活动信息变更时通知所有已确认的参与者，返回创建的记录数
func (n *Notifier) NotifyEventUpdate(ctx context.Context, eventID int64, changes []string) (int, error) {
	list, err := n.reservations.ListConfirmedByEvent(ctx, eventID)
	if err != nil {
		return 0, fmt.Errorf("list reservations of updated event %d: %w", eventID, err)
	}
	if len(list) == 0 {
		return 0, nil
	}

	batch := make([]model.NewNotification, 0, len(list))
	for i := range list {
		batch = append(batch, EventUpdateNotification(&list[i], changes))
	}
	created, err := n.store.CreateBatch(ctx, batch)
	if err != nil {
		return 0, fmt.Errorf("create event update notifications for event %d: %w", eventID, err)
	}
	for _, rec := range created {
		n.dispatch(ctx, rec.ID)
	}
	return len(created), nil
}

func eventRef(res *model.Reservation) *model.RelatedRef {
	return &model.RelatedRef{EntityKind: relatedEvent, EntityID: res.EventID}
}

func formatStart(t time.Time) string {
	return t.Format(startTimeLayout)
}

func BookingNotification(res *model.Reservation) model.NewNotification {
	return model.NewNotification{
		RecipientID: res.UserID,
		Kind:        model.KindBooking,
		Title:       "Booking: " + res.EventName,
		Message:     "Booked for " + formatStart(res.EventStart),
		Related:     eventRef(res),
	}
}

func CancellationNotification(res *model.Reservation) model.NewNotification {
	return model.NewNotification{
		RecipientID: res.UserID,
		Kind:        model.KindCancellation,
		Title:       "Event cancelled: " + res.EventName,
		Message: fmt.Sprintf("The event %s scheduled for %s has been cancelled.",
			res.EventName, formatStart(res.EventStart)),
		Related: eventRef(res),
	}
}

func ReminderNotification(res *model.Reservation) model.NewNotification {
	return model.NewNotification{
		RecipientID: res.UserID,
		Kind:        model.KindReminder,
		Title:       "Reminder: " + res.EventName,
		Message:     fmt.Sprintf("Your event %s is starting in about 1 hour.", res.EventName),
		Related:     eventRef(res),
	}
}

func EventUpdateNotification(res *model.Reservation, changes []string) model.NewNotification {
	msg := fmt.Sprintf("The event %s has been updated.", res.EventName)
	if len(changes) > 0 {
		msg = fmt.Sprintf("The event %s has been updated: %s.", res.EventName, strings.Join(changes, ", "))
	}
	return model.NewNotification{
		RecipientID: res.UserID,
		Kind:        model.KindEventUpdate,
		Title:       "Event updated: " + res.EventName,
		Message:     msg,
		Related:     eventRef(res),
	}
}
