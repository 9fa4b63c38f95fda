package service

import (
	"context"
	"errors"
	"time"

	"eventnotify/internal/deliveryclient"
	"eventnotify/internal/dispatcher"
	"eventnotify/internal/model"
	"eventnotify/internal/repository"
	"eventnotify/pkg/logger"

	"go.uber.org/zap"
)

// Deliverer 由 *deliveryclient.Client 实现
type Deliverer interface {
	Deliver(ctx context.Context, id int64) deliveryclient.Result
}

// Registrar 由 *dispatcher.Dispatcher 实现
type Registrar interface {
	Register(name string, h dispatcher.Handler)
}

// Jobs 把业务操作包装成 dispatcher 任务
type Jobs struct {
	Notifier  *Notifier
	Reminders *ReminderService
	Sweeper   *Sweeper
	Delivery  Deliverer
	Logger    *zap.Logger
	// 测试时替换
	Now func() time.Time
}

func (j *Jobs) now() time.Time {
	if j.Now != nil {
		return j.Now()
	}
	return time.Now()
}

// Register 注册所有任务 handler
func (j *Jobs) Register(r Registrar) {
	r.Register(JobDeliverNotification, j.deliver)
	r.Register(JobSendBookingNotification, j.booking)
	r.Register(JobSendCancellationNotification, j.cancellation)
	r.Register(JobSendEventUpdateNotification, j.eventUpdate)
	r.Register(JobSendEventReminders, j.reminders)
	r.Register(JobSweepPendingNotifications, j.sweep)
}

// deliver 投递结果只有存储层临时错误和熔断推迟需要重试，其余都是描述性结果
func (j *Jobs) deliver(ctx context.Context, job *dispatcher.Job) error {
	var p DeliverPayload
	if err := job.Decode(&p); err != nil {
		return err
	}
	res := j.Delivery.Deliver(ctx, p.NotificationID)
	if res.Retryable() {
		return dispatcher.Retry(res.Err)
	}
	return nil
}

func (j *Jobs) booking(ctx context.Context, job *dispatcher.Job) error {
	var p ReservationPayload
	if err := job.Decode(&p); err != nil {
		return err
	}
	rec, err := j.Notifier.NotifyBooking(ctx, p.ReservationID)
	return j.reportCreated(ctx, "booking", p.ReservationID, rec, err)
}

func (j *Jobs) cancellation(ctx context.Context, job *dispatcher.Job) error {
	var p ReservationPayload
	if err := job.Decode(&p); err != nil {
		return err
	}
	rec, err := j.Notifier.NotifyCancellation(ctx, p.ReservationID)
	return j.reportCreated(ctx, "cancellation", p.ReservationID, rec, err)
}

func (j *Jobs) reportCreated(ctx context.Context, kind string, reservationID int64, rec *model.Notification, err error) error {
	log := logger.WithTrace(ctx, j.Logger).With(
		zap.String("kind", kind),
		zap.Int64("reservation_id", reservationID),
	)
	if errors.Is(err, repository.ErrReservationNotFound) {
		log.Warn("Reservation not found, notification skipped")
		return nil
	}
	if err != nil {
		return err
	}
	log.Info("Notification created", zap.Int64("notification_id", rec.ID))
	return nil
}

func (j *Jobs) eventUpdate(ctx context.Context, job *dispatcher.Job) error {
	var p EventUpdatePayload
	if err := job.Decode(&p); err != nil {
		return err
	}
	_, err := j.Notifier.NotifyEventUpdate(ctx, p.EventID, p.Changes)
	return err
}

func (j *Jobs) reminders(ctx context.Context, job *dispatcher.Job) error {
	_, err := j.Reminders.SendReminders(ctx, j.now())
	return err
}

func (j *Jobs) sweep(ctx context.Context, job *dispatcher.Job) error {
	_, err := j.Sweeper.Sweep(ctx, j.now())
	return err
}
