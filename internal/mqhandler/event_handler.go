package mqhandler

import (
	"context"
	"encoding/json"
	"fmt"

	contractmq "eventnotify/contracts/mq"
	"eventnotify/internal/dispatcher"
	"eventnotify/internal/service"
	"eventnotify/pkg/logger"
	"eventnotify/pkg/mq"
	"eventnotify/pkg/trace"

	"go.uber.org/zap"
)

// EventFanOut 由 *service.Notifier 实现
type EventFanOut interface {
	NotifyEventCancelled(ctx context.Context, eventID int64) (int, error)
}

// EventHandler 把业务后端的事件转换成通知任务
type EventHandler struct {
	jobs     service.Enqueuer
	notifier EventFanOut
	logger   *zap.Logger
}

func NewEventHandler(jobs service.Enqueuer, notifier EventFanOut, logger *zap.Logger) *EventHandler {
	return &EventHandler{
		jobs:     jobs,
		notifier: notifier,
		logger:   logger,
	}
}

// Binding 一个队列及其 routing key 和 handler
type Binding struct {
	Queue      string
	RoutingKey string
	Handle     mq.MessageHandler
}

func (h *EventHandler) Bindings() []Binding {
	return []Binding{
		{Queue: queueName(contractmq.RoutingKeyReservationBooked), RoutingKey: contractmq.RoutingKeyReservationBooked, Handle: h.HandleReservationBooked},
		{Queue: queueName(contractmq.RoutingKeyReservationCancelled), RoutingKey: contractmq.RoutingKeyReservationCancelled, Handle: h.HandleReservationCancelled},
		{Queue: queueName(contractmq.RoutingKeyEventCancelled), RoutingKey: contractmq.RoutingKeyEventCancelled, Handle: h.HandleEventCancelled},
		{Queue: queueName(contractmq.RoutingKeyEventUpdated), RoutingKey: contractmq.RoutingKeyEventUpdated, Handle: h.HandleEventUpdated},
	}
}

func queueName(routingKey string) string {
	return "notifications." + routingKey
}

// decode 格式错误的消息直接丢弃（ack），重投也不会成功
func (h *EventHandler) decode(ctx context.Context, routingKey string, raw json.RawMessage, out any) bool {
	if err := json.Unmarshal(raw, out); err != nil {
		logger.WithTrace(ctx, h.logger).Error("Malformed event payload, dropping",
			zap.String("routing_key", routingKey),
			zap.Error(err),
		)
		return false
	}
	return true
}

// withPayloadTrace payload 中的 trace_id 优先于消息头
func withPayloadTrace(ctx context.Context, traceID string) context.Context {
	if traceID != "" {
		return trace.WithContext(ctx, traceID)
	}
	return ctx
}

// HandleReservationBooked -- 预订成功，排一个预订通知任务
func (h *EventHandler) HandleReservationBooked(ctx context.Context, raw json.RawMessage) error {
	var p contractmq.ReservationBookedPayload
	if !h.decode(ctx, contractmq.RoutingKeyReservationBooked, raw, &p) {
		return nil
	}
	ctx = withPayloadTrace(ctx, p.TraceID)
	return h.enqueueReservation(ctx, contractmq.RoutingKeyReservationBooked, service.JobSendBookingNotification, p.ReservationID)
}

// HandleReservationCancelled -- 单个预订所属的活动被取消
func (h *EventHandler) HandleReservationCancelled(ctx context.Context, raw json.RawMessage) error {
	var p contractmq.ReservationCancelledPayload
	if !h.decode(ctx, contractmq.RoutingKeyReservationCancelled, raw, &p) {
		return nil
	}
	ctx = withPayloadTrace(ctx, p.TraceID)
	return h.enqueueReservation(ctx, contractmq.RoutingKeyReservationCancelled, service.JobSendCancellationNotification, p.ReservationID)
}

func (h *EventHandler) enqueueReservation(ctx context.Context, routingKey, job string, reservationID int64) error {
	log := logger.WithTrace(ctx, h.logger).With(
		zap.String("routing_key", routingKey),
		zap.Int64("reservation_id", reservationID),
	)
	if reservationID <= 0 {
		log.Error("Event without reservation_id, dropping")
		return nil
	}

	jobID, err := h.jobs.Enqueue(ctx, dispatcher.LaneHigh, job, service.ReservationPayload{ReservationID: reservationID})
	if err != nil {
		log.Error("Failed to enqueue notification job", zap.Error(err))
		return fmt.Errorf("enqueue %s for reservation %d: %w", job, reservationID, err)
	}
	log.Info("Notification job enqueued", zap.String("job", job), zap.String("job_id", jobID))
	return nil
}

// HandleEventCancelled -- 活动取消，给每个已确认的预订发取消通知
func (h *EventHandler) HandleEventCancelled(ctx context.Context, raw json.RawMessage) error {
	var p contractmq.EventCancelledPayload
	if !h.decode(ctx, contractmq.RoutingKeyEventCancelled, raw, &p) {
		return nil
	}
	ctx = withPayloadTrace(ctx, p.TraceID)
	if p.EventID <= 0 {
		logger.WithTrace(ctx, h.logger).Error("event.cancelled without event_id, dropping")
		return nil
	}

	if _, err := h.notifier.NotifyEventCancelled(ctx, p.EventID); err != nil {
		logger.WithTrace(ctx, h.logger).Error("Failed to fan out event cancellation",
			zap.Int64("event_id", p.EventID),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// HandleEventUpdated -- 活动信息变更
func (h *EventHandler) HandleEventUpdated(ctx context.Context, raw json.RawMessage) error {
	var p contractmq.EventUpdatedPayload
	if !h.decode(ctx, contractmq.RoutingKeyEventUpdated, raw, &p) {
		return nil
	}
	ctx = withPayloadTrace(ctx, p.TraceID)
	log := logger.WithTrace(ctx, h.logger).With(zap.Int64("event_id", p.EventID))
	if p.EventID <= 0 {
		log.Error("event.updated without event_id, dropping")
		return nil
	}

	jobID, err := h.jobs.Enqueue(ctx, dispatcher.LaneHigh, service.JobSendEventUpdateNotification,
		service.EventUpdatePayload{EventID: p.EventID, Changes: p.Changes})
	if err != nil {
		log.Error("Failed to enqueue event update job", zap.Error(err))
		return fmt.Errorf("enqueue event update for event %d: %w", p.EventID, err)
	}
	log.Info("Event update job enqueued", zap.String("job_id", jobID), zap.Strings("changes", p.Changes))
	return nil
}
