package mq

import "time"

// 投递结果事件（经 outbox 发布到 events exchange，由业务后端消费）
const (
	RoutingKeyNotificationSent   = "notification.sent"
	RoutingKeyNotificationFailed = "notification.failed"
)

type NotificationSentPayload struct {
	NotificationID   int64     `json:"notification_id"`
	RecipientID      int64     `json:"recipient_id"`
	NotificationType string    `json:"notification_type"`
	SentAt           time.Time `json:"sent_at"`
	TraceID          string    `json:"trace_id,omitempty"`
}

type NotificationFailedPayload struct {
	NotificationID   int64     `json:"notification_id"`
	RecipientID      int64     `json:"recipient_id"`
	NotificationType string    `json:"notification_type"`
	Error            string    `json:"error"`
	FailedAt         time.Time `json:"failed_at"`
	TraceID          string    `json:"trace_id,omitempty"`
}
