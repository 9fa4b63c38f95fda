package deliveryserver

import (
	"context"

	"eventnotify/contracts/rpc"
	"eventnotify/pkg/logger"

	"go.uber.org/zap"
)

// Sender 是真正的通知渠道（邮件、短信、推送网关）的接入点
type Sender interface {
	Send(ctx context.Context, req *rpc.NotificationRequest) error
}

// SenderFunc 把普通函数适配为 Sender
type SenderFunc func(ctx context.Context, req *rpc.NotificationRequest) error

func (f SenderFunc) Send(ctx context.Context, req *rpc.NotificationRequest) error {
	return f(ctx, req)
}

// LogSender 只记录请求并总是成功
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, req *rpc.NotificationRequest) error {
	logger.WithTrace(ctx, s.logger).Info("Notification delivered",
		zap.Int64("recipient_id", req.RecipientID),
		zap.String("notification_type", req.NotificationType),
		zap.String("title", req.Title),
		zap.String("message", req.Message),
		zap.String("related_object_type", req.RelatedObjectType),
		zap.Int64("related_object_id", req.RelatedObjectID),
	)
	return nil
}
