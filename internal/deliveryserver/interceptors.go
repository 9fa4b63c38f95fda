package deliveryserver

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"eventnotify/contracts/rpc"
	"eventnotify/pkg/logger"
	"eventnotify/pkg/metrics"
	"eventnotify/pkg/otel"
	"eventnotify/pkg/trace"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// observeInterceptor 负责 trace_id、span、日志和指标
func (s *Server) observeInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
	start := time.Now()

	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get(trace.MetadataKey); len(ids) > 0 {
			ctx = trace.WithContext(ctx, ids[0])
		}
	}
	ctx, _ = trace.Ensure(ctx)
	ctx, span := otel.RPCServerSpan(ctx, rpc.ServiceName, "SendNotification")

	metrics.RPCServerInFlight.Inc()
	resp, err := next(ctx, req)
	metrics.RPCServerInFlight.Dec()

	log := logger.WithTrace(ctx, s.logger).With(
		zap.String("method", info.FullMethod),
		zap.Duration("duration", time.Since(start)),
	)

	r, _ := resp.(*rpc.NotificationResponse)
	switch {
	case err != nil:
		metrics.IncrementRPCServerHandled("rejected")
		log.Warn("SendNotification rejected", zap.Error(err))
	case r != nil && r.Success:
		metrics.IncrementRPCServerHandled("success")
		log.Debug("SendNotification handled")
	default:
		metrics.IncrementRPCServerHandled("declined")
		msg := ""
		if r != nil {
			msg = r.Message
		}
		log.Warn("SendNotification declined", zap.String("message", msg))
	}

	otel.EndSpan(span, err)
	return resp, err
}

// limitInterceptor 限制同时处理的调用数，等待期间调用方取消则放弃
func (s *Server) limitInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, status.FromContextError(err).Err()
	}
	defer s.sem.Release(1)
	return next(ctx, req)
}

// recoverInterceptor 把 handler 中的 panic 转成 success=false 响应
func (s *Server) recoverInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithTrace(ctx, s.logger).Error("SendNotification panic recovered",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			resp, err = declined(fmt.Sprint(r)), nil
		}
	}()
	return next(ctx, req)
}
