package deliveryserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"eventnotify/contracts/rpc"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"google.golang.org/grpc"
)

const (
	DefaultAddr          = ":50051"
	DefaultMaxConcurrent = 10

	MessageSent       = "Notification sent successfully"
	messageFailPrefix = "Failed to send notification: "
)

var (
	ErrNotIdle       = errors.New("delivery server already started")
	ErrServerStopped = errors.New("delivery server stopped")
)

// State 服务生命周期：idle -> listening -> stopped
type State int32

const (
	StateIdle State = iota
	StateListening
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type Config struct {
	Addr string `yaml:"addr"`
	// 同时处理的调用数上限，超出的调用排队等待
	MaxConcurrent int `yaml:"max_concurrent"`
	// 0 表示立即停止，不等待处理中的调用
	GracePeriodSeconds int `yaml:"grace_period_seconds"`
}

func (c Config) normalized() Config {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.GracePeriodSeconds < 0 {
		c.GracePeriodSeconds = 0
	}
	return c
}

// Server 是 notifications.NotificationService 的实现
type Server struct {
	cfg    Config
	sender Sender
	logger *zap.Logger
	sem    *semaphore.Weighted
	grpc   *grpc.Server
	state  atomic.Int32
}

func New(cfg Config, sender Sender, logger *zap.Logger) *Server {
	cfg = cfg.normalized()
	s := &Server{
		cfg:    cfg,
		sender: sender,
		logger: logger,
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
	}
	s.grpc = grpc.NewServer(
		rpc.ServerCodec(),
		grpc.ChainUnaryInterceptor(s.observeInterceptor, s.limitInterceptor, s.recoverInterceptor),
	)
	rpc.RegisterNotificationServiceServer(s.grpc, &handler{sender: sender})
	return s
}

func (s *Server) State() State {
	return State(s.state.Load())
}

// Ready 供 /readyz 使用
func (s *Server) Ready(ctx context.Context) error {
	if st := s.State(); st != StateListening {
		return fmt.Errorf("delivery server is %s", st)
	}
	return nil
}

// Serve 在 lis 上阻塞处理调用，Stop 之后返回 nil
func (s *Server) Serve(lis net.Listener) error {
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateListening)) {
		if s.State() == StateStopped {
			return ErrServerStopped
		}
		return ErrNotIdle
	}

	s.logger.Info("Delivery service listening",
		zap.String("addr", lis.Addr().String()),
		zap.Int("max_concurrent", s.cfg.MaxConcurrent),
	)
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("delivery server: %w", err)
	}
	return nil
}

func (s *Server) ListenAndServe() error {
	lis, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(lis)
}

// Stop 停止接收新调用。宽限期为 0 时立即断开处理中的调用，
// 否则最多等待宽限期（或 ctx 结束）后强制停止
func (s *Server) Stop(ctx context.Context) {
	prev := State(s.state.Swap(int32(StateStopped)))
	if prev == StateStopped {
		return
	}

	grace := time.Duration(s.cfg.GracePeriodSeconds) * time.Second
	s.logger.Info("Stopping delivery service", zap.Duration("grace_period", grace))

	if grace <= 0 {
		s.grpc.Stop()
		return
	}

	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		s.logger.Warn("Grace period elapsed, forcing stop")
		s.grpc.Stop()
	case <-ctx.Done():
		s.grpc.Stop()
	}
}

type handler struct {
	sender Sender
}

func (h *handler) SendNotification(ctx context.Context, req *rpc.NotificationRequest) (*rpc.NotificationResponse, error) {
	if err := h.sender.Send(ctx, req); err != nil {
		return declined(err.Error()), nil
	}
	return &rpc.NotificationResponse{Success: true, Message: MessageSent}, nil
}

func declined(reason string) *rpc.NotificationResponse {
	return &rpc.NotificationResponse{
		Success: false,
		Message: messageFailPrefix + reason,
	}
}
