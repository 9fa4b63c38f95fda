package deliveryclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"eventnotify/contracts/rpc"
	"eventnotify/internal/model"
	"eventnotify/internal/repository"
	"eventnotify/pkg/circuitbreaker"
	"eventnotify/pkg/logger"
	"eventnotify/pkg/metrics"
	"eventnotify/pkg/otel"
	"eventnotify/pkg/trace"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	DefaultTarget  = "grpc:50051"
	DefaultTimeout = 5 * time.Second
	// 租约要覆盖一次完整的远程调用和状态写入
	DefaultClaimLease = 30 * time.Second
)

type Config struct {
	Target            string                `yaml:"target"`
	TimeoutSeconds    int                   `yaml:"timeout_seconds"`
	ClaimLeaseSeconds int                   `yaml:"claim_lease_seconds"`
	Breaker           circuitbreaker.Config `yaml:"breaker"`
}

func (c Config) timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return DefaultTimeout
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c Config) lease() time.Duration {
	if c.ClaimLeaseSeconds <= 0 {
		return DefaultClaimLease
	}
	return time.Duration(c.ClaimLeaseSeconds) * time.Second
}

// Client 加载通知记录、调用投递服务并根据结果迁移状态
type Client struct {
	store   repository.NotificationStore
	remote  rpc.NotificationServiceClient
	conn    *grpc.ClientConn
	breaker *circuitbreaker.CircuitBreaker
	timeout time.Duration
	lease   time.Duration
	logger  *zap.Logger
}

// Dial 建立一个长连接（不加密、不认证），所有投递复用
func Dial(cfg Config, store repository.NotificationStore, logger *zap.Logger) (*Client, error) {
	target := cfg.Target
	if target == "" {
		target = DefaultTarget
	}
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create delivery client for %s: %w", target, err)
	}
	c := New(cfg, store, rpc.NewNotificationServiceClient(conn), logger)
	c.conn = conn
	logger.Info("Delivery client initialized",
		zap.String("target", target),
		zap.Duration("timeout", c.timeout),
		zap.Bool("circuit_breaker", cfg.Breaker.Enabled),
	)
	return c, nil
}

func New(cfg Config, store repository.NotificationStore, remote rpc.NotificationServiceClient, logger *zap.Logger) *Client {
	c := &Client{
		store:   store,
		remote:  remote,
		timeout: cfg.timeout(),
		lease:   cfg.lease(),
		logger:  logger,
	}
	if cfg.Breaker.Enabled {
		c.breaker = circuitbreaker.NewCircuitBreaker(cfg.Breaker)
		c.breaker.OnStateChange(func(from, to circuitbreaker.State) {
			logger.Warn("Delivery circuit breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		})
	}
	return c
}

func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Deliver 对一条通知做一次投递尝试，不做自动重试
func (c *Client) Deliver(ctx context.Context, id int64) Result {
	ctx, _ = trace.Ensure(ctx)
	log := logger.WithTrace(ctx, c.logger).With(zap.Int64("notification_id", id))

	res := c.deliver(ctx, id, log)
	metrics.IncrementDeliveryOutcome(string(res.Kind))

	fields := []zap.Field{zap.String("result", string(res.Kind)), zap.String("message", res.Message)}
	switch res.Kind {
	case KindSent:
		log.Info("Notification delivered", fields...)
	case KindAlreadyProcessed:
		log.Info("Notification already processed, skipping", fields...)
	case KindNotFound:
		log.Warn("Notification not found, discarding job", fields...)
	default:
		log.Error("Notification delivery failed", append(fields, zap.Error(res.Err))...)
	}
	return res
}

func (c *Client) deliver(ctx context.Context, id int64, log *zap.Logger) Result {
	n, err := c.store.Get(ctx, id)
	if err != nil {
		return c.storeResult(id, err)
	}
	if n.Status != model.StatusPending {
		return alreadyProcessed(id)
	}

	// 同一记录并发投递时只有一个能拿到租约
	if err := c.store.Claim(ctx, id, c.lease); err != nil {
		return c.storeResult(id, err)
	}

	resp, callErr := c.call(ctx, buildRequest(n))
	switch {
	case errors.Is(callErr, circuitbreaker.ErrCircuitBreakerOpen):
		c.release(ctx, id, log)
		return Result{
			Kind:           KindDeferred,
			NotificationID: id,
			Message:        fmt.Sprintf("Notification %d deferred: delivery service circuit open", id),
			Err:            callErr,
		}
	case callErr != nil && ctx.Err() != nil:
		// 调用方自己取消，不能算作渠道失败
		c.release(ctx, id, log)
		return Result{
			Kind:           KindDeferred,
			NotificationID: id,
			Message:        fmt.Sprintf("Notification %d delivery interrupted: %v", id, ctx.Err()),
			Err:            callErr,
			Called:         true,
		}
	case callErr != nil:
		cerr := &ChannelError{NotificationID: id, Cause: callErr}
		return c.finish(ctx, id, model.OutcomeFailed, cerr,
			fmt.Sprintf("Exception while sending notification via gRPC: %v", callErr))
	case !resp.Success:
		cerr := &ChannelError{NotificationID: id, Cause: fmt.Errorf("%w: %s", ErrDeclined, resp.Message)}
		return c.finish(ctx, id, model.OutcomeFailed, cerr,
			fmt.Sprintf("gRPC error: %s", resp.Message))
	}

	log.Debug("Delivery service accepted notification", zap.String("remote_message", resp.Message))
	return c.finish(ctx, id, model.OutcomeSent, nil, fmt.Sprintf("Notification %d sent via gRPC", id))
}

// release 归还租约，让下一次尝试不必等租约过期
func (c *Client) release(ctx context.Context, id int64, log *zap.Logger) {
	if err := c.store.Release(context.WithoutCancel(ctx), id); err != nil {
		log.Warn("Failed to release delivery claim", zap.Error(err))
	}
}

// finish 写入终态；ChannelError 仍然作为结果返回
func (c *Client) finish(ctx context.Context, id int64, outcome model.Outcome, cerr *ChannelError, message string) Result {
	detail := ""
	if cerr != nil {
		detail = cerr.Cause.Error()
	}

	applied, err := c.store.Transition(ctx, id, outcome, detail)
	if err != nil {
		res := c.storeResult(id, err)
		res.Called = true
		return res
	}
	if applied == model.AppliedAlreadyProcessed {
		return alreadyProcessed(id)
	}

	if cerr != nil {
		return Result{Kind: KindChannelError, NotificationID: id, Message: message, Err: cerr}
	}
	return Result{Kind: KindSent, NotificationID: id, Message: message}
}

func (c *Client) storeResult(id int64, err error) Result {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return Result{Kind: KindNotFound, NotificationID: id, Message: fmt.Sprintf("Notification %d not found", id), Err: err}
	case errors.Is(err, model.ErrAlreadyProcessed), errors.Is(err, model.ErrInFlight):
		return alreadyProcessed(id)
	default:
		return Result{Kind: KindStoreError, NotificationID: id, Message: fmt.Sprintf("Notification %d store error: %v", id, err), Err: err}
	}
}

func alreadyProcessed(id int64) Result {
	return Result{
		Kind:           KindAlreadyProcessed,
		NotificationID: id,
		Message:        fmt.Sprintf("Notification %d is already processed", id),
	}
}

func buildRequest(n *model.Notification) *rpc.NotificationRequest {
	req := &rpc.NotificationRequest{
		RecipientID:      n.RecipientID,
		NotificationType: string(n.Kind),
		Title:            n.Title,
		Message:          n.Message,
	}
	if n.Related != nil {
		req.RelatedObjectType = n.Related.EntityKind
		req.RelatedObjectID = n.Related.EntityID
	}
	return req
}

// call 一次带超时的远程调用；只有传输层错误计入熔断
func (c *Client) call(ctx context.Context, req *rpc.NotificationRequest) (*rpc.NotificationResponse, error) {
	var resp *rpc.NotificationResponse
	invoke := func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		callCtx = metadata.AppendToOutgoingContext(callCtx, trace.MetadataKey, trace.FromContext(ctx))
		callCtx, span := otel.RPCClientSpan(callCtx, rpc.ServiceName, "SendNotification")

		start := time.Now()
		var err error
		resp, err = c.remote.SendNotification(callCtx, req)
		metrics.RecordRPCCallLatency("SendNotification", status.Code(err).String(), time.Since(start))
		otel.EndSpan(span, err)
		return err
	}

	var err error
	if c.breaker == nil {
		err = invoke()
	} else {
		err = c.breaker.Execute(invoke)
	}
	return resp, err
}
