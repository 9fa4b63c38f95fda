package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"eventnotify/pkg/logger"
	"eventnotify/pkg/metrics"
	"eventnotify/pkg/trace"
	"eventnotify/pkg/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// LaneConfig 每个通道的 worker 数和限速（RatePerSecond 为 0 表示不限速）
type LaneConfig struct {
	Workers       int     `yaml:"workers"`
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

type Config struct {
	High    LaneConfig  `yaml:"high_priority"`
	Default LaneConfig  `yaml:"default"`
	Retry   RetryPolicy `yaml:"retry"`
	// 本地队列每个通道的缓冲大小
	Buffer int `yaml:"buffer"`
}

func (c Config) lane(l Lane) LaneConfig {
	lc := c.Default
	if l == LaneHigh {
		lc = c.High
	}
	if lc.Workers <= 0 {
		lc.Workers = 4
		if l == LaneDefault {
			lc.Workers = 1
		}
	}
	return lc
}

type Option func(*Dispatcher)

// WithDeduper 用 Redis 跳过重复投递的同一任务（同一 id 同一 attempt）
func WithDeduper(d *util.Deduper) Option {
	return func(ds *Dispatcher) {
		ds.dedup = d
	}
}

// Dispatcher 把任务分发到通道并执行已注册的 handler
type Dispatcher struct {
	queue    Queue
	cfg      Config
	logger   *zap.Logger
	dedup    *util.Deduper
	limiters map[Lane]*rate.Limiter

	mu       sync.RWMutex
	handlers map[string]Handler

	retries sync.WaitGroup
	done    chan struct{}
	once    sync.Once
}

func New(queue Queue, cfg Config, logger *zap.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		queue:    queue,
		cfg:      cfg,
		logger:   logger,
		limiters: make(map[Lane]*rate.Limiter, len(Lanes)),
		handlers: make(map[string]Handler),
		done:     make(chan struct{}),
	}
	for _, lane := range Lanes {
		lc := cfg.lane(lane)
		if lc.RatePerSecond > 0 {
			burst := lc.Burst
			if burst <= 0 {
				burst = 1
			}
			d.limiters[lane] = rate.NewLimiter(rate.Limit(lc.RatePerSecond), burst)
		}
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register 注册任务 handler，同名覆盖
func (d *Dispatcher) Register(name string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[name] = h
}

func (d *Dispatcher) handler(name string) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[name]
	return h, ok
}

// Enqueue 把任务放入 lane，立即返回任务 id
func (d *Dispatcher) Enqueue(ctx context.Context, lane Lane, name string, payload any) (string, error) {
	if !lane.Valid() {
		return "", fmt.Errorf("%w: %s", ErrUnknownLane, lane)
	}
	if _, ok := d.handler(name); !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}

	var raw json.RawMessage
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		raw = p
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("marshal payload for %s: %w", name, err)
		}
		raw = b
	}

	ctx, traceID := trace.Ensure(ctx)
	job := &Job{
		ID:         uuid.NewString(),
		Name:       name,
		Lane:       lane,
		Payload:    raw,
		Attempt:    1,
		TraceID:    traceID,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := d.queue.Publish(ctx, job); err != nil {
		return "", fmt.Errorf("enqueue %s on %s: %w", name, lane, err)
	}
	d.reportDepth(lane)

	logger.WithTrace(ctx, d.logger).Debug("Job enqueued",
		zap.String("job_id", job.ID),
		zap.String("job", name),
		zap.String("lane", string(lane)),
	)
	return job.ID, nil
}

// Run 启动所有通道的 worker，阻塞直到 ctx 结束
func (d *Dispatcher) Run(ctx context.Context) error {
	errCh := make(chan error, len(Lanes))
	var wg sync.WaitGroup
	for _, lane := range Lanes {
		lc := d.cfg.lane(lane)
		d.logger.Info("Starting lane workers",
			zap.String("lane", string(lane)),
			zap.Int("workers", lc.Workers),
			zap.Float64("rate_per_second", lc.RatePerSecond),
		)
		wg.Add(1)
		go func(lane Lane, workers int) {
			defer wg.Done()
			if err := d.queue.Consume(ctx, lane, workers, d.process); err != nil {
				errCh <- fmt.Errorf("lane %s: %w", lane, err)
			}
		}(lane, lc.Workers)
	}
	wg.Wait()

	d.once.Do(func() { close(d.done) })
	d.retries.Wait()
	d.logger.Info("Dispatcher stopped")

	close(errCh)
	// 没有通道出错时读到 nil
	return <-errCh
}

// process 执行一个任务，结果只通过日志和指标报告，不向队列返回错误
func (d *Dispatcher) process(ctx context.Context, job *Job) error {
	start := time.Now()
	if job.TraceID != "" {
		ctx = trace.WithContext(ctx, job.TraceID)
	} else {
		ctx, job.TraceID = trace.Ensure(ctx)
	}
	log := logger.WithTrace(ctx, d.logger).With(
		zap.String("job_id", job.ID),
		zap.String("job", job.Name),
		zap.String("lane", string(job.Lane)),
		zap.Int("attempt", job.Attempt),
	)
	defer d.reportDepth(job.Lane)

	if limiter := d.limiters[job.Lane]; limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			// 停机：交给队列处理（AMQP 会重新入队）
			return err
		}
	}

	if !d.dedup.AcquireOnce(ctx, "job", job.ID+":"+strconv.Itoa(job.Attempt)) {
		metrics.RecordJob(string(job.Lane), job.Name, "duplicate", time.Since(start))
		return nil
	}

	h, ok := d.handler(job.Name)
	if !ok {
		log.Error("No handler registered, dead-lettering job")
		d.deadLetter(ctx, job, fmt.Errorf("%w: %s", ErrUnknownJob, job.Name), log)
		metrics.RecordJob(string(job.Lane), job.Name, "dead_letter", time.Since(start))
		return nil
	}

	panicked, herr := d.invoke(ctx, h, job, log)
	switch {
	case panicked:
		d.deadLetter(ctx, job, herr, log)
		metrics.RecordJob(string(job.Lane), job.Name, "panic", time.Since(start))
	case herr == nil:
		log.Debug("Job completed", zap.Duration("duration", time.Since(start)))
		metrics.RecordJob(string(job.Lane), job.Name, "ok", time.Since(start))
	default:
		d.fail(ctx, job, herr, start, log)
	}
	return nil
}

func (d *Dispatcher) invoke(ctx context.Context, h Handler, job *Job, log *zap.Logger) (panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Job handler panic recovered",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			panicked, err = true, fmt.Errorf("panic: %v", r)
		}
	}()
	return false, h(ctx, job)
}

func (d *Dispatcher) fail(ctx context.Context, job *Job, err error, start time.Time, log *zap.Logger) {
	retryable, errType := classify(err)
	log = log.With(zap.Error(err), zap.String("error_type", errType), zap.Bool("retryable", retryable))

	if !retryable {
		log.Error("Job failed")
		metrics.RecordJob(string(job.Lane), job.Name, "error", time.Since(start))
		return
	}

	maxAttempts := d.cfg.Retry.maxAttempts()
	if !util.ShouldRetry(job.Attempt, maxAttempts, retryable) {
		log.Error("Job failed, retries exhausted", zap.Int("max_attempts", maxAttempts))
		d.deadLetter(ctx, job, err, log)
		metrics.RecordJob(string(job.Lane), job.Name, "dead_letter", time.Since(start))
		return
	}

	delay := d.cfg.Retry.Backoff(job.Attempt)
	log.Warn("Job failed, scheduling retry", zap.Duration("backoff", delay))
	metrics.RecordJob(string(job.Lane), job.Name, "retry", time.Since(start))
	d.scheduleRetry(job, delay)
}

func (d *Dispatcher) scheduleRetry(job *Job, delay time.Duration) {
	next := *job
	next.Attempt++
	next.EnqueuedAt = time.Now().UTC()

	d.retries.Add(1)
	go func() {
		defer d.retries.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-d.done:
			d.logger.Warn("Dispatcher stopped before retry was due, dropping job",
				zap.String("job_id", next.ID),
				zap.String("job", next.Name),
				zap.Int("attempt", next.Attempt),
			)
			return
		case <-timer.C:
		}

		ctx := trace.WithContext(context.Background(), next.TraceID)
		if err := d.queue.Publish(ctx, &next); err != nil {
			d.logger.Error("Failed to re-enqueue job",
				zap.String("job_id", next.ID),
				zap.String("job", next.Name),
				zap.Error(err),
			)
		}
	}()
}

func (d *Dispatcher) deadLetter(ctx context.Context, job *Job, cause error, log *zap.Logger) {
	// ctx 可能已经结束，死信仍然要写
	if err := d.queue.DeadLetter(context.WithoutCancel(ctx), job, cause); err != nil {
		log.Error("Failed to dead-letter job", zap.Error(err))
	}
}

func (d *Dispatcher) reportDepth(lane Lane) {
	if depth := d.queue.Depth(lane); depth >= 0 {
		metrics.SetLaneDepth(string(lane), depth)
	}
}
