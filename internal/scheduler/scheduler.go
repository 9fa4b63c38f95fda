package scheduler

import (
	"context"
	"fmt"
	"time"

	"eventnotify/internal/dispatcher"
	"eventnotify/internal/service"
	"eventnotify/pkg/trace"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	// 每小时整点：窗口是 [now+1h, now+2h]，每小时扫描一次覆盖所有活动
	DefaultReminderSpec = "0 * * * *"
	DefaultSweepSpec    = "*/5 * * * *"
)

type Config struct {
	ReminderSpec string `yaml:"reminder_spec"`
	SweepSpec    string `yaml:"sweep_spec"`
	// 为空时使用 UTC
	Timezone string `yaml:"timezone"`
}

// Scheduler 定时把周期任务放入 dispatcher，本身不执行业务逻辑
type Scheduler struct {
	cron   *cron.Cron
	jobs   service.Enqueuer
	logger *zap.Logger
}

func New(cfg Config, jobs service.Enqueuer, logger *zap.Logger) (*Scheduler, error) {
	loc := time.UTC
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("scheduler timezone %q: %w", cfg.Timezone, err)
		}
		loc = l
	}
	if cfg.ReminderSpec == "" {
		cfg.ReminderSpec = DefaultReminderSpec
	}
	if cfg.SweepSpec == "" {
		cfg.SweepSpec = DefaultSweepSpec
	}

	s := &Scheduler{
		cron:   cron.New(cron.WithLocation(loc)),
		jobs:   jobs,
		logger: logger,
	}
	if _, err := s.cron.AddFunc(cfg.ReminderSpec, s.enqueueFunc(dispatcher.LaneHigh, service.JobSendEventReminders)); err != nil {
		return nil, fmt.Errorf("invalid reminder spec %q: %w", cfg.ReminderSpec, err)
	}
	if _, err := s.cron.AddFunc(cfg.SweepSpec, s.enqueueFunc(dispatcher.LaneDefault, service.JobSweepPendingNotifications)); err != nil {
		return nil, fmt.Errorf("invalid sweep spec %q: %w", cfg.SweepSpec, err)
	}

	logger.Info("Scheduler configured",
		zap.String("reminder_spec", cfg.ReminderSpec),
		zap.String("sweep_spec", cfg.SweepSpec),
		zap.String("timezone", loc.String()),
	)
	return s, nil
}

func (s *Scheduler) enqueueFunc(lane dispatcher.Lane, job string) func() {
	return func() {
		ctx, traceID := trace.Ensure(context.Background())
		id, err := s.jobs.Enqueue(ctx, lane, job, nil)
		if err != nil {
			s.logger.Error("Failed to enqueue periodic job",
				zap.String("job", job),
				zap.String("trace_id", traceID),
				zap.Error(err),
			)
			return
		}
		s.logger.Debug("Periodic job enqueued",
			zap.String("job", job),
			zap.String("job_id", id),
			zap.String("trace_id", traceID),
		)
	}
}

// Entries 已注册的定时任务数量
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("Scheduler started")
}

// Stop 等待正在运行的回调结束
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("Scheduler stopped")
}
