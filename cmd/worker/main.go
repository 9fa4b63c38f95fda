package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"eventnotify/internal/config"
	"eventnotify/internal/deliveryclient"
	"eventnotify/internal/dispatcher"
	"eventnotify/internal/httpserver"
	"eventnotify/internal/mqhandler"
	"eventnotify/internal/repository"
	"eventnotify/internal/scheduler"
	"eventnotify/internal/service"
	"eventnotify/pkg/db"
	"eventnotify/pkg/logger"
	"eventnotify/pkg/mq"
	"eventnotify/pkg/otel"
	"eventnotify/pkg/outbox"
	redisclient "eventnotify/pkg/redis"
	"eventnotify/pkg/util"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// 入站事件消费者的并发数
const consumerWorkers = 4

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewLogger(cfg.Log)
	defer log.Sync()

	log.Info("Starting worker...",
		zap.String("storage", cfg.Storage.Driver),
		zap.String("transport", cfg.Dispatcher.Transport),
		zap.String("delivery_target", cfg.Client.Target),
	)

	otelCfg := cfg.Otel
	otelCfg.ServiceName = "notification-worker"
	shutdownTracing, err := otel.Init(otelCfg, log)
	if err != nil {
		log.Fatal("Failed to init OpenTelemetry", zap.Error(err))
	}
	defer shutdownTracing()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var checks []httpserver.ReadinessCheck

	// Storage
	var (
		store        repository.NotificationStore
		reservations repository.ReservationSource
		outboxRepo   *outbox.Repository
	)
	switch cfg.Storage.Driver {
	case config.StoragePostgres:
		log.Info("Initializing database connection...")
		dbConn, err := db.NewConnection(cfg.DB, log)
		if err != nil {
			log.Fatal("Failed to init DB", zap.Error(err))
		}
		defer dbConn.Close()

		if err := db.EnsureSchema(ctx, dbConn); err != nil {
			log.Fatal("Failed to ensure schema", zap.Error(err))
		}
		log.Info("Database connection established successfully")

		store = repository.NewNotificationRepository(dbConn, log)
		reservations = repository.NewReservationRepository(dbConn)
		outboxRepo = outbox.NewRepository(dbConn)
		checks = append(checks, httpserver.ReadinessCheck{Name: "db", Check: dbConn.Ping})
	default:
		log.Warn("Using in-memory notification store, records are lost on restart")
		store = repository.NewMemoryStore()
		reservations = repository.NewMemoryReservations()
	}

	// Redis（可选，用于任务和提醒去重）
	var deduper *util.Deduper
	if cfg.Redis.Addr != "" {
		rdb, err := redisclient.NewRedisClient(cfg.Redis)
		if err != nil {
			log.Warn("Redis unavailable, de-duplication disabled", zap.Error(err))
		} else {
			defer rdb.Close()
			deduper = util.NewDeduper(rdb, cfg.DedupTTL(), log)
		}
	}

	// Job queue
	var queue dispatcher.Queue
	switch cfg.Dispatcher.Transport {
	case config.TransportAMQP:
		amqpQueue, err := dispatcher.NewAMQPQueue(cfg.MQ.URL, log)
		if err != nil {
			log.Fatal("Failed to init job queue", zap.Error(err))
		}
		checks = append(checks, httpserver.ReadinessCheck{Name: "jobs", Check: amqpQueue.Ready})
		queue = amqpQueue
	default:
		queue = dispatcher.NewLocalQueue(cfg.Dispatcher.Buffer, log)
	}
	defer queue.Close()

	jobs := dispatcher.New(queue, cfg.Dispatcher.Config, log, dispatcher.WithDeduper(deduper))

	// Delivery client
	client, err := deliveryclient.Dial(cfg.Client, store, log)
	if err != nil {
		log.Fatal("Failed to init delivery client", zap.Error(err))
	}
	defer client.Close()

	// Services
	notifier := service.NewNotifier(store, reservations, jobs, log)
	handlers := &service.Jobs{
		Notifier:  notifier,
		Reminders: service.NewReminderService(store, reservations, notifier, deduper, log),
		Sweeper:   service.NewSweeper(store, jobs, cfg.Sweeper.StaleAfter(), cfg.Sweeper.Batch, log),
		Delivery:  client,
		Logger:    log,
	}
	handlers.Register(jobs)

	sched, err := scheduler.New(cfg.Scheduler, jobs, log)
	if err != nil {
		log.Fatal("Failed to init scheduler", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return jobs.Run(gctx)
	})

	// MQ consumers for inbound business events
	if cfg.MQ.URL != "" {
		eventHandler := mqhandler.NewEventHandler(jobs, notifier, log)
		for _, b := range eventHandler.Bindings() {
			b := b
			consumer, err := mq.NewConsumer(cfg.MQ.URL, mq.EventsExchange, b.Queue, b.RoutingKey, log)
			if err != nil {
				log.Fatal("Failed to init consumer", zap.String("queue", b.Queue), zap.Error(err))
			}
			defer consumer.Close()
			consumer.SetHandler(b.Handle)

			g.Go(func() error {
				log.Info("Starting consumer", zap.String("routing_key", b.RoutingKey))
				return consumer.StartConsuming(gctx, consumerWorkers)
			})
		}
	} else {
		log.Warn("mq.url is empty, inbound event consumers are disabled")
	}

	// Outbox dispatcher：投递结果事件发布到 events exchange
	if outboxRepo != nil && cfg.Outbox.Enabled && cfg.MQ.URL != "" {
		publisher, err := mq.NewPublisher(cfg.MQ.URL, mq.EventsExchange)
		if err != nil {
			log.Fatal("Failed to init MQ publisher", zap.Error(err))
		}
		defer publisher.Close()
		checks = append(checks, httpserver.ReadinessCheck{Name: "mq", Check: func(ctx context.Context) error {
			if !publisher.IsConnected() {
				return fmt.Errorf("publisher connection closed")
			}
			return nil
		}})

		// 上次运行中放弃的结果事件重新排队
		if n, err := outbox.NewReplayService(outboxRepo, log).ReplayFailedEvents(ctx, cfg.Outbox.BatchSize); err != nil {
			log.Warn("Failed to replay outbox events", zap.Error(err))
		} else if n > 0 {
			log.Info("Replayed failed outbox events", zap.Int("count", n))
		}

		outboxDispatcher := outbox.NewDispatcher(outboxRepo, publisher, log).
			WithInterval(cfg.Outbox.Interval()).
			WithBatchSize(cfg.Outbox.BatchSize).
			WithMaxRetries(cfg.Outbox.MaxRetries)
		g.Go(func() error {
			outboxDispatcher.Start(gctx)
			return nil
		})
	}

	sched.Start()

	// HTTP Server (for health checks)
	srv := httpserver.NewRouter(log, checks...).Server(cfg.HTTPAddr)
	go func() {
		log.Info("HTTP server starting", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	log.Info("worker is fully initialized and running")

	<-gctx.Done()
	log.Info("Shutting down worker gracefully...")

	sched.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	} else {
		log.Info("HTTP server stopped")
	}

	if err := g.Wait(); err != nil {
		log.Error("Worker stopped with error", zap.Error(err))
	}

	log.Info("worker shutdown complete")
}
