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
	"eventnotify/internal/deliveryserver"
	"eventnotify/internal/httpserver"
	"eventnotify/pkg/logger"
	"eventnotify/pkg/otel"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewLogger(cfg.Log)
	defer log.Sync()

	log.Info("Starting delivery-server...",
		zap.String("rpc_addr", cfg.Server.Addr),
		zap.String("http_addr", cfg.HTTPAddr),
		zap.Int("max_concurrent", cfg.Server.MaxConcurrent),
	)

	otelCfg := cfg.Otel
	otelCfg.ServiceName = "delivery-server"
	shutdownTracing, err := otel.Init(otelCfg, log)
	if err != nil {
		log.Fatal("Failed to init OpenTelemetry", zap.Error(err))
	}
	defer shutdownTracing()

	// Delivery Service
	server := deliveryserver.New(cfg.Server, deliveryserver.NewLogSender(log), log)
	go func() {
		if err := server.ListenAndServe(); err != nil {
			log.Fatal("Delivery service failed", zap.Error(err))
		}
	}()

	// HTTP Server (for health checks)
	router := httpserver.NewRouter(log, httpserver.ReadinessCheck{Name: "rpc", Check: server.Ready})
	srv := router.Server(cfg.HTTPAddr)
	go func() {
		log.Info("HTTP server starting", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	log.Info("delivery-server is fully initialized and running")

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down delivery-server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	server.Stop(shutdownCtx)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	} else {
		log.Info("HTTP server stopped")
	}

	log.Info("delivery-server shutdown complete")
}
