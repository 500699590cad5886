// Package main runs the skill runner: a single binary serving the job API,
// the run orchestrator and the retention sweeper over one data directory.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/skillrunner/skillrunner/internal/common/config"
	"github.com/skillrunner/skillrunner/internal/common/logger"
	"github.com/skillrunner/skillrunner/internal/common/tracing"
	"github.com/skillrunner/skillrunner/internal/events/bus"
	"github.com/skillrunner/skillrunner/internal/server"
	"github.com/skillrunner/skillrunner/internal/services"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting skill runner...",
		zap.String("data_dir", cfg.Data.Dir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus, err := bus.New(cfg.NATS, log)
	if err != nil {
		log.Fatal("Failed to connect event bus", zap.Error(err))
	}
	defer eventBus.Close()
	if cfg.NATS.URL != "" {
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		log.Info("Using in-memory event bus")
	}

	svc, err := services.Build(cfg, eventBus, log)
	if err != nil {
		log.Fatal("Failed to build services", zap.Error(err))
	}
	defer svc.Close()

	// Reconcile runs left over from a previous process before accepting new
	// work: waiting runs re-park on their pending interaction, everything
	// else fails with a recovery marker.
	if err := svc.Orchestrator.Recover(ctx); err != nil {
		log.Error("Startup recovery pass failed", zap.Error(err))
	}

	svc.Cleanup.Start(ctx)

	router := server.NewRouter(svc, log)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", zap.Error(err))
	}

	svc.Orchestrator.Shutdown()
	svc.Cleanup.Stop()

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("Tracing shutdown failed", zap.Error(err))
	}

	log.Info("Skill runner stopped")
}
