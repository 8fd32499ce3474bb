package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"expflow/internal/api"
	"expflow/internal/config"
	"expflow/internal/service"
	"expflow/pkg/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCommand(load func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, outbox worker and reconciliation scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(load())
		},
	}
}

func serve(cfg *config.Config) error {
	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	rdb, err := initRedis(cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()

	authSvc, err := service.NewAuthService(rdb, cfg.Auth)
	if err != nil {
		return err
	}

	// Initialize & Start Workers (Background Tasks)
	outboxWorker := service.NewOutboxWorker(a.outboxRepo, a.scheduler, service.NewNotifier(rdb, cfg.Notifications.Channel), a.observer, service.OutboxConfig{
		Interval:   cfg.Workers.OutboxInterval,
		BatchSize:  cfg.Workers.OutboxBatchSize,
		MaxRetries: cfg.Workers.OutboxMaxRetries,
	})
	a.experiments.OnEnqueue(outboxWorker.Wake)

	go func() {
		logger.Info("starting hub")
		a.hub.Run(ctx)
	}()
	go outboxWorker.Run(ctx)
	go a.scheduler.Run(ctx)

	// Setup HTTP Server
	r := api.RegisterRoutes(api.Handlers{
		Experiment: api.NewExperimentHandler(a.experiments),
		Stream:     api.NewStreamHandler(a.hub),
		Auth:       api.NewAuthHandler(authSvc),
		Task:       api.NewTaskHandler(a.scheduler, a.sync),
	}, authSvc, a.clients, rdb, api.RouterConfig{
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		DevMode:           cfg.Auth.DevMode,
	})

	srv := &http.Server{
		Addr:    cfg.Server.Port,
		Handler: r,
	}

	go func() {
		logger.Info("server starting",
			zap.String("addr", cfg.Server.Port),
			zap.String("env", cfg.Server.Environment),
			zap.String("record_store", cfg.RecordStore.Driver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server listen failed", zap.Error(err))
		}
	}()

	// Graceful Shutdown Signal Wait
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Signal all workers to stop
	cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server exited properly")
	return nil
}
