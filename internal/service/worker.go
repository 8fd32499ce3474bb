package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"expflow/internal/lease"
	"expflow/internal/metrics"
	"expflow/internal/model"
	"expflow/internal/repository"
	"expflow/pkg/logger"

	"go.uber.org/zap"
)

// Pusher publishes one experiment to the record store.
type Pusher interface {
	PushExperiment(ctx context.Context, slug string) error
}

type OutboxConfig struct {
	Interval   time.Duration
	BatchSize  int
	MaxRetries int
}

// OutboxWorker drains tasks committed alongside experiment transitions.
type OutboxWorker struct {
	outboxRepo repository.OutboxInterface
	pusher     Pusher
	notifier   Notifier
	observer   metrics.PublishObserver
	cfg        OutboxConfig
	wake       chan struct{}
}

func NewOutboxWorker(outboxRepo repository.OutboxInterface, pusher Pusher, notifier Notifier, observer metrics.PublishObserver, cfg OutboxConfig) *OutboxWorker {
	if observer == nil {
		observer = metrics.Nop{}
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 10
	}
	return &OutboxWorker{
		outboxRepo: outboxRepo,
		pusher:     pusher,
		notifier:   notifier,
		observer:   observer,
		cfg:        cfg,
		wake:       make(chan struct{}, 1),
	}
}

// Wake asks the worker to drain now instead of at its next tick.
func (w *OutboxWorker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *OutboxWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	logger.Info("outbox worker started", zap.Duration("interval", w.cfg.Interval))

	for {
		select {
		case <-ctx.Done():
			logger.Info("outbox worker stopped")
			return
		case <-ticker.C:
			w.ProcessPending(ctx)
		case <-w.wake:
			w.ProcessPending(ctx)
		}
	}
}

// ProcessPending handles one batch and returns how many tasks completed.
func (w *OutboxWorker) ProcessPending(ctx context.Context) int {
	tasks, err := w.outboxRepo.FetchPending(ctx, w.cfg.BatchSize)
	if err != nil {
		logger.Error("failed to fetch pending outbox tasks", zap.Error(err))
		return 0
	}

	completed := 0
	for _, task := range tasks {
		log := logger.With(zap.Int64("id", task.ID), zap.String("kind", task.Kind), zap.String("slug", task.ExperimentSlug), zap.String("trace_id", task.TraceID))
		log.Debug("processing outbox task")

		err := w.handle(ctx, task)
		switch {
		case err == nil:
			if err := w.outboxRepo.UpdateStatus(ctx, task.ID, model.StatusCompleted, task.RetryCount, ""); err != nil {
				log.Error("failed to mark task completed", zap.Error(err))
				continue
			}
			completed++
			w.observer.RecordOutbox(task.Kind, "completed")
			log.Info("outbox task completed")
		case errors.Is(err, lease.ErrLeaseHeld):
			// the scheduler is already working on this experiment
			log.Debug("outbox task deferred, experiment leased")
		case errors.Is(err, ErrPushDeferred):
			log.Debug("outbox task deferred, collection busy")
		default:
			retries := task.RetryCount + 1
			status := model.StatusPending
			result := "retry"
			if retries >= w.cfg.MaxRetries {
				status = model.StatusFailed
				result = "failed"
				log.Error("task max retries reached", zap.Error(err))
			} else {
				log.Warn("outbox task failed", zap.Int("retry", retries), zap.Error(err))
			}
			if err := w.outboxRepo.UpdateStatus(ctx, task.ID, status, retries, err.Error()); err != nil {
				log.Error("failed to update task status", zap.Error(err))
			}
			w.observer.RecordOutbox(task.Kind, result)
		}
	}
	return completed
}

func (w *OutboxWorker) handle(ctx context.Context, task model.OutboxTask) error {
	switch task.Kind {
	case model.TaskPush:
		return w.pusher.PushExperiment(ctx, task.ExperimentSlug)
	case model.TaskNotify:
		var n Notification
		if err := json.Unmarshal([]byte(task.Payload), &n); err != nil {
			return fmt.Errorf("decode notification: %w", err)
		}
		return w.notifier.Notify(ctx, n)
	default:
		return fmt.Errorf("unknown task kind %q", task.Kind)
	}
}
