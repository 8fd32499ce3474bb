package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"expflow/internal/dto/resp"
	"expflow/internal/lease"
	"expflow/internal/lifecycle"
	"expflow/internal/metrics"
	"expflow/internal/model"
	"expflow/internal/repository"
	"expflow/pkg/constraints"
	"expflow/pkg/logger"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	JobPushApproved       = "push_approved"
	JobCheckPendingReview = "check_pending_review"
	JobCheckLiveToEnd     = "check_live_to_complete"
	JobOrphans            = "report_orphans"
)

type SchedulerConfig struct {
	Interval       time.Duration
	Concurrency    int
	PublishTimeout time.Duration
}

// Scheduler reconciles experiments with the record store. Every pass is
// idempotent and experiments are processed independently: one failure is
// logged and never aborts the pass. A per-experiment lease keeps two
// scheduler instances from working on the same experiment at once.
type Scheduler struct {
	experiments *ExperimentService
	repo        repository.ExperimentInterface
	sync        *Synchronizer
	leaser      lease.Leaser
	observer    metrics.PublishObserver
	cfg         SchedulerConfig
	now         func() time.Time
}

func NewScheduler(experiments *ExperimentService, repo repository.ExperimentInterface, sync *Synchronizer, leaser lease.Leaser, observer metrics.PublishObserver, cfg SchedulerConfig) *Scheduler {
	if observer == nil {
		observer = metrics.Nop{}
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Scheduler{
		experiments: experiments,
		repo:        repo,
		sync:        sync,
		leaser:      leaser,
		observer:    observer,
		cfg:         cfg,
		now:         time.Now,
	}
}

func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	logger.Info("scheduler started", zap.Duration("interval", s.cfg.Interval), zap.Int("concurrency", s.cfg.Concurrency))

	for {
		select {
		case <-ctx.Done():
			logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce runs every job once, in order. Review outcomes are reconciled
// before approved experiments are pushed, so a push never buries a verdict.
func (s *Scheduler) RunOnce(ctx context.Context) []resp.TaskResp {
	jobs := []func(context.Context) (resp.TaskResp, error){
		s.CheckPendingReview,
		s.PushApproved,
		s.CheckLiveToComplete,
		s.ReportOrphans,
	}
	out := make([]resp.TaskResp, 0, len(jobs))
	for _, job := range jobs {
		res, err := job(ctx)
		if err != nil {
			logger.Error("scheduled job failed", zap.String("job", res.Job), zap.Error(err))
			continue
		}
		out = append(out, res)
	}
	return out
}

// errSkip marks an experiment that needed no work on this pass.
var errSkip = errors.New("skipped")

// forEach runs fn for every experiment with bounded parallelism. Errors
// and panics are contained per experiment.
func (s *Scheduler) forEach(ctx context.Context, job string, list []*model.Experiment, fn func(ctx context.Context, e *model.Experiment) error) resp.TaskResp {
	start := time.Now()
	var processed, failed, skipped atomic.Int64

	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for _, e := range list {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					failed.Add(1)
					logger.Error("scheduled job panicked", zap.String("job", job), zap.String("slug", e.Slug), zap.Any("panic", r))
				}
			}()

			l, err := s.leaser.TryAcquire(ctx, "experiment/"+e.Slug)
			if errors.Is(err, lease.ErrLeaseHeld) {
				skipped.Add(1)
				logger.Debug("experiment leased elsewhere", zap.String("job", job), zap.String("slug", e.Slug))
				return nil
			}
			if err != nil {
				failed.Add(1)
				logger.Error("failed to acquire experiment lease", zap.String("slug", e.Slug), zap.Error(err))
				return nil
			}
			defer func() {
				if err := l.Release(context.WithoutCancel(ctx)); err != nil {
					logger.Warn("failed to release experiment lease", zap.String("slug", e.Slug), zap.Error(err))
				}
			}()

			switch err := fn(ctx, e); {
			case err == nil:
				processed.Add(1)
			case errors.Is(err, errSkip):
				skipped.Add(1)
			case errors.Is(err, ErrPushDeferred):
				skipped.Add(1)
				logger.Debug("push deferred", zap.String("job", job), zap.String("slug", e.Slug))
			case errors.Is(err, lifecycle.ErrInvalidTransition):
				// state moved on between listing and locking
				skipped.Add(1)
				logger.Debug("experiment changed during pass", zap.String("job", job), zap.String("slug", e.Slug), zap.Error(err))
			default:
				failed.Add(1)
				logger.Error("scheduled job failed for experiment", zap.String("job", job), zap.String("slug", e.Slug), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	res := resp.TaskResp{
		Job:       job,
		Processed: int(processed.Load()),
		Failed:    int(failed.Load()),
		Skipped:   int(skipped.Load()),
	}
	s.observer.ObserveReconcile(job, time.Since(start), res.Failed)
	logger.Info("scheduled job finished",
		zap.String("job", job),
		zap.Int("processed", res.Processed),
		zap.Int("failed", res.Failed),
		zap.Int("skipped", res.Skipped))
	return res
}

// PushApproved publishes approved experiments whose push task was lost.
func (s *Scheduler) PushApproved(ctx context.Context) (resp.TaskResp, error) {
	list, err := s.repo.ListByState(ctx, []constraints.Status{constraints.StatusReview, constraints.StatusLive}, constraints.PublishApproved)
	if err != nil {
		return resp.TaskResp{Job: JobPushApproved}, err
	}
	return s.forEach(ctx, JobPushApproved, list, func(ctx context.Context, e *model.Experiment) error {
		return s.experiments.PushExperiment(ctx, e.Slug)
	}), nil
}

// PushExperiment pushes one experiment under its lease.
func (s *Scheduler) PushExperiment(ctx context.Context, slug string) error {
	l, err := s.leaser.TryAcquire(ctx, "experiment/"+slug)
	if err != nil {
		return err
	}
	defer func() {
		_ = l.Release(context.WithoutCancel(ctx))
	}()
	return s.experiments.PushExperiment(ctx, slug)
}

// CheckPendingReview resolves Waiting experiments against the record
// store: a rejection, a rollback or a timeout marks them Dirty, an approved
// collection is confirmed once the store's content matches what was pushed.
func (s *Scheduler) CheckPendingReview(ctx context.Context) (resp.TaskResp, error) {
	list, err := s.repo.ListByState(ctx, []constraints.Status{constraints.StatusReview, constraints.StatusLive}, constraints.PublishWaiting)
	if err != nil {
		return resp.TaskResp{Job: JobCheckPendingReview}, err
	}
	s.refreshReviewState(ctx, list)
	return s.forEach(ctx, JobCheckPendingReview, list, s.checkWaiting), nil
}

// refreshReviewState reads every involved collection once, bypassing the
// cache, so that the checks of this pass see the reviewer's latest action.
func (s *Scheduler) refreshReviewState(ctx context.Context, list []*model.Experiment) {
	seen := map[constraints.Application]bool{}
	for _, e := range list {
		if seen[e.Application] {
			continue
		}
		seen[e.Application] = true
		if _, err := s.sync.ReviewState(ctx, e.Application, true); err != nil {
			logger.Warn("failed to refresh review state", zap.String("application", string(e.Application)), zap.Error(err))
		}
	}
}

func (s *Scheduler) checkWaiting(ctx context.Context, e *model.Experiment) error {
	if e.PushedAt == nil {
		return s.experiments.PushExperiment(ctx, e.Slug)
	}

	rejected, comment, err := s.sync.HasRejection(ctx, e.Application)
	if err != nil {
		return err
	}
	if rejected {
		return s.markDirty(ctx, e.Slug, comment, "Rejected in record store")
	}

	pending, err := s.sync.HasPendingReview(ctx, e.Application)
	if err != nil {
		return err
	}
	if pending {
		return s.stillPending(ctx, e)
	}

	state, err := s.sync.ReviewState(ctx, e.Application, false)
	if err != nil {
		return err
	}
	switch state.Status {
	case constraints.CollectionToSign:
	case constraints.CollectionToRollback:
		return s.markDirty(ctx, e.Slug, "", "Pending changes rolled back in record store")
	default:
		return s.stillPending(ctx, e)
	}

	ok, err := s.verify(ctx, e)
	if err != nil {
		return err
	}
	if !ok {
		return s.markDirty(ctx, e.Slug, "", "Record store content does not match the pushed change")
	}
	_, err = s.experiments.Confirm(ctx, e.Slug)
	return err
}

func (s *Scheduler) stillPending(ctx context.Context, e *model.Experiment) error {
	if s.timedOut(e) {
		return s.markDirty(ctx, e.Slug, "", fmt.Sprintf("Review not completed within %s", s.cfg.PublishTimeout))
	}
	return errSkip
}

func (s *Scheduler) markDirty(ctx context.Context, slug, comment, message string) error {
	_, err := s.experiments.Apply(ctx, slug, lifecycle.Request{Action: lifecycle.ActionMarkDirty, Comment: comment, Message: message})
	return err
}

func (s *Scheduler) timedOut(e *model.Experiment) bool {
	if s.cfg.PublishTimeout <= 0 || e.PublishStartedAt == nil {
		return false
	}
	return s.now().Sub(*e.PublishStartedAt) > s.cfg.PublishTimeout
}

// verify reads the record store directly: a launch or update must have
// left the record in place, an end must have removed it.
func (s *Scheduler) verify(ctx context.Context, e *model.Experiment) (bool, error) {
	id := e.RemoteRecordID
	if id == "" {
		id = e.Slug
	}
	rec, err := s.sync.GetRecord(ctx, e.Application, id)
	if err != nil {
		return false, err
	}
	if e.StatusNext == constraints.StatusComplete {
		return rec == nil, nil
	}
	return rec != nil, nil
}

// CheckLiveToComplete requests the end of live experiments that passed
// their computed end date. The request goes through review like any other.
func (s *Scheduler) CheckLiveToComplete(ctx context.Context) (resp.TaskResp, error) {
	list, err := s.repo.ListByState(ctx, []constraints.Status{constraints.StatusLive}, constraints.PublishIdle)
	if err != nil {
		return resp.TaskResp{Job: JobCheckLiveToEnd}, err
	}
	now := s.now()
	return s.forEach(ctx, JobCheckLiveToEnd, list, func(ctx context.Context, e *model.Experiment) error {
		end := e.ComputedEndDate()
		if end == nil || now.Before(*end) {
			return errSkip
		}
		_, err := s.experiments.Apply(ctx, e.Slug, lifecycle.Request{
			Action:     lifecycle.ActionRequestReview,
			StatusNext: constraints.StatusComplete,
			Message:    "Reached computed end date",
		})
		return err
	}), nil
}

// ReportOrphans logs records in the store that no experiment accounts
// for. It never deletes anything.
func (s *Scheduler) ReportOrphans(ctx context.Context) (resp.TaskResp, error) {
	res := resp.TaskResp{Job: JobOrphans}
	seen := map[string]bool{}
	for _, app := range constraints.Applications() {
		cfg, err := app.Config()
		if err != nil || seen[cfg.Collection] {
			continue
		}
		seen[cfg.Collection] = true

		records, err := s.sync.Records(ctx, app)
		if err != nil {
			res.Failed++
			logger.Error("failed to list records", zap.String("collection", cfg.Collection), zap.Error(err))
			continue
		}
		for _, r := range records {
			e, err := s.repo.GetBySlug(ctx, r.ID)
			if err != nil {
				res.Failed++
				continue
			}
			res.Processed++
			if e == nil || !publishesRecord(e) {
				logger.Warn("orphan record in record store", zap.String("collection", cfg.Collection), zap.String("id", r.ID))
			}
		}
	}
	return res, nil
}

func publishesRecord(e *model.Experiment) bool {
	return e.Status == constraints.StatusLive ||
		(e.Status == constraints.StatusReview && e.PublishStatus != constraints.PublishIdle)
}
