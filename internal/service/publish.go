package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"expflow/internal/lifecycle"
	"expflow/internal/model"
	v1 "expflow/pkg/api/v1"
	"expflow/pkg/constraints"
	"expflow/pkg/logger"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrPushDeferred is returned while the collection holds a review
	// outcome that a Waiting experiment has not been reconciled against.
	ErrPushDeferred = errors.New("push deferred until the collection's review outcome is reconciled")

	errNothingToPush = errors.New("nothing to push")
	errStalePush     = errors.New("experiment changed while pushing")
)

// PushExperiment publishes an approved experiment to the record store in
// three steps: mark it Waiting under the row lock, talk to the record
// store without any lock, then record what was pushed under the lock
// again. A Waiting experiment that never recorded a push is pushed again;
// the record store calls are idempotent. Pushing requests review of the
// whole collection, so it waits until every earlier push of the collection
// has picked up the reviewer's verdict.
func (s *ExperimentService) PushExperiment(ctx context.Context, slug string) error {
	if err := s.checkCollectionFree(ctx, slug); err != nil {
		return err
	}

	var (
		rec     *v1.Record
		pending model.Experiment
	)
	_, err := s.mutate(ctx, slug, "Publishing to record store", lifecycle.ActionPublish, func(tx *gorm.DB, e *model.Experiment) (lifecycle.Effect, error) {
		var effect lifecycle.Effect
		switch {
		case e.PublishStatus == constraints.PublishApproved:
			var err error
			effect, err = lifecycle.Transition(e, lifecycle.Request{Action: lifecycle.ActionPublish, Actor: GetOperator(ctx), Now: s.now()})
			s.observer.RecordTransition(string(lifecycle.ActionPublish), err == nil)
			if err != nil {
				return effect, err
			}
		case e.PublishStatus == constraints.PublishWaiting && e.PushedAt == nil:
		default:
			return effect, errNothingToPush
		}

		if e.StatusNext != constraints.StatusComplete {
			br, err := s.allocator.WithTx(tx).Get(ctx, e.ID)
			if err != nil {
				return effect, err
			}
			if rec, err = s.sync.BuildRecord(e, br); err != nil {
				return effect, err
			}
		}
		pending = *e
		return effect, nil
	})
	if errors.Is(err, errNothingToPush) {
		logger.Debug("push skipped, experiment is not awaiting publication", zap.String("slug", slug))
		return nil
	}
	if err != nil {
		return err
	}

	var version int64
	if pending.StatusNext == constraints.StatusComplete {
		id := pending.RemoteRecordID
		if id == "" {
			id = pending.Slug
		}
		err = s.sync.Delete(ctx, pending.Application, id)
	} else {
		version, err = s.sync.Push(ctx, pending.Application, rec)
	}
	if err != nil {
		logger.Warn("record store push failed, will retry on next tick", zap.String("slug", slug), zap.Error(err))
		return fmt.Errorf("push %s: %w", slug, err)
	}

	_, err = s.mutate(ctx, slug, "Pushed to record store", "", func(tx *gorm.DB, e *model.Experiment) (lifecycle.Effect, error) {
		if e.PublishStatus != constraints.PublishWaiting || !sameInstant(e.PublishStartedAt, pending.PublishStartedAt) {
			return lifecycle.Effect{}, errStalePush
		}
		now := s.now()
		e.PushedAt = &now
		e.RemoteVersion = version
		if rec == nil {
			e.PendingRecord = nil
			return lifecycle.Effect{}, nil
		}
		data, err := rec.Marshal()
		if err != nil {
			return lifecycle.Effect{}, err
		}
		e.PendingRecord = data
		e.RemoteRecordID = rec.ID
		return lifecycle.Effect{}, nil
	})
	if errors.Is(err, errStalePush) {
		logger.Warn("experiment left Waiting during push, result discarded", zap.String("slug", slug))
		return nil
	}
	if err != nil {
		return err
	}
	logger.Info("experiment pushed", zap.String("slug", slug), zap.Int64("version", version))
	return nil
}

func (s *ExperimentService) checkCollectionFree(ctx context.Context, slug string) error {
	e, err := s.experimentRepo.GetBySlug(ctx, slug)
	if err != nil {
		return err
	}
	if e == nil {
		return ErrExperimentNotFound
	}
	if !awaitingPush(e) {
		return nil
	}
	cfg, err := e.Application.Config()
	if err != nil {
		return err
	}

	state, err := s.sync.ReviewState(ctx, e.Application, true)
	if err != nil {
		return err
	}
	switch state.Status {
	case constraints.CollectionWorkInProgress, constraints.CollectionToSign, constraints.CollectionToRollback:
	default:
		return nil
	}

	waiting, err := s.experimentRepo.ListByState(ctx, []constraints.Status{constraints.StatusReview, constraints.StatusLive}, constraints.PublishWaiting)
	if err != nil {
		return err
	}
	for _, other := range waiting {
		if other.Slug == e.Slug || other.PushedAt == nil {
			continue
		}
		if oc, err := other.Application.Config(); err == nil && oc.Collection == cfg.Collection {
			logger.Info("push deferred, collection has an unreconciled review outcome",
				zap.String("slug", slug),
				zap.String("collection", cfg.Collection),
				zap.String("collection_status", state.Status),
				zap.String("waiting", other.Slug))
			return ErrPushDeferred
		}
	}
	return nil
}

func awaitingPush(e *model.Experiment) bool {
	return e.PublishStatus == constraints.PublishApproved ||
		(e.PublishStatus == constraints.PublishWaiting && e.PushedAt == nil)
}

func sameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
