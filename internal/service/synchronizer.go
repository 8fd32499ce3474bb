package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"expflow/internal/bucket"
	"expflow/internal/metrics"
	"expflow/internal/model"
	"expflow/internal/recordstore"
	v1 "expflow/pkg/api/v1"
	"expflow/pkg/constraints"
	"expflow/pkg/logger"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

const dateLayout = "2006-01-02"

type SyncConfig struct {
	Bucket         string
	RequestTimeout time.Duration
	MaxRetries     uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	TotalSlots     int
}

// Synchronizer drives the review workflow of the record store on behalf
// of experiments. It never touches the database; callers apply its
// results to the experiment only after a call succeeded.
type Synchronizer struct {
	store    recordstore.Store
	cache    *ReviewStateCache
	observer metrics.PublishObserver
	cfg      SyncConfig
}

func NewSynchronizer(store recordstore.Store, cache *ReviewStateCache, observer metrics.PublishObserver, cfg SyncConfig) *Synchronizer {
	if observer == nil {
		observer = metrics.Nop{}
	}
	if cfg.Bucket == "" {
		cfg.Bucket = constraints.DefaultRecordStoreBucket
	}
	return &Synchronizer{store: store, cache: cache, observer: observer, cfg: cfg}
}

// BuildRecord serializes the public configuration of e. The bucket config
// comes from the experiment's live range.
func (s *Synchronizer) BuildRecord(e *model.Experiment, br *model.BucketRange) (*v1.Record, error) {
	app, err := e.Application.Config()
	if err != nil {
		return nil, err
	}
	if br == nil {
		return nil, fmt.Errorf("experiment %s has no bucket range", e.Slug)
	}
	total := s.cfg.TotalSlots
	if br.IsolationGroup != nil {
		total = br.IsolationGroup.Total
	}
	// a live experiment that lowered its population keeps its reserved range
	count := min(br.Count, bucket.SlotCount(e.PopulationPercent, total))

	features := []string(e.FeatureConfigs)
	if features == nil {
		features = []string{}
	}
	branches := make([]v1.Branch, 0, len(e.Branches))
	for _, b := range e.Branches {
		values := map[string]json.RawMessage{}
		if len(b.FeatureValue) > 0 {
			if err := json.Unmarshal(b.FeatureValue, &values); err != nil {
				return nil, fmt.Errorf("branch %s feature value: %w", b.Slug, err)
			}
		}
		fv := make([]v1.FeatureValue, 0, len(features))
		for _, id := range features {
			val, ok := values[id]
			if !ok {
				val = json.RawMessage(`{}`)
			}
			fv = append(fv, v1.FeatureValue{FeatureID: id, Value: val})
		}
		branches = append(branches, v1.Branch{Slug: b.Slug, Ratio: b.Ratio, Features: fv})
	}

	rec := &v1.Record{
		ID: e.Slug,
		Arguments: v1.Arguments{
			Slug:                  e.Slug,
			UserFacingName:        e.Name,
			UserFacingDescription: e.PublicDescription,
			IsEnrollmentPaused:    e.IsEnrollmentPaused,
			ProposedEnrollment:    e.ProposedEnrollment,
			BucketConfig: v1.BucketConfig{
				RandomizationUnit: app.RandomizationUnit,
				Namespace:         e.BucketNamespace(),
				Start:             br.Start,
				Count:             count,
				Total:             total,
			},
			FeatureIDs:      features,
			Branches:        branches,
			ReferenceBranch: e.ReferenceBranchSlug,
			StartDate:       formatDate(e.StartDate),
			EndDate:         formatDate(e.EndDate),
		},
		Enabled: true,
	}
	// desktop evaluates JEXL-style filter expressions, the SDKs read targeting
	if app.Platform == constraints.PlatformDesktop {
		rec.FilterExpression = e.TargetingExpression
	} else {
		rec.Targeting = e.TargetingExpression
	}
	return rec, nil
}

func formatDate(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(dateLayout)
	return &s
}

func (s *Synchronizer) collection(app constraints.Application) (string, error) {
	cfg, err := app.Config()
	if err != nil {
		return "", err
	}
	return cfg.Collection, nil
}

func (s *Synchronizer) cacheKey(collection string) string {
	return s.cfg.Bucket + "/" + collection
}

// call runs fn with a per-attempt timeout, retrying only transient
// failures with bounded exponential backoff.
func call[T any](ctx context.Context, s *Synchronizer, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	if s.cfg.InitialBackoff > 0 {
		b.InitialInterval = s.cfg.InitialBackoff
	}
	if s.cfg.MaxBackoff > 0 {
		b.MaxInterval = s.cfg.MaxBackoff
	}

	operation := func() (T, error) {
		attemptCtx := ctx
		if s.cfg.RequestTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
			defer cancel()
		}
		start := time.Now()
		res, err := fn(attemptCtx)
		s.observer.ObserveRecordStore(op, time.Since(start), err)
		if err != nil && !errors.Is(err, recordstore.ErrTransient) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}

	res, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(s.cfg.MaxRetries+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("record store call failed, retrying",
				zap.String("op", op), zap.Duration("next", next), zap.Error(err))
		}),
	)
	// the last attempt comes back still wrapped
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}
	return res, err
}

// Push creates the record, or updates it when the stored content differs,
// then requests review. Repeating a push is harmless: the create is a no-op
// and review is requested again.
func (s *Synchronizer) Push(ctx context.Context, app constraints.Application, rec *v1.Record) (int64, error) {
	collection, err := s.collection(app)
	if err != nil {
		return 0, err
	}

	version, err := call(ctx, s, "create", func(ctx context.Context) (int64, error) {
		return s.store.CreateRecord(ctx, s.cfg.Bucket, collection, rec, true)
	})
	if errors.Is(err, recordstore.ErrRecordExists) {
		version, err = s.updateIfChanged(ctx, collection, rec)
	}
	if err != nil {
		return 0, err
	}

	if err := s.requestReview(ctx, collection); err != nil {
		return 0, err
	}
	logger.Info("record pushed", zap.String("collection", collection), zap.String("id", rec.ID), zap.Int64("version", version))
	return version, nil
}

func (s *Synchronizer) updateIfChanged(ctx context.Context, collection string, rec *v1.Record) (int64, error) {
	current, err := call(ctx, s, "get", func(ctx context.Context) (*v1.Record, error) {
		return s.store.GetRecord(ctx, s.cfg.Bucket, collection, rec.ID)
	})
	if err != nil {
		return 0, err
	}
	if v1.SameContent(current, rec) {
		return current.LastModified, nil
	}
	return call(ctx, s, "update", func(ctx context.Context) (int64, error) {
		return s.store.UpdateRecord(ctx, s.cfg.Bucket, collection, rec)
	})
}

// Delete removes a published record and requests review of the removal.
// A record that is already gone counts as deleted.
func (s *Synchronizer) Delete(ctx context.Context, app constraints.Application, recordID string) error {
	collection, err := s.collection(app)
	if err != nil {
		return err
	}
	_, err = call(ctx, s, "delete", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.store.DeleteRecord(ctx, s.cfg.Bucket, collection, recordID)
	})
	if err != nil && !errors.Is(err, recordstore.ErrNotFound) {
		return err
	}
	return s.requestReview(ctx, collection)
}

func (s *Synchronizer) requestReview(ctx context.Context, collection string) error {
	return s.patch(ctx, collection, constraints.CollectionToReview)
}

// Approve marks the collection ready for signing.
func (s *Synchronizer) Approve(ctx context.Context, app constraints.Application) error {
	collection, err := s.collection(app)
	if err != nil {
		return err
	}
	return s.patch(ctx, collection, constraints.CollectionToSign)
}

// Rollback discards the collection's unsigned changes.
func (s *Synchronizer) Rollback(ctx context.Context, app constraints.Application) error {
	collection, err := s.collection(app)
	if err != nil {
		return err
	}
	return s.patch(ctx, collection, constraints.CollectionToRollback)
}

// Reject sends the collection back to work-in-progress with the
// reviewer's comment. It stands in for the external reviewer.
func (s *Synchronizer) Reject(ctx context.Context, app constraints.Application, comment string) error {
	collection, err := s.collection(app)
	if err != nil {
		return err
	}
	return s.patchCollection(ctx, collection, recordstore.CollectionPatch{
		Status:              constraints.CollectionWorkInProgress,
		LastReviewerComment: &comment,
	})
}

func (s *Synchronizer) patch(ctx context.Context, collection, status string) error {
	return s.patchCollection(ctx, collection, recordstore.CollectionPatch{Status: status})
}

func (s *Synchronizer) patchCollection(ctx context.Context, collection string, p recordstore.CollectionPatch) error {
	defer s.cache.Invalidate(s.cacheKey(collection))
	_, err := call(ctx, s, "patch_collection", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.store.PatchCollection(ctx, s.cfg.Bucket, collection, p)
	})
	return err
}

// ReviewState returns the collection's review metadata, from the cache
// unless fresh is set.
func (s *Synchronizer) ReviewState(ctx context.Context, app constraints.Application, fresh bool) (recordstore.Collection, error) {
	collection, err := s.collection(app)
	if err != nil {
		return recordstore.Collection{}, err
	}
	key := s.cacheKey(collection)
	if !fresh {
		if c, ok := s.cache.Get(key); ok {
			return c, nil
		}
	}
	c, err := call(ctx, s, "get_collection", func(ctx context.Context) (*recordstore.Collection, error) {
		return s.store.GetCollection(ctx, s.cfg.Bucket, collection)
	})
	if err != nil {
		return recordstore.Collection{}, err
	}
	s.cache.Put(key, *c)
	return *c, nil
}

func (s *Synchronizer) HasPendingReview(ctx context.Context, app constraints.Application) (bool, error) {
	c, err := s.ReviewState(ctx, app, false)
	if err != nil {
		return false, err
	}
	return c.Status == constraints.CollectionToReview, nil
}

// HasRejection reports a reviewer rejection along with the reviewer's
// comment, verbatim.
func (s *Synchronizer) HasRejection(ctx context.Context, app constraints.Application) (bool, string, error) {
	c, err := s.ReviewState(ctx, app, false)
	if err != nil {
		return false, "", err
	}
	if c.Status != constraints.CollectionWorkInProgress {
		return false, "", nil
	}
	return true, c.LastReviewerComment, nil
}

// GetRecord reads the stored record directly. It returns nil, nil when
// the record does not exist.
func (s *Synchronizer) GetRecord(ctx context.Context, app constraints.Application, id string) (*v1.Record, error) {
	collection, err := s.collection(app)
	if err != nil {
		return nil, err
	}
	rec, err := call(ctx, s, "get", func(ctx context.Context) (*v1.Record, error) {
		return s.store.GetRecord(ctx, s.cfg.Bucket, collection, id)
	})
	if errors.Is(err, recordstore.ErrNotFound) {
		return nil, nil
	}
	return rec, err
}

// Records lists the ids and versions stored for the application.
func (s *Synchronizer) Records(ctx context.Context, app constraints.Application) ([]recordstore.RecordMeta, error) {
	collection, err := s.collection(app)
	if err != nil {
		return nil, err
	}
	return call(ctx, s, "list", func(ctx context.Context) ([]recordstore.RecordMeta, error) {
		return s.store.GetRecords(ctx, s.cfg.Bucket, collection)
	})
}

func (s *Synchronizer) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
