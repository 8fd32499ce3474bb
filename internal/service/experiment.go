package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"expflow/internal/bucket"
	"expflow/internal/changelog"
	"expflow/internal/dto/req"
	"expflow/internal/dto/resp"
	"expflow/internal/lifecycle"
	"expflow/internal/metrics"
	"expflow/internal/model"
	"expflow/internal/repository"
	"expflow/internal/targeting"
	v1 "expflow/pkg/api/v1"
	"expflow/pkg/constraints"
	"expflow/pkg/logger"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrExperimentNotFound   = errors.New("experiment not found")
	ErrSlugTaken            = errors.New("experiment slug already exists")
	ErrInvalidExperiment    = errors.New("invalid experiment")
	ErrNotEditable          = errors.New("experiment is not editable in its current state")
	ErrForbidden            = errors.New("operator is not allowed to perform this action")
	ErrMysqlUnhealthy       = errors.New("mysql unhealthy")
	ErrRecordStoreUnhealthy = errors.New("record store unhealthy")
)

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,127}$`)

// ExperimentService owns every experiment mutation. Each one runs in a
// single transaction under a row lock: state change, bucket allocation,
// outbox tasks and the changelog entry commit together or not at all.
// Record store I/O never happens while the lock is held.
type ExperimentService struct {
	db             *gorm.DB
	experimentRepo repository.ExperimentInterface
	outboxRepo     repository.OutboxInterface
	allocator      *bucket.Allocator
	ledger         *changelog.Ledger
	sync           *Synchronizer
	hub            *Hub
	observer       metrics.PublishObserver
	now            func() time.Time
	onEnqueue      func()
}

func NewExperimentService(
	db *gorm.DB,
	experimentRepo repository.ExperimentInterface,
	outboxRepo repository.OutboxInterface,
	allocator *bucket.Allocator,
	ledger *changelog.Ledger,
	sync *Synchronizer,
	hub *Hub,
	observer metrics.PublishObserver,
) *ExperimentService {
	if observer == nil {
		observer = metrics.Nop{}
	}
	return &ExperimentService{
		db:             db,
		experimentRepo: experimentRepo,
		outboxRepo:     outboxRepo,
		allocator:      allocator,
		ledger:         ledger,
		sync:           sync,
		hub:            hub,
		observer:       observer,
		now:            clock,
	}
}

// clock drops sub-second precision so timestamps compare equal after a
// round trip through any of the supported databases.
func clock() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

// OnEnqueue registers fn to run after a transaction that queued outbox
// tasks commits, so a worker can pick them up without waiting for its tick.
func (s *ExperimentService) OnEnqueue(fn func()) {
	s.onEnqueue = fn
}

type mutateFunc func(tx *gorm.DB, e *model.Experiment) (lifecycle.Effect, error)

// mutate locks the experiment, applies fn and commits the result together
// with its side effects and changelog entry. The change event is published
// only after commit.
func (s *ExperimentService) mutate(ctx context.Context, slug, message string, action lifecycle.Action, fn mutateFunc) (*model.Experiment, error) {
	actor := GetOperator(ctx)
	traceID := GetTraceID(ctx)

	var (
		out      *model.Experiment
		entry    *model.ChangeLogEntry
		enqueued bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txExperiment := s.experimentRepo.WithTx(tx).(repository.ExperimentInterface)
		txOutbox := s.outboxRepo.WithTx(tx).(repository.OutboxInterface)

		e, err := txExperiment.LockBySlug(ctx, slug)
		if err != nil {
			return err
		}
		if e == nil {
			return ErrExperimentNotFound
		}

		effect, err := fn(tx, e)
		if err != nil {
			return err
		}
		if err := txExperiment.Save(ctx, e); err != nil {
			logger.Error("failed to save experiment", zap.String("slug", slug), zap.Error(err))
			return err
		}

		if effect.AllocateBucket {
			if _, err := s.allocator.WithTx(tx).Allocate(ctx, e); err != nil {
				return err
			}
		}
		if effect.EnqueuePush {
			task := &model.OutboxTask{Kind: model.TaskPush, ExperimentSlug: e.Slug, Status: model.StatusPending, TraceID: traceID}
			if err := txOutbox.Create(ctx, task); err != nil {
				logger.Error("failed to create push task", zap.String("slug", slug), zap.Error(err))
				return err
			}
			enqueued = true
		}
		if effect.Notify {
			payload, err := json.Marshal(Notification{
				Slug:          e.Slug,
				Application:   e.Application,
				Action:        string(action),
				Status:        e.Status,
				PublishStatus: e.PublishStatus,
				Owner:         e.Owner,
				Actor:         actor,
				Comment:       e.ReviewComment,
				At:            s.now(),
			})
			if err != nil {
				return err
			}
			task := &model.OutboxTask{Kind: model.TaskNotify, ExperimentSlug: e.Slug, Payload: string(payload), Status: model.StatusPending, TraceID: traceID}
			if err := txOutbox.Create(ctx, task); err != nil {
				logger.Error("failed to create notify task", zap.String("slug", slug), zap.Error(err))
				return err
			}
			enqueued = true
		}

		entry, err = s.ledger.WithTx(tx).Record(ctx, e, actor, message, traceID)
		if err != nil {
			return err
		}
		out = e
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publishChange(out, entry)
	if enqueued && s.onEnqueue != nil {
		s.onEnqueue()
	}
	return out, nil
}

func (s *ExperimentService) publishChange(e *model.Experiment, entry *model.ChangeLogEntry) {
	if s.hub == nil || entry == nil {
		return
	}
	s.hub.Publish(v1.ChangeEvent{
		EntryID:       entry.ID,
		Slug:          e.Slug,
		Application:   e.Application,
		Status:        e.Status,
		PublishStatus: e.PublishStatus,
		StatusNext:    e.StatusNext,
		Archived:      e.Archived,
		Actor:         entry.ChangedBy,
		Message:       entry.Message,
		ChangedAt:     entry.ChangedOn,
	})
}

// Apply runs one state machine request against the experiment.
func (s *ExperimentService) Apply(ctx context.Context, slug string, r lifecycle.Request) (*model.Experiment, error) {
	message := r.Message
	if message == "" {
		message = describe(r)
	}
	r.Actor = GetOperator(ctx)

	e, err := s.mutate(ctx, slug, message, r.Action, func(tx *gorm.DB, e *model.Experiment) (lifecycle.Effect, error) {
		r.Now = s.now()
		if r.Action == lifecycle.ActionRequestReview && e.Status == constraints.StatusLive && r.StatusNext == constraints.StatusLive {
			changed, err := s.populationChanged(ctx, tx, e)
			if err != nil {
				return lifecycle.Effect{}, err
			}
			r.PopulationChanged = changed
		}
		effect, err := lifecycle.Transition(e, r)
		s.observer.RecordTransition(string(r.Action), err == nil)
		return effect, err
	})
	if err != nil {
		logger.Warn("transition failed",
			zap.String("slug", slug),
			zap.String("action", string(r.Action)),
			zap.String("actor", r.Actor),
			zap.Error(err))
		return nil, err
	}
	logger.Info("experiment transitioned",
		zap.String("slug", slug),
		zap.String("action", string(r.Action)),
		zap.String("status", string(e.Status)),
		zap.String("publish_status", string(e.PublishStatus)),
		zap.String("actor", r.Actor))
	return e, nil
}

func describe(r lifecycle.Request) string {
	if r.StatusNext != "" {
		return fmt.Sprintf("%s to %s", r.Action, r.StatusNext)
	}
	return string(r.Action)
}

// populationChanged compares the record the experiment would publish now
// with the one currently live.
func (s *ExperimentService) populationChanged(ctx context.Context, tx *gorm.DB, e *model.Experiment) (bool, error) {
	if len(e.PublishedRecord) == 0 {
		return true, nil
	}
	var published v1.Record
	if err := json.Unmarshal(e.PublishedRecord, &published); err != nil {
		return false, fmt.Errorf("decode published record: %w", err)
	}
	br, err := s.allocator.WithTx(tx).Get(ctx, e.ID)
	if err != nil {
		return false, err
	}
	rec, err := s.sync.BuildRecord(e, br)
	if err != nil {
		return false, err
	}
	return !v1.SamePopulation(rec, &published), nil
}

func (s *ExperimentService) Create(ctx context.Context, r req.CreateExperimentReq) (*resp.ExperimentDetail, error) {
	app := constraints.Application(r.Application)
	if !app.Valid() {
		return nil, fmt.Errorf("%w: unknown application %q", ErrInvalidExperiment, r.Application)
	}
	if !slugPattern.MatchString(r.Slug) {
		return nil, fmt.Errorf("%w: slug %q must be lowercase letters, digits and dashes", ErrInvalidExperiment, r.Slug)
	}
	if err := targeting.Validate(app, r.TargetingExpression); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidExperiment, err)
	}
	branches, err := buildBranches(r.Branches, r.ReferenceBranch)
	if err != nil {
		return nil, err
	}
	tc := r.TargetingConfig
	if tc == "" {
		tc = constraints.DefaultTargetingConfig
	}

	actor := GetOperator(ctx)
	traceID := GetTraceID(ctx)
	e := &model.Experiment{
		Slug:                 r.Slug,
		Name:                 r.Name,
		Owner:                actor,
		Application:          app,
		PublicDescription:    r.PublicDescription,
		Status:               constraints.StatusDraft,
		PublishStatus:        constraints.PublishIdle,
		PopulationPercent:    r.PopulationPercent,
		TotalEnrolledClients: r.TotalEnrolledClients,
		ProposedEnrollment:   r.ProposedEnrollment,
		ProposedDuration:     r.ProposedDuration,
		TargetingConfig:      tc,
		TargetingExpression:  r.TargetingExpression,
		FeatureConfigs:       datatypes.JSONSlice[string](r.FeatureConfigs),
		ReferenceBranchSlug:  r.ReferenceBranch,
	}

	var entry *model.ChangeLogEntry
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txExperiment := s.experimentRepo.WithTx(tx).(repository.ExperimentInterface)

		existing, err := txExperiment.GetBySlug(ctx, r.Slug)
		if err != nil {
			return err
		}
		if existing != nil {
			return ErrSlugTaken
		}
		if err := txExperiment.Create(ctx, e); err != nil {
			logger.Error("failed to create experiment", zap.String("slug", r.Slug), zap.Error(err))
			return err
		}
		if err := txExperiment.ReplaceBranches(ctx, e, branches); err != nil {
			return err
		}
		entry, err = s.ledger.WithTx(tx).Record(ctx, e, actor, "Created experiment", traceID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.publishChange(e, entry)
	logger.Info("experiment created", zap.String("slug", e.Slug), zap.String("application", string(app)), zap.String("owner", actor))
	return s.detail(ctx, e)
}

func buildBranches(in []req.BranchReq, reference string) ([]model.Branch, error) {
	seen := make(map[string]bool, len(in))
	out := make([]model.Branch, 0, len(in))
	for _, b := range in {
		if seen[b.Slug] {
			return nil, fmt.Errorf("%w: duplicate branch %q", ErrInvalidExperiment, b.Slug)
		}
		seen[b.Slug] = true
		if len(b.FeatureValue) > 0 {
			var obj map[string]json.RawMessage
			if err := json.Unmarshal(b.FeatureValue, &obj); err != nil {
				return nil, fmt.Errorf("%w: branch %q feature_value must be an object keyed by feature id", ErrInvalidExperiment, b.Slug)
			}
		}
		out = append(out, model.Branch{
			Slug:         b.Slug,
			Name:         b.Name,
			Description:  b.Description,
			Ratio:        b.Ratio,
			FeatureValue: datatypes.JSON(b.FeatureValue),
		})
	}
	if reference != "" && len(out) > 0 && !seen[reference] {
		return nil, fmt.Errorf("%w: reference branch %q is not one of the branches", ErrInvalidExperiment, reference)
	}
	return out, nil
}

// Update edits an idle experiment. Drafts and previews accept any field;
// a live experiment only accepts the fields a re-review can publish.
func (s *ExperimentService) Update(ctx context.Context, slug string, r req.UpdateExperimentReq) (*resp.ExperimentDetail, error) {
	message := r.Message
	if message == "" {
		message = "Updated experiment"
	}
	e, err := s.mutate(ctx, slug, message, "", func(tx *gorm.DB, e *model.Experiment) (lifecycle.Effect, error) {
		if e.Archived || e.PublishStatus != constraints.PublishIdle {
			return lifecycle.Effect{}, ErrNotEditable
		}
		switch e.Status {
		case constraints.StatusDraft, constraints.StatusPreview:
		case constraints.StatusLive:
			if r.Name != nil || r.PublicDescription != nil || r.TargetingConfig != nil ||
				r.FeatureConfigs != nil || r.ReferenceBranch != nil || r.Branches != nil {
				return lifecycle.Effect{}, fmt.Errorf("%w: only population, enrollment and targeting can change while live", ErrNotEditable)
			}
		default:
			return lifecycle.Effect{}, ErrNotEditable
		}

		percentChanged := r.PopulationPercent != nil && *r.PopulationPercent != e.PopulationPercent
		resize := percentChanged || (r.TargetingConfig != nil && *r.TargetingConfig != e.TargetingConfig)
		if resize && e.Status == constraints.StatusPreview {
			return lifecycle.Effect{}, fmt.Errorf("%w: population can only change in Draft or while live", ErrNotEditable)
		}

		if r.TargetingExpression != nil {
			if err := targeting.Validate(e.Application, *r.TargetingExpression); err != nil {
				return lifecycle.Effect{}, fmt.Errorf("%w: %w", ErrInvalidExperiment, err)
			}
		}
		applyUpdate(e, r)

		if r.Branches != nil {
			branches, err := buildBranches(*r.Branches, e.ReferenceBranchSlug)
			if err != nil {
				return lifecycle.Effect{}, err
			}
			txExperiment := s.experimentRepo.WithTx(tx).(repository.ExperimentInterface)
			if err := txExperiment.ReplaceBranches(ctx, e, branches); err != nil {
				return lifecycle.Effect{}, err
			}
		}

		if percentChanged && e.Status == constraints.StatusLive {
			if _, err := s.allocator.WithTx(tx).Grow(ctx, e); err != nil {
				return lifecycle.Effect{}, err
			}
		} else if resize {
			alloc := s.allocator.WithTx(tx)
			current, err := alloc.Get(ctx, e.ID)
			if err != nil {
				return lifecycle.Effect{}, err
			}
			if current != nil {
				if _, err := alloc.Reallocate(ctx, e); err != nil {
					return lifecycle.Effect{}, err
				}
			}
		}
		return lifecycle.Effect{}, nil
	})
	if err != nil {
		return nil, err
	}
	return s.detail(ctx, e)
}

func applyUpdate(e *model.Experiment, r req.UpdateExperimentReq) {
	if r.Name != nil {
		e.Name = *r.Name
	}
	if r.PublicDescription != nil {
		e.PublicDescription = *r.PublicDescription
	}
	if r.PopulationPercent != nil {
		e.PopulationPercent = *r.PopulationPercent
	}
	if r.TotalEnrolledClients != nil {
		e.TotalEnrolledClients = *r.TotalEnrolledClients
	}
	if r.ProposedEnrollment != nil {
		e.ProposedEnrollment = *r.ProposedEnrollment
	}
	if r.ProposedDuration != nil {
		e.ProposedDuration = *r.ProposedDuration
	}
	if r.IsEnrollmentPaused != nil {
		e.IsEnrollmentPaused = *r.IsEnrollmentPaused
	}
	if r.TargetingConfig != nil {
		e.TargetingConfig = *r.TargetingConfig
	}
	if r.TargetingExpression != nil {
		e.TargetingExpression = *r.TargetingExpression
	}
	if r.FeatureConfigs != nil {
		e.FeatureConfigs = datatypes.JSONSlice[string](*r.FeatureConfigs)
	}
	if r.ReferenceBranch != nil {
		e.ReferenceBranchSlug = *r.ReferenceBranch
	}
}

// Transition moves the experiment toward statusNext: Preview and Draft
// are direct, anything else goes through review.
func (s *ExperimentService) Transition(ctx context.Context, slug string, r req.TransitionReq) (*resp.ExperimentDetail, error) {
	next := constraints.Status(r.StatusNext)
	if !next.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidExperiment, r.StatusNext)
	}
	return s.applyDetail(ctx, slug, lifecycle.Request{
		Action:     lifecycle.ActionFor(next),
		StatusNext: next,
		Message:    r.Message,
	})
}

func (s *ExperimentService) applyDetail(ctx context.Context, slug string, r lifecycle.Request) (*resp.ExperimentDetail, error) {
	e, err := s.Apply(ctx, slug, r)
	if err != nil {
		return nil, err
	}
	return s.detail(ctx, e)
}

func requireReviewer(ctx context.Context) error {
	op := GetOperatorInfo(ctx)
	if op == nil {
		return nil
	}
	switch op.Role {
	case RoleAdmin, RoleReviewer:
		return nil
	}
	return ErrForbidden
}

func (s *ExperimentService) Approve(ctx context.Context, slug, message string) (*resp.ExperimentDetail, error) {
	if err := requireReviewer(ctx); err != nil {
		return nil, err
	}
	return s.applyDetail(ctx, slug, lifecycle.Request{Action: lifecycle.ActionApprove, Message: message})
}

// Reject returns the experiment to its previous status. The comment is
// stored verbatim and sent to the owner.
func (s *ExperimentService) Reject(ctx context.Context, slug, comment string) (*resp.ExperimentDetail, error) {
	if err := requireReviewer(ctx); err != nil {
		return nil, err
	}
	if comment == "" {
		return nil, fmt.Errorf("%w: a rejection needs a comment", ErrInvalidExperiment)
	}
	return s.applyDetail(ctx, slug, lifecycle.Request{Action: lifecycle.ActionReject, Comment: comment, Message: "Rejected: " + comment})
}

func (s *ExperimentService) Withdraw(ctx context.Context, slug, message string) (*resp.ExperimentDetail, error) {
	return s.applyDetail(ctx, slug, lifecycle.Request{Action: lifecycle.ActionWithdraw, Message: message})
}

// RetryPublish sends a dirty experiment back to review.
func (s *ExperimentService) RetryPublish(ctx context.Context, slug, message string) (*resp.ExperimentDetail, error) {
	return s.applyDetail(ctx, slug, lifecycle.Request{Action: lifecycle.ActionRetry, Message: message})
}

// RollbackPublish discards the unsigned record store changes of a dirty
// experiment and then abandons the request. The record store call comes
// first; the experiment is only reverted once it succeeded.
func (s *ExperimentService) RollbackPublish(ctx context.Context, slug, message string) (*resp.ExperimentDetail, error) {
	e, err := s.experimentRepo.GetBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, ErrExperimentNotFound
	}

	scratch := *e
	effect, err := lifecycle.Transition(&scratch, lifecycle.Request{Action: lifecycle.ActionRollback, Actor: GetOperator(ctx)})
	if err != nil {
		s.observer.RecordTransition(string(lifecycle.ActionRollback), false)
		return nil, err
	}
	if effect.RollbackRecordStore {
		if err := s.sync.Rollback(ctx, e.Application); err != nil {
			return nil, fmt.Errorf("rollback record store: %w", err)
		}
	}
	return s.applyDetail(ctx, slug, lifecycle.Request{Action: lifecycle.ActionRollback, Message: message})
}

func (s *ExperimentService) Archive(ctx context.Context, slug string) (*resp.ExperimentDetail, error) {
	return s.applyDetail(ctx, slug, lifecycle.Request{Action: lifecycle.ActionArchive, Message: "Archived experiment"})
}

func (s *ExperimentService) Unarchive(ctx context.Context, slug string) (*resp.ExperimentDetail, error) {
	return s.applyDetail(ctx, slug, lifecycle.Request{Action: lifecycle.ActionUnarchive, Message: "Unarchived experiment"})
}

// ReallocateBucket retires the draft's range and reserves a new one. Only
// drafts can move; anything that may have enrolled clients keeps its range.
func (s *ExperimentService) ReallocateBucket(ctx context.Context, slug string) (*resp.ExperimentDetail, error) {
	e, err := s.mutate(ctx, slug, "Reallocated bucket range", "", func(tx *gorm.DB, e *model.Experiment) (lifecycle.Effect, error) {
		if e.Status != constraints.StatusDraft || e.PublishStatus != constraints.PublishIdle || e.Archived {
			return lifecycle.Effect{}, fmt.Errorf("%w: only drafts can be reallocated", ErrNotEditable)
		}
		_, err := s.allocator.WithTx(tx).Reallocate(ctx, e)
		return lifecycle.Effect{}, err
	})
	if err != nil {
		return nil, err
	}
	return s.detail(ctx, e)
}

// Confirm completes a publication the record store has accepted. The
// pushed record becomes the published one.
func (s *ExperimentService) Confirm(ctx context.Context, slug string) (*model.Experiment, error) {
	actor := GetOperator(ctx)
	return s.mutate(ctx, slug, "Publication confirmed by record store", lifecycle.ActionConfirm, func(tx *gorm.DB, e *model.Experiment) (lifecycle.Effect, error) {
		pushed := e.PendingRecord
		effect, err := lifecycle.Transition(e, lifecycle.Request{Action: lifecycle.ActionConfirm, Actor: actor, Now: s.now()})
		s.observer.RecordTransition(string(lifecycle.ActionConfirm), err == nil)
		if err != nil {
			return effect, err
		}
		if e.Status == constraints.StatusComplete {
			e.PublishedRecord = nil
		} else {
			e.PublishedRecord = pushed
		}
		return effect, nil
	})
}

func (s *ExperimentService) Get(ctx context.Context, slug string) (*resp.ExperimentDetail, error) {
	e, err := s.experimentRepo.GetBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, ErrExperimentNotFound
	}
	return s.detail(ctx, e)
}

func (s *ExperimentService) detail(ctx context.Context, e *model.Experiment) (*resp.ExperimentDetail, error) {
	d := &resp.ExperimentDetail{
		Experiment:       e,
		ComputedEndDate:  e.ComputedEndDate(),
		AvailableActions: []string{},
	}
	for _, a := range lifecycle.Available(e) {
		d.AvailableActions = append(d.AvailableActions, string(a))
	}
	br, err := s.allocator.Get(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	if br != nil {
		d.BucketRange = &resp.BucketRangeItem{Start: br.Start, Count: br.Count}
		if g := br.IsolationGroup; g != nil {
			d.BucketRange.Namespace = g.Namespace
			d.BucketRange.Instance = g.Instance
			d.BucketRange.Total = g.Total
		}
	}
	return d, nil
}

func (s *ExperimentService) List(ctx context.Context, r req.ListExperimentsReq) (*resp.ListExperimentsResp, error) {
	if r.Page < 1 {
		r.Page = 1
	}
	if r.PageSize < 1 {
		r.PageSize = 50
	}
	experiments, total, err := s.experimentRepo.List(ctx, repository.ExperimentFilter{
		Application:   constraints.Application(r.Application),
		Status:        constraints.Status(r.Status),
		PublishStatus: constraints.PublishStatus(r.PublishStatus),
		Owner:         r.Owner,
		Search:        r.Search,
		Archived:      r.Archived,
		Offset:        (r.Page - 1) * r.PageSize,
		Limit:         r.PageSize,
	})
	if err != nil {
		return nil, err
	}
	items := make([]resp.ExperimentItem, 0, len(experiments))
	for _, e := range experiments {
		items = append(items, resp.ExperimentItem{
			Slug:          e.Slug,
			Name:          e.Name,
			Owner:         e.Owner,
			Application:   e.Application,
			Status:        e.Status,
			PublishStatus: e.PublishStatus,
			StatusNext:    e.StatusNext,
			Archived:      e.Archived,
			UpdatedAt:     e.UpdatedAt,
		})
	}
	return &resp.ListExperimentsResp{Items: items, Total: total}, nil
}

func (s *ExperimentService) History(ctx context.Context, slug string) ([]resp.ChangeLogItem, error) {
	e, err := s.experimentRepo.GetBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, ErrExperimentNotFound
	}
	entries, err := s.ledger.History(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	items := make([]resp.ChangeLogItem, 0, len(entries))
	for _, c := range entries {
		items = append(items, resp.ChangeLogItem{
			ID:               c.ID,
			OldStatus:        c.OldStatus,
			NewStatus:        c.NewStatus,
			OldPublishStatus: c.OldPublishStatus,
			NewPublishStatus: c.NewPublishStatus,
			OldStatusNext:    c.OldStatusNext,
			NewStatusNext:    c.NewStatusNext,
			ChangedBy:        c.ChangedBy,
			ChangedOn:        c.ChangedOn,
			Message:          c.Message,
			TraceID:          c.TraceID,
		})
	}
	return items, nil
}

func (s *ExperimentService) Health(ctx context.Context) error {
	if s.experimentRepo.PingContext(ctx) != nil {
		return ErrMysqlUnhealthy
	}
	if s.sync.Ping(ctx) != nil {
		return ErrRecordStoreUnhealthy
	}
	return nil
}
