// Package bucket assigns experiments non-overlapping slot ranges inside
// isolation groups. A group instance has a fixed number of slots; ranges
// are handed out from the tail and never reclaimed, so a client that was
// bucketed into an experiment is never reused by a later one.
package bucket

import (
	"context"
	"errors"
	"fmt"
	"math"

	"expflow/internal/model"
	"expflow/internal/repository"
	"expflow/pkg/logger"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrAllocationConflict = errors.New("bucket allocation conflict")
	ErrAlreadyAllocated   = errors.New("experiment already holds a bucket range")
	ErrInvalidPercent     = errors.New("population percent must be within [0, 100]")
	ErrCannotGrow         = errors.New("bucket range cannot grow in place")
)

type Allocator struct {
	repo  repository.BucketInterface
	total int
}

func NewAllocator(repo repository.BucketInterface, totalSlots int) *Allocator {
	return &Allocator{repo: repo, total: totalSlots}
}

// WithTx returns an allocator bound to tx. Allocation must share the
// transaction that moves the experiment out of Draft.
func (a *Allocator) WithTx(tx *gorm.DB) *Allocator {
	return &Allocator{repo: a.repo.WithTx(tx).(repository.BucketInterface), total: a.total}
}

// Count converts a population percentage into a slot count.
func (a *Allocator) Count(percent float64) int {
	return SlotCount(percent, a.total)
}

// SlotCount converts a population percentage of total into a slot count.
func SlotCount(percent float64, total int) int {
	n := int(math.Round(percent / 100 * float64(total)))
	switch {
	case n < 0:
		return 0
	case n > total:
		return total
	}
	return n
}

// Allocate reserves a range for e in its namespace. It is idempotent: an
// experiment that already holds a live range gets that range back.
func (a *Allocator) Allocate(ctx context.Context, e *model.Experiment) (*model.BucketRange, error) {
	if e.PopulationPercent < 0 || e.PopulationPercent > 100 {
		return nil, ErrInvalidPercent
	}
	existing, err := a.repo.ActiveRange(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	return a.allocate(ctx, e)
}

// Reallocate retires the current range and reserves a fresh one. The
// retired slots stay burned.
func (a *Allocator) Reallocate(ctx context.Context, e *model.Experiment) (*model.BucketRange, error) {
	if e.PopulationPercent < 0 || e.PopulationPercent > 100 {
		return nil, ErrInvalidPercent
	}
	existing, err := a.repo.ActiveRange(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if err := a.repo.Retire(ctx, existing.ID); err != nil {
			return nil, err
		}
	}
	return a.allocate(ctx, e)
}

// Grow extends a live experiment's range in place so that enrolled clients
// keep their slots. Only the range at the tail of its instance can grow,
// and only into free slots. A smaller percentage keeps the reserved range;
// the published count is derived from the percentage.
func (a *Allocator) Grow(ctx context.Context, e *model.Experiment) (*model.BucketRange, error) {
	if e.PopulationPercent < 0 || e.PopulationPercent > 100 {
		return nil, ErrInvalidPercent
	}
	if _, err := a.repo.LockGroups(ctx, e.Application, e.BucketNamespace()); err != nil {
		return nil, err
	}
	br, err := a.repo.ActiveRange(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	if br == nil || br.IsolationGroup == nil {
		return nil, fmt.Errorf("%w: experiment %s holds no range", ErrCannotGrow, e.Slug)
	}

	group := br.IsolationGroup
	need := SlotCount(e.PopulationPercent, group.Total)
	if need <= br.Count {
		return br, nil
	}
	used, err := a.used(ctx, group)
	if err != nil {
		return nil, err
	}
	if used != br.End() {
		return nil, fmt.Errorf("%w: %s instance %d has ranges after [%d, %d)", ErrCannotGrow, group.Namespace, group.Instance, br.Start, br.End())
	}
	if group.Total-used < need-br.Count {
		return nil, fmt.Errorf("%w: %s instance %d has %d free slots, %d needed", ErrCannotGrow, group.Namespace, group.Instance, group.Total-used, need-br.Count)
	}
	if err := a.repo.ResizeRange(ctx, br.ID, need); err != nil {
		return nil, err
	}

	logger.Info("bucket range grown",
		zap.String("slug", e.Slug),
		zap.String("namespace", group.Namespace),
		zap.Int("instance", group.Instance),
		zap.Int("start", br.Start),
		zap.Int("from", br.Count),
		zap.Int("to", need))
	br.Count = need
	return br, nil
}

// Get returns the experiment's live range, or nil.
func (a *Allocator) Get(ctx context.Context, experimentID uint64) (*model.BucketRange, error) {
	return a.repo.ActiveRange(ctx, experimentID)
}

func (a *Allocator) allocate(ctx context.Context, e *model.Experiment) (*model.BucketRange, error) {
	namespace := e.BucketNamespace()
	count := a.Count(e.PopulationPercent)

	groups, err := a.repo.LockGroups(ctx, e.Application, namespace)
	if err != nil {
		return nil, err
	}

	var group *model.IsolationGroup
	var start int
	for i := range groups {
		used, err := a.used(ctx, &groups[i])
		if err != nil {
			return nil, err
		}
		if groups[i].Total-used >= count {
			group, start = &groups[i], used
			break
		}
	}

	if group == nil {
		instance := 1
		if len(groups) > 0 {
			instance = groups[len(groups)-1].Instance + 1
		}
		group, err = a.repo.EnsureGroup(ctx, e.Application, namespace, instance, a.total)
		if err != nil {
			return nil, err
		}
		// a concurrent allocator may have created and filled it already
		if start, err = a.used(ctx, group); err != nil {
			return nil, err
		}
		if group.Total-start < count {
			return nil, fmt.Errorf("%w: instance %d of %s is full", ErrAllocationConflict, instance, namespace)
		}
	}

	br := &model.BucketRange{
		ExperimentID:     e.ID,
		IsolationGroupID: group.ID,
		Start:            start,
		Count:            count,
	}
	if err := a.repo.CreateRange(ctx, br); err != nil {
		return nil, err
	}
	br.IsolationGroup = group

	logger.Info("bucket range allocated",
		zap.String("slug", e.Slug),
		zap.String("namespace", namespace),
		zap.Int("instance", group.Instance),
		zap.Int("start", br.Start),
		zap.Int("count", br.Count))
	return br, nil
}

// used returns the next free slot. Ranges are always appended at the tail,
// so SUM(count) must equal MAX(start+count); anything else means two
// writers interleaved without the group lock.
func (a *Allocator) used(ctx context.Context, g *model.IsolationGroup) (int, error) {
	u, err := a.repo.Usage(ctx, g.ID)
	if err != nil {
		return 0, err
	}
	if u.Used != u.MaxEnd {
		return 0, fmt.Errorf("%w: %s instance %d has sum %d but tail %d", ErrAllocationConflict, g.Namespace, g.Instance, u.Used, u.MaxEnd)
	}
	return u.Used, nil
}
