package repository

import (
	"context"
	"errors"

	"expflow/internal/model"
	"expflow/pkg/constraints"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Usage summarizes the slots consumed in one isolation group.
type Usage struct {
	Used   int // SUM(count), retired ranges included
	MaxEnd int // MAX(start+count)
}

// BucketInterface defines the persistence behind the bucket allocator
type BucketInterface interface {
	LockGroups(ctx context.Context, app constraints.Application, namespace string) ([]model.IsolationGroup, error)
	EnsureGroup(ctx context.Context, app constraints.Application, namespace string, instance, total int) (*model.IsolationGroup, error)
	Usage(ctx context.Context, groupID uint64) (Usage, error)
	ActiveRange(ctx context.Context, experimentID uint64) (*model.BucketRange, error)
	CreateRange(ctx context.Context, r *model.BucketRange) error
	Retire(ctx context.Context, rangeID uint64) error
	ResizeRange(ctx context.Context, rangeID uint64, count int) error
	ListRanges(ctx context.Context, groupID uint64) ([]model.BucketRange, error)
	WithTx(tx *gorm.DB) any
}

type BucketRepository struct {
	db *gorm.DB
}

func NewBucketRepository(db *gorm.DB) *BucketRepository {
	return &BucketRepository{db: db}
}

// LockGroups returns every instance of the namespace ordered by instance,
// holding row locks until the surrounding transaction ends.
func (r *BucketRepository) LockGroups(ctx context.Context, app constraints.Application, namespace string) ([]model.IsolationGroup, error) {
	var groups []model.IsolationGroup
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("application = ? AND namespace = ?", app, namespace).
		Order("instance ASC").
		Find(&groups).Error
	return groups, err
}

// EnsureGroup creates the instance if missing and returns it locked.
// A concurrent creator wins silently; both callers then lock the same row.
func (r *BucketRepository) EnsureGroup(ctx context.Context, app constraints.Application, namespace string, instance, total int) (*model.IsolationGroup, error) {
	db := r.db.WithContext(ctx)
	g := model.IsolationGroup{
		Application: string(app),
		Namespace:   namespace,
		Instance:    instance,
		Total:       total,
	}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&g).Error; err != nil {
		return nil, err
	}

	var locked model.IsolationGroup
	err := db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("application = ? AND namespace = ? AND instance = ?", app, namespace, instance).
		First(&locked).Error
	if err != nil {
		return nil, err
	}
	return &locked, nil
}

func (r *BucketRepository) Usage(ctx context.Context, groupID uint64) (Usage, error) {
	var u Usage
	err := r.db.WithContext(ctx).Model(&model.BucketRange{}).
		Select("COALESCE(SUM(bucket_count), 0) AS used, COALESCE(MAX(bucket_start + bucket_count), 0) AS max_end").
		Where("isolation_group_id = ?", groupID).
		Scan(&u).Error
	return u, err
}

// ActiveRange returns nil, nil when the experiment holds no live range.
func (r *BucketRepository) ActiveRange(ctx context.Context, experimentID uint64) (*model.BucketRange, error) {
	var br model.BucketRange
	err := r.db.WithContext(ctx).
		Preload("IsolationGroup").
		Where("experiment_id = ? AND retired = ?", experimentID, false).
		First(&br).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &br, nil
}

func (r *BucketRepository) CreateRange(ctx context.Context, br *model.BucketRange) error {
	return r.db.WithContext(ctx).Omit("IsolationGroup").Create(br).Error
}

func (r *BucketRepository) Retire(ctx context.Context, rangeID uint64) error {
	return r.db.WithContext(ctx).Model(&model.BucketRange{}).
		Where("id = ?", rangeID).
		Update("retired", true).Error
}

func (r *BucketRepository) ResizeRange(ctx context.Context, rangeID uint64, count int) error {
	return r.db.WithContext(ctx).Model(&model.BucketRange{}).
		Where("id = ?", rangeID).
		Update("bucket_count", count).Error
}

func (r *BucketRepository) ListRanges(ctx context.Context, groupID uint64) ([]model.BucketRange, error) {
	var ranges []model.BucketRange
	err := r.db.WithContext(ctx).
		Where("isolation_group_id = ?", groupID).
		Order("bucket_start ASC, id ASC").
		Find(&ranges).Error
	return ranges, err
}

func (r *BucketRepository) WithTx(tx *gorm.DB) any {
	return &BucketRepository{db: tx}
}
