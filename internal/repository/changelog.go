package repository

import (
	"context"
	"errors"

	"expflow/internal/model"

	"gorm.io/gorm"
)

// ChangeLogInterface defines the persistence of the append-only changelog
type ChangeLogInterface interface {
	Create(ctx context.Context, entry *model.ChangeLogEntry) error
	Latest(ctx context.Context, experimentID uint64) (*model.ChangeLogEntry, error)
	ListByExperiment(ctx context.Context, experimentID uint64) ([]model.ChangeLogEntry, error)
	ExperimentIDs(ctx context.Context) ([]uint64, error)
	DeleteByIDs(ctx context.Context, ids []int64) (int64, error)
	WithTx(tx *gorm.DB) any
}

type ChangeLogRepository struct {
	db *gorm.DB
}

func NewChangeLogRepository(db *gorm.DB) *ChangeLogRepository {
	return &ChangeLogRepository{db: db}
}

func (r *ChangeLogRepository) Create(ctx context.Context, entry *model.ChangeLogEntry) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

// Latest returns nil, nil when the experiment has no entries yet.
func (r *ChangeLogRepository) Latest(ctx context.Context, experimentID uint64) (*model.ChangeLogEntry, error) {
	var entry model.ChangeLogEntry
	err := r.db.WithContext(ctx).
		Where("experiment_id = ?", experimentID).
		Order("changed_on DESC, id DESC").
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

// ListByExperiment returns the history oldest first.
func (r *ChangeLogRepository) ListByExperiment(ctx context.Context, experimentID uint64) ([]model.ChangeLogEntry, error) {
	var entries []model.ChangeLogEntry
	err := r.db.WithContext(ctx).
		Where("experiment_id = ?", experimentID).
		Order("changed_on ASC, id ASC").
		Find(&entries).Error
	return entries, err
}

func (r *ChangeLogRepository) ExperimentIDs(ctx context.Context) ([]uint64, error) {
	var ids []uint64
	err := r.db.WithContext(ctx).Model(&model.ChangeLogEntry{}).
		Distinct("experiment_id").
		Order("experiment_id ASC").
		Pluck("experiment_id", &ids).Error
	return ids, err
}

func (r *ChangeLogRepository) DeleteByIDs(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).Where("id IN ?", ids).Delete(&model.ChangeLogEntry{})
	return res.RowsAffected, res.Error
}

func (r *ChangeLogRepository) WithTx(tx *gorm.DB) any {
	return &ChangeLogRepository{db: tx}
}
