package repository

import (
	"context"
	"errors"

	"expflow/internal/model"
	"expflow/pkg/constraints"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ExperimentFilter narrows List. Zero values match everything.
type ExperimentFilter struct {
	Application   constraints.Application
	Status        constraints.Status
	PublishStatus constraints.PublishStatus
	Owner         string
	Search        string
	Archived      *bool
	Offset        int
	Limit         int
}

// ExperimentInterface defines the persistence of experiments and their branches
type ExperimentInterface interface {
	GetBySlug(ctx context.Context, slug string) (*model.Experiment, error)
	LockBySlug(ctx context.Context, slug string) (*model.Experiment, error)
	List(ctx context.Context, f ExperimentFilter) ([]*model.Experiment, int64, error)
	ListByState(ctx context.Context, status []constraints.Status, publish constraints.PublishStatus) ([]*model.Experiment, error)
	Create(ctx context.Context, e *model.Experiment) error
	Save(ctx context.Context, e *model.Experiment) error
	ReplaceBranches(ctx context.Context, e *model.Experiment, branches []model.Branch) error
	PingContext(ctx context.Context) error
	WithTx(tx *gorm.DB) any
}

type ExperimentRepository struct {
	db *gorm.DB
}

func NewExperimentRepository(db *gorm.DB) *ExperimentRepository {
	return &ExperimentRepository{db: db}
}

// GetBySlug returns nil, nil when the slug is unknown.
func (r *ExperimentRepository) GetBySlug(ctx context.Context, slug string) (*model.Experiment, error) {
	return r.find(ctx, slug, false)
}

// LockBySlug reads the row with SELECT ... FOR UPDATE. It must run inside a
// transaction; the lock is held until commit.
func (r *ExperimentRepository) LockBySlug(ctx context.Context, slug string) (*model.Experiment, error) {
	return r.find(ctx, slug, true)
}

func (r *ExperimentRepository) find(ctx context.Context, slug string, lock bool) (*model.Experiment, error) {
	db := r.db.WithContext(ctx)
	if lock {
		db = db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var e model.Experiment
	err := db.Where("slug = ?", slug).First(&e).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if err := r.db.WithContext(ctx).Where("experiment_id = ?", e.ID).Order("id ASC").Find(&e.Branches).Error; err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *ExperimentRepository) List(ctx context.Context, f ExperimentFilter) ([]*model.Experiment, int64, error) {
	var experiments []*model.Experiment
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Experiment{})
	if f.Application != "" {
		query = query.Where("application = ?", f.Application)
	}
	if f.Status != "" {
		query = query.Where("status = ?", f.Status)
	}
	if f.PublishStatus != "" {
		query = query.Where("publish_status = ?", f.PublishStatus)
	}
	if f.Owner != "" {
		query = query.Where("owner = ?", f.Owner)
	}
	if f.Search != "" {
		query = query.Where("slug LIKE ? OR name LIKE ?", "%"+f.Search+"%", "%"+f.Search+"%")
	}
	if f.Archived != nil {
		query = query.Where("archived = ?", *f.Archived)
	}
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if f.Limit > 0 {
		query = query.Offset(f.Offset).Limit(f.Limit)
	}
	if err := query.Preload("Branches").Order("updated_at DESC, id DESC").Find(&experiments).Error; err != nil {
		return nil, 0, err
	}
	return experiments, total, nil
}

// ListByState returns unarchived experiments in any of the given statuses
// with the given publish status. Used by the scheduler's scans.
func (r *ExperimentRepository) ListByState(ctx context.Context, status []constraints.Status, publish constraints.PublishStatus) ([]*model.Experiment, error) {
	var experiments []*model.Experiment
	err := r.db.WithContext(ctx).
		Where("status IN ? AND publish_status = ? AND archived = ?", status, publish, false).
		Order("id ASC").
		Find(&experiments).Error
	return experiments, err
}

func (r *ExperimentRepository) Create(ctx context.Context, e *model.Experiment) error {
	return r.db.WithContext(ctx).Create(e).Error
}

// Save updates the experiment row only. Branches go through ReplaceBranches.
func (r *ExperimentRepository) Save(ctx context.Context, e *model.Experiment) error {
	return r.db.WithContext(ctx).Omit(clause.Associations).Save(e).Error
}

func (r *ExperimentRepository) ReplaceBranches(ctx context.Context, e *model.Experiment, branches []model.Branch) error {
	db := r.db.WithContext(ctx)
	if err := db.Where("experiment_id = ?", e.ID).Delete(&model.Branch{}).Error; err != nil {
		return err
	}
	for i := range branches {
		branches[i].ID = 0
		branches[i].ExperimentID = e.ID
	}
	if len(branches) > 0 {
		if err := db.Create(&branches).Error; err != nil {
			return err
		}
	}
	e.Branches = branches
	return nil
}

func (r *ExperimentRepository) PingContext(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (r *ExperimentRepository) WithTx(tx *gorm.DB) any {
	return &ExperimentRepository{db: tx}
}
