package repository

import (
	"context"
	"errors"

	"expflow/internal/model"

	"gorm.io/gorm"
)

// ServiceClientRepository validates keys presented by the task runner
type ServiceClientRepository interface {
	ValidateAPIKey(ctx context.Context, apiKey string) (bool, error)
}

type ServiceClientStore struct {
	db *gorm.DB
}

func NewServiceClientStore(db *gorm.DB) *ServiceClientStore {
	return &ServiceClientStore{db: db}
}

func (r *ServiceClientStore) ValidateAPIKey(ctx context.Context, apiKey string) (bool, error) {
	var client model.ServiceClient
	err := r.db.WithContext(ctx).
		Where("api_key = ? AND status = 1", apiKey).
		First(&client).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
