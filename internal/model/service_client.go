package model

// ServiceClient is an API key allowed to trigger scheduled tasks.
type ServiceClient struct {
	ID     uint64 `gorm:"primaryKey"`
	Name   string `gorm:"size:64;not null"`
	APIKey string `gorm:"size:64;uniqueIndex;not null"`
	Status int    `gorm:"default:1"`
}

// All lists every table for auto-migration.
func All() []any {
	return []any{
		&Experiment{},
		&Branch{},
		&IsolationGroup{},
		&BucketRange{},
		&ChangeLogEntry{},
		&OutboxTask{},
		&ServiceClient{},
	}
}
