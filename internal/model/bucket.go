package model

import "time"

// IsolationGroup is one fixed-size instance of a randomization namespace.
type IsolationGroup struct {
	ID          uint64    `gorm:"primaryKey" json:"id"`
	Application string    `gorm:"size:32;uniqueIndex:idx_isolation_group,priority:1" json:"application"`
	Namespace   string    `gorm:"size:128;uniqueIndex:idx_isolation_group,priority:2" json:"namespace"`
	Instance    int       `gorm:"uniqueIndex:idx_isolation_group,priority:3" json:"instance"`
	Total       int       `json:"total"`
	CreatedAt   time.Time `json:"created_at"`
}

// BucketRange is a contiguous slice [Start, Start+Count) of a group.
// Retired ranges keep their slots; they are never reclaimed.
type BucketRange struct {
	ID               uint64          `gorm:"primaryKey" json:"id"`
	ExperimentID     uint64          `gorm:"index" json:"experiment_id"`
	IsolationGroupID uint64          `gorm:"index" json:"isolation_group_id"`
	IsolationGroup   *IsolationGroup `gorm:"foreignKey:IsolationGroupID" json:"isolation_group,omitempty"`
	Start            int             `gorm:"column:bucket_start" json:"start"`
	Count            int             `gorm:"column:bucket_count" json:"count"`
	Retired          bool            `gorm:"index" json:"retired"`
	CreatedAt        time.Time       `json:"created_at"`
}

func (r *BucketRange) End() int {
	return r.Start + r.Count
}
