package model

import (
	"time"

	"expflow/pkg/constraints"

	"gorm.io/datatypes"
)

// ChangeLogEntry is an immutable snapshot written on every meaningful
// experiment mutation.
type ChangeLogEntry struct {
	ID               int64                     `gorm:"primaryKey" json:"id"`
	ExperimentID     uint64                    `gorm:"index:idx_changelog_experiment,priority:1" json:"experiment_id"`
	OldStatus        constraints.Status        `gorm:"size:16" json:"old_status"`
	NewStatus        constraints.Status        `gorm:"size:16" json:"new_status"`
	OldPublishStatus constraints.PublishStatus `gorm:"size:16" json:"old_publish_status"`
	NewPublishStatus constraints.PublishStatus `gorm:"size:16" json:"new_publish_status"`
	OldStatusNext    constraints.Status        `gorm:"size:16" json:"old_status_next"`
	NewStatusNext    constraints.Status        `gorm:"size:16" json:"new_status_next"`
	ChangedBy        string                    `gorm:"size:64" json:"changed_by"`
	ChangedOn        time.Time                 `gorm:"index:idx_changelog_experiment,priority:2" json:"changed_on"`
	Message          string                    `gorm:"type:text" json:"message"`
	ExperimentData   datatypes.JSON            `json:"experiment_data"`
	TraceID          string                    `gorm:"size:36;index" json:"trace_id"`
}
