package model

import (
	"time"

	"expflow/pkg/constraints"

	"gorm.io/datatypes"
)

type Experiment struct {
	ID                   uint64                      `gorm:"primaryKey" json:"id"`
	Slug                 string                      `gorm:"size:128;uniqueIndex" json:"slug"`
	Name                 string                      `gorm:"size:255" json:"name"`
	Owner                string                      `gorm:"size:64" json:"owner"`
	Application          constraints.Application     `gorm:"size:32;index" json:"application"`
	PublicDescription    string                      `gorm:"type:text" json:"public_description"`
	Status               constraints.Status          `gorm:"size:16;index" json:"status"`
	PublishStatus        constraints.PublishStatus   `gorm:"size:16;index" json:"publish_status"`
	StatusNext           constraints.Status          `gorm:"size:16" json:"status_next,omitempty"`
	Archived             bool                        `gorm:"index" json:"archived"`
	PopulationPercent    float64                     `json:"population_percent"`
	TotalEnrolledClients int                         `json:"total_enrolled_clients"`
	ProposedEnrollment   int                         `json:"proposed_enrollment"` // days
	ProposedDuration     int                         `json:"proposed_duration"`   // days
	IsEnrollmentPaused   bool                        `json:"is_enrollment_paused"`
	TargetingConfig      string                      `gorm:"size:64;default:default" json:"targeting_config"`
	TargetingExpression  string                      `gorm:"type:text" json:"targeting_expression"`
	FeatureConfigs       datatypes.JSONSlice[string] `json:"feature_configs"`
	ReferenceBranchSlug  string                      `gorm:"size:128" json:"reference_branch"`
	ReviewRequestedBy    string                      `gorm:"size:64" json:"review_requested_by,omitempty"`
	ReviewComment        string                      `gorm:"type:text" json:"review_comment,omitempty"`
	RemoteRecordID       string                      `gorm:"size:128" json:"remote_record_id,omitempty"`
	RemoteVersion        int64                       `json:"remote_version,omitempty"`
	PendingRecord        datatypes.JSON              `json:"pending_record,omitempty"`
	PublishedRecord      datatypes.JSON              `json:"published_record,omitempty"`
	PublishStartedAt     *time.Time                  `json:"publish_started_at,omitempty"`
	PushedAt             *time.Time                  `json:"pushed_at,omitempty"`
	StartDate            *time.Time                  `json:"start_date,omitempty"`
	EndDate              *time.Time                  `json:"end_date,omitempty"`
	Branches             []Branch                    `gorm:"foreignKey:ExperimentID" json:"branches"`
	CreatedAt            time.Time                   `json:"created_at"`
	UpdatedAt            time.Time                   `json:"updated_at"`
}

type Branch struct {
	ID           uint64         `gorm:"primaryKey" json:"id"`
	ExperimentID uint64         `gorm:"index" json:"-"`
	Slug         string         `gorm:"size:128" json:"slug"`
	Name         string         `gorm:"size:255" json:"name"`
	Description  string         `gorm:"type:text" json:"description"`
	Ratio        int            `json:"ratio"`
	FeatureValue datatypes.JSON `json:"feature_value"`
}

// ComputedEndDate is start + enrollment + duration, nil until launched.
func (e *Experiment) ComputedEndDate() *time.Time {
	if e.StartDate == nil {
		return nil
	}
	end := e.StartDate.AddDate(0, 0, e.ProposedEnrollment+e.ProposedDuration)
	return &end
}

// BucketNamespace is the isolation group this experiment samples from.
func (e *Experiment) BucketNamespace() string {
	return constraints.BucketNamespace(e.Application, e.TargetingConfig)
}
