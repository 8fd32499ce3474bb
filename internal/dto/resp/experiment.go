package resp

import (
	"time"

	"expflow/internal/model"
	"expflow/pkg/constraints"
)

type BucketRangeItem struct {
	Namespace string `json:"namespace"`
	Instance  int    `json:"instance"`
	Start     int    `json:"start"`
	Count     int    `json:"count"`
	Total     int    `json:"total"`
}

type ExperimentDetail struct {
	*model.Experiment
	ComputedEndDate  *time.Time       `json:"computed_end_date,omitempty"`
	BucketRange      *BucketRangeItem `json:"bucket_range,omitempty"`
	AvailableActions []string         `json:"available_actions"`
}

type ExperimentItem struct {
	Slug          string                    `json:"slug"`
	Name          string                    `json:"name"`
	Owner         string                    `json:"owner"`
	Application   constraints.Application   `json:"application"`
	Status        constraints.Status        `json:"status"`
	PublishStatus constraints.PublishStatus `json:"publish_status"`
	StatusNext    constraints.Status        `json:"status_next,omitempty"`
	Archived      bool                      `json:"archived"`
	UpdatedAt     time.Time                 `json:"updated_at"`
}

type ListExperimentsResp struct {
	Items []ExperimentItem `json:"items"`
	Total int64            `json:"total"`
}

type ChangeLogItem struct {
	ID               int64                     `json:"id"`
	OldStatus        constraints.Status        `json:"old_status"`
	NewStatus        constraints.Status        `json:"new_status"`
	OldPublishStatus constraints.PublishStatus `json:"old_publish_status"`
	NewPublishStatus constraints.PublishStatus `json:"new_publish_status"`
	OldStatusNext    constraints.Status        `json:"old_status_next,omitempty"`
	NewStatusNext    constraints.Status        `json:"new_status_next,omitempty"`
	ChangedBy        string                    `json:"changed_by"`
	ChangedOn        time.Time                 `json:"changed_on"`
	Message          string                    `json:"message"`
	TraceID          string                    `json:"trace_id,omitempty"`
}

// TaskResp summarizes one scheduled pass.
type TaskResp struct {
	Job       string `json:"job"`
	Processed int    `json:"processed"`
	Failed    int    `json:"failed"`
	Skipped   int    `json:"skipped"`
}
