package constraints

// Status is the coarse lifecycle of an experiment.
type Status string

const (
	StatusDraft    Status = "Draft"
	StatusPreview  Status = "Preview"
	StatusReview   Status = "Review"
	StatusLive     Status = "Live"
	StatusComplete Status = "Complete"
)

var Statuses = []Status{StatusDraft, StatusPreview, StatusReview, StatusLive, StatusComplete}

func (s Status) Valid() bool {
	for _, v := range Statuses {
		if v == s {
			return true
		}
	}
	return false
}

// PublishStatus tracks synchronization with the record store.
type PublishStatus string

const (
	PublishIdle     PublishStatus = "Idle"
	PublishReview   PublishStatus = "Review"
	PublishApproved PublishStatus = "Approved"
	PublishWaiting  PublishStatus = "Waiting"
	PublishDirty    PublishStatus = "Dirty"
)

var PublishStatuses = []PublishStatus{PublishIdle, PublishReview, PublishApproved, PublishWaiting, PublishDirty}

// CollectionStatus values used by the record store review workflow.
const (
	CollectionToReview       = "to-review"
	CollectionWorkInProgress = "work-in-progress"
	CollectionToSign         = "to-sign"
	CollectionToRollback     = "to-rollback"
	CollectionSigned         = "signed"
)

const (
	DefaultRecordStoreBucket = "main-workspace"
	DefaultTargetingConfig   = "default"
	SystemActor              = "system"
)
