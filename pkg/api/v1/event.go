package v1

import (
	"time"

	"expflow/pkg/constraints"
)

const (
	EventChange = "change"
	EventPing   = "ping"
)

// ChangeEvent is broadcast to dashboard subscribers for every committed
// changelog entry. Revision is a per-server sequence used for resuming a
// stream; EntryID points at the changelog entry.
type ChangeEvent struct {
	Type          string                    `json:"type"`
	Revision      int64                     `json:"revision"`
	EntryID       int64                     `json:"entry_id,omitempty"`
	Slug          string                    `json:"slug"`
	Application   constraints.Application   `json:"application"`
	Status        constraints.Status        `json:"status"`
	PublishStatus constraints.PublishStatus `json:"publish_status"`
	StatusNext    constraints.Status        `json:"status_next,omitempty"`
	Archived      bool                      `json:"archived"`
	Actor         string                    `json:"actor"`
	Message       string                    `json:"message"`
	ChangedAt     time.Time                 `json:"changed_at"`
}
