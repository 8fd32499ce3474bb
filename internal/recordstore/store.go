// Package recordstore is the client side of the external, human-reviewed
// record store. Records live in per-application collections; every
// collection carries a review status that moves through
// to-review -> to-sign (or work-in-progress on rejection, to-rollback to
// discard unsigned changes).
package recordstore

import (
	"context"
	"errors"

	v1 "expflow/pkg/api/v1"
)

var (
	// ErrTransient marks network or server failures the caller may retry.
	ErrTransient    = errors.New("record store transient failure")
	ErrRecordExists = errors.New("record already exists")
	ErrNotFound     = errors.New("record not found")
)

// Collection is the review metadata of one collection.
type Collection struct {
	Status              string `json:"status"`
	LastReviewerComment string `json:"last_reviewer_comment,omitempty"`
}

// CollectionPatch changes a collection's review metadata. A nil comment
// leaves the stored comment untouched.
type CollectionPatch struct {
	Status              string
	LastReviewerComment *string
}

type RecordMeta struct {
	ID           string `json:"id"`
	LastModified int64  `json:"last_modified"`
}

// Store is the record store contract. Returned int64 values are the
// record's last_modified version.
type Store interface {
	CreateRecord(ctx context.Context, bucket, collection string, rec *v1.Record, ifNotExists bool) (int64, error)
	UpdateRecord(ctx context.Context, bucket, collection string, rec *v1.Record) (int64, error)
	DeleteRecord(ctx context.Context, bucket, collection, id string) error
	GetRecord(ctx context.Context, bucket, collection, id string) (*v1.Record, error)
	GetRecords(ctx context.Context, bucket, collection string) ([]RecordMeta, error)
	PatchCollection(ctx context.Context, bucket, collection string, patch CollectionPatch) error
	GetCollection(ctx context.Context, bucket, collection string) (*Collection, error)
	Ping(ctx context.Context) error
}

func apply(c *Collection, patch CollectionPatch) {
	if patch.Status != "" {
		c.Status = patch.Status
	}
	if patch.LastReviewerComment != nil {
		c.LastReviewerComment = *patch.LastReviewerComment
	}
}
