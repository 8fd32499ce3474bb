package testutil

import (
	"context"
	"sync/atomic"

	"expflow/internal/recordstore"
	v1 "expflow/pkg/api/v1"
)

// FlakyStore fails the first Failures calls with recordstore.ErrTransient
// and then delegates to Store.
type FlakyStore struct {
	recordstore.Store
	Failures int64
	calls    atomic.Int64
}

func (f *FlakyStore) fail() error {
	if f.calls.Add(1) <= f.Failures {
		return recordstore.ErrTransient
	}
	return nil
}

// Calls reports how many calls reached the wrapper.
func (f *FlakyStore) Calls() int64 {
	return f.calls.Load()
}

func (f *FlakyStore) CreateRecord(ctx context.Context, bucket, collection string, rec *v1.Record, ifNotExists bool) (int64, error) {
	if err := f.fail(); err != nil {
		return 0, err
	}
	return f.Store.CreateRecord(ctx, bucket, collection, rec, ifNotExists)
}

func (f *FlakyStore) UpdateRecord(ctx context.Context, bucket, collection string, rec *v1.Record) (int64, error) {
	if err := f.fail(); err != nil {
		return 0, err
	}
	return f.Store.UpdateRecord(ctx, bucket, collection, rec)
}

func (f *FlakyStore) GetRecord(ctx context.Context, bucket, collection, id string) (*v1.Record, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return f.Store.GetRecord(ctx, bucket, collection, id)
}

func (f *FlakyStore) PatchCollection(ctx context.Context, bucket, collection string, patch recordstore.CollectionPatch) error {
	if err := f.fail(); err != nil {
		return err
	}
	return f.Store.PatchCollection(ctx, bucket, collection, patch)
}

func (f *FlakyStore) GetCollection(ctx context.Context, bucket, collection string) (*recordstore.Collection, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return f.Store.GetCollection(ctx, bucket, collection)
}
