package recordstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	v1 "expflow/pkg/api/v1"
)

// MemoryStore is an in-process Store for local runs and tests.
type MemoryStore struct {
	mu          sync.Mutex
	revision    int64
	records     map[string]map[string]memRecord
	collections map[string]Collection
}

type memRecord struct {
	data     []byte
	revision int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:     make(map[string]map[string]memRecord),
		collections: make(map[string]Collection),
	}
}

func collectionID(bucket, collection string) string {
	return bucket + "/" + collection
}

func (m *MemoryStore) put(bucket, collection string, rec *v1.Record) (int64, error) {
	data, err := rec.Marshal()
	if err != nil {
		return 0, err
	}
	id := collectionID(bucket, collection)
	if m.records[id] == nil {
		m.records[id] = make(map[string]memRecord)
	}
	m.revision++
	m.records[id][rec.ID] = memRecord{data: data, revision: m.revision}
	return m.revision, nil
}

func (m *MemoryStore) CreateRecord(ctx context.Context, bucket, collection string, rec *v1.Record, ifNotExists bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[collectionID(bucket, collection)][rec.ID]; ok && ifNotExists {
		return 0, ErrRecordExists
	}
	return m.put(bucket, collection, rec)
}

func (m *MemoryStore) UpdateRecord(ctx context.Context, bucket, collection string, rec *v1.Record) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[collectionID(bucket, collection)][rec.ID]; !ok {
		return 0, ErrNotFound
	}
	return m.put(bucket, collection, rec)
}

func (m *MemoryStore) DeleteRecord(ctx context.Context, bucket, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	recs := m.records[collectionID(bucket, collection)]
	if _, ok := recs[id]; !ok {
		return ErrNotFound
	}
	delete(recs, id)
	m.revision++
	return nil
}

func (m *MemoryStore) GetRecord(ctx context.Context, bucket, collection, id string) (*v1.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[collectionID(bucket, collection)][id]
	if !ok {
		return nil, ErrNotFound
	}
	var rec v1.Record
	if err := json.Unmarshal(r.data, &rec); err != nil {
		return nil, err
	}
	rec.LastModified = r.revision
	return &rec, nil
}

func (m *MemoryStore) GetRecords(ctx context.Context, bucket, collection string) ([]RecordMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	recs := m.records[collectionID(bucket, collection)]
	out := make([]RecordMeta, 0, len(recs))
	for id, r := range recs {
		out = append(out, RecordMeta{ID: id, LastModified: r.revision})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) PatchCollection(ctx context.Context, bucket, collection string, patch CollectionPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := collectionID(bucket, collection)
	c := m.collections[id]
	apply(&c, patch)
	m.collections[id] = c
	return nil
}

func (m *MemoryStore) GetCollection(ctx context.Context, bucket, collection string) (*Collection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.collections[collectionID(bucket, collection)]
	return &c, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}
