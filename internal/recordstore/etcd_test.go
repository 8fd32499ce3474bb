package recordstore

import (
	"context"
	"errors"
	"testing"

	v1 "expflow/pkg/api/v1"
	"expflow/pkg/constraints"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	pb "go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// MockKV is a single-node, in-memory clientv3.KV good enough for the
// compare-and-swap paths the store uses.
type MockKV struct {
	clientv3.KV
	rev int64
	kvs map[string]*mvccpb.KeyValue
	err error
	// beforeCommit runs once before the next Txn commit.
	beforeCommit func()
}

func newMockKV() *MockKV {
	return &MockKV{kvs: make(map[string]*mvccpb.KeyValue)}
}

func (m *MockKV) header() *pb.ResponseHeader {
	return &pb.ResponseHeader{Revision: m.rev}
}

func (m *MockKV) put(key, val string) {
	m.rev++
	kv, ok := m.kvs[key]
	if !ok {
		kv = &mvccpb.KeyValue{Key: []byte(key), CreateRevision: m.rev}
		m.kvs[key] = kv
	}
	kv.Value = []byte(val)
	kv.ModRevision = m.rev
}

func (m *MockKV) Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.put(key, val)
	return &clientv3.PutResponse{Header: m.header()}, nil
}

func (m *MockKV) Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	if m.err != nil {
		return nil, m.err
	}
	op := clientv3.OpGet(key, opts...)
	resp := &clientv3.GetResponse{Header: m.header()}
	if end := op.RangeBytes(); end != nil {
		for k, kv := range m.kvs {
			if k >= key && k < string(end) {
				resp.Kvs = append(resp.Kvs, kv)
			}
		}
		return resp, nil
	}
	if kv, ok := m.kvs[key]; ok {
		resp.Kvs = append(resp.Kvs, kv)
	}
	return resp, nil
}

func (m *MockKV) Delete(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.DeleteResponse, error) {
	if m.err != nil {
		return nil, m.err
	}
	resp := &clientv3.DeleteResponse{Header: m.header()}
	if _, ok := m.kvs[key]; ok {
		delete(m.kvs, key)
		m.rev++
		resp.Deleted = 1
	}
	return resp, nil
}

func (m *MockKV) Txn(ctx context.Context) clientv3.Txn {
	return &mockTxn{kv: m}
}

type mockTxn struct {
	kv   *MockKV
	cmps []clientv3.Cmp
	ops  []clientv3.Op
}

func (t *mockTxn) If(cs ...clientv3.Cmp) clientv3.Txn {
	t.cmps = append(t.cmps, cs...)
	return t
}

func (t *mockTxn) Then(ops ...clientv3.Op) clientv3.Txn {
	t.ops = append(t.ops, ops...)
	return t
}

func (t *mockTxn) Else(ops ...clientv3.Op) clientv3.Txn { return t }

func (t *mockTxn) Commit() (*clientv3.TxnResponse, error) {
	if t.kv.err != nil {
		return nil, t.kv.err
	}
	if hook := t.kv.beforeCommit; hook != nil {
		t.kv.beforeCommit = nil
		hook()
	}
	for _, c := range t.cmps {
		var create, mod int64
		if kv, ok := t.kv.kvs[string(c.KeyBytes())]; ok {
			create, mod = kv.CreateRevision, kv.ModRevision
		}
		switch u := c.TargetUnion.(type) {
		case *pb.Compare_CreateRevision:
			if create != u.CreateRevision {
				return &clientv3.TxnResponse{Header: t.kv.header()}, nil
			}
		case *pb.Compare_ModRevision:
			if mod != u.ModRevision {
				return &clientv3.TxnResponse{Header: t.kv.header()}, nil
			}
		}
	}
	for _, op := range t.ops {
		if op.IsPut() {
			t.kv.put(string(op.KeyBytes()), string(op.ValueBytes()))
		}
	}
	return &clientv3.TxnResponse{Succeeded: true, Header: t.kv.header()}, nil
}

func record(id string, count int) *v1.Record {
	return &v1.Record{
		ID: id,
		Arguments: v1.Arguments{
			Slug:         id,
			BucketConfig: v1.BucketConfig{Namespace: "desktop-default", Count: count, Total: 10000},
		},
		Enabled: true,
	}
}

func TestEtcdStore_CreateIfNotExists(t *testing.T) {
	kv := newMockKV()
	s := NewEtcdStore(kv, "/expflow/recordstore")
	ctx := context.Background()

	rev, err := s.CreateRecord(ctx, "main-workspace", "experiments-desktop", record("exp-a", 500), true)
	require.NoError(t, err)
	assert.Positive(t, rev)
	assert.Contains(t, kv.kvs, "/expflow/recordstore/buckets/main-workspace/collections/experiments-desktop/records/exp-a")

	_, err = s.CreateRecord(ctx, "main-workspace", "experiments-desktop", record("exp-a", 500), true)
	assert.ErrorIs(t, err, ErrRecordExists)

	got, err := s.GetRecord(ctx, "main-workspace", "experiments-desktop", "exp-a")
	require.NoError(t, err)
	assert.Equal(t, 500, got.Arguments.BucketConfig.Count)
	assert.Equal(t, rev, got.LastModified)
}

func TestEtcdStore_UpdateRetriesOnContention(t *testing.T) {
	kv := newMockKV()
	s := NewEtcdStore(kv, "/p/")
	ctx := context.Background()

	_, err := s.CreateRecord(ctx, "b", "c", record("exp-a", 1), true)
	require.NoError(t, err)

	key := s.recordKey("b", "c", "exp-a")
	kv.beforeCommit = func() { kv.put(key, `{"id":"exp-a"}`) }

	_, err = s.UpdateRecord(ctx, "b", "c", record("exp-a", 2))
	require.NoError(t, err)

	got, err := s.GetRecord(ctx, "b", "c", "exp-a")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Arguments.BucketConfig.Count)
}

func TestEtcdStore_UpdateMissing(t *testing.T) {
	s := NewEtcdStore(newMockKV(), "/p/")

	_, err := s.UpdateRecord(context.Background(), "b", "c", record("nope", 1))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEtcdStore_DeleteAndList(t *testing.T) {
	kv := newMockKV()
	s := NewEtcdStore(kv, "/p/")
	ctx := context.Background()

	for _, id := range []string{"exp-a", "exp-b"} {
		_, err := s.CreateRecord(ctx, "b", "c", record(id, 1), true)
		require.NoError(t, err)
	}
	_, err := s.CreateRecord(ctx, "b", "other", record("exp-c", 1), true)
	require.NoError(t, err)

	require.NoError(t, s.DeleteRecord(ctx, "b", "c", "exp-a"))
	assert.ErrorIs(t, s.DeleteRecord(ctx, "b", "c", "exp-a"), ErrNotFound)

	metas, err := s.GetRecords(ctx, "b", "c")
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.Equal(t, "exp-b", metas[0].ID)
}

func TestEtcdStore_PatchCollection(t *testing.T) {
	s := NewEtcdStore(newMockKV(), "/p/")
	ctx := context.Background()

	c, err := s.GetCollection(ctx, "b", "c")
	require.NoError(t, err)
	assert.Empty(t, c.Status)

	comment := "needs fix"
	require.NoError(t, s.PatchCollection(ctx, "b", "c", CollectionPatch{Status: constraints.CollectionWorkInProgress, LastReviewerComment: &comment}))
	require.NoError(t, s.PatchCollection(ctx, "b", "c", CollectionPatch{Status: constraints.CollectionToReview}))

	c, err = s.GetCollection(ctx, "b", "c")
	require.NoError(t, err)
	assert.Equal(t, constraints.CollectionToReview, c.Status)
	assert.Equal(t, "needs fix", c.LastReviewerComment)
}

func TestEtcdStore_ClientErrorsAreTransient(t *testing.T) {
	kv := newMockKV()
	kv.err = errors.New("etcdserver: request timed out")
	s := NewEtcdStore(kv, "/p/")
	ctx := context.Background()

	_, err := s.CreateRecord(ctx, "b", "c", record("exp-a", 1), true)
	assert.ErrorIs(t, err, ErrTransient)
	_, err = s.GetCollection(ctx, "b", "c")
	assert.ErrorIs(t, err, ErrTransient)
	assert.ErrorIs(t, s.Ping(ctx), ErrTransient)
}
