package recordstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	v1 "expflow/pkg/api/v1"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const maxCASRetries = 3

var errContention = errors.New("too much contention")

// EtcdStore keeps records under
// <prefix>buckets/<bucket>/collections/<collection>/records/<id>
// and collection metadata under .../collections/<collection>/meta.
// last_modified is the key's etcd mod revision.
type EtcdStore struct {
	client clientv3.KV
	prefix string
}

func NewEtcdStore(client clientv3.KV, prefix string) *EtcdStore {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &EtcdStore{client: client, prefix: prefix}
}

func (s *EtcdStore) collectionKey(bucket, collection string) string {
	return fmt.Sprintf("%sbuckets/%s/collections/%s/", s.prefix, bucket, collection)
}

func (s *EtcdStore) recordKey(bucket, collection, id string) string {
	return s.collectionKey(bucket, collection) + "records/" + id
}

func (s *EtcdStore) metaKey(bucket, collection string) string {
	return s.collectionKey(bucket, collection) + "meta"
}

func transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

func (s *EtcdStore) CreateRecord(ctx context.Context, bucket, collection string, rec *v1.Record, ifNotExists bool) (int64, error) {
	key := s.recordKey(bucket, collection, rec.ID)
	val, err := rec.Marshal()
	if err != nil {
		return 0, err
	}

	if !ifNotExists {
		resp, err := s.client.Put(ctx, key, string(val))
		if err != nil {
			return 0, transient(err)
		}
		return resp.Header.Revision, nil
	}

	tResp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(val))).
		Commit()
	if err != nil {
		return 0, transient(err)
	}
	if !tResp.Succeeded {
		return 0, ErrRecordExists
	}
	return tResp.Header.Revision, nil
}

// UpdateRecord replaces an existing record. The write only lands on the
// exact revision just read; a concurrent writer forces a re-read.
func (s *EtcdStore) UpdateRecord(ctx context.Context, bucket, collection string, rec *v1.Record) (int64, error) {
	key := s.recordKey(bucket, collection, rec.ID)
	val, err := rec.Marshal()
	if err != nil {
		return 0, err
	}

	for retries := 0; retries <= maxCASRetries; retries++ {
		resp, err := s.client.Get(ctx, key)
		if err != nil {
			return 0, transient(err)
		}
		if len(resp.Kvs) == 0 {
			return 0, ErrNotFound
		}

		tResp, err := s.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(key), "=", resp.Kvs[0].ModRevision)).
			Then(clientv3.OpPut(key, string(val))).
			Commit()
		if err != nil {
			return 0, transient(err)
		}
		if tResp.Succeeded {
			return tResp.Header.Revision, nil
		}
	}
	return 0, transient(fmt.Errorf("update %s: %w", rec.ID, errContention))
}

func (s *EtcdStore) DeleteRecord(ctx context.Context, bucket, collection, id string) error {
	resp, err := s.client.Delete(ctx, s.recordKey(bucket, collection, id))
	if err != nil {
		return transient(err)
	}
	if resp.Deleted == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *EtcdStore) GetRecord(ctx context.Context, bucket, collection, id string) (*v1.Record, error) {
	resp, err := s.client.Get(ctx, s.recordKey(bucket, collection, id))
	if err != nil {
		return nil, transient(err)
	}
	if len(resp.Kvs) == 0 {
		return nil, ErrNotFound
	}
	kv := resp.Kvs[0]
	var rec v1.Record
	if err := json.Unmarshal(kv.Value, &rec); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", id, err)
	}
	rec.LastModified = kv.ModRevision
	return &rec, nil
}

func (s *EtcdStore) GetRecords(ctx context.Context, bucket, collection string) ([]RecordMeta, error) {
	prefix := s.collectionKey(bucket, collection) + "records/"
	resp, err := s.client.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, transient(err)
	}
	out := make([]RecordMeta, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out = append(out, RecordMeta{
			ID:           strings.TrimPrefix(string(kv.Key), prefix),
			LastModified: kv.ModRevision,
		})
	}
	return out, nil
}

func (s *EtcdStore) GetCollection(ctx context.Context, bucket, collection string) (*Collection, error) {
	c, _, err := s.readMeta(ctx, s.metaKey(bucket, collection))
	return c, err
}

func (s *EtcdStore) readMeta(ctx context.Context, key string) (*Collection, int64, error) {
	resp, err := s.client.Get(ctx, key)
	if err != nil {
		return nil, 0, transient(err)
	}
	var c Collection
	if len(resp.Kvs) == 0 {
		return &c, 0, nil
	}
	if err := json.Unmarshal(resp.Kvs[0].Value, &c); err != nil {
		return nil, 0, fmt.Errorf("decode collection metadata: %w", err)
	}
	return &c, resp.Kvs[0].ModRevision, nil
}

func (s *EtcdStore) PatchCollection(ctx context.Context, bucket, collection string, patch CollectionPatch) error {
	key := s.metaKey(bucket, collection)

	for retries := 0; retries <= maxCASRetries; retries++ {
		c, rev, err := s.readMeta(ctx, key)
		if err != nil {
			return err
		}
		apply(c, patch)
		val, err := json.Marshal(c)
		if err != nil {
			return err
		}

		cmp := clientv3.Compare(clientv3.ModRevision(key), "=", rev)
		if rev == 0 {
			cmp = clientv3.Compare(clientv3.CreateRevision(key), "=", 0)
		}
		tResp, err := s.client.Txn(ctx).If(cmp).Then(clientv3.OpPut(key, string(val))).Commit()
		if err != nil {
			return transient(err)
		}
		if tResp.Succeeded {
			return nil
		}
	}
	return transient(fmt.Errorf("patch %s: %w", collection, errContention))
}

func (s *EtcdStore) Ping(ctx context.Context) error {
	_, err := s.client.Get(ctx, s.prefix+"health_check")
	return transient(err)
}
