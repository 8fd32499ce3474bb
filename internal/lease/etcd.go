package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"expflow/pkg/logger"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"
)

// EtcdLeaser takes one etcd mutex per key on a shared session. The session
// keeps its lease alive while the process is healthy; when it dies, etcd
// drops every mutex the process held after ttl.
type EtcdLeaser struct {
	client *clientv3.Client
	prefix string
	ttl    int

	mu      sync.Mutex
	session *concurrency.Session
	// etcd mutexes are re-entrant per session; this keeps two goroutines of
	// the same process from sharing one key.
	held map[string]struct{}
}

func NewEtcdLeaser(client *clientv3.Client, prefix string, ttl time.Duration) *EtcdLeaser {
	secs := int(ttl / time.Second)
	if secs < 1 {
		secs = 1
	}
	return &EtcdLeaser{
		client: client,
		prefix: prefix,
		ttl:    secs,
		held:   make(map[string]struct{}),
	}
}

func (l *EtcdLeaser) currentSession() (*concurrency.Session, error) {
	if l.session != nil {
		select {
		case <-l.session.Done():
			logger.Warn("lease session expired, reconnecting")
			l.session = nil
		default:
			return l.session, nil
		}
	}
	s, err := concurrency.NewSession(l.client, concurrency.WithTTL(l.ttl))
	if err != nil {
		return nil, fmt.Errorf("create etcd session: %w", err)
	}
	l.session = s
	return s, nil
}

func (l *EtcdLeaser) TryAcquire(ctx context.Context, key string) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[key]; ok {
		return nil, ErrLeaseHeld
	}
	session, err := l.currentSession()
	if err != nil {
		return nil, err
	}

	mutex := concurrency.NewMutex(session, l.prefix+key)
	if err := mutex.TryLock(ctx); err != nil {
		if errors.Is(err, concurrency.ErrLocked) {
			return nil, ErrLeaseHeld
		}
		return nil, err
	}
	l.held[key] = struct{}{}
	return &etcdLease{owner: l, key: key, mutex: mutex}, nil
}

// Close revokes the session and every lease taken on it.
func (l *EtcdLeaser) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session == nil {
		return nil
	}
	err := l.session.Close()
	l.session = nil
	return err
}

type etcdLease struct {
	owner *EtcdLeaser
	key   string
	mutex *concurrency.Mutex
}

func (l *etcdLease) Release(ctx context.Context) error {
	l.owner.mu.Lock()
	delete(l.owner.held, l.key)
	l.owner.mu.Unlock()

	if err := l.mutex.Unlock(ctx); err != nil {
		logger.Warn("failed to release lease", zap.String("key", l.key), zap.Error(err))
		return err
	}
	return nil
}
