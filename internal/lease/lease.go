// Package lease serializes reconciliation per experiment across scheduler
// instances. A lease that is not released expires after its TTL, so a
// crashed or stuck holder never blocks the experiment for long.
package lease

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrLeaseHeld = errors.New("lease held by another owner")

type Lease interface {
	Release(ctx context.Context) error
}

type Leaser interface {
	// TryAcquire returns ErrLeaseHeld without blocking when key is taken.
	TryAcquire(ctx context.Context, key string) (Lease, error)
}

// LocalLeaser is an in-process Leaser for single-instance deployments.
type LocalLeaser struct {
	mu     sync.Mutex
	ttl    time.Duration
	now    func() time.Time
	leases map[string]localEntry
}

type localEntry struct {
	token   string
	expires time.Time
}

func NewLocalLeaser(ttl time.Duration) *LocalLeaser {
	return &LocalLeaser{ttl: ttl, now: time.Now, leases: make(map[string]localEntry)}
}

func (l *LocalLeaser) TryAcquire(ctx context.Context, key string) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if cur, ok := l.leases[key]; ok && now.Before(cur.expires) {
		return nil, ErrLeaseHeld
	}
	token := uuid.NewString()
	l.leases[key] = localEntry{token: token, expires: now.Add(l.ttl)}
	return &localLease{owner: l, key: key, token: token}, nil
}

type localLease struct {
	owner *LocalLeaser
	key   string
	token string
}

// Release is a no-op when the lease already expired and was reclaimed.
func (l *localLease) Release(ctx context.Context) error {
	l.owner.mu.Lock()
	defer l.owner.mu.Unlock()

	if cur, ok := l.owner.leases[l.key]; ok && cur.token == l.token {
		delete(l.owner.leases, l.key)
	}
	return nil
}
