package service

import (
	"sync"
	"time"

	"expflow/internal/recordstore"
)

// ReviewStateCache keeps the last polled review status of each collection
// for a bounded window. publish_status decisions made from it may be up to
// ttl stale; anything that needs ground truth polls the store directly.
type ReviewStateCache struct {
	mu   sync.RWMutex
	ttl  time.Duration
	now  func() time.Time
	data map[string]cachedCollection
}

type cachedCollection struct {
	collection recordstore.Collection
	fetchedAt  time.Time
}

func NewReviewStateCache(ttl time.Duration) *ReviewStateCache {
	return &ReviewStateCache{
		ttl:  ttl,
		now:  time.Now,
		data: make(map[string]cachedCollection),
	}
}

func (c *ReviewStateCache) Get(collection string) (recordstore.Collection, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.data[collection]
	if !ok || c.now().Sub(entry.fetchedAt) >= c.ttl {
		return recordstore.Collection{}, false
	}
	return entry.collection, true
}

func (c *ReviewStateCache) Put(collection string, state recordstore.Collection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[collection] = cachedCollection{collection: state, fetchedAt: c.now()}
}

// Invalidate drops the entry after this process changed the collection.
func (c *ReviewStateCache) Invalidate(collection string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, collection)
}
