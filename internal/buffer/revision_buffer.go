package buffer

import (
	"sort"
	"sync"
)

// RevisionBuffer is a fixed-size ring of items with strictly increasing
// revisions. It lets a reconnecting stream client catch up from its last
// seen revision without a full resync.
type RevisionBuffer[T any] struct {
	mu       sync.RWMutex
	items    []T
	revision func(T) int64
	size     int
	head     int
	isFull   bool
}

func NewRevisionBuffer[T any](size int, revision func(T) int64) *RevisionBuffer[T] {
	if size <= 0 {
		size = 1000
	}
	return &RevisionBuffer[T]{
		items:    make([]T, size),
		revision: revision,
		size:     size,
	}
}

func (b *RevisionBuffer[T]) Add(item T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items[b.head] = item
	b.head = (b.head + 1) % b.size
	if b.head == 0 {
		b.isFull = true
	}
}

// Since returns every item newer than lastRev. ok is false when lastRev
// fell off the ring and the caller must resync from scratch.
func (b *RevisionBuffer[T]) Since(lastRev int64) ([]T, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := b.head
	start := 0
	if b.isFull {
		count = b.size
		start = b.head
	}

	if count == 0 {
		return nil, true
	}

	oldestRev := b.revision(b.items[start])
	// the oldest kept item must directly follow lastRev
	if lastRev < oldestRev-1 {
		return nil, false
	}

	// Logical index range: [0, count) maps to Physical index: (start + i) % size
	idx := sort.Search(count, func(i int) bool {
		return b.revision(b.items[(start+i)%b.size]) > lastRev
	})
	if idx == count {
		return nil, true
	}

	result := make([]T, 0, count-idx)
	for i := idx; i < count; i++ {
		result = append(result, b.items[(start+i)%b.size])
	}
	return result, true
}
