package lease

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLeaser_Exclusive(t *testing.T) {
	l := NewLocalLeaser(time.Minute)
	ctx := context.Background()

	first, err := l.TryAcquire(ctx, "exp-a")
	require.NoError(t, err)

	_, err = l.TryAcquire(ctx, "exp-a")
	assert.ErrorIs(t, err, ErrLeaseHeld)

	other, err := l.TryAcquire(ctx, "exp-b")
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))

	require.NoError(t, first.Release(ctx))
	again, err := l.TryAcquire(ctx, "exp-a")
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestLocalLeaser_ReclaimAfterTTL(t *testing.T) {
	l := NewLocalLeaser(30 * time.Second)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return clock }
	ctx := context.Background()

	stuck, err := l.TryAcquire(ctx, "exp-a")
	require.NoError(t, err)

	clock = clock.Add(29 * time.Second)
	_, err = l.TryAcquire(ctx, "exp-a")
	assert.ErrorIs(t, err, ErrLeaseHeld)

	clock = clock.Add(2 * time.Second)
	fresh, err := l.TryAcquire(ctx, "exp-a")
	require.NoError(t, err)

	// the stale holder must not release the new owner's lease
	require.NoError(t, stuck.Release(ctx))
	_, err = l.TryAcquire(ctx, "exp-a")
	assert.ErrorIs(t, err, ErrLeaseHeld)

	require.NoError(t, fresh.Release(ctx))
}
