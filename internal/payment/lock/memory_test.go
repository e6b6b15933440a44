package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLockerSerializesSameKey(t *testing.T) {
	locker := NewMemoryLocker(RetryPolicy{Retries: 50, Interval: time.Millisecond})
	ctx := context.Background()

	release, err := locker.Acquire(ctx, "acct-1")
	require.NoError(t, err)

	var mu sync.Mutex
	order := []string{}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		second, err := locker.Acquire(ctx, "acct-1")
		require.NoError(t, err)
		mu.Lock()
		order = append(order, "second")
		mu.Unlock()
		require.NoError(t, second(ctx))
	}()

	time.Sleep(5 * time.Millisecond)
	mu.Lock()
	order = append(order, "first")
	mu.Unlock()
	require.NoError(t, release(ctx))
	wg.Wait()

	assert.Equal(t, []string{"first", "second"}, order)
}

func TestMemoryLockerDifferentKeysDoNotBlock(t *testing.T) {
	locker := NewMemoryLocker(RetryPolicy{Retries: 0, Interval: time.Millisecond})
	ctx := context.Background()

	releaseA, err := locker.Acquire(ctx, "acct-1")
	require.NoError(t, err)
	releaseB, err := locker.Acquire(ctx, "acct-2")
	require.NoError(t, err)

	require.NoError(t, releaseA(ctx))
	require.NoError(t, releaseB(ctx))
}

func TestMemoryLockerGivesUpAfterRetries(t *testing.T) {
	locker := NewMemoryLocker(RetryPolicy{Retries: 2, Interval: time.Millisecond})
	ctx := context.Background()

	release, err := locker.Acquire(ctx, "acct-1")
	require.NoError(t, err)
	defer release(ctx)

	_, err = locker.Acquire(ctx, "acct-1")
	assert.ErrorIs(t, err, ErrNotAcquired)
}

func TestMemoryLockerReleaseIsIdempotent(t *testing.T) {
	locker := NewMemoryLocker(RetryPolicy{Retries: 0, Interval: time.Millisecond})
	ctx := context.Background()

	release, err := locker.Acquire(ctx, "acct-1")
	require.NoError(t, err)
	require.NoError(t, release(ctx))
	require.NoError(t, release(ctx))

	// The key is free again.
	again, err := locker.Acquire(ctx, "acct-1")
	require.NoError(t, err)
	require.NoError(t, again(ctx))
}
