package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalUserLockerExcludes(t *testing.T) {
	locker := NewLocalUserLocker(time.Minute)
	ctx := context.Background()

	lockCtx, release, err := locker.Acquire(ctx, "u1")
	require.NoError(t, err)
	assert.NoError(t, lockCtx.Err())

	_, _, err = locker.Acquire(ctx, "u1")
	assert.ErrorIs(t, err, ErrUserBusy)

	_, other, err := locker.Acquire(ctx, "u2")
	require.NoError(t, err, "locks are per user")
	other()

	release()
	release() // idempotent
	assert.Error(t, lockCtx.Err(), "released lock context is done")
	assert.NotErrorIs(t, context.Cause(lockCtx), ErrLockLost)

	_, again, err := locker.Acquire(ctx, "u1")
	require.NoError(t, err)
	again()
}

func TestLocalUserLockerRenewsWhileHeld(t *testing.T) {
	locker := NewLocalUserLocker(30 * time.Millisecond)
	ctx := context.Background()

	lockCtx, release, err := locker.Acquire(ctx, "u1")
	require.NoError(t, err)
	defer release()

	// Several TTLs later the job still owns the user
	time.Sleep(150 * time.Millisecond)
	_, _, err = locker.Acquire(ctx, "u1")
	assert.ErrorIs(t, err, ErrUserBusy)
	assert.NoError(t, lockCtx.Err())
}

func TestLocalUserLockerTakeoverCancelsHolder(t *testing.T) {
	locker := NewLocalUserLocker(30 * time.Millisecond)
	ctx := context.Background()

	staleCtx, stale, err := locker.Acquire(ctx, "u1")
	require.NoError(t, err)

	// The entry vanishes as if it had expired, and another job takes the user
	locker.mu.Lock()
	locker.locks.Delete(userLockKey("u1"))
	locker.mu.Unlock()
	_, release, err := locker.Acquire(ctx, "u1")
	require.NoError(t, err)
	defer release()

	require.Eventually(t, func() bool {
		return errors.Is(context.Cause(staleCtx), ErrLockLost)
	}, time.Second, 5*time.Millisecond)

	// The former holder must not release the new holder's lock
	stale()
	_, _, err = locker.Acquire(ctx, "u1")
	assert.ErrorIs(t, err, ErrUserBusy)
}

func TestLocalCachePrefixDelete(t *testing.T) {
	cache := NewLocalCache(time.Hour, time.Minute)
	ctx := context.Background()
	require.NoError(t, cache.Set(ctx, "memory:session:u1:a", []byte("1"), 0))
	require.NoError(t, cache.Set(ctx, "memory:session:u1:b", []byte("2"), 0))
	require.NoError(t, cache.Set(ctx, "memory:session:u2:a", []byte("3"), 0))

	n, err := cache.DeletePrefix(ctx, "memory:session:u1:")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, found, err := cache.Get(ctx, "memory:session:u2:a")
	require.NoError(t, err)
	assert.True(t, found)
	assert.NoError(t, cache.Ping(ctx))
}
