package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
)

// ErrUserBusy is returned when another consolidation or decay holds the user's lock
var ErrUserBusy = errors.New("user memory is locked by another job")

// ErrLockLost is the cause of a lock context cancelled because the lock lapsed
// or was taken over while still held
var ErrLockLost = errors.New("user lock lost")

// UserLocker provides per-user mutual exclusion for background writes.
// The lock is renewed until released. The returned context is derived from
// ctx and cancelled with ErrLockLost if renewal fails, so work done under the
// lock should run in it. release is safe to call more than once.
type UserLocker interface {
	Acquire(ctx context.Context, userID string) (lockCtx context.Context, release func(), err error)
}

func userLockKey(userID string) string {
	return "memory:lock:" + userID
}

// keepAlive renews a held lock every ttl/3. A renewal that finds the lock
// gone, or failures that last until the TTL could have run out, cancel the
// lock context. The returned release stops renewal before unlocking.
func keepAlive(ctx context.Context, userID string, ttl time.Duration, renew func(context.Context) (bool, error), unlock func()) (context.Context, func()) {
	lockCtx, cancel := context.WithCancelCause(ctx)
	stop := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		interval := max(ttl/3, time.Millisecond)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		expires := time.Now().Add(ttl)

		for {
			select {
			case <-stop:
				return
			case <-lockCtx.Done():
				return
			case <-ticker.C:
			}

			rctx, rcancel := context.WithTimeout(context.WithoutCancel(ctx), interval)
			held, err := renew(rctx)
			rcancel()
			switch {
			case err == nil && held:
				expires = time.Now().Add(ttl)
			case err == nil:
				log.Printf("⚠️ [MEMORY-LOCK] Lock for user %s was taken over", userID)
				cancel(ErrLockLost)
				return
			case time.Until(expires) <= interval:
				log.Printf("⚠️ [MEMORY-LOCK] Lock for user %s lapsed, renewal failing: %v", userID, err)
				cancel(ErrLockLost)
				return
			default:
				log.Printf("⚠️ [MEMORY-LOCK] Renewal for user %s failed, retrying: %v", userID, err)
			}
		}
	}()

	var once sync.Once
	return lockCtx, func() {
		once.Do(func() {
			close(stop)
			<-done
			cancel(nil)
			unlock()
		})
	}
}

// RedisUserLocker locks across instances with SET NX and a TTL
type RedisUserLocker struct {
	redis *RedisService
	ttl   time.Duration
}

// NewRedisUserLocker creates a distributed user lock
func NewRedisUserLocker(r *RedisService, ttl time.Duration) *RedisUserLocker {
	return &RedisUserLocker{redis: r, ttl: ttl}
}

func (l *RedisUserLocker) Acquire(ctx context.Context, userID string) (context.Context, func(), error) {
	key := userLockKey(userID)
	token := uuid.NewString()

	ok, err := l.redis.AcquireLock(ctx, key, token, l.ttl)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to acquire user lock: %w", err)
	}
	if !ok {
		return nil, nil, ErrUserBusy
	}

	renew := func(ctx context.Context) (bool, error) {
		return l.redis.ExtendLock(ctx, key, token, l.ttl)
	}
	unlock := func() {
		// The caller's context may already be cancelled during shutdown
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := l.redis.ReleaseLock(releaseCtx, key, token); err != nil {
			log.Printf("⚠️ [MEMORY-LOCK] Failed to release lock for user %s: %v", userID, err)
		}
	}
	lockCtx, release := keepAlive(ctx, userID, l.ttl, renew, unlock)
	return lockCtx, release, nil
}

// LocalUserLocker locks within one process using go-cache's atomic Add
type LocalUserLocker struct {
	mu    sync.Mutex // orders renewals and releases against takeovers
	locks *cache.Cache
	ttl   time.Duration
}

// NewLocalUserLocker creates an in-process user lock
func NewLocalUserLocker(ttl time.Duration) *LocalUserLocker {
	return &LocalUserLocker{locks: cache.New(ttl, time.Minute), ttl: ttl}
}

func (l *LocalUserLocker) Acquire(ctx context.Context, userID string) (context.Context, func(), error) {
	key := userLockKey(userID)
	token := uuid.NewString()
	l.mu.Lock()
	err := l.locks.Add(key, token, l.ttl)
	l.mu.Unlock()
	if err != nil {
		return nil, nil, ErrUserBusy
	}

	renew := func(context.Context) (bool, error) {
		l.mu.Lock()
		defer l.mu.Unlock()
		if current, found := l.locks.Get(key); !found || current != token {
			return false, nil
		}
		l.locks.Set(key, token, l.ttl)
		return true, nil
	}
	unlock := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if current, found := l.locks.Get(key); found && current == token {
			l.locks.Delete(key)
		}
	}
	lockCtx, release := keepAlive(ctx, userID, l.ttl, renew, unlock)
	return lockCtx, release, nil
}
