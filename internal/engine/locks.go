package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/stores/redis"

	"github.com/Rajchodisetti/swing-engine/internal/observ"
)

// KeyedLocker serializes work per script id while letting distinct scripts
// proceed concurrently.
type KeyedLocker struct {
	mu    sync.Mutex
	locks map[uint]*keyedLock
}

type keyedLock struct {
	ch   chan struct{}
	refs int
}

func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{locks: make(map[uint]*keyedLock)}
}

func (k *KeyedLocker) ref(id uint) *keyedLock {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.locks[id]
	if !ok {
		l = &keyedLock{ch: make(chan struct{}, 1)}
		k.locks[id] = l
	}
	l.refs++
	return l
}

func (k *KeyedLocker) unref(id uint, l *keyedLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, id)
	}
}

// TryLock takes the lock for id if it is free. Scheduler ticks use it so a
// slow run coalesces the next tick instead of queueing behind it.
func (k *KeyedLocker) TryLock(id uint) (func(), bool) {
	l := k.ref(id)
	select {
	case l.ch <- struct{}{}:
		return k.unlocker(id, l), true
	default:
		k.unref(id, l)
		return nil, false
	}
}

// Lock waits for the lock for id. Feed updates and user controls use it.
func (k *KeyedLocker) Lock(ctx context.Context, id uint) (func(), error) {
	l := k.ref(id)
	select {
	case l.ch <- struct{}{}:
		return k.unlocker(id, l), nil
	case <-ctx.Done():
		k.unref(id, l)
		return nil, ctx.Err()
	}
}

func (k *KeyedLocker) unlocker(id uint, l *keyedLock) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			k.unref(id, l)
		})
	}
}

// RedisLease is a cross-process lease per (user, script), held for the
// duration of one pipeline run when several engine processes share a database.
type RedisLease struct {
	client  *redis.Redis
	seconds int
}

func NewRedisLease(client *redis.Redis, ttl time.Duration) *RedisLease {
	secs := int(ttl / time.Second)
	if secs <= 0 {
		secs = 600
	}
	return &RedisLease{client: client, seconds: secs}
}

func leaseKey(userID, scriptID uint) string {
	return fmt.Sprintf("order_pending:%d:%d", userID, scriptID)
}

// Acquire takes the lease. ok is false when another holder has it.
func (l *RedisLease) Acquire(ctx context.Context, userID, scriptID uint) (release func(), ok bool, err error) {
	lock := redis.NewRedisLock(l.client, leaseKey(userID, scriptID))
	lock.SetExpire(l.seconds)
	ok, err = lock.AcquireCtx(ctx)
	if err != nil || !ok {
		return nil, ok, err
	}
	return func() {
		if _, err := lock.ReleaseCtx(context.Background()); err != nil {
			observ.LogWarn("lease_release_failed", map[string]any{
				"user_id":   userID,
				"script_id": scriptID,
				"error":     err.Error(),
			})
		}
	}, true, nil
}
