package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockNotHeld is returned when releasing a lock this process does not own
var ErrLockNotHeld = errors.New("lock not held")

// releaseScript deletes the key only when it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// DistributedLock is a cross-process mutual exclusion primitive
type DistributedLock interface {
	// Acquire returns a release token when the lock was taken, or "" when
	// another owner holds it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (string, error)
	Release(ctx context.Context, key, token string) error
}

// RedisLock implements DistributedLock with SET NX and a compare-and-delete release
type RedisLock struct {
	client redis.Scripter
	setter interface {
		SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	}
}

// NewRedisLock creates a lock backed by client
func NewRedisLock(client *redis.Client) *RedisLock {
	return &RedisLock{client: client, setter: client}
}

// Acquire tries to take key for ttl
func (l *RedisLock) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	ok, err := l.setter.SetNX(ctx, lockKey(key), token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return "", nil
	}
	return token, nil
}

// Release frees key if token still owns it
func (l *RedisLock) Release(ctx context.Context, key, token string) error {
	deleted, err := releaseScript.Run(ctx, l.client, []string{lockKey(key)}, token).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	if deleted == 0 {
		return ErrLockNotHeld
	}
	return nil
}

func lockKey(key string) string {
	return "lock:" + key
}

// LocalLock is an in-process DistributedLock used when Redis is not configured
type LocalLock struct {
	mu    sync.Mutex
	held  map[string]localEntry
	nowFn func() time.Time
}

type localEntry struct {
	token   string
	expires time.Time
}

// NewLocalLock creates an empty in-process lock table
func NewLocalLock() *LocalLock {
	return &LocalLock{held: make(map[string]localEntry), nowFn: time.Now}
}

// Acquire takes key unless a live entry exists
func (l *LocalLock) Acquire(_ context.Context, key string, ttl time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFn()
	if entry, ok := l.held[key]; ok && now.Before(entry.expires) {
		return "", nil
	}
	token := uuid.NewString()
	l.held[key] = localEntry{token: token, expires: now.Add(ttl)}
	return token, nil
}

// Release frees key if token still owns it
func (l *LocalLock) Release(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.held[key]
	if !ok || entry.token != token {
		return ErrLockNotHeld
	}
	delete(l.held, key)
	return nil
}
