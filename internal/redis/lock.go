package redisclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/hackgods/clinic-scheduling-engine/internal/db"
)

var (
	ErrLockNotAcquired = errors.New("provider lock not acquired")
)

// Locker guards the check-then-write critical section of the booking path.
// Holders of the same key are mutually exclusive; different keys never block each other.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// ProviderKey is the lock key for every booking write touching one provider.
func ProviderKey(providerID uuid.UUID) string {
	return fmt.Sprintf("lock:provider:%s", providerID.String())
}

type redisLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisLocker creates a locker backed by one Redis key per lock key.
// Acquisition does not wait: a held key returns ErrLockNotAcquired.
func NewRedisLocker(client *redis.Client, ttl time.Duration) Locker {
	return &redisLocker{
		client: client,
		ttl:    ttl,
	}
}

func (l *redisLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return db.Unavailable("acquire lock", err)
	}
	if !ok {
		return ErrLockNotAcquired
	}

	defer func() {
		_ = l.release(context.WithoutCancel(ctx), key, token)
	}()

	// The critical section must finish before the key can expire under us.
	ctxWithTimeout, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	return fn(ctxWithTimeout)
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *redisLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// localLocker serializes holders inside one process. Waiters queue until the
// key is free or their context ends.
type localLocker struct {
	mu   sync.Mutex
	keys map[string]chan struct{}
}

func NewLocalLocker() Locker {
	return &localLocker{keys: make(map[string]chan struct{})}
}

func (l *localLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	sem := l.semaphore(key)

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrLockNotAcquired, ctx.Err())
	}
	defer func() { <-sem }()

	return fn(ctx)
}

func (l *localLocker) semaphore(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	sem, ok := l.keys[key]
	if !ok {
		sem = make(chan struct{}, 1)
		l.keys[key] = sem
	}
	return sem
}
