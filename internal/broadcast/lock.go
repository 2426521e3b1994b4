package broadcast

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wapuda/uniqbot/internal/jobs"
)

// Locker guarantees a single running broadcast. Acquire reports false
// when someone else holds the lock.
type Locker interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// MemoryLock is enough when one process owns the coordinator.
type MemoryLock struct{ held atomic.Bool }

func (l *MemoryLock) Acquire(context.Context) (bool, error) {
	return l.held.CompareAndSwap(false, true), nil
}

func (l *MemoryLock) Release(context.Context) error {
	l.held.Store(false)
	return nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLock is shared by every bot replica. The TTL is the supervisory
// timeout: a replica that dies mid-run frees the lock when it expires.
type RedisLock struct {
	rdb *redis.Client
	key string
	ttl time.Duration

	mu    sync.Mutex
	token string
}

func NewRedisLock(rdb *redis.Client, ttl time.Duration) *RedisLock {
	return &RedisLock{rdb: rdb, key: "broadcast:lock", ttl: ttl}
}

func (l *RedisLock) Acquire(ctx context.Context) (bool, error) {
	token := jobs.NewToken()
	ok, err := l.rdb.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire broadcast lock: %w", err)
	}
	if ok {
		l.mu.Lock()
		l.token = token
		l.mu.Unlock()
	}
	return ok, nil
}

// Release deletes the key only if it still carries our token.
func (l *RedisLock) Release(ctx context.Context) error {
	l.mu.Lock()
	token := l.token
	l.token = ""
	l.mu.Unlock()
	if token == "" {
		return nil
	}
	if err := releaseScript.Run(ctx, l.rdb, []string{l.key}, token).Err(); err != nil {
		return fmt.Errorf("release broadcast lock: %w", err)
	}
	return nil
}
