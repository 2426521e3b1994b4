package admission

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecondAcquireRejected(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	tok, ok, err := m.TryAcquire(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEmpty(t, tok)

	_, ok, err = m.TryAcquire(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, _ = m.TryAcquire(ctx, 2)
	assert.True(t, ok, "other users are unaffected")
}

func TestReleaseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	tok, _, _ := m.TryAcquire(ctx, 1)

	require.NoError(t, m.Release(ctx, 1, tok))
	require.NoError(t, m.Release(ctx, 1, tok))
	held, _ := m.Held(ctx, 1)
	assert.False(t, held)
	assert.Equal(t, 0, m.Len())

	_, ok, _ := m.TryAcquire(ctx, 1)
	assert.True(t, ok)
}

func TestStaleTokenCannotReleaseNewerMark(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	old, _, _ := m.TryAcquire(ctx, 1)
	require.NoError(t, m.Release(ctx, 1, old))
	cur, ok, _ := m.TryAcquire(ctx, 1)
	require.True(t, ok)

	require.NoError(t, m.Release(ctx, 1, old))
	held, _ := m.Held(ctx, 1)
	assert.True(t, held)

	owns, _ := m.Refresh(ctx, 1, old)
	assert.False(t, owns)
	owns, _ = m.Refresh(ctx, 1, cur)
	assert.True(t, owns)
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, _ := m.TryAcquire(ctx, 9); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func newRedis(t *testing.T, ttl time.Duration) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedis(rdb, ttl), mr
}

func TestRedisBusySet(t *testing.T) {
	ctx := context.Background()
	r, _ := newRedis(t, time.Minute)

	tok, ok, err := r.TryAcquire(ctx, 7)
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = r.TryAcquire(ctx, 7)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.Release(ctx, 7, tok))
	held, err := r.Held(ctx, 7)
	require.NoError(t, err)
	assert.False(t, held)
}

func TestRedisExpiredMarkIsNotFreedByItsOldOwner(t *testing.T) {
	ctx := context.Background()
	r, mr := newRedis(t, 30*time.Minute)

	a, ok, err := r.TryAcquire(ctx, 7)
	require.NoError(t, err)
	require.True(t, ok)
	mr.FastForward(31 * time.Minute)

	b, ok, err := r.TryAcquire(ctx, 7)
	require.NoError(t, err)
	require.True(t, ok, "the expired mark no longer blocks")

	owns, err := r.Refresh(ctx, 7, a)
	require.NoError(t, err)
	assert.False(t, owns, "the first pipeline must see it lost the mark")

	require.NoError(t, r.Release(ctx, 7, a))
	held, err := r.Held(ctx, 7)
	require.NoError(t, err)
	assert.True(t, held, "a late release must not free the newer mark")

	_, ok, err = r.TryAcquire(ctx, 7)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.Release(ctx, 7, b))
	held, _ = r.Held(ctx, 7)
	assert.False(t, held)
}

func TestRedisRefreshExtendsTTL(t *testing.T) {
	ctx := context.Background()
	r, mr := newRedis(t, 10*time.Minute)

	tok, _, err := r.TryAcquire(ctx, 7)
	require.NoError(t, err)
	mr.FastForward(8 * time.Minute)
	owns, err := r.Refresh(ctx, 7, tok)
	require.NoError(t, err)
	require.True(t, owns)

	mr.FastForward(8 * time.Minute)
	held, err := r.Held(ctx, 7)
	require.NoError(t, err)
	assert.True(t, held)
}
