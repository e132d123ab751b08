package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T, ttl time.Duration) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client, "maxbot:", ttl), mr
}

func TestAcquireIsExclusive(t *testing.T) {
	l, mr := newTestLocker(t, time.Minute)
	ctx := context.Background()

	lease, err := l.Acquire(ctx, BotKey(1))
	require.NoError(t, err)
	assert.Equal(t, "bot:1", lease.Key())
	assert.True(t, mr.Exists("maxbot:lock:bot:1"))

	_, err = l.Acquire(ctx, BotKey(1))
	require.ErrorIs(t, err, ErrNotAcquired)

	other, err := l.Acquire(ctx, BotKey(2))
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))

	require.NoError(t, lease.Release(ctx))
	assert.False(t, mr.Exists("maxbot:lock:bot:1"))

	again, err := l.Acquire(ctx, BotKey(1))
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestReleaseDoesNotDropForeignLease(t *testing.T) {
	l, mr := newTestLocker(t, time.Second)
	ctx := context.Background()

	stale, err := l.Acquire(ctx, "k")
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	fresh, err := l.Acquire(ctx, "k")
	require.NoError(t, err)

	require.NoError(t, stale.Release(ctx))
	assert.True(t, mr.Exists("maxbot:lock:k"), "stale owner must not delete the new lease")
	require.ErrorIs(t, stale.Refresh(ctx), ErrLost)

	require.NoError(t, fresh.Refresh(ctx))
	require.NoError(t, fresh.Release(ctx))
}

func TestRefreshExtendsTTL(t *testing.T) {
	l, mr := newTestLocker(t, 10*time.Second)
	ctx := context.Background()

	lease, err := l.Acquire(ctx, "k")
	require.NoError(t, err)
	mr.FastForward(8 * time.Second)
	require.NoError(t, lease.Refresh(ctx))
	mr.FastForward(8 * time.Second)
	assert.True(t, mr.Exists("maxbot:lock:k"))
}
