// Package lock provides a per-bot lease so that only one process polls a
// given bot token when several replicas share a store.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned when another holder owns the lease.
var ErrNotAcquired = errors.New("lease held by another owner")

// ErrLost is returned by Refresh when the lease expired or was taken over.
var ErrLost = errors.New("lease lost")

// Lease is a held lock. It must be released by its owner.
type Lease interface {
	Key() string
	// Refresh extends the lease by its TTL.
	Refresh(ctx context.Context) error
	// Release gives the lease up. Releasing a lost lease is not an error.
	Release(ctx context.Context) error
}

// Locker hands out leases.
type Locker interface {
	Acquire(ctx context.Context, key string) (Lease, error)
}

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

const refreshScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end`

// RedisLocker implements Locker with SET NX PX and token-checked release.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// DefaultTTL is long enough to cover one long-poll cycle plus its error backoff.
const DefaultTTL = 2 * time.Minute

// NewRedisLocker creates a locker. Keys are stored as prefix+"lock:"+key.
func NewRedisLocker(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl}
}

// BotKey names the lease of a bot.
func BotKey(botID int64) string {
	return fmt.Sprintf("bot:%d", botID)
}

// Acquire tries once to take key; it does not wait for the current holder.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (Lease, error) {
	full := l.prefix + "lock:" + key
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, full, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("acquire %s: %w", key, ErrNotAcquired)
	}
	return &redisLease{locker: l, key: key, full: full, token: token}, nil
}

type redisLease struct {
	locker *RedisLocker
	key    string
	full   string
	token  string
}

func (r *redisLease) Key() string { return r.key }

func (r *redisLease) Refresh(ctx context.Context) error {
	n, err := r.locker.client.Eval(ctx, refreshScript, []string{r.full}, r.token, r.locker.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("refresh %s: %w", r.key, err)
	}
	if n == 0 {
		return fmt.Errorf("refresh %s: %w", r.key, ErrLost)
	}
	return nil
}

func (r *redisLease) Release(ctx context.Context) error {
	if err := r.locker.client.Eval(ctx, releaseScript, []string{r.full}, r.token).Err(); err != nil {
		return fmt.Errorf("release %s: %w", r.key, err)
	}
	return nil
}
