// Package redis implements lock.Mutex on a shared Redis instance.
//
// Fencing tokens come from a per-key counter (`acf:fence:{key}`) bumped with
// INCR, so tokens are strictly increasing across all holders of a key for the
// lifetime of the Redis dataset. The lease itself lives in `acf:lock:{key}`
// with a millisecond TTL; acquire, renew and release run as Lua scripts so a
// lease can only be extended or freed by the holder that owns it.
package redis

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"goa.design/acf/runtime/fabric"
	"goa.design/acf/runtime/fabric/lock"
)

type (
	// Options configures the Redis mutex.
	Options struct {
		// Redis is the connection leases are stored on. Required.
		Redis *redis.Client
		// RetryInterval is the base delay between acquisition attempts under
		// contention. Jitter of up to half the interval is added per attempt.
		// Zero uses DefaultRetryInterval.
		RetryInterval time.Duration
	}

	// Mutex is the Redis-backed session mutex.
	Mutex struct {
		rdb   *redis.Client
		retry time.Duration
	}

	lease struct {
		m     *Mutex
		key   fabric.SessionKey
		token lock.Token
		ttl   time.Duration
	}
)

// DefaultRetryInterval is the base acquire polling interval.
const DefaultRetryInterval = 50 * time.Millisecond

// acquireScript takes the lock when free: it bumps the fence counter and
// stores the new token as the holder. Returns the token, or 0 when the key
// is already held.
var acquireScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
local token = redis.call("INCR", KEYS[2])
redis.call("SET", KEYS[1], token, "PX", ARGV[1])
return token
`)

// renewScript extends the lease only when the caller still holds it.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript frees the lock only when the caller still holds it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// New returns a Mutex backed by the provided Redis connection.
func New(opts Options) (*Mutex, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	retry := opts.RetryInterval
	if retry <= 0 {
		retry = DefaultRetryInterval
	}
	return &Mutex{rdb: opts.Redis, retry: retry}, nil
}

func lockKey(key fabric.SessionKey) string {
	return "acf:lock:" + string(key)
}

func fenceKey(key fabric.SessionKey) string {
	return "acf:fence:" + string(key)
}

// Acquire implements lock.Mutex. Contended attempts poll with jittered
// backoff until opts.BlockTimeout elapses; a zero timeout makes a single
// attempt.
func (m *Mutex) Acquire(ctx context.Context, key fabric.SessionKey, opts lock.AcquireOptions) (lock.Lease, error) {
	if key == "" {
		return nil, fabric.ErrInvalidSessionKey
	}
	ttl := opts.LeaseTTL
	if ttl <= 0 {
		ttl = lock.DefaultLeaseTTL
	}
	deadline := time.Now().Add(opts.BlockTimeout)
	for {
		token, err := m.tryAcquire(ctx, key, ttl)
		if err != nil {
			return nil, err
		}
		if token != 0 {
			return &lease{m: m, key: key, token: token, ttl: ttl}, nil
		}
		if opts.BlockTimeout <= 0 || !time.Now().Before(deadline) {
			return nil, lock.ErrNotAcquired
		}
		wait := m.retry + time.Duration(rand.Int63n(int64(m.retry)/2+1)) //nolint:gosec // jitter doesn't need crypto rand
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (m *Mutex) tryAcquire(ctx context.Context, key fabric.SessionKey, ttl time.Duration) (lock.Token, error) {
	res, err := acquireScript.Run(ctx, m.rdb,
		[]string{lockKey(key), fenceKey(key)},
		ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("acquire session lock: %w", err)
	}
	return lock.Token(res), nil
}

// Renew implements lock.Mutex.
func (m *Mutex) Renew(ctx context.Context, key fabric.SessionKey, token lock.Token, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = lock.DefaultLeaseTTL
	}
	res, err := renewScript.Run(ctx, m.rdb,
		[]string{lockKey(key)},
		strconv.FormatUint(uint64(token), 10),
		ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return fmt.Errorf("renew session lock: %w", err)
	}
	if res == 0 {
		return lock.ErrLeaseLost
	}
	return nil
}

// Release implements lock.Mutex. Releasing a lease that already expired or
// was taken over is a no-op.
func (m *Mutex) Release(ctx context.Context, key fabric.SessionKey, token lock.Token) error {
	err := releaseScript.Run(ctx, m.rdb,
		[]string{lockKey(key)},
		strconv.FormatUint(uint64(token), 10),
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release session lock: %w", err)
	}
	return nil
}

// ForceRelease implements lock.Mutex. The fence counter is left alone so the
// evicted holder's token still loses every fencing comparison.
func (m *Mutex) ForceRelease(ctx context.Context, key fabric.SessionKey) error {
	if err := m.rdb.Del(ctx, lockKey(key)).Err(); err != nil {
		return fmt.Errorf("force release session lock: %w", err)
	}
	return nil
}

func (l *lease) Key() fabric.SessionKey { return l.key }

func (l *lease) Token() lock.Token { return l.token }

func (l *lease) Renew(ctx context.Context, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = l.ttl
	}
	return l.m.Renew(ctx, l.key, l.token, ttl)
}

func (l *lease) Release(ctx context.Context) error {
	return l.m.Release(ctx, l.key, l.token)
}
