package proxyd

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/go-redis/redis/v8"
)

// ThrottleVerdict is the result of an external rate-limit check, spec.md §6.
type ThrottleVerdict int

const (
	Allowed ThrottleVerdict = iota
	RetryAt
	RetryNever
)

// RateLimiter is the external collaborator interface consumed by the core.
// A nil error always implies Allowed/RetryAt/RetryNever is meaningful; a
// non-nil error is treated as Allowed with a logged warning (spec.md §6).
type RateLimiter interface {
	Throttle(ctx context.Context, key string, limit uint64, cost uint64) (ThrottleVerdict, time.Time, error)
}

// NullRateLimiter is the zero-config fallback when rate_limit_store is
// unset: every check is Allowed.
type NullRateLimiter struct{}

func (NullRateLimiter) Throttle(ctx context.Context, key string, limit, cost uint64) (ThrottleVerdict, time.Time, error) {
	return Allowed, time.Time{}, nil
}

// RedisRateLimiter implements a fixed-window token check over go-redis:
// INCRBY the window counter, set its expiry on first write, compare against
// limit. It is intentionally simple (no Lua) to match the throttle(key,
// limit, cost) contract exactly, with no additional semantics invented.
type RedisRateLimiter struct {
	client *redis.Client
	window time.Duration
	log    log.Logger
}

func NewRedisRateLimiter(addr string, window time.Duration) *RedisRateLimiter {
	return &RedisRateLimiter{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		window: window,
		log:    log.New("component", "ratelimit"),
	}
}

func (r *RedisRateLimiter) Throttle(ctx context.Context, key string, limit, cost uint64) (ThrottleVerdict, time.Time, error) {
	count, err := r.client.IncrBy(ctx, key, int64(cost)).Result()
	if err != nil {
		r.log.Warn("rate limiter backend error, treating as allowed", "key", key, "err", err)
		return Allowed, time.Time{}, err
	}
	if count == int64(cost) {
		// first write in this window: arm the expiry
		r.client.Expire(ctx, key, r.window)
	}
	if uint64(count) > limit {
		ttl, err := r.client.TTL(ctx, key).Result()
		if err != nil || ttl < 0 {
			ttl = r.window
		}
		return RetryAt, time.Now().Add(ttl), nil
	}
	return Allowed, time.Time{}, nil
}

func (r *RedisRateLimiter) Close() error {
	return r.client.Close()
}
