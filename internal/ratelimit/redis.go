package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "edp:rl:"

// RedisLimiter shares one fixed one-second window per destination across every
// worker process that talks to the same Redis.
type RedisLimiter struct {
	rdb redis.Cmdable
	now func() time.Time
}

// NewRedisLimiter returns a Limiter backed by rdb.
func NewRedisLimiter(rdb redis.Cmdable) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, now: time.Now}
}

// Allow increments the counter for the current second and admits while it stays within rps.
func (l *RedisLimiter) Allow(ctx context.Context, destinationID string, rps int) (bool, error) {
	if rps <= 0 {
		return true, nil
	}

	key := fmt.Sprintf("%s%s:%d", redisKeyPrefix, destinationID, l.now().Unix())

	var incr *redis.IntCmd
	_, err := l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, 2*time.Second)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("rate limit incr: %w", err)
	}
	return incr.Val() <= int64(rps), nil
}
