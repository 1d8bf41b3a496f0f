package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisWindowLimiter counts requests per key in fixed windows shared by every
// replica that points at the same Redis.
type RedisWindowLimiter struct {
	client redis.UniversalClient
	limit  int
	window time.Duration
	prefix string
}

func NewRedisWindowLimiter(client redis.UniversalClient, limit int, window time.Duration) *RedisWindowLimiter {
	if limit < 1 {
		limit = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &RedisWindowLimiter{
		client: client,
		limit:  limit,
		window: window,
		prefix: "rate_limit",
	}
}

func (r *RedisWindowLimiter) Allow(ctx context.Context, key string) (bool, error) {
	slot := time.Now().UnixNano() / int64(r.window)
	redisKey := fmt.Sprintf("%s:%s:%d", r.prefix, key, slot)

	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		pipe.Expire(ctx, redisKey, r.window)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("rate limit counter: %w", err)
	}

	return incr.Val() <= int64(r.limit), nil
}

func (r *RedisWindowLimiter) Burst() int {
	return r.limit
}
