package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/reachflow-go/pkg/metrics"
)

// RedisCache implements Cache using Redis
type RedisCache struct {
	client  redis.UniversalClient
	options *Options
	codec   Codec
}

func NewRedisCache(client redis.UniversalClient, opts *Options) *RedisCache {
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.Codec == nil {
		opts.Codec = &JSONCodec{}
	}
	if opts.Name == "" {
		opts.Name = "default"
	}

	return &RedisCache{
		client:  client,
		options: opts,
		codec:   opts.Codec,
	}
}

func (c *RedisCache) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := c.client.Get(ctx, c.buildKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			metrics.RecordCacheMiss(c.options.Name)
			return ErrCacheMiss
		}
		return fmt.Errorf("redis get error: %w", err)
	}

	if err := c.codec.Decode(data, dest); err != nil {
		return fmt.Errorf("decode error: %w", err)
	}

	metrics.RecordCacheHit(c.options.Name)
	return nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := c.codec.Encode(value)
	if err != nil {
		return fmt.Errorf("encode error: %w", err)
	}

	if ttl == 0 {
		ttl = c.options.DefaultTTL
	}

	if err := c.client.Set(ctx, c.buildKey(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set error: %w", err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	full := make([]string, len(keys))
	for i, key := range keys {
		full[i] = c.buildKey(key)
	}

	if err := c.client.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("redis delete error: %w", err)
	}
	return nil
}

func (c *RedisCache) Invalidate(ctx context.Context, pattern string) error {
	pattern = c.buildKey(pattern)

	var cursor uint64
	var keys []string
	for {
		batch, next, err := c.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("redis scan error: %w", err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}

	if len(keys) == 0 {
		return nil
	}

	pipe := c.client.Pipeline()
	for _, key := range keys {
		pipe.Del(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline delete error: %w", err)
	}
	return nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) buildKey(key string) string {
	if c.options.Namespace == "" {
		return key
	}
	return c.options.Namespace + ":" + key
}
