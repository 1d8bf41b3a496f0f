package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	// ErrCacheMiss is returned when a key is not found in cache
	ErrCacheMiss = errors.New("cache miss")
)

type Cache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// Invalidate removes all keys matching a glob pattern
	Invalidate(ctx context.Context, pattern string) error
	Ping(ctx context.Context) error
	Close() error
}

type Codec interface {
	Encode(value interface{}) ([]byte, error)
	Decode(data []byte, dest interface{}) error
}

type JSONCodec struct{}

func (c *JSONCodec) Encode(value interface{}) ([]byte, error) {
	return json.Marshal(value)
}

func (c *JSONCodec) Decode(data []byte, dest interface{}) error {
	return json.Unmarshal(data, dest)
}

type Options struct {
	DefaultTTL time.Duration
	// Namespace is a prefix for all cache keys
	Namespace string
	Codec     Codec
	// Name labels the hit and miss metrics
	Name string
}

func DefaultOptions() *Options {
	return &Options{
		DefaultTTL: 5 * time.Minute,
		Codec:      &JSONCodec{},
		Name:       "default",
	}
}

// KeyBuilder builds colon separated cache keys
type KeyBuilder struct {
	namespace string
}

func NewKeyBuilder(namespace string) *KeyBuilder {
	return &KeyBuilder{namespace: namespace}
}

func (b *KeyBuilder) Build(parts ...string) string {
	if b.namespace != "" {
		parts = append([]string{b.namespace}, parts...)
	}
	return strings.Join(parts, ":")
}

func (b *KeyBuilder) Pattern(parts ...string) string {
	return b.Build(parts...) + "*"
}

// NopCache never stores anything. Every Get is a miss.
type NopCache struct{}

func (NopCache) Get(context.Context, string, interface{}) error                { return ErrCacheMiss }
func (NopCache) Set(context.Context, string, interface{}, time.Duration) error { return nil }
func (NopCache) Delete(context.Context, ...string) error                      { return nil }
func (NopCache) Invalidate(context.Context, string) error                     { return nil }
func (NopCache) Ping(context.Context) error                                   { return nil }
func (NopCache) Close() error                                                 { return nil }
