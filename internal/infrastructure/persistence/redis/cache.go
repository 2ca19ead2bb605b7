// Package redis holds the Redis side of the pipeline: a leaderboard mirror
// rebuilt from the Postgres points ledger, a read-through problem cache and
// the key/channel naming shared with the pub/sub event bus.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alem-hub/research-pipeline/pkg/circuitbreaker"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config holds Redis connection configuration.
type Config struct {
	// Addr is host:port.
	Addr     string
	Password string
	DB       int

	PoolSize     int
	MinIdleConns int
	MaxRetries   int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolTimeout  time.Duration

	// KeyPrefix namespaces every key, so several deployments can share a database.
	KeyPrefix string
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
		KeyPrefix:    "rp:",
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	// ErrCacheMiss is returned when the requested key is not found in cache.
	ErrCacheMiss = errors.New("cache: key not found")

	// ErrCacheConnection is returned when Redis connection fails.
	ErrCacheConnection = errors.New("cache: connection failed")

	// ErrCacheSerialization is returned when serialization/deserialization fails.
	ErrCacheSerialization = errors.New("cache: serialization failed")

	// ErrCacheKeyEmpty is returned when an empty key is provided.
	ErrCacheKeyEmpty = errors.New("cache: key cannot be empty")
)

// ══════════════════════════════════════════════════════════════════════════════
// KEYS
// ══════════════════════════════════════════════════════════════════════════════

// Keys builds namespaced key names.
type Keys struct {
	prefix string
}

// NewKeys returns a key builder for prefix.
func NewKeys(prefix string) Keys { return Keys{prefix: prefix} }

// Problem is the cached problem definition.
func (k Keys) Problem(id string) string { return k.prefix + "problem:" + id }

// LeaderboardTotals is the sorted set user id -> points.
func (k Keys) LeaderboardTotals() string { return k.prefix + "leaderboard:totals" }

// LeaderboardCredited is the set of contribution ids already credited.
func (k Keys) LeaderboardCredited() string { return k.prefix + "leaderboard:credited" }

// EventChannel is the pub/sub channel for an event type.
func (k Keys) EventChannel(eventType string) string { return k.prefix + "events:" + eventType }

// ══════════════════════════════════════════════════════════════════════════════
// CACHE CLIENT
// ══════════════════════════════════════════════════════════════════════════════

// Cache wraps a Redis client with JSON values and a circuit breaker.
type Cache struct {
	client  *redis.Client
	breaker *circuitbreaker.CircuitBreaker
	keys    Keys
}

// NewCache connects to Redis and pings it. A nil breaker gets the default
// cache breaker.
func NewCache(ctx context.Context, cfg Config, breaker *circuitbreaker.CircuitBreaker) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolTimeout:  cfg.PoolTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %v", ErrCacheConnection, err)
	}

	return NewCacheFromClient(client, cfg.KeyPrefix, breaker), nil
}

// NewCacheFromClient wraps an existing client.
func NewCacheFromClient(client *redis.Client, prefix string, breaker *circuitbreaker.CircuitBreaker) *Cache {
	if breaker == nil {
		breaker = circuitbreaker.CacheBreaker(nil)
	}
	return &Cache{client: client, breaker: breaker, keys: NewKeys(prefix)}
}

// Client returns the underlying Redis client.
func (c *Cache) Client() *redis.Client { return c.client }

// Keys returns the key builder.
func (c *Cache) Keys() Keys { return c.keys }

// Breaker returns the circuit breaker guarding the client.
func (c *Cache) Breaker() *circuitbreaker.CircuitBreaker { return c.breaker }

// Close closes the Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}

// Ping checks if Redis is reachable.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// do runs fn through the breaker. A miss is not a failure.
func (c *Cache) do(ctx context.Context, fn func(ctx context.Context) error) error {
	var miss bool
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		err := fn(ctx)
		if errors.Is(err, redis.Nil) {
			miss = true
			return nil
		}
		return err
	})
	if miss {
		return ErrCacheMiss
	}
	return err
}

// ══════════════════════════════════════════════════════════════════════════════
// VALUE OPERATIONS
// ══════════════════════════════════════════════════════════════════════════════

// SetJSON stores value as JSON with the given TTL.
func (c *Cache) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	if key == "" {
		return ErrCacheKeyEmpty
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCacheSerialization, err)
	}
	return c.do(ctx, func(ctx context.Context) error {
		return c.client.Set(ctx, key, data, ttl).Err()
	})
}

// GetJSON decodes the value at key into dest. Returns ErrCacheMiss if absent.
func (c *Cache) GetJSON(ctx context.Context, key string, dest any) error {
	if key == "" {
		return ErrCacheKeyEmpty
	}
	var data []byte
	err := c.do(ctx, func(ctx context.Context) error {
		var err error
		data, err = c.client.Get(ctx, key).Bytes()
		return err
	})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheSerialization, err)
	}
	return nil
}

// Delete removes keys.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.do(ctx, func(ctx context.Context) error {
		return c.client.Del(ctx, keys...).Err()
	})
}

// Publish sends a raw message to a channel.
func (c *Cache) Publish(ctx context.Context, channel string, payload []byte) error {
	return c.do(ctx, func(ctx context.Context) error {
		return c.client.Publish(ctx, channel, payload).Err()
	})
}

// Subscribe opens a pattern subscription. The caller closes it.
func (c *Cache) Subscribe(ctx context.Context, patterns ...string) *redis.PubSub {
	return c.client.PSubscribe(ctx, patterns...)
}
