// Package cache provides the Redis-backed derived cache of ranking candidates.
// Entries expire with a bounded TTL and are never a source of truth.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds the configuration for a RedisCache.
type Config struct {
	Logger   *slog.Logger
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key (defaults to "fleet-dash:").
	Prefix string
}

// RedisCache stores opaque byte values under prefixed keys.
type RedisCache struct {
	client *redis.Client
	logger *slog.Logger
	prefix string
}

// NewRedisCache connects to Redis and verifies the connection with a ping.
func NewRedisCache(ctx context.Context, cfg *Config) (*RedisCache, error) {
	if cfg == nil {
		return nil, errors.New("cache config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Addr == "" {
		return nil, errors.New("redis address cannot be empty")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,

		PoolSize:     10,
		MinIdleConns: 2,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Addr, err)
	}

	cfg.Logger.Info("connected to Redis", "addr", cfg.Addr, "db", cfg.DB)

	return NewWithClient(rdb, cfg.Logger, cfg.Prefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, logger *slog.Logger, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "fleet-dash:"
	}
	return &RedisCache{client: client, logger: logger, prefix: prefix}
}

// Get returns the value of key. ok is false on a miss.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return data, true, nil
}

// Set stores value under key for ttl.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Invalidate drops key, e.g. after new telemetry was loaded.
func (c *RedisCache) Invalidate(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	c.logger.Debug("cache entry invalidated", "key", key)
	return nil
}

// Health pings Redis.
func (c *RedisCache) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
