// Package cache wraps a Redis client with the small set of coordination
// primitives Meridian needs across replicas: fixed-window rate limits,
// token-guarded locks and pub/sub fan-out.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Cache wraps a Redis client with Meridian-specific operations.
type Cache struct {
	client *redis.Client
	logger *slog.Logger
}

// NewCache creates a Redis cache client connected to addr ("host:port").
func NewCache(ctx context.Context, addr, password string, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     20,
		MinIdleConns: 5,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("cache: failed to connect to Redis at %s: %w", addr, err)
	}

	logger.Info("cache: connected to Redis", "addr", addr)
	return &Cache{client: client, logger: logger}, nil
}

// Wrap builds a Cache around an existing client.
func Wrap(client *redis.Client, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Cache{client: client, logger: logger}
}

// Close shuts down the Redis client connection.
func (c *Cache) Close() error {
	if c.client != nil {
		c.logger.Info("cache: closing Redis connection")
		return c.client.Close()
	}
	return nil
}

// Ping checks connectivity.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// rateLimitLua increments the counter and sets the TTL only on the first
// request of the window, so later requests never extend it.
var rateLimitLua = redis.NewScript(`
	local count = redis.call('INCR', KEYS[1])
	if count == 1 then
		redis.call('EXPIRE', KEYS[1], ARGV[1])
	end
	return count
`)

// RateLimitCheck performs a fixed-window rate limit check for key.
// It returns true if the request is under maxRequests for the window.
func (c *Cache) RateLimitCheck(ctx context.Context, key string, maxRequests int64, window time.Duration) (bool, error) {
	rateLimitKey := "meridian:ratelimit:" + key
	windowSeconds := int(window / time.Second)
	if windowSeconds < 1 {
		windowSeconds = 1
	}

	result, err := rateLimitLua.Run(ctx, c.client, []string{rateLimitKey}, windowSeconds).Int64()
	if err != nil {
		return false, fmt.Errorf("cache: rate limit check: %w", err)
	}
	return result <= maxRequests, nil
}

// ErrLockHeld is returned by TryLock when another holder owns the lock.
var ErrLockHeld = errors.New("cache: lock held")

// Lock is a held lock. Release it with Unlock.
type Lock struct {
	Key   string
	Token string
}

// TryLock acquires key for ttl without waiting. The ttl bounds how long a
// crashed holder can keep the lock.
func (c *Cache) TryLock(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	token := uuid.NewString()
	ok, err := c.client.SetNX(ctx, "meridian:lock:"+key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("cache: lock %q: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return &Lock{Key: key, Token: token}, nil
}

// unlockLua deletes the lock only if the caller still owns it.
var unlockLua = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// Unlock releases l. Unlocking a lock that expired or was taken over is a
// no-op and reports false.
func (c *Cache) Unlock(ctx context.Context, l *Lock) (bool, error) {
	n, err := unlockLua.Run(ctx, c.client, []string{"meridian:lock:" + l.Key}, l.Token).Int64()
	if err != nil {
		return false, fmt.Errorf("cache: unlock %q: %w", l.Key, err)
	}
	return n == 1, nil
}

// extendLua resets the TTL only if the caller still owns the lock.
var extendLua = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('PEXPIRE', KEYS[1], ARGV[2])
	end
	return 0
`)

// Extend resets l's TTL to ttl. It reports false when l is no longer held.
func (c *Cache) Extend(ctx context.Context, l *Lock, ttl time.Duration) (bool, error) {
	n, err := extendLua.Run(ctx, c.client, []string{"meridian:lock:" + l.Key}, l.Token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("cache: extend %q: %w", l.Key, err)
	}
	return n == 1, nil
}

// Publish sends payload on channel and returns the number of receivers.
func (c *Cache) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	n, err := c.client.Publish(ctx, channel, payload).Result()
	if err != nil {
		return 0, fmt.Errorf("cache: publish %q: %w", channel, err)
	}
	return n, nil
}

// PSubscribe returns a subscription on every channel matching pattern.
// Callers must Close it.
func (c *Cache) PSubscribe(ctx context.Context, pattern string) *redis.PubSub {
	return c.client.PSubscribe(ctx, pattern)
}

// Client returns the underlying Redis client for advanced operations.
func (c *Cache) Client() *redis.Client {
	return c.client
}
