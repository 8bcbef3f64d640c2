package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// SessionStore holds per-session dashboard state such as the current
// selection. It requires explicit Set and Delete operations, as this kind of
// data has no source of truth to fall back on.
type SessionStore[K comparable, V any] interface {
	// Set explicitly stores a value for a key.
	Set(ctx context.Context, key K, value V) error
	// Fetch retrieves a value by its key. A missing or expired key yields an
	// error wrapping ErrNotFound.
	Fetch(ctx context.Context, key K) (V, error)
	// Delete explicitly removes a key.
	Delete(ctx context.Context, key K) error
	io.Closer
}

type sessionEntry[V any] struct {
	value     V
	updatedAt time.Time
}

// InMemorySessionStore is a thread-safe, in-memory SessionStore whose entries
// expire ttl after their last Set. A zero ttl disables expiry.
type InMemorySessionStore[K comparable, V any] struct {
	ttl time.Duration
	now func() time.Time

	mu   sync.RWMutex
	data map[K]sessionEntry[V]
}

// NewInMemorySessionStore creates a new in-memory session store.
func NewInMemorySessionStore[K comparable, V any](ttl time.Duration, opts ...Option) *InMemorySessionStore[K, V] {
	o := applyOptions(opts)
	return &InMemorySessionStore[K, V]{
		ttl:  ttl,
		now:  o.now,
		data: make(map[K]sessionEntry[V]),
	}
}

// Set stores a value for a key and sweeps expired sessions.
func (c *InMemorySessionStore[K, V]) Set(_ context.Context, key K, value V) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if c.ttl > 0 {
		for k, e := range c.data {
			if now.Sub(e.updatedAt) >= c.ttl {
				delete(c.data, k)
			}
		}
	}
	c.data[key] = sessionEntry[V]{value: value, updatedAt: now}
	return nil
}

// Fetch retrieves a value by its key.
func (c *InMemorySessionStore[K, V]) Fetch(_ context.Context, key K) (V, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var zero V
	e, ok := c.data[key]
	if !ok || (c.ttl > 0 && c.now().Sub(e.updatedAt) >= c.ttl) {
		return zero, fmt.Errorf("session '%v': %w", key, ErrNotFound)
	}
	return e.value, nil
}

// Delete removes a key.
func (c *InMemorySessionStore[K, V]) Delete(_ context.Context, key K) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

// Len returns the number of sessions held, including any not yet swept.
func (c *InMemorySessionStore[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// Close is a no-op for the in-memory implementation.
func (c *InMemorySessionStore[K, V]) Close() error {
	return nil
}

// RedisSessionStore is a SessionStore backed by Redis, letting several
// dashboard processes behind a load balancer share sessions.
type RedisSessionStore[K comparable, V any] struct {
	redisClient *redis.Client
	logger      zerolog.Logger
	ttl         time.Duration
	prefix      string
}

// NewRedisSessionStore creates and connects a new RedisSessionStore. Sessions
// expire cfg.CacheTTL after their last Set.
func NewRedisSessionStore[K comparable, V any](
	ctx context.Context,
	cfg *RedisConfig,
	logger zerolog.Logger,
) (*RedisSessionStore[K, V], error) {
	logger = logger.With().Str("component", "RedisSessionStore").Logger()
	rdb, err := dialRedis(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}
	return &RedisSessionStore[K, V]{
		redisClient: rdb,
		logger:      logger,
		ttl:         cfg.CacheTTL,
		prefix:      cfg.KeyPrefix + "session:",
	}, nil
}

// Set marshals the value with msgpack and stores it in Redis with a TTL.
func (c *RedisSessionStore[K, V]) Set(ctx context.Context, key K, value V) error {
	stringKey := c.key(key)
	data, err := msgpack.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal session data for key %s: %w", stringKey, err)
	}
	if err := c.redisClient.Set(ctx, stringKey, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set session in redis for key %s: %w", stringKey, err)
	}
	return nil
}

// Fetch retrieves and unmarshals a value from Redis.
func (c *RedisSessionStore[K, V]) Fetch(ctx context.Context, key K) (V, error) {
	var zero V
	stringKey := c.key(key)
	cachedData, err := c.redisClient.Get(ctx, stringKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("session '%v': %w", key, ErrNotFound)
		}
		return zero, fmt.Errorf("redis get failed for key %s: %w", stringKey, err)
	}
	var value V
	if err := msgpack.Unmarshal(cachedData, &value); err != nil {
		return zero, fmt.Errorf("failed to unmarshal session data for key %s: %w", stringKey, err)
	}
	return value, nil
}

// Delete removes a key from Redis.
func (c *RedisSessionStore[K, V]) Delete(ctx context.Context, key K) error {
	stringKey := c.key(key)
	if err := c.redisClient.Del(ctx, stringKey).Err(); err != nil {
		return fmt.Errorf("redis del failed for key %s: %w", stringKey, err)
	}
	return nil
}

func (c *RedisSessionStore[K, V]) key(key K) string {
	return c.prefix + fmt.Sprintf("%v", key)
}

// Close closes the Redis client connection.
func (c *RedisSessionStore[K, V]) Close() error {
	if c.redisClient != nil {
		c.logger.Info().Msg("Closing Redis client connection...")
		return c.redisClient.Close()
	}
	return nil
}
