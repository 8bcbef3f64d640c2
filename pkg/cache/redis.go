package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// RedisConfig holds the configuration for the Redis client.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	CacheTTL time.Duration `yaml:"ttl"`
	// KeyPrefix namespaces every key written by this process, e.g. "gwqv:".
	KeyPrefix string `yaml:"key_prefix"`
}

// hash fields of a cached entry.
const (
	fieldValue = "v"
	fieldHits  = "h"
)

// writeBackTimeout bounds a background write of a freshly fetched value.
const writeBackTimeout = 10 * time.Second

// dialRedis opens a client for cfg and pings it.
func dialRedis(ctx context.Context, cfg *RedisConfig, logger zerolog.Logger) (*redis.Client, error) {
	if cfg == nil || cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	logger.Info().Str("redis_address", cfg.Addr).Msg("Connected to Redis.")
	return rdb, nil
}

// RedisCache is the shared second tier: every dashboard process pointed at the
// same server sees the same windows and catalog lookups. Each key is a hash
// holding the msgpack-encoded value and a hit counter, expiring CacheTTL after
// it was written. A zero CacheTTL keeps entries until evicted by the server.
//
// On a miss it fetches from the fallback, returns immediately and writes the
// value back in the background; Close waits for those writes.
type RedisCache[K comparable, V any] struct {
	rdb      *redis.Client
	logger   zerolog.Logger
	ttl      time.Duration
	prefix   string
	fallback Fetcher[K, V]
	pending  sync.WaitGroup
}

// NewRedisCache connects to cfg.Addr. namespace keeps the key spaces of the
// strain and catalog tiers apart on one server.
func NewRedisCache[K comparable, V any](
	ctx context.Context,
	cfg *RedisConfig,
	namespace string,
	logger zerolog.Logger,
	fallback Fetcher[K, V],
) (*RedisCache[K, V], error) {
	logger = logger.With().Str("component", "RedisCache").Str("namespace", namespace).Logger()
	rdb, err := dialRedis(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return &RedisCache[K, V]{
		rdb:      rdb,
		logger:   logger,
		ttl:      cfg.CacheTTL,
		prefix:   cfg.KeyPrefix + namespace + ":",
		fallback: fallback,
	}, nil
}

// Fetch returns the cached value for key, or the fallback's value on a miss.
func (c *RedisCache[K, V]) Fetch(ctx context.Context, key K) (V, error) {
	var zero V
	k := c.key(key)

	value, found, err := c.read(ctx, k)
	if err != nil {
		c.logger.Error().Err(err).Str("key", k).Msg("Redis read failed.")
		return zero, err
	}
	if found {
		return value, nil
	}
	if c.fallback == nil {
		return zero, fmt.Errorf("key '%v': %w and no fallback is configured", key, ErrNotFound)
	}

	value, err = c.fallback.Fetch(ctx, key)
	if err != nil {
		return zero, err
	}
	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		wctx, cancel := context.WithTimeout(context.Background(), writeBackTimeout)
		defer cancel()
		if err := c.WriteToCache(wctx, key, value); err != nil {
			c.logger.Warn().Err(err).Str("key", k).Msg("Background write-back failed.")
		}
	}()
	return value, nil
}

// WriteToCache stores value under key, resetting its hit counter and TTL.
func (c *RedisCache[K, V]) WriteToCache(ctx context.Context, key K, value V) error {
	k := c.key(key)
	data, err := msgpack.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding value for %s: %w", k, err)
	}
	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, k, fieldValue, data, fieldHits, 0)
	if c.ttl > 0 {
		pipe.Expire(ctx, k, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("storing %s in redis: %w", k, err)
	}
	c.logger.Debug().Str("key", k).Int("bytes", len(data)).Msg("Stored value in Redis.")
	return nil
}

// Invalidate deletes key.
func (c *RedisCache[K, V]) Invalidate(ctx context.Context, key K) error {
	k := c.key(key)
	if err := c.rdb.Del(ctx, k).Err(); err != nil {
		return fmt.Errorf("deleting %s from redis: %w", k, err)
	}
	return nil
}

// Hits returns how many times key has been served from Redis since it was
// written. ok is false when the key is absent.
func (c *RedisCache[K, V]) Hits(ctx context.Context, key K) (int64, bool) {
	n, err := c.rdb.HGet(ctx, c.key(key), fieldHits).Int64()
	if err != nil {
		return 0, false
	}
	return n, true
}

// read loads and decodes k. A missing key is (zero, false, nil).
func (c *RedisCache[K, V]) read(ctx context.Context, k string) (V, bool, error) {
	var value V
	data, err := c.rdb.HGet(ctx, k, fieldValue).Bytes()
	if errors.Is(err, redis.Nil) {
		c.logger.Debug().Str("key", k).Msg("Redis miss.")
		return value, false, nil
	}
	if err != nil {
		return value, false, err
	}
	if err := msgpack.Unmarshal(data, &value); err != nil {
		return value, false, fmt.Errorf("decoding %s: %w", k, err)
	}
	// The counter is informational; a failed increment does not fail the read.
	c.rdb.HIncrBy(ctx, k, fieldHits, 1)
	c.logger.Debug().Str("key", k).Msg("Redis hit.")
	return value, true, nil
}

func (c *RedisCache[K, V]) key(key K) string {
	return fmt.Sprintf("%s%v", c.prefix, key)
}

// Close waits for background writes, then closes the client and the fallback
// chain.
func (c *RedisCache[K, V]) Close() error {
	c.pending.Wait()
	if err := c.rdb.Close(); err != nil {
		return fmt.Errorf("closing redis client: %w", err)
	}
	if c.fallback != nil {
		return c.fallback.Close()
	}
	return nil
}
