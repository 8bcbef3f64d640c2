package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// MemoConfig holds the policy for a MemoCache.
type MemoConfig struct {
	// TTL is the maximum age of an entry, measured from the time it was stored.
	TTL time.Duration `yaml:"ttl"`
	// MaxEntries is the maximum number of distinct keys held at once.
	MaxEntries int `yaml:"max_entries"`
	// Coalesce enables single-flight: concurrent misses for the same key share
	// one computation instead of each running their own.
	Coalesce bool `yaml:"coalesce"`
}

// Stats is a point-in-time snapshot of a MemoCache's counters.
type Stats struct {
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Expirations int64 `json:"expirations"`
	Evictions   int64 `json:"evictions"`
	Entries     int   `json:"entries"`
	MaxEntries  int   `json:"maxEntries"`
}

// memoEntry is the internal structure stored in the linked list.
type memoEntry[K comparable, V any] struct {
	key      K
	value    V
	storedAt time.Time
}

// Option configures optional behaviour shared by the in-memory stores.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces time.Now as the store's time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func applyOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// MemoCache is a generic, thread-safe, in-memory memoization cache bounded by
// both age and population. Entries older than TTL are never returned. When a
// new key arrives while the cache holds MaxEntries keys, the least recently
// used entry is evicted before the new one is inserted.
//
// It implements Cache and can be configured with a fallback Fetcher to use on
// a miss, so it can sit at the top of a chain of cache layers.
type MemoCache[K comparable, V any] struct {
	ttl        time.Duration
	maxEntries int
	coalesce   bool
	fallback   Fetcher[K, V]
	now        func() time.Time
	logger     zerolog.Logger

	sf singleflight.Group

	mu    sync.Mutex
	ll    *list.List          // front is most recently used
	items map[K]*list.Element // key lookup
	stats Stats
}

// NewMemoCache creates a new MemoCache.
//   - cfg: TTL and MaxEntries must both be > 0.
//   - fallback: an optional Fetcher used by Fetch on a miss. GetOrCompute does
//     not need one.
func NewMemoCache[K comparable, V any](
	cfg MemoConfig,
	fallback Fetcher[K, V],
	logger zerolog.Logger,
	opts ...Option,
) (*MemoCache[K, V], error) {
	if cfg.MaxEntries <= 0 {
		return nil, fmt.Errorf("max entries must be greater than 0")
	}
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("ttl must be greater than 0")
	}
	o := applyOptions(opts)
	return &MemoCache[K, V]{
		ttl:        cfg.TTL,
		maxEntries: cfg.MaxEntries,
		coalesce:   cfg.Coalesce,
		fallback:   fallback,
		now:        o.now,
		logger:     logger.With().Str("component", "MemoCache").Logger(),
		ll:         list.New(),
		items:      make(map[K]*list.Element),
	}, nil
}

// GetOrCompute returns the stored value for key if it is younger than the TTL.
// Otherwise it invokes compute, stores the result under key and returns it.
// A compute error is returned unchanged and nothing is stored.
func (c *MemoCache[K, V]) GetOrCompute(ctx context.Context, key K, compute ComputeFunc[V]) (V, error) {
	if value, ok := c.lookup(key); ok {
		c.logger.Debug().Str("key", fmt.Sprintf("%v", key)).Msg("Memo cache hit.")
		return value, nil
	}
	c.logger.Debug().Str("key", fmt.Sprintf("%v", key)).Msg("Memo cache miss.")

	var zero V
	if !c.coalesce {
		value, err := compute(ctx)
		if err != nil {
			return zero, err
		}
		return c.store(key, value), nil
	}

	// The flight ignores caller cancellation; each caller stops waiting when
	// its own context ends.
	flightCtx := context.WithoutCancel(ctx)
	ch := c.sf.DoChan(fmt.Sprintf("%#v", key), func() (interface{}, error) {
		// A previous flight may have stored the key after this caller's lookup.
		if value, ok := c.peek(key); ok {
			return value, nil
		}
		value, err := compute(flightCtx)
		if err != nil {
			return nil, err
		}
		return c.store(key, value), nil
	})
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		if res.Shared {
			c.logger.Debug().Str("key", fmt.Sprintf("%v", key)).Msg("Joined in-flight computation.")
		}
		value, _ := res.Val.(V)
		return value, nil
	}
}

// Fetch retrieves an item, falling back to the configured Fetcher on a miss.
func (c *MemoCache[K, V]) Fetch(ctx context.Context, key K) (V, error) {
	if c.fallback == nil {
		if value, ok := c.lookup(key); ok {
			return value, nil
		}
		var zero V
		return zero, fmt.Errorf("key '%v': %w and no fallback is configured", key, ErrNotFound)
	}
	return c.GetOrCompute(ctx, key, func(ctx context.Context) (V, error) {
		return c.fallback.Fetch(ctx, key)
	})
}

// WriteToCache stores value under key with the current time, replacing any
// existing entry.
func (c *MemoCache[K, V]) WriteToCache(_ context.Context, key K, value V) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.ll.Remove(elem)
		delete(c.items, key)
	}
	c.insert(key, value)
	return nil
}

// Invalidate removes key from this cache.
func (c *MemoCache[K, V]) Invalidate(_ context.Context, key K) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.ll.Remove(elem)
		delete(c.items, key)
	}
	return nil
}

// Contains reports whether an unexpired entry exists for key without touching
// its recency.
func (c *MemoCache[K, V]) Contains(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.items[key]
	if !ok {
		return false
	}
	return !c.expired(elem.Value.(*memoEntry[K, V]))
}

// Len returns the number of entries currently held, expired or not.
func (c *MemoCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Stats returns a snapshot of the cache counters.
func (c *MemoCache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = c.ll.Len()
	s.MaxEntries = c.maxEntries
	return s
}

// Close closes the fallback chain, if any.
func (c *MemoCache[K, V]) Close() error {
	c.mu.Lock()
	c.ll.Init()
	c.items = make(map[K]*list.Element)
	c.mu.Unlock()
	if c.fallback != nil {
		if err := c.fallback.Close(); err != nil {
			return fmt.Errorf("closing memo cache fallback: %w", err)
		}
	}
	return nil
}

// lookup returns a fresh value for key, dropping it if it has expired.
func (c *MemoCache[K, V]) lookup(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero V
	elem, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		return zero, false
	}
	entry := elem.Value.(*memoEntry[K, V])
	if c.expired(entry) {
		c.ll.Remove(elem)
		delete(c.items, key)
		c.stats.Expirations++
		c.stats.Misses++
		return zero, false
	}
	c.ll.MoveToFront(elem)
	c.stats.Hits++
	return entry.value, true
}

// peek returns a fresh value for key without touching stats or recency.
func (c *MemoCache[K, V]) peek(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero V
	elem, ok := c.items[key]
	if !ok {
		return zero, false
	}
	entry := elem.Value.(*memoEntry[K, V])
	if c.expired(entry) {
		return zero, false
	}
	return entry.value, true
}

// store writes a freshly computed value. If another goroutine stored a fresh
// value for the key while this one was computing, that value is kept and
// returned instead.
func (c *MemoCache[K, V]) store(key K, value V) V {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		entry := elem.Value.(*memoEntry[K, V])
		if !c.expired(entry) {
			c.ll.MoveToFront(elem)
			return entry.value
		}
		c.ll.Remove(elem)
		delete(c.items, key)
	}
	c.insert(key, value)
	return value
}

// insert adds a new entry, evicting first if the cache is full.
// Must be called with c.mu held and key absent from c.items.
func (c *MemoCache[K, V]) insert(key K, value V) {
	if c.ll.Len() >= c.maxEntries {
		c.evict()
	}
	entry := &memoEntry[K, V]{key: key, value: value, storedAt: c.now()}
	c.items[key] = c.ll.PushFront(entry)
}

// evict removes the least recently used entry.
// Must be called with c.mu held.
func (c *MemoCache[K, V]) evict() {
	elem := c.ll.Back()
	if elem == nil {
		return
	}
	entry := c.ll.Remove(elem).(*memoEntry[K, V])
	delete(c.items, entry.key)
	c.stats.Evictions++
	c.logger.Debug().Str("key", fmt.Sprintf("%v", entry.key)).Msg("Evicted least recently used entry.")
}

func (c *MemoCache[K, V]) expired(entry *memoEntry[K, V]) bool {
	return c.now().Sub(entry.storedAt) >= c.ttl
}
