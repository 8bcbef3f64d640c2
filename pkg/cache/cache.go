// Package cache provides the memoization layer that sits in front of the remote
// open-data lookups, plus optional shared second tiers and session stores.
package cache

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by a cache layer when a key is absent and no
// fallback is configured.
var ErrNotFound = errors.New("key not found in cache")

// Fetcher retrieves a value by key. A cache layer is a Fetcher that may be
// given another Fetcher to fall back to on a miss, forming a chain that ends at
// the source of truth.
type Fetcher[K comparable, V any] interface {
	Fetch(ctx context.Context, key K) (V, error)
	io.Closer
}

// Cache is a Fetcher that can also be written to and invalidated directly.
type Cache[K comparable, V any] interface {
	Fetcher[K, V]
	// WriteToCache adds an item to the cache.
	WriteToCache(ctx context.Context, key K, value V) error
	// Invalidate removes an item from this layer only. It does not cascade.
	Invalidate(ctx context.Context, key K) error
}

// ComputeFunc performs the real work for a key on a cache miss.
type ComputeFunc[V any] func(ctx context.Context) (V, error)

// FetcherFunc adapts a plain function to the Fetcher interface.
type FetcherFunc[K comparable, V any] func(ctx context.Context, key K) (V, error)

// Fetch calls f(ctx, key).
func (f FetcherFunc[K, V]) Fetch(ctx context.Context, key K) (V, error) {
	return f(ctx, key)
}

// Close is a no-op.
func (f FetcherFunc[K, V]) Close() error {
	return nil
}
