// Package ttlcache holds a single fetched value that stays fresh for a fixed time window.
package ttlcache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/singleflight"
)

// FetchFunc retrieves a fresh value from its origin.
type FetchFunc[T any] func(ctx context.Context) (T, error)

type entry[T any] struct {
	data      T
	fetchedAt time.Time
}

// Cache serves the last fetched value while it is younger than the TTL and refetches otherwise.
// A failed refresh leaves the previous entry in place without extending its window.
type Cache[T any] struct {
	ttl   time.Duration
	clock clock.Clock
	fetch FetchFunc[T]

	current atomic.Pointer[entry[T]]
	group   singleflight.Group
}

// New creates an empty Cache. A zero ttl disables caching.
func New[T any](ttl time.Duration, clk clock.Clock, fetch FetchFunc[T]) *Cache[T] {
	return &Cache[T]{ttl: ttl, clock: clk, fetch: fetch}
}

// Get returns the cached value if fresh, otherwise fetches, stores and returns a new one.
// Concurrent misses share one fetch, which is detached from the cancellation of the caller that started it.
func (c *Cache[T]) Get(ctx context.Context) (T, error) {
	if data, ok := c.fresh(); ok {
		return data, nil
	}

	v, err, _ := c.group.Do("refresh", func() (any, error) {
		// Check again, a refresh may have completed while we waited
		if data, ok := c.fresh(); ok {
			return data, nil
		}
		return c.Refresh(context.WithoutCancel(ctx))
	})
	if err != nil {
		var zero T
		return zero, err
	}

	return v.(T), nil
}

// Refresh fetches unconditionally and replaces the entry on success.
func (c *Cache[T]) Refresh(ctx context.Context) (T, error) {
	fetchedAt := c.clock.Now()

	data, err := c.fetch(ctx)
	if err != nil {
		var zero T
		return zero, err
	}

	c.current.Store(&entry[T]{data: data, fetchedAt: fetchedAt})
	return data, nil
}

// peek returns the current entry regardless of age.
func (c *Cache[T]) peek() (data T, fetchedAt time.Time, ok bool) {
	e := c.current.Load()
	if e == nil {
		return data, fetchedAt, false
	}
	return e.data, e.fetchedAt, true
}

func (c *Cache[T]) fresh() (T, bool) {
	e := c.current.Load()
	if e == nil || c.clock.Since(e.fetchedAt) >= c.ttl {
		var zero T
		return zero, false
	}
	return e.data, true
}
