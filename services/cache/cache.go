// Copyright (C) 2025 Quartermaster AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package cache provides the TTL + size-bounded associative caches shared
// by the query pipeline: query embeddings, analyses, persona lookups,
// query variations, and whole-answer results.
package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// TTLCache is a thread-safe LRU cache with per-entry expiry.
//
// When capacity is reached the least recently used entry is evicted.
// Expired entries are treated as misses and removed lazily on access.
// Concurrent misses for the same key coalesce through GetOrCompute so a
// burst of identical queries costs one computation.
type TTLCache[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	items    map[K]*list.Element
	order    *list.List // Front = most recent, Back = least recent
	group    singleflight.Group
	keyer    func(K) string

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

type ttlEntry[K comparable, V any] struct {
	key       K
	value     V
	expiresAt time.Time
}

// New creates a TTLCache. Capacity defaults to 100 when non-positive; a
// non-positive ttl means entries never expire (pure LRU).
//
// keyer maps K to a string for miss coalescing; pass nil only when K is
// already a string.
func New[K comparable, V any](capacity int, ttl time.Duration, keyer func(K) string) *TTLCache[K, V] {
	if capacity <= 0 {
		capacity = 100
	}
	if keyer == nil {
		keyer = func(k K) string {
			if s, ok := any(k).(string); ok {
				return s
			}
			panic("cache: nil keyer for non-string key type")
		}
	}
	return &TTLCache[K, V]{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[K]*list.Element, capacity),
		order:    list.New(),
		keyer:    keyer,
	}
}

// Get returns the cached value and whether it was present and unexpired.
func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		entry := elem.Value.(*ttlEntry[K, V])
		if c.expired(entry) {
			c.removeElement(elem)
		} else {
			c.order.MoveToFront(elem)
			c.hits.Add(1)
			return entry.value, true
		}
	}
	c.misses.Add(1)
	var zero V
	return zero, false
}

// Set stores a value, evicting the oldest entry at capacity.
func (c *TTLCache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expires := time.Time{}
	if c.ttl > 0 {
		expires = time.Now().Add(c.ttl)
	}

	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		entry := elem.Value.(*ttlEntry[K, V])
		entry.value = value
		entry.expiresAt = expires
		return
	}
	if c.order.Len() >= c.capacity {
		if oldest := c.order.Back(); oldest != nil {
			c.removeElement(oldest)
			c.evictions.Add(1)
		}
	}
	elem := c.order.PushFront(&ttlEntry[K, V]{key: key, value: value, expiresAt: expires})
	c.items[key] = elem
}

// GetOrCompute returns the cached value or runs compute once for all
// concurrent callers of the same key. A computation that fails or whose
// context is cancelled does not populate the cache.
func (c *TTLCache[K, V]) GetOrCompute(ctx context.Context, key K, compute func(context.Context) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	result, err, _ := c.group.Do(c.keyer(key), func() (any, error) {
		// Another coalesced caller may have filled the entry already.
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		v, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		if ctx.Err() != nil {
			// Cancelled work must not pollute the cache.
			return nil, ctx.Err()
		}
		c.Set(key, v)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return result.(V), nil
}

// Delete removes a key. Returns true when the key was present.
func (c *TTLCache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
		return true
	}
	return false
}

// Purge clears all entries and resets counters.
func (c *TTLCache[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[K]*list.Element, c.capacity)
	c.order.Init()
	c.hits.Store(0)
	c.misses.Store(0)
	c.evictions.Store(0)
}

// Len returns the number of live entries, counting expired ones that have
// not yet been lazily removed.
func (c *TTLCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats returns hit, miss, and eviction counters.
func (c *TTLCache[K, V]) Stats() (hits, misses, evictions int64) {
	return c.hits.Load(), c.misses.Load(), c.evictions.Load()
}

func (c *TTLCache[K, V]) expired(e *ttlEntry[K, V]) bool {
	return !e.expiresAt.IsZero() && time.Now().After(e.expiresAt)
}

// removeElement removes an element from both list and map.
// Caller must hold the lock.
func (c *TTLCache[K, V]) removeElement(elem *list.Element) {
	c.order.Remove(elem)
	entry := elem.Value.(*ttlEntry[K, V])
	delete(c.items, entry.key)
}
