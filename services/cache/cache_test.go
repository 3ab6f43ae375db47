// Copyright (C) 2025 Quartermaster AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSet(t *testing.T) {
	c := New[string, int](10, time.Minute, nil)

	_, ok := c.Get("missing")
	assert.False(t, ok)

	c.Set("a", 1)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	c.Set("a", 2)
	v, _ = c.Get("a")
	assert.Equal(t, 2, v)
	assert.Equal(t, 1, c.Len())
}

func TestLRUEviction(t *testing.T) {
	c := New[string, int](3, 0, nil)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)

	// Touch "a" so "b" becomes the eviction candidate.
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Set("d", 4)
	_, ok = c.Get("b")
	assert.False(t, ok, "least recently used entry should be evicted")
	_, ok = c.Get("a")
	assert.True(t, ok)

	_, _, evictions := c.Stats()
	assert.Equal(t, int64(1), evictions)
}

func TestTTLExpiry(t *testing.T) {
	c := New[string, int](10, 5*time.Millisecond, nil)
	c.Set("a", 1)

	_, ok := c.Get("a")
	require.True(t, ok)

	time.Sleep(10 * time.Millisecond)
	_, ok = c.Get("a")
	assert.False(t, ok, "expired entry must read as a miss")
}

func TestGetOrComputeCoalesces(t *testing.T) {
	c := New[string, int](10, time.Minute, nil)
	var computations atomic.Int64
	release := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.GetOrCompute(context.Background(), "key", func(context.Context) (int, error) {
				computations.Add(1)
				<-release
				return 42, nil
			})
			assert.NoError(t, err)
			assert.Equal(t, 42, v)
		}()
	}
	// Give the goroutines time to pile onto the same flight.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), computations.Load(), "concurrent misses must share one computation")
}

func TestGetOrComputeErrorNotCached(t *testing.T) {
	c := New[string, int](10, time.Minute, nil)
	calls := 0
	_, err := c.GetOrCompute(context.Background(), "key", func(context.Context) (int, error) {
		calls++
		return 0, assert.AnError
	})
	require.Error(t, err)

	v, err := c.GetOrCompute(context.Background(), "key", func(context.Context) (int, error) {
		calls++
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.Equal(t, 2, calls, "failed computation must not populate the cache")
}

func TestDeleteAndPurge(t *testing.T) {
	c := New[string, int](10, 0, nil)
	c.Set("a", 1)
	c.Set("b", 2)

	assert.True(t, c.Delete("a"))
	assert.False(t, c.Delete("a"))
	assert.Equal(t, 1, c.Len())

	c.Purge()
	assert.Equal(t, 0, c.Len())
}

func TestNonStringKeyer(t *testing.T) {
	type key struct{ A, B int }
	c := New[key, string](10, time.Minute, func(k key) string {
		return string(rune(k.A)) + ":" + string(rune(k.B))
	})
	v, err := c.GetOrCompute(context.Background(), key{1, 2}, func(context.Context) (string, error) {
		return "x", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "x", v)
}
