package storage

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLRUCache_GetSet(t *testing.T) {
	cache := NewLRUCache[string](2, time.Minute)

	_, found := cache.Get("a")
	assert.False(t, found)

	cache.Set("a", "1")
	v, found := cache.Get("a")
	assert.True(t, found)
	assert.Equal(t, "1", v)

	cache.Set("a", "2")
	v, _ = cache.Get("a")
	assert.Equal(t, "2", v)
	assert.Equal(t, 1, cache.Len())

	stats := cache.GetStats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestLRUCache_EvictsLeastRecentlyUsed(t *testing.T) {
	cache := NewLRUCache[int](2, time.Minute)

	cache.Set("a", 1)
	cache.Set("b", 2)
	cache.Get("a") // b is now least recently used
	cache.Set("c", 3)

	_, found := cache.Get("b")
	assert.False(t, found)
	_, found = cache.Get("a")
	assert.True(t, found)
	_, found = cache.Get("c")
	assert.True(t, found)
}

func TestLRUCache_Expiry(t *testing.T) {
	cache := NewLRUCache[int](10, time.Minute)
	now := time.Now()
	cache.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		cache.Set(fmt.Sprintf("k%d", i), i)
	}

	now = now.Add(2 * time.Minute)
	_, found := cache.Get("k0")
	assert.False(t, found)

	assert.Equal(t, 2, cache.CleanupExpired())
	assert.Equal(t, 0, cache.Len())
}

func TestLRUCache_Disabled(t *testing.T) {
	cache := NewLRUCache[int](0, time.Minute)
	cache.Set("a", 1)
	_, found := cache.Get("a")
	assert.False(t, found)

	var nilCache *LRUCache[int]
	nilCache.Set("a", 1)
	_, found = nilCache.Get("a")
	assert.False(t, found)
	assert.Equal(t, 0, nilCache.Len())
}

func TestLRUCache_DeleteAndClear(t *testing.T) {
	cache := NewLRUCache[int](10, time.Minute)
	cache.Set("a", 1)
	cache.Set("b", 2)

	cache.Delete("a")
	_, found := cache.Get("a")
	assert.False(t, found)

	cache.Clear()
	assert.Equal(t, 0, cache.Len())
}
