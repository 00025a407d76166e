package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSetAndMiss(t *testing.T) {
	c := NewLRUCache(10, 0, 0)
	_, ok := c.Get("missing")
	assert.False(t, ok)

	c.Set("a", 1)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewLRUCache(2, 0, 0)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Get("a") // a is now most-recently-used
	c.Set("c", 3) // evicts b, the least recently used

	_, ok := c.Get("b")
	assert.False(t, ok)
	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
}

func TestTTLExpiry(t *testing.T) {
	c := NewLRUCache(10, 0, 10*time.Millisecond)
	c.Set("a", 1)
	_, ok := c.Get("a")
	require.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	_, ok = c.Get("a")
	assert.False(t, ok)
}

func TestMemoryBoundEviction(t *testing.T) {
	c := NewLRUCache(100, 16, 0)
	c.Set("a", "12345678") // 8 bytes
	c.Set("b", "12345678") // 8 bytes, at the 16-byte limit
	_, ok := c.Get("a")
	assert.True(t, ok) // touching a makes it most-recently-used

	c.Set("c", "12345678") // pushes past 16 bytes, evicts the LRU entry (b)
	_, ok = c.Get("b")
	assert.False(t, ok)
	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
}

func TestDeleteAndClear(t *testing.T) {
	c := NewLRUCache(10, 0, 0)
	c.Set("a", 1)
	assert.True(t, c.Delete("a"))
	assert.False(t, c.Delete("a"))

	c.Set("b", 2)
	c.Clear()
	assert.Equal(t, 0, c.Size())
	assert.Equal(t, 0.0, c.HitRate())
}

func TestCleanupExpired(t *testing.T) {
	c := NewLRUCache(10, 0, 5*time.Millisecond)
	c.Set("a", 1)
	c.Set("b", 2)
	time.Sleep(10 * time.Millisecond)

	n := c.CleanupExpired()
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, c.Size())
}

func TestManagerCreateGetDeleteCache(t *testing.T) {
	m := NewManager()
	c := m.CreateCache("users", 100, 0, 0)
	c.Set("k", "v")

	got, ok := m.GetCache("users")
	require.True(t, ok)
	v, ok := got.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	assert.True(t, m.DeleteCache("users"))
	_, ok = m.GetCache("users")
	assert.False(t, ok)
}

func TestQueryCacheSetGetAndInvalidateTable(t *testing.T) {
	qc := NewQueryCache(DefaultQueryCacheSize, DefaultQueryCacheTTL)

	params := map[string]any{"where": "age>30"}
	qc.Set("users", params, []string{"row1", "row2"})

	v, ok := qc.Get("users", params)
	require.True(t, ok)
	assert.Equal(t, []string{"row1", "row2"}, v)

	qc.InvalidateTable("users")
	_, ok = qc.Get("users", params)
	assert.False(t, ok)
}

func TestQueryCacheDistinctParamsProduceDistinctKeys(t *testing.T) {
	qc := NewQueryCache(DefaultQueryCacheSize, DefaultQueryCacheTTL)
	qc.Set("users", map[string]any{"a": 1}, "result-a")
	qc.Set("users", map[string]any{"a": 2}, "result-b")

	va, _ := qc.Get("users", map[string]any{"a": 1})
	vb, _ := qc.Get("users", map[string]any{"a": 2})
	assert.Equal(t, "result-a", va)
	assert.Equal(t, "result-b", vb)
}
