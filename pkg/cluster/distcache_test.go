package cluster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRing struct {
	owner string
	ok    bool
}

func (s stubRing) OwnerForKey(uint64) (string, bool) { return s.owner, s.ok }

func TestDistributedCacheGetMissWithoutFetchReturnsNil(t *testing.T) {
	c := NewDistributedCache(NewClient(testLogger()), stubRing{owner: "other", ok: true}, "local", time.Minute)
	data, err := c.Get(1, "guilds", false)
	require.NoError(t, err)
	assert.Nil(t, data)
	assert.Equal(t, int64(1), c.Stats().Misses)
}

func TestDistributedCacheGetHitAfterSet(t *testing.T) {
	c := NewDistributedCache(NewClient(testLogger()), stubRing{owner: "other", ok: true}, "local", time.Minute)
	c.Set(1, "guilds", map[string]any{"name": "acme"}, "other", 0)

	data, err := c.Get(1, "guilds", false)
	require.NoError(t, err)
	require.NotNil(t, data)
	assert.Equal(t, "acme", data["name"])
	assert.Equal(t, int64(1), c.Stats().Hits)
}

func TestDistributedCacheSkipsFetchWhenLocalIsOwner(t *testing.T) {
	c := NewDistributedCache(NewClient(testLogger()), stubRing{owner: "local", ok: true}, "local", time.Minute)
	data, err := c.Get(1, "guilds", true)
	require.NoError(t, err)
	assert.Nil(t, data, "the cache never fetches data this node already owns")
}

func TestDistributedCacheEntryExpires(t *testing.T) {
	c := NewDistributedCache(NewClient(testLogger()), stubRing{owner: "other", ok: true}, "local", time.Minute)
	c.Set(1, "guilds", map[string]any{"name": "acme"}, "other", time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	data, err := c.Get(1, "guilds", false)
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestDistributedCacheInvalidateSingleTable(t *testing.T) {
	c := NewDistributedCache(NewClient(testLogger()), stubRing{owner: "other", ok: true}, "local", time.Minute)
	c.Set(1, "guilds", map[string]any{"a": 1}, "other", 0)
	c.Set(1, "members", map[string]any{"b": 2}, "other", 0)

	c.Invalidate(1, "guilds")

	_, err := c.Get(1, "guilds", false)
	require.NoError(t, err)
	data, _ := c.Get(1, "members", false)
	assert.NotNil(t, data, "invalidating one table must not drop a sibling table's entry")
}

func TestDistributedCacheInvalidateAllTablesForPartition(t *testing.T) {
	c := NewDistributedCache(NewClient(testLogger()), stubRing{owner: "other", ok: true}, "local", time.Minute)
	c.Set(1, "guilds", map[string]any{"a": 1}, "other", 0)
	c.Set(1, "members", map[string]any{"b": 2}, "other", 0)
	c.Set(2, "guilds", map[string]any{"c": 3}, "other", 0)

	c.Invalidate(1, "")

	assert.Nil(t, mustGet(c, 1, "guilds"))
	assert.Nil(t, mustGet(c, 1, "members"))
	assert.NotNil(t, mustGet(c, 2, "guilds"), "a different partition's entry must survive")
}

func TestDistributedCacheInvalidateFromNode(t *testing.T) {
	c := NewDistributedCache(NewClient(testLogger()), stubRing{owner: "other", ok: true}, "local", time.Minute)
	c.Set(1, "guilds", map[string]any{"a": 1}, "node-a", 0)
	c.Set(2, "guilds", map[string]any{"b": 2}, "node-b", 0)

	c.InvalidateFromNode("node-a")

	assert.Nil(t, mustGet(c, 1, "guilds"))
	assert.NotNil(t, mustGet(c, 2, "guilds"))
}

func TestDistributedCacheEvictsOldestTenPercentWhenFull(t *testing.T) {
	c := NewDistributedCache(NewClient(testLogger()), stubRing{owner: "other", ok: true}, "local", time.Minute)
	for i := 0; i < DistCacheMaxSize; i++ {
		c.cache[c.makeKey(uint64(i), "t")] = &cachedEntry{
			data:      map[string]any{"i": i},
			fetchedAt: time.Unix(int64(i), 0),
			ttl:       time.Hour,
		}
	}

	c.Set(uint64(DistCacheMaxSize), "t", map[string]any{"new": true}, "other", 0)

	assert.Less(t, len(c.cache), DistCacheMaxSize+1)
	// the very oldest entry (partition 0) must have been evicted
	_, stillThere := c.cache[c.makeKey(0, "t")]
	assert.False(t, stillThere)
}

func mustGet(c *DistributedCache, partitionKey uint64, table string) map[string]any {
	data, _ := c.Get(partitionKey, table, false)
	return data
}
