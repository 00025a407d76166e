package cluster

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	DistCacheDefaultTTL     = 60 * time.Second
	DistCacheMaxSize        = 10000
	DistCacheCleanupInterval = 30 * time.Second
)

// cachedEntry is one fetched-from-peer value held by the distributed
// cache.
type cachedEntry struct {
	data        map[string]any
	sourceNode  string
	fetchedAt   time.Time
	ttl         time.Duration
	accessCount int64
}

func (e *cachedEntry) isExpired() bool {
	return time.Since(e.fetchedAt) > e.ttl
}

// DistributedCache is a CDN-style read-through cache: data fetched from
// a partition's owner node is cached locally under a key unique to
// (partition, table), evicting the oldest 10% of entries when full and
// sweeping expired entries periodically. Grounded directly on
// original_source/src/databse/cluster.py's DistributedCache — its
// eviction (oldest-10%-by-fetch-time) and prefix-invalidation semantics
// don't map onto pkg/cache.LRUCache's recency-based eviction, so this
// keeps its own entry table rather than forcing an LRU policy where the
// spec calls for an age-ordered one.
type DistributedCache struct {
	client      *Client
	ring        ringOwnerLookup
	localNodeID string
	ttl         time.Duration

	mu    sync.Mutex
	cache map[string]*cachedEntry

	hits, misses, fetches int64

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// ringOwnerLookup is the subset of *ring.Ring that DistributedCache
// needs, so tests can substitute a stub.
type ringOwnerLookup interface {
	OwnerForKey(partitionKey uint64) (string, bool)
}

// NewDistributedCache constructs a read-through cache for localNodeID,
// using client to fetch from owner nodes and hashRing to find them.
func NewDistributedCache(client *Client, hashRing ringOwnerLookup, localNodeID string, ttl time.Duration) *DistributedCache {
	if ttl <= 0 {
		ttl = DistCacheDefaultTTL
	}
	return &DistributedCache{
		client:      client,
		ring:        hashRing,
		localNodeID: localNodeID,
		ttl:         ttl,
		cache:       make(map[string]*cachedEntry),
	}
}

func (d *DistributedCache) makeKey(partitionKey uint64, tableName string) string {
	return fmt.Sprintf("%d:%s:", partitionKey, tableName)
}

// Start begins the periodic expiry sweep.
func (d *DistributedCache) Start() {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.stopCh = make(chan struct{})
	d.mu.Unlock()

	d.wg.Add(1)
	go d.cleanupLoop()
}

// Stop halts the expiry sweep.
func (d *DistributedCache) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.stopCh)
	d.mu.Unlock()
	d.wg.Wait()
}

// Get returns cached data for (partitionKey, tableName). On a miss, if
// fetchIfMissing is set, it looks up the partition's owner via the
// ring and fetches from it, populating the cache on success.
func (d *DistributedCache) Get(partitionKey uint64, tableName string, fetchIfMissing bool) (map[string]any, error) {
	key := d.makeKey(partitionKey, tableName)

	d.mu.Lock()
	if e, ok := d.cache[key]; ok {
		if !e.isExpired() {
			e.accessCount++
			d.hits++
			d.mu.Unlock()
			return e.data, nil
		}
		delete(d.cache, key)
	}
	d.misses++
	d.mu.Unlock()

	if !fetchIfMissing {
		return nil, nil
	}

	ownerID, ok := d.ring.OwnerForKey(partitionKey)
	if !ok || ownerID == d.localNodeID {
		return nil, nil
	}

	owner := NewNodeInfo(ownerID, "", 0)
	data, err := d.client.FetchGuildData(owner, partitionKey, tableName)
	if err != nil || data == nil {
		return nil, err
	}

	d.Set(partitionKey, tableName, data, ownerID, 0)
	d.mu.Lock()
	d.fetches++
	d.mu.Unlock()
	return data, nil
}

// Set stores data in the cache, evicting the oldest 10% of entries if
// the table is full. ttl of 0 uses the cache's default.
func (d *DistributedCache) Set(partitionKey uint64, tableName string, data map[string]any, sourceNode string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = d.ttl
	}
	key := d.makeKey(partitionKey, tableName)

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.cache) >= DistCacheMaxSize {
		d.evictOldestLocked()
	}
	d.cache[key] = &cachedEntry{
		data:       data,
		sourceNode: sourceNode,
		fetchedAt:  time.Now(),
		ttl:        ttl,
	}
}

func (d *DistributedCache) evictOldestLocked() {
	if len(d.cache) == 0 {
		return
	}
	keys := make([]string, 0, len(d.cache))
	for k := range d.cache {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return d.cache[keys[i]].fetchedAt.Before(d.cache[keys[j]].fetchedAt)
	})

	evictCount := len(d.cache) / 10
	if evictCount < 1 {
		evictCount = 1
	}
	for i := 0; i < evictCount && i < len(keys); i++ {
		delete(d.cache, keys[i])
	}
}

// Invalidate removes cached data for partitionKey. If tableName is
// empty, every table cached for that partition is dropped.
func (d *DistributedCache) Invalidate(partitionKey uint64, tableName string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if tableName != "" {
		delete(d.cache, d.makeKey(partitionKey, tableName))
		return
	}
	prefix := fmt.Sprintf("%d:", partitionKey)
	for k := range d.cache {
		if strings.HasPrefix(k, prefix) {
			delete(d.cache, k)
		}
	}
}

// InvalidateFromNode drops every cached entry sourced from sourceNode,
// called from the registry's leave callback when a peer is evicted.
func (d *DistributedCache) InvalidateFromNode(sourceNode string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, e := range d.cache {
		if e.sourceNode == sourceNode {
			delete(d.cache, k)
		}
	}
}

func (d *DistributedCache) cleanupLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(DistCacheCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.mu.Lock()
			for k, e := range d.cache {
				if e.isExpired() {
					delete(d.cache, k)
				}
			}
			d.mu.Unlock()
		}
	}
}

// DistCacheStats reports distributed cache hit/miss/fetch counters.
type DistCacheStats struct {
	Size       int
	MaxSize    int
	Hits       int64
	Misses     int64
	Fetches    int64
	HitRate    float64
	TTLSeconds float64
}

func (d *DistributedCache) Stats() DistCacheStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	total := d.hits + d.misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(d.hits) / float64(total)
	}
	return DistCacheStats{
		Size:       len(d.cache),
		MaxSize:    DistCacheMaxSize,
		Hits:       d.hits,
		Misses:     d.misses,
		Fetches:    d.fetches,
		HitRate:    hitRate,
		TTLSeconds: d.ttl.Seconds(),
	}
}
