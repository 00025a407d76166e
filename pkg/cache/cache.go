// Package cache implements the in-memory LRU cache and the query
// result cache layered on top of it (spec.md §4.14).
package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"
)

// entry is one cached value plus its bookkeeping, stored as the
// payload of a container/list element so move-to-front is O(1).
type entry struct {
	key         string
	value       any
	createdAt   time.Time
	lastAccess  time.Time
	accessCount int64
	sizeBytes   int
}

// LRUCache is a fixed-capacity, optionally memory-bounded and
// TTL-expiring cache, evicting the least recently used entry first.
type LRUCache struct {
	MaxSize        int
	MaxMemoryBytes int64 // 0 means unbounded
	TTL            time.Duration // 0 means no expiry

	mu       sync.Mutex
	order    *list.List
	index    map[string]*list.Element
	memUsed  int64
	hits     int64
	misses   int64
}

// NewLRUCache constructs a cache holding up to maxSize entries. A zero
// maxMemoryBytes disables the memory bound; a zero ttl disables
// expiry.
func NewLRUCache(maxSize int, maxMemoryBytes int64, ttl time.Duration) *LRUCache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &LRUCache{
		MaxSize:        maxSize,
		MaxMemoryBytes: maxMemoryBytes,
		TTL:            ttl,
		order:          list.New(),
		index:          make(map[string]*list.Element),
	}
}

func estimateSize(value any) int {
	switch v := value.(type) {
	case string:
		return len(v)
	case []byte:
		return len(v)
	case int, int32, int64, float32, float64, bool:
		return 8
	default:
		if data, err := json.Marshal(v); err == nil {
			return len(data)
		}
		return 100
	}
}

// Get returns the cached value for key, evicting it first if expired.
func (c *LRUCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[key]
	if !ok {
		c.misses++
		return nil, false
	}
	e := el.Value.(*entry)

	if c.TTL > 0 && time.Since(e.createdAt) > c.TTL {
		c.removeElement(el)
		c.misses++
		return nil, false
	}

	e.lastAccess = time.Now()
	e.accessCount++
	c.order.MoveToFront(el)
	c.hits++
	return e.value, true
}

// Set inserts or replaces key's cached value, evicting by recency (and
// then by memory pressure) until the cache fits within its bounds.
func (c *LRUCache) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	size := estimateSize(value)

	if el, ok := c.index[key]; ok {
		c.removeElement(el)
	}

	for c.order.Len() >= c.MaxSize {
		c.evictOldest()
	}

	if c.MaxMemoryBytes > 0 {
		for c.memUsed+int64(size) > c.MaxMemoryBytes && c.order.Len() > 0 {
			c.evictOldest()
		}
	}

	e := &entry{key: key, value: value, createdAt: time.Now(), lastAccess: time.Now(), sizeBytes: size}
	el := c.order.PushFront(e)
	c.index[key] = el
	c.memUsed += int64(size)
}

func (c *LRUCache) evictOldest() {
	oldest := c.order.Back()
	if oldest == nil {
		return
	}
	c.removeElement(oldest)
}

// removeElement detaches el from both the list and the index. Callers
// must hold c.mu.
func (c *LRUCache) removeElement(el *list.Element) {
	e := el.Value.(*entry)
	c.order.Remove(el)
	delete(c.index, e.key)
	c.memUsed -= int64(e.sizeBytes)
}

// Delete removes key, reporting whether it was present.
func (c *LRUCache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.index[key]
	if !ok {
		return false
	}
	c.removeElement(el)
	return true
}

// Clear empties the cache and resets hit/miss counters.
func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.index = make(map[string]*list.Element)
	c.memUsed = 0
	c.hits = 0
	c.misses = 0
}

// Contains reports whether key is present and unexpired, without
// affecting recency.
func (c *LRUCache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.index[key]
	if !ok {
		return false
	}
	e := el.Value.(*entry)
	if c.TTL > 0 && time.Since(e.createdAt) > c.TTL {
		c.removeElement(el)
		return false
	}
	return true
}

// Size returns the current entry count.
func (c *LRUCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// MemoryUsage returns the current estimated memory footprint in bytes.
func (c *LRUCache) MemoryUsage() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.memUsed
}

// HitRate returns hits / (hits + misses), or 0 if there have been none
// of either.
func (c *LRUCache) HitRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}

// Stats is a snapshot of the cache's size and hit-rate metrics.
type Stats struct {
	Size           int     `json:"size"`
	MaxSize        int     `json:"max_size"`
	MemoryBytes    int64   `json:"memory_bytes"`
	MaxMemoryBytes int64   `json:"max_memory_bytes"`
	Hits           int64   `json:"hits"`
	Misses         int64   `json:"misses"`
	HitRate        float64 `json:"hit_rate"`
	TTLSeconds     float64 `json:"ttl_seconds"`
}

// Stats returns a snapshot of the cache's current metrics.
func (c *LRUCache) Stats() Stats {
	c.mu.Lock()
	size, maxSize, mem, maxMem, hits, misses := c.order.Len(), c.MaxSize, c.memUsed, c.MaxMemoryBytes, c.hits, c.misses
	c.mu.Unlock()

	return Stats{
		Size:           size,
		MaxSize:        maxSize,
		MemoryBytes:    mem,
		MaxMemoryBytes: maxMem,
		Hits:           hits,
		Misses:         misses,
		HitRate:        c.HitRate(),
		TTLSeconds:     c.TTL.Seconds(),
	}
}

// CleanupExpired removes every entry past its TTL, returning the count
// removed. A no-op if the cache has no TTL configured.
func (c *LRUCache) CleanupExpired() int {
	if c.TTL <= 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var expired []*list.Element
	now := time.Now()
	for el := c.order.Front(); el != nil; el = el.Next() {
		if now.Sub(el.Value.(*entry).createdAt) > c.TTL {
			expired = append(expired, el)
		}
	}
	for _, el := range expired {
		c.removeElement(el)
	}
	return len(expired)
}

// Keys returns every cached key, most-recently-used first.
func (c *LRUCache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*entry).key)
	}
	return out
}

// Manager owns a collection of independently-configured named caches.
type Manager struct {
	mu     sync.Mutex
	caches map[string]*LRUCache
}

// NewManager constructs an empty cache manager.
func NewManager() *Manager {
	return &Manager{caches: make(map[string]*LRUCache)}
}

// CreateCache returns the named cache, creating it with the given
// bounds if it doesn't already exist.
func (m *Manager) CreateCache(name string, maxSize int, maxMemoryBytes int64, ttl time.Duration) *LRUCache {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.caches[name]; ok {
		return c
	}
	c := NewLRUCache(maxSize, maxMemoryBytes, ttl)
	m.caches[name] = c
	return c
}

// GetCache returns the named cache, if it exists.
func (m *Manager) GetCache(name string) (*LRUCache, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.caches[name]
	return c, ok
}

// DeleteCache removes the named cache, reporting whether it existed.
func (m *Manager) DeleteCache(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.caches[name]; !ok {
		return false
	}
	delete(m.caches, name)
	return true
}

// ClearAll empties every managed cache.
func (m *Manager) ClearAll() {
	m.mu.Lock()
	caches := make([]*LRUCache, 0, len(m.caches))
	for _, c := range m.caches {
		caches = append(caches, c)
	}
	m.mu.Unlock()
	for _, c := range caches {
		c.Clear()
	}
}

// CleanupAllExpired runs CleanupExpired on every managed cache,
// returning the per-cache removal counts.
func (m *Manager) CleanupAllExpired() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.caches))
	for name, c := range m.caches {
		out[name] = c.CleanupExpired()
	}
	return out
}

// ListCaches returns every managed cache's name.
func (m *Manager) ListCaches() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.caches))
	for name := range m.caches {
		out = append(out, name)
	}
	return out
}

// DefaultQueryCacheSize and DefaultQueryCacheTTL are the query cache's
// default bounds.
const (
	DefaultQueryCacheSize = 500
)

// DefaultQueryCacheTTL is the query cache's default entry lifetime.
var DefaultQueryCacheTTL = 5 * time.Minute

// QueryCache caches query results keyed by a hash of the table name and
// the query's parameters. Unlike the original, which tries to match a
// table name as a substring of the cache key (ineffective once the key
// is a sha256 hash), it keeps an explicit table -> keys reverse index so
// InvalidateTable reliably evicts only that table's cached results.
type QueryCache struct {
	cache *LRUCache

	mu         sync.Mutex
	tableKeys  map[string]map[string]struct{}
}

// NewQueryCache constructs a query cache holding up to maxSize results
// for up to ttl each.
func NewQueryCache(maxSize int, ttl time.Duration) *QueryCache {
	return &QueryCache{
		cache:     NewLRUCache(maxSize, 0, ttl),
		tableKeys: make(map[string]map[string]struct{}),
	}
}

// makeKey hashes the table name and query parameters into a stable
// cache key. encoding/json always emits map keys in sorted order, so
// this is deterministic regardless of the params map's iteration
// order, matching the original's json.dumps(..., sort_keys=True).
func makeKey(tableName string, params map[string]any) string {
	keyData := struct {
		Table  string         `json:"table"`
		Params map[string]any `json:"params"`
	}{Table: tableName, Params: params}

	data, _ := json.Marshal(keyData)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Get returns the cached result for (tableName, params), if present and
// unexpired.
func (q *QueryCache) Get(tableName string, params map[string]any) (any, bool) {
	return q.cache.Get(makeKey(tableName, params))
}

// Set caches result under the key derived from (tableName, params).
func (q *QueryCache) Set(tableName string, params map[string]any, result any) {
	key := makeKey(tableName, params)
	q.cache.Set(key, result)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.tableKeys[tableName] == nil {
		q.tableKeys[tableName] = make(map[string]struct{})
	}
	q.tableKeys[tableName][key] = struct{}{}
}

// InvalidateTable evicts every cached result previously set for
// tableName.
func (q *QueryCache) InvalidateTable(tableName string) {
	q.mu.Lock()
	keys := q.tableKeys[tableName]
	delete(q.tableKeys, tableName)
	q.mu.Unlock()

	for key := range keys {
		q.cache.Delete(key)
	}
}

// Clear empties the query cache entirely.
func (q *QueryCache) Clear() {
	q.cache.Clear()
	q.mu.Lock()
	q.tableKeys = make(map[string]map[string]struct{})
	q.mu.Unlock()
}

// Stats returns the underlying cache's metrics.
func (q *QueryCache) Stats() Stats {
	return q.cache.Stats()
}
