// Package index implements B-tree and hash secondary indexes over
// column values (spec.md §4.12), and the IndexManager that owns one
// index per indexed (table, column) pair.
package index

import (
	"crypto/md5"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/coldb/coldb/pkg/types"
)

// Type distinguishes the two index implementations a column can use.
type Type int

const (
	BTree Type = iota + 1
	Hash
)

// DefaultOrder is the B-tree's branching factor: each node holds up to
// 2*order-1 keys before it splits.
const DefaultOrder = 100

// DefaultBucketCount is the hash index's fixed bucket count.
const DefaultBucketCount = 1024

// Index is satisfied by both BTreeIndex and HashIndex.
type Index interface {
	Insert(key types.Value, rowID uint64)
	Delete(key types.Value, rowID uint64)
	Search(key types.Value) []uint64
	Clear()
	Len() int
	AllEntries() []Entry
}

// Entry is one key and its associated row ids, as returned by
// AllEntries.
type Entry struct {
	Key    types.Value
	RowIDs []uint64
}

// compare orders two values of the same declared column type. Null
// values (zero Value with Null set) sort before everything else.
func compare(a, b types.Value) int {
	if a.IsNull() && b.IsNull() {
		return 0
	}
	if a.IsNull() {
		return -1
	}
	if b.IsNull() {
		return 1
	}
	switch a.Type {
	case types.TypeInt32:
		return cmpInt64(int64(a.I32), int64(b.I32))
	case types.TypeInt64:
		return cmpInt64(a.I64, b.I64)
	case types.TypeFloat32:
		return cmpFloat64(float64(a.F32), float64(b.F32))
	case types.TypeFloat64:
		return cmpFloat64(a.F64, b.F64)
	case types.TypeString:
		return cmpString(a.Str, b.Str)
	case types.TypeBytes:
		return cmpString(string(a.Bytes), string(b.Bytes))
	case types.TypeBool:
		return cmpBool(a.Bool, b.Bool)
	case types.TypeTimestamp:
		return cmpInt64(a.TS.UnixNano(), b.TS.UnixNano())
	default:
		return cmpString(fmt.Sprint(a.Raw()), fmt.Sprint(b.Raw()))
	}
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpFloat64(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpString(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpBool(a, b bool) int {
	if a == b {
		return 0
	}
	if !a {
		return -1
	}
	return 1
}

// bTreeNode is one node of a BTreeIndex.
type bTreeNode struct {
	isLeaf   bool
	order    int
	keys     []types.Value
	values   [][]uint64
	children []*bTreeNode
}

func newBTreeNode(isLeaf bool, order int) *bTreeNode {
	return &bTreeNode{isLeaf: isLeaf, order: order}
}

func (n *bTreeNode) full() bool {
	return len(n.keys) >= 2*n.order-1
}

// BTreeIndex is a non-self-balancing B-tree keyed on column values,
// each key mapping to the set of row ids carrying it. It never merges
// or rebalances after a delete, matching the original's simplified
// split-only strategy.
type BTreeIndex struct {
	Name  string
	Order int

	mu   sync.RWMutex
	root *bTreeNode
	size int
}

// NewBTreeIndex constructs an empty B-tree index named name.
func NewBTreeIndex(name string, order int) *BTreeIndex {
	if order <= 0 {
		order = DefaultOrder
	}
	return &BTreeIndex{Name: name, Order: order, root: newBTreeNode(true, order)}
}

// Insert adds rowID under key, ignoring nulls.
func (b *BTreeIndex) Insert(key types.Value, rowID uint64) {
	if key.IsNull() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing := b.searchNode(b.root, key); existing != nil {
		if !containsID(*existing, rowID) {
			*existing = append(*existing, rowID)
		}
		return
	}

	if b.root.full() {
		newRoot := newBTreeNode(false, b.Order)
		newRoot.children = append(newRoot.children, b.root)
		b.splitChild(newRoot, 0)
		b.root = newRoot
	}
	b.insertNonFull(b.root, key, rowID)
	b.size++
}

func (b *BTreeIndex) insertNonFull(node *bTreeNode, key types.Value, rowID uint64) {
	if node.isLeaf {
		pos := sort.Search(len(node.keys), func(i int) bool { return compare(node.keys[i], key) >= 0 })
		if pos < len(node.keys) && compare(node.keys[pos], key) == 0 {
			if !containsID(node.values[pos], rowID) {
				node.values[pos] = append(node.values[pos], rowID)
			}
			return
		}
		node.keys = insertValueAt(node.keys, pos, key)
		node.values = insertIDsAt(node.values, pos, []uint64{rowID})
		return
	}

	pos := sort.Search(len(node.keys), func(i int) bool { return compare(node.keys[i], key) > 0 })
	if node.children[pos].full() {
		b.splitChild(node, pos)
		if compare(key, node.keys[pos]) > 0 {
			pos++
		}
	}
	b.insertNonFull(node.children[pos], key, rowID)
}

func (b *BTreeIndex) splitChild(parent *bTreeNode, index int) {
	order := b.Order
	child := parent.children[index]
	newNode := newBTreeNode(child.isLeaf, order)
	mid := order - 1

	parent.keys = insertValueAt(parent.keys, index, child.keys[mid])
	parent.values = insertIDsAt(parent.values, index, child.values[mid])
	parent.children = insertNodeAt(parent.children, index+1, newNode)

	newNode.keys = append([]types.Value(nil), child.keys[mid+1:]...)
	newNode.values = append([][]uint64(nil), child.values[mid+1:]...)
	child.keys = child.keys[:mid]
	child.values = child.values[:mid]

	if !child.isLeaf {
		newNode.children = append([]*bTreeNode(nil), child.children[mid+1:]...)
		child.children = child.children[:mid+1]
	}
}

func (b *BTreeIndex) searchNode(node *bTreeNode, key types.Value) *[]uint64 {
	pos := sort.Search(len(node.keys), func(i int) bool { return compare(node.keys[i], key) >= 0 })
	if pos < len(node.keys) && compare(node.keys[pos], key) == 0 {
		return &node.values[pos]
	}
	if node.isLeaf {
		return nil
	}
	return b.searchNode(node.children[pos], key)
}

// Search returns the row ids stored under key, or nil if absent.
func (b *BTreeIndex) Search(key types.Value) []uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	found := b.searchNode(b.root, key)
	if found == nil {
		return nil
	}
	return append([]uint64(nil), *found...)
}

// SearchRange returns the union of row ids whose key falls within
// [minKey, maxKey], honoring inclusivity flags. A nil bound is open on
// that side.
func (b *BTreeIndex) SearchRange(minKey, maxKey *types.Value, includeMin, includeMax bool) []uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	seen := make(map[uint64]struct{})
	b.rangeSearch(b.root, minKey, maxKey, includeMin, includeMax, seen)

	out := make([]uint64, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (b *BTreeIndex) rangeSearch(node *bTreeNode, minKey, maxKey *types.Value, includeMin, includeMax bool, seen map[uint64]struct{}) {
	for i, key := range node.keys {
		if keyInRange(key, minKey, maxKey, includeMin, includeMax) {
			for _, id := range node.values[i] {
				seen[id] = struct{}{}
			}
		}
	}

	if node.isLeaf {
		return
	}
	for i, child := range node.children {
		shouldSearch := true
		if i > 0 && maxKey != nil {
			shouldSearch = compare(node.keys[i-1], *maxKey) <= 0
		}
		if i < len(node.keys) && minKey != nil {
			shouldSearch = shouldSearch && compare(node.keys[i], *minKey) >= 0
		}
		if shouldSearch {
			b.rangeSearch(child, minKey, maxKey, includeMin, includeMax, seen)
		}
	}
}

func keyInRange(key types.Value, minKey, maxKey *types.Value, includeMin, includeMax bool) bool {
	if minKey != nil {
		c := compare(key, *minKey)
		if includeMin {
			if c < 0 {
				return false
			}
		} else if c <= 0 {
			return false
		}
	}
	if maxKey != nil {
		c := compare(key, *maxKey)
		if includeMax {
			if c > 0 {
				return false
			}
		} else if c >= 0 {
			return false
		}
	}
	return true
}

// Delete removes rowID from key's entry, dropping the entry entirely
// once its row-id list is empty.
func (b *BTreeIndex) Delete(key types.Value, rowID uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleteFrom(b.root, key, &rowID)
}

// DeleteKey removes every row id stored under key.
func (b *BTreeIndex) DeleteKey(key types.Value) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleteFrom(b.root, key, nil)
}

// deleteFrom recurses through the tree. Callers must hold b.mu.
func (b *BTreeIndex) deleteFrom(node *bTreeNode, key types.Value, rowID *uint64) {
	pos := sort.Search(len(node.keys), func(i int) bool { return compare(node.keys[i], key) >= 0 })

	if pos < len(node.keys) && compare(node.keys[pos], key) == 0 {
		if rowID != nil {
			node.values[pos] = removeID(node.values[pos], *rowID)
			if len(node.values[pos]) == 0 {
				node.keys = removeValueAt(node.keys, pos)
				node.values = removeIDsAt(node.values, pos)
				b.size--
			}
		} else {
			node.keys = removeValueAt(node.keys, pos)
			node.values = removeIDsAt(node.values, pos)
			b.size--
		}
		return
	}

	if !node.isLeaf && pos < len(node.children) {
		b.deleteFrom(node.children[pos], key, rowID)
	}
}

// Clear resets the index to empty.
func (b *BTreeIndex) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.root = newBTreeNode(true, b.Order)
	b.size = 0
}

// Len returns the number of distinct keys stored.
func (b *BTreeIndex) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// AllEntries returns every (key, row ids) pair in key order.
func (b *BTreeIndex) AllEntries() []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Entry
	b.collect(b.root, &out)
	return out
}

func (b *BTreeIndex) collect(node *bTreeNode, out *[]Entry) {
	for i, key := range node.keys {
		*out = append(*out, Entry{Key: key, RowIDs: append([]uint64(nil), node.values[i]...)})
	}
	if !node.isLeaf {
		for _, child := range node.children {
			b.collect(child, out)
		}
	}
}

func containsID(ids []uint64, id uint64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func removeID(ids []uint64, id uint64) []uint64 {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func insertValueAt(s []types.Value, i int, v types.Value) []types.Value {
	s = append(s, types.Value{})
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func removeValueAt(s []types.Value, i int) []types.Value {
	return append(s[:i], s[i+1:]...)
}

func insertIDsAt(s [][]uint64, i int, v []uint64) [][]uint64 {
	s = append(s, nil)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func removeIDsAt(s [][]uint64, i int) [][]uint64 {
	return append(s[:i], s[i+1:]...)
}

func insertNodeAt(s []*bTreeNode, i int, v *bTreeNode) []*bTreeNode {
	s = append(s, nil)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

// HashIndex is a fixed-bucket-count hash index using an MD5-derived
// bucket assignment, matching the original's key-to-bucket hashing.
type HashIndex struct {
	Name        string
	BucketCount int

	mu      sync.RWMutex
	buckets []map[string]*bucketEntry
	size    int
}

type bucketEntry struct {
	key    types.Value
	rowIDs []uint64
}

// NewHashIndex constructs an empty hash index named name with
// bucketCount buckets.
func NewHashIndex(name string, bucketCount int) *HashIndex {
	if bucketCount <= 0 {
		bucketCount = DefaultBucketCount
	}
	buckets := make([]map[string]*bucketEntry, bucketCount)
	for i := range buckets {
		buckets[i] = make(map[string]*bucketEntry)
	}
	return &HashIndex{Name: name, BucketCount: bucketCount, buckets: buckets}
}

// hashKey mirrors the original's md5(str(key).encode()) % bucket_count
// bucket assignment, then uses the stringified raw value as the bucket
// map key so distinct values never collide within a bucket.
func (h *HashIndex) hashKey(key types.Value) (int, string) {
	if key.IsNull() {
		return 0, ""
	}
	str := rawKeyString(key)
	sum := md5.Sum([]byte(str))
	n := new(big.Int).SetBytes(sum[:])
	bucket := new(big.Int).Mod(n, big.NewInt(int64(h.BucketCount))).Int64()
	return int(bucket), str
}

func rawKeyString(v types.Value) string {
	switch v.Type {
	case types.TypeString:
		return v.Str
	case types.TypeBytes:
		return string(v.Bytes)
	default:
		return fmt.Sprint(v.Raw())
	}
}

// Insert adds rowID under key, ignoring nulls.
func (h *HashIndex) Insert(key types.Value, rowID uint64) {
	if key.IsNull() {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	idx, str := h.hashKey(key)
	bucket := h.buckets[idx]
	if entry, ok := bucket[str]; ok {
		if !containsID(entry.rowIDs, rowID) {
			entry.rowIDs = append(entry.rowIDs, rowID)
		}
		return
	}
	bucket[str] = &bucketEntry{key: key, rowIDs: []uint64{rowID}}
	h.size++
}

// Search returns the row ids stored under key.
func (h *HashIndex) Search(key types.Value) []uint64 {
	if key.IsNull() {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	idx, str := h.hashKey(key)
	entry, ok := h.buckets[idx][str]
	if !ok {
		return nil
	}
	return append([]uint64(nil), entry.rowIDs...)
}

// Delete removes rowID from key's entry, dropping the entry if it
// becomes empty.
func (h *HashIndex) Delete(key types.Value, rowID uint64) {
	if key.IsNull() {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	idx, str := h.hashKey(key)
	bucket := h.buckets[idx]
	entry, ok := bucket[str]
	if !ok {
		return
	}
	entry.rowIDs = removeID(entry.rowIDs, rowID)
	if len(entry.rowIDs) == 0 {
		delete(bucket, str)
		h.size--
	}
}

// Clear resets the index to empty.
func (h *HashIndex) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.buckets {
		h.buckets[i] = make(map[string]*bucketEntry)
	}
	h.size = 0
}

// Len returns the number of distinct keys stored.
func (h *HashIndex) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size
}

// AllEntries returns every (key, row ids) pair, in no particular order.
func (h *HashIndex) AllEntries() []Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []Entry
	for _, bucket := range h.buckets {
		for _, entry := range bucket {
			out = append(out, Entry{Key: entry.key, RowIDs: append([]uint64(nil), entry.rowIDs...)})
		}
	}
	return out
}

// Manager owns one index per (table, column) pair that has been
// explicitly indexed.
type Manager struct {
	mu      sync.RWMutex
	indexes map[string]map[string]Index
}

// NewManager constructs an empty index manager.
func NewManager() *Manager {
	return &Manager{indexes: make(map[string]map[string]Index)}
}

// CreateIndex registers a new index of kind typ for tableName.columnName,
// replacing any existing index on that column.
func (m *Manager) CreateIndex(tableName, columnName string, typ Type, order, bucketCount int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.indexes[tableName] == nil {
		m.indexes[tableName] = make(map[string]Index)
	}
	name := tableName + "_" + columnName
	switch typ {
	case Hash:
		m.indexes[tableName][columnName] = NewHashIndex(name, bucketCount)
	default:
		m.indexes[tableName][columnName] = NewBTreeIndex(name, order)
	}
}

// DropIndex removes the index on tableName.columnName, if any.
func (m *Manager) DropIndex(tableName, columnName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cols, ok := m.indexes[tableName]
	if !ok {
		return false
	}
	if _, ok := cols[columnName]; !ok {
		return false
	}
	delete(cols, columnName)
	return true
}

// GetIndex returns the index for tableName.columnName, if any.
func (m *Manager) GetIndex(tableName, columnName string) (Index, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cols, ok := m.indexes[tableName]
	if !ok {
		return nil, false
	}
	idx, ok := cols[columnName]
	return idx, ok
}

// BuildIndex creates a fresh index of kind typ and bulk-loads values,
// keyed by their position (matching the original's enumerate-based
// bulk build, used when backfilling an index over existing rows).
func (m *Manager) BuildIndex(tableName, columnName string, rows map[uint64]types.Value, typ Type) {
	m.CreateIndex(tableName, columnName, typ, DefaultOrder, DefaultBucketCount)
	idx, _ := m.GetIndex(tableName, columnName)
	for rowID, v := range rows {
		idx.Insert(v, rowID)
	}
}

// UpdateIndex moves rowID from oldValue to newValue in the index on
// tableName.columnName, if one exists.
func (m *Manager) UpdateIndex(tableName, columnName string, oldValue, newValue types.Value, rowID uint64) {
	idx, ok := m.GetIndex(tableName, columnName)
	if !ok {
		return
	}
	idx.Delete(oldValue, rowID)
	idx.Insert(newValue, rowID)
}

// InsertToIndex inserts rowID under value in the index on
// tableName.columnName, if one exists.
func (m *Manager) InsertToIndex(tableName, columnName string, value types.Value, rowID uint64) {
	if idx, ok := m.GetIndex(tableName, columnName); ok {
		idx.Insert(value, rowID)
	}
}

// DeleteFromIndex removes rowID from value's entry in the index on
// tableName.columnName, if one exists.
func (m *Manager) DeleteFromIndex(tableName, columnName string, value types.Value, rowID uint64) {
	if idx, ok := m.GetIndex(tableName, columnName); ok {
		idx.Delete(value, rowID)
	}
}

// SearchIndex returns the row ids matching value in tableName.columnName's
// index, or nil if no such index exists.
func (m *Manager) SearchIndex(tableName, columnName string, value types.Value) []uint64 {
	if idx, ok := m.GetIndex(tableName, columnName); ok {
		return idx.Search(value)
	}
	return nil
}

// RangeSearchIndex returns the row ids whose value falls within
// [minValue, maxValue] in tableName.columnName's B-tree index. Hash
// indexes do not support range search and yield nil.
func (m *Manager) RangeSearchIndex(tableName, columnName string, minValue, maxValue *types.Value) []uint64 {
	idx, ok := m.GetIndex(tableName, columnName)
	if !ok {
		return nil
	}
	bt, ok := idx.(*BTreeIndex)
	if !ok {
		return nil
	}
	return bt.SearchRange(minValue, maxValue, true, true)
}

// ClearTableIndexes empties every index on tableName without dropping
// them.
func (m *Manager) ClearTableIndexes(tableName string) {
	m.mu.RLock()
	cols := m.indexes[tableName]
	m.mu.RUnlock()
	for _, idx := range cols {
		idx.Clear()
	}
}

// DropTableIndexes removes every index registered for tableName.
func (m *Manager) DropTableIndexes(tableName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.indexes, tableName)
}

// ListIndexes returns the indexed column names for tableName.
func (m *Manager) ListIndexes(tableName string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cols, ok := m.indexes[tableName]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(cols))
	for name := range cols {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// HasIndex reports whether tableName.columnName is indexed.
func (m *Manager) HasIndex(tableName, columnName string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cols, ok := m.indexes[tableName]
	if !ok {
		return false
	}
	_, ok = cols[columnName]
	return ok
}
