// Package memtable implements the bounded in-memory write buffer that
// sits in front of both the SSTable and direct-flush segment writers
// (spec.md §4.5).
package memtable

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coldb/coldb/pkg/cerr"
	"github.com/coldb/coldb/pkg/skiplist"
	"github.com/coldb/coldb/pkg/types"
)

// State is the memtable lifecycle state.
type State int32

const (
	Active State = iota
	Immutable
	Flushing
	Flushed
)

const (
	// DefaultSizeLimit is the default byte-size flush threshold.
	DefaultSizeLimit = 64 * 1024 * 1024
	// DefaultEntryLimit is the default entry-count flush threshold.
	DefaultEntryLimit = 100000
)

// Entry is one buffered mutation. A tombstone has Deleted=true and an
// empty Data map. Seq is a monotonic per-table sequence number stamped
// at write time; it is kept only in memory and is not written to
// SSTables or compared when ordering versions.
type Entry struct {
	RowID   uint64
	Data    types.Row
	Seq     uint64
	Deleted bool
}

// MemTable buffers inserts/updates/deletes for one table in an ordered
// skip list keyed by row id.
type MemTable struct {
	TableName string

	sizeLimit  int64
	entryLimit int64

	data      *skiplist.SkipList
	state     atomic.Int32
	sizeBytes atomic.Int64
	createdAt time.Time

	mu sync.Mutex
}

// New constructs an empty, Active memtable.
func New(tableName string, sizeLimit, entryLimit int64) *MemTable {
	if sizeLimit <= 0 {
		sizeLimit = DefaultSizeLimit
	}
	if entryLimit <= 0 {
		entryLimit = DefaultEntryLimit
	}
	m := &MemTable{
		TableName:  tableName,
		sizeLimit:  sizeLimit,
		entryLimit: entryLimit,
		data:       skiplist.New(),
		createdAt:  time.Now(),
	}
	m.state.Store(int32(Active))
	return m
}

// State returns the current lifecycle state.
func (m *MemTable) State() State { return State(m.state.Load()) }

// SizeBytes returns the estimated byte size of buffered entries.
func (m *MemTable) SizeBytes() int64 { return m.sizeBytes.Load() }

// EntryCount returns the number of buffered entries (including tombstones).
func (m *MemTable) EntryCount() int { return m.data.Len() }

// ShouldFlush reports whether either configured limit has been reached.
func (m *MemTable) ShouldFlush() bool {
	return m.sizeBytes.Load() >= m.sizeLimit || int64(m.data.Len()) >= m.entryLimit
}

func estimateSize(data types.Row) int64 {
	b, err := json.Marshal(rawRow(data))
	if err != nil {
		return 256
	}
	return int64(len(b))
}

func rawRow(data types.Row) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v.Raw()
	}
	return out
}

func (m *MemTable) requireActive() error {
	if m.State() != Active {
		return fmt.Errorf("memtable %s: %w: not active", m.TableName, cerr.IllegalState)
	}
	return nil
}

// Insert buffers a new row.
func (m *MemTable) Insert(rowID uint64, data types.Row, seq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireActive(); err != nil {
		return err
	}
	entry := Entry{RowID: rowID, Data: data, Seq: seq}
	_, existed := m.data.Search(rowID)
	m.data.Insert(rowID, entry)
	if !existed {
		m.sizeBytes.Add(estimateSize(data))
	}
	return nil
}

// Update merges partial into the existing row, or inserts a new row if
// none exists yet (upsert semantics, matching the Python original).
func (m *MemTable) Update(rowID uint64, partial types.Row, seq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireActive(); err != nil {
		return err
	}

	existing, ok := m.data.Search(rowID)
	var merged types.Row
	if ok {
		e := existing.(Entry)
		merged = make(types.Row, len(e.Data)+len(partial))
		for k, v := range e.Data {
			merged[k] = v
		}
	} else {
		merged = make(types.Row, len(partial))
	}
	for k, v := range partial {
		merged[k] = v
	}

	entry := Entry{RowID: rowID, Data: merged, Seq: seq}
	m.data.Insert(rowID, entry)
	if !ok {
		m.sizeBytes.Add(estimateSize(merged))
	}
	return nil
}

// Delete inserts a tombstone for rowID.
func (m *MemTable) Delete(rowID uint64, seq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireActive(); err != nil {
		return err
	}
	entry := Entry{RowID: rowID, Data: types.Row{}, Seq: seq, Deleted: true}
	_, existed := m.data.Search(rowID)
	m.data.Insert(rowID, entry)
	if !existed {
		m.sizeBytes.Add(64)
	}
	return nil
}

// Get returns the buffered entry for rowID, if any (including tombstones).
func (m *MemTable) Get(rowID uint64) (Entry, bool) {
	v, ok := m.data.Search(rowID)
	if !ok {
		return Entry{}, false
	}
	return v.(Entry), true
}

// Range returns buffered entries with lo <= row id <= hi, ascending.
func (m *MemTable) Range(lo, hi uint64) []Entry {
	items := m.data.Range(lo, hi)
	out := make([]Entry, len(items))
	for i, it := range items {
		out[i] = it.Value.(Entry)
	}
	return out
}

// GetAll returns every buffered entry in row-id order.
func (m *MemTable) GetAll() []Entry {
	items := m.data.Items()
	out := make([]Entry, len(items))
	for i, it := range items {
		out[i] = it.Value.(Entry)
	}
	return out
}

// MakeImmutable transitions Active -> Immutable. It fails with
// IllegalState if the memtable is not Active.
func (m *MemTable) MakeImmutable() error {
	if !m.state.CompareAndSwap(int32(Active), int32(Immutable)) {
		return fmt.Errorf("memtable %s: %w: not active", m.TableName, cerr.IllegalState)
	}
	return nil
}

// MarkFlushing transitions Immutable -> Flushing.
func (m *MemTable) MarkFlushing() error {
	if !m.state.CompareAndSwap(int32(Immutable), int32(Flushing)) {
		return fmt.Errorf("memtable %s: %w: not immutable", m.TableName, cerr.IllegalState)
	}
	return nil
}

// MarkFlushed transitions Flushing -> Flushed.
func (m *MemTable) MarkFlushed() {
	m.state.Store(int32(Flushed))
}

// RollbackToImmutable reverts a failed flush attempt so it can be
// retried (spec.md §4.8 failure semantics).
func (m *MemTable) RollbackToImmutable() {
	m.state.CompareAndSwap(int32(Flushing), int32(Immutable))
}
