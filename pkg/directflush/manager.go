package directflush

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/coldb/coldb/pkg/cerr"
	"github.com/coldb/coldb/pkg/crypto"
	"github.com/coldb/coldb/pkg/types"
)

type tableState struct {
	columns    []types.Column
	writer     *Writer
	segments   []*Segment
	rowCounter uint64
}

// Manager owns one direct-flush writer/segment-list per registered
// table and coordinates reads across that table's segments newest-first.
type Manager struct {
	BaseDir string
	Crypto  *crypto.Manager

	mu     sync.Mutex
	tables map[string]*tableState
}

// NewManager constructs a manager rooted at baseDir, creating it if
// necessary. Call Initialize to pick up any segments from a prior run.
func NewManager(baseDir string, cm *crypto.Manager) (*Manager, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, err
	}
	return &Manager{BaseDir: baseDir, Crypto: cm, tables: make(map[string]*tableState)}, nil
}

func (m *Manager) tablePath(tableName string) string {
	return filepath.Join(m.BaseDir, tableName)
}

// RegisterTable opens a writer for tableName, creating its segment
// directory if needed.
func (m *Manager) RegisterTable(tableName string, columns []types.Column) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, err := NewWriter(m.tablePath(tableName), tableName, columns, m.Crypto)
	if err != nil {
		return err
	}
	st, ok := m.tables[tableName]
	if !ok {
		st = &tableState{}
		m.tables[tableName] = st
	}
	st.columns = columns
	st.writer = w
	return nil
}

// Initialize scans baseDir for any table directories containing *.sstd
// segments from a prior process and rebuilds the in-memory segment
// list and row counters (must be called after RegisterTable for every
// table it should recover).
func (m *Manager) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for tableName, st := range m.tables {
		dir := m.tablePath(tableName)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		var segs []*Segment
		for _, de := range entries {
			if de.IsDir() || !strings.HasSuffix(de.Name(), ".sstd") {
				continue
			}
			r := NewReader(filepath.Join(dir, de.Name()), m.Crypto)
			meta, err := r.Metadata()
			if err != nil {
				continue
			}
			segs = append(segs, meta)
			if meta.MaxRowID+1 > st.rowCounter {
				st.rowCounter = meta.MaxRowID + 1
			}
		}
		sort.Slice(segs, func(i, j int) bool { return segs[i].CreatedAt.Before(segs[j].CreatedAt) })
		st.segments = segs
	}
	return nil
}

func (m *Manager) requireTable(tableName string) (*tableState, error) {
	st, ok := m.tables[tableName]
	if !ok {
		return nil, fmt.Errorf("directflush: table %s: %w", tableName, cerr.NotFound)
	}
	return st, nil
}

// NextRowID allocates the next row id for tableName.
func (m *Manager) NextRowID(tableName string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, err := m.requireTable(tableName)
	if err != nil {
		return 0, err
	}
	id := st.rowCounter
	st.rowCounter++
	return id, nil
}

// Insert writes a single row as its own segment.
func (m *Manager) Insert(tableName string, rowID uint64, data types.Row) error {
	m.mu.Lock()
	st, err := m.requireTable(tableName)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	seg, err := st.writer.WriteSingle(rowID, data)
	if err != nil {
		return err
	}
	if seg == nil {
		return nil
	}

	m.mu.Lock()
	st.segments = append(st.segments, seg)
	if rowID+1 > st.rowCounter {
		st.rowCounter = rowID + 1
	}
	m.mu.Unlock()
	return nil
}

// InsertBatch writes many rows as a single segment.
func (m *Manager) InsertBatch(tableName string, rows map[uint64]types.Row) error {
	m.mu.Lock()
	st, err := m.requireTable(tableName)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	entries := make([]entry, 0, len(rows))
	var maxRowID uint64
	for id, data := range rows {
		entries = append(entries, entry{RowID: id, Data: data})
		if id > maxRowID {
			maxRowID = id
		}
	}

	seg, err := st.writer.WriteBatch(entries)
	if err != nil {
		return err
	}
	if seg == nil {
		return nil
	}

	m.mu.Lock()
	st.segments = append(st.segments, seg)
	if maxRowID+1 > st.rowCounter {
		st.rowCounter = maxRowID + 1
	}
	m.mu.Unlock()
	return nil
}

// Get returns the newest version of rowID, scanning segments from
// newest to oldest; if that version is a tombstone, deleted is true.
func (m *Manager) Get(tableName string, rowID uint64) (types.Row, bool, error) {
	m.mu.Lock()
	st, err := m.requireTable(tableName)
	var segs []*Segment
	if err == nil {
		segs = append(segs, st.segments...)
	}
	m.mu.Unlock()
	if err != nil {
		return nil, false, err
	}

	for i := len(segs) - 1; i >= 0; i-- {
		seg := segs[i]
		if rowID < seg.MinRowID || rowID > seg.MaxRowID {
			continue
		}
		path := filepath.Join(m.tablePath(tableName), seg.SegmentID+".sstd")
		if _, err := os.Stat(path); err != nil {
			continue
		}
		r := NewReader(path, m.Crypto)
		row, deleted, err := r.Get(rowID)
		if err != nil {
			return nil, false, err
		}
		if row == nil && !deleted {
			continue
		}
		return row, deleted, nil
	}
	return nil, false, nil
}

// Scan returns the newest version of every row in [lo, hi] (nil bounds
// open), excluding tombstones.
func (m *Manager) Scan(tableName string, lo, hi *uint64) ([]Row, error) {
	m.mu.Lock()
	st, err := m.requireTable(tableName)
	var segs []*Segment
	if err == nil {
		segs = append(segs, st.segments...)
	}
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	latest := make(map[uint64]types.Row)
	deleted := make(map[uint64]bool)

	for _, seg := range segs {
		if lo != nil && seg.MaxRowID < *lo {
			continue
		}
		if hi != nil && seg.MinRowID > *hi {
			continue
		}
		path := filepath.Join(m.tablePath(tableName), seg.SegmentID+".sstd")
		if _, err := os.Stat(path); err != nil {
			continue
		}
		r := NewReader(path, m.Crypto)
		results, err := r.Scan(lo, hi)
		if err != nil {
			return nil, err
		}
		for _, res := range results {
			latest[res.RowID] = res.Data
			deleted[res.RowID] = res.Deleted
		}
	}

	ids := make([]uint64, 0, len(latest))
	for id := range latest {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]Row, 0, len(ids))
	for _, id := range ids {
		if deleted[id] {
			continue
		}
		out = append(out, Row{RowID: id, Data: latest[id]})
	}
	return out, nil
}

// GetAll returns every live row in tableName.
func (m *Manager) GetAll(tableName string) ([]Row, error) {
	return m.Scan(tableName, nil, nil)
}

// FindByColumn returns the first live row whose column equals value.
func (m *Manager) FindByColumn(tableName, column string, value types.Value) (*Row, error) {
	rows, err := m.GetAll(tableName)
	if err != nil {
		return nil, err
	}
	for i := range rows {
		if v, ok := rows[i].Data[column]; ok && valuesEqual(v, value) {
			return &rows[i], nil
		}
	}
	return nil, nil
}

// FindAllByColumn returns every live row whose column equals value.
func (m *Manager) FindAllByColumn(tableName, column string, value types.Value) ([]Row, error) {
	rows, err := m.GetAll(tableName)
	if err != nil {
		return nil, err
	}
	var out []Row
	for _, r := range rows {
		if v, ok := r.Data[column]; ok && valuesEqual(v, value) {
			out = append(out, r)
		}
	}
	return out, nil
}

func valuesEqual(a, b types.Value) bool {
	if a.Type == b.Type {
		return a.Raw() == b.Raw() || fmt.Sprint(a.Raw()) == fmt.Sprint(b.Raw())
	}
	return fmt.Sprint(a.Raw()) == fmt.Sprint(b.Raw())
}

// Update merges partial into the current row and appends it as a new
// version (direct-flush never rewrites a segment in place).
func (m *Manager) Update(tableName string, rowID uint64, partial types.Row) (bool, error) {
	existing, deleted, err := m.Get(tableName, rowID)
	if err != nil {
		return false, err
	}
	if existing == nil && !deleted {
		return false, nil
	}
	merged := make(types.Row, len(existing)+len(partial))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range partial {
		merged[k] = v
	}
	if err := m.Insert(tableName, rowID, merged); err != nil {
		return false, err
	}
	return true, nil
}

// Delete appends a tombstone version for rowID.
func (m *Manager) Delete(tableName string, rowID uint64) error {
	return m.Insert(tableName, rowID, types.Row{deletedMarkerKey: types.NewBool(true)})
}

// EntryCount sums the entry counts of every segment registered for
// tableName (not deduplicated across versions).
func (m *Manager) EntryCount(tableName string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.tables[tableName]
	if !ok {
		return 0
	}
	total := 0
	for _, s := range st.segments {
		total += s.EntryCount
	}
	return total
}

// Compact rewrites every live, non-deleted row into one fresh segment
// and removes the superseded segment files.
func (m *Manager) Compact(tableName string) error {
	rows, err := m.GetAll(tableName)
	if err != nil {
		return err
	}

	m.mu.Lock()
	st, err := m.requireTable(tableName)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	oldSegments := append([]*Segment(nil), st.segments...)
	m.mu.Unlock()

	if len(rows) == 0 {
		return nil
	}

	entries := make([]entry, len(rows))
	for i, r := range rows {
		entries[i] = entry{RowID: r.RowID, Data: r.Data}
	}

	seg, err := st.writer.WriteBatch(entries)
	if err != nil {
		return err
	}
	if seg == nil {
		return nil
	}

	m.mu.Lock()
	st.segments = []*Segment{seg}
	m.mu.Unlock()

	dir := m.tablePath(tableName)
	for _, old := range oldSegments {
		if old.SegmentID == seg.SegmentID {
			continue
		}
		_ = os.Remove(filepath.Join(dir, old.SegmentID+".sstd"))
	}
	return nil
}

// ClearTable deletes every segment for tableName and resets its row
// counter.
func (m *Manager) ClearTable(tableName string) error {
	m.mu.Lock()
	st, err := m.requireTable(tableName)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	segs := append([]*Segment(nil), st.segments...)
	st.segments = nil
	st.rowCounter = 0
	m.mu.Unlock()

	dir := m.tablePath(tableName)
	for _, s := range segs {
		_ = os.Remove(filepath.Join(dir, s.SegmentID+".sstd"))
	}
	return nil
}

// FlushAll is a no-op: direct-flush writes are already durable on
// return, matching the original's "nothing buffered" contract.
func (m *Manager) FlushAll() error { return nil }

// Close releases any resources held by table writers. Direct-flush
// writers hold no background goroutines, so this currently just drops
// the table map.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables = make(map[string]*tableState)
}

// Stats reports per-table segment counts and entry totals.
func (m *Manager) Stats() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]any, len(m.tables))
	for name, st := range m.tables {
		total := 0
		for _, s := range st.segments {
			total += s.EntryCount
		}
		out[name] = map[string]any{
			"segment_count": len(st.segments),
			"entry_count":   total,
		}
	}
	return out
}
