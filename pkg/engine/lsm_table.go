package engine

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync/atomic"

	"github.com/coldb/coldb/pkg/cerr"
	"github.com/coldb/coldb/pkg/memtable"
	"github.com/coldb/coldb/pkg/registry"
	"github.com/coldb/coldb/pkg/sstable"
	"github.com/coldb/coldb/pkg/types"
)

// lsmTable coordinates one table's write buffer and on-disk segments on
// the memtable+SSTable path (spec.md §4.5-§4.9). pkg/directflush has a
// dedicated Manager type playing this role for the direct-flush path;
// nothing in the teacher's pack supplies an equivalent for the LSM
// path, so the engine owns it directly, dispatching into the shared
// flush/compaction/registry services by table name.
type lsmTable struct {
	tableName string
	columns   []types.Column
	sstDir    string

	sizeLimit  int64
	entryLimit int64

	active   atomic.Pointer[memtable.MemTable]
	flushing []*memtable.MemTable // oldest first; pruned lazily once Flushed

	rowCounter atomic.Uint64
	seqCounter atomic.Uint64

	registry *registry.Registry
}

func newLSMTable(tableName string, columns []types.Column, sstDir string, sizeLimit, entryLimit int64, reg *registry.Registry) *lsmTable {
	t := &lsmTable{tableName: tableName, columns: columns, sstDir: sstDir, sizeLimit: sizeLimit, entryLimit: entryLimit, registry: reg}
	t.active.Store(memtable.New(tableName, sizeLimit, entryLimit))
	return t
}

// newFreshMemtable builds a replacement active memtable using this
// table's configured thresholds, for use after a rotation or a forced
// flush.
func (t *lsmTable) newFreshMemtable() *memtable.MemTable {
	return memtable.New(t.tableName, t.sizeLimit, t.entryLimit)
}

func (t *lsmTable) nextRowID() uint64 { return t.rowCounter.Add(1) - 1 }
func (t *lsmTable) nextSeq() uint64   { return t.seqCounter.Add(1) }

// rotateIfFull swaps the active memtable for a fresh one and returns the
// just-retired memtable for scheduling with the flush service, if the
// active memtable has crossed its threshold.
func (t *lsmTable) rotateIfFull() *memtable.MemTable {
	active := t.active.Load()
	if !active.ShouldFlush() {
		return nil
	}
	fresh := t.newFreshMemtable()
	if !t.active.CompareAndSwap(active, fresh) {
		return nil
	}
	t.flushing = append(t.flushing, active)
	return active
}

// pruneFlushed drops memtables from the flushing list once the flush
// service has marked them Flushed and their segment is registered.
func (t *lsmTable) pruneFlushed() {
	kept := t.flushing[:0]
	for _, m := range t.flushing {
		if m.State() != memtable.Flushed {
			kept = append(kept, m)
		}
	}
	t.flushing = kept
}

func (t *lsmTable) insert(rowID uint64, data types.Row) error {
	return t.active.Load().Insert(rowID, data, t.nextSeq())
}

func (t *lsmTable) delete(rowID uint64) error {
	return t.active.Load().Delete(rowID, t.nextSeq())
}

// update merges partial onto rowID's current full value across every
// source and rewrites it as a new version in the active memtable.
// memtable.Update only merges against that memtable's own local entry,
// which would miss columns carried by an older, already-flushed
// version of the row — so this reads the globally-latest row first,
// mirroring directflush.Manager.Update's read-merge-reinsert pattern.
func (t *lsmTable) update(rowID uint64, partial types.Row) (bool, error) {
	current, exists, err := t.get(rowID)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}
	merged := make(types.Row, len(current)+len(partial))
	for k, v := range current {
		merged[k] = v
	}
	for k, v := range partial {
		merged[k] = v
	}
	if err := t.active.Load().Insert(rowID, merged, t.nextSeq()); err != nil {
		return false, err
	}
	return true, nil
}

// segmentPath returns the on-disk path for a registered segment.
func (t *lsmTable) segmentPath(segmentID string) string {
	return filepath.Join(t.sstDir, segmentID+".sst")
}

// orderedSegmentsNewestFirst returns this table's registered segments
// ordered newest-first (by level ascending, since compaction moves older
// data to higher levels, then creation time descending) — the order
// point lookups consult.
func (t *lsmTable) orderedSegmentsNewestFirst() []*sstable.Metadata {
	segs := append([]*sstable.Metadata(nil), t.registry.Segments(t.tableName)...)
	sort.Slice(segs, func(i, j int) bool {
		if segs[i].Level != segs[j].Level {
			return segs[i].Level < segs[j].Level
		}
		return segs[i].CreatedAt.After(segs[j].CreatedAt)
	})
	return segs
}

// orderedSegmentsOldestFirst is the reverse ordering, used by scans that
// fold sources oldest-to-newest so later writes naturally win.
func (t *lsmTable) orderedSegmentsOldestFirst() []*sstable.Metadata {
	segs := t.orderedSegmentsNewestFirst()
	for i, j := 0, len(segs)-1; i < j; i, j = i+1, j-1 {
		segs[i], segs[j] = segs[j], segs[i]
	}
	return segs
}

// get performs a point lookup, checking the active memtable, then
// retired-but-not-yet-flushed memtables newest first, then registered
// segments newest first, returning on the first hit. Tombstones are
// filtered here: memtable tombstones carry an explicit Deleted flag;
// SSTable tombstones are rows whose every declared column is null (see
// isTombstoneRow).
func (t *lsmTable) get(rowID uint64) (types.Row, bool, error) {
	if e, ok := t.active.Load().Get(rowID); ok {
		if e.Deleted {
			return nil, false, nil
		}
		return e.Data, true, nil
	}

	for i := len(t.flushing) - 1; i >= 0; i-- {
		if e, ok := t.flushing[i].Get(rowID); ok {
			if e.Deleted {
				return nil, false, nil
			}
			return e.Data, true, nil
		}
	}

	schema := &types.TableSchema{Columns: t.columns}
	for _, meta := range t.orderedSegmentsNewestFirst() {
		if rowID < meta.MinRowID || rowID > meta.MaxRowID {
			continue
		}
		r := sstable.NewReader(t.segmentPath(meta.SegmentID))
		if !r.MightContain(rowID) {
			continue
		}
		row, err := r.Get(rowID)
		if err != nil {
			return nil, false, err
		}
		if row == nil {
			continue
		}
		if isTombstoneRow(schema, row.Data) {
			return nil, false, nil
		}
		return row.Data, true, nil
	}
	return nil, false, nil
}

// scanAll merges every source oldest-to-newest into a single row-id
// keyed map so later writes overwrite earlier ones, then drops
// tombstones, mirroring pkg/compaction's merge technique.
func (t *lsmTable) scanAll(lo, hi *uint64) ([]rowResult, error) {
	schema := &types.TableSchema{Columns: t.columns}
	merged := make(map[uint64]types.Row)
	deleted := make(map[uint64]bool)

	apply := func(rowID uint64, data types.Row, isDeleted bool) {
		if lo != nil && rowID < *lo {
			return
		}
		if hi != nil && rowID > *hi {
			return
		}
		merged[rowID] = data
		deleted[rowID] = isDeleted
	}

	for _, meta := range t.orderedSegmentsOldestFirst() {
		if hi != nil && meta.MinRowID > *hi {
			continue
		}
		if lo != nil && meta.MaxRowID < *lo {
			continue
		}
		r := sstable.NewReader(t.segmentPath(meta.SegmentID))
		rows, err := r.Scan(lo, hi)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			apply(row.RowID, row.Data, isTombstoneRow(schema, row.Data))
		}
	}

	for _, m := range t.flushing {
		for _, e := range m.GetAll() {
			apply(e.RowID, e.Data, e.Deleted)
		}
	}

	for _, e := range t.active.Load().GetAll() {
		apply(e.RowID, e.Data, e.Deleted)
	}

	ids := make([]uint64, 0, len(merged))
	for id := range merged {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]rowResult, 0, len(ids))
	for _, id := range ids {
		if deleted[id] {
			continue
		}
		out = append(out, rowResult{RowID: id, Data: merged[id]})
	}
	return out, nil
}

func (t *lsmTable) findByColumn(column string, value types.Value) (*rowResult, error) {
	rows, err := t.scanAll(nil, nil)
	if err != nil {
		return nil, err
	}
	for i := range rows {
		if v, ok := rows[i].Data[column]; ok && valuesEqualLoose(v, value) {
			return &rows[i], nil
		}
	}
	return nil, nil
}

func valuesEqualLoose(a, b types.Value) bool {
	return fmt.Sprint(a.Raw()) == fmt.Sprint(b.Raw())
}

// requireLSMTable fails with NotFound for callers that address a table
// not currently tracked on the LSM path.
func requireLSMTable(tables map[string]*lsmTable, name string) (*lsmTable, error) {
	t, ok := tables[name]
	if !ok {
		return nil, fmt.Errorf("engine: table %s: %w", name, cerr.NotFound)
	}
	return t, nil
}
