package sstable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldb/coldb/pkg/memtable"
	"github.com/coldb/coldb/pkg/types"
)

func testColumns() []types.Column {
	return []types.Column{
		{Name: "id", DataType: types.TypeInt64},
		{Name: "name", DataType: types.TypeString},
	}
}

func buildMemtable(t *testing.T, n int) *memtable.MemTable {
	t.Helper()
	m := memtable.New("users", 0, 0)
	for i := 0; i < n; i++ {
		row := types.Row{
			"id":   types.NewInt64(int64(i)),
			"name": types.NewString("user"),
		}
		require.NoError(t, m.Insert(uint64(i), row, uint64(i)))
	}
	return m
}

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := buildMemtable(t, 250)

	w := NewWriter(dir, "users", testColumns())
	meta, err := w.Write(m, 0)
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, 250, meta.EntryCount)
	assert.Equal(t, uint64(0), meta.MinRowID)
	assert.Equal(t, uint64(249), meta.MaxRowID)

	r := NewReader(dir + "/" + meta.SegmentID + ".sst")
	loaded, err := r.Metadata()
	require.NoError(t, err)
	assert.Equal(t, "users", loaded.TableName)
	assert.Equal(t, 250, loaded.EntryCount)

	row, err := r.Get(42)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, int64(42), row.Data["id"].I64)
	assert.Equal(t, "user", row.Data["name"].Str)

	missing, err := r.Get(9999)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestScanRange(t *testing.T) {
	dir := t.TempDir()
	m := buildMemtable(t, 50)
	w := NewWriter(dir, "users", testColumns())
	meta, err := w.Write(m, 0)
	require.NoError(t, err)

	r := NewReader(dir + "/" + meta.SegmentID + ".sst")
	lo, hi := uint64(10), uint64(15)
	rows, err := r.Scan(&lo, &hi)
	require.NoError(t, err)
	assert.Len(t, rows, 6)
	assert.Equal(t, uint64(10), rows[0].RowID)
}

func TestRangeCheckRejectsAbsentRow(t *testing.T) {
	dir := t.TempDir()
	m := buildMemtable(t, 100)
	w := NewWriter(dir, "users", testColumns())
	meta, err := w.Write(m, 0)
	require.NoError(t, err)

	r := NewReader(dir + "/" + meta.SegmentID + ".sst")
	require.NoError(t, r.ensureLoaded())
	assert.False(t, r.InRange(100000))
}

func TestEmptyMemtableProducesNoSegment(t *testing.T) {
	dir := t.TempDir()
	m := memtable.New("users", 0, 0)
	w := NewWriter(dir, "users", testColumns())
	meta, err := w.Write(m, 0)
	require.NoError(t, err)
	assert.Nil(t, meta)
}
