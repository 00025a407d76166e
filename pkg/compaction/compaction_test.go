package compaction

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldb/coldb/pkg/memtable"
	"github.com/coldb/coldb/pkg/registry"
	"github.com/coldb/coldb/pkg/sstable"
	"github.com/coldb/coldb/pkg/types"
)

func testColumns() []types.Column {
	return []types.Column{{Name: "id", DataType: types.TypeInt64}}
}

func writeSegment(t *testing.T, dir string, reg *registry.Registry, startID uint64, n int) {
	t.Helper()
	m := memtable.New("users", 0, 0)
	for i := 0; i < n; i++ {
		id := startID + uint64(i)
		require.NoError(t, m.Insert(id, types.Row{"id": types.NewInt64(int64(id))}, id))
	}
	w := sstable.NewWriter(dir, "users", testColumns())
	meta, err := w.Write(m, 0)
	require.NoError(t, err)
	require.NotNil(t, meta)
	require.NoError(t, reg.Register(meta))
}

func TestCompactionMergesSegmentsAboveThreshold(t *testing.T) {
	dir := t.TempDir()
	reg := registry.New(dir)

	for i := 0; i < LevelThreshold; i++ {
		writeSegment(t, dir, reg, uint64(i*10), 5)
	}
	require.Len(t, reg.Segments("users"), LevelThreshold)

	svc := NewService(dir, reg)
	svc.RegisterColumns("users", testColumns())

	require.NoError(t, svc.CompactTableNow("users"))

	segs := reg.Segments("users")
	require.Len(t, segs, 1)
	assert.Equal(t, 1, segs[0].Level)
	assert.Equal(t, LevelThreshold*5, segs[0].EntryCount)
}

func TestCompactionNoopBelowThreshold(t *testing.T) {
	dir := t.TempDir()
	reg := registry.New(dir)
	writeSegment(t, dir, reg, 0, 5)

	svc := NewService(dir, reg)
	svc.RegisterColumns("users", testColumns())
	require.NoError(t, svc.CompactTableNow("users"))

	assert.Len(t, reg.Segments("users"), 1)
}
