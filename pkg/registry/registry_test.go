package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldb/coldb/pkg/sstable"
)

func touchSegment(t *testing.T, dir, segmentID string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, segmentID+".sst"), []byte("x"), 0o644))
}

func TestRegisterUnregisterPersist(t *testing.T) {
	dir := t.TempDir()
	touchSegment(t, dir, "users_1_aaaa")

	r := New(dir)
	require.NoError(t, r.Register(&sstable.Metadata{SegmentID: "users_1_aaaa", TableName: "users", EntryCount: 10}))

	segs := r.Segments("users")
	require.Len(t, segs, 1)
	assert.Equal(t, "users_1_aaaa", segs[0].SegmentID)

	r2 := New(dir)
	require.NoError(t, r2.Load())
	assert.Len(t, r2.Segments("users"), 1)

	require.NoError(t, r2.Unregister("users", []string{"users_1_aaaa"}))
	assert.Len(t, r2.Segments("users"), 0)
}

func TestLoadPrunesMissingSegmentFiles(t *testing.T) {
	dir := t.TempDir()
	touchSegment(t, dir, "users_1_aaaa")

	r := New(dir)
	require.NoError(t, r.Register(&sstable.Metadata{SegmentID: "users_1_aaaa", TableName: "users"}))
	require.NoError(t, r.Register(&sstable.Metadata{SegmentID: "users_2_bbbb", TableName: "users"}))

	r2 := New(dir)
	require.NoError(t, r2.Load())
	segs := r2.Segments("users")
	require.Len(t, segs, 1)
	assert.Equal(t, "users_1_aaaa", segs[0].SegmentID)
}
