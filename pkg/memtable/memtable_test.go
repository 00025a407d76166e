package memtable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldb/coldb/pkg/cerr"
	"github.com/coldb/coldb/pkg/types"
)

func row(name string) types.Row {
	return types.Row{"name": types.NewString(name)}
}

func TestInsertGetDelete(t *testing.T) {
	m := New("users", 0, 0)
	require.NoError(t, m.Insert(1, row("ana"), 1))

	e, ok := m.Get(1)
	require.True(t, ok)
	assert.Equal(t, "ana", e.Data["name"].Str)
	assert.False(t, e.Deleted)

	require.NoError(t, m.Delete(1, 2))
	e, ok = m.Get(1)
	require.True(t, ok)
	assert.True(t, e.Deleted)
}

func TestUpdateMergesExistingRow(t *testing.T) {
	m := New("users", 0, 0)
	require.NoError(t, m.Insert(1, types.Row{"name": types.NewString("ana"), "age": types.NewInt32(30)}, 1))
	require.NoError(t, m.Update(1, types.Row{"age": types.NewInt32(31)}, 2))

	e, ok := m.Get(1)
	require.True(t, ok)
	assert.Equal(t, "ana", e.Data["name"].Str)
	assert.Equal(t, int32(31), e.Data["age"].I32)
	assert.Equal(t, uint64(2), e.Seq)
}

func TestUpdateOnMissingRowUpserts(t *testing.T) {
	m := New("users", 0, 0)
	require.NoError(t, m.Update(7, row("new"), 1))
	e, ok := m.Get(7)
	require.True(t, ok)
	assert.Equal(t, "new", e.Data["name"].Str)
}

func TestRangeAndGetAllOrdering(t *testing.T) {
	m := New("users", 0, 0)
	for i, n := range []string{"c", "a", "b"} {
		require.NoError(t, m.Insert(uint64(i+1), row(n), uint64(i+1)))
	}
	all := m.GetAll()
	require.Len(t, all, 3)
	assert.Equal(t, uint64(1), all[0].RowID)
	assert.Equal(t, uint64(3), all[2].RowID)

	ranged := m.Range(2, 3)
	assert.Len(t, ranged, 2)
}

func TestShouldFlushOnEntryLimit(t *testing.T) {
	m := New("users", 1<<30, 2)
	require.NoError(t, m.Insert(1, row("a"), 1))
	assert.False(t, m.ShouldFlush())
	require.NoError(t, m.Insert(2, row("b"), 2))
	assert.True(t, m.ShouldFlush())
}

func TestLifecycleTransitions(t *testing.T) {
	m := New("users", 0, 0)
	assert.Equal(t, Active, m.State())

	require.NoError(t, m.MakeImmutable())
	assert.Equal(t, Immutable, m.State())

	// Mutations are rejected once immutable.
	err := m.Insert(1, row("x"), 1)
	require.Error(t, err)
	assert.True(t, cerr.Is(err, cerr.IllegalState))

	require.NoError(t, m.MarkFlushing())
	assert.Equal(t, Flushing, m.State())

	m.RollbackToImmutable()
	assert.Equal(t, Immutable, m.State())

	require.NoError(t, m.MarkFlushing())
	m.MarkFlushed()
	assert.Equal(t, Flushed, m.State())
}

func TestMakeImmutableTwiceFails(t *testing.T) {
	m := New("users", 0, 0)
	require.NoError(t, m.MakeImmutable())
	err := m.MakeImmutable()
	require.Error(t, err)
	assert.True(t, cerr.Is(err, cerr.IllegalState))
}
