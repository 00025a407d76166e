package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldb/coldb/pkg/types"
)

func TestBTreeInsertSearchDelete(t *testing.T) {
	idx := NewBTreeIndex("users_age", 4)
	for i := int64(0); i < 50; i++ {
		idx.Insert(types.NewInt64(i%10), uint64(i))
	}
	assert.Equal(t, 10, idx.Len())

	got := idx.Search(types.NewInt64(3))
	assert.ElementsMatch(t, []uint64{3, 13, 23, 33, 43}, got)

	idx.Delete(types.NewInt64(3), 3)
	got = idx.Search(types.NewInt64(3))
	assert.ElementsMatch(t, []uint64{13, 23, 33, 43}, got)

	idx.DeleteKey(types.NewInt64(7))
	assert.Empty(t, idx.Search(types.NewInt64(7)))
	assert.Equal(t, 9, idx.Len())
}

func TestBTreeSearchRange(t *testing.T) {
	idx := NewBTreeIndex("users_age", 4)
	for i := int64(0); i < 20; i++ {
		idx.Insert(types.NewInt64(i), uint64(i))
	}
	lo := types.NewInt64(5)
	hi := types.NewInt64(10)
	got := idx.SearchRange(&lo, &hi, true, true)
	assert.ElementsMatch(t, []uint64{5, 6, 7, 8, 9, 10}, got)

	got = idx.SearchRange(&lo, &hi, false, false)
	assert.ElementsMatch(t, []uint64{6, 7, 8, 9}, got)

	got = idx.SearchRange(nil, &hi, true, true)
	assert.Len(t, got, 11)
}

func TestBTreeIgnoresNullInsert(t *testing.T) {
	idx := NewBTreeIndex("t", 4)
	idx.Insert(types.Value{Null: true}, 1)
	assert.Equal(t, 0, idx.Len())
}

func TestBTreeAllEntriesOrdered(t *testing.T) {
	idx := NewBTreeIndex("t", 4)
	for _, v := range []int64{5, 1, 3, 2, 4} {
		idx.Insert(types.NewInt64(v), uint64(v))
	}
	entries := idx.AllEntries()
	require.Len(t, entries, 5)
}

func TestHashIndexInsertSearchDelete(t *testing.T) {
	idx := NewHashIndex("users_email", 16)
	idx.Insert(types.NewString("a@x.com"), 1)
	idx.Insert(types.NewString("a@x.com"), 2)
	idx.Insert(types.NewString("b@x.com"), 3)

	assert.ElementsMatch(t, []uint64{1, 2}, idx.Search(types.NewString("a@x.com")))
	assert.Equal(t, 2, idx.Len())

	idx.Delete(types.NewString("a@x.com"), 1)
	assert.ElementsMatch(t, []uint64{2}, idx.Search(types.NewString("a@x.com")))

	idx.Delete(types.NewString("a@x.com"), 2)
	assert.Empty(t, idx.Search(types.NewString("a@x.com")))
	assert.Equal(t, 1, idx.Len())
}

func TestHashIndexClear(t *testing.T) {
	idx := NewHashIndex("t", 16)
	idx.Insert(types.NewInt64(1), 1)
	idx.Clear()
	assert.Equal(t, 0, idx.Len())
	assert.Empty(t, idx.Search(types.NewInt64(1)))
}

func TestManagerCreateSearchDropIndex(t *testing.T) {
	m := NewManager()
	m.CreateIndex("users", "age", BTree, 4, 0)
	m.InsertToIndex("users", "age", types.NewInt64(30), 1)
	m.InsertToIndex("users", "age", types.NewInt64(30), 2)

	assert.ElementsMatch(t, []uint64{1, 2}, m.SearchIndex("users", "age", types.NewInt64(30)))
	assert.True(t, m.HasIndex("users", "age"))

	m.UpdateIndex("users", "age", types.NewInt64(30), types.NewInt64(31), 1)
	assert.ElementsMatch(t, []uint64{2}, m.SearchIndex("users", "age", types.NewInt64(30)))
	assert.ElementsMatch(t, []uint64{1}, m.SearchIndex("users", "age", types.NewInt64(31)))

	assert.True(t, m.DropIndex("users", "age"))
	assert.False(t, m.HasIndex("users", "age"))
}

func TestManagerRangeSearchOnlySupportedForBTree(t *testing.T) {
	m := NewManager()
	m.CreateIndex("users", "age", Hash, 0, 16)
	m.InsertToIndex("users", "age", types.NewInt64(10), 1)

	lo := types.NewInt64(0)
	hi := types.NewInt64(100)
	assert.Nil(t, m.RangeSearchIndex("users", "age", &lo, &hi))

	m.CreateIndex("users", "age", BTree, 4, 0)
	m.InsertToIndex("users", "age", types.NewInt64(10), 1)
	assert.ElementsMatch(t, []uint64{1}, m.RangeSearchIndex("users", "age", &lo, &hi))
}

func TestManagerClearAndDropTableIndexes(t *testing.T) {
	m := NewManager()
	m.CreateIndex("users", "age", BTree, 4, 0)
	m.InsertToIndex("users", "age", types.NewInt64(10), 1)

	m.ClearTableIndexes("users")
	assert.Empty(t, m.SearchIndex("users", "age", types.NewInt64(10)))
	assert.True(t, m.HasIndex("users", "age"))

	m.DropTableIndexes("users")
	assert.False(t, m.HasIndex("users", "age"))
}

func TestManagerBuildIndex(t *testing.T) {
	m := NewManager()
	rows := map[uint64]types.Value{
		1: types.NewInt64(5),
		2: types.NewInt64(5),
		3: types.NewInt64(9),
	}
	m.BuildIndex("users", "age", rows, BTree)
	assert.ElementsMatch(t, []uint64{1, 2}, m.SearchIndex("users", "age", types.NewInt64(5)))
}

func TestManagerListIndexes(t *testing.T) {
	m := NewManager()
	m.CreateIndex("users", "age", BTree, 4, 0)
	m.CreateIndex("users", "email", Hash, 0, 16)
	assert.Equal(t, []string{"age", "email"}, m.ListIndexes("users"))
}
