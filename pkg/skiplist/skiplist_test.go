package skiplist

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInsertSearchDelete(t *testing.T) {
	s := New()
	assert.True(t, s.Insert(5, "five"))
	assert.False(t, s.Insert(5, "FIVE")) // overwrite, not new
	v, ok := s.Search(5)
	assert.True(t, ok)
	assert.Equal(t, "FIVE", v)

	assert.True(t, s.Delete(5))
	_, ok = s.Search(5)
	assert.False(t, ok)
	assert.False(t, s.Delete(5))
}

func TestRangeOrdering(t *testing.T) {
	s := New()
	for _, k := range []uint64{10, 3, 7, 1, 20} {
		s.Insert(k, k)
	}
	got := s.Range(3, 10)
	require := []uint64{3, 7, 10}
	assert.Len(t, got, len(require))
	for i, e := range got {
		assert.Equal(t, require[i], e.Key)
	}
}

func TestItemsAscending(t *testing.T) {
	s := New()
	for _, k := range []uint64{5, 1, 3} {
		s.Insert(k, nil)
	}
	items := s.Items()
	assert.Equal(t, []uint64{1, 3, 5}, []uint64{items[0].Key, items[1].Key, items[2].Key})
	assert.Equal(t, 3, s.Len())
}
