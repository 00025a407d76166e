package bloom

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoFalseNegatives(t *testing.T) {
	f := New(10000, 0.01)
	for i := uint64(0); i < 10000; i++ {
		f.AddUint64(i)
	}
	for i := uint64(0); i < 10000; i++ {
		assert.True(t, f.MightContainUint64(i), "row %d must be reported present", i)
	}
}

func TestFalsePositiveRateBounded(t *testing.T) {
	f := New(10000, 0.01)
	for i := uint64(0); i < 10000; i++ {
		f.AddUint64(i)
	}
	falsePositives := 0
	for i := uint64(100000); i < 101000; i++ {
		if f.MightContainUint64(i) {
			falsePositives++
		}
	}
	// At epsilon=0.01 over 1000 absent samples we expect roughly 10;
	// allow generous slack since this is a probabilistic structure.
	assert.Less(t, falsePositives, 100)
}

func TestSerializeRoundTrip(t *testing.T) {
	f := New(100, 0.01)
	f.AddUint64(42)
	data := f.Serialize()

	got, err := Deserialize(data)
	require.NoError(t, err)
	assert.True(t, got.MightContainUint64(42))
}

func TestMinimumSize(t *testing.T) {
	f := New(1, 0.5)
	assert.GreaterOrEqual(t, f.m, uint32(64))
	assert.GreaterOrEqual(t, f.k, uint32(1))
}
