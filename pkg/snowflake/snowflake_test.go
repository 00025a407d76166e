package snowflake

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWhitenIsDeterministic(t *testing.T) {
	id := uint64(175928847299117063)
	assert.Equal(t, Whiten(id), Whiten(id))
}

func TestWhitenSpreadsCloseTimestamps(t *testing.T) {
	// Snowflake ids minted moments apart share almost all high bits.
	base := uint64(175928847299117063)
	a := Whiten(base)
	b := Whiten(base + 1)
	assert.NotEqual(t, a, b)

	// A naive hash of two close ids would differ only in the low bits;
	// whitening should flip bits across the whole 64-bit word.
	diff := a ^ b
	bitsSet := 0
	for diff != 0 {
		bitsSet += int(diff & 1)
		diff >>= 1
	}
	assert.Greater(t, bitsSet, 4)
}

func TestHashIsDeterministicAndSeedSensitive(t *testing.T) {
	id := uint64(123456789)
	h1 := Hash(id, 0)
	h2 := Hash(id, 0)
	assert.Equal(t, h1, h2)

	h3 := Hash(id, 1)
	assert.NotEqual(t, h1, h3)
}

func TestDigestLessIsConsistentOrdering(t *testing.T) {
	a := Digest{0, 0, 1}
	b := Digest{0, 0, 2}
	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))
	assert.False(t, a.Less(a))
}

func TestAnalyzeDistributionWithinTolerance(t *testing.T) {
	base := uint64(1000000000000000000)
	ids := make([]uint64, 0, 10000)
	// Narrow window: ids 360 apart span 3.6M, less than one millisecond
	// of snowflake time (the timestamp sits above bit 22), so they share
	// nearly all of their high bits.
	for i := 0; i < 10000; i++ {
		ids = append(ids, base+uint64(i)*360)
	}

	report := AnalyzeDistribution(ids, 100)
	assert.Equal(t, 10000, report.TotalIDs)
	assert.InDelta(t, 100.0, report.ExpectedPerBucket, 0.01)
	assert.Less(t, report.DeviationPercent, 50.0)
}

func TestAnalyzeDistributionEmptyInput(t *testing.T) {
	report := AnalyzeDistribution(nil, 10)
	assert.Equal(t, 0, report.TotalIDs)
	assert.Equal(t, 0, report.MaxBucketCount)
}
