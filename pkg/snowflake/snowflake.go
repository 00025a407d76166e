// Package snowflake whitens timestamp-heavy 64-bit ids before hashing
// them onto the consistent hash ring, so ids minted around the same
// time don't cluster on one ring segment (spec.md §4.15).
package snowflake

import (
	"encoding/binary"
	"math"

	"golang.org/x/crypto/blake2b"
)

// DigestSize is the width of the ring-position digest in bytes (128 bits).
const DigestSize = 16

// mix64 is the 64-bit MurmurHash3 finalizer: three xor-shift/multiply
// rounds that give excellent avalanche behavior for integer keys.
func mix64(x uint64) uint64 {
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return x
}

func rotateLeft32(x uint32, r uint) uint32 {
	return (x << r) | (x >> (32 - r))
}

// Whiten mixes the high and low 32-bit halves of id before applying the
// MurmurHash3 finalizer, breaking up the timestamp-dominated high bits
// that a naive hash would otherwise concentrate on one ring segment.
func Whiten(id uint64) uint64 {
	hi := uint32(id >> 32)
	lo := uint32(id)

	mixedHi := hi ^ rotateLeft32(lo, 17)
	mixedLo := lo ^ rotateLeft32(hi, 13)
	mixed := uint64(mixedHi)<<32 | uint64(mixedLo)

	return mix64(mixed)
}

// Hash produces the 128-bit ring-position digest for id under seed:
// whiten id, pack it with seed as two little-endian u64s, and take the
// BLAKE2b-128 digest, read as a big-endian integer represented in
// Digest form.
func Hash(id uint64, seed uint64) Digest {
	whitened := Whiten(id)

	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], whitened)
	binary.LittleEndian.PutUint64(buf[8:16], seed)

	digest, err := blake2b.New(DigestSize, nil)
	if err != nil {
		panic(err) // DigestSize is a valid blake2b size; this can never fail
	}
	digest.Write(buf[:])
	var out Digest
	copy(out[:], digest.Sum(nil))
	return out
}

// Digest is a 128-bit ring-position value, compared as a big-endian
// unsigned integer via byte-wise lexicographic ordering.
type Digest [DigestSize]byte

// Less reports whether d sorts before other as an unsigned big-endian
// integer.
func (d Digest) Less(other Digest) bool {
	for i := 0; i < DigestSize; i++ {
		if d[i] != other[i] {
			return d[i] < other[i]
		}
	}
	return false
}

// DistributionReport summarizes how a set of hashed ids spreads across
// num_buckets equal-width buckets of the 128-bit hash space.
type DistributionReport struct {
	TotalIDs                 int
	NumBuckets                int
	ExpectedPerBucket         float64
	StdDeviation              float64
	DeviationPercent          float64
	MaxBucketCount            int
	MinBucketCount            int
	MaxDeviationFromExpected  float64
}

// AnalyzeDistribution hashes every id in ids (seed 0) and reports how
// evenly they spread across numBuckets equal-width buckets of the
// 128-bit hash space.
func AnalyzeDistribution(ids []uint64, numBuckets int) DistributionReport {
	if numBuckets <= 0 {
		numBuckets = 100
	}
	buckets := make([]int, numBuckets)

	for _, id := range ids {
		digest := Hash(id, 0)
		idx := bucketIndex(digest, numBuckets)
		buckets[idx]++
	}

	total := len(ids)
	expected := float64(total) / float64(numBuckets)

	var variance float64
	maxCount, minCount := buckets[0], buckets[0]
	for _, count := range buckets {
		d := float64(count) - expected
		variance += d * d
		if count > maxCount {
			maxCount = count
		}
		if count < minCount {
			minCount = count
		}
	}
	variance /= float64(numBuckets)
	stdDev := math.Sqrt(variance)

	var deviationPercent, maxDeviation float64
	if expected > 0 {
		deviationPercent = stdDev / expected * 100
		maxDeviation = (float64(maxCount) - expected) / expected * 100
	}

	return DistributionReport{
		TotalIDs:                 total,
		NumBuckets:               numBuckets,
		ExpectedPerBucket:        expected,
		StdDeviation:             stdDev,
		DeviationPercent:         deviationPercent,
		MaxBucketCount:           maxCount,
		MinBucketCount:           minCount,
		MaxDeviationFromExpected: maxDeviation,
	}
}

// bucketIndex maps a 128-bit digest onto [0, numBuckets) by dividing
// the hash space into numBuckets equal-width bands.
func bucketIndex(d Digest, numBuckets int) int {
	// Use the top 64 bits, which dominate the magnitude of a 128-bit
	// value for bucket-width purposes at any realistic numBuckets.
	top := binary.BigEndian.Uint64(d[:8])
	bucketWidth := math.MaxUint64 / uint64(numBuckets)
	if bucketWidth == 0 {
		bucketWidth = 1
	}
	idx := int(top / bucketWidth)
	if idx >= numBuckets {
		idx = numBuckets - 1
	}
	return idx
}
