// Package bloom implements the space-efficient negative membership
// filter used by SSTables to fast-reject absent row ids (spec.md §4.4).
package bloom

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"math"
)

// Filter is an m-bit, k-hash-function Bloom filter.
type Filter struct {
	m    uint32
	k    uint32
	bits []byte
}

// New sizes a filter for expectedItems at false-positive rate epsilon,
// per spec.md §4.4's m/k formula, floored to m>=64, k>=1.
func New(expectedItems int, epsilon float64) *Filter {
	n := float64(expectedItems)
	if n < 1 {
		n = 1
	}
	m := uint32(math.Ceil(-n * math.Log(epsilon) / (math.Ln2 * math.Ln2)))
	if m < 64 {
		m = 64
	}
	k := uint32(math.Ceil((float64(m) / n) * math.Ln2))
	if k < 1 {
		k = 1
	}
	return &Filter{
		m:    m,
		k:    k,
		bits: make([]byte, (m+7)/8),
	}
}

func (f *Filter) hash(item []byte, seed uint32) uint32 {
	buf := make([]byte, len(item)+4)
	copy(buf, item)
	binary.LittleEndian.PutUint32(buf[len(item):], seed)
	sum := md5.Sum(buf)
	// Use the first 4 bytes of the MD5 digest as a uint32, per spec.md's
	// "MD5(item ∥ u32 seed) mod m".
	h := binary.LittleEndian.Uint32(sum[:4])
	return h % f.m
}

// Add sets the bits for item across all k hash functions.
func (f *Filter) Add(item []byte) {
	for seed := uint32(0); seed < f.k; seed++ {
		bit := f.hash(item, seed)
		f.bits[bit/8] |= 1 << (bit % 8)
	}
}

// AddUint64 is a convenience wrapper for row-id items.
func (f *Filter) AddUint64(item uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], item)
	f.Add(buf[:])
}

// MightContain reports whether item may be present. False means
// definitely absent; true means possibly present (subject to epsilon).
func (f *Filter) MightContain(item []byte) bool {
	for seed := uint32(0); seed < f.k; seed++ {
		bit := f.hash(item, seed)
		if f.bits[bit/8]&(1<<(bit%8)) == 0 {
			return false
		}
	}
	return true
}

// MightContainUint64 is a convenience wrapper for row-id items.
func (f *Filter) MightContainUint64(item uint64) bool {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], item)
	return f.MightContain(buf[:])
}

// Serialize writes [u32 m][u32 k][u32 bytes_len][bits].
func (f *Filter) Serialize() []byte {
	out := make([]byte, 12+len(f.bits))
	binary.LittleEndian.PutUint32(out[0:4], f.m)
	binary.LittleEndian.PutUint32(out[4:8], f.k)
	binary.LittleEndian.PutUint32(out[8:12], uint32(len(f.bits)))
	copy(out[12:], f.bits)
	return out
}

// Deserialize reads a filter produced by Serialize.
func Deserialize(data []byte) (*Filter, error) {
	if len(data) < 12 {
		return nil, fmt.Errorf("bloom: deserialize: truncated header")
	}
	m := binary.LittleEndian.Uint32(data[0:4])
	k := binary.LittleEndian.Uint32(data[4:8])
	bl := binary.LittleEndian.Uint32(data[8:12])
	if len(data) < int(12+bl) {
		return nil, fmt.Errorf("bloom: deserialize: truncated bits")
	}
	bits := make([]byte, bl)
	copy(bits, data[12:12+bl])
	return &Filter{m: m, k: k, bits: bits}, nil
}
