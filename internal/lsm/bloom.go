package lsm

import (
	"hash/fnv"
	"math"
)

// BloomFilter is a probabilistic set-membership structure attached to every
// SortedRun so SortedRun.Get can reject a miss without touching disk.
// False positives are possible; false negatives are not. Grounded on the
// teacher's pkg/lsm/bloom.go.
type BloomFilter struct {
	bits      []bool
	size      int
	hashCount int
}

// NewBloomFilter sizes a filter for expectedItems entries at the requested
// falsePositiveRate.
func NewBloomFilter(expectedItems int, falsePositiveRate float64) *BloomFilter {
	if expectedItems <= 0 {
		expectedItems = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}

	size := int(math.Ceil(-float64(expectedItems) * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2)))
	hashCount := int(math.Ceil((float64(size) / float64(expectedItems)) * math.Ln2))

	const maxSize = 1000000000
	if size > maxSize {
		size = maxSize
	}
	if size < 1 {
		size = 1
	}

	if hashCount < 1 {
		hashCount = 1
	}
	if hashCount > 100 {
		hashCount = 100
	}

	return &BloomFilter{
		bits:      make([]bool, size),
		size:      size,
		hashCount: hashCount,
	}
}

// Add records key as present.
func (bf *BloomFilter) Add(key []byte) {
	for i := 0; i < bf.hashCount; i++ {
		bf.bits[bf.hash(key, i)] = true
	}
}

// MayContain returns false only when key is definitely absent.
func (bf *BloomFilter) MayContain(key []byte) bool {
	for i := 0; i < bf.hashCount; i++ {
		if !bf.bits[bf.hash(key, i)] {
			return false
		}
	}
	return true
}

// hash computes the i-th probe via double hashing: (h1 + i*h2) % size.
func (bf *BloomFilter) hash(key []byte, i int) int {
	h1 := fnv.New64a()
	_, _ = h1.Write(key)
	hash1 := h1.Sum64()

	h2 := fnv.New64a()
	_, _ = h2.Write(key)
	_, _ = h2.Write([]byte{0xFF})
	hash2 := h2.Sum64()

	if hash2%2 == 0 {
		hash2++
	}

	combined := hash1 + uint64(i)*hash2
	return int(combined % uint64(bf.size))
}

// Size returns the filter's bit-array length.
func (bf *BloomFilter) Size() int { return bf.size }

// HashCount returns the number of probe functions used per key.
func (bf *BloomFilter) HashCount() int { return bf.hashCount }

// EstimateFalsePositiveRate estimates the current rate given itemCount
// inserted entries, for the metrics registry's bloom gauge.
func (bf *BloomFilter) EstimateFalsePositiveRate(itemCount int) float64 {
	k := float64(bf.hashCount)
	n := float64(itemCount)
	m := float64(bf.size)
	return math.Pow(1.0-math.Exp(-k*n/m), k)
}

// MarshalBinary packs the bit array 8-per-byte for the SortedRun footer.
func (bf *BloomFilter) MarshalBinary() []byte {
	byteCount := (bf.size + 7) / 8
	data := make([]byte, byteCount)
	for i := 0; i < bf.size; i++ {
		if bf.bits[i] {
			data[i/8] |= 1 << (i % 8)
		}
	}
	return data
}

// UnmarshalBinaryInto rebuilds a filter of the given size/hashCount from
// packed bits, mirroring the parameters recorded in the SortedRun header.
func UnmarshalBinaryInto(size, hashCount int, data []byte) *BloomFilter {
	bf := &BloomFilter{bits: make([]bool, size), size: size, hashCount: hashCount}
	for i := 0; i < size && i/8 < len(data); i++ {
		bf.bits[i] = (data[i/8] & (1 << (i % 8))) != 0
	}
	return bf
}
