package tsfile

import (
	"fmt"
	"io"
	"math"

	"github.com/INLOpen/granite/core"
	"github.com/cespare/xxhash/v2"
)

// BloomFilter is the tail filter over full series paths
// ("device.measurement"). Double hashing over a single xxhash64: the two
// 32-bit halves serve as h1 and h2.
type BloomFilter struct {
	bits      []byte
	numBits   uint64
	numHashes uint32
}

// NewBloomFilter sizes a filter for numElements at the given false positive
// rate.
func NewBloomFilter(numElements uint64, falsePositiveRate float64) (*BloomFilter, error) {
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		return nil, fmt.Errorf("bloom filter false positive rate must be in (0, 1), got %g", falsePositiveRate)
	}
	if numElements == 0 {
		// Empty sealed files still carry a (trivially empty) filter.
		return &BloomFilter{bits: make([]byte, 1), numBits: 8, numHashes: 1}, nil
	}
	m := uint64(math.Ceil(float64(numElements) * math.Abs(math.Log(falsePositiveRate)) / (math.Log(2) * math.Log(2))))
	k := uint32(math.Ceil((float64(m) / float64(numElements)) * math.Log(2)))
	if m%8 != 0 {
		m = (m/8 + 1) * 8
	}
	if m == 0 {
		m = 8
	}
	if k == 0 {
		k = 1
	}
	return &BloomFilter{
		bits:      make([]byte, m/8),
		numBits:   m,
		numHashes: k,
	}, nil
}

func splitHash(data []byte) (uint32, uint32) {
	h := xxhash.Sum64(data)
	return uint32(h), uint32(h >> 32)
}

// Add inserts a path into the filter.
func (bf *BloomFilter) Add(path string) {
	h1, h2 := splitHash([]byte(path))
	for i := uint32(0); i < bf.numHashes; i++ {
		idx := (uint64(h1) + uint64(i)*uint64(h2)) % bf.numBits
		bf.bits[idx/8] |= 1 << (idx % 8)
	}
}

// Contains reports whether path may be in the filter. False means the path
// is definitely absent.
func (bf *BloomFilter) Contains(path string) bool {
	if bf == nil || len(bf.bits) == 0 {
		return false
	}
	h1, h2 := splitHash([]byte(path))
	for i := uint32(0); i < bf.numHashes; i++ {
		idx := (uint64(h1) + uint64(i)*uint64(h2)) % bf.numBits
		if bf.bits[idx/8]>>(idx%8)&1 == 0 {
			return false
		}
	}
	return true
}

func (bf *BloomFilter) Serialize(w io.Writer) (int, error) {
	total, err := core.WriteInt32(w, int32(len(bf.bits)))
	if err != nil {
		return total, err
	}
	n, err := w.Write(bf.bits)
	total += n
	if err != nil {
		return total, err
	}
	n, err = core.WriteInt64(w, int64(bf.numBits))
	total += n
	if err != nil {
		return total, err
	}
	n, err = core.WriteInt32(w, int32(bf.numHashes))
	return total + n, err
}

func DeserializeBloomFilter(r io.Reader) (*BloomFilter, error) {
	byteLen, err := core.ReadInt32(r)
	if err != nil {
		return nil, err
	}
	if byteLen < 0 {
		return nil, fmt.Errorf("%w: negative bloom filter length", ErrCorrupted)
	}
	bits := make([]byte, byteLen)
	if _, err := io.ReadFull(r, bits); err != nil {
		return nil, err
	}
	numBits, err := core.ReadInt64(r)
	if err != nil {
		return nil, err
	}
	numHashes, err := core.ReadInt32(r)
	if err != nil {
		return nil, err
	}
	return &BloomFilter{bits: bits, numBits: uint64(numBits), numHashes: uint32(numHashes)}, nil
}
