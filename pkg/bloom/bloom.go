// Package bloom builds the per-block membership index used to skip blocks that
// cannot match a subscriber's filter.
package bloom

import (
	"encoding/binary"
	"errors"
	"hash/fnv"
	"math"
	"math/bits"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0xmhha/chainstream/pkg/types"
)

const (
	// MinBits is the smallest bitset an index is built with (256 bytes)
	MinBits = 2048

	// MaxBits caps the bitset for very large blocks (64 KiB)
	MaxBits = 1 << 19

	// DefaultFalsePositiveRate is used when Config leaves the rate unset
	DefaultFalsePositiveRate = 0.01
)

var (
	ErrInvalidBitset = errors.New("bloom bitset length must be a non-zero multiple of 8")
	ErrInvalidHashes = errors.New("bloom hash count must be positive")
	ErrSizeMismatch  = errors.New("bloom index sizes differ")
)

// entry tags keep addresses, keys and pairs in distinct key spaces
const (
	tagAddress byte = 'a'
	tagKey     byte = 'k'
	tagPair    byte = 'p'
)

// Config controls index sizing
type Config struct {
	FalsePositiveRate float64
}

// DefaultConfig returns the default index configuration
func DefaultConfig() *Config {
	return &Config{FalsePositiveRate: DefaultFalsePositiveRate}
}

// Index is a fixed-size probabilistic set over the addresses, keys and
// (address, key) pairs of a block's events. It is read-only after Build.
type Index struct {
	bitset    []uint64
	size      uint64
	hashCount uint
	count     uint64
}

// Build indexes every event of a block
func Build(events []*types.Event, cfg *Config) *Index {
	if cfg == nil || cfg.FalsePositiveRate <= 0 || cfg.FalsePositiveRate >= 1 {
		cfg = DefaultConfig()
	}

	items := 1
	for _, ev := range events {
		items += 1 + 2*len(ev.Keys)
	}

	idx := newIndex(items, cfg.FalsePositiveRate)
	for _, ev := range events {
		idx.add(addressEntry(ev.Address))
		for _, key := range ev.Keys {
			idx.add(keyEntry(key))
			idx.add(pairEntry(ev.Address, key))
		}
	}
	return idx
}

func newIndex(items int, p float64) *Index {
	// m = -n * ln(p) / (ln(2)^2), k = (m/n) * ln(2)
	n := float64(items)
	m := -n * math.Log(p) / (math.Ln2 * math.Ln2)
	size := uint64(math.Ceil(m/64) * 64)
	if size < MinBits {
		size = MinBits
	}
	if size > MaxBits {
		size = MaxBits
	}
	k := uint(math.Ceil(float64(size) / n * math.Ln2))
	if k < 1 {
		k = 1
	}
	if k > 16 {
		k = 16
	}
	return &Index{
		bitset:    make([]uint64, size/64),
		size:      size,
		hashCount: k,
	}
}

// FromBytes restores an index serialized with Bytes
func FromBytes(data []byte, hashCount uint) (*Index, error) {
	if len(data) == 0 || len(data)%8 != 0 {
		return nil, ErrInvalidBitset
	}
	if hashCount == 0 {
		return nil, ErrInvalidHashes
	}
	bitset := make([]uint64, len(data)/8)
	for i := range bitset {
		bitset[i] = binary.BigEndian.Uint64(data[i*8 : (i+1)*8])
	}
	return &Index{
		bitset:    bitset,
		size:      uint64(len(data) * 8),
		hashCount: hashCount,
	}, nil
}

// MightContainAddress reports whether any event may have been emitted by addr
func (idx *Index) MightContainAddress(addr common.Address) bool {
	return idx.test(addressEntry(addr))
}

// MightContainKey reports whether any event may carry key
func (idx *Index) MightContainKey(key common.Hash) bool {
	return idx.test(keyEntry(key))
}

// MightContainPair reports whether an event from addr may carry key
func (idx *Index) MightContainPair(addr common.Address, key common.Hash) bool {
	return idx.test(pairEntry(addr, key))
}

// Bytes returns the serialized bitset
func (idx *Index) Bytes() []byte {
	data := make([]byte, len(idx.bitset)*8)
	for i, word := range idx.bitset {
		binary.BigEndian.PutUint64(data[i*8:], word)
	}
	return data
}

// Size returns the bitset size in bits
func (idx *Index) Size() uint64 { return idx.size }

// HashCount returns the number of hash functions
func (idx *Index) HashCount() uint { return idx.hashCount }

// Count returns how many entries were added during Build
func (idx *Index) Count() uint64 { return idx.count }

// FillRatio returns the fraction of bits set
func (idx *Index) FillRatio() float64 {
	var set int
	for _, word := range idx.bitset {
		set += bits.OnesCount64(word)
	}
	return float64(set) / float64(idx.size)
}

// EstimateFalsePositiveRate estimates the false positive rate from the fill ratio
func (idx *Index) EstimateFalsePositiveRate() float64 {
	return math.Pow(idx.FillRatio(), float64(idx.hashCount))
}

// Merge ORs other into a copy of idx. Both must have the same geometry.
func (idx *Index) Merge(other *Index) (*Index, error) {
	if idx.size != other.size || idx.hashCount != other.hashCount {
		return nil, ErrSizeMismatch
	}
	merged := &Index{
		bitset:    make([]uint64, len(idx.bitset)),
		size:      idx.size,
		hashCount: idx.hashCount,
		count:     idx.count + other.count,
	}
	for i := range merged.bitset {
		merged.bitset[i] = idx.bitset[i] | other.bitset[i]
	}
	return merged, nil
}

func (idx *Index) add(entry []byte) {
	h1, h2 := hashes(entry)
	for i := uint(0); i < idx.hashCount; i++ {
		pos := (h1 + uint64(i)*h2) % idx.size
		idx.bitset[pos/64] |= 1 << (pos % 64)
	}
	idx.count++
}

func (idx *Index) test(entry []byte) bool {
	h1, h2 := hashes(entry)
	for i := uint(0); i < idx.hashCount; i++ {
		pos := (h1 + uint64(i)*h2) % idx.size
		if idx.bitset[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

// hashes derives the two base hashes for double hashing h(i) = h1 + i*h2.
// h2 is forced odd so successive probes do not collapse.
func hashes(data []byte) (uint64, uint64) {
	h := fnv.New64a()
	h.Write(data)
	h1 := h.Sum64()
	h.Write([]byte{0xff})
	h2 := h.Sum64() | 1
	return h1, h2
}

func addressEntry(addr common.Address) []byte {
	entry := make([]byte, 0, 1+common.AddressLength)
	entry = append(entry, tagAddress)
	return append(entry, addr.Bytes()...)
}

func keyEntry(key common.Hash) []byte {
	entry := make([]byte, 0, 1+common.HashLength)
	entry = append(entry, tagKey)
	return append(entry, key.Bytes()...)
}

func pairEntry(addr common.Address, key common.Hash) []byte {
	entry := make([]byte, 0, 1+common.AddressLength+common.HashLength)
	entry = append(entry, tagPair)
	entry = append(entry, addr.Bytes()...)
	return append(entry, key.Bytes()...)
}
