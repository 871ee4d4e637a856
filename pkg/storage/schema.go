package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Key prefixes for different data types
const (
	prefixMeta        = "/meta/"
	prefixBlocks      = "/data/blocks/"
	prefixRejected    = "/data/rejected/"
	prefixCheckpoints = "/data/checkpoints/"
	prefixBlockHash   = "/index/blockh/"
	prefixCanonical   = "/index/canon/"
)

// FinalizedHeadKey stores the id of the highest finalized block
func FinalizedHeadKey() []byte {
	return []byte(prefixMeta + "finalized")
}

// BlockKey returns the key for a finalized block by number.
// Numbers are big-endian so range scans follow chain order.
func BlockKey(number uint64) []byte {
	return append([]byte(prefixBlocks), EncodeUint64(number)...)
}

// BlockKeyRange returns [start, end) keys covering blocks from..to inclusive
func BlockKeyRange(from, to uint64) ([]byte, []byte) {
	if to == ^uint64(0) {
		return BlockKey(from), prefixUpperBound([]byte(prefixBlocks))
	}
	return BlockKey(from), BlockKey(to + 1)
}

// CanonicalKey maps a finalized number to its hash
func CanonicalKey(number uint64) []byte {
	return append([]byte(prefixCanonical), EncodeUint64(number)...)
}

// BlockHashIndexKey maps a finalized block hash to its number
func BlockHashIndexKey(hash common.Hash) []byte {
	return append([]byte(prefixBlockHash), hash.Bytes()...)
}

// RejectedKey stores a superseded block that was pruned from memory
func RejectedKey(hash common.Hash) []byte {
	return append([]byte(prefixRejected), hash.Bytes()...)
}

// CheckpointKey stores a named subscriber checkpoint
func CheckpointKey(name string) []byte {
	return []byte(prefixCheckpoints + name)
}

// CheckpointKeyPrefix returns the prefix shared by all checkpoints
func CheckpointKeyPrefix() []byte {
	return []byte(prefixCheckpoints)
}

// CheckpointName extracts the name from a checkpoint key
func CheckpointName(key []byte) string {
	return string(key[len(prefixCheckpoints):])
}

// EncodeUint64 encodes a number as 8 big-endian bytes
func EncodeUint64(n uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n)
	return buf
}

// DecodeUint64 decodes 8 big-endian bytes
func DecodeUint64(data []byte) (uint64, error) {
	if len(data) != 8 {
		return 0, fmt.Errorf("%w: expected 8 bytes, got %d", ErrInvalidData, len(data))
	}
	return binary.BigEndian.Uint64(data), nil
}

// prefixUpperBound returns the smallest key greater than every key with prefix
func prefixUpperBound(prefix []byte) []byte {
	if len(prefix) == 0 {
		return nil
	}
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xff {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}
