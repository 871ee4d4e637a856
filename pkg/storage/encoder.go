package storage

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/0xmhha/chainstream/pkg/bloom"
	"github.com/0xmhha/chainstream/pkg/types"
)

// StoredBlock is a finalized block as persisted, with its bloom index
type StoredBlock struct {
	Block       *types.Block
	Bloom       []byte
	BloomHashes uint64
	Status      types.BlockStatus
}

// NewStoredBlock pairs a block with its index for persistence
func NewStoredBlock(block *types.Block, idx *bloom.Index, status types.BlockStatus) *StoredBlock {
	sb := &StoredBlock{Block: block, Status: status}
	if idx != nil {
		sb.Bloom = idx.Bytes()
		sb.BloomHashes = uint64(idx.HashCount())
	}
	return sb
}

// Index restores the bloom index, rebuilding it if none was stored
func (sb *StoredBlock) Index() *bloom.Index {
	if len(sb.Bloom) > 0 {
		if idx, err := bloom.FromBytes(sb.Bloom, uint(sb.BloomHashes)); err == nil {
			return idx
		}
	}
	return bloom.Build(sb.Block.Events, nil)
}

// RejectedBlock records a superseded block and the canonical block it forked
// from, so a cursor on it can be rewound after it leaves memory
type RejectedBlock struct {
	ID        types.BlockID
	ForkPoint types.BlockID
}

// CheckpointRecord is a durable subscriber cursor. Finalized is the finalized
// head when the cursor was acknowledged; the cursor descends from it.
type CheckpointRecord struct {
	Cursor    types.BlockID
	Finalized types.BlockID
}

// EncodeStoredBlock encodes a stored block using RLP
func EncodeStoredBlock(sb *StoredBlock) ([]byte, error) {
	if sb == nil || sb.Block == nil {
		return nil, fmt.Errorf("%w: nil block", ErrInvalidData)
	}
	return rlp.EncodeToBytes(sb)
}

// DecodeStoredBlock decodes a stored block
func DecodeStoredBlock(data []byte) (*StoredBlock, error) {
	sb := new(StoredBlock)
	if err := rlp.DecodeBytes(data, sb); err != nil {
		return nil, fmt.Errorf("failed to decode block: %w", err)
	}
	return sb, nil
}

// EncodeBlockID encodes a block id using RLP
func EncodeBlockID(id types.BlockID) ([]byte, error) {
	return rlp.EncodeToBytes(&id)
}

// DecodeBlockID decodes a block id
func DecodeBlockID(data []byte) (types.BlockID, error) {
	var id types.BlockID
	if err := rlp.DecodeBytes(data, &id); err != nil {
		return types.BlockID{}, fmt.Errorf("failed to decode block id: %w", err)
	}
	return id, nil
}

// EncodeRejected encodes a rejected block record
func EncodeRejected(r *RejectedBlock) ([]byte, error) {
	return rlp.EncodeToBytes(r)
}

// DecodeRejected decodes a rejected block record
func DecodeRejected(data []byte) (*RejectedBlock, error) {
	r := new(RejectedBlock)
	if err := rlp.DecodeBytes(data, r); err != nil {
		return nil, fmt.Errorf("failed to decode rejected block: %w", err)
	}
	return r, nil
}

// EncodeCheckpoint encodes a checkpoint record
func EncodeCheckpoint(r CheckpointRecord) ([]byte, error) {
	return rlp.EncodeToBytes(&r)
}

// DecodeCheckpoint decodes a checkpoint record
func DecodeCheckpoint(data []byte) (CheckpointRecord, error) {
	var r CheckpointRecord
	if err := rlp.DecodeBytes(data, &r); err != nil {
		return CheckpointRecord{}, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return r, nil
}
