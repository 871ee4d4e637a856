package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0xmhha/chainstream/pkg/types"
)

// ChainStore persists finalized blocks, pruned superseded blocks and
// subscriber checkpoints on top of a KV store
type ChainStore struct {
	kv     KV
	logger *zap.Logger
}

// NewChainStore wraps kv
func NewChainStore(kv KV, logger *zap.Logger) *ChainStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChainStore{kv: kv, logger: logger}
}

// KV returns the underlying store
func (s *ChainStore) KV() KV {
	return s.kv
}

// WriteFinalized atomically persists newly finalized blocks (in increasing
// order) and rejected blocks, and advances the finalized head when blocks is
// not empty. Rejected blocks are written as soon as a reorg supersedes them.
func (s *ChainStore) WriteFinalized(ctx context.Context, blocks []*StoredBlock, rejected []*RejectedBlock) error {
	if len(blocks) == 0 && len(rejected) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	batch := s.kv.NewBatch()
	defer batch.Close()

	var head *types.BlockID
	for _, sb := range blocks {
		encoded, err := EncodeStoredBlock(sb)
		if err != nil {
			return fmt.Errorf("failed to encode block: %w", err)
		}
		id := sb.Block.ID()
		if err := batch.Put(BlockKey(id.Number), encoded); err != nil {
			return err
		}
		if err := batch.Put(CanonicalKey(id.Number), id.Hash.Bytes()); err != nil {
			return err
		}
		if err := batch.Put(BlockHashIndexKey(id.Hash), EncodeUint64(id.Number)); err != nil {
			return err
		}
		// a block that was superseded and later restored must not keep its
		// rejected record once final
		if err := batch.Delete(RejectedKey(id.Hash)); err != nil {
			return err
		}
		head = &id
	}

	for _, r := range rejected {
		encoded, err := EncodeRejected(r)
		if err != nil {
			return fmt.Errorf("failed to encode rejected block: %w", err)
		}
		if err := batch.Put(RejectedKey(r.ID.Hash), encoded); err != nil {
			return err
		}
	}

	if head != nil {
		encoded, err := EncodeBlockID(*head)
		if err != nil {
			return err
		}
		if err := batch.Put(FinalizedHeadKey(), encoded); err != nil {
			return err
		}
	}

	if err := batch.Commit(); err != nil {
		return fmt.Errorf("failed to commit finalized batch: %w", err)
	}

	if head != nil {
		s.logger.Debug("finalized blocks persisted",
			zap.Int("blocks", len(blocks)),
			zap.Int("rejected", len(rejected)),
			zap.Uint64("finalized", head.Number),
		)
	}
	return nil
}

// FinalizedHead returns the highest persisted finalized block. ok is false
// on a fresh store.
func (s *ChainStore) FinalizedHead(ctx context.Context) (types.BlockID, bool, error) {
	data, err := s.kv.Get(ctx, FinalizedHeadKey())
	if errors.Is(err, ErrNotFound) {
		return types.BlockID{}, false, nil
	}
	if err != nil {
		return types.BlockID{}, false, err
	}
	id, err := DecodeBlockID(data)
	if err != nil {
		return types.BlockID{}, false, err
	}
	return id, true, nil
}

// CanonicalID returns the id of the finalized block at number
func (s *ChainStore) CanonicalID(ctx context.Context, number uint64) (types.BlockID, error) {
	data, err := s.kv.Get(ctx, CanonicalKey(number))
	if err != nil {
		return types.BlockID{}, err
	}
	return types.BlockID{Number: number, Hash: common.BytesToHash(data)}, nil
}

// IsCanonical reports whether id is a persisted finalized block
func (s *ChainStore) IsCanonical(ctx context.Context, id types.BlockID) (bool, error) {
	stored, err := s.CanonicalID(ctx, id.Number)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return stored.Hash == id.Hash, nil
}

// Block returns the finalized block at number
func (s *ChainStore) Block(ctx context.Context, number uint64) (*StoredBlock, error) {
	data, err := s.kv.Get(ctx, BlockKey(number))
	if err != nil {
		return nil, err
	}
	return DecodeStoredBlock(data)
}

// BlockByHash returns the finalized block with hash
func (s *ChainStore) BlockByHash(ctx context.Context, hash common.Hash) (*StoredBlock, error) {
	data, err := s.kv.Get(ctx, BlockHashIndexKey(hash))
	if err != nil {
		return nil, err
	}
	number, err := DecodeUint64(data)
	if err != nil {
		return nil, err
	}
	return s.Block(ctx, number)
}

// Blocks calls fn for each finalized block in from..to inclusive until fn
// returns false
func (s *ChainStore) Blocks(ctx context.Context, from, to uint64, fn func(*StoredBlock) bool) error {
	start, end := BlockKeyRange(from, to)
	var decodeErr error
	err := s.kv.Range(ctx, start, end, func(_, value []byte) bool {
		sb, err := DecodeStoredBlock(value)
		if err != nil {
			decodeErr = err
			return false
		}
		return fn(sb)
	})
	if err != nil {
		return err
	}
	return decodeErr
}

// Rejected returns the record for a pruned superseded block
func (s *ChainStore) Rejected(ctx context.Context, hash common.Hash) (*RejectedBlock, error) {
	data, err := s.kv.Get(ctx, RejectedKey(hash))
	if err != nil {
		return nil, err
	}
	return DecodeRejected(data)
}

// PutCheckpoint stores the durable cursor for a named subscriber
func (s *ChainStore) PutCheckpoint(ctx context.Context, name string, rec CheckpointRecord) error {
	if name == "" {
		return ErrInvalidKey
	}
	encoded, err := EncodeCheckpoint(rec)
	if err != nil {
		return err
	}
	return s.kv.Put(ctx, CheckpointKey(name), encoded)
}

// Checkpoint returns the durable cursor for name, or ErrNotFound
func (s *ChainStore) Checkpoint(ctx context.Context, name string) (CheckpointRecord, error) {
	if name == "" {
		return CheckpointRecord{}, ErrInvalidKey
	}
	data, err := s.kv.Get(ctx, CheckpointKey(name))
	if err != nil {
		return CheckpointRecord{}, err
	}
	return DecodeCheckpoint(data)
}

// DeleteCheckpoint removes the checkpoint for name
func (s *ChainStore) DeleteCheckpoint(ctx context.Context, name string) error {
	return s.kv.Delete(ctx, CheckpointKey(name))
}

// Checkpoints returns all stored checkpoints keyed by name
func (s *ChainStore) Checkpoints(ctx context.Context) (map[string]CheckpointRecord, error) {
	prefix := CheckpointKeyPrefix()
	out := make(map[string]CheckpointRecord)
	var decodeErr error
	err := s.kv.Range(ctx, prefix, prefixUpperBound(prefix), func(key, value []byte) bool {
		rec, err := DecodeCheckpoint(value)
		if err != nil {
			decodeErr = err
			return false
		}
		out[CheckpointName(key)] = rec
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, decodeErr
}

// Close closes the underlying store
func (s *ChainStore) Close() error {
	return s.kv.Close()
}
