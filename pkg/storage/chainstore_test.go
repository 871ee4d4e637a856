package storage

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xmhha/chainstream/pkg/bloom"
	"github.com/0xmhha/chainstream/pkg/types"
)

func hashOf(n uint64, fork byte) common.Hash {
	var h common.Hash
	h[0] = fork
	new(big.Int).SetUint64(n + 1).FillBytes(h[24:])
	return h
}

func createTestBlock(n uint64) *types.Block {
	to := common.HexToAddress("0x1234")
	txHash := common.BigToHash(big.NewInt(int64(n*100 + 1)))
	return &types.Block{
		Header: types.Header{
			Number:     n,
			Hash:       hashOf(n, 0),
			ParentHash: hashOf(n-1, 0),
			Timestamp:  1700000000 + n,
			GasLimit:   30_000_000,
		},
		Transactions: []*types.Transaction{{Hash: txHash, To: &to, Value: big.NewInt(10)}},
		Receipts:     []*types.Receipt{{TxHash: txHash, Status: 1, GasUsed: 21000}},
		Events: []*types.Event{{
			Address: common.HexToAddress("0xaa"),
			Keys:    []common.Hash{common.HexToHash("0x01")},
			Data:    []byte{0xde, 0xad},
			TxHash:  txHash,
		}},
	}
}

func setupTestChainStore(t *testing.T) *ChainStore {
	t.Helper()
	return NewChainStore(setupTestKV(t, BackendPebble), nil)
}

func TestStoredBlockRoundTrip(t *testing.T) {
	block := createTestBlock(9)
	idx := bloom.Build(block.Events, nil)

	encoded, err := EncodeStoredBlock(NewStoredBlock(block, idx, types.StatusFinalized))
	require.NoError(t, err)

	decoded, err := DecodeStoredBlock(encoded)
	require.NoError(t, err)

	assert.Equal(t, block.ID(), decoded.Block.ID())
	assert.Equal(t, block.Header, decoded.Block.Header)
	assert.Equal(t, types.StatusFinalized, decoded.Status)
	require.Len(t, decoded.Block.Transactions, 1)
	assert.Equal(t, common.HexToAddress("0x1234"), *decoded.Block.Transactions[0].To)
	assert.Equal(t, int64(10), decoded.Block.Transactions[0].Value.Int64())
	require.Len(t, decoded.Block.Events, 1)
	assert.Equal(t, []byte{0xde, 0xad}, []byte(decoded.Block.Events[0].Data))
	assert.True(t, decoded.Index().MightContainAddress(common.HexToAddress("0xaa")))
}

func TestWriteFinalized(t *testing.T) {
	store := setupTestChainStore(t)
	ctx := context.Background()

	_, ok, err := store.FinalizedHead(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	var blocks []*StoredBlock
	for n := uint64(1); n <= 3; n++ {
		b := createTestBlock(n)
		blocks = append(blocks, NewStoredBlock(b, bloom.Build(b.Events, nil), types.StatusFinalized))
	}
	rejected := []*RejectedBlock{{
		ID:        types.BlockID{Number: 3, Hash: hashOf(3, 1)},
		ForkPoint: types.BlockID{Number: 2, Hash: hashOf(2, 0)},
	}}
	require.NoError(t, store.WriteFinalized(ctx, blocks, rejected))

	head, ok, err := store.FinalizedHead(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, blocks[2].Block.ID(), head)

	id, err := store.CanonicalID(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, hashOf(2, 0), id.Hash)

	canonical, err := store.IsCanonical(ctx, types.BlockID{Number: 3, Hash: hashOf(3, 1)})
	require.NoError(t, err)
	assert.False(t, canonical)

	sb, err := store.BlockByHash(ctx, hashOf(1, 0))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), sb.Block.Number())

	r, err := store.Rejected(ctx, hashOf(3, 1))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), r.ForkPoint.Number)

	var seen []uint64
	require.NoError(t, store.Blocks(ctx, 2, 10, func(sb *StoredBlock) bool {
		seen = append(seen, sb.Block.Number())
		return true
	}))
	assert.Equal(t, []uint64{2, 3}, seen)

	_, err = store.Block(ctx, 4)
	assert.ErrorIs(t, err, ErrNotFound)

	// a block superseded by a reorg that was later undone loses its record
	// once it is finalized
	b4 := createTestBlock(4)
	require.NoError(t, store.WriteFinalized(ctx, nil, []*RejectedBlock{{ID: b4.ID(), ForkPoint: blocks[2].Block.ID()}}))
	_, err = store.Rejected(ctx, b4.Header.Hash)
	require.NoError(t, err)
	head, _, err = store.FinalizedHead(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), head.Number, "rejected-only writes keep the finalized head")

	require.NoError(t, store.WriteFinalized(ctx, []*StoredBlock{NewStoredBlock(b4, bloom.Build(b4.Events, nil), types.StatusFinalized)}, nil))
	_, err = store.Rejected(ctx, b4.Header.Hash)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCheckpoints(t *testing.T) {
	store := setupTestChainStore(t)
	ctx := context.Background()

	_, err := store.Checkpoint(ctx, "indexer-a")
	assert.ErrorIs(t, err, ErrNotFound)

	cursor := CheckpointRecord{
		Cursor:    types.BlockID{Number: 42, Hash: hashOf(42, 0)},
		Finalized: types.BlockID{Number: 30, Hash: hashOf(30, 0)},
	}
	require.NoError(t, store.PutCheckpoint(ctx, "indexer-a", cursor))
	require.NoError(t, store.PutCheckpoint(ctx, "indexer-b", CheckpointRecord{}))

	got, err := store.Checkpoint(ctx, "indexer-a")
	require.NoError(t, err)
	assert.Equal(t, cursor, got)

	all, err := store.Checkpoints(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.True(t, all["indexer-b"].Cursor.IsZero())
	assert.True(t, all["indexer-b"].Finalized.IsZero())

	require.NoError(t, store.DeleteCheckpoint(ctx, "indexer-a"))
	_, err = store.Checkpoint(ctx, "indexer-a")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, store.PutCheckpoint(ctx, "", cursor), ErrInvalidKey)
}
