package types

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// BlockID identifies a block by number and hash. Two ids are equal only when
// both fields match.
type BlockID struct {
	Number uint64      `json:"number"`
	Hash   common.Hash `json:"hash"`
}

// IsZero reports whether the id is the zero value, used as the genesis sentinel.
func (id BlockID) IsZero() bool {
	return id.Number == 0 && id.Hash == (common.Hash{})
}

// Equal reports whether both number and hash match.
func (id BlockID) Equal(other BlockID) bool {
	return id.Number == other.Number && id.Hash == other.Hash
}

func (id BlockID) String() string {
	if id.IsZero() {
		return "genesis"
	}
	return fmt.Sprintf("%d:%s", id.Number, id.Hash.TerminalString())
}

// Header holds the block header fields served to consumers
type Header struct {
	Number     uint64         `json:"number"`
	Hash       common.Hash    `json:"hash"`
	ParentHash common.Hash    `json:"parentHash"`
	Timestamp  uint64         `json:"timestamp"`
	Miner      common.Address `json:"miner"`
	GasUsed    uint64         `json:"gasUsed"`
	GasLimit   uint64         `json:"gasLimit"`
	BaseFee    uint64         `json:"baseFee"`
}

// Transaction is the subset of transaction data carried in a block
type Transaction struct {
	Hash  common.Hash     `json:"hash"`
	Index uint64          `json:"index"`
	From  common.Address  `json:"from"`
	To    *common.Address `json:"to" rlp:"nil"`
	Nonce uint64          `json:"nonce"`
	Value *big.Int        `json:"value"`
	Input hexutil.Bytes   `json:"input"`
}

// Receipt is the execution outcome of a transaction
type Receipt struct {
	TxHash          common.Hash     `json:"transactionHash"`
	TxIndex         uint64          `json:"transactionIndex"`
	Status          uint64          `json:"status"`
	GasUsed         uint64          `json:"gasUsed"`
	ContractAddress *common.Address `json:"contractAddress" rlp:"nil"`
}

// Event is a log emitted during block execution. Keys are the log topics.
type Event struct {
	Address  common.Address `json:"address"`
	Keys     []common.Hash  `json:"keys"`
	Data     hexutil.Bytes  `json:"data"`
	TxHash   common.Hash    `json:"transactionHash"`
	TxIndex  uint64         `json:"transactionIndex"`
	LogIndex uint64         `json:"logIndex"`
}

// Block is a complete block. It must not be modified once constructed.
type Block struct {
	Header       Header         `json:"header"`
	Transactions []*Transaction `json:"transactions"`
	Receipts     []*Receipt     `json:"receipts"`
	Events       []*Event       `json:"events"`
}

// ID returns the block's own id
func (b *Block) ID() BlockID {
	return BlockID{Number: b.Header.Number, Hash: b.Header.Hash}
}

// ParentID returns the id of the parent block. The parent of block 0 is the
// zero id.
func (b *Block) ParentID() BlockID {
	if b.Header.Number == 0 {
		return BlockID{}
	}
	return BlockID{Number: b.Header.Number - 1, Hash: b.Header.ParentHash}
}

// Number returns the block height
func (b *Block) Number() uint64 {
	return b.Header.Number
}

// FilteredBlock is the per-subscriber view of a block after filtering
type FilteredBlock struct {
	ID           BlockID        `json:"id"`
	Header       *Header        `json:"header,omitempty"`
	Events       []*Event       `json:"events"`
	Transactions []*Transaction `json:"transactions,omitempty"`
	Receipts     []*Receipt     `json:"receipts,omitempty"`
}

// Empty reports whether no data matched the filter
func (fb *FilteredBlock) Empty() bool {
	return fb == nil || (len(fb.Events) == 0 && len(fb.Transactions) == 0 && len(fb.Receipts) == 0)
}

// Finality describes how settled the data in a message is
type Finality string

const (
	FinalityAccepted  Finality = "accepted"
	FinalityFinalized Finality = "finalized"
)

// BlockStatus is the persisted status of a block
type BlockStatus uint8

const (
	StatusUnknown BlockStatus = iota
	StatusAccepted
	StatusFinalized
	StatusRejected
)

func (s BlockStatus) String() string {
	switch s {
	case StatusAccepted:
		return "accepted"
	case StatusFinalized:
		return "finalized"
	case StatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}
