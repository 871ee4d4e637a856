package provider

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"github.com/0xmhha/chainstream/pkg/types"
)

// Config holds Ethereum provider configuration
type Config struct {
	Endpoint string
	Timeout  time.Duration

	// ExpectedChainID, when non-zero, must match the endpoint's chain id
	ExpectedChainID uint64

	Logger *zap.Logger
}

// EthProvider serves blocks from an Ethereum JSON-RPC endpoint
type EthProvider struct {
	ethClient *ethclient.Client
	rpcClient *rpc.Client
	endpoint  string
	timeout   time.Duration
	chainID   *big.Int
	signer    gethtypes.Signer
	logger    *zap.Logger
}

// NewEthProvider dials the endpoint and verifies its chain id
func NewEthProvider(ctx context.Context, cfg *Config) (*EthProvider, error) {
	if cfg == nil {
		return nil, types.NewProviderError(types.KindFatal, "dial", fmt.Errorf("config cannot be nil"))
	}
	if cfg.Endpoint == "" {
		return nil, types.NewProviderError(types.KindFatal, "dial", fmt.Errorf("endpoint cannot be empty"))
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	dialCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	rpcClient, err := rpc.DialContext(dialCtx, cfg.Endpoint)
	if err != nil {
		return nil, types.NewProviderError(types.KindFatal, "dial", err)
	}

	p, err := newEthProvider(dialCtx, rpcClient, cfg, logger)
	if err != nil {
		rpcClient.Close()
		return nil, err
	}

	logger.Info("connected to Ethereum RPC",
		zap.String("endpoint", cfg.Endpoint),
		zap.Stringer("chain_id", p.chainID))
	return p, nil
}

func newEthProvider(ctx context.Context, rpcClient *rpc.Client, cfg *Config, logger *zap.Logger) (*EthProvider, error) {
	ethClient := ethclient.NewClient(rpcClient)

	chainID, err := ethClient.ChainID(ctx)
	if err != nil {
		return nil, Classify("chain_id", err)
	}
	if cfg.ExpectedChainID != 0 && chainID.Uint64() != cfg.ExpectedChainID {
		return nil, types.NewProviderError(types.KindFatal, "chain_id",
			fmt.Errorf("endpoint serves chain %s, expected %d", chainID, cfg.ExpectedChainID))
	}

	return &EthProvider{
		ethClient: ethClient,
		rpcClient: rpcClient,
		endpoint:  cfg.Endpoint,
		timeout:   cfg.Timeout,
		chainID:   chainID,
		signer:    gethtypes.LatestSignerForChainID(chainID),
		logger:    logger,
	}, nil
}

// ChainID returns the chain id reported by the endpoint
func (p *EthProvider) ChainID() *big.Int {
	return new(big.Int).Set(p.chainID)
}

// Close closes the client connection
func (p *EthProvider) Close() {
	p.rpcClient.Close()
}

func (p *EthProvider) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.timeout > 0 {
		return context.WithTimeout(ctx, p.timeout)
	}
	return context.WithCancel(ctx)
}

// Latest returns the id of the endpoint's head
func (p *EthProvider) Latest(ctx context.Context) (types.BlockID, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	header, err := p.ethClient.HeaderByNumber(ctx, nil)
	if err != nil {
		return types.BlockID{}, Classify("latest", err)
	}
	return types.BlockID{Number: header.Number.Uint64(), Hash: header.Hash()}, nil
}

// BlockByNumber fetches the block at n together with its receipts
func (p *EthProvider) BlockByNumber(ctx context.Context, n uint64) (*types.Block, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	block, err := p.ethClient.BlockByNumber(ctx, new(big.Int).SetUint64(n))
	if err != nil {
		return nil, Classify(fmt.Sprintf("block_by_number(%d)", n), err)
	}
	return p.assemble(ctx, block)
}

// BlockByHash fetches the block with hash together with its receipts
func (p *EthProvider) BlockByHash(ctx context.Context, hash common.Hash) (*types.Block, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	block, err := p.ethClient.BlockByHash(ctx, hash)
	if err != nil {
		return nil, Classify(fmt.Sprintf("block_by_hash(%s)", hash.TerminalString()), err)
	}
	return p.assemble(ctx, block)
}

// assemble converts block and attaches its receipts. Receipts are requested by
// block hash so they cannot come from a competing block at the same height.
func (p *EthProvider) assemble(ctx context.Context, block *gethtypes.Block) (*types.Block, error) {
	out := &types.Block{Header: convertHeader(block.Header())}

	txs := block.Transactions()
	out.Transactions = make([]*types.Transaction, 0, len(txs))
	for i, tx := range txs {
		out.Transactions = append(out.Transactions, p.convertTransaction(tx, uint64(i)))
	}
	out.Receipts = make([]*types.Receipt, 0, len(txs))
	out.Events = make([]*types.Event, 0)
	if len(txs) == 0 {
		return out, nil
	}

	receipts, err := p.ethClient.BlockReceipts(ctx, rpc.BlockNumberOrHashWithHash(block.Hash(), false))
	if err != nil {
		return nil, Classify(fmt.Sprintf("block_receipts(%d)", block.NumberU64()), err)
	}
	if len(receipts) != len(txs) {
		return nil, types.NewProviderError(types.KindTransient, "block_receipts",
			fmt.Errorf("block %d has %d transactions but %d receipts", block.NumberU64(), len(txs), len(receipts)))
	}

	for _, r := range receipts {
		out.Receipts = append(out.Receipts, convertReceipt(r))
		for _, l := range r.Logs {
			out.Events = append(out.Events, convertLog(l))
		}
	}
	return out, nil
}

func convertHeader(h *gethtypes.Header) types.Header {
	header := types.Header{
		Number:     h.Number.Uint64(),
		Hash:       h.Hash(),
		ParentHash: h.ParentHash,
		Timestamp:  h.Time,
		Miner:      h.Coinbase,
		GasUsed:    h.GasUsed,
		GasLimit:   h.GasLimit,
	}
	if h.BaseFee != nil {
		header.BaseFee = h.BaseFee.Uint64()
	}
	return header
}

func (p *EthProvider) convertTransaction(tx *gethtypes.Transaction, index uint64) *types.Transaction {
	out := &types.Transaction{
		Hash:  tx.Hash(),
		Index: index,
		To:    tx.To(),
		Nonce: tx.Nonce(),
		Value: tx.Value(),
		Input: tx.Data(),
	}
	from, err := gethtypes.Sender(p.signer, tx)
	if err != nil {
		p.logger.Debug("failed to recover sender",
			zap.String("tx", tx.Hash().Hex()),
			zap.Error(err))
	} else {
		out.From = from
	}
	return out
}

func convertReceipt(r *gethtypes.Receipt) *types.Receipt {
	out := &types.Receipt{
		TxHash:  r.TxHash,
		TxIndex: uint64(r.TransactionIndex),
		Status:  r.Status,
		GasUsed: r.GasUsed,
	}
	if r.ContractAddress != (common.Address{}) {
		addr := r.ContractAddress
		out.ContractAddress = &addr
	}
	return out
}

func convertLog(l *gethtypes.Log) *types.Event {
	keys := make([]common.Hash, len(l.Topics))
	copy(keys, l.Topics)
	return &types.Event{
		Address:  l.Address,
		Keys:     keys,
		Data:     l.Data,
		TxHash:   l.TxHash,
		TxIndex:  uint64(l.TxIndex),
		LogIndex: uint64(l.Index),
	}
}
