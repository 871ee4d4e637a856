package testutil

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/0xmhha/chainstream/pkg/types"
)

// TransferTopic is the first key of every generated event
var TransferTopic = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// NewTestLogger creates a logger that writes through t.Log
func NewTestLogger(t *testing.T) *zap.Logger {
	t.Helper()
	return zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))
}

// EventAddress returns the contract address generated events of block n use
func EventAddress(n uint64) common.Address {
	return common.BigToAddress(big.NewInt(int64(0xa0 + n%4)))
}

// BlockHash returns a deterministic hash for block n on branch. Branch 0 is
// the main chain; other values name competing forks.
func BlockHash(n uint64, branch byte) common.Hash {
	var h common.Hash
	h[0] = 0xc0
	h[1] = branch
	new(big.Int).SetUint64(n + 1).FillBytes(h[24:])
	return h
}

// ID returns the id of block n on branch
func ID(n uint64, branch byte) types.BlockID {
	return types.BlockID{Number: n, Hash: BlockHash(n, branch)}
}

// NewBlock returns block n on branch whose parent is block n-1 on
// parentBranch. Every block carries one transaction with one event.
func NewBlock(n uint64, branch, parentBranch byte) *types.Block {
	var parent common.Hash
	if n > 0 {
		parent = BlockHash(n-1, parentBranch)
	}
	txHash := common.BytesToHash(append([]byte{0xee, branch}, new(big.Int).SetUint64(n+1).Bytes()...))
	to := EventAddress(n)
	return &types.Block{
		Header: types.Header{
			Number:     n,
			Hash:       BlockHash(n, branch),
			ParentHash: parent,
			Timestamp:  1_700_000_000 + n*2,
			GasLimit:   30_000_000,
			GasUsed:    21_000,
		},
		Transactions: []*types.Transaction{{
			Hash:  txHash,
			From:  common.HexToAddress("0x1111"),
			To:    &to,
			Nonce: n,
			Value: big.NewInt(int64(n)),
		}},
		Receipts: []*types.Receipt{{TxHash: txHash, Status: 1, GasUsed: 21_000}},
		Events: []*types.Event{{
			Address: to,
			Keys:    []common.Hash{TransferTopic, common.BigToHash(new(big.Int).SetUint64(n))},
			Data:    []byte{byte(n)},
			TxHash:  txHash,
		}},
	}
}

// Branch returns blocks from..to on branch. The first block's parent is on
// parentBranch; the rest chain onto each other.
func Branch(from, to uint64, branch, parentBranch byte) []*types.Block {
	blocks := make([]*types.Block, 0, to-from+1)
	for n := from; n <= to; n++ {
		pb := branch
		if n == from {
			pb = parentBranch
		}
		blocks = append(blocks, NewBlock(n, branch, pb))
	}
	return blocks
}

// MockProvider is a scripted, thread-safe block provider
type MockProvider struct {
	mu       sync.Mutex
	byNumber map[uint64]*types.Block
	byHash   map[common.Hash]*types.Block
	head     uint64
	hasHead  bool
	errs     []error
	calls    map[string]int
}

// NewMockProvider creates an empty provider
func NewMockProvider() *MockProvider {
	return &MockProvider{
		byNumber: make(map[uint64]*types.Block),
		byHash:   make(map[common.Hash]*types.Block),
		calls:    make(map[string]int),
	}
}

// Add makes blocks canonical at their numbers. The head moves to the highest
// added block, so adding a shorter fork shortens the chain.
func (m *MockProvider) Add(blocks ...*types.Block) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var top uint64
	for i, b := range blocks {
		m.byNumber[b.Number()] = b
		m.byHash[b.Header.Hash] = b
		if i == 0 || b.Number() > top {
			top = b.Number()
		}
	}
	if len(blocks) > 0 {
		m.head = top
		m.hasHead = true
	}
}

// SetHead moves the visible head to n
func (m *MockProvider) SetHead(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.head = n
	m.hasHead = true
}

// FailNext queues errors returned by the next calls, one per call
func (m *MockProvider) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = append(m.errs, errs...)
}

// Calls returns how many times op was invoked
func (m *MockProvider) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *MockProvider) enter(op string) error {
	m.calls[op]++
	if len(m.errs) == 0 {
		return nil
	}
	err := m.errs[0]
	m.errs = m.errs[1:]
	return err
}

func (m *MockProvider) Latest(ctx context.Context) (types.BlockID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return types.BlockID{}, types.NewProviderError(types.KindTransient, "latest", err)
	}
	if err := m.enter("latest"); err != nil {
		return types.BlockID{}, err
	}
	b, ok := m.byNumber[m.head]
	if !m.hasHead || !ok {
		return types.BlockID{}, types.NewProviderError(types.KindNotFound, "latest", nil)
	}
	return b.ID(), nil
}

func (m *MockProvider) BlockByNumber(ctx context.Context, n uint64) (*types.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, types.NewProviderError(types.KindTransient, "block_by_number", err)
	}
	if err := m.enter("block_by_number"); err != nil {
		return nil, err
	}
	b, ok := m.byNumber[n]
	if !ok || !m.hasHead || n > m.head {
		return nil, types.NewProviderError(types.KindNotFound, "block_by_number", fmt.Errorf("block %d", n))
	}
	return b, nil
}

func (m *MockProvider) BlockByHash(ctx context.Context, hash common.Hash) (*types.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, types.NewProviderError(types.KindTransient, "block_by_hash", err)
	}
	if err := m.enter("block_by_hash"); err != nil {
		return nil, err
	}
	b, ok := m.byHash[hash]
	if !ok {
		return nil, types.NewProviderError(types.KindNotFound, "block_by_hash", fmt.Errorf("block %s", hash.TerminalString()))
	}
	return b, nil
}

// FakeClock is a manually advanced clock
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeTimer
	added   chan struct{}
}

type fakeTimer struct {
	deadline time.Time
	ch       chan time.Time
}

// NewFakeClock returns a clock frozen at start
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start, added: make(chan struct{}, 1024)}
}

// Now returns the current fake time
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After returns a channel that fires once the clock has advanced by d
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &fakeTimer{deadline: c.now.Add(d), ch: make(chan time.Time, 1)}
	if d <= 0 {
		t.ch <- c.now
	} else {
		c.waiters = append(c.waiters, t)
	}
	select {
	case c.added <- struct{}{}:
	default:
	}
	return t.ch
}

// Advance moves the clock forward and fires due timers
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
	pending := c.waiters[:0]
	for _, t := range c.waiters {
		if !t.deadline.After(c.now) {
			t.ch <- c.now
		} else {
			pending = append(pending, t)
		}
	}
	c.waiters = pending
}

// Pending returns the number of timers that have not fired
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// WaitForTimer blocks until After has been called at least once since the
// previous WaitForTimer, or the timeout elapses
func (c *FakeClock) WaitForTimer(timeout time.Duration) bool {
	select {
	case <-c.added:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Eventually polls cond until it holds or timeout elapses
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msgAndArgs ...interface{}) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	if len(msgAndArgs) > 0 {
		t.Fatalf("condition not met within %s: %v", timeout, msgAndArgs[0])
	}
	t.Fatalf("condition not met within %s", timeout)
}
