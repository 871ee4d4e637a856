package chain

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/0xmhha/chainstream/internal/testutil"
	"github.com/0xmhha/chainstream/pkg/storage"
	"github.com/0xmhha/chainstream/pkg/types"
)

type recordingListener struct {
	mu     sync.Mutex
	events []Event
	seqs   []uint64
}

func (l *recordingListener) OnChainEvents(events []Event, snap *Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, events...)
	l.seqs = append(l.seqs, snap.Seq())
}

func newTestView(t *testing.T, window uint64, store *storage.ChainStore, fetcher Fetcher) *View {
	t.Helper()
	cfg := DefaultConfig()
	cfg.RetentionWindow = window
	v, err := Open(context.Background(), cfg, store, fetcher, zap.NewNop(), nil)
	require.NoError(t, err)
	return v
}

func newTestStore(t *testing.T, dir string) *storage.ChainStore {
	t.Helper()
	cfg := storage.DefaultConfig(dir)
	cfg.Cache = 8
	cfg.WriteBuffer = 8
	kv, err := storage.Open(cfg, zap.NewNop())
	require.NoError(t, err)
	return storage.NewChainStore(kv, zap.NewNop())
}

func acceptAll(t *testing.T, v *View, blocks []*types.Block) []Event {
	t.Helper()
	var all []Event
	for _, b := range blocks {
		events, err := v.Accept(context.Background(), b)
		require.NoError(t, err, "accept %s", b.ID())
		all = append(all, events...)
	}
	return all
}

func assertContiguous(t *testing.T, snap *Snapshot) {
	t.Helper()
	ids := snap.Canonical()
	for i := 1; i < len(ids); i++ {
		require.Equal(t, ids[i-1].Number+1, ids[i].Number)
		e := snap.entryAt(ids[i].Number)
		require.Equal(t, ids[i-1].Hash, e.Block.Header.ParentHash, "canonical window broken at %d", ids[i].Number)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())

	cfg.RetentionWindow = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.MaxReorgDepth = cfg.RetentionWindow + 1
	assert.Error(t, cfg.Validate())
}

func TestAcceptLinearAndFinality(t *testing.T) {
	v := newTestView(t, 5, nil, nil)

	events := acceptAll(t, v, testutil.Branch(0, 20, 0, 0))
	assert.Len(t, events, 21)
	for _, ev := range events {
		assert.Equal(t, EventAccepted, ev.Kind)
	}

	snap := v.Snapshot()
	head, ok := snap.Head()
	require.True(t, ok)
	assert.Equal(t, testutil.ID(20, 0), head)

	fin, ok := snap.Finalized()
	require.True(t, ok)
	assert.Equal(t, testutil.ID(14, 0), fin)
	assert.Equal(t, uint64(15), snap.Base())
	assert.Len(t, snap.Canonical(), 6)
	assertContiguous(t, snap)
}

func TestAcceptFirstBlockMustBeStart(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StartHeight = 100
	v, err := Open(context.Background(), cfg, nil, nil, nil, nil)
	require.NoError(t, err)

	_, err = v.Accept(context.Background(), testutil.NewBlock(101, 0, 0))
	assert.ErrorIs(t, err, types.ErrOutOfOrder)

	events, err := v.Accept(context.Background(), testutil.NewBlock(100, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, []Event{{Kind: EventAccepted, ID: testutil.ID(100, 0)}}, events)
}

func TestAcceptOutOfOrder(t *testing.T) {
	v := newTestView(t, 10, nil, nil)
	acceptAll(t, v, testutil.Branch(0, 3, 0, 0))

	_, err := v.Accept(context.Background(), testutil.NewBlock(5, 0, 0))
	require.Error(t, err)

	var ooo *types.OutOfOrderError
	require.ErrorAs(t, err, &ooo)
	assert.Equal(t, testutil.ID(3, 0), ooo.Head)
	assert.Equal(t, uint64(5), ooo.Got.Number)

	head, _ := v.Head()
	assert.Equal(t, testutil.ID(3, 0), head)
}

func TestAcceptDuplicateIsNoop(t *testing.T) {
	reg := prometheus.NewRegistry()
	cfg := DefaultConfig()
	cfg.RetentionWindow = 10
	metrics := NewMetrics(reg)
	v, err := Open(context.Background(), cfg, nil, nil, nil, metrics)
	require.NoError(t, err)

	blocks := testutil.Branch(0, 3, 0, 0)
	acceptAll(t, v, blocks)
	seq := v.Snapshot().Seq()

	events, err := v.Accept(context.Background(), blocks[2])
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, seq, v.Snapshot().Seq(), "no snapshot published for a duplicate")
	assert.Equal(t, float64(1), promtestutil.ToFloat64(metrics.DuplicateBlocks))
	assert.Equal(t, float64(3), promtestutil.ToFloat64(metrics.HeadHeight))
}

// A provider switches from 5 to a sibling branch and first reveals 6' whose
// parent 5' was never seen.
func TestReorgUnseenParent(t *testing.T) {
	provider := testutil.NewMockProvider()
	main := testutil.Branch(0, 5, 0, 0)
	fork := testutil.Branch(5, 6, 1, 0)
	provider.Add(main...)
	provider.Add(fork...)

	v := newTestView(t, 10, nil, provider)
	listener := &recordingListener{}
	v.AddListener(listener)
	acceptAll(t, v, main)

	events, err := v.Accept(context.Background(), fork[1])
	require.NoError(t, err)
	assert.Equal(t, []Event{
		{Kind: EventInvalidated, ID: testutil.ID(5, 0)},
		{Kind: EventAccepted, ID: testutil.ID(5, 1)},
		{Kind: EventAccepted, ID: testutil.ID(6, 1)},
	}, events)
	assert.Equal(t, 1, provider.Calls("block_by_hash"))

	snap := v.Snapshot()
	head, _ := snap.Head()
	assert.Equal(t, testutil.ID(6, 1), head)
	assert.Equal(t, 1, snap.RetainedCount())
	assertContiguous(t, snap)

	listener.mu.Lock()
	assert.Len(t, listener.events, 6+3)
	listener.mu.Unlock()
}

func TestReorgShortensChain(t *testing.T) {
	v := newTestView(t, 10, nil, nil)
	acceptAll(t, v, testutil.Branch(0, 5, 0, 0))

	events, err := v.Accept(context.Background(), testutil.NewBlock(4, 1, 0))
	require.NoError(t, err)
	assert.Equal(t, []Event{
		{Kind: EventInvalidated, ID: testutil.ID(5, 0)},
		{Kind: EventInvalidated, ID: testutil.ID(4, 0)},
		{Kind: EventAccepted, ID: testutil.ID(4, 1)},
	}, events)

	head, _ := v.Head()
	assert.Equal(t, testutil.ID(4, 1), head)
}

func TestReorgFlipFlop(t *testing.T) {
	v := newTestView(t, 10, nil, nil)
	main := testutil.Branch(0, 5, 0, 0)
	acceptAll(t, v, main)

	_, err := v.Accept(context.Background(), testutil.NewBlock(5, 1, 0))
	require.NoError(t, err)

	// the original block 5 wins again and comes back from retained state
	events, err := v.Accept(context.Background(), main[5])
	require.NoError(t, err)
	assert.Equal(t, []Event{
		{Kind: EventInvalidated, ID: testutil.ID(5, 1)},
		{Kind: EventAccepted, ID: testutil.ID(5, 0)},
	}, events)

	snap := v.Snapshot()
	assert.Equal(t, 1, snap.RetainedCount())
	res, err := snap.Resolve(context.Background(), types.CursorOf(testutil.ID(5, 0)))
	require.NoError(t, err)
	assert.Equal(t, CursorCanonical, res.Kind)
}

func TestReorgDepthBoundary(t *testing.T) {
	const window = 4

	// fork point 6 evicts 7..10: exactly the window
	t.Run("at window", func(t *testing.T) {
		provider := testutil.NewMockProvider()
		fork := testutil.Branch(7, 11, 1, 0)
		provider.Add(fork...)

		v := newTestView(t, window, nil, provider)
		acceptAll(t, v, testutil.Branch(0, 10, 0, 0))
		require.Equal(t, uint64(6), v.Snapshot().Base())

		events, err := v.Accept(context.Background(), fork[len(fork)-1])
		require.NoError(t, err)
		require.Len(t, events, 4+5)
		for i, n := range []uint64{10, 9, 8, 7} {
			assert.Equal(t, Event{Kind: EventInvalidated, ID: testutil.ID(n, 0)}, events[i])
		}
		for i := 0; i < 5; i++ {
			assert.Equal(t, Event{Kind: EventAccepted, ID: testutil.ID(uint64(7+i), 1)}, events[4+i])
		}
		assertContiguous(t, v.Snapshot())
	})

	// fork point 5 would evict 6..10: one past the window
	t.Run("past window", func(t *testing.T) {
		provider := testutil.NewMockProvider()
		fork := testutil.Branch(6, 11, 1, 0)
		provider.Add(fork...)

		v := newTestView(t, window, nil, provider)
		acceptAll(t, v, testutil.Branch(0, 10, 0, 0))
		before := v.Snapshot()

		_, err := v.Accept(context.Background(), fork[len(fork)-1])
		require.Error(t, err)
		assert.True(t, IsReorgTooDeep(err))

		var deep *types.ReorgTooDeepError
		require.ErrorAs(t, err, &deep)
		assert.Equal(t, uint64(window), deep.Max)
		assert.Same(t, before, v.Snapshot(), "failed accept must not publish")
	})

	t.Run("configured max below window", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.RetentionWindow = 10
		cfg.MaxReorgDepth = 1
		v, err := Open(context.Background(), cfg, nil, nil, nil, nil)
		require.NoError(t, err)
		acceptAll(t, v, testutil.Branch(0, 5, 0, 0))

		_, err = v.Accept(context.Background(), testutil.NewBlock(5, 1, 0))
		require.NoError(t, err)
		_, err = v.Accept(context.Background(), testutil.NewBlock(4, 2, 0))
		assert.ErrorIs(t, err, types.ErrReorgTooDeep)
	})
}

func TestReorgFetchFailureLeavesViewUnchanged(t *testing.T) {
	provider := testutil.NewMockProvider()
	boom := types.NewProviderError(types.KindTransient, "block_by_hash", errors.New("timeout"))
	provider.FailNext(boom)

	v := newTestView(t, 10, nil, provider)
	acceptAll(t, v, testutil.Branch(0, 5, 0, 0))
	before := v.Snapshot()

	_, err := v.Accept(context.Background(), testutil.NewBlock(6, 1, 1))
	require.Error(t, err)
	assert.True(t, types.IsTransient(err))
	assert.Same(t, before, v.Snapshot())

	select {
	case <-before.Changed():
		t.Fatal("changed closed on failure")
	default:
	}
}

func TestSnapshotChangedClosed(t *testing.T) {
	v := newTestView(t, 10, nil, nil)
	snap := v.Snapshot()

	_, err := v.Accept(context.Background(), testutil.NewBlock(0, 0, 0))
	require.NoError(t, err)

	select {
	case <-snap.Changed():
	default:
		t.Fatal("old snapshot not marked changed")
	}
	assert.Greater(t, v.Snapshot().Seq(), snap.Seq())
}

func TestRestartReplay(t *testing.T) {
	dir := t.TempDir()
	blocks := testutil.Branch(0, 10, 0, 0)

	store := newTestStore(t, dir)
	v := newTestView(t, 3, store, nil)
	acceptAll(t, v, blocks)
	first := v.Snapshot().Canonical()
	fin, ok := v.Snapshot().Finalized()
	require.True(t, ok)
	assert.Equal(t, testutil.ID(6, 0), fin)
	require.NoError(t, store.Close())

	store = newTestStore(t, dir)
	defer store.Close()
	v = newTestView(t, 3, store, nil)

	head, ok := v.Head()
	require.True(t, ok)
	assert.Equal(t, testutil.ID(6, 0), head)

	// replaying identical provider responses yields the same chain
	for _, b := range blocks {
		_, err := v.Accept(context.Background(), b)
		require.NoError(t, err)
	}
	assert.Equal(t, first, v.Snapshot().Canonical())

	// history below the window cannot be rewritten
	_, err := v.Accept(context.Background(), testutil.NewBlock(3, 1, 0))
	assert.ErrorIs(t, err, types.ErrReorgTooDeep)

	entry, finality, err := v.Snapshot().BlockAt(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, types.FinalityFinalized, finality)
	assert.Equal(t, testutil.ID(2, 0), entry.ID())
	assert.True(t, entry.Index.MightContainAddress(testutil.EventAddress(2)))

	_, finality, err = v.Snapshot().BlockAt(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, types.FinalityAccepted, finality)

	_, _, err = v.Snapshot().BlockAt(context.Background(), 11)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestSupersededBlocksPersistedOnReorg(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := newTestStore(t, dir)

	v := newTestView(t, 10, store, nil)
	acceptAll(t, v, testutil.Branch(0, 5, 0, 0))
	_, err := v.Accept(ctx, testutil.NewBlock(5, 1, 0))
	require.NoError(t, err)

	// recorded while the block is still retained in memory
	rejected, err := store.Rejected(ctx, testutil.BlockHash(5, 0))
	require.NoError(t, err)
	assert.Equal(t, testutil.ID(5, 0), rejected.ID)
	assert.Equal(t, testutil.ID(4, 0), rejected.ForkPoint)
	require.NoError(t, store.Close())

	// after a restart the superseded cursor still rewinds
	store = newTestStore(t, dir)
	defer store.Close()
	v = newTestView(t, 10, store, nil)
	res, err := v.Snapshot().Resolve(ctx, types.CursorOf(testutil.ID(5, 0)))
	require.NoError(t, err)
	assert.Equal(t, CursorOutOfRange, res.Kind)
	assert.True(t, res.ForkPoint.IsZero(), "nothing is finalized yet, so the rewind is to genesis")
}

func TestResolveAboveRestoredHead(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	blocks := testutil.Branch(0, 10, 0, 0)

	store := newTestStore(t, dir)
	v := newTestView(t, 3, store, nil)
	acceptAll(t, v, blocks)
	require.NoError(t, store.Close())

	store = newTestStore(t, dir)
	defer store.Close()
	v = newTestView(t, 3, store, nil)
	head, ok := v.Head()
	require.True(t, ok)
	require.Equal(t, testutil.ID(6, 0), head)

	res, err := v.Snapshot().Resolve(ctx, types.CursorOf(testutil.ID(9, 0)))
	require.NoError(t, err)
	assert.Equal(t, CursorPending, res.Kind)

	_, err = v.Snapshot().Resolve(ctx, types.CursorOf(testutil.ID(4, 7)))
	assert.ErrorIs(t, err, types.ErrCursorNotFound)

	acceptAll(t, v, blocks[7:])
	res, err = v.Snapshot().Resolve(ctx, types.CursorOf(testutil.ID(9, 0)))
	require.NoError(t, err)
	assert.Equal(t, CursorCanonical, res.Kind)
}

func TestResolveCursor(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, t.TempDir())
	defer store.Close()

	v := newTestView(t, 3, store, nil)
	acceptAll(t, v, testutil.Branch(0, 5, 0, 0))
	_, err := v.Accept(ctx, testutil.NewBlock(5, 1, 0))
	require.NoError(t, err)

	snap := v.Snapshot()
	tests := []struct {
		name   string
		cursor types.Cursor
		kind   ResolutionKind
		fork   types.BlockID
	}{
		{"genesis", types.GenesisCursor(), CursorCanonical, types.BlockID{}},
		{"zero id", types.CursorOf(types.BlockID{}), CursorCanonical, types.BlockID{}},
		{"canonical", types.CursorOf(testutil.ID(4, 0)), CursorCanonical, types.BlockID{}},
		{"superseded", types.CursorOf(testutil.ID(5, 0)), CursorSuperseded, testutil.ID(4, 0)},
		{"finalized", types.CursorOf(testutil.ID(0, 0)), CursorCanonical, types.BlockID{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := snap.Resolve(ctx, tt.cursor)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, res.Kind)
			assert.Equal(t, tt.fork, res.ForkPoint)
		})
	}

	_, err = snap.Resolve(ctx, types.CursorOf(types.BlockID{Number: 3, Hash: common.HexToHash("0xdead")}))
	assert.ErrorIs(t, err, types.ErrCursorNotFound)
	res, err := snap.Resolve(ctx, types.CursorOf(testutil.ID(9, 0)))
	require.NoError(t, err)
	assert.Equal(t, CursorPending, res.Kind, "cursors above the head may still arrive")

	// extend the fork until the superseded block is pruned
	acceptAll(t, v, testutil.Branch(6, 10, 1, 1))
	snap = v.Snapshot()
	assert.Zero(t, snap.RetainedCount())

	res, err = snap.Resolve(ctx, types.CursorOf(testutil.ID(5, 0)))
	require.NoError(t, err)
	assert.Equal(t, CursorOutOfRange, res.Kind)
	assert.Equal(t, testutil.ID(4, 0), res.ForkPoint)

	rejected, err := store.Rejected(ctx, testutil.BlockHash(5, 0))
	require.NoError(t, err)
	assert.Equal(t, testutil.ID(4, 0), rejected.ForkPoint)
}

func TestResolveNestedForks(t *testing.T) {
	ctx := context.Background()
	provider := testutil.NewMockProvider()
	v := newTestView(t, 20, nil, provider)
	acceptAll(t, v, testutil.Branch(0, 6, 0, 0))

	// 5' replaces 5..6, then 4'' replaces 4..5'
	provider.Add(testutil.Branch(5, 6, 1, 0)...)
	_, err := v.Accept(ctx, testutil.NewBlock(6, 1, 1))
	require.NoError(t, err)
	_, err = v.Accept(ctx, testutil.NewBlock(4, 2, 0))
	require.NoError(t, err)

	snap := v.Snapshot()
	res, err := snap.Resolve(ctx, types.CursorOf(testutil.ID(6, 0)))
	require.NoError(t, err)
	assert.Equal(t, CursorSuperseded, res.Kind)
	assert.Equal(t, testutil.ID(3, 0), res.ForkPoint, "rewinds past the nested fork point")

	res, err = snap.Resolve(ctx, types.CursorOf(testutil.ID(6, 1)))
	require.NoError(t, err)
	assert.Equal(t, testutil.ID(3, 0), res.ForkPoint)
}

func TestContiguityUnderRandomForks(t *testing.T) {
	ctx := context.Background()
	provider := testutil.NewMockProvider()
	v := newTestView(t, 8, nil, provider)

	main := testutil.Branch(0, 30, 0, 0)
	provider.Add(main...)
	acceptAll(t, v, main[:10])

	// alternate between short sibling forks and the main chain
	var branch byte = 1
	for n := uint64(10); n < 30; n++ {
		if n%3 == 0 {
			fork := testutil.Branch(n-2, n, branch, 0)
			provider.Add(fork...)
			_, err := v.Accept(ctx, fork[len(fork)-1])
			require.NoError(t, err)
			assertContiguous(t, v.Snapshot())
			branch++
		}
		// returning to main resolves through retained blocks
		_, err := v.Accept(ctx, main[n])
		require.NoError(t, err)
		assertContiguous(t, v.Snapshot())
	}

	head, _ := v.Head()
	assert.Equal(t, testutil.ID(29, 0), head)
}
