package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/0xmhha/chainstream/internal/testutil"
	"github.com/0xmhha/chainstream/pkg/chain"
	"github.com/0xmhha/chainstream/pkg/provider"
	"github.com/0xmhha/chainstream/pkg/types"
)

const (
	testPoll    = time.Second
	testInitial = 100 * time.Millisecond
	waitTimeout = 5 * time.Second
)

type harness struct {
	t        *testing.T
	provider *testutil.MockProvider
	view     *chain.View
	clock    *testutil.FakeClock
	loop     *Loop
	metrics  *Metrics
	cancel   context.CancelFunc
	done     chan error
}

func newHarness(t *testing.T, window uint64, batch int, p provider.Provider, mock *testutil.MockProvider) *harness {
	t.Helper()

	cfg := chain.DefaultConfig()
	cfg.RetentionWindow = window
	view, err := chain.Open(context.Background(), cfg, nil, mock, zap.NewNop(), nil)
	require.NoError(t, err)

	loopCfg := DefaultConfig()
	loopCfg.PollInterval = testPoll
	loopCfg.BatchSize = batch
	loopCfg.BackoffInitial = testInitial
	loopCfg.BackoffMax = time.Second
	loopCfg.BackoffJitter = 0

	clock := testutil.NewFakeClock(time.Unix(1_700_000_000, 0))
	metrics := NewMetrics(prometheus.NewRegistry())
	if p == nil {
		p = mock
	}
	loop, err := NewLoop(loopCfg, p, view, Options{Clock: clock, Logger: zap.NewNop(), Metrics: metrics})
	require.NoError(t, err)

	return &harness{t: t, provider: mock, view: view, clock: clock, loop: loop, metrics: metrics}
}

func (h *harness) start() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- h.loop.Run(ctx) }()
	h.t.Cleanup(func() {
		cancel()
		<-h.done
	})
}

func (h *harness) waitTimer() {
	h.t.Helper()
	require.True(h.t, h.clock.WaitForTimer(waitTimeout), "loop never waited on the clock")
}

func (h *harness) waitHead(id types.BlockID) {
	h.t.Helper()
	testutil.Eventually(h.t, waitTimeout, func() bool {
		head, ok := h.view.Head()
		return ok && head == id
	}, id.String())
}

func (h *harness) result() error {
	h.t.Helper()
	select {
	case err := <-h.done:
		h.done <- err
		return err
	case <-time.After(waitTimeout):
		h.t.Fatal("loop did not exit")
		return nil
	}
}

func TestNewLoopValidation(t *testing.T) {
	mock := testutil.NewMockProvider()
	view, err := chain.Open(context.Background(), nil, nil, nil, nil, nil)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.BatchSize = 0
	_, err = NewLoop(cfg, mock, view, Options{})
	assert.Error(t, err)

	_, err = NewLoop(nil, nil, view, Options{})
	assert.Error(t, err)

	loop, err := NewLoop(nil, mock, view, Options{})
	require.NoError(t, err)
	assert.Equal(t, StateIdle, loop.Status().State)
	assert.True(t, loop.Healthy())
}

func TestLoopCatchUpInBatches(t *testing.T) {
	mock := testutil.NewMockProvider()
	mock.Add(testutil.Branch(0, 9, 0, 0)...)

	h := newHarness(t, 20, 4, nil, mock)
	h.start()

	h.waitTimer()
	h.waitHead(testutil.ID(9, 0))
	assert.Equal(t, 3, mock.Calls("latest"), "three cycles of at most four blocks")
	assert.Equal(t, StateIdle, h.loop.Status().State)
	assert.Equal(t, uint64(10), h.loop.Status().BlocksAccepted)

	mock.Add(testutil.Branch(10, 12, 0, 0)...)
	h.clock.Advance(testPoll)
	h.waitTimer()
	h.waitHead(testutil.ID(12, 0))
	assert.Equal(t, float64(13), promtestutil.ToFloat64(h.metrics.BlocksAccepted))

	h.cancel()
	assert.ErrorIs(t, h.result(), context.Canceled)
	assert.Equal(t, StateStopped, h.loop.Status().State)
	assert.False(t, h.loop.Healthy())
}

func TestLoopFollowsReorgs(t *testing.T) {
	mock := testutil.NewMockProvider()
	mock.Add(testutil.Branch(0, 5, 0, 0)...)

	h := newHarness(t, 20, 10, nil, mock)
	h.start()
	h.waitTimer()
	h.waitHead(testutil.ID(5, 0))

	// longer sibling branch from 4
	mock.Add(testutil.Branch(4, 6, 1, 0)...)
	h.clock.Advance(testPoll)
	h.waitTimer()
	h.waitHead(testutil.ID(6, 1))

	// shorter branch from 3 replaces the tip without a height increase
	mock.Add(testutil.Branch(4, 4, 2, 0)...)
	h.clock.Advance(testPoll)
	h.waitTimer()
	h.waitHead(testutil.ID(4, 2))

	snap := h.view.Snapshot()
	assert.Equal(t, 5, snap.RetainedCount(), "5, 4', 5', 6' and the original 4")
	assert.Equal(t, StateIdle, h.loop.Status().State)
}

func TestLoopTransientBackoff(t *testing.T) {
	mock := testutil.NewMockProvider()
	mock.Add(testutil.Branch(0, 3, 0, 0)...)
	transient := types.NewProviderError(types.KindTransient, "latest", errors.New("connection reset"))
	mock.FailNext(transient, transient)

	h := newHarness(t, 20, 10, nil, mock)
	start := h.clock.Now()
	h.start()

	h.waitTimer()
	status := h.loop.Status()
	assert.Equal(t, StateBackoff, status.State)
	assert.Equal(t, 1, status.ConsecutiveFailures)
	assert.Contains(t, status.LastError, "connection reset")
	assert.Equal(t, start, status.BackoffSince)
	assert.True(t, status.Healthy(start.Add(time.Minute), time.Minute))
	assert.False(t, status.Healthy(start.Add(time.Minute+time.Second), time.Minute))

	h.clock.Advance(testInitial)
	h.waitTimer()
	status = h.loop.Status()
	assert.Equal(t, 2, status.ConsecutiveFailures)
	assert.Equal(t, start, status.BackoffSince, "backoff start is kept across retries")

	// second delay doubles: half of it is not enough
	h.clock.Advance(testInitial)
	assert.Equal(t, StateBackoff, h.loop.Status().State)
	h.clock.Advance(testInitial)

	h.waitTimer()
	h.waitHead(testutil.ID(3, 0))
	status = h.loop.Status()
	assert.Equal(t, 0, status.ConsecutiveFailures)
	assert.True(t, status.BackoffSince.IsZero())
	assert.Equal(t, float64(2), promtestutil.ToFloat64(h.metrics.ProviderErrors.WithLabelValues("transient")))
	assert.Equal(t, float64(1), promtestutil.ToFloat64(h.metrics.Backoffs))
}

func TestLoopFatalErrors(t *testing.T) {
	mock := testutil.NewMockProvider()
	fatal := types.NewProviderError(types.KindFatal, "latest", errors.New("401 unauthorized"))
	mock.FailNext(fatal, fatal, fatal)

	h := newHarness(t, 20, 10, nil, mock)
	h.start()

	h.waitTimer()
	h.clock.Advance(testInitial)
	h.waitTimer()
	h.clock.Advance(2 * testInitial)

	err := h.result()
	require.Error(t, err)
	assert.True(t, types.IsFatal(err))
	assert.Equal(t, 3, mock.Calls("latest"))
	assert.Equal(t, StateStopped, h.loop.Status().State)
	assert.False(t, h.loop.Healthy())
}

func TestLoopReorgTooDeepIsFatal(t *testing.T) {
	mock := testutil.NewMockProvider()
	mock.Add(testutil.Branch(0, 6, 0, 0)...)

	h := newHarness(t, 2, 10, nil, mock)
	h.start()
	h.waitTimer()
	h.waitHead(testutil.ID(6, 0))

	mock.Add(testutil.Branch(2, 7, 1, 0)...)
	h.clock.Advance(testPoll)

	err := h.result()
	assert.ErrorIs(t, err, types.ErrReorgTooDeep)
	head, _ := h.view.Head()
	assert.Equal(t, testutil.ID(6, 0), head)
}

func TestLoopNotFoundDoesNotBackOff(t *testing.T) {
	mock := testutil.NewMockProvider()
	mock.Add(testutil.Branch(0, 2, 0, 0)...)
	mock.FailNext(types.NewProviderError(types.KindNotFound, "latest", nil))

	h := newHarness(t, 20, 10, nil, mock)
	h.start()

	h.waitTimer()
	status := h.loop.Status()
	assert.Equal(t, StateIdle, status.State)
	assert.Zero(t, status.ConsecutiveFailures)
	assert.Zero(t, promtestutil.ToFloat64(h.metrics.Backoffs))

	h.clock.Advance(testPoll)
	h.waitTimer()
	h.waitHead(testutil.ID(2, 0))
}

// misnumberedProvider answers BlockByNumber(n) with block n+1 for the
// first remaining requests of skipAt, or for every request when remaining
// is negative
type misnumberedProvider struct {
	*testutil.MockProvider
	skipAt uint64

	mu        sync.Mutex
	remaining int
}

func (p *misnumberedProvider) BlockByNumber(ctx context.Context, n uint64) (*types.Block, error) {
	p.mu.Lock()
	skip := n == p.skipAt && p.remaining != 0
	if skip && p.remaining > 0 {
		p.remaining--
	}
	p.mu.Unlock()
	if skip {
		return p.MockProvider.BlockByNumber(ctx, n+1)
	}
	return p.MockProvider.BlockByNumber(ctx, n)
}

func TestLoopMisnumberedBlockBacksOff(t *testing.T) {
	mock := testutil.NewMockProvider()
	mock.Add(testutil.Branch(0, 4, 0, 0)...)

	h := newHarness(t, 20, 10, &misnumberedProvider{MockProvider: mock, skipAt: 2, remaining: 1}, mock)
	h.start()

	h.waitTimer()
	status := h.loop.Status()
	assert.Equal(t, StateBackoff, status.State)
	assert.Contains(t, status.LastError, "requested block 2")
	head, _ := h.view.Head()
	assert.Equal(t, testutil.ID(1, 0), head, "the wrong block is never accepted")

	h.clock.Advance(testInitial)
	h.waitTimer()
	h.waitHead(testutil.ID(4, 0))
	assert.Equal(t, float64(1), promtestutil.ToFloat64(h.metrics.Backoffs))
	assert.Equal(t, 2, mock.Calls("latest"))
}

func TestLoopPersistentMisnumberingDoesNotSpin(t *testing.T) {
	mock := testutil.NewMockProvider()
	mock.Add(testutil.Branch(0, 4, 0, 0)...)

	h := newHarness(t, 20, 10, &misnumberedProvider{MockProvider: mock, skipAt: 2, remaining: -1}, mock)
	h.start()

	for i := 1; i <= 3; i++ {
		h.waitTimer()
		status := h.loop.Status()
		assert.Equal(t, StateBackoff, status.State)
		assert.Equal(t, i, status.ConsecutiveFailures)
		assert.Equal(t, i, mock.Calls("latest"), "one poll per backoff delay")
		h.clock.Advance(time.Second)
	}
	head, _ := h.view.Head()
	assert.Equal(t, testutil.ID(1, 0), head)
}
