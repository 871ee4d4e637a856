// Package chain maintains the canonical chain view: it reconciles candidate
// blocks against the current head, resolves reorganizations and moves blocks
// past the retention window into persistent storage.
package chain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/0xmhha/chainstream/internal/constants"
	"github.com/0xmhha/chainstream/pkg/bloom"
	"github.com/0xmhha/chainstream/pkg/storage"
	"github.com/0xmhha/chainstream/pkg/types"
)

// EventKind distinguishes chain events
type EventKind uint8

const (
	EventAccepted EventKind = iota + 1
	EventInvalidated
)

func (k EventKind) String() string {
	switch k {
	case EventAccepted:
		return "accepted"
	case EventInvalidated:
		return "invalidated"
	default:
		return "unknown"
	}
}

// Event is emitted for every block that joins or leaves the canonical chain
type Event struct {
	Kind EventKind
	ID   types.BlockID
}

// Listener receives chain events after each successful Accept. Implementations
// must not block.
type Listener interface {
	OnChainEvents(events []Event, snap *Snapshot)
}

// Fetcher retrieves ancestors needed to resolve a reorg
type Fetcher interface {
	BlockByHash(ctx context.Context, hash common.Hash) (*types.Block, error)
}

// Config holds chain view configuration
type Config struct {
	// StartHeight is the first block tracked on a fresh store
	StartHeight uint64

	// RetentionWindow is how many blocks behind the head stay in memory
	// before they are finalized
	RetentionWindow uint64

	// MaxReorgDepth bounds the number of canonical blocks a reorg may evict.
	// Zero means RetentionWindow.
	MaxReorgDepth uint64

	// Bloom configures per-block index sizing
	Bloom *bloom.Config
}

// DefaultConfig returns the default chain view configuration
func DefaultConfig() *Config {
	return &Config{
		StartHeight:     0,
		RetentionWindow: constants.DefaultRetentionWindow,
		Bloom:           bloom.DefaultConfig(),
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.RetentionWindow == 0 {
		return fmt.Errorf("retention window must be positive")
	}
	if c.MaxReorgDepth > c.RetentionWindow {
		return fmt.Errorf("max reorg depth (%d) cannot exceed retention window (%d)",
			c.MaxReorgDepth, c.RetentionWindow)
	}
	return nil
}

func (c *Config) maxReorgDepth() uint64 {
	if c.MaxReorgDepth == 0 {
		return c.RetentionWindow
	}
	return c.MaxReorgDepth
}

// View is the process-wide canonical chain. Accept is the only mutation and
// is serialized; readers work from lock-free snapshots.
type View struct {
	config  *Config
	store   *storage.ChainStore
	fetcher Fetcher
	logger  *zap.Logger
	metrics *Metrics
	tracer  trace.Tracer

	mu   sync.Mutex
	snap atomic.Pointer[Snapshot]

	lmu       sync.RWMutex
	listeners []Listener
}

// Open builds a view, restoring the head from the store's finalized head when
// one exists. store may be nil, in which case finalized blocks are dropped.
func Open(ctx context.Context, cfg *Config, store *storage.ChainStore, fetcher Fetcher, logger *zap.Logger, metrics *Metrics) (*View, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid chain config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	v := &View{
		config:  cfg,
		store:   store,
		fetcher: fetcher,
		logger:  logger,
		metrics: metrics,
		tracer:  otel.Tracer("github.com/0xmhha/chainstream/pkg/chain"),
	}

	snap := &Snapshot{
		start:      cfg.StartHeight,
		base:       cfg.StartHeight,
		superseded: make(map[common.Hash]*superseded),
		store:      store,
		changed:    make(chan struct{}),
	}

	if store != nil {
		head, ok, err := store.FinalizedHead(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load finalized head: %w", err)
		}
		if ok {
			sb, err := store.Block(ctx, head.Number)
			if err != nil {
				return nil, fmt.Errorf("failed to load finalized block %d: %w", head.Number, err)
			}
			snap.canonical = []*Entry{{Block: sb.Block, Index: sb.Index()}}
			snap.base = head.Number
			snap.finalized = head
			snap.hasFinalized = true
			logger.Info("chain view restored", zap.Stringer("finalized", head))
		}
	}

	v.snap.Store(snap)
	metrics.observe(snap, nil, 0, 0)
	return v, nil
}

// Snapshot returns the current immutable snapshot
func (v *View) Snapshot() *Snapshot {
	return v.snap.Load()
}

// Head returns the current head
func (v *View) Head() (types.BlockID, bool) {
	return v.Snapshot().Head()
}

// Config returns the view configuration
func (v *View) Config() *Config {
	return v.config
}

// AddListener registers l to receive events from subsequent Accept calls
func (v *View) AddListener(l Listener) {
	v.lmu.Lock()
	defer v.lmu.Unlock()
	v.listeners = append(v.listeners, l)
}

// Accept reconciles block against the canonical chain and returns the events
// it produced. On error the view is unchanged.
func (v *View) Accept(ctx context.Context, block *types.Block) ([]Event, error) {
	if block == nil {
		return nil, fmt.Errorf("nil block")
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	old := v.snap.Load()
	head, hasHead := old.Head()
	id := block.ID()

	if !hasHead {
		if id.Number != old.start {
			return nil, &types.OutOfOrderError{Head: types.BlockID{}, Got: id}
		}
		next := old.next()
		next.canonical = append(next.canonical, v.newEntry(block))
		next.base = id.Number
		events := []Event{{Kind: EventAccepted, ID: id}}
		return events, v.commit(ctx, old, next, events, 0)
	}

	// Already canonical: replays are no-ops
	if e := old.entryAt(id.Number); e != nil && e.ID().Equal(id) {
		v.metrics.duplicate()
		return nil, nil
	}
	if id.Number < old.base {
		return nil, v.belowWindow(ctx, old, head, id)
	}

	switch {
	case id.Number == head.Number+1 && block.Header.ParentHash == head.Hash:
		next := old.next()
		next.canonical = append(next.canonical, v.newEntry(block))
		events := []Event{{Kind: EventAccepted, ID: id}}
		return events, v.commit(ctx, old, next, events, 0)

	case id.Number <= head.Number+1:
		return v.reorg(ctx, old, head, block)

	default:
		return nil, &types.OutOfOrderError{Head: head, Got: id}
	}
}

// belowWindow handles a block older than the in-memory window: identical
// finalized blocks are ignored, anything else would rewrite finality
func (v *View) belowWindow(ctx context.Context, old *Snapshot, head, id types.BlockID) error {
	if v.store != nil {
		canonical, err := v.store.IsCanonical(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to check finalized block: %w", err)
		}
		if canonical {
			v.metrics.duplicate()
			return nil
		}
	}
	return &types.ReorgTooDeepError{
		Head:  head,
		Depth: head.Number - id.Number + 1,
		Max:   v.config.maxReorgDepth(),
	}
}

// reorg walks the new branch back to a canonical ancestor, evicts the old
// suffix highest-first, then appends the branch
func (v *View) reorg(ctx context.Context, old *Snapshot, head types.BlockID, block *types.Block) ([]Event, error) {
	maxDepth := v.config.maxReorgDepth()

	ctx, span := v.tracer.Start(ctx, "chain.reorg", trace.WithAttributes(
		attribute.Int64("head", int64(head.Number)),
		attribute.Int64("block", int64(block.Number())),
	))
	defer span.End()

	branch := []*Entry{v.entryFor(old, block)}
	cur := block
	var forkPoint types.BlockID
	for {
		if cur.Number() == 0 || cur.Number()-1 < old.base {
			err := &types.ReorgTooDeepError{Head: head, Depth: head.Number - cur.Number() + 2, Max: maxDepth}
			span.RecordError(err)
			return nil, err
		}
		parentNum := cur.Number() - 1
		if e := old.entryAt(parentNum); e != nil && e.ID().Hash == cur.Header.ParentHash {
			forkPoint = e.ID()
			break
		}
		// The fork point is below parentNum, so at least this many blocks go
		if depth := head.Number - parentNum + 1; depth > maxDepth {
			err := &types.ReorgTooDeepError{Head: head, Depth: depth, Max: maxDepth}
			span.RecordError(err)
			return nil, err
		}

		parent, err := v.ancestor(ctx, old, cur)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		branch = append(branch, parent)
		cur = parent.Block
	}

	depth := head.Number - forkPoint.Number
	if depth > maxDepth {
		err := &types.ReorgTooDeepError{Head: head, Depth: depth, Max: maxDepth}
		span.RecordError(err)
		return nil, err
	}

	next := old.next()
	events := make([]Event, 0, int(depth)+len(branch))
	for n := head.Number; n > forkPoint.Number; n-- {
		evicted := old.entryAt(n)
		next.superseded[evicted.ID().Hash] = &superseded{entry: evicted, forkPoint: forkPoint}
		events = append(events, Event{Kind: EventInvalidated, ID: evicted.ID()})
	}
	next.canonical = next.canonical[:forkPoint.Number-old.base+1]
	for i := len(branch) - 1; i >= 0; i-- {
		e := branch[i]
		delete(next.superseded, e.ID().Hash)
		next.canonical = append(next.canonical, e)
		events = append(events, Event{Kind: EventAccepted, ID: e.ID()})
	}

	span.SetAttributes(
		attribute.Int64("depth", int64(depth)),
		attribute.Int64("fork_point", int64(forkPoint.Number)),
	)
	v.logger.Warn("chain reorganization",
		zap.Stringer("old_head", head),
		zap.Stringer("new_head", block.ID()),
		zap.Stringer("fork_point", forkPoint),
		zap.Uint64("depth", depth),
	)

	if err := v.commit(ctx, old, next, events, depth); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return events, nil
}

// ancestor returns the parent of cur, preferring retained blocks over the
// fetcher
func (v *View) ancestor(ctx context.Context, old *Snapshot, cur *types.Block) (*Entry, error) {
	want := cur.ParentID()
	if sup, ok := old.superseded[want.Hash]; ok {
		return sup.entry, nil
	}
	if v.fetcher == nil {
		return nil, fmt.Errorf("ancestor %s of %s unavailable: %w", want, cur.ID(), types.ErrNotFound)
	}
	parent, err := v.fetcher.BlockByHash(ctx, want.Hash)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch ancestor %s: %w", want, err)
	}
	if !parent.ID().Equal(want) {
		return nil, types.NewProviderError(types.KindTransient, "ancestor",
			fmt.Errorf("provider returned %s for %s", parent.ID(), want))
	}
	return v.newEntry(parent), nil
}

func (v *View) entryFor(old *Snapshot, block *types.Block) *Entry {
	if sup, ok := old.superseded[block.Header.Hash]; ok && sup.entry.ID().Equal(block.ID()) {
		return sup.entry
	}
	return v.newEntry(block)
}

func (v *View) newEntry(block *types.Block) *Entry {
	return &Entry{Block: block, Index: bloom.Build(block.Events, v.config.Bloom)}
}

// commit finalizes blocks that left the retention window, persists them with
// any newly superseded blocks, then publishes next and notifies listeners
func (v *View) commit(ctx context.Context, old, next *Snapshot, events []Event, reorgDepth uint64) error {
	finalized, rejected := v.prune(next)
	// superseded blocks are recorded right away so their cursors survive a
	// restart before they leave the window
	for _, ev := range events {
		if ev.Kind != EventInvalidated {
			continue
		}
		if sup, ok := next.superseded[ev.ID.Hash]; ok {
			rejected = append(rejected, &storage.RejectedBlock{ID: ev.ID, ForkPoint: sup.forkPoint})
		}
	}

	if v.store != nil && (len(finalized) > 0 || len(rejected) > 0) {
		// Persist even if the caller is shutting down so the batch is
		// either fully written or not attempted
		if err := v.store.WriteFinalized(context.WithoutCancel(ctx), finalized, rejected); err != nil {
			return fmt.Errorf("failed to persist chain state: %w", err)
		}
	}

	v.snap.Store(next)
	close(old.changed)

	v.metrics.observe(next, events, reorgDepth, len(finalized))
	if head, ok := next.Head(); ok {
		v.logger.Debug("chain advanced",
			zap.Stringer("head", head),
			zap.Int("events", len(events)),
			zap.Int("finalized", len(finalized)),
		)
	}

	v.lmu.RLock()
	listeners := v.listeners
	v.lmu.RUnlock()
	for _, l := range listeners {
		l.OnChainEvents(events, next)
	}
	return nil
}

// prune removes blocks more than RetentionWindow behind the head from next and
// returns what must be persisted
func (v *View) prune(next *Snapshot) ([]*storage.StoredBlock, []*storage.RejectedBlock) {
	head, ok := next.Head()
	if !ok || head.Number <= v.config.RetentionWindow {
		return nil, nil
	}
	cut := head.Number - v.config.RetentionWindow
	if cut <= next.base {
		return nil, nil
	}

	drop := cut - next.base
	finalized := make([]*storage.StoredBlock, 0, drop)
	for _, e := range next.canonical[:drop] {
		finalized = append(finalized, storage.NewStoredBlock(e.Block, e.Index, types.StatusFinalized))
	}
	last := next.canonical[drop-1].ID()
	next.canonical = append([]*Entry(nil), next.canonical[drop:]...)
	next.base = cut
	next.finalized = last
	next.hasFinalized = true

	var rejected []*storage.RejectedBlock
	for hash, sup := range next.superseded {
		if sup.entry.Block.Number() < cut {
			rejected = append(rejected, &storage.RejectedBlock{ID: sup.entry.ID(), ForkPoint: sup.forkPoint})
			delete(next.superseded, hash)
		}
	}
	return finalized, rejected
}

// IsReorgTooDeep reports whether err is a reorg beyond the configured depth
func IsReorgTooDeep(err error) bool {
	return errors.Is(err, types.ErrReorgTooDeep)
}
