// Package stream fans the canonical chain out to subscribers. Each
// subscription walks the chain from its own cursor through a bounded queue,
// so a slow subscriber pauses only itself.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/0xmhha/chainstream/internal/constants"
	"github.com/0xmhha/chainstream/pkg/chain"
	"github.com/0xmhha/chainstream/pkg/filter"
	"github.com/0xmhha/chainstream/pkg/storage"
	"github.com/0xmhha/chainstream/pkg/types"
)

// Default configuration values
const (
	DefaultQueueDepth     = constants.DefaultQueueDepth
	DefaultMaxSubscribers = constants.DefaultMaxSubscribers
	MaxQueueDepth         = 65536
)

// Source provides chain snapshots
type Source interface {
	Snapshot() *chain.Snapshot
}

// CheckpointStore persists named subscriber cursors
type CheckpointStore interface {
	PutCheckpoint(ctx context.Context, name string, rec storage.CheckpointRecord) error
	Checkpoint(ctx context.Context, name string) (storage.CheckpointRecord, error)
	DeleteCheckpoint(ctx context.Context, name string) error
}

// Config holds dispatcher configuration
type Config struct {
	// QueueDepth is the per-subscription queue size when a request does not set one
	QueueDepth int

	MaxSubscribers   int
	MaxFilterClauses int

	// RetentionWindow is the lag beyond which a saturated subscriber is
	// cancelled with Lagging
	RetentionWindow uint64
}

// DefaultConfig returns the default dispatcher configuration
func DefaultConfig() *Config {
	return &Config{
		QueueDepth:       DefaultQueueDepth,
		MaxSubscribers:   DefaultMaxSubscribers,
		MaxFilterClauses: filter.DefaultMaxClauses,
		RetentionWindow:  constants.DefaultRetentionWindow,
	}
}

// Validate validates the dispatcher configuration
func (c *Config) Validate() error {
	if c.QueueDepth <= 0 || c.QueueDepth > MaxQueueDepth {
		return fmt.Errorf("queue depth must be within [1, %d]", MaxQueueDepth)
	}
	if c.MaxSubscribers <= 0 {
		return fmt.Errorf("max subscribers must be positive")
	}
	if c.RetentionWindow == 0 {
		return fmt.Errorf("retention window must be positive")
	}
	return nil
}

// SubscribeRequest describes a new subscription. A nil Cursor starts from
// the stored checkpoint named Checkpoint, or from genesis when there is none.
type SubscribeRequest struct {
	Cursor     types.Cursor
	Filter     *filter.Filter
	Checkpoint string
	QueueDepth int
}

// SubscriberInfo contains information about a subscriber
type SubscriberInfo struct {
	ID         SubscriptionID `json:"id"`
	Cursor     string         `json:"cursor"`
	Acked      string         `json:"acked"`
	Checkpoint string         `json:"checkpoint,omitempty"`
	Clauses    int            `json:"clauses"`
	QueueLen   int            `json:"queueLen"`
	QueueCap   int            `json:"queueCap"`
	Enqueued   uint64         `json:"enqueued"`
	Delivered  uint64         `json:"delivered"`
	State      string         `json:"state"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// Stats are cumulative dispatcher counters
type Stats struct {
	Active     int    `json:"active"`
	Subscribed uint64 `json:"subscribed"`
	Lagging    uint64 `json:"lagging"`
	Enqueued   uint64 `json:"enqueued"`
}

// Dispatcher is the subscription registry. It implements chain.Listener to
// detect lagging subscribers.
type Dispatcher struct {
	config      *Config
	source      Source
	checkpoints CheckpointStore
	logger      *zap.Logger
	metrics     *Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.RWMutex
	subs map[SubscriptionID]*Subscription
	// ended holds terminated subscriptions until their error is read or
	// they are cancelled; they do not count toward MaxSubscribers
	ended  map[SubscriptionID]*Subscription
	closed bool
	seq    atomic.Uint64

	stats struct {
		subscribed atomic.Uint64
		lagging    atomic.Uint64
		enqueued   atomic.Uint64
	}
}

// NewDispatcher creates a dispatcher over source. checkpoints may be nil, in
// which case named checkpoints are neither loaded nor stored.
func NewDispatcher(cfg *Config, source Source, checkpoints CheckpointStore, logger *zap.Logger, metrics *Metrics) (*Dispatcher, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid stream config: %w", err)
	}
	if source == nil {
		return nil, fmt.Errorf("chain source is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		config:      cfg,
		source:      source,
		checkpoints: checkpoints,
		logger:      logger,
		metrics:     metrics,
		ctx:         ctx,
		cancel:      cancel,
		subs:        make(map[SubscriptionID]*Subscription),
		ended:       make(map[SubscriptionID]*Subscription),
	}, nil
}

// Subscribe registers a subscription and starts its delivery goroutine. It
// fails with types.ErrCursorNotFound when the cursor was never observed.
// A stored checkpoint is trusted: one above the head waits for ingestion to
// reach it, and one the chain no longer knows is rewound to the finalized
// block recorded with it.
func (d *Dispatcher) Subscribe(ctx context.Context, req SubscribeRequest) (*Subscription, error) {
	f := req.Filter.Clone()
	if err := f.Validate(d.config.MaxFilterClauses); err != nil {
		return nil, fmt.Errorf("invalid filter: %w", err)
	}

	var (
		cursor types.Cursor
		anchor *types.BlockID
	)
	if !types.IsGenesis(req.Cursor) {
		cursor = types.CursorOf(*req.Cursor)
	} else if req.Checkpoint != "" && d.checkpoints != nil {
		rec, err := d.checkpoints.Checkpoint(ctx, req.Checkpoint)
		switch {
		case err == nil:
			cursor = types.CursorOf(rec.Cursor)
			anchor = &rec.Finalized
		case errors.Is(err, storage.ErrNotFound):
		default:
			return nil, fmt.Errorf("failed to load checkpoint %q: %w", req.Checkpoint, err)
		}
	}
	if !types.IsGenesis(cursor) {
		res, err := d.source.Snapshot().Resolve(ctx, cursor)
		switch {
		case err != nil && (anchor == nil || !errors.Is(err, types.ErrCursorNotFound)):
			return nil, err
		case err == nil && res.Kind == chain.CursorPending && anchor == nil:
			return nil, &types.CursorError{Cursor: *cursor}
		}
	}

	depth := req.QueueDepth
	if depth <= 0 {
		depth = d.config.QueueDepth
	}
	if depth > MaxQueueDepth {
		depth = MaxQueueDepth
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrDispatcherClosed
	}
	if len(d.subs) >= d.config.MaxSubscribers {
		d.mu.Unlock()
		return nil, ErrTooManySubscribers
	}
	seq := d.seq.Add(1)
	subCtx, cancel := context.WithCancel(d.ctx)
	s := &Subscription{
		id:            SubscriptionID(fmt.Sprintf("sub-%d", seq)),
		seq:           seq,
		checkpoint:    req.Checkpoint,
		createdAt:     time.Now(),
		d:             d,
		queue:         make(chan Message, depth),
		filterChanged: make(chan struct{}, 1),
		ctx:           subCtx,
		cancel:        cancel,
		done:          make(chan struct{}),
		filter:        f,
		acked:         cursor,
		start:         cursor,
		anchor:        anchor,
	}
	s.enqueued.Store(cursor)
	s.delivered(cursor)
	d.subs[s.id] = s
	active := len(d.subs)
	d.wg.Add(1)
	d.mu.Unlock()

	d.stats.subscribed.Add(1)
	d.metrics.subscribed(active)
	d.logger.Info("subscription created",
		zap.String("subscription", string(s.id)),
		zap.String("cursor", types.CursorString(cursor)),
		zap.String("checkpoint", req.Checkpoint),
		zap.Int("queue_depth", depth))

	go s.run(cursor, anchor)
	return s, nil
}

// Get returns the subscription registered under id, including a terminated
// one whose error has not been read yet
func (d *Dispatcher) Get(id SubscriptionID) (*Subscription, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if s, ok := d.subs[id]; ok {
		return s, true
	}
	s, ok := d.ended[id]
	return s, ok
}

// Next returns the next message for id. A terminated subscription reports
// its terminal error once and is then forgotten.
func (d *Dispatcher) Next(ctx context.Context, id SubscriptionID) (Message, error) {
	s, ok := d.Get(id)
	if !ok {
		return Message{}, types.ErrSubscriptionClosed
	}
	msg, err := s.Next(ctx)
	if err != nil && ctx.Err() == nil {
		d.remove(s)
	}
	return msg, err
}

// UpdateFilter replaces the filter of id from the next undelivered block
func (d *Dispatcher) UpdateFilter(id SubscriptionID, f *filter.Filter) error {
	s, ok := d.Get(id)
	if !ok {
		return types.ErrSubscriptionClosed
	}
	return s.UpdateFilter(f)
}

// Ack records cursor as consumed by id
func (d *Dispatcher) Ack(ctx context.Context, id SubscriptionID, cursor types.Cursor) error {
	s, ok := d.Get(id)
	if !ok {
		return types.ErrSubscriptionClosed
	}
	return s.Ack(ctx, cursor)
}

// Cancel terminates id and releases its queue. Cancelling an unknown id is a
// no-op.
func (d *Dispatcher) Cancel(id SubscriptionID) {
	s, ok := d.Get(id)
	if !ok {
		return
	}
	if s.terminate(types.ErrSubscriptionClosed) {
		d.logger.Info("subscription cancelled", zap.String("subscription", string(id)))
	}
	d.remove(s)
}

func (d *Dispatcher) remove(s *Subscription) {
	d.mu.Lock()
	if cur, ok := d.subs[s.id]; ok && cur == s {
		delete(d.subs, s.id)
	}
	if cur, ok := d.ended[s.id]; ok && cur == s {
		delete(d.ended, s.id)
	}
	active := len(d.subs)
	d.mu.Unlock()
	d.metrics.subscribed(active)
}

// retire moves a terminated subscription out of the active set
func (d *Dispatcher) retire(s *Subscription) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	if cur, ok := d.subs[s.id]; ok && cur == s {
		delete(d.subs, s.id)
		d.ended[s.id] = s
	}
	active := len(d.subs)
	d.mu.Unlock()
	d.metrics.subscribed(active)
}

// OnChainEvents cancels subscribers whose queue is full while their enqueued
// cursor trails the new head by more than the retention window
func (d *Dispatcher) OnChainEvents(_ []chain.Event, snap *chain.Snapshot) {
	head, ok := snap.Head()
	if !ok {
		return
	}

	d.mu.RLock()
	var lagging []*Subscription
	for _, s := range d.subs {
		if s.saturated() && s.lag(head, snap.Start()) > d.config.RetentionWindow {
			lagging = append(lagging, s)
		}
	}
	d.mu.RUnlock()

	for _, s := range lagging {
		err := fmt.Errorf("subscription %s trails head %d: %w", s.id, head.Number, types.ErrLagging)
		if !s.terminate(err) {
			continue
		}
		d.stats.lagging.Add(1)
		d.metrics.lagging()
		d.logger.Warn("subscription lagging, cancelled",
			zap.String("subscription", string(s.id)),
			zap.Uint64("head", head.Number),
			zap.Uint64("lag", s.lag(head, snap.Start())))
	}
}

// Subscribers returns information about all registered subscriptions,
// including terminated ones whose error has not been read
func (d *Dispatcher) Subscribers() []SubscriberInfo {
	d.mu.RLock()
	subs := make([]*Subscription, 0, len(d.subs)+len(d.ended))
	for _, s := range d.subs {
		subs = append(subs, s)
	}
	for _, s := range d.ended {
		subs = append(subs, s)
	}
	d.mu.RUnlock()
	sort.Slice(subs, func(i, j int) bool { return subs[i].seq < subs[j].seq })

	infos := make([]SubscriberInfo, 0, len(subs))
	for _, s := range subs {
		s.mu.Lock()
		acked, clauses, err := s.acked, len(s.filter.Clauses), s.err
		s.mu.Unlock()

		state := "active"
		switch {
		case errors.Is(err, types.ErrLagging):
			state = "lagging"
		case err != nil:
			state = "closed"
		}
		infos = append(infos, SubscriberInfo{
			ID:         s.id,
			Cursor:     types.CursorString(s.enqueued.Load()),
			Acked:      types.CursorString(acked),
			Checkpoint: s.checkpoint,
			Clauses:    clauses,
			QueueLen:   len(s.queue),
			QueueCap:   cap(s.queue),
			Enqueued:   s.enqueuedCount.Load(),
			Delivered:  s.deliveredCnt.Load(),
			State:      state,
			CreatedAt:  s.createdAt,
		})
	}
	return infos
}

// Stats returns dispatcher counters
func (d *Dispatcher) Stats() Stats {
	d.mu.RLock()
	active := len(d.subs)
	d.mu.RUnlock()

	return Stats{
		Active:     active,
		Subscribed: d.stats.subscribed.Load(),
		Lagging:    d.stats.lagging.Load(),
		Enqueued:   d.stats.enqueued.Load(),
	}
}

// Close cancels every subscription and waits for delivery goroutines to exit
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	subs := make([]*Subscription, 0, len(d.subs))
	for _, s := range d.subs {
		subs = append(subs, s)
	}
	d.subs = make(map[SubscriptionID]*Subscription)
	d.ended = make(map[SubscriptionID]*Subscription)
	d.mu.Unlock()

	for _, s := range subs {
		s.terminate(types.ErrSubscriptionClosed)
	}
	d.cancel()
	d.wg.Wait()
	d.metrics.subscribed(0)
	d.logger.Info("dispatcher closed", zap.Int("subscriptions", len(subs)))
}
