package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/0xmhha/chainstream/pkg/chain"
	"github.com/0xmhha/chainstream/pkg/filter"
	"github.com/0xmhha/chainstream/pkg/storage"
	"github.com/0xmhha/chainstream/pkg/types"
)

// SubscriptionID is a unique identifier for a subscription
type SubscriptionID string

// Subscription is one subscriber's stream. Messages are produced by a single
// delivery goroutine and consumed with Next.
type Subscription struct {
	id         SubscriptionID
	seq        uint64
	checkpoint string
	createdAt  time.Time
	d          *Dispatcher

	queue         chan Message
	filterChanged chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	mu     sync.Mutex
	filter *filter.Filter
	acked  types.Cursor
	err    error

	// start and anchor are the cursor the subscription was opened with and,
	// for a stored checkpoint, the finalized block recorded with it
	start  types.Cursor
	anchor *types.BlockID

	// enqueued is the cursor after the last enqueued message, nil for genesis
	enqueued      atomic.Pointer[types.BlockID]
	// highest is one more than the highest block number handed to the
	// subscriber, zero when nothing was
	highest       atomic.Uint64
	enqueuedCount atomic.Uint64
	deliveredCnt  atomic.Uint64
}

// ID returns the subscription id
func (s *Subscription) ID() SubscriptionID { return s.id }

// Checkpoint returns the durable checkpoint name, empty when none
func (s *Subscription) Checkpoint() string { return s.checkpoint }

// Done is closed once the subscription has terminated
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err returns the reason the subscription terminated, or nil while active
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Next blocks until a message is available. Once the subscription has
// terminated it returns the terminal error even if messages remain queued.
func (s *Subscription) Next(ctx context.Context) (Message, error) {
	select {
	case <-s.done:
		return Message{}, s.Err()
	default:
	}

	select {
	case msg := <-s.queue:
		s.deliveredCnt.Add(1)
		return msg, nil
	case <-s.done:
		return Message{}, s.Err()
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// UpdateFilter replaces the filter. Messages already queued keep the filter
// they were built with.
func (s *Subscription) UpdateFilter(f *filter.Filter) error {
	f = f.Clone()
	if err := f.Validate(s.d.config.MaxFilterClauses); err != nil {
		return err
	}
	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return err
	}
	s.filter = f
	s.mu.Unlock()

	select {
	case s.filterChanged <- struct{}{}:
	default:
	}
	return nil
}

// Ack records cursor as consumed and persists it when the subscription has
// a checkpoint name. Only cursors handed to this subscriber that the chain
// can still place are accepted; anything else fails with ErrInvalidAck.
func (s *Subscription) Ack(ctx context.Context, cursor types.Cursor) error {
	if err := s.Err(); err != nil {
		return err
	}
	if !types.IsGenesis(cursor) {
		cursor = types.CursorOf(*cursor)
	}
	anchor, err := s.checkAck(ctx, cursor)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return err
	}
	s.acked = cursor
	s.mu.Unlock()

	if s.checkpoint == "" || s.d.checkpoints == nil {
		return nil
	}
	if types.IsGenesis(cursor) {
		return s.d.checkpoints.DeleteCheckpoint(ctx, s.checkpoint)
	}
	return s.d.checkpoints.PutCheckpoint(ctx, s.checkpoint, storage.CheckpointRecord{
		Cursor:    *cursor,
		Finalized: anchor,
	})
}

// checkAck validates cursor and returns the finalized block to store with it
func (s *Subscription) checkAck(ctx context.Context, cursor types.Cursor) (types.BlockID, error) {
	snap := s.d.source.Snapshot()
	finalized, _ := snap.Finalized()
	if types.IsGenesis(cursor) {
		return finalized, nil
	}
	if cursor.Number >= s.highest.Load() {
		return types.BlockID{}, fmt.Errorf("%w: cursor %s was not delivered", ErrInvalidAck, cursor)
	}

	res, err := snap.Resolve(ctx, cursor)
	if err != nil {
		if errors.Is(err, types.ErrCursorNotFound) {
			return types.BlockID{}, fmt.Errorf("%w: %v", ErrInvalidAck, err)
		}
		return types.BlockID{}, err
	}
	if res.Kind == chain.CursorPending {
		// only the restored checkpoint can still be ahead of the chain
		if s.anchor == nil || !types.SameCursor(cursor, s.start) {
			return types.BlockID{}, fmt.Errorf("%w: cursor %s is ahead of the chain", ErrInvalidAck, cursor)
		}
		return *s.anchor, nil
	}
	return finalized, nil
}

// Cancel ends the subscription and removes it from the dispatcher
func (s *Subscription) Cancel() {
	s.d.Cancel(s.id)
}

func (s *Subscription) currentFilter() *filter.Filter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter
}

// terminate records err, stops delivery and frees the subscriber slot. Only
// the first call has effect.
func (s *Subscription) terminate(err error) bool {
	first := false
	s.once.Do(func() {
		first = true
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		s.cancel()
		close(s.done)
	})
	if first {
		s.d.retire(s)
	}
	return first
}

// delivered raises the high-water mark used to validate acks. Only the
// delivery goroutine and Subscribe write it.
func (s *Subscription) delivered(cursor types.Cursor) {
	if types.IsGenesis(cursor) {
		return
	}
	if n := cursor.Number + 1; n > s.highest.Load() {
		s.highest.Store(n)
	}
}

func (s *Subscription) saturated() bool {
	return len(s.queue) == cap(s.queue)
}

// lag is how many blocks the enqueued cursor trails head
func (s *Subscription) lag(head types.BlockID, start uint64) uint64 {
	cursor := s.enqueued.Load()
	if cursor == nil || cursor.IsZero() {
		if head.Number < start {
			return 0
		}
		return head.Number - start + 1
	}
	if head.Number <= cursor.Number {
		return 0
	}
	return head.Number - cursor.Number
}

// run is the delivery goroutine. It derives every message from the current
// snapshot and the enqueued cursor, so a reorg observed while the queue is
// full replaces the pending message instead of queueing stale data.
//
// anchor is set while cursor is still a stored checkpoint. If the chain no
// longer knows that block it was replaced while the process was down, and
// the subscriber is rewound to the finalized block recorded with it.
func (s *Subscription) run(cursor types.Cursor, anchor *types.BlockID) {
	defer s.d.wg.Done()
	logger := s.d.logger.With(zap.String("subscription", string(s.id)))

	for {
		snap := s.d.source.Snapshot()
		msg, ok, err := s.nextMessage(s.ctx, snap, cursor)
		if anchor != nil && errors.Is(err, types.ErrCursorNotFound) {
			logger.Info("checkpoint no longer on chain, rewinding",
				zap.String("cursor", types.CursorString(cursor)),
				zap.Stringer("finalized", *anchor))
			msg, ok, err = invalidation(snap, cursor, chain.Resolution{
				Kind:      chain.CursorOutOfRange,
				ForkPoint: *anchor,
			}), true, nil
		}
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			logger.Warn("subscription terminated",
				zap.String("cursor", types.CursorString(cursor)),
				zap.Error(err))
			s.terminate(err)
			return
		}
		if !ok {
			select {
			case <-snap.Changed():
			case <-s.ctx.Done():
				return
			}
			continue
		}

		select {
		case s.queue <- msg:
			cursor = msg.CursorAfter
			anchor = nil
			s.enqueued.Store(cursor)
			s.delivered(cursor)
			s.enqueuedCount.Add(1)
			s.d.stats.enqueued.Add(1)
			s.d.metrics.enqueued(msg.Kind, len(s.queue))
		case <-snap.Changed():
		case <-s.filterChanged:
		case <-s.ctx.Done():
			return
		}
	}
}

// nextMessage computes the message following cursor on snap. It reports
// false when the subscriber is caught up.
func (s *Subscription) nextMessage(ctx context.Context, snap *chain.Snapshot, cursor types.Cursor) (Message, bool, error) {
	head, ok := snap.Head()
	if !ok {
		return Message{}, false, nil
	}

	res, err := snap.Resolve(ctx, cursor)
	if err != nil {
		return Message{}, false, err
	}
	if res.Kind == chain.CursorPending {
		return Message{}, false, nil
	}
	if res.Kind != chain.CursorCanonical {
		return invalidation(snap, cursor, res), true, nil
	}

	n := snap.Start()
	if num, set := types.CursorNumber(cursor); set {
		n = num + 1
	}
	if n > head.Number {
		return Message{}, false, nil
	}

	entry, finality, err := snap.BlockAt(ctx, n)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return Message{}, false, nil
		}
		return Message{}, false, err
	}
	return Message{
		Kind:         KindData,
		CursorBefore: cursor,
		CursorAfter:  types.CursorOf(entry.ID()),
		Finality:     finality,
		Block:        s.currentFilter().Apply(entry.Block, entry.Index),
	}, true, nil
}

// invalidation rewinds a non-canonical cursor to its fork point in one message
func invalidation(snap *chain.Snapshot, cursor types.Cursor, res chain.Resolution) Message {
	from := snap.Start()
	after := types.GenesisCursor()
	if !res.ForkPoint.IsZero() {
		from = res.ForkPoint.Number + 1
		after = types.CursorOf(res.ForkPoint)
	}
	return Message{
		Kind:         KindInvalidate,
		CursorBefore: cursor,
		CursorAfter:  after,
		Invalidated: &Range{
			From:       from,
			To:         cursor.Number,
			OutOfRange: res.Kind == chain.CursorOutOfRange,
		},
	}
}
