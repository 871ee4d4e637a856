package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0xmhha/chainstream/pkg/bloom"
	"github.com/0xmhha/chainstream/pkg/storage"
	"github.com/0xmhha/chainstream/pkg/types"
)

// maxForkHops bounds how many nested fork points are followed when rewinding
// a superseded cursor
const maxForkHops = 64

// Entry is a block held by the chain view together with its bloom index
type Entry struct {
	Block *types.Block
	Index *bloom.Index
}

// ID returns the block id
func (e *Entry) ID() types.BlockID {
	return e.Block.ID()
}

type superseded struct {
	entry     *Entry
	forkPoint types.BlockID
}

// Snapshot is an immutable view of the chain at one point in time. Readers use
// it without locking; Changed is closed once a newer snapshot is published.
type Snapshot struct {
	seq          uint64
	start        uint64
	base         uint64
	canonical    []*Entry
	superseded   map[common.Hash]*superseded
	finalized    types.BlockID
	hasFinalized bool
	store        *storage.ChainStore
	changed      chan struct{}
}

// Seq increases with every published snapshot
func (s *Snapshot) Seq() uint64 { return s.seq }

// Start is the first block number the view tracks
func (s *Snapshot) Start() uint64 { return s.start }

// Base is the lowest block number held in memory
func (s *Snapshot) Base() uint64 { return s.base }

// Changed is closed when a newer snapshot replaces this one
func (s *Snapshot) Changed() <-chan struct{} { return s.changed }

// Head returns the highest canonical block
func (s *Snapshot) Head() (types.BlockID, bool) {
	if len(s.canonical) == 0 {
		return types.BlockID{}, false
	}
	return s.canonical[len(s.canonical)-1].ID(), true
}

// Finalized returns the highest block persisted as finalized
func (s *Snapshot) Finalized() (types.BlockID, bool) {
	return s.finalized, s.hasFinalized
}

// RetainedCount returns the number of superseded blocks held in memory
func (s *Snapshot) RetainedCount() int {
	return len(s.superseded)
}

// Canonical returns the ids of the in-memory canonical window in order
func (s *Snapshot) Canonical() []types.BlockID {
	ids := make([]types.BlockID, len(s.canonical))
	for i, e := range s.canonical {
		ids[i] = e.ID()
	}
	return ids
}

// entryAt returns the in-memory canonical entry at number
func (s *Snapshot) entryAt(number uint64) *Entry {
	if len(s.canonical) == 0 || number < s.base {
		return nil
	}
	i := number - s.base
	if i >= uint64(len(s.canonical)) {
		return nil
	}
	return s.canonical[i]
}

// CanonicalAt returns the canonical id at number if it is held in memory
func (s *Snapshot) CanonicalAt(number uint64) (types.BlockID, bool) {
	e := s.entryAt(number)
	if e == nil {
		return types.BlockID{}, false
	}
	return e.ID(), true
}

// BlockAt returns the canonical block at number with its finality. Blocks
// below the in-memory window are read from the store.
func (s *Snapshot) BlockAt(ctx context.Context, number uint64) (*Entry, types.Finality, error) {
	if e := s.entryAt(number); e != nil {
		return e, types.FinalityAccepted, nil
	}
	head, ok := s.Head()
	if !ok || number > head.Number {
		return nil, "", fmt.Errorf("block %d: %w", number, types.ErrNotFound)
	}
	if s.store == nil {
		return nil, "", fmt.Errorf("block %d below window without store: %w", number, types.ErrNotFound)
	}
	sb, err := s.store.Block(ctx, number)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, "", fmt.Errorf("block %d: %w", number, types.ErrNotFound)
	}
	if err != nil {
		return nil, "", err
	}
	return &Entry{Block: sb.Block, Index: sb.Index()}, types.FinalityFinalized, nil
}

// ResolutionKind describes where a cursor sits relative to the canonical chain
type ResolutionKind uint8

const (
	// CursorCanonical means the cursor is on the canonical chain
	CursorCanonical ResolutionKind = iota + 1
	// CursorSuperseded means the cursor is a retained superseded block
	CursorSuperseded
	// CursorOutOfRange means the cursor was superseded and already pruned
	CursorOutOfRange
	// CursorPending means the cursor is above the head and not yet known.
	// It is only meaningful for cursors persisted before a restart.
	CursorPending
)

func (k ResolutionKind) String() string {
	switch k {
	case CursorCanonical:
		return "canonical"
	case CursorSuperseded:
		return "superseded"
	case CursorOutOfRange:
		return "out_of_range"
	case CursorPending:
		return "pending"
	default:
		return "unknown"
	}
}

// Resolution is the outcome of placing a cursor on the chain. For superseded
// and out-of-range cursors ForkPoint is the canonical block to rewind to; a
// zero ForkPoint rewinds to genesis.
type Resolution struct {
	Kind      ResolutionKind
	ForkPoint types.BlockID
}

// Resolve places cursor on the chain. Unknown cursors above the head resolve
// to CursorPending; unknown cursors at or below it fail with
// types.ErrCursorNotFound.
func (s *Snapshot) Resolve(ctx context.Context, cursor types.Cursor) (Resolution, error) {
	if types.IsGenesis(cursor) {
		return Resolution{Kind: CursorCanonical}, nil
	}
	id := *cursor

	if e := s.entryAt(id.Number); e != nil && e.ID().Equal(id) {
		return Resolution{Kind: CursorCanonical}, nil
	}
	if sup, ok := s.superseded[id.Hash]; ok && sup.entry.ID().Equal(id) {
		fp, err := s.rewind(ctx, sup.forkPoint)
		if err != nil {
			return Resolution{}, err
		}
		return Resolution{Kind: CursorSuperseded, ForkPoint: fp}, nil
	}

	if s.store != nil {
		if id.Number < s.base {
			canonical, err := s.store.IsCanonical(ctx, id)
			if err != nil {
				return Resolution{}, err
			}
			if canonical {
				return Resolution{Kind: CursorCanonical}, nil
			}
		}
		rejected, err := s.store.Rejected(ctx, id.Hash)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return Resolution{}, err
		}
		if rejected != nil && rejected.ID.Equal(id) {
			fp, err := s.rewind(ctx, rejected.ForkPoint)
			if err != nil {
				return Resolution{}, err
			}
			return Resolution{Kind: CursorOutOfRange, ForkPoint: fp}, nil
		}
	}

	if head, ok := s.Head(); !ok || id.Number > head.Number {
		return Resolution{Kind: CursorPending}, nil
	}
	return Resolution{}, &types.CursorError{Cursor: id}
}

// rewind follows fork points until it reaches a canonical block
func (s *Snapshot) rewind(ctx context.Context, fp types.BlockID) (types.BlockID, error) {
	for hop := 0; hop < maxForkHops; hop++ {
		if fp.IsZero() || fp.Number < s.start {
			return types.BlockID{}, nil
		}
		if e := s.entryAt(fp.Number); e != nil {
			if e.ID().Equal(fp) {
				return fp, nil
			}
		} else if fp.Number < s.base && s.store != nil {
			canonical, err := s.store.IsCanonical(ctx, fp)
			if err != nil {
				return types.BlockID{}, err
			}
			if canonical {
				return fp, nil
			}
		}

		if sup, ok := s.superseded[fp.Hash]; ok {
			fp = sup.forkPoint
			continue
		}
		if s.store != nil {
			rejected, err := s.store.Rejected(ctx, fp.Hash)
			if err == nil {
				fp = rejected.ForkPoint
				continue
			}
			if !errors.Is(err, storage.ErrNotFound) {
				return types.BlockID{}, err
			}
		}
		break
	}

	// Unreachable fork point: rewind to the finalized head, which is canonical
	// by definition
	if s.hasFinalized {
		return s.finalized, nil
	}
	return types.BlockID{}, nil
}

// next returns a copy of s for mutation by Accept
func (s *Snapshot) next() *Snapshot {
	sup := make(map[common.Hash]*superseded, len(s.superseded))
	for k, v := range s.superseded {
		sup[k] = v
	}
	canonical := make([]*Entry, len(s.canonical), len(s.canonical)+1)
	copy(canonical, s.canonical)
	return &Snapshot{
		seq:          s.seq + 1,
		start:        s.start,
		base:         s.base,
		canonical:    canonical,
		superseded:   sup,
		finalized:    s.finalized,
		hasFinalized: s.hasFinalized,
		store:        s.store,
		changed:      make(chan struct{}),
	}
}
