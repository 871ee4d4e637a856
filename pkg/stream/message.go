package stream

import (
	"errors"
	"fmt"

	"github.com/0xmhha/chainstream/pkg/types"
)

// MessageKind identifies the payload of a stream message
type MessageKind uint8

const (
	KindData MessageKind = iota + 1
	KindInvalidate
	KindHeartbeat
)

func (k MessageKind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindInvalidate:
		return "invalidate"
	case KindHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// Range is an inclusive span of block numbers removed from the canonical
// chain. OutOfRange is set when the subscriber's cursor had already been
// pruned from memory and the range was recovered from the rejected record.
type Range struct {
	From       uint64 `json:"from"`
	To         uint64 `json:"to"`
	OutOfRange bool   `json:"outOfRange,omitempty"`
}

// Message is one unit of delivery to a subscriber. CursorAfter is the cursor
// the subscriber holds once it has consumed the message.
type Message struct {
	Kind         MessageKind
	CursorBefore types.Cursor
	CursorAfter  types.Cursor
	Finality     types.Finality
	Block        *types.FilteredBlock
	Invalidated  *Range
}

func (m Message) String() string {
	switch m.Kind {
	case KindData:
		return fmt.Sprintf("data(%s -> %s, %s)", types.CursorString(m.CursorBefore), types.CursorString(m.CursorAfter), m.Finality)
	case KindInvalidate:
		return fmt.Sprintf("invalidate(%d..%d, rewind to %s)", m.Invalidated.From, m.Invalidated.To, types.CursorString(m.CursorAfter))
	default:
		return m.Kind.String()
	}
}

// Dispatcher errors that are not subscriber scoped
var (
	ErrTooManySubscribers = errors.New("too many subscribers")
	ErrDispatcherClosed   = errors.New("dispatcher closed")

	// ErrInvalidAck rejects an ack for a cursor the subscriber was never
	// handed or the chain cannot place. The subscription stays open.
	ErrInvalidAck = errors.New("invalid ack")
)
