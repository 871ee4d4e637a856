package websocket

import (
	"encoding/json"

	"github.com/0xmhha/chainstream/pkg/filter"
	"github.com/0xmhha/chainstream/pkg/stream"
	"github.com/0xmhha/chainstream/pkg/types"
)

// MessageType is the type of a websocket envelope
type MessageType string

// Client to server
const (
	TypeConfigure MessageType = "configure"
	TypeAck       MessageType = "ack"
	TypePing      MessageType = "ping"
)

// Server to client
const (
	TypeConfigured MessageType = "configured"
	TypeData       MessageType = "data"
	TypeInvalidate MessageType = "invalidate"
	TypeHeartbeat  MessageType = "heartbeat"
	TypePong       MessageType = "pong"
	TypeError      MessageType = "error"
)

// Error codes. Every code except CodeInternal ends the connection.
const (
	CodeLagging            = "lagging"
	CodeCursorNotFound     = "cursor_not_found"
	CodeSubscriptionClosed = "subscription_closed"
	CodeInvalidRequest     = "invalid_request"
	CodeInternal           = "internal"
)

// Message is the JSON envelope for every frame
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ConfigureRequest starts a new stream, replacing any current one. Without a
// cursor the stream resumes from the named checkpoint, or from genesis.
type ConfigureRequest struct {
	Cursor     *types.BlockID `json:"cursor,omitempty"`
	Filter     *filter.Filter `json:"filter"`
	Checkpoint string         `json:"checkpoint,omitempty"`
	QueueDepth int            `json:"queue_depth,omitempty"`
}

// AckRequest confirms the client has consumed up to Cursor. A null cursor
// acknowledges genesis.
type AckRequest struct {
	Cursor *types.BlockID `json:"cursor"`
}

// ConfiguredPayload confirms a configure and carries the new stream id
type ConfiguredPayload struct {
	StreamID       uint64 `json:"stream_id"`
	SubscriptionID string `json:"subscription_id"`
}

// DataPayload carries one filtered block
type DataPayload struct {
	StreamID     uint64               `json:"stream_id"`
	CursorBefore *types.BlockID       `json:"cursor_before"`
	CursorAfter  *types.BlockID       `json:"cursor_after"`
	Finality     types.Finality       `json:"finality"`
	Block        *types.FilteredBlock `json:"block"`
}

// InvalidatePayload tells the client to discard blocks in Range and rewind
// to CursorAfter
type InvalidatePayload struct {
	StreamID     uint64         `json:"stream_id"`
	CursorBefore *types.BlockID `json:"cursor_before"`
	CursorAfter  *types.BlockID `json:"cursor_after"`
	Range        *stream.Range  `json:"range"`
}

// HeartbeatPayload is sent when a stream has been idle for the heartbeat
// interval
type HeartbeatPayload struct {
	StreamID uint64 `json:"stream_id"`
}

// ErrorPayload reports a failure. StreamID is zero for connection level
// errors.
type ErrorPayload struct {
	StreamID uint64 `json:"stream_id,omitempty"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

// encode wraps payload in an envelope
func encode(typ MessageType, payload interface{}) ([]byte, error) {
	msg := Message{Type: typ}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		msg.Payload = raw
	}
	return json.Marshal(msg)
}

// encodeStream converts a dispatcher message into its wire envelope
func encodeStream(streamID uint64, msg stream.Message) ([]byte, error) {
	switch msg.Kind {
	case stream.KindData:
		return encode(TypeData, DataPayload{
			StreamID:     streamID,
			CursorBefore: msg.CursorBefore,
			CursorAfter:  msg.CursorAfter,
			Finality:     msg.Finality,
			Block:        msg.Block,
		})
	case stream.KindInvalidate:
		return encode(TypeInvalidate, InvalidatePayload{
			StreamID:     streamID,
			CursorBefore: msg.CursorBefore,
			CursorAfter:  msg.CursorAfter,
			Range:        msg.Invalidated,
		})
	default:
		return encode(TypeHeartbeat, HeartbeatPayload{StreamID: streamID})
	}
}
