package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/0xmhha/chainstream/pkg/stream"
	"github.com/0xmhha/chainstream/pkg/types"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10
)

// outbound is a frame queued for the write pump. Frames tagged with a stream
// id that is no longer current are dropped.
type outbound struct {
	streamID uint64
	data     []byte
	terminal bool
}

// Client represents a WebSocket client connection. It owns at most one
// subscription at a time.
type Client struct {
	server *Server
	conn   *websocket.Conn
	send   chan outbound

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	failing   atomic.Bool

	streamID     atomic.Uint64
	mu           sync.Mutex
	sub          *stream.Subscription
	streamCancel context.CancelFunc

	logger *zap.Logger
}

func newClient(s *Server, conn *websocket.Conn, logger *zap.Logger) *Client {
	ctx, cancel := context.WithCancel(s.ctx)
	return &Client{
		server: s,
		conn:   conn,
		send:   make(chan outbound, s.config.SendBuffer),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// close cancels the client and its connection. Safe to call repeatedly.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.conn.Close()
	})
}

// readPump reads client frames until the connection fails. An abrupt
// disconnect cancels the current subscription.
func (c *Client) readPump() {
	defer func() {
		c.stopStream()
		c.server.hub.unregister(c)
		c.close()
	}()

	c.conn.SetReadLimit(c.server.config.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}
		// Any frame from the peer proves liveness
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if c.failing.Load() {
			continue
		}
		c.handleMessage(message)
	}
}

// writePump serialises every write to the connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return

		case out := <-c.send:
			if out.streamID != 0 && out.streamID != c.streamID.Load() {
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, out.data); err != nil {
				return
			}
			if out.terminal {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream terminated"))
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage handles incoming messages from the client
func (c *Client) handleMessage(message []byte) {
	var msg Message
	if err := json.Unmarshal(message, &msg); err != nil {
		c.fail(0, CodeInvalidRequest, "invalid message format")
		return
	}

	switch msg.Type {
	case TypeConfigure:
		var req ConfigureRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			c.fail(0, CodeInvalidRequest, "invalid configure payload")
			return
		}
		c.configure(req)

	case TypeAck:
		var req AckRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			c.fail(0, CodeInvalidRequest, "invalid ack payload")
			return
		}
		c.ack(req)

	case TypePing:
		if data, err := encode(TypePong, nil); err == nil {
			c.enqueue(c.ctx, outbound{data: data})
		}

	default:
		c.fail(0, CodeInvalidRequest, "unknown message type: "+string(msg.Type))
	}
}

// configure replaces the current stream. Frames still queued for the old
// stream id are never written.
func (c *Client) configure(req ConfigureRequest) {
	c.stopStream()
	id := c.streamID.Add(1)

	sub, err := c.server.streamer.Subscribe(c.ctx, stream.SubscribeRequest{
		Cursor:     req.Cursor,
		Filter:     req.Filter,
		Checkpoint: req.Checkpoint,
		QueueDepth: req.QueueDepth,
	})
	if err != nil {
		c.fail(id, errorCode(err), err.Error())
		return
	}

	ctx, cancel := context.WithCancel(c.ctx)
	c.mu.Lock()
	c.sub = sub
	c.streamCancel = cancel
	c.mu.Unlock()

	c.logger.Debug("stream configured",
		zap.Uint64("stream_id", id),
		zap.String("subscription", string(sub.ID())))

	data, err := encode(TypeConfigured, ConfiguredPayload{StreamID: id, SubscriptionID: string(sub.ID())})
	if err == nil {
		c.enqueue(ctx, outbound{streamID: id, data: data})
	}

	c.server.wg.Add(1)
	go c.pump(ctx, id, sub)
}

func (c *Client) ack(req AckRequest) {
	c.mu.Lock()
	sub := c.sub
	c.mu.Unlock()
	if sub == nil {
		c.fail(0, CodeInvalidRequest, "ack without an active stream")
		return
	}

	if err := sub.Ack(c.ctx, req.Cursor); err != nil {
		// terminal subscription errors are reported by the pump
		if errors.Is(err, types.ErrLagging) || errors.Is(err, types.ErrSubscriptionClosed) {
			return
		}
		code := CodeInvalidRequest
		if !errors.Is(err, stream.ErrInvalidAck) {
			code = CodeInternal
			c.logger.Warn("failed to persist checkpoint", zap.Error(err))
		}
		data, encErr := encode(TypeError, ErrorPayload{
			StreamID: c.streamID.Load(),
			Code:     code,
			Message:  err.Error(),
		})
		if encErr == nil {
			c.enqueue(c.ctx, outbound{data: data})
		}
	}
}

// stopStream cancels the current subscription, if any
func (c *Client) stopStream() {
	c.mu.Lock()
	sub, cancel := c.sub, c.streamCancel
	c.sub, c.streamCancel = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sub != nil {
		sub.Cancel()
	}
}

// pump moves messages from the subscription to the write pump. A full send
// buffer blocks the pump, which lets the subscription queue fill and the
// dispatcher apply its lagging policy.
func (c *Client) pump(ctx context.Context, id uint64, sub *stream.Subscription) {
	defer c.server.wg.Done()
	heartbeat := c.server.config.HeartbeatInterval

	for {
		nctx, cancel := ctx, context.CancelFunc(func() {})
		if heartbeat > 0 {
			nctx, cancel = context.WithTimeout(ctx, heartbeat)
		}
		msg, err := sub.Next(nctx)
		cancel()

		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				msg = stream.Message{Kind: stream.KindHeartbeat}
			} else {
				c.fail(id, errorCode(err), err.Error())
				return
			}
		}

		data, err := encodeStream(id, msg)
		if err != nil {
			c.logger.Error("failed to encode stream message", zap.Error(err))
			c.fail(id, CodeSubscriptionClosed, "failed to encode message")
			return
		}
		if !c.enqueue(ctx, outbound{streamID: id, data: data}) {
			return
		}
	}
}

// fail sends a terminal error. The write pump closes the connection after
// writing it.
func (c *Client) fail(streamID uint64, code, message string) {
	c.failing.Store(true)
	data, err := encode(TypeError, ErrorPayload{StreamID: streamID, Code: code, Message: message})
	if err != nil {
		c.close()
		return
	}
	c.enqueue(c.ctx, outbound{streamID: streamID, data: data, terminal: true})
}

func (c *Client) enqueue(ctx context.Context, out outbound) bool {
	select {
	case c.send <- out:
		return true
	case <-ctx.Done():
		return false
	}
}

// errorCode maps subscription errors onto wire codes
func errorCode(err error) string {
	switch {
	case errors.Is(err, types.ErrLagging):
		return CodeLagging
	case errors.Is(err, types.ErrCursorNotFound):
		return CodeCursorNotFound
	case errors.Is(err, types.ErrSubscriptionClosed),
		errors.Is(err, stream.ErrDispatcherClosed),
		errors.Is(err, stream.ErrTooManySubscribers):
		return CodeSubscriptionClosed
	default:
		return CodeInvalidRequest
	}
}
