package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/0xmhha/chainstream/internal/testutil"
	"github.com/0xmhha/chainstream/pkg/chain"
	"github.com/0xmhha/chainstream/pkg/stream"
	"github.com/0xmhha/chainstream/pkg/types"
)

const readTimeout = 5 * time.Second

type wsFixture struct {
	t          *testing.T
	provider   *testutil.MockProvider
	view       *chain.View
	dispatcher *stream.Dispatcher
	server     *Server
	url        string
}

func newWSFixture(t *testing.T, cfg *Config) *wsFixture {
	t.Helper()
	f := &wsFixture{t: t, provider: testutil.NewMockProvider()}

	viewCfg := chain.DefaultConfig()
	viewCfg.RetentionWindow = 10
	view, err := chain.Open(context.Background(), viewCfg, nil, f.provider, zap.NewNop(), nil)
	require.NoError(t, err)
	f.view = view

	dispCfg := stream.DefaultConfig()
	dispCfg.RetentionWindow = 10
	f.dispatcher, err = stream.NewDispatcher(dispCfg, view, nil, zap.NewNop(), nil)
	require.NoError(t, err)
	view.AddListener(f.dispatcher)

	f.server, err = NewServer(f.dispatcher, cfg, testutil.NewTestLogger(t))
	require.NoError(t, err)

	ts := httptest.NewServer(f.server)
	f.url = "ws" + strings.TrimPrefix(ts.URL, "http")
	t.Cleanup(func() {
		f.server.Stop()
		ts.Close()
		f.dispatcher.Close()
	})
	return f
}

func (f *wsFixture) accept(blocks ...*types.Block) {
	f.t.Helper()
	for _, b := range blocks {
		_, err := f.view.Accept(context.Background(), b)
		require.NoError(f.t, err)
	}
}

func (f *wsFixture) dial() *websocket.Conn {
	f.t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(f.url, nil)
	require.NoError(f.t, err)
	f.t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, typ MessageType, payload interface{}) {
	t.Helper()
	raw, err := encode(typ, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

func read(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(readTimeout)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func readAs[T any](t *testing.T, conn *websocket.Conn, want MessageType) T {
	t.Helper()
	msg := read(t, conn)
	require.Equal(t, want, msg.Type, string(msg.Payload))
	var out T
	require.NoError(t, json.Unmarshal(msg.Payload, &out))
	return out
}

func TestStreamDeliversBlocks(t *testing.T) {
	f := newWSFixture(t, nil)
	f.accept(testutil.Branch(0, 2, 0, 0)...)

	conn := f.dial()
	send(t, conn, TypeConfigure, ConfigureRequest{})
	configured := readAs[ConfiguredPayload](t, conn, TypeConfigured)
	assert.Equal(t, uint64(1), configured.StreamID)
	assert.NotEmpty(t, configured.SubscriptionID)

	var before *types.BlockID
	for n := uint64(0); n <= 2; n++ {
		data := readAs[DataPayload](t, conn, TypeData)
		assert.Equal(t, uint64(1), data.StreamID)
		require.NotNil(t, data.CursorAfter)
		assert.Equal(t, testutil.ID(n, 0), *data.CursorAfter)
		assert.Equal(t, before, data.CursorBefore)
		assert.Equal(t, types.FinalityAccepted, data.Finality)
		before = data.CursorAfter
	}
}

func TestStreamInvalidatesOnReorg(t *testing.T) {
	f := newWSFixture(t, nil)
	f.accept(testutil.Branch(0, 3, 0, 0)...)

	conn := f.dial()
	send(t, conn, TypeConfigure, ConfigureRequest{})
	readAs[ConfiguredPayload](t, conn, TypeConfigured)
	for n := uint64(0); n <= 3; n++ {
		readAs[DataPayload](t, conn, TypeData)
	}

	fork := testutil.Branch(3, 4, 1, 0)
	f.provider.Add(fork...)
	f.accept(fork[1])

	inv := readAs[InvalidatePayload](t, conn, TypeInvalidate)
	assert.Equal(t, &stream.Range{From: 3, To: 3}, inv.Range)
	require.NotNil(t, inv.CursorAfter)
	assert.Equal(t, testutil.ID(2, 0), *inv.CursorAfter)

	data := readAs[DataPayload](t, conn, TypeData)
	assert.Equal(t, testutil.ID(3, 1), *data.CursorAfter)
}

func TestStreamHeartbeat(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	f := newWSFixture(t, cfg)

	conn := f.dial()
	send(t, conn, TypeConfigure, ConfigureRequest{})
	readAs[ConfiguredPayload](t, conn, TypeConfigured)

	hb := readAs[HeartbeatPayload](t, conn, TypeHeartbeat)
	assert.Equal(t, uint64(1), hb.StreamID)
}

func TestReconfigureBumpsStreamID(t *testing.T) {
	f := newWSFixture(t, nil)
	f.accept(testutil.Branch(0, 1, 0, 0)...)

	conn := f.dial()
	send(t, conn, TypeConfigure, ConfigureRequest{})
	send(t, conn, TypeConfigure, ConfigureRequest{Cursor: &types.BlockID{Number: 0, Hash: testutil.BlockHash(0, 0)}})

	// frames from the first stream may or may not have been written before
	// the second configure, but nothing for stream 1 follows the new
	// configured frame
	for {
		msg := read(t, conn)
		if msg.Type != TypeConfigured {
			continue
		}
		var configured ConfiguredPayload
		require.NoError(t, json.Unmarshal(msg.Payload, &configured))
		if configured.StreamID == 2 {
			break
		}
	}

	data := readAs[DataPayload](t, conn, TypeData)
	assert.Equal(t, uint64(2), data.StreamID)
	assert.Equal(t, testutil.ID(1, 0), *data.CursorAfter)

	testutil.Eventually(t, readTimeout, func() bool {
		return f.dispatcher.Stats().Active == 1
	}, "old subscription cancelled")
}

func TestUnknownCursorIsTerminal(t *testing.T) {
	f := newWSFixture(t, nil)
	f.accept(testutil.Branch(0, 1, 0, 0)...)

	conn := f.dial()
	send(t, conn, TypeConfigure, ConfigureRequest{Cursor: &types.BlockID{Number: 1, Hash: testutil.BlockHash(1, 9)}})

	errMsg := readAs[ErrorPayload](t, conn, TypeError)
	assert.Equal(t, CodeCursorNotFound, errMsg.Code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(readTimeout)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "expected close, got %v", err)
}

func TestInvalidMessageIsTerminal(t *testing.T) {
	f := newWSFixture(t, nil)
	conn := f.dial()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	errMsg := readAs[ErrorPayload](t, conn, TypeError)
	assert.Equal(t, CodeInvalidRequest, errMsg.Code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(readTimeout)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestAckWithoutStream(t *testing.T) {
	f := newWSFixture(t, nil)
	conn := f.dial()

	send(t, conn, TypeAck, AckRequest{})
	errMsg := readAs[ErrorPayload](t, conn, TypeError)
	assert.Equal(t, CodeInvalidRequest, errMsg.Code)
}

func TestInvalidAckKeepsStreamOpen(t *testing.T) {
	f := newWSFixture(t, nil)
	f.accept(testutil.Branch(0, 1, 0, 0)...)

	conn := f.dial()
	send(t, conn, TypeConfigure, ConfigureRequest{})
	readAs[ConfiguredPayload](t, conn, TypeConfigured)
	readAs[DataPayload](t, conn, TypeData)
	last := readAs[DataPayload](t, conn, TypeData)

	ahead := testutil.ID(5, 0)
	send(t, conn, TypeAck, AckRequest{Cursor: &ahead})
	errMsg := readAs[ErrorPayload](t, conn, TypeError)
	assert.Equal(t, CodeInvalidRequest, errMsg.Code)
	assert.Contains(t, errMsg.Message, "invalid ack")

	send(t, conn, TypeAck, AckRequest{Cursor: last.CursorAfter})
	f.accept(testutil.NewBlock(2, 0, 0))
	data := readAs[DataPayload](t, conn, TypeData)
	assert.Equal(t, testutil.ID(2, 0), *data.CursorAfter)
}

func TestPingPong(t *testing.T) {
	f := newWSFixture(t, nil)
	conn := f.dial()

	send(t, conn, TypePing, nil)
	assert.Equal(t, TypePong, read(t, conn).Type)
}

func TestDisconnectCancelsSubscription(t *testing.T) {
	f := newWSFixture(t, nil)
	conn := f.dial()

	send(t, conn, TypeConfigure, ConfigureRequest{})
	readAs[ConfiguredPayload](t, conn, TypeConfigured)
	require.Equal(t, 1, f.dispatcher.Stats().Active)

	require.NoError(t, conn.Close())
	testutil.Eventually(t, readTimeout, func() bool {
		return f.dispatcher.Stats().Active == 0 && f.server.Hub().ClientCount() == 0
	}, "subscription released")
}

func TestMaxClients(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxClients = 1
	f := newWSFixture(t, cfg)

	f.dial()
	testutil.Eventually(t, readTimeout, func() bool { return f.server.Hub().ClientCount() == 1 })

	second := f.dial()
	require.NoError(t, second.SetReadDeadline(time.Now().Add(readTimeout)))
	_, _, err := second.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseTryAgainLater), "expected try-again close, got %v", err)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.SendBuffer = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.HeartbeatInterval = -time.Second
	assert.Error(t, cfg.Validate())
}
