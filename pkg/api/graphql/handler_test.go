package graphql

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/0xmhha/chainstream/internal/testutil"
	"github.com/0xmhha/chainstream/pkg/chain"
	"github.com/0xmhha/chainstream/pkg/ingest"
	"github.com/0xmhha/chainstream/pkg/stream"
)

type mockIngest struct {
	status  ingest.Status
	healthy bool
}

func (m *mockIngest) Status() ingest.Status { return m.status }
func (m *mockIngest) Healthy() bool         { return m.healthy }

type mockStream struct {
	subs  []stream.SubscriberInfo
	stats stream.Stats
}

func (m *mockStream) Subscribers() []stream.SubscriberInfo { return m.subs }
func (m *mockStream) Stats() stream.Stats                  { return m.stats }

func setupTestHandler(t *testing.T) *Handler {
	t.Helper()

	cfg := chain.DefaultConfig()
	cfg.RetentionWindow = 2
	view, err := chain.Open(context.Background(), cfg, nil, testutil.NewMockProvider(), zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("failed to open view: %v", err)
	}
	for _, b := range testutil.Branch(0, 4, 0, 0) {
		if _, err := view.Accept(context.Background(), b); err != nil {
			t.Fatalf("failed to accept %s: %v", b.ID(), err)
		}
	}

	handler, err := NewHandler(view, zap.NewNop(), &HandlerOptions{
		Ingest: &mockIngest{
			status: ingest.Status{
				State:               ingest.StateBackoff,
				Since:               time.Unix(1700000000, 0),
				LastError:           "connection refused",
				ConsecutiveFailures: 3,
				BlocksAccepted:      5,
			},
			healthy: true,
		},
		Stream: &mockStream{
			subs: []stream.SubscriberInfo{{
				ID:       "sub-1",
				Cursor:   "genesis",
				Acked:    "genesis",
				QueueCap: 256,
				State:    "active",
			}},
			stats: stream.Stats{Active: 1, Subscribed: 4, Lagging: 1, Enqueued: 42},
		},
	})
	if err != nil {
		t.Fatalf("failed to create handler: %v", err)
	}
	return handler
}

func field(t *testing.T, data interface{}, path ...string) interface{} {
	t.Helper()
	cur := data
	for _, p := range path {
		m, ok := cur.(map[string]interface{})
		if !ok {
			t.Fatalf("expected object at %q, got %T", p, cur)
		}
		cur = m[p]
	}
	return cur
}

func TestHeadAndFinalized(t *testing.T) {
	handler := setupTestHandler(t)

	result := handler.ExecuteQuery(context.Background(), `{ head { number hash } finalized { number } }`, nil)
	if len(result.Errors) > 0 {
		t.Fatalf("query failed: %v", result.Errors)
	}

	if got := field(t, result.Data, "head", "number"); got != "4" {
		t.Errorf("expected head 4, got %v", got)
	}
	if got := field(t, result.Data, "head", "hash"); got != testutil.BlockHash(4, 0).Hex() {
		t.Errorf("unexpected head hash %v", got)
	}
	// with a window of 2 everything below head-2 is final
	if got := field(t, result.Data, "finalized", "number"); got != "1" {
		t.Errorf("expected finalized 1, got %v", got)
	}
}

func TestChainWindow(t *testing.T) {
	handler := setupTestHandler(t)

	result := handler.ExecuteQuery(context.Background(), `{ chain { start base retained canonical { number } } }`, nil)
	if len(result.Errors) > 0 {
		t.Fatalf("query failed: %v", result.Errors)
	}

	canonical, ok := field(t, result.Data, "chain", "canonical").([]interface{})
	if !ok {
		t.Fatalf("expected canonical list")
	}
	retained := field(t, result.Data, "chain", "retained")
	if retained != len(canonical) {
		t.Errorf("retained %v does not match canonical length %d", retained, len(canonical))
	}
	if got := field(t, canonical[len(canonical)-1], "number"); got != "4" {
		t.Errorf("expected window to end at 4, got %v", got)
	}
}

func TestBlockQuery(t *testing.T) {
	handler := setupTestHandler(t)

	result := handler.ExecuteQuery(context.Background(),
		`query($n: String!) { block(number: $n) { number hash finality eventCount transactionCount } }`,
		map[string]interface{}{"n": "3"})
	if len(result.Errors) > 0 {
		t.Fatalf("query failed: %v", result.Errors)
	}
	if got := field(t, result.Data, "block", "hash"); got != testutil.BlockHash(3, 0).Hex() {
		t.Errorf("unexpected hash %v", got)
	}
	if got := field(t, result.Data, "block", "eventCount"); got != 1 {
		t.Errorf("expected 1 event, got %v", got)
	}

	result = handler.ExecuteQuery(context.Background(), `{ block(number: "99") { number } }`, nil)
	if len(result.Errors) > 0 {
		t.Fatalf("query failed: %v", result.Errors)
	}
	if got := field(t, result.Data, "block"); got != nil {
		t.Errorf("expected null for unknown block, got %v", got)
	}

	result = handler.ExecuteQuery(context.Background(), `{ block(number: "abc") { number } }`, nil)
	if len(result.Errors) == 0 {
		t.Error("expected error for invalid number")
	}
}

func TestIngestionAndSubscribers(t *testing.T) {
	handler := setupTestHandler(t)

	result := handler.ExecuteQuery(context.Background(), `{
		ingestion { state healthy lastError consecutiveFailures blocksAccepted lastPoll }
		subscribers { id state queueCap checkpoint }
		streamStats { active lagging enqueued }
	}`, nil)
	if len(result.Errors) > 0 {
		t.Fatalf("query failed: %v", result.Errors)
	}

	if got := field(t, result.Data, "ingestion", "state"); got != "backoff" {
		t.Errorf("expected backoff, got %v", got)
	}
	if got := field(t, result.Data, "ingestion", "lastPoll"); got != nil {
		t.Errorf("expected null lastPoll, got %v", got)
	}
	if got := field(t, result.Data, "ingestion", "blocksAccepted"); got != "5" {
		t.Errorf("expected 5 blocks accepted, got %v", got)
	}

	subs, ok := field(t, result.Data, "subscribers").([]interface{})
	if !ok || len(subs) != 1 {
		t.Fatalf("expected one subscriber, got %v", field(t, result.Data, "subscribers"))
	}
	if got := field(t, subs[0], "id"); got != "sub-1" {
		t.Errorf("unexpected subscriber id %v", got)
	}
	if got := field(t, result.Data, "streamStats", "enqueued"); got != "42" {
		t.Errorf("expected 42 enqueued, got %v", got)
	}
}

func TestIntrospection(t *testing.T) {
	handler := setupTestHandler(t)

	result := handler.ExecuteQuery(context.Background(), `{ __schema { queryType { fields { name } } } }`, nil)
	if len(result.Errors) > 0 {
		t.Fatalf("introspection failed: %v", result.Errors)
	}

	fields, _ := field(t, result.Data, "__schema", "queryType", "fields").([]interface{})
	names := make(map[string]bool)
	for _, f := range fields {
		names[field(t, f, "name").(string)] = true
	}
	for _, want := range []string{"head", "finalized", "chain", "block", "ingestion", "subscribers", "streamStats"} {
		if !names[want] {
			t.Errorf("query field %q missing from schema", want)
		}
	}
}

func TestOptionalSources(t *testing.T) {
	view, err := chain.Open(context.Background(), chain.DefaultConfig(), nil, testutil.NewMockProvider(), zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("failed to open view: %v", err)
	}
	handler, err := NewHandler(view, nil, nil)
	if err != nil {
		t.Fatalf("failed to create handler: %v", err)
	}

	result := handler.ExecuteQuery(context.Background(), `{ head { number } }`, nil)
	if len(result.Errors) > 0 {
		t.Fatalf("query failed: %v", result.Errors)
	}
	if got := field(t, result.Data, "head"); got != nil {
		t.Errorf("expected null head on empty chain, got %v", got)
	}

	result = handler.ExecuteQuery(context.Background(), `{ ingestion { state } }`, nil)
	if len(result.Errors) == 0 {
		t.Error("expected error querying an unregistered field")
	}

	if _, err := NewHandler(nil, nil, nil); err == nil {
		t.Error("expected error without a chain source")
	}
}

func TestHTTPHandler(t *testing.T) {
	handler := setupTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/graphql", strings.NewReader(`{"query":"{ head { number } }"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"number": "4"`) {
		t.Errorf("unexpected body %s", w.Body.String())
	}
}
