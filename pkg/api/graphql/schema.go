package graphql

import (
	"fmt"
	"strconv"
	"time"

	"github.com/graphql-go/graphql"
	"go.uber.org/zap"

	"github.com/0xmhha/chainstream/pkg/chain"
	"github.com/0xmhha/chainstream/pkg/ingest"
	"github.com/0xmhha/chainstream/pkg/stream"
	"github.com/0xmhha/chainstream/pkg/types"
)

// ChainSource exposes the chain view. *chain.View satisfies it.
type ChainSource interface {
	Snapshot() *chain.Snapshot
}

// IngestSource exposes the ingestion loop. *ingest.Loop satisfies it.
type IngestSource interface {
	Status() ingest.Status
	Healthy() bool
}

// StreamSource exposes the dispatcher. *stream.Dispatcher satisfies it.
type StreamSource interface {
	Subscribers() []stream.SubscriberInfo
	Stats() stream.Stats
}

// Schema holds the GraphQL schema
type Schema struct {
	schema graphql.Schema
	chain  ChainSource
	ingest IngestSource
	stream StreamSource
	logger *zap.Logger
}

// SchemaBuilder helps construct a GraphQL schema using the Builder pattern
type SchemaBuilder struct {
	schema  *Schema
	queries graphql.Fields
}

// NewSchemaBuilder creates a new schema builder
func NewSchemaBuilder(chainSrc ChainSource, logger *zap.Logger) *SchemaBuilder {
	return &SchemaBuilder{
		schema: &Schema{
			chain:  chainSrc,
			logger: logger,
		},
		queries: make(graphql.Fields),
	}
}

// Block numbers and counters are serialised as decimal strings so values
// above 2^53 survive JavaScript clients
var bigIntType = graphql.String

var blockIDType = graphql.NewObject(graphql.ObjectConfig{
	Name:        "BlockID",
	Description: "A block identified by number and hash",
	Fields: graphql.Fields{
		"number": &graphql.Field{Type: graphql.NewNonNull(bigIntType)},
		"hash":   &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
	},
})

var blockType = graphql.NewObject(graphql.ObjectConfig{
	Name: "Block",
	Fields: graphql.Fields{
		"number":           &graphql.Field{Type: graphql.NewNonNull(bigIntType)},
		"hash":             &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"parentHash":       &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"timestamp":        &graphql.Field{Type: graphql.NewNonNull(bigIntType)},
		"finality":         &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"transactionCount": &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
		"eventCount":       &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
	},
})

var chainWindowType = graphql.NewObject(graphql.ObjectConfig{
	Name:        "ChainWindow",
	Description: "The in-memory canonical window",
	Fields: graphql.Fields{
		"start":     &graphql.Field{Type: graphql.NewNonNull(bigIntType)},
		"base":      &graphql.Field{Type: graphql.NewNonNull(bigIntType)},
		"retained":  &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
		"head":      &graphql.Field{Type: blockIDType},
		"finalized": &graphql.Field{Type: blockIDType},
		"canonical": &graphql.Field{Type: graphql.NewList(blockIDType)},
	},
})

var ingestionType = graphql.NewObject(graphql.ObjectConfig{
	Name: "Ingestion",
	Fields: graphql.Fields{
		"state":               &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"healthy":             &graphql.Field{Type: graphql.NewNonNull(graphql.Boolean)},
		"since":               &graphql.Field{Type: graphql.String},
		"backoffSince":        &graphql.Field{Type: graphql.String},
		"lastPoll":            &graphql.Field{Type: graphql.String},
		"lastError":           &graphql.Field{Type: graphql.String},
		"consecutiveFailures": &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
		"blocksAccepted":      &graphql.Field{Type: graphql.NewNonNull(bigIntType)},
	},
})

var subscriberType = graphql.NewObject(graphql.ObjectConfig{
	Name: "Subscriber",
	Fields: graphql.Fields{
		"id":         &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"cursor":     &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"acked":      &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"checkpoint": &graphql.Field{Type: graphql.String},
		"clauses":    &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
		"queueLen":   &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
		"queueCap":   &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
		"enqueued":   &graphql.Field{Type: graphql.NewNonNull(bigIntType)},
		"delivered":  &graphql.Field{Type: graphql.NewNonNull(bigIntType)},
		"state":      &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"createdAt":  &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
	},
})

var streamStatsType = graphql.NewObject(graphql.ObjectConfig{
	Name: "StreamStats",
	Fields: graphql.Fields{
		"active":     &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
		"subscribed": &graphql.Field{Type: graphql.NewNonNull(bigIntType)},
		"lagging":    &graphql.Field{Type: graphql.NewNonNull(bigIntType)},
		"enqueued":   &graphql.Field{Type: graphql.NewNonNull(bigIntType)},
	},
})

// WithChainQueries adds head, finalized, chain window and block lookups
func (b *SchemaBuilder) WithChainQueries() *SchemaBuilder {
	s := b.schema

	b.queries["head"] = &graphql.Field{
		Type:        blockIDType,
		Description: "Highest accepted block",
		Resolve: func(p graphql.ResolveParams) (interface{}, error) {
			head, ok := s.chain.Snapshot().Head()
			if !ok {
				return nil, nil
			}
			return blockIDToMap(head), nil
		},
	}
	b.queries["finalized"] = &graphql.Field{
		Type:        blockIDType,
		Description: "Highest finalized block",
		Resolve: func(p graphql.ResolveParams) (interface{}, error) {
			fin, ok := s.chain.Snapshot().Finalized()
			if !ok {
				return nil, nil
			}
			return blockIDToMap(fin), nil
		},
	}
	b.queries["chain"] = &graphql.Field{
		Type: graphql.NewNonNull(chainWindowType),
		Resolve: func(p graphql.ResolveParams) (interface{}, error) {
			return s.resolveChainWindow(), nil
		},
	}
	b.queries["block"] = &graphql.Field{
		Type:        blockType,
		Description: "Canonical block at number, from memory or finalized storage",
		Args: graphql.FieldConfigArgument{
			"number": &graphql.ArgumentConfig{Type: graphql.NewNonNull(bigIntType)},
		},
		Resolve: s.resolveBlock,
	}
	return b
}

// WithIngestionQueries adds the ingestion status query
func (b *SchemaBuilder) WithIngestionQueries(src IngestSource) *SchemaBuilder {
	if src == nil {
		return b
	}
	s := b.schema
	s.ingest = src

	b.queries["ingestion"] = &graphql.Field{
		Type: graphql.NewNonNull(ingestionType),
		Resolve: func(p graphql.ResolveParams) (interface{}, error) {
			st := s.ingest.Status()
			return map[string]interface{}{
				"state":               st.State.String(),
				"healthy":             s.ingest.Healthy(),
				"since":               formatTime(st.Since),
				"backoffSince":        formatTime(st.BackoffSince),
				"lastPoll":            formatTime(st.LastPoll),
				"lastError":           nullable(st.LastError),
				"consecutiveFailures": st.ConsecutiveFailures,
				"blocksAccepted":      strconv.FormatUint(st.BlocksAccepted, 10),
			}, nil
		},
	}
	return b
}

// WithStreamQueries adds subscriber introspection
func (b *SchemaBuilder) WithStreamQueries(src StreamSource) *SchemaBuilder {
	if src == nil {
		return b
	}
	s := b.schema
	s.stream = src

	b.queries["subscribers"] = &graphql.Field{
		Type: graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(subscriberType))),
		Resolve: func(p graphql.ResolveParams) (interface{}, error) {
			infos := s.stream.Subscribers()
			out := make([]map[string]interface{}, 0, len(infos))
			for _, info := range infos {
				out = append(out, map[string]interface{}{
					"id":         string(info.ID),
					"cursor":     info.Cursor,
					"acked":      info.Acked,
					"checkpoint": nullable(info.Checkpoint),
					"clauses":    info.Clauses,
					"queueLen":   info.QueueLen,
					"queueCap":   info.QueueCap,
					"enqueued":   strconv.FormatUint(info.Enqueued, 10),
					"delivered":  strconv.FormatUint(info.Delivered, 10),
					"state":      info.State,
					"createdAt":  info.CreatedAt.UTC().Format(time.RFC3339Nano),
				})
			}
			return out, nil
		},
	}
	b.queries["streamStats"] = &graphql.Field{
		Type: graphql.NewNonNull(streamStatsType),
		Resolve: func(p graphql.ResolveParams) (interface{}, error) {
			st := s.stream.Stats()
			return map[string]interface{}{
				"active":     st.Active,
				"subscribed": strconv.FormatUint(st.Subscribed, 10),
				"lagging":    strconv.FormatUint(st.Lagging, 10),
				"enqueued":   strconv.FormatUint(st.Enqueued, 10),
			}, nil
		},
	}
	return b
}

// Build creates the final GraphQL schema
func (b *SchemaBuilder) Build() (*Schema, error) {
	if b.schema.chain == nil {
		return nil, fmt.Errorf("graphql: chain source is required")
	}
	if len(b.queries) == 0 {
		return nil, fmt.Errorf("graphql: no queries registered")
	}

	schema, err := graphql.NewSchema(graphql.SchemaConfig{
		Query: graphql.NewObject(graphql.ObjectConfig{
			Name:   "Query",
			Fields: b.queries,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	b.schema.schema = schema
	return b.schema, nil
}

func (s *Schema) resolveChainWindow() map[string]interface{} {
	snap := s.chain.Snapshot()
	canonical := snap.Canonical()
	ids := make([]map[string]interface{}, 0, len(canonical))
	for _, id := range canonical {
		ids = append(ids, blockIDToMap(id))
	}

	out := map[string]interface{}{
		"start":     strconv.FormatUint(snap.Start(), 10),
		"base":      strconv.FormatUint(snap.Base(), 10),
		"retained":  snap.RetainedCount(),
		"canonical": ids,
	}
	if head, ok := snap.Head(); ok {
		out["head"] = blockIDToMap(head)
	}
	if fin, ok := snap.Finalized(); ok {
		out["finalized"] = blockIDToMap(fin)
	}
	return out
}

func (s *Schema) resolveBlock(p graphql.ResolveParams) (interface{}, error) {
	raw, _ := p.Args["number"].(string)
	number, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid block number %q", raw)
	}

	entry, finality, err := s.chain.Snapshot().BlockAt(p.Context, number)
	if err != nil {
		if types.IsNotFound(err) {
			return nil, nil
		}
		s.logger.Warn("block lookup failed", zap.Uint64("number", number), zap.Error(err))
		return nil, err
	}

	h := entry.Block.Header
	return map[string]interface{}{
		"number":           strconv.FormatUint(h.Number, 10),
		"hash":             h.Hash.Hex(),
		"parentHash":       h.ParentHash.Hex(),
		"timestamp":        strconv.FormatUint(h.Timestamp, 10),
		"finality":         string(finality),
		"transactionCount": len(entry.Block.Transactions),
		"eventCount":       len(entry.Block.Events),
	}, nil
}

func blockIDToMap(id types.BlockID) map[string]interface{} {
	return map[string]interface{}{
		"number": strconv.FormatUint(id.Number, 10),
		"hash":   id.Hash.Hex(),
	}
}

func formatTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
