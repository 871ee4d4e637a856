// Package graphql serves read-only introspection of the chain view, the
// ingestion loop and the subscription registry.
package graphql

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/graphql-go/graphql"
	graphqlhandler "github.com/graphql-go/handler"
	"go.uber.org/zap"
)

// Handler handles GraphQL requests
type Handler struct {
	schema  *Schema
	handler *graphqlhandler.Handler
	logger  *zap.Logger
}

// HandlerOptions contains optional data sources for the GraphQL handler
type HandlerOptions struct {
	Ingest     IngestSource
	Stream     StreamSource
	Playground bool
}

// NewHandler creates a new GraphQL handler
func NewHandler(chainSrc ChainSource, logger *zap.Logger, opts *HandlerOptions) (*Handler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts == nil {
		opts = &HandlerOptions{}
	}

	schema, err := NewSchemaBuilder(chainSrc, logger).
		WithChainQueries().
		WithIngestionQueries(opts.Ingest).
		WithStreamQueries(opts.Stream).
		Build()
	if err != nil {
		return nil, err
	}

	h := graphqlhandler.New(&graphqlhandler.Config{
		Schema:     &schema.schema,
		Pretty:     true,
		GraphiQL:   false,
		Playground: opts.Playground,
	})

	return &Handler{
		schema:  schema,
		handler: h,
		logger:  logger,
	}, nil
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.handler.ServeHTTP(w, r)
}

// ExecuteQuery executes a GraphQL query directly against the schema
func (h *Handler) ExecuteQuery(ctx context.Context, query string, variables map[string]interface{}) *graphql.Result {
	return graphql.Do(graphql.Params{
		Schema:         h.schema.schema,
		RequestString:  query,
		VariableValues: variables,
		Context:        ctx,
	})
}

// ExecuteQueryJSON executes a GraphQL query and returns JSON
func (h *Handler) ExecuteQueryJSON(ctx context.Context, query string, variables map[string]interface{}) ([]byte, error) {
	return json.Marshal(h.ExecuteQuery(ctx, query, variables))
}
