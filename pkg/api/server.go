// Package api exposes the streaming, health and introspection boundaries over
// one HTTP listener.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"connectrpc.com/grpchealth"
	"connectrpc.com/grpcreflect"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/0xmhha/chainstream/pkg/api/graphql"
	apimiddleware "github.com/0xmhha/chainstream/pkg/api/middleware"
	"github.com/0xmhha/chainstream/pkg/api/websocket"
	"github.com/0xmhha/chainstream/pkg/stream"
)

// StreamService is the dispatcher surface used by the API.
// *stream.Dispatcher satisfies it.
type StreamService interface {
	websocket.Streamer
	graphql.StreamSource
}

// VersionInfo is served on /version
type VersionInfo struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	BuildTime string `json:"build_time,omitempty"`
}

// Options wires the server to the rest of the process. Nil sources disable
// the endpoints that need them.
type Options struct {
	Chain     graphql.ChainSource
	Ingest    HealthSource
	Stream    StreamService
	WebSocket *websocket.Config
	// Gatherer backs /metrics. Defaults to the global registry.
	Gatherer prometheus.Gatherer
	Version  VersionInfo
}

// Server is the API server
type Server struct {
	config      *Config
	logger      *zap.Logger
	opts        Options
	router      *chi.Mux
	server      *http.Server
	wsServer    *websocket.Server
	rateLimiter *apimiddleware.RateLimiter
	health      *HealthChecker
}

// NewServer creates a new API server
func NewServer(config *Config, logger *zap.Logger, opts Options) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Version.Name == "" {
		opts.Version.Name = "chainstream"
	}

	s := &Server{
		config: config,
		logger: logger,
		opts:   opts,
		router: chi.NewRouter(),
		health: NewHealthChecker(opts.Ingest),
	}

	s.setupMiddleware()
	if err := s.setupRoutes(); err != nil {
		s.release()
		return nil, err
	}

	s.server = &http.Server{
		Addr: config.Address(),
		// h2c lets plaintext gRPC clients reach the health service
		Handler:        h2c.NewHandler(s.router, &http2.Server{}),
		ReadTimeout:    config.ReadTimeout,
		WriteTimeout:   config.WriteTimeout,
		IdleTimeout:    config.IdleTimeout,
		MaxHeaderBytes: config.MaxHeaderBytes,
	}

	return s, nil
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(apimiddleware.Recovery(s.logger))
	s.router.Use(apimiddleware.Logger(s.logger))

	if s.config.EnableRateLimit {
		s.rateLimiter = apimiddleware.NewRateLimiter(
			s.config.RateLimitPerSecond,
			s.config.RateLimitBurst,
			s.logger,
		)
		s.router.Use(apimiddleware.RateLimit(s.rateLimiter))
		s.logger.Info("rate limiting enabled",
			zap.Float64("rate_per_second", s.config.RateLimitPerSecond),
			zap.Int("burst", s.config.RateLimitBurst),
		)
	}

	if s.config.EnableCORS {
		s.router.Use(s.cors)
	}
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		allowed := false
		for _, allowedOrigin := range s.config.AllowedOrigins {
			if allowedOrigin == "*" || allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Connect-Protocol-Version, Upgrade, Connection")
			w.Header().Set("Access-Control-Max-Age", "300")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) setupRoutes() error {
	s.router.Get("/health", s.health.Handler())
	s.router.Get("/version", s.handleVersion)

	gatherer := s.opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s.router.Handle(s.config.MetricsPath, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	if s.opts.Stream != nil {
		s.router.Get("/subscribers", s.handleSubscribers)
	}

	if s.config.EnableWebSocket && s.opts.Stream != nil {
		wsCfg := s.opts.WebSocket
		if wsCfg == nil {
			wsCfg = websocket.DefaultConfig()
		}
		if len(wsCfg.AllowedOrigins) == 0 && s.config.EnableCORS {
			wsCfg.AllowedOrigins = s.config.AllowedOrigins
		}
		ws, err := websocket.NewServer(s.opts.Stream, wsCfg, s.logger.Named("websocket"))
		if err != nil {
			return err
		}
		s.wsServer = ws
		s.router.Get(s.config.WebSocketPath, ws.ServeHTTP)
		s.logger.Info("WebSocket streaming enabled", zap.String("path", s.config.WebSocketPath))
	}

	if s.config.EnableGraphQL && s.opts.Chain != nil {
		h, err := graphql.NewHandler(s.opts.Chain, s.logger.Named("graphql"), &graphql.HandlerOptions{
			Ingest:     s.opts.Ingest,
			Stream:     s.opts.Stream,
			Playground: s.config.EnableGraphQLPlayground,
		})
		if err != nil {
			return fmt.Errorf("failed to create GraphQL handler: %w", err)
		}
		s.router.Handle(s.config.GraphQLPath, h)
		s.logger.Info("GraphQL introspection enabled", zap.String("path", s.config.GraphQLPath))
	}

	if s.config.EnableGRPCHealth {
		healthPath, healthHandler := grpchealth.NewHandler(s.health)
		s.router.Handle(healthPath+"*", healthHandler)

		reflector := grpcreflect.NewStaticReflector(grpchealth.HealthV1ServiceName)
		reflectPath, reflectHandler := grpcreflect.NewHandlerV1(reflector)
		s.router.Handle(reflectPath+"*", reflectHandler)
		reflectAlphaPath, reflectAlphaHandler := grpcreflect.NewHandlerV1Alpha(reflector)
		s.router.Handle(reflectAlphaPath+"*", reflectAlphaHandler)
		s.logger.Info("gRPC health and reflection enabled", zap.String("path", healthPath))
	}
	return nil
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(s.opts.Version)
}

// SubscribersResponse represents the subscribers list response
type SubscribersResponse struct {
	TotalCount  int                     `json:"total_count"`
	Stats       stream.Stats            `json:"stats"`
	Subscribers []stream.SubscriberInfo `json:"subscribers"`
}

func (s *Server) handleSubscribers(w http.ResponseWriter, r *http.Request) {
	subscribers := s.opts.Stream.Subscribers()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(SubscribersResponse{
		TotalCount:  len(subscribers),
		Stats:       s.opts.Stream.Stats(),
		Subscribers: subscribers,
	})
}

// Start listens on the configured address and serves until Stop
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Address())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address(), err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Stop
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("starting API server",
		zap.String("address", ln.Addr().String()),
		zap.Bool("graphql", s.config.EnableGraphQL),
		zap.Bool("websocket", s.config.EnableWebSocket),
		zap.Bool("grpc_health", s.config.EnableGRPCHealth),
	)

	if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Stop gracefully stops the API server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping API server")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	start := time.Now()
	err := s.server.Shutdown(shutdownCtx)
	// websocket connections are hijacked and not tracked by Shutdown
	s.release()
	if err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info("API server stopped gracefully", zap.Duration("took", time.Since(start)))
	return nil
}

func (s *Server) release() {
	if s.wsServer != nil {
		s.wsServer.Stop()
	}
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
}

// Router returns the underlying chi router
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the full handler including h2c
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}
