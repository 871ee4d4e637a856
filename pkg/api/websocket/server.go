// Package websocket implements the streaming boundary: one subscription per
// connection, carried in JSON envelopes.
package websocket

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/0xmhha/chainstream/internal/constants"
	"github.com/0xmhha/chainstream/pkg/stream"
)

const (
	// DefaultHeartbeatInterval is how long a stream may stay idle before a
	// heartbeat is sent
	DefaultHeartbeatInterval = constants.DefaultHeartbeatInterval

	// DefaultSendBuffer is the number of frames buffered per connection
	DefaultSendBuffer = 64

	// DefaultMaxMessageSize bounds client frames; filters can be large
	DefaultMaxMessageSize = 64 * 1024
)

// Streamer opens subscriptions. *stream.Dispatcher satisfies it.
type Streamer interface {
	Subscribe(ctx context.Context, req stream.SubscribeRequest) (*stream.Subscription, error)
}

// Config holds websocket server settings
type Config struct {
	HeartbeatInterval time.Duration
	MaxClients        int
	SendBuffer        int
	MaxMessageSize    int64
	// AllowedOrigins restricts the Origin header. Empty allows all origins.
	AllowedOrigins []string
}

// DefaultConfig returns the default websocket configuration
func DefaultConfig() *Config {
	return &Config{
		HeartbeatInterval: DefaultHeartbeatInterval,
		MaxClients:        DefaultMaxClients,
		SendBuffer:        DefaultSendBuffer,
		MaxMessageSize:    DefaultMaxMessageSize,
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.HeartbeatInterval < 0 {
		return fmt.Errorf("heartbeat interval cannot be negative")
	}
	if c.MaxClients < 0 {
		return fmt.Errorf("max clients cannot be negative")
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("send buffer must be positive")
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("max message size must be positive")
	}
	return nil
}

// Server handles WebSocket connections
type Server struct {
	hub      *Hub
	streamer Streamer
	config   *Config
	logger   *zap.Logger
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a new WebSocket server
func NewServer(streamer Streamer, cfg *Config, logger *zap.Logger) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid websocket config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		hub:      NewHub(cfg.MaxClients, logger),
		streamer: streamer,
		config:   cfg,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s, nil
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// ServeHTTP handles WebSocket upgrade requests
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.ctx.Err() != nil {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("failed to upgrade connection", zap.Error(err))
		return
	}

	logger := s.logger.With(zap.String("remote_addr", r.RemoteAddr))
	client := newClient(s, conn, logger)
	if !s.hub.register(client) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many clients"),
			time.Now().Add(writeWait))
		client.close()
		return
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		client.writePump()
	}()
	go func() {
		defer s.wg.Done()
		client.readPump()
	}()

	logger.Debug("new websocket connection")
}

// Hub returns the client registry
func (s *Server) Hub() *Hub {
	return s.hub
}

// Stop closes every connection and waits for client goroutines to exit
func (s *Server) Stop() {
	s.cancel()
	s.hub.Stop()
	s.wg.Wait()
}
