package api

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/0xmhha/chainstream/internal/constants"
)

// Config holds API server configuration
type Config struct {
	// Host is the server host (default: localhost)
	Host string

	// Port is the server port (default: 8080)
	Port int

	// ReadTimeout is the maximum duration for reading the entire request
	ReadTimeout time.Duration

	// WriteTimeout is the maximum duration before timing out writes
	WriteTimeout time.Duration

	// IdleTimeout is the maximum duration to wait for the next request
	IdleTimeout time.Duration

	// MaxHeaderBytes is the maximum size of request headers
	MaxHeaderBytes int

	EnableCORS     bool
	AllowedOrigins []string

	// EnableWebSocket enables the streaming endpoint
	EnableWebSocket bool

	// EnableGraphQL enables the introspection endpoint
	EnableGraphQL bool

	// EnableGraphQLPlayground serves the playground UI on GET requests to the
	// GraphQL path
	EnableGraphQLPlayground bool

	// EnableGRPCHealth enables grpc.health.v1 and server reflection
	EnableGRPCHealth bool

	WebSocketPath string
	GraphQLPath   string
	MetricsPath   string

	// ShutdownTimeout is the graceful shutdown timeout
	ShutdownTimeout time.Duration

	// EnableRateLimit enables rate limiting middleware
	EnableRateLimit bool

	// RateLimitPerSecond is the number of requests allowed per second per IP
	RateLimitPerSecond float64

	// RateLimitBurst is the maximum burst size
	RateLimitBurst int
}

// DefaultConfig returns a default API server configuration
func DefaultConfig() *Config {
	return &Config{
		Host:                    constants.DefaultAPIHost,
		Port:                    constants.DefaultAPIPort,
		ReadTimeout:             constants.DefaultReadTimeout,
		WriteTimeout:            constants.DefaultWriteTimeout,
		IdleTimeout:             constants.DefaultIdleTimeout,
		MaxHeaderBytes:          constants.DefaultMaxHeaderBytes,
		EnableCORS:              true,
		AllowedOrigins:          []string{"*"},
		EnableWebSocket:         true,
		EnableGraphQL:           true,
		EnableGraphQLPlayground: true,
		EnableGRPCHealth:        true,
		WebSocketPath:           constants.DefaultWebSocketPath,
		GraphQLPath:             constants.DefaultGraphQLPath,
		MetricsPath:             constants.DefaultMetricsPath,
		ShutdownTimeout:         constants.DefaultShutdownTimeout,
		EnableRateLimit:         false,
		RateLimitPerSecond:      constants.DefaultRateLimitPerSecond,
		RateLimitBurst:          constants.DefaultRateLimitBurst,
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Host == "" {
		return errors.New("host cannot be empty")
	}
	if c.Port < constants.MinPort || c.Port > constants.MaxPort {
		return fmt.Errorf("port must be between %d and %d", constants.MinPort, constants.MaxPort)
	}
	if c.ReadTimeout <= 0 {
		return errors.New("read timeout must be positive")
	}
	if c.WriteTimeout <= 0 {
		return errors.New("write timeout must be positive")
	}
	if c.IdleTimeout <= 0 {
		return errors.New("idle timeout must be positive")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	for name, path := range map[string]string{
		"websocket": c.WebSocketPath,
		"graphql":   c.GraphQLPath,
		"metrics":   c.MetricsPath,
	} {
		if !strings.HasPrefix(path, "/") {
			return fmt.Errorf("%s path must start with /: %q", name, path)
		}
	}
	if c.EnableRateLimit {
		if c.RateLimitPerSecond <= 0 {
			return errors.New("rate limit per second must be positive")
		}
		if c.RateLimitBurst <= 0 {
			return errors.New("rate limit burst must be positive")
		}
	}
	return nil
}

// Address returns the server listen address
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
