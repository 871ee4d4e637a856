package constants

import "time"

// API Server Constants
const (
	// DefaultAPIHost is the default API server host
	DefaultAPIHost = "localhost"

	// DefaultAPIPort is the default API server port
	DefaultAPIPort = 8080

	// MinPort is the minimum valid port number
	MinPort = 1

	// MaxPort is the maximum valid port number
	MaxPort = 65535

	// DefaultReadTimeout is the default HTTP read timeout
	DefaultReadTimeout = 15 * time.Second

	// DefaultWriteTimeout is the default HTTP write timeout. Websocket
	// connections clear their own deadlines after the upgrade.
	DefaultWriteTimeout = 15 * time.Second

	// DefaultIdleTimeout is the default HTTP idle timeout
	DefaultIdleTimeout = 60 * time.Second

	// DefaultShutdownTimeout is the default graceful shutdown timeout
	DefaultShutdownTimeout = 30 * time.Second

	// DefaultMaxHeaderBytes is the default maximum request header size (1 MB)
	DefaultMaxHeaderBytes = 1 << 20

	// DefaultRateLimitPerSecond is the default rate limit (requests per second)
	DefaultRateLimitPerSecond = 1000

	// DefaultRateLimitBurst is the default rate limit burst size
	DefaultRateLimitBurst = 2000
)

// API Paths
const (
	DefaultGraphQLPath   = "/graphql"
	DefaultWebSocketPath = "/ws"
	DefaultMetricsPath   = "/metrics"
	DefaultHealthPath    = "/health"
)

// Chain View Constants
const (
	// DefaultRetentionWindow is how many blocks behind head stay in memory
	// before they are finalized
	DefaultRetentionWindow = 64
)

// Ingestion Constants
const (
	// DefaultPollInterval is the delay between polls once caught up
	DefaultPollInterval = time.Second

	// DefaultHealthGrace is how long the loop may back off before it is
	// reported as not serving
	DefaultHealthGrace = time.Minute

	// InitialRetryDelay is the initial delay for exponential backoff
	InitialRetryDelay = 500 * time.Millisecond

	// MaxRetryDelay is the maximum delay for exponential backoff
	MaxRetryDelay = 30 * time.Second

	// DefaultRetryBackoffMultiplier is the backoff growth factor
	DefaultRetryBackoffMultiplier = 2

	// DefaultRetryJitter is the randomization factor applied to each delay
	DefaultRetryJitter = 0.2

	// DefaultBatchSize bounds the blocks fetched per cycle
	DefaultBatchSize = 100

	// DefaultMaxFatalErrors is how many consecutive fatal errors stop the loop
	DefaultMaxFatalErrors = 3
)

// Stream Constants
const (
	// DefaultQueueDepth is the per-subscription message queue capacity
	DefaultQueueDepth = 256

	// DefaultMaxSubscribers bounds concurrent subscriptions
	DefaultMaxSubscribers = 1024

	// DefaultMaxFilterClauses bounds the OR clauses in one filter
	DefaultMaxFilterClauses = 64

	// DefaultHeartbeatInterval is how long a stream may stay idle before a
	// heartbeat is sent
	DefaultHeartbeatInterval = 15 * time.Second
)

// Provider Constants
const (
	// DefaultRPCTimeout bounds a single provider call
	DefaultRPCTimeout = 10 * time.Second

	// DefaultRPCRateLimit is the provider request rate per second, zero for
	// unlimited
	DefaultRPCRateLimit = 0
)

// Storage Constants
const (
	// DefaultCacheSize is the default cache size in MB for PebbleDB
	DefaultCacheSize = 128

	// DefaultMaxOpenFiles is the default maximum number of open files for PebbleDB
	DefaultMaxOpenFiles = 1000

	// DefaultWriteBuffer is the default write buffer size in MB for PebbleDB
	DefaultWriteBuffer = 64

	// DefaultCompactionConcurrency is the default number of concurrent compactions
	DefaultCompactionConcurrency = 4
)

// Size Constants
const (
	BytesPerKB = 1024
	BytesPerMB = 1024 * BytesPerKB
)
