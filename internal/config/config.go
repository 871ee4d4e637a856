package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/0xmhha/chainstream/internal/constants"
)

// EnvPrefix prefixes every environment override. Keys are the section and
// the snake-cased field name: CHAINSTREAM_RPC_ENDPOINT, CHAINSTREAM_DB_PATH,
// CHAINSTREAM_API_ALLOWED_ORIGINS (comma separated).
const EnvPrefix = "chainstream"

// Config holds all configuration for chainstream
type Config struct {
	RPC      RPCConfig      `yaml:"rpc"      envconfig:"RPC"`
	Database DatabaseConfig `yaml:"database" envconfig:"DB"`
	Log      LogConfig      `yaml:"log"      envconfig:"LOG"`
	Chain    ChainConfig    `yaml:"chain"    envconfig:"CHAIN"`
	Ingest   IngestConfig   `yaml:"ingest"   envconfig:"INGEST"`
	Stream   StreamConfig   `yaml:"stream"   envconfig:"STREAM"`
	API      APIConfig      `yaml:"api"      envconfig:"API"`
	Tracing  TracingConfig  `yaml:"tracing"  envconfig:"TRACING"`
}

// RPCConfig holds block provider configuration
type RPCConfig struct {
	Endpoint string        `yaml:"endpoint" split_words:"true"`
	Timeout  time.Duration `yaml:"timeout" split_words:"true"`
	// ChainID, when set, must match the endpoint's chain id
	ChainID uint64 `yaml:"chain_id" split_words:"true"`
	// RateLimit caps provider requests per second. Zero disables limiting.
	RateLimit float64 `yaml:"rate_limit" split_words:"true"`
	Burst     int     `yaml:"burst" split_words:"true"`
}

// DatabaseConfig holds storage configuration
type DatabaseConfig struct {
	Path       string `yaml:"path" split_words:"true"`
	Backend    string `yaml:"backend" split_words:"true"`
	CacheMB    int    `yaml:"cache_mb" split_words:"true"`
	ReadOnly   bool   `yaml:"readonly" split_words:"true"`
	DisableWAL bool   `yaml:"disable_wal" split_words:"true"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `yaml:"level" split_words:"true"`
	Format string `yaml:"format" split_words:"true"`
}

// ChainConfig holds chain view configuration
type ChainConfig struct {
	StartHeight     uint64 `yaml:"start_height" split_words:"true"`
	RetentionWindow uint64 `yaml:"retention_window" split_words:"true"`
	// MaxReorgDepth of zero means the retention window
	MaxReorgDepth uint64 `yaml:"max_reorg_depth" split_words:"true"`
}

// IngestConfig holds ingestion loop configuration
type IngestConfig struct {
	PollInterval      time.Duration `yaml:"poll_interval" split_words:"true"`
	BatchSize         int           `yaml:"batch_size" split_words:"true"`
	BackoffInitial    time.Duration `yaml:"backoff_initial" split_words:"true"`
	BackoffMax        time.Duration `yaml:"backoff_max" split_words:"true"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" split_words:"true"`
	BackoffJitter     float64       `yaml:"backoff_jitter" split_words:"true"`
	MaxFatalErrors    int           `yaml:"max_fatal_errors" split_words:"true"`
	HealthGrace       time.Duration `yaml:"health_grace" split_words:"true"`
}

// StreamConfig holds subscription configuration
type StreamConfig struct {
	QueueDepth        int           `yaml:"queue_depth" split_words:"true"`
	MaxSubscribers    int           `yaml:"max_subscribers" split_words:"true"`
	MaxFilterClauses  int           `yaml:"max_filter_clauses" split_words:"true"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" split_words:"true"`
}

// APIConfig holds API server configuration
type APIConfig struct {
	Enabled                 bool          `yaml:"enabled" split_words:"true"`
	Host                    string        `yaml:"host" split_words:"true"`
	Port                    int           `yaml:"port" split_words:"true"`
	EnableGraphQL           bool          `yaml:"enable_graphql" split_words:"true"`
	EnableGraphQLPlayground bool          `yaml:"enable_graphql_playground" split_words:"true"`
	EnableWebSocket         bool          `yaml:"enable_websocket" split_words:"true"`
	EnableGRPCHealth        bool          `yaml:"enable_grpc_health" split_words:"true"`
	EnableCORS              bool          `yaml:"enable_cors" split_words:"true"`
	AllowedOrigins          []string      `yaml:"allowed_origins" split_words:"true"`
	EnableRateLimit         bool          `yaml:"enable_rate_limit" split_words:"true"`
	RateLimitPerSecond      float64       `yaml:"rate_limit_per_second" split_words:"true"`
	RateLimitBurst          int           `yaml:"rate_limit_burst" split_words:"true"`
	ShutdownTimeout         time.Duration `yaml:"shutdown_timeout" split_words:"true"`
}

// TracingConfig holds OpenTelemetry configuration. The OTLP exporter reads
// its endpoint from the standard OTEL_EXPORTER_OTLP_* variables.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled" split_words:"true"`
	Stdout      bool    `yaml:"stdout" split_words:"true"`
	ServiceName string  `yaml:"service_name" split_words:"true"`
	SampleRatio float64 `yaml:"sample_ratio" split_words:"true"`
}

// NewConfig creates a new configuration with default values
func NewConfig() *Config {
	cfg := &Config{
		API: APIConfig{
			Enabled:          true,
			EnableGraphQL:    true,
			EnableWebSocket:  true,
			EnableGRPCHealth: true,
			EnableCORS:       true,
		},
	}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills zero values with defaults. Booleans are left alone so an
// explicit false survives.
func (c *Config) SetDefaults() {
	// RPC defaults
	if c.RPC.Timeout == 0 {
		c.RPC.Timeout = constants.DefaultRPCTimeout
	}
	if c.RPC.Burst == 0 {
		c.RPC.Burst = 1
	}

	// Database defaults
	if c.Database.Backend == "" {
		c.Database.Backend = "pebble"
	}
	if c.Database.CacheMB == 0 {
		c.Database.CacheMB = constants.DefaultCacheSize
	}

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	// Chain defaults
	if c.Chain.RetentionWindow == 0 {
		c.Chain.RetentionWindow = constants.DefaultRetentionWindow
	}

	// Ingest defaults
	if c.Ingest.PollInterval == 0 {
		c.Ingest.PollInterval = constants.DefaultPollInterval
	}
	if c.Ingest.BatchSize == 0 {
		c.Ingest.BatchSize = constants.DefaultBatchSize
	}
	if c.Ingest.BackoffInitial == 0 {
		c.Ingest.BackoffInitial = constants.InitialRetryDelay
	}
	if c.Ingest.BackoffMax == 0 {
		c.Ingest.BackoffMax = constants.MaxRetryDelay
	}
	if c.Ingest.BackoffMultiplier == 0 {
		c.Ingest.BackoffMultiplier = constants.DefaultRetryBackoffMultiplier
	}
	if c.Ingest.BackoffJitter == 0 {
		c.Ingest.BackoffJitter = constants.DefaultRetryJitter
	}
	if c.Ingest.MaxFatalErrors == 0 {
		c.Ingest.MaxFatalErrors = constants.DefaultMaxFatalErrors
	}
	if c.Ingest.HealthGrace == 0 {
		c.Ingest.HealthGrace = constants.DefaultHealthGrace
	}

	// Stream defaults
	if c.Stream.QueueDepth == 0 {
		c.Stream.QueueDepth = constants.DefaultQueueDepth
	}
	if c.Stream.MaxSubscribers == 0 {
		c.Stream.MaxSubscribers = constants.DefaultMaxSubscribers
	}
	if c.Stream.MaxFilterClauses == 0 {
		c.Stream.MaxFilterClauses = constants.DefaultMaxFilterClauses
	}
	if c.Stream.HeartbeatInterval == 0 {
		c.Stream.HeartbeatInterval = constants.DefaultHeartbeatInterval
	}

	// API defaults
	if c.API.Host == "" {
		c.API.Host = constants.DefaultAPIHost
	}
	if c.API.Port == 0 {
		c.API.Port = constants.DefaultAPIPort
	}
	if len(c.API.AllowedOrigins) == 0 {
		c.API.AllowedOrigins = []string{"*"}
	}
	if c.API.RateLimitPerSecond == 0 {
		c.API.RateLimitPerSecond = constants.DefaultRateLimitPerSecond
	}
	if c.API.RateLimitBurst == 0 {
		c.API.RateLimitBurst = constants.DefaultRateLimitBurst
	}
	if c.API.ShutdownTimeout == 0 {
		c.API.ShutdownTimeout = constants.DefaultShutdownTimeout
	}

	// Tracing defaults
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "chainstream"
	}
	if c.Tracing.SampleRatio == 0 {
		c.Tracing.SampleRatio = 1
	}
}

// LoadFromEnv overrides fields from CHAINSTREAM_* environment variables
func (c *Config) LoadFromEnv() error {
	if err := envconfig.Process(EnvPrefix, c); err != nil {
		return fmt.Errorf("failed to process environment: %w", err)
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func (c *Config) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate RPC configuration
	if c.RPC.Endpoint == "" {
		return fmt.Errorf("RPC endpoint is required")
	}
	if c.RPC.Timeout <= 0 {
		return fmt.Errorf("RPC timeout must be positive")
	}
	if c.RPC.RateLimit < 0 {
		return fmt.Errorf("RPC rate limit cannot be negative")
	}
	if c.RPC.RateLimit > 0 && c.RPC.Burst <= 0 {
		return fmt.Errorf("RPC burst must be positive when rate limiting")
	}

	// Validate database configuration
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	validBackends := map[string]bool{
		"pebble": true,
		"badger": true,
	}
	if !validBackends[c.Database.Backend] {
		return fmt.Errorf("invalid database backend %q, must be one of: pebble, badger", c.Database.Backend)
	}

	// Validate log configuration
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level %q, must be one of: debug, info, warn, error", c.Log.Level)
	}

	validLogFormats := map[string]bool{
		"json":    true,
		"console": true,
	}
	if !validLogFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format %q, must be one of: json, console", c.Log.Format)
	}

	// Validate chain configuration
	if c.Chain.RetentionWindow == 0 {
		return fmt.Errorf("retention window must be positive")
	}
	if c.Chain.MaxReorgDepth > c.Chain.RetentionWindow {
		return fmt.Errorf("max reorg depth %d exceeds retention window %d",
			c.Chain.MaxReorgDepth, c.Chain.RetentionWindow)
	}

	// Validate ingest configuration
	if c.Ingest.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.Ingest.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.Ingest.BackoffInitial <= 0 || c.Ingest.BackoffMax < c.Ingest.BackoffInitial {
		return fmt.Errorf("backoff bounds must satisfy 0 < initial <= max")
	}
	if c.Ingest.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff multiplier must be at least 1")
	}
	if c.Ingest.BackoffJitter < 0 || c.Ingest.BackoffJitter > 1 {
		return fmt.Errorf("backoff jitter must be within [0, 1]")
	}

	// Validate stream configuration
	if c.Stream.QueueDepth <= 0 {
		return fmt.Errorf("queue depth must be positive")
	}
	if c.Stream.MaxSubscribers <= 0 {
		return fmt.Errorf("max subscribers must be positive")
	}
	if c.Stream.HeartbeatInterval < 0 {
		return fmt.Errorf("heartbeat interval cannot be negative")
	}

	// Validate API configuration
	if c.API.Enabled {
		if c.API.Port < constants.MinPort || c.API.Port > constants.MaxPort {
			return fmt.Errorf("invalid API port %d", c.API.Port)
		}
		if c.API.EnableRateLimit && (c.API.RateLimitPerSecond <= 0 || c.API.RateLimitBurst <= 0) {
			return fmt.Errorf("API rate limit and burst must be positive")
		}
	}

	// Validate tracing configuration
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing sample ratio must be within [0, 1]")
	}

	return nil
}

// Load is a convenience method that loads configuration in the following order:
// 1. Set defaults
// 2. Load from file (if provided)
// 3. Load from environment variables (override file)
// 4. Validate
func Load(configFile string) (*Config, error) {
	return LoadWith(configFile, nil)
}

// LoadWith is Load with a final override step, used for command-line flags,
// applied after the environment and before validation
func LoadWith(configFile string, override func(*Config)) (*Config, error) {
	cfg := NewConfig()

	// Load from file if provided
	if configFile != "" {
		if err := cfg.LoadFromFile(configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Load from environment variables (override file)
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if override != nil {
		override(cfg)
	}

	// Set defaults for any missing values
	cfg.SetDefaults()

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
