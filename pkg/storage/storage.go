// Package storage implements the persistent key-ordered store used for
// finalized blocks and subscriber checkpoints.
package storage

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/0xmhha/chainstream/internal/constants"
)

// Common errors
var (
	ErrNotFound    = errors.New("not found")
	ErrInvalidKey  = errors.New("invalid key")
	ErrInvalidData = errors.New("invalid data")
	ErrClosed      = errors.New("storage closed")
	ErrReadOnly    = errors.New("storage is read-only")
)

// Backend names accepted by Config.Backend
const (
	BackendPebble = "pebble"
	BackendBadger = "badger"
)

// KV is the key-ordered durable store contract
type KV interface {
	// Get returns a copy of the value stored at key, or ErrNotFound
	Get(ctx context.Context, key []byte) ([]byte, error)

	// Put stores value at key durably
	Put(ctx context.Context, key, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key []byte) error

	// Range calls fn for each key in [start, end) in key order until fn
	// returns false. A nil end means no upper bound. fn receives copies.
	Range(ctx context.Context, start, end []byte, fn func(key, value []byte) bool) error

	// NewBatch starts an atomic write batch
	NewBatch() Batch

	// Close releases the underlying database
	Close() error
}

// Batch groups writes that are applied atomically on Commit
type Batch interface {
	Put(key, value []byte) error
	Delete(key []byte) error
	Count() int
	Commit() error
	Close() error
}

// Config holds storage configuration
type Config struct {
	// Path is the database directory
	Path string

	// Backend selects the engine: "pebble" (default) or "badger"
	Backend string

	// Cache is the block cache size in MB
	Cache int

	// MaxOpenFiles bounds open file handles (pebble)
	MaxOpenFiles int

	// WriteBuffer is the memtable size in MB
	WriteBuffer int

	// DisableWAL turns off the write-ahead log (pebble)
	DisableWAL bool

	// ReadOnly opens the database without write access
	ReadOnly bool

	// InMemory keeps all data in memory; used by tests
	InMemory bool

	// CompactionConcurrency bounds concurrent compactions (pebble)
	CompactionConcurrency int
}

// DefaultConfig returns default configuration for path
func DefaultConfig(path string) *Config {
	return &Config{
		Path:                  path,
		Backend:               BackendPebble,
		Cache:                 constants.DefaultCacheSize,
		MaxOpenFiles:          constants.DefaultMaxOpenFiles,
		WriteBuffer:           constants.DefaultWriteBuffer,
		DisableWAL:            false,
		ReadOnly:              false,
		CompactionConcurrency: 1,
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.Path == "" && !c.InMemory {
		return fmt.Errorf("path cannot be empty")
	}
	switch c.Backend {
	case "", BackendPebble, BackendBadger:
	default:
		return fmt.Errorf("unknown storage backend %q", c.Backend)
	}
	if c.Cache < 0 {
		return fmt.Errorf("cache size cannot be negative")
	}
	if c.MaxOpenFiles < 0 {
		return fmt.Errorf("max open files cannot be negative")
	}
	if c.WriteBuffer < 0 {
		return fmt.Errorf("write buffer cannot be negative")
	}
	return nil
}

// Open opens the backend selected by cfg.Backend
func Open(cfg *Config, logger *zap.Logger) (KV, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	switch cfg.Backend {
	case BackendBadger:
		return NewBadgerKV(cfg, logger)
	default:
		return NewPebbleKV(cfg, logger)
	}
}
