package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"go.uber.org/zap"
)

var _ KV = (*PebbleKV)(nil)

// PebbleKV implements KV on PebbleDB
type PebbleKV struct {
	db     *pebble.DB
	config *Config
	logger *zap.Logger
	closed atomic.Bool
}

// pebbleLogger routes pebble's internal logging through zap
type pebbleLogger struct {
	s *zap.SugaredLogger
}

func (l pebbleLogger) Infof(format string, args ...interface{})  { l.s.Debugf(format, args...) }
func (l pebbleLogger) Errorf(format string, args ...interface{}) { l.s.Errorf(format, args...) }
func (l pebbleLogger) Fatalf(format string, args ...interface{}) { l.s.Fatalf(format, args...) }

// NewPebbleKV opens a PebbleDB database
func NewPebbleKV(cfg *Config, logger *zap.Logger) (*PebbleKV, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("backend", BackendPebble))

	cache := pebble.NewCache(int64(cfg.Cache) << 20)
	defer cache.Unref()

	opts := &pebble.Options{
		Cache:                    cache,
		MaxOpenFiles:             cfg.MaxOpenFiles,
		MemTableSize:             uint64(cfg.WriteBuffer) << 20,
		DisableWAL:               cfg.DisableWAL,
		MaxConcurrentCompactions: func() int { return max(cfg.CompactionConcurrency, 1) },
		ReadOnly:                 cfg.ReadOnly,
		Logger:                   pebbleLogger{s: logger.Sugar()},
	}
	if cfg.WriteBuffer == 0 {
		opts.MemTableSize = 4 << 20
	}
	if cfg.InMemory {
		opts.FS = vfs.NewMem()
	}

	db, err := pebble.Open(cfg.Path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	logger.Info("storage opened", zap.String("path", cfg.Path), zap.Bool("in_memory", cfg.InMemory))
	return &PebbleKV{db: db, config: cfg, logger: logger}, nil
}

func (s *PebbleKV) ensureNotClosed() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (s *PebbleKV) ensureWritable() error {
	if err := s.ensureNotClosed(); err != nil {
		return err
	}
	if s.config.ReadOnly {
		return ErrReadOnly
	}
	return nil
}

// Get retrieves a value by key
func (s *PebbleKV) Get(_ context.Context, key []byte) ([]byte, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}

	value, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer closer.Close()

	// value is only valid until closer.Close()
	result := make([]byte, len(value))
	copy(result, value)
	return result, nil
}

// Put stores a value with the given key
func (s *PebbleKV) Put(_ context.Context, key, value []byte) error {
	if len(key) == 0 {
		return ErrInvalidKey
	}
	if err := s.ensureWritable(); err != nil {
		return err
	}
	return s.db.Set(key, value, pebble.Sync)
}

// Delete removes a key-value pair
func (s *PebbleKV) Delete(_ context.Context, key []byte) error {
	if err := s.ensureWritable(); err != nil {
		return err
	}
	return s.db.Delete(key, pebble.Sync)
}

// Range iterates over [start, end) in key order
func (s *PebbleKV) Range(ctx context.Context, start, end []byte, fn func(key, value []byte) bool) error {
	if err := s.ensureNotClosed(); err != nil {
		return err
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: start,
		UpperBound: end,
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}

		key := make([]byte, len(iter.Key()))
		copy(key, iter.Key())
		value := make([]byte, len(iter.Value()))
		copy(value, iter.Value())

		if !fn(key, value) {
			break
		}
	}
	return iter.Error()
}

// NewBatch creates a batch for atomic writes
func (s *PebbleKV) NewBatch() Batch {
	return &pebbleBatch{kv: s, batch: s.db.NewBatch()}
}

// Compact triggers a full-range compaction
func (s *PebbleKV) Compact(start, end []byte) error {
	if err := s.ensureNotClosed(); err != nil {
		return err
	}
	return s.db.Compact(start, end, true)
}

// Close closes the database
func (s *PebbleKV) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.logger.Info("storage closed")
	return s.db.Close()
}

type pebbleBatch struct {
	kv     *PebbleKV
	batch  *pebble.Batch
	count  int
	closed bool
	mu     sync.Mutex
}

func (b *pebbleBatch) Put(key, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if len(key) == 0 {
		return ErrInvalidKey
	}
	if err := b.batch.Set(key, value, nil); err != nil {
		return err
	}
	b.count++
	return nil
}

func (b *pebbleBatch) Delete(key []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if err := b.batch.Delete(key, nil); err != nil {
		return err
	}
	b.count++
	return nil
}

func (b *pebbleBatch) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

func (b *pebbleBatch) Commit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if err := b.kv.ensureWritable(); err != nil {
		return err
	}
	return b.batch.Commit(pebble.Sync)
}

func (b *pebbleBatch) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.batch.Close()
}
