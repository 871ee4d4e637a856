package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

var _ KV = (*BadgerKV)(nil)

// BadgerKV implements KV on BadgerDB
type BadgerKV struct {
	db     *badger.DB
	config *Config
	logger *zap.Logger
	closed atomic.Bool
}

// badgerLogger adapts zap to badger.Logger
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(format string, args ...interface{})   { l.s.Errorf(format, args...) }
func (l badgerLogger) Warningf(format string, args ...interface{}) { l.s.Warnf(format, args...) }
func (l badgerLogger) Infof(format string, args ...interface{})    { l.s.Debugf(format, args...) }
func (l badgerLogger) Debugf(format string, args ...interface{})   { l.s.Debugf(format, args...) }

// NewBadgerKV opens a BadgerDB database
func NewBadgerKV(cfg *Config, logger *zap.Logger) (*BadgerKV, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("backend", BackendBadger))

	opts := badger.DefaultOptions(cfg.Path).
		WithLogger(badgerLogger{s: logger.Sugar()}).
		WithReadOnly(cfg.ReadOnly).
		WithSyncWrites(true)
	if cfg.Cache > 0 {
		opts = opts.WithBlockCacheSize(int64(cfg.Cache) << 20)
	}
	if cfg.WriteBuffer > 0 {
		opts = opts.WithMemTableSize(int64(cfg.WriteBuffer) << 20)
	}
	if cfg.InMemory {
		opts = opts.WithDir("").WithValueDir("").WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	logger.Info("storage opened", zap.String("path", cfg.Path), zap.Bool("in_memory", cfg.InMemory))
	return &BadgerKV{db: db, config: cfg, logger: logger}, nil
}

func (s *BadgerKV) ensureNotClosed() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (s *BadgerKV) ensureWritable() error {
	if err := s.ensureNotClosed(); err != nil {
		return err
	}
	if s.config.ReadOnly {
		return ErrReadOnly
	}
	return nil
}

// Get retrieves a value by key
func (s *BadgerKV) Get(_ context.Context, key []byte) ([]byte, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}

	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return value, err
}

// Put stores a value with the given key
func (s *BadgerKV) Put(_ context.Context, key, value []byte) error {
	if len(key) == 0 {
		return ErrInvalidKey
	}
	if err := s.ensureWritable(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

// Delete removes a key-value pair
func (s *BadgerKV) Delete(_ context.Context, key []byte) error {
	if err := s.ensureWritable(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

// Range iterates over [start, end) in key order
func (s *BadgerKV) Range(ctx context.Context, start, end []byte, fn func(key, value []byte) bool) error {
	if err := s.ensureNotClosed(); err != nil {
		return err
	}

	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(start); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			key := item.KeyCopy(nil)
			if end != nil && bytes.Compare(key, end) >= 0 {
				return nil
			}
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if !fn(key, value) {
				return nil
			}
		}
		return nil
	})
}

// NewBatch creates a batch applied in a single transaction on Commit
func (s *BadgerKV) NewBatch() Batch {
	return &badgerBatch{kv: s}
}

// Close closes the database
func (s *BadgerKV) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.logger.Info("storage closed")
	return s.db.Close()
}

type badgerOp struct {
	key    []byte
	value  []byte
	delete bool
}

type badgerBatch struct {
	kv     *BadgerKV
	ops    []badgerOp
	closed bool
	mu     sync.Mutex
}

func (b *badgerBatch) Put(key, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if len(key) == 0 {
		return ErrInvalidKey
	}
	b.ops = append(b.ops, badgerOp{
		key:   append([]byte(nil), key...),
		value: append([]byte(nil), value...),
	})
	return nil
}

func (b *badgerBatch) Delete(key []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.ops = append(b.ops, badgerOp{key: append([]byte(nil), key...), delete: true})
	return nil
}

func (b *badgerBatch) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ops)
}

func (b *badgerBatch) Commit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if err := b.kv.ensureWritable(); err != nil {
		return err
	}
	return b.kv.db.Update(func(txn *badger.Txn) error {
		for _, op := range b.ops {
			var err error
			if op.delete {
				err = txn.Delete(op.key)
			} else {
				err = txn.Set(op.key, op.value)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *badgerBatch) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.ops = nil
	return nil
}
