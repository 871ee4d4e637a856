// Package ingest polls the chain provider and feeds blocks into the chain
// view in strictly increasing order, backing off on provider failures.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/0xmhha/chainstream/internal/constants"
	"github.com/0xmhha/chainstream/pkg/chain"
	"github.com/0xmhha/chainstream/pkg/provider"
	"github.com/0xmhha/chainstream/pkg/types"
)

// Clock abstracts time for the loop
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RealClock returns the wall clock
func RealClock() Clock { return realClock{} }

// ChainView is the part of the chain view the loop drives
type ChainView interface {
	Accept(ctx context.Context, block *types.Block) ([]chain.Event, error)
	Snapshot() *chain.Snapshot
}

// Config holds ingestion loop configuration
type Config struct {
	// PollInterval is the sleep between polls once caught up
	PollInterval time.Duration

	// BatchSize bounds the blocks fetched per cycle
	BatchSize int

	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	BackoffMultiplier float64
	BackoffJitter     float64

	// MaxFatalErrors is how many consecutive fatal errors end the loop
	MaxFatalErrors int

	// HealthGrace is how long the loop may back off before reporting unhealthy
	HealthGrace time.Duration
}

// DefaultConfig returns the default loop configuration
func DefaultConfig() *Config {
	return &Config{
		PollInterval:      constants.DefaultPollInterval,
		BatchSize:         constants.DefaultBatchSize,
		BackoffInitial:    constants.InitialRetryDelay,
		BackoffMax:        constants.MaxRetryDelay,
		BackoffMultiplier: constants.DefaultRetryBackoffMultiplier,
		BackoffJitter:     constants.DefaultRetryJitter,
		MaxFatalErrors:    constants.DefaultMaxFatalErrors,
		HealthGrace:       constants.DefaultHealthGrace,
	}
}

// Validate validates the loop configuration
func (c *Config) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.BackoffInitial <= 0 || c.BackoffMax < c.BackoffInitial {
		return fmt.Errorf("backoff initial must be positive and not exceed backoff max")
	}
	if c.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff multiplier must be at least 1")
	}
	if c.BackoffJitter < 0 || c.BackoffJitter > 1 {
		return fmt.Errorf("backoff jitter must be within [0, 1]")
	}
	if c.MaxFatalErrors <= 0 {
		return fmt.Errorf("max fatal errors must be positive")
	}
	return nil
}

// Options customize a Loop
type Options struct {
	Clock   Clock
	Rand    func() float64
	Logger  *zap.Logger
	Metrics *Metrics
}

// Loop is the ingestion state machine
type Loop struct {
	config   *Config
	provider provider.Provider
	view     ChainView
	clock    Clock
	backoff  *Backoff
	logger   *zap.Logger
	metrics  *Metrics
	tracer   trace.Tracer

	mu     sync.RWMutex
	status Status
}

// NewLoop creates an ingestion loop
func NewLoop(cfg *Config, p provider.Provider, view ChainView, opts Options) (*Loop, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ingest config: %w", err)
	}
	if p == nil || view == nil {
		return nil, fmt.Errorf("provider and chain view are required")
	}
	if opts.Clock == nil {
		opts.Clock = RealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	l := &Loop{
		config:   cfg,
		provider: p,
		view:     view,
		clock:    opts.Clock,
		backoff:  NewBackoff(cfg.BackoffInitial, cfg.BackoffMax, cfg.BackoffMultiplier, cfg.BackoffJitter, opts.Rand),
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		tracer:   otel.Tracer("github.com/0xmhha/chainstream/pkg/ingest"),
	}
	l.status = Status{State: StateIdle, Since: l.clock.Now()}
	l.metrics.set(StateIdle)
	return l, nil
}

// Status returns the current loop status
func (l *Loop) Status() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.status
}

// Healthy reports whether the loop is serving
func (l *Loop) Healthy() bool {
	return l.Status().Healthy(l.clock.Now(), l.config.HealthGrace)
}

func (l *Loop) setState(to State) {
	now := l.clock.Now()

	l.mu.Lock()
	from := l.status.State
	if from == to {
		l.mu.Unlock()
		return
	}
	l.status.State = to
	l.status.Since = now
	if to == StateBackoff && l.status.BackoffSince.IsZero() {
		l.status.BackoffSince = now
	}
	l.mu.Unlock()

	l.metrics.transition(from, to)
	l.logger.Debug("ingest state transition",
		zap.Stringer("from", from),
		zap.Stringer("to", to))
}

func (l *Loop) recordError(err error) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil {
		l.status.LastError = ""
		l.status.ConsecutiveFailures = 0
		l.status.BackoffSince = time.Time{}
		return 0
	}
	l.status.LastError = err.Error()
	l.status.ConsecutiveFailures++
	return l.status.ConsecutiveFailures
}

// Run drives the loop until ctx is cancelled or an unrecoverable error
// occurs. It returns ctx.Err() on cancellation.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("starting ingestion loop",
		zap.Duration("poll_interval", l.config.PollInterval),
		zap.Int("batch_size", l.config.BatchSize))
	defer l.setState(StateStopped)

	fatalCount, outOfOrder := 0, 0
	for {
		if err := ctx.Err(); err != nil {
			l.logger.Info("ingestion loop stopped", zap.Error(err))
			return err
		}

		caughtUp, err := l.cycle(ctx)
		if ctx.Err() != nil {
			l.logger.Info("ingestion loop stopped", zap.Error(ctx.Err()))
			return ctx.Err()
		}

		var wait time.Duration
		if !errors.Is(err, types.ErrOutOfOrder) {
			outOfOrder = 0
		}
		switch {
		case err == nil:
			l.recordError(nil)
			l.backoff.Reset()
			fatalCount = 0
			if !caughtUp {
				continue
			}
			l.setState(StateIdle)
			wait = l.config.PollInterval

		case errors.Is(err, types.ErrReorgTooDeep):
			l.recordError(err)
			l.logger.Error("reorg exceeds finality bound, stopping",
				zap.Error(err))
			return err

		case errors.Is(err, types.ErrOutOfOrder):
			// the next cycle backfills from head+1; a gap that persists
			// waits a poll interval between attempts
			outOfOrder++
			l.logger.Info("block out of order, backfilling",
				zap.Int("attempt", outOfOrder),
				zap.Error(err))
			l.setState(StatePolling)
			if outOfOrder == 1 {
				continue
			}
			wait = l.config.PollInterval

		case types.IsFatal(err):
			l.metrics.providerError(err)
			l.recordError(err)
			fatalCount++
			if fatalCount >= l.config.MaxFatalErrors {
				l.logger.Error("provider failing fatally, stopping",
					zap.Int("attempts", fatalCount),
					zap.Error(err))
				return fmt.Errorf("ingestion stopped after %d fatal errors: %w", fatalCount, err)
			}
			wait = l.enterBackoff(err)

		case types.IsNotFound(err):
			l.metrics.providerError(err)
			l.logger.Debug("block not yet available", zap.Error(err))
			l.recordError(nil)
			l.backoff.Reset()
			fatalCount = 0
			l.setState(StateIdle)
			wait = l.config.PollInterval

		default:
			l.metrics.providerError(err)
			l.recordError(err)
			fatalCount = 0
			wait = l.enterBackoff(err)
		}

		select {
		case <-ctx.Done():
			l.logger.Info("ingestion loop stopped", zap.Error(ctx.Err()))
			return ctx.Err()
		case <-l.clock.After(wait):
		}
	}
}

func (l *Loop) enterBackoff(err error) time.Duration {
	delay := l.backoff.Next()
	l.setState(StateBackoff)
	l.logger.Warn("provider error, backing off",
		zap.Duration("delay", delay),
		zap.Int("consecutive_failures", l.Status().ConsecutiveFailures),
		zap.Error(err))
	return delay
}

// cycle polls the provider once and accepts up to BatchSize blocks. It
// reports whether the view has caught up with the provider's head.
func (l *Loop) cycle(ctx context.Context) (caughtUp bool, err error) {
	start := l.clock.Now()
	ctx, span := l.tracer.Start(ctx, "ingest.cycle")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		l.metrics.cycle(l.clock.Now().Sub(start).Seconds())
	}()

	if l.Status().State != StateBackoff {
		l.setState(StatePolling)
	}

	latest, err := l.provider.Latest(ctx)
	l.mu.Lock()
	l.status.LastPoll = l.clock.Now()
	l.mu.Unlock()
	if err != nil {
		return false, err
	}
	// a successful poll leaves backoff
	l.setState(StatePolling)

	snap := l.view.Snapshot()
	head, hasHead := snap.Head()
	next := snap.Start()
	if hasHead {
		next = head.Number + 1
	}
	span.SetAttributes(
		attribute.Int64("latest", int64(latest.Number)),
		attribute.Int64("next", int64(next)),
	)

	if latest.Number < next {
		if hasHead {
			return true, l.reconcileLatest(ctx, snap, latest)
		}
		return true, nil
	}

	to := latest.Number
	if batchEnd := next + uint64(l.config.BatchSize) - 1; batchEnd < to {
		to = batchEnd
	}
	for n := next; n <= to; n++ {
		block, err := l.provider.BlockByNumber(ctx, n)
		if err != nil {
			return false, err
		}
		if block.Number() != n {
			return false, types.NewProviderError(types.KindTransient, "block_by_number",
				fmt.Errorf("requested block %d, got %s", n, block.ID()))
		}
		if err := l.accept(ctx, block); err != nil {
			return false, err
		}
	}
	return to == latest.Number, nil
}

// reconcileLatest handles a provider head at or below ours whose hash differs
// from the canonical block at that number
func (l *Loop) reconcileLatest(ctx context.Context, snap *chain.Snapshot, latest types.BlockID) error {
	id, ok := snap.CanonicalAt(latest.Number)
	if !ok || id.Hash == latest.Hash {
		return nil
	}
	block, err := l.provider.BlockByHash(ctx, latest.Hash)
	if err != nil {
		return err
	}
	if !block.ID().Equal(latest) {
		return types.NewProviderError(types.KindTransient, "block_by_hash",
			fmt.Errorf("requested block %s, got %s", latest, block.ID()))
	}
	return l.accept(ctx, block)
}

func (l *Loop) accept(ctx context.Context, block *types.Block) error {
	if head, ok := l.view.Snapshot().Head(); ok && block.Header.ParentHash != head.Hash {
		l.setState(StateReconciling)
	}

	events, err := l.view.Accept(ctx, block)
	if err != nil {
		return err
	}
	l.metrics.accepted()
	l.mu.Lock()
	l.status.BlocksAccepted++
	l.mu.Unlock()

	if l.Status().State == StateReconciling {
		l.logger.Info("reorg reconciled",
			zap.Stringer("block", block.ID()),
			zap.Int("events", len(events)))
		l.setState(StatePolling)
	}
	return nil
}
