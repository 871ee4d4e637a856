package types

import (
	"errors"
	"fmt"
)

// Provider error classes
var (
	// ErrTransient is a retryable provider failure
	ErrTransient = errors.New("transient provider error")

	// ErrNotFound means the requested block is not yet available
	ErrNotFound = errors.New("block not found")

	// ErrFatal is an unrecoverable configuration or authentication failure
	ErrFatal = errors.New("fatal provider error")
)

// Chain view errors
var (
	// ErrOutOfOrder is returned when a block does not connect to the head and
	// the ingestion loop must backfill first
	ErrOutOfOrder = errors.New("block out of order")

	// ErrReorgTooDeep is returned when resolving a reorg would rewrite
	// finalized history
	ErrReorgTooDeep = errors.New("reorg too deep")
)

// Subscriber scoped errors
var (
	ErrCursorNotFound     = errors.New("cursor not found")
	ErrLagging            = errors.New("subscriber lagging")
	ErrSubscriptionClosed = errors.New("subscription closed")
)

// ErrorKind classifies provider failures
type ErrorKind int

const (
	KindTransient ErrorKind = iota
	KindNotFound
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindFatal:
		return "fatal"
	default:
		return "transient"
	}
}

func (k ErrorKind) sentinel() error {
	switch k {
	case KindNotFound:
		return ErrNotFound
	case KindFatal:
		return ErrFatal
	default:
		return ErrTransient
	}
}

// ProviderError wraps a provider failure with its class
type ProviderError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *ProviderError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind.sentinel()}
	}
	return []error{e.Kind.sentinel(), e.Err}
}

// NewProviderError builds a ProviderError
func NewProviderError(kind ErrorKind, op string, err error) *ProviderError {
	return &ProviderError{Kind: kind, Op: op, Err: err}
}

// OutOfOrderError reports a gap between the head and a candidate block
type OutOfOrderError struct {
	Head BlockID
	Got  BlockID
}

func (e *OutOfOrderError) Error() string {
	return fmt.Sprintf("block %s does not connect to head %s", e.Got, e.Head)
}

func (e *OutOfOrderError) Unwrap() error { return ErrOutOfOrder }

// ReorgTooDeepError reports a reorg beyond the configured maximum depth
type ReorgTooDeepError struct {
	Head  BlockID
	Depth uint64
	Max   uint64
}

func (e *ReorgTooDeepError) Error() string {
	return fmt.Sprintf("reorg from head %s exceeds max depth %d (depth %d)", e.Head, e.Max, e.Depth)
}

func (e *ReorgTooDeepError) Unwrap() error { return ErrReorgTooDeep }

// CursorError reports a cursor the chain view cannot place
type CursorError struct {
	Cursor BlockID
}

func (e *CursorError) Error() string {
	return fmt.Sprintf("cursor %s is not canonical or retained", e.Cursor)
}

func (e *CursorError) Unwrap() error { return ErrCursorNotFound }

// IsTransient reports whether err should be retried with backoff
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsNotFound reports whether err means the data is not yet available
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsFatal reports whether err is an unrecoverable provider failure
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}
