// Package provider adapts chain RPC endpoints to the block source consumed by
// ingestion and reorg resolution.
package provider

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/0xmhha/chainstream/pkg/types"
)

// Provider is the source of blocks. Every error returned is classified as
// transient, not found or fatal; see types.IsTransient and friends.
type Provider interface {
	// Latest returns the id of the provider's current head
	Latest(ctx context.Context) (types.BlockID, error)

	// BlockByNumber returns the block the provider currently holds at n
	BlockByNumber(ctx context.Context, n uint64) (*types.Block, error)

	// BlockByHash returns the block with the given hash
	BlockByHash(ctx context.Context, hash common.Hash) (*types.Block, error)
}

// JSON-RPC error codes treated as configuration failures
const (
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
)

// Classify wraps err in a *types.ProviderError. Errors that are already
// classified are returned unchanged.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var perr *types.ProviderError
	if errors.As(err, &perr) {
		return err
	}
	return types.NewProviderError(kindOf(err), op, err)
}

func kindOf(err error) types.ErrorKind {
	if errors.Is(err, ethereum.NotFound) {
		return types.KindNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return types.KindTransient
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == http.StatusUnauthorized, httpErr.StatusCode == http.StatusForbidden:
			return types.KindFatal
		case httpErr.StatusCode == http.StatusTooManyRequests, httpErr.StatusCode >= 500:
			return types.KindTransient
		case httpErr.StatusCode == http.StatusNotFound:
			// wrong endpoint path, not a missing block
			return types.KindFatal
		default:
			return types.KindTransient
		}
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.ErrorCode() {
		case codeMethodNotFound, codeInvalidParams:
			return types.KindFatal
		}
		if strings.Contains(strings.ToLower(rpcErr.Error()), "not found") {
			return types.KindNotFound
		}
		return types.KindTransient
	}

	// network failures and anything unrecognized are retried
	return types.KindTransient
}
