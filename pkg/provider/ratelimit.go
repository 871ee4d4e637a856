package provider

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/time/rate"

	"github.com/0xmhha/chainstream/pkg/types"
)

// rateLimited paces calls to an underlying provider
type rateLimited struct {
	next    Provider
	limiter *rate.Limiter
}

// RateLimited returns a Provider that waits on limiter before every call. A
// nil limiter returns p unchanged.
func RateLimited(p Provider, limiter *rate.Limiter) Provider {
	if limiter == nil {
		return p
	}
	return &rateLimited{next: p, limiter: limiter}
}

func (r *rateLimited) wait(ctx context.Context, op string) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return types.NewProviderError(types.KindTransient, op, err)
	}
	return nil
}

func (r *rateLimited) Latest(ctx context.Context) (types.BlockID, error) {
	if err := r.wait(ctx, "latest"); err != nil {
		return types.BlockID{}, err
	}
	return r.next.Latest(ctx)
}

func (r *rateLimited) BlockByNumber(ctx context.Context, n uint64) (*types.Block, error) {
	if err := r.wait(ctx, "block_by_number"); err != nil {
		return nil, err
	}
	return r.next.BlockByNumber(ctx, n)
}

func (r *rateLimited) BlockByHash(ctx context.Context, hash common.Hash) (*types.Block, error) {
	if err := r.wait(ctx, "block_by_hash"); err != nil {
		return nil, err
	}
	return r.next.BlockByHash(ctx, hash)
}
