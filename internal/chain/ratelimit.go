package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/time/rate"

	"github.com/troveline/trove-engine/internal/hint"
	"github.com/troveline/trove-engine/internal/numeric"
)

// RateLimitedOracle throttles oracle calls so a burst of hint searches
// cannot exceed the RPC provider's request budget. A wait that outlives ctx
// fails with the context's error.
type RateLimitedOracle struct {
	next    hint.Oracle
	limiter *rate.Limiter
}

// NewRateLimitedOracle allows perSecond calls with the given burst.
func NewRateLimitedOracle(next hint.Oracle, perSecond float64, burst int) *RateLimitedOracle {
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedOracle{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (o *RateLimitedOracle) SampleRandom(ctx context.Context, target numeric.Value, trials int, seed *big.Int) (hint.Sample, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return hint.Sample{}, err
	}
	return o.next.SampleRandom(ctx, target, trials, seed)
}

func (o *RateLimitedOracle) LocateInsertPosition(ctx context.Context, nicr numeric.Value, prevHint, nextHint common.Address) (common.Address, common.Address, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return common.Address{}, common.Address{}, err
	}
	return o.next.LocateInsertPosition(ctx, nicr, prevHint, nextHint)
}

func (o *RateLimitedOracle) First(ctx context.Context) (common.Address, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return common.Address{}, err
	}
	return o.next.First(ctx)
}

func (o *RateLimitedOracle) Prev(ctx context.Context, id common.Address) (common.Address, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return common.Address{}, err
	}
	return o.next.Prev(ctx, id)
}

func (o *RateLimitedOracle) Next(ctx context.Context, id common.Address) (common.Address, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return common.Address{}, err
	}
	return o.next.Next(ctx, id)
}
