package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/troveline/trove-engine/internal/hint"
	"github.com/troveline/trove-engine/internal/model"
	"github.com/troveline/trove-engine/internal/numeric"
	"github.com/troveline/trove-engine/internal/protocol"
)

// ratioArg encodes a ratio for the contracts; Infinity becomes MaxUint256.
func ratioArg(r numeric.Value) (*big.Int, error) {
	u, err := r.Uint256()
	if err != nil {
		return nil, err
	}
	return u.ToBig(), nil
}

// ratioValue decodes a ratio returned by the contracts; MaxUint256 is Infinity.
func ratioValue(x *big.Int) numeric.Value {
	u, overflow := uint256.FromBig(x)
	if overflow {
		return numeric.Infinity
	}
	return numeric.FromUint256(u)
}

// --- sorted list (hint.Oracle) ---

// SampleRandom runs one getApproxHint round.
func (c *Client) SampleRandom(ctx context.Context, target numeric.Value, trials int, seed *big.Int) (hint.Sample, error) {
	cr, err := ratioArg(target)
	if err != nil {
		return hint.Sample{}, fmt.Errorf("chain: encode target: %w", err)
	}
	values, err := c.call(ctx, protocol.HintHelpers, protocol.HintHelpersABI, "getApproxHint",
		cr, big.NewInt(int64(trials)), seed)
	if err != nil {
		return hint.Sample{}, err
	}
	return hint.Sample{
		Candidate: values[0].(common.Address),
		Diff:      ratioValue(values[1].(*big.Int)),
		NextSeed:  values[2].(*big.Int),
	}, nil
}

// LocateInsertPosition asks the list to walk from the hints to the true
// neighbours of nicr.
func (c *Client) LocateInsertPosition(ctx context.Context, nicr numeric.Value, prevHint, nextHint common.Address) (common.Address, common.Address, error) {
	arg, err := ratioArg(nicr)
	if err != nil {
		return common.Address{}, common.Address{}, fmt.Errorf("chain: encode nicr: %w", err)
	}
	values, err := c.call(ctx, protocol.SortedTroves, protocol.SortedTrovesABI, "findInsertPosition",
		arg, prevHint, nextHint)
	if err != nil {
		return common.Address{}, common.Address{}, err
	}
	return values[0].(common.Address), values[1].(common.Address), nil
}

func (c *Client) First(ctx context.Context) (common.Address, error) {
	return c.callAddress(ctx, protocol.SortedTroves, protocol.SortedTrovesABI, "getFirst")
}

func (c *Client) Last(ctx context.Context) (common.Address, error) {
	return c.callAddress(ctx, protocol.SortedTroves, protocol.SortedTrovesABI, "getLast")
}

func (c *Client) Prev(ctx context.Context, id common.Address) (common.Address, error) {
	return c.callAddress(ctx, protocol.SortedTroves, protocol.SortedTrovesABI, "getPrev", id)
}

func (c *Client) Next(ctx context.Context, id common.Address) (common.Address, error) {
	return c.callAddress(ctx, protocol.SortedTroves, protocol.SortedTrovesABI, "getNext", id)
}

// --- ledger ---

// GetPosition reads owner's trove including pending redistribution rewards.
func (c *Client) GetPosition(ctx context.Context, owner common.Address) (model.Trove, error) {
	raw, err := c.call(ctx, protocol.TroveManager, protocol.TroveManagerABI, "Troves", owner)
	if err != nil {
		return model.Trove{}, err
	}
	status := protocol.TroveStatusFromEnum(raw[3].(uint8))
	if status != model.StatusOpen {
		return model.Trove{Owner: owner, Status: status}, nil
	}

	entire, err := c.call(ctx, protocol.TroveManager, protocol.TroveManagerABI, "getEntireDebtAndColl", owner)
	if err != nil {
		return model.Trove{}, err
	}
	return model.Trove{
		Owner:      owner,
		Debt:       numeric.FromWei(entire[0].(*big.Int)),
		Collateral: numeric.FromWei(entire[1].(*big.Int)),
		Stake:      numeric.FromWei(raw[2].(*big.Int)),
		Status:     status,
		UpdatedAt:  time.Now().UTC(),
	}, nil
}

func (c *Client) GetTotalDebt(ctx context.Context) (numeric.Value, error) {
	n, err := c.callUint(ctx, protocol.TroveManager, protocol.TroveManagerABI, "getEntireSystemDebt")
	if err != nil {
		return numeric.Zero, err
	}
	return numeric.FromWei(n), nil
}

func (c *Client) GetTotalCollateral(ctx context.Context) (numeric.Value, error) {
	n, err := c.callUint(ctx, protocol.TroveManager, protocol.TroveManagerABI, "getEntireSystemColl")
	if err != nil {
		return numeric.Zero, err
	}
	return numeric.FromWei(n), nil
}

// GetPositionCount is the size of the sorted list.
func (c *Client) GetPositionCount(ctx context.Context) (int, error) {
	n, err := c.callUint(ctx, protocol.SortedTroves, protocol.SortedTrovesABI, "getSize")
	if err != nil {
		return 0, err
	}
	return int(n.Int64()), nil
}

// GetPrice is the price feed's last good price.
func (c *Client) GetPrice(ctx context.Context) (numeric.Value, error) {
	n, err := c.callUint(ctx, protocol.PriceFeed, protocol.PriceFeedABI, "lastGoodPrice")
	if err != nil {
		return numeric.Zero, err
	}
	return numeric.FromWei(n), nil
}

// PositionsByAscendingRatio walks the list from its tail, which holds the
// lowest ratio, towards the head.
func (c *Client) PositionsByAscendingRatio(ctx context.Context, limit int) ([]model.Trove, error) {
	size, err := c.GetPositionCount(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > size {
		limit = size
	}

	out := make([]model.Trove, 0, limit)
	id, err := c.Last(ctx)
	if err != nil {
		return nil, err
	}
	for id != (common.Address{}) && len(out) < limit {
		t, err := c.GetPosition(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
		if id, err = c.Prev(ctx, id); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// --- fee state ---

func (c *Client) GetBaseRate(ctx context.Context) (numeric.Value, error) {
	n, err := c.callUint(ctx, protocol.TroveManager, protocol.TroveManagerABI, "baseRate")
	if err != nil {
		return numeric.Zero, err
	}
	return numeric.FromWei(n), nil
}

func (c *Client) GetLastFeeOperationTime(ctx context.Context) (time.Time, error) {
	n, err := c.callUint(ctx, protocol.TroveManager, protocol.TroveManagerABI, "lastFeeOperationTime")
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(n.Int64(), 0).UTC(), nil
}
