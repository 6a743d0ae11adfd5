// Package redemption plans debt redemptions against the troves with the
// lowest collateral ratio.
//
// A redemption burns debt tokens and pays out collateral from the riskiest
// troves first. The contracts refuse to leave any trove with a net debt
// strictly between zero and the minimum, so a requested amount that would end
// mid-trove in that band is cut back. The planner reproduces that walk so the
// caller learns the truncated amount before sending.
package redemption

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/troveline/trove-engine/internal/fees"
	"github.com/troveline/trove-engine/internal/model"
	"github.com/troveline/trove-engine/internal/numeric"
	"github.com/troveline/trove-engine/internal/protocol"
	"github.com/troveline/trove-engine/internal/trove"
)

// DefaultMaxIterations caps the number of troves one redemption touches.
const DefaultMaxIterations = 70

var (
	// ErrNegativeAmount is returned for a negative attempted amount.
	ErrNegativeAmount = errors.New("redemption: amount must not be negative")

	// ErrNoPositions is returned when a positive amount is planned against
	// an empty trove list.
	ErrNoPositions = errors.New("redemption: no troves to redeem against")

	// ErrNotTruncated is returned when escalating a plan that already
	// redeems the whole attempted amount.
	ErrNotTruncated = errors.New("redemption: plan is not truncated")

	// ErrInvalidMaxIterations is returned for a negative iteration cap.
	ErrInvalidMaxIterations = errors.New("redemption: max iterations must not be negative")
)

// Planner carries the protocol floor and the optional fee inputs.
//
// A zero Price disables below-MCR skipping and collateral figures. A nil Fees
// or zero TotalDebt leaves the fee at zero.
type Planner struct {
	MinimumNetDebt numeric.Value
	MaxIterations  int // 0 means unlimited

	Fees      *fees.Fees
	TotalDebt numeric.Value
	Price     numeric.Value

	// At is the time fees are evaluated at. Zero means time.Now.
	At time.Time
}

// NewPlanner returns a planner with protocol defaults and no fee inputs.
func NewPlanner() *Planner {
	return &Planner{
		MinimumNetDebt: protocol.MinimumNetDebt,
		MaxIterations:  DefaultMaxIterations,
	}
}

// Plan is the outcome of one redemption walk.
type Plan struct {
	Attempted     numeric.Value `json:"attempted_amount"`
	Redeemable    numeric.Value `json:"redeemable_amount"`
	Truncated     bool          `json:"is_truncated"`
	Fee           numeric.Value `json:"fee"`
	FeeRate       numeric.Value `json:"fee_rate"`
	MaxIterations int           `json:"max_iterations"`

	// CollateralDrawn and CollateralFee are only set when a price is known.
	CollateralDrawn numeric.Value `json:"collateral_drawn"`
	CollateralFee   numeric.Value `json:"collateral_fee"`

	// Troves is the number of troves the walk touched.
	Troves int `json:"troves"`

	// FirstRedeemed is the first trove the contract should start from.
	FirstRedeemed common.Address `json:"first_redeemed"`

	// PartialOwner is the last trove when it is only partly redeemed, and
	// PartialNICR its nominal ratio afterwards. Both are zero otherwise.
	PartialOwner common.Address `json:"partial_owner"`
	PartialNICR  numeric.Value  `json:"partial_nicr"`

	planner   *Planner
	positions []model.Trove
}

// Partial reports whether the walk ends inside a trove.
func (p *Plan) Partial() bool {
	return p.PartialOwner != (common.Address{})
}

// IncreaseAmountByMinimumNetDebt re-plans attempted+minNetDebt against the
// same troves. Only a truncated plan may be escalated.
func (p *Plan) IncreaseAmountByMinimumNetDebt() (*Plan, error) {
	if !p.Truncated {
		return nil, ErrNotTruncated
	}
	return p.planner.Plan(p.Attempted.Add(p.planner.MinimumNetDebt), p.positions)
}

// Compute walks positions with only the amount floor applied and no fee.
func Compute(attempted numeric.Value, positions []model.Trove, minNetDebt numeric.Value, maxIterations int) (*Plan, error) {
	pl := &Planner{MinimumNetDebt: minNetDebt, MaxIterations: maxIterations}
	return pl.Plan(attempted, positions)
}

// Plan walks positions (ascending collateral ratio) and returns how much of
// attempted can be redeemed.
//
// For each trove the walk takes min(remaining, netDebt). When that would
// leave the trove with a net debt in (0, MinimumNetDebt) it takes only
// netDebt-MinimumNetDebt, or nothing when the trove is at or under the floor,
// and stops there. The walk also stops after MaxIterations troves.
func (pl *Planner) Plan(attempted numeric.Value, positions []model.Trove) (*Plan, error) {
	if attempted.IsNegative() || attempted.IsInfinite() {
		return nil, ErrNegativeAmount
	}
	if pl.MaxIterations < 0 {
		return nil, ErrInvalidMaxIterations
	}
	if attempted.IsPositive() && len(positions) == 0 {
		return nil, ErrNoPositions
	}

	p := &Plan{
		Attempted:     attempted,
		MaxIterations: pl.MaxIterations,
		planner:       pl,
		positions:     positions,
	}

	remaining := attempted
	start := pl.firstRedeemable(positions)

	for _, t := range positions[start:] {
		if !remaining.IsPositive() {
			break
		}
		if pl.MaxIterations > 0 && p.Troves == pl.MaxIterations {
			break
		}

		netDebt := trove.NetDebt(t)
		take := numeric.Min(remaining, netDebt)
		partial := false

		if left := netDebt.Sub(take); left.IsPositive() && left.LessThan(pl.MinimumNetDebt) {
			take = numeric.Zero
			if netDebt.GreaterThan(pl.MinimumNetDebt) {
				take = netDebt.Sub(pl.MinimumNetDebt)
			}
			partial = true
		} else if take.LessThan(netDebt) {
			partial = true
		}

		if take.IsPositive() {
			if p.Troves == 0 {
				p.FirstRedeemed = t.Owner
			}
			p.Troves++
			p.Redeemable = p.Redeemable.Add(take)
			remaining = remaining.Sub(take)
			if partial {
				p.PartialOwner = t.Owner
				p.PartialNICR = pl.partialNICR(t, take)
			}
		}
		if partial {
			break
		}
	}

	p.Truncated = p.Redeemable.LessThan(p.Attempted)

	if err := pl.applyFee(p); err != nil {
		return nil, err
	}
	return p, nil
}

// firstRedeemable skips the leading troves that are liquidatable at the
// planner's price; the contract starts redeeming after them.
func (pl *Planner) firstRedeemable(positions []model.Trove) int {
	if !pl.Price.IsPositive() {
		return 0
	}
	for i, t := range positions {
		if !trove.IsBelowMinimumRatio(t, pl.Price) {
			return i
		}
	}
	return len(positions)
}

// partialNICR is the nominal ratio of t once take is redeemed from it. The
// collateral paid out depends on price, so without one the ratio is left
// zero and callers fall back to the trove's current position.
func (pl *Planner) partialNICR(t model.Trove, take numeric.Value) numeric.Value {
	if !pl.Price.IsPositive() {
		return numeric.Zero
	}
	after := model.Trove{
		Collateral: t.Collateral.Sub(take.Div(pl.Price)),
		Debt:       t.Debt.Sub(take),
	}
	r, ok := trove.NominalCollateralRatio(after)
	if !ok {
		return numeric.Zero
	}
	return r
}

func (pl *Planner) applyFee(p *Plan) error {
	if pl.Price.IsPositive() {
		p.CollateralDrawn = p.Redeemable.Div(pl.Price)
	}
	if pl.Fees == nil || !pl.TotalDebt.IsPositive() || p.Redeemable.IsZero() {
		return nil
	}

	at := pl.At
	if at.IsZero() {
		at = time.Now()
	}
	rate, err := pl.Fees.RedemptionRate(p.Redeemable.Div(pl.TotalDebt), at)
	if err != nil {
		return fmt.Errorf("redemption: fee rate: %w", err)
	}
	p.FeeRate = rate
	p.Fee = p.Redeemable.Mul(rate)
	if !p.CollateralDrawn.IsZero() {
		p.CollateralFee = p.CollateralDrawn.Mul(rate)
	}
	return nil
}
