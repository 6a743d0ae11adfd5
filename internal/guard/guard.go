// Package guard validates a trove operation before it is submitted.
//
// The contracts reject an operation that would leave a trove under the
// minimum debt or the minimum collateral ratio, or that would push the system
// into recovery mode. Checking the same rules locally turns a wasted
// transaction into an immediate error. The guard also derives the maximum
// fee percentage sent with each transaction, which bounds how far the fee may
// drift between populate and inclusion.
package guard

import (
	"errors"

	"github.com/troveline/trove-engine/internal/model"
	"github.com/troveline/trove-engine/internal/numeric"
	"github.com/troveline/trove-engine/internal/protocol"
	"github.com/troveline/trove-engine/internal/trove"
)

var (
	// ErrBelowMinimumNetDebt is returned when a trove that stays open would
	// carry less than the minimum net debt.
	ErrBelowMinimumNetDebt = errors.New("guard: net debt below minimum")

	// ErrBelowMinimumRatio is returned when the resulting trove would be
	// liquidatable.
	ErrBelowMinimumRatio = errors.New("guard: collateral ratio below minimum")

	// ErrBelowCriticalRatio is returned in recovery mode when a debt
	// increase leaves the trove under the critical ratio.
	ErrBelowCriticalRatio = errors.New("guard: collateral ratio below critical in recovery mode")

	// ErrRecoveryModeWithdrawal is returned for a collateral withdrawal
	// while the system is in recovery mode.
	ErrRecoveryModeWithdrawal = errors.New("guard: collateral withdrawal not allowed in recovery mode")

	// ErrWouldTriggerRecovery is returned when the operation would pull the
	// total collateral ratio under the critical ratio.
	ErrWouldTriggerRecovery = errors.New("guard: operation would trigger recovery mode")
)

// Default slippage tolerances added on top of the current fee rate.
var (
	DefaultBorrowingRateTolerance  = numeric.MustParse("0.005")
	DefaultRedemptionRateTolerance = numeric.MustParse("0.001")
)

// DefaultDecayToleranceMinutes bounds how long a populated transaction is
// expected to wait before inclusion.
const DefaultDecayToleranceMinutes = 10

// Guard enforces trove rules and fee bounds.
type Guard struct {
	// MinimumNetDebt is the smallest net debt an open trove may keep.
	MinimumNetDebt numeric.Value

	// BorrowingRateTolerance is added to the current borrowing rate to form
	// the max fee percentage of open/adjust transactions.
	BorrowingRateTolerance numeric.Value

	// RedemptionRateTolerance is the same for redemptions.
	RedemptionRateTolerance numeric.Value

	// DecayToleranceMinutes feeds the gas margin for base rate decay.
	DecayToleranceMinutes int
}

// New creates a guard with protocol defaults.
func New() *Guard {
	return &Guard{
		MinimumNetDebt:          protocol.MinimumNetDebt,
		BorrowingRateTolerance:  DefaultBorrowingRateTolerance,
		RedemptionRateTolerance: DefaultRedemptionRateTolerance,
		DecayToleranceMinutes:   DefaultDecayToleranceMinutes,
	}
}

// IsRecoveryMode reports whether the total collateral ratio is under CCR.
func IsRecoveryMode(totals model.SystemTotals, price numeric.Value) bool {
	if totals.Debt.IsZero() {
		return false
	}
	tcr := totals.Collateral.Mul(price).Div(totals.Debt)
	return tcr.LessThan(protocol.CriticalCollateralRatio)
}

// CheckTrove validates the transition from before to after.
//
// Parameters:
//   - before, after: the trove prior to and after the operation
//   - price: current collateral price
//   - totals: system collateral and debt prior to the operation
//
// Returns nil if the contracts are expected to accept the operation.
func (g *Guard) CheckTrove(before, after model.Trove, price numeric.Value, totals model.SystemTotals) error {
	closing := trove.IsEmpty(after)

	// 1. Per-trove floor.
	if !closing {
		if trove.NetDebt(after).LessThan(g.MinimumNetDebt) {
			return ErrBelowMinimumNetDebt
		}
		if trove.IsBelowMinimumRatio(after, price) {
			return ErrBelowMinimumRatio
		}
	}

	// 2. System-wide: recovery mode constraints.
	if IsRecoveryMode(totals, price) {
		if after.Collateral.LessThan(before.Collateral) {
			return ErrRecoveryModeWithdrawal
		}
		if after.Debt.GreaterThan(before.Debt) && trove.IsBelowCriticalRatio(after, price) {
			return ErrBelowCriticalRatio
		}
		return nil
	}

	newTotals := model.SystemTotals{
		Collateral: totals.Collateral.Add(after.Collateral).Sub(before.Collateral),
		Debt:       totals.Debt.Add(after.Debt).Sub(before.Debt),
	}
	if IsRecoveryMode(newTotals, price) {
		return ErrWouldTriggerRecovery
	}
	return nil
}

// MaxBorrowingRate is the max fee percentage for an open/adjust that borrows.
func (g *Guard) MaxBorrowingRate(borrowingRate numeric.Value) numeric.Value {
	return numeric.Min(borrowingRate.Add(g.BorrowingRateTolerance), numeric.One)
}

// MaxRedemptionRate is the max fee percentage for a redemption.
func (g *Guard) MaxRedemptionRate(redemptionRate numeric.Value) numeric.Value {
	return numeric.Min(redemptionRate.Add(g.RedemptionRateTolerance), numeric.One)
}
