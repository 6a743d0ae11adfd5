// Package trove computes read-only views of a borrower's position and the
// arithmetic of opening, adjusting and closing one.
package trove

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"github.com/troveline/trove-engine/internal/model"
	"github.com/troveline/trove-engine/internal/numeric"
	"github.com/troveline/trove-engine/internal/protocol"
)

var (
	ErrNegativeChange    = errors.New("trove: change amounts must not be negative")
	ErrConflictingChange = errors.New("trove: cannot deposit and withdraw (or borrow and repay) in one change")
	ErrWithdrawTooMuch   = errors.New("trove: withdrawal exceeds collateral")
	ErrRepayTooMuch      = errors.New("trove: repayment exceeds net debt")
	ErrOpenWithoutBorrow = errors.New("trove: opening a trove requires borrowing")
	ErrAdjustEmptyTrove  = errors.New("trove: cannot withdraw or repay on an empty trove")
)

// NetDebt is debt minus the liquidation reserve, never negative.
func NetDebt(t model.Trove) numeric.Value {
	if t.Debt.LessThanOrEqual(protocol.LiquidationReserve) {
		return numeric.Zero
	}
	return t.Debt.Sub(protocol.LiquidationReserve)
}

// IsEmpty reports whether the trove holds neither collateral nor debt.
func IsEmpty(t model.Trove) bool {
	return t.Collateral.IsZero() && t.Debt.IsZero()
}

// CollateralRatio is coll*price/debt. It is Infinity when there is collateral
// but no debt, and undefined (ok=false) for an empty trove.
func CollateralRatio(t model.Trove, price numeric.Value) (numeric.Value, bool) {
	return ratio(t.Collateral.Mul(price), t.Debt)
}

// NominalCollateralRatio is the price-independent key the sorted list is
// ordered by.
func NominalCollateralRatio(t model.Trove) (numeric.Value, bool) {
	return ratio(t.Collateral.Mul(protocol.NominalRatioScale), t.Debt)
}

func ratio(num, debt numeric.Value) (numeric.Value, bool) {
	if debt.IsZero() {
		if num.IsZero() {
			return numeric.Zero, false
		}
		return numeric.Infinity, true
	}
	return num.Div(debt), true
}

// IsBelowMinimumRatio reports whether the trove is liquidatable at price.
func IsBelowMinimumRatio(t model.Trove, price numeric.Value) bool {
	r, ok := CollateralRatio(t, price)
	return ok && r.LessThan(protocol.MinimumCollateralRatio)
}

// IsBelowCriticalRatio reports whether the ratio is under CCR at price.
func IsBelowCriticalRatio(t model.Trove, price numeric.Value) bool {
	r, ok := CollateralRatio(t, price)
	return ok && r.LessThan(protocol.CriticalCollateralRatio)
}

// Snapshot is the computed view of a trove at one price.
type Snapshot struct {
	Owner                  common.Address `json:"owner"`
	Collateral             numeric.Value  `json:"collateral"`
	Debt                   numeric.Value  `json:"debt"`
	NetDebt                numeric.Value  `json:"net_debt"`
	Price                  numeric.Value  `json:"price"`
	CollateralRatio        *numeric.Value `json:"collateral_ratio,omitempty"`
	NominalCollateralRatio *numeric.Value `json:"nominal_collateral_ratio,omitempty"`
	BelowMinimumRatio      bool           `json:"below_minimum_ratio"`
	BelowCriticalRatio     bool           `json:"below_critical_ratio"`
	Empty                  bool           `json:"empty"`
}

// Snap computes the view of t at price.
func Snap(t model.Trove, price numeric.Value) Snapshot {
	s := Snapshot{
		Owner:              t.Owner,
		Collateral:         t.Collateral,
		Debt:               t.Debt,
		NetDebt:            NetDebt(t),
		Price:              price,
		BelowMinimumRatio:  IsBelowMinimumRatio(t, price),
		BelowCriticalRatio: IsBelowCriticalRatio(t, price),
		Empty:              IsEmpty(t),
	}
	if r, ok := CollateralRatio(t, price); ok {
		s.CollateralRatio = &r
	}
	if r, ok := NominalCollateralRatio(t); ok {
		s.NominalCollateralRatio = &r
	}
	return s
}

// Change is a requested adjustment. At most one of each pair may be set.
type Change struct {
	DepositCollateral  numeric.Value `json:"deposit_collateral"`
	WithdrawCollateral numeric.Value `json:"withdraw_collateral"`
	Borrow             numeric.Value `json:"borrow"`
	Repay              numeric.Value `json:"repay"`
}

// IsZero reports whether the change does nothing.
func (c Change) IsZero() bool {
	return c.DepositCollateral.IsZero() && c.WithdrawCollateral.IsZero() &&
		c.Borrow.IsZero() && c.Repay.IsZero()
}

func (c Change) validate() error {
	for _, v := range []numeric.Value{c.DepositCollateral, c.WithdrawCollateral, c.Borrow, c.Repay} {
		if v.IsNegative() || v.IsInfinite() {
			return ErrNegativeChange
		}
	}
	if (!c.DepositCollateral.IsZero() && !c.WithdrawCollateral.IsZero()) ||
		(!c.Borrow.IsZero() && !c.Repay.IsZero()) {
		return ErrConflictingChange
	}
	return nil
}

// BorrowingFee is the one-off fee added to debt for borrowing amount.
func BorrowingFee(amount, borrowingRate numeric.Value) numeric.Value {
	return amount.Mul(borrowingRate)
}

// Apply returns the trove that results from c. Borrowing adds the borrowing
// fee to debt; opening (applying to an empty trove) also adds the liquidation
// reserve.
func Apply(t model.Trove, c Change, borrowingRate numeric.Value) (model.Trove, error) {
	if err := c.validate(); err != nil {
		return model.Trove{}, err
	}
	out := t

	if IsEmpty(t) {
		if !c.WithdrawCollateral.IsZero() || !c.Repay.IsZero() {
			return model.Trove{}, ErrAdjustEmptyTrove
		}
		if c.Borrow.IsZero() {
			return model.Trove{}, ErrOpenWithoutBorrow
		}
		out.Debt = protocol.LiquidationReserve
	}

	if c.WithdrawCollateral.GreaterThan(out.Collateral) {
		return model.Trove{}, ErrWithdrawTooMuch
	}
	out.Collateral = out.Collateral.Add(c.DepositCollateral).Sub(c.WithdrawCollateral)

	if c.Repay.GreaterThan(NetDebt(t)) {
		return model.Trove{}, ErrRepayTooMuch
	}
	out.Debt = out.Debt.
		Add(c.Borrow).
		Add(BorrowingFee(c.Borrow, borrowingRate)).
		Sub(c.Repay)

	if !IsEmpty(out) {
		out.Status = model.StatusOpen
	}
	return out, nil
}

// WhatChanged derives the Change that turns from into to under
// borrowingRate; it is the inverse of Apply up to truncation of the fee
// division. A target that is empty yields the full withdrawal and repayment
// of a close.
func WhatChanged(from, to model.Trove, borrowingRate numeric.Value) Change {
	var c Change

	switch cmp := to.Collateral.Cmp(from.Collateral); {
	case cmp > 0:
		c.DepositCollateral = to.Collateral.Sub(from.Collateral)
	case cmp < 0:
		c.WithdrawCollateral = from.Collateral.Sub(to.Collateral)
	}

	if IsEmpty(to) {
		c.Repay = NetDebt(from)
		return c
	}

	fromDebt := from.Debt
	if IsEmpty(from) {
		fromDebt = protocol.LiquidationReserve
	}
	switch cmp := to.Debt.Cmp(fromDebt); {
	case cmp > 0:
		c.Borrow = to.Debt.Sub(fromDebt).Div(numeric.One.Add(borrowingRate))
	case cmp < 0:
		c.Repay = fromDebt.Sub(to.Debt)
	}
	return c
}
