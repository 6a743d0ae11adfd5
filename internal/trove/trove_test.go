package trove

import (
	"errors"
	"testing"

	"github.com/troveline/trove-engine/internal/model"
	"github.com/troveline/trove-engine/internal/numeric"
)

func v(s string) numeric.Value {
	return numeric.MustParse(s)
}

func TestCollateralRatio(t *testing.T) {
	tr := model.Trove{Collateral: v("10"), Debt: v("5000")}
	r, ok := CollateralRatio(tr, v("1000"))
	if !ok || r.String() != "2" {
		t.Errorf("expected ratio 2, got %s (ok=%v)", r, ok)
	}
}

func TestCollateralRatio_ZeroDebtIsInfinite(t *testing.T) {
	r, ok := CollateralRatio(model.Trove{Collateral: v("1")}, v("1000"))
	if !ok || !r.IsInfinite() {
		t.Errorf("expected infinite ratio, got %s (ok=%v)", r, ok)
	}
}

func TestCollateralRatio_EmptyIsUndefined(t *testing.T) {
	if _, ok := CollateralRatio(model.Trove{}, v("1000")); ok {
		t.Error("empty trove should have no defined ratio")
	}
}

func TestNetDebt(t *testing.T) {
	if got := NetDebt(model.Trove{Debt: v("2210")}); got.String() != "2010" {
		t.Errorf("expected net debt 2010, got %s", got)
	}
	if got := NetDebt(model.Trove{Debt: v("150")}); !got.IsZero() {
		t.Errorf("net debt should clamp at zero, got %s", got)
	}
}

func TestBelowMinimumRatio(t *testing.T) {
	tr := model.Trove{Collateral: v("1"), Debt: v("1000")}
	if !IsBelowMinimumRatio(tr, v("1000")) {
		t.Error("ratio 1.0 should be below MCR")
	}
	if IsBelowMinimumRatio(tr, v("1200")) {
		t.Error("ratio 1.2 should be above MCR")
	}
	if !IsBelowCriticalRatio(tr, v("1200")) {
		t.Error("ratio 1.2 should be below CCR")
	}
}

func TestApply_OpenAddsReserveAndFee(t *testing.T) {
	out, err := Apply(model.Trove{}, Change{DepositCollateral: v("10"), Borrow: v("2000")}, v("0.005"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 2000 + 10 fee + 200 reserve
	if out.Debt.String() != "2210" {
		t.Errorf("expected debt 2210, got %s", out.Debt)
	}
	if out.Status != model.StatusOpen {
		t.Errorf("expected status open, got %s", out.Status)
	}
}

func TestApply_Errors(t *testing.T) {
	open := model.Trove{Collateral: v("10"), Debt: v("2210")}
	tests := []struct {
		name string
		from model.Trove
		c    Change
		want error
	}{
		{"negative", open, Change{Borrow: v("-1")}, ErrNegativeChange},
		{"conflict", open, Change{DepositCollateral: v("1"), WithdrawCollateral: v("1")}, ErrConflictingChange},
		{"withdraw too much", open, Change{WithdrawCollateral: v("11")}, ErrWithdrawTooMuch},
		{"repay too much", open, Change{Repay: v("2011")}, ErrRepayTooMuch},
		{"open without borrow", model.Trove{}, Change{DepositCollateral: v("1")}, ErrOpenWithoutBorrow},
		{"withdraw from empty", model.Trove{}, Change{WithdrawCollateral: v("1"), Borrow: v("1")}, ErrAdjustEmptyTrove},
	}
	for _, tc := range tests {
		if _, err := Apply(tc.from, tc.c, v("0")); !errors.Is(err, tc.want) {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestWhatChanged_InvertsApply(t *testing.T) {
	rate := v("0.01")
	from := model.Trove{Collateral: v("10"), Debt: v("2210")}
	c := Change{WithdrawCollateral: v("2"), Borrow: v("500")}

	to, err := Apply(from, c, rate)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := WhatChanged(from, to, rate)
	if !got.WithdrawCollateral.Equal(c.WithdrawCollateral) {
		t.Errorf("expected withdraw %s, got %s", c.WithdrawCollateral, got.WithdrawCollateral)
	}
	if !got.Borrow.Equal(c.Borrow) {
		t.Errorf("expected borrow %s, got %s", c.Borrow, got.Borrow)
	}
}

func TestWhatChanged_Close(t *testing.T) {
	from := model.Trove{Collateral: v("10"), Debt: v("2210")}
	got := WhatChanged(from, model.Trove{}, v("0"))
	if got.WithdrawCollateral.String() != "10" || got.Repay.String() != "2010" {
		t.Errorf("unexpected close change: %+v", got)
	}
}

func TestSnap(t *testing.T) {
	s := Snap(model.Trove{Collateral: v("10"), Debt: v("2210")}, v("1000"))
	if s.CollateralRatio == nil || s.NominalCollateralRatio == nil {
		t.Fatal("expected ratios to be set")
	}
	if s.NetDebt.String() != "2010" {
		t.Errorf("expected net debt 2010, got %s", s.NetDebt)
	}
	if s.Empty || s.BelowMinimumRatio {
		t.Errorf("unexpected flags: %+v", s)
	}
}
