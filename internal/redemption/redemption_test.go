package redemption

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/troveline/trove-engine/internal/fees"
	"github.com/troveline/trove-engine/internal/model"
	"github.com/troveline/trove-engine/internal/numeric"
	"github.com/troveline/trove-engine/internal/protocol"
)

func v(s string) numeric.Value {
	return numeric.MustParse(s)
}

func owner(n int64) common.Address {
	return common.BigToAddress(big.NewInt(n))
}

// troves builds a list with the given net debts, in order, each well
// collateralised at a price of 1000.
func troves(netDebts ...string) []model.Trove {
	out := make([]model.Trove, len(netDebts))
	for i, nd := range netDebts {
		out[i] = model.Trove{
			Owner:      owner(int64(i + 1)),
			Collateral: v("10"),
			Debt:       v(nd).Add(protocol.LiquidationReserve),
			Status:     model.StatusOpen,
		}
	}
	return out
}

var ladder = troves("2010", "2110.5", "2211")

func TestPlan_TruncatesToAvoidDustTrove(t *testing.T) {
	p, err := Compute(v("3000"), ladder, v("2010"), 0)
	require.NoError(t, err)

	require.True(t, p.Truncated)
	require.True(t, p.Redeemable.LessThan(v("3000")))
	require.Equal(t, "2110.5", p.Redeemable.String())
	require.Equal(t, owner(1), p.FirstRedeemed)
	require.Equal(t, owner(2), p.PartialOwner)
	require.Equal(t, 2, p.Troves)
}

func TestPlan_ZeroAmount(t *testing.T) {
	p, err := Compute(numeric.Zero, ladder, v("2010"), 0)
	require.NoError(t, err)
	require.True(t, p.Redeemable.IsZero())
	require.False(t, p.Truncated)
	require.False(t, p.Partial())

	// nothing to redeem needs no troves either
	p, err = Compute(numeric.Zero, nil, v("2010"), 0)
	require.NoError(t, err)
	require.False(t, p.Truncated)
}

func TestPlan_ExactTotal(t *testing.T) {
	p, err := Compute(v("6331.5"), ladder, v("2010"), 0)
	require.NoError(t, err)
	require.False(t, p.Truncated)
	require.Equal(t, "6331.5", p.Redeemable.String())
	require.False(t, p.Partial())
	require.Equal(t, 3, p.Troves)
}

func TestPlan_PartialAboveFloor(t *testing.T) {
	// leaves 2110.5-100 = 2010.5 on the second trove, which is allowed
	p, err := Compute(v("2110"), ladder, v("2010"), 0)
	require.NoError(t, err)
	require.False(t, p.Truncated)
	require.Equal(t, owner(2), p.PartialOwner)
}

func TestPlan_TroveAtFloorCannotBePartlyRedeemed(t *testing.T) {
	p, err := Compute(v("500"), troves("1800", "5000"), v("1800"), 0)
	require.NoError(t, err)
	require.True(t, p.Truncated)
	require.True(t, p.Redeemable.IsZero())
	require.Equal(t, common.Address{}, p.FirstRedeemed)
}

func TestPlan_StopsAtMaxIterations(t *testing.T) {
	p, err := Compute(v("6331.5"), ladder, v("2010"), 2)
	require.NoError(t, err)
	require.True(t, p.Truncated)
	require.Equal(t, "4120.5", p.Redeemable.String())
	require.Equal(t, 2, p.Troves)
}

func TestPlan_NeverExceedsAttempted(t *testing.T) {
	for _, amount := range []string{"0", "1", "99.9", "2010", "2500", "4120.5", "6000", "6331.5", "10000"} {
		p, err := Compute(v(amount), ladder, v("2010"), 0)
		require.NoError(t, err, amount)
		require.True(t, p.Redeemable.LessThanOrEqual(p.Attempted), amount)
		require.Equal(t, p.Redeemable.LessThan(p.Attempted), p.Truncated, amount)
	}
}

func TestPlan_Idempotent(t *testing.T) {
	f := fees.New(v("0.01"), time.Unix(0, 0), false)
	pl := &Planner{
		MinimumNetDebt: v("2010"),
		Fees:           &f,
		TotalDebt:      v("100000"),
		Price:          v("1000"),
		At:             time.Unix(3600, 0),
	}
	a, err := pl.Plan(v("3000"), ladder)
	require.NoError(t, err)
	b, err := pl.Plan(v("3000"), ladder)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestPlan_RedeemableIsMonotonic(t *testing.T) {
	prev := numeric.Zero
	for amount := int64(0); amount <= 7000; amount += 50 {
		p, err := Compute(numeric.FromInt(amount), ladder, v("2010"), 0)
		require.NoError(t, err)
		require.True(t, p.Redeemable.GreaterThanOrEqual(prev), "amount=%d", amount)
		prev = p.Redeemable
	}
}

func TestPlan_TruncatedAmountPlansWithoutTruncation(t *testing.T) {
	for _, amount := range []string{"2500", "3000", "5000", "9000"} {
		p, err := Compute(v(amount), ladder, v("2010"), 0)
		require.NoError(t, err)

		again, err := Compute(p.Redeemable, ladder, v("2010"), 0)
		require.NoError(t, err)
		require.False(t, again.Truncated, amount)
	}
}

func TestIncreaseAmountByMinimumNetDebt(t *testing.T) {
	p, err := Compute(v("3000"), ladder, v("2010"), 0)
	require.NoError(t, err)
	require.True(t, p.Truncated)

	up, err := p.IncreaseAmountByMinimumNetDebt()
	require.NoError(t, err)
	require.Equal(t, "5010", up.Attempted.String())
	require.True(t, up.Redeemable.GreaterThan(p.Redeemable))
	require.Equal(t, owner(3), up.PartialOwner)

	full, err := Compute(v("6331.5"), ladder, v("2010"), 0)
	require.NoError(t, err)
	_, err = full.IncreaseAmountByMinimumNetDebt()
	require.ErrorIs(t, err, ErrNotTruncated)
}

func TestPlan_RejectsMalformedInput(t *testing.T) {
	_, err := Compute(v("-1"), ladder, v("2010"), 0)
	require.ErrorIs(t, err, ErrNegativeAmount)

	_, err = Compute(v("1"), nil, v("2010"), 0)
	require.ErrorIs(t, err, ErrNoPositions)

	_, err = Compute(v("1"), ladder, v("2010"), -1)
	require.ErrorIs(t, err, ErrInvalidMaxIterations)
}

func TestPlanner_SkipsLiquidatableTroves(t *testing.T) {
	risky := model.Trove{Owner: owner(9), Collateral: v("2"), Debt: v("2500")} // ratio 0.8
	positions := append([]model.Trove{risky}, ladder...)

	pl := NewPlanner()
	pl.MinimumNetDebt = v("2010")
	pl.Price = v("1000")

	p, err := pl.Plan(v("2010"), positions)
	require.NoError(t, err)
	require.Equal(t, owner(1), p.FirstRedeemed)
	require.False(t, p.Truncated)
}

func TestPlanner_Fee(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f := fees.New(v("0.01"), t0, false)

	pl := NewPlanner()
	pl.MinimumNetDebt = v("2010")
	pl.Fees = &f
	pl.TotalDebt = v("100000")
	pl.Price = v("1000")
	pl.At = t0

	p, err := pl.Plan(v("6331.5"), ladder)
	require.NoError(t, err)

	// rate = 0.005 + 0.01 + (6331.5/100000)/2
	want, err := f.RedemptionRate(v("0.063315"), t0)
	require.NoError(t, err)
	require.Equal(t, want.String(), p.FeeRate.String())
	require.Equal(t, p.Redeemable.Mul(want).String(), p.Fee.String())
	require.Equal(t, "6.3315", p.CollateralDrawn.String())
	require.True(t, p.CollateralFee.IsPositive())
}

func TestPlanner_PartialNICR(t *testing.T) {
	pl := NewPlanner()
	pl.MinimumNetDebt = v("2010")
	pl.Price = v("1000")

	p, err := pl.Plan(v("3000"), ladder)
	require.NoError(t, err)

	// second trove: coll 10 - 100.5/1000, debt 2310.5 - 100.5
	want := v("9.8995").Mul(protocol.NominalRatioScale).Div(v("2210"))
	require.Equal(t, want.String(), p.PartialNICR.String())
}
