package txn

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/troveline/trove-engine/internal/fees"
	"github.com/troveline/trove-engine/internal/guard"
	"github.com/troveline/trove-engine/internal/hint"
	"github.com/troveline/trove-engine/internal/model"
	"github.com/troveline/trove-engine/internal/numeric"
	"github.com/troveline/trove-engine/internal/protocol"
	"github.com/troveline/trove-engine/internal/redemption"
	"github.com/troveline/trove-engine/internal/trove"
)

var (
	ErrTroveExists       = errors.New("txn: owner already has an open trove")
	ErrNoTrove           = errors.New("txn: owner has no open trove")
	ErrEmptyChange       = errors.New("txn: adjustment changes nothing")
	ErrLastTrove         = errors.New("txn: the only trove in the system cannot be closed")
	ErrNothingRedeemable = errors.New("txn: amount too low to redeem")
)

// Ledger is the read view of troves and system totals.
type Ledger interface {
	GetPosition(ctx context.Context, owner common.Address) (model.Trove, error)
	GetTotalDebt(ctx context.Context) (numeric.Value, error)
	GetTotalCollateral(ctx context.Context) (numeric.Value, error)
	GetPositionCount(ctx context.Context) (int, error)
	GetPrice(ctx context.Context) (numeric.Value, error)

	// PositionsByAscendingRatio returns up to limit open troves starting
	// from the lowest collateral ratio. limit <= 0 returns all of them.
	PositionsByAscendingRatio(ctx context.Context, limit int) ([]model.Trove, error)
}

// liquidatableHeadroom is how many extra troves a redemption fetches beyond
// its iteration cap; troves under MCR are skipped without counting.
const liquidatableHeadroom = 20

// Populator assembles contract calls from the current chain state.
type Populator struct {
	deployment *protocol.Deployment
	ledger     Ledger
	oracle     hint.Oracle
	feeState   fees.State
	exec       Executor

	Guard         *guard.Guard
	MaxIterations int
	PollInterval  time.Duration
	Observe       Observer

	// Seed draws the first hint round's seed; Now is the fee clock.
	Seed func() (*big.Int, error)
	Now  func() time.Time
}

// NewPopulator creates a populator with protocol defaults.
func NewPopulator(d *protocol.Deployment, ledger Ledger, oracle hint.Oracle, feeState fees.State, exec Executor) *Populator {
	return &Populator{
		deployment:    d,
		ledger:        ledger,
		oracle:        oracle,
		feeState:      feeState,
		exec:          exec,
		Guard:         guard.New(),
		MaxIterations: redemption.DefaultMaxIterations,
		PollInterval:  DefaultPollInterval,
		Seed:          hint.RandomSeed,
		Now:           time.Now,
	}
}

// OpenRequest opens a trove for Owner.
type OpenRequest struct {
	Owner   common.Address `json:"owner"`
	Deposit numeric.Value  `json:"deposit"`
	Borrow  numeric.Value  `json:"borrow"`

	// MaxFeeRate overrides the default slippage bound when positive.
	MaxFeeRate numeric.Value `json:"max_fee_rate"`
}

// AdjustRequest applies Change to Owner's trove.
type AdjustRequest struct {
	Owner      common.Address `json:"owner"`
	Change     trove.Change   `json:"change"`
	MaxFeeRate numeric.Value  `json:"max_fee_rate"`

	// Target, when set, replaces Change with the change that brings the
	// trove to this collateral and total debt at the current borrowing rate.
	Target *Target `json:"target,omitempty"`
}

// Target is a desired end state for an adjustment.
type Target struct {
	Collateral numeric.Value `json:"collateral"`
	Debt       numeric.Value `json:"debt"`
}

// RedeemRequest redeems Amount of debt tokens for collateral.
type RedeemRequest struct {
	Redeemer      common.Address `json:"redeemer"`
	Amount        numeric.Value  `json:"amount"`
	MaxFeeRate    numeric.Value  `json:"max_fee_rate"`
	MaxIterations int            `json:"max_iterations"`
}

// state is everything read from the ledger and fee state for one populate.
type state struct {
	price    numeric.Value
	totals   model.SystemTotals
	fees     fees.Fees
	recovery bool
	at       time.Time
}

func (p *Populator) readState(ctx context.Context) (state, error) {
	price, err := p.ledger.GetPrice(ctx)
	if err != nil {
		return state{}, fmt.Errorf("txn: read price: %w", err)
	}
	debt, err := p.ledger.GetTotalDebt(ctx)
	if err != nil {
		return state{}, fmt.Errorf("txn: read total debt: %w", err)
	}
	coll, err := p.ledger.GetTotalCollateral(ctx)
	if err != nil {
		return state{}, fmt.Errorf("txn: read total collateral: %w", err)
	}
	count, err := p.ledger.GetPositionCount(ctx)
	if err != nil {
		return state{}, fmt.Errorf("txn: read trove count: %w", err)
	}

	totals := model.SystemTotals{Collateral: coll, Debt: debt, TroveCount: count}
	recovery := guard.IsRecoveryMode(totals, price)

	f, err := fees.Load(ctx, p.feeState, recovery)
	if err != nil {
		return state{}, fmt.Errorf("txn: %w", err)
	}
	return state{price: price, totals: totals, fees: f, recovery: recovery, at: p.Now()}, nil
}

// findHint locates the insert position for t, stepping past own.
func (p *Populator) findHint(ctx context.Context, t model.Trove, listSize int, own common.Address) (hint.Result, error) {
	nicr, ok := trove.NominalCollateralRatio(t)
	if !ok {
		return hint.Result{}, nil
	}
	return p.findHintAt(ctx, nicr, listSize, own)
}

func (p *Populator) findHintAt(ctx context.Context, nicr numeric.Value, listSize int, own common.Address) (hint.Result, error) {
	seed, err := p.Seed()
	if err != nil {
		return hint.Result{}, err
	}
	res, err := hint.Find(ctx, p.oracle, hint.Request{Target: nicr, ListSize: listSize, Seed: seed, Own: own})
	if err != nil {
		return hint.Result{}, fmt.Errorf("txn: %w", err)
	}
	return res, nil
}

func (p *Populator) newTx(kind Kind, owner common.Address, call Call) *PopulatedTx {
	return &PopulatedTx{
		ID:        uuid.New().String(),
		Kind:      kind,
		Owner:     owner,
		Call:      call,
		CreatedAt: p.Now().UTC(),
		exec:      p.exec,
		interval:  p.PollInterval,
		observe:   p.Observe,
		status:    model.TxUnpopulated,
	}
}

// finish estimates gas, applies margin and marks tx populated.
func (p *Populator) finish(ctx context.Context, tx *PopulatedTx, margin uint64) (*PopulatedTx, error) {
	est, err := p.exec.EstimateGas(ctx, tx.Call)
	if err != nil {
		return nil, fmt.Errorf("txn: estimate gas for %s: %w", tx.Kind, err)
	}
	tx.GasEstimate = est
	tx.GasLimit = est + margin

	tx.mu.Lock()
	tx.transition(model.TxPopulated)
	tx.mu.Unlock()
	tx.flush()
	return tx, nil
}

func maxFee(override, derived numeric.Value) numeric.Value {
	if override.IsPositive() {
		return numeric.Min(override, numeric.One)
	}
	return derived
}

// OpenTrove populates an openTrove call.
func (p *Populator) OpenTrove(ctx context.Context, req OpenRequest) (*PopulatedTx, error) {
	before, err := p.ledger.GetPosition(ctx, req.Owner)
	if err != nil {
		return nil, fmt.Errorf("txn: read trove %s: %w", req.Owner, err)
	}
	if !trove.IsEmpty(before) {
		return nil, ErrTroveExists
	}

	st, err := p.readState(ctx)
	if err != nil {
		return nil, err
	}
	rate := st.fees.BorrowingRate(st.at)

	after, err := trove.Apply(model.Trove{Owner: req.Owner}, trove.Change{
		DepositCollateral: req.Deposit,
		Borrow:            req.Borrow,
	}, rate)
	if err != nil {
		return nil, err
	}
	if err := p.Guard.CheckTrove(before, after, st.price, st.totals); err != nil {
		return nil, err
	}

	h, err := p.findHint(ctx, after, st.totals.TroveCount, common.Address{})
	if err != nil {
		return nil, err
	}

	fee := maxFee(req.MaxFeeRate, p.Guard.MaxBorrowingRate(rate))
	data, err := protocol.BorrowerOperationsABI.Pack("openTrove",
		fee.Wei(), req.Borrow.Wei(), h.Hint.Upper, h.Hint.Lower)
	if err != nil {
		return nil, fmt.Errorf("txn: pack openTrove: %w", err)
	}

	tx := p.newTx(KindOpen, req.Owner, Call{
		From:  req.Owner,
		To:    p.deployment.Address(protocol.BorrowerOperations),
		Data:  data,
		Value: req.Deposit.Wei(),
	})
	tx.Hint, tx.HintRounds = h.Hint, h.Rounds
	tx.MaxFeeRate = fee
	tx.Amount = req.Borrow
	tx.Before, tx.After = before, after

	return p.finish(ctx, tx, ListTraversalMargin()+BaseRateUpdateMargin(p.Guard.DecayToleranceMinutes))
}

// AdjustTrove populates an adjustTrove call.
func (p *Populator) AdjustTrove(ctx context.Context, req AdjustRequest) (*PopulatedTx, error) {
	if req.Target == nil && req.Change.IsZero() {
		return nil, ErrEmptyChange
	}
	before, err := p.ledger.GetPosition(ctx, req.Owner)
	if err != nil {
		return nil, fmt.Errorf("txn: read trove %s: %w", req.Owner, err)
	}
	if trove.IsEmpty(before) {
		return nil, ErrNoTrove
	}

	st, err := p.readState(ctx)
	if err != nil {
		return nil, err
	}
	rate := st.fees.BorrowingRate(st.at)

	if req.Target != nil {
		req.Change = trove.WhatChanged(before, model.Trove{
			Owner:      req.Owner,
			Collateral: req.Target.Collateral,
			Debt:       req.Target.Debt,
			Status:     model.StatusOpen,
		}, rate)
		if req.Change.IsZero() {
			return nil, ErrEmptyChange
		}
	}

	after, err := trove.Apply(before, req.Change, rate)
	if err != nil {
		return nil, err
	}
	if err := p.Guard.CheckTrove(before, after, st.price, st.totals); err != nil {
		return nil, err
	}

	h, err := p.findHint(ctx, after, st.totals.TroveCount, req.Owner)
	if err != nil {
		return nil, err
	}

	c := req.Change
	debtChange, increase := c.Repay, false
	if c.Borrow.IsPositive() {
		debtChange, increase = c.Borrow, true
	}

	fee := maxFee(req.MaxFeeRate, p.Guard.MaxBorrowingRate(rate))
	data, err := protocol.BorrowerOperationsABI.Pack("adjustTrove",
		fee.Wei(), c.WithdrawCollateral.Wei(), debtChange.Wei(), increase, h.Hint.Upper, h.Hint.Lower)
	if err != nil {
		return nil, fmt.Errorf("txn: pack adjustTrove: %w", err)
	}

	tx := p.newTx(KindAdjust, req.Owner, Call{
		From:  req.Owner,
		To:    p.deployment.Address(protocol.BorrowerOperations),
		Data:  data,
		Value: c.DepositCollateral.Wei(),
	})
	tx.Hint, tx.HintRounds = h.Hint, h.Rounds
	tx.MaxFeeRate = fee
	tx.Amount = debtChange
	tx.Before, tx.After = before, after

	margin := ListTraversalMargin()
	if increase {
		margin += BaseRateUpdateMargin(p.Guard.DecayToleranceMinutes)
	}
	return p.finish(ctx, tx, margin)
}

// CloseTrove populates a closeTrove call.
func (p *Populator) CloseTrove(ctx context.Context, owner common.Address) (*PopulatedTx, error) {
	before, err := p.ledger.GetPosition(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("txn: read trove %s: %w", owner, err)
	}
	if trove.IsEmpty(before) {
		return nil, ErrNoTrove
	}

	st, err := p.readState(ctx)
	if err != nil {
		return nil, err
	}
	if st.totals.TroveCount <= 1 {
		return nil, ErrLastTrove
	}
	if err := p.Guard.CheckTrove(before, model.Trove{Owner: owner}, st.price, st.totals); err != nil {
		return nil, err
	}

	data, err := protocol.BorrowerOperationsABI.Pack("closeTrove")
	if err != nil {
		return nil, fmt.Errorf("txn: pack closeTrove: %w", err)
	}

	tx := p.newTx(KindClose, owner, Call{
		From: owner,
		To:   p.deployment.Address(protocol.BorrowerOperations),
		Data: data,
	})
	tx.Amount = trove.NetDebt(before)
	tx.Before = before
	tx.After = model.Trove{Owner: owner, Status: model.StatusClosedByOwner}

	return p.finish(ctx, tx, 0)
}

// PopulatedRedemption is a redemption transaction together with its plan.
type PopulatedRedemption struct {
	*PopulatedTx
	Plan *redemption.Plan `json:"plan"`

	populator *Populator
	req       RedeemRequest
	listSize  int
}

func (r *PopulatedRedemption) AttemptedAmount() numeric.Value  { return r.Plan.Attempted }
func (r *PopulatedRedemption) RedeemableAmount() numeric.Value { return r.Plan.Redeemable }
func (r *PopulatedRedemption) IsTruncated() bool               { return r.Plan.Truncated }

// IncreaseAmountByMinimumNetDebt populates a fresh redemption for the
// attempted amount plus the minimum net debt. The receiver is left as is.
func (r *PopulatedRedemption) IncreaseAmountByMinimumNetDebt(ctx context.Context) (*PopulatedRedemption, error) {
	plan, err := r.Plan.IncreaseAmountByMinimumNetDebt()
	if err != nil {
		return nil, err
	}
	req := r.req
	req.Amount = plan.Attempted
	return r.populator.populateRedemption(ctx, req, plan, r.listSize)
}

// PlanRedemption runs the redemption walk against current state without
// populating a transaction.
func (p *Populator) PlanRedemption(ctx context.Context, amount numeric.Value, maxIterations int) (*redemption.Plan, int, error) {
	st, err := p.readState(ctx)
	if err != nil {
		return nil, 0, err
	}
	if maxIterations <= 0 {
		maxIterations = p.MaxIterations
	}

	limit := 0
	if maxIterations > 0 {
		limit = maxIterations + liquidatableHeadroom
	}
	positions, err := p.ledger.PositionsByAscendingRatio(ctx, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("txn: read redemption candidates: %w", err)
	}

	planner := &redemption.Planner{
		MinimumNetDebt: p.Guard.MinimumNetDebt,
		MaxIterations:  maxIterations,
		Fees:           &st.fees,
		TotalDebt:      st.totals.Debt,
		Price:          st.price,
		At:             st.at,
	}
	plan, err := planner.Plan(amount, positions)
	if err != nil {
		return nil, 0, err
	}
	return plan, st.totals.TroveCount, nil
}

// Redeem populates a redeemCollateral call for the redeemable part of
// req.Amount. Inspect IsTruncated before sending.
func (p *Populator) Redeem(ctx context.Context, req RedeemRequest) (*PopulatedRedemption, error) {
	plan, listSize, err := p.PlanRedemption(ctx, req.Amount, req.MaxIterations)
	if err != nil {
		return nil, err
	}
	return p.populateRedemption(ctx, req, plan, listSize)
}

func (p *Populator) populateRedemption(ctx context.Context, req RedeemRequest, plan *redemption.Plan, listSize int) (*PopulatedRedemption, error) {
	if plan.Redeemable.IsZero() {
		return nil, ErrNothingRedeemable
	}

	var partial hint.Result
	partialNICR := numeric.Zero
	if plan.Partial() && plan.PartialNICR.IsPositive() {
		res, err := p.findHintAt(ctx, plan.PartialNICR, listSize, plan.PartialOwner)
		if err != nil {
			return nil, err
		}
		partial, partialNICR = res, plan.PartialNICR
	}

	fee := maxFee(req.MaxFeeRate, p.Guard.MaxRedemptionRate(plan.FeeRate))
	data, err := protocol.TroveManagerABI.Pack("redeemCollateral",
		plan.Redeemable.Wei(),
		plan.FirstRedeemed,
		partial.Hint.Upper,
		partial.Hint.Lower,
		partialNICR.Wei(),
		big.NewInt(int64(plan.MaxIterations)),
		fee.Wei(),
	)
	if err != nil {
		return nil, fmt.Errorf("txn: pack redeemCollateral: %w", err)
	}

	tx := p.newTx(KindRedeem, req.Redeemer, Call{
		From: req.Redeemer,
		To:   p.deployment.Address(protocol.TroveManager),
		Data: data,
	})
	tx.Hint, tx.HintRounds = partial.Hint, partial.Rounds
	tx.MaxFeeRate = fee
	tx.Amount = plan.Redeemable

	if _, err := p.finish(ctx, tx, BaseRateUpdateMargin(p.Guard.DecayToleranceMinutes)); err != nil {
		return nil, err
	}
	return &PopulatedRedemption{
		PopulatedTx: tx,
		Plan:        plan,
		populator:   p,
		req:         req,
		listSize:    listSize,
	}, nil
}
