// Package fees models the protocol's borrowing and redemption fee schedule.
//
// Both fees are driven by a single base rate that is bumped by every
// redemption and decays exponentially with the time elapsed since the last
// fee-affecting operation:
//
//	baseRate(t) = baseRate₀ × decay^minutes(t − lastFeeOperation)
//
// The base rate itself lives on chain. This package only reads it; the
// calculation here reproduces what the contracts will charge so a client can
// pick slippage bounds before sending.
package fees

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/troveline/trove-engine/internal/numeric"
	"github.com/troveline/trove-engine/internal/protocol"
)

var (
	// ErrInvalidDecayFactor is returned for a decay factor outside (0, 1].
	ErrInvalidDecayFactor = errors.New("fees: minute decay factor must be in (0, 1]")

	// ErrInvalidBeta is returned when beta <= 0.
	ErrInvalidBeta = errors.New("fees: beta must be positive")

	// ErrInvalidBaseRate is returned for a base rate outside [0, 1].
	ErrInvalidBaseRate = errors.New("fees: base rate must be in [0, 1]")

	// ErrNegativeFraction is returned for a negative redeemed fraction.
	ErrNegativeFraction = errors.New("fees: redeemed fraction must not be negative")
)

// State is the read-only view of the on-chain fee state.
type State interface {
	GetBaseRate(ctx context.Context) (numeric.Value, error)
	GetLastFeeOperationTime(ctx context.Context) (time.Time, error)
}

// Fees is a snapshot of the fee state. It is a value type; methods never
// mutate it.
type Fees struct {
	BaseRateWithoutDecay numeric.Value `json:"base_rate_without_decay"`
	MinuteDecayFactor    numeric.Value `json:"minute_decay_factor"`
	Beta                 numeric.Value `json:"beta"`
	LastFeeOperation     time.Time     `json:"last_fee_operation"`
	RecoveryMode         bool          `json:"recovery_mode"`
}

// New returns a snapshot using the protocol's decay factor and beta.
func New(baseRate numeric.Value, lastFeeOperation time.Time, recoveryMode bool) Fees {
	return Fees{
		BaseRateWithoutDecay: baseRate,
		MinuteDecayFactor:    protocol.MinuteDecayFactor,
		Beta:                 protocol.Beta,
		LastFeeOperation:     lastFeeOperation,
		RecoveryMode:         recoveryMode,
	}
}

// Load reads the fee state and validates it. Any read failure is returned
// unchanged apart from wrapping; there is no retry.
func Load(ctx context.Context, st State, recoveryMode bool) (Fees, error) {
	baseRate, err := st.GetBaseRate(ctx)
	if err != nil {
		return Fees{}, fmt.Errorf("read base rate: %w", err)
	}
	last, err := st.GetLastFeeOperationTime(ctx)
	if err != nil {
		return Fees{}, fmt.Errorf("read last fee operation time: %w", err)
	}
	f := New(baseRate, last, recoveryMode)
	if err := f.Validate(); err != nil {
		return Fees{}, err
	}
	return f, nil
}

// Validate checks the base rate and the schedule parameters.
func (f Fees) Validate() error {
	if f.BaseRateWithoutDecay.IsNegative() || f.BaseRateWithoutDecay.GreaterThan(numeric.One) {
		return ErrInvalidBaseRate
	}
	if !f.MinuteDecayFactor.IsPositive() || f.MinuteDecayFactor.GreaterThan(numeric.One) {
		return ErrInvalidDecayFactor
	}
	if !f.Beta.IsPositive() {
		return ErrInvalidBeta
	}
	return nil
}

// MinutesSinceLastFeeOperation counts whole minutes; a clock behind the last
// operation counts as zero.
func (f Fees) MinutesSinceLastFeeOperation(at time.Time) uint64 {
	elapsed := at.Sub(f.LastFeeOperation)
	if elapsed <= 0 {
		return 0
	}
	return uint64(elapsed / time.Minute)
}

// BaseRate is the decayed base rate at the given time.
func (f Fees) BaseRate(at time.Time) numeric.Value {
	decay := f.MinuteDecayFactor.Pow(f.MinutesSinceLastFeeOperation(at))
	return f.BaseRateWithoutDecay.Mul(decay)
}

// BorrowingRate is the fee rate charged on newly borrowed debt:
//
//	min(MinimumBorrowingRate + baseRate, MaximumBorrowingRate)
//
// Borrowing is free in recovery mode.
func (f Fees) BorrowingRate(at time.Time) numeric.Value {
	if f.RecoveryMode {
		return numeric.Zero
	}
	return numeric.Min(
		protocol.MinimumBorrowingRate.Add(f.BaseRate(at)),
		protocol.MaximumBorrowingRate,
	)
}

// RedemptionRate is the fee rate charged on collateral drawn by a
// redemption of the given fraction of total supply:
//
//	min(MinimumRedemptionRate + baseRate + fraction/β, 1)
func (f Fees) RedemptionRate(redeemedFraction numeric.Value, at time.Time) (numeric.Value, error) {
	if redeemedFraction.IsNegative() {
		return numeric.Zero, ErrNegativeFraction
	}
	rate := f.BaseRate(at)
	if !redeemedFraction.IsZero() {
		rate = rate.Add(redeemedFraction.Div(f.Beta))
	}
	return numeric.Min(protocol.MinimumRedemptionRate.Add(rate), numeric.One), nil
}
