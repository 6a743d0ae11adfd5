// Package model defines the core domain types shared across the trove engine.
// All monetary values use numeric.Value; never float64 for money.
package model

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/troveline/trove-engine/internal/numeric"
)

// TroveStatus mirrors the on-chain status enum of a trove.
type TroveStatus string

const (
	StatusNonExistent         TroveStatus = "nonExistent"
	StatusOpen                TroveStatus = "open"
	StatusClosedByOwner       TroveStatus = "closedByOwner"
	StatusClosedByLiquidation TroveStatus = "closedByLiquidation"
	StatusClosedByRedemption  TroveStatus = "closedByRedemption"
)

// Trove is a borrower's collateralized debt position.
// Debt includes the liquidation reserve; see trove.NetDebt.
type Trove struct {
	Owner      common.Address `json:"owner" db:"owner"`
	Collateral numeric.Value  `json:"collateral" db:"collateral"`
	Debt       numeric.Value  `json:"debt" db:"debt"`
	Stake      numeric.Value  `json:"stake" db:"stake"`
	Status     TroveStatus    `json:"status" db:"status"`
	UpdatedAt  time.Time      `json:"updated_at" db:"updated_at"`
}

// Hint is an advisory insertion point into the sorted trove list. It may be
// stale by the time the transaction that carries it is mined; the contracts
// walk from it to the true position.
type Hint struct {
	Upper common.Address `json:"upper"` // predecessor (higher ratio side)
	Lower common.Address `json:"lower"` // successor (lower ratio side)
}

// IsEmpty reports whether the hint carries no position information, which is
// what an insert into an empty list uses.
func (h Hint) IsEmpty() bool {
	return h.Upper == (common.Address{}) && h.Lower == (common.Address{})
}

// TxStatus is the lifecycle state of a populated transaction.
type TxStatus string

const (
	TxUnpopulated TxStatus = "unpopulated"
	TxPopulated   TxStatus = "populated"
	TxSent        TxStatus = "sent"
	TxSucceeded   TxStatus = "succeeded"
	TxFailed      TxStatus = "failed"
)

// TxRecord is the persisted journal entry for a transaction this engine
// populated. Rows are appended when populated and updated as the lifecycle
// advances.
type TxRecord struct {
	ID        string         `json:"id" db:"id"`
	Owner     common.Address `json:"owner" db:"owner"`
	Kind      string         `json:"kind" db:"kind"` // "open", "adjust", "close", "redeem"
	Hash      string         `json:"hash,omitempty" db:"hash"`
	GasLimit  uint64         `json:"gas_limit" db:"gas_limit"`
	GasUsed   uint64         `json:"gas_used,omitempty" db:"gas_used"`
	Amount    numeric.Value  `json:"amount" db:"amount"`
	Status    TxStatus       `json:"status" db:"status"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt time.Time      `json:"updated_at" db:"updated_at"`
}

// SystemTotals aggregates the whole system's collateral and debt.
type SystemTotals struct {
	Collateral numeric.Value `json:"collateral"`
	Debt       numeric.Value `json:"debt"`
	TroveCount int           `json:"trove_count"`
}

// SystemState is the mirrored protocol-wide state the engine prices
// operations against.
type SystemState struct {
	Price            numeric.Value `json:"price"`
	TotalCollateral  numeric.Value `json:"total_collateral"`
	TotalDebt        numeric.Value `json:"total_debt"`
	TroveCount       int           `json:"trove_count"`
	BaseRate         numeric.Value `json:"base_rate"`
	LastFeeOperation time.Time     `json:"last_fee_operation"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// Totals returns the collateral/debt aggregate.
func (s SystemState) Totals() SystemTotals {
	return SystemTotals{Collateral: s.TotalCollateral, Debt: s.TotalDebt, TroveCount: s.TroveCount}
}
