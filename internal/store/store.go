// Package store defines the persistence interface for the trove engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/troveline/trove-engine/internal/model"
	"github.com/troveline/trove-engine/internal/trove"
)

// ErrNotFound is returned when a trove, transaction record or the system
// state has not been stored yet.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Trove mirror ---

	// ReplaceTroves swaps the mirrored trove set for troves in one step.
	ReplaceTroves(ctx context.Context, troves []model.Trove) error

	// UpsertTrove writes a single trove, e.g. after a confirmed transaction.
	UpsertTrove(ctx context.Context, t *model.Trove) error

	// GetTrove retrieves a trove by owner.
	GetTrove(ctx context.Context, owner common.Address) (*model.Trove, error)

	// ListTrovesByNICR returns open troves in ascending nominal ratio
	// order, at most limit of them (limit <= 0 means all).
	ListTrovesByNICR(ctx context.Context, limit int) ([]model.Trove, error)

	// --- System state ---

	SaveSystemState(ctx context.Context, s *model.SystemState) error
	GetSystemState(ctx context.Context) (*model.SystemState, error)

	// --- Transaction journal ---

	// InsertTxRecord appends a populated transaction.
	InsertTxRecord(ctx context.Context, rec *model.TxRecord) error

	// UpdateTxRecord stores a lifecycle transition.
	UpdateTxRecord(ctx context.Context, rec *model.TxRecord) error

	GetTxRecord(ctx context.Context, id string) (*model.TxRecord, error)
	ListTxRecordsByOwner(ctx context.Context, owner common.Address) ([]model.TxRecord, error)
}

// SortByNICR orders troves the way the on-chain list orders them from its
// tail: lowest nominal ratio first. Ties break on owner address so the order
// is stable across stores.
func SortByNICR(troves []model.Trove) {
	sort.SliceStable(troves, func(i, j int) bool {
		a, _ := trove.NominalCollateralRatio(troves[i])
		b, _ := trove.NominalCollateralRatio(troves[j])
		if c := a.Cmp(b); c != 0 {
			return c < 0
		}
		return troves[i].Owner.Hex() < troves[j].Owner.Hex()
	})
}
