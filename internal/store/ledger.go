package store

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/troveline/trove-engine/internal/model"
	"github.com/troveline/trove-engine/internal/numeric"
)

// Ledger serves trove and fee reads from the mirrored copy in a Store, so
// population does not hit the RPC endpoint for every list read.
type Ledger struct {
	store Store
}

// NewLedger wraps s.
func NewLedger(s Store) *Ledger {
	return &Ledger{store: s}
}

// GetPosition returns the mirrored trove, or a non-existent one for an owner
// the mirror has never seen.
func (l *Ledger) GetPosition(ctx context.Context, owner common.Address) (model.Trove, error) {
	t, err := l.store.GetTrove(ctx, owner)
	if errors.Is(err, ErrNotFound) {
		return model.Trove{Owner: owner, Status: model.StatusNonExistent}, nil
	}
	if err != nil {
		return model.Trove{}, err
	}
	return *t, nil
}

func (l *Ledger) PositionsByAscendingRatio(ctx context.Context, limit int) ([]model.Trove, error) {
	return l.store.ListTrovesByNICR(ctx, limit)
}

func (l *Ledger) GetTotalDebt(ctx context.Context) (numeric.Value, error) {
	st, err := l.store.GetSystemState(ctx)
	if err != nil {
		return numeric.Zero, err
	}
	return st.TotalDebt, nil
}

func (l *Ledger) GetTotalCollateral(ctx context.Context) (numeric.Value, error) {
	st, err := l.store.GetSystemState(ctx)
	if err != nil {
		return numeric.Zero, err
	}
	return st.TotalCollateral, nil
}

func (l *Ledger) GetPositionCount(ctx context.Context) (int, error) {
	st, err := l.store.GetSystemState(ctx)
	if err != nil {
		return 0, err
	}
	return st.TroveCount, nil
}

func (l *Ledger) GetPrice(ctx context.Context) (numeric.Value, error) {
	st, err := l.store.GetSystemState(ctx)
	if err != nil {
		return numeric.Zero, err
	}
	return st.Price, nil
}

func (l *Ledger) GetBaseRate(ctx context.Context) (numeric.Value, error) {
	st, err := l.store.GetSystemState(ctx)
	if err != nil {
		return numeric.Zero, err
	}
	return st.BaseRate, nil
}

func (l *Ledger) GetLastFeeOperationTime(ctx context.Context) (time.Time, error) {
	st, err := l.store.GetSystemState(ctx)
	if err != nil {
		return time.Time{}, err
	}
	return st.LastFeeOperation, nil
}
