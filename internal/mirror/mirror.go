// Package mirror copies the on-chain trove list and system state into a
// store on a cron schedule, so reads and redemption planning can be served
// without walking the sorted list over RPC.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/troveline/trove-engine/internal/fees"
	"github.com/troveline/trove-engine/internal/metrics"
	"github.com/troveline/trove-engine/internal/model"
	"github.com/troveline/trove-engine/internal/store"
	"github.com/troveline/trove-engine/internal/txn"
)

// ErrBusy is returned when a refresh is requested while one is running.
var ErrBusy = errors.New("mirror: refresh already in progress")

// Source is what the mirror reads: the chain-backed ledger and fee state.
type Source interface {
	txn.Ledger
	fees.State
}

// Mirror keeps a store in step with a Source.
type Mirror struct {
	source  Source
	store   store.Store
	cron    *cron.Cron
	running atomic.Bool
	last    atomic.Pointer[time.Time]

	Now func() time.Time
}

// New creates a mirror. Nothing runs until Start or Refresh is called.
func New(src Source, st store.Store) *Mirror {
	return &Mirror{
		source: src,
		store:  st,
		cron:   cron.New(),
		Now:    time.Now,
	}
}

// Refresh reads the whole trove list and system state and replaces the
// mirrored copy. Concurrent calls fail fast with ErrBusy.
func (m *Mirror) Refresh(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer m.running.Store(false)

	err := m.refresh(ctx)
	if err != nil {
		metrics.MirrorRefreshes.WithLabelValues("error").Inc()
		return err
	}
	metrics.MirrorRefreshes.WithLabelValues("ok").Inc()
	return nil
}

func (m *Mirror) refresh(ctx context.Context) error {
	start := m.Now().UTC()

	troves, err := m.source.PositionsByAscendingRatio(ctx, 0)
	if err != nil {
		return fmt.Errorf("read troves: %w", err)
	}
	price, err := m.source.GetPrice(ctx)
	if err != nil {
		return fmt.Errorf("read price: %w", err)
	}
	coll, err := m.source.GetTotalCollateral(ctx)
	if err != nil {
		return fmt.Errorf("read total collateral: %w", err)
	}
	debt, err := m.source.GetTotalDebt(ctx)
	if err != nil {
		return fmt.Errorf("read total debt: %w", err)
	}
	count, err := m.source.GetPositionCount(ctx)
	if err != nil {
		return fmt.Errorf("read trove count: %w", err)
	}
	baseRate, err := m.source.GetBaseRate(ctx)
	if err != nil {
		return fmt.Errorf("read base rate: %w", err)
	}
	lastFeeOp, err := m.source.GetLastFeeOperationTime(ctx)
	if err != nil {
		return fmt.Errorf("read last fee operation: %w", err)
	}

	for i := range troves {
		troves[i].UpdatedAt = start
	}
	if err := m.store.ReplaceTroves(ctx, troves); err != nil {
		return fmt.Errorf("store troves: %w", err)
	}
	state := &model.SystemState{
		Price:            price,
		TotalCollateral:  coll,
		TotalDebt:        debt,
		TroveCount:       count,
		BaseRate:         baseRate,
		LastFeeOperation: lastFeeOp,
		UpdatedAt:        start,
	}
	if err := m.store.SaveSystemState(ctx, state); err != nil {
		return fmt.Errorf("store system state: %w", err)
	}

	m.last.Store(&start)
	metrics.MirroredTroves.Set(float64(len(troves)))
	slog.Info("trove mirror refreshed",
		"troves", len(troves),
		"price", price.String(),
		"total_debt", debt.String(),
		"took", m.Now().UTC().Sub(start).String(),
	)
	return nil
}

// LastRefresh returns when the last successful refresh started.
func (m *Mirror) LastRefresh() (time.Time, bool) {
	t := m.last.Load()
	if t == nil {
		return time.Time{}, false
	}
	return *t, true
}

// Start registers the refresh job under schedule (standard five-field cron or
// a descriptor such as "@every 1m") and starts the scheduler. Jobs run with
// ctx, so cancelling it aborts an in-flight refresh.
func (m *Mirror) Start(ctx context.Context, schedule string) error {
	if _, err := m.cron.AddFunc(schedule, func() {
		if err := m.Refresh(ctx); err != nil && !errors.Is(err, ErrBusy) {
			slog.Error("trove mirror refresh failed", "err", err)
		}
	}); err != nil {
		return fmt.Errorf("register mirror refresh: %w", err)
	}
	m.cron.Start()
	slog.Info("trove mirror started", "schedule", schedule)
	return nil
}

// Stop stops the scheduler and waits for a running refresh to finish.
func (m *Mirror) Stop() {
	<-m.cron.Stop().Done()
	slog.Info("trove mirror stopped")
}
