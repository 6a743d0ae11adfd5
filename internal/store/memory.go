package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/troveline/trove-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu     sync.RWMutex
	troves map[common.Address]model.Trove
	system *model.SystemState
	txs    map[string]model.TxRecord
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		troves: make(map[common.Address]model.Trove),
		txs:    make(map[string]model.TxRecord),
	}
}

func (s *MemoryStore) ReplaceTroves(_ context.Context, troves []model.Trove) error {
	next := make(map[common.Address]model.Trove, len(troves))
	for _, t := range troves {
		next[t.Owner] = t
	}

	s.mu.Lock()
	s.troves = next
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) UpsertTrove(_ context.Context, t *model.Trove) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.troves[t.Owner] = *t
	return nil
}

func (s *MemoryStore) GetTrove(_ context.Context, owner common.Address) (*model.Trove, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.troves[owner]
	if !ok {
		return nil, fmt.Errorf("trove %s: %w", owner.Hex(), ErrNotFound)
	}
	return &t, nil
}

func (s *MemoryStore) ListTrovesByNICR(_ context.Context, limit int) ([]model.Trove, error) {
	s.mu.RLock()
	out := make([]model.Trove, 0, len(s.troves))
	for _, t := range s.troves {
		if t.Status == model.StatusOpen {
			out = append(out, t)
		}
	}
	s.mu.RUnlock()

	SortByNICR(out)
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) SaveSystemState(_ context.Context, st *model.SystemState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *st
	s.system = &cp
	return nil
}

func (s *MemoryStore) GetSystemState(_ context.Context) (*model.SystemState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.system == nil {
		return nil, fmt.Errorf("system state: %w", ErrNotFound)
	}
	cp := *s.system
	return &cp, nil
}

func (s *MemoryStore) InsertTxRecord(_ context.Context, rec *model.TxRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.txs[rec.ID]; ok {
		return fmt.Errorf("tx record %s already exists", rec.ID)
	}
	s.txs[rec.ID] = *rec
	return nil
}

func (s *MemoryStore) UpdateTxRecord(_ context.Context, rec *model.TxRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.txs[rec.ID]; !ok {
		return fmt.Errorf("tx record %s: %w", rec.ID, ErrNotFound)
	}
	s.txs[rec.ID] = *rec
	return nil
}

func (s *MemoryStore) GetTxRecord(_ context.Context, id string) (*model.TxRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.txs[id]
	if !ok {
		return nil, fmt.Errorf("tx record %s: %w", id, ErrNotFound)
	}
	return &rec, nil
}

func (s *MemoryStore) ListTxRecordsByOwner(_ context.Context, owner common.Address) ([]model.TxRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.TxRecord
	for _, rec := range s.txs {
		if rec.Owner == owner {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
