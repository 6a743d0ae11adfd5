package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/troveline/trove-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) ReplaceTroves(ctx context.Context, troves []model.Trove) error {
	if err := s.primary.ReplaceTroves(ctx, troves); err != nil {
		return err
	}
	// Owners that disappeared would otherwise linger until their TTL.
	s.rdb.Del(ctx, orderKey)
	iter := s.rdb.Scan(ctx, 0, "trove:*", 500).Iterator()
	for iter.Next(ctx) {
		s.rdb.Del(ctx, iter.Val())
	}
	return nil
}

func (s *CachedStore) UpsertTrove(ctx context.Context, t *model.Trove) error {
	if err := s.primary.UpsertTrove(ctx, t); err != nil {
		return err
	}
	s.rdb.Del(ctx, troveKey(t.Owner), orderKey)
	return nil
}

func (s *CachedStore) SaveSystemState(ctx context.Context, st *model.SystemState) error {
	if err := s.primary.SaveSystemState(ctx, st); err != nil {
		return err
	}
	s.cache(ctx, systemKey, st)
	return nil
}

func (s *CachedStore) InsertTxRecord(ctx context.Context, rec *model.TxRecord) error {
	if err := s.primary.InsertTxRecord(ctx, rec); err != nil {
		return err
	}
	s.cache(ctx, txKey(rec.ID), rec)
	return nil
}

func (s *CachedStore) UpdateTxRecord(ctx context.Context, rec *model.TxRecord) error {
	if err := s.primary.UpdateTxRecord(ctx, rec); err != nil {
		return err
	}
	// Invalidate cache; next read will re-populate.
	s.rdb.Del(ctx, txKey(rec.ID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetTrove(ctx context.Context, owner common.Address) (*model.Trove, error) {
	var t model.Trove
	if s.lookup(ctx, troveKey(owner), &t) {
		return &t, nil
	}

	// Cache miss: read from primary.
	got, err := s.primary.GetTrove(ctx, owner)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, troveKey(owner), got)
	return got, nil
}

// ListTrovesByNICR caches the full ordering and slices it per call, since
// redemption planning asks for the same prefix repeatedly between refreshes.
func (s *CachedStore) ListTrovesByNICR(ctx context.Context, limit int) ([]model.Trove, error) {
	var all []model.Trove
	if !s.lookup(ctx, orderKey, &all) {
		var err error
		all, err = s.primary.ListTrovesByNICR(ctx, 0)
		if err != nil {
			return nil, err
		}
		s.cache(ctx, orderKey, all)
	}
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (s *CachedStore) GetSystemState(ctx context.Context) (*model.SystemState, error) {
	var st model.SystemState
	if s.lookup(ctx, systemKey, &st) {
		return &st, nil
	}

	got, err := s.primary.GetSystemState(ctx)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, systemKey, got)
	return got, nil
}

func (s *CachedStore) GetTxRecord(ctx context.Context, id string) (*model.TxRecord, error) {
	var rec model.TxRecord
	if s.lookup(ctx, txKey(id), &rec) {
		return &rec, nil
	}

	got, err := s.primary.GetTxRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, txKey(id), got)
	return got, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListTxRecordsByOwner(ctx context.Context, owner common.Address) ([]model.TxRecord, error) {
	return s.primary.ListTxRecordsByOwner(ctx, owner)
}

// --- Cache helpers ---

func (s *CachedStore) lookup(ctx context.Context, key string, dst interface{}) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) cache(ctx context.Context, key string, v interface{}) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

const (
	orderKey  = "troves:by-nicr"
	systemKey = "system:state"
)

func troveKey(owner common.Address) string { return fmt.Sprintf("trove:%s", owner.Hex()) }
func txKey(id string) string               { return fmt.Sprintf("tx:%s", id) }
