package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ryanlin10/AI-Safety-Prediction-Market/internal/model"
)

// CachedStore puts a Redis read-through cache in front of a primary Store.
// Only records that are read far more often than they change are cached:
// market definitions and terminal run records. Bets and workspaces always
// go to the primary, and prices are never cached because they are recomputed
// from the bet log.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{Store: primary, rdb: rdb, ttl: ttl}
}

func marketKey(id string) string { return "predmarket:market:" + id }
func runKey(id string) string    { return "predmarket:run:" + id }

// --- Markets ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.Store.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.set(ctx, marketKey(m.ID), m)
	return nil
}

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	var m model.Market
	if s.get(ctx, marketKey(id), &m) {
		return &m, nil
	}
	fresh, err := s.Store.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.set(ctx, marketKey(id), fresh)
	return fresh, nil
}

// UpdateMarketStatus writes through and invalidates; the next read refills.
func (s *CachedStore) UpdateMarketStatus(ctx context.Context, id, status, resolution string, at time.Time) error {
	if err := s.Store.UpdateMarketStatus(ctx, id, status, resolution, at); err != nil {
		return err
	}
	s.rdb.Del(ctx, marketKey(id))
	return nil
}

// --- Runs ---

// GetRun serves terminal records from the cache. Non-terminal records are
// still moving and always come from the primary.
func (s *CachedStore) GetRun(ctx context.Context, id string) (*model.RunRecord, error) {
	var rec model.RunRecord
	if s.get(ctx, runKey(id), &rec) {
		return &rec, nil
	}
	fresh, err := s.Store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if fresh.Status.Terminal() {
		s.set(ctx, runKey(id), fresh)
	}
	return fresh, nil
}

func (s *CachedStore) UpdateRun(ctx context.Context, rec *model.RunRecord, from model.RunStatus) error {
	if err := s.Store.UpdateRun(ctx, rec, from); err != nil {
		return err
	}
	if rec.Status.Terminal() {
		s.set(ctx, runKey(rec.ID), rec)
	} else {
		s.rdb.Del(ctx, runKey(rec.ID))
	}
	return nil
}

// --- Cache helpers ---

// get reports a hit only when the entry exists and decodes. Redis errors are
// treated as misses so the primary keeps serving when the cache is down.
func (s *CachedStore) get(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func (s *CachedStore) set(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.rdb.Set(ctx, key, data, s.ttl)
}
