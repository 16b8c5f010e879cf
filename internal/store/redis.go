package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for markets and positions. Writes go to the primary store and
// invalidate the cache; reads check Redis first then fall back to the
// primary. Collateral and pending orders are never cached — both gate
// margin checks and must always read fresh.
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

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.cacheMarket(ctx, m)
	return nil
}

func (s *CachedStore) AdjustCollateral(ctx context.Context, accountID, collateralType string, delta decimal.Decimal) error {
	return s.primary.AdjustCollateral(ctx, accountID, collateralType, delta)
}

func (s *CachedStore) PutPendingOrder(ctx context.Context, order *model.PendingOrder) error {
	return s.primary.PutPendingOrder(ctx, order)
}

func (s *CachedStore) DeletePendingOrder(ctx context.Context, accountID, marketID string) error {
	return s.primary.DeletePendingOrder(ctx, accountID, marketID)
}

func (s *CachedStore) ApplySettlement(ctx context.Context, st *model.Settlement) error {
	if err := s.primary.ApplySettlement(ctx, st); err != nil {
		return err
	}
	// Invalidate everything the settlement touched; next read re-populates.
	s.rdb.Del(ctx, marketKey(st.MarketID), positionsKey(st.AccountID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheMarket(ctx, m)
	return m, nil
}

func (s *CachedStore) ListPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsKey(accountID)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.primary.ListPositions(ctx, accountID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, positionsKey(accountID), data, s.ttl)
	}
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) GetCollateral(ctx context.Context, accountID, collateralType string) (decimal.Decimal, error) {
	return s.primary.GetCollateral(ctx, accountID, collateralType)
}

func (s *CachedStore) ListCollateral(ctx context.Context, accountID string) ([]model.CollateralBalance, error) {
	return s.primary.ListCollateral(ctx, accountID)
}

func (s *CachedStore) GetPosition(ctx context.Context, accountID, marketID string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, accountID, marketID)
}

func (s *CachedStore) GetPendingOrder(ctx context.Context, accountID, marketID string) (*model.PendingOrder, error) {
	return s.primary.GetPendingOrder(ctx, accountID, marketID)
}

func (s *CachedStore) ListPendingOrders(ctx context.Context, accountID string) ([]model.PendingOrder, error) {
	return s.primary.ListPendingOrders(ctx, accountID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheMarket(ctx context.Context, m *model.Market) {
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, marketKey(m.ID), data, s.ttl)
	}
}

func marketKey(id string) string      { return fmt.Sprintf("market:%s", id) }
func positionsKey(aid string) string  { return fmt.Sprintf("positions:%s", aid) }
