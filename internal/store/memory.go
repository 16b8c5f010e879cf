package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/model"
)

type pairKey struct {
	accountID string
	marketID  string
}

type balanceKey struct {
	accountID      string
	collateralType string
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	markets   map[string]*model.Market
	balances  map[balanceKey]decimal.Decimal
	positions map[pairKey]*model.Position
	orders    map[pairKey]*model.PendingOrder
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:   make(map[string]*model.Market),
		balances:  make(map[balanceKey]decimal.Decimal),
		positions: make(map[pairKey]*model.Position),
		orders:    make(map[pairKey]*model.PendingOrder),
	}
}

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.ID]; ok {
		return fmt.Errorf("%w: market %s", ErrDuplicate, m.ID)
	}
	for _, existing := range s.markets {
		if existing.Symbol == m.Symbol {
			return fmt.Errorf("%w: symbol %s", ErrDuplicate, m.Symbol)
		}
	}

	// Store a copy to avoid external mutation.
	cp := copyMarket(m)
	s.markets[m.ID] = cp
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("%w: market %s", ErrNotFound, id)
	}
	return copyMarket(m), nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *copyMarket(m))
	}
	return markets, nil
}

func (s *MemoryStore) GetCollateral(_ context.Context, accountID, collateralType string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.balances[balanceKey{accountID, collateralType}], nil
}

func (s *MemoryStore) ListCollateral(_ context.Context, accountID string) ([]model.CollateralBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var balances []model.CollateralBalance
	for key, amount := range s.balances {
		if key.accountID == accountID && !amount.IsZero() {
			balances = append(balances, model.CollateralBalance{
				AccountID:      key.accountID,
				CollateralType: key.collateralType,
				Amount:         amount,
			})
		}
	}
	return balances, nil
}

func (s *MemoryStore) AdjustCollateral(_ context.Context, accountID, collateralType string, delta decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.adjustCollateralLocked(accountID, collateralType, delta)
}

// adjustCollateralLocked applies one delta. Caller holds s.mu.
func (s *MemoryStore) adjustCollateralLocked(accountID, collateralType string, delta decimal.Decimal) error {
	key := balanceKey{accountID, collateralType}
	next := s.balances[key].Add(delta)
	if next.IsNegative() {
		return fmt.Errorf("%w: account %s type %s", ErrInsufficientBalance, accountID, collateralType)
	}
	s.balances[key] = next
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, accountID, marketID string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[pairKey{accountID, marketID}]
	if !ok {
		return nil, fmt.Errorf("%w: position %s/%s", ErrNotFound, accountID, marketID)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, accountID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var positions []model.Position
	for key, p := range s.positions {
		if key.accountID == accountID {
			positions = append(positions, *p)
		}
	}
	return positions, nil
}

func (s *MemoryStore) GetPendingOrder(_ context.Context, accountID, marketID string) (*model.PendingOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[pairKey{accountID, marketID}]
	if !ok {
		return nil, fmt.Errorf("%w: pending order %s/%s", ErrNotFound, accountID, marketID)
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) PutPendingOrder(_ context.Context, order *model.PendingOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey{order.AccountID, order.MarketID}
	if _, ok := s.orders[key]; ok {
		return fmt.Errorf("%w: pending order %s/%s", ErrDuplicate, order.AccountID, order.MarketID)
	}
	cp := *order
	s.orders[key] = &cp
	return nil
}

func (s *MemoryStore) DeletePendingOrder(_ context.Context, accountID, marketID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey{accountID, marketID}
	if _, ok := s.orders[key]; !ok {
		return fmt.Errorf("%w: pending order %s/%s", ErrNotFound, accountID, marketID)
	}
	delete(s.orders, key)
	return nil
}

func (s *MemoryStore) ListPendingOrders(_ context.Context, accountID string) ([]model.PendingOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var orders []model.PendingOrder
	for key, o := range s.orders {
		if key.accountID == accountID {
			orders = append(orders, *o)
		}
	}
	return orders, nil
}

// ApplySettlement applies the whole transition under a single lock. Balance
// checks run before any mutation so a failure leaves state untouched.
func (s *MemoryStore) ApplySettlement(_ context.Context, st *model.Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[st.MarketID]
	if !ok {
		return fmt.Errorf("%w: market %s", ErrNotFound, st.MarketID)
	}

	// Pre-check every debit before touching anything.
	pending := make(map[balanceKey]decimal.Decimal)
	for _, cd := range st.Collateral {
		key := balanceKey{cd.AccountID, cd.CollateralType}
		base, staged := pending[key]
		if !staged {
			base = s.balances[key]
		}
		next := base.Add(cd.Delta)
		if next.IsNegative() {
			return fmt.Errorf("%w: account %s type %s", ErrInsufficientBalance, cd.AccountID, cd.CollateralType)
		}
		pending[key] = next
	}

	for key, amount := range pending {
		s.balances[key] = amount
	}

	pk := pairKey{st.AccountID, st.MarketID}
	if st.Position == nil {
		delete(s.positions, pk)
	} else {
		cp := *st.Position
		s.positions[pk] = &cp
	}

	m.Skew = m.Skew.Add(st.SkewDelta)
	m.FundingAccumulator = st.FundingAccumulator
	m.FundingUpdatedAt = st.FundingUpdatedAt

	delete(s.orders, pk)
	return nil
}

// copyMarket deep-copies a market including its strategy map.
func copyMarket(m *model.Market) *model.Market {
	cp := *m
	cp.Strategies = make(map[string]model.SettlementStrategy, len(m.Strategies))
	for id, st := range m.Strategies {
		cp.Strategies[id] = st
	}
	return &cp
}
