// Package oracle defines the price feed boundary the engine reads index and
// collateral prices from. The feed's internal pricing algorithm lives
// outside this system; only the query surface is specified here.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/model"
)

// ErrNoPrice is returned when the feed holds no price for the requested
// market or collateral type.
var ErrNoPrice = errors.New("oracle: no price available")

// PriceOracle supplies the prices the margin engine marks against. Both
// calls may block on the external feed, so they take a context.
type PriceOracle interface {
	// IndexPrice returns the oracle mid-price for a market.
	IndexPrice(ctx context.Context, marketID string) (decimal.Decimal, error)

	// CollateralPrice returns the price of one unit of a collateral type in
	// the common denomination. The native stable unit is always 1.
	CollateralPrice(ctx context.Context, collateralType string) (decimal.Decimal, error)
}

// StaticFeed is an in-process PriceOracle backed by mutable maps. Used in
// tests and as the sink for the price-injection endpoint in development.
type StaticFeed struct {
	mu         sync.RWMutex
	index      map[string]decimal.Decimal
	collateral map[string]decimal.Decimal
}

// NewStaticFeed creates an empty feed.
func NewStaticFeed() *StaticFeed {
	return &StaticFeed{
		index:      make(map[string]decimal.Decimal),
		collateral: make(map[string]decimal.Decimal),
	}
}

// SetIndexPrice updates the index price for a market.
func (f *StaticFeed) SetIndexPrice(marketID string, price decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.index[marketID] = price
}

// SetCollateralPrice updates the price for a collateral type.
func (f *StaticFeed) SetCollateralPrice(collateralType string, price decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collateral[collateralType] = price
}

func (f *StaticFeed) IndexPrice(_ context.Context, marketID string) (decimal.Decimal, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	price, ok := f.index[marketID]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: market %s", ErrNoPrice, marketID)
	}
	return price, nil
}

func (f *StaticFeed) CollateralPrice(_ context.Context, collateralType string) (decimal.Decimal, error) {
	if collateralType == model.NativeCollateral {
		return decimal.NewFromInt(1), nil
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	price, ok := f.collateral[collateralType]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: collateral type %s", ErrNoPrice, collateralType)
	}
	return price, nil
}
