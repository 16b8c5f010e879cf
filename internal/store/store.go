// Package store defines the persistence interface for the perp engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/model"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrInsufficientBalance is returned when a collateral adjustment would
	// drive a balance negative.
	ErrInsufficientBalance = errors.New("store: insufficient collateral balance")

	// ErrDuplicate is returned when a row being created already exists.
	ErrDuplicate = errors.New("store: already exists")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Market operations ---

	// CreateMarket persists a new market configuration.
	CreateMarket(ctx context.Context, market *model.Market) error

	// GetMarket retrieves a market by its ID.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// ListMarkets returns all markets.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// --- Collateral ledger ---

	// GetCollateral returns the balance for one collateral type; zero if no
	// row exists.
	GetCollateral(ctx context.Context, accountID, collateralType string) (decimal.Decimal, error)

	// ListCollateral returns all non-zero balances for an account.
	ListCollateral(ctx context.Context, accountID string) ([]model.CollateralBalance, error)

	// AdjustCollateral applies a signed delta to one balance. Fails with
	// ErrInsufficientBalance if the result would be negative.
	AdjustCollateral(ctx context.Context, accountID, collateralType string, delta decimal.Decimal) error

	// --- Position book ---

	// GetPosition returns the open position for a pair, or ErrNotFound.
	GetPosition(ctx context.Context, accountID, marketID string) (*model.Position, error)

	// ListPositions returns all open positions for an account.
	ListPositions(ctx context.Context, accountID string) ([]model.Position, error)

	// --- Pending orders ---

	// GetPendingOrder returns the committed order for a pair, or ErrNotFound.
	GetPendingOrder(ctx context.Context, accountID, marketID string) (*model.PendingOrder, error)

	// PutPendingOrder records a committed order. Fails with ErrDuplicate if
	// one already exists for the pair.
	PutPendingOrder(ctx context.Context, order *model.PendingOrder) error

	// DeletePendingOrder clears the committed order for a pair.
	DeletePendingOrder(ctx context.Context, accountID, marketID string) error

	// ListPendingOrders returns all committed orders for an account.
	ListPendingOrders(ctx context.Context, accountID string) ([]model.PendingOrder, error)

	// --- Settlement ---

	// ApplySettlement atomically applies a fill: position upsert/delete,
	// collateral adjustments, market skew/funding advance, and
	// pending-order clear. All-or-nothing.
	ApplySettlement(ctx context.Context, s *model.Settlement) error
}
