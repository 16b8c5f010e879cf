// Package model defines the core domain types shared across the perp engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// NativeCollateral is the collateral type id of the system's native stable
// unit. Its price is always 1 in the common denomination.
const NativeCollateral = "0"

// CollateralBalance is a per-account, per-collateral-type balance.
// Amounts are never negative; only modifyCollateral mutates them.
type CollateralBalance struct {
	AccountID      string          `json:"account_id" db:"account_id"`
	CollateralType string          `json:"collateral_type" db:"collateral_type"`
	Amount         decimal.Decimal `json:"amount" db:"amount"`
}

// Position is an account's open position in one market. Size sign indicates
// direction: positive = long, negative = short. Created on the first non-zero
// fill and removed when size returns to zero.
type Position struct {
	AccountID string          `json:"account_id" db:"account_id"`
	MarketID  string          `json:"market_id" db:"market_id"`
	Size      decimal.Decimal `json:"size" db:"size"`
	// LastInteractionPrice is the fill price of the most recent settlement
	// touching this position. PnL reads mark against it.
	LastInteractionPrice decimal.Decimal `json:"last_interaction_price" db:"last_interaction_price"`
	// FundingSnapshot is the market funding accumulator value captured at the
	// last settlement. Accrued funding = size * (snapshot - current).
	FundingSnapshot decimal.Decimal `json:"funding_snapshot" db:"funding_snapshot"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// PendingOrder is the single in-flight commitment for an (account, market)
// pair. Its existence is the mutual-exclusion token: a pair in Committed
// state rejects further commitments until settled, cancelled, or expired.
type PendingOrder struct {
	AccountID            string          `json:"account_id" db:"account_id"`
	MarketID             string          `json:"market_id" db:"market_id"`
	SizeDelta            decimal.Decimal `json:"size_delta" db:"size_delta"`
	SettlementStrategyID string          `json:"settlement_strategy_id" db:"settlement_strategy_id"`
	AcceptablePrice      decimal.Decimal `json:"acceptable_price" db:"acceptable_price"`
	SettlementTime       time.Time       `json:"settlement_time" db:"settlement_time"`
	ExpirationTime       time.Time       `json:"expiration_time" db:"expiration_time"`
	// ReservedReward is the settlement reward withheld from native collateral
	// at commit time. Paid to the settler on settlement, refunded otherwise.
	ReservedReward decimal.Decimal `json:"reserved_reward" db:"reserved_reward"`
	TrackingCode   string          `json:"tracking_code,omitempty" db:"tracking_code"`
	Referrer       string          `json:"referrer,omitempty" db:"referrer"`
	CommittedAt    time.Time       `json:"committed_at" db:"committed_at"`
}

// SettlementStrategy names a policy for the commit → settle window.
type SettlementStrategy struct {
	ID string `json:"id"`
	// Delay is how long after commit the order becomes settleable.
	Delay time.Duration `json:"delay"`
	// Window is how long after SettlementTime the order remains settleable
	// before it expires.
	Window time.Duration `json:"window"`
	// SettlementReward is paid to the settler that lands the settlement.
	SettlementReward decimal.Decimal `json:"settlement_reward"`
	// AllowCancel permits the committer to cancel before the window closes.
	AllowCancel bool `json:"allow_cancel"`
}

// Market is the read-mostly configuration plus the skew/funding state the
// engine advances at each settlement.
type Market struct {
	ID     string `json:"id" db:"id"`
	Symbol string `json:"symbol" db:"symbol"`

	// Risk configuration.
	MaxSize               decimal.Decimal `json:"max_size" db:"max_size"`
	InitialMarginFraction decimal.Decimal `json:"initial_margin_fraction" db:"initial_margin_fraction"`
	MaintMarginFraction   decimal.Decimal `json:"maint_margin_fraction" db:"maint_margin_fraction"`
	LiquidationBuffer     decimal.Decimal `json:"liquidation_buffer" db:"liquidation_buffer"`
	MinMargin             decimal.Decimal `json:"min_margin" db:"min_margin"`

	// Fee configuration. Maker applies to the skew-reducing portion of a
	// trade, taker to the skew-increasing portion.
	MakerFeeRate decimal.Decimal `json:"maker_fee_rate" db:"maker_fee_rate"`
	TakerFeeRate decimal.Decimal `json:"taker_fee_rate" db:"taker_fee_rate"`
	// SkewScale normalizes skew for the fill-price premium. Zero disables
	// the premium entirely.
	SkewScale decimal.Decimal `json:"skew_scale" db:"skew_scale"`

	// Live skew/funding state, advanced only inside settlement.
	Skew                 decimal.Decimal `json:"skew" db:"skew"`
	FundingRatePerSecond decimal.Decimal `json:"funding_rate_per_second" db:"funding_rate_per_second"`
	FundingAccumulator   decimal.Decimal `json:"funding_accumulator" db:"funding_accumulator"`
	FundingUpdatedAt     time.Time       `json:"funding_updated_at" db:"funding_updated_at"`

	Strategies map[string]SettlementStrategy `json:"strategies" db:"-"`
	CreatedAt  time.Time                     `json:"created_at" db:"created_at"`
}

// Strategy returns the named settlement strategy, if configured.
func (m *Market) Strategy(id string) (SettlementStrategy, bool) {
	s, ok := m.Strategies[id]
	return s, ok
}

// OpenPosition is the read projection returned for position queries.
type OpenPosition struct {
	AccountID      string          `json:"account_id"`
	MarketID       string          `json:"market_id"`
	Size           decimal.Decimal `json:"size"`
	TotalPnL       decimal.Decimal `json:"total_pnl"`
	AccruedFunding decimal.Decimal `json:"accrued_funding"`
}

// MarginSummary aggregates an account's margin figures across all markets it
// holds a position or pending order in.
type MarginSummary struct {
	AccountID                 string          `json:"account_id"`
	RequiredInitialMargin     decimal.Decimal `json:"required_initial_margin"`
	RequiredMaintenanceMargin decimal.Decimal `json:"required_maintenance_margin"`
	AvailableMargin           decimal.Decimal `json:"available_margin"`
	WithdrawableMargin        decimal.Decimal `json:"withdrawable_margin"`
}

// CollateralDelta is one signed collateral adjustment inside a settlement.
type CollateralDelta struct {
	AccountID      string
	CollateralType string
	Delta          decimal.Decimal
}

// Settlement is the atomic state transition applied when a pending order
// fills: position upsert/delete, collateral adjustments (fees, realized PnL,
// funding, settler reward), market skew/funding advance, pending-order clear.
// Stores apply it all-or-nothing.
type Settlement struct {
	AccountID string
	MarketID  string

	// Position after the fill; nil means the position closed to zero and the
	// row is deleted.
	Position *Position

	Collateral []CollateralDelta

	// SkewDelta is added to the market's skew inside the store's atomic
	// section, so concurrent settlements on one market compose instead of
	// overwriting each other.
	SkewDelta decimal.Decimal

	// Funding accumulator state after the fill.
	FundingAccumulator decimal.Decimal
	FundingUpdatedAt   time.Time
}
