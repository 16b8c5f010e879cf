// Package risk implements size limits checked before an order commitment is
// accepted.
//
// Two limits apply: a per-market cap on the projected position size
// (including any pending order already committed on the pair), and an
// optional account-wide cap on aggregate notional exposure across markets.
package risk

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrMaxMarketSizeExceeded is returned when the projected position size
	// would exceed the market's configured maximum.
	ErrMaxMarketSizeExceeded = errors.New("risk: projected position exceeds max market size")

	// ErrAccountExposureExceeded is returned when the account's aggregate
	// notional exposure across markets would exceed the configured cap.
	ErrAccountExposureExceeded = errors.New("risk: aggregate account exposure limit exceeded")
)

// Limiter enforces position size limits at commit time.
type Limiter struct {
	// MaxAccountNotional caps Σ |size| * price across the account's markets.
	// Zero disables the aggregate check.
	MaxAccountNotional decimal.Decimal
}

// NewLimiter creates a limiter with the given aggregate notional cap.
func NewLimiter(maxAccountNotional decimal.Decimal) *Limiter {
	return &Limiter{MaxAccountNotional: maxAccountNotional}
}

// CheckMarketSize validates the projected size for one (account, market)
// pair: |positionSize + pendingDelta + sizeDelta| must not exceed maxSize.
// pendingDelta is the sizeDelta of any order already committed on the pair.
func (l *Limiter) CheckMarketSize(maxSize, positionSize, pendingDelta, sizeDelta decimal.Decimal) error {
	projected := positionSize.Add(pendingDelta).Add(sizeDelta)
	if projected.Abs().GreaterThan(maxSize) {
		return ErrMaxMarketSizeExceeded
	}
	return nil
}

// CheckAccountExposure validates aggregate notional exposure after applying
// sizeDelta on targetMarket at the given price.
//
// Parameters:
//   - exposures: marketID → current notional exposure (|size| * price) for
//     the account
//   - targetMarket: the market being traded
//   - deltaNotional: |sizeDelta| * price of the new order
func (l *Limiter) CheckAccountExposure(
	exposures map[string]decimal.Decimal,
	targetMarket string,
	deltaNotional decimal.Decimal,
) error {
	if l.MaxAccountNotional.IsZero() {
		return nil
	}

	total := deltaNotional
	for _, notional := range exposures {
		total = total.Add(notional)
	}

	if total.GreaterThan(l.MaxAccountNotional) {
		return ErrAccountExposureExceeded
	}
	return nil
}
