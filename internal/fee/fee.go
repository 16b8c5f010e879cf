// Package fee implements trade fee and fill-price computation for perpetual
// futures markets.
//
// The fee curve is asymmetric around market skew: the portion of a trade
// that increases skew pays the taker rate, the portion that reduces skew
// pays the maker rate. The fill price carries a skew premium so that trades
// worsening the imbalance execute at a worse price and trades improving it
// execute at a better one.
//
// All monetary values use shopspring/decimal — never float64 for money.
package fee

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrNegativeRate is returned when a fee rate is negative.
	ErrNegativeRate = errors.New("fee: fee rates must be non-negative")

	// ErrNegativeSkewScale is returned when the skew scale is negative.
	// Zero is allowed and disables the skew premium.
	ErrNegativeSkewScale = errors.New("fee: skew scale must be non-negative")
)

var two = decimal.NewFromInt(2)

// Quote is the result of a fee computation: the fee charged and the fill
// price the trade would execute at.
type Quote struct {
	Fee       decimal.Decimal `json:"fee"`
	FillPrice decimal.Decimal `json:"fill_price"`
}

// Engine computes fees for one market's fee configuration. It is stateless —
// skew and prices are passed as arguments, not stored.
type Engine struct {
	makerRate decimal.Decimal
	takerRate decimal.Decimal
	skewScale decimal.Decimal
}

// NewEngine validates the fee configuration and returns an engine.
func NewEngine(makerRate, takerRate, skewScale decimal.Decimal) (*Engine, error) {
	if makerRate.IsNegative() || takerRate.IsNegative() {
		return nil, ErrNegativeRate
	}
	if skewScale.IsNegative() {
		return nil, ErrNegativeSkewScale
	}
	return &Engine{makerRate: makerRate, takerRate: takerRate, skewScale: skewScale}, nil
}

// FillPrice returns the execution price for a trade of sizeDelta against the
// oracle index price, given the market skew before the trade:
//
//	fill = index * (1 + (skewBefore + skewAfter) / 2 / skewScale)
//
// The average of skew before and after prices the trade at the midpoint of
// its own impact, so splitting an order into parts does not change the
// blended price.
func (e *Engine) FillPrice(indexPrice, skewBefore, sizeDelta decimal.Decimal) decimal.Decimal {
	if e.skewScale.IsZero() {
		return indexPrice
	}
	skewAfter := skewBefore.Add(sizeDelta)
	premium := skewBefore.Add(skewAfter).Div(two).Div(e.skewScale)
	return indexPrice.Add(indexPrice.Mul(premium))
}

// split partitions sizeDelta into the portion that reduces |skew| and the
// portion that increases it.
func split(skewBefore, sizeDelta decimal.Decimal) (reducing, increasing decimal.Decimal) {
	if skewBefore.IsZero() || skewBefore.Sign() == sizeDelta.Sign() {
		return decimal.Zero, sizeDelta.Abs()
	}
	abs := sizeDelta.Abs()
	reducing = decimal.Min(abs, skewBefore.Abs())
	return reducing, abs.Sub(reducing)
}

// Compute returns the fee and fill price for a trade of sizeDelta at the
// given oracle index price and pre-trade skew. The same function backs both
// the read-only quote endpoint and the fee actually charged at settlement,
// so the two are equal by construction for identical inputs.
func (e *Engine) Compute(indexPrice, skewBefore, sizeDelta decimal.Decimal) Quote {
	fill := e.FillPrice(indexPrice, skewBefore, sizeDelta)
	reducing, increasing := split(skewBefore, sizeDelta)

	fee := e.makerRate.Mul(reducing.Mul(fill)).
		Add(e.takerRate.Mul(increasing.Mul(fill)))

	return Quote{Fee: fee, FillPrice: fill}
}
