// Package margin implements the two-tier margin requirement math for
// perpetual futures positions.
//
// Two fractions apply to every position:
//   - Initial margin gates opening or increasing risk.
//   - Maintenance margin (a strictly lower fraction) gates liquidation
//     eligibility.
//
// Both requirements carry a liquidation buffer proportional to notional and
// a fixed minimum floor. All monetary values use shopspring/decimal — never
// float64 for money.
package margin

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidFractions is returned when the margin fractions are not
	// ordered 0 < maintenance < initial.
	ErrInvalidFractions = errors.New("margin: fractions must satisfy 0 < maintenance < initial")

	// ErrNegativeBuffer is returned when the liquidation buffer or minimum
	// floor is negative.
	ErrNegativeBuffer = errors.New("margin: liquidation buffer and minimum floor must be non-negative")
)

// Calculator computes margin requirements for one market's risk
// configuration. It is stateless — position sizes and prices are passed as
// arguments, not stored.
type Calculator struct {
	initialFraction decimal.Decimal
	maintFraction   decimal.Decimal
	liqBuffer       decimal.Decimal
	minMargin       decimal.Decimal
}

// NewCalculator validates the risk configuration and returns a calculator.
func NewCalculator(initialFraction, maintFraction, liqBuffer, minMargin decimal.Decimal) (*Calculator, error) {
	if maintFraction.LessThanOrEqual(decimal.Zero) || initialFraction.LessThanOrEqual(maintFraction) {
		return nil, ErrInvalidFractions
	}
	if liqBuffer.IsNegative() || minMargin.IsNegative() {
		return nil, ErrNegativeBuffer
	}
	return &Calculator{
		initialFraction: initialFraction,
		maintFraction:   maintFraction,
		liqBuffer:       liqBuffer,
		minMargin:       minMargin,
	}, nil
}

// Notional returns |size| * price.
func Notional(size, price decimal.Decimal) decimal.Decimal {
	return size.Abs().Mul(price)
}

// required computes max(fraction * notional, minMargin) + liqBuffer * notional.
// A zero size requires zero margin regardless of the floor.
func (c *Calculator) required(fraction, size, price decimal.Decimal) decimal.Decimal {
	if size.IsZero() {
		return decimal.Zero
	}
	notional := Notional(size, price)
	req := fraction.Mul(notional)
	if req.LessThan(c.minMargin) {
		req = c.minMargin
	}
	return req.Add(c.liqBuffer.Mul(notional))
}

// RequiredInitial returns the initial margin requirement for holding a
// position of the given size at the given price.
func (c *Calculator) RequiredInitial(size, price decimal.Decimal) decimal.Decimal {
	return c.required(c.initialFraction, size, price)
}

// RequiredMaintenance returns the maintenance margin requirement for holding
// a position of the given size at the given price.
func (c *Calculator) RequiredMaintenance(size, price decimal.Decimal) decimal.Decimal {
	return c.required(c.maintFraction, size, price)
}

// RequiredForOrder returns the initial margin required to carry the position
// projected after applying sizeDelta. Monotonic non-decreasing in |sizeDelta|
// for fixed current state: the requirement depends only on |size + sizeDelta|
// and both terms of the formula grow with notional.
func (c *Calculator) RequiredForOrder(currentSize, sizeDelta, price decimal.Decimal) decimal.Decimal {
	return c.RequiredInitial(currentSize.Add(sizeDelta), price)
}

// Withdrawable clamps available margin minus the initial requirement at zero.
func Withdrawable(available, requiredInitial decimal.Decimal) decimal.Decimal {
	w := available.Sub(requiredInitial)
	if w.IsNegative() {
		return decimal.Zero
	}
	return w
}
