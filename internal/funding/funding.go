// Package funding implements the funding-rate accumulator for perpetual
// futures markets.
//
// Each market carries a single accumulator measured in quote units per unit
// of position size. Positions snapshot the accumulator at settlement; accrued
// funding between settlements is derived from the snapshot in O(1), never by
// replaying rate history.
//
// Sign convention: a positive funding rate charges longs and credits shorts.
package funding

import (
	"time"

	"github.com/shopspring/decimal"
)

// Advance returns the accumulator advanced from one instant to another:
//
//	acc' = acc + ratePerSecond * elapsedSeconds * markPrice
//
// A non-positive elapsed interval leaves the accumulator unchanged.
func Advance(acc, ratePerSecond, markPrice decimal.Decimal, from, to time.Time) decimal.Decimal {
	elapsed := to.Sub(from).Seconds()
	if elapsed <= 0 {
		return acc
	}
	return acc.Add(ratePerSecond.Mul(decimal.NewFromFloat(elapsed)).Mul(markPrice))
}

// Accrued returns the funding accrued by a position since its snapshot:
//
//	accrued = size * (snapshot - current)
//
// With a positive rate the accumulator grows, so a long position (positive
// size) accrues a negative amount (it pays) and a short accrues a positive
// amount (it receives).
func Accrued(size, snapshot, current decimal.Decimal) decimal.Decimal {
	return size.Mul(snapshot.Sub(current))
}
