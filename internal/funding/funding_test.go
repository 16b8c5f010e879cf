package funding_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/funding"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var t0 = time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)

func TestAdvance(t *testing.T) {
	// 0.0001/s over 10s at mark 100 → accumulator grows by 0.1.
	got := funding.Advance(decimal.Zero, d(0.0001), d(100), t0, t0.Add(10*time.Second))
	if !got.Equal(d(0.1)) {
		t.Errorf("expected 0.1, got %s", got)
	}
}

func TestAdvance_NonPositiveElapsed(t *testing.T) {
	acc := d(5)
	if got := funding.Advance(acc, d(0.0001), d(100), t0, t0); !got.Equal(acc) {
		t.Errorf("zero elapsed should leave accumulator unchanged, got %s", got)
	}
	if got := funding.Advance(acc, d(0.0001), d(100), t0, t0.Add(-time.Second)); !got.Equal(acc) {
		t.Errorf("negative elapsed should leave accumulator unchanged, got %s", got)
	}
}

func TestAdvance_NegativeRate(t *testing.T) {
	got := funding.Advance(decimal.Zero, d(-0.0001), d(100), t0, t0.Add(10*time.Second))
	if !got.Equal(d(-0.1)) {
		t.Errorf("expected -0.1, got %s", got)
	}
}

func TestAccrued_PositiveRateChargesLongs(t *testing.T) {
	// Accumulator grew from 0 to 0.1 (positive rate). Long pays, short
	// receives.
	long := funding.Accrued(d(10), decimal.Zero, d(0.1))
	if !long.Equal(d(-1)) {
		t.Errorf("long should pay 1, got %s", long)
	}

	short := funding.Accrued(d(-10), decimal.Zero, d(0.1))
	if !short.Equal(d(1)) {
		t.Errorf("short should receive 1, got %s", short)
	}
}

func TestAccrued_ZeroSize(t *testing.T) {
	if got := funding.Accrued(decimal.Zero, decimal.Zero, d(0.1)); !got.IsZero() {
		t.Errorf("flat position accrues nothing, got %s", got)
	}
}
