package risk_test

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/risk"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestCheckMarketSize_AtLimitAllowed(t *testing.T) {
	l := risk.NewLimiter(decimal.Zero)

	if err := l.CheckMarketSize(d(100), d(50), decimal.Zero, d(50)); err != nil {
		t.Errorf("projected size exactly at limit should pass: %v", err)
	}
}

func TestCheckMarketSize_BeyondLimit(t *testing.T) {
	l := risk.NewLimiter(decimal.Zero)

	err := l.CheckMarketSize(d(100), d(50), decimal.Zero, d(51))
	if !errors.Is(err, risk.ErrMaxMarketSizeExceeded) {
		t.Errorf("expected ErrMaxMarketSizeExceeded, got %v", err)
	}
}

func TestCheckMarketSize_CountsPendingDelta(t *testing.T) {
	l := risk.NewLimiter(decimal.Zero)

	err := l.CheckMarketSize(d(100), d(50), d(40), d(20))
	if !errors.Is(err, risk.ErrMaxMarketSizeExceeded) {
		t.Errorf("pending delta should count toward the projection, got %v", err)
	}
}

func TestCheckMarketSize_ReducingTradeAllowed(t *testing.T) {
	l := risk.NewLimiter(decimal.Zero)

	// Position already at the cap; closing part of it projects inward.
	if err := l.CheckMarketSize(d(100), d(100), decimal.Zero, d(-30)); err != nil {
		t.Errorf("risk-reducing trade should pass: %v", err)
	}
}

func TestCheckMarketSize_ShortSideSymmetric(t *testing.T) {
	l := risk.NewLimiter(decimal.Zero)

	err := l.CheckMarketSize(d(100), d(-50), decimal.Zero, d(-51))
	if !errors.Is(err, risk.ErrMaxMarketSizeExceeded) {
		t.Errorf("short projection should be capped by absolute value, got %v", err)
	}
}

func TestCheckAccountExposure_ZeroCapDisables(t *testing.T) {
	l := risk.NewLimiter(decimal.Zero)

	exposures := map[string]decimal.Decimal{"m1": d(1e9)}
	if err := l.CheckAccountExposure(exposures, "m2", d(1e9)); err != nil {
		t.Errorf("zero cap should disable the check: %v", err)
	}
}

func TestCheckAccountExposure_CapEnforced(t *testing.T) {
	l := risk.NewLimiter(d(10000))

	exposures := map[string]decimal.Decimal{"m1": d(6000), "m2": d(3000)}
	if err := l.CheckAccountExposure(exposures, "m3", d(1000)); err != nil {
		t.Errorf("total exactly at cap should pass: %v", err)
	}

	err := l.CheckAccountExposure(exposures, "m3", d(1001))
	if !errors.Is(err, risk.ErrAccountExposureExceeded) {
		t.Errorf("expected ErrAccountExposureExceeded, got %v", err)
	}
}
