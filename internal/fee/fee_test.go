package fee_test

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/fee"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func mustEngine(t *testing.T, maker, taker, skewScale float64) *fee.Engine {
	t.Helper()
	e, err := fee.NewEngine(d(maker), d(taker), d(skewScale))
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return e
}

func TestNewEngine_RejectsNegativeConfig(t *testing.T) {
	if _, err := fee.NewEngine(d(-0.001), d(0.002), d(1000)); err == nil {
		t.Error("expected error for negative maker rate")
	}
	if _, err := fee.NewEngine(d(0.001), d(-0.002), d(1000)); err == nil {
		t.Error("expected error for negative taker rate")
	}
	if _, err := fee.NewEngine(d(0.001), d(0.002), d(-1)); err == nil {
		t.Error("expected error for negative skew scale")
	}
}

func TestFillPrice_SkewPremium(t *testing.T) {
	e := mustEngine(t, 0, 0, 1000)

	// From zero skew, buying 100 averages skew 50 → 5% premium on index 100.
	if got := e.FillPrice(d(100), decimal.Zero, d(100)); !got.Equal(d(105)) {
		t.Errorf("expected 105, got %s", got)
	}
}

func TestFillPrice_SkewReducingImprovesPrice(t *testing.T) {
	e := mustEngine(t, 0, 0, 1000)

	// Buying into a short skew of -100 averages -50 → 5% discount.
	if got := e.FillPrice(d(100), d(-100), d(100)); !got.Equal(d(95)) {
		t.Errorf("expected 95, got %s", got)
	}
}

func TestFillPrice_ZeroScaleDisablesPremium(t *testing.T) {
	e := mustEngine(t, 0, 0, 0)

	if got := e.FillPrice(d(100), d(500), d(100)); !got.Equal(d(100)) {
		t.Errorf("expected index price 100, got %s", got)
	}
}

func TestFillPrice_PathIndependent(t *testing.T) {
	// Splitting an order must not change the blended notional.
	e := mustEngine(t, 0, 0, 1000)
	index := d(100)

	whole := e.FillPrice(index, decimal.Zero, d(100)).Mul(d(100))

	first := e.FillPrice(index, decimal.Zero, d(60)).Mul(d(60))
	second := e.FillPrice(index, d(60), d(40)).Mul(d(40))

	if !whole.Equal(first.Add(second)) {
		t.Errorf("split notional %s != whole notional %s", first.Add(second), whole)
	}
}

func TestCompute_AllTakerFromZeroSkew(t *testing.T) {
	e := mustEngine(t, 0.001, 0.002, 0)

	q := e.Compute(d(100), decimal.Zero, d(10))
	// Whole trade increases skew: 0.002 * 10 * 100 = 2.
	if !q.Fee.Equal(d(2)) {
		t.Errorf("expected fee 2, got %s", q.Fee)
	}
}

func TestCompute_MakerTakerSplit(t *testing.T) {
	e := mustEngine(t, 0.001, 0.002, 0)

	// Skew -50, buying 100: first 50 reduces skew (maker), rest increases
	// (taker). Fill = index with zero scale.
	q := e.Compute(d(100), d(-50), d(100))
	expected := d(0.001).Mul(d(50)).Mul(d(100)).Add(d(0.002).Mul(d(50)).Mul(d(100)))
	if !q.Fee.Equal(expected) {
		t.Errorf("expected fee %s, got %s", expected, q.Fee)
	}
}

func TestCompute_FullyReducingPaysMakerOnly(t *testing.T) {
	e := mustEngine(t, 0.001, 0.002, 0)

	// Skew 100, selling 40 only reduces: 0.001 * 40 * 100 = 4.
	q := e.Compute(d(100), d(100), d(-40))
	if !q.Fee.Equal(d(4)) {
		t.Errorf("expected fee 4, got %s", q.Fee)
	}
}

func TestCompute_QuoteMatchesFillPrice(t *testing.T) {
	e := mustEngine(t, 0.001, 0.002, 1000)

	q := e.Compute(d(100), d(-50), d(100))
	if !q.FillPrice.Equal(e.FillPrice(d(100), d(-50), d(100))) {
		t.Errorf("quote fill price diverged: %s", q.FillPrice)
	}
}
