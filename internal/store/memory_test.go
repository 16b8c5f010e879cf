package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var now = time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)

func seedMarket(t *testing.T, ms *store.MemoryStore, id, sym string) *model.Market {
	t.Helper()
	m := &model.Market{
		ID:                    id,
		Symbol:                sym,
		MaxSize:               d(1000),
		InitialMarginFraction: d(0.1),
		MaintMarginFraction:   d(0.05),
		Skew:                  decimal.Zero,
		FundingUpdatedAt:      now,
		Strategies: map[string]model.SettlementStrategy{
			"default": {ID: "default", Delay: 5 * time.Second, Window: time.Minute},
		},
		CreatedAt: now,
	}
	if err := ms.CreateMarket(context.Background(), m); err != nil {
		t.Fatalf("seed market: %v", err)
	}
	return m
}

func TestCreateMarket_DuplicateRejected(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	seedMarket(t, ms, "m1", "BTC-USD-PERP")

	err := ms.CreateMarket(ctx, &model.Market{ID: "m1", Symbol: "ETH-USD-PERP"})
	if !errors.Is(err, store.ErrDuplicate) {
		t.Errorf("duplicate id: expected ErrDuplicate, got %v", err)
	}
	err = ms.CreateMarket(ctx, &model.Market{ID: "m2", Symbol: "BTC-USD-PERP"})
	if !errors.Is(err, store.ErrDuplicate) {
		t.Errorf("duplicate symbol: expected ErrDuplicate, got %v", err)
	}
}

func TestGetCollateral_ZeroWhenAbsent(t *testing.T) {
	ms := store.NewMemoryStore()

	amount, err := ms.GetCollateral(context.Background(), "a1", model.NativeCollateral)
	if err != nil {
		t.Fatalf("GetCollateral: %v", err)
	}
	if !amount.IsZero() {
		t.Errorf("expected zero, got %s", amount)
	}
}

func TestAdjustCollateral_RejectsNegativeBalance(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	if err := ms.AdjustCollateral(ctx, "a1", model.NativeCollateral, d(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	err := ms.AdjustCollateral(ctx, "a1", model.NativeCollateral, d(-150))
	if !errors.Is(err, store.ErrInsufficientBalance) {
		t.Errorf("expected ErrInsufficientBalance, got %v", err)
	}

	// Failed debit must leave the balance intact.
	amount, _ := ms.GetCollateral(ctx, "a1", model.NativeCollateral)
	if !amount.Equal(d(100)) {
		t.Errorf("balance changed after failed debit: %s", amount)
	}
}

func TestPutPendingOrder_Duplicate(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	order := &model.PendingOrder{AccountID: "a1", MarketID: "m1", SizeDelta: d(10)}
	if err := ms.PutPendingOrder(ctx, order); err != nil {
		t.Fatalf("first put: %v", err)
	}
	if err := ms.PutPendingOrder(ctx, order); !errors.Is(err, store.ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
}

func TestApplySettlement_Atomic(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	seedMarket(t, ms, "m1", "BTC-USD-PERP")

	ms.AdjustCollateral(ctx, "a1", model.NativeCollateral, d(100))
	ms.PutPendingOrder(ctx, &model.PendingOrder{AccountID: "a1", MarketID: "m1", SizeDelta: d(10)})

	// The second delta over-debits; nothing may change.
	st := &model.Settlement{
		AccountID: "a1",
		MarketID:  "m1",
		Position: &model.Position{
			AccountID: "a1", MarketID: "m1", Size: d(10),
			LastInteractionPrice: d(100), UpdatedAt: now,
		},
		Collateral: []model.CollateralDelta{
			{AccountID: "a1", CollateralType: model.NativeCollateral, Delta: d(50)},
			{AccountID: "a1", CollateralType: model.NativeCollateral, Delta: d(-500)},
		},
		SkewDelta:        d(10),
		FundingUpdatedAt: now,
	}

	if err := ms.ApplySettlement(ctx, st); !errors.Is(err, store.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	amount, _ := ms.GetCollateral(ctx, "a1", model.NativeCollateral)
	if !amount.Equal(d(100)) {
		t.Errorf("balance mutated by failed settlement: %s", amount)
	}
	if _, err := ms.GetPosition(ctx, "a1", "m1"); !errors.Is(err, store.ErrNotFound) {
		t.Error("position created by failed settlement")
	}
	if _, err := ms.GetPendingOrder(ctx, "a1", "m1"); err != nil {
		t.Error("pending order cleared by failed settlement")
	}
	m, _ := ms.GetMarket(ctx, "m1")
	if !m.Skew.IsZero() {
		t.Errorf("skew mutated by failed settlement: %s", m.Skew)
	}
}

func TestApplySettlement_Success(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	seedMarket(t, ms, "m1", "BTC-USD-PERP")

	ms.AdjustCollateral(ctx, "a1", model.NativeCollateral, d(100))
	ms.PutPendingOrder(ctx, &model.PendingOrder{AccountID: "a1", MarketID: "m1", SizeDelta: d(10)})

	st := &model.Settlement{
		AccountID: "a1",
		MarketID:  "m1",
		Position: &model.Position{
			AccountID: "a1", MarketID: "m1", Size: d(10),
			LastInteractionPrice: d(100), FundingSnapshot: d(0.5), UpdatedAt: now,
		},
		Collateral: []model.CollateralDelta{
			{AccountID: "a1", CollateralType: model.NativeCollateral, Delta: d(-2)},
			{AccountID: "fees", CollateralType: model.NativeCollateral, Delta: d(2)},
		},
		SkewDelta:          d(10),
		FundingAccumulator: d(0.5),
		FundingUpdatedAt:   now.Add(time.Minute),
	}
	if err := ms.ApplySettlement(ctx, st); err != nil {
		t.Fatalf("ApplySettlement: %v", err)
	}

	pos, err := ms.GetPosition(ctx, "a1", "m1")
	if err != nil {
		t.Fatalf("position missing after settlement: %v", err)
	}
	if !pos.Size.Equal(d(10)) || !pos.FundingSnapshot.Equal(d(0.5)) {
		t.Errorf("unexpected position: size=%s snapshot=%s", pos.Size, pos.FundingSnapshot)
	}

	if _, err := ms.GetPendingOrder(ctx, "a1", "m1"); !errors.Is(err, store.ErrNotFound) {
		t.Error("pending order should be cleared atomically with the fill")
	}

	m, _ := ms.GetMarket(ctx, "m1")
	if !m.Skew.Equal(d(10)) || !m.FundingAccumulator.Equal(d(0.5)) {
		t.Errorf("market state not advanced: skew=%s acc=%s", m.Skew, m.FundingAccumulator)
	}

	feeBal, _ := ms.GetCollateral(ctx, "fees", model.NativeCollateral)
	if !feeBal.Equal(d(2)) {
		t.Errorf("fee sink balance: expected 2, got %s", feeBal)
	}
}

func TestApplySettlement_SkewComposesAcrossFills(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	seedMarket(t, ms, "m1", "BTC-USD-PERP")

	first := &model.Settlement{
		AccountID: "a1", MarketID: "m1",
		Position: &model.Position{AccountID: "a1", MarketID: "m1", Size: d(10),
			LastInteractionPrice: d(100), UpdatedAt: now},
		SkewDelta:        d(10),
		FundingUpdatedAt: now,
	}
	if err := ms.ApplySettlement(ctx, first); err != nil {
		t.Fatalf("first fill: %v", err)
	}

	// A second fill by another account carries a delta, not a snapshot, so
	// it cannot erase the first fill's skew.
	second := &model.Settlement{
		AccountID: "a2", MarketID: "m1",
		Position: &model.Position{AccountID: "a2", MarketID: "m1", Size: d(5),
			LastInteractionPrice: d(100), UpdatedAt: now},
		SkewDelta:        d(5),
		FundingUpdatedAt: now,
	}
	if err := ms.ApplySettlement(ctx, second); err != nil {
		t.Fatalf("second fill: %v", err)
	}

	m, _ := ms.GetMarket(ctx, "m1")
	if !m.Skew.Equal(d(15)) {
		t.Errorf("skew after two fills: expected 15, got %s", m.Skew)
	}
}

func TestApplySettlement_NilPositionDeletes(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	seedMarket(t, ms, "m1", "BTC-USD-PERP")

	// Open first.
	open := &model.Settlement{
		AccountID: "a1", MarketID: "m1",
		Position: &model.Position{AccountID: "a1", MarketID: "m1", Size: d(10),
			LastInteractionPrice: d(100), UpdatedAt: now},
		SkewDelta:        d(10),
		FundingUpdatedAt: now,
	}
	if err := ms.ApplySettlement(ctx, open); err != nil {
		t.Fatalf("open: %v", err)
	}

	closeOut := &model.Settlement{
		AccountID: "a1", MarketID: "m1",
		Position:         nil,
		SkewDelta:        d(-10),
		FundingUpdatedAt: now.Add(time.Minute),
	}
	if err := ms.ApplySettlement(ctx, closeOut); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := ms.GetPosition(ctx, "a1", "m1"); !errors.Is(err, store.ErrNotFound) {
		t.Error("position should be deleted when settlement carries nil position")
	}
}
