// Package engine implements the order commitment pipeline: the two-phase
// commit → settle flow that keeps collateral, position, and pending-order
// state mutually consistent under margin limits.
//
// All monetary values use shopspring/decimal — never float64 for money.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/account"
	"github.com/atmx/perp-engine/internal/fee"
	"github.com/atmx/perp-engine/internal/funding"
	"github.com/atmx/perp-engine/internal/margin"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/oracle"
	"github.com/atmx/perp-engine/internal/risk"
	"github.com/atmx/perp-engine/internal/store"
)

// FeeSinkAccount receives trade fees. A real deployment points this at the
// protocol treasury account; keeping fees on-ledger preserves conservation.
const FeeSinkAccount = "fee-pool"

// Service orchestrates the commit → settle / expire / cancel state machine.
//
// Concurrency: every mutating operation takes the per-account lock, so the
// margin math over an account's whole portfolio is consistent. Operations on
// different accounts never contend; the pending-order row itself serializes
// the (account, market) pair. Settlement additionally takes a per-market
// lock because it advances shared market state (skew, funding accumulator).
type Service struct {
	store    store.Store
	accounts *account.Registry
	prices   oracle.PriceOracle
	limiter  *risk.Limiter
	wsHub    *WSHub // optional WebSocket hub for real-time broadcasts
	now      func() time.Time

	mu          sync.Mutex
	locks       map[string]*sync.Mutex
	marketLocks map[string]*sync.Mutex
}

// NewService creates the pipeline service. Pass nil for hub if WebSocket
// broadcasting is not needed; pass nil for now to use the wall clock.
func NewService(st store.Store, accounts *account.Registry, prices oracle.PriceOracle,
	limiter *risk.Limiter, hub *WSHub, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:    st,
		accounts: accounts,
		prices:   prices,
		limiter:  limiter,
		wsHub:    hub,
		now:      now,

		locks:       make(map[string]*sync.Mutex),
		marketLocks: make(map[string]*sync.Mutex),
	}
}

// lockAccount acquires the striped per-account lock and returns its unlock.
func (s *Service) lockAccount(accountID string) func() {
	s.mu.Lock()
	l, ok := s.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[accountID] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// lockMarket serializes read-advance-write of a market's skew and funding
// accumulator across settlements by different accounts. Always acquired
// after the account lock, never the other way around.
func (s *Service) lockMarket(marketID string) func() {
	s.mu.Lock()
	l, ok := s.marketLocks[marketID]
	if !ok {
		l = &sync.Mutex{}
		s.marketLocks[marketID] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// marketState bundles a market with its derived calculators.
type marketState struct {
	market *model.Market
	calc   *margin.Calculator
	fees   *fee.Engine
}

// newMarketState derives the margin and fee calculators from a market's
// configuration, rejecting configurations the calculators cannot accept.
func newMarketState(m *model.Market) (*marketState, error) {
	calc, err := margin.NewCalculator(m.InitialMarginFraction, m.MaintMarginFraction,
		m.LiquidationBuffer, m.MinMargin)
	if err != nil {
		return nil, fmt.Errorf("market %s misconfigured: %w", m.ID, err)
	}
	fees, err := fee.NewEngine(m.MakerFeeRate, m.TakerFeeRate, m.SkewScale)
	if err != nil {
		return nil, fmt.Errorf("market %s misconfigured: %w", m.ID, err)
	}
	return &marketState{market: m, calc: calc, fees: fees}, nil
}

func (s *Service) loadMarket(ctx context.Context, marketID string) (*marketState, error) {
	m, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidMarket, marketID)
		}
		return nil, err
	}
	return newMarketState(m)
}

// positionSize returns the open position (nil if none) and its size.
func (s *Service) positionSize(ctx context.Context, accountID, marketID string) (*model.Position, decimal.Decimal, error) {
	pos, err := s.store.GetPosition(ctx, accountID, marketID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, decimal.Zero, nil
	}
	if err != nil {
		return nil, decimal.Zero, err
	}
	return pos, pos.Size, nil
}

// marginState is the account-wide margin picture at current oracle prices.
type marginState struct {
	available       decimal.Decimal
	requiredInitial decimal.Decimal
	requiredMaint   decimal.Decimal
	// exposures maps marketID → |size| * price for current positions, used
	// by the aggregate exposure limiter.
	exposures map[string]decimal.Decimal
}

// accountMargins derives the full margin picture for an account: collateral
// value plus unrealized PnL and accrued funding across positions, and the
// summed initial/maintenance requirements across every market the account
// holds a position or pending order in. Initial margin is computed on the
// size projected after pending orders fill; maintenance on the current size.
func (s *Service) accountMargins(ctx context.Context, accountID string) (*marginState, error) {
	at := s.now().UTC()

	available := decimal.Zero
	balances, err := s.store.ListCollateral(ctx, accountID)
	if err != nil {
		return nil, err
	}
	for _, b := range balances {
		price, err := s.prices.CollateralPrice(ctx, b.CollateralType)
		if err != nil {
			return nil, err
		}
		available = available.Add(b.Amount.Mul(price))
	}

	positions, err := s.store.ListPositions(ctx, accountID)
	if err != nil {
		return nil, err
	}
	orders, err := s.store.ListPendingOrders(ctx, accountID)
	if err != nil {
		return nil, err
	}

	currentSize := make(map[string]decimal.Decimal)
	pendingDelta := make(map[string]decimal.Decimal)
	for _, p := range positions {
		currentSize[p.MarketID] = p.Size
	}
	for _, o := range orders {
		pendingDelta[o.MarketID] = o.SizeDelta
	}

	marketIDs := make(map[string]bool)
	for id := range currentSize {
		marketIDs[id] = true
	}
	for id := range pendingDelta {
		marketIDs[id] = true
	}

	state := &marginState{exposures: make(map[string]decimal.Decimal)}
	for _, p := range positions {
		state.exposures[p.MarketID] = decimal.Zero // filled below with price
	}

	requiredInitial := decimal.Zero
	requiredMaint := decimal.Zero

	for marketID := range marketIDs {
		ms, err := s.loadMarket(ctx, marketID)
		if err != nil {
			return nil, err
		}
		price, err := s.prices.IndexPrice(ctx, marketID)
		if err != nil {
			return nil, err
		}

		size := currentSize[marketID]
		if !size.IsZero() {
			state.exposures[marketID] = margin.Notional(size, price)

			// Mark the open position: unrealized PnL plus funding accrued
			// since the last settlement snapshot.
			for _, p := range positions {
				if p.MarketID != marketID {
					continue
				}
				pnl := p.Size.Mul(price.Sub(p.LastInteractionPrice))
				accNow := funding.Advance(ms.market.FundingAccumulator,
					ms.market.FundingRatePerSecond, price,
					ms.market.FundingUpdatedAt, at)
				available = available.Add(pnl).Add(funding.Accrued(p.Size, p.FundingSnapshot, accNow))
			}
		}

		projected := size.Add(pendingDelta[marketID])
		requiredInitial = requiredInitial.Add(ms.calc.RequiredInitial(projected, price))
		requiredMaint = requiredMaint.Add(ms.calc.RequiredMaintenance(size, price))
	}

	state.available = available
	state.requiredInitial = requiredInitial
	state.requiredMaint = requiredMaint
	return state, nil
}

// --- Public operations ---

// CommitOrderRequest is a request to commit an order for async settlement.
type CommitOrderRequest struct {
	AccountID            string          `json:"account_id"`
	MarketID             string          `json:"market_id"`
	SizeDelta            decimal.Decimal `json:"size_delta"`
	SettlementStrategyID string          `json:"settlement_strategy_id"`
	AcceptablePrice      decimal.Decimal `json:"acceptable_price"`
	TrackingCode         string          `json:"tracking_code,omitempty"`
	Referrer             string          `json:"referrer,omitempty"`
	// Caller is the identity performing the commit, checked against the
	// account's Trade capability.
	Caller string `json:"caller"`
}

// CommitResult is returned from a successful commitment.
type CommitResult struct {
	Order model.PendingOrder `json:"order"`
	// Fees is the quoted trade fee plus the strategy's settlement reward.
	Fees      decimal.Decimal `json:"fees"`
	FillPrice decimal.Decimal `json:"fill_price"`
}

// CommitOrder validates and records a pending order. On success the pair
// transitions NoOrder → Committed; the settlement reward is reserved from
// native collateral immediately.
func (s *Service) CommitOrder(ctx context.Context, req CommitOrderRequest) (*CommitResult, error) {
	if req.SizeDelta.IsZero() {
		return nil, ErrZeroSizeDelta
	}
	if !s.accounts.Exists(req.AccountID) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAccount, req.AccountID)
	}
	if !s.accounts.HasPermission(req.AccountID, account.PermissionTrade, req.Caller) {
		return nil, ErrUnauthorized
	}

	unlock := s.lockAccount(req.AccountID)
	defer unlock()

	ms, err := s.loadMarket(ctx, req.MarketID)
	if err != nil {
		return nil, err
	}
	strategy, ok := ms.market.Strategy(req.SettlementStrategyID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidStrategy, req.SettlementStrategyID)
	}

	now := s.now().UTC()

	// A live pending order blocks the pair. An order whose window already
	// closed is dead weight: purge it and let the new commitment proceed.
	if existing, err := s.store.GetPendingOrder(ctx, req.AccountID, req.MarketID); err == nil {
		if now.Before(existing.ExpirationTime) || now.Equal(existing.ExpirationTime) {
			return nil, ErrPendingOrderExists
		}
		if err := s.purgeExpired(ctx, existing); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	price, err := s.prices.IndexPrice(ctx, req.MarketID)
	if err != nil {
		return nil, err
	}

	_, posSize, err := s.positionSize(ctx, req.AccountID, req.MarketID)
	if err != nil {
		return nil, err
	}

	if err := s.limiter.CheckMarketSize(ms.market.MaxSize, posSize, decimal.Zero, req.SizeDelta); err != nil {
		metrics.MarginRejections.WithLabelValues("max_market_size").Inc()
		return nil, err
	}

	state, err := s.accountMargins(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}

	deltaNotional := margin.Notional(req.SizeDelta, price)
	if err := s.limiter.CheckAccountExposure(state.exposures, req.MarketID, deltaNotional); err != nil {
		metrics.MarginRejections.WithLabelValues("account_exposure").Inc()
		return nil, err
	}

	// The reward reservation below debits the balance, so the gate checks
	// the post-reservation margin picture.
	required := ms.calc.RequiredForOrder(posSize, req.SizeDelta, price)
	available := state.available.Sub(strategy.SettlementReward)
	if required.GreaterThan(available) {
		metrics.MarginRejections.WithLabelValues("commit").Inc()
		return nil, fmt.Errorf("%w: required %s, available %s",
			ErrInsufficientMargin, required, available)
	}

	quote := ms.fees.Compute(price, ms.market.Skew, req.SizeDelta)

	// Reserve the settlement reward up front; it is refunded on cancel or
	// expiry and paid to the settler on settlement.
	if !strategy.SettlementReward.IsZero() {
		if err := s.store.AdjustCollateral(ctx, req.AccountID, model.NativeCollateral,
			strategy.SettlementReward.Neg()); err != nil {
			if errors.Is(err, store.ErrInsufficientBalance) {
				return nil, fmt.Errorf("%w: settlement reward %s",
					ErrInsufficientCollateral, strategy.SettlementReward)
			}
			return nil, err
		}
	}

	order := &model.PendingOrder{
		AccountID:            req.AccountID,
		MarketID:             req.MarketID,
		SizeDelta:            req.SizeDelta,
		SettlementStrategyID: req.SettlementStrategyID,
		AcceptablePrice:      req.AcceptablePrice,
		SettlementTime:       now.Add(strategy.Delay),
		ExpirationTime:       now.Add(strategy.Delay).Add(strategy.Window),
		ReservedReward:       strategy.SettlementReward,
		TrackingCode:         req.TrackingCode,
		Referrer:             req.Referrer,
		CommittedAt:          now,
	}

	if err := s.store.PutPendingOrder(ctx, order); err != nil {
		// Undo the reservation before surfacing the failure.
		if !strategy.SettlementReward.IsZero() {
			if refundErr := s.store.AdjustCollateral(ctx, req.AccountID,
				model.NativeCollateral, strategy.SettlementReward); refundErr != nil {
				slog.Error("reward refund failed after commit failure",
					"account", req.AccountID, "market", req.MarketID, "err", refundErr)
			}
		}
		if errors.Is(err, store.ErrDuplicate) {
			return nil, ErrPendingOrderExists
		}
		return nil, err
	}

	metrics.OrdersCommitted.WithLabelValues(req.MarketID).Inc()
	slog.Info("order committed",
		"account", req.AccountID,
		"market", req.MarketID,
		"size_delta", req.SizeDelta.String(),
		"settlement_time", order.SettlementTime,
		"fees", quote.Fee.Add(strategy.SettlementReward).String(),
	)
	s.broadcast(WSMessage{
		Type:      "order_committed",
		AccountID: req.AccountID,
		MarketID:  req.MarketID,
		SizeDelta: req.SizeDelta.String(),
	})

	return &CommitResult{
		Order:     *order,
		Fees:      quote.Fee.Add(strategy.SettlementReward),
		FillPrice: quote.FillPrice,
	}, nil
}

// voidOrder clears an order and refunds its reserved reward. Caller holds
// the account lock.
func (s *Service) voidOrder(ctx context.Context, order *model.PendingOrder) error {
	if err := s.store.DeletePendingOrder(ctx, order.AccountID, order.MarketID); err != nil {
		return err
	}
	if !order.ReservedReward.IsZero() {
		return s.store.AdjustCollateral(ctx, order.AccountID,
			model.NativeCollateral, order.ReservedReward)
	}
	return nil
}

// purgeExpired voids a dead order and records the expiry.
func (s *Service) purgeExpired(ctx context.Context, order *model.PendingOrder) error {
	if err := s.voidOrder(ctx, order); err != nil {
		return err
	}

	metrics.OrdersExpired.WithLabelValues(order.MarketID).Inc()
	slog.Info("order expired",
		"account", order.AccountID,
		"market", order.MarketID,
		"size_delta", order.SizeDelta.String(),
	)
	s.broadcast(WSMessage{
		Type:      "order_expired",
		AccountID: order.AccountID,
		MarketID:  order.MarketID,
	})
	return nil
}

// SettleRequest identifies the pending order to settle and the settler that
// earns the reward.
type SettleRequest struct {
	AccountID string `json:"account_id"`
	MarketID  string `json:"market_id"`
	// SettlerAccountID receives the reserved settlement reward.
	SettlerAccountID string `json:"settler_account_id"`
}

// SettleResult reports a successful fill.
type SettleResult struct {
	FillPrice      decimal.Decimal `json:"fill_price"`
	Fee            decimal.Decimal `json:"fee"`
	RealizedPnL    decimal.Decimal `json:"realized_pnl"`
	AccruedFunding decimal.Decimal `json:"accrued_funding"`
	NewSize        decimal.Decimal `json:"new_size"`
	Reward         decimal.Decimal `json:"reward"`
}

// Settle fills a committed order at the current oracle price. The margin
// gate runs a second time here because the price may have moved since
// commit; a failure voids the order rather than partially filling it. The
// store clears the pending order in the same atomic batch that moves value,
// so a reentrant commit can never observe a stale order.
func (s *Service) Settle(ctx context.Context, req SettleRequest) (*SettleResult, error) {
	start := time.Now()

	if req.SettlerAccountID != "" && !s.accounts.Exists(req.SettlerAccountID) {
		return nil, fmt.Errorf("%w: settler %s", ErrInvalidAccount, req.SettlerAccountID)
	}

	unlock := s.lockAccount(req.AccountID)
	defer unlock()

	order, err := s.store.GetPendingOrder(ctx, req.AccountID, req.MarketID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNoPendingOrder
		}
		return nil, err
	}

	now := s.now().UTC()
	if now.Before(order.SettlementTime) {
		return nil, ErrSettlementWindowNotElapsed
	}
	if now.After(order.ExpirationTime) {
		// Timeout outcome, not a retry target: purge and make the caller
		// re-commit from scratch.
		if err := s.purgeExpired(ctx, order); err != nil {
			return nil, err
		}
		return nil, ErrSettlementWindowExpired
	}

	// The account lock does not cover the market row; hold the market lock
	// from the skew/funding read through ApplySettlement so settlements by
	// different accounts on the same market cannot interleave.
	unlockMarket := s.lockMarket(req.MarketID)
	defer unlockMarket()

	ms, err := s.loadMarket(ctx, req.MarketID)
	if err != nil {
		return nil, err
	}

	price, err := s.prices.IndexPrice(ctx, req.MarketID)
	if err != nil {
		return nil, err
	}

	quote := ms.fees.Compute(price, ms.market.Skew, order.SizeDelta)

	// Directional slippage bound: buys must not fill above the acceptable
	// price, sells must not fill below it. A violation leaves the order
	// committed; the settler may retry until the window closes.
	if order.SizeDelta.IsPositive() && quote.FillPrice.GreaterThan(order.AcceptablePrice) {
		return nil, fmt.Errorf("%w: fill %s above acceptable %s",
			ErrPriceDeviationExceeded, quote.FillPrice, order.AcceptablePrice)
	}
	if order.SizeDelta.IsNegative() && quote.FillPrice.LessThan(order.AcceptablePrice) {
		return nil, fmt.Errorf("%w: fill %s below acceptable %s",
			ErrPriceDeviationExceeded, quote.FillPrice, order.AcceptablePrice)
	}

	pos, posSize, err := s.positionSize(ctx, req.AccountID, req.MarketID)
	if err != nil {
		return nil, err
	}

	// Second margin gate, at the settlement price.
	state, err := s.accountMargins(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	required := ms.calc.RequiredForOrder(posSize, order.SizeDelta, price)
	if required.GreaterThan(state.available) {
		if err := s.voidOrder(ctx, order); err != nil {
			return nil, err
		}
		metrics.MarginRejections.WithLabelValues("settlement").Inc()
		return nil, fmt.Errorf("%w: required %s, available %s",
			ErrInsufficientMarginAtSettlement, required, state.available)
	}

	// Advance the funding accumulator to the settlement instant.
	accNow := funding.Advance(ms.market.FundingAccumulator, ms.market.FundingRatePerSecond,
		price, ms.market.FundingUpdatedAt, now)

	realizedPnL := decimal.Zero
	accrued := decimal.Zero
	lastSnapshot := accNow
	if pos != nil {
		// Mark the whole prior size to the fill price and roll accrued
		// funding into collateral; the remaining position re-enters at the
		// fill price with a fresh accumulator snapshot.
		realizedPnL = pos.Size.Mul(quote.FillPrice.Sub(pos.LastInteractionPrice))
		accrued = funding.Accrued(pos.Size, pos.FundingSnapshot, accNow)
	}

	newSize := posSize.Add(order.SizeDelta)
	var newPos *model.Position
	if !newSize.IsZero() {
		newPos = &model.Position{
			AccountID:            req.AccountID,
			MarketID:             req.MarketID,
			Size:                 newSize,
			LastInteractionPrice: quote.FillPrice,
			FundingSnapshot:      lastSnapshot,
			UpdatedAt:            now,
		}
	}

	settlement := &model.Settlement{
		AccountID: req.AccountID,
		MarketID:  req.MarketID,
		Position:  newPos,
		Collateral: []model.CollateralDelta{
			{AccountID: req.AccountID, CollateralType: model.NativeCollateral,
				Delta: realizedPnL.Add(accrued).Sub(quote.Fee)},
			{AccountID: FeeSinkAccount, CollateralType: model.NativeCollateral,
				Delta: quote.Fee},
		},
		SkewDelta:          order.SizeDelta,
		FundingAccumulator: accNow,
		FundingUpdatedAt:   now,
	}
	if !order.ReservedReward.IsZero() {
		settler := req.SettlerAccountID
		if settler == "" {
			settler = FeeSinkAccount
		}
		settlement.Collateral = append(settlement.Collateral, model.CollateralDelta{
			AccountID: settler, CollateralType: model.NativeCollateral,
			Delta: order.ReservedReward,
		})
	}

	if err := s.store.ApplySettlement(ctx, settlement); err != nil {
		if errors.Is(err, store.ErrInsufficientBalance) {
			// Realized losses exceed the remaining balance: the fill cannot
			// be funded. Void the order instead of partially applying it.
			if voidErr := s.voidOrder(ctx, order); voidErr != nil {
				return nil, voidErr
			}
			metrics.MarginRejections.WithLabelValues("settlement").Inc()
			return nil, fmt.Errorf("%w: %v", ErrInsufficientMarginAtSettlement, err)
		}
		return nil, err
	}

	metrics.OrdersSettled.WithLabelValues(req.MarketID).Inc()
	metrics.SettlementLatency.WithLabelValues(req.MarketID).Observe(time.Since(start).Seconds())
	slog.Info("order settled",
		"account", req.AccountID,
		"market", req.MarketID,
		"size_delta", order.SizeDelta.String(),
		"fill_price", quote.FillPrice.String(),
		"fee", quote.Fee.String(),
		"realized_pnl", realizedPnL.String(),
		"new_size", newSize.String(),
	)
	s.broadcast(WSMessage{
		Type:      "order_settled",
		AccountID: req.AccountID,
		MarketID:  req.MarketID,
		SizeDelta: order.SizeDelta.String(),
		FillPrice: quote.FillPrice.String(),
	})

	return &SettleResult{
		FillPrice:      quote.FillPrice,
		Fee:            quote.Fee,
		RealizedPnL:    realizedPnL,
		AccruedFunding: accrued,
		NewSize:        newSize,
		Reward:         order.ReservedReward,
	}, nil
}

// CancelRequest identifies the pending order to cancel.
type CancelRequest struct {
	AccountID string `json:"account_id"`
	MarketID  string `json:"market_id"`
	Caller    string `json:"caller"`
}

// Cancel voids a committed order before its window closes, refunding the
// reserved settlement reward. Allowed only if the strategy permits it; an
// already-expired order is purged regardless.
func (s *Service) Cancel(ctx context.Context, req CancelRequest) error {
	if !s.accounts.HasPermission(req.AccountID, account.PermissionTrade, req.Caller) {
		return ErrUnauthorized
	}

	unlock := s.lockAccount(req.AccountID)
	defer unlock()

	order, err := s.store.GetPendingOrder(ctx, req.AccountID, req.MarketID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNoPendingOrder
		}
		return err
	}

	now := s.now().UTC()
	if now.After(order.ExpirationTime) {
		if err := s.purgeExpired(ctx, order); err != nil {
			return err
		}
		return ErrSettlementWindowExpired
	}

	ms, err := s.loadMarket(ctx, req.MarketID)
	if err != nil {
		return err
	}
	strategy, ok := ms.market.Strategy(order.SettlementStrategyID)
	if !ok || !strategy.AllowCancel {
		return ErrCancellationNotAllowed
	}

	if err := s.voidOrder(ctx, order); err != nil {
		return err
	}

	metrics.OrdersCancelled.WithLabelValues(req.MarketID).Inc()
	slog.Info("order cancelled",
		"account", req.AccountID,
		"market", req.MarketID,
		"size_delta", order.SizeDelta.String(),
	)
	s.broadcast(WSMessage{
		Type:      "order_cancelled",
		AccountID: req.AccountID,
		MarketID:  req.MarketID,
	})
	return nil
}

// ModifyCollateral applies a signed delta to one collateral balance.
// Deposits assume the external asset transfer already landed. Withdrawals
// require the Withdraw capability and must leave available margin at or
// above the initial requirement.
func (s *Service) ModifyCollateral(ctx context.Context, accountID, collateralType string,
	delta decimal.Decimal, caller string) error {
	if !s.accounts.Exists(accountID) {
		return fmt.Errorf("%w: %s", ErrInvalidAccount, accountID)
	}

	unlock := s.lockAccount(accountID)
	defer unlock()

	// Every balance feeds the margin math, so only priced collateral types
	// may enter the ledger.
	price, err := s.prices.CollateralPrice(ctx, collateralType)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownCollateral, collateralType)
	}

	if delta.IsNegative() {
		if !s.accounts.HasPermission(accountID, account.PermissionWithdraw, caller) {
			return ErrUnauthorized
		}

		balance, err := s.store.GetCollateral(ctx, accountID, collateralType)
		if err != nil {
			return err
		}
		if balance.Add(delta).IsNegative() {
			return fmt.Errorf("%w: balance %s, withdrawal %s",
				ErrInsufficientCollateral, balance, delta.Neg())
		}

		state, err := s.accountMargins(ctx, accountID)
		if err != nil {
			return err
		}
		postWithdrawal := state.available.Add(delta.Mul(price))
		if postWithdrawal.LessThan(state.requiredInitial) {
			metrics.MarginRejections.WithLabelValues("withdrawal").Inc()
			return fmt.Errorf("%w: post-withdrawal margin %s, required %s",
				ErrMarginBelowInitialRequirement, postWithdrawal, state.requiredInitial)
		}
	}

	if err := s.store.AdjustCollateral(ctx, accountID, collateralType, delta); err != nil {
		if errors.Is(err, store.ErrInsufficientBalance) {
			return fmt.Errorf("%w: %v", ErrInsufficientCollateral, err)
		}
		return err
	}

	slog.Info("collateral modified",
		"account", accountID,
		"collateral_type", collateralType,
		"delta", delta.String(),
	)
	return nil
}

// --- Read projections ---

// ComputeOrderFees is the pure fee simulation: the quote equals the fee a
// settlement of the same size against the same state would charge.
func (s *Service) ComputeOrderFees(ctx context.Context, marketID string, sizeDelta decimal.Decimal) (*fee.Quote, error) {
	ms, err := s.loadMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	price, err := s.prices.IndexPrice(ctx, marketID)
	if err != nil {
		return nil, err
	}
	quote := ms.fees.Compute(price, ms.market.Skew, sizeDelta)
	return &quote, nil
}

// RequiredMarginForOrder returns the initial margin an order of sizeDelta
// would require at current prices.
func (s *Service) RequiredMarginForOrder(ctx context.Context, accountID, marketID string,
	sizeDelta decimal.Decimal) (decimal.Decimal, error) {
	ms, err := s.loadMarket(ctx, marketID)
	if err != nil {
		return decimal.Zero, err
	}
	price, err := s.prices.IndexPrice(ctx, marketID)
	if err != nil {
		return decimal.Zero, err
	}
	_, posSize, err := s.positionSize(ctx, accountID, marketID)
	if err != nil {
		return decimal.Zero, err
	}
	return ms.calc.RequiredForOrder(posSize, sizeDelta, price), nil
}

// OpenPosition returns the position's size, total PnL marked to the current
// oracle price, and funding accrued since the last settlement.
func (s *Service) OpenPosition(ctx context.Context, accountID, marketID string) (*model.OpenPosition, error) {
	pos, err := s.store.GetPosition(ctx, accountID, marketID)
	if errors.Is(err, store.ErrNotFound) {
		return &model.OpenPosition{AccountID: accountID, MarketID: marketID,
			Size: decimal.Zero, TotalPnL: decimal.Zero, AccruedFunding: decimal.Zero}, nil
	}
	if err != nil {
		return nil, err
	}

	ms, err := s.loadMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	price, err := s.prices.IndexPrice(ctx, marketID)
	if err != nil {
		return nil, err
	}

	accNow := funding.Advance(ms.market.FundingAccumulator, ms.market.FundingRatePerSecond,
		price, ms.market.FundingUpdatedAt, s.now().UTC())

	return &model.OpenPosition{
		AccountID:      accountID,
		MarketID:       marketID,
		Size:           pos.Size,
		TotalPnL:       pos.Size.Mul(price.Sub(pos.LastInteractionPrice)),
		AccruedFunding: funding.Accrued(pos.Size, pos.FundingSnapshot, accNow),
	}, nil
}

// Margins returns the account-wide margin summary.
func (s *Service) Margins(ctx context.Context, accountID string) (*model.MarginSummary, error) {
	if !s.accounts.Exists(accountID) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAccount, accountID)
	}

	state, err := s.accountMargins(ctx, accountID)
	if err != nil {
		return nil, err
	}

	return &model.MarginSummary{
		AccountID:                 accountID,
		RequiredInitialMargin:     state.requiredInitial,
		RequiredMaintenanceMargin: state.requiredMaint,
		AvailableMargin:           state.available,
		WithdrawableMargin:        margin.Withdrawable(state.available, state.requiredInitial),
	}, nil
}

// TotalCollateralValue sums the account's balances converted at current
// collateral prices.
func (s *Service) TotalCollateralValue(ctx context.Context, accountID string) (decimal.Decimal, error) {
	balances, err := s.store.ListCollateral(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}

	total := decimal.Zero
	for _, b := range balances {
		price, err := s.prices.CollateralPrice(ctx, b.CollateralType)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(b.Amount.Mul(price))
	}
	return total, nil
}

func (s *Service) broadcast(msg WSMessage) {
	if s.wsHub != nil {
		s.wsHub.Broadcast(msg)
	}
}
