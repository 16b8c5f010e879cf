package engine

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/account"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/oracle"
	"github.com/atmx/perp-engine/internal/risk"
	"github.com/atmx/perp-engine/internal/store"
	"github.com/atmx/perp-engine/internal/symbol"
)

// --- Request/Response types ---

// CreateAccountRequest is the JSON body for account creation.
type CreateAccountRequest struct {
	Owner string `json:"owner"`
}

// CreateAccountResponse is returned from POST /api/v1/accounts.
type CreateAccountResponse struct {
	AccountID string `json:"account_id"`
	Owner     string `json:"owner"`
}

// PermissionRequest is the JSON body for granting or revoking a capability.
type PermissionRequest struct {
	Permission string `json:"permission"`
	Caller     string `json:"caller"`
	User       string `json:"user"`
}

// StrategyRequest configures one settlement strategy on market creation.
type StrategyRequest struct {
	ID               string          `json:"id"`
	DelaySeconds     int64           `json:"delay_seconds"`
	WindowSeconds    int64           `json:"window_seconds"`
	SettlementReward decimal.Decimal `json:"settlement_reward"`
	AllowCancel      bool            `json:"allow_cancel"`
}

// CreateMarketRequest is the JSON body for market creation.
type CreateMarketRequest struct {
	Symbol                string            `json:"symbol"` // {BASE}-{QUOTE}-PERP
	MaxSize               decimal.Decimal   `json:"max_size"`
	InitialMarginFraction decimal.Decimal   `json:"initial_margin_fraction"`
	MaintMarginFraction   decimal.Decimal   `json:"maint_margin_fraction"`
	LiquidationBuffer     decimal.Decimal   `json:"liquidation_buffer"`
	MinMargin             decimal.Decimal   `json:"min_margin"`
	MakerFeeRate          decimal.Decimal   `json:"maker_fee_rate"`
	TakerFeeRate          decimal.Decimal   `json:"taker_fee_rate"`
	SkewScale             decimal.Decimal   `json:"skew_scale"`
	FundingRatePerSecond  decimal.Decimal   `json:"funding_rate_per_second"`
	Strategies            []StrategyRequest `json:"strategies"`
}

// ModifyCollateralRequest is the JSON body for POST /api/v1/collateral.
type ModifyCollateralRequest struct {
	AccountID      string          `json:"account_id"`
	CollateralType string          `json:"collateral_type"`
	Delta          decimal.Decimal `json:"delta"`
	Caller         string          `json:"caller"`
}

// SetPriceRequest feeds the static oracle. Exactly one of MarketID or
// CollateralType selects the price being set.
type SetPriceRequest struct {
	MarketID       string          `json:"market_id,omitempty"`
	CollateralType string          `json:"collateral_type,omitempty"`
	Price          decimal.Decimal `json:"price"`
}

// --- HTTP Handlers ---

// CreateAccount handles POST /api/v1/accounts
func (s *Service) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Owner == "" {
		writeError(w, "owner is required", http.StatusBadRequest)
		return
	}

	id := s.accounts.CreateAccount(req.Owner)
	slog.Info("account created", "id", id, "owner", req.Owner)

	writeJSON(w, http.StatusCreated, CreateAccountResponse{AccountID: id, Owner: req.Owner})
}

// GrantPermission handles POST /api/v1/accounts/{accountID}/permissions
func (s *Service) GrantPermission(w http.ResponseWriter, r *http.Request) {
	s.managePermission(w, r, s.accounts.Grant)
}

// RevokePermission handles DELETE /api/v1/accounts/{accountID}/permissions
func (s *Service) RevokePermission(w http.ResponseWriter, r *http.Request) {
	s.managePermission(w, r, s.accounts.Revoke)
}

func (s *Service) managePermission(w http.ResponseWriter, r *http.Request,
	apply func(string, account.Permission, string, string) error) {
	accountID := chi.URLParam(r, "accountID")

	var req PermissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	err := apply(accountID, account.Permission(req.Permission), req.Caller, req.User)
	switch {
	case errors.Is(err, account.ErrUnknownAccount):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, account.ErrInvalidPermission):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, account.ErrNotOwner):
		writeError(w, err.Error(), http.StatusForbidden)
	case err != nil:
		writeError(w, err.Error(), http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// CreateMarket handles POST /api/v1/markets
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if _, err := symbol.Parse(req.Symbol); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	now := s.now().UTC()
	market := &model.Market{
		ID:                    uuid.New().String(),
		Symbol:                req.Symbol,
		MaxSize:               req.MaxSize,
		InitialMarginFraction: req.InitialMarginFraction,
		MaintMarginFraction:   req.MaintMarginFraction,
		LiquidationBuffer:     req.LiquidationBuffer,
		MinMargin:             req.MinMargin,
		MakerFeeRate:          req.MakerFeeRate,
		TakerFeeRate:          req.TakerFeeRate,
		SkewScale:             req.SkewScale,
		Skew:                  decimal.Zero,
		FundingRatePerSecond:  req.FundingRatePerSecond,
		FundingAccumulator:    decimal.Zero,
		FundingUpdatedAt:      now,
		Strategies:            make(map[string]model.SettlementStrategy),
		CreatedAt:             now,
	}

	for _, sr := range req.Strategies {
		if sr.ID == "" || sr.DelaySeconds < 0 || sr.WindowSeconds <= 0 {
			writeError(w, "strategy needs an id, non-negative delay, and positive window", http.StatusBadRequest)
			return
		}
		if sr.SettlementReward.IsNegative() {
			writeError(w, "settlement reward must not be negative", http.StatusBadRequest)
			return
		}
		market.Strategies[sr.ID] = model.SettlementStrategy{
			ID:               sr.ID,
			Delay:            time.Duration(sr.DelaySeconds) * time.Second,
			Window:           time.Duration(sr.WindowSeconds) * time.Second,
			SettlementReward: sr.SettlementReward,
			AllowCancel:      sr.AllowCancel,
		}
	}
	if len(market.Strategies) == 0 {
		writeError(w, "at least one settlement strategy is required", http.StatusBadRequest)
		return
	}

	// Reject margin/fee configurations the calculators cannot accept.
	if _, err := newMarketState(market); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.store.CreateMarket(r.Context(), market); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	slog.Info("market created",
		"id", market.ID,
		"symbol", market.Symbol,
		"max_size", market.MaxSize.String(),
		"initial_margin_fraction", market.InitialMarginFraction.String(),
	)

	writeJSON(w, http.StatusCreated, market)
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	market, err := s.store.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, market)
}

// ListMarkets handles GET /api/v1/markets
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.store.ListMarkets(r.Context())
	if err != nil {
		writeError(w, "failed to list markets", http.StatusInternalServerError)
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}
	writeJSON(w, http.StatusOK, markets)
}

// GetMaxMarketSize handles GET /api/v1/markets/{marketID}/max-size
func (s *Service) GetMaxMarketSize(w http.ResponseWriter, r *http.Request) {
	market, err := s.store.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"max_market_size": market.MaxSize})
}

// GetCollateralValue handles GET /api/v1/accounts/{accountID}/collateral-value
func (s *Service) GetCollateralValue(w http.ResponseWriter, r *http.Request) {
	total, err := s.TotalCollateralValue(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"total_value": total})
}

// HandleCommitOrder handles POST /api/v1/orders
func (s *Service) HandleCommitOrder(w http.ResponseWriter, r *http.Request) {
	var req CommitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	result, err := s.CommitOrder(r.Context(), req)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// HandleSettle handles POST /api/v1/orders/settle
func (s *Service) HandleSettle(w http.ResponseWriter, r *http.Request) {
	var req SettleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	result, err := s.Settle(r.Context(), req)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleCancel handles POST /api/v1/orders/cancel
func (s *Service) HandleCancel(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.Cancel(r.Context(), req); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetPendingOrder handles GET /api/v1/orders/{accountID}/{marketID}
func (s *Service) GetPendingOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.store.GetPendingOrder(r.Context(),
		chi.URLParam(r, "accountID"), chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, "no pending order", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// GetOrderFees handles GET /api/v1/markets/{marketID}/order-fees?size_delta=N
// Pure simulation: quotes the fee and fill price a settlement of size_delta
// against current state would produce.
func (s *Service) GetOrderFees(w http.ResponseWriter, r *http.Request) {
	sizeDelta, err := decimal.NewFromString(r.URL.Query().Get("size_delta"))
	if err != nil {
		writeError(w, "size_delta must be a decimal", http.StatusBadRequest)
		return
	}

	quote, err := s.ComputeOrderFees(r.Context(), chi.URLParam(r, "marketID"), sizeDelta)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

// GetRequiredMargin handles
// GET /api/v1/accounts/{accountID}/markets/{marketID}/required-margin?size_delta=N
func (s *Service) GetRequiredMargin(w http.ResponseWriter, r *http.Request) {
	sizeDelta, err := decimal.NewFromString(r.URL.Query().Get("size_delta"))
	if err != nil {
		writeError(w, "size_delta must be a decimal", http.StatusBadRequest)
		return
	}

	required, err := s.RequiredMarginForOrder(r.Context(),
		chi.URLParam(r, "accountID"), chi.URLParam(r, "marketID"), sizeDelta)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"required_margin": required})
}

// HandleModifyCollateral handles POST /api/v1/collateral
func (s *Service) HandleModifyCollateral(w http.ResponseWriter, r *http.Request) {
	var req ModifyCollateralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Delta.IsZero() {
		writeError(w, "delta must be non-zero", http.StatusBadRequest)
		return
	}

	if err := s.ModifyCollateral(r.Context(), req.AccountID, req.CollateralType,
		req.Delta, req.Caller); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListCollateral handles GET /api/v1/collateral/{accountID}
func (s *Service) ListCollateral(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")

	balances, err := s.store.ListCollateral(r.Context(), accountID)
	if err != nil {
		writeError(w, "failed to list collateral", http.StatusInternalServerError)
		return
	}
	if balances == nil {
		balances = []model.CollateralBalance{}
	}

	total, err := s.TotalCollateralValue(r.Context(), accountID)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"balances":    balances,
		"total_value": total,
	})
}

// GetCollateral handles GET /api/v1/collateral/{accountID}/{collateralType}
func (s *Service) GetCollateral(w http.ResponseWriter, r *http.Request) {
	amount, err := s.store.GetCollateral(r.Context(),
		chi.URLParam(r, "accountID"), chi.URLParam(r, "collateralType"))
	if err != nil {
		writeError(w, "failed to get collateral", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"amount": amount})
}

// GetMargins handles GET /api/v1/margins/{accountID}
func (s *Service) GetMargins(w http.ResponseWriter, r *http.Request) {
	summary, err := s.Margins(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// GetOpenPosition handles GET /api/v1/positions/{accountID}/{marketID}
func (s *Service) GetOpenPosition(w http.ResponseWriter, r *http.Request) {
	pos, err := s.OpenPosition(r.Context(),
		chi.URLParam(r, "accountID"), chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// SetPrice handles POST /api/v1/oracle/prices. Only available when the
// engine runs against the static price feed.
func (s *Service) SetPrice(w http.ResponseWriter, r *http.Request) {
	feed, ok := s.prices.(*oracle.StaticFeed)
	if !ok {
		writeError(w, "price feed is not writable", http.StatusNotImplemented)
		return
	}

	var req SetPriceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !req.Price.IsPositive() {
		writeError(w, "price must be positive", http.StatusBadRequest)
		return
	}

	switch {
	case req.MarketID != "" && req.CollateralType == "":
		feed.SetIndexPrice(req.MarketID, req.Price)
	case req.CollateralType != "" && req.MarketID == "":
		feed.SetCollateralPrice(req.CollateralType, req.Price)
	default:
		writeError(w, "set exactly one of market_id or collateral_type", http.StatusBadRequest)
		return
	}

	slog.Info("oracle price set",
		"market", req.MarketID,
		"collateral_type", req.CollateralType,
		"price", req.Price.String(),
	)
	w.WriteHeader(http.StatusNoContent)
}

// Health handles GET /health
func (s *Service) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusFor maps pipeline sentinels to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidAccount),
		errors.Is(err, ErrInvalidMarket),
		errors.Is(err, ErrInvalidStrategy),
		errors.Is(err, ErrNoPendingOrder),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, ErrZeroSizeDelta),
		errors.Is(err, ErrUnknownCollateral):
		return http.StatusBadRequest
	case errors.Is(err, ErrInsufficientMargin),
		errors.Is(err, ErrMarginBelowInitialRequirement),
		errors.Is(err, ErrInsufficientMarginAtSettlement),
		errors.Is(err, ErrInsufficientCollateral),
		errors.Is(err, ErrPendingOrderExists),
		errors.Is(err, ErrSettlementWindowNotElapsed),
		errors.Is(err, ErrSettlementWindowExpired),
		errors.Is(err, ErrPriceDeviationExceeded),
		errors.Is(err, ErrCancellationNotAllowed),
		errors.Is(err, risk.ErrMaxMarketSizeExceeded),
		errors.Is(err, risk.ErrAccountExposureExceeded),
		errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
