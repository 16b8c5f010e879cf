package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision;
// settlement batches run inside a single transaction.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const marketColumns = `id, symbol,
	max_size::TEXT, initial_margin_fraction::TEXT, maint_margin_fraction::TEXT,
	liquidation_buffer::TEXT, min_margin::TEXT,
	maker_fee_rate::TEXT, taker_fee_rate::TEXT, skew_scale::TEXT,
	skew::TEXT, funding_rate_per_second::TEXT, funding_accumulator::TEXT,
	funding_updated_at, strategies, created_at`

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	strategies, err := json.Marshal(m.Strategies)
	if err != nil {
		return fmt.Errorf("marshal strategies: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO markets (id, symbol,
			max_size, initial_margin_fraction, maint_margin_fraction,
			liquidation_buffer, min_margin,
			maker_fee_rate, taker_fee_rate, skew_scale,
			skew, funding_rate_per_second, funding_accumulator,
			funding_updated_at, strategies, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC,
		         $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12::NUMERIC, $13::NUMERIC,
		         $14, $15, $16)`,
		m.ID, m.Symbol,
		m.MaxSize.String(), m.InitialMarginFraction.String(), m.MaintMarginFraction.String(),
		m.LiquidationBuffer.String(), m.MinMargin.String(),
		m.MakerFeeRate.String(), m.TakerFeeRate.String(), m.SkewScale.String(),
		m.Skew.String(), m.FundingRatePerSecond.String(), m.FundingAccumulator.String(),
		m.FundingUpdatedAt, strategies, m.CreatedAt,
	)
	return err
}

func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	var maxSize, imf, mmf, liqBuf, minMargin string
	var makerRate, takerRate, skewScale, skew, fundingRate, fundingAcc string
	var strategies []byte

	err := row.Scan(&m.ID, &m.Symbol,
		&maxSize, &imf, &mmf, &liqBuf, &minMargin,
		&makerRate, &takerRate, &skewScale,
		&skew, &fundingRate, &fundingAcc,
		&m.FundingUpdatedAt, &strategies, &m.CreatedAt)
	if err != nil {
		return nil, err
	}

	m.MaxSize, _ = decimal.NewFromString(maxSize)
	m.InitialMarginFraction, _ = decimal.NewFromString(imf)
	m.MaintMarginFraction, _ = decimal.NewFromString(mmf)
	m.LiquidationBuffer, _ = decimal.NewFromString(liqBuf)
	m.MinMargin, _ = decimal.NewFromString(minMargin)
	m.MakerFeeRate, _ = decimal.NewFromString(makerRate)
	m.TakerFeeRate, _ = decimal.NewFromString(takerRate)
	m.SkewScale, _ = decimal.NewFromString(skewScale)
	m.Skew, _ = decimal.NewFromString(skew)
	m.FundingRatePerSecond, _ = decimal.NewFromString(fundingRate)
	m.FundingAccumulator, _ = decimal.NewFromString(fundingAcc)

	if err := json.Unmarshal(strategies, &m.Strategies); err != nil {
		return nil, fmt.Errorf("unmarshal strategies: %w", err)
	}
	return &m, nil
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	m, err := scanMarket(s.pool.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: market %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}
	return m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketColumns+` FROM markets ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) GetCollateral(ctx context.Context, accountID, collateralType string) (decimal.Decimal, error) {
	var amount string
	err := s.pool.QueryRow(ctx,
		`SELECT amount::TEXT FROM collateral_balances
		 WHERE account_id = $1 AND collateral_type = $2`,
		accountID, collateralType).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}

	d, _ := decimal.NewFromString(amount)
	return d, nil
}

func (s *PostgresStore) ListCollateral(ctx context.Context, accountID string) ([]model.CollateralBalance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT account_id, collateral_type, amount::TEXT
		 FROM collateral_balances
		 WHERE account_id = $1 AND amount <> 0`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var balances []model.CollateralBalance
	for rows.Next() {
		var b model.CollateralBalance
		var amount string
		if err := rows.Scan(&b.AccountID, &b.CollateralType, &amount); err != nil {
			return nil, err
		}
		b.Amount, _ = decimal.NewFromString(amount)
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

func (s *PostgresStore) AdjustCollateral(ctx context.Context, accountID, collateralType string, delta decimal.Decimal) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := adjustCollateralTx(ctx, tx, accountID, collateralType, delta); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// adjustCollateralTx locks the balance row, applies the delta, and rejects
// negative results. The row is created on first touch.
func adjustCollateralTx(ctx context.Context, tx pgx.Tx, accountID, collateralType string, delta decimal.Decimal) error {
	var current string
	err := tx.QueryRow(ctx,
		`SELECT amount::TEXT FROM collateral_balances
		 WHERE account_id = $1 AND collateral_type = $2 FOR UPDATE`,
		accountID, collateralType).Scan(&current)

	amount := decimal.Zero
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// First touch: insert below.
	case err != nil:
		return err
	default:
		amount, _ = decimal.NewFromString(current)
	}

	next := amount.Add(delta)
	if next.IsNegative() {
		return fmt.Errorf("%w: account %s type %s", ErrInsufficientBalance, accountID, collateralType)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO collateral_balances (account_id, collateral_type, amount)
		 VALUES ($1, $2, $3::NUMERIC)
		 ON CONFLICT (account_id, collateral_type)
		 DO UPDATE SET amount = $3::NUMERIC`,
		accountID, collateralType, next.String())
	return err
}

const positionColumns = `account_id, market_id, size::TEXT, last_interaction_price::TEXT, funding_snapshot::TEXT, updated_at`

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var size, price, snapshot string

	if err := row.Scan(&p.AccountID, &p.MarketID, &size, &price, &snapshot, &p.UpdatedAt); err != nil {
		return nil, err
	}

	p.Size, _ = decimal.NewFromString(size)
	p.LastInteractionPrice, _ = decimal.NewFromString(price)
	p.FundingSnapshot, _ = decimal.NewFromString(snapshot)
	return &p, nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, accountID, marketID string) (*model.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE account_id = $1 AND market_id = $2`, accountID, marketID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: position %s/%s", ErrNotFound, accountID, marketID)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE account_id = $1`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

const orderColumns = `account_id, market_id, size_delta::TEXT, settlement_strategy_id,
	acceptable_price::TEXT, settlement_time, expiration_time, reserved_reward::TEXT,
	tracking_code, referrer, committed_at`

func scanOrder(row pgx.Row) (*model.PendingOrder, error) {
	var o model.PendingOrder
	var sizeDelta, acceptable, reward string

	if err := row.Scan(&o.AccountID, &o.MarketID, &sizeDelta, &o.SettlementStrategyID,
		&acceptable, &o.SettlementTime, &o.ExpirationTime, &reward,
		&o.TrackingCode, &o.Referrer, &o.CommittedAt); err != nil {
		return nil, err
	}

	o.SizeDelta, _ = decimal.NewFromString(sizeDelta)
	o.AcceptablePrice, _ = decimal.NewFromString(acceptable)
	o.ReservedReward, _ = decimal.NewFromString(reward)
	return &o, nil
}

func (s *PostgresStore) GetPendingOrder(ctx context.Context, accountID, marketID string) (*model.PendingOrder, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM pending_orders
		 WHERE account_id = $1 AND market_id = $2`, accountID, marketID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: pending order %s/%s", ErrNotFound, accountID, marketID)
	}
	if err != nil {
		return nil, err
	}
	return o, nil
}

func (s *PostgresStore) PutPendingOrder(ctx context.Context, o *model.PendingOrder) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO pending_orders (account_id, market_id, size_delta, settlement_strategy_id,
			acceptable_price, settlement_time, expiration_time, reserved_reward,
			tracking_code, referrer, committed_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5::NUMERIC, $6, $7, $8::NUMERIC, $9, $10, $11)
		 ON CONFLICT (account_id, market_id) DO NOTHING`,
		o.AccountID, o.MarketID, o.SizeDelta.String(), o.SettlementStrategyID,
		o.AcceptablePrice.String(), o.SettlementTime, o.ExpirationTime, o.ReservedReward.String(),
		o.TrackingCode, o.Referrer, o.CommittedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: pending order %s/%s", ErrDuplicate, o.AccountID, o.MarketID)
	}
	return nil
}

func (s *PostgresStore) DeletePendingOrder(ctx context.Context, accountID, marketID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM pending_orders WHERE account_id = $1 AND market_id = $2`,
		accountID, marketID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: pending order %s/%s", ErrNotFound, accountID, marketID)
	}
	return nil
}

func (s *PostgresStore) ListPendingOrders(ctx context.Context, accountID string) ([]model.PendingOrder, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM pending_orders WHERE account_id = $1`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.PendingOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// ApplySettlement runs the full transition in one transaction so a failure
// anywhere rolls back everything.
func (s *PostgresStore) ApplySettlement(ctx context.Context, st *model.Settlement) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, cd := range st.Collateral {
		if err := adjustCollateralTx(ctx, tx, cd.AccountID, cd.CollateralType, cd.Delta); err != nil {
			return err
		}
	}

	if st.Position == nil {
		if _, err := tx.Exec(ctx,
			`DELETE FROM positions WHERE account_id = $1 AND market_id = $2`,
			st.AccountID, st.MarketID); err != nil {
			return err
		}
	} else {
		p := st.Position
		if _, err := tx.Exec(ctx,
			`INSERT INTO positions (account_id, market_id, size, last_interaction_price, funding_snapshot, updated_at)
			 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6)
			 ON CONFLICT (account_id, market_id)
			 DO UPDATE SET size = $3::NUMERIC, last_interaction_price = $4::NUMERIC,
			               funding_snapshot = $5::NUMERIC, updated_at = $6`,
			p.AccountID, p.MarketID, p.Size.String(), p.LastInteractionPrice.String(),
			p.FundingSnapshot.String(), p.UpdatedAt); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE markets
		 SET skew = skew + $2::NUMERIC, funding_accumulator = $3::NUMERIC, funding_updated_at = $4
		 WHERE id = $1`,
		st.MarketID, st.SkewDelta.String(), st.FundingAccumulator.String(), st.FundingUpdatedAt); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM pending_orders WHERE account_id = $1 AND market_id = $2`,
		st.AccountID, st.MarketID); err != nil {
		return err
	}

	return tx.Commit(ctx)
}
