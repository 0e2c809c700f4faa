package store

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openpredict/lmsr-engine/internal/engine"
	"github.com/openpredict/lmsr-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Wad amounts are stored as NUMERIC for exact precision and scanned as
// TEXT; option and free-entry sub-state travels as JSONB.
type PostgresStore struct {
	pool   *pgxpool.Pool
	payout *big.Int
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool, payoutPerShare *big.Int) *PostgresStore {
	return &PostgresStore{pool: pool, payout: new(big.Int).Set(payoutPerShare)}
}

// bigFromText parses a NUMERIC::TEXT column into a wad.
func bigFromText(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return new(big.Int)
	}
	return n
}

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	options, err := json.Marshal(m.Options)
	if err != nil {
		return err
	}
	var freeEntry []byte
	if m.FreeEntry != nil {
		if freeEntry, err = json.Marshal(m.FreeEntry); err != nil {
			return err
		}
	}

	var refundPool *string
	if m.RefundPool != nil {
		v := m.RefundPool.String()
		refundPool = &v
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO markets (id, question_ref, creator_id, kind, state, options,
		                      b, user_liquidity, admin_initial_liquidity, refund_pool,
		                      validated, early_resolution_allowed, end_time,
		                      winning_option, invalidation_reason, free_entry, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6,
		         $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC,
		         $11, $12, $13, $14, $15, $16, $17)`,
		m.ID, m.QuestionRef, m.CreatorID, string(m.Kind), string(m.State), options,
		m.B.String(), m.UserLiquidity.String(), m.AdminInitialLiquidity.String(), refundPool,
		m.Validated, m.EarlyResolutionAllowed, m.EndTime,
		m.WinningOption, m.InvalidationReason, freeEntry, m.CreatedAt,
	)
	return err
}

const marketColumns = `id, question_ref, creator_id, kind, state, options,
	b::TEXT, user_liquidity::TEXT, admin_initial_liquidity::TEXT, refund_pool::TEXT,
	validated, early_resolution_allowed, end_time,
	winning_option, invalidation_reason, free_entry, created_at`

// marketRow abstracts pgx.Row/pgx.Rows for scanning.
type marketRow interface {
	Scan(dest ...interface{}) error
}

func scanMarket(row marketRow) (*model.Market, error) {
	var m model.Market
	var kind, state, b, userLiq, adminLiq string
	var refundPool, reason *string
	var options []byte
	var freeEntry []byte

	if err := row.Scan(&m.ID, &m.QuestionRef, &m.CreatorID, &kind, &state, &options,
		&b, &userLiq, &adminLiq, &refundPool,
		&m.Validated, &m.EarlyResolutionAllowed, &m.EndTime,
		&m.WinningOption, &reason, &freeEntry, &m.CreatedAt); err != nil {
		return nil, err
	}

	m.Kind = model.MarketKind(kind)
	m.State = model.MarketState(state)
	m.B = bigFromText(b)
	m.UserLiquidity = bigFromText(userLiq)
	m.AdminInitialLiquidity = bigFromText(adminLiq)
	if refundPool != nil {
		m.RefundPool = bigFromText(*refundPool)
	}
	if reason != nil {
		m.InvalidationReason = *reason
	}
	if err := json.Unmarshal(options, &m.Options); err != nil {
		return nil, fmt.Errorf("decode options for market %s: %w", m.ID, err)
	}
	if len(freeEntry) > 0 {
		m.FreeEntry = &model.FreeEntryConfig{}
		if err := json.Unmarshal(freeEntry, m.FreeEntry); err != nil {
			return nil, fmt.Errorf("decode free-entry config for market %s: %w", m.ID, err)
		}
	}
	return &m, nil
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+marketColumns+` FROM markets WHERE id = $1`, id)
	m, err := scanMarket(row)
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}
	return m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+marketColumns+` FROM markets ORDER BY created_at DESC`)
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

func (s *PostgresStore) UpdateMarket(ctx context.Context, m *model.Market) error {
	options, err := json.Marshal(m.Options)
	if err != nil {
		return err
	}
	var freeEntry []byte
	if m.FreeEntry != nil {
		if freeEntry, err = json.Marshal(m.FreeEntry); err != nil {
			return err
		}
	}
	var refundPool *string
	if m.RefundPool != nil {
		v := m.RefundPool.String()
		refundPool = &v
	}

	_, err = s.pool.Exec(ctx,
		`UPDATE markets
		 SET state = $2, options = $3,
		     user_liquidity = $4::NUMERIC, admin_initial_liquidity = $5::NUMERIC,
		     refund_pool = $6::NUMERIC, validated = $7,
		     winning_option = $8, invalidation_reason = $9, free_entry = $10
		 WHERE id = $1`,
		m.ID, string(m.State), options,
		m.UserLiquidity.String(), m.AdminInitialLiquidity.String(),
		refundPool, m.Validated,
		m.WinningOption, m.InvalidationReason, freeEntry,
	)
	return err
}

func (s *PostgresStore) InsertTrade(ctx context.Context, t *model.TradeRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trade_records (id, market_id, user_id, option_index, side,
		                            quantity, price, marginal_price, raw_amount, fee, total, timestamp)
		 VALUES ($1, $2, $3, $4, $5,
		         $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12)`,
		t.ID, t.MarketID, t.UserID, t.Option, t.Side,
		t.Quantity.String(), t.Price.String(), t.MarginalPrice.String(),
		t.RawAmount.String(), t.Fee.String(), t.Total.String(), t.Timestamp,
	)
	return err
}

const tradeColumns = `id, market_id, user_id, option_index, side,
	quantity::TEXT, price::TEXT, marginal_price::TEXT,
	raw_amount::TEXT, fee::TEXT, total::TEXT, timestamp`

// tradeRows abstracts pgx rows for scanning trade records.
type tradeRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanTrades(rows tradeRows) ([]model.TradeRecord, error) {
	var trades []model.TradeRecord
	for rows.Next() {
		var t model.TradeRecord
		var qty, price, marginal, raw, fee, total string
		if err := rows.Scan(&t.ID, &t.MarketID, &t.UserID, &t.Option, &t.Side,
			&qty, &price, &marginal, &raw, &fee, &total, &t.Timestamp); err != nil {
			return nil, err
		}
		t.Quantity = bigFromText(qty)
		t.Price = bigFromText(price)
		t.MarginalPrice = bigFromText(marginal)
		t.RawAmount = bigFromText(raw)
		t.Fee = bigFromText(fee)
		t.Total = bigFromText(total)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) TradesByMarket(ctx context.Context, marketID string) ([]model.TradeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trade_records WHERE market_id = $1 ORDER BY timestamp, id`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrades(rows)
}

func (s *PostgresStore) TradesByUser(ctx context.Context, userID string) ([]model.TradeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trade_records WHERE user_id = $1 ORDER BY timestamp, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrades(rows)
}

func (s *PostgresStore) InsertClaim(ctx context.Context, c *model.ClaimRecord) error {
	// UNIQUE (market_id, user_id) backs claim idempotence at the storage
	// layer as well.
	_, err := s.pool.Exec(ctx,
		`INSERT INTO claim_records (id, market_id, user_id, payout, timestamp)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5)`,
		c.ID, c.MarketID, c.UserID, c.Payout.String(), c.Timestamp,
	)
	return err
}

func (s *PostgresStore) HasClaimed(ctx context.Context, marketID, userID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM claim_records WHERE market_id = $1 AND user_id = $2)`,
		marketID, userID).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) ClaimsByUser(ctx context.Context, userID string) ([]model.ClaimRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, market_id, user_id, payout::TEXT, timestamp
		 FROM claim_records WHERE user_id = $1 ORDER BY timestamp, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claims []model.ClaimRecord
	for rows.Next() {
		var c model.ClaimRecord
		var payout string
		if err := rows.Scan(&c.ID, &c.MarketID, &c.UserID, &payout, &c.Timestamp); err != nil {
			return nil, err
		}
		c.Payout = bigFromText(payout)
		claims = append(claims, c)
	}
	return claims, rows.Err()
}

// marketsFor loads the markets referenced by a set of ledger records.
func (s *PostgresStore) marketsFor(ctx context.Context, ids map[string]bool) (map[string]*model.Market, error) {
	markets := make(map[string]*model.Market, len(ids))
	for id := range ids {
		m, err := s.GetMarket(ctx, id)
		if err != nil {
			return nil, err
		}
		markets[id] = m
	}
	return markets, nil
}

func (s *PostgresStore) MarketPositions(ctx context.Context, marketID, userID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trade_records
		 WHERE market_id = $1 AND user_id = $2 ORDER BY timestamp, id`, marketID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	trades, err := scanTrades(rows)
	if err != nil {
		return nil, err
	}
	if len(trades) == 0 {
		return nil, nil
	}
	markets, err := s.marketsFor(ctx, map[string]bool{marketID: true})
	if err != nil {
		return nil, err
	}
	return engine.ProjectPositions(userID, trades, nil, markets, s.payout), nil
}

func (s *PostgresStore) TotalCostBasis(ctx context.Context, marketID string) (*big.Int, error) {
	trades, err := s.TradesByMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if len(trades) == 0 {
		return new(big.Int), nil
	}
	markets, err := s.marketsFor(ctx, map[string]bool{marketID: true})
	if err != nil {
		return nil, err
	}

	byUser := make(map[string][]model.TradeRecord)
	for _, t := range trades {
		byUser[t.UserID] = append(byUser[t.UserID], t)
	}

	total := new(big.Int)
	for userID, userTrades := range byUser {
		for _, p := range engine.ProjectPositions(userID, userTrades, nil, markets, s.payout) {
			total.Add(total, p.CostBasis)
		}
	}
	return total, nil
}

func (s *PostgresStore) userLedgers(ctx context.Context, userID string) ([]model.TradeRecord, []model.ClaimRecord, map[string]*model.Market, error) {
	trades, err := s.TradesByUser(ctx, userID)
	if err != nil {
		return nil, nil, nil, err
	}
	claims, err := s.ClaimsByUser(ctx, userID)
	if err != nil {
		return nil, nil, nil, err
	}

	ids := make(map[string]bool)
	for _, t := range trades {
		ids[t.MarketID] = true
	}
	for _, c := range claims {
		ids[c.MarketID] = true
	}
	markets, err := s.marketsFor(ctx, ids)
	if err != nil {
		return nil, nil, nil, err
	}
	return trades, claims, markets, nil
}

func (s *PostgresStore) UserPositions(ctx context.Context, userID string) ([]model.Position, error) {
	trades, claims, markets, err := s.userLedgers(ctx, userID)
	if err != nil {
		return nil, err
	}
	return engine.ProjectPositions(userID, trades, claims, markets, s.payout), nil
}

func (s *PostgresStore) UserPortfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	trades, claims, markets, err := s.userLedgers(ctx, userID)
	if err != nil {
		return nil, err
	}
	positions := engine.ProjectPositions(userID, trades, claims, markets, s.payout)
	return engine.ProjectPortfolio(userID, positions, trades, claims, markets), nil
}
