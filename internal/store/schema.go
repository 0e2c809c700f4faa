package store

import "context"

// schemaDDL creates the engine's tables. Wad amounts are NUMERIC(78,0):
// wide enough for any value the fixed-point layer can produce. The claim
// uniqueness constraint backs idempotent settlement at the storage layer.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS markets (
	id                       TEXT PRIMARY KEY,
	question_ref             TEXT NOT NULL,
	creator_id               TEXT NOT NULL,
	kind                     TEXT NOT NULL,
	state                    TEXT NOT NULL,
	options                  JSONB NOT NULL,
	b                        NUMERIC(78,0) NOT NULL,
	user_liquidity           NUMERIC(78,0) NOT NULL,
	admin_initial_liquidity  NUMERIC(78,0) NOT NULL,
	refund_pool              NUMERIC(78,0),
	validated                BOOLEAN NOT NULL DEFAULT FALSE,
	early_resolution_allowed BOOLEAN NOT NULL DEFAULT FALSE,
	end_time                 TIMESTAMPTZ NOT NULL,
	winning_option           INTEGER NOT NULL DEFAULT -1,
	invalidation_reason      TEXT,
	free_entry               JSONB,
	created_at               TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_markets_state ON markets(state);
CREATE INDEX IF NOT EXISTS idx_markets_created ON markets(created_at);

CREATE TABLE IF NOT EXISTS trade_records (
	id             TEXT PRIMARY KEY,
	market_id      TEXT NOT NULL REFERENCES markets(id),
	user_id        TEXT NOT NULL,
	option_index   INTEGER NOT NULL,
	side           TEXT NOT NULL,
	quantity       NUMERIC(78,0) NOT NULL,
	price          NUMERIC(78,0) NOT NULL,
	marginal_price NUMERIC(78,0) NOT NULL,
	raw_amount     NUMERIC(78,0) NOT NULL,
	fee            NUMERIC(78,0) NOT NULL,
	total          NUMERIC(78,0) NOT NULL,
	timestamp      TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trades_market ON trade_records(market_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_trades_user ON trade_records(user_id, timestamp);

CREATE TABLE IF NOT EXISTS claim_records (
	id        TEXT PRIMARY KEY,
	market_id TEXT NOT NULL REFERENCES markets(id),
	user_id   TEXT NOT NULL,
	payout    NUMERIC(78,0) NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL,
	UNIQUE (market_id, user_id)
);

CREATE INDEX IF NOT EXISTS idx_claims_user ON claim_records(user_id, timestamp);
`

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaDDL)
	return err
}
