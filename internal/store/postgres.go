package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/agent-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const schema = `
CREATE TABLE IF NOT EXISTS positions (
	user_id         TEXT        NOT NULL,
	market_id       TEXT        NOT NULL,
	outcome         TEXT        NOT NULL,
	shares          NUMERIC     NOT NULL DEFAULT 0,
	avg_entry_price NUMERIC     NOT NULL DEFAULT 0,
	exposure        NUMERIC     NOT NULL DEFAULT 0,
	version         BIGINT      NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (user_id, market_id, outcome)
);

CREATE TABLE IF NOT EXISTS trade_records (
	trade_id   TEXT        PRIMARY KEY,
	user_id    TEXT        NOT NULL,
	agent_id   TEXT        NOT NULL,
	market_id  TEXT        NOT NULL,
	outcome    TEXT        NOT NULL,
	side       TEXT        NOT NULL,
	amount     NUMERIC     NOT NULL,
	price      NUMERIC     NOT NULL,
	tx_id      TEXT        NOT NULL UNIQUE,
	status     TEXT        NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trade_records_user ON trade_records (user_id, created_at);

CREATE TABLE IF NOT EXISTS user_cooldowns (
	user_id       TEXT        PRIMARY KEY,
	last_trade_at TIMESTAMPTZ NOT NULL
);
`

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

const positionColumns = `user_id, market_id, outcome,
	shares::TEXT, avg_entry_price::TEXT, exposure::TEXT,
	version, updated_at`

func (s *PostgresStore) GetPosition(ctx context.Context, key model.PositionKey) (*model.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+`
		 FROM positions WHERE user_id = $1 AND market_id = $2 AND outcome = $3`,
		key.UserID, key.MarketID, key.Outcome)

	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", key, err)
	}
	return p, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+`
		 FROM positions WHERE user_id = $1 ORDER BY market_id, outcome`, userID)
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

func (s *PostgresStore) ListOpenPositions(ctx context.Context, userID string) ([]model.Position, error) {
	positions, err := s.ListPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	return openOnly(positions), nil
}

// CommitFill runs in one transaction: the trade insert is guarded by the
// tx_id unique constraint and the position write by its version column.
func (s *PostgresStore) CommitFill(ctx context.Context, pos *model.Position, expectedVersion int64, rec *model.TradeRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`INSERT INTO trade_records (trade_id, user_id, agent_id, market_id, outcome, side,
		                            amount, price, tx_id, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9, $10, $11)
		 ON CONFLICT (tx_id) DO NOTHING`,
		rec.TradeID, rec.UserID, rec.AgentID, rec.MarketID, rec.Outcome, string(rec.Side),
		rec.Amount.String(), rec.Price.String(), rec.TxID, string(rec.Status), rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert trade record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateTx
	}

	next := expectedVersion + 1
	if expectedVersion == 0 {
		tag, err = tx.Exec(ctx,
			`INSERT INTO positions (user_id, market_id, outcome, shares, avg_entry_price, exposure, version, updated_at)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8)
			 ON CONFLICT (user_id, market_id, outcome) DO NOTHING`,
			pos.UserID, pos.MarketID, pos.Outcome,
			pos.Shares.String(), pos.AvgEntryPrice.String(), pos.Exposure.String(),
			next, pos.UpdatedAt,
		)
	} else {
		tag, err = tx.Exec(ctx,
			`UPDATE positions
			 SET shares = $4::NUMERIC, avg_entry_price = $5::NUMERIC, exposure = $6::NUMERIC,
			     version = $7, updated_at = $8
			 WHERE user_id = $1 AND market_id = $2 AND outcome = $3 AND version = $9`,
			pos.UserID, pos.MarketID, pos.Outcome,
			pos.Shares.String(), pos.AvgEntryPrice.String(), pos.Exposure.String(),
			next, pos.UpdatedAt, expectedVersion,
		)
	}
	if err != nil {
		return fmt.Errorf("write position %s: %w", pos.Key(), err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit fill: %w", err)
	}
	pos.Version = next
	return nil
}

const tradeColumns = `trade_id, user_id, agent_id, market_id, outcome, side,
	amount::TEXT, price::TEXT, tx_id, status, created_at`

func (s *PostgresStore) TradeByTxID(ctx context.Context, txID string) (*model.TradeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trade_records WHERE tx_id = $1`, txID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	trades, err := scanTradeRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(trades) == 0 {
		return nil, ErrNotFound
	}
	return &trades[0], nil
}

func (s *PostgresStore) ListTrades(ctx context.Context, userID string) ([]model.TradeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trade_records WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTradeRecords(rows)
}

func (s *PostgresStore) MarketExposure(ctx context.Context, userID, marketID string) (decimal.Decimal, error) {
	return s.sumExposure(ctx,
		`SELECT COALESCE(SUM(exposure), 0)::TEXT FROM positions WHERE user_id = $1 AND market_id = $2`,
		userID, marketID)
}

func (s *PostgresStore) TotalExposure(ctx context.Context, userID string) (decimal.Decimal, error) {
	return s.sumExposure(ctx,
		`SELECT COALESCE(SUM(exposure), 0)::TEXT FROM positions WHERE user_id = $1`,
		userID)
}

func (s *PostgresStore) sumExposure(ctx context.Context, query string, args ...any) (decimal.Decimal, error) {
	var sumS string
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&sumS); err != nil {
		return decimal.Zero, fmt.Errorf("sum exposure: %w", err)
	}
	sum, err := decimal.NewFromString(sumS)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse exposure %q: %w", sumS, err)
	}
	return sum, nil
}

func (s *PostgresStore) LastTradeAt(ctx context.Context, userID string) (time.Time, bool, error) {
	var t time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT last_trade_at FROM user_cooldowns WHERE user_id = $1`, userID).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get cooldown %s: %w", userID, err)
	}
	return t, true, nil
}

func (s *PostgresStore) SetLastTradeAt(ctx context.Context, userID string, t time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_cooldowns (user_id, last_trade_at) VALUES ($1, $2)
		 ON CONFLICT (user_id) DO UPDATE SET last_trade_at = EXCLUDED.last_trade_at`,
		userID, t)
	return err
}

// pgxRow is satisfied by both pgx.Row and pgx.Rows.
type pgxRow interface {
	Scan(dest ...interface{}) error
}

func scanPosition(row pgxRow) (*model.Position, error) {
	var p model.Position
	var sharesS, avgS, expS string

	if err := row.Scan(&p.UserID, &p.MarketID, &p.Outcome,
		&sharesS, &avgS, &expS, &p.Version, &p.UpdatedAt); err != nil {
		return nil, err
	}

	p.Shares, _ = decimal.NewFromString(sharesS)
	p.AvgEntryPrice, _ = decimal.NewFromString(avgS)
	p.Exposure, _ = decimal.NewFromString(expS)
	return &p, nil
}

// scanTradeRecords reads pgx rows into TradeRecord slices.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanTradeRecords(rows pgxRows) ([]model.TradeRecord, error) {
	var trades []model.TradeRecord
	for rows.Next() {
		var t model.TradeRecord
		var side, status, amountS, priceS string

		if err := rows.Scan(&t.TradeID, &t.UserID, &t.AgentID, &t.MarketID, &t.Outcome, &side,
			&amountS, &priceS, &t.TxID, &status, &t.CreatedAt); err != nil {
			return nil, err
		}

		t.Side = model.Side(side)
		t.Status = model.TradeStatus(status)
		t.Amount, _ = decimal.NewFromString(amountS)
		t.Price, _ = decimal.NewFromString(priceS)

		trades = append(trades, t)
	}
	return trades, rows.Err()
}
