package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/foliosim/paper-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC; the shopspring decimal codec
// is registered on every connection so values scan without loss.
//
// InTx uses SERIALIZABLE transactions with FOR UPDATE reads: two concurrent
// settlements on the same account never interleave: one observes the
// other's committed state or fails to commit.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPool opens a pgx pool with the decimal codec registered.
func NewPool(ctx context.Context, dbURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	config.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id              TEXT PRIMARY KEY,
	initial_credits NUMERIC NOT NULL,
	cash            NUMERIC NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS orders (
	id             TEXT PRIMARY KEY,
	account_id     TEXT NOT NULL REFERENCES accounts(id),
	symbol         TEXT NOT NULL,
	side           TEXT NOT NULL,
	quantity       NUMERIC NOT NULL,
	price          NUMERIC NOT NULL,
	type           TEXT NOT NULL,
	source         TEXT NOT NULL DEFAULT '',
	conditional_id TEXT NOT NULL DEFAULT '',
	ts             TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS orders_account_ts ON orders (account_id, ts);
CREATE TABLE IF NOT EXISTS positions (
	account_id TEXT NOT NULL REFERENCES accounts(id),
	symbol     TEXT NOT NULL,
	quantity   NUMERIC NOT NULL,
	avg_price  NUMERIC NOT NULL,
	lots       JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (account_id, symbol)
);
CREATE TABLE IF NOT EXISTS currency_balances (
	account_id TEXT NOT NULL REFERENCES accounts(id),
	currency   TEXT NOT NULL,
	amount     NUMERIC NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (account_id, currency)
);
CREATE TABLE IF NOT EXISTS conditional_orders (
	id            TEXT PRIMARY KEY,
	account_id    TEXT NOT NULL REFERENCES accounts(id),
	symbol        TEXT NOT NULL,
	side          TEXT NOT NULL,
	quantity      NUMERIC NOT NULL,
	trigger_price NUMERIC NOT NULL,
	trigger_type  TEXT NOT NULL,
	status        TEXT NOT NULL,
	fill_price    NUMERIC NOT NULL DEFAULT 0,
	last_error    TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL,
	executing_at  TIMESTAMPTZ,
	triggered_at  TIMESTAMPTZ,
	cancelled_at  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS conditional_status ON conditional_orders (status, symbol);
CREATE TABLE IF NOT EXISTS wealth_snapshots (
	id         TEXT PRIMARY KEY,
	account_id TEXT NOT NULL REFERENCES accounts(id),
	cash       NUMERIC NOT NULL,
	stocks     NUMERIC NOT NULL,
	total      NUMERIC NOT NULL,
	type       TEXT NOT NULL,
	source     TEXT NOT NULL DEFAULT '',
	ts         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS snapshots_account_type_ts ON wealth_snapshots (account_id, type, ts);
CREATE TABLE IF NOT EXISTS user_stats (
	account_id     TEXT PRIMARY KEY REFERENCES accounts(id),
	trade_count    INT NOT NULL,
	realized_pnl   NUMERIC NOT NULL,
	unrealized_pnl NUMERIC NOT NULL,
	pnl            NUMERIC NOT NULL,
	roi            NUMERIC NOT NULL,
	wins           INT NOT NULL,
	losses         INT NOT NULL,
	closed_trades  INT NOT NULL,
	win_rate       NUMERIC NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
);
`

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// pgTx adapts a pgx transaction to the Tx interface.
type pgTx struct {
	tx pgx.Tx
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (t *pgTx) Account(ctx context.Context, id string) (*model.Account, error) {
	var a model.Account
	err := t.tx.QueryRow(ctx,
		`SELECT id, initial_credits, cash, created_at FROM accounts WHERE id = $1 FOR UPDATE`, id).
		Scan(&a.ID, &a.InitialCredits, &a.Cash, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, err)
	}
	return &a, nil
}

func (t *pgTx) SaveAccountCash(ctx context.Context, id string, cash decimal.Decimal) error {
	ct, err := t.tx.Exec(ctx, `UPDATE accounts SET cash = $2 WHERE id = $1`, id, cash)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) Position(ctx context.Context, accountID, symbol string) (*model.Position, error) {
	var p model.Position
	var lots []byte
	err := t.tx.QueryRow(ctx,
		`SELECT account_id, symbol, quantity, avg_price, lots, updated_at
		 FROM positions WHERE account_id = $1 AND symbol = $2 FOR UPDATE`,
		accountID, symbol).
		Scan(&p.AccountID, &p.Symbol, &p.Quantity, &p.AvgPrice, &lots, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &model.Position{AccountID: accountID, Symbol: symbol}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s/%s: %w", accountID, symbol, err)
	}
	if err := json.Unmarshal(lots, &p.Lots); err != nil {
		return nil, fmt.Errorf("decode lots %s/%s: %w", accountID, symbol, err)
	}
	return &p, nil
}

func (t *pgTx) SavePosition(ctx context.Context, p *model.Position) error {
	lots, err := json.Marshal(p.Lots)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx,
		`INSERT INTO positions (account_id, symbol, quantity, avg_price, lots, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (account_id, symbol) DO UPDATE
		 SET quantity = EXCLUDED.quantity, avg_price = EXCLUDED.avg_price,
		     lots = EXCLUDED.lots, updated_at = EXCLUDED.updated_at`,
		p.AccountID, p.Symbol, p.Quantity, p.AvgPrice, lots, p.UpdatedAt)
	return err
}

func (t *pgTx) InsertOrder(ctx context.Context, o *model.Order) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO orders (id, account_id, symbol, side, quantity, price, type, source, conditional_id, ts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		o.ID, o.AccountID, o.Symbol, o.Side, o.Quantity, o.Price, o.Type, o.Source, o.ConditionalID, o.Timestamp)
	return err
}

func (t *pgTx) CurrencyBalance(ctx context.Context, accountID, currency string) (decimal.Decimal, error) {
	var amount decimal.Decimal
	err := t.tx.QueryRow(ctx,
		`SELECT amount FROM currency_balances WHERE account_id = $1 AND currency = $2 FOR UPDATE`,
		accountID, currency).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return amount, nil
}

func (t *pgTx) SaveCurrencyBalance(ctx context.Context, accountID, currency string, amount decimal.Decimal) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO currency_balances (account_id, currency, amount, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (account_id, currency) DO UPDATE
		 SET amount = EXCLUDED.amount, updated_at = EXCLUDED.updated_at`,
		accountID, currency, amount, time.Now().UTC())
	return err
}

func (t *pgTx) ConditionalOrder(ctx context.Context, id string) (*model.ConditionalOrder, error) {
	row := t.tx.QueryRow(ctx, conditionalSelect+` WHERE id = $1 FOR UPDATE`, id)
	return scanConditional(row)
}

func (t *pgTx) SaveConditionalOrder(ctx context.Context, c *model.ConditionalOrder) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO conditional_orders
		 (id, account_id, symbol, side, quantity, trigger_price, trigger_type, status,
		  fill_price, last_error, created_at, updated_at, executing_at, triggered_at, cancelled_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT (id) DO UPDATE
		 SET status = EXCLUDED.status, fill_price = EXCLUDED.fill_price,
		     last_error = EXCLUDED.last_error, updated_at = EXCLUDED.updated_at,
		     executing_at = EXCLUDED.executing_at, triggered_at = EXCLUDED.triggered_at,
		     cancelled_at = EXCLUDED.cancelled_at`,
		c.ID, c.AccountID, c.Symbol, c.Side, c.Quantity, c.TriggerPrice, c.TriggerType, c.Status,
		c.FillPrice, c.LastError, c.CreatedAt, c.UpdatedAt, c.ExecutingAt, c.TriggeredAt, c.CancelledAt)
	return err
}

// --- Non-transactional reads/writes ---

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, initial_credits, cash, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO NOTHING`,
		a.ID, a.InitialCredits, a.Cash, a.CreatedAt)
	return err
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var a model.Account
	err := s.pool.QueryRow(ctx,
		`SELECT id, initial_credits, cash, created_at FROM accounts WHERE id = $1`, id).
		Scan(&a.ID, &a.InitialCredits, &a.Cash, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, err)
	}
	return &a, nil
}

func (s *PostgresStore) AccountIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM accounts ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) OrdersByAccount(ctx context.Context, accountID string) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, symbol, side, quantity, price, type, source, conditional_id, ts
		 FROM orders WHERE account_id = $1 ORDER BY ts`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		var o model.Order
		if err := rows.Scan(&o.ID, &o.AccountID, &o.Symbol, &o.Side, &o.Quantity,
			&o.Price, &o.Type, &o.Source, &o.ConditionalID, &o.Timestamp); err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (s *PostgresStore) PositionsByAccount(ctx context.Context, accountID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT account_id, symbol, quantity, avg_price, lots, updated_at
		 FROM positions WHERE account_id = $1 ORDER BY symbol`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var lots []byte
		if err := rows.Scan(&p.AccountID, &p.Symbol, &p.Quantity, &p.AvgPrice, &lots, &p.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(lots, &p.Lots); err != nil {
			return nil, fmt.Errorf("decode lots %s/%s: %w", accountID, p.Symbol, err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) CurrencyBalances(ctx context.Context, accountID string) ([]model.CurrencyBalance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT account_id, currency, amount, updated_at
		 FROM currency_balances WHERE account_id = $1 ORDER BY currency`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var balances []model.CurrencyBalance
	for rows.Next() {
		var b model.CurrencyBalance
		if err := rows.Scan(&b.AccountID, &b.Currency, &b.Amount, &b.UpdatedAt); err != nil {
			return nil, err
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

const conditionalSelect = `
	SELECT id, account_id, symbol, side, quantity, trigger_price, trigger_type, status,
	       fill_price, last_error, created_at, updated_at, executing_at, triggered_at, cancelled_at
	FROM conditional_orders`

type pgRow interface {
	Scan(dest ...any) error
}

func scanConditional(row pgRow) (*model.ConditionalOrder, error) {
	var c model.ConditionalOrder
	err := row.Scan(&c.ID, &c.AccountID, &c.Symbol, &c.Side, &c.Quantity,
		&c.TriggerPrice, &c.TriggerType, &c.Status, &c.FillPrice, &c.LastError,
		&c.CreatedAt, &c.UpdatedAt, &c.ExecutingAt, &c.TriggeredAt, &c.CancelledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) GetConditionalOrder(ctx context.Context, id string) (*model.ConditionalOrder, error) {
	return scanConditional(s.pool.QueryRow(ctx, conditionalSelect+` WHERE id = $1`, id))
}

func (s *PostgresStore) ConditionalOrdersByAccount(ctx context.Context, accountID string) ([]model.ConditionalOrder, error) {
	rows, err := s.pool.Query(ctx, conditionalSelect+` WHERE account_id = $1 ORDER BY created_at`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectConditionals(rows)
}

func (s *PostgresStore) PendingConditionalOrders(ctx context.Context) ([]model.ConditionalOrder, error) {
	rows, err := s.pool.Query(ctx, conditionalSelect+` WHERE status = $1 ORDER BY created_at`, model.ConditionalPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectConditionals(rows)
}

func collectConditionals(rows pgx.Rows) ([]model.ConditionalOrder, error) {
	var result []model.ConditionalOrder
	for rows.Next() {
		c, err := scanConditional(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *c)
	}
	return result, rows.Err()
}

func (s *PostgresStore) InsertSnapshot(ctx context.Context, snap *model.WealthSnapshot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO wealth_snapshots (id, account_id, cash, stocks, total, type, source, ts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		snap.ID, snap.AccountID, snap.Cash, snap.Stocks, snap.Total, snap.Type, snap.Source, snap.Timestamp)
	return err
}

func (s *PostgresStore) LatestSnapshot(ctx context.Context, accountID, snapType string) (*model.WealthSnapshot, error) {
	var snap model.WealthSnapshot
	err := s.pool.QueryRow(ctx,
		`SELECT id, account_id, cash, stocks, total, type, source, ts
		 FROM wealth_snapshots WHERE account_id = $1 AND type = $2
		 ORDER BY ts DESC LIMIT 1`, accountID, snapType).
		Scan(&snap.ID, &snap.AccountID, &snap.Cash, &snap.Stocks, &snap.Total,
			&snap.Type, &snap.Source, &snap.Timestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *PostgresStore) SnapshotsByAccount(ctx context.Context, accountID string, from, to time.Time) ([]model.WealthSnapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, cash, stocks, total, type, source, ts
		 FROM wealth_snapshots
		 WHERE account_id = $1
		   AND ($2::timestamptz IS NULL OR ts >= $2)
		   AND ($3::timestamptz IS NULL OR ts <= $3)
		 ORDER BY ts`, accountID, nullableTime(from), nullableTime(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.WealthSnapshot
	for rows.Next() {
		var snap model.WealthSnapshot
		if err := rows.Scan(&snap.ID, &snap.AccountID, &snap.Cash, &snap.Stocks,
			&snap.Total, &snap.Type, &snap.Source, &snap.Timestamp); err != nil {
			return nil, err
		}
		result = append(result, snap)
	}
	return result, rows.Err()
}

func (s *PostgresStore) DeleteOrderSnapshotsBefore(ctx context.Context, accountID string, cutoff time.Time, batchSize int) (int, error) {
	ct, err := s.pool.Exec(ctx,
		`DELETE FROM wealth_snapshots
		 WHERE id IN (
		     SELECT id FROM wealth_snapshots
		     WHERE account_id = $1 AND type = $2 AND ts < $3
		     ORDER BY ts LIMIT $4
		 )`, accountID, model.SnapshotOrder, cutoff, batchSize)
	if err != nil {
		return 0, err
	}
	return int(ct.RowsAffected()), nil
}

func (s *PostgresStore) UpsertUserStats(ctx context.Context, st *model.UserStats) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_stats
		 (account_id, trade_count, realized_pnl, unrealized_pnl, pnl, roi, wins, losses, closed_trades, win_rate, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (account_id) DO UPDATE
		 SET trade_count = EXCLUDED.trade_count, realized_pnl = EXCLUDED.realized_pnl,
		     unrealized_pnl = EXCLUDED.unrealized_pnl, pnl = EXCLUDED.pnl, roi = EXCLUDED.roi,
		     wins = EXCLUDED.wins, losses = EXCLUDED.losses, closed_trades = EXCLUDED.closed_trades,
		     win_rate = EXCLUDED.win_rate, updated_at = EXCLUDED.updated_at`,
		st.AccountID, st.TradeCount, st.RealizedPnL, st.UnrealizedPnL, st.PnL, st.ROI,
		st.Wins, st.Losses, st.ClosedTrades, st.WinRate, st.UpdatedAt)
	return err
}

func (s *PostgresStore) GetUserStats(ctx context.Context, accountID string) (*model.UserStats, error) {
	var st model.UserStats
	err := s.pool.QueryRow(ctx,
		`SELECT account_id, trade_count, realized_pnl, unrealized_pnl, pnl, roi, wins, losses, closed_trades, win_rate, updated_at
		 FROM user_stats WHERE account_id = $1`, accountID).
		Scan(&st.AccountID, &st.TradeCount, &st.RealizedPnL, &st.UnrealizedPnL, &st.PnL,
			&st.ROI, &st.Wins, &st.Losses, &st.ClosedTrades, &st.WinRate, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
