package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"stoptrail/internal/domain"
)

// timeLayout is a fixed-width UTC format so that stored timestamps compare
// lexicographically inside SQL (the lock staleness check relies on it).
const timeLayout = "2006-01-02T15:04:05.000Z"

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	// One connection serializes all writers in-process; split engines
	// would otherwise race into SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS thresholds (
			id INTEGER NOT NULL PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			price REAL NOT NULL,
			amount REAL NOT NULL,
			threshold_hit INTEGER NOT NULL DEFAULT 0,
			sold_at TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_thresholds_symbol ON thresholds(symbol);`,
		`CREATE TABLE IF NOT EXISTS hopper (
			id INTEGER NOT NULL PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL UNIQUE,
			amount REAL NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS available_funds (
			id INTEGER NOT NULL PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			account_balance REAL NOT NULL,
			coin_hopper REAL NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS stoploss (
			id INTEGER NOT NULL PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL UNIQUE,
			stop_value REAL NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS win_tracker (
			id INTEGER NOT NULL PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL UNIQUE,
			price_at_deposit REAL NOT NULL,
			price_at_buy REAL NOT NULL,
			buy_count INTEGER NOT NULL DEFAULT 0,
			win_count INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS instance_locks (
			symbol TEXT NOT NULL,
			trade_type TEXT NOT NULL,
			running INTEGER NOT NULL DEFAULT 0,
			pid INTEGER,
			started_at TEXT,
			updated_at TEXT,
			PRIMARY KEY (symbol, trade_type)
		);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to exec query %s: %w", q, err)
		}
	}

	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func persistErr(op string, err error) error {
	return &domain.PersistenceError{Op: op, Err: err}
}

// StrategyRepository implementation

func (s *SQLiteStore) SaveThresholds(ctx context.Context, symbol string, thresholds []*domain.Threshold) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistErr("save thresholds", err)
	}
	defer tx.Rollback()

	query := `INSERT INTO thresholds (symbol, price, amount, threshold_hit, sold_at) VALUES (?, ?, ?, ?, ?)`
	for _, t := range thresholds {
		var soldAt any
		if t.HitAt != nil {
			soldAt = t.HitAt.UTC().Format(timeLayout)
		}
		res, err := tx.ExecContext(ctx, query, symbol, t.Price, t.Amount, boolToInt(t.Hit), soldAt)
		if err != nil {
			return persistErr("save thresholds", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return persistErr("save thresholds", err)
		}
		t.ID = id
		t.Symbol = symbol
	}

	if err := tx.Commit(); err != nil {
		return persistErr("save thresholds", err)
	}
	return nil
}

func (s *SQLiteStore) GetThresholds(ctx context.Context, symbol string) ([]*domain.Threshold, error) {
	query := `SELECT id, symbol, price, amount, threshold_hit, sold_at FROM thresholds WHERE symbol = ? ORDER BY price ASC`
	rows, err := s.db.QueryContext(ctx, query, symbol)
	if err != nil {
		return nil, persistErr("get thresholds", err)
	}
	defer rows.Close()

	var thresholds []*domain.Threshold
	for rows.Next() {
		var t domain.Threshold
		var hit int
		var soldAt sql.NullString
		if err := rows.Scan(&t.ID, &t.Symbol, &t.Price, &t.Amount, &hit, &soldAt); err != nil {
			return nil, persistErr("get thresholds", err)
		}
		t.Hit = hit != 0
		if soldAt.Valid {
			at, err := time.Parse(timeLayout, soldAt.String)
			if err != nil {
				return nil, persistErr("get thresholds", err)
			}
			t.HitAt = &at
		}
		thresholds = append(thresholds, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("get thresholds", err)
	}
	return thresholds, nil
}

func (s *SQLiteStore) MarkThresholdHit(ctx context.Context, id int64, at time.Time) error {
	query := `UPDATE thresholds SET threshold_hit = 1, sold_at = ? WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, query, at.UTC().Format(timeLayout), id); err != nil {
		return persistErr("mark threshold hit", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteThresholds(ctx context.Context, symbol string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM thresholds WHERE symbol = ?`, symbol); err != nil {
		return persistErr("delete thresholds", err)
	}
	return nil
}

func (s *SQLiteStore) GetHopper(ctx context.Context, symbol string) (float64, error) {
	var amount float64
	err := s.db.QueryRowContext(ctx, `SELECT amount FROM hopper WHERE symbol = ?`, symbol).Scan(&amount)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, persistErr("get hopper", err)
	}
	return amount, nil
}

func (s *SQLiteStore) SetHopper(ctx context.Context, symbol string, amount float64) error {
	query := `INSERT INTO hopper (symbol, amount) VALUES (?, ?)
			  ON CONFLICT(symbol) DO UPDATE SET amount = excluded.amount`
	if _, err := s.db.ExecContext(ctx, query, symbol, amount); err != nil {
		return persistErr("set hopper", err)
	}
	return nil
}

func (s *SQLiteStore) SaveStopValue(ctx context.Context, symbol string, stop float64) error {
	query := `INSERT INTO stoploss (symbol, stop_value) VALUES (?, ?)
			  ON CONFLICT(symbol) DO UPDATE SET stop_value = excluded.stop_value`
	if _, err := s.db.ExecContext(ctx, query, symbol, stop); err != nil {
		return persistErr("save stop value", err)
	}
	return nil
}

func (s *SQLiteStore) GetStopValue(ctx context.Context, symbol string) (float64, bool, error) {
	var stop float64
	err := s.db.QueryRowContext(ctx, `SELECT stop_value FROM stoploss WHERE symbol = ?`, symbol).Scan(&stop)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, persistErr("get stop value", err)
	}
	return stop, true, nil
}

func (s *SQLiteStore) DeleteStopValue(ctx context.Context, symbol string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM stoploss WHERE symbol = ?`, symbol); err != nil {
		return persistErr("delete stop value", err)
	}
	return nil
}

func (s *SQLiteStore) SaveFundsSnapshot(ctx context.Context, snap *domain.AccountSnapshot) error {
	query := `INSERT INTO available_funds (symbol, account_balance, coin_hopper) VALUES (?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, snap.Symbol, snap.AccountBalance, snap.CoinHopper); err != nil {
		return persistErr("save funds snapshot", err)
	}
	return nil
}

func (s *SQLiteStore) GetWinTracker(ctx context.Context, symbol string) (*domain.WinTracker, error) {
	query := `SELECT id, symbol, price_at_deposit, price_at_buy, buy_count, win_count FROM win_tracker WHERE symbol = ?`
	var t domain.WinTracker
	err := s.db.QueryRowContext(ctx, query, symbol).Scan(&t.ID, &t.Symbol, &t.PriceAtDeposit, &t.PriceAtBuy, &t.BuyCount, &t.WinCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, persistErr("get win tracker", err)
	}
	return &t, nil
}

func (s *SQLiteStore) SaveWinTracker(ctx context.Context, tracker *domain.WinTracker) error {
	query := `INSERT INTO win_tracker (symbol, price_at_deposit, price_at_buy, buy_count, win_count) VALUES (?, ?, ?, ?, ?)
			  ON CONFLICT(symbol) DO UPDATE SET
			  price_at_deposit = excluded.price_at_deposit,
			  price_at_buy = excluded.price_at_buy,
			  buy_count = excluded.buy_count,
			  win_count = excluded.win_count`
	if _, err := s.db.ExecContext(ctx, query,
		tracker.Symbol, tracker.PriceAtDeposit, tracker.PriceAtBuy, tracker.BuyCount, tracker.WinCount); err != nil {
		return persistErr("save win tracker", err)
	}
	return nil
}

// LockRepository implementation

func (s *SQLiteStore) AcquireLock(ctx context.Context, symbol string, tradeType domain.Direction, pid int, now, staleBefore time.Time) (bool, error) {
	// Single conditional upsert: cross-process exclusivity comes from this
	// statement alone, not from any in-process primitive.
	query := `INSERT INTO instance_locks (symbol, trade_type, running, pid, started_at, updated_at)
			  VALUES (?, ?, 1, ?, ?, ?)
			  ON CONFLICT(symbol, trade_type) DO UPDATE SET
			  running = 1, pid = excluded.pid, started_at = excluded.started_at, updated_at = excluded.updated_at
			  WHERE instance_locks.running = 0 OR instance_locks.updated_at < ?`
	ts := now.UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx, query, symbol, string(tradeType), pid, ts, ts, staleBefore.UTC().Format(timeLayout))
	if err != nil {
		return false, persistErr("acquire lock", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, persistErr("acquire lock", err)
	}
	return n > 0, nil
}

// TouchLock refreshes the heartbeat of a lock the caller still owns.
// Reports false when no matching running row exists, which means the lock
// was force-released or taken over since the caller acquired it.
func (s *SQLiteStore) TouchLock(ctx context.Context, symbol string, tradeType domain.Direction, pid int, now time.Time) (bool, error) {
	query := `UPDATE instance_locks SET updated_at = ? WHERE symbol = ? AND trade_type = ? AND running = 1 AND pid = ?`
	res, err := s.db.ExecContext(ctx, query, now.UTC().Format(timeLayout), symbol, string(tradeType), pid)
	if err != nil {
		return false, persistErr("touch lock", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, persistErr("touch lock", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) ReleaseLock(ctx context.Context, symbol string, tradeType domain.Direction, now time.Time) error {
	query := `UPDATE instance_locks SET running = 0, updated_at = ? WHERE symbol = ? AND trade_type = ?`
	if _, err := s.db.ExecContext(ctx, query, now.UTC().Format(timeLayout), symbol, string(tradeType)); err != nil {
		return persistErr("release lock", err)
	}
	return nil
}

func (s *SQLiteStore) GetLock(ctx context.Context, symbol string, tradeType domain.Direction) (*domain.InstanceLock, error) {
	query := `SELECT symbol, trade_type, running, pid, started_at, updated_at FROM instance_locks WHERE symbol = ? AND trade_type = ?`
	var (
		lock      domain.InstanceLock
		trade     string
		running   int
		pid       sql.NullInt64
		startedAt sql.NullString
		updatedAt sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, symbol, string(tradeType)).Scan(
		&lock.Symbol, &trade, &running, &pid, &startedAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, persistErr("get lock", err)
	}
	lock.TradeType = domain.Direction(trade)
	lock.Running = running != 0
	lock.PID = int(pid.Int64)
	if startedAt.Valid {
		lock.StartedAt, _ = time.Parse(timeLayout, startedAt.String)
	}
	if updatedAt.Valid {
		lock.UpdatedAt, _ = time.Parse(timeLayout, updatedAt.String)
	}
	return &lock, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
