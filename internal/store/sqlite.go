package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"smallcap-backtester/internal/errors"
	"smallcap-backtester/internal/models"
	"smallcap-backtester/pkg/utils"
)

// SQLiteStore implements DataStore using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-based data store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for concurrent access
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	-- Raw provider responses keyed by request hash
	CREATE TABLE IF NOT EXISTS http_cache (
		key TEXT PRIMARY KEY,
		body BLOB NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Backtest runs
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		finished_at DATETIME,
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		config TEXT,
		status TEXT NOT NULL,
		days INTEGER DEFAULT 0,
		trades INTEGER DEFAULT 0,
		total_pnl REAL DEFAULT 0,
		ending_equity REAL DEFAULT 0
	);

	-- Per-day outcome of a run
	CREATE TABLE IF NOT EXISTS day_status (
		run_id TEXT NOT NULL,
		date TEXT NOT NULL,
		status TEXT NOT NULL,
		detail TEXT,
		watchlist INTEGER,
		tickers_with_bars INTEGER,
		trades INTEGER,
		fills INTEGER,
		start_cash REAL,
		end_cash REAL,
		realized_pnl REAL,
		PRIMARY KEY (run_id, date),
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);

	-- Every execution
	CREATE TABLE IF NOT EXISTS fills (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		date TEXT NOT NULL,
		ticker TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		signal_timestamp DATETIME,
		side TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		price REAL NOT NULL,
		reason TEXT NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);

	-- Completed round trips
	CREATE TABLE IF NOT EXISTS trades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		date TEXT NOT NULL,
		ticker TEXT NOT NULL,
		entry_time DATETIME NOT NULL,
		exit_time DATETIME NOT NULL,
		entry_price REAL NOT NULL,
		exit_price REAL NOT NULL,
		quantity INTEGER NOT NULL,
		pnl REAL NOT NULL,
		fees REAL NOT NULL,
		entry_reason TEXT NOT NULL,
		exit_reason TEXT NOT NULL,
		scaled INTEGER DEFAULT 0,
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);

	CREATE INDEX IF NOT EXISTS idx_fills_run ON fills(run_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_trades_run ON trades(run_id, exit_time);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ============================================================================
// HTTP Cache Methods
// ============================================================================

// GetResponse returns a cached response body.
func (s *SQLiteStore) GetResponse(key string) ([]byte, bool, error) {
	var body []byte
	err := s.db.QueryRow(`SELECT body FROM http_cache WHERE key = ?`, key).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: read cache: %v", errors.ErrDatabaseError, err)
	}
	return body, true, nil
}

// PutResponse stores a response body.
func (s *SQLiteStore) PutResponse(key string, body []byte) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO http_cache (key, body) VALUES (?, ?)`, key, body)
	if err != nil {
		return fmt.Errorf("%w: write cache: %v", errors.ErrDatabaseError, err)
	}
	return nil
}

// ============================================================================
// Run Methods
// ============================================================================

// CreateRun inserts a run in the running state.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	if run.Status == "" {
		run.Status = RunRunning
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, started_at, start_date, end_date, config, status)
		VALUES (?, ?, ?, ?, ?, ?)
	`, run.ID, run.StartedAt, utils.DateKey(run.StartDate), utils.DateKey(run.EndDate), run.Config, string(run.Status))
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// FinishRun records the final status and totals of a run.
func (s *SQLiteStore) FinishRun(ctx context.Context, id string, status RunStatus, totals RunTotals) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET finished_at = ?, status = ?, days = ?, trades = ?, total_pnl = ?, ending_equity = ?
		WHERE id = ?
	`, time.Now(), string(status), totals.Days, totals.Trades, totals.TotalPnL, totals.EndingEquity, id)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", id, errors.ErrDataNotFound)
	}
	return nil
}

// SaveDay stores one day's status, fills and trades in a single transaction.
func (s *SQLiteStore) SaveDay(ctx context.Context, runID string, day models.DayResult, fills []models.Fill, trades []models.Trade) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	date := utils.DateKey(day.Date)
	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO day_status (run_id, date, status, detail, watchlist, tickers_with_bars, trades, fills, start_cash, end_cash, realized_pnl)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, runID, date, string(day.Status), day.Detail, day.Watchlist, day.TickersWithBar, day.Trades, day.Fills, day.StartCash, day.EndCash, day.RealizedPnL)
	if err != nil {
		return fmt.Errorf("failed to save day status: %w", err)
	}

	if len(fills) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO fills (run_id, date, ticker, timestamp, signal_timestamp, side, quantity, price, reason)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer stmt.Close()

		for _, f := range fills {
			var signal interface{}
			if f.HasSignal() {
				signal = f.SignalTimestamp
			}
			if _, err := stmt.ExecContext(ctx, runID, date, f.Ticker, f.Timestamp, signal, string(f.Side), f.Quantity, f.Price, f.Reason.String()); err != nil {
				return fmt.Errorf("failed to insert fill: %w", err)
			}
		}
	}

	if len(trades) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO trades (run_id, date, ticker, entry_time, exit_time, entry_price, exit_price, quantity, pnl, fees, entry_reason, exit_reason, scaled)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer stmt.Close()

		for _, t := range trades {
			scaled := 0
			if t.Scaled {
				scaled = 1
			}
			if _, err := stmt.ExecContext(ctx, runID, date, t.Ticker, t.EntryTime, t.ExitTime, t.EntryPrice, t.ExitPrice,
				t.Quantity, t.PnL, t.Fees, t.EntryReason.String(), t.ExitReason.String(), scaled); err != nil {
				return fmt.Errorf("failed to insert trade: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	rows, err := s.db.QueryContext(ctx, runSelect+` WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("run %s: %w", id, errors.ErrDataNotFound)
	}
	return scanRun(rows)
}

// ListRuns returns the most recent runs first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	query := runSelect + ` ORDER BY started_at DESC`
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

const runSelect = `SELECT id, started_at, finished_at, start_date, end_date, config, status, days, trades, total_pnl, ending_equity FROM runs`

func scanRun(rows *sql.Rows) (*Run, error) {
	var (
		r          Run
		finished   sql.NullTime
		start, end string
		config     sql.NullString
		status     string
	)
	if err := rows.Scan(&r.ID, &r.StartedAt, &finished, &start, &end, &config, &status,
		&r.Days, &r.Trades, &r.TotalPnL, &r.EndingEquity); err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	if finished.Valid {
		r.FinishedAt = finished.Time
	}
	r.StartDate, _ = utils.ParseDate(start, time.UTC)
	r.EndDate, _ = utils.ParseDate(end, time.UTC)
	r.Config = config.String
	r.Status = RunStatus(status)
	return &r, nil
}

// ============================================================================
// Trade & Day Methods
// ============================================================================

// GetTrades retrieves stored trades in exit order.
func (s *SQLiteStore) GetTrades(ctx context.Context, filter TradeFilter) ([]TradeRow, error) {
	query := "SELECT run_id, date, ticker, entry_time, exit_time, entry_price, exit_price, quantity, pnl, fees, entry_reason, exit_reason, scaled FROM trades WHERE 1=1"
	args := []interface{}{}

	if filter.RunID != "" {
		query += " AND run_id = ?"
		args = append(args, filter.RunID)
	}
	if filter.Ticker != "" {
		query += " AND ticker = ?"
		args = append(args, filter.Ticker)
	}

	query += " ORDER BY exit_time ASC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []TradeRow
	for rows.Next() {
		var t TradeRow
		var date string
		var scaled int
		if err := rows.Scan(&t.RunID, &date, &t.Ticker, &t.EntryTime, &t.ExitTime, &t.EntryPrice, &t.ExitPrice,
			&t.Quantity, &t.PnL, &t.Fees, &t.EntryReason, &t.ExitReason, &scaled); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		t.Date, _ = utils.ParseDate(date, time.UTC)
		t.Scaled = scaled == 1
		trades = append(trades, t)
	}

	return trades, rows.Err()
}

// GetDayStatuses returns a run's per-day outcomes in date order.
func (s *SQLiteStore) GetDayStatuses(ctx context.Context, runID string) ([]models.DayResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date, status, detail, watchlist, tickers_with_bars, trades, fills, start_cash, end_cash, realized_pnl
		FROM day_status WHERE run_id = ? ORDER BY date ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query day status: %w", err)
	}
	defer rows.Close()

	var days []models.DayResult
	for rows.Next() {
		var d models.DayResult
		var date, status string
		var detail sql.NullString
		if err := rows.Scan(&date, &status, &detail, &d.Watchlist, &d.TickersWithBar, &d.Trades, &d.Fills,
			&d.StartCash, &d.EndCash, &d.RealizedPnL); err != nil {
			return nil, fmt.Errorf("failed to scan day status: %w", err)
		}
		d.Date, _ = utils.ParseDate(date, time.UTC)
		d.Status = models.DayStatus(status)
		d.Detail = detail.String
		days = append(days, d)
	}
	return days, rows.Err()
}
