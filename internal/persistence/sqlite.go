package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tathienbao/indicator-hub/pkg/series"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteRepository implements Repository using SQLite.
//
// Timestamps are stored as Unix nanoseconds so they order and round-trip
// exactly; prices are stored as TEXT to keep decimal precision.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository opens (or creates) the database at path and migrates it.
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	repo := &SQLiteRepository{db: db}

	if err := repo.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return repo, nil
}

// Migrate runs database migrations.
func (r *SQLiteRepository) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS quotes (
			symbol TEXT NOT NULL,
			ts INTEGER NOT NULL,
			open TEXT NOT NULL,
			high TEXT NOT NULL,
			low TEXT NOT NULL,
			close TEXT NOT NULL,
			volume TEXT NOT NULL DEFAULT '0',
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (symbol, ts)
		)`,

		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			source TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			finished_at INTEGER NOT NULL,
			events INTEGER NOT NULL DEFAULT 0,
			rejected INTEGER NOT NULL DEFAULT 0,
			rebuilds INTEGER NOT NULL DEFAULT 0,
			nodes INTEGER NOT NULL DEFAULT 0,
			mismatches INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at)`,
	}

	for _, migration := range migrations {
		if _, err := r.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}

	return nil
}

// SaveQuotes upserts quotes for a symbol in one transaction and returns
// how many were written.
func (r *SQLiteRepository) SaveQuotes(ctx context.Context, symbol string, quotes []series.Quote) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO quotes (symbol, ts, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, ts) DO UPDATE SET
			open = excluded.open,
			high = excluded.high,
			low = excluded.low,
			close = excluded.close,
			volume = excluded.volume,
			updated_at = CURRENT_TIMESTAMP`)
	if err != nil {
		return 0, fmt.Errorf("prepare quote insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for i, q := range quotes {
		if err := q.Validate(); err != nil {
			return 0, fmt.Errorf("quote %d: %w", i, err)
		}
		_, err := stmt.ExecContext(ctx,
			symbol,
			q.Timestamp.UnixNano(),
			q.Open.String(),
			q.High.String(),
			q.Low.String(),
			q.Close.String(),
			q.Volume.String(),
		)
		if err != nil {
			return 0, fmt.Errorf("insert quote %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit quotes: %w", err)
	}
	return len(quotes), nil
}

// DeleteQuote removes one quote. It reports false when nothing was stored.
func (r *SQLiteRepository) DeleteQuote(ctx context.Context, symbol string, ts time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM quotes WHERE symbol = ? AND ts = ?`,
		symbol, ts.UnixNano())
	if err != nil {
		return false, fmt.Errorf("delete quote: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete quote: %w", err)
	}
	return n > 0, nil
}

// GetQuotes returns a symbol's quotes in timestamp order. A zero from or to
// leaves that side of the range open.
func (r *SQLiteRepository) GetQuotes(ctx context.Context, symbol string, from, to time.Time) ([]series.Quote, error) {
	query := `SELECT ts, open, high, low, close, volume FROM quotes WHERE symbol = ?`
	args := []any{symbol}
	if !from.IsZero() {
		query += ` AND ts >= ?`
		args = append(args, from.UnixNano())
	}
	if !to.IsZero() {
		query += ` AND ts <= ?`
		args = append(args, to.UnixNano())
	}
	query += ` ORDER BY ts`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query quotes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var quotes []series.Quote
	for rows.Next() {
		var ts int64
		var open, high, low, closePrice, volume string
		if err := rows.Scan(&ts, &open, &high, &low, &closePrice, &volume); err != nil {
			return nil, fmt.Errorf("scan quote: %w", err)
		}

		q := series.Quote{Timestamp: time.Unix(0, ts).UTC()}
		for _, f := range []struct {
			dst *decimal.Decimal
			src string
		}{
			{&q.Open, open}, {&q.High, high}, {&q.Low, low}, {&q.Close, closePrice}, {&q.Volume, volume},
		} {
			if *f.dst, err = decimal.NewFromString(f.src); err != nil {
				return nil, fmt.Errorf("%w: stored price %q at %s", series.ErrInvalidData, f.src, q.Timestamp)
			}
		}
		quotes = append(quotes, q)
	}

	return quotes, rows.Err()
}

// CountQuotes returns how many quotes are stored for a symbol.
func (r *SQLiteRepository) CountQuotes(ctx context.Context, symbol string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM quotes WHERE symbol = ?`, symbol).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count quotes: %w", err)
	}
	return n, nil
}

// Symbols lists every symbol with stored quotes.
func (r *SQLiteRepository) Symbols(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT symbol FROM quotes ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("query symbols: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var symbols []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan symbol: %w", err)
		}
		symbols = append(symbols, s)
	}
	return symbols, rows.Err()
}

// SaveRun inserts or replaces a run record.
func (r *SQLiteRepository) SaveRun(ctx context.Context, run Run) error {
	query := `INSERT OR REPLACE INTO runs
		(id, symbol, source, started_at, finished_at, events, rejected, rebuilds, nodes, mismatches, status, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		run.ID,
		run.Symbol,
		run.Source,
		run.StartedAt.UnixNano(),
		run.FinishedAt.UnixNano(),
		run.Events,
		run.Rejected,
		run.Rebuilds,
		run.Nodes,
		run.Mismatches,
		string(run.Status),
		run.Detail,
	)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}

	return nil
}

// GetRun returns a run by id, or nil when it does not exist.
func (r *SQLiteRepository) GetRun(ctx context.Context, id string) (*Run, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, symbol, source, started_at, finished_at, events, rejected,
		rebuilds, nodes, mismatches, status, detail FROM runs WHERE id = ?`, id)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query run: %w", err)
	}
	return &run, nil
}

// ListRuns returns the most recent runs first.
func (r *SQLiteRepository) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, symbol, source, started_at, finished_at, events, rejected,
		rebuilds, nodes, mismatches, status, detail FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Close closes the database connection.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (Run, error) {
	var run Run
	var started, finished int64
	var status string
	err := s.Scan(&run.ID, &run.Symbol, &run.Source, &started, &finished, &run.Events, &run.Rejected,
		&run.Rebuilds, &run.Nodes, &run.Mismatches, &status, &run.Detail)
	if err != nil {
		return Run{}, err
	}
	run.StartedAt = time.Unix(0, started).UTC()
	run.FinishedAt = time.Unix(0, finished).UTC()
	run.Status = RunStatus(status)
	return run, nil
}
