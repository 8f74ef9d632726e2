// Package sqlite persists per-fill execution cost records for offline
// slippage and spread analysis.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"orderpilot/internal/domain"
	"orderpilot/internal/ports"
)

// CostRepository implements the ports.CostRecorder interface using SQLite.
type CostRepository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite cost repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewCostRepository opens (or creates) the cost database and ensures the
// schema exists.
func NewCostRepository(cfg Config) (*CostRepository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite cost repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/execution_costs.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite cost repository initialization failed")
		return nil, err
	}

	// WAL mode for better concurrency
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite cost repository initialization failed")
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite cost repository initialization failed")
		return nil, err
	}

	// SQLite serializes writes internally; a single connection avoids
	// SQLITE_BUSY churn in the Go driver.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	repo := &CostRepository{db: db, logger: cfg.Logger}

	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite cost repository initialization failed")
		return nil, err
	}

	cfg.Logger.Info(context.Background(), "SQLite cost repository ready", map[string]interface{}{"path": dbPath})
	return repo, nil
}

func (r *CostRepository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS execution_costs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		intent_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		expected_price REAL NOT NULL,
		fill_price REAL NOT NULL,
		slippage_pct REAL NOT NULL,
		spread_pct REAL NOT NULL,
		mid_price REAL NOT NULL,
		style TEXT NOT NULL,
		executed_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_execution_costs_symbol_executed_at ON execution_costs (symbol, executed_at);
	`
	_, err := r.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *CostRepository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite cost database connection")
		return r.db.Close()
	}
	return nil
}

// Record saves one execution cost record.
func (r *CostRepository) Record(ctx context.Context, rec *ports.CostRecord) error {
	const query = `
	INSERT INTO execution_costs (intent_id, symbol, side, quantity, expected_price, fill_price, slippage_pct, spread_pct, mid_price, style, executed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		rec.IntentID, rec.Symbol, string(rec.Side), rec.Quantity, rec.ExpectedPrice,
		rec.FillPrice, rec.SlippagePct, rec.SpreadPct, rec.MidPrice, string(rec.Style), rec.ExecutedAt)
	if err != nil {
		return fmt.Errorf("failed to insert cost record for intent %s: %w: %w", rec.IntentID, ports.ErrQueryFailed, err)
	}
	r.logger.Debug(ctx, "Cost record stored", map[string]interface{}{
		"intentID":    rec.IntentID,
		"symbol":      rec.Symbol,
		"slippagePct": rec.SlippagePct,
	})
	return nil
}

// RecentBySymbol returns the most recent cost records for a symbol, newest
// first, up to limit.
func (r *CostRepository) RecentBySymbol(ctx context.Context, symbol string, limit int) ([]*ports.CostRecord, error) {
	const query = `
	SELECT intent_id, symbol, side, quantity, expected_price, fill_price, slippage_pct, spread_pct, mid_price, style, executed_at
	FROM execution_costs
	WHERE symbol = ?
	ORDER BY executed_at DESC
	LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query cost records for symbol %s: %w: %w", symbol, ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	var records []*ports.CostRecord
	for rows.Next() {
		rec := &ports.CostRecord{}
		var side, style string
		if err := rows.Scan(&rec.IntentID, &rec.Symbol, &side, &rec.Quantity, &rec.ExpectedPrice,
			&rec.FillPrice, &rec.SlippagePct, &rec.SpreadPct, &rec.MidPrice, &style, &rec.ExecutedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cost record: %w: %w", ports.ErrQueryFailed, err)
		}
		rec.Side = domain.OrderSide(side)
		rec.Style = domain.OrderStyle(style)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cost records for symbol %s: %w: %w", symbol, ports.ErrQueryFailed, err)
	}
	return records, nil
}

// AverageSlippage returns the mean slippage percent for a symbol since the
// given time, and the number of records that contributed.
func (r *CostRepository) AverageSlippage(ctx context.Context, symbol string, since time.Time) (float64, int, error) {
	const query = `
	SELECT COALESCE(AVG(slippage_pct), 0), COUNT(*)
	FROM execution_costs
	WHERE symbol = ? AND executed_at >= ?`

	var avg float64
	var count int
	err := r.db.QueryRowContext(ctx, query, symbol, since).Scan(&avg, &count)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to aggregate slippage for symbol %s: %w: %w", symbol, ports.ErrQueryFailed, err)
	}
	return avg, count, nil
}
