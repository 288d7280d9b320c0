package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"upbitScalper/internal/domain"
	"upbitScalper/internal/ports"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Repository implements ports.TradeRepository using SQLite.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
	now    func() time.Time
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
	Now    func() time.Time // Defaults to time.Now; decides what "today" means
}

// NewRepository opens (or creates) the database at cfg.DBPath and brings its schema up to date.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "./data/trades.db"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	ctx := context.Background()

	db, err := openDB(ctx, cfg.DBPath)
	if err != nil {
		cfg.Logger.Error(ctx, err, "SQLite repository initialization failed")
		return nil, err
	}
	repo := &Repository{db: db, logger: cfg.Logger, now: cfg.Now}

	version, err := repo.migrate(ctx)
	if err != nil {
		db.Close()
		cfg.Logger.Error(ctx, err, "SQLite repository initialization failed")
		return nil, err
	}
	cfg.Logger.Info(ctx, "SQLite trade history ready", map[string]interface{}{"path": cfg.DBPath, "schemaVersion": version})
	return repo, nil
}

func openDB(ctx context.Context, path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(path), err)
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database at '%s': %w: %w", path, ports.ErrDBConnection, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database at '%s': %w: %w", path, ports.ErrDBConnection, err)
	}
	// One writer; the driver serializes through this connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)
	return db, nil
}

// migrations are applied in order; PRAGMA user_version records how many have run.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS trade_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		market TEXT NOT NULL,
		entry_price REAL NOT NULL,
		exit_price REAL NOT NULL,
		volume REAL NOT NULL,
		invested REAL NOT NULL,
		proceeds REAL NOT NULL,
		profit REAL NOT NULL,
		profit_rate REAL NOT NULL,
		entry_time TIMESTAMP NOT NULL,
		exit_time TIMESTAMP NOT NULL,
		order_id TEXT NULL,
		close_reason TEXT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trade_history_market_exit_time ON trade_history (market, exit_time)`,
}

// migrate runs the pending migrations in one transaction and returns the resulting schema version.
func (r *Repository) migrate(ctx context.Context) (int, error) {
	var version int
	if err := r.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	if version >= len(migrations) {
		return version, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin migration: %w", err)
	}
	defer tx.Rollback()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			return 0, fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	// PRAGMA does not take bind parameters.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", len(migrations))); err != nil {
		return 0, fmt.Errorf("failed to record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit migration: %w", err)
	}
	r.logger.Debug(ctx, "Schema migrated", map[string]interface{}{"from": version, "to": len(migrations)})
	return len(migrations), nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db == nil {
		return nil
	}
	r.logger.Info(context.Background(), "Closing SQLite database connection")
	return r.db.Close()
}

// CreateTrade saves a new trade record and returns its assigned ID.
func (r *Repository) CreateTrade(ctx context.Context, trade *domain.Trade) (int64, error) {
	if trade == nil {
		return 0, fmt.Errorf("CreateTrade failed: %w: nil trade", ports.ErrInvalidRequest)
	}
	const query = `
	INSERT INTO trade_history (market, entry_price, exit_price, volume, invested, proceeds, profit,
	                           profit_rate, entry_time, exit_time, order_id, close_reason)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var orderID sql.NullString
	if trade.OrderID != "" {
		orderID = sql.NullString{String: trade.OrderID, Valid: true}
	}

	result, err := r.db.ExecContext(ctx, query,
		trade.Market, trade.EntryPrice, trade.ExitPrice, trade.Volume, trade.Invested, trade.Proceeds, trade.Profit,
		trade.ProfitRate, trade.EntryTime, trade.ExitTime, orderID, string(trade.CloseReason))
	if err != nil {
		return 0, fmt.Errorf("failed to insert trade history for market %s: %w: %w", trade.Market, ports.ErrQueryFailed, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for trade history %s: %w", trade.Market, err)
	}
	trade.ID = id
	r.logger.Debug(ctx, "Trade history created", map[string]interface{}{
		"tradeID": id, "market": trade.Market, "profit": trade.Profit, "reason": trade.CloseReason,
	})
	return id, nil
}

// FindByMarket retrieves the most recent trades for a given market, newest first.
func (r *Repository) FindByMarket(ctx context.Context, market string, limit int) ([]*domain.Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `
	SELECT id, market, entry_price, exit_price, volume, invested, proceeds, profit, profit_rate,
	       entry_time, exit_time, order_id, close_reason
	FROM trade_history
	WHERE market = ? ORDER BY julianday(exit_time) DESC, id DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, market, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trade history for market %s: %w: %w", market, ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	trades := make([]*domain.Trade, 0)
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade history during FindByMarket: %w", err)
		}
		trades = append(trades, trade)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trade history rows: %w", err)
	}
	return trades, nil
}

// CountTodayByMarket counts trades closed since local midnight for a given market.
func (r *Repository) CountTodayByMarket(ctx context.Context, market string) (int, error) {
	// Stored timestamps carry their zone offset; compare as julian days.
	const query = `SELECT COUNT(*) FROM trade_history WHERE market = ? AND julianday(exit_time) >= julianday(?)`
	now := r.now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	var count int
	if err := r.db.QueryRowContext(ctx, query, market, midnight).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count trades today for market %s: %w: %w", market, ports.ErrQueryFailed, err)
	}
	return count, nil
}

// GetTotalProfit sums realized profit across all trades.
func (r *Repository) GetTotalProfit(ctx context.Context) (float64, error) {
	const query = `SELECT COALESCE(SUM(profit), 0) FROM trade_history`
	var totalProfit float64
	if err := r.db.QueryRowContext(ctx, query).Scan(&totalProfit); err != nil {
		return 0, fmt.Errorf("failed to calculate total profit: %w: %w", ports.ErrQueryFailed, err)
	}
	return totalProfit, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTrade(s scanner) (*domain.Trade, error) {
	t := &domain.Trade{}
	var orderID, closeReason sql.NullString
	err := s.Scan(
		&t.ID, &t.Market, &t.EntryPrice, &t.ExitPrice, &t.Volume, &t.Invested, &t.Proceeds, &t.Profit, &t.ProfitRate,
		&t.EntryTime, &t.ExitTime, &orderID, &closeReason)
	if err != nil {
		return nil, err
	}
	if orderID.Valid {
		t.OrderID = orderID.String
	}
	t.CloseReason = domain.ExitUnknown
	if closeReason.Valid && closeReason.String != "" {
		t.CloseReason = domain.ExitReason(closeReason.String)
	}
	return t, nil
}

var _ ports.TradeRepository = (*Repository)(nil)
