package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrTradeFinal means the trade already reached a terminal status
	ErrTradeFinal = errors.New("trade already finalized")
	// ErrAmountOverflow rejects amounts an sqlite INTEGER cannot hold
	ErrAmountOverflow = errors.New("amount exceeds int64 range")
)

// sqlAmounts converts uint64 amounts for storage; values above
// math.MaxInt64 would wrap negative and are rejected
func sqlAmounts(vs ...uint64) ([]int64, error) {
	out := make([]int64, len(vs))
	for i, v := range vs {
		if v > math.MaxInt64 {
			return nil, fmt.Errorf("%w: %d", ErrAmountOverflow, v)
		}
		out[i] = int64(v)
	}
	return out, nil
}

type DB struct {
	*sql.DB
}

func New(path string) (*DB, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	dbInstance := &DB{db}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(time.Hour)

	if err := dbInstance.initSchema(); err != nil {
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return dbInstance, nil
}

func (db *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS bot_config (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		data TEXT NOT NULL,
		updated_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS strategies (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		version INTEGER NOT NULL DEFAULT 1,
		overrides TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER,
		updated_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS engine_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		last_tick_at INTEGER,
		last_intruder_pct REAL,
		last_price_usd REAL,
		last_price_at INTEGER,
		last_error TEXT DEFAULT '',
		status TEXT DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS cycles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		strategy_id INTEGER,
		token_mint TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'RUNNING',
		started_at INTEGER,
		ended_at INTEGER DEFAULT 0,
		notes TEXT DEFAULT ''
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_cycles_single_running
	ON cycles(status) WHERE status = 'RUNNING';

	CREATE TABLE IF NOT EXISTS wallet_groups (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		phase TEXT NOT NULL DEFAULT 'IDLE',
		entry_price_usd REAL,
		entry_mcap_usd REAL,
		tiers TEXT NOT NULL DEFAULT '[]',
		mcap_levels TEXT NOT NULL DEFAULT '[]',
		max_hold_seconds INTEGER,
		profit_route_pct REAL,
		created_at INTEGER,
		updated_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS wallets (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		cycle_id INTEGER NOT NULL REFERENCES cycles(id),
		role TEXT NOT NULL DEFAULT 'BUY',
		ordinal INTEGER NOT NULL,
		address TEXT NOT NULL,
		secret_enc TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'ACTIVE',
		group_id INTEGER REFERENCES wallet_groups(id),
		created_at INTEGER,
		destroyed_at INTEGER DEFAULT 0,
		UNIQUE(cycle_id, address)
	);

	CREATE INDEX IF NOT EXISTS idx_wallets_cycle ON wallets(cycle_id, status);

	CREATE TABLE IF NOT EXISTS positions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		cycle_id INTEGER NOT NULL REFERENCES cycles(id),
		wallet_id INTEGER NOT NULL REFERENCES wallets(id),
		mint TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'OPEN',
		opened_at INTEGER,
		closed_at INTEGER DEFAULT 0,
		entry_price_usd REAL,
		entry_sol INTEGER DEFAULT 0,
		entry_tokens INTEGER DEFAULT 0,
		last_price_usd REAL,
		exit_sol INTEGER DEFAULT 0,
		exit_tokens INTEGER DEFAULT 0,
		pnl_pct REAL,
		close_reason TEXT DEFAULT '',
		notes TEXT DEFAULT ''
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_one_open
	ON positions(wallet_id, cycle_id) WHERE status = 'OPEN';

	CREATE TABLE IF NOT EXISTS trades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at INTEGER,
		cycle_id INTEGER,
		wallet_id INTEGER,
		side TEXT NOT NULL,
		input_mint TEXT NOT NULL,
		output_mint TEXT NOT NULL,
		amount_in INTEGER DEFAULT 0,
		amount_out INTEGER DEFAULT 0,
		signature TEXT DEFAULT '',
		provider TEXT DEFAULT '',
		status TEXT NOT NULL DEFAULT 'PENDING',
		error TEXT DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_trades_cycle_time
	ON trades(cycle_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at INTEGER,
		type TEXT NOT NULL,
		level TEXT DEFAULT 'info',
		message TEXT DEFAULT '',
		data TEXT DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_events_time ON events(created_at DESC);
	`
	_, err := db.Exec(schema)
	return err
}

func nullFloat(p *float64) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

func nullInt(p *int64) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

func intPtr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}
