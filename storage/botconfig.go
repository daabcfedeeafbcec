package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// GetBotConfig returns the persisted config, or defaults if none was saved
func (db *DB) GetBotConfig() (*BotConfig, error) {
	var data string
	err := db.QueryRow(`SELECT data FROM bot_config WHERE id = 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultBotConfig(), nil
	}
	if err != nil {
		return nil, err
	}

	cfg := DefaultBotConfig()
	if err := json.Unmarshal([]byte(data), cfg); err != nil {
		return nil, fmt.Errorf("decode bot config: %w", err)
	}
	return cfg, nil
}

func (db *DB) SaveBotConfig(cfg *BotConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = db.Exec(`INSERT INTO bot_config (id, data, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		string(data), time.Now().Unix())
	return err
}

// SetEnabled flips only the enabled flag
func (db *DB) SetEnabled(enabled bool) error {
	cfg, err := db.GetBotConfig()
	if err != nil {
		return err
	}
	cfg.Enabled = enabled
	return db.SaveBotConfig(cfg)
}

// SaveStrategy inserts a strategy or, when the name exists, replaces its
// overrides and bumps the version.
func (db *DB) SaveStrategy(name string, o StrategyOverrides) (*Strategy, error) {
	data, err := json.Marshal(o)
	if err != nil {
		return nil, err
	}
	now := time.Now().Unix()
	_, err = db.Exec(`INSERT INTO strategies (name, version, overrides, created_at, updated_at) VALUES (?, 1, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			overrides = excluded.overrides,
			version = strategies.version + 1,
			updated_at = excluded.updated_at`,
		name, string(data), now, now)
	if err != nil {
		return nil, err
	}
	return db.getStrategy(`name = ?`, name)
}

func (db *DB) GetStrategy(id int64) (*Strategy, error) {
	return db.getStrategy(`id = ?`, id)
}

func (db *DB) getStrategy(where string, arg interface{}) (*Strategy, error) {
	var s Strategy
	var data string
	err := db.QueryRow(`SELECT id, name, version, overrides, created_at, updated_at FROM strategies WHERE `+where, arg).
		Scan(&s.ID, &s.Name, &s.Version, &data, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(data), &s.Overrides); err != nil {
		return nil, fmt.Errorf("decode strategy %d: %w", s.ID, err)
	}
	return &s, nil
}

func (db *DB) ListStrategies() ([]*Strategy, error) {
	rows, err := db.Query(`SELECT id, name, version, overrides, created_at, updated_at FROM strategies ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Strategy
	for rows.Next() {
		var s Strategy
		var data string
		if err := rows.Scan(&s.ID, &s.Name, &s.Version, &data, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(data), &s.Overrides); err != nil {
			return nil, fmt.Errorf("decode strategy %d: %w", s.ID, err)
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

func (db *DB) DeleteStrategy(id int64) error {
	_, err := db.Exec(`DELETE FROM strategies WHERE id = ?`, id)
	return err
}

func (db *DB) GetEngineState() (*EngineState, error) {
	var s EngineState
	var tick, priceAt sql.NullInt64
	var pct, price sql.NullFloat64
	err := db.QueryRow(`SELECT last_tick_at, last_intruder_pct, last_price_usd, last_price_at, last_error, status FROM engine_state WHERE id = 1`).
		Scan(&tick, &pct, &price, &priceAt, &s.LastError, &s.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return &EngineState{}, nil
	}
	if err != nil {
		return nil, err
	}
	s.LastTickAt = tick.Int64
	s.LastPriceAt = priceAt.Int64
	s.LastIntruderPct = floatPtr(pct)
	s.LastPriceUSD = floatPtr(price)
	return &s, nil
}

func (db *DB) SaveEngineState(s *EngineState) error {
	_, err := db.Exec(`INSERT INTO engine_state (id, last_tick_at, last_intruder_pct, last_price_usd, last_price_at, last_error, status)
		VALUES (1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_tick_at = excluded.last_tick_at,
			last_intruder_pct = excluded.last_intruder_pct,
			last_price_usd = excluded.last_price_usd,
			last_price_at = excluded.last_price_at,
			last_error = excluded.last_error,
			status = excluded.status`,
		s.LastTickAt, nullFloat(s.LastIntruderPct), nullFloat(s.LastPriceUSD), s.LastPriceAt, s.LastError, s.Status)
	return err
}
