package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const groupColumns = `id, name, phase, entry_price_usd, entry_mcap_usd, tiers, mcap_levels, max_hold_seconds, profit_route_pct, created_at, updated_at`

func scanGroup(row interface{ Scan(...interface{}) error }) (*WalletGroup, error) {
	var g WalletGroup
	var entryPrice, entryMcap, routePct sql.NullFloat64
	var maxHold sql.NullInt64
	var tiers, levels string
	if err := row.Scan(&g.ID, &g.Name, &g.Phase, &entryPrice, &entryMcap, &tiers, &levels, &maxHold, &routePct, &g.CreatedAt, &g.UpdatedAt); err != nil {
		return nil, err
	}
	g.EntryPriceUSD = floatPtr(entryPrice)
	g.EntryMarketCapUSD = floatPtr(entryMcap)
	g.ProfitRoutePct = floatPtr(routePct)
	g.MaxHoldSeconds = intPtr(maxHold)
	if err := json.Unmarshal([]byte(tiers), &g.Tiers); err != nil {
		return nil, fmt.Errorf("decode group %d tiers: %w", g.ID, err)
	}
	if err := json.Unmarshal([]byte(levels), &g.MarketCapLevels); err != nil {
		return nil, fmt.Errorf("decode group %d levels: %w", g.ID, err)
	}
	return &g, nil
}

// SaveGroup inserts (ID == 0) or updates a group
func (db *DB) SaveGroup(g *WalletGroup) error {
	if g.Phase == "" {
		g.Phase = PhaseIdle
	}
	if g.Tiers == nil {
		g.Tiers = []ThresholdTier{}
	}
	if g.MarketCapLevels == nil {
		g.MarketCapLevels = []MarketCapLevel{}
	}
	tiers, err := json.Marshal(g.Tiers)
	if err != nil {
		return err
	}
	levels, err := json.Marshal(g.MarketCapLevels)
	if err != nil {
		return err
	}

	now := time.Now().Unix()
	g.UpdatedAt = now
	if g.ID == 0 {
		g.CreatedAt = now
		res, err := db.Exec(`INSERT INTO wallet_groups (name, phase, entry_price_usd, entry_mcap_usd, tiers, mcap_levels, max_hold_seconds, profit_route_pct, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			g.Name, g.Phase, nullFloat(g.EntryPriceUSD), nullFloat(g.EntryMarketCapUSD), string(tiers), string(levels),
			nullInt(g.MaxHoldSeconds), nullFloat(g.ProfitRoutePct), now, now)
		if err != nil {
			return err
		}
		g.ID, err = res.LastInsertId()
		return err
	}

	_, err = db.Exec(`UPDATE wallet_groups SET name = ?, phase = ?, entry_price_usd = ?, entry_mcap_usd = ?, tiers = ?, mcap_levels = ?,
		max_hold_seconds = ?, profit_route_pct = ?, updated_at = ? WHERE id = ?`,
		g.Name, g.Phase, nullFloat(g.EntryPriceUSD), nullFloat(g.EntryMarketCapUSD), string(tiers), string(levels),
		nullInt(g.MaxHoldSeconds), nullFloat(g.ProfitRoutePct), now, g.ID)
	return err
}

func (db *DB) GetGroup(id int64) (*WalletGroup, error) {
	g, err := scanGroup(db.QueryRow(`SELECT `+groupColumns+` FROM wallet_groups WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return g, err
}

func (db *DB) ListGroups() ([]*WalletGroup, error) {
	rows, err := db.Query(`SELECT ` + groupColumns + ` FROM wallet_groups ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*WalletGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (db *DB) DeleteGroup(id int64) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`UPDATE wallets SET group_id = NULL WHERE group_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM wallet_groups WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// MarkLevelExecuted flips a market-cap level's one-shot flag. It reports
// false if the level was already executed.
func (db *DB) MarkLevelExecuted(groupID int64, level int) (bool, error) {
	g, err := db.GetGroup(groupID)
	if err != nil {
		return false, err
	}
	if level < 0 || level >= len(g.MarketCapLevels) {
		return false, fmt.Errorf("group %d has no level %d", groupID, level)
	}
	if g.MarketCapLevels[level].Executed {
		return false, nil
	}
	g.MarketCapLevels[level].Executed = true
	return true, db.SaveGroup(g)
}
