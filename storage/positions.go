package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"
)

const positionColumns = `id, cycle_id, wallet_id, mint, status, opened_at, closed_at, entry_price_usd, entry_sol, entry_tokens,
	last_price_usd, exit_sol, exit_tokens, pnl_pct, close_reason, notes`

func scanPosition(row interface{ Scan(...interface{}) error }) (*Position, error) {
	var p Position
	var entryPrice, lastPrice, pnl sql.NullFloat64
	err := row.Scan(&p.ID, &p.CycleID, &p.WalletID, &p.Mint, &p.Status, &p.OpenedAt, &p.ClosedAt,
		&entryPrice, &p.EntrySOL, &p.EntryTokens, &lastPrice, &p.ExitSOL, &p.ExitTokens, &pnl, &p.CloseReason, &p.Notes)
	if err != nil {
		return nil, err
	}
	p.EntryPriceUSD = floatPtr(entryPrice)
	p.LastPriceUSD = floatPtr(lastPrice)
	p.PnLPct = floatPtr(pnl)
	return &p, nil
}

func (db *DB) queryPositions(query string, args ...interface{}) ([]*Position, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// OpenPosition records a new OPEN position; at most one per (wallet, cycle)
func (db *DB) OpenPosition(p *Position) error {
	amt, err := sqlAmounts(p.EntrySOL, p.EntryTokens)
	if err != nil {
		return err
	}
	if p.OpenedAt == 0 {
		p.OpenedAt = time.Now().Unix()
	}
	res, err := db.Exec(`INSERT INTO positions (cycle_id, wallet_id, mint, status, opened_at, entry_price_usd, entry_sol, entry_tokens, last_price_usd, notes)
		VALUES (?, ?, ?, 'OPEN', ?, ?, ?, ?, ?, ?)`,
		p.CycleID, p.WalletID, p.Mint, p.OpenedAt, nullFloat(p.EntryPriceUSD), amt[0], amt[1],
		nullFloat(p.EntryPriceUSD), p.Notes)
	if err != nil {
		return err
	}
	p.ID, err = res.LastInsertId()
	p.Status = PositionOpen
	p.LastPriceUSD = p.EntryPriceUSD
	return err
}

func (db *DB) GetPosition(id int64) (*Position, error) {
	p, err := scanPosition(db.QueryRow(`SELECT `+positionColumns+` FROM positions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func (db *DB) ListOpenPositions(cycleID int64) ([]*Position, error) {
	return db.queryPositions(`SELECT `+positionColumns+` FROM positions WHERE cycle_id = ? AND status = 'OPEN' ORDER BY id`, cycleID)
}

// ListAllOpenPositions spans every cycle
func (db *DB) ListAllOpenPositions() ([]*Position, error) {
	return db.queryPositions(`SELECT ` + positionColumns + ` FROM positions WHERE status = 'OPEN' ORDER BY id`)
}

func (db *DB) ListPositions(cycleID int64) ([]*Position, error) {
	return db.queryPositions(`SELECT `+positionColumns+` FROM positions WHERE cycle_id = ? ORDER BY id`, cycleID)
}

func (db *DB) CountOpenPositions(cycleID int64) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM positions WHERE cycle_id = ? AND status = 'OPEN'`, cycleID).Scan(&n)
	return n, err
}

// MarkPosition stores the latest observed price and unrealized PnL
func (db *DB) MarkPosition(id int64, price float64, pnl *float64) error {
	_, err := db.Exec(`UPDATE positions SET last_price_usd = ?, pnl_pct = ? WHERE id = ? AND status = 'OPEN'`, price, nullFloat(pnl), id)
	return err
}

// PositionExit describes tokens sold out of a position
type PositionExit struct {
	TokensSold  uint64
	SOLReceived uint64
	PriceUSD    *float64
	PnLPct      *float64
	Reason      string
	Note        string
	Close       bool
}

// RecordExit adds a sale to a position and closes it when Close is set.
// Notes are appended, never replaced.
func (db *DB) RecordExit(id int64, e PositionExit) error {
	amt, err := sqlAmounts(e.TokensSold, e.SOLReceived)
	if err != nil {
		return err
	}
	status := PositionOpen
	var closedAt int64
	if e.Close {
		status = PositionClosed
		closedAt = time.Now().Unix()
	}
	res, err := db.Exec(`UPDATE positions SET
			exit_tokens = exit_tokens + ?,
			exit_sol = exit_sol + ?,
			last_price_usd = COALESCE(?, last_price_usd),
			pnl_pct = COALESCE(?, pnl_pct),
			status = ?,
			closed_at = ?,
			close_reason = CASE WHEN ? != '' THEN ? ELSE close_reason END,
			notes = CASE WHEN ? = '' THEN notes WHEN notes = '' THEN ? ELSE notes || '; ' || ? END
		WHERE id = ? AND status = 'OPEN' AND exit_tokens <= ? AND exit_sol <= ?`,
		amt[0], amt[1], nullFloat(e.PriceUSD), nullFloat(e.PnLPct),
		status, closedAt, e.Reason, e.Reason, e.Note, e.Note, e.Note, id,
		math.MaxInt64-amt[0], math.MaxInt64-amt[1])
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	// tell an overflowing total apart from a missing or closed position
	var open int
	if err := db.QueryRow(`SELECT COUNT(*) FROM positions WHERE id = ? AND status = 'OPEN'`, id).Scan(&open); err != nil {
		return err
	}
	if open > 0 {
		return fmt.Errorf("%w: position %d exit totals", ErrAmountOverflow, id)
	}
	return ErrNotFound
}
