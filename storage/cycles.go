package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const cycleColumns = `id, strategy_id, token_mint, status, started_at, ended_at, notes`

func scanCycle(row interface{ Scan(...interface{}) error }) (*Cycle, error) {
	var c Cycle
	var strategyID sql.NullInt64
	if err := row.Scan(&c.ID, &strategyID, &c.TokenMint, &c.Status, &c.StartedAt, &c.EndedAt, &c.Notes); err != nil {
		return nil, err
	}
	c.StrategyID = intPtr(strategyID)
	return &c, nil
}

// GetRunningCycle returns ErrNotFound when no cycle is RUNNING
func (db *DB) GetRunningCycle() (*Cycle, error) {
	c, err := scanCycle(db.QueryRow(`SELECT ` + cycleColumns + ` FROM cycles WHERE status = 'RUNNING' LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

func (db *DB) GetCycle(id int64) (*Cycle, error) {
	c, err := scanCycle(db.QueryRow(`SELECT `+cycleColumns+` FROM cycles WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// CreateCycle starts a RUNNING cycle. The partial unique index rejects a
// second RUNNING cycle.
func (db *DB) CreateCycle(mint string, strategyID *int64) (*Cycle, error) {
	now := time.Now().Unix()
	res, err := db.Exec(`INSERT INTO cycles (strategy_id, token_mint, status, started_at) VALUES (?, ?, 'RUNNING', ?)`,
		nullInt(strategyID), mint, now)
	if err != nil {
		return nil, fmt.Errorf("create cycle: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &Cycle{ID: id, StrategyID: strategyID, TokenMint: mint, Status: CycleRunning, StartedAt: now}, nil
}

// CompleteCycle marks the cycle COMPLETE and destroys its wallets (secret
// wiped, status DESTROYED) in one transaction.
func (db *DB) CompleteCycle(id int64, notes string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	res, err := tx.Exec(`UPDATE cycles SET status = 'COMPLETE', ended_at = ?, notes = ? WHERE id = ? AND status = 'RUNNING'`, now, notes, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if _, err := tx.Exec(`UPDATE wallets SET status = 'DESTROYED', secret_enc = '', destroyed_at = ? WHERE cycle_id = ? AND status = 'ACTIVE'`, now, id); err != nil {
		return err
	}

	return tx.Commit()
}

const walletColumns = `id, cycle_id, role, ordinal, address, secret_enc, status, group_id, created_at, destroyed_at`

func scanWallet(row interface{ Scan(...interface{}) error }) (*Wallet, error) {
	var w Wallet
	var groupID sql.NullInt64
	if err := row.Scan(&w.ID, &w.CycleID, &w.Role, &w.Ordinal, &w.Address, &w.SecretEnc, &w.Status, &groupID, &w.CreatedAt, &w.DestroyedAt); err != nil {
		return nil, err
	}
	w.GroupID = intPtr(groupID)
	return &w, nil
}

// InsertWallets adds wallets to a cycle in one transaction, assigning IDs in place
func (db *DB) InsertWallets(cycleID int64, wallets []*Wallet) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO wallets (cycle_id, role, ordinal, address, secret_enc, status, group_id, created_at) VALUES (?, ?, ?, ?, ?, 'ACTIVE', ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for _, w := range wallets {
		if w.Role == "" {
			w.Role = RoleBuy
		}
		res, err := stmt.Exec(cycleID, w.Role, w.Ordinal, w.Address, w.SecretEnc, nullInt(w.GroupID), now)
		if err != nil {
			return fmt.Errorf("insert wallet %s: %w", w.Address, err)
		}
		if w.ID, err = res.LastInsertId(); err != nil {
			return err
		}
		w.CycleID = cycleID
		w.Status = WalletActive
		w.CreatedAt = now
	}
	return tx.Commit()
}

// ListWallets returns a cycle's wallets in ordinal order; empty status means all
func (db *DB) ListWallets(cycleID int64, status string) ([]*Wallet, error) {
	query := `SELECT ` + walletColumns + ` FROM wallets WHERE cycle_id = ?`
	args := []interface{}{cycleID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY ordinal, id`

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (db *DB) GetWallet(id int64) (*Wallet, error) {
	w, err := scanWallet(db.QueryRow(`SELECT `+walletColumns+` FROM wallets WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return w, err
}

func (db *DB) CountWallets(cycleID int64, status string) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM wallets WHERE cycle_id = ? AND (? = '' OR status = ?)`, cycleID, status, status).Scan(&n)
	return n, err
}

// MaxOrdinal is -1 for a cycle without wallets
func (db *DB) MaxOrdinal(cycleID int64) (int, error) {
	var n sql.NullInt64
	if err := db.QueryRow(`SELECT MAX(ordinal) FROM wallets WHERE cycle_id = ?`, cycleID).Scan(&n); err != nil {
		return 0, err
	}
	if !n.Valid {
		return -1, nil
	}
	return int(n.Int64), nil
}

func (db *DB) AssignWalletGroup(walletID int64, groupID *int64) error {
	_, err := db.Exec(`UPDATE wallets SET group_id = ? WHERE id = ?`, nullInt(groupID), walletID)
	return err
}
