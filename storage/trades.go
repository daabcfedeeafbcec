package storage

import "time"

// InsertPendingTrade writes the audit row before the swap is attempted
func (db *DB) InsertPendingTrade(t *Trade) error {
	amt, err := sqlAmounts(t.AmountIn)
	if err != nil {
		return err
	}
	t.CreatedAt = time.Now().Unix()
	t.Status = TradePending
	res, err := db.Exec(`INSERT INTO trades (created_at, cycle_id, wallet_id, side, input_mint, output_mint, amount_in, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'PENDING')`,
		t.CreatedAt, t.CycleID, t.WalletID, t.Side, t.InputMint, t.OutputMint, amt[0])
	if err != nil {
		return err
	}
	t.ID, err = res.LastInsertId()
	return err
}

// FinalizeTrade moves a PENDING trade to a terminal status exactly once
func (db *DB) FinalizeTrade(t *Trade) error {
	amt, err := sqlAmounts(t.AmountOut)
	if err != nil {
		return err
	}
	res, err := db.Exec(`UPDATE trades SET status = ?, amount_out = ?, signature = ?, provider = ?, error = ?
		WHERE id = ? AND status = 'PENDING'`,
		t.Status, amt[0], t.Signature, t.Provider, t.Error, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTradeFinal
	}
	return nil
}

func (db *DB) ListTrades(cycleID int64) ([]*Trade, error) {
	rows, err := db.Query(`SELECT id, created_at, cycle_id, wallet_id, side, input_mint, output_mint, amount_in, amount_out, signature, provider, status, error
		FROM trades WHERE cycle_id = ? ORDER BY id`, cycleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Trade
	for rows.Next() {
		var t Trade
		if err := rows.Scan(&t.ID, &t.CreatedAt, &t.CycleID, &t.WalletID, &t.Side, &t.InputMint, &t.OutputMint,
			&t.AmountIn, &t.AmountOut, &t.Signature, &t.Provider, &t.Status, &t.Error); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}
