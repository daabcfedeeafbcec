package engine

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"solana-ultibot/crypto"
	"solana-ultibot/events"
	"solana-ultibot/storage"
)

var (
	// ErrInvalidRequest marks a rejected command; no state was changed
	ErrInvalidRequest = errors.New("invalid request")
	ErrNoRunningCycle = errors.New("no running cycle")
)

// SellPercent sells pct of every open position through the normal sell path
func (e *Engine) SellPercent(ctx context.Context, pct float64) (int, error) {
	if pct <= 0 || pct > 100 {
		return 0, fmt.Errorf("%w: percent must be in (0, 100], got %v", ErrInvalidRequest, pct)
	}
	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	cfg, err := e.loadConfig()
	if err != nil {
		return 0, err
	}
	n, err := e.sellAcross(ctx, cfg, nil, pct, ReasonManual, nil)
	if err != nil {
		return n, err
	}
	e.logEvent(ctx, zerolog.InfoLevel, "manual_sell", fmt.Sprintf("sold %.2f%% from %d positions", pct, n), map[string]interface{}{
		"pct": pct, "positions": n,
	})
	return n, nil
}

// SellAllUnwhitelisted fully sells every open position held by a wallet
// that is not on the configured whitelist
func (e *Engine) SellAllUnwhitelisted(ctx context.Context) (int, error) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	cfg, err := e.loadConfig()
	if err != nil {
		return 0, err
	}
	wl := make(map[string]bool, len(cfg.Whitelist))
	for _, a := range cfg.Whitelist {
		wl[a] = true
	}
	n, err := e.sellAcross(ctx, cfg, nil, 100, ReasonManual, func(w *storage.Wallet) bool {
		return !wl[w.Address]
	})
	if err != nil {
		return n, err
	}
	e.logEvent(ctx, zerolog.InfoLevel, "manual_sell_unwhitelisted", fmt.Sprintf("sold %d positions", n), map[string]interface{}{
		"positions": n,
	})
	return n, nil
}

// ImportWalletsCSV adds existing wallets to the running cycle without
// funding or buying. Rows are private_key[,group_id]; a header row may name
// the columns private_key (or secret), address and group_id.
func (e *Engine) ImportWalletsCSV(ctx context.Context, r io.Reader) ([]*storage.Wallet, error) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	cycle, err := e.deps.DB.GetRunningCycle()
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoRunningCycle
	}
	if err != nil {
		return nil, err
	}

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.Comment = '#'
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	cols := csvColumns{secret: 0, address: -1, group: 1}
	if len(records) > 0 {
		if h, ok := parseHeader(records[0]); ok {
			cols = h
			records = records[1:]
		}
	}

	next, err := e.deps.DB.MaxOrdinal(cycle.ID)
	if err != nil {
		return nil, err
	}
	next++

	seen := make(map[string]bool)
	var wallets []*storage.Wallet
	for i, rec := range records {
		row := i + 1
		secret := cols.field(rec, cols.secret)
		if secret == "" {
			continue
		}
		kp, err := crypto.ParseKeypair(secret)
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", ErrInvalidRequest, row, err)
		}
		if addr := cols.field(rec, cols.address); addr != "" && addr != kp.PublicKey {
			return nil, fmt.Errorf("%w: row %d: address %s does not match key", ErrInvalidRequest, row, addr)
		}
		if seen[kp.PublicKey] {
			return nil, fmt.Errorf("%w: row %d: duplicate wallet %s", ErrInvalidRequest, row, kp.PublicKey)
		}
		seen[kp.PublicKey] = true

		var groupID *int64
		if g := cols.field(rec, cols.group); g != "" {
			id, err := strconv.ParseInt(g, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: row %d: bad group id %q", ErrInvalidRequest, row, g)
			}
			if _, err := e.deps.DB.GetGroup(id); err != nil {
				return nil, fmt.Errorf("%w: row %d: group %d: %v", ErrInvalidRequest, row, id, err)
			}
			groupID = &id
		}

		enc, err := e.deps.Vault.SealString(kp.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("seal wallet: %w", err)
		}
		wallets = append(wallets, &storage.Wallet{
			Role:      storage.RoleBuy,
			Ordinal:   next + len(wallets),
			Address:   kp.PublicKey,
			SecretEnc: enc,
			GroupID:   groupID,
		})
	}
	if len(wallets) == 0 {
		return nil, fmt.Errorf("%w: no wallets in file", ErrInvalidRequest)
	}

	if err := e.deps.DB.InsertWallets(cycle.ID, wallets); err != nil {
		return nil, fmt.Errorf("insert wallets: %w", err)
	}

	addrs := make([]string, len(wallets))
	for i, w := range wallets {
		addrs[i] = w.Address
	}
	data := map[string]interface{}{"cycle_id": cycle.ID, "count": len(wallets), "addresses": addrs}
	e.publish(ctx, events.New(events.WalletsImported, data))
	e.logEvent(ctx, zerolog.InfoLevel, "wallets_imported", fmt.Sprintf("imported %d wallets", len(wallets)), map[string]interface{}{
		"cycle_id": cycle.ID, "count": len(wallets),
	})
	return wallets, nil
}

type csvColumns struct {
	secret, address, group int
}

func (c csvColumns) field(rec []string, i int) string {
	if i < 0 || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}

func parseHeader(rec []string) (csvColumns, bool) {
	cols := csvColumns{secret: -1, address: -1, group: -1}
	for i, name := range rec {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "private_key", "secret", "secret_key":
			cols.secret = i
		case "address", "public_key", "pubkey":
			cols.address = i
		case "group_id", "group":
			cols.group = i
		}
	}
	return cols, cols.secret >= 0
}
