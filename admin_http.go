package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"solana-ultibot/internal/engine"
	"solana-ultibot/storage"
)

const passwordHeader = "X-Admin-Password"

// adminCommands is what the HTTP layer needs from *engine.Admin
type adminCommands interface {
	SellPercent(ctx context.Context, password string, pct float64) (int, error)
	SellAllUnwhitelisted(ctx context.Context, password string) (int, error)
	ImportWalletsCSV(ctx context.Context, password string, r io.Reader) ([]*storage.Wallet, error)
}

// newAdminHandler serves the manual commands. The admin password travels in
// X-Admin-Password; every error is answered as {"error": "..."}.
func newAdminHandler(admin adminCommands) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/admin/sell", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, errors.New("POST only"))
			return
		}
		var body struct {
			Pct float64 `json:"pct"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		n, err := admin.SellPercent(r.Context(), r.Header.Get(passwordHeader), body.Pct)
		if err != nil {
			writeCommandError(w, "sell_percent", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sold": n})
	})

	mux.HandleFunc("/admin/sell-unwhitelisted", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, errors.New("POST only"))
			return
		}
		n, err := admin.SellAllUnwhitelisted(r.Context(), r.Header.Get(passwordHeader))
		if err != nil {
			writeCommandError(w, "sell_all_unwhitelisted", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sold": n})
	})

	mux.HandleFunc("/admin/import-wallets", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, errors.New("POST only"))
			return
		}
		wallets, err := admin.ImportWalletsCSV(r.Context(), r.Header.Get(passwordHeader), io.LimitReader(r.Body, 4<<20))
		if err != nil {
			writeCommandError(w, "import_wallets", err)
			return
		}
		addrs := make([]string, len(wallets))
		for i, wl := range wallets {
			addrs[i] = wl.Address
		}
		writeJSON(w, http.StatusOK, map[string]any{"imported": len(wallets), "addresses": addrs})
	})

	return mux
}

func writeCommandError(w http.ResponseWriter, command string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, engine.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrNoRunningCycle):
		status = http.StatusConflict
	default:
		log.Error().Err(err).Str("command", command).Msg("admin command failed")
	}
	writeError(w, status, err)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
