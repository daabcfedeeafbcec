package engine

import (
	"context"
	"errors"
	"io"

	"github.com/rs/zerolog/log"

	"solana-ultibot/crypto"
	"solana-ultibot/storage"
)

var (
	ErrUnauthorized           = errors.New("unauthorized")
	ErrMissingAdminCredential = errors.New("admin credential hash is not configured")
)

// Commands are the manual operations offered to the administrative layer
type Commands interface {
	SellPercent(ctx context.Context, pct float64) (int, error)
	SellAllUnwhitelisted(ctx context.Context) (int, error)
	ImportWalletsCSV(ctx context.Context, r io.Reader) ([]*storage.Wallet, error)
}

// Admin checks the admin password before forwarding a command
type Admin struct {
	cmds Commands
	hash string
}

// NewAdmin fails without a credential; the process must not start then
func NewAdmin(cmds Commands, passwordHash string) (*Admin, error) {
	if passwordHash == "" {
		return nil, ErrMissingAdminCredential
	}
	return &Admin{cmds: cmds, hash: passwordHash}, nil
}

func (a *Admin) authorize(password, command string) error {
	if !crypto.VerifyPassword(password, a.hash) {
		log.Warn().Str("command", command).Msg("rejected admin command")
		return ErrUnauthorized
	}
	return nil
}

func (a *Admin) SellPercent(ctx context.Context, password string, pct float64) (int, error) {
	if err := a.authorize(password, "sell_percent"); err != nil {
		return 0, err
	}
	return a.cmds.SellPercent(ctx, pct)
}

func (a *Admin) SellAllUnwhitelisted(ctx context.Context, password string) (int, error) {
	if err := a.authorize(password, "sell_all_unwhitelisted"); err != nil {
		return 0, err
	}
	return a.cmds.SellAllUnwhitelisted(ctx)
}

func (a *Admin) ImportWalletsCSV(ctx context.Context, password string, r io.Reader) ([]*storage.Wallet, error) {
	if err := a.authorize(password, "import_wallets"); err != nil {
		return nil, err
	}
	return a.cmds.ImportWalletsCSV(ctx, r)
}
