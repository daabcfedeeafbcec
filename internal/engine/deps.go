package engine

import (
	"context"
	"time"

	"github.com/gagliardetto/solana-go"

	"solana-ultibot/crypto"
	"solana-ultibot/events"
	"solana-ultibot/internal/funding"
	isolana "solana-ultibot/internal/solana"
	"solana-ultibot/storage"
	"solana-ultibot/trading"
)

// Swapper executes one swap; *trading.Router in production
type Swapper interface {
	Swap(ctx context.Context, req trading.SwapRequest) (*trading.SwapResult, error)
}

// Prices resolves the token price; *trading.PriceResolver in production
type Prices interface {
	Resolve(ctx context.Context, mint string, uiSupply float64) (*trading.Quote, error)
}

// MintInfos provides supply and decimals; *isolana.MintInfoCache in production
type MintInfos interface {
	Get(ctx context.Context, mint string) (*isolana.MintInfo, error)
}

// HolderSnapshots rescans holders at its own interval; *isolana.HolderTracker in production
type HolderSnapshots interface {
	Refresh(ctx context.Context, mint string, decimals uint8, supply uint64) (*isolana.HolderSnapshot, error)
}

// Balances reads wallet balances; *trading.Chain in production
type Balances interface {
	SOLBalance(ctx context.Context, wallet solana.PublicKey) (uint64, error)
	TokenBalance(ctx context.Context, wallet, mint solana.PublicKey) (uint64, error)
}

// Deps are the collaborators an Engine drives
type Deps struct {
	DB        *storage.DB
	Vault     *crypto.Vault
	Swapper   Swapper
	Prices    Prices
	Mints     MintInfos
	Holders   HolderSnapshots
	Balances  Balances
	Funding   *funding.Calculator
	Publisher events.Publisher

	// Direct is always used for dry runs and as the fallback route.
	Direct trading.Transferrer
	// Privacy is optional; when nil privacy routing is unavailable.
	Privacy trading.Transferrer
}

const (
	DefaultTickPeriod      = 2500 * time.Millisecond
	DefaultBuyConcurrency  = 4
	DefaultSellConcurrency = 4
	// lamports kept in a wallet above its funding target for fees and rent
	DefaultFeeReserve = 3_000_000
)

// Options are process-level tunables, not part of BotConfig
type Options struct {
	TickPeriod      time.Duration
	BuyConcurrency  int
	SellConcurrency int
	FeeReserve      uint64
	// RPCURL is the endpoint the chain clients were built with
	RPCURL string
}

func (o Options) withDefaults() Options {
	if o.TickPeriod <= 0 {
		o.TickPeriod = DefaultTickPeriod
	}
	if o.BuyConcurrency <= 0 {
		o.BuyConcurrency = DefaultBuyConcurrency
	}
	if o.SellConcurrency <= 0 {
		o.SellConcurrency = DefaultSellConcurrency
	}
	if o.FeeReserve == 0 {
		o.FeeReserve = DefaultFeeReserve
	}
	return o
}
