package storage

import "time"

// Cycle statuses
const (
	CycleRunning  = "RUNNING"
	CycleComplete = "COMPLETE"
)

// Wallet statuses and roles
const (
	WalletActive    = "ACTIVE"
	WalletDestroyed = "DESTROYED"
	RoleBuy         = "BUY"
)

// Position statuses
const (
	PositionOpen   = "OPEN"
	PositionClosed = "CLOSED"
)

// Trade sides and statuses
const (
	SideBuy  = "BUY"
	SideSell = "SELL"

	TradePending   = "PENDING"
	TradeSimulated = "SIMULATED"
	TradeConfirmed = "CONFIRMED"
	TradeFailed    = "FAILED"
)

// Group phases
const (
	PhaseIdle    = "IDLE"
	PhaseHolding = "HOLDING"
	PhaseExited  = "EXITED"
)

// Intruder reactions
const (
	ReactionAlert            = "ALERT"
	ReactionPause            = "PAUSE"
	ReactionSellGroupPercent = "SELL_GROUP_PERCENT"
)

// BotConfig is the single persisted configuration record, reloaded every tick.
// Secrets are vault envelopes.
type BotConfig struct {
	Enabled          bool     `json:"enabled"`
	TokenMint        string   `json:"token_mint"`
	Whitelist        []string `json:"whitelist"`
	ActiveStrategyID *int64   `json:"active_strategy_id,omitempty"`
	RPCEndpoint      string   `json:"rpc_endpoint"`
	BotSecret        string   `json:"bot_secret,omitempty"`
	FundingSecret    string   `json:"funding_secret,omitempty"`
	ProfitSecret     string   `json:"profit_secret,omitempty"`

	Params
}

// Params are the tunables a Strategy may override
type Params struct {
	IntruderTriggerPct            float64  `json:"intruder_trigger_pct"`
	IntruderReactions             []string `json:"intruder_reactions"`
	IntruderMaxSnapshotAgeSeconds int64    `json:"intruder_max_snapshot_age_seconds"`
	IntruderRearmEachTick         bool     `json:"intruder_rearm_each_tick"`
	GroupSellPctMin               float64  `json:"group_sell_pct_min"`
	GroupSellPctMax               float64  `json:"group_sell_pct_max"`
	WalletsPerCycle               int      `json:"wallets_per_cycle"`
	DryRun                        bool     `json:"dry_run"`
	SlippagePct                   float64  `json:"slippage_pct"`
	FundingSlippageBuffer         float64  `json:"funding_slippage_buffer"`
	FallbackLamports              uint64   `json:"fallback_lamports"`
	TakeProfitPct                 float64  `json:"take_profit_pct"`
	StopLossPct                   float64  `json:"stop_loss_pct"`
	MaxHoldSeconds                int64    `json:"max_hold_seconds"`
	ProfitRoutePct                float64  `json:"profit_route_pct"`
	UsePrivacyRouting             bool     `json:"use_privacy_routing"`
}

// DefaultBotConfig is returned when no record has been saved yet
func DefaultBotConfig() *BotConfig {
	return &BotConfig{
		Whitelist: []string{},
		Params: Params{
			IntruderTriggerPct:            10,
			IntruderReactions:             []string{ReactionAlert},
			IntruderMaxSnapshotAgeSeconds: 270,
			GroupSellPctMin:               10,
			GroupSellPctMax:               25,
			WalletsPerCycle:               5,
			DryRun:                        true,
			SlippagePct:                   5,
			FundingSlippageBuffer:         0.05,
			FallbackLamports:              50_000_000,
			TakeProfitPct:                 30,
			StopLossPct:                   20,
			MaxHoldSeconds:                3600,
			ProfitRoutePct:                50,
		},
	}
}

// StrategyOverrides holds only the fields a strategy sets. Identity fields
// (enabled, token, RPC endpoint, secrets) cannot be overridden.
type StrategyOverrides struct {
	Whitelist                     []string `json:"whitelist,omitempty"`
	IntruderTriggerPct            *float64 `json:"intruder_trigger_pct,omitempty"`
	IntruderReactions             []string `json:"intruder_reactions,omitempty"`
	IntruderMaxSnapshotAgeSeconds *int64   `json:"intruder_max_snapshot_age_seconds,omitempty"`
	IntruderRearmEachTick         *bool    `json:"intruder_rearm_each_tick,omitempty"`
	GroupSellPctMin               *float64 `json:"group_sell_pct_min,omitempty"`
	GroupSellPctMax               *float64 `json:"group_sell_pct_max,omitempty"`
	WalletsPerCycle               *int     `json:"wallets_per_cycle,omitempty"`
	DryRun                        *bool    `json:"dry_run,omitempty"`
	SlippagePct                   *float64 `json:"slippage_pct,omitempty"`
	FundingSlippageBuffer         *float64 `json:"funding_slippage_buffer,omitempty"`
	FallbackLamports              *uint64  `json:"fallback_lamports,omitempty"`
	TakeProfitPct                 *float64 `json:"take_profit_pct,omitempty"`
	StopLossPct                   *float64 `json:"stop_loss_pct,omitempty"`
	MaxHoldSeconds                *int64   `json:"max_hold_seconds,omitempty"`
	ProfitRoutePct                *float64 `json:"profit_route_pct,omitempty"`
	UsePrivacyRouting             *bool    `json:"use_privacy_routing,omitempty"`
}

type Strategy struct {
	ID        int64             `json:"id"`
	Name      string            `json:"name"`
	Version   int               `json:"version"`
	Overrides StrategyOverrides `json:"overrides"`
	CreatedAt int64             `json:"created_at"`
	UpdatedAt int64             `json:"updated_at"`
}

// EngineState is the durable record of the last tick
type EngineState struct {
	LastTickAt      int64    `json:"last_tick_at"`
	LastIntruderPct *float64 `json:"last_intruder_pct"`
	LastPriceUSD    *float64 `json:"last_price_usd"`
	LastPriceAt     int64    `json:"last_price_at"`
	LastError       string   `json:"last_error"`
	Status          string   `json:"status"`
}

type Cycle struct {
	ID         int64  `json:"id"`
	StrategyID *int64 `json:"strategy_id,omitempty"`
	TokenMint  string `json:"token_mint"`
	Status     string `json:"status"`
	StartedAt  int64  `json:"started_at"`
	EndedAt    int64  `json:"ended_at,omitempty"`
	Notes      string `json:"notes"`
}

type Wallet struct {
	ID          int64  `json:"id"`
	CycleID     int64  `json:"cycle_id"`
	Role        string `json:"role"`
	Ordinal     int    `json:"ordinal"`
	Address     string `json:"address"`
	SecretEnc   string `json:"-"`
	Status      string `json:"status"`
	GroupID     *int64 `json:"group_id,omitempty"`
	CreatedAt   int64  `json:"created_at"`
	DestroyedAt int64  `json:"destroyed_at,omitempty"`
}

type Position struct {
	ID            int64    `json:"id"`
	CycleID       int64    `json:"cycle_id"`
	WalletID      int64    `json:"wallet_id"`
	Mint          string   `json:"mint"`
	Status        string   `json:"status"`
	OpenedAt      int64    `json:"opened_at"`
	ClosedAt      int64    `json:"closed_at,omitempty"`
	EntryPriceUSD *float64 `json:"entry_price_usd"`
	EntrySOL      uint64   `json:"entry_sol_lamports"`
	EntryTokens   uint64   `json:"entry_tokens"`
	LastPriceUSD  *float64 `json:"last_price_usd"`
	ExitSOL       uint64   `json:"exit_sol_lamports"`
	ExitTokens    uint64   `json:"exit_tokens"`
	PnLPct        *float64 `json:"pnl_pct"`
	CloseReason   string   `json:"close_reason,omitempty"`
	Notes         string   `json:"notes"`
}

// OpenedTime is OpenedAt as a time.Time
func (p *Position) OpenedTime() time.Time {
	return time.Unix(p.OpenedAt, 0)
}

// RemainingTokens is what has not been sold by partial exits
func (p *Position) RemainingTokens() uint64 {
	if p.ExitTokens >= p.EntryTokens {
		return 0
	}
	return p.EntryTokens - p.ExitTokens
}

type Trade struct {
	ID         int64  `json:"id"`
	CreatedAt  int64  `json:"created_at"`
	CycleID    int64  `json:"cycle_id"`
	WalletID   int64  `json:"wallet_id"`
	Side       string `json:"side"`
	InputMint  string `json:"input_mint"`
	OutputMint string `json:"output_mint"`
	AmountIn   uint64 `json:"amount_in"`
	AmountOut  uint64 `json:"amount_out"`
	Signature  string `json:"signature"`
	Provider   string `json:"provider"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
}

// ThresholdTier overrides take-profit/stop-loss for one funding tier
type ThresholdTier struct {
	TakeProfitPct float64 `json:"take_profit_pct"`
	StopLossPct   float64 `json:"stop_loss_pct"`
}

// MarketCapLevel fires once when market cap reaches MarketCapUSD
type MarketCapLevel struct {
	MarketCapUSD float64 `json:"market_cap_usd"`
	SellPct      float64 `json:"sell_pct"`
	Executed     bool    `json:"executed"`
}

type WalletGroup struct {
	ID                int64            `json:"id"`
	Name              string           `json:"name"`
	Phase             string           `json:"phase"`
	EntryPriceUSD     *float64         `json:"entry_price_usd"`
	EntryMarketCapUSD *float64         `json:"entry_market_cap_usd"`
	Tiers             []ThresholdTier  `json:"tiers"`
	MarketCapLevels   []MarketCapLevel `json:"market_cap_levels"`
	MaxHoldSeconds    *int64           `json:"max_hold_seconds,omitempty"`
	ProfitRoutePct    *float64         `json:"profit_route_pct,omitempty"`
	CreatedAt         int64            `json:"created_at"`
	UpdatedAt         int64            `json:"updated_at"`
}

// Event is one entry of the append-only event log
type Event struct {
	ID        int64  `json:"id"`
	CreatedAt int64  `json:"created_at"`
	Type      string `json:"type"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Data      string `json:"data"`
}
