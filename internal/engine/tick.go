package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"solana-ultibot/crypto"
	"solana-ultibot/events"
	"solana-ultibot/internal/observability"
	isolana "solana-ultibot/internal/solana"
	"solana-ultibot/storage"
	"solana-ultibot/trading"
)

// Tick outcomes, also the engine state status
const (
	outcomeOK       = "ok"
	outcomeDisabled = "disabled"
	outcomePaused   = "paused"
	outcomeError    = "error"
	outcomeSkipped  = "skipped"
)

// tickState carries what one tick has learned so far
type tickState struct {
	now         time.Time
	cfg         *storage.BotConfig
	mint        *isolana.MintInfo
	quote       *trading.Quote
	intruderPct *float64
	cycle       *storage.Cycle
}

func (t *tickState) priceUSD() float64 {
	if t.quote == nil {
		return 0
	}
	return t.quote.USD
}

func (t *tickState) priceSOL() float64 {
	if t.quote == nil {
		return 0
	}
	return t.quote.SOL
}

func (t *tickState) marketCapUSD() float64 {
	if t.quote == nil {
		return 0
	}
	return t.quote.MarketCapUSD
}

func (e *Engine) runTick(ctx context.Context, t *tickState) (string, error) {
	// 1-2. configuration with the active strategy merged on top
	cfg, err := e.loadConfig()
	if err != nil {
		return "", err
	}
	if !cfg.Enabled || cfg.TokenMint == "" {
		return outcomeDisabled, nil
	}
	t.cfg = cfg
	e.publishConfig(ctx, cfg)
	e.checkRPCEndpoint(ctx, cfg)

	// 3. supply and price; an unknown price degrades, it never fails the tick
	mi, err := e.deps.Mints.Get(ctx, cfg.TokenMint)
	if err != nil {
		return "", fmt.Errorf("mint info: %w", err)
	}
	t.mint = mi
	if q, err := e.deps.Prices.Resolve(ctx, cfg.TokenMint, mi.UISupply()); err != nil {
		log.Warn().Err(err).Str("mint", cfg.TokenMint).Msg("price unavailable")
	} else {
		t.quote = q
	}

	cycle, err := e.deps.DB.GetRunningCycle()
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("running cycle: %w", err)
	}

	// 4-5. holders and intruder reactions
	paused, err := e.checkIntruders(ctx, t, cycle)
	if err != nil {
		return "", err
	}
	if paused {
		return outcomePaused, nil
	}

	// 6. one running cycle for the configured token
	if cycle != nil && cycle.TokenMint != cfg.TokenMint {
		if err := e.abandonCycle(ctx, cfg, cycle, cfg.TokenMint); err != nil {
			return "", err
		}
		return outcomeOK, nil
	}
	if cycle == nil {
		cycle, err = e.deps.DB.CreateCycle(cfg.TokenMint, cfg.ActiveStrategyID)
		if err != nil {
			return "", fmt.Errorf("create cycle: %w", err)
		}
		e.logEvent(ctx, zerolog.InfoLevel, "cycle_started", "cycle started", map[string]interface{}{
			"cycle_id": cycle.ID, "mint": cycle.TokenMint,
		})
	}
	t.cycle = cycle

	// 7. wallets
	wallets, err := e.ensureWallets(ctx, t)
	if err != nil {
		return "", err
	}

	// 8-9. buy into an empty cycle, otherwise watch exits
	open, err := e.deps.DB.ListOpenPositions(cycle.ID)
	if err != nil {
		return "", fmt.Errorf("open positions: %w", err)
	}
	all, err := e.deps.DB.ListPositions(cycle.ID)
	if err != nil {
		return "", fmt.Errorf("positions: %w", err)
	}
	if len(all) == 0 {
		e.buyBatch(ctx, t, wallets, wallets)
		n, err := e.deps.DB.CountOpenPositions(cycle.ID)
		if err == nil {
			observability.UpdateOpenPositions(n)
		}
		return outcomeOK, nil
	}
	if len(open) > 0 {
		e.evaluateExits(ctx, t, open)
		// wallets whose privacy funding arrived after the first buys
		if late := e.lateWallets(wallets, all); len(late) > 0 {
			e.buyBatch(ctx, t, late, wallets)
		}
	}

	// 10. nothing left open: the cycle is done
	remaining, err := e.deps.DB.CountOpenPositions(cycle.ID)
	if err != nil {
		return "", fmt.Errorf("count open positions: %w", err)
	}
	observability.UpdateOpenPositions(remaining)
	if remaining > 0 {
		return outcomeOK, nil
	}
	if n := e.awaitingFunds(wallets, all); n > 0 {
		log.Info().Int64("cycle_id", cycle.ID).Int("wallets", n).Msg("positions closed, waiting on privacy funding before completing")
		return outcomeOK, nil
	}
	if err := e.completeCycle(ctx, cfg, cycle, "all positions closed"); err != nil {
		return "", err
	}
	return outcomeOK, nil
}

// loadConfig reads BotConfig and merges the active strategy
func (e *Engine) loadConfig() (*storage.BotConfig, error) {
	cfg, err := e.deps.DB.GetBotConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.ActiveStrategyID == nil {
		return cfg, nil
	}
	strat, err := e.deps.DB.GetStrategy(*cfg.ActiveStrategyID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		log.Warn().Int64("strategy_id", *cfg.ActiveStrategyID).Msg("active strategy missing, using base config")
		return cfg, nil
	case err != nil:
		return nil, fmt.Errorf("load strategy: %w", err)
	}
	return MergeStrategy(cfg, strat), nil
}

// checkRPCEndpoint reports, once per value, a BotConfig endpoint that
// differs from the one the process runs on. Chain clients are built at
// startup from the process config and are not rebuilt.
func (e *Engine) checkRPCEndpoint(ctx context.Context, cfg *storage.BotConfig) {
	want := cfg.RPCEndpoint
	if want == "" || e.opts.RPCURL == "" || want == e.opts.RPCURL || want == e.lastRPCWarned {
		return
	}
	e.lastRPCWarned = want
	e.logEvent(ctx, zerolog.WarnLevel, "rpc_endpoint_ignored", "bot config RPC endpoint differs from the process endpoint, restart to apply", map[string]interface{}{
		"configured": want,
		"active":     e.opts.RPCURL,
	})
}

const redacted = "[redacted]"

// publishConfig emits bot_config when the effective config changed
func (e *Engine) publishConfig(ctx context.Context, cfg *storage.BotConfig) {
	safe := *cfg
	for _, s := range []*string{&safe.BotSecret, &safe.FundingSecret, &safe.ProfitSecret} {
		if *s != "" {
			*s = redacted
		}
	}
	b, err := json.Marshal(safe)
	if err != nil || string(b) == e.lastConfig {
		return
	}
	e.lastConfig = string(b)
	e.publish(ctx, events.New(events.BotConfig, safe))
}

func (e *Engine) ensureWallets(ctx context.Context, t *tickState) ([]*storage.Wallet, error) {
	wallets, err := e.deps.DB.ListWallets(t.cycle.ID, storage.WalletActive)
	if err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}
	if len(wallets) > 0 {
		return wallets, nil
	}

	n := t.cfg.WalletsPerCycle
	if n <= 0 {
		return nil, fmt.Errorf("wallets per cycle must be positive, got %d", n)
	}
	next, err := e.deps.DB.MaxOrdinal(t.cycle.ID)
	if err != nil {
		return nil, err
	}
	next++

	fresh := make([]*storage.Wallet, 0, n)
	for i := 0; i < n; i++ {
		kp, err := crypto.GenerateKeypair()
		if err != nil {
			return nil, fmt.Errorf("generate wallet: %w", err)
		}
		enc, err := e.deps.Vault.SealString(kp.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("seal wallet: %w", err)
		}
		fresh = append(fresh, &storage.Wallet{Role: storage.RoleBuy, Ordinal: next + i, Address: kp.PublicKey, SecretEnc: enc})
	}
	if err := e.deps.DB.InsertWallets(t.cycle.ID, fresh); err != nil {
		return nil, fmt.Errorf("insert wallets: %w", err)
	}

	e.logEvent(ctx, zerolog.InfoLevel, "wallets_created", fmt.Sprintf("created %d wallets", n), map[string]interface{}{
		"cycle_id": t.cycle.ID, "count": n, "first_ordinal": next,
	})
	return fresh, nil
}

// completeCycle sweeps what is left in the cycle's wallets, then wipes
// them in the same transaction that completes the cycle and drops its
// funding plan. A failed sweep leaves the cycle running for the next tick.
func (e *Engine) completeCycle(ctx context.Context, cfg *storage.BotConfig, cycle *storage.Cycle, notes string) error {
	if err := e.sweepWallets(ctx, cfg, cycle); err != nil {
		e.logEvent(ctx, zerolog.ErrorLevel, "sweep_failed", err.Error(), map[string]interface{}{"cycle_id": cycle.ID})
		return fmt.Errorf("sweep cycle %d: %w", cycle.ID, err)
	}
	if err := e.deps.DB.CompleteCycle(cycle.ID, notes); err != nil {
		return fmt.Errorf("complete cycle %d: %w", cycle.ID, err)
	}
	e.deps.Funding.Invalidate(cycle.ID)
	e.pendingMu.Lock()
	for id := range e.pendingFunding {
		delete(e.pendingFunding, id)
	}
	e.pendingMu.Unlock()
	e.logEvent(ctx, zerolog.InfoLevel, "cycle_completed", notes, map[string]interface{}{
		"cycle_id": cycle.ID, "mint": cycle.TokenMint,
	})
	return nil
}

// sweepFeeLamports is left behind to pay for the sweep itself
const sweepFeeLamports = 5000

// sweepWallets returns the SOL still held by the cycle's active wallets to
// the funding wallet. Only the engine holds these keys, so this is always a
// direct transfer. Dry runs hold nothing.
func (e *Engine) sweepWallets(ctx context.Context, cfg *storage.BotConfig, cycle *storage.Cycle) error {
	if cfg.DryRun {
		return nil
	}
	wallets, err := e.deps.DB.ListWallets(cycle.ID, storage.WalletActive)
	if err != nil {
		return fmt.Errorf("list wallets: %w", err)
	}
	if len(wallets) == 0 {
		return nil
	}
	to, ok := e.operatorAddress(cfg.FundingSecret)
	if !ok {
		log.Warn().Int64("cycle_id", cycle.ID).Msg("no funding wallet configured, leftover SOL is not swept")
		return nil
	}

	var errs []error
	for _, w := range wallets {
		key, err := e.walletKey(w)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		bal, err := e.deps.Balances.SOLBalance(ctx, key.PublicKey())
		if err != nil {
			errs = append(errs, fmt.Errorf("balance of %s: %w", w.Address, err))
			continue
		}
		if bal <= sweepFeeLamports {
			continue
		}
		if _, err := e.deps.Direct.Transfer(ctx, trading.TransferRequest{
			From:     key,
			To:       to,
			Lamports: bal - sweepFeeLamports,
			Purpose:  trading.PurposeSweep,
			CycleID:  cycle.ID,
			WalletID: w.ID,
		}); err != nil {
			errs = append(errs, fmt.Errorf("sweep %s: %w", w.Address, err))
			continue
		}
		log.Info().Int64("cycle_id", cycle.ID).Str("wallet", w.Address).Str("amount", fmtLamports(bal-sweepFeeLamports)).Msg("wallet swept")
	}
	return errors.Join(errs...)
}

// abandonCycle ends a cycle whose token is no longer configured. Open
// positions are closed first since their wallets are about to be wiped.
func (e *Engine) abandonCycle(ctx context.Context, cfg *storage.BotConfig, cycle *storage.Cycle, newMint string) error {
	open, err := e.deps.DB.ListOpenPositions(cycle.ID)
	if err != nil {
		return fmt.Errorf("open positions: %w", err)
	}
	for _, p := range open {
		if err := e.deps.DB.RecordExit(p.ID, storage.PositionExit{Reason: ReasonTokenChanged, Note: "token changed", Close: true}); err != nil {
			return fmt.Errorf("close position %d: %w", p.ID, err)
		}
	}
	if len(open) > 0 {
		e.logEvent(ctx, zerolog.WarnLevel, "positions_abandoned", fmt.Sprintf("closed %d positions without selling", len(open)), map[string]interface{}{
			"cycle_id": cycle.ID, "count": len(open),
		})
	}
	return e.completeCycle(ctx, cfg, cycle, fmt.Sprintf("token changed from %s to %s", cycle.TokenMint, newMint))
}

// walletKey opens a cycle wallet's sealed secret
func (e *Engine) walletKey(w *storage.Wallet) (solana.PrivateKey, error) {
	if w.SecretEnc == "" {
		return nil, fmt.Errorf("wallet %s has no secret", w.Address)
	}
	return e.openKey(w.SecretEnc)
}

func (e *Engine) openKey(envelope string) (solana.PrivateKey, error) {
	secret, err := e.deps.Vault.OpenString(envelope)
	if err != nil {
		return nil, err
	}
	return crypto.SolanaPrivateKey(secret)
}

// operatorAddress is the public key behind one of the configured secrets
func (e *Engine) operatorAddress(envelope string) (solana.PublicKey, bool) {
	if envelope == "" {
		return solana.PublicKey{}, false
	}
	key, err := e.openKey(envelope)
	if err != nil {
		log.Warn().Err(err).Msg("failed to open configured wallet secret")
		return solana.PublicKey{}, false
	}
	return key.PublicKey(), true
}

// privacyRouted reports whether SOL movements go through the privacy
// service. Dry runs never leave the engine.
func (e *Engine) privacyRouted(cfg *storage.BotConfig) bool {
	return !cfg.DryRun && cfg.UsePrivacyRouting && e.deps.Privacy != nil
}

// transferrer picks the route for SOL movements out of operator wallets
func (e *Engine) transferrer(cfg *storage.BotConfig) trading.Transferrer {
	if !e.privacyRouted(cfg) {
		return e.deps.Direct
	}
	return trading.NewFallbackTransferrer(e.deps.Privacy, e.deps.Direct)
}
