package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"solana-ultibot/events"
	"solana-ultibot/internal/observability"
	isolana "solana-ultibot/internal/solana"
	"solana-ultibot/storage"
)

const topHolders = 20

// checkIntruders refreshes the holder snapshot, publishes it and runs the
// configured reactions when the trigger fires. It reports whether the bot
// was paused.
func (e *Engine) checkIntruders(ctx context.Context, t *tickState, cycle *storage.Cycle) (bool, error) {
	cfg := t.cfg
	snap, err := e.deps.Holders.Refresh(ctx, cfg.TokenMint, t.mint.Decimals, t.mint.Supply)
	if err != nil {
		ev := log.Error()
		if errors.Is(err, isolana.ErrScanTimedOut) {
			ev = log.Warn()
		}
		ev.Err(err).Str("mint", cfg.TokenMint).Msg("holder scan failed, keeping previous snapshot")
	}

	metrics := events.MetricsData{Mint: cfg.TokenMint}
	if t.quote != nil {
		usd, mcap := t.quote.USD, t.quote.MarketCapUSD
		metrics.PriceUSD, metrics.PriceSource = &usd, t.quote.Source
		if mcap > 0 {
			metrics.MarketCapUSD = &mcap
		}
	}
	if snap == nil {
		e.publish(ctx, events.New(events.Metrics, metrics))
		return false, nil
	}

	whitelist, err := e.whitelist(cfg, cycle)
	if err != nil {
		return false, err
	}
	pct, ok := snap.NonWhitelistedPct(whitelist)
	if ok {
		t.intruderPct = &pct
		metrics.IntruderPct = &pct
	}
	metrics.HolderCount = len(snap.Holders)
	observability.UpdateHolders(len(snap.Holders), pct)

	if !snap.ScannedAt.Equal(e.lastSnapshotAt) {
		e.lastSnapshotAt = snap.ScannedAt
		e.publish(ctx, events.New(events.Holders, map[string]interface{}{
			"mint":       snap.Mint,
			"supply":     snap.Supply,
			"holders":    snap.Top(topHolders),
			"count":      len(snap.Holders),
			"scanned_at": snap.ScannedAt,
		}))
	}
	e.publish(ctx, events.New(events.Metrics, metrics))

	if !ok || cfg.IntruderTriggerPct <= 0 || pct < cfg.IntruderTriggerPct {
		return false, nil
	}
	if maxAge := cfg.IntruderMaxSnapshotAgeSeconds; maxAge > 0 {
		if age := t.now.Sub(snap.ScannedAt); age > time.Duration(maxAge)*time.Second {
			log.Warn().Dur("age", age).Float64("intruder_pct", pct).Msg("snapshot too old to trigger reactions")
			return false, nil
		}
	}
	// unless rearmed, a snapshot triggers at most once
	if !cfg.IntruderRearmEachTick && snap.ScannedAt.Equal(e.lastTriggerAt) {
		return false, nil
	}
	e.lastTriggerAt = snap.ScannedAt

	return e.react(ctx, t, pct)
}

// whitelist is the configured set plus every address the engine controls
func (e *Engine) whitelist(cfg *storage.BotConfig, cycle *storage.Cycle) (map[string]bool, error) {
	wl := make(map[string]bool, len(cfg.Whitelist))
	for _, a := range cfg.Whitelist {
		wl[a] = true
	}
	for _, enc := range []string{cfg.BotSecret, cfg.FundingSecret, cfg.ProfitSecret} {
		if pk, ok := e.operatorAddress(enc); ok {
			wl[pk.String()] = true
		}
	}
	if cycle != nil {
		wallets, err := e.deps.DB.ListWallets(cycle.ID, storage.WalletActive)
		if err != nil {
			return nil, fmt.Errorf("list wallets: %w", err)
		}
		for _, w := range wallets {
			wl[w.Address] = true
		}
	}
	return wl, nil
}

func (e *Engine) react(ctx context.Context, t *tickState, pct float64) (bool, error) {
	cfg := t.cfg
	data := map[string]interface{}{
		"mint":         cfg.TokenMint,
		"intruder_pct": pct,
		"trigger_pct":  cfg.IntruderTriggerPct,
		"reactions":    cfg.IntruderReactions,
	}
	e.publish(ctx, events.New(events.IntruderTrigger, data))

	for _, reaction := range cfg.IntruderReactions {
		switch reaction {
		case storage.ReactionAlert:
			e.logEvent(ctx, zerolog.WarnLevel, "intruder_alert",
				fmt.Sprintf("non-whitelisted holders own %.2f%% of supply", pct), data)

		case storage.ReactionPause:
			if err := e.deps.DB.SetEnabled(false); err != nil {
				return false, fmt.Errorf("pause bot: %w", err)
			}
			e.logEvent(ctx, zerolog.WarnLevel, "intruder_pause", "bot paused by intruder trigger", data)
			return true, nil

		case storage.ReactionSellGroupPercent:
			sellPct := e.randPct(cfg.GroupSellPctMin, cfg.GroupSellPctMax)
			e.logEvent(ctx, zerolog.WarnLevel, "intruder_sell",
				fmt.Sprintf("selling %.2f%% of every open position", sellPct), data)
			if _, err := e.sellAcross(ctx, cfg, t.quote, sellPct, ReasonIntruder, nil); err != nil {
				return false, err
			}

		default:
			log.Warn().Str("reaction", reaction).Msg("unknown intruder reaction")
		}
	}
	return false, nil
}
