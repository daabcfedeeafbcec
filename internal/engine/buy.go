package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"solana-ultibot/internal/funding"
	"solana-ultibot/internal/observability"
	"solana-ultibot/storage"
	"solana-ultibot/trading"
)

// errFundingPending means a privacy transfer was requested and the swap
// has to wait for the funds
var errFundingPending = errors.New("funding requested, waiting for funds")

// pendingFundingTTL is how long a privacy funding request is trusted
// before it is requested again
const pendingFundingTTL = 2 * time.Minute

// buyBatch funds and buys for every wallet with bounded concurrency. One
// wallet's failure is logged and recorded and never stops the others. The
// funding plan is sized for all of the cycle's wallets so a partial batch
// reuses the cached plan.
func (e *Engine) buyBatch(ctx context.Context, t *tickState, wallets, cycleWallets []*storage.Wallet) {
	maxOrdinal := 0
	for _, w := range cycleWallets {
		if w.Ordinal > maxOrdinal {
			maxOrdinal = w.Ordinal
		}
	}
	plan := e.deps.Funding.ForCycle(t.cycle.ID, maxOrdinal+1, funding.Inputs{
		Supply:           t.mint.Supply,
		Decimals:         t.mint.Decimals,
		PriceSOL:         t.priceSOL(),
		SlippageBuffer:   t.cfg.FundingSlippageBuffer,
		FallbackLamports: t.cfg.FallbackLamports,
	})
	if !plan.Priced {
		log.Warn().Int64("cycle_id", t.cycle.ID).Uint64("lamports_per_wallet", t.cfg.FallbackLamports).Msg("price unknown, using fallback funding")
	}

	var (
		mu     sync.Mutex
		opened []*storage.Wallet
		failed int
	)
	runBatch(e.opts.BuyConcurrency, len(wallets), func(i int) {
		w := wallets[i]
		err := e.buy(ctx, t, w, plan.Wallets[w.Ordinal])

		mu.Lock()
		defer mu.Unlock()
		switch {
		case err == nil:
			opened = append(opened, w)
		case errors.Is(err, errFundingPending):
			log.Info().Int64("cycle_id", t.cycle.ID).Str("wallet", w.Address).Msg("waiting for privacy funding")
		default:
			failed++
			log.Error().Err(err).Int64("cycle_id", t.cycle.ID).Str("wallet", w.Address).Str("mint", t.cfg.TokenMint).Msg("buy failed")
		}
	})

	e.markGroupsHolding(ctx, t, opened)

	level := zerolog.InfoLevel
	if failed > 0 {
		level = zerolog.WarnLevel
	}
	e.logEvent(ctx, level, "buy_batch", fmt.Sprintf("opened %d of %d positions", len(opened), len(wallets)), map[string]interface{}{
		"cycle_id": t.cycle.ID,
		"opened":   len(opened),
		"failed":   failed,
		"priced":   plan.Priced,
		"total":    fmtLamports(plan.TotalLamports),
		"dry_run":  t.cfg.DryRun,
	})
}

func (e *Engine) buy(ctx context.Context, t *tickState, w *storage.Wallet, wf funding.WalletFunding) error {
	cfg := t.cfg
	if wf.RequiredLamports == 0 {
		return errors.New("zero funding requirement")
	}
	key, err := e.walletKey(w)
	if err != nil {
		return err
	}

	trade := &storage.Trade{
		CycleID:    t.cycle.ID,
		WalletID:   w.ID,
		Side:       storage.SideBuy,
		InputMint:  trading.SOL_MINT,
		OutputMint: cfg.TokenMint,
		AmountIn:   wf.RequiredLamports,
	}

	if err := e.fund(ctx, t, w, key, wf.RequiredLamports); err != nil {
		if errors.Is(err, errFundingPending) {
			return err
		}
		e.recordFailedTrade(trade, err)
		return err
	}

	if err := e.deps.DB.InsertPendingTrade(trade); err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	res, err := e.deps.Swapper.Swap(ctx, trading.SwapRequest{
		Owner:       key,
		InputMint:   trading.SOL_MINT,
		OutputMint:  cfg.TokenMint,
		AmountIn:    wf.RequiredLamports,
		SlippagePct: cfg.SlippagePct,
		DryRun:      cfg.DryRun,
	})
	e.finalizeTrade(trade, res, err)
	if err != nil {
		return fmt.Errorf("swap: %w", err)
	}

	pos := &storage.Position{
		CycleID:     t.cycle.ID,
		WalletID:    w.ID,
		Mint:        cfg.TokenMint,
		EntrySOL:    wf.RequiredLamports,
		EntryTokens: res.OutputAmount,
		Notes:       fmt.Sprintf("BUY %s via %s", res.Signature, res.Provider),
	}
	if usd := t.priceUSD(); usd > 0 {
		pos.EntryPriceUSD = &usd
	}
	if err := e.deps.DB.OpenPosition(pos); err != nil {
		return fmt.Errorf("open position: %w", err)
	}

	log.Info().
		Int64("cycle_id", t.cycle.ID).
		Str("wallet", w.Address).
		Str("mint", cfg.TokenMint).
		Str("spent", fmtLamports(wf.RequiredLamports)).
		Uint64("tokens", res.OutputAmount).
		Str("provider", res.Provider).
		Bool("dry_run", res.DryRun).
		Msg("position opened")
	return nil
}

// fund tops the wallet up to its requirement plus the fee reserve
func (e *Engine) fund(ctx context.Context, t *tickState, w *storage.Wallet, key solana.PrivateKey, required uint64) error {
	cfg := t.cfg
	need := required + e.opts.FeeReserve

	var have uint64
	if !cfg.DryRun {
		bal, err := e.deps.Balances.SOLBalance(ctx, key.PublicKey())
		if err != nil {
			return fmt.Errorf("wallet balance: %w", err)
		}
		if bal >= need {
			e.clearPendingFunding(w.ID)
			return nil
		}
		have = bal
		if e.fundingPending(w.ID) {
			return errFundingPending
		}
	}

	var funder solana.PrivateKey
	if cfg.FundingSecret != "" {
		k, err := e.openKey(cfg.FundingSecret)
		if err != nil {
			return fmt.Errorf("open funding wallet: %w", err)
		}
		funder = k
	} else if !cfg.DryRun {
		return errors.New("no funding wallet configured")
	}

	res, err := e.transferrer(cfg).Transfer(ctx, trading.TransferRequest{
		From:     funder,
		To:       key.PublicKey(),
		Lamports: need - have,
		Purpose:  trading.PurposeFunding,
		CycleID:  t.cycle.ID,
		WalletID: w.ID,
		DryRun:   cfg.DryRun,
	})
	if err != nil {
		return fmt.Errorf("fund wallet: %w", err)
	}
	if res.Pending {
		e.setPendingFunding(w.ID)
		return errFundingPending
	}
	return nil
}

func (e *Engine) fundingPending(walletID int64) bool {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	at, ok := e.pendingFunding[walletID]
	return ok && e.now().Sub(at) < pendingFundingTTL
}

// lateWallets are the wallets without a position that asked for privacy
// funding; they keep trying to buy after the rest of the cycle has.
func (e *Engine) lateWallets(wallets []*storage.Wallet, positions []*storage.Position) []*storage.Wallet {
	held := make(map[int64]bool, len(positions))
	for _, p := range positions {
		held[p.WalletID] = true
	}
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	var late []*storage.Wallet
	for _, w := range wallets {
		if _, asked := e.pendingFunding[w.ID]; asked && !held[w.ID] {
			late = append(late, w)
		}
	}
	return late
}

// awaitingFunds counts late wallets whose funding request is still
// trusted. The cycle is not completed while any exist, since their
// funds may land after the wallets are wiped.
func (e *Engine) awaitingFunds(wallets []*storage.Wallet, positions []*storage.Position) int {
	n := 0
	for _, w := range e.lateWallets(wallets, positions) {
		if e.fundingPending(w.ID) {
			n++
		}
	}
	return n
}

func (e *Engine) setPendingFunding(walletID int64) {
	e.pendingMu.Lock()
	e.pendingFunding[walletID] = e.now()
	e.pendingMu.Unlock()
}

func (e *Engine) clearPendingFunding(walletID int64) {
	e.pendingMu.Lock()
	delete(e.pendingFunding, walletID)
	e.pendingMu.Unlock()
}

// markGroupsHolding moves the groups of freshly bought wallets into HOLDING
// and records their entry baseline
func (e *Engine) markGroupsHolding(ctx context.Context, t *tickState, opened []*storage.Wallet) {
	seen := make(map[int64]bool)
	for _, w := range opened {
		if w.GroupID == nil || seen[*w.GroupID] {
			continue
		}
		seen[*w.GroupID] = true

		g, err := e.deps.DB.GetGroup(*w.GroupID)
		if err != nil {
			log.Warn().Err(err).Int64("group_id", *w.GroupID).Msg("failed to load wallet group")
			continue
		}
		if g.Phase == storage.PhaseHolding && g.EntryPriceUSD != nil {
			continue
		}
		if g.Phase != storage.PhaseHolding {
			for i := range g.MarketCapLevels {
				g.MarketCapLevels[i].Executed = false
			}
		}
		g.Phase = storage.PhaseHolding
		if usd := t.priceUSD(); usd > 0 {
			g.EntryPriceUSD = &usd
		}
		if mcap := t.marketCapUSD(); mcap > 0 {
			g.EntryMarketCapUSD = &mcap
		}
		if err := e.deps.DB.SaveGroup(g); err != nil {
			log.Warn().Err(err).Int64("group_id", g.ID).Msg("failed to save wallet group")
			continue
		}
		e.logEvent(ctx, zerolog.InfoLevel, "group_holding", fmt.Sprintf("group %s holding", g.Name), map[string]interface{}{
			"group_id": g.ID, "cycle_id": t.cycle.ID,
		})
	}
}

// recordFailedTrade writes a FAILED trade for an attempt that never reached the swap
func (e *Engine) recordFailedTrade(trade *storage.Trade, cause error) {
	if err := e.deps.DB.InsertPendingTrade(trade); err != nil {
		log.Error().Err(err).Msg("failed to record trade")
		return
	}
	e.finalizeTrade(trade, nil, cause)
}

// finalizeTrade moves a PENDING trade to its terminal status
func (e *Engine) finalizeTrade(trade *storage.Trade, res *trading.SwapResult, swapErr error) {
	if swapErr != nil {
		trade.Status = storage.TradeFailed
		trade.Error = swapErr.Error()
	} else {
		trade.Status = storage.TradeConfirmed
		if res.DryRun {
			trade.Status = storage.TradeSimulated
		}
		trade.AmountOut = res.OutputAmount
		trade.Signature = res.Signature
		trade.Provider = res.Provider
	}
	if err := e.deps.DB.FinalizeTrade(trade); err != nil {
		log.Error().Err(err).Int64("trade_id", trade.ID).Msg("failed to finalize trade")
	}
	observability.RecordTrade(trade.Side, trade.Status)
}
