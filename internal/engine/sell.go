package engine

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"solana-ultibot/events"
	"solana-ultibot/storage"
	"solana-ultibot/trading"
)

// sellOrder asks for pct of a position's tokens to be sold
type sellOrder struct {
	pos    *storage.Position
	wallet *storage.Wallet
	group  *storage.WalletGroup
	pct    float64
	reason string
	note   string
	level  int
}

// sellBatch runs the orders with bounded concurrency and returns each
// order's error at its index
func (e *Engine) sellBatch(ctx context.Context, cfg *storage.BotConfig, quote *trading.Quote, orders []sellOrder) []error {
	results := make([]error, len(orders))
	runBatch(e.opts.SellConcurrency, len(orders), func(i int) {
		o := orders[i]
		err := e.sell(ctx, cfg, quote, o)
		if err != nil {
			log.Error().Err(err).
				Int64("cycle_id", o.pos.CycleID).
				Int64("position_id", o.pos.ID).
				Str("wallet", o.wallet.Address).
				Str("mint", o.pos.Mint).
				Str("reason", o.reason).
				Msg("sell failed")
		}
		results[i] = err
	})
	return results
}

// sell swaps pct of the wallet's tokens back to SOL, records the exit and
// routes the proceeds. A zero on-chain balance closes the position.
func (e *Engine) sell(ctx context.Context, cfg *storage.BotConfig, quote *trading.Quote, o sellOrder) error {
	if o.wallet.Status != storage.WalletActive {
		return fmt.Errorf("wallet %s is %s", o.wallet.Address, o.wallet.Status)
	}
	key, err := e.walletKey(o.wallet)
	if err != nil {
		return err
	}

	balance := o.pos.RemainingTokens()
	if !cfg.DryRun {
		mint, err := solana.PublicKeyFromBase58(o.pos.Mint)
		if err != nil {
			return fmt.Errorf("bad mint %s: %w", o.pos.Mint, err)
		}
		bal, err := e.deps.Balances.TokenBalance(ctx, key.PublicKey(), mint)
		if err != nil {
			return fmt.Errorf("token balance: %w", err)
		}
		if bal == 0 {
			return e.closeZeroBalance(ctx, o)
		}
		balance = bal
	}

	amount := balance
	if o.pct < 100 {
		amount = pctOf(balance, o.pct)
	}
	closing := amount >= balance

	// the quote only prices the configured token
	var priceUSD float64
	if quote != nil && o.pos.Mint == cfg.TokenMint {
		priceUSD = quote.USD
	}

	if amount == 0 {
		if !closing {
			return nil
		}
		// nothing known to sell, typically a dry-run buy with no quoted output
		return e.recordExit(ctx, o, &trading.SwapResult{DryRun: cfg.DryRun}, 0, priceUSD, true)
	}

	trade := &storage.Trade{
		CycleID:    o.pos.CycleID,
		WalletID:   o.wallet.ID,
		Side:       storage.SideSell,
		InputMint:  o.pos.Mint,
		OutputMint: trading.SOL_MINT,
		AmountIn:   amount,
	}
	if err := e.deps.DB.InsertPendingTrade(trade); err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	res, err := e.deps.Swapper.Swap(ctx, trading.SwapRequest{
		Owner:       key,
		InputMint:   o.pos.Mint,
		OutputMint:  trading.SOL_MINT,
		AmountIn:    amount,
		SlippagePct: cfg.SlippagePct,
		DryRun:      cfg.DryRun,
	})
	e.finalizeTrade(trade, res, err)
	if err != nil {
		return fmt.Errorf("swap: %w", err)
	}

	if err := e.recordExit(ctx, o, res, amount, priceUSD, closing); err != nil {
		return err
	}

	if res.OutputAmount > 0 && !res.DryRun {
		e.routeProceeds(ctx, cfg, o, key, res.OutputAmount)
	}
	return nil
}

func (e *Engine) recordExit(ctx context.Context, o sellOrder, res *trading.SwapResult, sold uint64, priceUSD float64, closing bool) error {
	exit := storage.PositionExit{
		TokensSold:  sold,
		SOLReceived: res.OutputAmount,
		Reason:      o.reason,
		Close:       closing,
	}
	exit.Note = o.reason
	if res.Signature != "" {
		exit.Note += " " + res.Signature
	}
	if o.note != "" {
		exit.Note += " (" + o.note + ")"
	}

	if priceUSD > 0 {
		exit.PriceUSD = &priceUSD
	}
	if v, ok := pnlPct(o.pos, priceUSD); ok {
		exit.PnLPct = &v
	} else if closing && o.pos.EntrySOL > 0 && res.OutputAmount > 0 {
		// no price: fall back to SOL in versus SOL out
		out := float64(o.pos.ExitSOL + res.OutputAmount)
		v := (out/float64(o.pos.EntrySOL) - 1) * 100
		exit.PnLPct = &v
	}

	if err := e.deps.DB.RecordExit(o.pos.ID, exit); err != nil {
		return fmt.Errorf("record exit: %w", err)
	}

	data := map[string]interface{}{
		"cycle_id":     o.pos.CycleID,
		"position_id":  o.pos.ID,
		"wallet":       o.wallet.Address,
		"mint":         o.pos.Mint,
		"reason":       o.reason,
		"tokens_sold":  sold,
		"sol_received": res.OutputAmount,
		"signature":    res.Signature,
		"provider":     res.Provider,
		"dry_run":      res.DryRun,
		"closed":       closing,
	}
	if exit.PnLPct != nil {
		data["pnl_pct"] = *exit.PnLPct
	}
	e.publish(ctx, events.New(events.PositionSold, data))

	log.Info().
		Int64("cycle_id", o.pos.CycleID).
		Int64("position_id", o.pos.ID).
		Str("wallet", o.wallet.Address).
		Str("mint", o.pos.Mint).
		Str("reason", o.reason).
		Uint64("tokens_sold", sold).
		Str("received", fmtLamports(res.OutputAmount)).
		Bool("closed", closing).
		Msg("position sold")
	return nil
}

func (e *Engine) closeZeroBalance(ctx context.Context, o sellOrder) error {
	if err := e.deps.DB.RecordExit(o.pos.ID, storage.PositionExit{
		Reason: ReasonZeroBalance,
		Note:   fmt.Sprintf("%s (wanted %s)", ReasonZeroBalance, o.reason),
		Close:  true,
	}); err != nil {
		return fmt.Errorf("close position: %w", err)
	}
	log.Warn().Int64("position_id", o.pos.ID).Str("wallet", o.wallet.Address).Msg("no tokens left, position closed")
	return nil
}

// routeProceeds sends the profit share to the profit wallet and the rest
// back to the funding wallet. A missing destination keeps that share in
// the cycle wallet.
//
// The privacy service cannot sign for cycle wallets, so with privacy
// routing the proceeds are first swept into the bot wallet and the
// requests are issued from there.
func (e *Engine) routeProceeds(ctx context.Context, cfg *storage.BotConfig, o sellOrder, from solana.PrivateKey, lamports uint64) {
	share := cfg.ProfitRoutePct
	if o.group != nil && o.group.ProfitRoutePct != nil {
		share = *o.group.ProfitRoutePct
	}
	share = min(max(share, 0), 100)

	profit := pctOf(lamports, share)
	legs := []struct {
		secret  string
		amount  uint64
		purpose string
	}{
		{cfg.ProfitSecret, profit, trading.PurposeProfit},
		{cfg.FundingSecret, lamports - profit, trading.PurposeReturn},
	}

	tr := e.deps.Direct
	if e.privacyRouted(cfg) {
		if staging, err := e.stageProceeds(ctx, cfg, o, from, lamports); err != nil {
			log.Warn().Err(err).Str("wallet", o.wallet.Address).Msg("cannot stage proceeds for privacy routing, transferring directly")
		} else {
			from, tr = staging, e.transferrer(cfg)
		}
	}

	for _, leg := range legs {
		if leg.amount == 0 {
			continue
		}
		to, ok := e.operatorAddress(leg.secret)
		if !ok {
			log.Warn().Str("purpose", leg.purpose).Msg("no destination wallet configured, proceeds stay in place")
			continue
		}
		res, err := tr.Transfer(ctx, trading.TransferRequest{
			From:     from,
			To:       to,
			Lamports: leg.amount,
			Purpose:  leg.purpose,
			CycleID:  o.pos.CycleID,
			WalletID: o.wallet.ID,
		})
		if err != nil {
			log.Error().Err(err).Str("purpose", leg.purpose).Str("wallet", o.wallet.Address).Msg("failed to route proceeds")
			continue
		}
		log.Info().Str("purpose", leg.purpose).Str("route", res.Route).Str("amount", fmtLamports(leg.amount)).Str("wallet", o.wallet.Address).Msg("proceeds routed")
	}
}

// stageProceeds moves lamports from the cycle wallet into the bot wallet
// and returns the bot wallet's key
func (e *Engine) stageProceeds(ctx context.Context, cfg *storage.BotConfig, o sellOrder, from solana.PrivateKey, lamports uint64) (solana.PrivateKey, error) {
	if cfg.BotSecret == "" {
		return nil, errors.New("no bot wallet configured")
	}
	staging, err := e.openKey(cfg.BotSecret)
	if err != nil {
		return nil, fmt.Errorf("open bot wallet: %w", err)
	}
	if _, err := e.deps.Direct.Transfer(ctx, trading.TransferRequest{
		From:     from,
		To:       staging.PublicKey(),
		Lamports: lamports,
		Purpose:  trading.PurposeSweep,
		CycleID:  o.pos.CycleID,
		WalletID: o.wallet.ID,
	}); err != nil {
		return nil, fmt.Errorf("sweep to bot wallet: %w", err)
	}
	return staging, nil
}

// sellAcross sells pct from every open position of every cycle whose
// wallet passes keep. It returns the number of successful sells.
func (e *Engine) sellAcross(ctx context.Context, cfg *storage.BotConfig, quote *trading.Quote, pct float64, reason string, keep func(*storage.Wallet) bool) (int, error) {
	open, err := e.deps.DB.ListAllOpenPositions()
	if err != nil {
		return 0, fmt.Errorf("open positions: %w", err)
	}

	var orders []sellOrder
	groups := newGroupCache(e.deps.DB)
	for _, p := range open {
		w, err := e.deps.DB.GetWallet(p.WalletID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				log.Error().Int64("position_id", p.ID).Msg("position without wallet")
				continue
			}
			return 0, err
		}
		if keep != nil && !keep(w) {
			continue
		}
		orders = append(orders, sellOrder{pos: p, wallet: w, group: groups.get(w.GroupID), pct: pct, reason: reason, level: -1})
	}

	sold := 0
	for _, err := range e.sellBatch(ctx, cfg, quote, orders) {
		if err == nil {
			sold++
		}
	}
	return sold, nil
}

// pctOf is floor(v * pct / 100)
func pctOf(v uint64, pct float64) uint64 {
	if pct <= 0 {
		return 0
	}
	if pct >= 100 {
		return v
	}
	d := decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0).
		Mul(decimal.NewFromFloat(pct)).
		Div(decimal.NewFromInt(100)).
		Floor()
	return d.BigInt().Uint64()
}
