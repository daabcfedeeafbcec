package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"solana-ultibot/internal/funding"
	"solana-ultibot/storage"
)

// Close reasons recorded on positions
const (
	ReasonMarketCap    = "MCAP_TAKE_PROFIT"
	ReasonTakeProfit   = "TAKE_PROFIT"
	ReasonStopLoss     = "STOP_LOSS"
	ReasonMaxHold      = "MAX_HOLD"
	ReasonZeroBalance  = "ZERO_BALANCE"
	ReasonIntruder     = "INTRUDER_SELL"
	ReasonManual       = "MANUAL"
	ReasonTokenChanged = "TOKEN_CHANGED"
)

// exitRules are the thresholds that apply to one position
type exitRules struct {
	TakeProfitPct float64
	StopLossPct   float64
	MaxHold       time.Duration
	Levels        []storage.MarketCapLevel
}

// exitSignal is a firing exit condition
type exitSignal struct {
	Reason  string
	SellPct float64
	// Level is the market cap level index, -1 for other reasons
	Level int
}

// rulesFor resolves thresholds for a wallet. Group settings win over the
// cycle-wide ones; a group's tier is chosen by the wallet's funding tier.
func rulesFor(p storage.Params, g *storage.WalletGroup, ordinal int) exitRules {
	r := exitRules{
		TakeProfitPct: p.TakeProfitPct,
		StopLossPct:   p.StopLossPct,
		MaxHold:       time.Duration(p.MaxHoldSeconds) * time.Second,
	}
	if g == nil {
		return r
	}
	if len(g.Tiers) > 0 {
		i := funding.TierNumber(ordinal)
		if i >= len(g.Tiers) {
			i = len(g.Tiers) - 1
		}
		if tp := g.Tiers[i].TakeProfitPct; tp > 0 {
			r.TakeProfitPct = tp
		}
		if sl := g.Tiers[i].StopLossPct; sl > 0 {
			r.StopLossPct = sl
		}
	}
	if g.MaxHoldSeconds != nil {
		r.MaxHold = time.Duration(*g.MaxHoldSeconds) * time.Second
	}
	r.Levels = g.MarketCapLevels
	return r
}

var hundred = decimal.NewFromInt(100)

// pnlDecimal is the price move since entry in percent, rounded to 8
// places; false when either price is unknown
func pnlDecimal(p *storage.Position, priceUSD float64) (decimal.Decimal, bool) {
	if priceUSD <= 0 || p.EntryPriceUSD == nil || *p.EntryPriceUSD <= 0 {
		return decimal.Zero, false
	}
	return decimal.NewFromFloat(priceUSD).
		Div(decimal.NewFromFloat(*p.EntryPriceUSD)).
		Sub(decimal.NewFromInt(1)).
		Mul(hundred).
		Round(8), true
}

func pnlPct(p *storage.Position, priceUSD float64) (float64, bool) {
	d, ok := pnlDecimal(p, priceUSD)
	if !ok {
		return 0, false
	}
	f, _ := d.Float64()
	return f, true
}

// evaluateExit returns the highest priority firing condition: market cap
// level, then take-profit, then stop-loss, then max hold. Zero prices mean
// unknown, which leaves only max hold able to fire.
func evaluateExit(p *storage.Position, r exitRules, priceUSD, marketCapUSD float64, now time.Time) *exitSignal {
	if marketCapUSD > 0 {
		for i, lvl := range r.Levels {
			if lvl.Executed || lvl.MarketCapUSD <= 0 || marketCapUSD < lvl.MarketCapUSD {
				continue
			}
			pct := lvl.SellPct
			if pct <= 0 || pct > 100 {
				pct = 100
			}
			return &exitSignal{Reason: ReasonMarketCap, SellPct: pct, Level: i}
		}
	}

	if pnl, ok := pnlDecimal(p, priceUSD); ok {
		if r.TakeProfitPct > 0 && pnl.GreaterThanOrEqual(decimal.NewFromFloat(r.TakeProfitPct)) {
			return &exitSignal{Reason: ReasonTakeProfit, SellPct: 100, Level: -1}
		}
		if r.StopLossPct > 0 && pnl.LessThanOrEqual(decimal.NewFromFloat(-r.StopLossPct)) {
			return &exitSignal{Reason: ReasonStopLoss, SellPct: 100, Level: -1}
		}
	}

	if r.MaxHold > 0 && now.Sub(p.OpenedTime()) >= r.MaxHold {
		return &exitSignal{Reason: ReasonMaxHold, SellPct: 100, Level: -1}
	}
	return nil
}

// evaluateExits marks every open position to the current price and sells
// those with a firing condition
func (e *Engine) evaluateExits(ctx context.Context, t *tickState, open []*storage.Position) {
	wallets, err := e.deps.DB.ListWallets(t.cycle.ID, "")
	if err != nil {
		log.Error().Err(err).Int64("cycle_id", t.cycle.ID).Msg("failed to list wallets")
		return
	}
	byID := make(map[int64]*storage.Wallet, len(wallets))
	for _, w := range wallets {
		byID[w.ID] = w
	}
	groups := newGroupCache(e.deps.DB)

	price, mcap := t.priceUSD(), t.marketCapUSD()
	var orders []sellOrder
	for _, p := range open {
		w := byID[p.WalletID]
		if w == nil {
			log.Error().Int64("position_id", p.ID).Int64("wallet_id", p.WalletID).Msg("position without wallet")
			continue
		}
		g := groups.get(w.GroupID)

		if price > 0 {
			var pnl *float64
			if v, ok := pnlPct(p, price); ok {
				pnl = &v
			}
			if err := e.deps.DB.MarkPosition(p.ID, price, pnl); err != nil {
				log.Warn().Err(err).Int64("position_id", p.ID).Msg("failed to mark position")
			}
		}

		sig := evaluateExit(p, rulesFor(t.cfg.Params, g, w.Ordinal), price, mcap, t.now)
		if sig == nil {
			continue
		}
		o := sellOrder{pos: p, wallet: w, group: g, pct: sig.SellPct, reason: sig.Reason, level: sig.Level}
		if sig.Level >= 0 {
			o.note = fmt.Sprintf("market cap %.0f reached level %d", mcap, sig.Level)
		}
		orders = append(orders, o)
	}
	if len(orders) == 0 {
		return
	}

	results := e.sellBatch(ctx, t.cfg, t.quote, orders)

	// a level is spent once any of its sells went through
	fired := make(map[[2]int64]bool)
	for i, o := range orders {
		if o.level < 0 || o.group == nil || results[i] != nil {
			continue
		}
		key := [2]int64{o.group.ID, int64(o.level)}
		if fired[key] {
			continue
		}
		fired[key] = true
		if _, err := e.deps.DB.MarkLevelExecuted(o.group.ID, o.level); err != nil {
			log.Error().Err(err).Int64("group_id", o.group.ID).Int("level", o.level).Msg("failed to mark level executed")
		}
	}

	e.markGroupsExited(t, byID, groups)
}

// markGroupsExited moves HOLDING groups without open positions to EXITED
func (e *Engine) markGroupsExited(t *tickState, wallets map[int64]*storage.Wallet, groups *groupCache) {
	still, err := e.deps.DB.ListOpenPositions(t.cycle.ID)
	if err != nil {
		return
	}
	holding := make(map[int64]bool)
	for _, p := range still {
		if w := wallets[p.WalletID]; w != nil && w.GroupID != nil {
			holding[*w.GroupID] = true
		}
	}
	for id := range groups.loaded() {
		if holding[id] {
			continue
		}
		g, err := e.deps.DB.GetGroup(id)
		if err != nil || g.Phase != storage.PhaseHolding {
			continue
		}
		g.Phase = storage.PhaseExited
		if err := e.deps.DB.SaveGroup(g); err != nil {
			log.Warn().Err(err).Int64("group_id", id).Msg("failed to save wallet group")
		}
	}
}

// groupCache loads each wallet group once per tick
type groupCache struct {
	db     *storage.DB
	mu     sync.Mutex
	groups map[int64]*storage.WalletGroup
}

func newGroupCache(db *storage.DB) *groupCache {
	return &groupCache{db: db, groups: make(map[int64]*storage.WalletGroup)}
}

func (c *groupCache) get(id *int64) *storage.WalletGroup {
	if id == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if g, ok := c.groups[*id]; ok {
		return g
	}
	g, err := c.db.GetGroup(*id)
	if err != nil {
		log.Warn().Err(err).Int64("group_id", *id).Msg("failed to load wallet group")
		g = nil
	}
	c.groups[*id] = g
	return g
}

func (c *groupCache) loaded() map[int64]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int64]bool, len(c.groups))
	for id, g := range c.groups {
		if g != nil {
			out[id] = true
		}
	}
	return out
}
