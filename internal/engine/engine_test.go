package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solana-ultibot/crypto"
	"solana-ultibot/events"
	isolana "solana-ultibot/internal/solana"
	"solana-ultibot/storage"
	"solana-ultibot/trading"
)

// fakeSwapper buys 1 token per 1000 lamports and sells 1000 lamports per token
type fakeSwapper struct {
	mu    sync.Mutex
	reqs  []trading.SwapRequest
	failN int // fail the n-th call (1-based), 0 never
}

func (f *fakeSwapper) Swap(_ context.Context, req trading.SwapRequest) (*trading.SwapResult, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	n := len(f.reqs)
	f.mu.Unlock()
	if f.failN == n {
		return nil, errors.New("swap rejected")
	}
	out := req.AmountIn / 1000
	if req.OutputMint == trading.SOL_MINT {
		out = req.AmountIn * 1000
	}
	sig := fmt.Sprintf("sig-%d", n)
	if req.DryRun {
		sig = trading.DryRunPrefix + sig
	}
	return &trading.SwapResult{Signature: sig, InputAmount: req.AmountIn, OutputAmount: out, Provider: "fake", DryRun: req.DryRun}, nil
}

func (f *fakeSwapper) requests() []trading.SwapRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]trading.SwapRequest(nil), f.reqs...)
}

type fakePrices struct {
	mu    sync.Mutex
	quote *trading.Quote
}

func (f *fakePrices) set(usd, sol, mcap float64) {
	f.mu.Lock()
	f.quote = &trading.Quote{Price: trading.Price{USD: usd, SOL: sol, MarketCapUSD: mcap}, Source: "fake", At: time.Now()}
	f.mu.Unlock()
}

func (f *fakePrices) Resolve(context.Context, string, float64) (*trading.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.quote == nil {
		return nil, trading.ErrPriceUnavailable
	}
	q := *f.quote
	return &q, nil
}

type fakeMints struct{}

func (fakeMints) Get(_ context.Context, mint string) (*isolana.MintInfo, error) {
	return &isolana.MintInfo{Mint: mint, Supply: 1_000_000_000_000, Decimals: 6}, nil
}

type fakeHolders struct {
	mu   sync.Mutex
	snap *isolana.HolderSnapshot
}

func (f *fakeHolders) set(s *isolana.HolderSnapshot) {
	f.mu.Lock()
	f.snap = s
	f.mu.Unlock()
}

func (f *fakeHolders) Refresh(context.Context, string, uint8, uint64) (*isolana.HolderSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap, nil
}

type fakeBalances struct {
	sol    uint64
	tokens uint64

	mu      sync.Mutex
	wallets map[string]uint64 // per-address SOL, wins over sol
}

func (f *fakeBalances) setSOL(addr string, lamports uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.wallets == nil {
		f.wallets = make(map[string]uint64)
	}
	f.wallets[addr] = lamports
}

func (f *fakeBalances) SOLBalance(_ context.Context, wallet solana.PublicKey) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.wallets[wallet.String()]; ok {
		return v, nil
	}
	return f.sol, nil
}

func (f *fakeBalances) TokenBalance(context.Context, solana.PublicKey, solana.PublicKey) (uint64, error) {
	return f.tokens, nil
}

type fakeTransferrer struct {
	mu   sync.Mutex
	reqs []trading.TransferRequest
	err  error
}

func (f *fakeTransferrer) Transfer(_ context.Context, req trading.TransferRequest) (*trading.TransferResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.reqs = append(f.reqs, req)
	return &trading.TransferResult{Signature: "transfer", Route: trading.RouteDirect}, nil
}

func (f *fakeTransferrer) to(addr string) []trading.TransferRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []trading.TransferRequest
	for _, r := range f.reqs {
		if r.To.String() == addr {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeTransferrer) byPurpose(purpose string) []trading.TransferRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []trading.TransferRequest
	for _, r := range f.reqs {
		if r.Purpose == purpose {
			out = append(out, r)
		}
	}
	return out
}

type harness struct {
	eng      *Engine
	db       *storage.DB
	vault    *crypto.Vault
	swapper  *fakeSwapper
	prices   *fakePrices
	holders  *fakeHolders
	balances *fakeBalances
	direct   *fakeTransferrer
	rec      *events.Recorder
	mint     string
}

func newTestDB(t *testing.T) *storage.DB {
	t.Helper()
	tmpfile, err := os.CreateTemp("", "engine_test_*.db")
	require.NoError(t, err)
	dbPath := tmpfile.Name()
	tmpfile.Close()
	t.Cleanup(func() {
		os.Remove(dbPath)
		os.Remove(dbPath + "-wal")
		os.Remove(dbPath + "-shm")
	})

	db, err := storage.New(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	vault, err := crypto.NewVault(crypto.EncodeToBase64([]byte(strings.Repeat("k", 32))))
	require.NoError(t, err)

	h := &harness{
		db:       newTestDB(t),
		vault:    vault,
		swapper:  &fakeSwapper{},
		prices:   &fakePrices{},
		holders:  &fakeHolders{},
		balances: &fakeBalances{},
		direct:   &fakeTransferrer{},
		rec:      &events.Recorder{},
		mint:     solana.NewWallet().PublicKey().String(),
	}
	h.eng = New(Deps{
		DB:        h.db,
		Vault:     vault,
		Swapper:   h.swapper,
		Prices:    h.prices,
		Mints:     fakeMints{},
		Holders:   h.holders,
		Balances:  h.balances,
		Publisher: h.rec,
		Direct:    h.direct,
	}, Options{TickPeriod: 10 * time.Millisecond})
	return h
}

// config saves an enabled dry-run config for h.mint and returns it
func (h *harness) config(t *testing.T, edit func(*storage.BotConfig)) *storage.BotConfig {
	t.Helper()
	cfg := storage.DefaultBotConfig()
	cfg.Enabled = true
	cfg.TokenMint = h.mint
	cfg.IntruderTriggerPct = 0
	cfg.MaxHoldSeconds = 0
	cfg.TakeProfitPct = 20
	cfg.StopLossPct = 50
	if edit != nil {
		edit(cfg)
	}
	require.NoError(t, h.db.SaveBotConfig(cfg))
	return cfg
}

// sealedKey returns a fresh keypair's address and its vault envelope
func (h *harness) sealedKey(t *testing.T) (string, string) {
	t.Helper()
	kp, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	enc, err := h.vault.SealString(kp.PrivateKey)
	require.NoError(t, err)
	return kp.PublicKey, enc
}

func (h *harness) runningCycle(t *testing.T) *storage.Cycle {
	t.Helper()
	c, err := h.db.GetRunningCycle()
	require.NoError(t, err)
	return c
}

func f64(v float64) *float64 { return &v }

func TestEvaluateExit(t *testing.T) {
	now := time.Now()
	pos := &storage.Position{EntryPriceUSD: f64(1.0), OpenedAt: now.Add(-2 * time.Hour).Unix()}

	t.Run("MarketCapBeatsStopLoss", func(t *testing.T) {
		r := exitRules{StopLossPct: 20, Levels: []storage.MarketCapLevel{{MarketCapUSD: 1e6, SellPct: 50}}}
		sig := evaluateExit(pos, r, 0.5, 2e6, now)
		require.NotNil(t, sig)
		assert.Equal(t, ReasonMarketCap, sig.Reason)
		assert.Equal(t, 50.0, sig.SellPct)
		assert.Equal(t, 0, sig.Level)
	})

	t.Run("ExecutedLevelIsSkipped", func(t *testing.T) {
		r := exitRules{StopLossPct: 20, Levels: []storage.MarketCapLevel{{MarketCapUSD: 1e6, SellPct: 50, Executed: true}}}
		sig := evaluateExit(pos, r, 0.5, 2e6, now)
		require.NotNil(t, sig)
		assert.Equal(t, ReasonStopLoss, sig.Reason)
	})

	t.Run("TakeProfitBeatsMaxHold", func(t *testing.T) {
		r := exitRules{TakeProfitPct: 20, StopLossPct: 20, MaxHold: time.Hour}
		sig := evaluateExit(pos, r, 1.2, 0, now)
		require.NotNil(t, sig)
		assert.Equal(t, ReasonTakeProfit, sig.Reason)
		assert.Equal(t, 100.0, sig.SellPct)
	})

	t.Run("StopLoss", func(t *testing.T) {
		r := exitRules{TakeProfitPct: 20, StopLossPct: 20, MaxHold: time.Hour}
		sig := evaluateExit(pos, r, 0.8, 0, now)
		require.NotNil(t, sig)
		assert.Equal(t, ReasonStopLoss, sig.Reason)
	})

	t.Run("ExactThresholds", func(t *testing.T) {
		r := exitRules{TakeProfitPct: 20, StopLossPct: 20}
		cases := []struct {
			entry, price float64
			want         string
		}{
			{1.0, 1.2, ReasonTakeProfit},
			{1.1, 1.32, ReasonTakeProfit},
			{0.3, 0.36, ReasonTakeProfit},
			{1.0, 0.8, ReasonStopLoss},
			{0.3, 0.24, ReasonStopLoss},
			{0.7, 0.56, ReasonStopLoss},
		}
		for _, tc := range cases {
			p := &storage.Position{EntryPriceUSD: f64(tc.entry), OpenedAt: now.Unix()}
			sig := evaluateExit(p, r, tc.price, 0, now)
			require.NotNil(t, sig, "entry %v price %v", tc.entry, tc.price)
			assert.Equal(t, tc.want, sig.Reason, "entry %v price %v", tc.entry, tc.price)
		}

		p := &storage.Position{EntryPriceUSD: f64(1.0), OpenedAt: now.Unix()}
		assert.Nil(t, evaluateExit(p, r, 1.1999, 0, now))
		assert.Nil(t, evaluateExit(p, r, 0.8001, 0, now))
	})

	t.Run("UnknownPriceOnlyMaxHold", func(t *testing.T) {
		r := exitRules{TakeProfitPct: 1, StopLossPct: 1, MaxHold: time.Hour}
		sig := evaluateExit(pos, r, 0, 0, now)
		require.NotNil(t, sig)
		assert.Equal(t, ReasonMaxHold, sig.Reason)

		r.MaxHold = 3 * time.Hour
		assert.Nil(t, evaluateExit(pos, r, 0, 0, now))
	})

	t.Run("NoEntryPrice", func(t *testing.T) {
		p := &storage.Position{OpenedAt: now.Unix()}
		assert.Nil(t, evaluateExit(p, exitRules{TakeProfitPct: 1, StopLossPct: 1}, 5, 0, now))
	})
}

func TestRulesFor(t *testing.T) {
	p := storage.Params{TakeProfitPct: 30, StopLossPct: 20, MaxHoldSeconds: 60}

	r := rulesFor(p, nil, 0)
	assert.Equal(t, 30.0, r.TakeProfitPct)
	assert.Equal(t, time.Minute, r.MaxHold)

	hold := int64(600)
	g := &storage.WalletGroup{
		Tiers:          []storage.ThresholdTier{{TakeProfitPct: 10}, {TakeProfitPct: 50, StopLossPct: 5}},
		MaxHoldSeconds: &hold,
	}
	r = rulesFor(p, g, 3)
	assert.Equal(t, 10.0, r.TakeProfitPct)
	assert.Equal(t, 20.0, r.StopLossPct)
	assert.Equal(t, 10*time.Minute, r.MaxHold)

	r = rulesFor(p, g, 25)
	assert.Equal(t, 50.0, r.TakeProfitPct)
	assert.Equal(t, 5.0, r.StopLossPct)

	// ordinals past the group's last tier use the last one
	r = rulesFor(p, g, 100)
	assert.Equal(t, 50.0, r.TakeProfitPct)
}

func TestMergeStrategy(t *testing.T) {
	base := storage.DefaultBotConfig()
	base.Enabled = true
	base.TokenMint = "Mint111"
	base.FundingSecret = "v1:secret"
	base.Whitelist = []string{"A"}

	tp := 99.0
	dry := false
	rearm := true
	merged := MergeStrategy(base, &storage.Strategy{Overrides: storage.StrategyOverrides{
		TakeProfitPct:         &tp,
		DryRun:                &dry,
		IntruderRearmEachTick: &rearm,
		Whitelist:             []string{"B", "C"},
	}})

	assert.Equal(t, 99.0, merged.TakeProfitPct)
	assert.False(t, merged.DryRun)
	assert.True(t, merged.IntruderRearmEachTick)
	assert.Equal(t, []string{"B", "C"}, merged.Whitelist)
	assert.True(t, merged.Enabled)
	assert.Equal(t, "Mint111", merged.TokenMint)
	assert.Equal(t, "v1:secret", merged.FundingSecret)
	assert.Equal(t, base.StopLossPct, merged.StopLossPct)

	// the base is untouched
	assert.Equal(t, 30.0, base.TakeProfitPct)
	assert.True(t, base.DryRun)
	assert.Equal(t, []string{"A"}, base.Whitelist)

	merged.Whitelist[0] = "Z"
	assert.Equal(t, []string{"A"}, MergeStrategy(base, nil).Whitelist)
}

func TestPctOf(t *testing.T) {
	assert.Equal(t, uint64(0), pctOf(1000, 0))
	assert.Equal(t, uint64(1000), pctOf(1000, 100))
	assert.Equal(t, uint64(333), pctOf(1000, 33.33))
	assert.Equal(t, uint64(4), pctOf(9, 50))
	assert.Equal(t, uint64(9223372036854775807), pctOf(18446744073709551615, 50))
}

func TestDryRunCycle(t *testing.T) {
	h := newHarness(t)
	h.config(t, nil)
	h.prices.set(1.0, 0.000001, 1e6)
	ctx := context.Background()

	require.NoError(t, h.eng.Tick(ctx))

	cycle := h.runningCycle(t)
	assert.Equal(t, h.mint, cycle.TokenMint)

	wallets, err := h.db.ListWallets(cycle.ID, storage.WalletActive)
	require.NoError(t, err)
	require.Len(t, wallets, 5)

	open, err := h.db.ListOpenPositions(cycle.ID)
	require.NoError(t, err)
	require.Len(t, open, 5)
	for _, p := range open {
		require.NotNil(t, p.EntryPriceUSD)
		assert.Equal(t, 1.0, *p.EntryPriceUSD)
		assert.Greater(t, p.EntryTokens, uint64(0))
	}

	trades, err := h.db.ListTrades(cycle.ID)
	require.NoError(t, err)
	require.Len(t, trades, 5)
	for _, tr := range trades {
		assert.Equal(t, storage.TradeSimulated, tr.Status)
		assert.True(t, strings.HasPrefix(tr.Signature, trading.DryRunPrefix))
	}
	for _, req := range h.swapper.requests() {
		assert.True(t, req.DryRun)
	}
	// dry runs never move SOL
	for _, req := range h.direct.reqs {
		assert.True(t, req.DryRun)
	}
	assert.True(t, h.eng.deps.Funding.Cached(cycle.ID))

	// a second tick at the same price holds
	require.NoError(t, h.eng.Tick(ctx))
	assert.Len(t, h.swapper.requests(), 5)

	h.prices.set(1.25, 0.00000125, 1.25e6)
	require.NoError(t, h.eng.Tick(ctx))

	done, err := h.db.GetCycle(cycle.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.CycleComplete, done.Status)

	positions, err := h.db.ListPositions(cycle.ID)
	require.NoError(t, err)
	for _, p := range positions {
		assert.Equal(t, storage.PositionClosed, p.Status)
		assert.Equal(t, ReasonTakeProfit, p.CloseReason)
		require.NotNil(t, p.PnLPct)
		assert.InDelta(t, 25.0, *p.PnLPct, 1e-9)
	}

	destroyed, err := h.db.ListWallets(cycle.ID, storage.WalletDestroyed)
	require.NoError(t, err)
	require.Len(t, destroyed, 5)
	for _, w := range destroyed {
		assert.Empty(t, w.SecretEnc)
	}
	assert.False(t, h.eng.deps.Funding.Cached(cycle.ID))
	assert.Len(t, h.rec.OfType(events.PositionSold), 5)

	st, err := h.db.GetEngineState()
	require.NoError(t, err)
	assert.Equal(t, outcomeOK, st.Status)
	require.NotNil(t, st.LastPriceUSD)
	assert.Equal(t, 1.25, *st.LastPriceUSD)

	// the next tick starts over
	require.NoError(t, h.eng.Tick(ctx))
	next := h.runningCycle(t)
	assert.NotEqual(t, cycle.ID, next.ID)
}

func TestTickDisabled(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.eng.Tick(context.Background()))

	_, err := h.db.GetRunningCycle()
	assert.ErrorIs(t, err, storage.ErrNotFound)
	st, err := h.db.GetEngineState()
	require.NoError(t, err)
	assert.Equal(t, outcomeDisabled, st.Status)
}

func TestBuyFailureIsIsolated(t *testing.T) {
	h := newHarness(t)
	h.config(t, nil)
	h.prices.set(1.0, 0.000001, 0)
	h.swapper.failN = 2

	require.NoError(t, h.eng.Tick(context.Background()))

	cycle := h.runningCycle(t)
	open, err := h.db.ListOpenPositions(cycle.ID)
	require.NoError(t, err)
	assert.Len(t, open, 4)

	trades, err := h.db.ListTrades(cycle.ID)
	require.NoError(t, err)
	failed := 0
	for _, tr := range trades {
		if tr.Status == storage.TradeFailed {
			failed++
			assert.Contains(t, tr.Error, "swap rejected")
		}
	}
	assert.Equal(t, 1, failed)
}

func TestFallbackFundingWithoutPrice(t *testing.T) {
	h := newHarness(t)
	h.config(t, func(c *storage.BotConfig) { c.FallbackLamports = 7_000_000 })

	require.NoError(t, h.eng.Tick(context.Background()))

	for _, req := range h.swapper.requests() {
		assert.Equal(t, uint64(7_000_000), req.AmountIn)
	}
	cycle := h.runningCycle(t)
	open, err := h.db.ListOpenPositions(cycle.ID)
	require.NoError(t, err)
	require.Len(t, open, 5)
	assert.Nil(t, open[0].EntryPriceUSD)
}

func TestTickOverlap(t *testing.T) {
	h := newHarness(t)
	h.eng.busy.Store(true)
	assert.ErrorIs(t, h.eng.Tick(context.Background()), ErrTickInProgress)

	h.eng.busy.Store(false)
	assert.NoError(t, h.eng.Tick(context.Background()))
}

func TestStartStop(t *testing.T) {
	h := newHarness(t)
	h.eng.Start(context.Background())

	require.Eventually(t, func() bool {
		st, err := h.db.GetEngineState()
		return err == nil && st.LastTickAt > 0
	}, 2*time.Second, 10*time.Millisecond)

	h.eng.Stop()
	h.eng.Stop()
}

func TestIntruders(t *testing.T) {
	ctx := context.Background()

	snapshot := func(whale, intruder string, scannedAt time.Time) *isolana.HolderSnapshot {
		return &isolana.HolderSnapshot{
			Supply: 100,
			Holders: []isolana.Holder{
				{Owner: whale, Amount: 95, Pct: 95},
				{Owner: intruder, Amount: 5, Pct: 5},
			},
			ScannedAt: scannedAt,
		}
	}

	t.Run("ExactPercentAndAlertOnce", func(t *testing.T) {
		h := newHarness(t)
		h.config(t, func(c *storage.BotConfig) {
			c.Whitelist = []string{"whale"}
			c.IntruderTriggerPct = 5
			c.IntruderReactions = []string{storage.ReactionAlert}
		})
		h.holders.set(snapshot("whale", "intruder", time.Now()))

		require.NoError(t, h.eng.Tick(ctx))
		st, err := h.db.GetEngineState()
		require.NoError(t, err)
		require.NotNil(t, st.LastIntruderPct)
		assert.Equal(t, 5.0, *st.LastIntruderPct)
		assert.Len(t, h.rec.OfType(events.IntruderTrigger), 1)
		assert.Len(t, h.rec.OfType(events.Holders), 1)

		// same snapshot, no second trigger
		require.NoError(t, h.eng.Tick(ctx))
		assert.Len(t, h.rec.OfType(events.IntruderTrigger), 1)
		assert.Len(t, h.rec.OfType(events.Holders), 1)
	})

	t.Run("RearmEachTick", func(t *testing.T) {
		h := newHarness(t)
		h.config(t, func(c *storage.BotConfig) {
			c.Whitelist = []string{"whale"}
			c.IntruderTriggerPct = 5
			c.IntruderReactions = []string{storage.ReactionAlert}
			c.IntruderRearmEachTick = true
		})
		h.holders.set(snapshot("whale", "intruder", time.Now()))

		for i := 0; i < 3; i++ {
			require.NoError(t, h.eng.Tick(ctx))
		}
		assert.Len(t, h.rec.OfType(events.IntruderTrigger), 3)
		assert.Len(t, h.rec.OfType(events.Holders), 1)
	})

	t.Run("StaleSnapshotDoesNotTrigger", func(t *testing.T) {
		h := newHarness(t)
		h.config(t, func(c *storage.BotConfig) {
			c.IntruderTriggerPct = 1
			c.IntruderMaxSnapshotAgeSeconds = 270
			c.IntruderReactions = []string{storage.ReactionPause}
		})
		h.holders.set(snapshot("a", "b", time.Now().Add(-10*time.Minute)))

		require.NoError(t, h.eng.Tick(ctx))
		assert.Empty(t, h.rec.OfType(events.IntruderTrigger))
		cfg, err := h.db.GetBotConfig()
		require.NoError(t, err)
		assert.True(t, cfg.Enabled)
	})

	t.Run("PauseDisablesBot", func(t *testing.T) {
		h := newHarness(t)
		h.config(t, func(c *storage.BotConfig) {
			c.IntruderTriggerPct = 4
			c.IntruderReactions = []string{storage.ReactionPause}
		})
		h.holders.set(snapshot("whale", "intruder", time.Now()))

		require.NoError(t, h.eng.Tick(ctx))
		cfg, err := h.db.GetBotConfig()
		require.NoError(t, err)
		assert.False(t, cfg.Enabled)
		_, err = h.db.GetRunningCycle()
		assert.ErrorIs(t, err, storage.ErrNotFound)

		st, err := h.db.GetEngineState()
		require.NoError(t, err)
		assert.Equal(t, outcomePaused, st.Status)
	})

	t.Run("OwnWalletsAreWhitelisted", func(t *testing.T) {
		h := newHarness(t)
		funder, enc := h.sealedKey(t)
		h.config(t, func(c *storage.BotConfig) {
			c.FundingSecret = enc
			c.IntruderTriggerPct = 1
			c.IntruderReactions = []string{storage.ReactionPause}
		})
		h.holders.set(&isolana.HolderSnapshot{
			Supply:    100,
			Holders:   []isolana.Holder{{Owner: funder, Amount: 100, Pct: 100}},
			ScannedAt: time.Now(),
		})

		require.NoError(t, h.eng.Tick(ctx))
		st, err := h.db.GetEngineState()
		require.NoError(t, err)
		require.NotNil(t, st.LastIntruderPct)
		assert.Equal(t, 0.0, *st.LastIntruderPct)
		assert.Empty(t, h.rec.OfType(events.IntruderTrigger))
	})

	t.Run("SellGroupPercent", func(t *testing.T) {
		h := newHarness(t)
		h.config(t, func(c *storage.BotConfig) {
			c.IntruderTriggerPct = 10
			c.IntruderReactions = []string{storage.ReactionSellGroupPercent}
			c.GroupSellPctMin = 50
			c.GroupSellPctMax = 50
		})
		h.prices.set(1.0, 0.000001, 0)
		require.NoError(t, h.eng.Tick(ctx))
		cycle := h.runningCycle(t)

		h.holders.set(&isolana.HolderSnapshot{
			Supply:    100,
			Holders:   []isolana.Holder{{Owner: "intruder", Amount: 40, Pct: 40}},
			ScannedAt: time.Now(),
		})
		require.NoError(t, h.eng.Tick(ctx))

		open, err := h.db.ListOpenPositions(cycle.ID)
		require.NoError(t, err)
		require.Len(t, open, 5)
		for _, p := range open {
			assert.Equal(t, p.EntryTokens/2, p.ExitTokens)
			assert.Equal(t, ReasonIntruder, p.CloseReason)
		}
	})
}

func TestTokenChange(t *testing.T) {
	h := newHarness(t)
	h.config(t, nil)
	h.prices.set(1.0, 0.000001, 0)
	ctx := context.Background()

	require.NoError(t, h.eng.Tick(ctx))
	old := h.runningCycle(t)

	other := solana.NewWallet().PublicKey().String()
	h.config(t, func(c *storage.BotConfig) { c.TokenMint = other })
	require.NoError(t, h.eng.Tick(ctx))

	done, err := h.db.GetCycle(old.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.CycleComplete, done.Status)
	positions, err := h.db.ListPositions(old.ID)
	require.NoError(t, err)
	for _, p := range positions {
		assert.Equal(t, ReasonTokenChanged, p.CloseReason)
	}
	_, err = h.db.GetRunningCycle()
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, h.eng.Tick(ctx))
	assert.Equal(t, other, h.runningCycle(t).TokenMint)
}

func TestMarketCapLevels(t *testing.T) {
	h := newHarness(t)
	h.config(t, func(c *storage.BotConfig) { c.TakeProfitPct = 0; c.StopLossPct = 0 })
	h.prices.set(1.0, 0.000001, 1e6)
	ctx := context.Background()

	require.NoError(t, h.eng.Tick(ctx))
	cycle := h.runningCycle(t)

	g := &storage.WalletGroup{Name: "early", Phase: storage.PhaseHolding, MarketCapLevels: []storage.MarketCapLevel{{MarketCapUSD: 2e6, SellPct: 50}}}
	require.NoError(t, h.db.SaveGroup(g))
	wallets, err := h.db.ListWallets(cycle.ID, storage.WalletActive)
	require.NoError(t, err)
	for _, w := range wallets[:2] {
		require.NoError(t, h.db.AssignWalletGroup(w.ID, &g.ID))
	}

	h.prices.set(2.0, 0.000002, 2e6)
	require.NoError(t, h.eng.Tick(ctx))

	got, err := h.db.GetGroup(g.ID)
	require.NoError(t, err)
	assert.True(t, got.MarketCapLevels[0].Executed)
	assert.Equal(t, storage.PhaseHolding, got.Phase)

	sells := 0
	for _, req := range h.swapper.requests() {
		if req.OutputMint == trading.SOL_MINT {
			sells++
		}
	}
	assert.Equal(t, 2, sells)

	// a spent level does not fire again
	require.NoError(t, h.eng.Tick(ctx))
	assert.Len(t, h.swapper.requests(), 5+2)
}

func TestLiveSellRoutesProceeds(t *testing.T) {
	h := newHarness(t)
	_, fundEnc := h.sealedKey(t)
	profitAddr, profitEnc := h.sealedKey(t)
	h.config(t, func(c *storage.BotConfig) {
		c.DryRun = false
		c.WalletsPerCycle = 1
		c.FundingSecret = fundEnc
		c.ProfitSecret = profitEnc
		c.ProfitRoutePct = 40
		c.UsePrivacyRouting = true
	})
	// no bot wallet: proceeds cannot be staged and go out directly
	h.eng.deps.Privacy = &fakeTransferrer{err: errors.New("privacy service down")}
	h.prices.set(1.0, 0.000001, 0)
	ctx := context.Background()

	require.NoError(t, h.eng.Tick(ctx))
	funded := h.direct.byPurpose(trading.PurposeFunding)
	require.Len(t, funded, 1)
	assert.Greater(t, funded[0].Lamports, uint64(DefaultFeeReserve))

	cycle := h.runningCycle(t)
	trades, err := h.db.ListTrades(cycle.ID)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, storage.TradeConfirmed, trades[0].Status)

	h.balances.tokens = 1000
	h.prices.set(2.0, 0.000002, 0)
	require.NoError(t, h.eng.Tick(ctx))

	profit := h.direct.byPurpose(trading.PurposeProfit)
	require.Len(t, profit, 1)
	assert.Equal(t, uint64(400_000), profit[0].Lamports)
	assert.Equal(t, profitAddr, profit[0].To.String())

	back := h.direct.byPurpose(trading.PurposeReturn)
	require.Len(t, back, 1)
	assert.Equal(t, uint64(600_000), back[0].Lamports)

	done, err := h.db.GetCycle(cycle.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.CycleComplete, done.Status)
}

// privacyHarness is a live harness routing through a real privacy
// transferrer that publishes into h.rec
type privacyHarness struct {
	*harness
	botAddr, fundAddr, profitAddr string
}

func newPrivacyHarness(t *testing.T, wallets int) *privacyHarness {
	t.Helper()
	h := &privacyHarness{harness: newHarness(t)}
	var botEnc, fundEnc, profitEnc string
	h.botAddr, botEnc = h.sealedKey(t)
	h.fundAddr, fundEnc = h.sealedKey(t)
	h.profitAddr, profitEnc = h.sealedKey(t)
	h.config(t, func(c *storage.BotConfig) {
		c.DryRun = false
		c.WalletsPerCycle = wallets
		c.BotSecret = botEnc
		c.FundingSecret = fundEnc
		c.ProfitSecret = profitEnc
		c.ProfitRoutePct = 50
		c.UsePrivacyRouting = true
	})
	h.eng.deps.Privacy = trading.NewPrivacyTransferrer(h.rec)
	h.prices.set(1.0, 0.000001, 0)
	return h
}

func transferData(t *testing.T, evs []events.Event) []events.TransferData {
	t.Helper()
	out := make([]events.TransferData, 0, len(evs))
	for _, ev := range evs {
		d, ok := ev.Data.(events.TransferData)
		require.True(t, ok)
		out = append(out, d)
	}
	return out
}

func TestPrivacyRouting(t *testing.T) {
	ctx := context.Background()

	t.Run("ProceedsLeaveThroughBotWallet", func(t *testing.T) {
		h := newPrivacyHarness(t, 2)
		h.balances.sol = 1_000_000_000

		require.NoError(t, h.eng.Tick(ctx))
		require.Len(t, h.swapper.requests(), 2)
		cycle := h.runningCycle(t)
		wallets, err := h.db.ListWallets(cycle.ID, storage.WalletActive)
		require.NoError(t, err)
		cycleAddrs := map[string]bool{}
		for _, w := range wallets {
			cycleAddrs[w.Address] = true
		}

		h.balances.tokens = 1000
		h.prices.set(1.5, 0.0000015, 0)
		require.NoError(t, h.eng.Tick(ctx))

		// proceeds land in the bot wallet first
		staged := h.direct.to(h.botAddr)
		require.Len(t, staged, 2)
		for _, r := range staged {
			assert.Equal(t, trading.PurposeSweep, r.Purpose)
			assert.Equal(t, uint64(1_000_000), r.Lamports)
			assert.True(t, cycleAddrs[r.From.PublicKey().String()])
		}

		profit := transferData(t, h.rec.OfType(events.PrivacyProfitTransfer))
		back := transferData(t, h.rec.OfType(events.PrivacyFundingReturn))
		require.Len(t, profit, 2)
		require.Len(t, back, 2)
		for _, d := range append(profit, back...) {
			assert.Equal(t, h.botAddr, d.From)
			assert.False(t, cycleAddrs[d.From])
			assert.Equal(t, uint64(500_000), d.Lamports)
		}
		assert.Equal(t, h.profitAddr, profit[0].To)
		assert.Equal(t, h.fundAddr, back[0].To)
		assert.Empty(t, h.direct.byPurpose(trading.PurposeProfit))

		// leftovers are swept home before the wallets are wiped
		home := h.direct.to(h.fundAddr)
		require.Len(t, home, 2)
		for _, r := range home {
			assert.Equal(t, trading.PurposeSweep, r.Purpose)
			assert.Equal(t, uint64(1_000_000_000-sweepFeeLamports), r.Lamports)
		}
		done, err := h.db.GetCycle(cycle.ID)
		require.NoError(t, err)
		assert.Equal(t, storage.CycleComplete, done.Status)
	})

	t.Run("LateFundingStillBuys", func(t *testing.T) {
		h := newPrivacyHarness(t, 3)

		require.NoError(t, h.eng.Tick(ctx))
		assert.Empty(t, h.swapper.requests())
		require.Len(t, h.rec.OfType(events.PrivacyFundingRequest), 3)
		cycle := h.runningCycle(t)
		wallets, err := h.db.ListWallets(cycle.ID, storage.WalletActive)
		require.NoError(t, err)
		require.Len(t, wallets, 3)

		h.balances.setSOL(wallets[0].Address, 1_000_000_000)
		h.balances.setSOL(wallets[1].Address, 1_000_000_000)
		require.NoError(t, h.eng.Tick(ctx))
		assert.Len(t, h.swapper.requests(), 2)

		// still waiting, and not asked for twice
		require.NoError(t, h.eng.Tick(ctx))
		assert.Len(t, h.swapper.requests(), 2)
		assert.Len(t, h.rec.OfType(events.PrivacyFundingRequest), 3)

		h.balances.setSOL(wallets[2].Address, 1_000_000_000)
		require.NoError(t, h.eng.Tick(ctx))
		assert.Len(t, h.swapper.requests(), 3)
		open, err := h.db.ListOpenPositions(cycle.ID)
		require.NoError(t, err)
		assert.Len(t, open, 3)

		h.balances.tokens = 1000
		h.prices.set(1.5, 0.0000015, 0)
		require.NoError(t, h.eng.Tick(ctx))
		done, err := h.db.GetCycle(cycle.ID)
		require.NoError(t, err)
		assert.Equal(t, storage.CycleComplete, done.Status)
		positions, err := h.db.ListPositions(cycle.ID)
		require.NoError(t, err)
		assert.Len(t, positions, 3)
	})

	t.Run("PendingFundingHoldsCompletion", func(t *testing.T) {
		h := newPrivacyHarness(t, 2)
		now := time.Now()
		h.eng.now = func() time.Time { return now }

		require.NoError(t, h.eng.Tick(ctx))
		cycle := h.runningCycle(t)
		wallets, err := h.db.ListWallets(cycle.ID, storage.WalletActive)
		require.NoError(t, err)
		h.balances.setSOL(wallets[0].Address, 1_000_000_000)
		h.balances.setSOL(wallets[1].Address, 0)

		require.NoError(t, h.eng.Tick(ctx))
		require.Len(t, h.swapper.requests(), 1)

		h.balances.tokens = 1000
		h.prices.set(1.5, 0.0000015, 0)
		require.NoError(t, h.eng.Tick(ctx))
		open, err := h.db.ListOpenPositions(cycle.ID)
		require.NoError(t, err)
		assert.Empty(t, open)
		// the second wallet's funds may still arrive
		assert.Equal(t, storage.CycleRunning, h.runningCycle(t).Status)

		now = now.Add(pendingFundingTTL + time.Second)
		require.NoError(t, h.eng.Tick(ctx))
		done, err := h.db.GetCycle(cycle.ID)
		require.NoError(t, err)
		assert.Equal(t, storage.CycleComplete, done.Status)

		home := h.direct.to(h.fundAddr)
		require.Len(t, home, 1)
		assert.Equal(t, wallets[0].Address, home[0].From.PublicKey().String())
	})

	t.Run("SweepFailureKeepsCycle", func(t *testing.T) {
		h := newPrivacyHarness(t, 1)
		h.balances.sol = 1_000_000_000
		require.NoError(t, h.eng.Tick(ctx))
		cycle := h.runningCycle(t)

		h.direct.err = errors.New("node down")
		h.balances.tokens = 1000
		h.prices.set(1.5, 0.0000015, 0)
		assert.Error(t, h.eng.Tick(ctx))
		assert.Equal(t, cycle.ID, h.runningCycle(t).ID)
		w, err := h.db.ListWallets(cycle.ID, storage.WalletActive)
		require.NoError(t, err)
		require.Len(t, w, 1)
		assert.NotEmpty(t, w[0].SecretEnc)

		h.direct.err = nil
		require.NoError(t, h.eng.Tick(ctx))
		done, err := h.db.GetCycle(cycle.ID)
		require.NoError(t, err)
		assert.Equal(t, storage.CycleComplete, done.Status)
	})
}

func TestZeroBalanceCloses(t *testing.T) {
	h := newHarness(t)
	_, fundEnc := h.sealedKey(t)
	h.config(t, func(c *storage.BotConfig) {
		c.DryRun = false
		c.WalletsPerCycle = 2
		c.FundingSecret = fundEnc
	})
	h.balances.sol = 1_000_000_000
	h.prices.set(1.0, 0.000001, 0)
	ctx := context.Background()

	require.NoError(t, h.eng.Tick(ctx))
	// wallets already held enough SOL
	assert.Empty(t, h.direct.byPurpose(trading.PurposeFunding))
	cycle := h.runningCycle(t)

	h.prices.set(0.1, 0.0000001, 0)
	require.NoError(t, h.eng.Tick(ctx))

	positions, err := h.db.ListPositions(cycle.ID)
	require.NoError(t, err)
	for _, p := range positions {
		assert.Equal(t, storage.PositionClosed, p.Status)
		assert.Equal(t, ReasonZeroBalance, p.CloseReason)
	}
	assert.Len(t, h.swapper.requests(), 2)
}

func TestCommands(t *testing.T) {
	ctx := context.Background()

	t.Run("SellPercentValidates", func(t *testing.T) {
		h := newHarness(t)
		for _, pct := range []float64{0, -1, 100.5} {
			_, err := h.eng.SellPercent(ctx, pct)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		}
	})

	t.Run("SellPercent", func(t *testing.T) {
		h := newHarness(t)
		h.config(t, nil)
		h.prices.set(1.0, 0.000001, 0)
		require.NoError(t, h.eng.Tick(ctx))

		n, err := h.eng.SellPercent(ctx, 100)
		require.NoError(t, err)
		assert.Equal(t, 5, n)

		cycle := h.runningCycle(t)
		positions, err := h.db.ListPositions(cycle.ID)
		require.NoError(t, err)
		for _, p := range positions {
			assert.Equal(t, ReasonManual, p.CloseReason)
			assert.Equal(t, storage.PositionClosed, p.Status)
		}

		// closes the cycle on the next tick
		require.NoError(t, h.eng.Tick(ctx))
		done, err := h.db.GetCycle(cycle.ID)
		require.NoError(t, err)
		assert.Equal(t, storage.CycleComplete, done.Status)
	})

	t.Run("SellAllUnwhitelisted", func(t *testing.T) {
		h := newHarness(t)
		h.config(t, nil)
		require.NoError(t, h.eng.Tick(ctx))
		cycle := h.runningCycle(t)
		wallets, err := h.db.ListWallets(cycle.ID, storage.WalletActive)
		require.NoError(t, err)

		h.config(t, func(c *storage.BotConfig) { c.Whitelist = []string{wallets[0].Address, wallets[1].Address} })
		n, err := h.eng.SellAllUnwhitelisted(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		open, err := h.db.ListOpenPositions(cycle.ID)
		require.NoError(t, err)
		assert.Len(t, open, 2)
	})

	t.Run("ImportWalletsCSV", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.eng.ImportWalletsCSV(ctx, strings.NewReader(""))
		assert.ErrorIs(t, err, ErrNoRunningCycle)

		h.config(t, func(c *storage.BotConfig) { c.WalletsPerCycle = 1 })
		require.NoError(t, h.eng.Tick(ctx))
		cycle := h.runningCycle(t)

		g := &storage.WalletGroup{Name: "imported"}
		require.NoError(t, h.db.SaveGroup(g))

		a, err := crypto.GenerateKeypair()
		require.NoError(t, err)
		b, err := crypto.GenerateKeypair()
		require.NoError(t, err)

		csv := fmt.Sprintf("address,private_key,group_id\n%s,%s,%d\n%s,%s,\n", a.PublicKey, a.PrivateKey, g.ID, b.PublicKey, b.PrivateKey)
		got, err := h.eng.ImportWalletsCSV(ctx, strings.NewReader(csv))
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, 1, got[0].Ordinal)
		assert.Equal(t, 2, got[1].Ordinal)

		wallets, err := h.db.ListWallets(cycle.ID, storage.WalletActive)
		require.NoError(t, err)
		assert.Len(t, wallets, 3)
		var imported *storage.Wallet
		for _, w := range wallets {
			if w.Address == a.PublicKey {
				imported = w
			}
		}
		require.NotNil(t, imported)
		require.NotNil(t, imported.GroupID)
		assert.Equal(t, g.ID, *imported.GroupID)
		secret, err := h.vault.OpenString(imported.SecretEnc)
		require.NoError(t, err)
		assert.Equal(t, a.PrivateKey, secret)
		assert.Len(t, h.rec.OfType(events.WalletsImported), 1)
	})

	t.Run("ImportRejectsBadRows", func(t *testing.T) {
		h := newHarness(t)
		h.config(t, func(c *storage.BotConfig) { c.WalletsPerCycle = 1 })
		require.NoError(t, h.eng.Tick(ctx))
		cycle := h.runningCycle(t)

		a, err := crypto.GenerateKeypair()
		require.NoError(t, err)
		b, err := crypto.GenerateKeypair()
		require.NoError(t, err)

		cases := map[string]string{
			"garbage":   "not-a-key\n",
			"duplicate": a.PrivateKey + "\n" + a.PrivateKey + "\n",
			"mismatch":  "private_key,address\n" + a.PrivateKey + "," + b.PublicKey + "\n",
			"no group":  a.PrivateKey + ",999\n",
		}
		for name, body := range cases {
			_, err := h.eng.ImportWalletsCSV(ctx, strings.NewReader(body))
			assert.ErrorIs(t, err, ErrInvalidRequest, name)
		}

		n, err := h.db.CountWallets(cycle.ID, storage.WalletActive)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestAdmin(t *testing.T) {
	h := newHarness(t)
	_, err := NewAdmin(h.eng, "")
	assert.ErrorIs(t, err, ErrMissingAdminCredential)

	hash, err := crypto.HashPassword("hunter2")
	require.NoError(t, err)
	admin, err := NewAdmin(h.eng, hash)
	require.NoError(t, err)

	_, err = admin.SellPercent(context.Background(), "wrong", 50)
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = admin.ImportWalletsCSV(context.Background(), "", strings.NewReader(""))
	assert.ErrorIs(t, err, ErrUnauthorized)

	// authorized, then rejected by the command itself
	_, err = admin.SellPercent(context.Background(), "hunter2", 0)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	n, err := admin.SellAllUnwhitelisted(context.Background(), "hunter2")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestJanitorSweep(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.InsertEvent(&storage.Event{Type: "old", Level: "info", Message: "m", CreatedAt: time.Now().Add(-48 * time.Hour).Unix()}))
	require.NoError(t, db.InsertEvent(&storage.Event{Type: "new", Level: "info", Message: "m"}))

	j := NewJanitor(db, 24*time.Hour, time.Hour)
	assert.Equal(t, int64(1), j.Sweep())

	left, err := db.RecentEvents(10)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "new", left[0].Type)

	j.Start()
	j.Stop()
}

func TestConfigPublishedRedacted(t *testing.T) {
	h := newHarness(t)
	_, enc := h.sealedKey(t)
	h.config(t, func(c *storage.BotConfig) { c.FundingSecret = enc })
	ctx := context.Background()

	require.NoError(t, h.eng.Tick(ctx))
	require.NoError(t, h.eng.Tick(ctx))

	evs := h.rec.OfType(events.BotConfig)
	require.Len(t, evs, 1)
	cfg, ok := evs[0].Data.(storage.BotConfig)
	require.True(t, ok)
	assert.Equal(t, redacted, cfg.FundingSecret)
	assert.Empty(t, cfg.ProfitSecret)
}

func TestRPCEndpointMismatchReportedOnce(t *testing.T) {
	h := newHarness(t)
	h.eng.opts.RPCURL = "https://process.example"
	h.config(t, func(c *storage.BotConfig) { c.RPCEndpoint = "https://other.example" })
	h.prices.set(1.0, 0.000001, 0)
	ctx := context.Background()

	ignored := func() int {
		n := 0
		for _, ev := range h.rec.OfType(events.Log) {
			if d, ok := ev.Data.(events.LogData); ok && d.Kind == "rpc_endpoint_ignored" {
				n++
			}
		}
		return n
	}

	require.NoError(t, h.eng.Tick(ctx))
	require.NoError(t, h.eng.Tick(ctx))
	assert.Equal(t, 1, ignored())

	h.config(t, func(c *storage.BotConfig) { c.RPCEndpoint = "https://process.example" })
	require.NoError(t, h.eng.Tick(ctx))
	assert.Equal(t, 1, ignored())
}
