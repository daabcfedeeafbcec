package funding

import (
	"math/big"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const DefaultCacheTTL = 5 * time.Minute

var lamportsPerSOL = decimal.NewFromInt(1_000_000_000)

// WalletFunding is one wallet's target and the lamports needed to reach it
type WalletFunding struct {
	Index            int
	TargetSupplyPct  float64
	TargetTokensRaw  uint64
	RequiredLamports uint64
	Priced           bool
}

// CycleFunding aggregates a cycle's per-wallet requirements
type CycleFunding struct {
	CycleID       int64
	Wallets       []WalletFunding
	TotalLamports uint64
	Priced        bool
	ComputedAt    time.Time
}

// Inputs are the market facts a funding computation depends on.
// PriceSOL is the token price in the base asset.
type Inputs struct {
	Supply           uint64
	Decimals         uint8
	PriceSOL         float64
	SlippageBuffer   float64
	FallbackLamports uint64
}

func (in Inputs) priced() bool {
	return in.PriceSOL > 0 && in.Supply > 0
}

// For computes one wallet's requirement.
// RequiredLamports = ceil(targetTokens * price * (1+buffer) * 1e9).
func For(index int, supply uint64, decimals uint8, priceSOL, buffer float64, rng *rand.Rand) WalletFunding {
	pct := TargetPct(index, rng)

	supplyRaw := decU64(supply)
	tokensRaw := supplyRaw.Mul(decimal.NewFromFloat(pct)).Div(decimal.NewFromInt(100))
	tokensUI := tokensRaw.Shift(-int32(decimals))

	lamports := tokensUI.
		Mul(decimal.NewFromFloat(priceSOL)).
		Mul(decimal.NewFromFloat(1 + buffer)).
		Mul(lamportsPerSOL).
		Ceil()

	return WalletFunding{
		Index:            index,
		TargetSupplyPct:  pct,
		TargetTokensRaw:  uint64(tokensRaw.Floor().IntPart()),
		RequiredLamports: uint64(lamports.IntPart()),
		Priced:           true,
	}
}

// Fallback gives every wallet the same fixed amount when no price is known
func Fallback(cycleID int64, n int, lamports uint64, now time.Time) CycleFunding {
	cf := CycleFunding{CycleID: cycleID, ComputedAt: now}
	for i := 0; i < n; i++ {
		cf.Wallets = append(cf.Wallets, WalletFunding{Index: i, RequiredLamports: lamports})
		cf.TotalLamports += lamports
	}
	return cf
}

// Calculator caches priced per-cycle results so repeated ticks within the
// TTL reuse the same random draws.
type Calculator struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	newRand func() *rand.Rand
	entries map[int64]CycleFunding
}

// CalculatorOption configures a Calculator
type CalculatorOption func(*Calculator)

// WithRandSource makes draws reproducible
func WithRandSource(fn func() *rand.Rand) CalculatorOption {
	return func(c *Calculator) { c.newRand = fn }
}

// WithClock replaces time.Now
func WithClock(fn func() time.Time) CalculatorOption {
	return func(c *Calculator) { c.now = fn }
}

// NewCalculator creates a calculator with the given cache TTL
func NewCalculator(ttl time.Duration, opts ...CalculatorOption) *Calculator {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	c := &Calculator{
		ttl:     ttl,
		now:     time.Now,
		newRand: func() *rand.Rand { return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())) },
		entries: make(map[int64]CycleFunding),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ForCycle returns the funding plan for n wallets of a cycle. Unpriced
// inputs yield the fallback plan, which is never cached.
func (c *Calculator) ForCycle(cycleID int64, n int, in Inputs) CycleFunding {
	now := c.now()
	if !in.priced() {
		return Fallback(cycleID, n, in.FallbackLamports, now)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if cached, ok := c.entries[cycleID]; ok && len(cached.Wallets) == n && now.Sub(cached.ComputedAt) < c.ttl {
		return cached
	}

	rng := c.newRand()
	cf := CycleFunding{CycleID: cycleID, Priced: true, ComputedAt: now}
	for i := 0; i < n; i++ {
		wf := For(i, in.Supply, in.Decimals, in.PriceSOL, in.SlippageBuffer, rng)
		cf.Wallets = append(cf.Wallets, wf)
		cf.TotalLamports += wf.RequiredLamports
	}
	c.entries[cycleID] = cf
	return cf
}

// Invalidate drops a cycle's cached plan
func (c *Calculator) Invalidate(cycleID int64) {
	c.mu.Lock()
	delete(c.entries, cycleID)
	c.mu.Unlock()
}

// Cached reports whether a live entry exists for the cycle
func (c *Calculator) Cached(cycleID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[cycleID]
	return ok && c.now().Sub(e.ComputedAt) < c.ttl
}

func decU64(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}
