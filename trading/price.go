package trading

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"solana-ultibot/api"
	"solana-ultibot/internal/observability"
)

const (
	DefaultLastKnownTTL = 10 * time.Minute
	solUSDTTL           = time.Minute
)

// Price is what a source knows; USD or SOL may be zero when the source
// only quotes one of them.
type Price struct {
	USD          float64
	SOL          float64
	MarketCapUSD float64
}

// PriceSource is one step of the cascade
type PriceSource interface {
	Name() string
	Price(ctx context.Context, mint string) (*Price, error)
}

// Quote is a resolved price
type Quote struct {
	Price
	Source string
	At     time.Time
	Stale  bool
}

// BirdeyeSource adapts the Birdeye market data endpoint
type BirdeyeSource struct {
	client *api.Client
}

func NewBirdeyeSource(client *api.Client) *BirdeyeSource {
	return &BirdeyeSource{client: client}
}

func (b *BirdeyeSource) Name() string { return "birdeye" }

func (b *BirdeyeSource) Price(ctx context.Context, mint string) (*Price, error) {
	md, err := b.client.TokenMarketData(ctx, mint)
	if err != nil {
		return nil, err
	}
	return &Price{USD: md.PriceUSD, MarketCapUSD: md.MarketCapUSD}, nil
}

// JupiterPriceSource reads Jupiter's catalogued token prices
type JupiterPriceSource struct {
	jup *JupiterProvider
}

func NewJupiterPriceSource(jup *JupiterProvider) *JupiterPriceSource {
	return &JupiterPriceSource{jup: jup}
}

func (j *JupiterPriceSource) Name() string { return "jupiter" }

func (j *JupiterPriceSource) Price(ctx context.Context, mint string) (*Price, error) {
	usd, err := j.jup.PriceUSD(ctx, mint)
	if err != nil {
		return nil, err
	}
	return &Price{USD: usd}, nil
}

// PoolPriceSource prices from the SOL pool's reserves
type PoolPriceSource struct {
	ray *RaydiumProvider
}

func NewPoolPriceSource(ray *RaydiumProvider) *PoolPriceSource {
	return &PoolPriceSource{ray: ray}
}

func (p *PoolPriceSource) Name() string { return "pool" }

func (p *PoolPriceSource) Price(ctx context.Context, mint string) (*Price, error) {
	if mint == SOL_MINT {
		return nil, ErrPriceUnavailable
	}
	sol, err := p.ray.PriceSOL(ctx, mint)
	if err != nil {
		return nil, err
	}
	return &Price{SOL: sol}, nil
}

// PriceResolver walks its sources in order. When all fail it answers with
// the last resolved price for up to lastKnownTTL, then ErrPriceUnavailable.
type PriceResolver struct {
	sources      []PriceSource
	lastKnownTTL time.Duration
	now          func() time.Time

	mu       sync.Mutex
	last     map[string]Quote
	solUSD   float64
	solUSDAt time.Time
}

func NewPriceResolver(lastKnownTTL time.Duration, sources ...PriceSource) *PriceResolver {
	if lastKnownTTL <= 0 {
		lastKnownTTL = DefaultLastKnownTTL
	}
	return &PriceResolver{
		sources:      sources,
		lastKnownTTL: lastKnownTTL,
		now:          time.Now,
		last:         make(map[string]Quote),
	}
}

// SOLUSD returns the SOL price in USD, cached for a minute
func (r *PriceResolver) SOLUSD(ctx context.Context) (float64, error) {
	r.mu.Lock()
	if r.solUSD > 0 && r.now().Sub(r.solUSDAt) < solUSDTTL {
		v := r.solUSD
		r.mu.Unlock()
		return v, nil
	}
	r.mu.Unlock()

	for _, src := range r.sources {
		p, err := src.Price(ctx, SOL_MINT)
		if err != nil || p.USD <= 0 {
			continue
		}
		r.mu.Lock()
		r.solUSD, r.solUSDAt = p.USD, r.now()
		r.mu.Unlock()
		return p.USD, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.solUSD > 0 && r.now().Sub(r.solUSDAt) < r.lastKnownTTL {
		return r.solUSD, nil
	}
	return 0, ErrPriceUnavailable
}

// Resolve prices mint. uiSupply fills in market cap when a source lacks it.
func (r *PriceResolver) Resolve(ctx context.Context, mint string, uiSupply float64) (*Quote, error) {
	for _, src := range r.sources {
		p, err := src.Price(ctx, mint)
		if err != nil {
			log.Debug().Err(err).Str("source", src.Name()).Str("mint", mint).Msg("price source failed")
			continue
		}
		if p.USD <= 0 && p.SOL <= 0 {
			continue
		}

		q := Quote{Price: *p, Source: src.Name(), At: r.now()}
		if q.USD <= 0 || q.SOL <= 0 {
			if solUSD, err := r.SOLUSD(ctx); err == nil {
				if q.USD <= 0 {
					q.USD = q.SOL * solUSD
				} else {
					q.SOL = q.USD / solUSD
				}
			}
		}
		if q.MarketCapUSD <= 0 && q.USD > 0 && uiSupply > 0 {
			q.MarketCapUSD = q.USD * uiSupply
		}

		r.mu.Lock()
		r.last[mint] = q
		r.mu.Unlock()
		observability.RecordPrice(q.Source, q.USD)
		return &q, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.last[mint]; ok && r.now().Sub(q.At) < r.lastKnownTTL {
		q.Source = "last_known"
		q.Stale = true
		observability.RecordPrice(q.Source, q.USD)
		return &q, nil
	}
	return nil, ErrPriceUnavailable
}
