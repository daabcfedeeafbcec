package trading

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"solana-ultibot/internal/rpcguard"
)

// DexScreener API client
const DEXSCREENER_API = "https://api.dexscreener.com/latest/dex/tokens"

// SharedClient is a shared HTTP client for the trading package
var SharedClient = &http.Client{
	Timeout: 15 * time.Second,
}

// TokenInfo represents token data from DexScreener
type TokenInfo struct {
	Address      string
	Name         string
	Symbol       string
	PriceUSD     float64
	PriceNative  float64
	QuoteMint    string
	MarketCapUSD float64
	Liquidity    float64
	Volume24h    float64
	PairAddress  string
	DexID        string
}

type dexScreenerResponse struct {
	SchemaVersion string    `json:"schemaVersion"`
	Pairs         []dexPair `json:"pairs"`
}

type dexPair struct {
	ChainID     string    `json:"chainId"`
	DexID       string    `json:"dexId"`
	URL         string    `json:"url"`
	PairAddress string    `json:"pairAddress"`
	BaseToken   baseToken `json:"baseToken"`
	QuoteToken  baseToken `json:"quoteToken"`
	PriceNative string    `json:"priceNative"`
	PriceUSD    string    `json:"priceUsd"`
	Volume      volume    `json:"volume"`
	Liquidity   liquidity `json:"liquidity"`
	MarketCap   float64   `json:"marketCap"`
	FDV         float64   `json:"fdv"`
}

type baseToken struct {
	Address string `json:"address"`
	Name    string `json:"name"`
	Symbol  string `json:"symbol"`
}

type volume struct {
	H24 float64 `json:"h24"`
}

type liquidity struct {
	USD float64 `json:"usd"`
}

// DexScreener is the first price source of the cascade
type DexScreener struct {
	baseURL string
	guard   *rpcguard.Guard
}

func NewDexScreener(baseURL string, guard *rpcguard.Guard) *DexScreener {
	if baseURL == "" {
		baseURL = DEXSCREENER_API
	}
	return &DexScreener{baseURL: baseURL, guard: guard}
}

// GetTokenInfo fetches the most liquid Solana pair where the token is the base
func (d *DexScreener) GetTokenInfo(ctx context.Context, tokenAddress string) (*TokenInfo, error) {
	body, err := rpcguard.Call(ctx, d.guard, "dexscreener", func(ctx context.Context) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/%s", d.baseURL, tokenAddress), nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		resp, err := SharedClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch token info: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, &rpcguard.HTTPError{Service: "DexScreener", Code: resp.StatusCode, Body: string(body)}
		}
		return body, nil
	})
	if err != nil {
		return nil, err
	}

	var dexResp dexScreenerResponse
	if err := json.Unmarshal(body, &dexResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	var best *dexPair
	for i := range dexResp.Pairs {
		p := &dexResp.Pairs[i]
		if p.ChainID != "solana" || p.BaseToken.Address != tokenAddress {
			continue
		}
		if best == nil || p.Liquidity.USD > best.Liquidity.USD {
			best = p
		}
	}
	if best == nil {
		return nil, fmt.Errorf("token not found on DexScreener")
	}

	info := &TokenInfo{
		Address:      best.BaseToken.Address,
		Name:         best.BaseToken.Name,
		Symbol:       best.BaseToken.Symbol,
		QuoteMint:    best.QuoteToken.Address,
		MarketCapUSD: best.MarketCap,
		Liquidity:    best.Liquidity.USD,
		Volume24h:    best.Volume.H24,
		PairAddress:  best.PairAddress,
		DexID:        best.DexID,
	}
	if info.MarketCapUSD == 0 {
		info.MarketCapUSD = best.FDV
	}
	info.PriceUSD, _ = strconv.ParseFloat(best.PriceUSD, 64)
	info.PriceNative, _ = strconv.ParseFloat(best.PriceNative, 64)
	return info, nil
}

func (d *DexScreener) Name() string { return "dexscreener" }

func (d *DexScreener) Price(ctx context.Context, mint string) (*Price, error) {
	info, err := d.GetTokenInfo(ctx, mint)
	if err != nil {
		return nil, err
	}
	p := &Price{USD: info.PriceUSD, MarketCapUSD: info.MarketCapUSD}
	if info.QuoteMint == SOL_MINT {
		p.SOL = info.PriceNative
	}
	return p, nil
}
