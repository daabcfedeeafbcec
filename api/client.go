package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"solana-ultibot/internal/rpcguard"
)

const DefaultBirdeyeURL = "https://public-api.birdeye.so"

// ErrNoData is returned when Birdeye answers but has nothing for the token
var ErrNoData = errors.New("birdeye: no data for token")

// MarketData is Birdeye's view of a token's market
type MarketData struct {
	Address      string
	PriceUSD     float64
	MarketCapUSD float64
	LiquidityUSD float64
	Holders      int64
}

// Client talks to the Birdeye public API. Requests go through the shared
// guard so 429s are retried with the rest of the process's remote calls.
type Client struct {
	baseURL    string
	httpClient *http.Client
	guard      *rpcguard.Guard

	mu         sync.Mutex
	keys       []string
	currentKey int
}

func NewClient(baseURL string, guard *rpcguard.Guard, apiKey string, fallbackKeys []string) *Client {
	if baseURL == "" {
		baseURL = DefaultBirdeyeURL
	}
	keys := []string{apiKey}
	for _, k := range fallbackKeys {
		if k != "" {
			keys = append(keys, k)
		}
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		guard:      guard,
		keys:       keys,
	}
}

func (c *Client) key() (string, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keys[c.currentKey], c.currentKey
}

// rotate moves to the next key if idx is still current; reports whether
// another key is left to try.
func (c *Client) rotate(idx int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if idx != c.currentKey {
		return true
	}
	if c.currentKey+1 >= len(c.keys) {
		return false
	}
	c.currentKey++
	log.Warn().Int("key", c.currentKey).Msg("birdeye key rejected, switching to fallback")
	return true
}

// DoRequest performs a GET against path, rotating API keys on 401
func (c *Client) DoRequest(ctx context.Context, path string, query url.Values) ([]byte, error) {
	for attempt := 0; attempt < len(c.keys); attempt++ {
		apiKey, idx := c.key()
		body, err := rpcguard.Call(ctx, c.guard, "birdeye"+path, func(ctx context.Context) ([]byte, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+query.Encode(), nil)
			if err != nil {
				return nil, fmt.Errorf("failed to create request: %w", err)
			}
			req.Header.Set("X-API-KEY", apiKey)
			req.Header.Set("accept", "application/json")
			req.Header.Set("x-chain", "solana")

			resp, err := c.httpClient.Do(req)
			if err != nil {
				return nil, err
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return nil, err
			}
			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				return nil, &rpcguard.HTTPError{Service: "Birdeye", Code: resp.StatusCode, Body: string(body)}
			}
			return body, nil
		})

		var httpErr *rpcguard.HTTPError
		if errors.As(err, &httpErr) && httpErr.Code == http.StatusUnauthorized && c.rotate(idx) {
			continue
		}
		return body, err
	}
	return nil, fmt.Errorf("all Birdeye API keys failed")
}

// TokenPrice returns the USD price of a token
func (c *Client) TokenPrice(ctx context.Context, mint string) (float64, error) {
	body, err := c.DoRequest(ctx, "/defi/price", url.Values{"address": {mint}})
	if err != nil {
		return 0, err
	}
	if !gjson.GetBytes(body, "success").Bool() {
		return 0, ErrNoData
	}
	price := gjson.GetBytes(body, "data.value").Float()
	if price <= 0 {
		return 0, ErrNoData
	}
	return price, nil
}

// TokenMarketData returns price, market cap and liquidity of a token
func (c *Client) TokenMarketData(ctx context.Context, mint string) (*MarketData, error) {
	body, err := c.DoRequest(ctx, "/defi/v3/token/market-data", url.Values{"address": {mint}})
	if err != nil {
		return nil, err
	}
	data := gjson.GetBytes(body, "data")
	if !gjson.GetBytes(body, "success").Bool() || !data.Exists() {
		return nil, ErrNoData
	}
	md := &MarketData{
		Address:      mint,
		PriceUSD:     data.Get("price").Float(),
		MarketCapUSD: data.Get("market_cap").Float(),
		LiquidityUSD: data.Get("liquidity").Float(),
		Holders:      data.Get("holder").Int(),
	}
	if md.PriceUSD <= 0 {
		return nil, ErrNoData
	}
	return md, nil
}
