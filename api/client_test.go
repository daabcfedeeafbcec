package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solana-ultibot/internal/rpcguard"
)

func testGuard() *rpcguard.Guard {
	return rpcguard.New(
		rpcguard.WithThrottle(rpcguard.NewThrottle(3, 0)),
		rpcguard.WithSleeper(func(ctx context.Context, d time.Duration) error { return nil }),
	)
}

func TestTokenPrice(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/defi/price", r.URL.Path)
		assert.Equal(t, "MintA", r.URL.Query().Get("address"))
		assert.Equal(t, "solana", r.Header.Get("x-chain"))
		w.Write([]byte(`{"success":true,"data":{"value":0.0123,"updateUnixTime":1700000000}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, testGuard(), "key", nil)
	price, err := client.TokenPrice(context.Background(), "MintA")
	require.NoError(t, err)
	assert.Equal(t, 0.0123, price)
}

func TestTokenPriceNoData(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":false,"message":"not found"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, testGuard(), "key", nil)
	_, err := client.TokenPrice(context.Background(), "MintA")
	assert.ErrorIs(t, err, ErrNoData)
}

func TestTokenMarketData(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":true,"data":{"address":"MintA","price":2.5,"liquidity":1000,"market_cap":2500000,"holder":321}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, testGuard(), "key", nil)
	md, err := client.TokenMarketData(context.Background(), "MintA")
	require.NoError(t, err)
	assert.Equal(t, 2.5, md.PriceUSD)
	assert.Equal(t, 2_500_000.0, md.MarketCapUSD)
	assert.Equal(t, int64(321), md.Holders)
}

func TestKeyRotation(t *testing.T) {
	var seen []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-KEY")
		seen = append(seen, key)
		if key != "fallback2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"success":true,"data":{"value":1}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, testGuard(), "primary", []string{"fallback1", "fallback2"})
	price, err := client.TokenPrice(context.Background(), "MintA")
	require.NoError(t, err)
	assert.Equal(t, 1.0, price)
	assert.Equal(t, []string{"primary", "fallback1", "fallback2"}, seen)

	// the working key sticks
	_, err = client.TokenPrice(context.Background(), "MintA")
	require.NoError(t, err)
	assert.Equal(t, "fallback2", seen[len(seen)-1])
	assert.Len(t, seen, 4)
}

func TestRateLimitRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"success":true,"data":{"value":3}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, testGuard(), "key", nil)
	price, err := client.TokenPrice(context.Background(), "MintA")
	require.NoError(t, err)
	assert.Equal(t, 3.0, price)
	assert.Equal(t, int32(2), calls.Load())
}
