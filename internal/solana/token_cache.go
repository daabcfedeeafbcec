package solana

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"solana-ultibot/internal/rpcguard"
)

const DefaultMintInfoTTL = 10 * time.Minute

// MintInfo is a mint's raw supply and decimals
type MintInfo struct {
	Mint     string
	Supply   uint64
	Decimals uint8
}

// UISupply is Supply scaled by decimals
func (m *MintInfo) UISupply() float64 {
	s := float64(m.Supply)
	for i := uint8(0); i < m.Decimals; i++ {
		s /= 10
	}
	return s
}

type cachedMintInfo struct {
	info      MintInfo
	expiresAt time.Time
}

// MintInfoCache caches supply/decimals to reduce RPC calls
type MintInfoCache struct {
	cache     sync.Map // map[string]cachedMintInfo
	rpcClient *rpc.Client
	guard     *rpcguard.Guard
	ttl       time.Duration
}

func NewMintInfoCache(rpcClient *rpc.Client, guard *rpcguard.Guard, ttl time.Duration) *MintInfoCache {
	if ttl <= 0 {
		ttl = DefaultMintInfoTTL
	}
	return &MintInfoCache{rpcClient: rpcClient, guard: guard, ttl: ttl}
}

// Get returns mint info from RAM or fetches it if expired
func (c *MintInfoCache) Get(ctx context.Context, mint string) (*MintInfo, error) {
	if val, ok := c.cache.Load(mint); ok {
		cached := val.(cachedMintInfo)
		if time.Now().Before(cached.expiresAt) {
			info := cached.info
			return &info, nil
		}
	}

	pubKey, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return nil, fmt.Errorf("invalid mint %q: %w", mint, err)
	}

	res, err := rpcguard.Call(ctx, c.guard, "getTokenSupply", func(ctx context.Context) (*rpc.GetTokenSupplyResult, error) {
		return c.rpcClient.GetTokenSupply(ctx, pubKey, rpc.CommitmentConfirmed)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get token supply: %w", err)
	}
	if res == nil || res.Value == nil {
		return nil, fmt.Errorf("empty token supply for %s", mint)
	}

	supply, err := strconv.ParseUint(res.Value.Amount, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse supply %q: %w", res.Value.Amount, err)
	}

	info := MintInfo{Mint: mint, Supply: supply, Decimals: res.Value.Decimals}
	c.cache.Store(mint, cachedMintInfo{info: info, expiresAt: time.Now().Add(c.ttl)})
	return &info, nil
}

// Invalidate forgets a mint
func (c *MintInfoCache) Invalidate(mint string) {
	c.cache.Delete(mint)
}
