package trading

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"solana-ultibot/internal/rpcguard"
)

const (
	RAYDIUM_API = "https://api-v3.raydium.io"

	feeRateDenominator = 1_000_000
	poolCacheTTL       = 10 * time.Minute
)

// CPMMPool holds the addresses and fee of a Raydium constant-product pool
type CPMMPool struct {
	ID            solana.PublicKey
	Authority     solana.PublicKey
	Config        solana.PublicKey
	Observation   solana.PublicKey
	MintA         solana.PublicKey
	MintB         solana.PublicKey
	MintAProgram  solana.PublicKey
	MintBProgram  solana.PublicKey
	MintADecimals uint8
	MintBDecimals uint8
	VaultA        solana.PublicKey
	VaultB        solana.PublicKey
	FeeRate       uint64 // parts per million
}

type cachedPool struct {
	pool      *CPMMPool
	expiresAt time.Time
}

// RaydiumProvider swaps directly against a CPMM pool. It is the fallback
// venue when the aggregator is down.
type RaydiumProvider struct {
	apiURL     string
	httpClient *http.Client
	chain      *Chain
	submitter  Submitter
	pools      sync.Map // pair key -> cachedPool
}

func NewRaydiumProvider(apiURL string, chain *Chain, submitter Submitter) *RaydiumProvider {
	if apiURL == "" {
		apiURL = RAYDIUM_API
	}
	return &RaydiumProvider{apiURL: apiURL, httpClient: SharedClient, chain: chain, submitter: submitter}
}

func (r *RaydiumProvider) Name() string { return "raydium" }

func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

// FindPool locates the deepest CPMM pool holding both mints
func (r *RaydiumProvider) FindPool(ctx context.Context, mint1, mint2 string) (*CPMMPool, error) {
	key := pairKey(mint1, mint2)
	if v, ok := r.pools.Load(key); ok {
		c := v.(cachedPool)
		if time.Now().Before(c.expiresAt) {
			return c.pool, nil
		}
	}

	q := url.Values{}
	q.Set("mint1", mint1)
	q.Set("mint2", mint2)
	q.Set("poolType", "standard")
	q.Set("poolSortField", "liquidity")
	q.Set("sortType", "desc")
	q.Set("pageSize", "20")
	q.Set("page", "1")
	body, err := r.get(ctx, "raydium.pools", r.apiURL+"/pools/info/mint?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("pool lookup: %w", err)
	}

	var info gjson.Result
	for _, p := range gjson.GetBytes(body, "data.data").Array() {
		if p.Get("programId").String() == RaydiumCPMMProgramID.String() {
			info = p
			break
		}
	}
	if !info.Exists() {
		return nil, ErrNoPool
	}

	poolID := info.Get("id").String()
	keysBody, err := r.get(ctx, "raydium.keys", r.apiURL+"/pools/key/ids?ids="+url.QueryEscape(poolID))
	if err != nil {
		return nil, fmt.Errorf("pool keys: %w", err)
	}
	keys := gjson.GetBytes(keysBody, "data.0")
	if !keys.Exists() {
		return nil, fmt.Errorf("pool keys missing for %s", poolID)
	}

	pool, err := parsePool(info, keys)
	if err != nil {
		return nil, err
	}
	r.pools.Store(key, cachedPool{pool: pool, expiresAt: time.Now().Add(poolCacheTTL)})
	return pool, nil
}

func parsePool(info, keys gjson.Result) (*CPMMPool, error) {
	var firstErr error
	pk := func(s string) solana.PublicKey {
		k, err := solana.PublicKeyFromBase58(s)
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("bad pool key %q: %w", s, err)
		}
		return k
	}
	pool := &CPMMPool{
		ID:            pk(info.Get("id").String()),
		Authority:     pk(keys.Get("authority").String()),
		Config:        pk(keys.Get("config.id").String()),
		Observation:   pk(keys.Get("observationId").String()),
		MintA:         pk(info.Get("mintA.address").String()),
		MintB:         pk(info.Get("mintB.address").String()),
		MintAProgram:  pk(info.Get("mintA.programId").String()),
		MintBProgram:  pk(info.Get("mintB.programId").String()),
		MintADecimals: uint8(info.Get("mintA.decimals").Uint()),
		MintBDecimals: uint8(info.Get("mintB.decimals").Uint()),
		VaultA:        pk(keys.Get("vault.A").String()),
		VaultB:        pk(keys.Get("vault.B").String()),
		FeeRate:       info.Get("config.tradeFeeRate").Uint(),
	}
	return pool, firstErr
}

// side orients the pool for a swap from inputMint
type side struct {
	inVault, outVault     solana.PublicKey
	inProgram, outProgram solana.PublicKey
	inMint, outMint       solana.PublicKey
}

func (p *CPMMPool) orient(inputMint string) (side, error) {
	switch inputMint {
	case p.MintA.String():
		return side{p.VaultA, p.VaultB, p.MintAProgram, p.MintBProgram, p.MintA, p.MintB}, nil
	case p.MintB.String():
		return side{p.VaultB, p.VaultA, p.MintBProgram, p.MintAProgram, p.MintB, p.MintA}, nil
	}
	return side{}, fmt.Errorf("%w: %s not in pool %s", ErrNoPool, inputMint, p.ID)
}

// ConstantProductOut is the output of x*y=k after the input-side fee.
// The fee is rounded up, the output down.
func ConstantProductOut(amountIn, reserveIn, reserveOut, feeRate uint64) uint64 {
	if amountIn == 0 || reserveIn == 0 || reserveOut == 0 {
		return 0
	}
	in := new(big.Int).SetUint64(amountIn)
	fee := new(big.Int).Mul(in, new(big.Int).SetUint64(feeRate))
	fee.Add(fee, big.NewInt(feeRateDenominator-1))
	fee.Quo(fee, big.NewInt(feeRateDenominator))
	in.Sub(in, fee)
	if in.Sign() <= 0 {
		return 0
	}

	num := new(big.Int).Mul(in, new(big.Int).SetUint64(reserveOut))
	den := new(big.Int).Add(new(big.Int).SetUint64(reserveIn), in)
	return num.Quo(num, den).Uint64()
}

// MinimumOut applies slippage in basis points
func MinimumOut(out uint64, slippageBps int) uint64 {
	v := new(big.Int).SetUint64(out)
	v.Mul(v, big.NewInt(int64(10_000-slippageBps)))
	return v.Quo(v, big.NewInt(10_000)).Uint64()
}

// quote returns the expected output for amountIn of inputMint
func (r *RaydiumProvider) quote(ctx context.Context, pool *CPMMPool, inputMint string, amountIn uint64) (uint64, side, error) {
	s, err := pool.orient(inputMint)
	if err != nil {
		return 0, s, err
	}
	reserveIn, err := r.chain.TokenAccountBalance(ctx, s.inVault)
	if err != nil {
		return 0, s, err
	}
	reserveOut, err := r.chain.TokenAccountBalance(ctx, s.outVault)
	if err != nil {
		return 0, s, err
	}
	return ConstantProductOut(amountIn, reserveIn, reserveOut, pool.FeeRate), s, nil
}

func (r *RaydiumProvider) Swap(ctx context.Context, req SwapRequest) (*SwapResult, error) {
	pool, err := r.FindPool(ctx, req.InputMint, req.OutputMint)
	if err != nil {
		return nil, err
	}
	out, s, err := r.quote(ctx, pool, req.InputMint, req.AmountIn)
	if err != nil {
		return nil, err
	}
	if out == 0 {
		return nil, fmt.Errorf("raydium: zero output for %d in pool %s", req.AmountIn, pool.ID)
	}

	if req.DryRun {
		return dryRunResult(r.Name(), req.AmountIn, out), nil
	}

	owner := req.Owner.PublicKey()
	inATA, err := associatedTokenAddress(owner, s.inMint, s.inProgram)
	if err != nil {
		return nil, err
	}
	outATA, err := associatedTokenAddress(owner, s.outMint, s.outProgram)
	if err != nil {
		return nil, err
	}

	ixs := []solana.Instruction{
		createATAIdempotent(owner, inATA, owner, s.inMint, s.inProgram),
		createATAIdempotent(owner, outATA, owner, s.outMint, s.outProgram),
	}
	if s.inMint.Equals(wsolMint) {
		ixs = append(ixs,
			system.NewTransferInstruction(req.AmountIn, owner, inATA).Build(),
			syncNative(inATA),
		)
	}

	swapIx, err := cpmmSwapBaseInput(cpmmSwapAccounts{
		Payer:         owner,
		Authority:     pool.Authority,
		AmmConfig:     pool.Config,
		PoolState:     pool.ID,
		InputATA:      inATA,
		OutputATA:     outATA,
		InputVault:    s.inVault,
		OutputVault:   s.outVault,
		InputProgram:  s.inProgram,
		OutputProgram: s.outProgram,
		InputMint:     s.inMint,
		OutputMint:    s.outMint,
		Observation:   pool.Observation,
	}, req.AmountIn, MinimumOut(out, req.slippageBps()))
	if err != nil {
		return nil, err
	}
	ixs = append(ixs, swapIx)

	switch {
	case s.inMint.Equals(wsolMint):
		ixs = append(ixs, closeAccount(inATA, owner, owner, s.inProgram))
	case s.outMint.Equals(wsolMint):
		ixs = append(ixs, closeAccount(outATA, owner, owner, s.outProgram))
	}

	tx, err := r.chain.BuildSigned(ctx, req.Owner, ixs...)
	if err != nil {
		return nil, err
	}
	sig, err := r.submitter.Submit(ctx, tx, req.Owner)
	if err != nil {
		return nil, err
	}
	return &SwapResult{Signature: sig, InputAmount: req.AmountIn, OutputAmount: out, Provider: r.Name()}, nil
}

// PriceSOL derives the token's price in SOL from the SOL pool's reserves
func (r *RaydiumProvider) PriceSOL(ctx context.Context, mint string) (float64, error) {
	pool, err := r.FindPool(ctx, mint, SOL_MINT)
	if err != nil {
		return 0, err
	}
	s, err := pool.orient(mint)
	if err != nil {
		return 0, err
	}
	tokenReserve, err := r.chain.TokenAccountBalance(ctx, s.inVault)
	if err != nil {
		return 0, err
	}
	solReserve, err := r.chain.TokenAccountBalance(ctx, s.outVault)
	if err != nil {
		return 0, err
	}
	if tokenReserve == 0 || solReserve == 0 {
		return 0, ErrPriceUnavailable
	}

	tokenDecimals := pool.MintADecimals
	if s.inMint.Equals(pool.MintB) {
		tokenDecimals = pool.MintBDecimals
	}
	price, _ := decimal.NewFromBigInt(new(big.Int).SetUint64(solReserve), -9).
		Div(decimal.NewFromBigInt(new(big.Int).SetUint64(tokenReserve), -int32(tokenDecimals))).
		Float64()
	return price, nil
}

func (r *RaydiumProvider) get(ctx context.Context, op, u string) ([]byte, error) {
	return rpcguard.Call(ctx, r.chain.guard, op, func(ctx context.Context) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		resp, err := r.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			return nil, &rpcguard.HTTPError{Service: "Raydium", Code: resp.StatusCode, Body: string(body)}
		}
		if !gjson.GetBytes(body, "success").Bool() {
			return nil, fmt.Errorf("raydium api: %s", gjson.GetBytes(body, "msg").String())
		}
		return body, nil
	})
}
