package solana

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"solana-ultibot/internal/rpcguard"
)

const (
	DefaultScanInterval = 90 * time.Second
	DefaultScanTimeout  = 45 * time.Second

	tokenAccountSize = 165
)

// ErrScanTimedOut is expected on large mints; callers keep the prior snapshot
var ErrScanTimedOut = errors.New("holder scan timed out")

// TokenAccount is the part of an SPL token account the scanner needs
type TokenAccount struct {
	Mint   solana.PublicKey
	Owner  solana.PublicKey
	Amount uint64
}

// DecodeTokenAccount reads mint, owner and amount from raw account data
func DecodeTokenAccount(data []byte) (*TokenAccount, error) {
	if len(data) < 72 {
		return nil, fmt.Errorf("token account data too short: %d bytes", len(data))
	}
	dec := bin.NewBinDecoder(data)
	mint, err := dec.ReadNBytes(32)
	if err != nil {
		return nil, err
	}
	owner, err := dec.ReadNBytes(32)
	if err != nil {
		return nil, err
	}
	amount, err := dec.ReadUint64(bin.LE)
	if err != nil {
		return nil, err
	}
	return &TokenAccount{
		Mint:   solana.PublicKeyFromBytes(mint),
		Owner:  solana.PublicKeyFromBytes(owner),
		Amount: amount,
	}, nil
}

// AccountSource returns every token account of a mint
type AccountSource interface {
	TokenAccountsForMint(ctx context.Context, mint string) ([]*TokenAccount, error)
}

// RPCAccountSource scans the SPL token program with getProgramAccounts
type RPCAccountSource struct {
	rpcClient *rpc.Client
	guard     *rpcguard.Guard
}

func NewRPCAccountSource(rpcClient *rpc.Client, guard *rpcguard.Guard) *RPCAccountSource {
	return &RPCAccountSource{rpcClient: rpcClient, guard: guard}
}

func (s *RPCAccountSource) TokenAccountsForMint(ctx context.Context, mint string) ([]*TokenAccount, error) {
	mintKey, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return nil, fmt.Errorf("invalid mint %q: %w", mint, err)
	}

	res, err := rpcguard.Call(ctx, s.guard, "getProgramAccounts", func(ctx context.Context) (rpc.GetProgramAccountsResult, error) {
		return s.rpcClient.GetProgramAccountsWithOpts(ctx, solana.TokenProgramID, &rpc.GetProgramAccountsOpts{
			Commitment: rpc.CommitmentConfirmed,
			Encoding:   solana.EncodingBase64,
			Filters: []rpc.RPCFilter{
				{DataSize: tokenAccountSize},
				{Memcmp: &rpc.RPCFilterMemcmp{Offset: 0, Bytes: solana.Base58(mintKey.Bytes())}},
			},
		})
	})
	if err != nil {
		return nil, err
	}

	out := make([]*TokenAccount, 0, len(res))
	for _, keyed := range res {
		if keyed == nil || keyed.Account == nil || keyed.Account.Data == nil {
			continue
		}
		acc, err := DecodeTokenAccount(keyed.Account.Data.GetBinary())
		if err != nil {
			log.Debug().Err(err).Str("account", keyed.Pubkey.String()).Msg("skipping undecodable token account")
			continue
		}
		out = append(out, acc)
	}
	return out, nil
}

// Holder is one owner's aggregate balance
type Holder struct {
	Owner  string  `json:"owner"`
	Amount uint64  `json:"amount"`
	Pct    float64 `json:"pct"`
}

// HolderSnapshot is superseded wholesale by each scan
type HolderSnapshot struct {
	Mint      string    `json:"mint"`
	Decimals  uint8     `json:"decimals"`
	Supply    uint64    `json:"supply"`
	Holders   []Holder  `json:"holders"`
	ScannedAt time.Time `json:"scanned_at"`
}

// Top returns at most n holders
func (s *HolderSnapshot) Top(n int) []Holder {
	if len(s.Holders) <= n {
		return s.Holders
	}
	return s.Holders[:n]
}

// NonWhitelistedPct is the share of supply held outside the whitelist.
// It reports false when supply is unknown.
func (s *HolderSnapshot) NonWhitelistedPct(whitelist map[string]bool) (float64, bool) {
	if s == nil || s.Supply == 0 {
		return 0, false
	}
	var outside uint64
	for _, h := range s.Holders {
		if !whitelist[h.Owner] {
			outside += h.Amount
		}
	}
	pct, _ := decU64(outside).
		Div(decU64(s.Supply)).
		Mul(decimal.NewFromInt(100)).
		Float64()
	return pct, true
}

// HolderScanner builds snapshots from an AccountSource
type HolderScanner struct {
	source AccountSource
	now    func() time.Time
}

func NewHolderScanner(source AccountSource) *HolderScanner {
	return &HolderScanner{source: source, now: time.Now}
}

// Scan races the account fetch against timeout
func (s *HolderScanner) Scan(ctx context.Context, mint string, decimals uint8, supply uint64, timeout time.Duration) (*HolderSnapshot, error) {
	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		accounts []*TokenAccount
		err      error
	}
	done := make(chan result, 1)
	go func() {
		accounts, err := s.source.TokenAccountsForMint(scanCtx, mint)
		done <- result{accounts, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if scanCtx.Err() != nil && ctx.Err() == nil {
				return nil, ErrScanTimedOut
			}
			return nil, r.err
		}
		return s.aggregate(mint, decimals, supply, r.accounts), nil
	case <-scanCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrScanTimedOut
	}
}

func (s *HolderScanner) aggregate(mint string, decimals uint8, supply uint64, accounts []*TokenAccount) *HolderSnapshot {
	byOwner := make(map[string]uint64)
	for _, a := range accounts {
		if a.Amount == 0 {
			continue
		}
		byOwner[a.Owner.String()] += a.Amount
	}

	holders := make([]Holder, 0, len(byOwner))
	for owner, amount := range byOwner {
		h := Holder{Owner: owner, Amount: amount}
		if supply > 0 {
			h.Pct, _ = decU64(amount).Div(decU64(supply)).Mul(decimal.NewFromInt(100)).Float64()
		}
		holders = append(holders, h)
	}
	sort.Slice(holders, func(i, j int) bool {
		if holders[i].Amount != holders[j].Amount {
			return holders[i].Amount > holders[j].Amount
		}
		return holders[i].Owner < holders[j].Owner
	})

	return &HolderSnapshot{
		Mint:      mint,
		Decimals:  decimals,
		Supply:    supply,
		Holders:   holders,
		ScannedAt: s.now(),
	}
}

// HolderTracker rescans at most once per interval and keeps the last good
// snapshot when a scan fails.
type HolderTracker struct {
	scanner  *HolderScanner
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time

	mu          sync.Mutex
	mint        string
	last        *HolderSnapshot
	lastAttempt time.Time
}

func NewHolderTracker(scanner *HolderScanner, interval, timeout time.Duration) *HolderTracker {
	if interval <= 0 {
		interval = DefaultScanInterval
	}
	if timeout <= 0 {
		timeout = DefaultScanTimeout
	}
	return &HolderTracker{scanner: scanner, interval: interval, timeout: timeout, now: time.Now}
}

// Refresh scans if the interval elapsed and returns the latest snapshot
// (possibly from an earlier scan, possibly nil) plus this attempt's error.
func (t *HolderTracker) Refresh(ctx context.Context, mint string, decimals uint8, supply uint64) (*HolderSnapshot, error) {
	t.mu.Lock()
	if t.mint != mint {
		t.mint = mint
		t.last = nil
		t.lastAttempt = time.Time{}
	}
	due := t.lastAttempt.IsZero() || t.now().Sub(t.lastAttempt) >= t.interval
	if !due {
		snap := t.last
		t.mu.Unlock()
		return snap, nil
	}
	t.lastAttempt = t.now()
	t.mu.Unlock()

	snap, err := t.scanner.Scan(ctx, mint, decimals, supply, t.timeout)

	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		return t.last, err
	}
	if t.mint == mint {
		t.last = snap
	}
	return snap, nil
}

// Last returns the most recent snapshot without scanning
func (t *HolderTracker) Last() *HolderSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

func decU64(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}
