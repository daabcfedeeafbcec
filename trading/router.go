package trading

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"solana-ultibot/internal/observability"
)

// SOL mint address
const SOL_MINT = "So11111111111111111111111111111111111111112"

const DryRunPrefix = "DRYRUN-"

var (
	ErrNoPool           = errors.New("no pool for mint pair")
	ErrPriceUnavailable = errors.New("price unavailable")
)

// SwapRequest is one swap of AmountIn raw units of InputMint
type SwapRequest struct {
	Owner       solana.PrivateKey
	InputMint   string
	OutputMint  string
	AmountIn    uint64
	SlippagePct float64
	DryRun      bool
}

func (r SwapRequest) slippageBps() int {
	bps := int(r.SlippagePct * 100)
	if bps <= 0 {
		bps = 50
	}
	if bps > 10_000 {
		bps = 10_000
	}
	return bps
}

// SwapResult is the provider-independent outcome of a swap
type SwapResult struct {
	Signature    string
	InputAmount  uint64
	OutputAmount uint64
	Provider     string
	DryRun       bool
}

// SwapProvider quotes and executes swaps against one liquidity venue.
// With DryRun set it must return after computing amounts, without submitting.
type SwapProvider interface {
	Name() string
	Swap(ctx context.Context, req SwapRequest) (*SwapResult, error)
}

// SwapError carries the failure of both providers
type SwapError struct {
	Primary   error
	Secondary error
}

func (e *SwapError) Error() string {
	return fmt.Sprintf("swap failed: primary: %v; secondary: %v", e.Primary, e.Secondary)
}

func (e *SwapError) Unwrap() []error {
	return []error{e.Primary, e.Secondary}
}

// Router tries the primary venue and falls back to the secondary on any error
type Router struct {
	primary   SwapProvider
	secondary SwapProvider
}

func NewRouter(primary, secondary SwapProvider) *Router {
	return &Router{primary: primary, secondary: secondary}
}

func (r *Router) Swap(ctx context.Context, req SwapRequest) (*SwapResult, error) {
	if req.AmountIn == 0 {
		return nil, fmt.Errorf("swap amount is zero")
	}

	res, primaryErr := r.primary.Swap(ctx, req)
	if primaryErr == nil {
		observability.RecordSwap(res.Provider, false)
		return res, nil
	}
	if r.secondary == nil {
		return nil, &SwapError{Primary: primaryErr, Secondary: errors.New("no secondary provider")}
	}

	log.Warn().
		Err(primaryErr).
		Str("provider", r.primary.Name()).
		Str("input", req.InputMint).
		Str("output", req.OutputMint).
		Msg("primary swap failed, falling back")

	res, secondaryErr := r.secondary.Swap(ctx, req)
	if secondaryErr != nil {
		return nil, &SwapError{Primary: primaryErr, Secondary: secondaryErr}
	}
	observability.RecordSwap(res.Provider, true)
	return res, nil
}

func dryRunSignature() string {
	return DryRunPrefix + uuid.NewString()
}

func dryRunResult(provider string, amountIn, quotedOut uint64) *SwapResult {
	return &SwapResult{
		Signature:    dryRunSignature(),
		InputAmount:  amountIn,
		OutputAmount: quotedOut,
		Provider:     provider,
		DryRun:       true,
	}
}
