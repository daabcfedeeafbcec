package trading

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/tidwall/gjson"

	"solana-ultibot/internal/rpcguard"
)

const (
	JUPITER_QUOTE_API = "https://quote-api.jup.ag/v6/quote"
	JUPITER_SWAP_API  = "https://lite-api.jup.ag/swap/v1/swap"
	JUPITER_PRICE_API = "https://lite-api.jup.ag/price/v2"
)

// JupiterQuote represents a quote response from Jupiter
type JupiterQuote struct {
	InputMint            string                   `json:"inputMint"`
	InAmount             string                   `json:"inAmount"`
	OutputMint           string                   `json:"outputMint"`
	OutAmount            string                   `json:"outAmount"`
	OtherAmountThreshold string                   `json:"otherAmountThreshold"`
	SwapMode             string                   `json:"swapMode"`
	SlippageBps          int                      `json:"slippageBps"`
	PriceImpactPct       string                   `json:"priceImpactPct"`
	RoutePlan            []map[string]interface{} `json:"routePlan"`
}

// PrioritizationFee represents the fee structure
type PrioritizationFee struct {
	PriorityLevelWithMaxLamports *PriorityLevel `json:"priorityLevelWithMaxLamports,omitempty"`
}

// PriorityLevel defines the max lamports and priority level
type PriorityLevel struct {
	MaxLamports   int64  `json:"maxLamports"`
	PriorityLevel string `json:"priorityLevel"`
}

// JupiterSwapRequest represents a swap request
type JupiterSwapRequest struct {
	QuoteResponse             JupiterQuote `json:"quoteResponse"`
	UserPublicKey             string       `json:"userPublicKey"`
	WrapAndUnwrapSol          bool         `json:"wrapAndUnwrapSol"`
	PrioritizationFeeLamports interface{}  `json:"prioritizationFeeLamports"`
	DynamicComputeUnitLimit   bool         `json:"dynamicComputeUnitLimit"`
}

// JupiterSwapResponse represents the swap transaction
type JupiterSwapResponse struct {
	SwapTransaction      string `json:"swapTransaction"`
	LastValidBlockHeight int64  `json:"lastValidBlockHeight"`
}

type JupiterConfig struct {
	QuoteURL            string
	SwapURL             string
	PriceURL            string
	PriorityFeeLamports int64
}

// JupiterProvider is the primary swap venue
type JupiterProvider struct {
	cfg        JupiterConfig
	httpClient *http.Client
	guard      *rpcguard.Guard
	submitter  Submitter
}

func NewJupiterProvider(cfg JupiterConfig, guard *rpcguard.Guard, submitter Submitter) *JupiterProvider {
	if cfg.QuoteURL == "" {
		cfg.QuoteURL = JUPITER_QUOTE_API
	}
	if cfg.SwapURL == "" {
		cfg.SwapURL = JUPITER_SWAP_API
	}
	if cfg.PriceURL == "" {
		cfg.PriceURL = JUPITER_PRICE_API
	}
	return &JupiterProvider{cfg: cfg, httpClient: SharedClient, guard: guard, submitter: submitter}
}

func (j *JupiterProvider) Name() string { return "jupiter" }

// Quote asks Jupiter for the best route
func (j *JupiterProvider) Quote(ctx context.Context, inputMint, outputMint string, amount uint64, slippageBps int) (*JupiterQuote, error) {
	q := url.Values{}
	q.Set("inputMint", inputMint)
	q.Set("outputMint", outputMint)
	q.Set("amount", strconv.FormatUint(amount, 10))
	q.Set("slippageBps", strconv.Itoa(slippageBps))

	body, err := j.get(ctx, "jupiter.quote", j.cfg.QuoteURL+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("failed to get quote: %w", err)
	}

	var quote JupiterQuote
	if err := json.Unmarshal(body, &quote); err != nil {
		return nil, fmt.Errorf("failed to parse quote: %w", err)
	}
	if quote.OutAmount == "" {
		return nil, fmt.Errorf("jupiter returned an empty quote")
	}
	return &quote, nil
}

// SwapTransaction gets the unsigned swap transaction for a quote
func (j *JupiterProvider) SwapTransaction(ctx context.Context, quote *JupiterQuote, userPublicKey string) (*JupiterSwapResponse, error) {
	reqBody := JupiterSwapRequest{
		QuoteResponse:    *quote,
		UserPublicKey:    userPublicKey,
		WrapAndUnwrapSol: true,
		PrioritizationFeeLamports: PrioritizationFee{
			PriorityLevelWithMaxLamports: &PriorityLevel{
				MaxLamports:   j.cfg.PriorityFeeLamports,
				PriorityLevel: "veryHigh",
			},
		},
		DynamicComputeUnitLimit: true,
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	body, err := rpcguard.Call(ctx, j.guard, "jupiter.swap", func(ctx context.Context) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.cfg.SwapURL, bytes.NewReader(jsonData))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		return j.do(req)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get swap transaction: %w", err)
	}

	var swapResp JupiterSwapResponse
	if err := json.Unmarshal(body, &swapResp); err != nil {
		return nil, fmt.Errorf("failed to parse swap response: %w", err)
	}
	if swapResp.SwapTransaction == "" {
		return nil, fmt.Errorf("jupiter returned no transaction")
	}
	return &swapResp, nil
}

func (j *JupiterProvider) Swap(ctx context.Context, req SwapRequest) (*SwapResult, error) {
	quote, err := j.Quote(ctx, req.InputMint, req.OutputMint, req.AmountIn, req.slippageBps())
	if err != nil {
		return nil, err
	}
	out, err := strconv.ParseUint(quote.OutAmount, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad quote outAmount %q: %w", quote.OutAmount, err)
	}

	if req.DryRun {
		return dryRunResult(j.Name(), req.AmountIn, out), nil
	}

	swapResp, err := j.SwapTransaction(ctx, quote, req.Owner.PublicKey().String())
	if err != nil {
		return nil, err
	}

	raw, err := base64.StdEncoding.DecodeString(swapResp.SwapTransaction)
	if err != nil {
		return nil, fmt.Errorf("failed to decode tx: %w", err)
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse tx: %w", err)
	}
	if err := signWith(tx, req.Owner); err != nil {
		return nil, err
	}

	sig, err := j.submitter.Submit(ctx, tx, req.Owner)
	if err != nil {
		return nil, err
	}
	return &SwapResult{Signature: sig, InputAmount: req.AmountIn, OutputAmount: out, Provider: j.Name()}, nil
}

// PriceUSD reads Jupiter's price for a listed token
func (j *JupiterProvider) PriceUSD(ctx context.Context, mint string) (float64, error) {
	body, err := j.get(ctx, "jupiter.price", j.cfg.PriceURL+"?ids="+url.QueryEscape(mint))
	if err != nil {
		return 0, err
	}
	price := gjson.GetBytes(body, "data."+mint+".price").Float()
	if price <= 0 {
		return 0, ErrPriceUnavailable
	}
	return price, nil
}

func (j *JupiterProvider) get(ctx context.Context, op, u string) ([]byte, error) {
	return rpcguard.Call(ctx, j.guard, op, func(ctx context.Context) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		return j.do(req)
	})
}

func (j *JupiterProvider) do(req *http.Request) ([]byte, error) {
	resp, err := j.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &rpcguard.HTTPError{Service: "Jupiter", Code: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}
