package trading

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"

	"solana-ultibot/internal/rpcguard"
)

// JitoBlockEngineURL is the endpoint for the Jito Block Engine
const JitoBlockEngineURL = "https://amsterdam.mainnet.block-engine.jito.wtf/api/v1/bundles"

var jitoTipAccounts = []string{
	"96gYZGLnJYVFmbjzopPSU6QiEV5fGqZNyN9nmNhvrZU5",
	"HFqU5x63VTqvQss8hp11i4wVV8bD44PvwucfZ2bU7gRe",
	"Cw8CFyM9FkoMi7K7Crf6HNQqf4uEMzpKw6QNghXLvLkY",
	"ADaUMid9yfUytqMBgopwjb2DTLSokTSzL1zt6iGPaS49",
	"DfXygSm4jCyNCybVYYK6DwvWqjKee8pbDmJGcLWNDXjh",
	"ADuUkR4vqLUMWXxW9gh6D6L8pMSawimctcNZ5pGwDcEt",
	"DttWaMuVvTiduZRnguLF7jNxTgiMBZ1hyAumKUiL2KRL",
	"3AVi9Tg9Uo68tJfuvoKvqKNWKkC5wPdSSdeBnizKZ6jT",
}

// JitoSubmitter sends [tx, tip] as an atomic bundle. The tip is a separate
// transaction so the already-signed swap is not modified.
type JitoSubmitter struct {
	chain          *Chain
	blockEngineURL string
	httpClient     *http.Client
	tipLamports    uint64
}

func NewJitoSubmitter(chain *Chain, blockEngineURL string, tipLamports uint64) *JitoSubmitter {
	if blockEngineURL == "" {
		blockEngineURL = JitoBlockEngineURL
	}
	return &JitoSubmitter{
		chain:          chain,
		blockEngineURL: blockEngineURL,
		httpClient:     &http.Client{Timeout: 10 * time.Second},
		tipLamports:    tipLamports,
	}
}

// TipAccount picks one of the published tip accounts at random
func TipAccount() solana.PublicKey {
	return solana.MustPublicKeyFromBase58(jitoTipAccounts[rand.IntN(len(jitoTipAccounts))])
}

// Submit returns the swap transaction's signature; the bundle id is logged
func (j *JitoSubmitter) Submit(ctx context.Context, tx *solana.Transaction, payer solana.PrivateKey) (string, error) {
	tipIx := system.NewTransferInstruction(j.tipLamports, payer.PublicKey(), TipAccount()).Build()
	tipTx, err := j.chain.BuildSigned(ctx, payer, tipIx)
	if err != nil {
		return "", fmt.Errorf("failed to build tip tx: %w", err)
	}

	encoded := make([]string, 0, 2)
	for _, t := range []*solana.Transaction{tx, tipTx} {
		raw, err := t.MarshalBinary()
		if err != nil {
			return "", fmt.Errorf("failed to marshal tx: %w", err)
		}
		encoded = append(encoded, base58.Encode(raw))
	}

	bundleID, err := rpcguard.Call(ctx, j.chain.guard, "sendBundle", func(ctx context.Context) (string, error) {
		return j.sendBundle(ctx, encoded)
	})
	if err != nil {
		return "", err
	}

	sig := ""
	if len(tx.Signatures) > 0 {
		sig = tx.Signatures[0].String()
	}
	log.Info().Str("bundle", bundleID).Str("signature", sig).Uint64("tip", j.tipLamports).Msg("jito bundle submitted")
	return sig, nil
}

func (j *JitoSubmitter) sendBundle(ctx context.Context, txs []string) (string, error) {
	payload := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "sendBundle",
		"params":  []interface{}{txs},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.blockEngineURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := j.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send bundle: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &rpcguard.HTTPError{Service: "Jito", Code: resp.StatusCode, Body: string(respBody)}
	}

	var rpcResp struct {
		Result string `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return "", fmt.Errorf("failed to parse jito response: %w", err)
	}
	if rpcResp.Error != nil {
		err := fmt.Errorf("jito rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
		if rpcResp.Error.Code == http.StatusTooManyRequests {
			return "", &rpcguard.RateLimitError{Op: "sendBundle", Err: err}
		}
		return "", err
	}
	return rpcResp.Result, nil
}
