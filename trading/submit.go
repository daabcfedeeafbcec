package trading

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"solana-ultibot/internal/rpcguard"
)

// Submitter lands a signed transaction. payer signs anything the submitter
// adds on its own (a bundle tip).
type Submitter interface {
	Submit(ctx context.Context, tx *solana.Transaction, payer solana.PrivateKey) (string, error)
}

// RPCSubmitter sends through sendTransaction with preflight
type RPCSubmitter struct {
	chain *Chain
}

func NewRPCSubmitter(chain *Chain) *RPCSubmitter {
	return &RPCSubmitter{chain: chain}
}

func (s *RPCSubmitter) Submit(ctx context.Context, tx *solana.Transaction, _ solana.PrivateKey) (string, error) {
	maxRetries := uint(3)
	sig, err := rpcguard.Call(ctx, s.chain.guard, "sendTransaction", func(ctx context.Context) (solana.Signature, error) {
		return s.chain.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
			SkipPreflight:       false,
			PreflightCommitment: rpc.CommitmentConfirmed,
			MaxRetries:          &maxRetries,
		})
	})
	if err != nil {
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}
	return sig.String(), nil
}
