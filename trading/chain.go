package trading

import (
	"context"
	"fmt"
	"strconv"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"solana-ultibot/internal/rpcguard"
	isolana "solana-ultibot/internal/solana"
)

// Chain wraps the ledger calls the trading code needs, each one guarded
type Chain struct {
	client *rpc.Client
	guard  *rpcguard.Guard
}

func NewChain(client *rpc.Client, guard *rpcguard.Guard) *Chain {
	return &Chain{client: client, guard: guard}
}

func (c *Chain) Client() *rpc.Client { return c.client }

func (c *Chain) Guard() *rpcguard.Guard { return c.guard }

// SOLBalance fetches the lamport balance of a wallet
func (c *Chain) SOLBalance(ctx context.Context, wallet solana.PublicKey) (uint64, error) {
	res, err := rpcguard.Call(ctx, c.guard, "getBalance", func(ctx context.Context) (*rpc.GetBalanceResult, error) {
		return c.client.GetBalance(ctx, wallet, rpc.CommitmentConfirmed)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get SOL balance: %w", err)
	}
	return res.Value, nil
}

// TokenBalance sums every token account the wallet holds for mint
func (c *Chain) TokenBalance(ctx context.Context, wallet, mint solana.PublicKey) (uint64, error) {
	res, err := rpcguard.Call(ctx, c.guard, "getTokenAccountsByOwner", func(ctx context.Context) (*rpc.GetTokenAccountsResult, error) {
		return c.client.GetTokenAccountsByOwner(ctx, wallet,
			&rpc.GetTokenAccountsConfig{Mint: &mint},
			&rpc.GetTokenAccountsOpts{Commitment: rpc.CommitmentConfirmed, Encoding: solana.EncodingBase64},
		)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get token accounts: %w", err)
	}

	var total uint64
	for _, ta := range res.Value {
		if ta == nil || ta.Account.Data == nil {
			continue
		}
		acc, err := isolana.DecodeTokenAccount(ta.Account.Data.GetBinary())
		if err != nil {
			return 0, fmt.Errorf("decode token account %s: %w", ta.Pubkey, err)
		}
		total += acc.Amount
	}
	return total, nil
}

// TokenAccountBalance returns the raw amount held by one token account
func (c *Chain) TokenAccountBalance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	res, err := rpcguard.Call(ctx, c.guard, "getTokenAccountBalance", func(ctx context.Context) (*rpc.GetTokenAccountBalanceResult, error) {
		return c.client.GetTokenAccountBalance(ctx, account, rpc.CommitmentConfirmed)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get token account balance: %w", err)
	}
	if res == nil || res.Value == nil {
		return 0, fmt.Errorf("empty balance for %s", account)
	}
	return strconv.ParseUint(res.Value.Amount, 10, 64)
}

// LatestBlockhash returns a blockhash to build transactions against
func (c *Chain) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	res, err := rpcguard.Call(ctx, c.guard, "getLatestBlockhash", func(ctx context.Context) (*rpc.GetLatestBlockhashResult, error) {
		return c.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	})
	if err != nil {
		return solana.Hash{}, fmt.Errorf("failed to get blockhash: %w", err)
	}
	return res.Value.Blockhash, nil
}

// BuildSigned builds a transaction paid and signed by signer
func (c *Chain) BuildSigned(ctx context.Context, signer solana.PrivateKey, instructions ...solana.Instruction) (*solana.Transaction, error) {
	blockhash, err := c.LatestBlockhash(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := solana.NewTransaction(instructions, blockhash, solana.TransactionPayer(signer.PublicKey()))
	if err != nil {
		return nil, fmt.Errorf("failed to build tx: %w", err)
	}
	if err := signWith(tx, signer); err != nil {
		return nil, err
	}
	return tx, nil
}

// signWith replaces any placeholder signatures; every transaction here has
// a single signer.
func signWith(tx *solana.Transaction, signer solana.PrivateKey) error {
	tx.Signatures = tx.Signatures[:0]
	_, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(signer.PublicKey()) {
			return &signer
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to sign tx: %w", err)
	}
	return nil
}

// FormatSOL converts lamports to SOL
func FormatSOL(lamports uint64) float64 {
	return float64(lamports) / 1e9
}
