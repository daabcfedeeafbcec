package trading

import (
	"bytes"
	"crypto/sha256"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

var (
	// RaydiumCPMMProgramID is Raydium's constant-product swap program
	RaydiumCPMMProgramID = solana.MustPublicKeyFromBase58("CPMMoo8L3F4NbTegBCKVNunggL7H1ZpdTHKxQB5qKP1C")
	Token2022ProgramID   = solana.MustPublicKeyFromBase58("TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb")

	wsolMint = solana.MustPublicKeyFromBase58(SOL_MINT)

	swapBaseInputDiscriminator = anchorDiscriminator("swap_base_input")
)

const (
	ataCreateIdempotent = 1
	tokenCloseAccount   = 9
	tokenSyncNative     = 17
)

func anchorDiscriminator(name string) []byte {
	sum := sha256.Sum256([]byte("global:" + name))
	return sum[:8]
}

// associatedTokenAddress derives the ATA for either token program
func associatedTokenAddress(owner, mint, tokenProgram solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress(
		[][]byte{owner[:], tokenProgram[:], mint[:]},
		solana.SPLAssociatedTokenAccountProgramID,
	)
	return addr, err
}

func createATAIdempotent(payer, ata, owner, mint, tokenProgram solana.PublicKey) solana.Instruction {
	return solana.NewInstruction(
		solana.SPLAssociatedTokenAccountProgramID,
		solana.AccountMetaSlice{
			solana.Meta(payer).WRITE().SIGNER(),
			solana.Meta(ata).WRITE(),
			solana.Meta(owner),
			solana.Meta(mint),
			solana.Meta(solana.SystemProgramID),
			solana.Meta(tokenProgram),
		},
		[]byte{ataCreateIdempotent},
	)
}

func syncNative(account solana.PublicKey) solana.Instruction {
	return solana.NewInstruction(
		solana.TokenProgramID,
		solana.AccountMetaSlice{solana.Meta(account).WRITE()},
		[]byte{tokenSyncNative},
	)
}

func closeAccount(account, destination, owner, tokenProgram solana.PublicKey) solana.Instruction {
	return solana.NewInstruction(
		tokenProgram,
		solana.AccountMetaSlice{
			solana.Meta(account).WRITE(),
			solana.Meta(destination).WRITE(),
			solana.Meta(owner).SIGNER(),
		},
		[]byte{tokenCloseAccount},
	)
}

// cpmmSwapAccounts is the account list of swap_base_input
type cpmmSwapAccounts struct {
	Payer         solana.PublicKey
	Authority     solana.PublicKey
	AmmConfig     solana.PublicKey
	PoolState     solana.PublicKey
	InputATA      solana.PublicKey
	OutputATA     solana.PublicKey
	InputVault    solana.PublicKey
	OutputVault   solana.PublicKey
	InputProgram  solana.PublicKey
	OutputProgram solana.PublicKey
	InputMint     solana.PublicKey
	OutputMint    solana.PublicKey
	Observation   solana.PublicKey
}

func cpmmSwapBaseInput(a cpmmSwapAccounts, amountIn, minimumOut uint64) (solana.Instruction, error) {
	buf := new(bytes.Buffer)
	enc := bin.NewBinEncoder(buf)
	if err := enc.WriteBytes(swapBaseInputDiscriminator, false); err != nil {
		return nil, err
	}
	if err := enc.WriteUint64(amountIn, bin.LE); err != nil {
		return nil, err
	}
	if err := enc.WriteUint64(minimumOut, bin.LE); err != nil {
		return nil, err
	}

	return solana.NewInstruction(
		RaydiumCPMMProgramID,
		solana.AccountMetaSlice{
			solana.Meta(a.Payer).SIGNER(),
			solana.Meta(a.Authority),
			solana.Meta(a.AmmConfig),
			solana.Meta(a.PoolState).WRITE(),
			solana.Meta(a.InputATA).WRITE(),
			solana.Meta(a.OutputATA).WRITE(),
			solana.Meta(a.InputVault).WRITE(),
			solana.Meta(a.OutputVault).WRITE(),
			solana.Meta(a.InputProgram),
			solana.Meta(a.OutputProgram),
			solana.Meta(a.InputMint),
			solana.Meta(a.OutputMint),
			solana.Meta(a.Observation).WRITE(),
		},
		buf.Bytes(),
	), nil
}
