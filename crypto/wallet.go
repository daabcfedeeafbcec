package crypto

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
	"github.com/tyler-smith/go-bip39"
)

var ErrInvalidPrivateKey = errors.New("invalid private key")

// Keypair is a disposable cycle wallet before its secret is sealed
type Keypair struct {
	PublicKey  string // base58
	PrivateKey string // base58, 64 bytes
}

// GenerateKeypair creates a fresh wallet from a 12-word mnemonic. The
// mnemonic is discarded; the sealed private key is the only copy.
func GenerateKeypair() (*Keypair, error) {
	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		return nil, err
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, err
	}
	seed := bip39.NewSeed(mnemonic, "")
	defer ZeroBytes(seed)

	privateKey := ed25519.NewKeyFromSeed(seed[:32])
	publicKey := privateKey.Public().(ed25519.PublicKey)

	return &Keypair{
		PublicKey:  base58.Encode(publicKey),
		PrivateKey: base58.Encode(privateKey),
	}, nil
}

// ParseKeypair accepts a base58 secret or a JSON byte array (solana-keygen format)
func ParseKeypair(secret string) (*Keypair, error) {
	secret = strings.TrimSpace(secret)
	var raw []byte

	if strings.HasPrefix(secret, "[") {
		var ints []int
		if err := json.Unmarshal([]byte(secret), &ints); err != nil {
			return nil, ErrInvalidPrivateKey
		}
		raw = make([]byte, len(ints))
		for i, v := range ints {
			if v < 0 || v > 255 {
				return nil, ErrInvalidPrivateKey
			}
			raw[i] = byte(v)
		}
	} else {
		b, err := base58.Decode(secret)
		if err != nil {
			return nil, ErrInvalidPrivateKey
		}
		raw = b
	}

	if len(raw) != ed25519.PrivateKeySize {
		return nil, ErrInvalidPrivateKey
	}
	privateKey := ed25519.PrivateKey(raw)
	publicKey := privateKey.Public().(ed25519.PublicKey)

	return &Keypair{
		PublicKey:  base58.Encode(publicKey),
		PrivateKey: base58.Encode(privateKey),
	}, nil
}

// SolanaPrivateKey converts a base58 private key to solana-go's type
func SolanaPrivateKey(privateKeyBase58 string) (solana.PrivateKey, error) {
	b, err := base58.Decode(privateKeyBase58)
	if err != nil || len(b) != ed25519.PrivateKeySize {
		return nil, ErrInvalidPrivateKey
	}
	return solana.PrivateKey(b), nil
}
