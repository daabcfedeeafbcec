package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	envelopeVersion = "v1"
	masterKeySize   = 32
	gcmTagSize      = 16
)

var (
	// ErrMisconfiguredKey means the master key is missing or not 32 bytes. Fatal at startup.
	ErrMisconfiguredKey = errors.New("vault: master key must be 32 bytes (base64 or hex)")
	// ErrInvalidEnvelope means the envelope is not v1:<nonce>:<tag>:<ciphertext>.
	ErrInvalidEnvelope = errors.New("vault: invalid envelope")
	// ErrTamperedOrWrongKey means GCM authentication failed.
	ErrTamperedOrWrongKey = errors.New("vault: envelope tampered or wrong key")
)

// Vault seals wallet secrets at rest with AES-256-GCM
type Vault struct {
	aead cipher.AEAD
}

// NewVault parses the master key and builds the cipher
func NewVault(masterKey string) (*Vault, error) {
	key, err := ParseMasterKey(masterKey)
	if err != nil {
		return nil, err
	}
	defer ZeroBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMisconfiguredKey, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Vault{aead: aead}, nil
}

// ParseMasterKey accepts a 32-byte key encoded as hex, std base64 or raw base64
func ParseMasterKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrMisconfiguredKey
	}
	if len(s) == 2*masterKeySize {
		if b, err := hex.DecodeString(s); err == nil {
			return b, nil
		}
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil && len(b) == masterKeySize {
			return b, nil
		}
	}
	return nil, ErrMisconfiguredKey
}

// Seal encrypts plaintext under a fresh random nonce
func (v *Vault) Seal(plaintext []byte) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to read nonce: %w", err)
	}

	sealed := v.aead.Seal(nil, nonce, plaintext, nil)
	ct, tag := sealed[:len(sealed)-gcmTagSize], sealed[len(sealed)-gcmTagSize:]

	return strings.Join([]string{
		envelopeVersion,
		EncodeToBase64(nonce),
		EncodeToBase64(tag),
		EncodeToBase64(ct),
	}, ":"), nil
}

// Open decrypts an envelope produced by Seal
func (v *Vault) Open(envelope string) ([]byte, error) {
	parts := strings.Split(envelope, ":")
	if len(parts) != 4 || parts[0] != envelopeVersion {
		return nil, ErrInvalidEnvelope
	}
	nonce, err := DecodeFromBase64(parts[1])
	if err != nil || len(nonce) != v.aead.NonceSize() {
		return nil, ErrInvalidEnvelope
	}
	tag, err := DecodeFromBase64(parts[2])
	if err != nil || len(tag) != gcmTagSize {
		return nil, ErrInvalidEnvelope
	}
	ct, err := DecodeFromBase64(parts[3])
	if err != nil {
		return nil, ErrInvalidEnvelope
	}

	plaintext, err := v.aead.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		return nil, ErrTamperedOrWrongKey
	}
	return plaintext, nil
}

// SealString is Seal for string secrets (base58 private keys)
func (v *Vault) SealString(s string) (string, error) {
	return v.Seal([]byte(s))
}

// OpenString is Open returning a string
func (v *Vault) OpenString(envelope string) (string, error) {
	b, err := v.Open(envelope)
	if err != nil {
		return "", err
	}
	defer ZeroBytes(b)
	return string(b), nil
}

// HashPassword hashes a password using bcrypt
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword checks if password matches the hash
func VerifyPassword(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

// EncodeToBase64 encodes bytes to base64 string
func EncodeToBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeFromBase64 decodes base64 string to bytes
func DecodeFromBase64(encoded string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(encoded)
}

// ZeroBytes securely zeros out a byte slice
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
