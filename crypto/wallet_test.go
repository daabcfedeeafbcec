package crypto

import (
	"encoding/json"
	"testing"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKeypair(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)

	pub, err := base58.Decode(kp.PublicKey)
	require.NoError(t, err)
	assert.Len(t, pub, 32)

	priv, err := SolanaPrivateKey(kp.PrivateKey)
	require.NoError(t, err)
	assert.Equal(t, kp.PublicKey, priv.PublicKey().String())

	other, err := GenerateKeypair()
	require.NoError(t, err)
	assert.NotEqual(t, kp.PublicKey, other.PublicKey)
}

func TestParseKeypair(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)

	t.Run("Base58", func(t *testing.T) {
		got, err := ParseKeypair("  " + kp.PrivateKey + "\n")
		require.NoError(t, err)
		assert.Equal(t, kp.PublicKey, got.PublicKey)
	})

	t.Run("JSONArray", func(t *testing.T) {
		raw, _ := base58.Decode(kp.PrivateKey)
		ints := make([]int, len(raw))
		for i, b := range raw {
			ints[i] = int(b)
		}
		js, _ := json.Marshal(ints)

		got, err := ParseKeypair(string(js))
		require.NoError(t, err)
		assert.Equal(t, kp.PublicKey, got.PublicKey)
		assert.Equal(t, kp.PrivateKey, got.PrivateKey)
	})

	t.Run("Invalid", func(t *testing.T) {
		for _, bad := range []string{"", "0OIl", "[1,2,3]", "[300]", kp.PublicKey} {
			_, err := ParseKeypair(bad)
			assert.ErrorIs(t, err, ErrInvalidPrivateKey)
		}
	})
}
