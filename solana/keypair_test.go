package solana

import (
	"crypto/ed25519"
	"encoding/json"
	"strings"
	"testing"

	"github.com/btcsuite/btcutil/base58"
	"github.com/stretchr/testify/require"
)

func testSeed(fill byte) []byte {
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = fill
	}
	return seed
}

func TestParsePrivateKeyFormats(t *testing.T) {
	seed := testSeed(7)
	priv := ed25519.NewKeyFromSeed(seed)
	wantAddress := base58.Encode(priv.Public().(ed25519.PublicKey))

	fromSecret, err := ParsePrivateKey(base58.Encode(priv))
	require.NoError(t, err)
	require.Equal(t, wantAddress, fromSecret.Address())

	fromSeed, err := ParsePrivateKey(base58.Encode(seed))
	require.NoError(t, err)
	require.Equal(t, wantAddress, fromSeed.Address())

	values := make([]int, len(priv))
	for i, b := range priv {
		values[i] = int(b)
	}
	asJSON, err := json.Marshal(values)
	require.NoError(t, err)
	fromJSON, err := ParsePrivateKey(string(asJSON))
	require.NoError(t, err)
	require.Equal(t, wantAddress, fromJSON.Address())
}

func TestParsePrivateKeyRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"", "   ", "abc", "[1,2,3]", "[not json"} {
		_, err := ParsePrivateKey(raw)
		require.ErrorIs(t, err, ErrInvalidKey, "input %q", raw)
	}
}

func TestSignRoundTrip(t *testing.T) {
	key, err := ParsePrivateKey(base58.Encode(testSeed(3)))
	require.NoError(t, err)

	message := []byte("settlement payout message")
	signature := key.Sign(message)
	pub := key.PublicKey()
	require.True(t, ed25519.Verify(pub[:], message, signature[:]))
}

func TestValidAddress(t *testing.T) {
	key, err := ParsePrivateKey(base58.Encode(testSeed(9)))
	require.NoError(t, err)
	require.True(t, ValidAddress(key.Address()))
	require.True(t, ValidAddress(SystemProgramID))

	require.False(t, ValidAddress(""))
	require.False(t, ValidAddress("tooshort"))
	require.False(t, ValidAddress(strings.Repeat("A", 45)))
	// Right length, but 0 is not in the base58 alphabet.
	require.False(t, ValidAddress(strings.Repeat("0", 40)))
}

func TestDecodeAddress(t *testing.T) {
	key, err := ParsePrivateKey(base58.Encode(testSeed(5)))
	require.NoError(t, err)

	decoded, err := DecodeAddress(key.Address())
	require.NoError(t, err)
	require.Equal(t, key.PublicKey(), decoded)

	_, err = DecodeAddress("bogus")
	require.Error(t, err)
}
