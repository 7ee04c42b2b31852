package ledger

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/btcsuite/btcutil/base58"
	"github.com/stretchr/testify/require"

	"launchrewards/models"
)

func testVaultKey(t *testing.T) (string, string) {
	t.Helper()
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i + 1)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return base58.Encode(priv), base58.Encode(priv.Public().(ed25519.PublicKey))
}

func testRecipient(t *testing.T, fill byte) string {
	t.Helper()
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = fill
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return base58.Encode(priv.Public().(ed25519.PublicKey))
}

func testRPCServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID int64 `json:"id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0", "id": req.ID,
			"result": map[string]any{"solana-core": "2.0.0"},
		})
	}))
	t.Cleanup(server.Close)
	return server
}

func readyGateway(t *testing.T) (*Gateway, string) {
	t.Helper()
	key, address := testVaultKey(t)
	gateway := New(Config{
		RPCURL:     testRPCServer(t).URL,
		PrivateKey: key,
		TokenMint:  "MintAddr",
		BagsAPIKey: "api-key",
	}, nil)
	require.True(t, gateway.Init(context.Background()))
	return gateway, address
}

func TestInitRejectsMissingConfig(t *testing.T) {
	key, _ := testVaultKey(t)
	cases := []Config{
		{},
		{RPCURL: "http://localhost", PrivateKey: key, TokenMint: "mint"},
		{RPCURL: "http://localhost", PrivateKey: key, BagsAPIKey: "api"},
		{RPCURL: "http://localhost", TokenMint: "mint", BagsAPIKey: "api"},
		{PrivateKey: key, TokenMint: "mint", BagsAPIKey: "api"},
	}
	for _, cfg := range cases {
		gateway := New(cfg, nil)
		require.False(t, gateway.Init(context.Background()))
		require.False(t, gateway.Ready())
	}
}

func TestInitRejectsBadKey(t *testing.T) {
	gateway := New(Config{
		RPCURL:     "http://localhost",
		PrivateKey: "not-a-real-key",
		TokenMint:  "mint",
		BagsAPIKey: "api",
	}, nil)
	require.False(t, gateway.Init(context.Background()))
}

func TestGatewayReady(t *testing.T) {
	gateway, address := readyGateway(t)
	require.True(t, gateway.Ready())
	require.Equal(t, address, gateway.VaultAddress())
}

func TestNotReadyGuards(t *testing.T) {
	gateway := New(Config{}, nil)
	ctx := context.Background()

	_, err := gateway.VaultBalance(ctx)
	require.ErrorIs(t, err, ErrNotReady)
	_, err = gateway.ClaimFees(ctx)
	require.ErrorIs(t, err, ErrNotReady)
	_, err = gateway.SendPayout(ctx, nil)
	require.ErrorIs(t, err, ErrNotReady)
	_, err = gateway.VerifyTransaction(ctx, "sig")
	require.ErrorIs(t, err, ErrNotReady)
}

func TestSendPayoutPreValidation(t *testing.T) {
	gateway, _ := readyGateway(t)
	ctx := context.Background()
	good := testRecipient(t, 9)

	_, err := gateway.SendPayout(ctx, nil)
	require.ErrorIs(t, err, ErrInvalidPayout)

	_, err = gateway.SendPayout(ctx, []models.PayoutPlanEntry{
		{Rank: 1, Wallet: good, AmountLamports: 0},
	})
	require.ErrorIs(t, err, ErrInvalidPayout)

	_, err = gateway.SendPayout(ctx, []models.PayoutPlanEntry{
		{Rank: 1, Wallet: good, AmountLamports: 100},
		{Rank: 2, Wallet: "not-an-address", AmountLamports: 50},
	})
	require.ErrorIs(t, err, ErrInvalidPayout)
}

func TestEstimatePayoutFee(t *testing.T) {
	gateway := New(Config{}, nil)
	require.Equal(t, uint64(5_000), gateway.EstimatePayoutFee(0))
	require.Equal(t, uint64(20_000), gateway.EstimatePayoutFee(3))
	require.Equal(t, uint64(5_000), gateway.EstimatePayoutFee(-2))
}
