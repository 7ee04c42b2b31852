package solana

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

type rpcHandler func(method string, params []json.RawMessage) (any, *rpcError)

func testRPCServer(t *testing.T, handler rpcHandler) *Client {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     int64             `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		result, rpcErr := handler(req.Method, req.Params)
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	t.Cleanup(server.Close)
	return NewClient(ClientConfig{URL: server.URL})
}

func TestClientBalance(t *testing.T) {
	client := testRPCServer(t, func(method string, params []json.RawMessage) (any, *rpcError) {
		require.Equal(t, "getBalance", method)
		require.Len(t, params, 2)
		var address string
		require.NoError(t, json.Unmarshal(params[0], &address))
		require.Equal(t, "SomeVaultAddress", address)
		return map[string]any{"context": map[string]any{"slot": 1}, "value": uint64(12_345)}, nil
	})

	balance, err := client.Balance(context.Background(), "SomeVaultAddress")
	require.NoError(t, err)
	require.Equal(t, uint64(12_345), balance)
}

func TestClientLatestBlockhash(t *testing.T) {
	client := testRPCServer(t, func(method string, params []json.RawMessage) (any, *rpcError) {
		require.Equal(t, "getLatestBlockhash", method)
		return map[string]any{"value": map[string]any{"blockhash": "HashValue"}}, nil
	})

	hash, err := client.LatestBlockhash(context.Background())
	require.NoError(t, err)
	require.Equal(t, "HashValue", hash)
}

func TestClientSendTransaction(t *testing.T) {
	client := testRPCServer(t, func(method string, params []json.RawMessage) (any, *rpcError) {
		require.Equal(t, "sendTransaction", method)
		require.Len(t, params, 2)
		var opts map[string]any
		require.NoError(t, json.Unmarshal(params[1], &opts))
		require.Equal(t, "base64", opts["encoding"])
		require.Equal(t, float64(3), opts["maxRetries"])
		require.Equal(t, "confirmed", opts["preflightCommitment"])
		return "signature123", nil
	})

	signature, err := client.SendTransaction(context.Background(), []byte{1, 2, 3}, 3)
	require.NoError(t, err)
	require.Equal(t, "signature123", signature)
}

func TestClientSignatureStatus(t *testing.T) {
	statuses := map[string]any{}
	client := testRPCServer(t, func(method string, params []json.RawMessage) (any, *rpcError) {
		require.Equal(t, "getSignatureStatuses", method)
		return statuses, nil
	})

	statuses = map[string]any{"value": []any{map[string]any{"confirmationStatus": "finalized", "err": nil}}}
	status, err := client.SignatureStatus(context.Background(), "sig")
	require.NoError(t, err)
	require.Equal(t, "finalized", status)

	// Unknown signature yields an empty status and no error.
	statuses = map[string]any{"value": []any{nil}}
	status, err = client.SignatureStatus(context.Background(), "sig")
	require.NoError(t, err)
	require.Equal(t, "", status)

	// An on-chain failure is an error, not a status.
	statuses = map[string]any{"value": []any{map[string]any{
		"confirmationStatus": "confirmed",
		"err":                map[string]any{"InstructionError": []any{0, "Custom"}},
	}}}
	_, err = client.SignatureStatus(context.Background(), "sig")
	require.Error(t, err)
}

func TestClientTransactionExists(t *testing.T) {
	var payload any
	client := testRPCServer(t, func(method string, params []json.RawMessage) (any, *rpcError) {
		require.Equal(t, "getTransaction", method)
		return payload, nil
	})

	payload = map[string]any{"slot": 5}
	exists, err := client.TransactionExists(context.Background(), "sig")
	require.NoError(t, err)
	require.True(t, exists)

	payload = nil
	exists, err = client.TransactionExists(context.Background(), "sig")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestClientSurfacesRPCError(t *testing.T) {
	client := testRPCServer(t, func(method string, params []json.RawMessage) (any, *rpcError) {
		return nil, &rpcError{Code: -32002, Message: "blockhash not found"}
	})

	_, err := client.LatestBlockhash(context.Background())
	require.ErrorContains(t, err, "blockhash not found")
}
