package solana

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// commitment used for every balance read, blockhash fetch, and confirmation
// check.
const commitmentConfirmed = "confirmed"

// Client is a thin JSON-RPC wrapper over a chain RPC endpoint.
type Client struct {
	url        string
	httpClient *http.Client
	nextID     atomic.Int64
}

// ClientConfig represents the client configuration.
type ClientConfig struct {
	URL     string
	Timeout time.Duration
}

// NewClient constructs a JSON-RPC client targeting the supplied URL.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		url: strings.TrimSpace(cfg.URL),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params []any, result any) error {
	payload := rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("solana: encode %s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("solana: build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("solana: %s: %w", method, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("solana: read %s response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("solana: %s returned status %d", method, resp.StatusCode)
	}
	var decoded rpcResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("solana: decode %s response: %w", method, err)
	}
	if decoded.Error != nil {
		return fmt.Errorf("solana: %s failed: %s (code %d)", method, decoded.Error.Message, decoded.Error.Code)
	}
	if result != nil {
		if err := json.Unmarshal(decoded.Result, result); err != nil {
			return fmt.Errorf("solana: decode %s result: %w", method, err)
		}
	}
	return nil
}

// Version performs a smoke call against the endpoint.
func (c *Client) Version(ctx context.Context) (string, error) {
	var result struct {
		SolanaCore string `json:"solana-core"`
	}
	if err := c.call(ctx, "getVersion", nil, &result); err != nil {
		return "", err
	}
	return result.SolanaCore, nil
}

// Balance returns the lamport balance of an account at confirmed commitment.
func (c *Client) Balance(ctx context.Context, address string) (uint64, error) {
	var result struct {
		Value uint64 `json:"value"`
	}
	params := []any{address, map[string]any{"commitment": commitmentConfirmed}}
	if err := c.call(ctx, "getBalance", params, &result); err != nil {
		return 0, err
	}
	return result.Value, nil
}

// LatestBlockhash fetches a recent blockhash at confirmed commitment.
func (c *Client) LatestBlockhash(ctx context.Context) (string, error) {
	var result struct {
		Value struct {
			Blockhash string `json:"blockhash"`
		} `json:"value"`
	}
	params := []any{map[string]any{"commitment": commitmentConfirmed}}
	if err := c.call(ctx, "getLatestBlockhash", params, &result); err != nil {
		return "", err
	}
	return result.Value.Blockhash, nil
}

// SendTransaction submits a signed wire transaction and returns its
// signature. maxRetries bounds the RPC node's internal rebroadcasts.
func (c *Client) SendTransaction(ctx context.Context, tx []byte, maxRetries int) (string, error) {
	if maxRetries < 0 {
		maxRetries = 0
	}
	params := []any{
		base64.StdEncoding.EncodeToString(tx),
		map[string]any{
			"encoding":            "base64",
			"maxRetries":          maxRetries,
			"preflightCommitment": commitmentConfirmed,
		},
	}
	var signature string
	if err := c.call(ctx, "sendTransaction", params, &signature); err != nil {
		return "", err
	}
	return signature, nil
}

// SignatureStatus returns the confirmation status string for a signature, or
// empty when the node has no record of it. A non-nil transaction error on the
// status is surfaced as an error.
func (c *Client) SignatureStatus(ctx context.Context, signature string) (string, error) {
	var result struct {
		Value []*struct {
			ConfirmationStatus string          `json:"confirmationStatus"`
			Err                json.RawMessage `json:"err"`
		} `json:"value"`
	}
	params := []any{[]string{signature}, map[string]any{"searchTransactionHistory": true}}
	if err := c.call(ctx, "getSignatureStatuses", params, &result); err != nil {
		return "", err
	}
	if len(result.Value) == 0 || result.Value[0] == nil {
		return "", nil
	}
	status := result.Value[0]
	if len(status.Err) > 0 && string(status.Err) != "null" {
		return "", fmt.Errorf("solana: transaction %s failed on chain: %s", signature, status.Err)
	}
	return status.ConfirmationStatus, nil
}

// TransactionExists reports whether the node can return the transaction at
// confirmed commitment. Used as a fallback when the status cache has expired.
func (c *Client) TransactionExists(ctx context.Context, signature string) (bool, error) {
	var result json.RawMessage
	params := []any{signature, map[string]any{
		"commitment":                     commitmentConfirmed,
		"maxSupportedTransactionVersion": 0,
	}}
	if err := c.call(ctx, "getTransaction", params, &result); err != nil {
		return false, err
	}
	return len(result) > 0 && string(result) != "null", nil
}

// WaitForConfirmation polls the signature status until it reaches confirmed
// or finalized commitment, the deadline passes, or the context is cancelled.
func (c *Client) WaitForConfirmation(ctx context.Context, signature string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		status, err := c.SignatureStatus(ctx, signature)
		if err != nil {
			return err
		}
		if status == "confirmed" || status == "finalized" {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("solana: transaction %s not confirmed after %s", signature, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
