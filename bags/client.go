// Package bags wraps the upstream creator-fee claim API. The engine asks it
// for pre-built claim transactions; signing and submission stay with the
// ledger gateway.
package bags

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const defaultBaseURL = "https://public-api-v2.bags.fm/api/v1"

// ClaimTransaction is one serialized (base64) claim transaction returned by
// the API, ready for partial signing by the fee claimer.
type ClaimTransaction struct {
	Transaction string `json:"tx"`
	Position    string `json:"position"`
}

// Client is an authenticated HTTP client for the claim API. Requests are
// rate-limited client-side to stay under the published API quota.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// Option customises the client.
type Option func(*Client)

// WithBaseURL overrides the API host, mainly for tests.
func WithBaseURL(base string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(strings.TrimSpace(base), "/") }
}

// WithTimeout overrides the HTTP timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// NewClient constructs a claim API client.
func NewClient(apiKey string, opts ...Option) *Client {
	client := &Client{
		baseURL:    defaultBaseURL,
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Every(time.Second), 4),
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

type claimResponse struct {
	Success  bool               `json:"success"`
	Error    string             `json:"error"`
	Response []ClaimTransaction `json:"response"`
}

// ClaimTransactions lists the claimable fee positions for the wallet,
// restricted to the given token mint, and returns one serialized transaction
// per batch the API assembled.
func (c *Client) ClaimTransactions(ctx context.Context, wallet, tokenMint string) ([]ClaimTransaction, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	query := url.Values{}
	query.Set("feeClaimer", wallet)
	if mint := strings.TrimSpace(tokenMint); mint != "" {
		query.Set("tokenMint", mint)
	}
	endpoint := fmt.Sprintf("%s/token-launch/fee-share/claim-txs?%s", c.baseURL, query.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("bags: build request: %w", err)
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bags: claim transactions: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("bags: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bags: claim transactions returned status %d", resp.StatusCode)
	}
	var decoded claimResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("bags: decode response: %w", err)
	}
	if !decoded.Success {
		message := decoded.Error
		if message == "" {
			message = "request rejected"
		}
		return nil, fmt.Errorf("bags: claim transactions: %s", message)
	}
	return decoded.Response, nil
}
