// Package ledger is the gateway onto the chain: fee claims, vault balance,
// the payout batch transfer, and confirmation checks. It never touches the
// state store; all durability around its calls belongs to the engine.
package ledger

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"launchrewards/bags"
	"launchrewards/models"
	"launchrewards/solana"
)

// Fee model used by EstimatePayoutFee: one signature at the base price plus
// the same amount of slack per transfer keeps the estimate conservative.
const (
	feeBaseLamports        = 5_000
	feePerTransferLamports = 5_000
)

// sendMaxRetries bounds the RPC node's rebroadcasts of the payout
// transaction.
const sendMaxRetries = 3

const confirmTimeout = 90 * time.Second

// ErrNotReady is returned when the gateway is used before a successful Init.
var ErrNotReady = errors.New("ledger: gateway not initialised")

// ErrInvalidPayout indicates a payout entry failed pre-validation; nothing
// was sent.
var ErrInvalidPayout = errors.New("ledger: invalid payout entry")

// Config carries the chain-facing settings. Any blank required field leaves
// the gateway not ready and the engine dormant.
type Config struct {
	RPCURL     string
	PrivateKey string
	TokenMint  string
	BagsAPIKey string
}

// Gateway implements the chain operations of the settlement engine.
type Gateway struct {
	cfg   Config
	log   *slog.Logger
	rpc   *solana.Client
	bags  *bags.Client
	vault *solana.Keypair
	ready bool
}

// New constructs an uninitialised gateway.
func New(cfg Config, log *slog.Logger) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{cfg: cfg, log: log}
}

// Init loads the vault keypair and RPC endpoint. It returns false when
// required configuration is absent or the key is unusable; the engine then
// disables itself without touching any state. A failed smoke call is logged
// but does not block startup.
func (g *Gateway) Init(ctx context.Context) bool {
	if g.cfg.RPCURL == "" || g.cfg.PrivateKey == "" || g.cfg.TokenMint == "" || g.cfg.BagsAPIKey == "" {
		g.log.Warn("ledger gateway missing configuration, engine stays dormant")
		return false
	}
	vault, err := solana.ParsePrivateKey(g.cfg.PrivateKey)
	if err != nil {
		g.log.Error("ledger gateway cannot load vault key", "err", err)
		return false
	}
	g.vault = vault
	g.rpc = solana.NewClient(solana.ClientConfig{URL: g.cfg.RPCURL})
	g.bags = bags.NewClient(g.cfg.BagsAPIKey)

	if version, err := g.rpc.Version(ctx); err != nil {
		g.log.Warn("rpc smoke call failed", "err", err)
	} else {
		g.log.Info("ledger gateway ready", "vault", vault.Address(), "rpc_version", version)
	}
	g.ready = true
	return true
}

// Ready reports whether Init succeeded.
func (g *Gateway) Ready() bool {
	return g.ready
}

// VaultAddress returns the vault's base58 address.
func (g *Gateway) VaultAddress() string {
	if g.vault == nil {
		return ""
	}
	return g.vault.Address()
}

// VaultBalance reads the vault's lamport balance.
func (g *Gateway) VaultBalance(ctx context.Context) (uint64, error) {
	if !g.ready {
		return 0, ErrNotReady
	}
	return g.rpc.Balance(ctx, g.vault.Address())
}

// ClaimFees pulls the claimable creator-fee transactions for the configured
// token, signs and submits each, and returns the signatures that confirmed.
// Individual batch failures are logged and skipped; an empty result with nil
// error means there was nothing to claim. A hard API failure is returned as
// an error.
func (g *Gateway) ClaimFees(ctx context.Context) ([]string, error) {
	if !g.ready {
		return nil, ErrNotReady
	}
	claims, err := g.bags.ClaimTransactions(ctx, g.vault.Address(), g.cfg.TokenMint)
	if err != nil {
		return nil, fmt.Errorf("ledger: list claims: %w", err)
	}
	if len(claims) == 0 {
		return []string{}, nil
	}

	signatures := make([]string, 0, len(claims))
	for _, claim := range claims {
		raw, err := base64.StdEncoding.DecodeString(claim.Transaction)
		if err != nil {
			g.log.Warn("skipping malformed claim transaction", "position", claim.Position, "err", err)
			continue
		}
		signed, err := solana.SignWireTransaction(raw, g.vault)
		if err != nil {
			g.log.Warn("skipping unsignable claim transaction", "position", claim.Position, "err", err)
			continue
		}
		signature, err := g.rpc.SendTransaction(ctx, signed, sendMaxRetries)
		if err != nil {
			g.log.Warn("claim transaction rejected", "position", claim.Position, "err", err)
			continue
		}
		if err := g.rpc.WaitForConfirmation(ctx, signature, confirmTimeout); err != nil {
			g.log.Warn("claim transaction unconfirmed", "position", claim.Position, "signature", signature, "err", err)
			continue
		}
		signatures = append(signatures, signature)
	}
	return signatures, nil
}

// SendPayout builds one batch transfer transaction containing exactly the
// given entries, signs it with the vault key, submits it, and waits for
// confirmation. Every entry is validated first; any violation returns
// ErrInvalidPayout without sending.
func (g *Gateway) SendPayout(ctx context.Context, entries []models.PayoutPlanEntry) (string, error) {
	if !g.ready {
		return "", ErrNotReady
	}
	transfers, err := validateEntries(entries)
	if err != nil {
		return "", err
	}

	blockhash, err := g.rpc.LatestBlockhash(ctx)
	if err != nil {
		return "", fmt.Errorf("ledger: fetch blockhash: %w", err)
	}
	tx, err := solana.BuildTransferTransaction(g.vault, blockhash, transfers)
	if err != nil {
		return "", fmt.Errorf("ledger: build payout: %w", err)
	}
	signature, err := g.rpc.SendTransaction(ctx, tx, sendMaxRetries)
	if err != nil {
		return "", fmt.Errorf("ledger: send payout: %w", err)
	}
	if err := g.rpc.WaitForConfirmation(ctx, signature, confirmTimeout); err != nil {
		return "", fmt.Errorf("ledger: confirm payout: %w", err)
	}
	return signature, nil
}

// VerifyTransaction reports whether a previously submitted signature landed.
// The status cache is checked first with a direct transaction lookup as
// fallback.
func (g *Gateway) VerifyTransaction(ctx context.Context, signature string) (bool, error) {
	if !g.ready {
		return false, ErrNotReady
	}
	status, err := g.rpc.SignatureStatus(ctx, signature)
	if err == nil && (status == "confirmed" || status == "finalized") {
		return true, nil
	}
	if err != nil {
		g.log.Warn("signature status lookup failed, falling back to transaction lookup", "signature", signature, "err", err)
	}
	return g.rpc.TransactionExists(ctx, signature)
}

// EstimatePayoutFee returns a conservative overestimate of the network fee
// for a batch of n transfers.
func (g *Gateway) EstimatePayoutFee(n int) uint64 {
	if n < 0 {
		n = 0
	}
	return feeBaseLamports + uint64(n)*feePerTransferLamports
}

// validateEntries enforces the payout pre-conditions: strictly positive
// amounts and syntactically valid recipient addresses.
func validateEntries(entries []models.PayoutPlanEntry) ([]solana.Transfer, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: empty plan", ErrInvalidPayout)
	}
	transfers := make([]solana.Transfer, 0, len(entries))
	for _, entry := range entries {
		if entry.AmountLamports == 0 {
			return nil, fmt.Errorf("%w: zero amount for rank %d", ErrInvalidPayout, entry.Rank)
		}
		if !solana.ValidAddress(entry.Wallet) {
			return nil, fmt.Errorf("%w: bad wallet %q for rank %d", ErrInvalidPayout, entry.Wallet, entry.Rank)
		}
		transfers = append(transfers, solana.Transfer{
			To:       entry.Wallet,
			Lamports: uint64(entry.AmountLamports),
		})
	}
	return transfers, nil
}
