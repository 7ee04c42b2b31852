// Package config loads the settlement engine's runtime configuration from
// environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults applied when the corresponding variable is unset.
const (
	DefaultPoolBps       = 5_000
	DefaultMinTrades     = 3
	DefaultVaultReserve  = 50_000_000
	DefaultTickInterval  = 60 * time.Second
	DefaultLeaderCheck   = 30 * time.Second
	DefaultStuckTimeout  = 15 * time.Minute
	DefaultHistoryLimit  = 20
	MaxHistoryLimit      = 100
	minSchedulerInterval = time.Second
)

// Config represents runtime configuration for the rewards daemon.
type Config struct {
	Port        string
	DatabaseURL string

	// Accounting knobs.
	PoolBps      int
	MinTrades    int
	VaultReserve uint64
	DryRun       bool

	// Chain gateway credentials; any blank value leaves the engine dormant.
	RPCURL          string
	VaultPrivateKey string
	TokenMint       string
	BagsAPIKey      string

	AdminSecret string

	// Scheduler cadence.
	TickInterval time.Duration
	LeaderCheck  time.Duration
	StuckTimeout time.Duration
}

// FromEnv loads configuration from environment variables required by the
// service. Only DATABASE_URL is mandatory; everything else has a default or
// merely disables a feature when absent.
func FromEnv() (*Config, error) {
	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	poolBps := parseIntEnv("REWARDS_POOL_BPS", DefaultPoolBps)
	if poolBps < 0 {
		poolBps = 0
	}
	if poolBps > 10_000 {
		poolBps = 10_000
	}

	minTrades := parseIntEnv("REWARDS_MIN_TRADES", DefaultMinTrades)
	if minTrades < 0 {
		minTrades = 0
	}

	reserve, err := parseUint64Env("VAULT_RESERVE_LAMPORTS", DefaultVaultReserve)
	if err != nil {
		return nil, err
	}

	tick := millisEnv("ENGINE_TICK_MS", DefaultTickInterval)
	leaderCheck := millisEnv("LEADER_CHECK_MS", DefaultLeaderCheck)
	stuck := millisEnv("REWARDS_STUCK_TIMEOUT_MS", DefaultStuckTimeout)

	return &Config{
		Port:            normalizePort(getEnvDefault("REWARDS_PORT", "8090")),
		DatabaseURL:     dbURL,
		PoolBps:         poolBps,
		MinTrades:       minTrades,
		VaultReserve:    reserve,
		DryRun:          parseBoolEnv("REWARDS_DRY_RUN", false),
		RPCURL:          strings.TrimSpace(os.Getenv("SOLANA_RPC_URL")),
		VaultPrivateKey: strings.TrimSpace(os.Getenv("REWARDS_VAULT_PRIVATE_KEY")),
		TokenMint:       strings.TrimSpace(os.Getenv("REWARDS_TOKEN_MINT")),
		BagsAPIKey:      strings.TrimSpace(os.Getenv("BAGS_API_KEY")),
		AdminSecret:     strings.TrimSpace(os.Getenv("REWARDS_ADMIN_SECRET")),
		TickInterval:    tick,
		LeaderCheck:     leaderCheck,
		StuckTimeout:    stuck,
	}, nil
}

// GatewayConfigured reports whether all chain credentials are present.
func (c *Config) GatewayConfigured() bool {
	return c.RPCURL != "" && c.VaultPrivateKey != "" && c.TokenMint != "" && c.BagsAPIKey != ""
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func normalizePort(port string) string {
	if port == "" {
		return "8090"
	}
	if len(port) > 0 && port[0] == ':' {
		return port[1:]
	}
	return port
}

func parseIntEnv(key string, def int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return def
}

func parseBoolEnv(key string, def bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	if value == "1" {
		return true
	}
	if parsed, err := strconv.ParseBool(value); err == nil {
		return parsed
	}
	return def
}

func parseUint64Env(key string, def uint64) (uint64, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def, nil
	}
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", key, value)
	}
	return parsed, nil
}

// millisEnv reads a millisecond interval, clamped so a bad value cannot spin
// the scheduler.
func millisEnv(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return def
	}
	interval := time.Duration(parsed) * time.Millisecond
	if interval < minSchedulerInterval {
		return minSchedulerInterval
	}
	return interval
}
