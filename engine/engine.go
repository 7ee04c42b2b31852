// Package engine drives the settlement of leaderboard periods: claiming
// creator fees, deciding winners, executing the payout, and keeping the pot
// accounting consistent across crashes and replicas.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"launchrewards/leaderboard"
	"launchrewards/models"
	"launchrewards/observability/metrics"
	"launchrewards/store"
)

// Ledger is the chain gateway surface the engine drives. All durability
// around these calls lives here, never in the gateway.
type Ledger interface {
	Ready() bool
	VaultAddress() string
	VaultBalance(ctx context.Context) (uint64, error)
	ClaimFees(ctx context.Context) ([]string, error)
	SendPayout(ctx context.Context, entries []models.PayoutPlanEntry) (string, error)
	VerifyTransaction(ctx context.Context, signature string) (bool, error)
	EstimatePayoutFee(n int) uint64
}

// Elector guards cluster-wide exclusion of the settler.
type Elector interface {
	TryAcquire(ctx context.Context) (bool, error)
	Heartbeat(ctx context.Context) error
	Release(ctx context.Context) error
}

// Manual-trigger rejections.
var (
	ErrNotConfigured = errors.New("engine: not configured")
	ErrNotLeader     = errors.New("engine: not leader")
	ErrBusy          = errors.New("engine: tick already running")
)

// Config carries the engine's accounting and scheduling knobs.
type Config struct {
	PoolBps      int
	MinTrades    int
	VaultReserve uint64
	DryRun       bool
	TickInterval time.Duration
	LeaderCheck  time.Duration
	StuckTimeout time.Duration
}

// Engine is the lifecycle-managed settler. One engine runs per process; the
// advisory lock ensures one active settler per cluster.
type Engine struct {
	cfg     Config
	store   *store.Store
	queries *leaderboard.Queries
	ledger  Ledger
	elector Elector
	log     *slog.Logger
	metrics *metrics.RewardsMetrics
	now     func() time.Time

	mu      sync.Mutex
	enabled bool
	leader  bool
	running bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option customises the engine instance.
type Option func(*Engine)

// WithLogger supplies the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.now = clock }
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(m *metrics.RewardsMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New constructs a settlement engine.
func New(cfg Config, st *store.Store, queries *leaderboard.Queries, ledger Ledger, elector Elector, opts ...Option) *Engine {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 60 * time.Second
	}
	if cfg.LeaderCheck <= 0 {
		cfg.LeaderCheck = 30 * time.Second
	}
	if cfg.StuckTimeout <= 0 {
		cfg.StuckTimeout = 15 * time.Minute
	}
	engine := &Engine{
		cfg:     cfg,
		store:   st,
		queries: queries,
		ledger:  ledger,
		elector: elector,
		log:     slog.Default(),
		metrics: metrics.Rewards(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine
}

// Start initialises the gateway and, when it is ready, installs the leader
// and tick loops and runs one immediate tick. A gateway that reports not
// ready leaves the engine dormant: no timers, no state mutations.
func (e *Engine) Start(ctx context.Context) error {
	if !e.ledger.Ready() {
		e.log.Warn("ledger gateway not ready, settlement engine dormant")
		return nil
	}
	e.mu.Lock()
	e.enabled = true
	e.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.wg.Add(2)
	go e.leaderLoop(runCtx)
	go e.tickLoop(runCtx)
	e.log.Info("settlement engine started",
		"tick_interval", e.cfg.TickInterval,
		"leader_check", e.cfg.LeaderCheck,
		"dry_run", e.cfg.DryRun)
	return nil
}

// Stop cancels the loops and releases the advisory lock before the caller
// closes the database.
func (e *Engine) Stop(ctx context.Context) {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	if err := e.elector.Release(ctx); err != nil {
		e.log.Warn("releasing settlement lock failed", "err", err)
	}
	e.setLeader(false)
}

// Enabled reports whether the gateway configuration allowed startup.
func (e *Engine) Enabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enabled
}

// IsLeader reports whether this replica currently holds the settlement lock.
func (e *Engine) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leader
}

// DryRun reports whether on-chain transfers are suppressed.
func (e *Engine) DryRun() bool {
	return e.cfg.DryRun
}

// Settings returns a copy of the engine configuration for read-only surfaces.
func (e *Engine) Settings() Config {
	return e.cfg
}

// RunNow is the manual-trigger entry. It runs one tick under the same
// single-flight guard as the scheduler and surfaces the rejection reason.
func (e *Engine) RunNow(ctx context.Context) error {
	return e.tick(ctx)
}

func (e *Engine) leaderLoop(ctx context.Context) {
	defer e.wg.Done()
	e.electOrHeartbeat(ctx)
	ticker := time.NewTicker(e.cfg.LeaderCheck)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.electOrHeartbeat(ctx)
		}
	}
}

// electOrHeartbeat runs one leadership beat: followers try a non-blocking
// acquire, the leader proves its lock connection is alive. A failed
// heartbeat drops in-memory leadership; the next beat re-attempts election.
func (e *Engine) electOrHeartbeat(ctx context.Context) {
	if e.IsLeader() {
		if err := e.elector.Heartbeat(ctx); err != nil {
			e.log.Warn("leader heartbeat failed, dropping leadership", "err", err)
			e.setLeader(false)
		}
		return
	}
	acquired, err := e.elector.TryAcquire(ctx)
	if err != nil {
		e.log.Warn("leadership acquisition failed", "err", err)
		return
	}
	if acquired {
		e.log.Info("acquired settlement leadership")
	}
	e.setLeader(acquired)
}

func (e *Engine) setLeader(leader bool) {
	e.mu.Lock()
	e.leader = leader
	e.mu.Unlock()
	e.metrics.SetLeader(leader)
}

func (e *Engine) tickLoop(ctx context.Context) {
	defer e.wg.Done()
	if err := e.tick(ctx); err != nil && !isRejection(err) {
		e.log.Error("settlement tick failed", "err", err)
	}
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.tick(ctx); err != nil && !isRejection(err) {
				e.log.Error("settlement tick failed", "err", err)
			}
		}
	}
}

func isRejection(err error) bool {
	return errors.Is(err, ErrNotLeader) || errors.Is(err, ErrNotConfigured) || errors.Is(err, ErrBusy)
}

// tick runs the recovery sweep followed by one pass of the state machine.
// The single-flight guard keeps scheduler ticks and manual triggers from
// overlapping inside one process.
func (e *Engine) tick(ctx context.Context) error {
	e.mu.Lock()
	switch {
	case !e.enabled:
		e.mu.Unlock()
		return ErrNotConfigured
	case !e.leader:
		e.mu.Unlock()
		return ErrNotLeader
	case e.running:
		e.mu.Unlock()
		return ErrBusy
	}
	e.running = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	started := e.now()
	defer func() {
		e.metrics.ObserveTick(e.now().Sub(started))
	}()

	if err := e.recoverStuck(ctx); err != nil {
		return fmt.Errorf("engine: recovery sweep: %w", err)
	}
	return e.processNext(ctx)
}

// PeriodStatus describes the currently running leaderboard period.
type PeriodStatus struct {
	ID               string
	EndTime          time.Time
	SecondsRemaining int64
}

// Status is the read-only snapshot served over HTTP. Readers must not
// mutate anything through it.
type Status struct {
	Enabled                bool
	Leader                 bool
	DryRun                 bool
	VaultAddress           string
	VaultBalance           uint64
	Carry                  uint64
	TreasuryAccrued        uint64
	LastProcessedPeriodID  *string
	LastProcessedPeriodEnd *time.Time
	ActivePeriod           *PeriodStatus
	LastEpoch              *models.Epoch
}

// Status assembles the engine snapshot. Values are stale-but-consistent;
// the vault balance read is best-effort.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	state, err := e.store.State(ctx)
	if err != nil {
		return nil, err
	}
	status := &Status{
		Enabled:                e.Enabled(),
		Leader:                 e.IsLeader(),
		DryRun:                 e.cfg.DryRun,
		Carry:                  uint64(state.CarryRewardsLamports),
		TreasuryAccrued:        uint64(state.TreasuryAccruedLamports),
		LastProcessedPeriodID:  state.LastProcessedPeriodID,
		LastProcessedPeriodEnd: state.LastProcessedPeriodEnd,
	}
	if status.Enabled {
		status.VaultAddress = e.ledger.VaultAddress()
		if balance, err := e.ledger.VaultBalance(ctx); err == nil {
			status.VaultBalance = balance
		} else {
			e.log.Debug("vault balance read failed", "err", err)
		}
	}
	now := e.now()
	if active, err := e.queries.ActivePeriod(ctx, now); err == nil && active != nil {
		status.ActivePeriod = &PeriodStatus{
			ID:               active.ID,
			EndTime:          active.EndTime,
			SecondsRemaining: int64(active.EndTime.Sub(now) / time.Second),
		}
	}
	if latest, err := e.store.LatestEpoch(ctx); err == nil {
		status.LastEpoch = latest
	}
	return status, nil
}
