package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RewardsMetrics exposes Prometheus collectors for the settlement engine.
type RewardsMetrics struct {
	epochsProcessed *prometheus.CounterVec
	claimedInflow   prometheus.Counter
	payoutFailures  prometheus.Counter
	carry           prometheus.Gauge
	treasury        prometheus.Gauge
	leader          prometheus.Gauge
	tickDuration    prometheus.Histogram
}

var (
	rewardsOnce     sync.Once
	rewardsRegistry *RewardsMetrics
)

// Rewards returns the lazily initialised metrics registry.
func Rewards() *RewardsMetrics {
	rewardsOnce.Do(func() {
		rewardsRegistry = &RewardsMetrics{
			epochsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "rewards_epochs_processed_total",
				Help: "Count of epochs reaching a terminal state, by status.",
			}, []string{"status"}),
			claimedInflow: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "rewards_claimed_inflow_lamports_total",
				Help: "Cumulative lamports claimed from the fee source.",
			}),
			payoutFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "rewards_payout_failures_total",
				Help: "Number of payout attempts that failed permanently.",
			}),
			carry: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "rewards_carry_lamports",
				Help: "Undistributed rewards carried across epochs.",
			}),
			treasury: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "rewards_treasury_accrued_lamports",
				Help: "Cumulative treasury share of claimed fees.",
			}),
			leader: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "rewards_leader",
				Help: "1 when this replica holds the settlement lock.",
			}),
			tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "rewards_tick_duration_seconds",
				Help:    "Wall time of one settlement tick.",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			}),
		}
		prometheus.MustRegister(
			rewardsRegistry.epochsProcessed,
			rewardsRegistry.claimedInflow,
			rewardsRegistry.payoutFailures,
			rewardsRegistry.carry,
			rewardsRegistry.treasury,
			rewardsRegistry.leader,
			rewardsRegistry.tickDuration,
		)
	})
	return rewardsRegistry
}

// ObserveEpoch records a terminal transition.
func (m *RewardsMetrics) ObserveEpoch(status string) {
	if m == nil {
		return
	}
	if status == "" {
		status = "unknown"
	}
	m.epochsProcessed.WithLabelValues(status).Inc()
}

// ObserveInflow adds claimed lamports to the running total.
func (m *RewardsMetrics) ObserveInflow(lamports uint64) {
	if m == nil {
		return
	}
	m.claimedInflow.Add(float64(lamports))
}

// ObservePayoutFailure counts a permanent payout failure.
func (m *RewardsMetrics) ObservePayoutFailure() {
	if m == nil {
		return
	}
	m.payoutFailures.Inc()
}

// SetCarry publishes the current carry balance.
func (m *RewardsMetrics) SetCarry(lamports uint64) {
	if m == nil {
		return
	}
	m.carry.Set(float64(lamports))
}

// SetTreasury publishes the cumulative treasury accrual.
func (m *RewardsMetrics) SetTreasury(lamports uint64) {
	if m == nil {
		return
	}
	m.treasury.Set(float64(lamports))
}

// SetLeader publishes the leadership flag.
func (m *RewardsMetrics) SetLeader(leader bool) {
	if m == nil {
		return
	}
	if leader {
		m.leader.Set(1)
	} else {
		m.leader.Set(0)
	}
}

// ObserveTick records the duration of one settlement tick.
func (m *RewardsMetrics) ObserveTick(d time.Duration) {
	if m == nil {
		return
	}
	m.tickDuration.Observe(d.Seconds())
}
