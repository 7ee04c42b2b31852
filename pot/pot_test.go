package pot

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestSplitInflow(t *testing.T) {
	cases := []struct {
		name     string
		inflow   uint64
		poolBps  int
		reward   uint64
		treasury uint64
	}{
		{name: "even split at 50 percent", inflow: 1_000_000_000, poolBps: 5000, reward: 500_000_000, treasury: 500_000_000},
		{name: "floor goes to treasury", inflow: 3, poolBps: 5000, reward: 1, treasury: 2},
		{name: "zero inflow", inflow: 0, poolBps: 5000, reward: 0, treasury: 0},
		{name: "all to rewards", inflow: 777, poolBps: 10_000, reward: 777, treasury: 0},
		{name: "all to treasury", inflow: 777, poolBps: 0, reward: 0, treasury: 777},
		{name: "bps above range clamps", inflow: 100, poolBps: 12_000, reward: 100, treasury: 0},
		{name: "bps below range clamps", inflow: 100, poolBps: -1, reward: 0, treasury: 100},
		{name: "no overflow near max", inflow: math.MaxUint64, poolBps: 5000, reward: math.MaxUint64 / 2, treasury: math.MaxUint64 - math.MaxUint64/2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reward, treasury := SplitInflow(tc.inflow, tc.poolBps)
			require.Equal(t, tc.reward, reward)
			require.Equal(t, tc.treasury, treasury)
		})
	}
}

func TestSplitInflowConserves(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		inflow := rapid.Uint64().Draw(t, "inflow")
		poolBps := rapid.IntRange(0, BpsDenominator).Draw(t, "poolBps")
		reward, treasury := SplitInflow(inflow, poolBps)
		if reward+treasury != inflow {
			t.Fatalf("split lost lamports: %d + %d != %d", reward, treasury, inflow)
		}
		want := uint64(0)
		if inflow > 0 {
			hi, lo := inflow/BpsDenominator, inflow%BpsDenominator
			want = hi*uint64(poolBps) + lo*uint64(poolBps)/BpsDenominator
		}
		if reward != want {
			t.Fatalf("reward %d, want floor(%d*%d/10000)=%d", reward, inflow, poolBps, want)
		}
	})
}

func TestComposePot(t *testing.T) {
	sum, err := ComposePot(100, 200)
	require.NoError(t, err)
	require.Equal(t, uint64(300), sum)

	sum, err = ComposePot(math.MaxUint64, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(math.MaxUint64), sum)

	_, err = ComposePot(math.MaxUint64, 1)
	require.ErrorIs(t, err, ErrPotOverflow)
}

func TestBuildPayoutPlan(t *testing.T) {
	top := [3]TopWallet{
		{Wallet: "w1", UserID: "u1", Profit: 900, TradeCount: 9},
		{Wallet: "w2", UserID: "u2", Profit: 500, TradeCount: 5},
		{Wallet: "w3", UserID: "u3", Profit: 100, TradeCount: 3},
	}

	plan := BuildPayoutPlan(1_000_000_000, top)
	require.Equal(t, uint64(500_000_000), uint64(plan[0].AmountLamports))
	require.Equal(t, uint64(300_000_000), uint64(plan[1].AmountLamports))
	require.Equal(t, uint64(200_000_000), uint64(plan[2].AmountLamports))
	for i, entry := range plan {
		require.Equal(t, i+1, entry.Rank)
		require.Equal(t, top[i].Wallet, entry.Wallet)
		require.Equal(t, top[i].UserID, entry.UserID)
		require.Equal(t, top[i].Profit, uint64(entry.ProfitLamports))
		require.Equal(t, top[i].TradeCount, entry.TradeCount)
	}

	// Indivisible pot: rank three absorbs the flooring remainder.
	plan = BuildPayoutPlan(101, top)
	require.Equal(t, uint64(50), uint64(plan[0].AmountLamports))
	require.Equal(t, uint64(30), uint64(plan[1].AmountLamports))
	require.Equal(t, uint64(21), uint64(plan[2].AmountLamports))
}

func TestBuildPayoutPlanConserves(t *testing.T) {
	top := [3]TopWallet{{Wallet: "a"}, {Wallet: "b"}, {Wallet: "c"}}
	rapid.Check(t, func(t *rapid.T) {
		pot := rapid.Uint64().Draw(t, "pot")
		plan := BuildPayoutPlan(pot, top)
		total := uint64(plan[0].AmountLamports) + uint64(plan[1].AmountLamports) + uint64(plan[2].AmountLamports)
		if total != pot {
			t.Fatalf("plan sums to %d, want %d", total, pot)
		}
		if pot >= 100 {
			if plan[0].AmountLamports < plan[1].AmountLamports {
				t.Fatalf("rank one paid less than rank two: %d < %d", plan[0].AmountLamports, plan[1].AmountLamports)
			}
		}
	})
}
