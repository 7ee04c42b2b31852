// Package pot implements the pure accounting rules of the settlement engine:
// splitting claimed inflow between rewards and treasury, composing the epoch
// pot, and building the fixed three-way payout plan.
package pot

import (
	"errors"
	"math/bits"

	"launchrewards/models"
)

// BpsDenominator is the fixed denominator for basis-point math.
const BpsDenominator = 10_000

// Weights is the payout split applied to the epoch pot, in percent, rank
// order. Changing the split is a code change.
var Weights = [3]uint64{50, 30, 20}

// ErrPotOverflow indicates carry plus inflow no longer fits in 64 bits.
var ErrPotOverflow = errors.New("pot: carry and inflow overflow uint64")

// TopWallet is one leaderboard entrant eligible for a payout.
type TopWallet struct {
	Wallet     string
	UserID     string
	Profit     uint64
	TradeCount int
}

// SplitInflow divides the claimed inflow between the rewards pool and the
// treasury. The rewards share is floor(totalInflow * poolBps / 10000); the
// treasury keeps the remainder, so reward + treasury == totalInflow exactly.
// poolBps values outside [0, 10000] are clamped.
func SplitInflow(totalInflow uint64, poolBps int) (reward, treasury uint64) {
	if poolBps < 0 {
		poolBps = 0
	}
	if poolBps > BpsDenominator {
		poolBps = BpsDenominator
	}
	reward = mulDiv(totalInflow, uint64(poolBps), BpsDenominator)
	return reward, totalInflow - reward
}

// ComposePot returns carryIn + rewardInflow, rejecting 64-bit overflow.
func ComposePot(carryIn, rewardInflow uint64) (uint64, error) {
	sum, carry := bits.Add64(carryIn, rewardInflow, 0)
	if carry != 0 {
		return 0, ErrPotOverflow
	}
	return sum, nil
}

// BuildPayoutPlan allocates the pot across the three ranked wallets under the
// fixed 50/30/20 split. Ranks one and two are floored; rank three takes the
// remainder so the three amounts always sum to totalPot exactly.
func BuildPayoutPlan(totalPot uint64, top [3]TopWallet) [3]models.PayoutPlanEntry {
	first := mulDiv(totalPot, Weights[0], 100)
	second := mulDiv(totalPot, Weights[1], 100)
	third := totalPot - first - second

	amounts := [3]uint64{first, second, third}
	var plan [3]models.PayoutPlanEntry
	for i, wallet := range top {
		plan[i] = models.PayoutPlanEntry{
			Rank:           i + 1,
			Wallet:         wallet.Wallet,
			AmountLamports: models.Lamports(amounts[i]),
			UserID:         wallet.UserID,
			ProfitLamports: models.Lamports(wallet.Profit),
			TradeCount:     wallet.TradeCount,
		}
	}
	return plan
}

// mulDiv computes floor(a*b/den) without intermediate overflow. b must not
// exceed den so the quotient fits in 64 bits; both call sites satisfy that
// with constant denominators.
func mulDiv(a, b, den uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	quo, _ := bits.Div64(hi, lo, den)
	return quo
}
