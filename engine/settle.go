package engine

import (
	"context"
	"errors"
	"fmt"
	"math/bits"

	"launchrewards/models"
	"launchrewards/pot"
	"launchrewards/store"
)

const maxFailureReasonLen = 250

// claimResult carries the outcome of the claim phase into the decide
// transaction.
type claimResult struct {
	before     uint64
	after      uint64
	signatures []string
	total      uint64
	reward     uint64
	treasury   uint64
}

// processNext settles at most one leaderboard period per tick.
func (e *Engine) processNext(ctx context.Context) error {
	state, err := e.store.State(ctx)
	if err != nil {
		return err
	}
	period, err := e.queries.NextPeriod(ctx, state.LastProcessedPeriodEnd, e.now())
	if err != nil {
		return err
	}
	if period == nil {
		e.log.Debug("no leaderboard period due for settlement")
		return nil
	}

	epoch, err := e.store.EpochByPeriod(ctx, period.ID)
	switch {
	case errors.Is(err, store.ErrEpochNotFound):
		epoch = &models.Epoch{
			LeaderboardPeriodID: period.ID,
			PeriodStart:         period.StartTime,
			PeriodEnd:           period.EndTime,
			RewardsPoolBps:      e.cfg.PoolBps,
			Status:              models.EpochCreated,
		}
		if err := e.store.CreateEpoch(ctx, epoch); err != nil {
			return err
		}
		e.log.Info("settling period", "period", period.ID, "epoch", epoch.ID, "period_end", period.EndTime)
	case err != nil:
		return err
	}

	switch epoch.Status {
	case models.EpochCompleted, models.EpochSkipped:
		// Terminal but cursor left behind, e.g. a crash between finalise
		// steps on an older build. Catch the cursor up.
		return e.store.Transaction(ctx, func(tx *store.Store) error {
			state, err := tx.State(ctx)
			if err != nil {
				return err
			}
			advanceCursor(state, epoch)
			return tx.SaveState(ctx, state)
		})
	case models.EpochClaiming, models.EpochPaying:
		e.log.Info("epoch in flight, leaving to recovery", "epoch", epoch.ID, "status", epoch.Status)
		return nil
	case models.EpochFailed:
		if err := e.resetForRetry(ctx, epoch); err != nil {
			return err
		}
	}

	return e.settle(ctx, epoch)
}

// settle runs claim, decide, and, unless the epoch was skipped, payout and
// finalise.
func (e *Engine) settle(ctx context.Context, epoch *models.Epoch) error {
	res, err := e.claim(ctx, epoch)
	if err != nil {
		// The epoch stays in claiming; the recovery sweep resumes it once
		// it ages past the stuck timeout.
		return fmt.Errorf("engine: claim phase for epoch %s: %w", epoch.ID, err)
	}
	proceed, err := e.decide(ctx, epoch, res)
	if err != nil {
		return fmt.Errorf("engine: decide phase for epoch %s: %w", epoch.ID, err)
	}
	if !proceed {
		return nil
	}
	return e.payout(ctx, epoch)
}

// claim is phase B: snapshot the vault balance, pull creator fees, and
// measure the inflow as the balance delta. Each step is bounded by a durable
// write so a crash resumes cleanly.
func (e *Engine) claim(ctx context.Context, epoch *models.Epoch) (claimResult, error) {
	if epoch.ClaimCompletedAt != nil && epoch.BeforeBalance != nil && epoch.AfterBalance != nil {
		// A recovery pass already recomputed the inflow; reuse it.
		return claimResult{
			before:     uint64(*epoch.BeforeBalance),
			after:      uint64(*epoch.AfterBalance),
			signatures: epoch.ClaimTxSignatures,
			total:      uint64(epoch.TotalInflow),
			reward:     uint64(epoch.RewardInflow),
			treasury:   uint64(epoch.TreasuryInflow),
		}, nil
	}

	before, err := e.ledger.VaultBalance(ctx)
	if err != nil {
		return claimResult{}, err
	}
	now := e.now()
	beforeLamports := models.Lamports(before)
	epoch.Status = models.EpochClaiming
	epoch.ClaimStartedAt = &now
	epoch.BeforeBalance = &beforeLamports
	if err := e.store.SaveEpoch(ctx, epoch); err != nil {
		return claimResult{}, err
	}

	signatures, err := e.ledger.ClaimFees(ctx)
	if err != nil {
		return claimResult{}, err
	}
	after, err := e.ledger.VaultBalance(ctx)
	if err != nil {
		return claimResult{}, err
	}

	var total uint64
	if after > before {
		total = after - before
	}
	reward, treasury := pot.SplitInflow(total, epoch.RewardsPoolBps)
	e.metrics.ObserveInflow(total)
	e.log.Info("claim phase complete",
		"epoch", epoch.ID,
		"claims", len(signatures),
		"total_inflow", total,
		"reward_inflow", reward,
		"treasury_inflow", treasury)
	return claimResult{
		before:     before,
		after:      after,
		signatures: signatures,
		total:      total,
		reward:     reward,
		treasury:   treasury,
	}, nil
}

// decide is phase C, one atomic transaction: record the claim outcome,
// accrue treasury, compose the pot, pick winners, and either skip the epoch
// (pot back to carry) or reserve the pot for payout by zeroing carry in the
// same commit. That pairing is what makes the pot impossible to double-
// spend.
func (e *Engine) decide(ctx context.Context, epoch *models.Epoch, res claimResult) (bool, error) {
	now := e.now()
	var (
		proceed  bool
		stateOut *models.RewardsState
	)
	err := e.store.Transaction(ctx, func(tx *store.Store) error {
		state, err := tx.State(ctx)
		if err != nil {
			return err
		}
		stateOut = state
		carryIn := uint64(state.CarryRewardsLamports)
		totalPot, err := pot.ComposePot(carryIn, res.reward)
		if err != nil {
			return err
		}

		beforeLamports := models.Lamports(res.before)
		afterLamports := models.Lamports(res.after)
		epoch.BeforeBalance = &beforeLamports
		epoch.AfterBalance = &afterLamports
		epoch.TotalInflow = models.Lamports(res.total)
		epoch.RewardInflow = models.Lamports(res.reward)
		epoch.TreasuryInflow = models.Lamports(res.treasury)
		epoch.ClaimCompletedAt = &now
		epoch.ClaimTxSignatures = res.signatures
		epoch.CarryIn = models.Lamports(carryIn)
		epoch.TotalPot = models.Lamports(totalPot)

		if !epoch.TreasuryAccrued {
			state.TreasuryAccruedLamports += models.Lamports(res.treasury)
			epoch.TreasuryAccrued = true
		}

		top, err := e.queries.WithDB(tx.DB()).TopWallets(ctx, epoch.PeriodStart, epoch.PeriodEnd, 3)
		if err != nil {
			return err
		}
		if len(top) < 3 {
			e.log.Info("skipping epoch, not enough eligible wallets",
				"epoch", epoch.ID, "eligible", len(top), "pot", totalPot)
			return skipEpoch(ctx, tx, state, epoch, models.ReasonInsufficientWallets, totalPot)
		}

		minRequired, overflow := addChecked(totalPot, e.cfg.VaultReserve, e.ledger.EstimatePayoutFee(len(top)))
		if overflow || res.after < minRequired {
			e.log.Info("skipping epoch, vault balance below requirement",
				"epoch", epoch.ID, "balance", res.after, "required", minRequired)
			return skipEpoch(ctx, tx, state, epoch, models.ReasonInsufficientVaultBalance, totalPot)
		}

		var ranked [3]pot.TopWallet
		for i := 0; i < 3; i++ {
			ranked[i] = pot.TopWallet{
				Wallet:     top[i].WalletAddress,
				UserID:     top[i].UserID,
				Profit:     uint64(top[i].SumProfit),
				TradeCount: top[i].TradeCount,
			}
		}
		plan := pot.BuildPayoutPlan(totalPot, ranked)

		// The hinge: zero the carry in the same commit that marks the
		// epoch paying. From here the pot belongs to this epoch alone.
		state.CarryRewardsLamports = 0
		epoch.Status = models.EpochPaying
		epoch.PayoutPlan = plan[:]
		epoch.PayoutStartedAt = &now
		epoch.TotalPaid = models.Lamports(totalPot)

		if err := tx.SaveEpoch(ctx, epoch); err != nil {
			return err
		}
		if err := tx.SaveState(ctx, state); err != nil {
			return err
		}
		proceed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if !proceed {
		e.metrics.ObserveEpoch(string(models.EpochSkipped))
	}
	e.metrics.SetCarry(uint64(stateOut.CarryRewardsLamports))
	e.metrics.SetTreasury(uint64(stateOut.TreasuryAccruedLamports))
	return proceed, nil
}

// payout is phase D: the single on-chain batch transfer. The signature is
// persisted the moment the send succeeds so a crash before finalise can be
// resolved by verification instead of a double-send.
func (e *Engine) payout(ctx context.Context, epoch *models.Epoch) error {
	if e.cfg.DryRun {
		e.log.Info("dry run, suppressing on-chain payout", "epoch", epoch.ID, "pot", epoch.TotalPot)
		return e.finalize(ctx, epoch, models.DryRunSignature)
	}

	signature, err := e.ledger.SendPayout(ctx, epoch.PayoutPlan)
	if err != nil {
		return e.failPayout(ctx, epoch, err)
	}
	if err := e.store.SetPayoutSignature(ctx, epoch.ID, signature); err != nil {
		return err
	}
	return e.finalize(ctx, epoch, signature)
}

// failPayout compensates a permanent payout failure: the reserved pot goes
// back to carry and the epoch is marked failed in one transaction. The
// cursor stays put so a later tick retries the period from scratch.
func (e *Engine) failPayout(ctx context.Context, epoch *models.Epoch, cause error) error {
	e.log.Error("payout failed, restoring pot to carry", "epoch", epoch.ID, "err", cause)
	reason := truncateReason(cause.Error())
	var carryOut uint64
	err := e.store.Transaction(ctx, func(tx *store.Store) error {
		state, err := tx.State(ctx)
		if err != nil {
			return err
		}
		state.CarryRewardsLamports += epoch.TotalPot
		epoch.Status = models.EpochFailed
		epoch.FailureReason = &reason
		epoch.TotalPaid = 0
		if err := tx.SaveEpoch(ctx, epoch); err != nil {
			return err
		}
		if err := tx.SaveState(ctx, state); err != nil {
			return err
		}
		carryOut = uint64(state.CarryRewardsLamports)
		return nil
	})
	if err != nil {
		return err
	}
	e.metrics.ObservePayoutFailure()
	e.metrics.ObserveEpoch(string(models.EpochFailed))
	e.metrics.SetCarry(carryOut)
	return nil
}

// finalize is phase E, one transaction: winners, terminal epoch update, and
// the cursor advance.
func (e *Engine) finalize(ctx context.Context, epoch *models.Epoch, signature string) error {
	now := e.now()
	winners := make([]models.Winner, 0, len(epoch.PayoutPlan))
	for _, entry := range epoch.PayoutPlan {
		winners = append(winners, models.Winner{
			EpochID:        epoch.ID,
			Rank:           entry.Rank,
			WalletAddress:  entry.Wallet,
			UserID:         entry.UserID,
			ProfitLamports: entry.ProfitLamports,
			TradeCount:     entry.TradeCount,
			PayoutLamports: entry.AmountLamports,
			CreatedAt:      now,
		})
	}
	err := e.store.Transaction(ctx, func(tx *store.Store) error {
		if err := tx.InsertWinners(ctx, winners); err != nil {
			return err
		}
		epoch.Status = models.EpochCompleted
		epoch.PayoutCompletedAt = &now
		epoch.PayoutTxSignature = &signature
		epoch.TotalPaid = epoch.TotalPot
		if err := tx.SaveEpoch(ctx, epoch); err != nil {
			return err
		}
		state, err := tx.State(ctx)
		if err != nil {
			return err
		}
		advanceCursor(state, epoch)
		return tx.SaveState(ctx, state)
	})
	if err != nil {
		return err
	}
	e.metrics.ObserveEpoch(string(models.EpochCompleted))
	e.log.Info("epoch completed", "epoch", epoch.ID, "paid", epoch.TotalPaid, "signature", signature)
	return nil
}

// resetForRetry re-creates a failed epoch for a fresh settlement cycle. All
// claim and payout bookkeeping is cleared; the new cycle claims fresh inflow
// and accrues its treasury share again.
func (e *Engine) resetForRetry(ctx context.Context, epoch *models.Epoch) error {
	e.log.Info("retrying failed epoch", "epoch", epoch.ID, "previous_reason", epoch.FailureReason)
	epoch.Status = models.EpochCreated
	epoch.FailureReason = nil
	epoch.BeforeBalance = nil
	epoch.AfterBalance = nil
	epoch.TotalInflow = 0
	epoch.RewardInflow = 0
	epoch.TreasuryInflow = 0
	epoch.TreasuryAccrued = false
	epoch.ClaimStartedAt = nil
	epoch.ClaimCompletedAt = nil
	epoch.ClaimTxSignatures = nil
	epoch.CarryIn = 0
	epoch.TotalPot = 0
	epoch.PayoutPlan = nil
	epoch.PayoutStartedAt = nil
	epoch.PayoutTxSignature = nil
	epoch.TotalPaid = 0
	return e.store.SaveEpoch(ctx, epoch)
}

// skipEpoch parks the whole pot back in carry and advances the cursor.
// Called inside the decide transaction.
func skipEpoch(ctx context.Context, tx *store.Store, state *models.RewardsState, epoch *models.Epoch, reason string, totalPot uint64) error {
	epoch.Status = models.EpochSkipped
	epoch.FailureReason = &reason
	epoch.TotalPaid = 0
	state.CarryRewardsLamports = models.Lamports(totalPot)
	advanceCursor(state, epoch)
	if err := tx.SaveEpoch(ctx, epoch); err != nil {
		return err
	}
	return tx.SaveState(ctx, state)
}

func advanceCursor(state *models.RewardsState, epoch *models.Epoch) {
	periodID := epoch.LeaderboardPeriodID
	periodEnd := epoch.PeriodEnd
	state.LastProcessedPeriodID = &periodID
	state.LastProcessedPeriodEnd = &periodEnd
}

func addChecked(values ...uint64) (uint64, bool) {
	var sum uint64
	for _, v := range values {
		var carry uint64
		sum, carry = bits.Add64(sum, v, 0)
		if carry != 0 {
			return 0, true
		}
	}
	return sum, false
}

func truncateReason(reason string) string {
	if len(reason) > maxFailureReasonLen {
		return reason[:maxFailureReasonLen]
	}
	return reason
}
