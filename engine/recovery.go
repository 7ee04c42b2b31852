package engine

import (
	"context"

	"launchrewards/models"
	"launchrewards/pot"
	"launchrewards/store"
)

// recoverStuck resolves epochs abandoned mid-phase by a crashed or partitioned
// settler. It runs at the start of every tick, before normal processing.
// Errors on individual epochs are logged and retried on a later tick; only a
// failed listing aborts the sweep.
func (e *Engine) recoverStuck(ctx context.Context) error {
	cutoff := e.now().Add(-e.cfg.StuckTimeout)
	stuck, err := e.store.StuckEpochs(ctx, cutoff)
	if err != nil {
		return err
	}
	for i := range stuck {
		epoch := &stuck[i]
		e.log.Warn("recovering stuck epoch", "epoch", epoch.ID, "status", epoch.Status, "age_cutoff", cutoff)
		switch epoch.Status {
		case models.EpochClaiming:
			err = e.recoverClaiming(ctx, epoch)
		case models.EpochPaying:
			err = e.recoverPaying(ctx, epoch)
		}
		if err != nil {
			e.log.Error("stuck epoch recovery failed", "epoch", epoch.ID, "err", err)
		}
	}
	return nil
}

// recoverClaiming resumes an epoch that died inside the claim phase. Nothing
// was deducted from carry yet, so the only job is recomputing the inflow from
// the recorded pre-claim balance and handing the epoch back to the decide
// phase.
func (e *Engine) recoverClaiming(ctx context.Context, epoch *models.Epoch) error {
	if epoch.BeforeBalance == nil {
		reason := models.ReasonStuckClaimingNoBalance
		epoch.Status = models.EpochFailed
		epoch.FailureReason = &reason
		e.metrics.ObserveEpoch(string(models.EpochFailed))
		return e.store.SaveEpoch(ctx, epoch)
	}

	after, err := e.ledger.VaultBalance(ctx)
	if err != nil {
		return err
	}
	before := uint64(*epoch.BeforeBalance)
	var total uint64
	if after > before {
		total = after - before
	}
	reward, treasury := pot.SplitInflow(total, epoch.RewardsPoolBps)

	now := e.now()
	afterLamports := models.Lamports(after)
	epoch.AfterBalance = &afterLamports
	epoch.TotalInflow = models.Lamports(total)
	epoch.RewardInflow = models.Lamports(reward)
	epoch.TreasuryInflow = models.Lamports(treasury)
	epoch.ClaimCompletedAt = &now
	epoch.Status = models.EpochCreated
	e.log.Info("stuck claim recomputed from balance delta",
		"epoch", epoch.ID, "total_inflow", total, "reward_inflow", reward)
	return e.store.SaveEpoch(ctx, epoch)
}

// recoverPaying resolves an epoch that died after its pot was reserved. A
// recorded signature that verifies on chain finalises with no second send; a
// surviving plan re-enters the payout phase; anything else fails the epoch
// and returns the pot to carry.
func (e *Engine) recoverPaying(ctx context.Context, epoch *models.Epoch) error {
	if epoch.PayoutTxSignature != nil && *epoch.PayoutTxSignature != "" {
		confirmed, err := e.ledger.VerifyTransaction(ctx, *epoch.PayoutTxSignature)
		if err != nil {
			return err
		}
		if confirmed {
			e.log.Info("stuck payout already landed, finalising",
				"epoch", epoch.ID, "signature", *epoch.PayoutTxSignature)
			return e.finalize(ctx, epoch, *epoch.PayoutTxSignature)
		}
	}

	if len(epoch.PayoutPlan) > 0 {
		// Verified not landed. A resend uses a fresh blockhash, so this is
		// the one place a second transfer can happen; the verification
		// above is what keeps it from being a double-pay.
		e.log.Warn("re-entering payout for stuck epoch", "epoch", epoch.ID)
		return e.payout(ctx, epoch)
	}

	reason := models.ReasonStuckPayingNoPlan
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
	e.metrics.ObserveEpoch(string(models.EpochFailed))
	e.metrics.SetCarry(carryOut)
	return nil
}
