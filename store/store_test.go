package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"launchrewards/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func testEpoch(periodID string, status models.EpochStatus, end time.Time) *models.Epoch {
	return &models.Epoch{
		LeaderboardPeriodID: periodID,
		PeriodStart:         end.Add(-time.Hour),
		PeriodEnd:           end,
		RewardsPoolBps:      5000,
		Status:              status,
	}
}

func TestStateSingleton(t *testing.T) {
	store := New(setupTestDB(t))
	ctx := context.Background()

	state, err := store.State(ctx)
	require.NoError(t, err)
	require.Equal(t, models.StateRowID, state.ID)
	require.Zero(t, state.CarryRewardsLamports)

	state.CarryRewardsLamports = 42
	require.NoError(t, store.SaveState(ctx, state))

	again, err := store.State(ctx)
	require.NoError(t, err)
	require.Equal(t, models.Lamports(42), again.CarryRewardsLamports)
}

func TestSaveStateRefusesForeignRow(t *testing.T) {
	store := New(setupTestDB(t))
	err := store.SaveState(context.Background(), &models.RewardsState{ID: 2})
	require.Error(t, err)
}

func TestEpochLifecycle(t *testing.T) {
	store := New(setupTestDB(t))
	ctx := context.Background()
	end := time.Now().UTC().Truncate(time.Second)

	epoch := testEpoch("period-1", models.EpochCreated, end)
	require.NoError(t, store.CreateEpoch(ctx, epoch))
	require.NotEqual(t, uuid.Nil, epoch.ID)

	// One epoch per leaderboard period.
	require.Error(t, store.CreateEpoch(ctx, testEpoch("period-1", models.EpochCreated, end)))

	loaded, err := store.EpochByPeriod(ctx, "period-1")
	require.NoError(t, err)
	require.Equal(t, epoch.ID, loaded.ID)

	byID, err := store.EpochByID(ctx, epoch.ID)
	require.NoError(t, err)
	require.Equal(t, "period-1", byID.LeaderboardPeriodID)

	_, err = store.EpochByPeriod(ctx, "missing")
	require.ErrorIs(t, err, ErrEpochNotFound)

	loaded.Status = models.EpochCompleted
	loaded.TotalPot = 1000
	require.NoError(t, store.SaveEpoch(ctx, loaded))
	reloaded, err := store.EpochByID(ctx, epoch.ID)
	require.NoError(t, err)
	require.Equal(t, models.EpochCompleted, reloaded.Status)
	require.Equal(t, models.Lamports(1000), reloaded.TotalPot)
}

func TestSetPayoutSignature(t *testing.T) {
	store := New(setupTestDB(t))
	ctx := context.Background()

	epoch := testEpoch("period-1", models.EpochPaying, time.Now().UTC())
	epoch.PayoutPlan = models.PayoutPlan{{Rank: 1, Wallet: "w", AmountLamports: 10}}
	require.NoError(t, store.CreateEpoch(ctx, epoch))
	require.NoError(t, store.SetPayoutSignature(ctx, epoch.ID, "sig-abc"))

	loaded, err := store.EpochByID(ctx, epoch.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.PayoutTxSignature)
	require.Equal(t, "sig-abc", *loaded.PayoutTxSignature)
	// The single-column update leaves the plan alone.
	require.Len(t, loaded.PayoutPlan, 1)
	require.Equal(t, models.EpochPaying, loaded.Status)
}

func TestStuckEpochs(t *testing.T) {
	db := setupTestDB(t)
	store := New(db)
	ctx := context.Background()
	now := time.Now().UTC()

	stale := testEpoch("stale-claiming", models.EpochClaiming, now.Add(-2*time.Hour))
	require.NoError(t, store.CreateEpoch(ctx, stale))
	stalePaying := testEpoch("stale-paying", models.EpochPaying, now.Add(-90*time.Minute))
	require.NoError(t, store.CreateEpoch(ctx, stalePaying))
	fresh := testEpoch("fresh", models.EpochClaiming, now)
	require.NoError(t, store.CreateEpoch(ctx, fresh))
	done := testEpoch("done", models.EpochCompleted, now.Add(-3*time.Hour))
	require.NoError(t, store.CreateEpoch(ctx, done))

	// Age the non-terminal rows past the cutoff without tripping gorm's
	// automatic updated_at maintenance.
	backdate := func(id uuid.UUID, at time.Time) {
		require.NoError(t, db.Model(&models.Epoch{}).Where("id = ?", id).
			UpdateColumn("updated_at", at).Error)
	}
	backdate(stale.ID, now.Add(-2*time.Hour))
	backdate(stalePaying.ID, now.Add(-time.Hour))
	backdate(done.ID, now.Add(-3*time.Hour))

	stuck, err := store.StuckEpochs(ctx, now.Add(-15*time.Minute))
	require.NoError(t, err)
	require.Len(t, stuck, 2)
	require.Equal(t, "stale-claiming", stuck[0].LeaderboardPeriodID)
	require.Equal(t, "stale-paying", stuck[1].LeaderboardPeriodID)
}

func TestInsertWinnersIdempotent(t *testing.T) {
	store := New(setupTestDB(t))
	ctx := context.Background()

	epoch := testEpoch("period-1", models.EpochCompleted, time.Now().UTC())
	require.NoError(t, store.CreateEpoch(ctx, epoch))

	winners := []models.Winner{
		{EpochID: epoch.ID, Rank: 1, WalletAddress: "w1", UserID: "u1", ProfitLamports: 900, TradeCount: 9, PayoutLamports: 500},
		{EpochID: epoch.ID, Rank: 2, WalletAddress: "w2", UserID: "u2", ProfitLamports: 500, TradeCount: 5, PayoutLamports: 300},
		{EpochID: epoch.ID, Rank: 3, WalletAddress: "w3", UserID: "u3", ProfitLamports: 100, TradeCount: 3, PayoutLamports: 200},
	}
	require.NoError(t, store.InsertWinners(ctx, winners))

	// Replayed finalisation must not duplicate or error.
	replay := make([]models.Winner, len(winners))
	copy(replay, winners)
	for i := range replay {
		replay[i].ID = uuid.Nil
	}
	require.NoError(t, store.InsertWinners(ctx, replay))

	stored, err := store.WinnersByEpoch(ctx, epoch.ID)
	require.NoError(t, err)
	require.Len(t, stored, 3)
	for i, winner := range stored {
		require.Equal(t, i+1, winner.Rank)
	}
}

func TestRecentAndLatestEpochs(t *testing.T) {
	store := New(setupTestDB(t))
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	for i := 0; i < 5; i++ {
		epoch := testEpoch(fmt.Sprintf("period-%d", i), models.EpochCompleted, base.Add(time.Duration(i)*time.Hour))
		require.NoError(t, store.CreateEpoch(ctx, epoch))
	}

	recent, err := store.RecentEpochs(ctx, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	require.Equal(t, "period-4", recent[0].LeaderboardPeriodID)
	require.Equal(t, "period-2", recent[2].LeaderboardPeriodID)

	latest, err := store.LatestEpoch(ctx)
	require.NoError(t, err)
	require.Equal(t, "period-4", latest.LeaderboardPeriodID)
}

func TestLatestEpochEmpty(t *testing.T) {
	store := New(setupTestDB(t))
	latest, err := store.LatestEpoch(context.Background())
	require.NoError(t, err)
	require.Nil(t, latest)
}

func TestTransactionRollsBack(t *testing.T) {
	store := New(setupTestDB(t))
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.Transaction(ctx, func(tx *Store) error {
		state, err := tx.State(ctx)
		if err != nil {
			return err
		}
		state.CarryRewardsLamports = 999
		if err := tx.SaveState(ctx, state); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	state, err := store.State(ctx)
	require.NoError(t, err)
	require.Zero(t, state.CarryRewardsLamports)
}
