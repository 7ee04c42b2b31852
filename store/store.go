// Package store provides the durable state of the settlement engine: the
// rewards-state singleton, per-period epoch records, and per-epoch winners.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"launchrewards/models"
)

// ErrEpochNotFound indicates no epoch exists for the requested key.
var ErrEpochNotFound = errors.New("store: epoch not found")

// Store wraps the application database. All money-affecting transitions run
// inside Transaction; plain methods act on the shared pool.
type Store struct {
	db *gorm.DB
}

// New constructs a store backed by the provided database handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for read-only collaborators that share the
// transaction scope.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Transaction runs fn atomically. The closure receives a store bound to the
// transaction; returning an error rolls everything back.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

// State loads the rewards-state singleton, creating the fixed row on first
// use.
func (s *Store) State(ctx context.Context) (*models.RewardsState, error) {
	var state models.RewardsState
	err := s.db.WithContext(ctx).
		Where(models.RewardsState{ID: models.StateRowID}).
		FirstOrCreate(&state).Error
	if err != nil {
		return nil, fmt.Errorf("store: load rewards state: %w", err)
	}
	return &state, nil
}

// SaveState persists the singleton.
func (s *Store) SaveState(ctx context.Context, state *models.RewardsState) error {
	if state.ID != models.StateRowID {
		return fmt.Errorf("store: refusing to save state row %d", state.ID)
	}
	if err := s.db.WithContext(ctx).Save(state).Error; err != nil {
		return fmt.Errorf("store: save rewards state: %w", err)
	}
	return nil
}

// CreateEpoch inserts a new epoch row. The database enforces one epoch per
// leaderboard period.
func (s *Store) CreateEpoch(ctx context.Context, epoch *models.Epoch) error {
	if epoch.ID == uuid.Nil {
		epoch.ID = uuid.New()
	}
	if err := s.db.WithContext(ctx).Create(epoch).Error; err != nil {
		return fmt.Errorf("store: create epoch: %w", err)
	}
	return nil
}

// EpochByPeriod looks up the epoch for a leaderboard period.
func (s *Store) EpochByPeriod(ctx context.Context, periodID string) (*models.Epoch, error) {
	var epoch models.Epoch
	err := s.db.WithContext(ctx).First(&epoch, "leaderboard_period_id = ?", periodID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrEpochNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: load epoch for period %s: %w", periodID, err)
	}
	return &epoch, nil
}

// EpochByID looks up an epoch by surrogate identity.
func (s *Store) EpochByID(ctx context.Context, id uuid.UUID) (*models.Epoch, error) {
	var epoch models.Epoch
	err := s.db.WithContext(ctx).First(&epoch, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrEpochNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: load epoch %s: %w", id, err)
	}
	return &epoch, nil
}

// SaveEpoch persists every field of the epoch row.
func (s *Store) SaveEpoch(ctx context.Context, epoch *models.Epoch) error {
	if err := s.db.WithContext(ctx).Save(epoch).Error; err != nil {
		return fmt.Errorf("store: save epoch %s: %w", epoch.ID, err)
	}
	return nil
}

// SetPayoutSignature records the on-chain signature the moment the transfer
// is accepted, before finalisation touches anything else.
func (s *Store) SetPayoutSignature(ctx context.Context, id uuid.UUID, signature string) error {
	err := s.db.WithContext(ctx).Model(&models.Epoch{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"payout_tx_signature": signature,
			"updated_at":          time.Now().UTC(),
		}).Error
	if err != nil {
		return fmt.Errorf("store: set payout signature for %s: %w", id, err)
	}
	return nil
}

// StuckEpochs returns non-terminal epochs whose last write is older than the
// cutoff, ordered oldest first.
func (s *Store) StuckEpochs(ctx context.Context, cutoff time.Time) ([]models.Epoch, error) {
	var epochs []models.Epoch
	err := s.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", []models.EpochStatus{models.EpochClaiming, models.EpochPaying}, cutoff).
		Order("updated_at ASC").
		Find(&epochs).Error
	if err != nil {
		return nil, fmt.Errorf("store: list stuck epochs: %w", err)
	}
	return epochs, nil
}

// InsertWinners writes the winner rows for an epoch, ignoring duplicates on
// the (epoch, rank) and (epoch, wallet) keys so finalisation stays
// idempotent.
func (s *Store) InsertWinners(ctx context.Context, winners []models.Winner) error {
	if len(winners) == 0 {
		return nil
	}
	for i := range winners {
		if winners[i].ID == uuid.Nil {
			winners[i].ID = uuid.New()
		}
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&winners).Error
	if err != nil {
		return fmt.Errorf("store: insert winners: %w", err)
	}
	return nil
}

// WinnersByEpoch returns an epoch's winners sorted by rank.
func (s *Store) WinnersByEpoch(ctx context.Context, epochID uuid.UUID) ([]models.Winner, error) {
	var winners []models.Winner
	err := s.db.WithContext(ctx).
		Where("epoch_id = ?", epochID).
		Order("rank ASC").
		Find(&winners).Error
	if err != nil {
		return nil, fmt.Errorf("store: list winners for %s: %w", epochID, err)
	}
	return winners, nil
}

// RecentEpochs returns the most recently created epochs, newest first.
func (s *Store) RecentEpochs(ctx context.Context, limit int) ([]models.Epoch, error) {
	if limit <= 0 {
		limit = 20
	}
	var epochs []models.Epoch
	err := s.db.WithContext(ctx).
		Order("period_end DESC").
		Limit(limit).
		Find(&epochs).Error
	if err != nil {
		return nil, fmt.Errorf("store: list recent epochs: %w", err)
	}
	return epochs, nil
}

// LatestEpoch returns the most recent epoch or nil when none exist.
func (s *Store) LatestEpoch(ctx context.Context) (*models.Epoch, error) {
	var epoch models.Epoch
	err := s.db.WithContext(ctx).Order("period_end DESC").First(&epoch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: load latest epoch: %w", err)
	}
	return &epoch, nil
}
