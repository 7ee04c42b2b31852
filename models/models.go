package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// EpochStatus represents a state in the settlement workflow.
type EpochStatus string

// All settlement states. Completed, skipped and failed are terminal; a failed
// epoch may be re-created on a later tick.
const (
	EpochCreated   EpochStatus = "created"
	EpochClaiming  EpochStatus = "claiming"
	EpochPaying    EpochStatus = "paying"
	EpochCompleted EpochStatus = "completed"
	EpochSkipped   EpochStatus = "skipped"
	EpochFailed    EpochStatus = "failed"
)

// Failure reasons recorded on skipped or failed epochs.
const (
	ReasonInsufficientWallets      = "insufficient_eligible_wallets"
	ReasonInsufficientVaultBalance = "insufficient_vault_balance"
	ReasonStuckClaimingNoBalance   = "stuck_in_claiming_no_before_balance"
	ReasonStuckPayingNoPlan        = "stuck_in_paying_no_plan"
)

// DryRunSignature is the sentinel recorded instead of an on-chain signature
// when the engine runs with transfers suppressed.
const DryRunSignature = "DRY_RUN_NO_TX"

// StateRowID is the fixed identity of the rewards-state singleton row.
const StateRowID int16 = 1

// Lamports is an unsigned 64-bit amount stored as a signed bigint column and
// serialised as a decimal string on every JSON wire.
type Lamports uint64

// MarshalJSON encodes the amount as a decimal string.
func (l Lamports) MarshalJSON() ([]byte, error) {
	return json.Marshal(strconv.FormatUint(uint64(l), 10))
}

// UnmarshalJSON accepts either a decimal string or a bare JSON number.
func (l *Lamports) UnmarshalJSON(data []byte) error {
	raw := string(data)
	if len(raw) >= 2 && raw[0] == '"' && raw[len(raw)-1] == '"' {
		raw = raw[1 : len(raw)-1]
	}
	if raw == "" || raw == "null" {
		*l = 0
		return nil
	}
	parsed, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("models: parse lamports %q: %w", raw, err)
	}
	*l = Lamports(parsed)
	return nil
}

// Value implements driver.Valuer. Amounts above MaxInt64 do not fit the
// physical schema and are rejected rather than truncated.
func (l Lamports) Value() (driver.Value, error) {
	if uint64(l) > math.MaxInt64 {
		return nil, fmt.Errorf("models: lamports %d exceeds bigint range", uint64(l))
	}
	return int64(l), nil
}

// Scan implements sql.Scanner.
func (l *Lamports) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*l = 0
		return nil
	case int64:
		if v < 0 {
			return fmt.Errorf("models: negative lamports %d", v)
		}
		*l = Lamports(v)
		return nil
	case []byte:
		parsed, err := strconv.ParseUint(string(v), 10, 64)
		if err != nil {
			return fmt.Errorf("models: scan lamports: %w", err)
		}
		*l = Lamports(parsed)
		return nil
	default:
		return fmt.Errorf("models: cannot scan %T into Lamports", src)
	}
}

// PayoutPlanEntry is one ordered transfer of the epoch payout.
type PayoutPlanEntry struct {
	Rank           int      `json:"rank"`
	Wallet         string   `json:"wallet"`
	AmountLamports Lamports `json:"amountLamports"`
	UserID         string   `json:"userId"`
	ProfitLamports Lamports `json:"profitLamports"`
	TradeCount     int      `json:"tradeCount"`
}

// PayoutPlan is the ordered transfer list persisted as a JSON text column.
type PayoutPlan []PayoutPlanEntry

// Value implements driver.Valuer.
func (p PayoutPlan) Value() (driver.Value, error) {
	if len(p) == 0 {
		return nil, nil
	}
	encoded, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("models: encode payout plan: %w", err)
	}
	return string(encoded), nil
}

// Scan implements sql.Scanner.
func (p *PayoutPlan) Scan(src any) error {
	return scanJSON(src, p, "payout plan")
}

// SignatureList holds transaction signatures persisted as a JSON text column.
type SignatureList []string

// Value implements driver.Valuer.
func (s SignatureList) Value() (driver.Value, error) {
	if len(s) == 0 {
		return nil, nil
	}
	encoded, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("models: encode signatures: %w", err)
	}
	return string(encoded), nil
}

// Scan implements sql.Scanner.
func (s *SignatureList) Scan(src any) error {
	return scanJSON(src, s, "signatures")
}

func scanJSON(src, dst any, what string) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("models: cannot scan %T into %s", src, what)
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("models: decode %s: %w", what, err)
	}
	return nil
}

// RewardsState is the process-wide accounting singleton. Exactly one row with
// ID StateRowID exists for the lifetime of the system.
type RewardsState struct {
	ID                      int16      `gorm:"primaryKey"`
	CarryRewardsLamports    Lamports   `gorm:"type:bigint;not null;default:0"`
	TreasuryAccruedLamports Lamports   `gorm:"type:bigint;not null;default:0"`
	LastProcessedPeriodID   *string    `gorm:"size:64"`
	LastProcessedPeriodEnd  *time.Time `gorm:"index"`
	UpdatedAt               time.Time
}

// Epoch records one settlement cycle, 1:1 with a leaderboard period.
type Epoch struct {
	ID                  uuid.UUID `gorm:"type:uuid;primaryKey"`
	LeaderboardPeriodID string    `gorm:"size:64;uniqueIndex"`
	PeriodStart         time.Time
	PeriodEnd           time.Time `gorm:"index"`
	RewardsPoolBps      int       `gorm:"not null"`

	BeforeBalance     *Lamports `gorm:"type:bigint"`
	AfterBalance      *Lamports `gorm:"type:bigint"`
	TotalInflow       Lamports  `gorm:"type:bigint;not null;default:0"`
	RewardInflow      Lamports  `gorm:"type:bigint;not null;default:0"`
	TreasuryInflow    Lamports  `gorm:"type:bigint;not null;default:0"`
	TreasuryAccrued   bool      `gorm:"not null;default:false"`
	ClaimStartedAt    *time.Time
	ClaimCompletedAt  *time.Time
	ClaimTxSignatures SignatureList `gorm:"type:text"`

	CarryIn  Lamports `gorm:"type:bigint;not null;default:0"`
	TotalPot Lamports `gorm:"type:bigint;not null;default:0"`

	PayoutPlan        PayoutPlan `gorm:"type:text"`
	PayoutStartedAt   *time.Time
	PayoutCompletedAt *time.Time
	PayoutTxSignature *string  `gorm:"size:128"`
	TotalPaid         Lamports `gorm:"type:bigint;not null;default:0"`

	Status        EpochStatus `gorm:"size:32;index"`
	FailureReason *string     `gorm:"size:255"`
	CreatedAt     time.Time
	UpdatedAt     time.Time `gorm:"index"`
}

// Terminal reports whether the epoch reached a sink state.
func (e *Epoch) Terminal() bool {
	switch e.Status {
	case EpochCompleted, EpochSkipped, EpochFailed:
		return true
	}
	return false
}

// Winner is one ranked payout recipient of a completed epoch.
type Winner struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	EpochID        uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_winners_epoch_rank,priority:1;uniqueIndex:idx_winners_epoch_wallet,priority:1"`
	Rank           int       `gorm:"not null;uniqueIndex:idx_winners_epoch_rank,priority:2"`
	WalletAddress  string    `gorm:"size:64;uniqueIndex:idx_winners_epoch_wallet,priority:2"`
	UserID         string    `gorm:"size:64"`
	ProfitLamports Lamports  `gorm:"type:bigint;not null;default:0"`
	TradeCount     int       `gorm:"not null;default:0"`
	PayoutLamports Lamports  `gorm:"type:bigint;not null;default:0"`
	CreatedAt      time.Time
}

// AutoMigrate creates or updates the tables owned by the settlement engine.
// Leaderboard and trade tables belong to the platform and are never migrated
// from here.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&RewardsState{}, &Epoch{}, &Winner{})
}
