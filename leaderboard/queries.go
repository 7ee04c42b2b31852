// Package leaderboard is the read-only query port onto the platform's
// leaderboard and trade tables. The engine never writes through it.
package leaderboard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"launchrewards/solana"
)

// Period mirrors the platform's leaderboard period table.
type Period struct {
	ID        string    `gorm:"primaryKey;size:64"`
	StartTime time.Time `gorm:"index"`
	EndTime   time.Time `gorm:"index"`
}

// TableName points gorm at the externally owned table.
func (Period) TableName() string { return "leaderboard_periods" }

// Trade mirrors the platform's realized trade table.
type Trade struct {
	ID             int64 `gorm:"primaryKey;autoIncrement"`
	WalletAddress  string
	UserID         string
	RealizedProfit int64
	ClosedAt       *time.Time
}

// TableName points gorm at the externally owned table.
func (Trade) TableName() string { return "trades" }

// Entry is one aggregated wallet row from the profit ranking.
type Entry struct {
	WalletAddress string
	UserID        string
	SumProfit     int64
	TradeCount    int
}

// queryMargin is the extra rows fetched beyond the limit so that wallets
// failing the address-syntax check can be dropped without a second query.
const queryMargin = 10

// Queries exposes the two reads the settlement engine needs.
type Queries struct {
	db        *gorm.DB
	minTrades int
}

// New constructs the query port. minTrades is the eligibility floor on closed
// trades per wallet.
func New(db *gorm.DB, minTrades int) *Queries {
	if minTrades < 0 {
		minTrades = 0
	}
	return &Queries{db: db, minTrades: minTrades}
}

// WithDB rebinds the port to another handle, typically a transaction.
func (q *Queries) WithDB(db *gorm.DB) *Queries {
	return &Queries{db: db, minTrades: q.minTrades}
}

// NextPeriod returns the next leaderboard period to settle: the period with
// the smallest end time strictly after lastEnd, restricted to periods that
// have already ended. On first run (nil lastEnd) it returns the most recently
// ended period instead; earlier periods are never revisited. A nil period
// with nil error means nothing is due.
func (q *Queries) NextPeriod(ctx context.Context, lastEnd *time.Time, now time.Time) (*Period, error) {
	query := q.db.WithContext(ctx).Model(&Period{}).Where("end_time <= ?", now)
	if lastEnd != nil {
		query = query.Where("end_time > ?", *lastEnd).Order("end_time ASC")
	} else {
		query = query.Order("end_time DESC")
	}
	var period Period
	err := query.First(&period).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("leaderboard: next period: %w", err)
	}
	return &period, nil
}

// ActivePeriod returns the period currently running at now, or nil.
func (q *Queries) ActivePeriod(ctx context.Context, now time.Time) (*Period, error) {
	var period Period
	err := q.db.WithContext(ctx).Model(&Period{}).
		Where("start_time <= ? AND end_time > ?", now, now).
		Order("end_time ASC").
		First(&period).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("leaderboard: active period: %w", err)
	}
	return &period, nil
}

// TopWallets ranks wallets by realized profit over [start, end). Eligibility:
// at least minTrades closed trades, strictly positive aggregate profit, and a
// syntactically valid chain address. Ties break by trade count descending,
// then wallet ascending, so the ranking is deterministic.
func (q *Queries) TopWallets(ctx context.Context, start, end time.Time, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 3
	}
	var rows []Entry
	err := q.db.WithContext(ctx).Model(&Trade{}).
		Select("wallet_address, MAX(user_id) AS user_id, SUM(realized_profit) AS sum_profit, COUNT(*) AS trade_count").
		Where("closed_at IS NOT NULL AND closed_at >= ? AND closed_at < ?", start, end).
		Group("wallet_address").
		Having("COUNT(*) >= ? AND SUM(realized_profit) > 0", q.minTrades).
		Order("sum_profit DESC, trade_count DESC, wallet_address ASC").
		Limit(limit + queryMargin).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("leaderboard: top wallets: %w", err)
	}

	eligible := make([]Entry, 0, limit)
	for _, row := range rows {
		if !solana.ValidAddress(row.WalletAddress) {
			continue
		}
		eligible = append(eligible, row)
		if len(eligible) == limit {
			break
		}
	}
	return eligible, nil
}
