package credit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrAccountNotFound is returned when no credit account exists for a user.
var ErrAccountNotFound = errors.New("credit account not found")

// ErrUsageNotFound is returned when no usage log entry exists for a request id.
var ErrUsageNotFound = errors.New("usage log entry not found")

// InsufficientCreditsError is returned when a deduction would drive the
// balance negative. Balance is the balance observed at check time.
type InsufficientCreditsError struct {
	Balance int64
	Cost    int64
}

func (e *InsufficientCreditsError) Error() string {
	return "insufficient credits"
}

// Repository defines the persistence operations for credit accounts and
// usage log entries. Deduct and Refund are atomic with respect to
// concurrent callers; the balance is only ever changed through
// conditional updates.
type Repository interface {
	// GetOrCreateAccount returns the account for a user, creating it
	// with the given plan defaults when absent.
	GetOrCreateAccount(ctx context.Context, userID uuid.UUID, plan Plan, balance int64, periodStart time.Time) (*Account, error)
	// ResetPeriod replaces the balance and period start, guarded on the
	// previous period start so concurrent resets collapse into one.
	ResetPeriod(ctx context.Context, userID uuid.UUID, newBalance int64, newPeriodStart, prevPeriodStart time.Time) (bool, error)
	// Deduct atomically subtracts cost from the balance and records a
	// pending usage log entry. Returns InsufficientCreditsError when the
	// balance cannot cover the cost.
	Deduct(ctx context.Context, userID uuid.UUID, cost int64, entry *UsageLogEntry) (int64, error)
	// Refund marks the entry refunded and restores its credits. A second
	// refund for the same request id is a no-op.
	Refund(ctx context.Context, userID uuid.UUID, requestID string) (bool, int64, error)
	// FinalizeUsage transitions a pending entry to its terminal status.
	FinalizeUsage(ctx context.Context, requestID string, status UsageStatus, processingTime time.Duration, errMsg string) error
	// GetUsage returns the usage log entry for a request id.
	GetUsage(ctx context.Context, requestID string) (*UsageLogEntry, error)
	// ListUsage returns the most recent usage entries for a user.
	ListUsage(ctx context.Context, userID uuid.UUID, limit int) ([]*UsageLogEntry, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a gorm-backed credit repository.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

var _ Repository = (*gormRepository)(nil)

func (r *gormRepository) GetOrCreateAccount(ctx context.Context, userID uuid.UUID, plan Plan, balance int64, periodStart time.Time) (*Account, error) {
	account := Account{
		UserID:      userID,
		Balance:     balance,
		Plan:        plan,
		PeriodStart: periodStart,
		Timezone:    "UTC",
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(&account).Error
	if err != nil {
		return nil, err
	}

	var out Account
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&out).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &out, nil
}

func (r *gormRepository) ResetPeriod(ctx context.Context, userID uuid.UUID, newBalance int64, newPeriodStart, prevPeriodStart time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&Account{}).
		Where("user_id = ? AND period_start = ?", userID, prevPeriodStart).
		Updates(map[string]any{
			"balance":      newBalance,
			"period_start": newPeriodStart,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *gormRepository) Deduct(ctx context.Context, userID uuid.UUID, cost int64, entry *UsageLogEntry) (int64, error) {
	var balance int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Single conditional update; the WHERE clause is the check and
		// RETURNING yields the post-deduct balance in the same statement.
		var updated Account
		res := tx.Model(&updated).
			Clauses(clause.Returning{Columns: []clause.Column{{Name: "balance"}}}).
			Where("user_id = ? AND balance >= ?", userID, cost).
			UpdateColumn("balance", gorm.Expr("balance - ?", cost))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var account Account
			if err := tx.Where("user_id = ?", userID).First(&account).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrAccountNotFound
				}
				return err
			}
			return &InsufficientCreditsError{Balance: account.Balance, Cost: cost}
		}
		balance = updated.Balance

		entry.UserID = userID
		entry.CreditsUsed = cost
		entry.Status = UsageStatusPending
		return tx.Create(entry).Error
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}

func (r *gormRepository) Refund(ctx context.Context, userID uuid.UUID, requestID string) (bool, int64, error) {
	var (
		refunded bool
		amount   int64
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Claiming the refunded status first makes the refund idempotent:
		// only one caller per request id can flip it.
		res := tx.Model(&UsageLogEntry{}).
			Where("request_id = ? AND user_id = ? AND status <> ?", requestID, userID, UsageStatusRefunded).
			Update("status", UsageStatusRefunded)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		var entry UsageLogEntry
		if err := tx.Where("request_id = ?", requestID).First(&entry).Error; err != nil {
			return err
		}

		if err := tx.Model(&Account{}).
			Where("user_id = ?", userID).
			UpdateColumn("balance", gorm.Expr("balance + ?", entry.CreditsUsed)).Error; err != nil {
			return err
		}
		refunded = true
		amount = entry.CreditsUsed
		return nil
	})
	if err != nil {
		return false, 0, err
	}
	return refunded, amount, nil
}

func (r *gormRepository) FinalizeUsage(ctx context.Context, requestID string, status UsageStatus, processingTime time.Duration, errMsg string) error {
	res := r.db.WithContext(ctx).
		Model(&UsageLogEntry{}).
		Where("request_id = ? AND status = ?", requestID, UsageStatusPending).
		Updates(map[string]any{
			"status":             status,
			"processing_time_ms": processingTime.Milliseconds(),
			"error_message":      errMsg,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrUsageNotFound
	}
	return nil
}

func (r *gormRepository) GetUsage(ctx context.Context, requestID string) (*UsageLogEntry, error) {
	var entry UsageLogEntry
	err := r.db.WithContext(ctx).Where("request_id = ?", requestID).First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUsageNotFound
		}
		return nil, err
	}
	return &entry, nil
}

func (r *gormRepository) ListUsage(ctx context.Context, userID uuid.UUID, limit int) ([]*UsageLogEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var entries []*UsageLogEntry
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}
