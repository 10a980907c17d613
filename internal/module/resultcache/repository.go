package resultcache

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrEntryNotFound is returned when no entry exists for a fingerprint.
var ErrEntryNotFound = errors.New("cache entry not found")

// Repository defines the persistence operations for cache entries.
type Repository interface {
	// Get returns the entry for a fingerprint regardless of expiry;
	// callers decide freshness.
	Get(ctx context.Context, fingerprint string) (*Entry, error)
	// Upsert writes an entry, replacing any previous one for the same
	// fingerprint.
	Upsert(ctx context.Context, entry *Entry) error
	// Touch increments the access counter.
	Touch(ctx context.Context, fingerprint string) error
	// DeleteExpired removes entries whose retention passed before now,
	// returning how many were removed.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a gorm-backed cache repository.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

var _ Repository = (*gormRepository)(nil)

func (r *gormRepository) Get(ctx context.Context, fingerprint string) (*Entry, error) {
	var entry Entry
	err := r.db.WithContext(ctx).Where("fingerprint = ?", fingerprint).First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEntryNotFound
		}
		return nil, err
	}
	return &entry, nil
}

func (r *gormRepository) Upsert(ctx context.Context, entry *Entry) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "fingerprint"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"user_id", "action", "storage_path", "content_type",
				"access_count", "created_at", "expires_at",
			}),
		}).
		Create(entry).Error
}

func (r *gormRepository) Touch(ctx context.Context, fingerprint string) error {
	return r.db.WithContext(ctx).
		Model(&Entry{}).
		Where("fingerprint = ?", fingerprint).
		UpdateColumn("access_count", gorm.Expr("access_count + 1")).Error
}

func (r *gormRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("expires_at <= ?", now).
		Delete(&Entry{})
	return res.RowsAffected, res.Error
}
