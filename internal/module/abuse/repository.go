package abuse

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Repository defines the persistence operations for abuse records and
// blocks.
type Repository interface {
	// InsertRecord stores one abuse signal.
	InsertRecord(ctx context.Context, record *Record) error
	// ListRecords returns signals for the user or IP observed since the
	// given instant.
	ListRecords(ctx context.Context, userID uuid.UUID, ip string, since time.Time) ([]*Record, error)
	// ActiveBlock returns the block in force for the user or IP at now,
	// or nil when none exists.
	ActiveBlock(ctx context.Context, userID uuid.UUID, ip string, now time.Time) (*Block, error)
	// InsertBlock stores a block.
	InsertBlock(ctx context.Context, block *Block) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a gorm-backed abuse repository.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

var _ Repository = (*gormRepository)(nil)

func (r *gormRepository) InsertRecord(ctx context.Context, record *Record) error {
	return r.db.WithContext(ctx).Create(record).Error
}

func (r *gormRepository) ListRecords(ctx context.Context, userID uuid.UUID, ip string, since time.Time) ([]*Record, error) {
	var records []*Record
	err := r.db.WithContext(ctx).
		Where("(user_id = ? OR ip = ?) AND created_at >= ?", userID, ip, since).
		Order("created_at DESC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *gormRepository) ActiveBlock(ctx context.Context, userID uuid.UUID, ip string, now time.Time) (*Block, error) {
	var block Block
	err := r.db.WithContext(ctx).
		Where("(user_id = ? OR ip = ?) AND expires_at > ?", userID, ip, now).
		Order("expires_at DESC").
		First(&block).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &block, nil
}

func (r *gormRepository) InsertBlock(ctx context.Context, block *Block) error {
	return r.db.WithContext(ctx).Create(block).Error
}
