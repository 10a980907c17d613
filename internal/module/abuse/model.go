package abuse

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Severity classifies an abuse signal. The score contribution of each
// severity comes from configuration.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

// Record is one observed abuse signal against a user or IP.
type Record struct {
	ID        int64          `json:"id" gorm:"primaryKey;autoIncrement"`
	UserID    uuid.UUID      `json:"user_id" gorm:"type:uuid;index"`
	IP        string         `json:"ip" gorm:"index"`
	Severity  Severity       `json:"severity" gorm:"not null"`
	Reason    string         `json:"reason" gorm:"not null"`
	Tags      pq.StringArray `json:"tags,omitempty" gorm:"type:text[]"`
	CreatedAt time.Time      `json:"created_at" gorm:"index"`
}

// TableName returns the database table name.
func (Record) TableName() string {
	return "abuse_records"
}

// Block denies a user or IP until ExpiresAt.
type Block struct {
	ID        int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	UserID    uuid.UUID `json:"user_id" gorm:"type:uuid;index"`
	IP        string    `json:"ip" gorm:"index"`
	Reason    string    `json:"reason" gorm:"not null"`
	Automatic bool      `json:"automatic" gorm:"not null;default:false"`
	ExpiresAt time.Time `json:"expires_at" gorm:"not null;index"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName returns the database table name.
func (Block) TableName() string {
	return "abuse_blocks"
}

// Active reports whether the block is still in force at t.
func (b *Block) Active(t time.Time) bool {
	return b.ExpiresAt.After(t)
}
