package resultcache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stylemirror/server/internal/module/credit"
)

// Entry maps an input fingerprint to a previously generated artifact.
// The pointer is a storage path, never a signed URL; reads mint a fresh
// URL every time.
type Entry struct {
	ID          int64         `json:"id" gorm:"primaryKey;autoIncrement"`
	Fingerprint string        `json:"fingerprint" gorm:"not null;uniqueIndex"`
	UserID      uuid.UUID     `json:"user_id" gorm:"type:uuid;not null;index"`
	Action      credit.Action `json:"action" gorm:"not null"`
	StoragePath string        `json:"storage_path" gorm:"not null"`
	ContentType string        `json:"content_type" gorm:"not null"`
	AccessCount int64         `json:"access_count" gorm:"not null;default:0"`
	CreatedAt   time.Time     `json:"created_at"`
	ExpiresAt   time.Time     `json:"expires_at" gorm:"not null;index"`
}

// TableName returns the database table name.
func (Entry) TableName() string {
	return "cache_entries"
}

// Expired reports whether the entry is past its retention at t.
func (e *Entry) Expired(t time.Time) bool {
	return !e.ExpiresAt.After(t)
}

// Fingerprint derives the deterministic cache key for one generation
// input. garmentKey is the catalog dress id when the garment comes from
// the catalog, otherwise a content hash of the uploaded garment image;
// personKey is a content hash of the person image. Scoping by user keeps
// one user's results invisible to another even for identical inputs.
func Fingerprint(userID uuid.UUID, action credit.Action, garmentKey, personKey string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s", userID, action, garmentKey, personKey)
	return hex.EncodeToString(h.Sum(nil))
}

// ContentKey hashes raw input bytes into a garment or person key.
func ContentKey(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
