package resultcache

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stylemirror/server/internal/adapter/storage"
	"github.com/stylemirror/server/internal/module/credit"
	"github.com/stylemirror/server/internal/shared/config"
)

// Hit is a successful cache lookup: a freshly signed URL for the stored
// artifact.
type Hit struct {
	URL         string
	StoragePath string
	ContentType string
}

// Service is the result cache. Entries live for a fixed retention and
// are lazily treated as misses after expiry; a background sweep reclaims
// the rows.
type Service struct {
	repo  Repository
	store storage.Store
	cfg   *config.CacheConfig
	log   *zap.Logger
	now   func() time.Time
}

// NewService creates the result cache service.
func NewService(repo Repository, store storage.Store, cfg *config.CacheConfig, log *zap.Logger) *Service {
	return &Service{repo: repo, store: store, cfg: cfg, log: log, now: time.Now}
}

// Lookup returns a hit with a newly minted signed URL, or miss. Expired
// entries are misses even while the row still exists. A presign failure
// degrades to a miss rather than failing the request; the caller will
// regenerate.
func (s *Service) Lookup(ctx context.Context, fingerprint string) (*Hit, bool) {
	entry, err := s.repo.Get(ctx, fingerprint)
	if err != nil {
		if !errors.Is(err, ErrEntryNotFound) {
			s.log.Warn("cache lookup failed, treating as miss", zap.Error(err))
		}
		return nil, false
	}
	if entry.Expired(s.now()) {
		return nil, false
	}

	url, err := s.store.PresignGet(ctx, entry.StoragePath)
	if err != nil {
		s.log.Warn("presign cached artifact failed, treating as miss",
			zap.Error(err), zap.String("storage_path", entry.StoragePath))
		return nil, false
	}

	if err := s.repo.Touch(ctx, fingerprint); err != nil {
		s.log.Debug("cache access count update failed", zap.Error(err))
	}

	return &Hit{URL: url, StoragePath: entry.StoragePath, ContentType: entry.ContentType}, true
}

// Write stores a fresh artifact pointer under the fingerprint with the
// full retention ahead of it.
func (s *Service) Write(ctx context.Context, fingerprint string, userID uuid.UUID, action credit.Action, storagePath, contentType string) error {
	now := s.now()
	return s.repo.Upsert(ctx, &Entry{
		Fingerprint: fingerprint,
		UserID:      userID,
		Action:      action,
		StoragePath: storagePath,
		ContentType: contentType,
		AccessCount: 0,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.cfg.TTL),
	})
}

// Sweep deletes expired rows once.
func (s *Service) Sweep(ctx context.Context) {
	removed, err := s.repo.DeleteExpired(ctx, s.now())
	if err != nil {
		s.log.Warn("cache sweep failed", zap.Error(err))
		return
	}
	if removed > 0 {
		s.log.Info("cache sweep removed expired entries", zap.Int64("removed", removed))
	}
}

// RunSweeper periodically reclaims expired rows until the context ends.
func (s *Service) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}
