package abuse

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stylemirror/server/internal/module/identity"
	"github.com/stylemirror/server/internal/shared/config"
)

type mockRepository struct {
	mu      sync.Mutex
	records []*Record
	blocks  []*Block
	failAll bool
}

func (m *mockRepository) InsertRecord(_ context.Context, record *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll {
		return assert.AnError
	}
	m.records = append(m.records, record)
	return nil
}

func (m *mockRepository) ListRecords(_ context.Context, userID uuid.UUID, ip string, since time.Time) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll {
		return nil, assert.AnError
	}
	var out []*Record
	for _, r := range m.records {
		if (r.UserID == userID || r.IP == ip) && !r.CreatedAt.Before(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *mockRepository) ActiveBlock(_ context.Context, userID uuid.UUID, ip string, now time.Time) (*Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll {
		return nil, assert.AnError
	}
	for _, b := range m.blocks {
		if (b.UserID == userID || b.IP == ip) && b.Active(now) {
			return b, nil
		}
	}
	return nil, nil
}

func (m *mockRepository) InsertBlock(_ context.Context, block *Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll {
		return assert.AnError
	}
	m.blocks = append(m.blocks, block)
	return nil
}

var _ Repository = (*mockRepository)(nil)

func testDetector(repo Repository) *Detector {
	return NewDetector(repo, &config.AbuseConfig{
		WeightHigh:         30,
		WeightMedium:       10,
		WeightLow:          3,
		DecayWindow:        time.Hour,
		BlockThreshold:     60,
		AutoBlockThreshold: 100,
		AutoBlockDuration:  24 * time.Hour,
	}, zap.NewNop())
}

func TestCheckAllowsCleanIdentity(t *testing.T) {
	d := testDetector(&mockRepository{})
	result := d.Check(context.Background(), identity.Identity{UserID: uuid.New(), IP: "10.0.0.1"})
	assert.False(t, result.Blocked)
	assert.Zero(t, result.Score)
}

func TestScoreBlocksAtThreshold(t *testing.T) {
	repo := &mockRepository{}
	d := testDetector(repo)
	id := identity.Identity{UserID: uuid.New(), IP: "10.0.0.1"}

	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	// Two fresh high signals score 60 and cross the block threshold.
	d.Record(context.Background(), id, SeverityHigh, "invalid signature")
	d.Record(context.Background(), id, SeverityHigh, "invalid signature")

	result := d.Check(context.Background(), id)
	assert.True(t, result.Blocked)
	assert.Equal(t, "abuse score exceeded", result.Reason)
	assert.InDelta(t, 60, result.Score, 0.01)
}

func TestScoreDecaysLinearly(t *testing.T) {
	repo := &mockRepository{}
	d := testDetector(repo)
	id := identity.Identity{UserID: uuid.New(), IP: "10.0.0.1"}

	base := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return base }
	d.Record(context.Background(), id, SeverityHigh, "invalid signature")
	d.Record(context.Background(), id, SeverityHigh, "invalid signature")
	d.Record(context.Background(), id, SeverityMedium, "prompt rejected")

	// Half the decay window later the 70 points have decayed to 35,
	// under the threshold.
	d.now = func() time.Time { return base.Add(30 * time.Minute) }
	result := d.Check(context.Background(), id)
	assert.False(t, result.Blocked)
	assert.InDelta(t, 35, result.Score, 0.01)

	// Past the window the signals contribute nothing.
	d.now = func() time.Time { return base.Add(61 * time.Minute) }
	result = d.Check(context.Background(), id)
	assert.False(t, result.Blocked)
	assert.Zero(t, result.Score)
}

func TestAutoBlockPersistsAndOutlivesDecay(t *testing.T) {
	repo := &mockRepository{}
	d := testDetector(repo)
	id := identity.Identity{UserID: uuid.New(), IP: "10.0.0.1"}

	base := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return base }

	// Four high signals score 120, past the auto-block threshold.
	for i := 0; i < 4; i++ {
		d.Record(context.Background(), id, SeverityHigh, "invalid signature")
	}
	require.NotEmpty(t, repo.blocks)
	assert.True(t, repo.blocks[0].Automatic)
	assert.Equal(t, base.Add(24*time.Hour), repo.blocks[0].ExpiresAt)

	// Hours later the score has fully decayed, but the block holds.
	d.now = func() time.Time { return base.Add(5 * time.Hour) }
	result := d.Check(context.Background(), id)
	assert.True(t, result.Blocked)

	// After expiry the identity is admitted again.
	d.now = func() time.Time { return base.Add(25 * time.Hour) }
	result = d.Check(context.Background(), id)
	assert.False(t, result.Blocked)
}

func TestBlockMatchesByIPAcrossUsers(t *testing.T) {
	repo := &mockRepository{}
	d := testDetector(repo)

	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	require.NoError(t, repo.InsertBlock(context.Background(), &Block{
		UserID:    uuid.New(),
		IP:        "10.0.0.9",
		Reason:    "manual block",
		ExpiresAt: now.Add(time.Hour),
	}))

	other := identity.Identity{UserID: uuid.New(), IP: "10.0.0.9"}
	result := d.Check(context.Background(), other)
	assert.True(t, result.Blocked)
	assert.Equal(t, "manual block", result.Reason)
}

func TestSeverityWeightsComeFromConfig(t *testing.T) {
	repo := &mockRepository{}
	d := NewDetector(repo, &config.AbuseConfig{
		WeightHigh:         50,
		WeightMedium:       5,
		WeightLow:          1,
		DecayWindow:        time.Hour,
		BlockThreshold:     60,
		AutoBlockThreshold: 1000,
		AutoBlockDuration:  24 * time.Hour,
	}, zap.NewNop())
	id := identity.Identity{UserID: uuid.New(), IP: "10.0.0.1"}

	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	d.Record(context.Background(), id, SeverityHigh, "invalid signature")
	d.Record(context.Background(), id, SeverityMedium, "prompt rejected")
	d.Record(context.Background(), id, SeverityLow, "rate limit exceeded")

	result := d.Check(context.Background(), id)
	assert.InDelta(t, 56, result.Score, 0.01)
}

func TestCheckFailsOpenOnStoreErrors(t *testing.T) {
	d := testDetector(&mockRepository{failAll: true})
	result := d.Check(context.Background(), identity.Identity{UserID: uuid.New(), IP: "10.0.0.1"})
	assert.False(t, result.Blocked)
}
