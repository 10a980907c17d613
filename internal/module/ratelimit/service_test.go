package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stylemirror/server/internal/module/credit"
	"github.com/stylemirror/server/internal/module/identity"
	"github.com/stylemirror/server/internal/shared/config"
	apperrors "github.com/stylemirror/server/internal/shared/errors"
)

func testConfig() *config.RateLimitConfig {
	return &config.RateLimitConfig{
		GlobalCeiling: 3,
		GlobalWindow:  time.Minute,
		Window:        time.Minute,
		LimitTryOn:    6,
		LimitVideo:    2,
		LimitModel3D:  3,
	}
}

func TestMemoryCounterSlidingWindow(t *testing.T) {
	counter := NewMemoryCounter().(*memoryCounter)
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	counter.now = func() time.Time { return base }

	for i := 0; i < 3; i++ {
		decision, err := counter.Hit(context.Background(), "k", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, decision.Allowed)
		assert.Equal(t, 2-i, decision.Remaining)
	}

	decision, err := counter.Hit(context.Background(), "k", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, time.Minute, decision.RetryAfter)

	// 40s later the oldest entries are still in the window, and the
	// retry hint shrinks to the window remainder.
	counter.now = func() time.Time { return base.Add(40 * time.Second) }
	decision, err = counter.Hit(context.Background(), "k", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, 20*time.Second, decision.RetryAfter)

	// Past the window the entries expire and requests flow again.
	counter.now = func() time.Time { return base.Add(61 * time.Second) }
	decision, err = counter.Hit(context.Background(), "k", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestGlobalWindowRejectsWithServiceBusy(t *testing.T) {
	limiter := NewLimiter(NewMemoryCounter(), testConfig(), zap.NewNop())

	for i := 0; i < 3; i++ {
		require.NoError(t, limiter.AllowGlobal(context.Background()))
	}

	err := limiter.AllowGlobal(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrServiceBusy))

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 503, appErr.StatusCode)
	assert.Equal(t, "global", appErr.Details["scope"])
	retry, ok := appErr.Details["retry_after"].(int)
	require.True(t, ok)
	assert.GreaterOrEqual(t, retry, 1)
}

func TestIdentityWindowIsPerActionAndPerIdentity(t *testing.T) {
	limiter := NewLimiter(NewMemoryCounter(), testConfig(), zap.NewNop())
	alice := identity.Identity{UserID: uuid.New(), IP: "10.0.0.1"}
	bob := identity.Identity{UserID: uuid.New(), IP: "10.0.0.2"}

	// Videos allow 2 per window.
	require.NoError(t, limiter.AllowIdentity(context.Background(), alice, credit.ActionVideo))
	require.NoError(t, limiter.AllowIdentity(context.Background(), alice, credit.ActionVideo))

	err := limiter.AllowIdentity(context.Background(), alice, credit.ActionVideo)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrRateLimited))

	// A different action for the same identity has its own window.
	require.NoError(t, limiter.AllowIdentity(context.Background(), alice, credit.ActionTryOn))

	// A different identity is unaffected.
	require.NoError(t, limiter.AllowIdentity(context.Background(), bob, credit.ActionVideo))
}

// failingCounter simulates a counter backend outage.
type failingCounter struct{}

func (failingCounter) Hit(context.Context, string, int, time.Duration) (Decision, error) {
	return Decision{}, errors.New("connection refused")
}

func TestLimiterFailsOpenOnCounterErrors(t *testing.T) {
	limiter := NewLimiter(failingCounter{}, testConfig(), zap.NewNop())
	id := identity.Identity{UserID: uuid.New(), IP: "10.0.0.1"}

	assert.NoError(t, limiter.AllowGlobal(context.Background()))
	assert.NoError(t, limiter.AllowIdentity(context.Background(), id, credit.ActionTryOn))
}
