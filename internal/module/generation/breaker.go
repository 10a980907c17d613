package generation

import (
	"context"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/stylemirror/server/internal/shared/config"
)

// BreakerProvider wraps a Provider with a circuit breaker on
// submissions. A provider that is hard down fails fast instead of
// eating the whole request timeout per caller; status polls and
// artifact fetches pass through, since they belong to jobs the breaker
// already admitted.
type BreakerProvider struct {
	inner   Provider
	breaker *gobreaker.CircuitBreaker[*SubmitResult]
}

// NewBreakerProvider wraps a provider with a circuit breaker.
func NewBreakerProvider(inner Provider, cfg *config.ProviderConfig, log *zap.Logger) *BreakerProvider {
	settings := gobreaker.Settings{
		Name:        inner.Name(),
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("provider breaker state change",
				zap.String("provider", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}
	return &BreakerProvider{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker[*SubmitResult](settings),
	}
}

var _ Provider = (*BreakerProvider)(nil)

// Name returns the wrapped provider's name.
func (b *BreakerProvider) Name() string {
	return b.inner.Name()
}

// Submit runs the submission through the breaker.
func (b *BreakerProvider) Submit(ctx context.Context, req *ProviderRequest) (*SubmitResult, error) {
	return b.breaker.Execute(func() (*SubmitResult, error) {
		return b.inner.Submit(ctx, req)
	})
}

// Status passes through to the wrapped provider.
func (b *BreakerProvider) Status(ctx context.Context, jobID string) (*JobStatus, error) {
	return b.inner.Status(ctx, jobID)
}

// FetchArtifact passes through to the wrapped provider.
func (b *BreakerProvider) FetchArtifact(ctx context.Context, artifactURL string) ([]byte, string, error) {
	return b.inner.FetchArtifact(ctx, artifactURL)
}
