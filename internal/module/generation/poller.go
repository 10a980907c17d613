package generation

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/stylemirror/server/internal/shared/errors"
)

// ErrJobFailed is returned when the provider reports a terminal failure.
var ErrJobFailed = errors.New("provider job failed")

// Poller drives a submitted job to a terminal state by polling at a
// fixed interval within a fixed attempt budget. Interval and budget come
// from configuration, never from call sites.
type Poller struct {
	interval    time.Duration
	maxAttempts int
	log         *zap.Logger
}

// NewPoller creates a job poller.
func NewPoller(interval time.Duration, maxAttempts int, log *zap.Logger) *Poller {
	return &Poller{interval: interval, maxAttempts: maxAttempts, log: log}
}

// Run polls the job until it completes, fails, or the attempt budget is
// exhausted. Budget exhaustion is a ProviderTimeout; the job may still
// finish on the provider side, but the caller has been refunded by then.
func (p *Poller) Run(ctx context.Context, provider Provider, jobID string) (*Output, error) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		status, err := provider.Status(ctx, jobID)
		if err != nil {
			// Transient poll errors consume an attempt but do not abort;
			// the budget is the backstop.
			p.log.Warn("job status poll failed",
				zap.Error(err),
				zap.String("job_id", jobID),
				zap.Int("attempt", attempt))
			continue
		}

		switch status.State {
		case JobStateCompleted:
			return status.Output, nil
		case JobStateFailed:
			return nil, errors.Join(ErrJobFailed, errors.New(status.Message))
		}
	}

	p.log.Warn("job poll budget exhausted",
		zap.String("job_id", jobID),
		zap.Int("max_attempts", p.maxAttempts),
		zap.Duration("interval", p.interval))
	return nil, apperrors.ProviderTimeout()
}
