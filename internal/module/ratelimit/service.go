package ratelimit

import (
	"context"
	"math"

	"go.uber.org/zap"

	"github.com/stylemirror/server/internal/module/credit"
	"github.com/stylemirror/server/internal/module/identity"
	"github.com/stylemirror/server/internal/shared/config"
	apperrors "github.com/stylemirror/server/internal/shared/errors"
)

const globalKey = "global"

// Limiter enforces the two admission windows: a global ceiling across all
// identities and a per-identity, per-action rolling window. The global
// window is checked first so a flood sheds load before any per-identity
// state is touched.
type Limiter struct {
	counter Counter
	cfg     *config.RateLimitConfig
	log     *zap.Logger
}

// NewLimiter creates the rate limiter.
func NewLimiter(counter Counter, cfg *config.RateLimitConfig, log *zap.Logger) *Limiter {
	return &Limiter{counter: counter, cfg: cfg, log: log}
}

// AllowGlobal records one request against the global window.
// Rejections carry a retry hint derived from the oldest request's age.
func (l *Limiter) AllowGlobal(ctx context.Context) error {
	decision, err := l.counter.Hit(ctx, globalKey, l.cfg.GlobalCeiling, l.cfg.GlobalWindow)
	if err != nil {
		// A broken counter must not take the service down with it.
		l.log.Warn("global rate limit check failed, allowing", zap.Error(err))
		return nil
	}
	if !decision.Allowed {
		return apperrors.ServiceBusy(retrySeconds(decision))
	}
	return nil
}

// AllowIdentity records one request against the caller's window for the
// given action.
func (l *Limiter) AllowIdentity(ctx context.Context, id identity.Identity, action credit.Action) error {
	limit := l.limitFor(action)
	key := id.Key() + ":" + string(action)

	decision, err := l.counter.Hit(ctx, key, limit, l.cfg.Window)
	if err != nil {
		l.log.Warn("identity rate limit check failed, allowing",
			zap.Error(err), zap.String("key", key))
		return nil
	}
	if !decision.Allowed {
		return apperrors.RateLimited(decision.Remaining, retrySeconds(decision))
	}
	return nil
}

func (l *Limiter) limitFor(action credit.Action) int {
	switch action {
	case credit.ActionVideo:
		return l.cfg.LimitVideo
	case credit.ActionModel3D:
		return l.cfg.LimitModel3D
	default:
		return l.cfg.LimitTryOn
	}
}

func retrySeconds(d Decision) int {
	seconds := int(math.Ceil(d.RetryAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}
