package abuse

import (
	"context"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/stylemirror/server/internal/module/identity"
	"github.com/stylemirror/server/internal/shared/config"
)

// CheckResult is the outcome of an admission abuse check.
type CheckResult struct {
	Blocked bool
	Reason  string
	Score   float64
}

// Detector scores abuse signals against users and IPs and blocks the
// worst offenders. Scores decay linearly to zero over the decay window,
// so old signals stop counting against an identity.
type Detector struct {
	repo Repository
	cfg  *config.AbuseConfig
	log  *zap.Logger
	now  func() time.Time
}

// NewDetector creates the abuse detector.
func NewDetector(repo Repository, cfg *config.AbuseConfig, log *zap.Logger) *Detector {
	return &Detector{repo: repo, cfg: cfg, log: log, now: time.Now}
}

// Check decides whether the identity may proceed. An explicit block
// always wins; otherwise the decayed score is compared against the block
// threshold. Detector errors fail open so a broken store cannot lock
// everyone out.
func (d *Detector) Check(ctx context.Context, id identity.Identity) CheckResult {
	now := d.now()

	block, err := d.repo.ActiveBlock(ctx, id.UserID, id.IP, now)
	if err != nil {
		d.log.Warn("abuse block lookup failed, allowing", zap.Error(err))
		return CheckResult{}
	}
	if block != nil {
		return CheckResult{Blocked: true, Reason: block.Reason}
	}

	score, err := d.score(ctx, id, now)
	if err != nil {
		d.log.Warn("abuse score lookup failed, allowing", zap.Error(err))
		return CheckResult{}
	}
	if score >= d.cfg.BlockThreshold {
		return CheckResult{Blocked: true, Reason: "abuse score exceeded", Score: score}
	}
	return CheckResult{Score: score}
}

// Record stores one abuse signal and auto-blocks the identity when its
// score crosses the auto-block threshold. Tags carry free-form context,
// such as the action being attempted.
func (d *Detector) Record(ctx context.Context, id identity.Identity, severity Severity, reason string, tags ...string) {
	now := d.now()

	if err := d.repo.InsertRecord(ctx, &Record{
		UserID:    id.UserID,
		IP:        id.IP,
		Severity:  severity,
		Reason:    reason,
		Tags:      pq.StringArray(tags),
		CreatedAt: now,
	}); err != nil {
		d.log.Error("insert abuse record", zap.Error(err),
			zap.String("user_id", id.UserID.String()), zap.String("ip", id.IP))
		return
	}

	d.log.Warn("abuse signal recorded",
		zap.String("user_id", id.UserID.String()),
		zap.String("ip", id.IP),
		zap.String("severity", string(severity)),
		zap.String("reason", reason))

	score, err := d.score(ctx, id, now)
	if err != nil {
		d.log.Warn("abuse score after record failed", zap.Error(err))
		return
	}
	if score < d.cfg.AutoBlockThreshold {
		return
	}

	block := &Block{
		UserID:    id.UserID,
		IP:        id.IP,
		Reason:    "automatic block: abuse score exceeded",
		Automatic: true,
		ExpiresAt: now.Add(d.cfg.AutoBlockDuration),
	}
	if err := d.repo.InsertBlock(ctx, block); err != nil {
		d.log.Error("insert auto block", zap.Error(err))
		return
	}
	d.log.Warn("identity auto-blocked",
		zap.String("user_id", id.UserID.String()),
		zap.String("ip", id.IP),
		zap.Float64("score", score),
		zap.Time("expires_at", block.ExpiresAt))
}

// score sums the decayed weights of recent signals. A signal's weight
// falls linearly from its full value at age zero to nothing at the decay
// window boundary.
func (d *Detector) score(ctx context.Context, id identity.Identity, now time.Time) (float64, error) {
	records, err := d.repo.ListRecords(ctx, id.UserID, id.IP, now.Add(-d.cfg.DecayWindow))
	if err != nil {
		return 0, err
	}

	var total float64
	for _, record := range records {
		age := now.Sub(record.CreatedAt)
		if age < 0 {
			age = 0
		}
		remaining := 1 - age.Seconds()/d.cfg.DecayWindow.Seconds()
		if remaining <= 0 {
			continue
		}
		total += d.weight(record.Severity) * remaining
	}
	return total, nil
}

// weight returns the configured base score contribution of a severity.
func (d *Detector) weight(s Severity) float64 {
	switch s {
	case SeverityHigh:
		return d.cfg.WeightHigh
	case SeverityMedium:
		return d.cfg.WeightMedium
	case SeverityLow:
		return d.cfg.WeightLow
	}
	return 0
}
