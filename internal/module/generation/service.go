package generation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/stylemirror/server/internal/adapter/storage"
	"github.com/stylemirror/server/internal/module/abuse"
	"github.com/stylemirror/server/internal/module/credit"
	"github.com/stylemirror/server/internal/module/identity"
	"github.com/stylemirror/server/internal/module/ratelimit"
	"github.com/stylemirror/server/internal/module/resultcache"
	"github.com/stylemirror/server/internal/module/signature"
	apperrors "github.com/stylemirror/server/internal/shared/errors"
	"github.com/stylemirror/server/internal/shared/metrics"
)

// Options carry the per-request admission inputs that arrive as headers.
type Options struct {
	SignatureHeader string
	// BypassCredits skips deduction and settlement. The handler only
	// sets it outside production.
	BypassCredits bool
}

// Service is the orchestrator: one fixed admission and settlement
// pipeline wrapped around the slow generation provider. The stage order
// is load-bearing; cheap checks run before anything that costs money,
// and the deduction happens before any provider work so a crash can
// only ever err in the user's favor after a refund.
type Service struct {
	ledger   *credit.Service
	limiter  *ratelimit.Limiter
	detector *abuse.Detector
	verifier *signature.Verifier
	cache    *resultcache.Service
	store    storage.Store
	registry *Registry
	poller   *Poller
	recorder *Recorder
	metrics  *metrics.Metrics
	log      *zap.Logger
	now      func() time.Time
}

// NewService creates the generation orchestrator.
func NewService(
	ledger *credit.Service,
	limiter *ratelimit.Limiter,
	detector *abuse.Detector,
	verifier *signature.Verifier,
	cache *resultcache.Service,
	store storage.Store,
	registry *Registry,
	poller *Poller,
	recorder *Recorder,
	m *metrics.Metrics,
	log *zap.Logger,
) *Service {
	return &Service{
		ledger:   ledger,
		limiter:  limiter,
		detector: detector,
		verifier: verifier,
		cache:    cache,
		store:    store,
		registry: registry,
		poller:   poller,
		recorder: recorder,
		metrics:  m,
		log:      log,
		now:      time.Now,
	}
}

// Generate runs one generation request through the pipeline.
func (s *Service) Generate(ctx context.Context, id identity.Identity, action credit.Action, requestID string, req *Request, opts Options) (*Result, error) {
	start := s.now()
	log := s.log.With(
		zap.String("request_id", requestID),
		zap.String("user_id", id.UserID.String()),
		zap.String("action", string(action)))

	// Admission gates, cheapest first. A retry against an active block
	// is itself a signal; it keeps the rolling score warm.
	if check := s.detector.Check(ctx, id); check.Blocked {
		s.detector.Record(ctx, id, abuse.SeverityMedium, "blocked identity retry", string(action))
		s.metrics.RecordRejection(string(action), "blocked")
		return nil, apperrors.Blocked(check.Reason)
	}

	if s.verifier.Verify(id, string(action), opts.SignatureHeader) == signature.StatusInvalid {
		s.detector.Record(ctx, id, abuse.SeverityHigh, "invalid request signature", string(action))
		s.metrics.RecordRejection(string(action), "signature")
		return nil, apperrors.InvalidSignature()
	}

	if err := s.limiter.AllowGlobal(ctx); err != nil {
		s.metrics.RecordRejection(string(action), "service_busy")
		return nil, err
	}
	if err := s.limiter.AllowIdentity(ctx, id, action); err != nil {
		s.detector.Record(ctx, id, abuse.SeverityLow, "rate limit exceeded", string(action))
		s.metrics.RecordRejection(string(action), "rate_limited")
		return nil, err
	}

	// Deduction. From here on, every failure path must refund.
	deducted := false
	if !opts.BypassCredits {
		result, err := s.ledger.Deduct(ctx, id.UserID, action, requestID)
		if err != nil {
			var insufficient *credit.InsufficientCreditsError
			if errors.As(err, &insufficient) {
				s.detector.Record(ctx, id, abuse.SeverityLow, "credit exhaustion", string(action))
				s.metrics.RecordRejection(string(action), "credits")
				return nil, apperrors.InsufficientCredits(insufficient.Balance, insufficient.Cost)
			}
			log.Error("credit deduction failed", zap.Error(err))
			return nil, apperrors.Internal("", err)
		}
		deducted = true
		s.metrics.RecordDeduction(string(action), result.Cost)
	} else {
		log.Info("credit deduction bypassed")
	}

	// Validation runs after the deduction; a rejected request refunds
	// like any other post-deduction failure.
	if vErr := req.Validate(); vErr != nil {
		s.detector.Record(ctx, id, abuse.SeverityMedium, "malformed generation request", string(action))
		s.settleFailure(ctx, id, action, requestID, start, vErr.Message, deducted)
		return nil, vErr
	}

	fingerprint := resultcache.Fingerprint(id.UserID, action, req.GarmentKey(), req.PersonKey())
	if hit, ok := s.cache.Lookup(ctx, fingerprint); ok {
		s.metrics.RecordCacheHit(string(action))
		if deducted {
			if err := s.ledger.Refund(ctx, id.UserID, requestID); err != nil {
				log.Error("cache hit refund failed", zap.Error(err))
			} else {
				s.metrics.RecordRefund(string(action), "cache_hit", s.ledger.Cost(action))
			}
		}
		elapsed := s.now().Sub(start)
		s.metrics.RecordGeneration(string(action), "cached", elapsed)
		log.Info("generation served from cache", zap.Int64("timing_ms", elapsed.Milliseconds()))
		return &Result{
			Success:  true,
			Cached:   true,
			TimingMs: elapsed.Milliseconds(),
			Result: ResultPayload{
				URL:         hit.URL,
				ContentType: hit.ContentType,
				RequestID:   requestID,
			},
		}, nil
	}
	s.metrics.RecordCacheMiss(string(action))

	output, err := s.generate(ctx, action, requestID, req, log)
	if err != nil {
		s.settleFailure(ctx, id, action, requestID, start, err.Error(), deducted)
		return nil, err
	}

	storagePath, contentType, err := s.persistArtifact(ctx, id, action, requestID, output)
	if err != nil {
		log.Error("persist artifact failed", zap.Error(err))
		s.settleFailure(ctx, id, action, requestID, start, err.Error(), deducted)
		return nil, apperrors.Storage(err)
	}

	url, err := s.store.PresignGet(ctx, storagePath)
	if err != nil {
		log.Error("presign artifact failed", zap.Error(err))
		s.settleFailure(ctx, id, action, requestID, start, err.Error(), deducted)
		return nil, apperrors.Storage(err)
	}

	// A cache write failure costs a future regeneration, not this
	// response.
	if err := s.cache.Write(ctx, fingerprint, id.UserID, action, storagePath, contentType); err != nil {
		log.Warn("result cache write failed", zap.Error(err))
	}

	elapsed := s.now().Sub(start)
	if deducted {
		s.recorder.RecordSuccess(requestID, elapsed)
	}
	s.metrics.RecordGeneration(string(action), "success", elapsed)
	log.Info("generation completed",
		zap.String("storage_path", storagePath),
		zap.Int64("timing_ms", elapsed.Milliseconds()))

	return &Result{
		Success:  true,
		Cached:   false,
		TimingMs: elapsed.Milliseconds(),
		Result: ResultPayload{
			URL:         url,
			ContentType: contentType,
			RequestID:   requestID,
		},
	}, nil
}

// generate submits to the provider and drives the job to completion.
func (s *Service) generate(ctx context.Context, action credit.Action, requestID string, req *Request, log *zap.Logger) (*Output, error) {
	provider, err := s.registry.For(action)
	if err != nil {
		return nil, apperrors.Internal("", err)
	}

	providerStart := s.now()
	submitted, err := provider.Submit(ctx, &ProviderRequest{
		Action:          action,
		RequestID:       requestID,
		DressID:         req.DressID,
		GarmentImageURL: req.GarmentImageURL,
		PersonImageURL:  req.PersonImageURL,
	})
	if err != nil {
		s.metrics.RecordProviderRequest(string(action), "error", s.now().Sub(providerStart))
		log.Error("provider submit failed", zap.Error(err))
		return nil, apperrors.Provider(err)
	}

	output := submitted.Output
	if output == nil {
		log.Info("provider returned job, polling", zap.String("job_id", submitted.JobID))
		output, err = s.poller.Run(ctx, provider, submitted.JobID)
		if err != nil {
			s.metrics.RecordProviderRequest(string(action), "error", s.now().Sub(providerStart))
			var appErr *apperrors.AppError
			if errors.As(err, &appErr) {
				return nil, appErr
			}
			return nil, apperrors.Provider(err)
		}
	}
	s.metrics.RecordProviderRequest(string(action), "ok", s.now().Sub(providerStart))
	return output, nil
}

// persistArtifact copies the provider artifact into the private bucket,
// keyed by identity and request id.
func (s *Service) persistArtifact(ctx context.Context, id identity.Identity, action credit.Action, requestID string, output *Output) (string, string, error) {
	provider, err := s.registry.For(action)
	if err != nil {
		return "", "", err
	}

	data, fetchedType, err := provider.FetchArtifact(ctx, output.ArtifactURL)
	if err != nil {
		return "", "", err
	}

	contentType := output.ContentType
	if fetchedType != "" {
		contentType = fetchedType
	}
	if contentType == "" {
		contentType = fallbackContentType(action)
	}

	key := fmt.Sprintf("results/%s/%s%s", id.UserID, requestID, extensionFor(contentType))
	storagePath, err := s.store.Put(ctx, key, data, contentType)
	if err != nil {
		return "", "", err
	}
	return storagePath, contentType, nil
}

// settleFailure records the failure on the usage entry and returns the
// credits. Both writes are synchronous; a failed request must see its
// balance restored before the error response leaves.
func (s *Service) settleFailure(ctx context.Context, id identity.Identity, action credit.Action, requestID string, start time.Time, errMsg string, deducted bool) {
	elapsed := s.now().Sub(start)
	s.metrics.RecordGeneration(string(action), "failed", elapsed)
	if !deducted {
		return
	}

	if err := s.ledger.FinalizeFailure(ctx, requestID, elapsed, errMsg); err != nil {
		s.log.Error("finalize failed usage entry",
			zap.Error(err), zap.String("request_id", requestID))
	}
	if err := s.ledger.Refund(ctx, id.UserID, requestID); err != nil {
		s.log.Error("refund after failure",
			zap.Error(err), zap.String("request_id", requestID))
		return
	}
	s.metrics.RecordRefund(string(action), "failure", s.ledger.Cost(action))
}

// extensionFor maps a content type to a storage key extension.
func extensionFor(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "video/mp4":
		return ".mp4"
	case "model/gltf-binary":
		return ".glb"
	default:
		return ""
	}
}
