package generation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stylemirror/server/internal/adapter/storage"
	"github.com/stylemirror/server/internal/module/abuse"
	"github.com/stylemirror/server/internal/module/credit"
	"github.com/stylemirror/server/internal/module/identity"
	"github.com/stylemirror/server/internal/module/ratelimit"
	"github.com/stylemirror/server/internal/module/resultcache"
	"github.com/stylemirror/server/internal/module/signature"
	"github.com/stylemirror/server/internal/shared/config"
	apperrors "github.com/stylemirror/server/internal/shared/errors"
	"github.com/stylemirror/server/internal/shared/metrics"
)

// One registry per test binary; prometheus collectors register globally.
var testMetrics = metrics.New("generation_test")

// creditRepo is an in-memory credit.Repository.
type creditRepo struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]*credit.Account
	usage    map[string]*credit.UsageLogEntry
}

func newCreditRepo() *creditRepo {
	return &creditRepo{
		accounts: make(map[uuid.UUID]*credit.Account),
		usage:    make(map[string]*credit.UsageLogEntry),
	}
}

func (m *creditRepo) GetOrCreateAccount(_ context.Context, userID uuid.UUID, plan credit.Plan, balance int64, periodStart time.Time) (*credit.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.accounts[userID]; ok {
		copied := *existing
		return &copied, nil
	}
	account := &credit.Account{
		ID:          uuid.New(),
		UserID:      userID,
		Balance:     balance,
		Plan:        plan,
		PeriodStart: periodStart,
		Timezone:    "UTC",
	}
	m.accounts[userID] = account
	copied := *account
	return &copied, nil
}

func (m *creditRepo) ResetPeriod(_ context.Context, userID uuid.UUID, newBalance int64, newPeriodStart, prevPeriodStart time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.accounts[userID]
	if !ok || !account.PeriodStart.Equal(prevPeriodStart) {
		return false, nil
	}
	account.Balance = newBalance
	account.PeriodStart = newPeriodStart
	return true, nil
}

func (m *creditRepo) Deduct(_ context.Context, userID uuid.UUID, cost int64, entry *credit.UsageLogEntry) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.accounts[userID]
	if !ok {
		return 0, credit.ErrAccountNotFound
	}
	if account.Balance < cost {
		return 0, &credit.InsufficientCreditsError{Balance: account.Balance, Cost: cost}
	}
	account.Balance -= cost
	entry.UserID = userID
	entry.CreditsUsed = cost
	entry.Status = credit.UsageStatusPending
	copied := *entry
	m.usage[entry.RequestID] = &copied
	return account.Balance, nil
}

func (m *creditRepo) Refund(_ context.Context, userID uuid.UUID, requestID string) (bool, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.usage[requestID]
	if !ok || entry.UserID != userID || entry.Status == credit.UsageStatusRefunded {
		return false, 0, nil
	}
	entry.Status = credit.UsageStatusRefunded
	m.accounts[userID].Balance += entry.CreditsUsed
	return true, entry.CreditsUsed, nil
}

func (m *creditRepo) FinalizeUsage(_ context.Context, requestID string, status credit.UsageStatus, processingTime time.Duration, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.usage[requestID]
	if !ok || entry.Status != credit.UsageStatusPending {
		return credit.ErrUsageNotFound
	}
	entry.Status = status
	entry.ProcessingTimeMs = processingTime.Milliseconds()
	entry.ErrorMessage = errMsg
	return nil
}

func (m *creditRepo) GetUsage(_ context.Context, requestID string) (*credit.UsageLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.usage[requestID]
	if !ok {
		return nil, credit.ErrUsageNotFound
	}
	copied := *entry
	return &copied, nil
}

func (m *creditRepo) ListUsage(_ context.Context, userID uuid.UUID, limit int) ([]*credit.UsageLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*credit.UsageLogEntry
	for _, entry := range m.usage {
		if entry.UserID == userID && len(out) < limit {
			copied := *entry
			out = append(out, &copied)
		}
	}
	return out, nil
}

var _ credit.Repository = (*creditRepo)(nil)

// abuseRepo is an in-memory abuse.Repository.
type abuseRepo struct {
	mu      sync.Mutex
	records []*abuse.Record
	blocks  []*abuse.Block
}

func (m *abuseRepo) InsertRecord(_ context.Context, record *abuse.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, record)
	return nil
}

func (m *abuseRepo) ListRecords(_ context.Context, userID uuid.UUID, ip string, since time.Time) ([]*abuse.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*abuse.Record
	for _, r := range m.records {
		if (r.UserID == userID || r.IP == ip) && !r.CreatedAt.Before(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *abuseRepo) ActiveBlock(_ context.Context, userID uuid.UUID, ip string, now time.Time) (*abuse.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.blocks {
		if (b.UserID == userID || b.IP == ip) && b.Active(now) {
			return b, nil
		}
	}
	return nil, nil
}

func (m *abuseRepo) InsertBlock(_ context.Context, block *abuse.Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks = append(m.blocks, block)
	return nil
}

var _ abuse.Repository = (*abuseRepo)(nil)

// cacheRepo is an in-memory resultcache.Repository.
type cacheRepo struct {
	mu      sync.Mutex
	entries map[string]*resultcache.Entry
}

func newCacheRepo() *cacheRepo {
	return &cacheRepo{entries: make(map[string]*resultcache.Entry)}
}

func (m *cacheRepo) Get(_ context.Context, fingerprint string) (*resultcache.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[fingerprint]
	if !ok {
		return nil, resultcache.ErrEntryNotFound
	}
	copied := *entry
	return &copied, nil
}

func (m *cacheRepo) Upsert(_ context.Context, entry *resultcache.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *entry
	m.entries[entry.Fingerprint] = &copied
	return nil
}

func (m *cacheRepo) Touch(_ context.Context, fingerprint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.entries[fingerprint]; ok {
		entry.AccessCount++
	}
	return nil
}

func (m *cacheRepo) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	return 0, nil
}

var _ resultcache.Repository = (*cacheRepo)(nil)

// artifactStore is an in-memory storage.Store minting distinct URLs.
type artifactStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	presigns int
}

func newArtifactStore() *artifactStore {
	return &artifactStore{objects: make(map[string][]byte)}
}

func (m *artifactStore) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return key, nil
}

func (m *artifactStore) PresignGet(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; !ok {
		return "", errors.New("no such object")
	}
	m.presigns++
	return fmt.Sprintf("https://cdn.example.com/%s?sig=%d", key, m.presigns), nil
}

var _ storage.Store = (*artifactStore)(nil)

// immediateProvider returns a finished artifact on submit.
type immediateProvider struct {
	submits int
	fail    bool
}

func (p *immediateProvider) Name() string { return "immediate" }

func (p *immediateProvider) Submit(context.Context, *ProviderRequest) (*SubmitResult, error) {
	p.submits++
	if p.fail {
		return nil, errors.New("upstream 500")
	}
	return &SubmitResult{Output: &Output{
		ArtifactURL: "https://provider.example.com/out.png",
		ContentType: "image/png",
	}}, nil
}

func (p *immediateProvider) Status(context.Context, string) (*JobStatus, error) {
	return nil, errors.New("no jobs")
}

func (p *immediateProvider) FetchArtifact(context.Context, string) ([]byte, string, error) {
	return []byte("png-bytes"), "image/png", nil
}

type testEnv struct {
	service    *Service
	ledger     *credit.Service
	creditRepo *creditRepo
	abuseRepo  *abuseRepo
	cacheRepo  *cacheRepo
	store      *artifactStore
	verifier   *signature.Verifier
	recorder   *Recorder
	provider   Provider
}

func newTestEnv(t *testing.T, provider Provider) *testEnv {
	t.Helper()
	log := zap.NewNop()

	cRepo := newCreditRepo()
	ledger := credit.NewService(cRepo,
		credit.CostTable{TryOn: 2, Video: 10, Model3D: 5},
		credit.Allotments{Free: 10, Paid: 200}, log)

	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryCounter(), &config.RateLimitConfig{
		GlobalCeiling: 100,
		GlobalWindow:  time.Minute,
		Window:        time.Minute,
		LimitTryOn:    6,
		LimitVideo:    2,
		LimitModel3D:  3,
	}, log)

	aRepo := &abuseRepo{}
	detector := abuse.NewDetector(aRepo, &config.AbuseConfig{
		WeightHigh:         30,
		WeightMedium:       10,
		WeightLow:          3,
		DecayWindow:        time.Hour,
		BlockThreshold:     60,
		AutoBlockThreshold: 100,
		AutoBlockDuration:  24 * time.Hour,
	}, log)

	verifier := signature.NewVerifier(&config.SignatureConfig{
		Secret:       "test-secret",
		MaxClockSkew: 5 * time.Minute,
	}, log)

	store := newArtifactStore()
	cacheR := newCacheRepo()
	cache := resultcache.NewService(cacheR, store, &config.CacheConfig{
		TTL:           7 * 24 * time.Hour,
		SweepInterval: time.Hour,
	}, log)

	registry := NewRegistry()
	registry.Register(credit.ActionTryOn, provider)
	registry.Register(credit.ActionVideo, provider)
	registry.Register(credit.ActionModel3D, provider)

	recorder := NewRecorder(ledger, log, 100)
	t.Cleanup(recorder.Close)

	poller := NewPoller(time.Millisecond, 5, log)

	service := NewService(ledger, limiter, detector, verifier, cache, store,
		registry, poller, recorder, testMetrics, log)

	return &testEnv{
		service:    service,
		ledger:     ledger,
		creditRepo: cRepo,
		abuseRepo:  aRepo,
		cacheRepo:  cacheR,
		store:      store,
		verifier:   verifier,
		recorder:   recorder,
		provider:   provider,
	}
}

func validRequest() *Request {
	return &Request{DressID: "dress-42", PersonImageURL: "https://u.example.com/me.jpg"}
}

func TestGenerateSuccessDeductsPersistsAndCaches(t *testing.T) {
	provider := &immediateProvider{}
	env := newTestEnv(t, provider)
	id := identity.Identity{UserID: uuid.New(), IP: "10.0.0.1"}

	result, err := env.service.Generate(context.Background(), id, credit.ActionTryOn, "req-1", validRequest(), Options{})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.False(t, result.Cached)
	assert.Contains(t, result.Result.URL, "results/"+id.UserID.String()+"/req-1.png")
	assert.Equal(t, 1, provider.submits)

	account, err := env.ledger.Account(context.Background(), id.UserID)
	require.NoError(t, err)
	assert.Equal(t, int64(8), account.Balance)

	// Success finalization is asynchronous; flush it.
	env.recorder.Close()
	entry, err := env.ledger.Usage(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, credit.UsageStatusSuccess, entry.Status)
}

func TestGenerateSecondIdenticalRequestHitsCacheAndRefunds(t *testing.T) {
	provider := &immediateProvider{}
	env := newTestEnv(t, provider)
	id := identity.Identity{UserID: uuid.New(), IP: "10.0.0.1"}

	first, err := env.service.Generate(context.Background(), id, credit.ActionTryOn, "req-1", validRequest(), Options{})
	require.NoError(t, err)

	second, err := env.service.Generate(context.Background(), id, credit.ActionTryOn, "req-2", validRequest(), Options{})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, 1, provider.submits, "cache hit must not touch the provider")
	assert.NotEqual(t, first.Result.URL, second.Result.URL, "each read mints its own signed URL")

	// The hit was refunded: only the first request is paid for.
	account, err := env.ledger.Account(context.Background(), id.UserID)
	require.NoError(t, err)
	assert.Equal(t, int64(8), account.Balance)

	entry, err := env.ledger.Usage(context.Background(), "req-2")
	require.NoError(t, err)
	assert.Equal(t, credit.UsageStatusRefunded, entry.Status)
}

func TestGenerateBlockedIdentityIsRejectedAndRecorded(t *testing.T) {
	env := newTestEnv(t, &immediateProvider{})
	id := identity.Identity{UserID: uuid.New(), IP: "10.0.0.1"}

	env.abuseRepo.blocks = append(env.abuseRepo.blocks, &abuse.Block{
		UserID:    id.UserID,
		IP:        id.IP,
		Reason:    "manual block",
		ExpiresAt: time.Now().Add(time.Hour),
	})

	_, err := env.service.Generate(context.Background(), id, credit.ActionTryOn, "req-1", validRequest(), Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrBlocked))

	// The retry against the block is itself an abuse signal.
	require.Len(t, env.abuseRepo.records, 1)
	assert.Equal(t, abuse.SeverityMedium, env.abuseRepo.records[0].Severity)
	assert.Equal(t, "blocked identity retry", env.abuseRepo.records[0].Reason)

	// The ledger stays untouched.
	_, err = env.ledger.Usage(context.Background(), "req-1")
	assert.ErrorIs(t, err, credit.ErrUsageNotFound)
	assert.Empty(t, env.creditRepo.accounts, "no account may be created for a rejected request")
}

func TestGenerateInvalidSignatureIsRejectedAndRecorded(t *testing.T) {
	env := newTestEnv(t, &immediateProvider{})
	id := identity.Identity{UserID: uuid.New(), IP: "10.0.0.1"}

	_, err := env.service.Generate(context.Background(), id, credit.ActionTryOn, "req-1", validRequest(), Options{
		SignatureHeader: "t=123,s=deadbeef",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidSignature))

	require.Len(t, env.abuseRepo.records, 1)
	assert.Equal(t, abuse.SeverityHigh, env.abuseRepo.records[0].Severity)

	_, err = env.ledger.Usage(context.Background(), "req-1")
	assert.ErrorIs(t, err, credit.ErrUsageNotFound)
}

func TestGenerateValidSignaturePasses(t *testing.T) {
	env := newTestEnv(t, &immediateProvider{})
	id := identity.Identity{UserID: uuid.New(), IP: "10.0.0.1"}

	ts := time.Now().Unix()
	header := fmt.Sprintf("t=%d,s=%s", ts, env.verifier.Sign(id, "tryon", ts))

	result, err := env.service.Generate(context.Background(), id, credit.ActionTryOn, "req-1", validRequest(), Options{
		SignatureHeader: header,
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestGenerateRateLimitRejectsBeforeDeduction(t *testing.T) {
	env := newTestEnv(t, &immediateProvider{})
	id := identity.Identity{UserID: uuid.New(), IP: "10.0.0.1"}

	// A well-funded account, so the window is the only gate in play.
	_, err := env.ledger.Account(context.Background(), id.UserID)
	require.NoError(t, err)
	env.creditRepo.mu.Lock()
	env.creditRepo.accounts[id.UserID].Balance = 100
	env.creditRepo.mu.Unlock()

	// Distinct person images dodge the result cache; videos allow 2/min.
	for i := 0; i < 2; i++ {
		req := &Request{DressID: "d1", PersonImageURL: fmt.Sprintf("https://u.example.com/%d.jpg", i)}
		_, err := env.service.Generate(context.Background(), id, credit.ActionVideo, fmt.Sprintf("req-%d", i), req, Options{})
		require.NoError(t, err)
	}

	balanceBefore, err := env.ledger.Account(context.Background(), id.UserID)
	require.NoError(t, err)

	_, err = env.service.Generate(context.Background(), id, credit.ActionVideo, "req-over", validRequest(), Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrRateLimited))

	balanceAfter, err := env.ledger.Account(context.Background(), id.UserID)
	require.NoError(t, err)
	assert.Equal(t, balanceBefore.Balance, balanceAfter.Balance, "rejected request must not touch credits")
	_, err = env.ledger.Usage(context.Background(), "req-over")
	assert.ErrorIs(t, err, credit.ErrUsageNotFound)
}

func TestGenerateInsufficientCreditsReportsBalanceAndCost(t *testing.T) {
	env := newTestEnv(t, &immediateProvider{})
	id := identity.Identity{UserID: uuid.New(), IP: "10.0.0.1"}

	// Free allotment 10: one video drains it.
	req := &Request{DressID: "d1", PersonImageURL: "https://u.example.com/a.jpg"}
	_, err := env.service.Generate(context.Background(), id, credit.ActionVideo, "req-1", req, Options{})
	require.NoError(t, err)

	req2 := &Request{DressID: "d1", PersonImageURL: "https://u.example.com/b.jpg"}
	_, err = env.service.Generate(context.Background(), id, credit.ActionVideo, "req-2", req2, Options{})
	require.Error(t, err)

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 429, appErr.StatusCode)
	assert.Equal(t, int64(0), appErr.Details["credits_remaining"])
	assert.Equal(t, int64(10), appErr.Details["credits_required"])
}

func TestGenerateValidationFailureRefunds(t *testing.T) {
	env := newTestEnv(t, &immediateProvider{})
	id := identity.Identity{UserID: uuid.New(), IP: "10.0.0.1"}

	_, err := env.service.Generate(context.Background(), id, credit.ActionTryOn, "req-1", &Request{}, Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrValidation))

	account, err := env.ledger.Account(context.Background(), id.UserID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), account.Balance, "validation failure must refund the deduction")

	entry, err := env.ledger.Usage(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, credit.UsageStatusRefunded, entry.Status)
}

func TestGeneratePollTimeoutRefundsAndRecordsFailure(t *testing.T) {
	// Provider never leaves pending; the poll budget is 5 attempts.
	provider := &scriptedProvider{}
	env := newTestEnv(t, provider)
	id := identity.Identity{UserID: uuid.New(), IP: "10.0.0.1"}

	_, err := env.service.Generate(context.Background(), id, credit.ActionTryOn, "req-1", validRequest(), Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrProviderTimeout))

	account, err := env.ledger.Account(context.Background(), id.UserID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), account.Balance)

	entry, err := env.ledger.Usage(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, credit.UsageStatusRefunded, entry.Status)
	assert.NotEmpty(t, entry.ErrorMessage)
}

func TestGenerateProviderFailureRefunds(t *testing.T) {
	env := newTestEnv(t, &immediateProvider{fail: true})
	id := identity.Identity{UserID: uuid.New(), IP: "10.0.0.1"}

	_, err := env.service.Generate(context.Background(), id, credit.ActionTryOn, "req-1", validRequest(), Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrProvider))

	account, err := env.ledger.Account(context.Background(), id.UserID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), account.Balance)
}

func TestGenerateBypassSkipsSettlement(t *testing.T) {
	provider := &immediateProvider{}
	env := newTestEnv(t, provider)
	id := identity.Identity{UserID: uuid.New(), IP: "10.0.0.1"}

	result, err := env.service.Generate(context.Background(), id, credit.ActionTryOn, "req-1", validRequest(), Options{
		BypassCredits: true,
	})
	require.NoError(t, err)
	assert.True(t, result.Success)

	_, err = env.ledger.Usage(context.Background(), "req-1")
	assert.ErrorIs(t, err, credit.ErrUsageNotFound, "bypassed requests have no usage entry")
}
