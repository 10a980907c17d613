package generation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "github.com/stylemirror/server/internal/shared/errors"
)

// scriptedProvider serves a fixed sequence of status responses.
type scriptedProvider struct {
	statuses []*JobStatus
	errs     []error
	calls    int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Submit(context.Context, *ProviderRequest) (*SubmitResult, error) {
	return &SubmitResult{JobID: "job-1"}, nil
}

func (p *scriptedProvider) Status(context.Context, string) (*JobStatus, error) {
	i := p.calls
	p.calls++
	if i < len(p.errs) && p.errs[i] != nil {
		return nil, p.errs[i]
	}
	if i < len(p.statuses) {
		return p.statuses[i], nil
	}
	return &JobStatus{State: JobStatePending}, nil
}

func (p *scriptedProvider) FetchArtifact(context.Context, string) ([]byte, string, error) {
	return []byte("artifact"), "image/png", nil
}

var _ Provider = (*scriptedProvider)(nil)

func TestPollerReturnsOutputOnCompletion(t *testing.T) {
	provider := &scriptedProvider{statuses: []*JobStatus{
		{State: JobStatePending},
		{State: JobStatePending},
		{State: JobStateCompleted, Output: &Output{ArtifactURL: "https://p.example.com/a.png"}},
	}}
	poller := NewPoller(time.Millisecond, 10, zap.NewNop())

	output, err := poller.Run(context.Background(), provider, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "https://p.example.com/a.png", output.ArtifactURL)
	assert.Equal(t, 3, provider.calls)
}

func TestPollerReturnsTimeoutWhenBudgetExhausted(t *testing.T) {
	provider := &scriptedProvider{}
	poller := NewPoller(time.Millisecond, 5, zap.NewNop())

	_, err := poller.Run(context.Background(), provider, "job-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrProviderTimeout))
	assert.Equal(t, 5, provider.calls)
}

func TestPollerReportsTerminalFailure(t *testing.T) {
	provider := &scriptedProvider{statuses: []*JobStatus{
		{State: JobStatePending},
		{State: JobStateFailed, Message: "nsfw content rejected"},
	}}
	poller := NewPoller(time.Millisecond, 10, zap.NewNop())

	_, err := poller.Run(context.Background(), provider, "job-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrJobFailed))
	assert.Contains(t, err.Error(), "nsfw content rejected")
}

func TestPollerSurvivesTransientPollErrors(t *testing.T) {
	provider := &scriptedProvider{
		errs: []error{errors.New("i/o timeout"), nil},
		statuses: []*JobStatus{
			nil,
			{State: JobStateCompleted, Output: &Output{ArtifactURL: "https://p.example.com/a.png"}},
		},
	}
	poller := NewPoller(time.Millisecond, 10, zap.NewNop())

	output, err := poller.Run(context.Background(), provider, "job-1")
	require.NoError(t, err)
	assert.NotNil(t, output)
}

func TestPollerStopsOnContextCancel(t *testing.T) {
	provider := &scriptedProvider{}
	poller := NewPoller(50*time.Millisecond, 100, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := poller.Run(ctx, provider, "job-1")
	assert.ErrorIs(t, err, context.Canceled)
}
