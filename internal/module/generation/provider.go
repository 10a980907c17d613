package generation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stylemirror/server/internal/module/credit"
)

// ProviderRequest is the normalized request handed to a provider.
type ProviderRequest struct {
	Action          credit.Action
	RequestID       string
	DressID         string
	GarmentImageURL string
	PersonImageURL  string
}

// Output is a normalized provider result: where the artifact lives on
// the provider side and what it is.
type Output struct {
	ArtifactURL string
	ContentType string
}

// JobState is the lifecycle state reported by the provider's status
// endpoint.
type JobState string

const (
	JobStatePending   JobState = "pending"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
)

// SubmitResult is the provider's answer to a submission: either an
// immediate output or a job id to poll.
type SubmitResult struct {
	JobID  string
	Output *Output
}

// JobStatus is one status poll observation.
type JobStatus struct {
	State   JobState
	Output  *Output
	Message string
}

// Provider is a generation backend for one or more actions.
type Provider interface {
	Name() string
	// Submit starts a generation, returning either the finished output
	// or a job id for polling.
	Submit(ctx context.Context, req *ProviderRequest) (*SubmitResult, error)
	// Status reports the current state of a submitted job.
	Status(ctx context.Context, jobID string) (*JobStatus, error)
	// FetchArtifact downloads the finished artifact bytes.
	FetchArtifact(ctx context.Context, artifactURL string) ([]byte, string, error)
}

// Registry maps actions to their provider.
type Registry struct {
	providers map[credit.Action]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[credit.Action]Provider)}
}

// Register binds a provider to an action.
func (r *Registry) Register(action credit.Action, provider Provider) {
	r.providers[action] = provider
}

// For returns the provider for an action.
func (r *Registry) For(action credit.Action) (Provider, error) {
	provider, ok := r.providers[action]
	if !ok {
		return nil, fmt.Errorf("no provider registered for action %q", action)
	}
	return provider, nil
}

// ErrNoOutput is reported by extractOutput when no known artifact field
// is present in a provider payload.
var errNoOutput = fmt.Errorf("no artifact in provider payload")

// extractOutput normalizes the artifact reference out of a provider
// payload. Providers name the field differently per action and API
// generation; every known shape is tried in a fixed order so the rest
// of the pipeline only ever sees an Output.
func extractOutput(raw json.RawMessage, fallbackContentType string) (*Output, error) {
	var payload struct {
		ResultURL string `json:"result_url"`
		VideoURL  string `json:"video_url"`
		ModelURL  string `json:"model_url"`
		Output    struct {
			URL         string `json:"url"`
			ContentType string `json:"content_type"`
		} `json:"output"`
		Images []struct {
			URL string `json:"url"`
		} `json:"images"`
		Data []struct {
			URL string `json:"url"`
		} `json:"data"`
		ContentType string `json:"content_type"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode provider payload: %w", err)
	}

	contentType := payload.ContentType
	if contentType == "" {
		contentType = payload.Output.ContentType
	}
	if contentType == "" {
		contentType = fallbackContentType
	}

	for _, url := range []string{
		payload.ResultURL,
		payload.VideoURL,
		payload.ModelURL,
		payload.Output.URL,
	} {
		if url != "" {
			return &Output{ArtifactURL: url, ContentType: contentType}, nil
		}
	}
	if len(payload.Images) > 0 && payload.Images[0].URL != "" {
		return &Output{ArtifactURL: payload.Images[0].URL, ContentType: contentType}, nil
	}
	if len(payload.Data) > 0 && payload.Data[0].URL != "" {
		return &Output{ArtifactURL: payload.Data[0].URL, ContentType: contentType}, nil
	}
	return nil, errNoOutput
}

// fallbackContentType returns the expected artifact type for an action,
// used when the provider omits it.
func fallbackContentType(action credit.Action) string {
	switch action {
	case credit.ActionVideo:
		return "video/mp4"
	case credit.ActionModel3D:
		return "model/gltf-binary"
	default:
		return "image/png"
	}
}
