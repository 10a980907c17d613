package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/stylemirror/server/internal/shared/config"
)

// maxArtifactBytes bounds artifact downloads. Provider videos top out
// well under this.
const maxArtifactBytes = 256 << 20

// HTTPProvider talks to the generation provider's REST API. One
// instance serves all three actions; the API distinguishes them by
// path.
type HTTPProvider struct {
	client  *http.Client
	baseURL string
	apiKey  string
}

// NewHTTPProvider creates the REST provider adapter.
func NewHTTPProvider(cfg *config.ProviderConfig) *HTTPProvider {
	return &HTTPProvider{
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
	}
}

var _ Provider = (*HTTPProvider)(nil)

// Name returns the provider name.
func (p *HTTPProvider) Name() string {
	return "stylemirror-http"
}

type submitPayload struct {
	RequestID       string `json:"request_id"`
	DressID         string `json:"dress_id,omitempty"`
	GarmentImageURL string `json:"garment_image_url,omitempty"`
	PersonImageURL  string `json:"person_image_url"`
}

type submitEnvelope struct {
	JobID string `json:"job_id,omitempty"`
	Error *struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

// Submit posts the generation request. A 200 body either carries the
// finished artifact in one of the known output shapes or a job id to
// poll.
func (p *HTTPProvider) Submit(ctx context.Context, req *ProviderRequest) (*SubmitResult, error) {
	body, err := json.Marshal(submitPayload{
		RequestID:       req.RequestID,
		DressID:         req.DressID,
		GarmentImageURL: req.GarmentImageURL,
		PersonImageURL:  req.PersonImageURL,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/%s", p.baseURL, req.Action)
	raw, err := p.do(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	var envelope submitEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if envelope.Error != nil {
		return nil, fmt.Errorf("provider error: %s", envelope.Error.Message)
	}
	if envelope.JobID != "" {
		return &SubmitResult{JobID: envelope.JobID}, nil
	}

	output, err := extractOutput(raw, fallbackContentType(req.Action))
	if err != nil {
		return nil, err
	}
	return &SubmitResult{Output: output}, nil
}

type statusEnvelope struct {
	Status string `json:"status"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Status polls the job status endpoint.
func (p *HTTPProvider) Status(ctx context.Context, jobID string) (*JobStatus, error) {
	url := fmt.Sprintf("%s/v1/jobs/%s", p.baseURL, jobID)
	raw, err := p.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	var envelope statusEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("unmarshal status: %w", err)
	}

	switch envelope.Status {
	case "completed", "succeeded":
		output, err := extractOutput(raw, "")
		if err != nil {
			return nil, fmt.Errorf("completed job without output: %w", err)
		}
		return &JobStatus{State: JobStateCompleted, Output: output}, nil
	case "failed", "error", "cancelled":
		message := "generation failed"
		if envelope.Error != nil && envelope.Error.Message != "" {
			message = envelope.Error.Message
		}
		return &JobStatus{State: JobStateFailed, Message: message}, nil
	default:
		// pending, queued, processing and anything unknown keep polling.
		return &JobStatus{State: JobStatePending}, nil
	}
}

// FetchArtifact downloads the finished artifact from the provider's
// short-lived URL.
func (p *HTTPProvider) FetchArtifact(ctx context.Context, artifactURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, artifactURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch artifact: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetch artifact: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxArtifactBytes))
	if err != nil {
		return nil, "", fmt.Errorf("read artifact: %w", err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func (p *HTTPProvider) do(ctx context.Context, method, url string, body io.Reader) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return raw, nil
}
