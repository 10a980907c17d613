package generation

import (
	"github.com/stylemirror/server/internal/module/resultcache"
	apperrors "github.com/stylemirror/server/internal/shared/errors"
)

// Request is the body of a generation request. The garment comes either
// from the catalog (DressID) or as an uploaded image URL; exactly one
// must be present. The person image is always required.
type Request struct {
	DressID         string `json:"dress_id,omitempty"`
	GarmentImageURL string `json:"garment_image_url,omitempty"`
	PersonImageURL  string `json:"person_image_url"`
}

// Validate checks the request after admission. Validation runs after the
// deduction on purpose; a rejected request is refunded like any other
// post-deduction failure.
func (r *Request) Validate() *apperrors.AppError {
	if r.PersonImageURL == "" {
		return apperrors.Validation("person_image_url", "person image is required")
	}
	if r.DressID == "" && r.GarmentImageURL == "" {
		return apperrors.Validation("dress_id", "either dress_id or garment_image_url is required")
	}
	if r.DressID != "" && r.GarmentImageURL != "" {
		return apperrors.Validation("dress_id", "dress_id and garment_image_url are mutually exclusive")
	}
	return nil
}

// GarmentKey returns the garment half of the cache fingerprint: the
// catalog id when present, otherwise a content key of the upload.
func (r *Request) GarmentKey() string {
	if r.DressID != "" {
		return "dress:" + r.DressID
	}
	return "upload:" + resultcache.ContentKey([]byte(r.GarmentImageURL))
}

// PersonKey returns the person half of the cache fingerprint.
func (r *Request) PersonKey() string {
	return resultcache.ContentKey([]byte(r.PersonImageURL))
}

// Result is the success payload of a generation request.
type Result struct {
	Success  bool          `json:"success"`
	Result   ResultPayload `json:"result"`
	Cached   bool          `json:"cached"`
	TimingMs int64         `json:"timing_ms"`
}

// ResultPayload carries the artifact reference handed to the client. The
// URL is a short-lived signed URL, never the storage path itself.
type ResultPayload struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	RequestID   string `json:"request_id"`
}
