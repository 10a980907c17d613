package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of one rate limit check.
type Decision struct {
	Allowed bool
	// Remaining is the number of requests still available in the window.
	Remaining int
	// RetryAfter is how long until the oldest counted request leaves the
	// window. Only meaningful when Allowed is false.
	RetryAfter time.Duration
}

// Counter counts requests in a rolling window. Implementations must be
// safe for concurrent use; the record-and-check must be a single step so
// two racing requests cannot both slip under the limit.
type Counter interface {
	// Hit records one request against key if the window has room,
	// returning the decision either way.
	Hit(ctx context.Context, key string, limit int, window time.Duration) (Decision, error)
}
