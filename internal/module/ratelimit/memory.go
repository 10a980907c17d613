package ratelimit

import (
	"context"
	"sync"
	"time"
)

// memoryCounter is a mutex-guarded sliding window counter for single
// instance deployments and tests.
type memoryCounter struct {
	mu      sync.Mutex
	windows map[string][]time.Time
	now     func() time.Time
}

// NewMemoryCounter creates an in-process Counter.
func NewMemoryCounter() Counter {
	return &memoryCounter{
		windows: make(map[string][]time.Time),
		now:     time.Now,
	}
}

var _ Counter = (*memoryCounter)(nil)

func (c *memoryCounter) Hit(_ context.Context, key string, limit int, window time.Duration) (Decision, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	cutoff := now.Add(-window)

	entries := c.windows[key]
	kept := entries[:0]
	for _, ts := range entries {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= limit {
		c.windows[key] = kept
		return Decision{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: window - now.Sub(kept[0]),
		}, nil
	}

	kept = append(kept, now)
	c.windows[key] = kept
	return Decision{Allowed: true, Remaining: limit - len(kept)}, nil
}
