// Package ratelimit admits or rejects outbound deliveries per destination.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter decides whether a destination may receive another request right now.
// Implementations never block. An rps of zero or less means unlimited.
type Limiter interface {
	Allow(ctx context.Context, destinationID string, rps int) (bool, error)
}

// Registry is a process-local Limiter holding one token bucket per destination.
// Buckets start full and refill completely once per elapsed second.
type Registry struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	mu       sync.Mutex
	capacity int
	tokens   int
	window   time.Time
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow consumes one token for destinationID if one is available.
func (r *Registry) Allow(_ context.Context, destinationID string, rps int) (bool, error) {
	if rps <= 0 {
		return true, nil
	}

	b := r.bucketFor(destinationID, rps)
	now := r.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.capacity != rps {
		b.capacity = rps
		if b.tokens > rps {
			b.tokens = rps
		}
	}
	if now.Sub(b.window) >= time.Second {
		b.tokens = b.capacity
		b.window = now
	}
	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

func (r *Registry) bucketFor(destinationID string, rps int) *bucket {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.buckets[destinationID]
	if !ok {
		b = &bucket{capacity: rps, tokens: rps, window: r.now()}
		r.buckets[destinationID] = b
	}
	return b
}
