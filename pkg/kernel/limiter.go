// Package kernel holds shared runtime primitives used beneath the marketplace.
package kernel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/ccos/core/pkg/kernel/errorir"
)

// now is swapped in tests.
var now = time.Now

// BackpressurePolicy defines per-actor call limits. RPM is calls per minute.
type BackpressurePolicy struct {
	RPM   int `json:"rpm" yaml:"rpm" toml:"rpm"`
	Burst int `json:"burst" yaml:"burst" toml:"burst"`
}

// Enabled reports whether the policy limits anything.
func (p BackpressurePolicy) Enabled() bool {
	return p.RPM > 0
}

// LimiterStore abstracts the storage for rate limiting buckets.
type LimiterStore interface {
	// Allow checks if the actor may perform an action costing cost tokens.
	Allow(ctx context.Context, actorID string, policy BackpressurePolicy, cost int) (bool, error)
}

// EvaluateBackpressure checks if the actor is permitted to proceed.
// A nil store denies (fail closed).
func EvaluateBackpressure(ctx context.Context, store LimiterStore, actorID string, policy BackpressurePolicy) error {
	if store == nil {
		return errorir.RateLimited("backpressure: no limiter store configured")
	}

	allowed, err := store.Allow(ctx, actorID, policy, 1)
	if err != nil {
		return fmt.Errorf("backpressure check failed: %w", err)
	}
	if !allowed {
		return errorir.RateLimited("rate limit exceeded for %s", actorID)
	}
	return nil
}

// bucketParams converts a policy to a refill rate in tokens per second and a
// capacity. Unset fields fall back to one token per second and a burst of one.
func bucketParams(p BackpressurePolicy) (float64, int) {
	perSec := float64(p.RPM) / 60
	if perSec <= 0 {
		perSec = 1
	}
	return perSec, max(p.Burst, 1)
}

// InMemoryLimiterStore keeps one token bucket per actor in process memory.
type InMemoryLimiterStore struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func NewInMemoryLimiterStore() *InMemoryLimiterStore {
	return &InMemoryLimiterStore{
		buckets: make(map[string]*rate.Limiter),
	}
}

func (s *InMemoryLimiterStore) Allow(ctx context.Context, actorID string, policy BackpressurePolicy, cost int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lim, exists := s.buckets[actorID]
	if !exists {
		perSec, burst := bucketParams(policy)
		lim = rate.NewLimiter(rate.Limit(perSec), burst)
		s.buckets[actorID] = lim
	}

	return lim.AllowN(now(), cost), nil
}
