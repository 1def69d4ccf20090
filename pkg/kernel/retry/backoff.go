// Package retry computes deterministic backoff schedules for retrying capability calls.
//
// The orchestrator only retries when a plan step asks for it and the failure
// is classified RETRYABLE. Delays depend on the plan, step and attempt alone,
// so a replayed plan waits exactly as the original did.
package retry

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/Mindburn-Labs/ccos/core/pkg/kernel/errorir"
)

// maxShift caps the exponent so BaseMs<<shift cannot overflow.
const maxShift = 30

// BackoffParams identifies the step being retried. AttemptIndex 0 is the
// first call.
type BackoffParams struct {
	PlanID       string
	StepName     string
	CapabilityID string
	AttemptIndex int
}

// BackoffPolicy shapes the delays: BaseMs doubles per attempt up to MaxMs,
// plus up to MaxJitterMs of jitter derived from the params.
type BackoffPolicy struct {
	PolicyID    string
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	MaxAttempts int
}

// DefaultPolicy is used when a plan asks for retries without tuning the delays.
func DefaultPolicy(maxAttempts int) BackoffPolicy {
	return BackoffPolicy{PolicyID: "default", BaseMs: 100, MaxMs: 5000, MaxJitterMs: 50, MaxAttempts: maxAttempts}
}

// Delay is the wait before attempt params.AttemptIndex.
func Delay(params BackoffParams, policy BackoffPolicy) time.Duration {
	shift := min(max(params.AttemptIndex, 0), maxShift)
	ms := min(policy.BaseMs<<shift, policy.MaxMs)
	return time.Duration(ms+jitter(params, policy)) * time.Millisecond
}

// jitter hashes the policy and params into [0, MaxJitterMs).
func jitter(params BackoffParams, policy BackoffPolicy) int64 {
	if policy.MaxJitterMs <= 0 {
		return 0
	}
	key := strings.Join([]string{
		policy.PolicyID, params.PlanID, params.StepName, params.CapabilityID, strconv.Itoa(params.AttemptIndex),
	}, ":")
	sum := sha256.Sum256([]byte(key))
	return int64(binary.BigEndian.Uint64(sum[:8]) % uint64(policy.MaxJitterMs)) //nolint:gosec // MaxJitterMs checked positive
}

// Backoff walks one step's delays and returns backoff.Stop once MaxAttempts
// calls have been made.
type Backoff struct {
	params  BackoffParams
	policy  BackoffPolicy
	attempt int
}

var _ backoff.BackOff = (*Backoff)(nil)

func NewBackoff(params BackoffParams, policy BackoffPolicy) *Backoff {
	return &Backoff{params: params, policy: policy}
}

func (b *Backoff) NextBackOff() time.Duration {
	if b.attempt+1 >= max(b.policy.MaxAttempts, 1) {
		return backoff.Stop
	}
	b.attempt++
	p := b.params
	p.AttemptIndex = b.attempt
	return Delay(p, b.policy)
}

func (b *Backoff) Reset() { b.attempt = 0 }

// Sleeper waits for d or until ctx is done. Tests swap it for a recorder.
type Sleeper func(ctx context.Context, d time.Duration) error

// ContextSleep is the production Sleeper.
func ContextSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do calls fn until it succeeds, fails with a non-retryable error, or the
// policy runs out of attempts. It also reports how many calls were made.
func Do[T any](ctx context.Context, params BackoffParams, policy BackoffPolicy, sleep Sleeper, fn func(ctx context.Context) (T, error)) (T, int, error) {
	if sleep == nil {
		sleep = ContextSleep
	}
	var b backoff.BackOff = NewBackoff(params, policy)
	for calls := 1; ; calls++ {
		out, err := fn(ctx)
		if err == nil || !errorir.IsRetryable(err) {
			return out, calls, err
		}
		next := b.NextBackOff()
		if next == backoff.Stop {
			return out, calls, err
		}
		if serr := sleep(ctx, next); serr != nil {
			return out, calls, serr
		}
	}
}
