package governance

import (
	"fmt"

	"github.com/Mindburn-Labs/ccos/core/pkg/orchestrator"
)

// ValidateHints checks a plan's execution hints against the policies.
func ValidateHints(h orchestrator.Hints, p HintPolicies) error {
	if h.Retry != nil {
		if h.Retry.MaxRetries < 0 {
			return fmt.Errorf("execution hint violated: negative retry count %d", h.Retry.MaxRetries)
		}
		if h.Retry.MaxRetries > p.MaxRetries {
			return fmt.Errorf("execution hint violated: retry max_retries=%d exceeds policy limit of %d",
				h.Retry.MaxRetries, p.MaxRetries)
		}
	}
	if h.Timeout != nil {
		if h.Timeout.Multiplier > p.MaxTimeoutMultiplier {
			return fmt.Errorf("execution hint violated: timeout multiplier=%.1f exceeds policy limit of %.1f",
				h.Timeout.Multiplier, p.MaxTimeoutMultiplier)
		}
		if h.Timeout.AbsoluteMs > p.MaxAbsoluteTimeoutMs {
			return fmt.Errorf("execution hint violated: absolute timeout=%dms exceeds policy limit of %dms",
				h.Timeout.AbsoluteMs, p.MaxAbsoluteTimeoutMs)
		}
	}
	if h.Fallback != nil && p.RequireApprovedFallbacks {
		for _, pattern := range p.AllowedFallbackPatterns {
			if MatchPattern(h.Fallback.Capability, pattern) {
				return nil
			}
		}
		return fmt.Errorf("execution hint violated: fallback capability '%s' not in allowed list", h.Fallback.Capability)
	}
	return nil
}
