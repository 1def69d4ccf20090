package governance

import (
	"slices"
)

// SecurityLevel is the coarse permission tier of a runtime context.
type SecurityLevel string

const (
	// SecurityPure permits no capability calls.
	SecurityPure SecurityLevel = "pure"
	// SecurityControlled permits only the allow-listed capabilities.
	SecurityControlled SecurityLevel = "controlled"
	// SecurityFull permits every registered capability.
	SecurityFull SecurityLevel = "full"
)

// RuntimeContext is the caller-supplied envelope a plan runs in.
type RuntimeContext struct {
	Level SecurityLevel
	// Allowed holds capability globs for SecurityControlled.
	Allowed []string
	// Approved holds capability ids a human has already approved.
	Approved  []string
	SessionID string
}

func Pure() RuntimeContext { return RuntimeContext{Level: SecurityPure} }

func Controlled(allowed ...string) RuntimeContext {
	return RuntimeContext{Level: SecurityControlled, Allowed: allowed}
}

func Full() RuntimeContext { return RuntimeContext{Level: SecurityFull} }

// WithApproved returns a copy with ids added to the approved set.
func (rc RuntimeContext) WithApproved(ids ...string) RuntimeContext {
	rc.Approved = append(slices.Clone(rc.Approved), ids...)
	return rc
}

// IsCapabilityAllowed reports whether the context's level admits id.
// An empty level is treated as Pure.
func (rc RuntimeContext) IsCapabilityAllowed(id string) bool {
	switch rc.Level {
	case SecurityFull:
		return true
	case SecurityControlled:
		for _, p := range rc.Allowed {
			if MatchPattern(id, p) {
				return true
			}
		}
	}
	return false
}

func (rc RuntimeContext) isApproved(id string) bool {
	return slices.Contains(rc.Approved, id)
}
