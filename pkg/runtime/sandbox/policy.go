package sandbox

import (
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"time"
)

// Violation types recorded by the enforcer.
const (
	ViolationBoundary         = "CAPABILITY_BOUNDARY"
	ViolationNetworkDenied    = "NETWORK_DENY_ALL"
	ViolationNetworkNotListed = "NETWORK_NOT_ALLOWED"
	ViolationNetworkDenyList  = "NETWORK_DENY_LIST"
	ViolationFSNoPath         = "FS_NO_PATH"
	ViolationFSReadOnly       = "FS_READONLY"
	ViolationFSNotAllowed     = "FS_NOT_ALLOWED"
	ViolationRuntimePerm      = "RUNTIME_PERMISSION_DENIED"
)

// PolicyViolation records a sandbox boundary crossing attempt.
type PolicyViolation struct {
	ViolationType string    `json:"violation_type"`
	CapabilityID  string    `json:"capability_id,omitempty"`
	Detail        string    `json:"detail"`
	Timestamp     time.Time `json:"timestamp"`
	Blocked       bool      `json:"blocked"`
}

// CheckResult carries the enforcement decision.
type CheckResult struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
	// Violation is set when the check was blocked.
	Violation string `json:"violation,omitempty"`
}

// PolicyEnforcer checks executions against their security configuration and
// keeps a log of blocked attempts.
type PolicyEnforcer struct {
	mu         sync.RWMutex
	violations []PolicyViolation
	clock      func() time.Time
}

// NewPolicyEnforcer creates an enforcer with an empty violation log.
func NewPolicyEnforcer() *PolicyEnforcer {
	return &PolicyEnforcer{
		violations: make([]PolicyViolation, 0),
		clock:      time.Now,
	}
}

// WithClock overrides clock for testing.
func (e *PolicyEnforcer) WithClock(clock func() time.Time) *PolicyEnforcer {
	e.clock = clock
	return e
}

func (e *PolicyEnforcer) block(kind, capabilityID, detail string) CheckResult {
	e.mu.Lock()
	e.violations = append(e.violations, PolicyViolation{
		ViolationType: kind,
		CapabilityID:  capabilityID,
		Detail:        detail,
		Timestamp:     e.clock(),
		Blocked:       true,
	})
	e.mu.Unlock()
	return CheckResult{Allowed: false, Reason: detail, Violation: kind}
}

// CheckBoundary verifies that a declared capability is in the granted set.
func (e *PolicyEnforcer) CheckBoundary(capabilityID string, granted []string) CheckResult {
	if capabilityID == "" || slices.Contains(granted, capabilityID) {
		return CheckResult{Allowed: true, Reason: "capability granted"}
	}
	return e.block(ViolationBoundary, capabilityID,
		fmt.Sprintf("capability %s not in permissions %v", capabilityID, granted))
}

// CheckRuntimePermission gates native and external execution. A nil permission
// list means no runtime context was supplied.
func (e *PolicyEnforcer) CheckRuntimePermission(capabilityID, permission string, perms []string) CheckResult {
	if perms == nil || slices.Contains(perms, permission) {
		return CheckResult{Allowed: true, Reason: "runtime permission granted"}
	}
	return e.block(ViolationRuntimePerm, capabilityID,
		fmt.Sprintf("%s execution not permitted", permission))
}

// CheckNetwork verifies a host against a network policy. An empty host means
// no target could be extracted.
func (e *PolicyEnforcer) CheckNetwork(capabilityID, host string, policy NetworkPolicy) CheckResult {
	switch policy.Mode {
	case NetworkFull:
		return CheckResult{Allowed: true, Reason: "network unrestricted"}
	case NetworkAllowList:
		if host != "" && anyHostMatches(host, policy.Hosts) {
			return CheckResult{Allowed: true, Reason: "within network allowlist"}
		}
		return e.block(ViolationNetworkNotListed, capabilityID,
			fmt.Sprintf("host %q not in network allowlist %v", host, policy.Hosts))
	case NetworkDenyList:
		if host != "" && anyHostMatches(host, policy.Hosts) {
			return e.block(ViolationNetworkDenyList, capabilityID,
				fmt.Sprintf("host %s is in network denylist", host))
		}
		return CheckResult{Allowed: true, Reason: "not in network denylist"}
	default:
		return e.block(ViolationNetworkDenied, capabilityID,
			fmt.Sprintf("all network access denied, attempted: %q", host))
	}
}

// CheckFS verifies a filesystem path against a filesystem policy. An empty
// path is denied unless the policy is Full.
func (e *PolicyEnforcer) CheckFS(capabilityID, path string, write bool, policy FileSystemPolicy) CheckResult {
	if policy.Mode == FileSystemFull {
		return CheckResult{Allowed: true, Reason: "filesystem unrestricted"}
	}
	if path == "" {
		return e.block(ViolationFSNoPath, capabilityID, "no path provided for filesystem operation")
	}
	cleanPath := filepath.Clean(path)

	switch policy.Mode {
	case FileSystemReadOnly:
		if write {
			return e.block(ViolationFSReadOnly, capabilityID,
				fmt.Sprintf("write to %s denied: filesystem is read-only", cleanPath))
		}
	case FileSystemReadWrite:
	default:
		return e.block(ViolationFSNotAllowed, capabilityID,
			fmt.Sprintf("filesystem access to %s denied", cleanPath))
	}

	for _, root := range policy.Paths {
		if pathWithin(cleanPath, root) {
			return CheckResult{Allowed: true, Reason: "within filesystem allowlist"}
		}
	}
	return e.block(ViolationFSNotAllowed, capabilityID,
		fmt.Sprintf("path %s not in allowlist (write=%t)", cleanPath, write))
}

// Violations returns all recorded violations.
func (e *PolicyEnforcer) Violations() []PolicyViolation {
	e.mu.RLock()
	defer e.mu.RUnlock()
	result := make([]PolicyViolation, len(e.violations))
	copy(result, e.violations)
	return result
}
