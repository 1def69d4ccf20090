package marketplace

import (
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"
)

// IsolationPolicy restricts which capability ids may execute. Patterns are
// globs where '*' matches any run of characters. Deny always wins.
type IsolationPolicy struct {
	AllowedCapabilities []string                   `json:"allowed_capabilities" yaml:"allowed_capabilities"`
	DeniedCapabilities  []string                   `json:"denied_capabilities,omitempty" yaml:"denied_capabilities,omitempty"`
	NamespacePolicies   map[string]NamespacePolicy `json:"namespace_policies,omitempty" yaml:"namespace_policies,omitempty"`
	TimeConstraints     *TimeConstraints           `json:"time_constraints,omitempty" yaml:"time_constraints,omitempty"`
}

// NamespacePolicy applies to every capability id starting with its prefix.
type NamespacePolicy struct {
	AllowedPatterns []string `json:"allowed_patterns" yaml:"allowed_patterns"`
	DeniedPatterns  []string `json:"denied_patterns,omitempty" yaml:"denied_patterns,omitempty"`
}

// TimeConstraints limits execution to certain UTC hours (0-23) and days
// (0-6, Sunday = 0). Empty lists do not constrain.
type TimeConstraints struct {
	AllowedHours []int `json:"allowed_hours,omitempty" yaml:"allowed_hours,omitempty"`
	AllowedDays  []int `json:"allowed_days,omitempty" yaml:"allowed_days,omitempty"`
}

// DefaultIsolationPolicy allows every capability.
func DefaultIsolationPolicy() IsolationPolicy {
	return IsolationPolicy{AllowedCapabilities: []string{"*"}}
}

// RestrictiveIsolationPolicy denies every capability.
func RestrictiveIsolationPolicy() IsolationPolicy {
	return IsolationPolicy{DeniedCapabilities: []string{"*"}}
}

// Check returns "" when capabilityID may run at now, else the reason it may not.
func (p IsolationPolicy) Check(capabilityID string, now time.Time) string {
	if !p.withinTime(now) {
		return "access denied due to time constraints"
	}

	prefixes := make([]string, 0, len(p.NamespacePolicies))
	for ns := range p.NamespacePolicies {
		prefixes = append(prefixes, ns)
	}
	slices.Sort(prefixes)
	for _, ns := range prefixes {
		if !strings.HasPrefix(capabilityID, ns) {
			continue
		}
		np := p.NamespacePolicies[ns]
		if !anyGlob(capabilityID, np.AllowedPatterns) || anyGlob(capabilityID, np.DeniedPatterns) {
			return "access denied by namespace policy " + ns
		}
	}

	for _, pattern := range p.DeniedCapabilities {
		if globMatch(capabilityID, pattern) {
			return "denied by isolation policy pattern " + pattern
		}
	}
	if !anyGlob(capabilityID, p.AllowedCapabilities) {
		return "not allowed by isolation policy"
	}
	return ""
}

func (p IsolationPolicy) withinTime(now time.Time) bool {
	tc := p.TimeConstraints
	if tc == nil {
		return true
	}
	now = now.UTC()
	if len(tc.AllowedHours) > 0 && !slices.Contains(tc.AllowedHours, now.Hour()) {
		return false
	}
	if len(tc.AllowedDays) > 0 && !slices.Contains(tc.AllowedDays, int(now.Weekday())) {
		return false
	}
	return true
}

func anyGlob(id string, patterns []string) bool {
	for _, p := range patterns {
		if globMatch(id, p) {
			return true
		}
	}
	return false
}

var globCache sync.Map // pattern -> *regexp.Regexp

// globMatch matches the whole id against pattern.
func globMatch(id, pattern string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return id == pattern
	}
	if re, ok := globCache.Load(pattern); ok {
		return re.(*regexp.Regexp).MatchString(id)
	}
	parts := strings.Split(pattern, "*")
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	re := regexp.MustCompile("^" + strings.Join(parts, ".*") + "$")
	globCache.Store(pattern, re)
	return re.MatchString(id)
}
