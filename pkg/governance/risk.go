package governance

import (
	"strings"
)

// Execution modes.
const (
	ModeFull            = "full"
	ModeDryRun          = "dry-run"
	ModeSafeOnly        = "safe-only"
	ModeRequireApproval = "require-approval"
)

// RiskLevel grades what a capability can do.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

func (l RiskLevel) atLeast(min RiskLevel) bool {
	return riskRank[l] >= riskRank[min]
}

var riskRank = map[RiskLevel]int{RiskLow: 0, RiskMedium: 1, RiskHigh: 2, RiskCritical: 3}

// ParseRiskLevel accepts a declared level, case-insensitively.
func ParseRiskLevel(s string) (RiskLevel, bool) {
	l := RiskLevel(strings.ToLower(strings.TrimSpace(s)))
	_, ok := riskRank[l]
	return l, ok
}

var riskKeywords = []struct {
	level RiskLevel
	words []string
}{
	{RiskCritical, []string{"payment", "billing", "charge", "transfer", "refund"}},
	{RiskCritical, []string{"delete", "remove", "destroy", "drop", "truncate"}},
	{RiskHigh, []string{"exec", "shell", "system", "admin", "root"}},
	{RiskMedium, []string{"write", "create", "update", "modify", "edit"}},
}

// DetectRiskLevel grades a capability from its id. It is the fallback for
// manifests that declare no security_level.
func DetectRiskLevel(capabilityID string) RiskLevel {
	id := strings.ToLower(capabilityID)

	if strings.HasPrefix(id, "ccos.cli.") {
		switch {
		case strings.Contains(id, "config.init"), strings.Contains(id, "governance.constitution"):
			return RiskCritical
		case strings.Contains(id, "remove"), strings.Contains(id, "approve"):
			return RiskHigh
		case strings.Contains(id, "add"), strings.Contains(id, "reject"), strings.Contains(id, "call"):
			return RiskMedium
		}
		return RiskLow
	}

	for _, k := range riskKeywords {
		for _, w := range k.words {
			if strings.Contains(id, w) {
				return k.level
			}
		}
	}
	return RiskLow
}

// RequiresApproval reports whether a capability at level needs a human in mode.
func RequiresApproval(level RiskLevel, mode string) bool {
	switch mode {
	case ModeRequireApproval:
		return level.atLeast(RiskMedium)
	case ModeSafeOnly:
		return level.atLeast(RiskHigh)
	case ModeDryRun, ModeFull:
		return false
	default:
		return level == RiskCritical
	}
}

// ShouldSimulate reports whether a capability at level is simulated in mode.
func ShouldSimulate(level RiskLevel, mode string) bool {
	return mode == ModeDryRun && level.atLeast(RiskHigh)
}

// normalizeMode strips keyword and quote decoration, e.g. `:dry-run` or `"dry-run"`.
func normalizeMode(s string) string {
	return strings.Trim(strings.TrimPrefix(strings.TrimSpace(s), ":"), `"`)
}
