package governance

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Constitution conditions must evaluate the same way every time a decision
// is replayed from the causal chain, so clock, randomness and regex functions
// are rejected at load time.
var bannedConditionFunctions = []string{
	"now", "timestamp", "duration", "random", "uuid", "matches",
	"getDate", "getDayOfMonth", "getDayOfWeek", "getDayOfYear", "getFullYear",
	"getHours", "getMilliseconds", "getMinutes", "getMonth", "getSeconds",
}

var bannedConditionTypes = []string{"double", "float"}

var functionPatterns = func() map[string]*regexp.Regexp {
	out := make(map[string]*regexp.Regexp, len(bannedConditionFunctions))
	for _, fn := range bannedConditionFunctions {
		out[fn] = regexp.MustCompile(`\b` + regexp.QuoteMeta(fn) + `\s*\(`)
	}
	return out
}()

// ConditionIssue is one reason a condition is not replay-safe.
type ConditionIssue struct {
	Kind string `json:"kind"` // banned_function, banned_type, nondeterministic
	Name string `json:"name"`
}

func (i ConditionIssue) String() string {
	return fmt.Sprintf("%s %q", strings.ReplaceAll(i.Kind, "_", " "), i.Name)
}

// LintCondition returns the replay-safety issues in a CEL condition.
func LintCondition(expr string) []ConditionIssue {
	var issues []ConditionIssue
	for _, fn := range bannedConditionFunctions {
		if functionPatterns[fn].MatchString(expr) {
			issues = append(issues, ConditionIssue{Kind: "banned_function", Name: fn})
		}
	}
	for _, typ := range bannedConditionTypes {
		if regexp.MustCompile(`\b` + typ + `\b`).MatchString(expr) {
			issues = append(issues, ConditionIssue{Kind: "banned_type", Name: typ})
		}
	}
	for _, op := range []string{"type(", "dyn("} {
		if strings.Contains(expr, op) {
			issues = append(issues, ConditionIssue{Kind: "nondeterministic", Name: op})
		}
	}
	sort.Slice(issues, func(i, j int) bool {
		if issues[i].Kind != issues[j].Kind {
			return issues[i].Kind < issues[j].Kind
		}
		return issues[i].Name < issues[j].Name
	})
	return issues
}

func lintError(expr string) error {
	issues := LintCondition(expr)
	if len(issues) == 0 {
		return nil
	}
	parts := make([]string, len(issues))
	for i, is := range issues {
		parts[i] = is.String()
	}
	return fmt.Errorf("condition is not replay-safe: %s", strings.Join(parts, ", "))
}
