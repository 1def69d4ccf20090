package governance

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"
)

// RuleAction is what a matching constitution rule does to a plan.
type RuleAction string

const (
	ActionAllow           RuleAction = "allow"
	ActionDeny            RuleAction = "deny"
	ActionRequireApproval RuleAction = "require-approval"
)

// Rule matches capability ids with a glob: "*", "prefix*", "*suffix",
// "*contains*" or an exact id. An optional CEL Condition narrows the match;
// it sees plan (map), capability (string) and mode (string).
type Rule struct {
	ID          string     `yaml:"id" json:"id"`
	Description string     `yaml:"description,omitempty" json:"description,omitempty"`
	Match       string     `yaml:"match" json:"match"`
	Action      RuleAction `yaml:"action" json:"action"`
	Reason      string     `yaml:"reason,omitempty" json:"reason,omitempty"`
	Condition   string     `yaml:"condition,omitempty" json:"condition,omitempty"`
}

// HintPolicies bound the execution hints a plan may carry.
type HintPolicies struct {
	MaxRetries               int      `yaml:"max_retries" json:"max_retries"`
	MaxTimeoutMultiplier     float64  `yaml:"max_timeout_multiplier" json:"max_timeout_multiplier"`
	MaxAbsoluteTimeoutMs     int64    `yaml:"max_absolute_timeout_ms" json:"max_absolute_timeout_ms"`
	RequireApprovedFallbacks bool     `yaml:"require_approved_fallbacks" json:"require_approved_fallbacks"`
	AllowedFallbackPatterns  []string `yaml:"allowed_fallback_patterns" json:"allowed_fallback_patterns"`
}

func DefaultHintPolicies() HintPolicies {
	return HintPolicies{
		MaxRetries:               5,
		MaxTimeoutMultiplier:     10.0,
		MaxAbsoluteTimeoutMs:     300_000,
		RequireApprovedFallbacks: true,
		AllowedFallbackPatterns:  []string{"*"},
	}
}

// Constitution is the ordered rule set every plan is checked against.
type Constitution struct {
	Rules []Rule       `yaml:"rules" json:"rules"`
	Hints HintPolicies `yaml:"hint_policies" json:"hint_policies"`

	env      *cel.Env
	mu       sync.RWMutex
	programs map[string]cel.Program
}

// DefaultRules are the built-in rules.
func DefaultRules() []Rule {
	return []Rule{
		{ID: "cli-agent-restrictions", Description: "CLI configuration changes need a human", Match: "ccos.cli.config.*", Action: ActionRequireApproval},
		{ID: "cli-discovery-allowed", Match: "ccos.cli.discovery.*", Action: ActionAllow},
		{ID: "cli-approval-restricted", Match: "ccos.cli.approval.approve", Action: ActionRequireApproval},
		{ID: "no-global-thermonuclear-war", Match: "*launch-nukes*", Action: ActionDeny, Reason: "Rule against global thermonuclear war"},
	}
}

func DefaultConstitution() *Constitution {
	c, err := NewConstitution(DefaultRules(), DefaultHintPolicies())
	if err != nil {
		panic(err) // built-in rules always compile
	}
	return c
}

// NewConstitution validates rules and compiles their conditions.
func NewConstitution(rules []Rule, hints HintPolicies) (*Constitution, error) {
	env, err := cel.NewEnv(
		cel.Variable("plan", cel.DynType),
		cel.Variable("capability", cel.StringType),
		cel.Variable("mode", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	c := &Constitution{
		Rules:    rules,
		Hints:    hints,
		env:      env,
		programs: make(map[string]cel.Program),
	}
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if r.ID == "" || r.Match == "" {
			return nil, fmt.Errorf("constitution rule needs id and match: %+v", r)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("duplicate constitution rule %q", r.ID)
		}
		seen[r.ID] = true
		switch r.Action {
		case ActionAllow, ActionDeny, ActionRequireApproval:
		default:
			return nil, fmt.Errorf("rule %s: unknown action %q", r.ID, r.Action)
		}
		if r.Condition != "" {
			if err := lintError(r.Condition); err != nil {
				return nil, fmt.Errorf("rule %s: %w", r.ID, err)
			}
			if _, err := c.program(r.Condition); err != nil {
				return nil, fmt.Errorf("rule %s: %w", r.ID, err)
			}
		}
	}
	return c, nil
}

// LoadConstitution reads a YAML document. Missing hint policies take the
// defaults; "include_defaults: true" prepends the built-in rules.
func LoadConstitution(r io.Reader) (*Constitution, error) {
	doc := struct {
		IncludeDefaults bool          `yaml:"include_defaults"`
		Rules           []Rule        `yaml:"rules"`
		Hints           *HintPolicies `yaml:"hint_policies"`
	}{}
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode constitution: %w", err)
	}
	rules := doc.Rules
	if doc.IncludeDefaults {
		rules = append(DefaultRules(), rules...)
	}
	hints := DefaultHintPolicies()
	if doc.Hints != nil {
		hints = *doc.Hints
	}
	return NewConstitution(rules, hints)
}

// Violation is a rule that rejects a capability.
type Violation struct {
	RuleID       string
	CapabilityID string
	Reason       string
}

func (v Violation) Error() string {
	return fmt.Sprintf("plan rejected by constitution rule '%s': %s", v.RuleID, v.Reason)
}

// Check evaluates every rule against capabilityID. A Deny match, or a
// RequireApproval match in full mode, returns a Violation. Condition errors
// fail closed.
func (c *Constitution) Check(planView map[string]any, capabilityID, mode string) *Violation {
	for _, r := range c.Rules {
		if !MatchPattern(capabilityID, r.Match) {
			continue
		}
		if r.Condition != "" {
			ok, err := c.eval(r.Condition, map[string]any{
				"plan":       planView,
				"capability": capabilityID,
				"mode":       mode,
			})
			if err != nil {
				return &Violation{RuleID: r.ID, CapabilityID: capabilityID, Reason: "condition error: " + err.Error()}
			}
			if !ok {
				continue
			}
		}
		switch r.Action {
		case ActionDeny:
			reason := r.Reason
			if reason == "" {
				reason = "capability " + capabilityID + " is denied"
			}
			return &Violation{RuleID: r.ID, CapabilityID: capabilityID, Reason: reason}
		case ActionRequireApproval:
			if mode == ModeFull {
				return &Violation{
					RuleID:       r.ID,
					CapabilityID: capabilityID,
					Reason: fmt.Sprintf("capability '%s' requires human approval, but execution mode is 'full'; use '%s' mode",
						capabilityID, ModeRequireApproval),
				}
			}
		}
	}
	return nil
}

func (c *Constitution) program(expr string) (cel.Program, error) {
	c.mu.RLock()
	prg, hit := c.programs[expr]
	c.mu.RUnlock()
	if hit {
		return prg, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if prg, hit = c.programs[expr]; hit {
		return prg, nil
	}
	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := c.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	c.programs[expr] = prg
	return prg, nil
}

func (c *Constitution) eval(expr string, input map[string]any) (bool, error) {
	prg, err := c.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	v, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not bool")
	}
	return v, nil
}

// MatchPattern reports whether id matches a constitution glob.
func MatchPattern(id, pattern string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		if inner, ok := strings.CutPrefix(prefix, "*"); ok {
			return strings.Contains(id, inner)
		}
		return strings.HasPrefix(id, prefix)
	}
	if suffix, ok := strings.CutPrefix(pattern, "*"); ok {
		return strings.HasSuffix(id, suffix)
	}
	return id == pattern
}
