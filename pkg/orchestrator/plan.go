package orchestrator

import (
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/ccos/core/pkg/kernel/errorir"
	"github.com/Mindburn-Labs/ccos/core/pkg/value"
)

// PlanStatus is the lifecycle state of a plan run.
type PlanStatus string

const (
	PlanDraft     PlanStatus = "Draft"
	PlanRunning   PlanStatus = "Running"
	PlanCompleted PlanStatus = "Completed"
	PlanFailed    PlanStatus = "Failed"
	PlanAborted   PlanStatus = "Aborted"
)

// Plan is an ordered list of capability calls serving one or more intents.
type Plan struct {
	ID                   string         `yaml:"plan_id" json:"plan_id"`
	Name                 string         `yaml:"name,omitempty" json:"name,omitempty"`
	IntentIDs            []string       `yaml:"intent_ids" json:"intent_ids"`
	Steps                []Step         `yaml:"steps" json:"steps"`
	Status               PlanStatus     `yaml:"status,omitempty" json:"status,omitempty"`
	CapabilitiesRequired []string       `yaml:"capabilities_required,omitempty" json:"capabilities_required,omitempty"`
	Policies             map[string]any `yaml:"policies,omitempty" json:"policies,omitempty"`
	Hints                Hints          `yaml:"hints,omitempty" json:"hints,omitempty"`
	Metadata             map[string]any `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// Step is one capability call. Input is JSON-shaped; a string of the form
// "${steps.<name>}" is replaced by the value of an earlier step.
type Step struct {
	Name       string `yaml:"name" json:"name"`
	Capability string `yaml:"capability" json:"capability"`
	Input      any    `yaml:"input,omitempty" json:"input,omitempty"`
	// IntentID attributes the call to one of the plan's intents; the primary
	// intent is used when empty.
	IntentID string `yaml:"intent_id,omitempty" json:"intent_id,omitempty"`
}

// Hints tune how steps run. Governance validates them against its hint
// policies before a grant is issued.
type Hints struct {
	Retry    *RetryHint    `yaml:"retry,omitempty" json:"retry,omitempty"`
	Timeout  *TimeoutHint  `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Fallback *FallbackHint `yaml:"fallback,omitempty" json:"fallback,omitempty"`
}

type RetryHint struct {
	MaxRetries int `yaml:"max_retries" json:"max_retries"`
}

type TimeoutHint struct {
	AbsoluteMs int64   `yaml:"absolute_ms,omitempty" json:"absolute_ms,omitempty"`
	Multiplier float64 `yaml:"multiplier,omitempty" json:"multiplier,omitempty"`
}

// FallbackHint names a capability that replaces a step whose retries are exhausted.
type FallbackHint struct {
	Capability string `yaml:"capability" json:"capability"`
}

// PrimaryIntent returns the first intent id, or "".
func (p *Plan) PrimaryIntent() string {
	if len(p.IntentIDs) == 0 {
		return ""
	}
	return p.IntentIDs[0]
}

// Capabilities returns the declared capabilities plus every capability a step
// or the fallback hint can call, first occurrence order.
func (p *Plan) Capabilities() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		out = append(out, id)
	}
	for _, id := range p.CapabilitiesRequired {
		add(id)
	}
	for _, s := range p.Steps {
		add(s.Capability)
	}
	if p.Hints.Fallback != nil {
		add(p.Hints.Fallback.Capability)
	}
	return out
}

// Validate checks the plan's shape.
func (p *Plan) Validate() error {
	if p.ID == "" {
		return errorir.InvalidArgument("plan id is required")
	}
	if len(p.Steps) == 0 {
		return errorir.InvalidArgument("plan %s has no steps", p.ID)
	}
	names := make(map[string]bool, len(p.Steps))
	for i, s := range p.Steps {
		if s.Capability == "" {
			return errorir.InvalidArgument("plan %s step %d has no capability", p.ID, i)
		}
		if s.Name != "" {
			if names[s.Name] {
				return errorir.InvalidArgument("plan %s has duplicate step name %q", p.ID, s.Name)
			}
			names[s.Name] = true
		}
	}
	return nil
}

// LoadPlan decodes a YAML (or JSON) plan document.
func LoadPlan(r io.Reader) (*Plan, error) {
	var p Plan
	if err := yaml.NewDecoder(r).Decode(&p); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func stepName(s Step, i int) string {
	if s.Name != "" {
		return s.Name
	}
	return fmt.Sprintf("step-%d", i)
}

const refPrefix, refSuffix = "${steps.", "}"

// resolveInput converts a step's JSON-shaped input to a Value, substituting
// references to earlier step results.
func resolveInput(in any, results map[string]value.Value) (value.Value, error) {
	switch t := in.(type) {
	case string:
		if name, ok := strings.CutPrefix(t, refPrefix); ok && strings.HasSuffix(name, refSuffix) {
			name = strings.TrimSuffix(name, refSuffix)
			v, ok := results[name]
			if !ok {
				return nil, errorir.InvalidArgument("reference to unknown or later step %q", name)
			}
			return v, nil
		}
		return value.String(t), nil
	case map[string]any:
		out := make(value.Map, len(t))
		for k, v := range t {
			sv, err := resolveInput(v, results)
			if err != nil {
				return nil, err
			}
			out[k] = sv
		}
		return out, nil
	case []any:
		out := make(value.Vector, len(t))
		for i, v := range t {
			sv, err := resolveInput(v, results)
			if err != nil {
				return nil, err
			}
			out[i] = sv
		}
		return out, nil
	default:
		return value.FromJSON(in), nil
	}
}
