// Package governance decides whether plans and tool calls may run.
//
// The Kernel is the only path to the orchestrator: it sanitizes intents,
// detects the execution mode, checks the runtime context, the constitution,
// risk-based approval and execution hints, then issues a signed grant the
// orchestrator verifies before any step runs. Every decision is recorded in
// the causal chain.
package governance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/Mindburn-Labs/ccos/core/pkg/causalchain"
	"github.com/Mindburn-Labs/ccos/core/pkg/intentgraph"
	"github.com/Mindburn-Labs/ccos/core/pkg/kernel/errorir"
	"github.com/Mindburn-Labs/ccos/core/pkg/marketplace"
	"github.com/Mindburn-Labs/ccos/core/pkg/observability"
	"github.com/Mindburn-Labs/ccos/core/pkg/orchestrator"
	"github.com/Mindburn-Labs/ccos/core/pkg/value"
)

// Registry is the view of the marketplace the kernel needs.
type Registry interface {
	GetCapability(id string) (marketplace.Manifest, bool)
}

const (
	decisionApproved = "approved"
	decisionRejected = "rejected"
)

type Kernel struct {
	constitution *Constitution
	chain        *causalchain.Chain
	graph        *intentgraph.Graph
	registry     Registry
	orch         *orchestrator.Orchestrator
	grants       *Grants
	toolContext  RuntimeContext
	obs          *observability.Provider
	logger       *slog.Logger
}

func NewKernel(c *Constitution, chain *causalchain.Chain, graph *intentgraph.Graph, registry Registry, orch *orchestrator.Orchestrator, grants *Grants) *Kernel {
	if c == nil {
		c = DefaultConstitution()
	}
	return &Kernel{
		constitution: c,
		chain:        chain,
		graph:        graph,
		registry:     registry,
		orch:         orch,
		grants:       grants,
		toolContext:  Pure(),
		obs:          observability.Disabled(),
		logger:       slog.Default().With("component", "governance"),
	}
}

// WithToolContext sets the runtime context applied to MCP tool calls.
func (k *Kernel) WithToolContext(rc RuntimeContext) *Kernel {
	k.toolContext = rc
	return k
}

func (k *Kernel) WithObservability(p *observability.Provider) *Kernel {
	if p != nil {
		k.obs = p
	}
	return k
}

func (k *Kernel) Constitution() *Constitution { return k.constitution }

// RiskLevel returns the manifest's declared security_level, else the level
// detected from the id.
func (k *Kernel) RiskLevel(capabilityID string) RiskLevel {
	if man, ok := k.registry.GetCapability(capabilityID); ok {
		if l, ok := ParseRiskLevel(man.Metadata["security_level"]); ok {
			return l
		}
	}
	return DetectRiskLevel(capabilityID)
}

// DetectMode reads the execution mode from the plan's execution_mode policy,
// then the primary intent's execution-mode constraint, defaulting to full.
func (k *Kernel) DetectMode(plan *orchestrator.Plan) string {
	if m, ok := plan.Policies["execution_mode"].(string); ok && normalizeMode(m) != "" {
		return normalizeMode(m)
	}
	if in, ok := k.graph.GetIntent(plan.PrimaryIntent()); ok {
		for _, key := range []string{"execution-mode", "execution_mode"} {
			if m, ok := in.Constraints[key].(string); ok && normalizeMode(m) != "" {
				return normalizeMode(m)
			}
		}
	}
	return ModeFull
}

// Authorize runs every governance check on plan and returns what the plan is
// permitted to do. It has no side effects besides the decision record.
func (k *Kernel) Authorize(ctx context.Context, plan *orchestrator.Plan, rc RuntimeContext) (orchestrator.Authorization, error) {
	ctx, finish := k.obs.TrackOperation(ctx, "governance.authorize", observability.PlanOperation(plan.ID, "")...)
	auth, err := k.authorize(ctx, plan, rc)
	finish(err)
	return auth, err
}

func (k *Kernel) authorize(ctx context.Context, plan *orchestrator.Plan, rc RuntimeContext) (orchestrator.Authorization, error) {
	if err := plan.Validate(); err != nil {
		return orchestrator.Authorization{}, k.reject(ctx, plan.ID, "validation", err)
	}

	for _, id := range plan.IntentIDs {
		in, ok := k.graph.GetIntent(id)
		if !ok {
			continue
		}
		if err := SanitizeIntent(in, plan); err != nil {
			return orchestrator.Authorization{}, k.reject(ctx, plan.ID, "sanitization", err)
		}
	}

	mode := k.DetectMode(plan)
	caps := plan.Capabilities()

	for _, id := range caps {
		if !rc.IsCapabilityAllowed(id) {
			return orchestrator.Authorization{}, k.reject(ctx, plan.ID, "runtime-context",
				fmt.Errorf("capability %s is not allowed in a %s runtime context", id, levelName(rc.Level)))
		}
		if _, ok := k.registry.GetCapability(id); !ok {
			return orchestrator.Authorization{}, k.reject(ctx, plan.ID, "runtime-context",
				fmt.Errorf("capability %s is not registered", id))
		}
	}

	view := planView(plan, caps)
	for _, id := range caps {
		if v := k.constitution.Check(view, id, mode); v != nil {
			return orchestrator.Authorization{}, k.reject(ctx, plan.ID, "constitution", v)
		}
	}

	var simulate []string
	for _, id := range caps {
		level := k.RiskLevel(id)
		if RequiresApproval(level, mode) && !rc.isApproved(id) {
			return orchestrator.Authorization{}, k.reject(ctx, plan.ID, "approval",
				fmt.Errorf("capability %s (%s risk) requires approval in %s mode", id, level, mode))
		}
		if level == RiskCritical && mode == ModeFull {
			k.logger.WarnContext(ctx, "plan runs a critical capability in full mode",
				"plan_id", plan.ID, "capability_id", id)
		}
		if ShouldSimulate(level, mode) {
			simulate = append(simulate, id)
		}
	}

	if err := ValidateHints(plan.Hints, k.constitution.Hints); err != nil {
		return orchestrator.Authorization{}, k.reject(ctx, plan.ID, "hints", err)
	}

	auth := orchestrator.Authorization{
		PlanID:       plan.ID,
		Capabilities: caps,
		Mode:         mode,
		Simulate:     simulate,
		SessionID:    rc.SessionID,
	}
	if _, err := k.chain.LogGovernanceDecision(ctx, plan.ID, decisionApproved, "", map[string]any{
		"mode":         mode,
		"capabilities": stringsToAny(caps),
		"simulated":    stringsToAny(simulate),
	}); err != nil {
		k.chain.MarkDegraded(ctx, fmt.Errorf("record approval of plan %s: %w", plan.ID, err))
	}
	k.obs.RecordDecision(ctx, plan.ID, decisionApproved, "")
	return auth, nil
}

// ExecutePlanGoverned authorizes plan, issues its grant and hands it to the
// orchestrator. A rejection is a GovernanceRejection and nothing runs.
func (k *Kernel) ExecutePlanGoverned(ctx context.Context, plan *orchestrator.Plan, rc RuntimeContext) (orchestrator.ExecutionResult, error) {
	auth, err := k.Authorize(ctx, plan, rc)
	if err != nil {
		return orchestrator.ExecutionResult{PlanID: plan.ID, Error: err}, err
	}
	grant, err := k.grants.Issue(auth)
	if err != nil {
		return orchestrator.ExecutionResult{PlanID: plan.ID, Error: err}, fmt.Errorf("issue grant: %w", err)
	}
	k.logger.InfoContext(ctx, "plan approved", "plan_id", plan.ID, "mode", auth.Mode, "capabilities", len(auth.Capabilities))
	return k.orch.Execute(ctx, plan, grant)
}

// ExecuteIntentGraphGoverned runs the plans of rootID's descendants in
// dependency order, each through ExecutePlanGoverned, then the root's own plan
// if the root is still Active. plans is keyed by intent id. The first failure
// stops the run.
func (k *Kernel) ExecuteIntentGraphGoverned(ctx context.Context, rootID string, plans map[string]*orchestrator.Plan, rc RuntimeContext) (orchestrator.ExecutionResult, error) {
	if _, ok := k.graph.GetIntent(rootID); !ok {
		return orchestrator.ExecutionResult{}, errorir.NotFound("intent %s not found", rootID)
	}
	descendants := k.descendants(rootID)
	summary := value.Map{}
	out := orchestrator.ExecutionResult{PlanID: rootID, Value: summary}

	done := make(map[string]bool)
	for {
		next := ""
		for _, in := range k.graph.ReadyIntents() {
			if descendants[in.ID] && plans[in.ID] != nil && !done[in.ID] {
				next = in.ID
				break
			}
		}
		if next == "" {
			break
		}
		done[next] = true
		res, err := k.ExecutePlanGoverned(ctx, plans[next], rc)
		out.StepResults = append(out.StepResults, res.StepResults...)
		if err != nil {
			out.Error = err
			return out, err
		}
		if !res.Success {
			out.Error = res.Error
			return out, nil
		}
		summary[next] = res.Value
	}

	var pending []string
	for id := range descendants {
		if plans[id] != nil && !done[id] {
			pending = append(pending, id)
		}
	}
	if len(pending) > 0 {
		sort.Strings(pending)
		out.Error = errorir.DependencyNotSatisfied("intents never became ready: %s", strings.Join(pending, ", "))
		return out, nil
	}

	if root, ok := k.graph.GetIntent(rootID); ok && root.Status == intentgraph.StatusActive && plans[rootID] != nil {
		res, err := k.ExecutePlanGoverned(ctx, plans[rootID], rc)
		out.StepResults = append(out.StepResults, res.StepResults...)
		if err != nil {
			out.Error = err
			return out, err
		}
		if !res.Success {
			out.Error = res.Error
			return out, nil
		}
		summary[rootID] = res.Value
	}
	if len(summary) == 0 {
		out.Error = errorir.InvalidArgument("no plans executed for intent %s", rootID)
		return out, nil
	}
	out.Success = true
	return out, nil
}

func (k *Kernel) descendants(rootID string) map[string]bool {
	out := make(map[string]bool)
	queue := []string{rootID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, c := range k.graph.GetChildIntents(id) {
			if !out[c.ID] {
				out[c.ID] = true
				queue = append(queue, c.ID)
			}
		}
	}
	return out
}

// AuthorizeToolCall applies the tool runtime context and the constitution to
// a single MCP tool call. It implements mcp.Authorizer.
func (k *Kernel) AuthorizeToolCall(ctx context.Context, capabilityID string, args map[string]any) error {
	rc := k.toolContext
	var err error
	switch {
	case !rc.IsCapabilityAllowed(capabilityID):
		err = fmt.Errorf("capability %s is not allowed in a %s runtime context", capabilityID, levelName(rc.Level))
	default:
		view := map[string]any{
			"id":           "",
			"intent_ids":   []string{},
			"capabilities": []string{capabilityID},
			"steps":        1,
			"policies":     map[string]any{},
			"args":         args,
		}
		if v := k.constitution.Check(view, capabilityID, ModeFull); v != nil {
			err = v
		} else if level := k.RiskLevel(capabilityID); RequiresApproval(level, ModeSafeOnly) && !rc.isApproved(capabilityID) {
			err = fmt.Errorf("capability %s (%s risk) requires approval", capabilityID, level)
		}
	}
	if err != nil {
		return k.reject(ctx, "", "tool-call", err)
	}
	return nil
}

func (k *Kernel) reject(ctx context.Context, planID, stage string, cause error) error {
	if _, err := k.chain.LogGovernanceDecision(ctx, planID, decisionRejected, cause.Error(), map[string]any{"stage": stage}); err != nil {
		k.chain.MarkDegraded(ctx, fmt.Errorf("record rejection of plan %s: %w", planID, err))
	}
	k.logger.WarnContext(ctx, "governance rejected", "plan_id", planID, "stage", stage, "reason", cause)
	k.obs.RecordDecision(ctx, planID, decisionRejected, stage)

	rej := errorir.GovernanceRejection("%s", cause.Error())
	rej.Err = cause
	var v *Violation
	if errors.As(cause, &v) {
		rej = rej.WithCapability(v.CapabilityID)
	}
	return rej
}

func planView(plan *orchestrator.Plan, caps []string) map[string]any {
	policies := plan.Policies
	if policies == nil {
		policies = map[string]any{}
	}
	return map[string]any{
		"id":           plan.ID,
		"intent_ids":   plan.IntentIDs,
		"capabilities": caps,
		"steps":        len(plan.Steps),
		"policies":     policies,
	}
}

func levelName(l SecurityLevel) string {
	if l == "" {
		return string(SecurityPure)
	}
	return string(l)
}

func stringsToAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
