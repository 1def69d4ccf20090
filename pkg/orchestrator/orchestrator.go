// Package orchestrator runs governed plans: it gates intents on their
// dependencies, executes each step through the capability marketplace, drives
// the intent state machine and records the plan lifecycle in the causal chain.
//
// The orchestrator never decides whether a plan may run. It refuses any plan
// that does not carry a grant issued by the governance kernel.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/Mindburn-Labs/ccos/core/pkg/causalchain"
	"github.com/Mindburn-Labs/ccos/core/pkg/intentgraph"
	"github.com/Mindburn-Labs/ccos/core/pkg/kernel/errorir"
	"github.com/Mindburn-Labs/ccos/core/pkg/kernel/retry"
	"github.com/Mindburn-Labs/ccos/core/pkg/marketplace"
	"github.com/Mindburn-Labs/ccos/core/pkg/observability"
	"github.com/Mindburn-Labs/ccos/core/pkg/value"
)

// Executor runs one capability. *marketplace.Marketplace implements it.
type Executor interface {
	ExecuteCapability(ctx context.Context, id string, input value.Value) (value.Value, error)
}

// Authorization is what a verified grant permits.
type Authorization struct {
	PlanID       string
	Capabilities []string
	Mode         string
	// Simulate lists capabilities that must not run; their steps return a
	// simulated result instead.
	Simulate  []string
	SessionID string
}

// GrantVerifier checks a grant token.
type GrantVerifier interface {
	VerifyGrant(token string) (Authorization, error)
}

// StepResult is the outcome of one step.
type StepResult struct {
	Name       string
	Capability string
	Value      value.Value
	Error      error
	Attempts   int
	Simulated  bool
	Fallback   bool
	Duration   time.Duration
}

// ExecutionResult is the outcome of a plan run. Step failures are reported
// here, not as an error from Execute.
type ExecutionResult struct {
	PlanID      string
	Success     bool
	Value       value.Value
	Error       error
	StepResults []StepResult
}

type Orchestrator struct {
	chain    *causalchain.Chain
	graph    *intentgraph.Graph
	exec     Executor
	verifier GrantVerifier
	obs      *observability.Provider
	sleep    retry.Sleeper
	clock    func() time.Time
	logger   *slog.Logger
}

func New(chain *causalchain.Chain, graph *intentgraph.Graph, exec Executor, verifier GrantVerifier) *Orchestrator {
	return &Orchestrator{
		chain:    chain,
		graph:    graph,
		exec:     exec,
		verifier: verifier,
		obs:      observability.Disabled(),
		sleep:    retry.ContextSleep,
		clock:    time.Now,
		logger:   slog.Default().With("component", "orchestrator"),
	}
}

// WithSleeper overrides the retry sleeper for testing.
func (o *Orchestrator) WithSleeper(s retry.Sleeper) *Orchestrator {
	o.sleep = s
	return o
}

// WithClock overrides clock for testing.
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	return o
}

func (o *Orchestrator) WithObservability(p *observability.Provider) *Orchestrator {
	if p != nil {
		o.obs = p
	}
	return o
}

// Execute runs plan under grant. It returns an error only when the plan is
// refused before any side effect: an invalid grant, an unknown intent or an
// unsatisfied dependency. Everything after PlanStarted is reported in the
// ExecutionResult.
func (o *Orchestrator) Execute(ctx context.Context, plan *Plan, grant string) (ExecutionResult, error) {
	if err := plan.Validate(); err != nil {
		return ExecutionResult{}, err
	}
	auth, err := o.authorize(plan, grant)
	if err != nil {
		return ExecutionResult{}, err
	}
	for _, id := range plan.IntentIDs {
		if err := o.graph.CheckDependencies(id); err != nil {
			return ExecutionResult{}, err
		}
	}

	ctx, finish := o.obs.TrackOperation(ctx, "plan.execute", observability.PlanOperation(plan.ID, auth.Mode)...)
	res := o.run(ctx, plan, auth)
	finish(res.Error)
	return res, nil
}

func (o *Orchestrator) authorize(plan *Plan, grant string) (Authorization, error) {
	if grant == "" {
		return Authorization{}, errorir.GovernanceRejection("plan %s has no grant", plan.ID)
	}
	auth, err := o.verifier.VerifyGrant(grant)
	if err != nil {
		return Authorization{}, err
	}
	if auth.PlanID != plan.ID {
		return Authorization{}, errorir.GovernanceRejection("grant was issued for plan %s, not %s", auth.PlanID, plan.ID)
	}
	for _, id := range plan.Capabilities() {
		if !slices.Contains(auth.Capabilities, id) {
			return Authorization{}, errorir.GovernanceRejection("grant for plan %s does not cover capability %s", plan.ID, id).WithCapability(id)
		}
	}
	return auth, nil
}

func (o *Orchestrator) run(ctx context.Context, plan *Plan, auth Authorization) ExecutionResult {
	res := ExecutionResult{PlanID: plan.ID}
	ctx = intentgraph.WithPlan(ctx, plan.ID)

	started, err := o.chain.LogPlanStarted(ctx, plan.ID, plan.IntentIDs, map[string]any{
		"mode":  auth.Mode,
		"steps": len(plan.Steps),
	})
	if err != nil {
		o.chain.MarkDegraded(ctx, fmt.Errorf("log start of plan %s: %w", plan.ID, err))
	}
	plan.Status = PlanRunning

	trigger := map[string]any{"triggering_action_id": started.ID}
	var executing []string
	for _, id := range plan.IntentIDs {
		if err := o.graph.SetIntentStatusWithAudit(ctx, id, intentgraph.StatusExecuting, "plan "+plan.ID+" started", trigger); err != nil {
			res.Error = err
			o.finish(ctx, plan, started, executing, &res)
			return res
		}
		executing = append(executing, id)
	}

	results := make(map[string]value.Value, len(plan.Steps))
	var last value.Value = value.Nil{}
	for i, step := range plan.Steps {
		sr := o.runStep(ctx, plan, auth, i, step, results)
		res.StepResults = append(res.StepResults, sr)
		if sr.Error != nil {
			res.Error = fmt.Errorf("step %s (%s): %w", sr.Name, sr.Capability, sr.Error)
			break
		}
		results[sr.Name] = sr.Value
		last = sr.Value
	}
	if res.Error == nil {
		res.Success = true
		res.Value = last
	}
	o.finish(ctx, plan, started, executing, &res)
	return res
}

func (o *Orchestrator) runStep(ctx context.Context, plan *Plan, auth Authorization, i int, step Step, results map[string]value.Value) (sr StepResult) {
	sr = StepResult{Name: stepName(step, i), Capability: step.Capability}
	start := o.clock()
	defer func() { sr.Duration = o.clock().Sub(start) }()

	input, err := resolveInput(step.Input, results)
	if err != nil {
		sr.Error = err
		return sr
	}
	if slices.Contains(auth.Simulate, step.Capability) {
		observability.AddSpanEvent(ctx, "step.simulated", observability.AttrCapabilityID.String(step.Capability))
		sr.Simulated = true
		sr.Value = value.Map{
			"simulated":  value.Boolean(true),
			"capability": value.String(step.Capability),
			"input":      input,
		}
		return sr
	}

	intentID := step.IntentID
	if intentID == "" {
		intentID = plan.PrimaryIntent()
	}
	cctx := marketplace.WithCallContext(ctx, marketplace.CallContext{
		SessionID: auth.SessionID,
		PlanID:    plan.ID,
		IntentID:  intentID,
		Granted:   auth.Capabilities,
	})

	sr.Value, sr.Attempts, sr.Error = o.call(cctx, plan, sr.Name, step.Capability, input)
	if sr.Error != nil && plan.Hints.Fallback != nil && plan.Hints.Fallback.Capability != step.Capability {
		fb := plan.Hints.Fallback.Capability
		o.logger.WarnContext(ctx, "step failed, running fallback",
			"plan_id", plan.ID, "step", sr.Name, "capability_id", step.Capability, "fallback", fb, "error", sr.Error)
		v, n, ferr := o.call(cctx, plan, sr.Name, fb, input)
		sr.Attempts += n
		if ferr == nil {
			sr.Value, sr.Error, sr.Fallback = v, nil, true
		} else {
			sr.Error = errors.Join(sr.Error, ferr)
		}
	}
	return sr
}

// call runs one capability, applying the retry and timeout hints.
func (o *Orchestrator) call(ctx context.Context, plan *Plan, stepName, capabilityID string, input value.Value) (value.Value, int, error) {
	attempts := 1
	if h := plan.Hints.Retry; h != nil && h.MaxRetries > 0 {
		attempts += h.MaxRetries
	}
	params := retry.BackoffParams{PlanID: plan.ID, StepName: stepName, CapabilityID: capabilityID}
	return retry.Do(ctx, params, retry.DefaultPolicy(attempts), o.sleep, func(ctx context.Context) (value.Value, error) {
		if h := plan.Hints.Timeout; h != nil && h.AbsoluteMs > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(h.AbsoluteMs)*time.Millisecond)
			defer cancel()
		}
		return o.exec.ExecuteCapability(ctx, capabilityID, input)
	})
}

// finish records the plan outcome and moves the intents that entered
// Executing to their final state.
func (o *Orchestrator) finish(ctx context.Context, plan *Plan, started causalchain.Action, executing []string, res *ExecutionResult) {
	var (
		final causalchain.Action
		err   error
	)
	if res.Success {
		plan.Status = PlanCompleted
		final, err = o.chain.LogPlanCompleted(ctx, started, value.ToJSON(res.Value))
	} else {
		plan.Status = PlanFailed
		final, err = o.chain.LogPlanAborted(ctx, started, res.Error.Error())
	}
	if err != nil {
		o.chain.MarkDegraded(ctx, fmt.Errorf("log outcome of plan %s: %w", plan.ID, err))
	}

	outcome := intentgraph.Result{Success: res.Success}
	if res.Success {
		outcome.Value = value.ToJSON(res.Value)
	} else {
		outcome.Error = res.Error.Error()
	}
	md := map[string]any{"triggering_action_id": final.ID}
	for _, id := range executing {
		if err := o.graph.UpdateIntentWithAudit(ctx, id, outcome, plan.ID, md); err != nil {
			o.logger.ErrorContext(ctx, "failed to update intent", "plan_id", plan.ID, "intent_id", id, "error", err)
			continue
		}
		if !res.Success {
			continue
		}
		if _, err := o.graph.TryCompleteParent(ctx, id); err != nil {
			o.logger.WarnContext(ctx, "parent completion failed", "intent_id", id, "error", err)
		}
	}

	if res.Success {
		o.logger.InfoContext(ctx, "plan completed", "plan_id", plan.ID, "steps", len(res.StepResults))
	} else {
		o.logger.WarnContext(ctx, "plan aborted", "plan_id", plan.ID, "error", res.Error)
	}
}
