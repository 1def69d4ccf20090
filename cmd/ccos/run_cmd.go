package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/ccos/core/pkg/intentgraph"
	"github.com/Mindburn-Labs/ccos/core/pkg/kernel/errorir"
	"github.com/Mindburn-Labs/ccos/core/pkg/orchestrator"
	"github.com/Mindburn-Labs/ccos/core/pkg/value"
)

type stepReport struct {
	Name       string `json:"name"`
	Capability string `json:"capability"`
	Attempts   int    `json:"attempts"`
	Simulated  bool   `json:"simulated,omitempty"`
	Fallback   bool   `json:"fallback,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

type runReport struct {
	PlanID  string           `json:"plan_id"`
	Success bool             `json:"success"`
	Value   any              `json:"value,omitempty"`
	Error   *errorir.ErrorIR `json:"error,omitempty"`
	Steps   []stepReport     `json:"steps"`
	Head    string           `json:"chain_head"`
}

// runPlanCmd implements `ccos run`.
//
// Exit codes:
//
//	0 = plan completed
//	1 = plan rejected or failed
//	2 = usage or runtime error
func runPlanCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("run", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		planPath   string
		manifests  string
		profile    string
		goal       string
		request    string
		jsonOutput bool
		noPersist  bool
		auditLog   bool
	)
	cmd.StringVar(&planPath, "plan", "", "Path to plan YAML (REQUIRED)")
	cmd.StringVar(&manifests, "manifests", "", "Directory of capability manifests to register")
	cmd.StringVar(&profile, "profile", "", "Sandbox profile name (default $CCOS_PROFILE)")
	cmd.StringVar(&goal, "goal", "", "Goal for intents the plan references but the graph lacks")
	cmd.StringVar(&request, "request", "", "Original request text for those intents")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")
	cmd.BoolVar(&noPersist, "no-persist", false, "Do not write the causal chain to the ledger")
	cmd.BoolVar(&auditLog, "audit", false, "Stream audit events to stderr")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if planPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --plan is required")
		return 2
	}

	plan, err := readPlan(planPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	cfg, err := loadConfig(stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	opts := serviceOptions{persist: !noPersist, manifests: manifests, profile: profile}
	if auditLog && cfg.AuditLog {
		opts.audit = stderr
	}

	ctx := context.Background()
	svc, err := newServices(ctx, cfg, opts)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer svc.Close(ctx)

	if goal == "" {
		goal = plan.Name
	}
	for _, id := range plan.IntentIDs {
		if _, ok := svc.Graph.GetIntent(id); ok {
			continue
		}
		if err := svc.Graph.StoreIntent(intentgraph.WithPlan(ctx, plan.ID), intentgraph.Intent{
			ID:              id,
			Name:            id,
			Goal:            goal,
			OriginalRequest: request,
		}); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
	}

	rc := svc.Profile.RuntimeContext(uuid.NewString())
	res, err := svc.Kernel.ExecutePlanGoverned(ctx, plan, rc)
	if err != nil && res.Error == nil {
		res.Error = err
	}

	report := buildReport(res, svc.Chain.Head())
	if jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		printReport(stdout, report)
	}
	if !report.Success {
		return 1
	}
	return 0
}

func readPlan(path string) (*orchestrator.Plan, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open plan: %w", err)
	}
	defer func() { _ = f.Close() }()
	plan, err := orchestrator.LoadPlan(f)
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", path, err)
	}
	return plan, nil
}

func buildReport(res orchestrator.ExecutionResult, head string) runReport {
	r := runReport{PlanID: res.PlanID, Success: res.Success && res.Error == nil, Head: head}
	if res.Value != nil {
		r.Value = value.ToJSON(res.Value)
	}
	if res.Error != nil {
		ir := errorIR(res.Error)
		r.Error = &ir
	}
	for _, s := range res.StepResults {
		sr := stepReport{
			Name:       s.Name,
			Capability: s.Capability,
			Attempts:   s.Attempts,
			Simulated:  s.Simulated,
			Fallback:   s.Fallback,
			DurationMs: s.Duration.Milliseconds(),
		}
		if s.Error != nil {
			sr.Error = s.Error.Error()
		}
		r.Steps = append(r.Steps, sr)
	}
	return r
}

// errorIR renders typed errors as-is and everything else as an execution failure.
func errorIR(err error) errorir.ErrorIR {
	var e *errorir.Error
	if errors.As(err, &e) {
		ir := e.ToErrorIR()
		ir.Detail = err.Error()
		return ir
	}
	return errorir.ExecutionFailed("%v", err).ToErrorIR()
}

func printReport(w io.Writer, r runReport) {
	if r.Success {
		_, _ = fmt.Fprintf(w, "%s✅ Plan %s completed%s\n", ColorGreen, r.PlanID, ColorReset)
	} else {
		_, _ = fmt.Fprintf(w, "%s❌ Plan %s did not complete%s\n", ColorRed, r.PlanID, ColorReset)
	}
	for _, s := range r.Steps {
		status := "ok"
		switch {
		case s.Error != "":
			status = "failed: " + s.Error
		case s.Simulated:
			status = "simulated"
		case s.Fallback:
			status = "ok (fallback)"
		}
		_, _ = fmt.Fprintf(w, "  %-16s %-28s attempts=%d %s\n", s.Name, s.Capability, s.Attempts, status)
	}
	if r.Error != nil {
		_, _ = fmt.Fprintf(w, "Error: %s (%s)\n", r.Error.Detail, r.Error.CCOS.ErrorCode)
	}
	if r.Value != nil {
		data, _ := json.Marshal(r.Value)
		_, _ = fmt.Fprintf(w, "Value: %s\n", data)
	}
	_, _ = fmt.Fprintf(w, "%sChain head: %s%s\n", ColorGray, r.Head, ColorReset)
}
