package intentgraph

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/Mindburn-Labs/ccos/core/pkg/kernel/errorir"
)

const transitionKeyPrefix = "status_transition_"

func validateTransition(from, to Status) error {
	switch from {
	case StatusActive:
		return nil
	case StatusExecuting:
		if to == StatusCompleted || to == StatusFailed || to == StatusActive {
			return nil
		}
	case StatusFailed:
		// explicit retry only
		if to == StatusActive {
			return nil
		}
	}
	return errorir.Conflict("cannot transition intent from %s to %s", from, to)
}

// SetIntentStatusWithAudit transitions an intent and emits exactly one status
// change event. A "triggering_action_id" metadata entry is forwarded to the sink.
// Entering Executing requires every DependsOn prerequisite to be Completed.
func (g *Graph) SetIntentStatusWithAudit(ctx context.Context, id string, status Status, reason string, metadata map[string]any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.setStatusLocked(ctx, id, status, reason, metadata)
}

func (g *Graph) setStatusLocked(ctx context.Context, id string, status Status, reason string, metadata map[string]any) error {
	in, ok := g.intents[id]
	if !ok {
		return errorir.NotFound("intent %s not found", id)
	}
	old := in.Status
	if err := validateTransition(old, status); err != nil {
		return err
	}
	if status == StatusExecuting {
		if err := g.checkDependenciesLocked(id); err != nil {
			return err
		}
	}

	now := g.clock().UTC()
	in.Status = status
	in.UpdatedAt = now
	if in.Metadata == nil {
		in.Metadata = make(map[string]any)
	}
	count := 0
	for k := range in.Metadata {
		if strings.HasPrefix(k, transitionKeyPrefix) {
			count++
		}
	}
	key := fmt.Sprintf("%s%d_%d", transitionKeyPrefix, now.Unix(), count)
	in.Metadata[key] = fmt.Sprintf("%d: %s -> %s (reason: %s)", now.Unix(), old, status, reason)

	trigger, _ := metadata["triggering_action_id"].(string)
	g.emit(ctx, "status changed", func() error {
		return g.sink.IntentStatusChanged(ctx, PlanFrom(ctx), id, string(old), string(status), reason, trigger, metadata)
	})
	return nil
}

// UpdateIntentWithAudit records an execution result on the intent and moves it
// to Completed or Failed accordingly.
func (g *Graph) UpdateIntentWithAudit(ctx context.Context, id string, result Result, planID string, metadata map[string]any) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	in, ok := g.intents[id]
	if !ok {
		return errorir.NotFound("intent %s not found", id)
	}
	if in.Metadata == nil {
		in.Metadata = make(map[string]any)
	}
	in.Metadata["last_result_success"] = result.Success
	if result.Value != nil {
		in.Metadata["last_result_value"] = result.Value
	}
	if result.Error != "" {
		in.Metadata["last_error"] = result.Error
	}
	if planID != "" {
		in.Metadata["last_plan_id"] = planID
		ctx = WithPlan(ctx, planID)
	}

	target, reason := StatusCompleted, "intent completed successfully"
	if !result.Success {
		target, reason = StatusFailed, "intent failed: "+result.Error
	}
	return g.setStatusLocked(ctx, id, target, reason, metadata)
}

// GetStatusHistory returns the recorded transitions in order.
func (g *Graph) GetStatusHistory(id string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	in, ok := g.intents[id]
	if !ok {
		return nil, errorir.NotFound("intent %s not found", id)
	}

	type entry struct {
		ts, n int64
		text  string
	}
	var entries []entry
	for k, v := range in.Metadata {
		rest, ok := strings.CutPrefix(k, transitionKeyPrefix)
		if !ok {
			continue
		}
		tsPart, nPart, _ := strings.Cut(rest, "_")
		ts, _ := strconv.ParseInt(tsPart, 10, 64)
		n, _ := strconv.ParseInt(nPart, 10, 64)
		text, _ := v.(string)
		entries = append(entries, entry{ts: ts, n: n, text: text})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].ts != entries[j].ts {
			return entries[i].ts < entries[j].ts
		}
		return entries[i].n < entries[j].n
	})
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.text
	}
	return out, nil
}
