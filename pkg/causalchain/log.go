package causalchain

import (
	"context"
	"time"
)

// LogIntentCreated records the creation of an intent.
func (c *Chain) LogIntentCreated(ctx context.Context, planID, intentID, goal, triggeredBy string) (Action, error) {
	return c.Append(ctx, Action{
		Type:         ActionIntentCreated,
		PlanID:       planID,
		IntentID:     intentID,
		FunctionName: "intent.create",
		Metadata: map[string]any{
			"goal":         goal,
			"triggered_by": triggeredBy,
		},
	})
}

// LogIntentStatusChange records a status transition. Caller metadata is merged
// after the standard keys and cannot override them.
func (c *Chain) LogIntentStatusChange(ctx context.Context, planID, intentID, oldStatus, newStatus, reason, triggeringActionID string, metadata map[string]any) (Action, error) {
	md := make(map[string]any, len(metadata)+5)
	for k, v := range metadata {
		md[k] = v
	}
	md["old_status"] = oldStatus
	md["new_status"] = newStatus
	md["reason"] = reason
	md["transition_timestamp"] = c.clock().UTC().Format(time.RFC3339Nano)
	if triggeringActionID != "" {
		md["triggering_action_id"] = triggeringActionID
	}
	return c.Append(ctx, Action{
		Type:         ActionStatusChanged,
		PlanID:       planID,
		IntentID:     intentID,
		FunctionName: "intent.status_change",
		Metadata:     md,
	})
}

// LogIntentRelationshipCreated records a new edge. Extra metadata keys are
// prefixed with "rel_".
func (c *Chain) LogIntentRelationshipCreated(ctx context.Context, planID, intentID, from, to, relType string, weight *float64, metadata map[string]any) (Action, error) {
	md := map[string]any{
		"from_intent":       from,
		"to_intent":         to,
		"relationship_type": relType,
	}
	if weight != nil {
		md["weight"] = *weight
	}
	for k, v := range metadata {
		md["rel_"+k] = v
	}
	return c.Append(ctx, Action{
		Type:         ActionRelationshipCreated,
		PlanID:       planID,
		IntentID:     intentID,
		FunctionName: "intent.relationship",
		Metadata:     md,
	})
}

// LogCapabilityCall records a capability invocation before it runs.
func (c *Chain) LogCapabilityCall(ctx context.Context, sessionID, planID, intentID, capabilityID, functionName string, args []any) (Action, error) {
	if functionName == "" {
		functionName = capabilityID
	}
	return c.Append(ctx, Action{
		Type:         ActionCapabilityCall,
		PlanID:       planID,
		IntentID:     intentID,
		SessionID:    sessionID,
		FunctionName: functionName,
		Arguments:    args,
		Metadata:     map[string]any{"capability_id": capabilityID},
	})
}

// RecordResult appends the CapabilityResult for call.
func (c *Chain) RecordResult(ctx context.Context, call Action, result Outcome) (Action, error) {
	md := map[string]any{}
	if capID, ok := call.Metadata["capability_id"]; ok {
		md["capability_id"] = capID
	}
	return c.Append(ctx, Action{
		Type:           ActionCapabilityResult,
		PlanID:         call.PlanID,
		IntentID:       call.IntentID,
		SessionID:      call.SessionID,
		ParentActionID: call.ID,
		FunctionName:   call.FunctionName,
		Result:         &result,
		Metadata:       md,
	})
}

// LogPlanStarted records the start of a plan run.
func (c *Chain) LogPlanStarted(ctx context.Context, planID string, intentIDs []string, metadata map[string]any) (Action, error) {
	md := map[string]any{"intent_ids": stringsToAny(intentIDs)}
	for k, v := range metadata {
		md[k] = v
	}
	return c.Append(ctx, Action{
		Type:         ActionPlanStarted,
		PlanID:       planID,
		FunctionName: "plan.start",
		Metadata:     md,
	})
}

// LogPlanCompleted records a successful plan run, parented on its PlanStarted action.
func (c *Chain) LogPlanCompleted(ctx context.Context, started Action, value any) (Action, error) {
	return c.Append(ctx, Action{
		Type:           ActionPlanCompleted,
		PlanID:         started.PlanID,
		ParentActionID: started.ID,
		FunctionName:   "plan.complete",
		Result:         &Outcome{Success: true, Value: value},
	})
}

// LogPlanAborted records a failed plan run.
func (c *Chain) LogPlanAborted(ctx context.Context, started Action, reason string) (Action, error) {
	return c.Append(ctx, Action{
		Type:           ActionPlanAborted,
		PlanID:         started.PlanID,
		ParentActionID: started.ID,
		FunctionName:   "plan.abort",
		Result:         &Outcome{Success: false, Error: reason},
	})
}

// LogGovernanceDecision records an approval or rejection by the governance kernel.
func (c *Chain) LogGovernanceDecision(ctx context.Context, planID, decision, reason string, metadata map[string]any) (Action, error) {
	md := map[string]any{"decision": decision, "reason": reason}
	for k, v := range metadata {
		md[k] = v
	}
	return c.Append(ctx, Action{
		Type:         ActionGovernanceDecision,
		PlanID:       planID,
		FunctionName: "governance.decide",
		Result:       &Outcome{Success: decision == "approved", Error: rejectionText(decision, reason)},
		Metadata:     md,
	})
}

// LogCapabilityAudit records a marketplace lifecycle event, e.g. registration.
func (c *Chain) LogCapabilityAudit(ctx context.Context, event, capabilityID string, data map[string]any) (Action, error) {
	md := map[string]any{"event": event, "capability_id": capabilityID}
	for k, v := range data {
		md[k] = v
	}
	return c.Append(ctx, Action{
		Type:         ActionCapabilityAudit,
		FunctionName: capabilityID,
		Metadata:     md,
	})
}

func rejectionText(decision, reason string) string {
	if decision == "approved" {
		return ""
	}
	return reason
}

func stringsToAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
