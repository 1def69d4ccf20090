// Package causalchain is the append-only, hash-chained ledger of every audited action.
//
// Invariants:
//   - actions are never mutated or deleted after Append returns
//   - an action's parent must already be in the chain when it is appended
//   - one Chain imposes one total order (its Sequence)
package causalchain

import (
	"maps"
	"time"
)

// ActionType categorizes an action.
type ActionType string

const (
	ActionIntentCreated       ActionType = "IntentCreated"
	ActionStatusChanged       ActionType = "StatusChanged"
	ActionRelationshipCreated ActionType = "RelationshipCreated"
	ActionCapabilityCall      ActionType = "CapabilityCall"
	ActionCapabilityResult    ActionType = "CapabilityResult"
	ActionPlanStarted         ActionType = "PlanStarted"
	ActionPlanCompleted       ActionType = "PlanCompleted"
	ActionPlanAborted         ActionType = "PlanAborted"
	ActionGovernanceDecision  ActionType = "GovernanceDecision"
	ActionCapabilityAudit     ActionType = "CapabilityAudit"
)

// Outcome is the recorded result of an action that completed something.
type Outcome struct {
	Success bool   `json:"success"`
	Value   any    `json:"value,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Action is one immutable chain entry.
type Action struct {
	ID             string         `json:"action_id"`
	Sequence       uint64         `json:"sequence"`
	Type           ActionType     `json:"action_type"`
	PlanID         string         `json:"plan_id,omitempty"`
	IntentID       string         `json:"intent_id,omitempty"`
	SessionID      string         `json:"session_id,omitempty"`
	ParentActionID string         `json:"parent_action_id,omitempty"`
	FunctionName   string         `json:"function_name,omitempty"`
	Arguments      []any          `json:"arguments,omitempty"`
	Result         *Outcome       `json:"result,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	ActionHash     string         `json:"action_hash"`
	ChainHash      string         `json:"chain_hash"`
	Signature      string         `json:"signature,omitempty"`
}

// hashView is the portion of an action covered by its hash.
type hashView struct {
	ID             string         `json:"action_id"`
	Sequence       uint64         `json:"sequence"`
	Type           ActionType     `json:"action_type"`
	PlanID         string         `json:"plan_id"`
	IntentID       string         `json:"intent_id"`
	SessionID      string         `json:"session_id"`
	ParentActionID string         `json:"parent_action_id"`
	FunctionName   string         `json:"function_name"`
	Arguments      []any          `json:"arguments"`
	Result         *Outcome       `json:"result"`
	Metadata       map[string]any `json:"metadata"`
	Timestamp      int64          `json:"timestamp_ns"`
}

func (a *Action) hashView() hashView {
	return hashView{
		ID:             a.ID,
		Sequence:       a.Sequence,
		Type:           a.Type,
		PlanID:         a.PlanID,
		IntentID:       a.IntentID,
		SessionID:      a.SessionID,
		ParentActionID: a.ParentActionID,
		FunctionName:   a.FunctionName,
		Arguments:      a.Arguments,
		Result:         a.Result,
		Metadata:       a.Metadata,
		Timestamp:      a.Timestamp.UnixNano(),
	}
}

// clone returns a copy whose top-level collections are not shared with the chain.
func (a *Action) clone() Action {
	cp := *a
	cp.Metadata = maps.Clone(a.Metadata)
	if a.Arguments != nil {
		cp.Arguments = append([]any(nil), a.Arguments...)
	}
	if a.Result != nil {
		r := *a.Result
		cp.Result = &r
	}
	return cp
}

// redact drops the payload that could not be hashed. String and bool metadata
// survive so the action stays queryable by capability.
func (a *Action) redact(cause error) {
	md := make(map[string]any, len(a.Metadata)+2)
	for k, v := range a.Metadata {
		switch v.(type) {
		case string, bool:
			md[k] = v
		}
	}
	md["ungoverned"] = true
	md["unhashable"] = cause.Error()
	a.Metadata = md
	a.Arguments = nil
	if a.Result != nil {
		a.Result = &Outcome{Success: a.Result.Success, Error: a.Result.Error}
	}
}
