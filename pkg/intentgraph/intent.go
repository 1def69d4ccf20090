// Package intentgraph holds intents and the typed edges between them.
//
// All mutation goes through Graph methods, which emit an audit event to the
// configured EventSink for every create, relationship and status transition.
package intentgraph

import (
	"context"
	"maps"
	"time"
)

// Status is the lifecycle state of an intent.
type Status string

const (
	StatusActive    Status = "Active"
	StatusExecuting Status = "Executing"
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
)

// Terminal reports whether s is never left automatically.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// EdgeType is the relationship between two intents.
type EdgeType string

const (
	// IsSubgoalOf links From (child) to To (parent).
	IsSubgoalOf EdgeType = "IsSubgoalOf"
	// DependsOn links From (dependent) to To (prerequisite).
	DependsOn EdgeType = "DependsOn"
)

// Intent is one goal node.
type Intent struct {
	ID              string         `json:"intent_id"`
	Name            string         `json:"name,omitempty"`
	Goal            string         `json:"goal"`
	OriginalRequest string         `json:"original_request,omitempty"`
	Status          Status         `json:"status"`
	ParentID        string         `json:"parent_intent,omitempty"`
	Constraints     map[string]any `json:"constraints,omitempty"`
	Preferences     map[string]any `json:"preferences,omitempty"`
	SuccessCriteria string         `json:"success_criteria,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

func (i *Intent) clone() Intent {
	cp := *i
	cp.Constraints = maps.Clone(i.Constraints)
	cp.Preferences = maps.Clone(i.Preferences)
	cp.Metadata = maps.Clone(i.Metadata)
	return cp
}

// Edge is a directed relationship.
type Edge struct {
	From     string         `json:"from"`
	To       string         `json:"to"`
	Type     EdgeType       `json:"edge_type"`
	Weight   *float64       `json:"weight,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Result is the outcome recorded by UpdateIntentWithAudit.
type Result struct {
	Success bool
	Value   any
	Error   string
}

// EventSink receives the audit trail of graph mutations.
// causalchain.IntentSink implements it.
type EventSink interface {
	IntentCreated(ctx context.Context, planID, intentID, goal, triggeredBy string) error
	IntentStatusChanged(ctx context.Context, planID, intentID, oldStatus, newStatus, reason, triggeringActionID string, metadata map[string]any) error
	IntentRelationshipCreated(ctx context.Context, planID, intentID, from, to, relType string, weight *float64, metadata map[string]any) error
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) IntentCreated(context.Context, string, string, string, string) error { return nil }
func (NopSink) IntentStatusChanged(context.Context, string, string, string, string, string, string, map[string]any) error {
	return nil
}
func (NopSink) IntentRelationshipCreated(context.Context, string, string, string, string, string, *float64, map[string]any) error {
	return nil
}

type planKey struct{}

// WithPlan tags ctx with the plan id recorded on emitted events.
func WithPlan(ctx context.Context, planID string) context.Context {
	return context.WithValue(ctx, planKey{}, planID)
}

// PlanFrom returns the plan id set by WithPlan.
func PlanFrom(ctx context.Context) string {
	id, _ := ctx.Value(planKey{}).(string)
	return id
}
