// Package audit renders causal chain actions as structured audit records.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/Mindburn-Labs/ccos/core/pkg/causalchain"
)

// EventType defines the category of the audit event.
type EventType string

const (
	EventIntent     EventType = "INTENT"
	EventCapability EventType = "CAPABILITY"
	EventPlan       EventType = "PLAN"
	EventPolicy     EventType = "POLICY"
	EventSystem     EventType = "SYSTEM"
)

// Event represents a structured audit record.
type Event struct {
	ID        string         `json:"id"`
	ActorID   string         `json:"actor_id"`
	Type      EventType      `json:"type"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource"`
	PlanID    string         `json:"plan_id,omitempty"`
	IntentID  string         `json:"intent_id,omitempty"`
	ChainHash string         `json:"chain_hash,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type actorKey struct{}

// WithActor tags ctx with the principal recorded on audit events.
func WithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorKey{}, actorID)
}

func actorFrom(ctx context.Context) string {
	if id, ok := ctx.Value(actorKey{}).(string); ok && id != "" {
		return id
	}
	return "system"
}

// Logger writes one "AUDIT: "-prefixed JSON line per event.
type Logger struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewLogger creates a Logger writing to os.Stdout.
func NewLogger() *Logger {
	return NewLoggerWithWriter(os.Stdout)
}

// NewLoggerWithWriter creates a Logger writing to the given writer.
func NewLoggerWithWriter(w io.Writer) *Logger {
	if w == nil {
		w = os.Stdout
	}
	return &Logger{writer: w}
}

func (l *Logger) Write(ctx context.Context, event Event) error {
	if event.ActorID == "" {
		event.ActorID = actorFrom(ctx)
	}
	bytes, err := json.Marshal(event)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	// Prefix with AUDIT: for easy filtering
	_, err = l.writer.Write(append([]byte("AUDIT: "), append(bytes, '\n')...))
	return err
}

// OnAction implements causalchain.Sink.
func (l *Logger) OnAction(ctx context.Context, a causalchain.Action) error {
	return l.Write(ctx, EventFromAction(a))
}

// EventFromAction maps an action onto the audit record shape.
func EventFromAction(a causalchain.Action) Event {
	md := make(map[string]any, len(a.Metadata)+2)
	for k, v := range a.Metadata {
		md[k] = v
	}
	if a.Result != nil {
		md["success"] = a.Result.Success
		if a.Result.Error != "" {
			md["error"] = a.Result.Error
		}
	}
	return Event{
		ID:        a.ID,
		Type:      categorize(a.Type),
		Action:    string(a.Type),
		Resource:  a.FunctionName,
		PlanID:    a.PlanID,
		IntentID:  a.IntentID,
		ChainHash: a.ChainHash,
		Timestamp: a.Timestamp,
		Metadata:  md,
	}
}

func categorize(t causalchain.ActionType) EventType {
	switch t {
	case causalchain.ActionIntentCreated, causalchain.ActionStatusChanged, causalchain.ActionRelationshipCreated:
		return EventIntent
	case causalchain.ActionCapabilityCall, causalchain.ActionCapabilityResult, causalchain.ActionCapabilityAudit:
		return EventCapability
	case causalchain.ActionPlanStarted, causalchain.ActionPlanCompleted, causalchain.ActionPlanAborted:
		return EventPlan
	case causalchain.ActionGovernanceDecision:
		return EventPolicy
	default:
		return EventSystem
	}
}

var _ causalchain.Sink = (*Logger)(nil)
