package causalchain

import (
	"context"
	"sync"

	"github.com/Mindburn-Labs/ccos/core/pkg/kernel/errorir"
)

// IntentSink adapts a Chain to the intent graph's audit sink.
type IntentSink struct {
	Chain *Chain
}

func (s IntentSink) IntentCreated(ctx context.Context, planID, intentID, goal, triggeredBy string) error {
	_, err := s.Chain.LogIntentCreated(ctx, planID, intentID, goal, triggeredBy)
	return err
}

func (s IntentSink) IntentStatusChanged(ctx context.Context, planID, intentID, oldStatus, newStatus, reason, triggeringActionID string, metadata map[string]any) error {
	_, err := s.Chain.LogIntentStatusChange(ctx, planID, intentID, oldStatus, newStatus, reason, triggeringActionID, metadata)
	return err
}

func (s IntentSink) IntentRelationshipCreated(ctx context.Context, planID, intentID, from, to, relType string, weight *float64, metadata map[string]any) error {
	_, err := s.Chain.LogIntentRelationshipCreated(ctx, planID, intentID, from, to, relType, weight, metadata)
	return err
}

// MemoryStore is a Store backed by a slice. Useful for tests and single-process runs.
type MemoryStore struct {
	mu      sync.Mutex
	actions []Action
	// FailWith, when set, is returned by AppendAction.
	FailWith error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) AppendAction(_ context.Context, a *Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	m.actions = append(m.actions, a.clone())
	return nil
}

func (m *MemoryStore) ActionsForPlan(_ context.Context, planID string) ([]Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Action
	for i := range m.actions {
		if m.actions[i].PlanID == planID {
			out = append(out, m.actions[i].clone())
		}
	}
	return out, nil
}

// LoadPlan builds a read-only chain view of one plan's persisted actions.
// The view is re-indexed but not re-hashed; use VerifyActions on the full
// sequence to check integrity.
func LoadPlan(ctx context.Context, store Store, planID string) (*Chain, error) {
	actions, err := store.ActionsForPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	c := New()
	for i := range actions {
		a := actions[i].clone()
		c.index(&a)
	}
	return c, nil
}

// Loader reads a full persisted chain in append order.
type Loader interface {
	AllActions(ctx context.Context) ([]Action, error)
}

// Resume verifies a persisted chain and continues appending after its head.
// It must be called before the first Append.
func (c *Chain) Resume(ctx context.Context, l Loader) error {
	actions, err := l.AllActions(ctx)
	if err != nil {
		return err
	}
	if err := VerifyActions(actions, c.signer); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.actions) > 0 {
		return errorir.Conflict("chain already has %d actions", len(c.actions))
	}
	for i := range actions {
		a := actions[i].clone()
		c.index(&a)
	}
	c.logger.InfoContext(ctx, "resumed causal chain", "actions", len(actions), "head", c.head)
	return nil
}
