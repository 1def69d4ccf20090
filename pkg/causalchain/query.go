package causalchain

import (
	"strings"
	"time"
)

// Filter selects actions in Query. Zero fields match everything.
type Filter struct {
	IntentID       string
	PlanID         string
	Type           ActionType
	ParentActionID string
	FunctionPrefix string
	Start          time.Time
	End            time.Time
	MaxResults     int
}

func (f Filter) matches(a *Action) bool {
	if f.IntentID != "" && a.IntentID != f.IntentID {
		return false
	}
	if f.PlanID != "" && a.PlanID != f.PlanID {
		return false
	}
	if f.Type != "" && a.Type != f.Type {
		return false
	}
	if f.ParentActionID != "" && a.ParentActionID != f.ParentActionID {
		return false
	}
	if f.FunctionPrefix != "" && !strings.HasPrefix(a.FunctionName, f.FunctionPrefix) {
		return false
	}
	if !f.Start.IsZero() && a.Timestamp.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && a.Timestamp.After(f.End) {
		return false
	}
	return true
}

// Get returns the action with id.
func (c *Chain) Get(id string) (Action, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx, ok := c.byID[id]
	if !ok {
		return Action{}, false
	}
	return c.actions[idx].clone(), true
}

// GetParent returns the parent of the action with id, if it has one.
func (c *Chain) GetParent(id string) (Action, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx, ok := c.byID[id]
	if !ok || c.actions[idx].ParentActionID == "" {
		return Action{}, false
	}
	pidx, ok := c.byID[c.actions[idx].ParentActionID]
	if !ok {
		return Action{}, false
	}
	return c.actions[pidx].clone(), true
}

// GetChildren returns the direct children of id in append order.
func (c *Chain) GetChildren(id string) []Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.collect(c.children[id])
}

// GetActionsForPlan returns the plan's actions in append order.
func (c *Chain) GetActionsForPlan(planID string) []Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.collect(c.byPlan[planID])
}

func (c *Chain) GetActionsForIntent(intentID string) []Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.collect(c.byIntent[intentID])
}

// GetActionsForCapability returns calls and results for a capability function name.
func (c *Chain) GetActionsForCapability(name string) []Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.collect(c.byCapability[name])
}

// All returns every action in append order.
func (c *Chain) All() []Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Action, len(c.actions))
	for i, a := range c.actions {
		out[i] = a.clone()
	}
	return out
}

// Query scans the chain in append order.
func (c *Chain) Query(f Filter) []Action {
	c.mu.Lock()
	defer c.mu.Unlock()

	candidates := c.candidates(f)
	var out []Action
	for _, idx := range candidates {
		a := c.actions[idx]
		if !f.matches(a) {
			continue
		}
		out = append(out, a.clone())
		if f.MaxResults > 0 && len(out) >= f.MaxResults {
			break
		}
	}
	return out
}

// candidates narrows the scan using the most selective index available.
func (c *Chain) candidates(f Filter) []int {
	switch {
	case f.ParentActionID != "":
		return c.children[f.ParentActionID]
	case f.PlanID != "":
		return c.byPlan[f.PlanID]
	case f.IntentID != "":
		return c.byIntent[f.IntentID]
	}
	all := make([]int, len(c.actions))
	for i := range all {
		all[i] = i
	}
	return all
}

func (c *Chain) collect(idxs []int) []Action {
	out := make([]Action, 0, len(idxs))
	for _, idx := range idxs {
		out = append(out, c.actions[idx].clone())
	}
	return out
}
