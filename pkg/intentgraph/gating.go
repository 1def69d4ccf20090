package intentgraph

import (
	"context"
	"sort"
	"strings"

	"github.com/Mindburn-Labs/ccos/core/pkg/kernel/errorir"
)

// CheckDependencies fails closed: a missing or incomplete prerequisite blocks
// execution. The error names every blocking prerequisite.
func (g *Graph) CheckDependencies(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.checkDependenciesLocked(id)
}

func (g *Graph) checkDependenciesLocked(id string) error {
	if _, ok := g.intents[id]; !ok {
		return errorir.NotFound("intent %s not found", id)
	}
	var blocking []string
	for _, e := range g.edges {
		if e.Type != DependsOn || e.From != id {
			continue
		}
		pre, ok := g.intents[e.To]
		switch {
		case !ok:
			blocking = append(blocking, e.To+" (missing)")
		case pre.Status != StatusCompleted:
			blocking = append(blocking, e.To+" ("+string(pre.Status)+")")
		}
	}
	if len(blocking) > 0 {
		sort.Strings(blocking)
		return errorir.DependencyNotSatisfied("intent %s blocked by %s", id, strings.Join(blocking, ", "))
	}
	return nil
}

// CanExecute reports whether every prerequisite of id is Completed.
func (g *Graph) CanExecute(id string) bool {
	return g.CheckDependencies(id) == nil
}

// CanComplete reports whether id has at least one subgoal and all of them are
// Completed. Parents without subgoals are never completed implicitly.
func (g *Graph) CanComplete(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.canCompleteLocked(id)
}

func (g *Graph) canCompleteLocked(id string) bool {
	children := g.childrenLocked(id)
	if len(children) == 0 {
		return false
	}
	for _, c := range children {
		if c.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// TryCompleteParent completes the parent of childID when all of its subgoals
// are Completed, and continues up the hierarchy. It reports whether the direct
// parent was completed by this call.
func (g *Graph) TryCompleteParent(ctx context.Context, childID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	completedDirect := false
	id := childID
	for depth := 0; ; depth++ {
		in, ok := g.intents[id]
		if !ok {
			return completedDirect, errorir.NotFound("intent %s not found", id)
		}
		parent, ok := g.intents[in.ParentID]
		if !ok || parent.Status.Terminal() || !g.canCompleteLocked(parent.ID) {
			return completedDirect, nil
		}
		if err := g.setStatusLocked(ctx, parent.ID, StatusCompleted, "all subgoals completed", map[string]any{"completed_by_child": childID}); err != nil {
			return completedDirect, err
		}
		if depth == 0 {
			completedDirect = true
		}
		id = parent.ID
	}
}

// ReadyIntents returns Active intents whose prerequisites are all Completed,
// ordered by creation time then id.
func (g *Graph) ReadyIntents() []Intent {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []Intent
	for id, in := range g.intents {
		if in.Status != StatusActive {
			continue
		}
		if g.checkDependenciesLocked(id) != nil {
			continue
		}
		out = append(out, in.clone())
	}
	sortIntents(out)
	return out
}
