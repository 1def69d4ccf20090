package intentgraph

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Mindburn-Labs/ccos/core/pkg/kernel/errorir"
)

// Graph is the in-memory intent graph. One mutex guards all state; there are
// no multi-call transactions.
type Graph struct {
	mu      sync.Mutex
	intents map[string]*Intent
	edges   []Edge
	sink    EventSink
	clock   func() time.Time
	logger  *slog.Logger
}

func New(sink EventSink) *Graph {
	if sink == nil {
		sink = NopSink{}
	}
	return &Graph{
		intents: make(map[string]*Intent),
		sink:    sink,
		clock:   time.Now,
		logger:  slog.Default().With("component", "intentgraph"),
	}
}

// WithClock overrides clock for testing.
func (g *Graph) WithClock(clock func() time.Time) *Graph {
	g.clock = clock
	return g
}

// StoreIntent inserts or replaces an intent. Only the first insert emits
// IntentCreated, and a new intent's status defaults to Active.
//
// Replacing keeps the stored status and its transition history. A different
// non-empty status is applied as an audited transition, so a terminal intent
// cannot be reopened by storing it again.
func (g *Graph) StoreIntent(ctx context.Context, intent Intent) error {
	if intent.ID == "" {
		return errorir.InvalidArgument("intent id is required")
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock().UTC()
	in := intent.clone()
	in.UpdatedAt = now

	if existing, ok := g.intents[in.ID]; ok {
		return g.replaceLocked(ctx, existing, in)
	}

	if in.Status == "" {
		in.Status = StatusActive
	}

	if in.CreatedAt.IsZero() {
		in.CreatedAt = now
	}
	g.intents[in.ID] = &in
	g.emit(ctx, "intent created", func() error {
		return g.sink.IntentCreated(ctx, PlanFrom(ctx), in.ID, in.Goal, triggeredBy(in))
	})
	return nil
}

func (g *Graph) replaceLocked(ctx context.Context, existing *Intent, in Intent) error {
	requested := in.Status
	in.Status = existing.Status
	in.CreatedAt = existing.CreatedAt
	if in.ParentID == "" {
		in.ParentID = existing.ParentID
	}
	for k, v := range existing.Metadata {
		if strings.HasPrefix(k, transitionKeyPrefix) {
			if in.Metadata == nil {
				in.Metadata = make(map[string]any)
			}
			in.Metadata[k] = v
		}
	}

	g.intents[in.ID] = &in
	if requested == "" || requested == existing.Status {
		return nil
	}
	if err := g.setStatusLocked(ctx, in.ID, requested, "intent replaced", nil); err != nil {
		g.intents[in.ID] = existing
		return err
	}
	return nil
}

func triggeredBy(in Intent) string {
	if v, ok := in.Metadata["triggered_by"].(string); ok && v != "" {
		return v
	}
	return "user_request"
}

// GetIntent returns a copy of the intent.
func (g *Graph) GetIntent(id string) (Intent, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	in, ok := g.intents[id]
	if !ok {
		return Intent{}, false
	}
	return in.clone(), true
}

// CreateEdge adds a relationship. See CreateEdgeWithMetadata.
func (g *Graph) CreateEdge(ctx context.Context, from, to string, typ EdgeType) error {
	return g.CreateEdgeWithMetadata(ctx, from, to, typ, nil, nil)
}

// CreateEdgeWithMetadata adds a weighted, annotated relationship.
// DependsOn edges must keep the graph acyclic and an intent has at most one
// IsSubgoalOf parent.
func (g *Graph) CreateEdgeWithMetadata(ctx context.Context, from, to string, typ EdgeType, weight *float64, metadata map[string]any) error {
	if typ != IsSubgoalOf && typ != DependsOn {
		return errorir.InvalidArgument("unknown edge type %q", typ)
	}
	if from == to {
		return errorir.InvalidArgument("intent %s cannot relate to itself", from)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	child, ok := g.intents[from]
	if !ok {
		return errorir.NotFound("intent %s not found", from)
	}
	if _, ok := g.intents[to]; !ok {
		return errorir.NotFound("intent %s not found", to)
	}
	for _, e := range g.edges {
		if e.From == from && e.To == to && e.Type == typ {
			return errorir.Conflict("edge %s -%s-> %s already exists", from, typ, to)
		}
	}

	switch typ {
	case IsSubgoalOf:
		for _, e := range g.edges {
			if e.Type == IsSubgoalOf && e.From == from {
				return errorir.Conflict("intent %s already has parent %s", from, e.To)
			}
		}
		if g.ancestorLocked(to, from) {
			return errorir.Conflict("subgoal edge %s -> %s would create a cycle", from, to)
		}
	case DependsOn:
		if g.reachableLocked(to, from) {
			return errorir.Conflict("dependency %s -> %s would create a cycle", from, to)
		}
	}

	edge := Edge{From: from, To: to, Type: typ, Weight: weight}
	if len(metadata) > 0 {
		edge.Metadata = make(map[string]any, len(metadata))
		for k, v := range metadata {
			edge.Metadata[k] = v
		}
	}
	g.edges = append(g.edges, edge)
	if typ == IsSubgoalOf {
		child.ParentID = to
		child.UpdatedAt = g.clock().UTC()
	}

	g.emit(ctx, "relationship created", func() error {
		return g.sink.IntentRelationshipCreated(ctx, PlanFrom(ctx), from, from, to, string(typ), weight, metadata)
	})
	return nil
}

// reachableLocked reports whether target is reachable from start over DependsOn edges.
func (g *Graph) reachableLocked(start, target string) bool {
	visited := map[string]bool{}
	stack := []string{start}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if node == target {
			return true
		}
		if visited[node] {
			continue
		}
		visited[node] = true
		for _, e := range g.edges {
			if e.Type == DependsOn && e.From == node {
				stack = append(stack, e.To)
			}
		}
	}
	return false
}

// ancestorLocked reports whether candidate is id or one of id's subgoal ancestors.
func (g *Graph) ancestorLocked(id, candidate string) bool {
	seen := map[string]bool{}
	for id != "" && !seen[id] {
		if id == candidate {
			return true
		}
		seen[id] = true
		in, ok := g.intents[id]
		if !ok {
			return false
		}
		id = in.ParentID
	}
	return false
}

// GetEdgesForIntent returns edges where id is either endpoint.
func (g *Graph) GetEdgesForIntent(id string) []Edge {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []Edge
	for _, e := range g.edges {
		if e.From == id || e.To == id {
			out = append(out, e)
		}
	}
	return out
}

// GetChildIntents returns the IsSubgoalOf children of id.
func (g *Graph) GetChildIntents(id string) []Intent {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.childrenLocked(id)
}

func (g *Graph) childrenLocked(id string) []Intent {
	var out []Intent
	for _, e := range g.edges {
		if e.Type == IsSubgoalOf && e.To == id {
			if in, ok := g.intents[e.From]; ok {
				out = append(out, in.clone())
			}
		}
	}
	return out
}

// GetParentIntent returns the IsSubgoalOf parent of id.
func (g *Graph) GetParentIntent(id string) (Intent, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	in, ok := g.intents[id]
	if !ok || in.ParentID == "" {
		return Intent{}, false
	}
	p, ok := g.intents[in.ParentID]
	if !ok {
		return Intent{}, false
	}
	return p.clone(), true
}

// GetPrerequisites returns the intents id depends on.
func (g *Graph) GetPrerequisites(id string) []Intent {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []Intent
	for _, e := range g.edges {
		if e.Type == DependsOn && e.From == id {
			if in, ok := g.intents[e.To]; ok {
				out = append(out, in.clone())
			}
		}
	}
	return out
}

// GetDependentIntents returns the intents that depend on id.
func (g *Graph) GetDependentIntents(id string) []Intent {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []Intent
	for _, e := range g.edges {
		if e.Type == DependsOn && e.To == id {
			if in, ok := g.intents[e.From]; ok {
				out = append(out, in.clone())
			}
		}
	}
	return out
}

// FindRelevantIntents returns intents whose goal contains query, case-insensitively.
func (g *Graph) FindRelevantIntents(query string) []Intent {
	q := strings.ToLower(query)
	return g.filter(func(in *Intent) bool {
		return strings.Contains(strings.ToLower(in.Goal), q)
	})
}

// IntentsByStatus returns intents in status s ordered by creation.
func (g *Graph) IntentsByStatus(s Status) []Intent {
	return g.filter(func(in *Intent) bool { return in.Status == s })
}

// IntentsNeedingAttention returns failed intents.
func (g *Graph) IntentsNeedingAttention() []Intent {
	return g.IntentsByStatus(StatusFailed)
}

// Count returns the number of intents.
func (g *Graph) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.intents)
}

func (g *Graph) filter(keep func(*Intent) bool) []Intent {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []Intent
	for _, in := range g.intents {
		if keep(in) {
			out = append(out, in.clone())
		}
	}
	sortIntents(out)
	return out
}

func sortIntents(in []Intent) {
	sort.Slice(in, func(i, j int) bool {
		if !in[i].CreatedAt.Equal(in[j].CreatedAt) {
			return in[i].CreatedAt.Before(in[j].CreatedAt)
		}
		return in[i].ID < in[j].ID
	})
}

func (g *Graph) emit(ctx context.Context, what string, fn func() error) {
	if err := fn(); err != nil {
		g.logger.WarnContext(ctx, "failed to audit intent graph event", "event", what, "error", err)
	}
}

type snapshot struct {
	Intents []Intent `json:"intents"`
	Edges   []Edge   `json:"edges"`
}

// Backup writes the graph as JSON.
func (g *Graph) Backup(w io.Writer) error {
	g.mu.Lock()
	snap := snapshot{Edges: append([]Edge(nil), g.edges...)}
	for _, in := range g.intents {
		snap.Intents = append(snap.Intents, in.clone())
	}
	g.mu.Unlock()

	sortIntents(snap.Intents)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}

// Restore replaces the graph with a Backup. No audit events are emitted;
// the restored history is already in the chain.
func (g *Graph) Restore(r io.Reader) error {
	var snap snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return errorir.InvalidArgument("invalid intent graph backup: %v", err)
	}
	intents := make(map[string]*Intent, len(snap.Intents))
	for i := range snap.Intents {
		in := snap.Intents[i]
		intents[in.ID] = &in
	}
	for _, e := range snap.Edges {
		if intents[e.From] == nil || intents[e.To] == nil {
			return errorir.InvalidArgument("backup edge %s -> %s references unknown intent", e.From, e.To)
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.intents = intents
	g.edges = snap.Edges
	return nil
}
