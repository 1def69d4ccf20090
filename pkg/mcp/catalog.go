package mcp

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/Mindburn-Labs/ccos/core/pkg/marketplace"
)

// ToolRef is a tool advertised by a remote MCP server.
type ToolRef struct {
	Name        string
	Description string
	ServerURL   string
	Schema      map[string]any
}

// CapabilityID is the marketplace id a discovered tool registers under.
func (r ToolRef) CapabilityID(prefix string) string {
	return prefix + r.Name
}

func (r ToolRef) key() string { return r.ServerURL + "#" + r.Name }

func (r ToolRef) mentions(lowerQuery string) bool {
	return strings.Contains(strings.ToLower(r.Name), lowerQuery) ||
		strings.Contains(strings.ToLower(r.Description), lowerQuery)
}

// ToolCatalog remembers tools seen during discovery. The same tool name on
// two servers is two entries.
type ToolCatalog struct {
	mu    sync.RWMutex
	tools map[string]ToolRef
}

func NewToolCatalog() *ToolCatalog {
	return &ToolCatalog{tools: map[string]ToolRef{}}
}

// Register adds or replaces ref.
func (c *ToolCatalog) Register(ref ToolRef) error {
	if ref.Name == "" {
		return fmt.Errorf("tool from %q has no name", ref.ServerURL)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tools[ref.key()] = ref
	return nil
}

// Search returns tools whose name or description contains query, ignoring
// case, ordered by name then server.
func (c *ToolCatalog) Search(query string) []ToolRef {
	q := strings.ToLower(query)
	c.mu.RLock()
	hits := make([]ToolRef, 0, len(c.tools))
	for _, ref := range c.tools {
		if ref.mentions(q) {
			hits = append(hits, ref)
		}
	}
	c.mu.RUnlock()
	slices.SortFunc(hits, func(a, b ToolRef) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.ServerURL, b.ServerURL))
	})
	return hits
}

// Discover lists the tools of server, records them in the catalog and
// registers each as an MCP capability named prefix+tool.
func (c *ToolCatalog) Discover(ctx context.Context, pool *ClientPool, mp *marketplace.Marketplace, server marketplace.MCPProvider, prefix string) ([]string, error) {
	tools, err := pool.ListTools(ctx, server)
	if err != nil {
		return nil, fmt.Errorf("list tools on %s: %w", server.ServerURL, err)
	}
	ids := make([]string, 0, len(tools))
	for _, tool := range tools {
		ref := ToolRef{Name: tool.Name, Description: tool.Description, ServerURL: server.ServerURL, Schema: schemaMap(tool.InputSchema)}
		if err := c.Register(ref); err != nil {
			return ids, err
		}
		provider := server
		provider.ToolName = tool.Name
		id := ref.CapabilityID(prefix)
		err := mp.RegisterCapabilityManifest(ctx, marketplace.Manifest{
			ID:          id,
			Name:        tool.Name,
			Description: tool.Description,
			Provider:    provider,
			InputSchema: ref.Schema,
			Categories:  []string{"mcp"},
			Metadata:    map[string]string{"mcp_server": server.ServerURL},
		})
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// schemaMap normalizes a tool schema received over the wire.
func schemaMap(schema any) map[string]any {
	switch s := schema.(type) {
	case nil:
		return nil
	case map[string]any:
		return s
	default:
		data, err := json.Marshal(s)
		if err != nil {
			return nil
		}
		var m map[string]any
		if json.Unmarshal(data, &m) != nil {
			return nil
		}
		return m
	}
}
