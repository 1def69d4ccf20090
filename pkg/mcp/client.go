// Package mcp connects the marketplace to Model Context Protocol servers in
// both directions: ClientPool calls remote tools for MCP capabilities, and
// Server publishes registered capabilities as tools.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Mindburn-Labs/ccos/core/pkg/kernel/errorir"
	"github.com/Mindburn-Labs/ccos/core/pkg/marketplace"
	"github.com/Mindburn-Labs/ccos/core/pkg/value"
)

// Dialer opens a transport to the server described by p.
type Dialer func(ctx context.Context, p marketplace.MCPProvider) (mcp.Transport, error)

// ClientPool keeps one session per server URL and implements
// marketplace.MCPCaller.
type ClientPool struct {
	mu       sync.Mutex
	client   *mcp.Client
	sessions map[string]*mcp.ClientSession
	dial     Dialer
	logger   *slog.Logger
}

// NewClientPool creates a pool that identifies itself as name/version and
// dials servers over streamable HTTP.
func NewClientPool(name, version string) *ClientPool {
	return &ClientPool{
		client:   mcp.NewClient(&mcp.Implementation{Name: name, Version: version}, nil),
		sessions: make(map[string]*mcp.ClientSession),
		dial:     streamableDialer,
		logger:   slog.Default().With("component", "mcp_client"),
	}
}

// WithDialer overrides how transports are opened.
func (c *ClientPool) WithDialer(d Dialer) *ClientPool {
	c.dial = d
	return c
}

func streamableDialer(_ context.Context, p marketplace.MCPProvider) (mcp.Transport, error) {
	if p.ServerURL == "" {
		return nil, errors.New("MCP provider has no server URL")
	}
	httpClient := &http.Client{}
	if p.AuthToken != "" {
		httpClient.Transport = bearerTransport{token: p.AuthToken, base: http.DefaultTransport}
	}
	return &mcp.StreamableClientTransport{Endpoint: p.ServerURL, HTTPClient: httpClient}, nil
}

type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (t bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(req)
}

func (c *ClientPool) session(ctx context.Context, p marketplace.MCPProvider) (*mcp.ClientSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[p.ServerURL]; ok {
		return s, nil
	}
	t, err := c.dial(ctx, p)
	if err != nil {
		return nil, err
	}
	s, err := c.client.Connect(ctx, t, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MCP server %s: %w", p.ServerURL, err)
	}
	c.sessions[p.ServerURL] = s
	c.logger.InfoContext(ctx, "connected to MCP server", "server_url", p.ServerURL)
	return s, nil
}

// evict drops a session after a transport failure so the next call redials.
func (c *ClientPool) evict(serverURL string, s *mcp.ClientSession) {
	c.mu.Lock()
	if c.sessions[serverURL] == s {
		delete(c.sessions, serverURL)
	}
	c.mu.Unlock()
	_ = s.Close()
}

// ListTools returns every tool the server advertises.
func (c *ClientPool) ListTools(ctx context.Context, p marketplace.MCPProvider) ([]*mcp.Tool, error) {
	s, err := c.session(ctx, p)
	if err != nil {
		return nil, err
	}
	var tools []*mcp.Tool
	for tool, err := range s.Tools(ctx, nil) {
		if err != nil {
			c.evict(p.ServerURL, s)
			return nil, err
		}
		tools = append(tools, tool)
	}
	return tools, nil
}

// CallTool invokes p.ToolName with args. Tool-reported errors are permanent;
// transport failures are transient.
func (c *ClientPool) CallTool(ctx context.Context, p marketplace.MCPProvider, args map[string]any) (value.Value, error) {
	id := "mcp:" + p.ServerURL
	s, err := c.session(ctx, p)
	if err != nil {
		return nil, errorir.ProviderError(id, true, err)
	}

	name := p.ToolName
	if name == "" || name == "*" {
		tools, err := c.ListTools(ctx, p)
		if err != nil {
			return nil, errorir.ProviderError(id, true, err)
		}
		if len(tools) == 0 {
			return nil, errorir.ProviderError(id, false, errors.New("MCP server advertises no tools"))
		}
		name = tools[0].Name
	}

	res, err := s.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		if ctx.Err() == nil {
			c.evict(p.ServerURL, s)
		}
		return nil, errorir.ProviderError(id, true, fmt.Errorf("tool %s: %w", name, err))
	}
	if res.IsError {
		return nil, errorir.ProviderError(id, false, fmt.Errorf("tool %s failed: %s", name, contentText(res.Content)))
	}
	return resultValue(res), nil
}

// resultValue prefers structured content, then parses text blocks as JSON
// where possible.
func resultValue(res *mcp.CallToolResult) value.Value {
	if res.StructuredContent != nil {
		return value.FromJSON(res.StructuredContent)
	}
	var items value.Vector
	for _, c := range res.Content {
		if t, ok := c.(*mcp.TextContent); ok {
			items = append(items, value.ParseOrString([]byte(t.Text)))
		}
	}
	switch len(items) {
	case 0:
		return value.Nil{}
	case 1:
		return items[0]
	default:
		return items
	}
}

func contentText(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		if t, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, t.Text)
		}
	}
	if len(parts) == 0 {
		return "no error text"
	}
	return strings.Join(parts, "; ")
}

// Close ends every open session.
func (c *ClientPool) Close() error {
	c.mu.Lock()
	sessions := c.sessions
	c.sessions = make(map[string]*mcp.ClientSession)
	c.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
