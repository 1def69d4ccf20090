package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Mindburn-Labs/ccos/core/pkg/marketplace"
	"github.com/Mindburn-Labs/ccos/core/pkg/value"
)

// Authorizer decides whether an inbound tool call may run. A non-nil error
// is returned to the caller as a tool error.
type Authorizer interface {
	AuthorizeToolCall(ctx context.Context, capabilityID string, args map[string]any) error
}

// ServerOptions configures a Server. Filter selects which capabilities are
// published; the zero Query publishes everything.
type ServerOptions struct {
	Name       string
	Version    string
	Authorizer Authorizer
	Filter     marketplace.Query
	Logger     *slog.Logger
}

// Server publishes marketplace capabilities as MCP tools. Every tool call
// goes through ExecuteCapability, so it is validated and audited like any
// other execution.
type Server struct {
	mp     *marketplace.Marketplace
	opts   ServerOptions
	server *mcp.Server
	logger *slog.Logger

	mu        sync.Mutex
	published map[string]bool
}

// NewServer creates a server and publishes the current capabilities.
func NewServer(mp *marketplace.Marketplace, opts ServerOptions) *Server {
	if opts.Name == "" {
		opts.Name = "ccos"
	}
	if opts.Version == "" {
		opts.Version = "0.1.0"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		mp:        mp,
		opts:      opts,
		server:    mcp.NewServer(&mcp.Implementation{Name: opts.Name, Version: opts.Version}, &mcp.ServerOptions{Logger: logger}),
		logger:    logger.With("component", "mcp_server"),
		published: make(map[string]bool),
	}
	s.Sync()
	return s
}

// MCP returns the underlying SDK server.
func (s *Server) MCP() *mcp.Server { return s.server }

// ServeStdio runs one session over stdin/stdout until ctx ends or the peer
// disconnects.
func (s *Server) ServeStdio(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// Sync republishes the filtered capability set, removing tools whose
// capability is gone, and returns the number of published tools.
func (s *Server) Sync() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := make(map[string]bool)
	for _, man := range s.mp.QueryCapabilities(s.opts.Filter) {
		wrapped := man.InputSchema != nil && !isObjectSchema(man.InputSchema)
		s.server.AddTool(&mcp.Tool{
			Name:        man.ID,
			Title:       man.Name,
			Description: man.Description,
			InputSchema: toolSchema(man.InputSchema),
		}, s.handler(man.ID, wrapped))
		current[man.ID] = true
	}

	var stale []string
	for id := range s.published {
		if !current[id] {
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		s.server.RemoveTools(stale...)
	}
	s.published = current
	return len(current)
}

func isObjectSchema(schema map[string]any) bool {
	return schema != nil && schema["type"] == "object"
}

// toolSchema returns an object schema for the tool. Non-object capability
// inputs are carried under the "input" property.
func toolSchema(schema map[string]any) map[string]any {
	switch {
	case schema == nil:
		return map[string]any{"type": "object"}
	case isObjectSchema(schema):
		return schema
	default:
		return map[string]any{
			"type":       "object",
			"properties": map[string]any{"input": schema},
		}
	}
}

func (s *Server) handler(capabilityID string, wrapped bool) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := map[string]any{}
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
				return toolError(fmt.Errorf("arguments must be a JSON object: %w", err)), nil
			}
		}

		if s.opts.Authorizer != nil {
			if err := s.opts.Authorizer.AuthorizeToolCall(ctx, capabilityID, args); err != nil {
				s.logger.WarnContext(ctx, "tool call blocked", "capability_id", capabilityID, "error", err)
				return toolError(err), nil
			}
		}

		var input value.Value = value.FromJSON(args)
		if wrapped {
			input = value.FromJSON(args["input"])
		}
		cc := marketplace.CallContext{}
		if req.Session != nil {
			cc.SessionID = req.Session.ID()
		}
		out, err := s.mp.ExecuteCapability(marketplace.WithCallContext(ctx, cc), capabilityID, input)
		if err != nil {
			return toolError(err), nil
		}

		doc := value.ToJSON(out)
		text, err := json.Marshal(doc)
		if err != nil {
			return toolError(err), nil
		}
		res := &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: string(text)}}}
		if obj, ok := doc.(map[string]any); ok {
			res.StructuredContent = obj
		}
		return res, nil
	}
}

func toolError(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
	}
}
