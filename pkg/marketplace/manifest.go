// Package marketplace is the capability registry and the single dispatch point
// for capability execution.
//
// Every call goes through ExecuteCapability, which applies the isolation
// policy, validates input against the manifest's schema, consumes backpressure
// tokens, logs a CapabilityCall to the causal chain, dispatches to exactly one
// provider, validates the output and records the CapabilityResult.
package marketplace

import (
	"context"
	"time"

	"github.com/Mindburn-Labs/ccos/core/pkg/kernel"
	"github.com/Mindburn-Labs/ccos/core/pkg/value"
)

// Manifest describes one registered capability. ID is unique per marketplace.
type Manifest struct {
	ID           string
	Name         string
	Description  string
	Version      string
	Provider     Provider
	InputSchema  map[string]any
	OutputSchema map[string]any
	Permissions  []string
	Effects      []string
	Domains      []string
	Categories   []string
	Metadata     map[string]string
	RateLimit    *kernel.BackpressurePolicy
	Attestation  *Attestation
	Provenance   *Provenance
}

// Attestation is a third-party statement about a capability.
type Attestation struct {
	Signature string            `json:"signature" yaml:"signature" toml:"signature"`
	Authority string            `json:"authority" yaml:"authority" toml:"authority"`
	CreatedAt time.Time         `json:"created_at" yaml:"created_at" toml:"created_at"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty" yaml:"expires_at,omitempty" toml:"expires_at,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty" toml:"metadata,omitempty"`
}

// Expired reports whether the attestation's validity window has passed.
func (a *Attestation) Expired(now time.Time) bool {
	return a != nil && a.ExpiresAt != nil && now.After(*a.ExpiresAt)
}

// Provenance records where a capability came from.
type Provenance struct {
	Source       string    `json:"source" yaml:"source" toml:"source"`
	Version      string    `json:"version,omitempty" yaml:"version,omitempty" toml:"version,omitempty"`
	ContentHash  string    `json:"content_hash" yaml:"content_hash" toml:"content_hash"`
	CustodyChain []string  `json:"custody_chain,omitempty" yaml:"custody_chain,omitempty" toml:"custody_chain,omitempty"`
	RegisteredAt time.Time `json:"registered_at" yaml:"registered_at" toml:"registered_at"`
}

// ProviderType names a provider variant.
type ProviderType string

const (
	ProviderLocal      ProviderType = "local"
	ProviderHTTP       ProviderType = "http"
	ProviderMCP        ProviderType = "mcp"
	ProviderOpenAPI    ProviderType = "openapi"
	ProviderA2A        ProviderType = "a2a"
	ProviderPlugin     ProviderType = "plugin"
	ProviderRemoteRTFS ProviderType = "remote_rtfs"
	ProviderStream     ProviderType = "stream"
	ProviderRegistry   ProviderType = "registry"
	ProviderNative     ProviderType = "native"
)

// Provider is the closed set of provider variants.
type Provider interface {
	Type() ProviderType
	isProvider()
}

// Handler is an in-process capability implementation.
type Handler func(ctx context.Context, input value.Value) (value.Value, error)

// LocalProvider runs a Go handler directly.
type LocalProvider struct {
	Handler Handler
}

// HTTPProvider issues one HTTP request per call.
type HTTPProvider struct {
	BaseURL   string
	AuthToken string
	TimeoutMs int64
}

// MCPProvider calls one tool on a Model Context Protocol server. ToolName "*"
// or "" selects the server's first advertised tool.
type MCPProvider struct {
	ServerURL string
	ToolName  string
	TimeoutMs int64
	AuthToken string
}

// OpenAPIProvider calls one operation of an HTTP API described by OpenAPI.
type OpenAPIProvider struct {
	BaseURL    string
	SpecURL    string
	Operations []OpenAPIOperation
	Auth       *OpenAPIAuth
	TimeoutMs  int64
}

// OpenAPIOperation is one callable method+path.
type OpenAPIOperation struct {
	OperationID string `json:"operation_id,omitempty" yaml:"operation_id,omitempty" toml:"operation_id,omitempty"`
	Method      string `json:"method" yaml:"method" toml:"method"`
	Path        string `json:"path" yaml:"path" toml:"path"`
	Summary     string `json:"summary,omitempty" yaml:"summary,omitempty" toml:"summary,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty" toml:"description,omitempty"`
}

// OpenAPIAuth describes how credentials are injected. Location is "header",
// "query" or "cookie". Tokens come from the call's auth_token parameter, the
// request itself, EnvVarName, or the credential broker, in that order.
type OpenAPIAuth struct {
	AuthType      string   `json:"auth_type" yaml:"auth_type" toml:"auth_type"`
	Location      string   `json:"location" yaml:"location" toml:"location"`
	ParameterName string   `json:"parameter_name" yaml:"parameter_name" toml:"parameter_name"`
	EnvVarName    string   `json:"env_var_name,omitempty" yaml:"env_var_name,omitempty" toml:"env_var_name,omitempty"`
	Required      bool     `json:"required" yaml:"required" toml:"required"`
	Scopes        []string `json:"scopes,omitempty" yaml:"scopes,omitempty" toml:"scopes,omitempty"`
}

// A2AProvider sends the call to another agent.
type A2AProvider struct {
	AgentID   string
	Endpoint  string
	Protocol  string
	TimeoutMs int64
}

// PluginProvider runs a WASM module stored in the artifact registry. Module
// is the envelope digest.
type PluginProvider struct {
	Module string
}

// RemoteRTFSProvider forwards the call to a remote runtime.
type RemoteRTFSProvider struct {
	Endpoint  string
	TimeoutMs int64
	AuthToken string
}

// StreamType classifies a stream capability.
type StreamType string

const (
	StreamSource        StreamType = "source"
	StreamSink          StreamType = "sink"
	StreamTransform     StreamType = "transform"
	StreamBidirectional StreamType = "bidirectional"
	StreamDuplex        StreamType = "duplex"
)

// StreamHandler produces items through emit until it returns.
type StreamHandler func(ctx context.Context, input value.Value, emit func(value.Value) error) error

// StreamProvider collects every emitted item into a vector.
type StreamProvider struct {
	StreamType StreamType
	Handler    StreamHandler
	// MaxItems bounds the collected items; zero means unbounded.
	MaxItems int
}

// RegistryProvider delegates to a named in-process registry.
type RegistryProvider struct {
	Registry     string
	CapabilityID string
}

// NativeProvider runs a Go function through the sandbox's native path.
type NativeProvider struct {
	Fn            func(ctx context.Context, args []value.Value) (value.Value, error)
	SecurityLevel string
}

func (LocalProvider) Type() ProviderType      { return ProviderLocal }
func (HTTPProvider) Type() ProviderType       { return ProviderHTTP }
func (MCPProvider) Type() ProviderType        { return ProviderMCP }
func (OpenAPIProvider) Type() ProviderType    { return ProviderOpenAPI }
func (A2AProvider) Type() ProviderType        { return ProviderA2A }
func (PluginProvider) Type() ProviderType     { return ProviderPlugin }
func (RemoteRTFSProvider) Type() ProviderType { return ProviderRemoteRTFS }
func (StreamProvider) Type() ProviderType     { return ProviderStream }
func (RegistryProvider) Type() ProviderType   { return ProviderRegistry }
func (NativeProvider) Type() ProviderType     { return ProviderNative }

func (LocalProvider) isProvider()      {}
func (HTTPProvider) isProvider()       {}
func (MCPProvider) isProvider()        {}
func (OpenAPIProvider) isProvider()    {}
func (A2AProvider) isProvider()        {}
func (PluginProvider) isProvider()     {}
func (RemoteRTFSProvider) isProvider() {}
func (StreamProvider) isProvider()     {}
func (RegistryProvider) isProvider()   {}
func (NativeProvider) isProvider()     {}

// inProcess reports whether the provider holds Go code and cannot be exported.
func inProcess(p Provider) bool {
	switch p.(type) {
	case LocalProvider, StreamProvider, RegistryProvider, NativeProvider:
		return true
	}
	return false
}

// timeout converts a manifest timeout, defaulting when unset.
func timeout(ms int64) time.Duration {
	if ms <= 0 {
		return defaultProviderTimeout
	}
	return time.Duration(ms) * time.Millisecond
}

const defaultProviderTimeout = 30 * time.Second
