package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/ccos/core/pkg/kernel"
	"github.com/Mindburn-Labs/ccos/core/pkg/kernel/errorir"
)

// Export formats.
const (
	FormatYAML = "yaml"
	FormatTOML = "toml"
	FormatJSON = "json"
)

// ExportDiagnostic explains why a capability was not exported.
type ExportDiagnostic struct {
	CapabilityID string `json:"capability_id"`
	ProviderType string `json:"provider_type"`
	Reason       string `json:"reason"`
}

// manifestDoc is the serialized form of a Manifest. Exactly one provider
// field is set.
type manifestDoc struct {
	ID           string                     `json:"id" yaml:"id" toml:"id"`
	Name         string                     `json:"name" yaml:"name" toml:"name"`
	Description  string                     `json:"description,omitempty" yaml:"description,omitempty" toml:"description,omitempty"`
	Version      string                     `json:"version" yaml:"version" toml:"version"`
	Provider     providerDoc                `json:"provider" yaml:"provider" toml:"provider"`
	InputSchema  map[string]any             `json:"input_schema,omitempty" yaml:"input_schema,omitempty" toml:"input_schema,omitempty"`
	OutputSchema map[string]any             `json:"output_schema,omitempty" yaml:"output_schema,omitempty" toml:"output_schema,omitempty"`
	Permissions  []string                   `json:"permissions,omitempty" yaml:"permissions,omitempty" toml:"permissions,omitempty"`
	Effects      []string                   `json:"effects,omitempty" yaml:"effects,omitempty" toml:"effects,omitempty"`
	Domains      []string                   `json:"domains,omitempty" yaml:"domains,omitempty" toml:"domains,omitempty"`
	Categories   []string                   `json:"categories,omitempty" yaml:"categories,omitempty" toml:"categories,omitempty"`
	Metadata     map[string]string          `json:"metadata,omitempty" yaml:"metadata,omitempty" toml:"metadata,omitempty"`
	RateLimit    *kernel.BackpressurePolicy `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty" toml:"rate_limit,omitempty"`
	Attestation  *Attestation               `json:"attestation,omitempty" yaml:"attestation,omitempty" toml:"attestation,omitempty"`
	Provenance   *Provenance                `json:"provenance,omitempty" yaml:"provenance,omitempty" toml:"provenance,omitempty"`
}

type providerDoc struct {
	Type     ProviderType `json:"type" yaml:"type" toml:"type"`
	HTTP     *httpDoc     `json:"http,omitempty" yaml:"http,omitempty" toml:"http,omitempty"`
	MCP      *mcpDoc      `json:"mcp,omitempty" yaml:"mcp,omitempty" toml:"mcp,omitempty"`
	OpenAPI  *openAPIDoc  `json:"openapi,omitempty" yaml:"openapi,omitempty" toml:"openapi,omitempty"`
	A2A      *a2aDoc      `json:"a2a,omitempty" yaml:"a2a,omitempty" toml:"a2a,omitempty"`
	Plugin   *pluginDoc   `json:"plugin,omitempty" yaml:"plugin,omitempty" toml:"plugin,omitempty"`
	Remote   *remoteDoc   `json:"remote_rtfs,omitempty" yaml:"remote_rtfs,omitempty" toml:"remote_rtfs,omitempty"`
	Registry *registryDoc `json:"registry,omitempty" yaml:"registry,omitempty" toml:"registry,omitempty"`
}

type httpDoc struct {
	BaseURL   string `json:"base_url" yaml:"base_url" toml:"base_url"`
	AuthToken string `json:"auth_token,omitempty" yaml:"auth_token,omitempty" toml:"auth_token,omitempty"`
	TimeoutMs int64  `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty" toml:"timeout_ms,omitempty"`
}

type mcpDoc struct {
	ServerURL string `json:"server_url" yaml:"server_url" toml:"server_url"`
	ToolName  string `json:"tool_name" yaml:"tool_name" toml:"tool_name"`
	TimeoutMs int64  `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty" toml:"timeout_ms,omitempty"`
	AuthToken string `json:"auth_token,omitempty" yaml:"auth_token,omitempty" toml:"auth_token,omitempty"`
}

type openAPIDoc struct {
	BaseURL    string             `json:"base_url" yaml:"base_url" toml:"base_url"`
	SpecURL    string             `json:"spec_url,omitempty" yaml:"spec_url,omitempty" toml:"spec_url,omitempty"`
	Operations []OpenAPIOperation `json:"operations" yaml:"operations" toml:"operations"`
	Auth       *OpenAPIAuth       `json:"auth,omitempty" yaml:"auth,omitempty" toml:"auth,omitempty"`
	TimeoutMs  int64              `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty" toml:"timeout_ms,omitempty"`
}

type a2aDoc struct {
	AgentID   string `json:"agent_id" yaml:"agent_id" toml:"agent_id"`
	Endpoint  string `json:"endpoint" yaml:"endpoint" toml:"endpoint"`
	Protocol  string `json:"protocol" yaml:"protocol" toml:"protocol"`
	TimeoutMs int64  `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty" toml:"timeout_ms,omitempty"`
}

type pluginDoc struct {
	Module string `json:"module" yaml:"module" toml:"module"`
}

type remoteDoc struct {
	Endpoint  string `json:"endpoint" yaml:"endpoint" toml:"endpoint"`
	TimeoutMs int64  `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty" toml:"timeout_ms,omitempty"`
	AuthToken string `json:"auth_token,omitempty" yaml:"auth_token,omitempty" toml:"auth_token,omitempty"`
}

type registryDoc struct {
	Registry     string `json:"registry" yaml:"registry" toml:"registry"`
	CapabilityID string `json:"capability_id,omitempty" yaml:"capability_id,omitempty" toml:"capability_id,omitempty"`
}

// toDoc converts a manifest to its serialized form. In-process providers keep
// only their type.
func toDoc(m Manifest) manifestDoc {
	d := manifestDoc{
		ID:           m.ID,
		Name:         m.Name,
		Description:  m.Description,
		Version:      m.Version,
		InputSchema:  m.InputSchema,
		OutputSchema: m.OutputSchema,
		Permissions:  m.Permissions,
		Effects:      m.Effects,
		Domains:      m.Domains,
		Categories:   m.Categories,
		Metadata:     m.Metadata,
		RateLimit:    m.RateLimit,
		Attestation:  m.Attestation,
		Provenance:   m.Provenance,
	}
	if m.Provider == nil {
		return d
	}
	d.Provider.Type = m.Provider.Type()
	switch p := m.Provider.(type) {
	case HTTPProvider:
		d.Provider.HTTP = &httpDoc{BaseURL: p.BaseURL, AuthToken: p.AuthToken, TimeoutMs: p.TimeoutMs}
	case MCPProvider:
		d.Provider.MCP = &mcpDoc{ServerURL: p.ServerURL, ToolName: p.ToolName, TimeoutMs: p.TimeoutMs, AuthToken: p.AuthToken}
	case OpenAPIProvider:
		d.Provider.OpenAPI = &openAPIDoc{BaseURL: p.BaseURL, SpecURL: p.SpecURL, Operations: p.Operations, Auth: p.Auth, TimeoutMs: p.TimeoutMs}
	case A2AProvider:
		d.Provider.A2A = &a2aDoc{AgentID: p.AgentID, Endpoint: p.Endpoint, Protocol: p.Protocol, TimeoutMs: p.TimeoutMs}
	case PluginProvider:
		d.Provider.Plugin = &pluginDoc{Module: p.Module}
	case RemoteRTFSProvider:
		d.Provider.Remote = &remoteDoc{Endpoint: p.Endpoint, TimeoutMs: p.TimeoutMs, AuthToken: p.AuthToken}
	case RegistryProvider:
		d.Provider.Registry = &registryDoc{Registry: p.Registry, CapabilityID: p.CapabilityID}
	}
	return d
}

func fromDoc(d manifestDoc) (Manifest, error) {
	m := Manifest{
		ID:           d.ID,
		Name:         d.Name,
		Description:  d.Description,
		Version:      d.Version,
		InputSchema:  d.InputSchema,
		OutputSchema: d.OutputSchema,
		Permissions:  d.Permissions,
		Effects:      d.Effects,
		Domains:      d.Domains,
		Categories:   d.Categories,
		Metadata:     d.Metadata,
		RateLimit:    d.RateLimit,
		Attestation:  d.Attestation,
		Provenance:   d.Provenance,
	}
	p := d.Provider
	switch {
	case p.HTTP != nil:
		m.Provider = HTTPProvider{BaseURL: p.HTTP.BaseURL, AuthToken: p.HTTP.AuthToken, TimeoutMs: p.HTTP.TimeoutMs}
	case p.MCP != nil:
		m.Provider = MCPProvider{ServerURL: p.MCP.ServerURL, ToolName: p.MCP.ToolName, TimeoutMs: p.MCP.TimeoutMs, AuthToken: p.MCP.AuthToken}
	case p.OpenAPI != nil:
		m.Provider = OpenAPIProvider{BaseURL: p.OpenAPI.BaseURL, SpecURL: p.OpenAPI.SpecURL, Operations: p.OpenAPI.Operations, Auth: p.OpenAPI.Auth, TimeoutMs: p.OpenAPI.TimeoutMs}
	case p.A2A != nil:
		m.Provider = A2AProvider{AgentID: p.A2A.AgentID, Endpoint: p.A2A.Endpoint, Protocol: p.A2A.Protocol, TimeoutMs: p.A2A.TimeoutMs}
	case p.Plugin != nil:
		m.Provider = PluginProvider{Module: p.Plugin.Module}
	case p.Remote != nil:
		m.Provider = RemoteRTFSProvider{Endpoint: p.Remote.Endpoint, TimeoutMs: p.Remote.TimeoutMs, AuthToken: p.Remote.AuthToken}
	case p.Registry != nil:
		m.Provider = RegistryProvider{Registry: p.Registry.Registry, CapabilityID: p.Registry.CapabilityID}
	default:
		return Manifest{}, fmt.Errorf("capability %s: provider %q has no importable configuration", d.ID, p.Type)
	}
	if p.Type != "" && p.Type != m.Provider.Type() {
		return Manifest{}, fmt.Errorf("capability %s: provider type %q does not match its configuration", d.ID, p.Type)
	}
	return m, nil
}

// exportable splits the registry into serializable documents and diagnostics
// for in-process providers, both ordered by capability id.
func (m *Marketplace) exportable() ([]manifestDoc, []ExportDiagnostic) {
	var docs []manifestDoc
	var diags []ExportDiagnostic
	for _, man := range m.ListCapabilities() {
		if inProcess(man.Provider) {
			diags = append(diags, ExportDiagnostic{
				CapabilityID: man.ID,
				ProviderType: string(man.Provider.Type()),
				Reason:       "provider holds an in-process handler",
			})
			continue
		}
		docs = append(docs, toDoc(man))
	}
	return docs, diags
}

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ExportToDir writes one file per exportable capability to dir.
func (m *Marketplace) ExportToDir(dir, format string) ([]ExportDiagnostic, error) {
	marshal, ext, err := encoderFor(format)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create export directory: %w", err)
	}
	docs, diags := m.exportable()
	for _, d := range docs {
		data, err := marshal(d)
		if err != nil {
			return diags, fmt.Errorf("failed to encode %s: %w", d.ID, err)
		}
		name := unsafeFileChars.ReplaceAllString(d.ID, "_") + ext
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return diags, fmt.Errorf("failed to write %s: %w", name, err)
		}
	}
	m.logger.Info("capabilities exported", "dir", dir, "format", format, "count", len(docs), "skipped", len(diags))
	return diags, nil
}

func encoderFor(format string) (func(manifestDoc) ([]byte, error), string, error) {
	switch strings.ToLower(format) {
	case FormatYAML, "yml", "":
		return func(d manifestDoc) ([]byte, error) { return yaml.Marshal(d) }, ".yaml", nil
	case FormatTOML:
		return func(d manifestDoc) ([]byte, error) {
			var buf bytes.Buffer
			err := toml.NewEncoder(&buf).Encode(d)
			return buf.Bytes(), err
		}, ".toml", nil
	case FormatJSON:
		return func(d manifestDoc) ([]byte, error) { return json.MarshalIndent(d, "", "  ") }, ".json", nil
	default:
		return nil, "", errorir.InvalidArgument("unsupported export format %q", format)
	}
}

// ImportFromDir registers every .yaml, .yml, .toml and .json manifest in dir
// and returns how many were imported. Files are processed in name order and
// the first failure stops the import.
func (m *Marketplace) ImportFromDir(ctx context.Context, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read import directory: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	count := 0
	for _, name := range names {
		var d manifestDoc
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return count, err
		}
		switch strings.ToLower(filepath.Ext(name)) {
		case ".yaml", ".yml":
			err = yaml.Unmarshal(data, &d)
		case ".toml":
			err = toml.Unmarshal(data, &d)
		case ".json":
			err = json.Unmarshal(data, &d)
		default:
			continue
		}
		if err != nil {
			return count, fmt.Errorf("failed to decode %s: %w", name, err)
		}
		if err := m.importDoc(ctx, d); err != nil {
			return count, fmt.Errorf("%s: %w", name, err)
		}
		count++
	}
	return count, nil
}

// ExportJSON writes every exportable capability as one JSON array.
func (m *Marketplace) ExportJSON(w io.Writer) ([]ExportDiagnostic, error) {
	docs, diags := m.exportable()
	if docs == nil {
		docs = []manifestDoc{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return diags, enc.Encode(docs)
}

// ImportJSON registers every manifest in a JSON array produced by ExportJSON.
func (m *Marketplace) ImportJSON(ctx context.Context, r io.Reader) (int, error) {
	var docs []manifestDoc
	if err := json.NewDecoder(r).Decode(&docs); err != nil {
		return 0, fmt.Errorf("failed to decode manifests: %w", err)
	}
	for i, d := range docs {
		if err := m.importDoc(ctx, d); err != nil {
			return i, err
		}
	}
	return len(docs), nil
}

func (m *Marketplace) importDoc(ctx context.Context, d manifestDoc) error {
	if d.ID == "" {
		return errors.New("manifest has no id")
	}
	man, err := fromDoc(d)
	if err != nil {
		return errorir.InvalidArgument("%v", err)
	}
	return m.RegisterCapabilityManifest(ctx, man)
}
