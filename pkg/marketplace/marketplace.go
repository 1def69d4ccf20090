package marketplace

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/ccos/core/pkg/artifacts"
	"github.com/Mindburn-Labs/ccos/core/pkg/canonicalize"
	"github.com/Mindburn-Labs/ccos/core/pkg/causalchain"
	"github.com/Mindburn-Labs/ccos/core/pkg/kernel"
	"github.com/Mindburn-Labs/ccos/core/pkg/kernel/errorir"
	"github.com/Mindburn-Labs/ccos/core/pkg/observability"
	"github.com/Mindburn-Labs/ccos/core/pkg/runtime/sandbox"
	"github.com/Mindburn-Labs/ccos/core/pkg/value"
)

// Audit event names emitted for registry changes.
const (
	EventCapabilityRegistered = "capability_registered"
	EventCapabilityUpdated    = "capability_updated"
	EventCapabilityRemoved    = "capability_removed"
)

const defaultVersion = "1.0.0"

// MCPCaller invokes a tool on an MCP server.
type MCPCaller interface {
	CallTool(ctx context.Context, p MCPProvider, args map[string]any) (value.Value, error)
}

// CapabilityRegistry is an in-process registry a RegistryProvider delegates to.
type CapabilityRegistry interface {
	Execute(ctx context.Context, capabilityID string, input value.Value) (value.Value, error)
}

type entry struct {
	manifest Manifest
	input    *jsonschema.Schema
	output   *jsonschema.Schema
}

// Marketplace holds registered capabilities. Readers and writers share one
// mutex. The With* setters configure collaborators and must be called before
// the marketplace is shared.
type Marketplace struct {
	mu      sync.Mutex
	entries map[string]*entry

	chain              *causalchain.Chain
	isolation          IsolationPolicy
	limiter            kernel.LimiterStore
	defaultLimit       kernel.BackpressurePolicy
	executor           sandbox.Executor
	security           sandbox.SecurityConfig
	runtimePermissions []string
	artifacts          *artifacts.Registry
	broker             *sandbox.CredentialBroker
	mcp                MCPCaller
	registries         map[string]CapabilityRegistry
	httpClient         *http.Client
	getenv             func(string) string
	obs                *observability.Provider
	auditRegistrations bool
	clock              func() time.Time
	logger             *slog.Logger
}

// New creates an empty marketplace that logs executions to chain. A nil chain
// runs capabilities unaudited.
func New(chain *causalchain.Chain) *Marketplace {
	return &Marketplace{
		entries:    make(map[string]*entry),
		chain:      chain,
		isolation:  DefaultIsolationPolicy(),
		limiter:    kernel.NewInMemoryLimiterStore(),
		executor:   sandbox.NewProvider(),
		security:   sandbox.DefaultSecurity(),
		registries: make(map[string]CapabilityRegistry),
		httpClient: &http.Client{},
		getenv:     os.Getenv,
		obs:        observability.Disabled(),
		clock:      time.Now,
		logger:     slog.Default().With("component", "marketplace"),
	}
}

// WithClock overrides clock for testing.
func (m *Marketplace) WithClock(clock func() time.Time) *Marketplace {
	m.clock = clock
	return m
}

// WithLogger replaces the logger.
func (m *Marketplace) WithLogger(l *slog.Logger) *Marketplace {
	m.logger = l
	return m
}

// WithIsolationPolicy replaces the isolation policy.
func (m *Marketplace) WithIsolationPolicy(p IsolationPolicy) *Marketplace {
	m.isolation = p
	return m
}

// WithLimiter sets the backpressure store and the limit applied to manifests
// that declare none. A zero policy leaves those manifests unlimited.
func (m *Marketplace) WithLimiter(store kernel.LimiterStore, defaultLimit kernel.BackpressurePolicy) *Marketplace {
	m.limiter = store
	m.defaultLimit = defaultLimit
	return m
}

// WithSandbox sets the executor and security profile used by Native and
// Plugin providers. runtimePermissions nil allows every program kind.
func (m *Marketplace) WithSandbox(exec sandbox.Executor, security sandbox.SecurityConfig, runtimePermissions []string) *Marketplace {
	m.executor = exec
	m.security = security
	m.runtimePermissions = runtimePermissions
	return m
}

// WithArtifacts sets the module registry Plugin providers load from.
func (m *Marketplace) WithArtifacts(r *artifacts.Registry) *Marketplace {
	m.artifacts = r
	return m
}

// WithCredentialBroker sets the broker OpenAPI providers fall back to.
func (m *Marketplace) WithCredentialBroker(b *sandbox.CredentialBroker) *Marketplace {
	m.broker = b
	return m
}

// WithMCPClient sets the MCP caller.
func (m *Marketplace) WithMCPClient(c MCPCaller) *Marketplace {
	m.mcp = c
	return m
}

// WithHTTPClient replaces the HTTP client used by network providers.
func (m *Marketplace) WithHTTPClient(c *http.Client) *Marketplace {
	m.httpClient = c
	return m
}

// WithEnv overrides environment lookup for credentials.
func (m *Marketplace) WithEnv(getenv func(string) string) *Marketplace {
	m.getenv = getenv
	return m
}

// WithObservability sets the tracing and metrics provider.
func (m *Marketplace) WithObservability(p *observability.Provider) *Marketplace {
	m.obs = p
	return m
}

// WithRegistrationAudit makes registry changes emit CapabilityAudit actions.
func (m *Marketplace) WithRegistrationAudit(enabled bool) *Marketplace {
	m.auditRegistrations = enabled
	return m
}

// RegisterRegistry makes an in-process registry available to RegistryProviders.
func (m *Marketplace) RegisterRegistry(name string, r CapabilityRegistry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registries[name] = r
}

// Chain returns the causal chain executions are logged to.
func (m *Marketplace) Chain() *causalchain.Chain { return m.chain }

// RegisterCapabilityManifest inserts or atomically replaces the capability
// with the manifest's ID.
func (m *Marketplace) RegisterCapabilityManifest(ctx context.Context, manifest Manifest) error {
	if manifest.ID == "" {
		return errorir.InvalidArgument("capability manifest has no id")
	}
	if manifest.Provider == nil {
		return errorir.InvalidArgument("capability %s has no provider", manifest.ID)
	}
	if manifest.Name == "" {
		manifest.Name = manifest.ID
	}
	if manifest.Version == "" {
		manifest.Version = defaultVersion
	}
	newVersion, err := semver.NewVersion(manifest.Version)
	if err != nil {
		return errorir.InvalidArgument("capability %s has invalid version %q: %v", manifest.ID, manifest.Version, err)
	}
	if err := validateProvider(manifest); err != nil {
		return err
	}

	e := &entry{manifest: manifest}
	if e.input, err = compileSchema(manifest.ID, "input", manifest.InputSchema); err != nil {
		return errorir.InvalidArgument("%v", err)
	}
	if e.output, err = compileSchema(manifest.ID, "output", manifest.OutputSchema); err != nil {
		return errorir.InvalidArgument("%v", err)
	}
	if e.manifest.Provenance == nil {
		e.manifest.Provenance = m.provenance(manifest)
	}

	m.mu.Lock()
	prev, existed := m.entries[manifest.ID]
	m.entries[manifest.ID] = e
	m.mu.Unlock()

	event := EventCapabilityRegistered
	data := map[string]any{
		"version":       manifest.Version,
		"provider_type": string(manifest.Provider.Type()),
	}
	if existed {
		event = EventCapabilityUpdated
		data["previous_version"] = prev.manifest.Version
		m.logVersionChange(ctx, manifest.ID, prev.manifest.Version, newVersion)
	} else {
		m.logger.InfoContext(ctx, "capability registered",
			"capability_id", manifest.ID, "version", manifest.Version, "provider", manifest.Provider.Type())
	}

	if m.auditRegistrations {
		return m.EmitCapabilityAuditEvent(ctx, event, manifest.ID, data)
	}
	return nil
}

func (m *Marketplace) logVersionChange(ctx context.Context, id, previous string, next *semver.Version) {
	prev, err := semver.NewVersion(previous)
	if err != nil {
		m.logger.WarnContext(ctx, "capability replaced; previous version unparsable", "capability_id", id, "previous", previous)
		return
	}
	switch {
	case next.Major() != prev.Major():
		m.logger.WarnContext(ctx, "breaking capability version change",
			"capability_id", id, "previous", prev.String(), "version", next.String())
	case next.LessThan(prev):
		m.logger.WarnContext(ctx, "capability version downgraded",
			"capability_id", id, "previous", prev.String(), "version", next.String())
	default:
		m.logger.InfoContext(ctx, "capability updated",
			"capability_id", id, "previous", prev.String(), "version", next.String())
	}
}

// provenance derives a provenance record from the manifest's exportable form.
func (m *Marketplace) provenance(manifest Manifest) *Provenance {
	p := &Provenance{
		Source:       "registration",
		Version:      manifest.Version,
		CustodyChain: []string{"marketplace_registration"},
		RegisteredAt: m.clock().UTC(),
	}
	if hash, err := canonicalize.Digest(toDoc(manifest)); err == nil {
		p.ContentHash = hash
	}
	return p
}

func validateProvider(manifest Manifest) error {
	switch p := manifest.Provider.(type) {
	case LocalProvider:
		if p.Handler == nil {
			return errorir.InvalidArgument("local capability %s has no handler", manifest.ID)
		}
	case StreamProvider:
		if p.Handler == nil {
			return errorir.InvalidArgument("stream capability %s has no handler", manifest.ID)
		}
	case NativeProvider:
		if p.Fn == nil {
			return errorir.InvalidArgument("native capability %s has no function", manifest.ID)
		}
	case PluginProvider:
		if !artifacts.IsDigest(p.Module) {
			return errorir.InvalidArgument("plugin capability %s: module %q is not an artifact digest", manifest.ID, p.Module)
		}
	case OpenAPIProvider:
		if p.Auth != nil {
			switch p.Auth.Location {
			case "header", "query", "cookie":
			default:
				return errorir.InvalidArgument("openapi capability %s: unsupported auth location %q", manifest.ID, p.Auth.Location)
			}
		}
	}
	return nil
}

// RemoveCapability unregisters id.
func (m *Marketplace) RemoveCapability(ctx context.Context, id string) error {
	m.mu.Lock()
	prev, ok := m.entries[id]
	delete(m.entries, id)
	m.mu.Unlock()
	if !ok {
		return errorir.NotFound("capability %s is not registered", id)
	}
	m.logger.InfoContext(ctx, "capability removed", "capability_id", id)
	if m.auditRegistrations {
		return m.EmitCapabilityAuditEvent(ctx, EventCapabilityRemoved, id, map[string]any{"version": prev.manifest.Version})
	}
	return nil
}

// GetCapability returns the manifest registered under id.
func (m *Marketplace) GetCapability(id string) (Manifest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return Manifest{}, false
	}
	return e.manifest, true
}

// HasCapability reports whether id is registered.
func (m *Marketplace) HasCapability(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[id]
	return ok
}

// ListCapabilities returns every manifest ordered by ID.
func (m *Marketplace) ListCapabilities() []Manifest {
	return m.QueryCapabilities(Query{})
}

// Query filters capabilities. Zero fields do not filter. Permissions and
// Effects must all be declared by a match.
type Query struct {
	IDPattern    string
	ProviderType ProviderType
	Permissions  []string
	Effects      []string
	Domain       string
	Category     string
	Limit        int
}

// QueryCapabilities returns matching manifests ordered by ID.
func (m *Marketplace) QueryCapabilities(q Query) []Manifest {
	m.mu.Lock()
	out := make([]Manifest, 0, len(m.entries))
	for _, e := range m.entries {
		if q.matches(e.manifest) {
			out = append(out, e.manifest)
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// ByDomain returns capabilities tagged with domain.
func (m *Marketplace) ByDomain(domain string) []Manifest {
	return m.QueryCapabilities(Query{Domain: domain})
}

// ByCategory returns capabilities tagged with category.
func (m *Marketplace) ByCategory(category string) []Manifest {
	return m.QueryCapabilities(Query{Category: category})
}

func (q Query) matches(man Manifest) bool {
	if q.IDPattern != "" && !globMatch(man.ID, q.IDPattern) {
		return false
	}
	if q.ProviderType != "" && man.Provider.Type() != q.ProviderType {
		return false
	}
	for _, p := range q.Permissions {
		if !slices.Contains(man.Permissions, p) {
			return false
		}
	}
	for _, e := range q.Effects {
		if !slices.Contains(man.Effects, e) {
			return false
		}
	}
	if q.Domain != "" && !slices.Contains(man.Domains, q.Domain) {
		return false
	}
	if q.Category != "" && !slices.Contains(man.Categories, q.Category) {
		return false
	}
	return true
}

// EmitCapabilityAuditEvent records a capability lifecycle event on the chain.
func (m *Marketplace) EmitCapabilityAuditEvent(ctx context.Context, event, capabilityID string, data map[string]any) error {
	if m.chain == nil {
		return nil
	}
	md := make(map[string]any, len(data)+2)
	for k, v := range data {
		md[k] = v
	}
	md["event_type"] = event
	md["timestamp"] = m.clock().UTC().Format(time.RFC3339Nano)
	_, err := m.chain.LogCapabilityAudit(ctx, event, capabilityID, md)
	return err
}

func (m *Marketplace) lookup(id string) (*entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	return e, ok
}
