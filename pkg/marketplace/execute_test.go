package marketplace

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/ccos/core/pkg/artifacts"
	"github.com/Mindburn-Labs/ccos/core/pkg/kernel"
	"github.com/Mindburn-Labs/ccos/core/pkg/kernel/errorir"
	"github.com/Mindburn-Labs/ccos/core/pkg/runtime/sandbox"
	"github.com/Mindburn-Labs/ccos/core/pkg/value"
)

// _start that returns immediately.
var wasmNoop = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x04, 0x01, 0x60, 0x00, 0x00,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x0a, 0x01, 0x06, '_', 's', 't', 'a', 'r', 't', 0x00, 0x00,
	0x0a, 0x04, 0x01, 0x02, 0x00, 0x0b,
}

func TestIsolationPolicyBlocksBeforeLogging(t *testing.T) {
	m, chain := newTestMarketplace(t)
	ctx := context.Background()
	require.NoError(t, m.RegisterCapabilityManifest(ctx, Manifest{ID: "admin.reset", Provider: echo()}))
	require.NoError(t, m.RegisterCapabilityManifest(ctx, Manifest{ID: "ccos.echo", Provider: echo()}))

	m.WithIsolationPolicy(IsolationPolicy{
		AllowedCapabilities: []string{"ccos.*"},
		DeniedCapabilities:  []string{"admin.*"},
	})
	_, err := m.ExecuteCapability(ctx, "admin.reset", value.Nil{})
	require.Error(t, err)
	assert.True(t, errorir.Is(err, errorir.CodeSecurityViolation))
	assert.Zero(t, chain.Len())

	_, err = m.ExecuteCapability(ctx, "ccos.echo", value.Nil{})
	assert.NoError(t, err)
}

func TestNonFiniteArgumentsStillExecuteAndLog(t *testing.T) {
	m, chain := newTestMarketplace(t)
	ctx := context.Background()
	require.NoError(t, m.RegisterCapabilityManifest(ctx, Manifest{ID: "ccos.echo", Provider: echo()}))

	out, err := m.ExecuteCapability(ctx, "ccos.echo", value.Map{"x": value.Float(math.NaN())})
	require.NoError(t, err)
	x, ok := out.(value.Map)["x"].(value.Float)
	require.True(t, ok)
	assert.True(t, math.IsNaN(float64(x)))

	actions := chain.All()
	require.Len(t, actions, 2)
	assert.Equal(t, map[string]any{"x": "NaN"}, actions[0].Arguments[0])
	assert.True(t, actions[1].Result.Success)
	assert.False(t, chain.Degraded())
	require.NoError(t, chain.Verify())
}

func TestIsolationPolicyCheck(t *testing.T) {
	monday10 := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	assert.Empty(t, DefaultIsolationPolicy().Check("anything", monday10))
	assert.NotEmpty(t, RestrictiveIsolationPolicy().Check("anything", monday10))

	p := IsolationPolicy{
		AllowedCapabilities: []string{"*"},
		NamespacePolicies: map[string]NamespacePolicy{
			"fs.": {AllowedPatterns: []string{"fs.read*"}, DeniedPatterns: []string{"fs.read.secret"}},
		},
		TimeConstraints: &TimeConstraints{AllowedHours: []int{9, 10, 11}, AllowedDays: []int{1, 2, 3, 4, 5}},
	}
	assert.Empty(t, p.Check("fs.read.file", monday10))
	assert.Contains(t, p.Check("fs.read.secret", monday10), "namespace")
	assert.Contains(t, p.Check("fs.write", monday10), "namespace")
	assert.Empty(t, p.Check("web.get", monday10))
	assert.Contains(t, p.Check("web.get", monday10.Add(5*time.Hour)), "time")
	assert.Contains(t, p.Check("web.get", monday10.AddDate(0, 0, 5)), "time")
}

func TestGlobMatchIsAnchored(t *testing.T) {
	assert.True(t, globMatch("ccos.echo", "ccos.*"))
	assert.True(t, globMatch("a.b.c", "a.*.c"))
	assert.False(t, globMatch("x.ccos.echo", "ccos.*"))
	assert.False(t, globMatch("ccos.echo", "ccos.ech"))
	assert.True(t, globMatch("a+b", "a+b"))
}

func TestInputSchemaMismatch(t *testing.T) {
	m, chain := newTestMarketplace(t)
	ctx := context.Background()
	require.NoError(t, m.RegisterCapabilityManifest(ctx, Manifest{
		ID:       "ccos.echo",
		Provider: echo(),
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"message": map[string]any{"type": "string"}},
			"required":   []any{"message"},
		},
	}))

	_, err := m.ExecuteCapability(ctx, "ccos.echo", value.Map{"message": value.Integer(3)})
	require.Error(t, err)
	assert.True(t, errorir.Is(err, errorir.CodeSchemaMismatch))
	var ir *errorir.Error
	require.True(t, errors.As(err, &ir))
	assert.Contains(t, ir.Error(), "/message")
	assert.Zero(t, chain.Len())

	_, err = m.ExecuteCapability(ctx, "ccos.echo", value.Map{"message": value.String("ok")})
	assert.NoError(t, err)
}

func TestOutputSchemaMismatchIsRecorded(t *testing.T) {
	m, chain := newTestMarketplace(t)
	ctx := context.Background()
	require.NoError(t, m.RegisterCapabilityManifest(ctx, Manifest{
		ID:           "svc.count",
		Provider:     constant(value.String("many")),
		OutputSchema: map[string]any{"type": "integer"},
	}))

	_, err := m.ExecuteCapability(ctx, "svc.count", value.Nil{})
	assert.True(t, errorir.Is(err, errorir.CodeSchemaMismatch))
	actions := chain.All()
	require.Len(t, actions, 2)
	assert.False(t, actions[1].Result.Success)
}

func TestBackpressure(t *testing.T) {
	m, chain := newTestMarketplace(t)
	ctx := context.Background()
	require.NoError(t, m.RegisterCapabilityManifest(ctx, Manifest{
		ID:        "svc.limited",
		Provider:  echo(),
		RateLimit: &kernel.BackpressurePolicy{RPM: 1, Burst: 1},
	}))

	_, err := m.ExecuteCapability(ctx, "svc.limited", value.Nil{})
	require.NoError(t, err)
	_, err = m.ExecuteCapability(ctx, "svc.limited", value.Nil{})
	require.Error(t, err)
	assert.True(t, errorir.Is(err, errorir.CodeRateLimited))
	assert.Equal(t, 2, chain.Len())
}

func TestDefaultLimitAppliesWithoutManifestLimit(t *testing.T) {
	m, _ := newTestMarketplace(t)
	m.WithLimiter(kernel.NewInMemoryLimiterStore(), kernel.BackpressurePolicy{RPM: 1, Burst: 1})
	ctx := context.Background()
	require.NoError(t, m.RegisterCapabilityManifest(ctx, Manifest{ID: "svc.a", Provider: echo()}))

	_, err := m.ExecuteCapability(ctx, "svc.a", value.Nil{})
	require.NoError(t, err)
	_, err = m.ExecuteCapability(ctx, "svc.a", value.Nil{})
	assert.True(t, errorir.Is(err, errorir.CodeRateLimited))
}

func sum() NativeProvider {
	return NativeProvider{Fn: func(_ context.Context, args []value.Value) (value.Value, error) {
		var total value.Integer
		for _, a := range args {
			n, ok := a.(value.Integer)
			if !ok {
				return nil, errors.New("not an integer")
			}
			total += n
		}
		return total, nil
	}}
}

func TestNativeRunsThroughSandboxBoundary(t *testing.T) {
	m, chain := newTestMarketplace(t)
	ctx := context.Background()
	require.NoError(t, m.RegisterCapabilityManifest(ctx, Manifest{ID: "math.sum", Provider: sum()}))

	out, err := m.ExecuteCapability(ctx, "math.sum", value.Vector{value.Integer(2), value.Integer(5)})
	require.NoError(t, err)
	assert.Equal(t, value.Integer(7), out)

	granted := WithCallContext(ctx, CallContext{PlanID: "p", Granted: []string{"ccos.echo"}})
	_, err = m.ExecuteCapability(granted, "math.sum", value.Vector{value.Integer(1)})
	require.Error(t, err)
	assert.True(t, errorir.Is(err, errorir.CodeSecurityViolation))
	assert.Len(t, chain.GetActionsForPlan("p"), 2)
}

func TestNativeNeedsRuntimePermission(t *testing.T) {
	m, _ := newTestMarketplace(t)
	m.WithSandbox(sandbox.NewProvider(), sandbox.DefaultSecurity(), []string{sandbox.PermissionExternalProgram})
	ctx := context.Background()
	require.NoError(t, m.RegisterCapabilityManifest(ctx, Manifest{ID: "math.sum", Provider: sum()}))

	_, err := m.ExecuteCapability(ctx, "math.sum", value.Vector{value.Integer(1)})
	assert.True(t, errorir.Is(err, errorir.CodeSecurityViolation))
}

func TestPluginLoadsModuleFromArtifacts(t *testing.T) {
	ctx := context.Background()
	reg := artifacts.NewRegistry(artifacts.NewMemoryStore(), nil)
	digest, err := reg.PutModule(ctx, "noop", "1.0.0", wasmNoop, nil)
	require.NoError(t, err)

	m, _ := newTestMarketplace(t)
	require.NoError(t, m.RegisterCapabilityManifest(ctx, Manifest{ID: "plugin.noop", Provider: PluginProvider{Module: digest}}))

	_, err = m.ExecuteCapability(ctx, "plugin.noop", value.Nil{})
	require.Error(t, err, "no artifact registry configured")
	assert.True(t, errorir.Is(err, errorir.CodeProviderError))

	m.WithArtifacts(reg)
	out, err := m.ExecuteCapability(ctx, "plugin.noop", value.Map{"x": value.Integer(1)})
	require.NoError(t, err)
	assert.Equal(t, value.Nil{}, out)
}

func TestPluginUnknownDigest(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMarketplace(t)
	m.WithArtifacts(artifacts.NewRegistry(artifacts.NewMemoryStore(), nil))
	require.NoError(t, m.RegisterCapabilityManifest(ctx, Manifest{
		ID:       "plugin.missing",
		Provider: PluginProvider{Module: artifacts.Digest([]byte("absent"))},
	}))

	_, err := m.ExecuteCapability(ctx, "plugin.missing", value.Nil{})
	assert.True(t, errorir.Is(err, errorir.CodeProviderError))
}

func TestStreamCollectsItems(t *testing.T) {
	m, _ := newTestMarketplace(t)
	ctx := context.Background()
	counter := StreamProvider{StreamType: StreamSource, MaxItems: 3, Handler: func(_ context.Context, input value.Value, emit func(value.Value) error) error {
		n, _ := input.(value.Integer)
		for i := value.Integer(0); i < n; i++ {
			if err := emit(i); err != nil {
				return err
			}
		}
		return nil
	}}
	require.NoError(t, m.RegisterCapabilityManifest(ctx, Manifest{ID: "stream.count", Provider: counter}))

	out, err := m.ExecuteCapability(ctx, "stream.count", value.Integer(3))
	require.NoError(t, err)
	assert.Equal(t, value.Vector{value.Integer(0), value.Integer(1), value.Integer(2)}, out)

	_, err = m.ExecuteCapability(ctx, "stream.count", value.Integer(4))
	require.Error(t, err)
	assert.ErrorIs(t, err, errStreamLimit)
}

type mapRegistry map[string]value.Value

func (r mapRegistry) Execute(_ context.Context, id string, _ value.Value) (value.Value, error) {
	v, ok := r[id]
	if !ok {
		return nil, errors.New("unknown")
	}
	return v, nil
}

func TestRegistryProviderDelegates(t *testing.T) {
	m, _ := newTestMarketplace(t)
	ctx := context.Background()
	require.NoError(t, m.RegisterCapabilityManifest(ctx, Manifest{ID: "reg.answer", Provider: RegistryProvider{Registry: "builtin", CapabilityID: "answer"}}))

	_, err := m.ExecuteCapability(ctx, "reg.answer", value.Nil{})
	assert.True(t, errorir.Is(err, errorir.CodeProviderError))

	m.RegisterRegistry("builtin", mapRegistry{"answer": value.Integer(42)})
	out, err := m.ExecuteCapability(ctx, "reg.answer", value.Nil{})
	require.NoError(t, err)
	assert.Equal(t, value.Integer(42), out)
}

type fakeMCP struct {
	got map[string]any
}

func (f *fakeMCP) CallTool(_ context.Context, p MCPProvider, args map[string]any) (value.Value, error) {
	f.got = args
	return value.String(p.ToolName), nil
}

func TestMCPProviderUsesClient(t *testing.T) {
	m, _ := newTestMarketplace(t)
	ctx := context.Background()
	require.NoError(t, m.RegisterCapabilityManifest(ctx, Manifest{ID: "mcp.search", Provider: MCPProvider{ServerURL: "http://mcp.local", ToolName: "search"}}))

	_, err := m.ExecuteCapability(ctx, "mcp.search", value.Nil{})
	assert.True(t, errorir.Is(err, errorir.CodeProviderError))

	client := &fakeMCP{}
	m.WithMCPClient(client)
	out, err := m.ExecuteCapability(ctx, "mcp.search", value.String("golang"))
	require.NoError(t, err)
	assert.Equal(t, value.String("search"), out)
	assert.Equal(t, map[string]any{"input": "golang"}, client.got)
}
