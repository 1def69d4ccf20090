package marketplace

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/ccos/core/pkg/causalchain"
	"github.com/Mindburn-Labs/ccos/core/pkg/kernel/errorir"
	"github.com/Mindburn-Labs/ccos/core/pkg/value"
)

func echo() LocalProvider {
	return LocalProvider{Handler: func(_ context.Context, input value.Value) (value.Value, error) {
		return input, nil
	}}
}

func constant(v value.Value) LocalProvider {
	return LocalProvider{Handler: func(context.Context, value.Value) (value.Value, error) { return v, nil }}
}

func newTestMarketplace(t *testing.T) (*Marketplace, *causalchain.Chain) {
	t.Helper()
	chain := causalchain.New()
	return New(chain), chain
}

func TestLocalEchoLogsCallAndResult(t *testing.T) {
	m, chain := newTestMarketplace(t)
	ctx := context.Background()
	require.NoError(t, m.RegisterCapabilityManifest(ctx, Manifest{ID: "ccos.echo", Provider: echo()}))

	out, err := m.ExecuteCapability(ctx, "ccos.echo", value.Map{"message": value.String("hi")})
	require.NoError(t, err)
	assert.Equal(t, value.Map{"message": value.String("hi")}, out)

	actions := chain.All()
	require.Len(t, actions, 2)
	assert.Equal(t, causalchain.ActionCapabilityCall, actions[0].Type)
	assert.Equal(t, "ccos.echo", actions[0].FunctionName)
	assert.Equal(t, causalchain.ActionCapabilityResult, actions[1].Type)
	assert.Equal(t, actions[0].ID, actions[1].ParentActionID)
	require.NotNil(t, actions[1].Result)
	assert.True(t, actions[1].Result.Success)
	assert.Equal(t, map[string]any{"message": "hi"}, actions[1].Result.Value)
}

func TestRegistrationDefaults(t *testing.T) {
	m, _ := newTestMarketplace(t)
	require.NoError(t, m.RegisterCapabilityManifest(context.Background(), Manifest{ID: "ccos.echo", Provider: echo()}))

	man, ok := m.GetCapability("ccos.echo")
	require.True(t, ok)
	assert.Equal(t, "ccos.echo", man.Name)
	assert.Equal(t, "1.0.0", man.Version)
	require.NotNil(t, man.Provenance)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, man.Provenance.ContentHash)
}

func TestRegistrationValidation(t *testing.T) {
	m, _ := newTestMarketplace(t)
	ctx := context.Background()
	cases := map[string]Manifest{
		"no id":         {Provider: echo()},
		"no provider":   {ID: "a"},
		"bad version":   {ID: "a", Version: "one", Provider: echo()},
		"nil handler":   {ID: "a", Provider: LocalProvider{}},
		"plugin digest": {ID: "a", Provider: PluginProvider{Module: "module.wasm"}},
		"bad schema":    {ID: "a", Provider: echo(), InputSchema: map[string]any{"type": 12}},
		"openapi auth":  {ID: "a", Provider: OpenAPIProvider{Auth: &OpenAPIAuth{Location: "body"}}},
		"nil native fn": {ID: "a", Provider: NativeProvider{}},
		"nil stream fn": {ID: "a", Provider: StreamProvider{}},
	}
	for name, man := range cases {
		t.Run(name, func(t *testing.T) {
			err := m.RegisterCapabilityManifest(ctx, man)
			require.Error(t, err)
			assert.True(t, errorir.Is(err, errorir.CodeInvalidArgument), "got %v", err)
		})
	}
	assert.Empty(t, m.ListCapabilities())
}

func TestReRegistrationReplacesProvider(t *testing.T) {
	m, _ := newTestMarketplace(t)
	ctx := context.Background()
	require.NoError(t, m.RegisterCapabilityManifest(ctx, Manifest{ID: "svc.version", Version: "1.0.0", Provider: constant(value.String("one"))}))
	require.NoError(t, m.RegisterCapabilityManifest(ctx, Manifest{ID: "svc.version", Version: "2.0.0", Provider: constant(value.String("two"))}))

	out, err := m.ExecuteCapability(ctx, "svc.version", value.Nil{})
	require.NoError(t, err)
	assert.Equal(t, value.String("two"), out)
	assert.Len(t, m.ListCapabilities(), 1)

	man, _ := m.GetCapability("svc.version")
	assert.Equal(t, "2.0.0", man.Version)
}

func TestRegistrationAuditIsOptIn(t *testing.T) {
	m, chain := newTestMarketplace(t)
	ctx := context.Background()
	require.NoError(t, m.RegisterCapabilityManifest(ctx, Manifest{ID: "a", Provider: echo()}))
	assert.Zero(t, chain.Len())

	m.WithRegistrationAudit(true)
	require.NoError(t, m.RegisterCapabilityManifest(ctx, Manifest{ID: "a", Version: "1.1.0", Provider: echo()}))
	require.NoError(t, m.RemoveCapability(ctx, "a"))

	actions := chain.All()
	require.Len(t, actions, 2)
	for _, a := range actions {
		assert.Equal(t, causalchain.ActionCapabilityAudit, a.Type)
	}
	assert.Equal(t, EventCapabilityUpdated, actions[0].Metadata["event_type"])
	assert.Equal(t, "1.0.0", actions[0].Metadata["previous_version"])
	assert.Equal(t, EventCapabilityRemoved, actions[1].Metadata["event_type"])
}

func TestRemoveUnknownCapability(t *testing.T) {
	m, _ := newTestMarketplace(t)
	err := m.RemoveCapability(context.Background(), "missing")
	assert.True(t, errorir.Is(err, errorir.CodeNotFound))
}

func TestQueryCapabilities(t *testing.T) {
	m, _ := newTestMarketplace(t)
	ctx := context.Background()
	for _, man := range []Manifest{
		{ID: "fs.read", Provider: echo(), Permissions: []string{"fs:read"}, Domains: []string{"storage"}},
		{ID: "fs.write", Provider: echo(), Permissions: []string{"fs:read", "fs:write"}, Effects: []string{"write"}, Domains: []string{"storage"}},
		{ID: "web.get", Provider: HTTPProvider{BaseURL: "http://example.com"}, Categories: []string{"network"}},
	} {
		require.NoError(t, m.RegisterCapabilityManifest(ctx, man))
	}

	ids := func(ms []Manifest) []string {
		out := make([]string, 0, len(ms))
		for _, man := range ms {
			out = append(out, man.ID)
		}
		return out
	}
	assert.Equal(t, []string{"fs.read", "fs.write", "web.get"}, ids(m.ListCapabilities()))
	assert.Equal(t, []string{"fs.read", "fs.write"}, ids(m.QueryCapabilities(Query{IDPattern: "fs.*"})))
	assert.Equal(t, []string{"fs.write"}, ids(m.QueryCapabilities(Query{Permissions: []string{"fs:write"}})))
	assert.Equal(t, []string{"fs.write"}, ids(m.QueryCapabilities(Query{Effects: []string{"write"}})))
	assert.Equal(t, []string{"web.get"}, ids(m.QueryCapabilities(Query{ProviderType: ProviderHTTP})))
	assert.Equal(t, []string{"fs.read", "fs.write"}, ids(m.ByDomain("storage")))
	assert.Equal(t, []string{"web.get"}, ids(m.ByCategory("network")))
	assert.Len(t, m.QueryCapabilities(Query{Limit: 1}), 1)
	assert.True(t, m.HasCapability("web.get"))
	assert.False(t, m.HasCapability("web.post"))
}

func TestUnknownCapabilityLeavesNoChainEntry(t *testing.T) {
	m, chain := newTestMarketplace(t)
	_, err := m.ExecuteCapability(context.Background(), "missing", value.Nil{})
	assert.True(t, errorir.Is(err, errorir.CodeNotFound))
	assert.Zero(t, chain.Len())
}

func TestHandlerFailureIsRecorded(t *testing.T) {
	m, chain := newTestMarketplace(t)
	ctx := context.Background()
	require.NoError(t, m.RegisterCapabilityManifest(ctx, Manifest{ID: "svc.fail", Provider: LocalProvider{
		Handler: func(context.Context, value.Value) (value.Value, error) { return nil, errors.New("boom") },
	}}))

	_, err := m.ExecuteCapability(ctx, "svc.fail", value.Nil{})
	require.Error(t, err)
	assert.True(t, errorir.Is(err, errorir.CodeProviderError))
	assert.False(t, errorir.IsRetryable(err))

	actions := chain.All()
	require.Len(t, actions, 2)
	assert.False(t, actions[1].Result.Success)
	assert.Contains(t, actions[1].Result.Error, "boom")
}

func TestCallContextAttributesActions(t *testing.T) {
	m, chain := newTestMarketplace(t)
	require.NoError(t, m.RegisterCapabilityManifest(context.Background(), Manifest{ID: "ccos.echo", Provider: echo()}))

	ctx := WithCallContext(context.Background(), CallContext{PlanID: "plan-1", IntentID: "intent-1", SessionID: "s"})
	_, err := m.ExecuteCapability(ctx, "ccos.echo", value.Integer(1))
	require.NoError(t, err)

	assert.Len(t, chain.GetActionsForPlan("plan-1"), 2)
	assert.Len(t, chain.GetActionsForIntent("intent-1"), 2)
	assert.Equal(t, "plan-1", CallContextFrom(ctx).PlanID)
	assert.Empty(t, CallContextFrom(context.Background()).PlanID)
}

func TestExpiredAttestationBlocksExecution(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m, chain := newTestMarketplace(t)
	m.WithClock(func() time.Time { return now })
	past := now.Add(-time.Hour)
	require.NoError(t, m.RegisterCapabilityManifest(context.Background(), Manifest{
		ID:          "svc.attested",
		Provider:    echo(),
		Attestation: &Attestation{Authority: "ca", Signature: "sig", CreatedAt: past.Add(-time.Hour), ExpiresAt: &past},
	}))

	_, err := m.ExecuteCapability(context.Background(), "svc.attested", value.Nil{})
	assert.True(t, errorir.Is(err, errorir.CodeSecurityViolation))
	assert.Zero(t, chain.Len())
}

func TestConcurrentRegisterQueryExecute(t *testing.T) {
	m, chain := newTestMarketplace(t)
	ctx := context.Background()
	require.NoError(t, m.RegisterCapabilityManifest(ctx, Manifest{ID: "ccos.echo", Provider: echo()}))

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(3)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.RegisterCapabilityManifest(ctx, Manifest{ID: fmt.Sprintf("svc.%d", i), Provider: echo()}))
		}()
		go func() {
			defer wg.Done()
			assert.True(t, m.HasCapability("ccos.echo"))
			_ = m.ListCapabilities()
		}()
		go func() {
			defer wg.Done()
			_, err := m.ExecuteCapability(ctx, "ccos.echo", value.Integer(int64(i)))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, m.ListCapabilities(), 9)
	assert.Equal(t, 16, chain.Len())
	require.NoError(t, chain.Verify())
}
