package marketplace

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/ccos/core/pkg/causalchain"
	"github.com/Mindburn-Labs/ccos/core/pkg/kernel"
	"github.com/Mindburn-Labs/ccos/core/pkg/kernel/errorir"
	"github.com/Mindburn-Labs/ccos/core/pkg/observability"
	"github.com/Mindburn-Labs/ccos/core/pkg/runtime/sandbox"
	"github.com/Mindburn-Labs/ccos/core/pkg/value"
)

// CallContext carries the plan identity an execution is attributed to.
// Granted is the capability set sandboxed providers check against; nil
// grants only the called capability.
type CallContext struct {
	SessionID string
	PlanID    string
	IntentID  string
	Granted   []string
}

type callContextKey struct{}

// WithCallContext attaches cc to ctx.
func WithCallContext(ctx context.Context, cc CallContext) context.Context {
	return context.WithValue(ctx, callContextKey{}, cc)
}

// CallContextFrom returns the CallContext attached to ctx, if any.
func CallContextFrom(ctx context.Context) CallContext {
	cc, _ := ctx.Value(callContextKey{}).(CallContext)
	return cc
}

// ExecuteCapability runs capability id with input. Failures before dispatch
// (unknown id, isolation, input schema, backpressure) leave no chain entry;
// once the CapabilityCall is logged a CapabilityResult always follows.
func (m *Marketplace) ExecuteCapability(ctx context.Context, id string, input value.Value) (value.Value, error) {
	if input == nil {
		input = value.Nil{}
	}
	e, ok := m.lookup(id)
	if !ok {
		return nil, errorir.NotFound("capability %s is not registered", id)
	}
	man := e.manifest

	if reason := m.isolation.Check(id, m.clock()); reason != "" {
		return nil, errorir.SecurityViolation("capability %s: %s", id, reason).WithCapability(id)
	}
	if man.Attestation.Expired(m.clock()) {
		return nil, errorir.SecurityViolation("capability %s attestation expired", id).WithCapability(id)
	}
	if err := validate(id, e.input, input); err != nil {
		return nil, err
	}

	limit := m.defaultLimit
	if man.RateLimit != nil {
		limit = *man.RateLimit
	}
	if limit.Enabled() {
		if err := kernel.EvaluateBackpressure(ctx, m.limiter, id, limit); err != nil {
			return nil, err
		}
	}

	cc := CallContextFrom(ctx)
	ctx, finish := m.obs.TrackOperation(ctx, "capability.execute",
		observability.CapabilityOperation(id, string(man.Provider.Type()))...)

	call := causalchain.Action{
		PlanID:       cc.PlanID,
		IntentID:     cc.IntentID,
		SessionID:    cc.SessionID,
		FunctionName: id,
		Arguments:    []any{value.ToJSON(input)},
		Metadata: map[string]any{
			"capability_id": id,
			"provider_type": string(man.Provider.Type()),
			"version":       man.Version,
		},
	}
	out, err := causalchain.Bracket(ctx, m.chain, call, func(ctx context.Context) (value.Value, error) {
		v, err := m.dispatch(ctx, man, input, cc)
		if err != nil {
			return nil, err
		}
		if v == nil {
			v = value.Nil{}
		}
		if err := validate(id, e.output, v); err != nil {
			return nil, err
		}
		return v, nil
	}, func(v value.Value) any { return value.ToJSON(v) })
	finish(err)

	if err != nil {
		m.logger.WarnContext(ctx, "capability execution failed",
			"capability_id", id, "code", errorir.CodeOf(err), "error", err)
	}
	return out, err
}

// dispatch is the single routing point from provider variant to executor.
func (m *Marketplace) dispatch(ctx context.Context, man Manifest, input value.Value, cc CallContext) (value.Value, error) {
	var (
		v   value.Value
		err error
	)
	switch p := man.Provider.(type) {
	case LocalProvider:
		v, err = p.Handler(ctx, input)
	case HTTPProvider:
		v, err = m.executeHTTP(ctx, man.ID, p, input)
	case MCPProvider:
		v, err = m.executeMCP(ctx, man.ID, p, input)
	case OpenAPIProvider:
		v, err = m.executeOpenAPI(ctx, man.ID, p, input)
	case A2AProvider:
		v, err = m.executeA2A(ctx, man.ID, p, input)
	case PluginProvider:
		v, err = m.executePlugin(ctx, man, p, input, cc)
	case RemoteRTFSProvider:
		v, err = m.executeRemote(ctx, man.ID, p, input)
	case StreamProvider:
		v, err = m.executeStream(ctx, man.ID, p, input)
	case RegistryProvider:
		v, err = m.executeRegistry(ctx, man.ID, p, input)
	case NativeProvider:
		v, err = m.executeNative(ctx, man, p, input, cc)
	default:
		err = errorir.ProviderError(man.ID, false, fmt.Errorf("no executor for provider %T", man.Provider))
	}
	if err != nil {
		return nil, providerErr(man.ID, err)
	}
	return v, nil
}

// providerErr keeps typed errors and wraps everything else as a permanent
// provider failure. Context deadlines are transient.
func providerErr(capabilityID string, err error) error {
	var ir *errorir.Error
	if errors.As(err, &ir) {
		return err
	}
	transient := errors.Is(err, context.DeadlineExceeded)
	return errorir.ProviderError(capabilityID, transient, err)
}

func (m *Marketplace) executeMCP(ctx context.Context, id string, p MCPProvider, input value.Value) (value.Value, error) {
	if m.mcp == nil {
		return nil, errorir.ProviderError(id, false, errors.New("no MCP client configured"))
	}
	ctx, cancel := context.WithTimeout(ctx, timeout(p.TimeoutMs))
	defer cancel()
	return m.mcp.CallTool(ctx, p, argumentObject(input))
}

// argumentObject shapes input as a JSON object. Non-map inputs are wrapped
// under "input".
func argumentObject(input value.Value) map[string]any {
	if obj, ok := value.ToJSON(input).(map[string]any); ok {
		return obj
	}
	if _, isNil := input.(value.Nil); isNil {
		return map[string]any{}
	}
	return map[string]any{"input": value.ToJSON(input)}
}

func (m *Marketplace) executePlugin(ctx context.Context, man Manifest, p PluginProvider, input value.Value, cc CallContext) (value.Value, error) {
	if m.artifacts == nil {
		return nil, errorir.ProviderError(man.ID, false, errors.New("no artifact registry configured"))
	}
	module, err := m.artifacts.LoadModule(ctx, p.Module)
	if err != nil {
		return nil, errorir.ProviderError(man.ID, false, fmt.Errorf("failed to load plugin module: %w", err))
	}
	res, err := m.executor.ExecuteProgram(ctx, m.sandboxContext(man, sandbox.Binary{Module: module}, []value.Value{input}, cc))
	if err != nil {
		return nil, err
	}
	return res.Value, nil
}

func (m *Marketplace) executeNative(ctx context.Context, man Manifest, p NativeProvider, input value.Value, cc CallContext) (value.Value, error) {
	prog := sandbox.Native{Name: man.ID, Fn: p.Fn}
	res, err := m.executor.ExecuteProgram(ctx, m.sandboxContext(man, prog, positional(input), cc))
	if err != nil {
		return nil, err
	}
	return res.Value, nil
}

func (m *Marketplace) sandboxContext(man Manifest, prog sandbox.Program, args []value.Value, cc CallContext) sandbox.ExecutionContext {
	granted := cc.Granted
	if granted == nil {
		granted = []string{man.ID}
	}
	return sandbox.ExecutionContext{
		ExecutionID:           uuid.NewString(),
		CapabilityID:          man.ID,
		CapabilityPermissions: granted,
		Program:               prog,
		Args:                  args,
		Security:              m.security,
		RuntimePermissions:    m.runtimePermissions,
	}
}

// positional spreads vectors and lists into arguments; any other value is
// the single argument.
func positional(input value.Value) []value.Value {
	switch t := input.(type) {
	case value.Vector:
		return []value.Value(t)
	case value.List:
		return []value.Value(t)
	case value.Nil:
		return nil
	default:
		return []value.Value{input}
	}
}

var errStreamLimit = errors.New("stream exceeded its item limit")

func (m *Marketplace) executeStream(ctx context.Context, id string, p StreamProvider, input value.Value) (value.Value, error) {
	items := value.Vector{}
	err := p.Handler(ctx, input, func(v value.Value) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if p.MaxItems > 0 && len(items) >= p.MaxItems {
			return errStreamLimit
		}
		items = append(items, v)
		return nil
	})
	if err != nil {
		return nil, errorir.ProviderError(id, false, fmt.Errorf("%s stream: %w", p.StreamType, err))
	}
	return items, nil
}

func (m *Marketplace) executeRegistry(ctx context.Context, id string, p RegistryProvider, input value.Value) (value.Value, error) {
	m.mu.Lock()
	r, ok := m.registries[p.Registry]
	m.mu.Unlock()
	if !ok {
		return nil, errorir.ProviderError(id, false, fmt.Errorf("registry %q is not configured", p.Registry))
	}
	target := p.CapabilityID
	if target == "" {
		target = id
	}
	return r.Execute(ctx, target, input)
}
