package causalchain

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/ccos/core/pkg/kernel/errorir"
)

type edSigner struct {
	priv ed25519.PrivateKey
}

func newEdSigner() edSigner {
	seed := make([]byte, ed25519.SeedSize)
	copy(seed, "causal-chain-test-seed")
	return edSigner{priv: ed25519.NewKeyFromSeed(seed)}
}

func (s edSigner) Sign(msg []byte) ([]byte, error) { return ed25519.Sign(s.priv, msg), nil }
func (s edSigner) Verify(msg, sig []byte) bool {
	return ed25519.Verify(s.priv.Public().(ed25519.PublicKey), msg, sig)
}

func fixedChain() *Chain {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	n := 0
	return New().WithClock(func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Millisecond)
	})
}

func TestCapabilityCallAndResult(t *testing.T) {
	ctx := context.Background()
	c := fixedChain()

	call, err := c.LogCapabilityCall(ctx, "s1", "p1", "i1", "ccos.echo", "", []any{map[string]any{"message": "hi"}})
	require.NoError(t, err)
	assert.Equal(t, ActionCapabilityCall, call.Type)
	assert.Equal(t, "ccos.echo", call.FunctionName)

	res, err := c.RecordResult(ctx, call, Outcome{Success: true, Value: "hi"})
	require.NoError(t, err)
	assert.Equal(t, call.ID, res.ParentActionID)

	parent, ok := c.GetParent(res.ID)
	require.True(t, ok)
	assert.Equal(t, call.ID, parent.ID)

	plan := c.GetActionsForPlan("p1")
	require.Len(t, plan, 2)
	assert.Equal(t, call.ID, plan[0].ID)
	assert.Equal(t, res.ID, plan[1].ID)

	assert.Len(t, c.GetActionsForCapability("ccos.echo"), 2)
	assert.Len(t, c.GetChildren(call.ID), 1)
	require.NoError(t, c.Verify())
}

func TestAppendRejectsUnknownParent(t *testing.T) {
	c := New()
	_, err := c.Append(context.Background(), Action{Type: ActionCapabilityResult, ParentActionID: "missing"})
	require.Error(t, err)
	assert.True(t, errorir.Is(err, errorir.CodeNotFound))
	assert.Equal(t, 0, c.Len())
}

func TestAppendRejectsDuplicateID(t *testing.T) {
	c := New().WithIDGenerator(func() string { return "fixed" })
	_, err := c.Append(context.Background(), Action{Type: ActionPlanStarted})
	require.NoError(t, err)
	_, err = c.Append(context.Background(), Action{Type: ActionPlanStarted})
	assert.True(t, errorir.Is(err, errorir.CodeConflict))
}

func TestAppendDoesNotAliasCallerMetadata(t *testing.T) {
	c := New()
	md := map[string]any{"k": "v"}
	a, err := c.Append(context.Background(), Action{Type: ActionPlanStarted, Metadata: md})
	require.NoError(t, err)
	md["k"] = "changed"

	got, ok := c.Get(a.ID)
	require.True(t, ok)
	assert.Equal(t, "v", got.Metadata["k"])
}

func TestVerifyDetectsTampering(t *testing.T) {
	ctx := context.Background()
	c := fixedChain()
	for i := 0; i < 3; i++ {
		_, err := c.LogIntentCreated(ctx, "p", fmt.Sprintf("i%d", i), "goal", "test")
		require.NoError(t, err)
	}
	require.NoError(t, c.Verify())

	actions := c.All()
	actions[1].Metadata["goal"] = "tampered"
	err := VerifyActions(actions, nil)
	assert.ErrorIs(t, err, ErrChainBroken)
}

func TestSignaturesVerify(t *testing.T) {
	ctx := context.Background()
	signer := newEdSigner()
	c := fixedChain().WithSigner(signer)

	a, err := c.LogPlanStarted(ctx, "p", []string{"i1"}, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, a.Signature)
	require.NoError(t, c.Verify())

	actions := c.All()
	actions[0].Signature = "AAAA"
	assert.ErrorIs(t, VerifyActions(actions, signer), ErrChainBroken)
}

func TestStoreFailureDegradesButKeepsRecording(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	c := New().WithStore(store)

	_, err := c.LogIntentCreated(ctx, "p", "i1", "g", "t")
	require.NoError(t, err)
	assert.False(t, c.Degraded())

	store.FailWith = errors.New("disk full")
	_, err = c.LogIntentCreated(ctx, "p", "i2", "g", "t")
	require.NoError(t, err)
	assert.True(t, c.Degraded())
	assert.Equal(t, "disk full", c.DegradedReason())

	next, err := c.LogIntentCreated(ctx, "p", "i3", "g", "t")
	require.NoError(t, err)
	assert.Equal(t, true, next.Metadata["ungoverned"])
	assert.Equal(t, 3, c.Len())
	require.NoError(t, c.Verify())
}

func TestSinkErrorsAreSwallowed(t *testing.T) {
	c := New()
	var seen []ActionType
	c.AddSink(SinkFunc(func(_ context.Context, a Action) error {
		seen = append(seen, a.Type)
		return errors.New("sink down")
	}))

	_, err := c.LogPlanStarted(context.Background(), "p", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []ActionType{ActionPlanStarted}, seen)
}

func TestStatusChangeMetadata(t *testing.T) {
	c := fixedChain()
	a, err := c.LogIntentStatusChange(context.Background(), "p", "i", "Active", "Executing", "plan started", "trig", map[string]any{"reason": "ignored", "extra": 1})
	require.NoError(t, err)
	assert.Equal(t, "Active", a.Metadata["old_status"])
	assert.Equal(t, "Executing", a.Metadata["new_status"])
	assert.Equal(t, "plan started", a.Metadata["reason"])
	assert.Equal(t, "trig", a.Metadata["triggering_action_id"])
	assert.Equal(t, 1, a.Metadata["extra"])
	assert.NotEmpty(t, a.Metadata["transition_timestamp"])
}

func TestRelationshipMetadataPrefix(t *testing.T) {
	w := 0.5
	a, err := New().LogIntentRelationshipCreated(context.Background(), "p", "a", "a", "b", "DependsOn", &w, map[string]any{"note": "x"})
	require.NoError(t, err)
	assert.Equal(t, "a", a.Metadata["from_intent"])
	assert.Equal(t, "b", a.Metadata["to_intent"])
	assert.Equal(t, 0.5, a.Metadata["weight"])
	assert.Equal(t, "x", a.Metadata["rel_note"])
}

func TestQueryFilters(t *testing.T) {
	ctx := context.Background()
	c := fixedChain()
	_, _ = c.LogIntentCreated(ctx, "p1", "i1", "g", "t")
	call, _ := c.LogCapabilityCall(ctx, "", "p1", "i1", "ccos.http.get", "", nil)
	_, _ = c.RecordResult(ctx, call, Outcome{Success: true})
	_, _ = c.LogIntentCreated(ctx, "p2", "i2", "g", "t")

	assert.Len(t, c.Query(Filter{PlanID: "p1"}), 3)
	assert.Len(t, c.Query(Filter{Type: ActionIntentCreated}), 2)
	assert.Len(t, c.Query(Filter{FunctionPrefix: "ccos.http"}), 2)
	assert.Len(t, c.Query(Filter{ParentActionID: call.ID}), 1)
	assert.Len(t, c.Query(Filter{MaxResults: 1}), 1)
	assert.Len(t, c.GetActionsForIntent("i2"), 1)
}

func TestBracketRecordsFailure(t *testing.T) {
	ctx := context.Background()
	c := New()
	_, err := Bracket(ctx, c, Action{PlanID: "p", FunctionName: "boom"}, func(context.Context) (int, error) {
		return 0, errors.New("kaboom")
	}, nil)
	require.Error(t, err)

	actions := c.GetActionsForPlan("p")
	require.Len(t, actions, 2)
	assert.Equal(t, ActionCapabilityResult, actions[1].Type)
	assert.False(t, actions[1].Result.Success)
	assert.Equal(t, "kaboom", actions[1].Result.Error)
}

func TestUnhashablePayloadIsRedactedNotDropped(t *testing.T) {
	ctx := context.Background()
	c := New()
	a, err := c.LogCapabilityCall(ctx, "s", "p", "i", "svc.calc", "", []any{map[string]any{"x": math.NaN()}})
	require.NoError(t, err)

	assert.True(t, c.Degraded())
	assert.Contains(t, c.DegradedReason(), "NaN")
	assert.Nil(t, a.Arguments)
	assert.Equal(t, "svc.calc", a.Metadata["capability_id"])
	assert.Equal(t, true, a.Metadata["ungoverned"])
	assert.Contains(t, a.Metadata["unhashable"], "NaN")
	require.NoError(t, c.Verify())

	res, err := c.RecordResult(ctx, a, Outcome{Success: true, Value: math.Inf(1)})
	require.NoError(t, err)
	assert.Nil(t, res.Result.Value)
	assert.True(t, res.Result.Success)
	assert.Equal(t, 2, c.Len())
	require.NoError(t, c.Verify())
}

func TestBracketRunsWhenCallCannotBeLogged(t *testing.T) {
	ctx := context.Background()
	c := New()
	ran := false
	v, err := Bracket(ctx, c, Action{PlanID: "p", FunctionName: "svc", ParentActionID: "missing"}, func(context.Context) (string, error) {
		ran = true
		return "ok", nil
	}, nil)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, "ok", v)
	assert.True(t, c.Degraded())
	assert.Zero(t, c.Len())
}

func TestBracketNilChain(t *testing.T) {
	v, err := Bracket(context.Background(), nil, Action{}, func(context.Context) (string, error) {
		return "ok", nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestLoadPlanRehydrates(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	c := fixedChain().WithStore(store)
	call, _ := c.LogCapabilityCall(ctx, "", "p", "i", "echo", "", nil)
	_, _ = c.RecordResult(ctx, call, Outcome{Success: true})

	view, err := LoadPlan(ctx, store, "p")
	require.NoError(t, err)
	assert.Equal(t, 2, view.Len())
	assert.Equal(t, c.Head(), view.Head())
	_, ok := view.GetParent(c.GetActionsForPlan("p")[1].ID)
	assert.True(t, ok)
}

type sliceLoader []Action

func (s sliceLoader) AllActions(context.Context) ([]Action, error) { return s, nil }

func TestResumeContinuesSequenceAndHead(t *testing.T) {
	ctx := context.Background()
	first := fixedChain()
	_, _ = first.LogIntentCreated(ctx, "p", "i1", "g", "t")
	_, _ = first.LogIntentCreated(ctx, "p", "i2", "g", "t")

	second := fixedChain()
	require.NoError(t, second.Resume(ctx, sliceLoader(first.All())))
	a, err := second.LogIntentCreated(ctx, "p", "i3", "g", "t")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), a.Sequence)
	require.NoError(t, second.Verify())
	assert.Len(t, second.GetActionsForPlan("p"), 3)
}
