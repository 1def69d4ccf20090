package audit_test

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/ccos/core/pkg/audit"
	"github.com/Mindburn-Labs/ccos/core/pkg/causalchain"
)

type chainLoader struct{ c *causalchain.Chain }

func (l chainLoader) AllActions(context.Context) ([]causalchain.Action, error) { return l.c.All(), nil }

func TestLogger_SinkWritesStructuredJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := audit.NewLoggerWithWriter(&buf)
	chain := causalchain.New()
	chain.AddSink(logger)

	ctx := audit.WithActor(context.Background(), "operator-1")
	call, err := chain.LogCapabilityCall(ctx, "", "p1", "i1", "ccos.echo", "", nil)
	require.NoError(t, err)

	output := buf.String()
	assert.True(t, strings.HasPrefix(output, "AUDIT: "))

	var event audit.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(output, "AUDIT: "))), &event))
	assert.Equal(t, audit.EventCapability, event.Type)
	assert.Equal(t, "CapabilityCall", event.Action)
	assert.Equal(t, "ccos.echo", event.Resource)
	assert.Equal(t, "operator-1", event.ActorID)
	assert.Equal(t, call.ID, event.ID)
	assert.Equal(t, call.ChainHash, event.ChainHash)
}

func TestEventFromActionCarriesOutcome(t *testing.T) {
	ev := audit.EventFromAction(causalchain.Action{
		Type:   causalchain.ActionGovernanceDecision,
		Result: &causalchain.Outcome{Success: false, Error: "denied"},
	})
	assert.Equal(t, audit.EventPolicy, ev.Type)
	assert.Equal(t, false, ev.Metadata["success"])
	assert.Equal(t, "denied", ev.Metadata["error"])
}

func readEntry(t *testing.T, zr *zip.Reader, name string) []byte {
	t.Helper()
	rc, err := zr.Open(name)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

func TestExporter_GeneratePack_Success(t *testing.T) {
	ctx := context.Background()
	chain := causalchain.New()
	_, _ = chain.LogIntentCreated(ctx, "plan-1", "i1", "goal", "user")
	_, _ = chain.LogIntentCreated(ctx, "plan-2", "i2", "goal", "user")

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	exporter := audit.NewExporter(chainLoader{chain}, nil).WithClock(func() time.Time { return at })
	pack, err := exporter.GeneratePack(ctx, audit.ExportRequest{PlanID: "plan-1"})
	require.NoError(t, err)
	assert.Len(t, pack.SHA256, 64)
	assert.Equal(t, 1, pack.Manifest.Events)
	assert.Equal(t, 2, pack.Manifest.ChainLength)
	assert.Equal(t, chain.Head(), pack.Manifest.ChainHead)
	assert.False(t, pack.Manifest.Signed)

	zr, err := zip.NewReader(bytes.NewReader(pack.Data), int64(len(pack.Data)))
	require.NoError(t, err)

	eventsJSON := readEntry(t, zr, "events.json")
	var events []audit.Event
	require.NoError(t, json.Unmarshal(eventsJSON, &events))
	require.Len(t, events, 1)
	assert.Equal(t, "i1", events[0].IntentID)

	var manifest audit.PackManifest
	require.NoError(t, json.Unmarshal(readEntry(t, zr, "manifest.json"), &manifest))
	sum := sha256.Sum256(eventsJSON)
	assert.Equal(t, hex.EncodeToString(sum[:]), manifest.Files["events.json"])
	assert.Contains(t, manifest.Files, "README.txt")

	again, err := exporter.GeneratePack(ctx, audit.ExportRequest{PlanID: "plan-1"})
	require.NoError(t, err)
	assert.Equal(t, pack.SHA256, again.SHA256, "pack bytes are deterministic")
}

func TestExporter_GeneratePack_TimeWindow(t *testing.T) {
	ctx := context.Background()
	chain := causalchain.New()
	_, _ = chain.LogIntentCreated(ctx, "p", "i1", "goal", "user")

	exporter := audit.NewExporter(chainLoader{chain}, nil)
	pack, err := exporter.GeneratePack(ctx, audit.ExportRequest{PlanID: "p", EndTime: time.Now().Add(-time.Hour)})
	require.NoError(t, err)
	assert.Zero(t, pack.Manifest.Events)
}

func TestExporter_GeneratePack_EmptyPlanID(t *testing.T) {
	exporter := audit.NewExporter(chainLoader{causalchain.New()}, nil)
	_, err := exporter.GeneratePack(context.Background(), audit.ExportRequest{})
	assert.ErrorIs(t, err, audit.ErrEmptyPlanID)
}

func TestExporter_GeneratePack_InvalidTimeRange(t *testing.T) {
	exporter := audit.NewExporter(chainLoader{causalchain.New()}, nil)
	req := audit.ExportRequest{
		PlanID:    "p",
		StartTime: time.Now(),
		EndTime:   time.Now().Add(-1 * time.Hour),
	}
	_, err := exporter.GeneratePack(context.Background(), req)
	assert.ErrorIs(t, err, audit.ErrInvalidTimeRange)
}

func TestExporter_GeneratePack_FailClosedWithoutStore(t *testing.T) {
	exporter := audit.NewExporter(nil, nil)
	_, err := exporter.GeneratePack(context.Background(), audit.ExportRequest{PlanID: "p"})
	assert.ErrorIs(t, err, audit.ErrStoreNotConfigured)
}

func TestExporter_RejectsTamperedChain(t *testing.T) {
	ctx := context.Background()
	chain := causalchain.New()
	_, _ = chain.LogIntentCreated(ctx, "p", "i1", "goal", "user")
	actions := chain.All()
	actions[0].Metadata["goal"] = "forged"

	exporter := audit.NewExporter(tampered(actions), nil)
	_, err := exporter.GeneratePack(ctx, audit.ExportRequest{PlanID: "p"})
	assert.ErrorIs(t, err, causalchain.ErrChainBroken)
}

type tampered []causalchain.Action

func (t tampered) AllActions(context.Context) ([]causalchain.Action, error) { return t, nil }
