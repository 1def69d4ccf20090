package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSeed = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

// isolate points every piece of on-disk state into a temp dir.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("CCOS_DB_DRIVER", "sqlite")
	t.Setenv("CCOS_DATABASE_URL", filepath.Join(dir, "ccos.db"))
	t.Setenv("CCOS_PROFILE_DIR", filepath.Join(dir, "profiles"))
	t.Setenv("CCOS_PROFILE", "default")
	t.Setenv("CCOS_DATA_DIR", filepath.Join(dir, "data"))
	t.Setenv("CCOS_CONSTITUTION", "")
	t.Setenv("CCOS_REDIS_ADDR", "")
	t.Setenv("CCOS_SIGNING_SEED", testSeed)
	t.Setenv("CCOS_LOG_LEVEL", "ERROR")
	return dir
}

func run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"ccos"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func writeFile(t *testing.T, path, content string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestUsage(t *testing.T) {
	code, _, stderr := run()
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "USAGE")

	code, _, stderr = run("frobnicate")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "Unknown command: frobnicate")

	code, stdout, _ := run("help")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "capabilities")

	code, stdout, _ = run("version")
	assert.Equal(t, 0, code)
	assert.Equal(t, version+"\n", stdout)
}

func TestRunRequiresPlan(t *testing.T) {
	isolate(t)
	code, _, stderr := run("run")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "--plan is required")

	code, _, _ = run("run", "--plan", "/does/not/exist.yaml")
	assert.Equal(t, 2, code)
}

func TestRunPersistsVerifiableChain(t *testing.T) {
	dir := isolate(t)
	plan := writeFile(t, filepath.Join(dir, "plan.yaml"), `
plan_id: p1
name: greet
intent_ids: [i1]
steps:
  - name: first
    capability: ccos.echo
    input: hello
  - name: second
    capability: ccos.echo
    input: ${steps.first}
`)

	code, stdout, stderr := run("run", "--plan", plan, "--json")
	require.Equal(t, 0, code, stderr)

	var report runReport
	require.NoError(t, json.Unmarshal([]byte(stdout), &report))
	assert.True(t, report.Success)
	assert.Equal(t, "hello", report.Value)
	require.Len(t, report.Steps, 2)
	assert.Equal(t, "second", report.Steps[1].Name)
	assert.True(t, strings.HasPrefix(report.Head, "sha256:"))

	// A second run resumes the persisted chain.
	code, _, stderr = run("run", "--plan", plan)
	require.Equal(t, 0, code, stderr)

	code, stdout, _ = run("verify", "--json")
	require.Equal(t, 0, code)
	var vr verifyResult
	require.NoError(t, json.Unmarshal([]byte(stdout), &vr))
	assert.True(t, vr.Verified)
	assert.True(t, vr.Signatures)
	assert.Greater(t, vr.Actions, 4)

	pack := filepath.Join(dir, "p1.zip")
	code, stdout, _ = run("verify", "--plan", "p1", "--pack", pack)
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "Chain verified")
	info, err := os.Stat(pack)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}

func TestRunWithoutPersistenceLeavesLedgerEmpty(t *testing.T) {
	dir := isolate(t)
	plan := writeFile(t, filepath.Join(dir, "plan.yaml"), `
plan_id: p2
intent_ids: [i2]
steps:
  - capability: ccos.echo
    input: 1
`)
	code, _, stderr := run("run", "--plan", plan, "--no-persist")
	require.Equal(t, 0, code, stderr)

	code, stdout, _ := run("verify", "--json")
	require.Equal(t, 0, code)
	var vr verifyResult
	require.NoError(t, json.Unmarshal([]byte(stdout), &vr))
	assert.Equal(t, 0, vr.Actions)
}

func TestRunRejectedPlanExitsOne(t *testing.T) {
	dir := isolate(t)
	plan := writeFile(t, filepath.Join(dir, "plan.yaml"), `
plan_id: p3
intent_ids: [i3]
steps:
  - capability: missing.capability
`)
	code, stdout, _ := run("run", "--plan", plan, "--json", "--no-persist")
	assert.Equal(t, 1, code)

	var report runReport
	require.NoError(t, json.Unmarshal([]byte(stdout), &report))
	assert.False(t, report.Success)
	require.NotNil(t, report.Error)
}

func TestVerifyRequiresPlanAndPack(t *testing.T) {
	isolate(t)
	code, _, stderr := run("verify", "--plan", "p1")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "--plan and --pack")
}

func TestCapabilitiesExportImport(t *testing.T) {
	dir := isolate(t)
	manifests := filepath.Join(dir, "manifests")
	writeFile(t, filepath.Join(manifests, "weather.yaml"), `
id: weather.get
name: Weather
description: Current conditions
version: 1.2.0
provider:
  type: http
  http:
    base_url: https://weather.example.com
    timeout_ms: 2000
domains: [weather]
`)

	code, stdout, stderr := run("capabilities", "--manifests", manifests, "--json")
	require.Equal(t, 0, code, stderr)
	var rows []capabilityRow
	require.NoError(t, json.Unmarshal([]byte(stdout), &rows))
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"ccos.echo", "weather.get"}, ids)

	code, stdout, _ = run("capabilities", "--manifests", manifests, "--domain", "weather")
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "Capabilities (1)")

	out := filepath.Join(dir, "out")
	code, stdout, stderr = run("export", "--manifests", manifests, "--dir", out, "--format", "toml", "--json")
	require.Equal(t, 0, code, stderr)
	var exported struct {
		Exported    int `json:"exported"`
		Diagnostics []struct {
			CapabilityID string `json:"capability_id"`
		} `json:"diagnostics"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &exported))
	assert.Equal(t, 1, exported.Exported)
	require.Len(t, exported.Diagnostics, 1)
	assert.Equal(t, "ccos.echo", exported.Diagnostics[0].CapabilityID)
	_, err := os.Stat(filepath.Join(out, "weather.get.toml"))
	require.NoError(t, err)

	code, stdout, _ = run("import", "--dir", out)
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "Imported 1 capabilities")
}

func TestExportRejectsUnknownFormat(t *testing.T) {
	dir := isolate(t)
	code, _, stderr := run("export", "--dir", filepath.Join(dir, "out"), "--format", "xml")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "xml")
}

func TestImportStopsAtBadManifest(t *testing.T) {
	dir := isolate(t)
	manifests := filepath.Join(dir, "manifests")
	writeFile(t, filepath.Join(manifests, "a.json"), `{"id":"a.cap","name":"A","version":"1.0.0","provider":{"type":"http","http":{"base_url":"https://a.example.com"}}}`)
	writeFile(t, filepath.Join(manifests, "b.json"), `{"id":"b.cap","name":"B","version":"not-semver","provider":{"type":"http","http":{"base_url":"https://b.example.com"}}}`)

	code, stdout, _ := run("import", "--dir", manifests, "--json")
	assert.Equal(t, 1, code)
	var result struct {
		Imported int `json:"imported"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &result))
	assert.Equal(t, 1, result.Imported)

	code, _, stderr := run("import")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "exactly one of --dir or --file")
}

func TestDoctor(t *testing.T) {
	isolate(t)
	var stdout, stderr bytes.Buffer
	code := runDoctorCmd(&stdout, &stderr)
	assert.Equal(t, 0, code, stdout.String())
	assert.Contains(t, stdout.String(), "CCOS Doctor")
	assert.Contains(t, stdout.String(), "ledger")
}

func TestDoctorReportsBadConfig(t *testing.T) {
	isolate(t)
	t.Setenv("CCOS_SIGNING_SEED", "zz")
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 1, runDoctorCmd(&stdout, &stderr))
	assert.Contains(t, stdout.String(), "config")
}
