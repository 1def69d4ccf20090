package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/ccos/core/pkg/kernel/errorir"
	"github.com/Mindburn-Labs/ccos/core/pkg/runtime/budget"
	"github.com/Mindburn-Labs/ccos/core/pkg/value"
)

var (
	// (module) with no exports.
	wasmEmpty = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	// _start that returns immediately.
	wasmNoop = []byte{
		0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
		0x01, 0x04, 0x01, 0x60, 0x00, 0x00,
		0x03, 0x02, 0x01, 0x00,
		0x07, 0x0a, 0x01, 0x06, '_', 's', 't', 'a', 'r', 't', 0x00, 0x00,
		0x0a, 0x04, 0x01, 0x02, 0x00, 0x0b,
	}

	// _start that loops forever.
	wasmSpin = []byte{
		0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
		0x01, 0x04, 0x01, 0x60, 0x00, 0x00,
		0x03, 0x02, 0x01, 0x00,
		0x07, 0x0a, 0x01, 0x06, '_', 's', 't', 'a', 'r', 't', 0x00, 0x00,
		0x0a, 0x09, 0x01, 0x07, 0x00, 0x03, 0x40, 0x0c, 0x00, 0x0b, 0x0b,
	}
)

func nativeEcho(calls *int32) Native {
	return Native{Name: "echo", Fn: func(_ context.Context, args []value.Value) (value.Value, error) {
		atomic.AddInt32(calls, 1)
		if len(args) == 0 {
			return value.Nil{}, nil
		}
		return args[0], nil
	}}
}

func TestNetworkDeniedFailsNetworkPrograms(t *testing.T) {
	p := NewProvider()
	var calls int32
	_, err := p.ExecuteProgram(context.Background(), ExecutionContext{
		CapabilityID:          "ccos.network.http-fetch",
		CapabilityPermissions: []string{"ccos.network.http-fetch"},
		Program:               nativeEcho(&calls),
		Args:                  []value.Value{value.String("https://api.example.com/v1")},
		Security:              SecurityConfig{Network: DenyNetwork(), FileSystem: NoFileSystem()},
	})
	require.Error(t, err)
	assert.True(t, errorir.Is(err, errorir.CodeSecurityViolation))
	assert.False(t, errorir.IsRetryable(err))
	assert.Zero(t, calls)

	_, err = p.ExecuteProgram(context.Background(), ExecutionContext{
		Program:  ExternalProcess{Path: "/usr/bin/curl", Args: []string{"http://example.com"}},
		Security: SecurityConfig{Network: DenyNetwork()},
	})
	assert.True(t, errorir.Is(err, errorir.CodeSecurityViolation))
	assert.Len(t, p.Violations(), 2)
}

func TestNetworkAllowListUsesExtractedHost(t *testing.T) {
	p := NewProvider()
	var calls int32
	ec := ExecutionContext{
		CapabilityID:          "ccos.http.get",
		CapabilityPermissions: []string{"ccos.http.get"},
		Program:               nativeEcho(&calls),
		Args:                  []value.Value{value.String("https://api.example.com:8443/items")},
		Security:              SecurityConfig{Network: AllowHosts("api.example.com")},
	}
	_, err := p.ExecuteProgram(context.Background(), ec)
	require.NoError(t, err)

	ec.Args = []value.Value{value.String("https://other.example.com/")}
	_, err = p.ExecuteProgram(context.Background(), ec)
	assert.True(t, errorir.Is(err, errorir.CodeSecurityViolation))
	assert.Equal(t, int32(1), calls)
}

func TestFilesystemReadOnlyScenario(t *testing.T) {
	p := NewProvider()
	var calls int32
	run := func(capID, path string) error {
		_, err := p.ExecuteProgram(context.Background(), ExecutionContext{
			CapabilityID:          capID,
			CapabilityPermissions: []string{capID},
			Program:               nativeEcho(&calls),
			Args:                  []value.Value{value.String(path)},
			Security:              SecurityConfig{Network: DenyNetwork(), FileSystem: ReadOnly("/data")},
		})
		return err
	}

	assert.NoError(t, run("ccos.io.read-line", "/data/in.txt"))
	assert.True(t, errorir.Is(run("ccos.io.write-line", "/data/out.txt"), errorir.CodeSecurityViolation))
	assert.True(t, errorir.Is(run("ccos.io.read-line", "/etc/hosts"), errorir.CodeSecurityViolation))
	assert.Equal(t, int32(1), calls)
}

func TestBoundaryCheckedBeforeSpawn(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "spawned")

	p := NewProvider()
	_, err := p.ExecuteProgram(context.Background(), ExecutionContext{
		CapabilityID:          "ccos.shell.exec",
		CapabilityPermissions: []string{"ccos.echo"},
		Program:               Script{Language: LanguageShell, Source: "touch " + marker},
		Security:              DefaultSecurity(),
	})
	require.Error(t, err)
	assert.True(t, errorir.Is(err, errorir.CodeSecurityViolation))
	_, statErr := os.Stat(marker)
	assert.True(t, os.IsNotExist(statErr), "process must not have been spawned")

	v := p.Violations()
	require.Len(t, v, 1)
	assert.Equal(t, ViolationBoundary, v[0].ViolationType)
}

func TestRuntimePermissionsGateNativeAndExternal(t *testing.T) {
	p := NewProvider()
	var calls int32
	_, err := p.ExecuteProgram(context.Background(), ExecutionContext{
		Program:            nativeEcho(&calls),
		RuntimePermissions: []string{PermissionExternalProgram},
	})
	assert.True(t, errorir.Is(err, errorir.CodeSecurityViolation))

	_, err = p.ExecuteProgram(context.Background(), ExecutionContext{
		Program:            nativeEcho(&calls),
		RuntimePermissions: []string{PermissionNativeFunction},
	})
	assert.NoError(t, err)
	assert.Equal(t, int32(1), calls)
}

func TestShellScriptReceivesJSONArgs(t *testing.T) {
	p := NewProvider()
	res, err := p.ExecuteProgram(context.Background(), ExecutionContext{
		Program: Script{Language: LanguageShell, Source: `printf '{"got":%s}' "$1"`},
		Args:    []value.Value{value.Integer(7)},
	})
	require.NoError(t, err)
	m, ok := res.Value.(value.Map)
	require.True(t, ok, "expected JSON output to parse into a map, got %#v", res.Value)
	assert.Equal(t, value.Integer(7), m["got"])
	assert.Positive(t, res.Metadata.Duration)
}

func TestExternalProcessStringOutputAndFailure(t *testing.T) {
	p := NewProvider()
	res, err := p.ExecuteProgram(context.Background(), ExecutionContext{
		Program: ExternalProcess{Path: "/bin/sh", Args: []string{"-c", "echo hello"}},
	})
	require.NoError(t, err)
	assert.Equal(t, value.String("hello"), res.Value)

	_, err = p.ExecuteProgram(context.Background(), ExecutionContext{
		Program: ExternalProcess{Path: "/bin/sh", Args: []string{"-c", "echo boom >&2; exit 3"}},
	})
	require.Error(t, err)
	assert.True(t, errorir.Is(err, errorir.CodeExecutionFailed))
	assert.Contains(t, err.Error(), "boom")
}

func TestTimeoutPreemptsAndCapsDuration(t *testing.T) {
	p := NewProvider()
	_, err := p.ExecuteProgram(context.Background(), ExecutionContext{
		Program:  ExternalProcess{Path: "/bin/sh", Args: []string{"-c", "sleep 5"}},
		Security: SecurityConfig{Limits: budget.ComputeBudget{TimeLimitMs: 100}},
	})
	require.Error(t, err)
	assert.True(t, errorir.Is(err, errorir.CodeTimeout))
	var bErr *budget.ComputeBudgetError
	require.True(t, errors.As(err, &bErr))
	assert.Equal(t, budget.ErrComputeTimeExhausted, bErr.Code)
}

func TestEmbeddedLua(t *testing.T) {
	p := NewProvider()
	res, err := p.ExecuteProgram(context.Background(), ExecutionContext{
		Program: Embedded{Source: `return { sum = args[1] + args[2], tag = string.upper("ok") }`},
		Args:    []value.Value{value.Integer(2), value.Integer(3)},
	})
	require.NoError(t, err)
	assert.Equal(t, value.Map{"sum": value.Integer(5), "tag": value.String("OK")}, res.Value)
}

func TestEmbeddedLuaHasNoIO(t *testing.T) {
	p := NewProvider()
	_, err := p.ExecuteProgram(context.Background(), ExecutionContext{
		Program: Embedded{Source: `return io.open("/etc/passwd")`},
	})
	require.Error(t, err)
	assert.True(t, errorir.Is(err, errorir.CodeExecutionFailed))
}

func TestEmbeddedLuaTimeout(t *testing.T) {
	p := NewProvider()
	_, err := p.ExecuteProgram(context.Background(), ExecutionContext{
		Program:  Embedded{Source: `while true do end`},
		Security: SecurityConfig{Limits: budget.ComputeBudget{TimeLimitMs: 50}},
	})
	require.Error(t, err)
	assert.True(t, errorir.Is(err, errorir.CodeTimeout))
}

func TestBinaryWASM(t *testing.T) {
	p := NewProvider()
	for name, mod := range map[string][]byte{"empty": wasmEmpty, "noop": wasmNoop} {
		t.Run(name, func(t *testing.T) {
			res, err := p.ExecuteProgram(context.Background(), ExecutionContext{
				Program:  Binary{Module: mod},
				Security: SecurityConfig{Limits: budget.ComputeBudget{MemoryLimitBytes: 1 << 20}},
			})
			require.NoError(t, err)
			assert.Equal(t, value.Nil{}, res.Value)
			assert.LessOrEqual(t, res.Metadata.MemoryUsedBytes, int64(1<<20))
		})
	}
}

func TestBinaryWASMTimeout(t *testing.T) {
	p := NewProvider()
	_, err := p.ExecuteProgram(context.Background(), ExecutionContext{
		Program:  Binary{Module: wasmSpin},
		Security: SecurityConfig{Limits: budget.ComputeBudget{TimeLimitMs: 100}},
	})
	require.Error(t, err)
	assert.True(t, errorir.Is(err, errorir.CodeTimeout))
}

func TestBinaryWASMInvalidModule(t *testing.T) {
	p := NewProvider()
	_, err := p.ExecuteProgram(context.Background(), ExecutionContext{
		Program: Binary{Module: []byte("not wasm")},
	})
	require.Error(t, err)
	assert.True(t, errorir.Is(err, errorir.CodeExecutionFailed))
}

func TestMissingProgram(t *testing.T) {
	_, err := NewProvider().ExecuteProgram(context.Background(), ExecutionContext{})
	assert.True(t, errorir.Is(err, errorir.CodeInvalidArgument))
}

func TestResolveInterpreterFallsBack(t *testing.T) {
	p := NewProvider()
	p.lookPath = func(name string) (string, error) {
		if name == "python3" {
			return "/opt/bin/python3", nil
		}
		return "", errors.New("not found")
	}
	p.statFile = func(string) bool { return false }
	assert.Equal(t, "python3", p.resolveInterpreter(interpreters[LanguagePython]))

	p.statFile = func(path string) bool { return path == "/usr/bin/python3" }
	assert.Equal(t, "/usr/bin/python3", p.resolveInterpreter(interpreters[LanguagePython]))

	p.lookPath = func(string) (string, error) { return "", errors.New("not found") }
	p.statFile = func(string) bool { return false }
	assert.Equal(t, "node", p.resolveInterpreter(interpreters[LanguageJavaScript]))
}

func TestInterpreterAvailability(t *testing.T) {
	p := NewProvider()
	p.lookPath = func(string) (string, error) { return "", errors.New("not found") }
	p.statFile = func(path string) bool { return path == "/usr/bin/lua5.4" }

	path, ok := p.Interpreter(LanguageLua)
	assert.True(t, ok)
	assert.Equal(t, "/usr/bin/lua5.4", path)

	path, ok = p.Interpreter(LanguageRuby)
	assert.False(t, ok)
	assert.Equal(t, "ruby", path)

	_, ok = p.Interpreter(Language("cobol"))
	assert.False(t, ok)
}
