package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/Mindburn-Labs/ccos/core/pkg/kernel/errorir"
	"github.com/Mindburn-Labs/ccos/core/pkg/runtime/budget"
	"github.com/Mindburn-Labs/ccos/core/pkg/value"
)

// InputFileEnv names the environment variable pointing subprocesses at a JSON
// file holding the first argument.
const InputFileEnv = "CCOS_INPUT_FILE"

// processWaitDelay bounds how long a killed subprocess's children may hold
// its output pipes open.
const processWaitDelay = 500 * time.Millisecond

// Provider runs programs in-process (Lua, native, WASM) or as supervised
// subprocesses after the boundary, network and filesystem checks pass.
type Provider struct {
	enforcer *PolicyEnforcer
	lookPath func(string) (string, error)
	statFile func(string) bool
	clock    func() time.Time
	logger   *slog.Logger
}

// NewProvider creates a process provider.
func NewProvider() *Provider {
	return &Provider{
		enforcer: NewPolicyEnforcer(),
		lookPath: exec.LookPath,
		statFile: func(p string) bool {
			fi, err := os.Stat(p)
			return err == nil && !fi.IsDir()
		},
		clock:  time.Now,
		logger: slog.Default().With("component", "sandbox"),
	}
}

// WithClock overrides clock for testing.
func (p *Provider) WithClock(clock func() time.Time) *Provider {
	p.clock = clock
	p.enforcer.WithClock(clock)
	return p
}

// Violations returns every blocked attempt seen by this provider.
func (p *Provider) Violations() []PolicyViolation {
	return p.enforcer.Violations()
}

// Enforcer exposes the provider's policy enforcer.
func (p *Provider) Enforcer() *PolicyEnforcer { return p.enforcer }

// ExecuteProgram enforces, in order, the capability boundary, the network
// policy and the filesystem policy, then runs the program under the budget.
func (p *Provider) ExecuteProgram(ctx context.Context, ec ExecutionContext) (ExecutionResult, error) {
	if err := p.Authorize(ec); err != nil {
		return ExecutionResult{}, err
	}
	if ec.Program == nil {
		return ExecutionResult{}, errorir.InvalidArgument("no program provided").WithCapability(ec.CapabilityID)
	}

	limits := ec.Security.Limits.WithDefaults()
	runCtx, cancel := context.WithTimeout(ctx, limits.TimeLimit())
	defer cancel()

	start := p.clock()
	v, mem, err := p.run(runCtx, ec, limits)
	elapsed := p.clock().Sub(start)

	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = budget.TimeExhausted(limits, elapsed)
		}
		p.logger.WarnContext(ctx, "sandboxed execution failed",
			"capability_id", ec.CapabilityID, "program", ec.Program.Describe(), "error", err)
		return ExecutionResult{}, classify(ec.CapabilityID, err)
	}

	return ExecutionResult{
		Value: v,
		Metadata: ExecutionMetadata{
			Duration:        limits.CapDuration(elapsed),
			MemoryUsedBytes: limits.BoundMemory(mem),
			NetworkRequests: []NetworkRequest{},
			FileOperations:  []FileOperation{},
		},
	}, nil
}

// Authorize runs every pre-execution check without running the program.
func (p *Provider) Authorize(ec ExecutionContext) error {
	if r := p.enforcer.CheckBoundary(ec.CapabilityID, ec.CapabilityPermissions); !r.Allowed {
		return violation(ec.CapabilityID, r)
	}

	args := stringArgs(ec)
	if isNetworkCapability(ec.CapabilityID) || (ec.Program != nil && isNetworkProgram(ec.Program)) {
		host, _ := extractHost(args)
		if r := p.enforcer.CheckNetwork(ec.CapabilityID, host, ec.Security.Network); !r.Allowed {
			return violation(ec.CapabilityID, r)
		}
	}
	if isFileCapability(ec.CapabilityID) || (ec.Program != nil && isFileProgram(ec.Program)) {
		path, _ := extractPath(args)
		write := isWriteOperation(ec.CapabilityID)
		if r := p.enforcer.CheckFS(ec.CapabilityID, path, write, ec.Security.FileSystem); !r.Allowed {
			return violation(ec.CapabilityID, r)
		}
	}

	switch ec.Program.(type) {
	case Native:
		if r := p.enforcer.CheckRuntimePermission(ec.CapabilityID, PermissionNativeFunction, ec.RuntimePermissions); !r.Allowed {
			return violation(ec.CapabilityID, r)
		}
	case ExternalProcess, Script:
		if r := p.enforcer.CheckRuntimePermission(ec.CapabilityID, PermissionExternalProgram, ec.RuntimePermissions); !r.Allowed {
			return violation(ec.CapabilityID, r)
		}
	}
	return nil
}

func violation(capabilityID string, r CheckResult) error {
	return errorir.SecurityViolation("%s: %s", r.Violation, r.Reason).WithCapability(capabilityID)
}

func (p *Provider) run(ctx context.Context, ec ExecutionContext, limits budget.ComputeBudget) (value.Value, int64, error) {
	switch prog := ec.Program.(type) {
	case Native:
		if prog.Fn == nil {
			return nil, 0, fmt.Errorf("native function %s has no implementation", prog.Name)
		}
		v, err := prog.Fn(ctx, ec.Args)
		return v, 0, err
	case Embedded:
		v, err := runLua(ctx, prog.Source, ec.Args)
		return v, 0, err
	case Binary:
		stdin, err := value.Marshal(value.Vector(ec.Args))
		if err != nil {
			return nil, 0, fmt.Errorf("failed to serialize input: %w", err)
		}
		out, err := runWASI(ctx, prog.Module, stdin, limits)
		if err != nil {
			return nil, out.MemoryBytes, err
		}
		return value.ParseOrString(out.Stdout), out.MemoryBytes, nil
	case Script:
		interp, ok := interpreters[prog.Language]
		if !ok {
			return nil, 0, fmt.Errorf("unsupported script language %q", prog.Language)
		}
		argv := []string{interp.flag, prog.Source}
		if interp.argv0 != "" {
			argv = append(argv, interp.argv0)
		}
		for _, a := range ec.Args {
			data, err := value.Marshal(a)
			if err != nil {
				return nil, 0, fmt.Errorf("failed to serialize argument: %w", err)
			}
			argv = append(argv, string(data))
		}
		v, err := p.runProcess(ctx, p.resolveInterpreter(interp), argv, ec, limits)
		return v, 0, err
	case ExternalProcess:
		v, err := p.runProcess(ctx, prog.Path, prog.Args, ec, limits)
		return v, 0, err
	default:
		return nil, 0, fmt.Errorf("unsupported program type %T", ec.Program)
	}
}

// resolveInterpreter prefers the canonical name on PATH, then the known
// alternatives, then the canonical name so the spawn error is meaningful.
func (p *Provider) resolveInterpreter(interp interpreterSpec) string {
	if _, err := p.lookPath(interp.name); err == nil {
		return interp.name
	}
	for _, alt := range interp.alternatives {
		if strings.HasPrefix(alt, "/") {
			if p.statFile(alt) {
				return alt
			}
			continue
		}
		if _, err := p.lookPath(alt); err == nil {
			return alt
		}
	}
	return interp.name
}

// Interpreter reports the interpreter a Script in lang would run under and
// whether it is installed.
func (p *Provider) Interpreter(lang Language) (string, bool) {
	interp, ok := interpreters[lang]
	if !ok {
		return "", false
	}
	path := p.resolveInterpreter(interp)
	if strings.HasPrefix(path, "/") {
		return path, p.statFile(path)
	}
	_, err := p.lookPath(path)
	return path, err == nil
}

func (p *Provider) runProcess(ctx context.Context, path string, argv []string, ec ExecutionContext, limits budget.ComputeBudget) (value.Value, error) {
	cmd := exec.CommandContext(ctx, path, argv...)
	cmd.WaitDelay = processWaitDelay
	cmd.Env = os.Environ()
	for k, v := range ec.Security.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	if len(ec.Args) > 0 {
		input, err := writeInputFile(ec.Args[0])
		if err != nil {
			return nil, err
		}
		defer func() { _ = os.Remove(input) }()
		cmd.Env = append(cmd.Env, InputFileEnv+"="+input)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("process %s failed: %w: %s", path, err, strings.TrimSpace(stderr.String()))
	}
	if err := budget.CheckOutput(limits, int64(stdout.Len()+stderr.Len())); err != nil {
		return nil, err
	}
	return value.ParseOrString(stdout.Bytes()), nil
}

func writeInputFile(arg value.Value) (string, error) {
	data, err := json.Marshal(value.ToJSON(arg))
	if err != nil {
		return "", fmt.Errorf("failed to serialize input: %w", err)
	}
	f, err := os.CreateTemp("", "ccos-input-*.json")
	if err != nil {
		return "", fmt.Errorf("failed to create input file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("failed to write input file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// classify maps runtime failures onto the error taxonomy. Errors that already
// carry a code pass through.
func classify(capabilityID string, err error) error {
	var ir *errorir.Error
	if errors.As(err, &ir) {
		return err
	}
	var bErr *budget.ComputeBudgetError
	if errors.As(err, &bErr) {
		var e *errorir.Error
		if bErr.Code == budget.ErrComputeTimeExhausted {
			e = errorir.Timeout("%s", bErr.Error())
		} else {
			e = errorir.ExecutionFailed("%s", bErr.Error())
		}
		e = e.WithCapability(capabilityID)
		e.Err = bErr
		return e
	}
	e := errorir.ExecutionFailed("%s", err.Error()).WithCapability(capabilityID)
	e.Err = err
	return e
}
