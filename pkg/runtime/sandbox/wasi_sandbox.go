package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/Mindburn-Labs/ccos/core/pkg/runtime/budget"
)

// wasiOutput is what a WASI module produced.
type wasiOutput struct {
	Stdout      []byte
	Stderr      []byte
	MemoryBytes int64
}

// runWASI executes a WASI module with deny-by-default confinement: no
// filesystem mounts, no environment, no clocks beyond the defaults, no
// network. Input is delivered on stdin.
//
// A fresh runtime per call lets the memory page limit follow the budget.
func runWASI(ctx context.Context, module []byte, stdin []byte, limits budget.ComputeBudget) (wasiOutput, error) {
	rConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(limits.MemoryPages()).
		WithCloseOnContextDone(true)
	r := wazero.NewRuntimeWithConfig(ctx, rConfig)
	defer func() { _ = r.Close(context.Background()) }()

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		return wasiOutput{}, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	compiled, err := r.CompileModule(ctx, module)
	if err != nil {
		if isMemoryError(err) {
			return wasiOutput{}, memoryExhausted(limits)
		}
		return wasiOutput{}, fmt.Errorf("failed to compile WASM module: %w", err)
	}
	defer func() { _ = compiled.Close(context.Background()) }()

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName("ccos-sandbox").
		WithStartFunctions("_start").
		WithStdin(bytes.NewReader(stdin)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	mod, err := r.InstantiateModule(ctx, compiled, modCfg)
	out := wasiOutput{}
	if mod != nil {
		if mem := mod.Memory(); mem != nil {
			out.MemoryBytes = int64(mem.Size())
		}
		defer func() { _ = mod.Close(context.Background()) }()
	}
	if err != nil {
		var exitErr *sys.ExitError
		switch {
		case errors.As(err, &exitErr) && exitErr.ExitCode() == 0:
		case ctx.Err() != nil:
			return out, ctx.Err()
		case isMemoryError(err):
			return out, memoryExhausted(limits)
		default:
			return out, fmt.Errorf("WASI execution failed: %w: %s", err, strings.TrimSpace(stderr.String()))
		}
	}

	if err := budget.CheckOutput(limits, int64(stdout.Len()+stderr.Len())); err != nil {
		return out, err
	}
	out.Stdout = stdout.Bytes()
	out.Stderr = stderr.Bytes()
	return out, nil
}

func memoryExhausted(limits budget.ComputeBudget) error {
	return budget.Exceeded(budget.ResourceMemory, limits.MemoryLimitBytes, 0,
		fmt.Sprintf("WASI module exceeded memory limit (%d pages)", limits.MemoryPages()))
}

// isMemoryError checks if the error is a memory limit violation.
func isMemoryError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "memory") &&
		(strings.Contains(msg, "limit") || strings.Contains(msg, "grow") || strings.Contains(msg, "exceeded"))
}
