// Package budget defines the compute limits a sandboxed program runs under.
package budget

import (
	"fmt"
	"time"
)

// Stable error codes surfaced in ErrorIR details.
const (
	ErrComputeTimeExhausted   = "ERR_COMPUTE_TIME_EXHAUSTED"
	ErrComputeMemoryExhausted = "ERR_COMPUTE_MEMORY_EXHAUSTED"
	ErrComputeOutputExhausted = "ERR_COMPUTE_OUTPUT_EXHAUSTED"
)

const (
	wasmPageSize = 64 * 1024
	maxWasmPages = 65536
)

// Resource names one limited quantity.
type Resource string

const (
	ResourceTime   Resource = "time"
	ResourceMemory Resource = "memory"
	ResourceOutput Resource = "output"
)

func (r Resource) code() string {
	switch r {
	case ResourceTime:
		return ErrComputeTimeExhausted
	case ResourceMemory:
		return ErrComputeMemoryExhausted
	default:
		return ErrComputeOutputExhausted
	}
}

// ComputeBudget bounds one execution. A zero field means unlimited, except
// where WithDefaults has been applied.
type ComputeBudget struct {
	TimeLimitMs      int64 `json:"time_limit_ms" yaml:"time_limit_ms"`
	MemoryLimitBytes int64 `json:"memory_limit_bytes" yaml:"memory_limit_bytes"`
	OutputLimitBytes int64 `json:"output_limit_bytes" yaml:"output_limit_bytes"`
}

// DefaultBudget is 30s, 256 MiB of memory and 1 MiB of captured output.
func DefaultBudget() ComputeBudget {
	return ComputeBudget{TimeLimitMs: 30_000, MemoryLimitBytes: 256 << 20, OutputLimitBytes: 1 << 20}
}

// WithDefaults replaces non-positive fields with DefaultBudget's.
func (b ComputeBudget) WithDefaults() ComputeBudget {
	d := DefaultBudget()
	for _, f := range []struct{ v, def *int64 }{
		{&b.TimeLimitMs, &d.TimeLimitMs},
		{&b.MemoryLimitBytes, &d.MemoryLimitBytes},
		{&b.OutputLimitBytes, &d.OutputLimitBytes},
	} {
		if *f.v <= 0 {
			*f.v = *f.def
		}
	}
	return b
}

func (b ComputeBudget) TimeLimit() time.Duration {
	return time.Duration(b.TimeLimitMs) * time.Millisecond
}

// MemoryPages is the memory limit in WebAssembly pages, within [1, 65536].
func (b ComputeBudget) MemoryPages() uint32 {
	return uint32(min(max(b.MemoryLimitBytes/wasmPageSize, 1), maxWasmPages))
}

// CapDuration reports a measured duration as charged: at least 1ms and never
// more than the time limit.
func (b ComputeBudget) CapDuration(d time.Duration) time.Duration {
	d = max(d, time.Millisecond)
	if limit := b.TimeLimit(); limit > 0 {
		d = min(d, limit)
	}
	return d
}

// BoundMemory reports measured memory as charged, within [0, limit].
func (b ComputeBudget) BoundMemory(used int64) int64 {
	used = max(used, 0)
	if b.MemoryLimitBytes > 0 {
		used = min(used, b.MemoryLimitBytes)
	}
	return used
}

func (b ComputeBudget) limit(r Resource) int64 {
	switch r {
	case ResourceTime:
		return b.TimeLimitMs
	case ResourceMemory:
		return b.MemoryLimitBytes
	default:
		return b.OutputLimitBytes
	}
}

func (b ComputeBudget) check(r Resource, used int64) error {
	if limit := b.limit(r); limit > 0 && used > limit {
		return Exceeded(r, limit, used, "")
	}
	return nil
}

// ComputeBudgetError reports a limit that was hit. Consumed may be zero when
// the runtime only knows that the limit was reached.
type ComputeBudgetError struct {
	Code     string   `json:"code"`
	Resource Resource `json:"resource"`
	Message  string   `json:"message"`
	Limit    int64    `json:"limit"`
	Consumed int64    `json:"consumed"`
}

func (e *ComputeBudgetError) Error() string {
	return fmt.Sprintf("%s: %s (limit=%d, consumed=%d)", e.Code, e.Message, e.Limit, e.Consumed)
}

// Exceeded builds the error for resource r. An empty msg gets a default.
func Exceeded(r Resource, limit, consumed int64, msg string) *ComputeBudgetError {
	if msg == "" {
		msg = string(r) + " limit exceeded"
	}
	return &ComputeBudgetError{Code: r.code(), Resource: r, Message: msg, Limit: limit, Consumed: consumed}
}

// TimeExhausted reports a preempted execution.
func TimeExhausted(b ComputeBudget, elapsed time.Duration) *ComputeBudgetError {
	return Exceeded(ResourceTime, b.TimeLimitMs, elapsed.Milliseconds(), "")
}

func CheckTime(b ComputeBudget, elapsed time.Duration) error {
	return b.check(ResourceTime, elapsed.Milliseconds())
}

func CheckMemory(b ComputeBudget, usedBytes int64) error {
	return b.check(ResourceMemory, usedBytes)
}

func CheckOutput(b ComputeBudget, outputBytes int64) error {
	return b.check(ResourceOutput, outputBytes)
}
