// Package sandbox is the sandboxed execution provider: it enforces capability
// boundaries, network and filesystem policy, and compute budgets around programs
// that run outside the governed core.
package sandbox

import (
	"context"
	"time"

	"github.com/Mindburn-Labs/ccos/core/pkg/runtime/budget"
	"github.com/Mindburn-Labs/ccos/core/pkg/value"
)

// NetworkMode selects how outbound network access is decided.
type NetworkMode string

const (
	NetworkDenied    NetworkMode = "denied"
	NetworkAllowList NetworkMode = "allow_list"
	NetworkDenyList  NetworkMode = "deny_list"
	NetworkFull      NetworkMode = "full"
)

// NetworkPolicy is the network half of a security configuration. Hosts holds
// host names, IPs or CIDR blocks for the list modes.
type NetworkPolicy struct {
	Mode  NetworkMode `json:"mode" yaml:"mode"`
	Hosts []string    `json:"hosts,omitempty" yaml:"hosts,omitempty"`
}

func DenyNetwork() NetworkPolicy { return NetworkPolicy{Mode: NetworkDenied} }
func FullNetwork() NetworkPolicy { return NetworkPolicy{Mode: NetworkFull} }

func AllowHosts(hosts ...string) NetworkPolicy {
	return NetworkPolicy{Mode: NetworkAllowList, Hosts: hosts}
}

func DenyHosts(hosts ...string) NetworkPolicy {
	return NetworkPolicy{Mode: NetworkDenyList, Hosts: hosts}
}

// FileSystemMode selects how filesystem access is decided.
type FileSystemMode string

const (
	FileSystemNone      FileSystemMode = "none"
	FileSystemReadOnly  FileSystemMode = "read_only"
	FileSystemReadWrite FileSystemMode = "read_write"
	FileSystemFull      FileSystemMode = "full"
)

// FileSystemPolicy is the filesystem half of a security configuration.
type FileSystemPolicy struct {
	Mode  FileSystemMode `json:"mode" yaml:"mode"`
	Paths []string       `json:"paths,omitempty" yaml:"paths,omitempty"`
}

func NoFileSystem() FileSystemPolicy   { return FileSystemPolicy{Mode: FileSystemNone} }
func FullFileSystem() FileSystemPolicy { return FileSystemPolicy{Mode: FileSystemFull} }

func ReadOnly(paths ...string) FileSystemPolicy {
	return FileSystemPolicy{Mode: FileSystemReadOnly, Paths: paths}
}

func ReadWrite(paths ...string) FileSystemPolicy {
	return FileSystemPolicy{Mode: FileSystemReadWrite, Paths: paths}
}

// SecurityConfig bundles the policies applied to one execution.
type SecurityConfig struct {
	Network    NetworkPolicy        `json:"network" yaml:"network"`
	FileSystem FileSystemPolicy     `json:"filesystem" yaml:"filesystem"`
	Limits     budget.ComputeBudget `json:"limits" yaml:"limits"`
	Env        map[string]string    `json:"env,omitempty" yaml:"env,omitempty"`
}

// DefaultSecurity denies network and filesystem access under the default budget.
func DefaultSecurity() SecurityConfig {
	return SecurityConfig{
		Network:    DenyNetwork(),
		FileSystem: NoFileSystem(),
		Limits:     budget.DefaultBudget(),
	}
}

// Runtime permissions checked before in-process and subprocess execution.
const (
	PermissionNativeFunction  = "native_function"
	PermissionExternalProgram = "external_program"
)

// ExecutionContext is everything the provider needs to run one program.
type ExecutionContext struct {
	ExecutionID string
	// CapabilityID, when set, must appear in CapabilityPermissions.
	CapabilityID          string
	CapabilityPermissions []string
	Program               Program
	Args                  []value.Value
	Security              SecurityConfig
	// RuntimePermissions gates native and external execution when non-nil.
	RuntimePermissions []string
}

// NetworkRequest and FileOperation are reported in result metadata. Programs
// running outside the process are not instrumented, so both lists stay empty.
type NetworkRequest struct {
	URL        string `json:"url"`
	Method     string `json:"method"`
	StatusCode int    `json:"status_code,omitempty"`
}

type FileOperation struct {
	Path      string `json:"path"`
	Operation string `json:"operation"`
}

type ExecutionMetadata struct {
	Duration        time.Duration    `json:"duration"`
	MemoryUsedBytes int64            `json:"memory_used_bytes"`
	NetworkRequests []NetworkRequest `json:"network_requests"`
	FileOperations  []FileOperation  `json:"file_operations"`
}

type ExecutionResult struct {
	Value    value.Value       `json:"-"`
	Metadata ExecutionMetadata `json:"metadata"`
}

// Executor runs programs under a security configuration.
type Executor interface {
	ExecuteProgram(ctx context.Context, ec ExecutionContext) (ExecutionResult, error)
}
