package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/ccos/core/pkg/governance"
	"github.com/Mindburn-Labs/ccos/core/pkg/runtime/budget"
	"github.com/Mindburn-Labs/ccos/core/pkg/runtime/sandbox"
)

// DefaultProfileName is served from memory when no profile file overrides it.
const DefaultProfileName = "default"

// SandboxProfile is a named security posture: the sandbox policies applied to
// every sandboxed capability, and the runtime context plans run under.
type SandboxProfile struct {
	Name        string                   `yaml:"name" json:"name"`
	Description string                   `yaml:"description,omitempty" json:"description,omitempty"`
	Network     sandbox.NetworkPolicy    `yaml:"network" json:"network"`
	FileSystem  sandbox.FileSystemPolicy `yaml:"filesystem" json:"filesystem"`
	Limits      budget.ComputeBudget     `yaml:"limits" json:"limits"`
	Env         map[string]string        `yaml:"env,omitempty" json:"env,omitempty"`

	// RuntimePermissions gate native functions and external programs.
	RuntimePermissions []string `yaml:"runtime_permissions,omitempty" json:"runtime_permissions,omitempty"`

	SecurityLevel        governance.SecurityLevel `yaml:"security_level" json:"security_level"`
	AllowedCapabilities  []string                 `yaml:"allowed_capabilities,omitempty" json:"allowed_capabilities,omitempty"`
	ApprovedCapabilities []string                 `yaml:"approved_capabilities,omitempty" json:"approved_capabilities,omitempty"`
}

// DefaultProfile denies network and filesystem access and lets plans call
// any registered capability.
func DefaultProfile() *SandboxProfile {
	sec := sandbox.DefaultSecurity()
	return &SandboxProfile{
		Name:          DefaultProfileName,
		Network:       sec.Network,
		FileSystem:    sec.FileSystem,
		Limits:        sec.Limits,
		SecurityLevel: governance.SecurityFull,
	}
}

// LoadProfile loads profile_<name>.yaml from profilesDir. The default profile
// falls back to DefaultProfile when no file exists.
func LoadProfile(profilesDir, name string) (*SandboxProfile, error) {
	name = strings.ToLower(name)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", name))

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) && name == DefaultProfileName {
		return DefaultProfile(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", name, err)
	}
	profile, err := parseProfile(data, name)
	if err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", name, err)
	}
	return profile, nil
}

// LoadAllProfiles loads every profile_*.yaml in profilesDir, keyed by name.
func LoadAllProfiles(profilesDir string) (map[string]*SandboxProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*SandboxProfile, len(matches)+1)
	profiles[DefaultProfileName] = DefaultProfile()
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		// profile_strict.yaml -> strict
		base := filepath.Base(path)
		name := strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		profile, err := parseProfile(data, name)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		profiles[profile.Name] = profile
	}
	return profiles, nil
}

func parseProfile(data []byte, name string) (*SandboxProfile, error) {
	profile := DefaultProfile()
	profile.Name = ""
	if err := yaml.Unmarshal(data, profile); err != nil {
		return nil, err
	}
	if profile.Name == "" {
		profile.Name = name
	}
	profile.Limits = profile.Limits.WithDefaults()
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	return profile, nil
}

// Validate rejects unknown modes and list modes without entries.
func (p *SandboxProfile) Validate() error {
	switch p.Network.Mode {
	case sandbox.NetworkDenied, sandbox.NetworkFull:
	case sandbox.NetworkAllowList, sandbox.NetworkDenyList:
		if len(p.Network.Hosts) == 0 {
			return fmt.Errorf("network mode %s needs hosts", p.Network.Mode)
		}
	default:
		return fmt.Errorf("unknown network mode %q", p.Network.Mode)
	}

	switch p.FileSystem.Mode {
	case sandbox.FileSystemNone, sandbox.FileSystemFull:
	case sandbox.FileSystemReadOnly, sandbox.FileSystemReadWrite:
		if len(p.FileSystem.Paths) == 0 {
			return fmt.Errorf("filesystem mode %s needs paths", p.FileSystem.Mode)
		}
	default:
		return fmt.Errorf("unknown filesystem mode %q", p.FileSystem.Mode)
	}

	switch p.SecurityLevel {
	case governance.SecurityPure, governance.SecurityFull:
	case governance.SecurityControlled:
		if len(p.AllowedCapabilities) == 0 {
			return fmt.Errorf("controlled security level needs allowed_capabilities")
		}
	default:
		return fmt.Errorf("unknown security level %q", p.SecurityLevel)
	}
	return nil
}

// Security returns the sandbox configuration for the profile.
func (p *SandboxProfile) Security() sandbox.SecurityConfig {
	return sandbox.SecurityConfig{
		Network:    p.Network,
		FileSystem: p.FileSystem,
		Limits:     p.Limits,
		Env:        p.Env,
	}
}

// RuntimeContext returns the governance context plans run under.
func (p *SandboxProfile) RuntimeContext(sessionID string) governance.RuntimeContext {
	rc := governance.RuntimeContext{
		Level:     p.SecurityLevel,
		Allowed:   p.AllowedCapabilities,
		SessionID: sessionID,
	}
	return rc.WithApproved(p.ApprovedCapabilities...)
}

// IsNetworkIsolated reports whether the profile blocks all outbound traffic.
func (p *SandboxProfile) IsNetworkIsolated() bool {
	return p.Network.Mode == sandbox.NetworkDenied
}
