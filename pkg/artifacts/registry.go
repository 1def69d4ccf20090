package artifacts

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MaxModuleSize bounds plugin payloads accepted by the registry.
const MaxModuleSize = 32 * 1024 * 1024

// maxObjectSize bounds remote reads: a base64-encoded module plus its envelope.
const maxObjectSize = MaxModuleSize/3*4 + 64*1024

// Registry stores signed plugin modules on top of a Store.
type Registry struct {
	store    Store
	verifier Verifier // Optional: If set, enforces signatures
	clock    func() time.Time
}

// NewRegistry creates a new Registry. verifier is optional.
func NewRegistry(store Store, verifier Verifier) *Registry {
	return &Registry{store: store, verifier: verifier, clock: time.Now}
}

// Store exposes the underlying blob store.
func (r *Registry) Store() Store { return r.store }

// PutModule wraps a module in an envelope, signs it when signer is non-nil and
// persists it. It returns the digest of the stored envelope.
func (r *Registry) PutModule(ctx context.Context, name, version string, module []byte, signer Signer) (string, error) {
	if name == "" {
		return "", errors.New("missing module name")
	}
	if len(module) == 0 {
		return "", errors.New("missing module payload")
	}
	if len(module) > MaxModuleSize {
		return "", fmt.Errorf("module payload exceeds limit of %d bytes", MaxModuleSize)
	}

	env := &ModuleEnvelope{
		Type:          TypePluginModule,
		SchemaVersion: "v1",
		Name:          name,
		Version:       version,
		Timestamp:     r.clock().UTC(),
		ModuleDigest:  Digest(module),
		Module:        module,
	}
	if signer != nil {
		if err := SignEnvelope(env, signer); err != nil {
			return "", err
		}
	}

	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return r.store.Store(ctx, data)
}

// GetEnvelope retrieves and decodes an envelope by digest.
func (r *Registry) GetEnvelope(ctx context.Context, hash string) (*ModuleEnvelope, error) {
	data, err := r.store.Get(ctx, hash)
	if err != nil {
		return nil, err
	}
	var env ModuleEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("corrupt artifact data: %w", err)
	}
	return &env, nil
}

// LoadModule returns the module bytes after integrity and, when a verifier is
// configured, signature checks.
func (r *Registry) LoadModule(ctx context.Context, hash string) ([]byte, error) {
	env, err := r.GetEnvelope(ctx, hash)
	if err != nil {
		return nil, err
	}
	ok, reasons := r.verify(env)
	if !ok {
		return nil, fmt.Errorf("module %s failed verification: %s", hash, strings.Join(reasons, "; "))
	}
	return env.Module, nil
}

// VerifyModule reports whether the stored envelope passes all checks.
func (r *Registry) VerifyModule(ctx context.Context, hash string) (bool, []string, error) {
	env, err := r.GetEnvelope(ctx, hash)
	if err != nil {
		return false, nil, err
	}
	ok, reasons := r.verify(env)
	return ok, reasons, nil
}

func (r *Registry) verify(env *ModuleEnvelope) (bool, []string) {
	var reasons []string
	if env.Type != TypePluginModule {
		reasons = append(reasons, "unexpected type "+env.Type)
	}
	if Digest(env.Module) != env.ModuleDigest {
		reasons = append(reasons, "module digest mismatch")
	}
	if r.verifier == nil {
		return len(reasons) == 0, reasons
	}

	// Fail closed once a verifier is configured.
	if env.Signature == "" {
		return false, append(reasons, "missing signature")
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(env.Signature, "hex:"))
	if err != nil {
		return false, append(reasons, "signature decode failed")
	}
	if !r.verifier.Verify(env.signingBytes(), sig) {
		reasons = append(reasons, "signature invalid")
	}
	return len(reasons) == 0, reasons
}
