package artifacts

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

const TypePluginModule = "capability/plugin-module"

var ErrSignerNotConfigured = errors.New("artifacts: signer not configured (fail-closed)")

// Signer and Verifier are satisfied by governance.Keyring.
type Signer interface {
	Sign(msg []byte) ([]byte, error)
}

type Verifier interface {
	Verify(msg, sig []byte) bool
}

// ModuleEnvelope is the signed wrapper around a plugin module.
type ModuleEnvelope struct {
	Type          string    `json:"type"`
	SchemaVersion string    `json:"schema_version"`
	Name          string    `json:"name"`
	Version       string    `json:"version,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	ModuleDigest  string    `json:"module_digest"`
	Module        []byte    `json:"module"`
	Signature     string    `json:"signature,omitempty"`
}

// signingBytes covers the identity fields and the module digest.
func (e *ModuleEnvelope) signingBytes() []byte {
	return []byte(e.Type + "\n" + e.Name + "\n" + e.Version + "\n" + e.ModuleDigest)
}

// SignEnvelope signs the envelope and stamps the hex signature.
func SignEnvelope(env *ModuleEnvelope, signer Signer) error {
	if env == nil {
		return errors.New("artifacts: nil envelope")
	}
	if signer == nil {
		return ErrSignerNotConfigured
	}
	sig, err := signer.Sign(env.signingBytes())
	if err != nil {
		return fmt.Errorf("artifacts: sign failed: %w", err)
	}
	env.Signature = hex.EncodeToString(sig)
	return nil
}
