package governance

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const keyringSalt = "ccos-keyring-kdf"

// Keyring is an Ed25519 key held in process memory. The root keyring comes
// from CCOS_SIGNING_SEED (or is random); the causal chain, plan grants and
// plugin modules each sign with a key derived from it.
type Keyring struct {
	key ed25519.PrivateKey
}

// NewKeyring builds a keyring from a 32 byte seed. A nil seed draws a fresh
// random key.
func NewKeyring(seed []byte) (*Keyring, error) {
	if seed == nil {
		_, key, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate key: %w", err)
		}
		return &Keyring{key: key}, nil
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return &Keyring{key: ed25519.NewKeyFromSeed(seed)}, nil
}

func (k *Keyring) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(k.key, msg), nil
}

func (k *Keyring) Verify(msg, sig []byte) bool {
	return ed25519.Verify(k.PublicKey(), msg, sig)
}

func (k *Keyring) PublicKey() ed25519.PublicKey {
	return k.key.Public().(ed25519.PublicKey)
}

// Derive returns the keyring for purpose. The same root seed and purpose
// always give the same key; different purposes give unrelated keys.
func (k *Keyring) Derive(purpose string) (*Keyring, error) {
	if purpose == "" {
		return nil, fmt.Errorf("derive: empty purpose")
	}
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, k.key.Seed(), []byte(keyringSalt), []byte(purpose)), seed); err != nil {
		return nil, fmt.Errorf("derive %s: %w", purpose, err)
	}
	return NewKeyring(seed)
}
