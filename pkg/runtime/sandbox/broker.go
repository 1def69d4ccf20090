package sandbox

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUnknownCredential = errors.New("credential unknown")
	ErrCredentialExpired = errors.New("credential expired")
	ErrCredentialRevoked = errors.New("credential revoked")
)

// Lease is the broker's record of one issued credential. It never holds the
// secret, only its digest.
type Lease struct {
	ID           string    `json:"id"`
	CapabilityID string    `json:"capability_id"`
	Scopes       []string  `json:"scopes"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	Digest       string    `json:"digest"`
	Revoked      bool      `json:"revoked,omitempty"`
}

// Credential is a freshly issued lease together with its secret.
type Credential struct {
	Lease
	Secret string `json:"-"`
}

// CredentialBroker mints short-lived, scope-limited secrets for capabilities
// that declare auth but have no configured token. Only capabilities with a
// scope allowlist can obtain one.
type CredentialBroker struct {
	mu       sync.Mutex
	scopes   map[string][]string
	leases   []*Lease
	byDigest map[string]*Lease
	maxTTL   time.Duration
	clock    func() time.Time
}

func NewCredentialBroker(maxTTL time.Duration) *CredentialBroker {
	return &CredentialBroker{
		scopes:   map[string][]string{},
		byDigest: map[string]*Lease{},
		maxTTL:   maxTTL,
		clock:    time.Now,
	}
}

// WithClock replaces time.Now.
func (b *CredentialBroker) WithClock(clock func() time.Time) *CredentialBroker {
	b.clock = clock
	return b
}

// Allow sets the scopes capabilityID may be issued, replacing earlier ones.
func (b *CredentialBroker) Allow(capabilityID string, scopes ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scopes[capabilityID] = slices.Clone(scopes)
}

// Allows reports whether capabilityID has an allowlist at all.
func (b *CredentialBroker) Allows(capabilityID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.scopes[capabilityID]
	return ok
}

// Issue mints a credential. No requested scopes means all allowed ones, and a
// ttl outside (0, maxTTL] is clamped to maxTTL.
func (b *CredentialBroker) Issue(capabilityID string, scopes []string, ttl time.Duration) (*Credential, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	allowed, ok := b.scopes[capabilityID]
	if !ok {
		return nil, fmt.Errorf("capability %q has no scope allowlist", capabilityID)
	}
	if len(scopes) == 0 {
		scopes = allowed
	}
	if i := slices.IndexFunc(scopes, func(s string) bool { return !slices.Contains(allowed, s) }); i >= 0 {
		return nil, fmt.Errorf("capability %q may not request scope %q", capabilityID, scopes[i])
	}
	if ttl <= 0 || ttl > b.maxTTL {
		ttl = b.maxTTL
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("credential entropy: %w", err)
	}
	secret := hex.EncodeToString(raw)
	issued := b.clock()
	lease := &Lease{
		ID:           uuid.NewString(),
		CapabilityID: capabilityID,
		Scopes:       slices.Clone(scopes),
		IssuedAt:     issued,
		ExpiresAt:    issued.Add(ttl),
		Digest:       secretDigest(secret),
	}
	b.leases = append(b.leases, lease)
	b.byDigest[lease.Digest] = lease
	return &Credential{Lease: *lease, Secret: secret}, nil
}

// Check validates a presented secret.
func (b *CredentialBroker) Check(secret string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	lease, ok := b.byDigest[secretDigest(secret)]
	switch {
	case !ok:
		return ErrUnknownCredential
	case lease.Revoked:
		return ErrCredentialRevoked
	case b.clock().After(lease.ExpiresAt):
		return ErrCredentialExpired
	}
	return nil
}

// Revoke invalidates a lease before it expires.
func (b *CredentialBroker) Revoke(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, l := range b.leases {
		if l.ID == id {
			l.Revoked = true
			return nil
		}
	}
	return fmt.Errorf("lease %s: %w", id, ErrUnknownCredential)
}

// Leases returns every lease issued so far, oldest first.
func (b *CredentialBroker) Leases() []Lease {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Lease, len(b.leases))
	for i, l := range b.leases {
		out[i] = *l
		out[i].Scopes = slices.Clone(l.Scopes)
	}
	return out
}

func secretDigest(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return "sha256:" + hex.EncodeToString(sum[:])
}
