package governance

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Mindburn-Labs/ccos/core/pkg/kernel/errorir"
	"github.com/Mindburn-Labs/ccos/core/pkg/orchestrator"
)

const (
	grantIssuer   = "ccos.governance"
	grantAudience = "ccos.orchestrator"
	grantPurpose  = "plan-grants"
)

// GrantClaims bind a plan to the capabilities governance approved for it.
type GrantClaims struct {
	jwt.RegisteredClaims
	PlanID       string   `json:"plan_id"`
	Capabilities []string `json:"capabilities"`
	Mode         string   `json:"mode"`
	Simulate     []string `json:"simulate,omitempty"`
	SessionID    string   `json:"session_id,omitempty"`
}

// Grants issues and verifies short-lived EdDSA plan grants. It implements
// orchestrator.GrantVerifier.
type Grants struct {
	keys  *Keyring
	ttl   time.Duration
	clock func() time.Time
}

// NewGrants derives a grant-only key from kr.
func NewGrants(kr *Keyring, ttl time.Duration) (*Grants, error) {
	keys, err := kr.Derive(grantPurpose)
	if err != nil {
		return nil, fmt.Errorf("derive grant key: %w", err)
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Grants{keys: keys, ttl: ttl, clock: time.Now}, nil
}

// WithClock overrides clock for testing.
func (g *Grants) WithClock(clock func() time.Time) *Grants {
	g.clock = clock
	return g
}

// Issue signs a grant for auth.
func (g *Grants) Issue(auth orchestrator.Authorization) (string, error) {
	now := g.clock().UTC()
	claims := GrantClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   auth.PlanID,
			Issuer:    grantIssuer,
			Audience:  jwt.ClaimStrings{grantAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(g.ttl)),
		},
		PlanID:       auth.PlanID,
		Capabilities: auth.Capabilities,
		Mode:         auth.Mode,
		Simulate:     auth.Simulate,
		SessionID:    auth.SessionID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(g.keys.key)
}

// VerifyGrant checks signature, issuer, audience and expiry.
func (g *Grants) VerifyGrant(token string) (orchestrator.Authorization, error) {
	claims := &GrantClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return g.keys.PublicKey(), nil
		},
		jwt.WithIssuer(grantIssuer),
		jwt.WithAudience(grantAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(g.clock),
	)
	if err != nil {
		return orchestrator.Authorization{}, errorir.GovernanceRejection("invalid plan grant: %v", err)
	}
	if claims.PlanID == "" || claims.PlanID != claims.Subject {
		return orchestrator.Authorization{}, errorir.GovernanceRejection("plan grant has inconsistent plan binding")
	}
	return orchestrator.Authorization{
		PlanID:       claims.PlanID,
		Capabilities: claims.Capabilities,
		Mode:         claims.Mode,
		Simulate:     claims.Simulate,
		SessionID:    claims.SessionID,
	}, nil
}
