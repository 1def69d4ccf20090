package sandbox

import (
	"errors"
	"testing"
	"time"
)

func TestFSReadOnlyPermitsReadsUnderRoot(t *testing.T) {
	e := NewPolicyEnforcer()
	r := e.CheckFS("ccos.io.read-line", "/data/report.txt", false, ReadOnly("/data"))
	if !r.Allowed {
		t.Fatalf("expected allowed, got: %s", r.Reason)
	}
}

func TestFSReadOnlyBlocksWrite(t *testing.T) {
	e := NewPolicyEnforcer()
	r := e.CheckFS("ccos.io.write-line", "/data/report.txt", true, ReadOnly("/data"))
	if r.Allowed {
		t.Fatal("expected write blocked in read-only sandbox")
	}
	if r.Violation != ViolationFSReadOnly {
		t.Fatalf("violation = %s", r.Violation)
	}
}

func TestFSOutsideRootDenied(t *testing.T) {
	e := NewPolicyEnforcer()
	for _, path := range []string{"/etc/passwd", "/database/x", "/data/../etc/shadow"} {
		if r := e.CheckFS("ccos.io.read-line", path, false, ReadOnly("/data")); r.Allowed {
			t.Fatalf("expected denial for %s", path)
		}
	}
}

func TestFSReadWrite(t *testing.T) {
	e := NewPolicyEnforcer()
	if r := e.CheckFS("ccos.io.write-line", "/tmp/sandbox/out", true, ReadWrite("/tmp/sandbox")); !r.Allowed {
		t.Fatalf("expected write allowed: %s", r.Reason)
	}
}

func TestFSMissingPathDeniedUnlessFull(t *testing.T) {
	e := NewPolicyEnforcer()
	if r := e.CheckFS("ccos.io.open-file", "", false, ReadWrite("/")); r.Allowed {
		t.Fatal("expected missing path denied")
	}
	if r := e.CheckFS("ccos.io.open-file", "", false, FullFileSystem()); !r.Allowed {
		t.Fatal("expected Full to allow missing path")
	}
}

func TestFSNoneDenies(t *testing.T) {
	e := NewPolicyEnforcer()
	if r := e.CheckFS("ccos.io.open-file", "/tmp/x", false, NoFileSystem()); r.Allowed {
		t.Fatal("expected denial")
	}
}

func TestNetworkDenied(t *testing.T) {
	e := NewPolicyEnforcer()
	r := e.CheckNetwork("ccos.network.http-fetch", "evil.com", DenyNetwork())
	if r.Allowed {
		t.Fatal("expected network denied")
	}
}

func TestNetworkAllowlist(t *testing.T) {
	e := NewPolicyEnforcer()
	p := AllowHosts("api.example.com", "10.0.0.0/8")

	if r := e.CheckNetwork("", "api.example.com", p); !r.Allowed {
		t.Fatal("expected allowed for allowlisted host")
	}
	if r := e.CheckNetwork("", "10.1.2.3", p); !r.Allowed {
		t.Fatal("expected allowed for host inside allowlisted CIDR")
	}
	if r := e.CheckNetwork("", "sub.api.example.com", p); r.Allowed {
		t.Fatal("allowlist matches exactly")
	}
	if r := e.CheckNetwork("", "", p); r.Allowed {
		t.Fatal("expected denial when no host was extracted")
	}
}

func TestNetworkDenyList(t *testing.T) {
	e := NewPolicyEnforcer()
	p := DenyHosts("evil.com")

	if r := e.CheckNetwork("", "evil.com", p); r.Allowed {
		t.Fatal("expected denylisted host blocked")
	}
	if r := e.CheckNetwork("", "good.com", p); !r.Allowed {
		t.Fatal("expected other hosts allowed")
	}
}

func TestBoundary(t *testing.T) {
	e := NewPolicyEnforcer()
	if r := e.CheckBoundary("ccos.echo", []string{"ccos.echo"}); !r.Allowed {
		t.Fatal("expected granted capability allowed")
	}
	if r := e.CheckBoundary("ccos.admin", []string{"ccos.echo"}); r.Allowed {
		t.Fatal("expected ungranted capability denied")
	}
	if r := e.CheckBoundary("", nil); !r.Allowed {
		t.Fatal("anonymous programs skip the boundary check")
	}
}

func TestViolationTracking(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	e := NewPolicyEnforcer().WithClock(func() time.Time { return now })
	e.CheckFS("ccos.io.read-line", "/etc/passwd", false, ReadOnly("/data"))
	e.CheckNetwork("ccos.network.http-fetch", "evil.com", DenyNetwork())

	violations := e.Violations()
	if len(violations) != 2 {
		t.Fatalf("expected 2 violations, got %d", len(violations))
	}
	if !violations[0].Timestamp.Equal(now) || !violations[0].Blocked {
		t.Fatalf("unexpected violation record: %+v", violations[0])
	}
	if violations[1].CapabilityID != "ccos.network.http-fetch" {
		t.Fatalf("capability = %s", violations[1].CapabilityID)
	}
}

func TestBrokerIssue(t *testing.T) {
	b := NewCredentialBroker(5 * time.Minute)
	b.Allow("petstore.list", "read:pets", "write:pets")

	cred, err := b.Issue("petstore.list", []string{"read:pets"}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if cred.ID == "" || cred.Digest == "" || cred.Secret == "" {
		t.Fatalf("incomplete credential: %+v", cred)
	}
	if cred.Digest == cred.Secret {
		t.Fatal("lease must not hold the secret")
	}
	if got := cred.ExpiresAt.Sub(cred.IssuedAt); got != time.Minute {
		t.Fatalf("ttl = %v", got)
	}
}

func TestBrokerClampsTTL(t *testing.T) {
	b := NewCredentialBroker(5 * time.Minute)
	b.Allow("petstore.list")

	cred, err := b.Issue("petstore.list", nil, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if got := cred.ExpiresAt.Sub(cred.IssuedAt); got != 5*time.Minute {
		t.Fatalf("ttl = %v, want clamp to 5m", got)
	}
}

func TestBrokerDeniesUnallowedScope(t *testing.T) {
	b := NewCredentialBroker(5 * time.Minute)
	b.Allow("petstore.list", "read:pets")

	if _, err := b.Issue("petstore.list", []string{"read:pets", "admin:all"}, 0); err == nil {
		t.Fatal("expected error for unallowed scope")
	}
	if len(b.Leases()) != 0 {
		t.Fatal("refused request must not leave a lease")
	}
}

func TestBrokerNoAllowlist(t *testing.T) {
	b := NewCredentialBroker(5 * time.Minute)
	if b.Allows("unknown") {
		t.Fatal("unexpected allowlist")
	}
	if _, err := b.Issue("unknown", nil, 0); err == nil {
		t.Fatal("expected error for unknown capability")
	}
}

func TestBrokerLeaseLifecycle(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	b := NewCredentialBroker(5 * time.Minute).WithClock(func() time.Time { return now })
	b.Allow("petstore.list", "read:pets")

	cred, err := b.Issue("petstore.list", nil, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Check(cred.Secret); err != nil {
		t.Fatalf("fresh credential rejected: %v", err)
	}
	if err := b.Check("not-a-secret"); !errors.Is(err, ErrUnknownCredential) {
		t.Fatalf("unknown secret: %v", err)
	}

	now = now.Add(2 * time.Minute)
	if err := b.Check(cred.Secret); !errors.Is(err, ErrCredentialExpired) {
		t.Fatalf("expected expiry, got %v", err)
	}

	now = now.Add(-2 * time.Minute)
	if err := b.Revoke(cred.ID); err != nil {
		t.Fatal(err)
	}
	if err := b.Check(cred.Secret); !errors.Is(err, ErrCredentialRevoked) {
		t.Fatalf("expected revocation, got %v", err)
	}
	if err := b.Revoke("missing"); !errors.Is(err, ErrUnknownCredential) {
		t.Fatalf("revoke missing lease: %v", err)
	}

	leases := b.Leases()
	if len(leases) != 1 || !leases[0].Revoked {
		t.Fatalf("leases = %+v", leases)
	}
}
