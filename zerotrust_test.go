package rbac

import (
	"context"
	"fmt"
	"testing"
	"time"
)

type stubVerifier struct {
	id  string
	ok  bool
	err error
}

func (s *stubVerifier) ID() string { return s.id }

func (s *stubVerifier) Verify(context.Context, *SecurityContext) (bool, error) {
	return s.ok, s.err
}

type hangingVerifier struct{}

func (hangingVerifier) ID() string { return "hanging" }

func (hangingVerifier) Verify(ctx context.Context, _ *SecurityContext) (bool, error) {
	<-ctx.Done()
	return true, ctx.Err()
}

func newTestEngine(device, location, behavior Verifier, opts ...ZeroTrustOption) *ZeroTrustEngine {
	all := append([]ZeroTrustOption{
		WithDeviceVerifier(device),
		WithLocationVerifier(location),
		WithBehaviorVerifier(behavior),
	}, opts...)
	return NewZeroTrustEngine(newMemSessionStore(), all...)
}

func TestCreateSecurityContextStartsUntrusted(t *testing.T) {
	e := newTestEngine(
		&stubVerifier{id: "device", ok: true},
		&stubVerifier{id: "location", ok: true},
		&stubVerifier{id: "behavior", ok: true},
	)
	sc, err := e.CreateSecurityContext(context.Background(), "s1", "alice", "laptop-1", "10.0.0.5", "cli/1.4")
	if err != nil {
		t.Fatalf("create context: %v", err)
	}
	if sc.UserAgent != "cli/1.4" {
		t.Fatalf("expected user agent recorded, got %q", sc.UserAgent)
	}
	// Checks ran and passed, but trust is never granted on arrival.
	if !sc.DeviceVerified || !sc.LocationVerified || !sc.BehaviorNormal {
		t.Fatalf("expected verifier outcomes recorded, got %+v", sc)
	}
	if sc.TrustLevel != TrustUntrusted || sc.Zone != ZoneDMZ {
		t.Fatalf("new session must start untrusted in the dmz, got %s/%s", sc.TrustLevel, sc.Zone)
	}
	if !sc.InitialCreation {
		t.Fatalf("expected initial creation flag set")
	}
}

func TestContinuousVerifyTrustLadder(t *testing.T) {
	cases := []struct {
		device, location, behavior, mfa bool
		wantLevel                       TrustLevel
		wantZone                        SecurityZone
	}{
		{true, true, true, true, TrustVerified, ZoneInternal},
		{true, true, true, false, TrustHigh, ZoneInternal},
		{true, true, false, false, TrustMedium, ZoneRestricted},
		{true, false, true, false, TrustMedium, ZoneRestricted},
		{true, false, false, false, TrustLow, ZoneDMZ},
		{false, true, false, false, TrustLow, ZoneDMZ},
		{false, false, true, false, TrustUntrusted, ZoneDMZ},
		{false, false, false, false, TrustUntrusted, ZoneDMZ},
	}
	for i, c := range cases {
		e := newTestEngine(
			&stubVerifier{id: "device", ok: c.device},
			&stubVerifier{id: "location", ok: c.location},
			&stubVerifier{id: "behavior", ok: c.behavior},
		)
		ctx := context.Background()
		sessionID := fmt.Sprintf("ladder-%d", i)
		if _, err := e.CreateSecurityContext(ctx, sessionID, "u", "d", "ip", ""); err != nil {
			t.Fatalf("case %d: create: %v", i, err)
		}
		if c.mfa {
			if _, err := e.ConfirmMFA(ctx, sessionID); err != nil {
				t.Fatalf("case %d: mfa: %v", i, err)
			}
		}
		sc, err := e.ContinuousVerify(ctx, sessionID)
		if err != nil {
			t.Fatalf("case %d: verify: %v", i, err)
		}
		if sc.TrustLevel != c.wantLevel || sc.Zone != c.wantZone {
			t.Fatalf("case %d: got %s/%s, want %s/%s", i, sc.TrustLevel, sc.Zone, c.wantLevel, c.wantZone)
		}
		if sc.InitialCreation {
			t.Fatalf("case %d: verification must consume the initial creation flag", i)
		}
	}
}

func TestVerifierErrorAndTimeoutFailClosed(t *testing.T) {
	e := newTestEngine(
		&stubVerifier{id: "device", err: fmt.Errorf("backend down")},
		hangingVerifier{},
		&stubVerifier{id: "behavior", ok: true},
		WithVerifyTimeout(20*time.Millisecond),
	)
	ctx := context.Background()
	if _, err := e.CreateSecurityContext(ctx, "s-fail", "u", "d", "ip", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	sc, err := e.ContinuousVerify(ctx, "s-fail")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if sc.DeviceVerified {
		t.Fatalf("erroring verifier must count as failed")
	}
	if sc.LocationVerified {
		t.Fatalf("timed-out verifier must count as failed")
	}
	if sc.TrustLevel != TrustUntrusted {
		t.Fatalf("expected untrusted after failures, got %s", sc.TrustLevel)
	}
}

func TestRiskScore(t *testing.T) {
	e := NewZeroTrustEngine(newMemSessionStore())
	now := time.Now()

	// A fully verified session that just re-verified carries no risk, no
	// matter how long ago it was created.
	sc := &SecurityContext{
		TrustLevel:       TrustVerified,
		DeviceVerified:   true,
		LocationVerified: true,
		MFAVerified:      true,
		CreatedAt:        now.Add(-10 * time.Hour),
		LastVerified:     now,
	}
	if got := e.riskScore(sc, now); got != 0 {
		t.Fatalf("expected zero risk for a freshly verified session, got %.2f", got)
	}

	// Everything failed clamps at 1.
	sc = &SecurityContext{TrustLevel: TrustUntrusted, CreatedAt: now, LastVerified: now}
	if got := e.riskScore(sc, now); got != 1 {
		t.Fatalf("expected clamped risk of 1, got %.2f", got)
	}

	// Verification staleness adds up to 0.5.
	sc = &SecurityContext{
		TrustLevel:       TrustVerified,
		DeviceVerified:   true,
		LocationVerified: true,
		MFAVerified:      true,
		CreatedAt:        now.Add(-2 * time.Hour),
		LastVerified:     now.Add(-2 * time.Hour),
	}
	if got := e.riskScore(sc, now); got < 0.19 || got > 0.21 {
		t.Fatalf("expected ~0.2 staleness risk, got %.2f", got)
	}
	sc.LastVerified = now.Add(-100 * time.Hour)
	if got := e.riskScore(sc, now); got != 0.5 {
		t.Fatalf("expected capped staleness risk of 0.5, got %.2f", got)
	}
}

func TestVerifyAccessPolicyGate(t *testing.T) {
	e := newTestEngine(
		&stubVerifier{id: "device", ok: true},
		&stubVerifier{id: "location", ok: true},
		&stubVerifier{id: "behavior", ok: true},
	)
	e.RegisterPolicy(&ZeroTrustPolicy{
		Name:          "finance-ops",
		MinTrustLevel: TrustHigh,
		AllowedZones:  []SecurityZone{ZoneInternal},
		MaxRiskScore:  0.9,
	})
	ctx := context.Background()
	if _, err := e.CreateSecurityContext(ctx, "s-gate", "alice", "laptop", "10.0.0.5", ""); err != nil {
		t.Fatalf("create: %v", err)
	}

	if !e.VerifyAccess(ctx, "s-gate", "finance-ops", "export-ledger") {
		t.Fatalf("expected access once verification lifts the session to high trust")
	}
	if e.VerifyAccess(ctx, "s-gate", "no-such-policy", "export-ledger") {
		t.Fatalf("unknown policy must refuse access")
	}
	if e.VerifyAccess(ctx, "no-such-session", "finance-ops", "export-ledger") {
		t.Fatalf("unknown session must refuse access")
	}
}

func TestVerifyAccessRequiresMFA(t *testing.T) {
	e := newTestEngine(
		&stubVerifier{id: "device", ok: true},
		&stubVerifier{id: "location", ok: true},
		&stubVerifier{id: "behavior", ok: true},
	)
	e.RegisterPolicy(&ZeroTrustPolicy{Name: "admin-console", MinTrustLevel: TrustHigh, RequireMFA: true})
	ctx := context.Background()
	if _, err := e.CreateSecurityContext(ctx, "s-mfa", "alice", "laptop", "10.0.0.5", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if e.VerifyAccess(ctx, "s-mfa", "admin-console", "restart") {
		t.Fatalf("expected refusal without mfa")
	}
	if _, err := e.ConfirmMFA(ctx, "s-mfa"); err != nil {
		t.Fatalf("mfa: %v", err)
	}
	if !e.VerifyAccess(ctx, "s-mfa", "admin-console", "restart") {
		t.Fatalf("expected access after mfa confirmation")
	}
}

func TestPolicyDeviceAndLocationRequirements(t *testing.T) {
	now := time.Now()
	p := &ZeroTrustPolicy{Name: "vault", RequireDevice: true, RequireLocation: true}
	sc := &SecurityContext{DeviceVerified: true, LocationVerified: true}
	if ok, reason := p.Evaluate(sc, now); !ok {
		t.Fatalf("expected pass with both checks verified, got %q", reason)
	}
	sc.DeviceVerified = false
	if ok, reason := p.Evaluate(sc, now); ok || reason != "verified device required" {
		t.Fatalf("expected device refusal, got ok=%v reason=%q", ok, reason)
	}
	sc.DeviceVerified = true
	sc.LocationVerified = false
	if ok, reason := p.Evaluate(sc, now); ok || reason != "verified location required" {
		t.Fatalf("expected location refusal, got ok=%v reason=%q", ok, reason)
	}
}

func TestVerifyAccessReverifyInterval(t *testing.T) {
	device := &stubVerifier{id: "device", ok: true}
	location := &stubVerifier{id: "location", ok: true}
	behavior := &stubVerifier{id: "behavior", ok: true}
	e := newTestEngine(device, location, behavior)
	e.RegisterPolicy(&ZeroTrustPolicy{
		Name:             "steady",
		MinTrustLevel:    TrustHigh,
		ReverifyInterval: time.Hour,
	})
	ctx := context.Background()
	if _, err := e.CreateSecurityContext(ctx, "s-int", "alice", "laptop", "10.0.0.5", ""); err != nil {
		t.Fatalf("create: %v", err)
	}

	// The first access consumes the initial creation flag and lifts trust.
	if !e.VerifyAccess(ctx, "s-int", "steady", "read") {
		t.Fatalf("expected access after the first verification pass")
	}

	// Checks start failing, but the session verified moments ago, so access
	// inside the interval is decided on the stored context.
	device.ok = false
	location.ok = false
	behavior.ok = false
	if !e.VerifyAccess(ctx, "s-int", "steady", "read") {
		t.Fatalf("expected the stored context to be reused inside the interval")
	}

	// Past the interval a fresh pass runs and sees the failures.
	base := e.now
	e.now = func() time.Time { return base().Add(2 * time.Hour) }
	if e.VerifyAccess(ctx, "s-int", "steady", "read") {
		t.Fatalf("expected re-verification after the interval to refuse access")
	}
}

func TestKnownDeviceVerifier(t *testing.T) {
	v := NewKnownDeviceVerifier("laptop-1")
	ok, _ := v.Verify(context.Background(), &SecurityContext{DeviceID: "laptop-1"})
	if !ok {
		t.Fatalf("expected enrolled device to verify")
	}
	ok, _ = v.Verify(context.Background(), &SecurityContext{DeviceID: "tablet-9"})
	if ok {
		t.Fatalf("expected unknown device to fail")
	}
	v.Enroll("tablet-9")
	ok, _ = v.Verify(context.Background(), &SecurityContext{DeviceID: "tablet-9"})
	if !ok {
		t.Fatalf("expected enrollment to take effect")
	}
	v.Revoke("laptop-1")
	ok, _ = v.Verify(context.Background(), &SecurityContext{DeviceID: "laptop-1"})
	if ok {
		t.Fatalf("expected revocation to take effect")
	}
}

func TestTrustedNetworkVerifier(t *testing.T) {
	v, err := NewTrustedNetworkVerifier("10.0.0.0/8", "192.168.1.0/24")
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	ok, _ := v.Verify(context.Background(), &SecurityContext{IPAddress: "10.20.30.40"})
	if !ok {
		t.Fatalf("expected in-range address to verify")
	}
	ok, _ = v.Verify(context.Background(), &SecurityContext{IPAddress: "8.8.8.8"})
	if ok {
		t.Fatalf("expected out-of-range address to fail")
	}
	ok, _ = v.Verify(context.Background(), &SecurityContext{IPAddress: "not-an-ip"})
	if ok {
		t.Fatalf("expected unparseable address to fail")
	}
	if _, err := NewTrustedNetworkVerifier("bogus"); err == nil {
		t.Fatalf("expected bad cidr to error")
	}
}

func TestWorkingHoursVerifier(t *testing.T) {
	v := NewWorkingHoursVerifier(9, 18, time.UTC)
	v.now = func() time.Time { return time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC) }
	if ok, _ := v.Verify(context.Background(), nil); !ok {
		t.Fatalf("expected 11:00 inside 9-18")
	}
	v.now = func() time.Time { return time.Date(2026, 3, 2, 22, 0, 0, 0, time.UTC) }
	if ok, _ := v.Verify(context.Background(), nil); ok {
		t.Fatalf("expected 22:00 outside 9-18")
	}

	night := NewWorkingHoursVerifier(22, 6, time.UTC)
	night.now = func() time.Time { return time.Date(2026, 3, 2, 23, 0, 0, 0, time.UTC) }
	if ok, _ := night.Verify(context.Background(), nil); !ok {
		t.Fatalf("expected wrapped window to cover 23:00")
	}
}

func TestEndSession(t *testing.T) {
	e := newTestEngine(nil, nil, nil)
	ctx := context.Background()
	if _, err := e.CreateSecurityContext(ctx, "s-end", "u", "d", "ip", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := e.EndSession(ctx, "s-end"); err != nil {
		t.Fatalf("end session: %v", err)
	}
	if _, err := e.ContinuousVerify(ctx, "s-end"); err == nil {
		t.Fatalf("expected verification of ended session to fail")
	}
}
