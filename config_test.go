package rbac

import (
	"context"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
version: 3
permissions:
  - id: invoice.read
    resource: invoice
    action: read
  - id: invoice.update
    resource: invoice
    action: update
roles:
  - id: billing_clerk
    name: Billing Clerk
    permissions: [invoice.read, invoice.update]
subjects:
  - id: alice
    kind: user
    roles: [billing_clerk]
rules:
  - id: deny-large
    condition: amount > 10000
    effect: deny
    priority: 10
    active: true
engine:
  rule_cache_ttl_ms: 60000
  max_condition_length: 500
`

func TestLoadYAMLConfig(t *testing.T) {
	cfg, err := NewConfigLoader().LoadYAML([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if cfg.Version != 3 {
		t.Fatalf("expected version 3, got %d", cfg.Version)
	}
	if len(cfg.Permissions) != 2 || len(cfg.Roles) != 1 || len(cfg.Subjects) != 1 || len(cfg.Rules) != 1 {
		t.Fatalf("unexpected shape: %d perms %d roles %d subjects %d rules",
			len(cfg.Permissions), len(cfg.Roles), len(cfg.Subjects), len(cfg.Rules))
	}
	if cfg.Engine.RuleCacheTTL != 60000 {
		t.Fatalf("expected engine tuning to load, got %d", cfg.Engine.RuleCacheTTL)
	}
	if errs := cfg.Validate(0); len(errs) != 0 {
		t.Fatalf("expected valid config, got %v", errs)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := &Config{
		Permissions: []*Permission{
			{ID: "p1", Resource: "r", Action: "a"},
			{ID: "p1", Resource: "r", Action: "a"},
		},
		Roles: []*Role{
			{ID: "r1", Permissions: []string{"p1", "ghost-perm"}, Parents: []string{"ghost-role"}},
		},
		Subjects: []*Subject{
			{ID: "s1", Roles: []string{"ghost-role"}},
		},
		Rules: []*PolicyRule{
			{ID: "bad-cond", Condition: "a ==", Effect: EffectDeny},
			{ID: "bad-effect", Condition: "a == 1", Effect: "maybe"},
		},
	}
	errs := cfg.Validate(0)
	wantFragments := []string{
		"duplicate permission id",
		"unknown permission \"ghost-perm\"",
		"unknown parent \"ghost-role\"",
		"unknown role \"ghost-role\"",
		"bad-cond",
		"effect must be permit or deny",
	}
	for _, frag := range wantFragments {
		found := false
		for _, err := range errs {
			if strings.Contains(err.Error(), frag) {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("expected an error containing %q, got %v", frag, errs)
		}
	}
}

func TestConfigValidateConditionLength(t *testing.T) {
	cfg := &Config{
		Rules: []*PolicyRule{
			{ID: "long", Condition: "amount > 100 and amount < 9000", Effect: EffectPermit},
		},
	}
	if errs := cfg.Validate(0); len(errs) != 0 {
		t.Fatalf("expected condition to pass at the default limit, got %v", errs)
	}
	if errs := cfg.Validate(10); len(errs) == 0 {
		t.Fatalf("expected condition to exceed a 10-byte limit")
	}
}

func TestBinaryConfigRoundTrip(t *testing.T) {
	cfg := &Config{
		Version: 7,
		Permissions: []*Permission{
			{ID: "invoice.read", Resource: "invoice", Action: "read", Scope: ScopeTenant, Description: "read invoices"},
		},
		Roles: []*Role{
			{ID: "clerk", Name: "Clerk", Permissions: []string{"invoice.read"}, Parents: []string{"viewer"}},
		},
		Subjects: []*Subject{
			{ID: "alice", Kind: SubjectUser, Roles: []string{"clerk"}, Attributes: map[string]any{"department": "billing"}},
		},
		Rules: []*PolicyRule{
			{ID: "deny-large", Name: "large amounts", Condition: "amount > 10000", Effect: EffectDeny, Priority: 42, Active: true},
		},
		ZeroTrustPolicies: []*ZeroTrustPolicy{
			{
				Name:             "finance-ops",
				MinTrustLevel:    TrustHigh,
				AllowedZones:     []SecurityZone{ZoneInternal, ZoneRestricted},
				MaxRiskScore:     0.4,
				RequireMFA:       true,
				RequireDevice:    true,
				RequireLocation:  true,
				MaxSessionAge:    8 * time.Hour,
				ReverifyInterval: 15 * time.Minute,
			},
		},
		Engine: EngineConfig{
			DecisionCacheTTL:    30000,
			RuleCacheTTL:        60000,
			RistrettoNumCounter: 1 << 16,
			RistrettoMaxCost:    1 << 24,
			MaxConditionLength:  750,
		},
	}

	data, err := EncodeBinaryConfig(cfg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := NewConfigLoader().LoadBinary(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if got.Version != 7 {
		t.Fatalf("version: got %d", got.Version)
	}
	if len(got.Permissions) != 1 || got.Permissions[0].Description != "read invoices" ||
		got.Permissions[0].Scope != ScopeTenant {
		t.Fatalf("permissions did not round-trip: %+v", got.Permissions)
	}
	role := got.Roles[0]
	if role.Name != "Clerk" || len(role.Permissions) != 1 || len(role.Parents) != 1 {
		t.Fatalf("role did not round-trip: %+v", role)
	}
	sub := got.Subjects[0]
	if sub.Kind != SubjectUser || sub.Attributes["department"] != "billing" {
		t.Fatalf("subject did not round-trip: %+v", sub)
	}
	rule := got.Rules[0]
	if rule.Condition != "amount > 10000" || rule.Effect != EffectDeny || rule.Priority != 42 || !rule.Active {
		t.Fatalf("rule did not round-trip: %+v", rule)
	}
	zp := got.ZeroTrustPolicies[0]
	if zp.MinTrustLevel != TrustHigh || len(zp.AllowedZones) != 2 || zp.MaxRiskScore != 0.4 ||
		!zp.RequireMFA || !zp.RequireDevice || !zp.RequireLocation ||
		zp.MaxSessionAge != 8*time.Hour || zp.ReverifyInterval != 15*time.Minute {
		t.Fatalf("zero trust policy did not round-trip: %+v", zp)
	}
	if got.Engine != cfg.Engine {
		t.Fatalf("engine config did not round-trip: %+v", got.Engine)
	}
}

func TestBinaryConfigRejectsGarbage(t *testing.T) {
	if _, err := NewConfigLoader().LoadBinary([]byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x00}); err == nil {
		t.Fatalf("expected bad magic to be rejected")
	}
}

func TestApplyConfig(t *testing.T) {
	zt := NewZeroTrustEngine(newMemSessionStore())
	m := newTestManager(t, WithZeroTrust(zt))
	ctx := context.Background()

	cfg, err := NewConfigLoader().LoadYAML([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	cfg.ZeroTrustPolicies = []*ZeroTrustPolicy{{Name: "standard-ops", MinTrustLevel: TrustLow}}
	if err := m.ApplyConfig(ctx, cfg); err != nil {
		t.Fatalf("apply config: %v", err)
	}

	resp, err := m.CheckAccess(ctx, &AccessRequest{
		SubjectID:    "alice",
		ResourceType: "invoice",
		Action:       "update",
		Context:      map[string]any{"amount": 100},
	})
	if err != nil {
		t.Fatalf("check access: %v", err)
	}
	if !resp.Allowed() {
		t.Fatalf("expected permit from applied config, got %s (%s)", resp.Decision, resp.Reason)
	}

	resp, err = m.CheckAccess(ctx, &AccessRequest{
		SubjectID:    "alice",
		ResourceType: "invoice",
		Action:       "update",
		Context:      map[string]any{"amount": 50000},
	})
	if err != nil {
		t.Fatalf("check access: %v", err)
	}
	if resp.Allowed() || resp.MatchedRule != "deny-large" {
		t.Fatalf("expected applied rule to deny, got %s via %q", resp.Decision, resp.MatchedRule)
	}

	if _, ok := zt.policy("standard-ops"); !ok {
		t.Fatalf("expected zero trust policy to be registered")
	}

	// Re-applying must update in place rather than fail on duplicates.
	cfg.Rules[0].Condition = "amount > 99999"
	if err := m.ApplyConfig(ctx, cfg); err != nil {
		t.Fatalf("re-apply config: %v", err)
	}
	resp, err = m.CheckAccess(ctx, &AccessRequest{
		SubjectID:    "alice",
		ResourceType: "invoice",
		Action:       "update",
		Context:      map[string]any{"amount": 50000},
	})
	if err != nil {
		t.Fatalf("check access: %v", err)
	}
	if !resp.Allowed() {
		t.Fatalf("expected permit after rule update, got %s", resp.Decision)
	}
}
