package rbac

import "time"

// ============================================================================
// FLUENT BUILDERS
// ============================================================================

// PermissionBuilder assembles a Permission.
type PermissionBuilder struct {
	p *Permission
}

func NewPermission(id string) *PermissionBuilder {
	return &PermissionBuilder{p: &Permission{ID: id, Resource: "*", Action: "*"}}
}

func (b *PermissionBuilder) Resource(pattern string) *PermissionBuilder {
	b.p.Resource = pattern
	return b
}

func (b *PermissionBuilder) Action(pattern string) *PermissionBuilder {
	b.p.Action = pattern
	return b
}

func (b *PermissionBuilder) Scope(s PermissionScope) *PermissionBuilder {
	b.p.Scope = s
	return b
}

func (b *PermissionBuilder) Description(desc string) *PermissionBuilder {
	b.p.Description = desc
	return b
}

func (b *PermissionBuilder) Condition(key string, value any) *PermissionBuilder {
	if b.p.Conditions == nil {
		b.p.Conditions = make(map[string]any)
	}
	b.p.Conditions[key] = value
	return b
}

func (b *PermissionBuilder) Build() *Permission {
	if b.p.CreatedAt.IsZero() {
		b.p.CreatedAt = time.Now().UTC()
	}
	return b.p
}

// RoleBuilder assembles a Role.
type RoleBuilder struct {
	r *Role
}

func NewRole(id string) *RoleBuilder {
	return &RoleBuilder{r: &Role{ID: id, Name: id}}
}

func (b *RoleBuilder) Name(name string) *RoleBuilder {
	b.r.Name = name
	return b
}

func (b *RoleBuilder) Description(desc string) *RoleBuilder {
	b.r.Description = desc
	return b
}

func (b *RoleBuilder) Permit(permissionIDs ...string) *RoleBuilder {
	b.r.Permissions = append(b.r.Permissions, permissionIDs...)
	return b
}

func (b *RoleBuilder) Inherit(roleIDs ...string) *RoleBuilder {
	b.r.Parents = append(b.r.Parents, roleIDs...)
	return b
}

func (b *RoleBuilder) Build() *Role {
	now := time.Now().UTC()
	if b.r.CreatedAt.IsZero() {
		b.r.CreatedAt = now
	}
	b.r.UpdatedAt = now
	return b.r
}

// RuleBuilder assembles a PolicyRule. Rules are active by default.
type RuleBuilder struct {
	r *PolicyRule
}

func NewRule(id string) *RuleBuilder {
	return &RuleBuilder{r: &PolicyRule{ID: id, Name: id, Effect: EffectPermit, Active: true}}
}

func (b *RuleBuilder) Name(name string) *RuleBuilder {
	b.r.Name = name
	return b
}

func (b *RuleBuilder) When(condition string) *RuleBuilder {
	b.r.Condition = condition
	return b
}

func (b *RuleBuilder) Permit() *RuleBuilder {
	b.r.Effect = EffectPermit
	return b
}

func (b *RuleBuilder) Deny() *RuleBuilder {
	b.r.Effect = EffectDeny
	return b
}

func (b *RuleBuilder) Priority(p int) *RuleBuilder {
	b.r.Priority = p
	return b
}

func (b *RuleBuilder) Inactive() *RuleBuilder {
	b.r.Active = false
	return b
}

func (b *RuleBuilder) Build() *PolicyRule {
	now := time.Now().UTC()
	if b.r.CreatedAt.IsZero() {
		b.r.CreatedAt = now
	}
	b.r.UpdatedAt = now
	return b.r
}

// TrustPolicyBuilder assembles a ZeroTrustPolicy.
type TrustPolicyBuilder struct {
	p *ZeroTrustPolicy
}

func NewTrustPolicy(name string) *TrustPolicyBuilder {
	return &TrustPolicyBuilder{p: &ZeroTrustPolicy{Name: name}}
}

func (b *TrustPolicyBuilder) MinTrust(level TrustLevel) *TrustPolicyBuilder {
	b.p.MinTrustLevel = level
	return b
}

func (b *TrustPolicyBuilder) Zones(zones ...SecurityZone) *TrustPolicyBuilder {
	b.p.AllowedZones = append(b.p.AllowedZones, zones...)
	return b
}

func (b *TrustPolicyBuilder) MaxRisk(score float64) *TrustPolicyBuilder {
	b.p.MaxRiskScore = score
	return b
}

func (b *TrustPolicyBuilder) RequireMFA() *TrustPolicyBuilder {
	b.p.RequireMFA = true
	return b
}

func (b *TrustPolicyBuilder) RequireDevice() *TrustPolicyBuilder {
	b.p.RequireDevice = true
	return b
}

func (b *TrustPolicyBuilder) RequireLocation() *TrustPolicyBuilder {
	b.p.RequireLocation = true
	return b
}

func (b *TrustPolicyBuilder) MaxSessionAge(d time.Duration) *TrustPolicyBuilder {
	b.p.MaxSessionAge = d
	return b
}

func (b *TrustPolicyBuilder) ReverifyEvery(d time.Duration) *TrustPolicyBuilder {
	b.p.ReverifyInterval = d
	return b
}

func (b *TrustPolicyBuilder) Build() *ZeroTrustPolicy {
	return b.p
}
