// Package rbac is an access control and trust evaluation engine: role-based
// permission resolution over an inheritance graph, condition-gated policy
// rules evaluated in a sandboxed expression language, a cached access
// decision pipeline, a hash-chained audit trail and a zero trust layer with
// continuous session verification.
package rbac

import (
	"context"
	"fmt"
	"time"

	"github.com/oarkflow/rbac/logger"
)

// ============================================================================
// MANAGER
// ============================================================================

// Manager is the top-level facade. It owns the role graph, policy engine and
// access evaluator, keeps their caches coherent across administrative
// changes, and records security-relevant operations on the audit trail.
type Manager struct {
	perms    PermissionStore
	roles    RoleStore
	subjects SubjectStore
	rules    RuleStore

	graph     *RoleGraph
	policies  *PolicyEngine
	evaluator *AccessEvaluator
	audit     *AuditTrail
	zeroTrust *ZeroTrustEngine
	log       logger.Logger
}

type managerOptions struct {
	log           logger.Logger
	audit         *AuditTrail
	zeroTrust     *ZeroTrustEngine
	evaluatorCfg  EvaluatorConfig
	ruleCacheTTL  time.Duration
	maxExprLength int
}

type ManagerOption func(*managerOptions)

// WithLogger installs a logger used by the manager and every component it
// constructs.
func WithLogger(l logger.Logger) ManagerOption {
	return func(o *managerOptions) {
		if l != nil {
			o.log = l
		}
	}
}

// WithAuditTrail attaches an audit trail. Access decisions and
// administrative changes are recorded on it.
func WithAuditTrail(at *AuditTrail) ManagerOption {
	return func(o *managerOptions) { o.audit = at }
}

// WithZeroTrust attaches a zero trust engine for session verification.
func WithZeroTrust(zt *ZeroTrustEngine) ManagerOption {
	return func(o *managerOptions) { o.zeroTrust = zt }
}

// WithEvaluatorConfig sizes the decision cache.
func WithEvaluatorConfig(cfg EvaluatorConfig) ManagerOption {
	return func(o *managerOptions) { o.evaluatorCfg = cfg }
}

// WithManagerRuleCacheTTL overrides the policy rule cache TTL.
func WithManagerRuleCacheTTL(ttl time.Duration) ManagerOption {
	return func(o *managerOptions) { o.ruleCacheTTL = ttl }
}

// WithMaxConditionLength overrides the maximum accepted rule condition length.
func WithMaxConditionLength(n int) ManagerOption {
	return func(o *managerOptions) { o.maxExprLength = n }
}

func NewManager(perms PermissionStore, roles RoleStore, subjects SubjectStore, rules RuleStore, opts ...ManagerOption) (*Manager, error) {
	o := &managerOptions{
		log:          logger.NewNullLogger(),
		ruleCacheTTL: DefaultRuleCacheTTL,
	}
	for _, opt := range opts {
		opt(o)
	}

	exprOpts := []ExprOption{WithExprLogger(o.log)}
	if o.maxExprLength > 0 {
		exprOpts = append(exprOpts, WithMaxExpressionLength(o.maxExprLength))
	}
	eval := NewExpressionEvaluator(exprOpts...)

	graph := NewRoleGraph(roles, perms, o.log)
	policies := NewPolicyEngine(rules, eval,
		WithRuleCacheTTL(o.ruleCacheTTL),
		WithPolicyLogger(o.log))
	evaluator, err := NewAccessEvaluator(subjects, graph, policies, o.evaluatorCfg,
		WithEvaluatorLogger(o.log))
	if err != nil {
		return nil, err
	}

	m := &Manager{
		perms:     perms,
		roles:     roles,
		subjects:  subjects,
		rules:     rules,
		graph:     graph,
		policies:  policies,
		evaluator: evaluator,
		audit:     o.audit,
		zeroTrust: o.zeroTrust,
		log:       o.log,
	}
	if err := m.policies.Reload(context.Background()); err != nil {
		return nil, fmt.Errorf("load policy rules: %w", err)
	}
	return m, nil
}

// Close releases evaluator resources.
func (m *Manager) Close() {
	m.evaluator.Close()
}

// PolicyEngine exposes the underlying policy engine, mainly for linting.
func (m *Manager) PolicyEngine() *PolicyEngine { return m.policies }

// RoleGraph exposes the underlying role graph.
func (m *Manager) RoleGraph() *RoleGraph { return m.graph }

// AuditTrail returns the attached trail, or nil.
func (m *Manager) AuditTrail() *AuditTrail { return m.audit }

// ZeroTrust returns the attached zero trust engine, or nil.
func (m *Manager) ZeroTrust() *ZeroTrustEngine { return m.zeroTrust }

// CacheStats reports decision cache hits and misses.
func (m *Manager) CacheStats() (hits, misses uint64) { return m.evaluator.CacheStats() }

// ============================================================================
// ACCESS EVALUATION
// ============================================================================

// CheckAccess evaluates the request and records the decision on the audit
// trail. A failed audit append is returned alongside the decision rather
// than being swallowed: callers treating the trail as authoritative must
// refuse to act on a decision they could not record.
func (m *Manager) CheckAccess(ctx context.Context, req *AccessRequest) (*AccessResponse, error) {
	resp, err := m.evaluator.CheckAccess(ctx, req)
	if err != nil {
		return nil, err
	}
	if m.audit != nil {
		sev := SeverityInfo
		if resp.Decision != DecisionPermit {
			sev = SeverityWarning
		}
		auditErr := m.audit.AppendEvent(ctx, &AuditEvent{
			EventType: EventAccessDecision,
			Severity:  sev,
			Status:    string(resp.Decision),
			UserID:    req.SubjectID,
			Message:   fmt.Sprintf("%s %s on %s: %s", req.SubjectID, req.Action, req.ResourceType, resp.Decision),
			Context: map[string]any{
				"resource_type": req.ResourceType,
				"resource_id":   req.ResourceID,
				"action":        req.Action,
				"reason":        resp.Reason,
				"cache_hit":     resp.CacheHit,
			},
		})
		if auditErr != nil {
			return resp, auditErr
		}
	}
	return resp, nil
}

// InvalidateCaches drops every cached decision and rule evaluation.
func (m *Manager) InvalidateCaches() {
	m.evaluator.InvalidateCache()
}

// ============================================================================
// PERMISSION / ROLE / SUBJECT ADMINISTRATION
// ============================================================================

func (m *Manager) CreatePermission(ctx context.Context, p *Permission) error {
	if p == nil || p.ID == "" {
		return &ValidationError{Field: "id", Reason: "required"}
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if err := m.perms.CreatePermission(ctx, p); err != nil {
		return err
	}
	m.InvalidateCaches()
	return m.adminEvent(ctx, "", "permission created", map[string]any{"permission": p.ID})
}

func (m *Manager) DeletePermission(ctx context.Context, id string) error {
	if err := m.perms.DeletePermission(ctx, id); err != nil {
		return err
	}
	m.InvalidateCaches()
	return m.adminEvent(ctx, "", "permission deleted", map[string]any{"permission": id})
}

func (m *Manager) CreateRole(ctx context.Context, r *Role) error {
	if r == nil || r.ID == "" {
		return &ValidationError{Field: "id", Reason: "required"}
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	if err := m.roles.CreateRole(ctx, r); err != nil {
		return err
	}
	m.InvalidateCaches()
	return m.adminEvent(ctx, "", "role created", map[string]any{"role": r.ID})
}

func (m *Manager) UpdateRole(ctx context.Context, r *Role) error {
	r.UpdatedAt = time.Now().UTC()
	if err := m.roles.UpdateRole(ctx, r); err != nil {
		return err
	}
	m.InvalidateCaches()
	return m.adminEvent(ctx, "", "role updated", map[string]any{"role": r.ID})
}

func (m *Manager) DeleteRole(ctx context.Context, id string) error {
	if err := m.roles.DeleteRole(ctx, id); err != nil {
		return err
	}
	m.InvalidateCaches()
	return m.adminEvent(ctx, "", "role deleted", map[string]any{"role": id})
}

func (m *Manager) CreateSubject(ctx context.Context, s *Subject) error {
	if s == nil || s.ID == "" {
		return &ValidationError{Field: "id", Reason: "required"}
	}
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	if s.Kind == "" {
		s.Kind = SubjectUser
	}
	return m.subjects.CreateSubject(ctx, s)
}

func (m *Manager) GetSubject(ctx context.Context, id string) (*Subject, error) {
	return m.subjects.GetSubject(ctx, id)
}

func (m *Manager) DeleteSubject(ctx context.Context, id string) error {
	if err := m.subjects.DeleteSubject(ctx, id); err != nil {
		return err
	}
	m.InvalidateCaches()
	return nil
}

// AssignRole adds a role to a subject. The bool reports whether the
// assignment changed anything; assigning an already-held role is a no-op.
func (m *Manager) AssignRole(ctx context.Context, subjectID, roleID string) (bool, error) {
	subject, err := m.subjects.GetSubject(ctx, subjectID)
	if err != nil {
		return false, err
	}
	if _, err := m.roles.GetRole(ctx, roleID); err != nil {
		return false, err
	}
	if subject.HasRole(roleID) {
		return false, nil
	}
	subject.Roles = append(subject.Roles, roleID)
	subject.UpdatedAt = time.Now().UTC()
	if err := m.subjects.UpdateSubject(ctx, subject); err != nil {
		return false, err
	}
	m.InvalidateCaches()
	return true, m.adminEvent(ctx, subjectID, "role assigned", map[string]any{"role": roleID})
}

// RevokeRole removes a role from a subject. The bool reports whether the
// subject actually held the role.
func (m *Manager) RevokeRole(ctx context.Context, subjectID, roleID string) (bool, error) {
	subject, err := m.subjects.GetSubject(ctx, subjectID)
	if err != nil {
		return false, err
	}
	kept := subject.Roles[:0]
	removed := false
	for _, r := range subject.Roles {
		if r == roleID {
			removed = true
			continue
		}
		kept = append(kept, r)
	}
	if !removed {
		return false, nil
	}
	subject.Roles = kept
	subject.UpdatedAt = time.Now().UTC()
	if err := m.subjects.UpdateSubject(ctx, subject); err != nil {
		return false, err
	}
	m.InvalidateCaches()
	return true, m.adminEvent(ctx, subjectID, "role revoked", map[string]any{"role": roleID})
}

// GrantTemporaryPermission attaches a permission to the subject until
// expiry.
func (m *Manager) GrantTemporaryPermission(ctx context.Context, subjectID, permissionID, grantedBy string, ttl time.Duration) error {
	if ttl <= 0 {
		return &ValidationError{Field: "ttl", Reason: "must be positive"}
	}
	if _, err := m.perms.GetPermission(ctx, permissionID); err != nil {
		return err
	}
	subject, err := m.subjects.GetSubject(ctx, subjectID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	subject.TemporaryGrants = append(subject.TemporaryGrants, TemporaryGrant{
		PermissionID: permissionID,
		GrantedBy:    grantedBy,
		GrantedAt:    now,
		ExpiresAt:    now.Add(ttl),
	})
	subject.UpdatedAt = now
	if err := m.subjects.UpdateSubject(ctx, subject); err != nil {
		return err
	}
	m.InvalidateCaches()
	return m.adminEvent(ctx, subjectID, "temporary permission granted", map[string]any{
		"permission": permissionID,
		"granted_by": grantedBy,
		"expires_at": now.Add(ttl).Format(time.RFC3339),
	})
}

// ExpireTemporaryPermission drops a grant ahead of its expiry.
func (m *Manager) ExpireTemporaryPermission(ctx context.Context, subjectID, permissionID string) error {
	subject, err := m.subjects.GetSubject(ctx, subjectID)
	if err != nil {
		return err
	}
	kept := subject.TemporaryGrants[:0]
	removed := false
	for _, g := range subject.TemporaryGrants {
		if g.PermissionID == permissionID {
			removed = true
			continue
		}
		kept = append(kept, g)
	}
	if !removed {
		return fmt.Errorf("temporary grant %s on %s: %w", permissionID, subjectID, ErrNotFound)
	}
	subject.TemporaryGrants = kept
	subject.UpdatedAt = time.Now().UTC()
	if err := m.subjects.UpdateSubject(ctx, subject); err != nil {
		return err
	}
	m.InvalidateCaches()
	return m.adminEvent(ctx, subjectID, "temporary permission expired", map[string]any{"permission": permissionID})
}

// EffectivePermissions resolves the subject's full permission set.
func (m *Manager) EffectivePermissions(ctx context.Context, subjectID string) ([]*Permission, error) {
	subject, err := m.subjects.GetSubject(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	return m.graph.EffectivePermissions(ctx, subject)
}

// ============================================================================
// POLICY RULE ADMINISTRATION
// ============================================================================

// AddRule validates, stores and activates a policy rule.
func (m *Manager) AddRule(ctx context.Context, rule *PolicyRule) error {
	if err := m.policies.ValidateRule(rule); err != nil {
		return err
	}
	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now
	if err := m.rules.CreateRule(ctx, rule); err != nil {
		return err
	}
	if err := m.policies.Reload(ctx); err != nil {
		return err
	}
	m.evaluator.InvalidateCache()
	return m.adminEvent(ctx, "", "policy rule added", map[string]any{"rule": rule.ID})
}

func (m *Manager) UpdateRule(ctx context.Context, rule *PolicyRule) error {
	if err := m.policies.ValidateRule(rule); err != nil {
		return err
	}
	rule.UpdatedAt = time.Now().UTC()
	if err := m.rules.UpdateRule(ctx, rule); err != nil {
		return err
	}
	if err := m.policies.Reload(ctx); err != nil {
		return err
	}
	m.evaluator.InvalidateCache()
	return m.adminEvent(ctx, "", "policy rule updated", map[string]any{"rule": rule.ID})
}

func (m *Manager) DeleteRule(ctx context.Context, id string) error {
	if err := m.rules.DeleteRule(ctx, id); err != nil {
		return err
	}
	if err := m.policies.Reload(ctx); err != nil {
		return err
	}
	m.evaluator.InvalidateCache()
	return m.adminEvent(ctx, "", "policy rule deleted", map[string]any{"rule": id})
}

// ============================================================================
// AUDIT / ZERO TRUST DELEGATES
// ============================================================================

// LogEvent appends an arbitrary event to the trail and returns its chain
// hash.
func (m *Manager) LogEvent(ctx context.Context, event *AuditEvent) (string, error) {
	if m.audit == nil {
		return "", &AuditError{Op: "append", Err: fmt.Errorf("no audit trail configured")}
	}
	if err := m.audit.AppendEvent(ctx, event); err != nil {
		return "", err
	}
	return event.HashChain, nil
}

// VerifyIntegrity checks the whole audit chain.
func (m *Manager) VerifyIntegrity() (*IntegrityReport, error) {
	if m.audit == nil {
		return nil, fmt.Errorf("no audit trail configured")
	}
	return m.audit.VerifyIntegrity(), nil
}

// CreateSecurityContext registers a new zero trust session.
func (m *Manager) CreateSecurityContext(ctx context.Context, sessionID, userID, deviceID, ipAddress, userAgent string) (*SecurityContext, error) {
	if m.zeroTrust == nil {
		return nil, fmt.Errorf("no zero trust engine configured")
	}
	return m.zeroTrust.CreateSecurityContext(ctx, sessionID, userID, deviceID, ipAddress, userAgent)
}

// VerifySessionAccess gates an operation on a zero trust policy. Without a
// configured engine every session is refused.
func (m *Manager) VerifySessionAccess(ctx context.Context, sessionID, policyName, operation string) bool {
	if m.zeroTrust == nil {
		m.log.Warn("session access refused: no zero trust engine configured", "session", sessionID)
		return false
	}
	return m.zeroTrust.VerifyAccess(ctx, sessionID, policyName, operation)
}

func (m *Manager) adminEvent(ctx context.Context, userID, msg string, meta map[string]any) error {
	if m.audit == nil {
		return nil
	}
	return m.audit.AppendEvent(ctx, &AuditEvent{
		EventType: EventAdminAction,
		Severity:  SeverityInfo,
		UserID:    userID,
		Message:   msg,
		Metadata:  meta,
	})
}
