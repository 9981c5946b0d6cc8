package rbac

import (
	"context"
	"time"

	"github.com/oarkflow/rbac/utils"
)

// ============================================================================
// DOMAIN OBJECTS
// ============================================================================

// Decision is the outcome of an access evaluation.
type Decision string

const (
	DecisionPermit        Decision = "permit"
	DecisionDeny          Decision = "deny"
	DecisionNotApplicable Decision = "not_applicable"
	DecisionIndeterminate Decision = "indeterminate"
)

// Effect is the verdict a policy rule carries when its condition holds.
type Effect string

const (
	EffectPermit Effect = "permit"
	EffectDeny   Effect = "deny"
)

// PermissionScope is the breadth at which a permission applies.
type PermissionScope string

const (
	ScopeGlobal       PermissionScope = "global"
	ScopeOrganization PermissionScope = "organization"
	ScopeTenant       PermissionScope = "tenant"
	ScopeResource     PermissionScope = "resource"
	ScopeField        PermissionScope = "field"
)

// Permission grants an action on a resource type at a given scope. Resource
// and Action accept '*' wildcards and hierarchical patterns such as
// "billing.*" or "/api/*". Conditions are free-form metadata carried with
// the permission; they are surfaced to policy rules through the evaluation
// context rather than being interpreted by the matcher itself.
type Permission struct {
	ID          string          `json:"id" yaml:"id"`
	Resource    string          `json:"resource" yaml:"resource"`
	Action      string          `json:"action" yaml:"action"`
	Scope       PermissionScope `json:"scope,omitempty" yaml:"scope,omitempty"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty"`
	Conditions  map[string]any  `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	CreatedAt   time.Time       `json:"created_at,omitempty" yaml:"created_at,omitempty"`
}

// Matches reports whether this permission covers the given resource type and
// action.
func (p *Permission) Matches(resourceType, action string) bool {
	return utils.Match(resourceType, p.Resource) && utils.Match(action, p.Action)
}

// Role names a set of permissions and may inherit from parent roles. The
// inheritance graph may contain cycles; resolution guards against them.
type Role struct {
	ID          string    `json:"id" yaml:"id"`
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Permissions []string  `json:"permissions" yaml:"permissions"`
	Parents     []string  `json:"parents,omitempty" yaml:"parents,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

// SubjectKind classifies the entity requesting access.
type SubjectKind string

const (
	SubjectUser    SubjectKind = "user"
	SubjectService SubjectKind = "service"
	SubjectAPIKey  SubjectKind = "api-key"
)

// TemporaryGrant attaches a permission to a subject until it expires.
type TemporaryGrant struct {
	PermissionID string    `json:"permission_id" yaml:"permission_id"`
	GrantedBy    string    `json:"granted_by,omitempty" yaml:"granted_by,omitempty"`
	GrantedAt    time.Time `json:"granted_at" yaml:"granted_at"`
	ExpiresAt    time.Time `json:"expires_at" yaml:"expires_at"`
}

// IsExpired reports whether the grant has lapsed as of now. A zero ExpiresAt
// never expires.
func (g *TemporaryGrant) IsExpired(now time.Time) bool {
	return !g.ExpiresAt.IsZero() && !now.Before(g.ExpiresAt)
}

// Subject is a user, service or API key with assigned roles, attributes and
// temporary grants.
type Subject struct {
	ID              string           `json:"id" yaml:"id"`
	Kind            SubjectKind      `json:"kind" yaml:"kind"`
	Roles           []string         `json:"roles" yaml:"roles"`
	Attributes      map[string]any   `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	TemporaryGrants []TemporaryGrant `json:"temporary_grants,omitempty" yaml:"temporary_grants,omitempty"`
	CreatedAt       time.Time        `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	UpdatedAt       time.Time        `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

// HasRole reports whether the subject already carries the role.
func (s *Subject) HasRole(roleID string) bool {
	for _, r := range s.Roles {
		if r == roleID {
			return true
		}
	}
	return false
}

// AccessRequest is the input to an access evaluation. SubjectID,
// ResourceType and Action are required; Context carries request attributes
// that policy rule conditions can reference.
type AccessRequest struct {
	SubjectID    string         `json:"subject_id"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Action       string         `json:"action"`
	Context      map[string]any `json:"context,omitempty"`
}

// AccessResponse is the outcome of an access evaluation. EvaluationTime is
// the elapsed wall time of the evaluation; cache hits carry the time the
// lookup took, not the original computation's.
type AccessResponse struct {
	Decision       Decision      `json:"decision"`
	Reason         string        `json:"reason"`
	Permissions    []string      `json:"permissions,omitempty"`
	MatchedRule    string        `json:"matched_rule,omitempty"`
	CacheHit       bool          `json:"cache_hit"`
	EvaluationTime time.Duration `json:"evaluation_time"`
}

// Allowed reports whether the decision grants access.
func (r *AccessResponse) Allowed() bool { return r.Decision == DecisionPermit }

// ============================================================================
// STORE INTERFACES
// ============================================================================

// PermissionStore persists permissions.
type PermissionStore interface {
	CreatePermission(ctx context.Context, p *Permission) error
	GetPermission(ctx context.Context, id string) (*Permission, error)
	ListPermissions(ctx context.Context) ([]*Permission, error)
	DeletePermission(ctx context.Context, id string) error
}

// RoleStore persists roles.
type RoleStore interface {
	CreateRole(ctx context.Context, r *Role) error
	GetRole(ctx context.Context, id string) (*Role, error)
	ListRoles(ctx context.Context) ([]*Role, error)
	UpdateRole(ctx context.Context, r *Role) error
	DeleteRole(ctx context.Context, id string) error
}

// SubjectStore persists subjects.
type SubjectStore interface {
	CreateSubject(ctx context.Context, s *Subject) error
	GetSubject(ctx context.Context, id string) (*Subject, error)
	ListSubjects(ctx context.Context) ([]*Subject, error)
	UpdateSubject(ctx context.Context, s *Subject) error
	DeleteSubject(ctx context.Context, id string) error
}

// RuleStore persists policy rules. ListRules must return rules in
// registration order so that priority ties resolve deterministically.
type RuleStore interface {
	CreateRule(ctx context.Context, r *PolicyRule) error
	GetRule(ctx context.Context, id string) (*PolicyRule, error)
	ListRules(ctx context.Context) ([]*PolicyRule, error)
	UpdateRule(ctx context.Context, r *PolicyRule) error
	DeleteRule(ctx context.Context, id string) error
}
