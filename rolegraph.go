package rbac

import (
	"context"
	"fmt"
	"time"

	"github.com/oarkflow/rbac/logger"
)

// ============================================================================
// ROLE GRAPH RESOLUTION
// ============================================================================

// RoleGraph resolves the effective permission set of a subject: the union of
// permissions reachable through the subject's roles (including transitive
// parents) and any unexpired temporary grants. The role graph may contain
// cycles; traversal carries a visited set so resolution always terminates.
type RoleGraph struct {
	roles  RoleStore
	perms  PermissionStore
	logger logger.Logger
	now    func() time.Time
}

func NewRoleGraph(roles RoleStore, perms PermissionStore, log logger.Logger) *RoleGraph {
	if log == nil {
		log = logger.NewNullLogger()
	}
	return &RoleGraph{roles: roles, perms: perms, logger: log, now: time.Now}
}

// EffectivePermissions returns every permission the subject holds, with
// duplicates collapsed by permission ID. Temporary grants that have expired
// are skipped; a grant referencing a permission that no longer exists is
// skipped with a warning rather than failing the whole resolution.
func (g *RoleGraph) EffectivePermissions(ctx context.Context, subject *Subject) ([]*Permission, error) {
	if subject == nil {
		return nil, fmt.Errorf("effective permissions: nil subject")
	}
	seen := make(map[string]struct{})
	out := make([]*Permission, 0, 8)

	now := g.now()
	for i := range subject.TemporaryGrants {
		grant := &subject.TemporaryGrants[i]
		if grant.IsExpired(now) {
			continue
		}
		if _, dup := seen[grant.PermissionID]; dup {
			continue
		}
		perm, err := g.perms.GetPermission(ctx, grant.PermissionID)
		if err != nil {
			g.logger.Warn("temporary grant references missing permission",
				"subject", subject.ID, "permission", grant.PermissionID)
			continue
		}
		seen[grant.PermissionID] = struct{}{}
		out = append(out, perm)
	}

	visited := make(map[string]struct{})
	for _, roleID := range subject.Roles {
		resolved, err := g.resolveRole(ctx, roleID, visited, seen)
		if err != nil {
			return nil, err
		}
		out = append(out, resolved...)
	}
	return out, nil
}

// resolveRole collects the permissions of roleID and all ancestor roles.
// visited guards against inheritance cycles across the whole traversal.
func (g *RoleGraph) resolveRole(ctx context.Context, roleID string, visited, seen map[string]struct{}) ([]*Permission, error) {
	if _, done := visited[roleID]; done {
		return nil, nil
	}
	visited[roleID] = struct{}{}

	role, err := g.roles.GetRole(ctx, roleID)
	if err != nil {
		g.logger.Warn("role resolution skipped missing role", "role", roleID)
		return nil, nil
	}

	out := make([]*Permission, 0, len(role.Permissions))
	for _, permID := range role.Permissions {
		if _, dup := seen[permID]; dup {
			continue
		}
		perm, err := g.perms.GetPermission(ctx, permID)
		if err != nil {
			g.logger.Warn("role references missing permission", "role", roleID, "permission", permID)
			continue
		}
		seen[permID] = struct{}{}
		out = append(out, perm)
	}
	for _, parentID := range role.Parents {
		inherited, err := g.resolveRole(ctx, parentID, visited, seen)
		if err != nil {
			return nil, err
		}
		out = append(out, inherited...)
	}
	return out, nil
}

// HasPermission reports whether any of the subject's effective permissions
// covers the resource type and action.
func (g *RoleGraph) HasPermission(ctx context.Context, subject *Subject, resourceType, action string) (bool, []*Permission, error) {
	perms, err := g.EffectivePermissions(ctx, subject)
	if err != nil {
		return false, nil, err
	}
	matched := make([]*Permission, 0, 2)
	for _, p := range perms {
		if p.Matches(resourceType, action) {
			matched = append(matched, p)
		}
	}
	return len(matched) > 0, matched, nil
}
