package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oarkflow/rbac"
	"github.com/oarkflow/squealx"
)

// SQLPermissionStore persists permissions in SQL (squealx)
type SQLPermissionStore struct {
	db *squealx.DB
}

func NewSQLPermissionStore(db *squealx.DB) *SQLPermissionStore {
	return &SQLPermissionStore{db: db}
}

func (s *SQLPermissionStore) CreatePermission(ctx context.Context, p *rbac.Permission) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	conditions, _ := json.Marshal(p.Conditions)
	q := `INSERT INTO permissions(id, resource, action, scope, description, conditions_json, created_at) VALUES(:id, :resource, :action, :scope, :description, :conditions_json, :created_at)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":              p.ID,
		"resource":        p.Resource,
		"action":          p.Action,
		"scope":           string(p.Scope),
		"description":     p.Description,
		"conditions_json": string(conditions),
		"created_at":      p.CreatedAt,
	})
	return err
}

func (s *SQLPermissionStore) GetPermission(ctx context.Context, id string) (*rbac.Permission, error) {
	q := `SELECT id, resource, action, scope, description, conditions_json, created_at FROM permissions WHERE id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, fmt.Errorf("permission %s: %w", id, rbac.ErrNotFound)
	}
	return scanPermission(r)
}

func (s *SQLPermissionStore) ListPermissions(ctx context.Context) ([]*rbac.Permission, error) {
	q := `SELECT id, resource, action, scope, description, conditions_json, created_at FROM permissions`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*rbac.Permission, 0)
	for r.Next() {
		p, err := scanPermission(r)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *SQLPermissionStore) DeletePermission(ctx context.Context, id string) error {
	q := `DELETE FROM permissions WHERE id = :id`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": id})
	return err
}

func scanPermission(r rowScanner) (*rbac.Permission, error) {
	var id, resource, action, scope, description, conditionsJSON string
	var createdRaw interface{}
	if err := r.Scan(&id, &resource, &action, &scope, &description, &conditionsJSON, &createdRaw); err != nil {
		return nil, err
	}
	p := &rbac.Permission{ID: id, Resource: resource, Action: action, Scope: rbac.PermissionScope(scope), Description: description}
	if conditionsJSON != "" && conditionsJSON != "{}" {
		_ = json.Unmarshal([]byte(conditionsJSON), &p.Conditions)
	}
	p.CreatedAt = scanTime(createdRaw)
	return p, nil
}
