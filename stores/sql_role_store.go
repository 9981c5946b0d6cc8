package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oarkflow/rbac"
	"github.com/oarkflow/squealx"
)

// SQLRoleStore persists roles in SQL (squealx)
type SQLRoleStore struct {
	db *squealx.DB
}

func NewSQLRoleStore(db *squealx.DB) *SQLRoleStore {
	return &SQLRoleStore{db: db}
}

func (s *SQLRoleStore) CreateRole(ctx context.Context, r *rbac.Role) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	perms, _ := json.Marshal(r.Permissions)
	parents, _ := json.Marshal(r.Parents)
	q := `INSERT INTO roles(id, name, description, permissions_json, parents_json, created_at, updated_at) VALUES(:id, :name, :description, :permissions_json, :parents_json, :created_at, :updated_at)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":               r.ID,
		"name":             r.Name,
		"description":      r.Description,
		"permissions_json": string(perms),
		"parents_json":     string(parents),
		"created_at":       r.CreatedAt,
		"updated_at":       r.UpdatedAt,
	})
	return err
}

func (s *SQLRoleStore) UpdateRole(ctx context.Context, r *rbac.Role) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}
	perms, _ := json.Marshal(r.Permissions)
	parents, _ := json.Marshal(r.Parents)
	q := `UPDATE roles SET name=:name, description=:description, permissions_json=:permissions_json, parents_json=:parents_json, updated_at=:updated_at WHERE id=:id`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":               r.ID,
		"name":             r.Name,
		"description":      r.Description,
		"permissions_json": string(perms),
		"parents_json":     string(parents),
		"updated_at":       r.UpdatedAt,
	})
	return err
}

func (s *SQLRoleStore) DeleteRole(ctx context.Context, id string) error {
	q := `DELETE FROM roles WHERE id = :id`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": id})
	return err
}

func (s *SQLRoleStore) GetRole(ctx context.Context, id string) (*rbac.Role, error) {
	q := `SELECT id, name, description, permissions_json, parents_json, created_at, updated_at FROM roles WHERE id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, fmt.Errorf("role %s: %w", id, rbac.ErrNotFound)
	}
	return scanRole(r)
}

func (s *SQLRoleStore) ListRoles(ctx context.Context) ([]*rbac.Role, error) {
	q := `SELECT id, name, description, permissions_json, parents_json, created_at, updated_at FROM roles`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*rbac.Role, 0)
	for r.Next() {
		role, err := scanRole(r)
		if err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	return out, nil
}

func scanRole(r rowScanner) (*rbac.Role, error) {
	var id, name, description, permsJSON, parentsJSON string
	var createdRaw, updatedRaw interface{}
	if err := r.Scan(&id, &name, &description, &permsJSON, &parentsJSON, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	role := &rbac.Role{ID: id, Name: name, Description: description}
	_ = json.Unmarshal([]byte(permsJSON), &role.Permissions)
	_ = json.Unmarshal([]byte(parentsJSON), &role.Parents)
	role.CreatedAt = scanTime(createdRaw)
	role.UpdatedAt = scanTime(updatedRaw)
	return role, nil
}
