package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oarkflow/rbac"
	"github.com/oarkflow/squealx"
)

// SQLSubjectStore persists subjects in SQL (squealx)
type SQLSubjectStore struct {
	db *squealx.DB
}

func NewSQLSubjectStore(db *squealx.DB) *SQLSubjectStore {
	return &SQLSubjectStore{db: db}
}

func (s *SQLSubjectStore) CreateSubject(ctx context.Context, subject *rbac.Subject) error {
	if subject.CreatedAt.IsZero() {
		subject.CreatedAt = time.Now()
	}
	if subject.UpdatedAt.IsZero() {
		subject.UpdatedAt = subject.CreatedAt
	}
	roles, _ := json.Marshal(subject.Roles)
	attrs, _ := json.Marshal(subject.Attributes)
	grants, _ := json.Marshal(subject.TemporaryGrants)
	q := `INSERT INTO subjects(id, kind, roles_json, attributes_json, grants_json, created_at, updated_at) VALUES(:id, :kind, :roles_json, :attributes_json, :grants_json, :created_at, :updated_at)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":              subject.ID,
		"kind":            string(subject.Kind),
		"roles_json":      string(roles),
		"attributes_json": string(attrs),
		"grants_json":     string(grants),
		"created_at":      subject.CreatedAt,
		"updated_at":      subject.UpdatedAt,
	})
	return err
}

func (s *SQLSubjectStore) UpdateSubject(ctx context.Context, subject *rbac.Subject) error {
	if subject.UpdatedAt.IsZero() {
		subject.UpdatedAt = time.Now()
	}
	roles, _ := json.Marshal(subject.Roles)
	attrs, _ := json.Marshal(subject.Attributes)
	grants, _ := json.Marshal(subject.TemporaryGrants)
	q := `UPDATE subjects SET kind=:kind, roles_json=:roles_json, attributes_json=:attributes_json, grants_json=:grants_json, updated_at=:updated_at WHERE id=:id`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":              subject.ID,
		"kind":            string(subject.Kind),
		"roles_json":      string(roles),
		"attributes_json": string(attrs),
		"grants_json":     string(grants),
		"updated_at":      subject.UpdatedAt,
	})
	return err
}

func (s *SQLSubjectStore) DeleteSubject(ctx context.Context, id string) error {
	q := `DELETE FROM subjects WHERE id = :id`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": id})
	return err
}

func (s *SQLSubjectStore) GetSubject(ctx context.Context, id string) (*rbac.Subject, error) {
	q := `SELECT id, kind, roles_json, attributes_json, grants_json, created_at, updated_at FROM subjects WHERE id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, fmt.Errorf("subject %s: %w", id, rbac.ErrNotFound)
	}
	return scanSubject(r)
}

func (s *SQLSubjectStore) ListSubjects(ctx context.Context) ([]*rbac.Subject, error) {
	q := `SELECT id, kind, roles_json, attributes_json, grants_json, created_at, updated_at FROM subjects`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*rbac.Subject, 0)
	for r.Next() {
		subject, err := scanSubject(r)
		if err != nil {
			return nil, err
		}
		out = append(out, subject)
	}
	return out, nil
}

func scanSubject(r rowScanner) (*rbac.Subject, error) {
	var id, kind, rolesJSON, attrsJSON, grantsJSON string
	var createdRaw, updatedRaw interface{}
	if err := r.Scan(&id, &kind, &rolesJSON, &attrsJSON, &grantsJSON, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	subject := &rbac.Subject{ID: id, Kind: rbac.SubjectKind(kind)}
	_ = json.Unmarshal([]byte(rolesJSON), &subject.Roles)
	_ = json.Unmarshal([]byte(attrsJSON), &subject.Attributes)
	_ = json.Unmarshal([]byte(grantsJSON), &subject.TemporaryGrants)
	subject.CreatedAt = scanTime(createdRaw)
	subject.UpdatedAt = scanTime(updatedRaw)
	return subject, nil
}
