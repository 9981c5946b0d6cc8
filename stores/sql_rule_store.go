package stores

import (
	"context"
	"fmt"
	"time"

	"github.com/oarkflow/rbac"
	"github.com/oarkflow/squealx"
)

// SQLRuleStore persists policy rules in SQL (squealx). The seq column
// preserves registration order across restarts; ListRules returns rules in
// that order so priority ties resolve the same way every time.
type SQLRuleStore struct {
	db *squealx.DB
}

func NewSQLRuleStore(db *squealx.DB) *SQLRuleStore {
	return &SQLRuleStore{db: db}
}

func (s *SQLRuleStore) CreateRule(ctx context.Context, r *rbac.PolicyRule) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	q := `INSERT INTO rules(id, name, description, condition_text, effect, priority, active, created_at, updated_at) VALUES(:id, :name, :description, :condition_text, :effect, :priority, :active, :created_at, :updated_at)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":             r.ID,
		"name":           r.Name,
		"description":    r.Description,
		"condition_text": r.Condition,
		"effect":         string(r.Effect),
		"priority":       r.Priority,
		"active":         boolToInt(r.Active),
		"created_at":     r.CreatedAt,
		"updated_at":     r.UpdatedAt,
	})
	return err
}

func (s *SQLRuleStore) UpdateRule(ctx context.Context, r *rbac.PolicyRule) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}
	q := `UPDATE rules SET name=:name, description=:description, condition_text=:condition_text, effect=:effect, priority=:priority, active=:active, updated_at=:updated_at WHERE id=:id`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":             r.ID,
		"name":           r.Name,
		"description":    r.Description,
		"condition_text": r.Condition,
		"effect":         string(r.Effect),
		"priority":       r.Priority,
		"active":         boolToInt(r.Active),
		"updated_at":     r.UpdatedAt,
	})
	return err
}

func (s *SQLRuleStore) DeleteRule(ctx context.Context, id string) error {
	q := `DELETE FROM rules WHERE id = :id`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": id})
	return err
}

func (s *SQLRuleStore) GetRule(ctx context.Context, id string) (*rbac.PolicyRule, error) {
	q := `SELECT id, name, description, condition_text, effect, priority, active, created_at, updated_at FROM rules WHERE id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, fmt.Errorf("rule %s: %w", id, rbac.ErrNotFound)
	}
	return scanRule(r)
}

func (s *SQLRuleStore) ListRules(ctx context.Context) ([]*rbac.PolicyRule, error) {
	q := `SELECT id, name, description, condition_text, effect, priority, active, created_at, updated_at FROM rules ORDER BY seq ASC`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*rbac.PolicyRule, 0)
	for r.Next() {
		rule, err := scanRule(r)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, nil
}

func scanRule(r rowScanner) (*rbac.PolicyRule, error) {
	var id, name, description, condition, effect string
	var priority, activeInt int
	var createdRaw, updatedRaw interface{}
	if err := r.Scan(&id, &name, &description, &condition, &effect, &priority, &activeInt, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	rule := &rbac.PolicyRule{
		ID:          id,
		Name:        name,
		Description: description,
		Condition:   condition,
		Effect:      rbac.Effect(effect),
		Priority:    priority,
		Active:      activeInt != 0,
	}
	rule.CreatedAt = scanTime(createdRaw)
	rule.UpdatedAt = scanTime(updatedRaw)
	return rule, nil
}
