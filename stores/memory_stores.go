package stores

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oarkflow/rbac"
)

// MemoryPermissionStore implements permission persistence in-memory for testing/demo
type MemoryPermissionStore struct {
	mu    sync.RWMutex
	perms map[string]*rbac.Permission
}

func NewMemoryPermissionStore() *MemoryPermissionStore {
	return &MemoryPermissionStore{perms: make(map[string]*rbac.Permission)}
}

func (s *MemoryPermissionStore) CreatePermission(ctx context.Context, p *rbac.Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.perms[p.ID]; exists {
		return fmt.Errorf("permission already exists: %s", p.ID)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	s.perms[p.ID] = p
	return nil
}

func (s *MemoryPermissionStore) GetPermission(ctx context.Context, id string) (*rbac.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.perms[id]
	if !ok {
		return nil, fmt.Errorf("permission %s: %w", id, rbac.ErrNotFound)
	}
	return p, nil
}

func (s *MemoryPermissionStore) ListPermissions(ctx context.Context) ([]*rbac.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*rbac.Permission, 0, len(s.perms))
	for _, p := range s.perms {
		result = append(result, p)
	}
	return result, nil
}

func (s *MemoryPermissionStore) DeletePermission(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.perms, id)
	return nil
}

// MemoryRoleStore implements in-memory role persistence
type MemoryRoleStore struct {
	mu    sync.RWMutex
	roles map[string]*rbac.Role
}

func NewMemoryRoleStore() *MemoryRoleStore {
	return &MemoryRoleStore{roles: make(map[string]*rbac.Role)}
}

func (s *MemoryRoleStore) CreateRole(ctx context.Context, r *rbac.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.roles[r.ID]; exists {
		return fmt.Errorf("role already exists: %s", r.ID)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	s.roles[r.ID] = r
	return nil
}

func (s *MemoryRoleStore) UpdateRole(ctx context.Context, r *rbac.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[r.ID]; !ok {
		return fmt.Errorf("role %s: %w", r.ID, rbac.ErrNotFound)
	}
	s.roles[r.ID] = r
	return nil
}

func (s *MemoryRoleStore) DeleteRole(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.roles, id)
	return nil
}

func (s *MemoryRoleStore) GetRole(ctx context.Context, id string) (*rbac.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roles[id]
	if !ok {
		return nil, fmt.Errorf("role %s: %w", id, rbac.ErrNotFound)
	}
	return r, nil
}

func (s *MemoryRoleStore) ListRoles(ctx context.Context) ([]*rbac.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*rbac.Role, 0, len(s.roles))
	for _, r := range s.roles {
		result = append(result, r)
	}
	return result, nil
}

// MemorySubjectStore implements in-memory subject persistence
type MemorySubjectStore struct {
	mu       sync.RWMutex
	subjects map[string]*rbac.Subject
}

func NewMemorySubjectStore() *MemorySubjectStore {
	return &MemorySubjectStore{subjects: make(map[string]*rbac.Subject)}
}

func (s *MemorySubjectStore) CreateSubject(ctx context.Context, subject *rbac.Subject) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.subjects[subject.ID]; exists {
		return fmt.Errorf("subject already exists: %s", subject.ID)
	}
	if subject.CreatedAt.IsZero() {
		subject.CreatedAt = time.Now()
	}
	s.subjects[subject.ID] = subject
	return nil
}

func (s *MemorySubjectStore) GetSubject(ctx context.Context, id string) (*rbac.Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	subject, ok := s.subjects[id]
	if !ok {
		return nil, fmt.Errorf("subject %s: %w", id, rbac.ErrNotFound)
	}
	// Return a copy so callers can mutate roles and grants before updating
	cop := *subject
	cop.Roles = append([]string(nil), subject.Roles...)
	cop.TemporaryGrants = append([]rbac.TemporaryGrant(nil), subject.TemporaryGrants...)
	return &cop, nil
}

func (s *MemorySubjectStore) ListSubjects(ctx context.Context) ([]*rbac.Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*rbac.Subject, 0, len(s.subjects))
	for _, subject := range s.subjects {
		cop := *subject
		result = append(result, &cop)
	}
	return result, nil
}

func (s *MemorySubjectStore) UpdateSubject(ctx context.Context, subject *rbac.Subject) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subjects[subject.ID]; !ok {
		return fmt.Errorf("subject %s: %w", subject.ID, rbac.ErrNotFound)
	}
	s.subjects[subject.ID] = subject
	return nil
}

func (s *MemorySubjectStore) DeleteSubject(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subjects, id)
	return nil
}

// MemoryRuleStore implements in-memory rule persistence. Rules keep their
// registration order, which the policy engine relies on for tie-breaking.
type MemoryRuleStore struct {
	mu    sync.RWMutex
	order []*rbac.PolicyRule
	index map[string]int
}

func NewMemoryRuleStore() *MemoryRuleStore {
	return &MemoryRuleStore{index: make(map[string]int)}
}

func (s *MemoryRuleStore) CreateRule(ctx context.Context, r *rbac.PolicyRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.index[r.ID]; exists {
		return fmt.Errorf("rule already exists: %s", r.ID)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	s.index[r.ID] = len(s.order)
	s.order = append(s.order, r)
	return nil
}

func (s *MemoryRuleStore) GetRule(ctx context.Context, id string) (*rbac.PolicyRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[id]
	if !ok {
		return nil, fmt.Errorf("rule %s: %w", id, rbac.ErrNotFound)
	}
	return s.order[i], nil
}

func (s *MemoryRuleStore) ListRules(ctx context.Context) ([]*rbac.PolicyRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*rbac.PolicyRule, len(s.order))
	copy(result, s.order)
	return result, nil
}

func (s *MemoryRuleStore) UpdateRule(ctx context.Context, r *rbac.PolicyRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[r.ID]
	if !ok {
		return fmt.Errorf("rule %s: %w", r.ID, rbac.ErrNotFound)
	}
	// Update in place so the rule keeps its registration slot
	s.order[i] = r
	return nil
}

func (s *MemoryRuleStore) DeleteRule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[id]
	if !ok {
		return nil
	}
	s.order = append(s.order[:i], s.order[i+1:]...)
	delete(s.index, id)
	for j := i; j < len(s.order); j++ {
		s.index[s.order[j].ID] = j
	}
	return nil
}

// MemorySessionStore implements in-memory security context persistence
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*rbac.SecurityContext
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]*rbac.SecurityContext)}
}

func (s *MemorySessionStore) SaveContext(ctx context.Context, sc *rbac.SecurityContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cop := *sc
	s.sessions[sc.SessionID] = &cop
	return nil
}

func (s *MemorySessionStore) GetContext(ctx context.Context, sessionID string) (*rbac.SecurityContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, rbac.ErrNotFound)
	}
	cop := *sc
	return &cop, nil
}

func (s *MemorySessionStore) DeleteContext(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}
