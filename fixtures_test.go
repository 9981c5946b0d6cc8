package rbac

import (
	"context"
	"fmt"
	"sync"
)

// Minimal in-memory stores for exercising the engine in tests.

type memPermStore struct {
	mu    sync.RWMutex
	perms map[string]*Permission
}

func newMemPermStore() *memPermStore {
	return &memPermStore{perms: make(map[string]*Permission)}
}

func (s *memPermStore) CreatePermission(_ context.Context, p *Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.perms[p.ID]; ok {
		return fmt.Errorf("permission already exists: %s", p.ID)
	}
	s.perms[p.ID] = p
	return nil
}

func (s *memPermStore) GetPermission(_ context.Context, id string) (*Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.perms[id]
	if !ok {
		return nil, fmt.Errorf("permission %s: %w", id, ErrNotFound)
	}
	return p, nil
}

func (s *memPermStore) ListPermissions(_ context.Context) ([]*Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Permission, 0, len(s.perms))
	for _, p := range s.perms {
		out = append(out, p)
	}
	return out, nil
}

func (s *memPermStore) DeletePermission(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.perms, id)
	return nil
}

type memRoleStore struct {
	mu    sync.RWMutex
	roles map[string]*Role
}

func newMemRoleStore() *memRoleStore {
	return &memRoleStore{roles: make(map[string]*Role)}
}

func (s *memRoleStore) CreateRole(_ context.Context, r *Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles[r.ID] = r
	return nil
}

func (s *memRoleStore) GetRole(_ context.Context, id string) (*Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roles[id]
	if !ok {
		return nil, fmt.Errorf("role %s: %w", id, ErrNotFound)
	}
	return r, nil
}

func (s *memRoleStore) ListRoles(_ context.Context) ([]*Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Role, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, r)
	}
	return out, nil
}

func (s *memRoleStore) UpdateRole(_ context.Context, r *Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[r.ID]; !ok {
		return fmt.Errorf("role %s: %w", r.ID, ErrNotFound)
	}
	s.roles[r.ID] = r
	return nil
}

func (s *memRoleStore) DeleteRole(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.roles, id)
	return nil
}

type memSubjectStore struct {
	mu       sync.RWMutex
	subjects map[string]*Subject
}

func newMemSubjectStore() *memSubjectStore {
	return &memSubjectStore{subjects: make(map[string]*Subject)}
}

func (s *memSubjectStore) CreateSubject(_ context.Context, sub *Subject) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subjects[sub.ID] = sub
	return nil
}

func (s *memSubjectStore) GetSubject(_ context.Context, id string) (*Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subjects[id]
	if !ok {
		return nil, fmt.Errorf("subject %s: %w", id, ErrNotFound)
	}
	cop := *sub
	cop.Roles = append([]string(nil), sub.Roles...)
	cop.TemporaryGrants = append([]TemporaryGrant(nil), sub.TemporaryGrants...)
	return &cop, nil
}

func (s *memSubjectStore) ListSubjects(_ context.Context) ([]*Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Subject, 0, len(s.subjects))
	for _, sub := range s.subjects {
		out = append(out, sub)
	}
	return out, nil
}

func (s *memSubjectStore) UpdateSubject(_ context.Context, sub *Subject) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subjects[sub.ID]; !ok {
		return fmt.Errorf("subject %s: %w", sub.ID, ErrNotFound)
	}
	s.subjects[sub.ID] = sub
	return nil
}

func (s *memSubjectStore) DeleteSubject(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subjects, id)
	return nil
}

type memRuleStore struct {
	mu    sync.RWMutex
	order []*PolicyRule
	index map[string]int
}

func newMemRuleStore() *memRuleStore {
	return &memRuleStore{index: make(map[string]int)}
}

func (s *memRuleStore) CreateRule(_ context.Context, r *PolicyRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[r.ID]; ok {
		return fmt.Errorf("rule already exists: %s", r.ID)
	}
	s.index[r.ID] = len(s.order)
	s.order = append(s.order, r)
	return nil
}

func (s *memRuleStore) GetRule(_ context.Context, id string) (*PolicyRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[id]
	if !ok {
		return nil, fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	return s.order[i], nil
}

func (s *memRuleStore) ListRules(_ context.Context) ([]*PolicyRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*PolicyRule, len(s.order))
	copy(out, s.order)
	return out, nil
}

func (s *memRuleStore) UpdateRule(_ context.Context, r *PolicyRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[r.ID]
	if !ok {
		return fmt.Errorf("rule %s: %w", r.ID, ErrNotFound)
	}
	s.order[i] = r
	return nil
}

func (s *memRuleStore) DeleteRule(_ context.Context, id string) error {
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

type memSessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*SecurityContext
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{sessions: make(map[string]*SecurityContext)}
}

func (s *memSessionStore) SaveContext(_ context.Context, sc *SecurityContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cop := *sc
	s.sessions[sc.SessionID] = &cop
	return nil
}

func (s *memSessionStore) GetContext(_ context.Context, sessionID string) (*SecurityContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	cop := *sc
	return &cop, nil
}

func (s *memSessionStore) DeleteContext(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}
