// Package mem provides an in-memory auth.Store used by dev mode and tests.
// It mirrors the PostgreSQL store's semantics: sentinel errors, write-through
// permission lists, soft-deleted roles.
package mem

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"backplane.org/internal/auth"
	"backplane.org/internal/ids"
)

// Store is a mutex-guarded in-memory implementation of auth.Store.
type Store struct {
	mu sync.RWMutex

	users       map[string]*auth.User
	roles       map[string]*auth.Role
	permissions map[string]*auth.Permission
	rolePerms   map[string]map[string]struct{} // roleID -> permissionID set
}

var _ auth.Store = (*Store)(nil)

// New constructs an empty Store.
func New() *Store {
	return &Store{
		users:       make(map[string]*auth.User),
		roles:       make(map[string]*auth.Role),
		permissions: make(map[string]*auth.Permission),
		rolePerms:   make(map[string]map[string]struct{}),
	}
}

func (s *Store) Users(context.Context) auth.UserStore             { return (*userStore)(s) }
func (s *Store) Roles(context.Context) auth.RoleStore             { return (*roleStore)(s) }
func (s *Store) Permissions(context.Context) auth.PermissionStore { return (*permissionStore)(s) }

// User store ---------------------------------------------------------------

type userStore Store

func (s *userStore) Create(_ context.Context, u *auth.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Username == u.Username || existing.Email == u.Email {
			return auth.ErrConflict
		}
	}
	if u.ID == "" {
		u.ID = ids.New()
	}
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now
	clone := *u
	s.users[u.ID] = &clone
	return nil
}

func (s *userStore) Find(_ context.Context, id string) (*auth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	clone := *u
	return &clone, nil
}

func (s *userStore) FindByUsername(_ context.Context, username string) (*auth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Username == username {
			clone := *u
			return &clone, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (s *userStore) List(_ context.Context) ([]*auth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*auth.User, 0, len(s.users))
	for _, u := range s.users {
		clone := *u
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *userStore) UpdatePassword(_ context.Context, userID, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return auth.ErrNotFound
	}
	u.PasswordHash = passwordHash
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *userStore) SetOTP(_ context.Context, userID, secret string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return auth.ErrNotFound
	}
	u.OTPSecret = secret
	u.OTPEnabled = enabled
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *userStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		return auth.ErrNotFound
	}
	delete(s.users, id)
	return nil
}

// Role store ---------------------------------------------------------------

type roleStore Store

func (s *roleStore) Create(_ context.Context, role *auth.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.roles {
		if existing.Name == role.Name && existing.DeletedAt == nil {
			return auth.ErrConflict
		}
	}
	if role.ID == "" {
		role.ID = ids.New()
	}
	now := time.Now().UTC()
	role.CreatedAt = now
	role.UpdatedAt = now
	clone := cloneRole(role)
	s.roles[role.ID] = clone
	s.rolePerms[role.ID] = make(map[string]struct{})
	return nil
}

func (s *roleStore) Find(_ context.Context, id string) (*auth.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	role, ok := s.roles[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return cloneRole(role), nil
}

func (s *roleStore) FindByName(_ context.Context, name string) (*auth.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, role := range s.roles {
		if role.Name == name && role.DeletedAt == nil {
			return cloneRole(role), nil
		}
	}
	return nil, auth.ErrNotFound
}

func (s *roleStore) List(_ context.Context) ([]*auth.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*auth.Role, 0, len(s.roles))
	for _, role := range s.roles {
		if role.DeletedAt != nil {
			continue
		}
		out = append(out, cloneRole(role))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *roleStore) Update(_ context.Context, role *auth.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.roles[role.ID]
	if !ok || existing.DeletedAt != nil {
		return auth.ErrNotFound
	}
	existing.Name = role.Name
	existing.Description = role.Description
	existing.Level = role.Level
	existing.Disabled = role.Disabled
	existing.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *roleStore) SoftDelete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	role, ok := s.roles[id]
	if !ok || role.DeletedAt != nil {
		return auth.ErrNotFound
	}
	now := time.Now().UTC()
	role.DeletedAt = &now
	return nil
}

func (s *roleStore) SetPermissions(_ context.Context, roleID string, permissionIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	role, ok := s.roles[roleID]
	if !ok || role.DeletedAt != nil {
		return auth.ErrNotFound
	}
	set := make(map[string]struct{}, len(permissionIDs))
	list := make([]string, 0, len(permissionIDs))
	for _, id := range permissionIDs {
		if _, dup := set[id]; dup {
			continue
		}
		set[id] = struct{}{}
		list = append(list, id)
	}
	s.rolePerms[roleID] = set
	role.PermissionIDs = list
	role.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *roleStore) HasPermission(_ context.Context, roleID, permissionID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.rolePerms[roleID]
	if !ok {
		return false, nil
	}
	_, held := set[permissionID]
	return held, nil
}

func (s *roleStore) PermissionIDs(_ context.Context, roleID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.rolePerms[roleID]
	if !ok {
		return nil, nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// Permission store ----------------------------------------------------------

type permissionStore Store

func (s *permissionStore) Ensure(_ context.Context, perms []auth.Permission) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, perm := range perms {
		if s.findLocked(perm.Name, perm.Action, perm.Surface) != nil {
			continue
		}
		p := perm
		if p.ID == "" {
			p.ID = ids.New()
		}
		p.CreatedAt = time.Now().UTC()
		s.permissions[p.ID] = &p
		inserted++
	}
	return inserted, nil
}

func (s *permissionStore) FindByOperation(_ context.Context, name, action string, surface auth.Surface) (*auth.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := s.findLocked(name, action, surface)
	if p == nil {
		return nil, auth.ErrNotFound
	}
	clone := *p
	return &clone, nil
}

func (s *permissionStore) List(_ context.Context, surface auth.Surface) ([]auth.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]auth.Permission, 0, len(s.permissions))
	for _, p := range s.permissions {
		if p.DeletedAt != nil {
			continue
		}
		if surface != "" && p.Surface != surface {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *permissionStore) IDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.permissions))
	for id, p := range s.permissions {
		if p.DeletedAt != nil {
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *permissionStore) findLocked(name, action string, surface auth.Surface) *auth.Permission {
	for _, p := range s.permissions {
		if p.DeletedAt == nil && p.Name == name && p.Action == action && p.Surface == surface {
			return p
		}
	}
	return nil
}

func cloneRole(role *auth.Role) *auth.Role {
	clone := *role
	clone.PermissionIDs = slices.Clone(role.PermissionIDs)
	if role.DeletedAt != nil {
		t := *role.DeletedAt
		clone.DeletedAt = &t
	}
	return &clone
}
