package auth

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"lexdesk.org/internal/ids"
	"lexdesk.org/internal/mail"
)

// memStore is an in-memory Store used by the package tests.
type memStore struct {
	mu        sync.Mutex
	users     map[string]*User
	roles     map[string]*Role
	perms     map[string]Permission
	rolePerms map[string][]string
	findErr   error
	// findHook runs before Users().Find, outside the lock.
	findHook func(ctx context.Context) error
}

func newMemStore() *memStore {
	return &memStore{
		users:     map[string]*User{},
		roles:     map[string]*Role{},
		perms:     map[string]Permission{},
		rolePerms: map[string][]string{},
	}
}

func (m *memStore) Users() UserStore             { return memUsers{m} }
func (m *memStore) Roles() RoleStore             { return memRoles{m} }
func (m *memStore) Permissions() PermissionStore { return memPerms{m} }

func clone(u *User) *User {
	c := *u
	return &c
}

type memUsers struct{ m *memStore }

func (s memUsers) Create(_ context.Context, u *User) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, existing := range s.m.users {
		if existing.Email == u.Email {
			return ErrConflict
		}
	}
	if u.ID == "" {
		u.ID = ids.New()
	}
	now := time.Now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now
	s.m.users[u.ID] = clone(u)
	return nil
}

func (s memUsers) find(match func(*User) bool) (*User, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if s.m.findErr != nil {
		return nil, s.m.findErr
	}
	for _, u := range s.m.users {
		if match(u) {
			c := clone(u)
			if r, ok := s.m.roles[c.RoleID]; ok {
				c.RoleName = r.Name
			}
			return c, nil
		}
	}
	return nil, ErrNotFound
}

func (s memUsers) Find(ctx context.Context, id string) (*User, error) {
	if hook := s.m.findHook; hook != nil {
		if err := hook(ctx); err != nil {
			return nil, err
		}
	}
	return s.find(func(u *User) bool { return u.ID == id })
}

func (s memUsers) FindByEmail(_ context.Context, email string) (*User, error) {
	return s.find(func(u *User) bool { return u.Email == email })
}

func (s memUsers) FindByVerificationHash(_ context.Context, hash string) (*User, error) {
	return s.find(func(u *User) bool { return hash != "" && u.VerificationTokenHash == hash })
}

func (s memUsers) FindByResetHash(_ context.Context, hash string) (*User, error) {
	return s.find(func(u *User) bool { return hash != "" && u.ResetTokenHash == hash })
}

func (s memUsers) update(id string, fn func(*User) error) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	u, ok := s.m.users[id]
	if !ok {
		return ErrNotFound
	}
	if err := fn(u); err != nil {
		return err
	}
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (s memUsers) SetVerificationToken(_ context.Context, id, hash string, exp time.Time) error {
	return s.update(id, func(u *User) error {
		u.VerificationTokenHash, u.VerificationTokenExpiry = hash, &exp
		return nil
	})
}

func (s memUsers) SetResetToken(_ context.Context, id, hash string, exp time.Time) error {
	return s.update(id, func(u *User) error {
		u.ResetTokenHash, u.ResetTokenExpiry = hash, &exp
		return nil
	})
}

func (s memUsers) ConsumeVerification(_ context.Context, id, hash string) error {
	return s.update(id, func(u *User) error {
		if u.VerificationTokenHash != hash {
			return ErrNotFound
		}
		u.IsVerified = true
		u.VerificationTokenHash, u.VerificationTokenExpiry = "", nil
		return nil
	})
}

func (s memUsers) ConsumePasswordReset(_ context.Context, id, hash, passwordHash string) (int64, error) {
	var gen int64
	err := s.update(id, func(u *User) error {
		if u.ResetTokenHash != hash {
			return ErrNotFound
		}
		u.ResetTokenHash, u.ResetTokenExpiry = "", nil
		u.PasswordHash = passwordHash
		u.TokenGeneration++
		gen = u.TokenGeneration
		return nil
	})
	return gen, err
}

func (s memUsers) SetPassword(_ context.Context, id, passwordHash string) (int64, error) {
	var gen int64
	err := s.update(id, func(u *User) error {
		u.PasswordHash = passwordHash
		u.TokenGeneration++
		gen = u.TokenGeneration
		return nil
	})
	return gen, err
}

func (s memUsers) IncrementTokenGeneration(_ context.Context, id string) (int64, error) {
	var gen int64
	err := s.update(id, func(u *User) error {
		u.TokenGeneration++
		gen = u.TokenGeneration
		return nil
	})
	return gen, err
}

func (s memUsers) List(_ context.Context, q UserQuery) ([]*User, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	out := []*User{}
	for _, u := range s.m.users {
		if q.RoleID == "" || u.RoleID == q.RoleID {
			out = append(out, clone(u))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	if q.Offset >= len(out) {
		return []*User{}, nil
	}
	out = out[q.Offset:]
	if q.Limit > 0 && q.Limit < len(out) {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s memUsers) Update(ctx context.Context, id string, patch UserPatch) (*User, error) {
	s.m.mu.Lock()
	if patch.RoleID != nil {
		if _, ok := s.m.roles[*patch.RoleID]; !ok {
			s.m.mu.Unlock()
			return nil, ErrNotFound
		}
	}
	if patch.Email != nil {
		for _, u := range s.m.users {
			if u.ID != id && u.Email == *patch.Email {
				s.m.mu.Unlock()
				return nil, ErrConflict
			}
		}
	}
	s.m.mu.Unlock()
	err := s.update(id, func(u *User) error {
		if patch.Name != nil {
			u.Name = *patch.Name
		}
		if patch.Email != nil {
			u.Email = *patch.Email
		}
		if patch.RoleID != nil {
			u.RoleID = *patch.RoleID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.find(func(u *User) bool { return u.ID == id })
}

func (s memUsers) Delete(_ context.Context, id string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.users[id]; !ok {
		return ErrNotFound
	}
	delete(s.m.users, id)
	return nil
}

type memRoles struct{ m *memStore }

func (s memRoles) Create(_ context.Context, r *Role) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, existing := range s.m.roles {
		if existing.Name == r.Name {
			return ErrConflict
		}
	}
	for _, name := range r.Permissions {
		if _, ok := s.m.perms[name]; !ok {
			return ErrInvalidInput
		}
	}
	id := r.ID
	if id == "" {
		id = ids.New()
	}
	r.ID = id
	c := *r
	c.Permissions = nil
	s.m.roles[id] = &c
	s.m.rolePerms[id] = append([]string(nil), r.Permissions...)
	return nil
}

func (s memRoles) Find(_ context.Context, id string) (*Role, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	r, ok := s.m.roles[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *r
	c.Permissions = append([]string(nil), s.m.rolePerms[id]...)
	return &c, nil
}

func (s memRoles) FindByName(ctx context.Context, name string) (*Role, error) {
	s.m.mu.Lock()
	var id string
	for _, r := range s.m.roles {
		if r.Name == name {
			id = r.ID
		}
	}
	s.m.mu.Unlock()
	if id == "" {
		return nil, ErrNotFound
	}
	return s.Find(ctx, id)
}

func (s memRoles) List(ctx context.Context) ([]*Role, error) {
	s.m.mu.Lock()
	keys := make([]string, 0, len(s.m.roles))
	for id := range s.m.roles {
		keys = append(keys, id)
	}
	s.m.mu.Unlock()
	sort.Strings(keys)
	out := make([]*Role, 0, len(keys))
	for _, id := range keys {
		r, err := s.Find(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (s memRoles) Delete(_ context.Context, id string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.roles[id]; !ok {
		return ErrNotFound
	}
	for _, u := range s.m.users {
		if u.RoleID == id {
			return ErrConflict
		}
	}
	delete(s.m.roles, id)
	delete(s.m.rolePerms, id)
	return nil
}

func (s memRoles) SetPermissions(_ context.Context, id string, names []string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.roles[id]; !ok {
		return ErrNotFound
	}
	s.m.rolePerms[id] = append([]string(nil), names...)
	return nil
}

type memPerms struct{ m *memStore }

func (s memPerms) Create(_ context.Context, p *Permission) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.perms[p.Name]; ok {
		return ErrConflict
	}
	if p.ID == "" {
		p.ID = ids.New()
	}
	s.m.perms[p.Name] = *p
	return nil
}

func (s memPerms) Ensure(ctx context.Context, perms []Permission) error {
	for _, p := range perms {
		p := p
		if err := s.Create(ctx, &p); err != nil && !errors.Is(err, ErrConflict) {
			return err
		}
	}
	return nil
}

func (s memPerms) List(_ context.Context) ([]Permission, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	out := make([]Permission, 0, len(s.m.perms))
	for _, p := range s.m.perms {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s memPerms) Find(_ context.Context, id string) (*Permission, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, p := range s.m.perms {
		if p.ID == id {
			c := p
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (s memPerms) Update(_ context.Context, perm *Permission) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var old Permission
	found := false
	for _, p := range s.m.perms {
		if p.ID == perm.ID {
			old, found = p, true
		}
	}
	if !found {
		return ErrNotFound
	}
	if existing, ok := s.m.perms[perm.Name]; ok && existing.ID != perm.ID {
		return ErrConflict
	}
	delete(s.m.perms, old.Name)
	perm.CreatedAt = old.CreatedAt
	s.m.perms[perm.Name] = *perm
	for roleID, names := range s.m.rolePerms {
		for i, n := range names {
			if n == old.Name {
				s.m.rolePerms[roleID][i] = perm.Name
			}
		}
	}
	return nil
}

func (s memPerms) Delete(_ context.Context, id string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for name, p := range s.m.perms {
		if p.ID != id {
			continue
		}
		delete(s.m.perms, name)
		for roleID, names := range s.m.rolePerms {
			kept := names[:0:0]
			for _, n := range names {
				if n != name {
					kept = append(kept, n)
				}
			}
			s.m.rolePerms[roleID] = kept
		}
		return nil
	}
	return ErrNotFound
}

func (s memPerms) NamesForRole(_ context.Context, roleID string) ([]string, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.roles[roleID]; !ok {
		return nil, ErrNotFound
	}
	return append([]string(nil), s.m.rolePerms[roleID]...), nil
}

// recordingMailer captures outbound mail.
type recordingMailer struct {
	mu   sync.Mutex
	sent []mail.Message
}

func (r *recordingMailer) Send(_ context.Context, msg mail.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recordingMailer) messages() []mail.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]mail.Message(nil), r.sent...)
}

// recordingAudit captures audit entries.
type recordingAudit struct {
	mu      sync.Mutex
	entries []AuditEntry
	err     error
}

func (r *recordingAudit) Record(_ context.Context, e AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.entries = append(r.entries, e)
	return nil
}
