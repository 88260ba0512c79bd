package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"lexdesk.org/internal/auth"
	"lexdesk.org/internal/tokenstore"
)

// stubStore covers the lookups the HTTP layer reaches. Unused methods panic
// through the embedded nil interfaces.
type stubStore struct {
	mu    sync.Mutex
	users map[string]*auth.User
	roles map[string]*auth.Role
}

func (s *stubStore) Users() auth.UserStore             { return stubUsers{s: s} }
func (s *stubStore) Roles() auth.RoleStore             { return stubRoles{s: s} }
func (s *stubStore) Permissions() auth.PermissionStore { return stubPerms{s: s} }

type stubUsers struct {
	auth.UserStore
	s *stubStore
}

func (u stubUsers) Find(_ context.Context, id string) (*auth.User, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	if user, ok := u.s.users[id]; ok {
		c := *user
		return &c, nil
	}
	return nil, auth.ErrNotFound
}

func (u stubUsers) FindByEmail(_ context.Context, email string) (*auth.User, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	for _, user := range u.s.users {
		if user.Email == email {
			c := *user
			return &c, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (u stubUsers) List(_ context.Context, q auth.UserQuery) ([]*auth.User, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	out := []*auth.User{}
	for _, user := range u.s.users {
		if q.RoleID == "" || user.RoleID == q.RoleID {
			c := *user
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if q.Limit > 0 && q.Limit < len(out) {
		out = out[:q.Limit]
	}
	return out, nil
}

func (u stubUsers) Update(_ context.Context, id string, patch auth.UserPatch) (*auth.User, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	user, ok := u.s.users[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	if patch.RoleID != nil {
		if _, ok := u.s.roles[*patch.RoleID]; !ok {
			return nil, auth.ErrNotFound
		}
		user.RoleID = *patch.RoleID
	}
	if patch.Name != nil {
		user.Name = *patch.Name
	}
	if patch.Email != nil {
		user.Email = *patch.Email
	}
	c := *user
	return &c, nil
}

func (u stubUsers) Delete(_ context.Context, id string) error {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	if _, ok := u.s.users[id]; !ok {
		return auth.ErrNotFound
	}
	delete(u.s.users, id)
	return nil
}

type stubRoles struct {
	auth.RoleStore
	s *stubStore
}

func (r stubRoles) Find(_ context.Context, id string) (*auth.Role, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if role, ok := r.s.roles[id]; ok {
		return role, nil
	}
	return nil, auth.ErrNotFound
}

func (r stubRoles) List(_ context.Context) ([]*auth.Role, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]*auth.Role, 0, len(r.s.roles))
	for _, role := range r.s.roles {
		out = append(out, role)
	}
	return out, nil
}

type stubPerms struct {
	auth.PermissionStore
	s *stubStore
}

func (p stubPerms) NamesForRole(_ context.Context, roleID string) ([]string, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	if role, ok := p.s.roles[roleID]; ok {
		return role.Permissions, nil
	}
	return nil, auth.ErrNotFound
}

func (p stubPerms) List(_ context.Context) ([]auth.Permission, error) {
	out := make([]auth.Permission, 0, len(auth.BuiltinPermissions))
	for i, perm := range auth.BuiltinPermissions {
		perm.ID = fmt.Sprintf("p%d", i)
		out = append(out, perm)
	}
	return out, nil
}

func (p stubPerms) Find(ctx context.Context, id string) (*auth.Permission, error) {
	perms, _ := p.List(ctx)
	for _, perm := range perms {
		if perm.ID == id {
			return &perm, nil
		}
	}
	return nil, auth.ErrNotFound
}

// stubAuditLog answers GET /v1/audit and remembers the query it was given.
type stubAuditLog struct {
	mu      sync.Mutex
	entries []auth.AuditEntry
	last    auth.AuditQuery
}

func (l *stubAuditLog) List(_ context.Context, q auth.AuditQuery) ([]auth.AuditEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.last = q
	return l.entries, nil
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type testAPI struct {
	t     *testing.T
	api   *API
	srv   *httptest.Server
	store *stubStore
	mr    *miniredis.Miniredis
}

func newTestAPI(t *testing.T, opts ...Option) *testAPI {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	tokens := tokenstore.New(rdb)

	store := &stubStore{
		users: map[string]*auth.User{},
		roles: map[string]*auth.Role{
			"r-admin":  {ID: "r-admin", Name: auth.RoleAdmin, Permissions: auth.DefaultRoles[auth.RoleAdmin]},
			"r-client": {ID: "r-client", Name: auth.RoleClient, Permissions: auth.DefaultRoles[auth.RoleClient]},
		},
	}
	resolver := auth.NewResolver(store)
	svc, err := auth.NewService(store, auth.NewTokenCodec("access-secret", "refresh-secret"), tokens,
		auth.WithResolver(resolver), auth.WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	rbac, err := auth.NewRBACService(store, resolver)
	if err != nil {
		t.Fatalf("NewRBACService: %v", err)
	}

	opts = append([]Option{WithLogger(zap.NewNop()), WithRateLimit(100, 100)}, opts...)
	api := New(svc, rbac, ReadyCheck{Redis: tokens}, opts...)
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(func() {
		srv.Close()
		rdb.Close()
		mr.Close()
	})
	return &testAPI{t: t, api: api, srv: srv, store: store, mr: mr}
}

func (c *testAPI) addUser(id, email, password, roleID string, verified bool) {
	c.t.Helper()
	hash, err := auth.HashPassword(password)
	if err != nil {
		c.t.Fatalf("HashPassword: %v", err)
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	c.store.users[id] = &auth.User{ID: id, Name: id, Email: email, PasswordHash: hash, RoleID: roleID, IsVerified: verified}
}

func (c *testAPI) do(method, path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.srv.URL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.srv.Client().Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *testAPI) login(email, password string) auth.Session {
	c.t.Helper()
	resp := c.do(http.MethodPost, "/v1/auth/login", map[string]string{"email": email, "password": password}, nil)
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		c.t.Fatalf("login status: %d", resp.StatusCode)
	}
	return decode[auth.Session](c.t, resp)
}

func bearerHeader(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}
