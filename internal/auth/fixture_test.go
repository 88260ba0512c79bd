package auth

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"lexdesk.org/internal/cache"
	"lexdesk.org/internal/tokenstore"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store    *memStore
	tokens   *tokenstore.Store
	mr       *miniredis.Miniredis
	clock    *testClock
	mailer   *recordingMailer
	audit    *recordingAudit
	resolver *Resolver
	svc      *Service
	rbac     *RBACService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})

	f := &fixture{
		store:  newMemStore(),
		tokens: tokenstore.New(rdb),
		mr:     mr,
		clock:  &testClock{now: time.Now().UTC()},
		mailer: &recordingMailer{},
		audit:  &recordingAudit{},
	}
	f.resolver = NewResolver(f.store, WithPermissionCache(cache.NewPermissions(rdb)))
	codec := NewTokenCodec("access-secret", "refresh-secret")
	f.svc, err = NewService(f.store, codec, f.tokens,
		WithClock(f.clock.Now),
		WithResolver(f.resolver),
		WithMailer(f.mailer),
		WithAudit(f.audit),
		WithFrontendURL("https://app.lexdesk.test/"),
		WithStoreTimeout(2*time.Second),
	)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	f.rbac, err = NewRBACService(f.store, f.resolver, WithRBACAudit(f.audit))
	if err != nil {
		t.Fatalf("NewRBACService: %v", err)
	}
	if err := f.rbac.EnsureCatalog(context.Background()); err != nil {
		t.Fatalf("EnsureCatalog: %v", err)
	}
	return f
}

func (f *fixture) role(t *testing.T, name string) *Role {
	t.Helper()
	r, err := f.store.Roles().FindByName(context.Background(), name)
	if err != nil {
		t.Fatalf("role %s: %v", name, err)
	}
	return r
}

func (f *fixture) addUser(t *testing.T, email, password, role string, verified bool) *User {
	t.Helper()
	hash, err := HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	u := &User{
		Name:         "User " + email,
		Email:        email,
		PasswordHash: hash,
		RoleID:       f.role(t, role).ID,
		IsVerified:   verified,
	}
	if err := f.store.Users().Create(context.Background(), u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

func (f *fixture) user(t *testing.T, id string) *User {
	t.Helper()
	u, err := f.store.Users().Find(context.Background(), id)
	if err != nil {
		t.Fatalf("find user: %v", err)
	}
	return u
}

var linkToken = regexp.MustCompile(`/(verify-email|reset-password)/([0-9a-f]{64})`)

// lastLinkToken returns the raw token embedded in the most recent email to addr.
func (f *fixture) lastLinkToken(t *testing.T, to string) string {
	t.Helper()
	msgs := f.mailer.messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].To != to {
			continue
		}
		if m := linkToken.FindStringSubmatch(msgs[i].HTML); m != nil {
			return m[2]
		}
	}
	t.Fatalf("no link mailed to %s", to)
	return ""
}
