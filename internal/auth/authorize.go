package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// PermissionSet is the flattened set of permission names a user holds.
type PermissionSet map[string]struct{}

// NewPermissionSet builds a set from names, ignoring blanks.
func NewPermissionSet(names ...string) PermissionSet {
	set := make(PermissionSet, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}

// Has reports whether name is in the set.
func (s PermissionSet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// HasAll reports whether every name is in the set.
func (s PermissionSet) HasAll(names ...string) bool {
	for _, n := range names {
		if !s.Has(n) {
			return false
		}
	}
	return true
}

// Names returns the sorted permission names.
func (s PermissionSet) Names() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

const defaultLoadTimeout = 3 * time.Second

// Resolver resolves a user's permissions through their role and evaluates requests.
type Resolver struct {
	users       UserStore
	roles       RoleStore
	perms       PermissionStore
	cache       PermissionCache
	group       singleflight.Group
	logger      *zap.Logger
	loadTimeout time.Duration
}

// ResolverOption configures Resolver.
type ResolverOption func(*Resolver)

// WithPermissionCache enables a bounded-staleness cache in front of the store.
func WithPermissionCache(c PermissionCache) ResolverOption {
	return func(r *Resolver) { r.cache = c }
}

// WithResolverLogger sets the logger used for cache failures.
func WithResolverLogger(l *zap.Logger) ResolverOption {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithLoadTimeout bounds a shared store load. The load runs detached from any
// single caller, so this is its only deadline.
func WithLoadTimeout(d time.Duration) ResolverOption {
	return func(r *Resolver) {
		if d > 0 {
			r.loadTimeout = d
		}
	}
}

// NewResolver constructs a resolver over store.
func NewResolver(store Store, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		users:       store.Users(),
		roles:       store.Roles(),
		perms:       store.Permissions(),
		logger:      zap.NewNop(),
		loadTimeout: defaultLoadTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolvePermissions loads user -> role -> permissions. ErrNotFound when the user or
// its role is missing.
func (r *Resolver) ResolvePermissions(ctx context.Context, userID string) (PermissionSet, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if r.cache != nil {
		names, ok, err := r.cache.Get(ctx, userID)
		switch {
		case err != nil:
			r.logger.Warn("permission_cache_get_failed", zap.String("user_id", userID), zap.Error(err))
		case ok:
			return NewPermissionSet(names...), nil
		}
	}

	// Concurrent misses share one load. It must not inherit the cancellation of
	// whichever caller started it, or that caller's cancel would fail the rest.
	ch := r.group.DoChan(userID, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.loadTimeout)
		defer cancel()
		names, err := r.load(lctx, userID)
		if err != nil {
			return nil, err
		}
		if r.cache != nil {
			if err := r.cache.Set(lctx, userID, names); err != nil {
				r.logger.Warn("permission_cache_set_failed", zap.String("user_id", userID), zap.Error(err))
			}
		}
		return names, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return NewPermissionSet(res.Val.([]string)...), nil
	}
}

func (r *Resolver) load(ctx context.Context, userID string) ([]string, error) {
	user, err := r.users.Find(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolve user: %w", err)
	}
	if user.RoleID == "" {
		return nil, fmt.Errorf("%w: user %s has no role", ErrNotFound, userID)
	}
	if _, err := r.roles.Find(ctx, user.RoleID); err != nil {
		return nil, fmt.Errorf("resolve role: %w", err)
	}
	names, err := r.perms.NamesForRole(ctx, user.RoleID)
	if err != nil {
		return nil, fmt.Errorf("resolve permissions: %w", err)
	}
	return names, nil
}

// Authorize returns nil iff the user holds every required permission. Denials are a
// generic ErrForbidden; lookup failures other than a missing user or role propagate.
func (r *Resolver) Authorize(ctx context.Context, userID string, required ...string) error {
	if len(required) == 0 {
		return nil
	}
	set, err := r.ResolvePermissions(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return &Error{Kind: KindForbidden, Key: ErrForbidden.Key, Err: err}
		}
		return err
	}
	if !set.HasAll(required...) {
		return ErrForbidden
	}
	return nil
}

// Invalidate drops every cached permission set.
func (r *Resolver) Invalidate(ctx context.Context) error {
	if r.cache == nil {
		return nil
	}
	return r.cache.Invalidate(ctx)
}
