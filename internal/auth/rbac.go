package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// RBACService administers roles and the permission catalog. Every mutation
// invalidates the resolver cache.
type RBACService struct {
	store    Store
	resolver *Resolver
	audit    AuditSink
	logger   *zap.Logger
	now      func() time.Time
}

// RBACOption configures RBACService.
type RBACOption func(*RBACService)

// WithRBACAudit records role and permission mutations.
func WithRBACAudit(sink AuditSink) RBACOption {
	return func(s *RBACService) { s.audit = sink }
}

// WithRBACLogger sets the logger.
func WithRBACLogger(l *zap.Logger) RBACOption {
	return func(s *RBACService) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewRBACService(store Store, resolver *Resolver, opts ...RBACOption) (*RBACService, error) {
	if store == nil {
		return nil, errors.New("rbac store is required")
	}
	if resolver == nil {
		return nil, errors.New("rbac resolver is required")
	}
	s := &RBACService{store: store, resolver: resolver, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *RBACService) CreateRole(ctx context.Context, name string, permissions []string, actorID string) (*Role, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return nil, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	names := dedupeStrings(permissions)
	if err := s.checkKnown(ctx, names); err != nil {
		return nil, err
	}
	role := &Role{Name: name, Permissions: names}
	if err := s.store.Roles().Create(ctx, role); err != nil {
		return nil, err
	}
	if role.Permissions == nil {
		role.Permissions = []string{}
	}
	s.changed(ctx, actorID, "role.create", "role", role.ID, map[string]string{"name": name})
	return role, nil
}

func (s *RBACService) ListRoles(ctx context.Context) ([]*Role, error) {
	return s.store.Roles().List(ctx)
}

func (s *RBACService) GetRole(ctx context.Context, roleID string) (*Role, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return nil, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	return s.store.Roles().Find(ctx, roleID)
}

func (s *RBACService) SetRolePermissions(ctx context.Context, roleID string, permissions []string, actorID string) error {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	names := dedupeStrings(permissions)
	if err := s.checkKnown(ctx, names); err != nil {
		return err
	}
	if _, err := s.store.Roles().Find(ctx, roleID); err != nil {
		return err
	}
	if err := s.store.Roles().SetPermissions(ctx, roleID, names); err != nil {
		return err
	}
	s.changed(ctx, actorID, "role.permissions.set", "role", roleID, map[string]string{"permissions": strings.Join(names, ",")})
	return nil
}

func (s *RBACService) DeleteRole(ctx context.Context, roleID, actorID string) error {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	if err := s.store.Roles().Delete(ctx, roleID); err != nil {
		return err
	}
	s.changed(ctx, actorID, "role.delete", "role", roleID, nil)
	return nil
}

func (s *RBACService) CreatePermission(ctx context.Context, name, description, actorID string) (*Permission, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if !ValidPermissionName(name) {
		return nil, fmt.Errorf("%w: permission name must look like resource:action", ErrInvalidInput)
	}
	perm := &Permission{Name: name, Description: strings.TrimSpace(description)}
	if err := s.store.Permissions().Create(ctx, perm); err != nil {
		return nil, err
	}
	s.changed(ctx, actorID, "permission.create", "permission", perm.ID, map[string]string{"name": name})
	return perm, nil
}

func (s *RBACService) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.store.Permissions().List(ctx)
}

func (s *RBACService) GetPermission(ctx context.Context, permissionID string) (*Permission, error) {
	permissionID = strings.TrimSpace(permissionID)
	if permissionID == "" {
		return nil, fmt.Errorf("%w: permission_id is required", ErrInvalidInput)
	}
	return s.store.Permissions().Find(ctx, permissionID)
}

// UpdatePermission renames or redescribes a custom permission. Builtin names are
// fixed because the default roles and route guards refer to them.
func (s *RBACService) UpdatePermission(ctx context.Context, permissionID, name, description, actorID string) (*Permission, error) {
	perm, err := s.GetPermission(ctx, permissionID)
	if err != nil {
		return nil, err
	}
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = perm.Name
	}
	if !ValidPermissionName(name) {
		return nil, fmt.Errorf("%w: permission name must look like resource:action", ErrInvalidInput)
	}
	if name != perm.Name && isBuiltinPermission(perm.Name) {
		return nil, fmt.Errorf("%w: builtin permission %s cannot be renamed", ErrInvalidInput, perm.Name)
	}
	old := perm.Name
	perm.Name = name
	perm.Description = strings.TrimSpace(description)
	if err := s.store.Permissions().Update(ctx, perm); err != nil {
		return nil, err
	}
	s.changed(ctx, actorID, "permission.update", "permission", perm.ID, map[string]string{"name": name, "previous_name": old})
	return perm, nil
}

// DeletePermission removes a custom permission and revokes it from every role.
func (s *RBACService) DeletePermission(ctx context.Context, permissionID, actorID string) error {
	perm, err := s.GetPermission(ctx, permissionID)
	if err != nil {
		return err
	}
	if isBuiltinPermission(perm.Name) {
		return fmt.Errorf("%w: builtin permission %s cannot be deleted", ErrInvalidInput, perm.Name)
	}
	if err := s.store.Permissions().Delete(ctx, perm.ID); err != nil {
		return err
	}
	s.changed(ctx, actorID, "permission.delete", "permission", perm.ID, map[string]string{"name": perm.Name})
	return nil
}

// EnsureCatalog seeds the builtin permissions and default roles. Existing roles keep
// their permissions; missing ones are created with the defaults.
func (s *RBACService) EnsureCatalog(ctx context.Context) error {
	if err := s.store.Permissions().Ensure(ctx, BuiltinPermissions); err != nil {
		return fmt.Errorf("ensure permissions: %w", err)
	}
	for _, name := range []string{RoleAdmin, RoleLawyer, RoleSecretary, RoleClient} {
		_, err := s.store.Roles().FindByName(ctx, name)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("find role %s: %w", name, err)
		}
		// A concurrent replica may have created it between the lookup and here;
		// its grants are then left as that replica wrote them.
		role := &Role{Name: name, Permissions: DefaultRoles[name]}
		if err := s.store.Roles().Create(ctx, role); err != nil && !errors.Is(err, ErrConflict) {
			return fmt.Errorf("create role %s: %w", name, err)
		}
	}
	return s.resolver.Invalidate(ctx)
}

func (s *RBACService) checkKnown(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}
	known, err := s.store.Permissions().List(ctx)
	if err != nil {
		return err
	}
	set := NewPermissionSet(PermissionNames(known)...)
	var unknown []string
	for _, n := range names {
		if !set.Has(n) {
			unknown = append(unknown, n)
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("%w: unknown permissions %s", ErrInvalidInput, strings.Join(unknown, ", "))
	}
	return nil
}

func (s *RBACService) changed(ctx context.Context, actorID, action, targetType, targetID string, details map[string]string) {
	if err := s.resolver.Invalidate(ctx); err != nil {
		s.logger.Error("permission_cache_invalidate_failed", zap.String("action", action), zap.Error(err))
	}
	if s.audit == nil {
		return
	}
	entry := AuditEntry{
		OccurredAt: s.now().UTC(),
		ActorID:    actorID,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Details:    details,
	}
	if err := s.audit.Record(ctx, entry); err != nil {
		s.logger.Error("audit_record_failed", zap.String("action", action), zap.Error(err))
	}
}

func isBuiltinPermission(name string) bool {
	for _, p := range BuiltinPermissions {
		if p.Name == name {
			return true
		}
	}
	return false
}

func dedupeStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := set[v]; ok {
			continue
		}
		set[v] = struct{}{}
		result = append(result, v)
	}
	return result
}
