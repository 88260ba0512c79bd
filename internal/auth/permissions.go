package auth

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	PermUserCreate = "user:create"
	PermUserRead   = "user:read"
	PermUserUpdate = "user:update"
	PermUserDelete = "user:delete"
	PermUserManage = "user:manage"

	PermRoleCreate = "role:create"
	PermRoleRead   = "role:read"
	PermRoleUpdate = "role:update"
	PermRoleDelete = "role:delete"
	PermRoleManage = "role:manage"

	PermPermissionRead   = "permission:read"
	PermPermissionManage = "permission:manage"

	PermAuditRead = "audit:read"
)

const (
	RoleAdmin     = "admin"
	RoleLawyer    = "lawyer"
	RoleSecretary = "secretary"
	RoleClient    = "client"
)

var crud = []string{"create", "read", "update", "delete", "manage"}

// BuiltinPermissions is the catalog seeded into every deployment.
var BuiltinPermissions = buildCatalog()

// DefaultRoles maps each seeded role to its permission names. Admin holds the full catalog.
var DefaultRoles = map[string][]string{
	RoleAdmin: PermissionNames(BuiltinPermissions),
	RoleLawyer: {
		"case:read", "case:update",
		"client:read", "document:read", "appointment:read", "task:read",
	},
	RoleSecretary: {"appointment:manage", "client:create", "client:read"},
	RoleClient:    {"case:read", "document:read", "appointment:read"},
}

func buildCatalog() []Permission {
	var out []Permission
	for _, resource := range []string{"user", "role", "case", "client", "document", "appointment", "task"} {
		for _, action := range crud {
			out = append(out, Permission{
				Name:        resource + ":" + action,
				Description: describe(resource, action),
			})
		}
	}
	extra := [][2]string{
		{"permission", "read"}, {"permission", "manage"},
		{"expense", "create"}, {"expense", "read"},
		{"invoice", "create"}, {"invoice", "read"},
		{"payment", "create"},
		{"audit", "read"},
	}
	for _, e := range extra {
		out = append(out, Permission{Name: e[0] + ":" + e[1], Description: describe(e[0], e[1])})
	}
	return out
}

func describe(resource, action string) string {
	if action == "manage" {
		return fmt.Sprintf("Full control over %ss", resource)
	}
	return fmt.Sprintf("%s %ss", strings.ToUpper(action[:1])+action[1:], resource)
}

// PermissionNames returns the names of perms in order.
func PermissionNames(perms []Permission) []string {
	out := make([]string, 0, len(perms))
	for _, p := range perms {
		out = append(out, p.Name)
	}
	return out
}

var permissionNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*:[a-z][a-z0-9_-]*$`)

// ValidPermissionName reports whether name has the resource:action form.
func ValidPermissionName(name string) bool {
	return permissionNamePattern.MatchString(name)
}
