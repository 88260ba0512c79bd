package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"lexdesk.org/internal/auth"
)

type createUserRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	RoleID   string `json:"roleId"`
	Verified bool   `json:"verified"`
}

type setPasswordRequest struct {
	Password string `json:"password"`
}

type updatePermissionRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type createRoleRequest struct {
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
}

type updateRolePermissionsRequest struct {
	Permissions []string `json:"permissions"`
}

type createPermissionRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (a *API) routeAdmin() {
	if a.rbac == nil {
		return
	}
	a.mux.Handle("GET /v1/users", a.requirePermissions(a.handleListUsers, auth.PermUserRead))
	a.mux.Handle("POST /v1/users", a.requirePermissions(a.handleCreateUser, auth.PermUserCreate))
	a.mux.Handle("GET /v1/users/{id}", a.requirePermissions(a.handleGetUser, auth.PermUserRead))
	a.mux.Handle("PATCH /v1/users/{id}", a.requirePermissions(a.handleUpdateUser, auth.PermUserUpdate))
	a.mux.Handle("DELETE /v1/users/{id}", a.requirePermissions(a.handleDeleteUser, auth.PermUserDelete))
	a.mux.Handle("PUT /v1/users/{id}/password", a.requirePermissions(a.handleSetUserPassword, auth.PermUserUpdate))
	a.mux.Handle("GET /v1/users/{id}/permissions", a.requirePermissions(a.handleUserPermissions, auth.PermUserRead))

	a.mux.Handle("GET /v1/roles", a.requirePermissions(a.handleListRoles, auth.PermRoleRead))
	a.mux.Handle("POST /v1/roles", a.requirePermissions(a.handleCreateRole, auth.PermRoleCreate))
	a.mux.Handle("GET /v1/roles/{id}", a.requirePermissions(a.handleGetRole, auth.PermRoleRead))
	a.mux.Handle("PUT /v1/roles/{id}/permissions", a.requirePermissions(a.handleSetRolePermissions, auth.PermRoleUpdate))
	a.mux.Handle("DELETE /v1/roles/{id}", a.requirePermissions(a.handleDeleteRole, auth.PermRoleDelete))

	a.mux.Handle("GET /v1/permissions", a.requirePermissions(a.handleListPermissions, auth.PermPermissionRead))
	a.mux.Handle("POST /v1/permissions", a.requirePermissions(a.handleCreatePermission, auth.PermPermissionManage))
	a.mux.Handle("GET /v1/permissions/{id}", a.requirePermissions(a.handleGetPermission, auth.PermPermissionRead))
	a.mux.Handle("PATCH /v1/permissions/{id}", a.requirePermissions(a.handleUpdatePermission, auth.PermPermissionManage))
	a.mux.Handle("DELETE /v1/permissions/{id}", a.requirePermissions(a.handleDeletePermission, auth.PermPermissionManage))

	if a.auditLog != nil {
		a.mux.Handle("GET /v1/audit", a.requirePermissions(a.handleListAudit, auth.PermAuditRead))
	}
}

func actorID(r *http.Request) string {
	id, _ := auth.IdentityFromContext(r.Context())
	return id.UserID
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.badRequest(w, r, err)
		return
	}
	user, err := a.svc.CreateUser(r.Context(), auth.NewUser{
		Name:     req.Name,
		Email:    req.Email,
		Password: req.Password,
		RoleID:   req.RoleID,
		Verified: req.Verified,
	}, actorID(r))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/users/%s", user.ID))
	writeJSON(w, http.StatusCreated, user)
}

func (a *API) handleSetUserPassword(w http.ResponseWriter, r *http.Request) {
	var req setPasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.badRequest(w, r, err)
		return
	}
	if err := a.svc.AdminSetPassword(r.Context(), r.PathValue("id"), req.Password, actorID(r)); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleUserPermissions(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	perms, err := a.svc.UserPermissions(r.Context(), userID)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"userId":      userID,
		"permissions": perms.Names(),
	})
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(q.Get("limit"))
	if err != nil {
		a.badRequest(w, r, fmt.Errorf("limit: %w", err))
		return
	}
	offset, err := queryInt(q.Get("offset"))
	if err != nil {
		a.badRequest(w, r, fmt.Errorf("offset: %w", err))
		return
	}
	users, err := a.svc.ListUsers(r.Context(), auth.UserQuery{RoleID: q.Get("roleId"), Limit: limit, Offset: offset})
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": users})
}

func (a *API) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := a.svc.GetUser(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	var patch auth.UserPatch
	if err := decodeJSON(w, r, &patch); err != nil {
		a.badRequest(w, r, err)
		return
	}
	user, err := a.svc.UpdateUser(r.Context(), r.PathValue("id"), patch, actorID(r))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.DeleteUser(r.Context(), r.PathValue("id"), actorID(r)); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := a.rbac.ListRoles(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	if roles == nil {
		roles = []*auth.Role{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": roles})
}

func (a *API) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.badRequest(w, r, err)
		return
	}
	role, err := a.rbac.CreateRole(r.Context(), req.Name, req.Permissions, actorID(r))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/roles/%s", role.ID))
	writeJSON(w, http.StatusCreated, role)
}

func (a *API) handleGetRole(w http.ResponseWriter, r *http.Request) {
	role, err := a.rbac.GetRole(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (a *API) handleSetRolePermissions(w http.ResponseWriter, r *http.Request) {
	var req updateRolePermissionsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.badRequest(w, r, err)
		return
	}
	if err := a.rbac.SetRolePermissions(r.Context(), r.PathValue("id"), req.Permissions, actorID(r)); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	if err := a.rbac.DeleteRole(r.Context(), r.PathValue("id"), actorID(r)); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := a.rbac.ListPermissions(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	if perms == nil {
		perms = []auth.Permission{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": perms})
}

func (a *API) handleCreatePermission(w http.ResponseWriter, r *http.Request) {
	var req createPermissionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.badRequest(w, r, err)
		return
	}
	perm, err := a.rbac.CreatePermission(r.Context(), req.Name, req.Description, actorID(r))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, perm)
}

func (a *API) handleGetPermission(w http.ResponseWriter, r *http.Request) {
	perm, err := a.rbac.GetPermission(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, perm)
}

func (a *API) handleUpdatePermission(w http.ResponseWriter, r *http.Request) {
	var req updatePermissionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.badRequest(w, r, err)
		return
	}
	perm, err := a.rbac.UpdatePermission(r.Context(), r.PathValue("id"), req.Name, req.Description, actorID(r))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, perm)
}

func (a *API) handleDeletePermission(w http.ResponseWriter, r *http.Request) {
	if err := a.rbac.DeletePermission(r.Context(), r.PathValue("id"), actorID(r)); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListAudit pages newest first; pass the last occurredAt back as before.
func (a *API) handleListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(q.Get("limit"))
	if err != nil {
		a.badRequest(w, r, fmt.Errorf("limit: %w", err))
		return
	}
	var before time.Time
	if v := q.Get("before"); v != "" {
		if before, err = time.Parse(time.RFC3339Nano, v); err != nil {
			a.badRequest(w, r, fmt.Errorf("before: %w", err))
			return
		}
	}
	entries, err := a.auditLog.List(r.Context(), auth.AuditQuery{
		ActorID:    q.Get("actorId"),
		Action:     q.Get("action"),
		TargetType: q.Get("targetType"),
		TargetID:   q.Get("targetId"),
		Before:     before,
		Limit:      limit,
	})
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

func queryInt(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("must be a non-negative integer")
	}
	return n, nil
}
