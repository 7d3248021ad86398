package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"backplane.org/internal/audit"
	"backplane.org/internal/auth"
)

type createUserRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	RoleID   string `json:"role_id"`
}

type roleRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Level       int    `json:"level"`
	Disabled    bool   `json:"disabled"`
}

type setPermissionsRequest struct {
	Permissions []string `json:"permissions"`
}

func (a *API) handleUsersCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.protect(mustOp(auth.SurfaceAPI, "users", http.MethodGet), a.listUsers)(w, r)
	case http.MethodPost:
		a.protect(mustOp(auth.SurfaceAPI, "users", http.MethodPost), a.createUser)(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleUserResource(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/users/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		a.protect(mustOp(auth.SurfaceAPI, "user", http.MethodGet), func(w http.ResponseWriter, r *http.Request) {
			a.getUser(w, r, id)
		})(w, r)
	case http.MethodDelete:
		a.protect(mustOp(auth.SurfaceAPI, "user", http.MethodDelete), func(w http.ResponseWriter, r *http.Request) {
			a.deleteUser(w, r, id)
		})(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
	}
}

func (a *API) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := a.store.Users(r.Context()).List(r.Context())
	if err != nil {
		handleStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": users})
}

func (a *API) createUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "username and password are required")
		return
	}
	if strings.TrimSpace(req.RoleID) == "" {
		writeError(w, r, http.StatusBadRequest, "role_id is required")
		return
	}
	if _, err := a.store.Roles(r.Context()).Find(r.Context(), req.RoleID); err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			writeError(w, r, http.StatusBadRequest, "role not found")
			return
		}
		handleStoreError(w, r, err)
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user := &auth.User{
		Username:     strings.TrimSpace(req.Username),
		Email:        strings.TrimSpace(strings.ToLower(req.Email)),
		FullName:     strings.TrimSpace(req.FullName),
		PasswordHash: hash,
		RoleID:       req.RoleID,
	}
	if err := a.store.Users(r.Context()).Create(r.Context(), user); err != nil {
		handleStoreError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.user.create", map[string]any{
		"user_id":  user.ID,
		"username": user.Username,
		"role_id":  user.RoleID,
	})
	w.Header().Set("Location", "/v1/users/"+user.ID)
	writeJSON(w, http.StatusCreated, user)
}

func (a *API) getUser(w http.ResponseWriter, r *http.Request, id string) {
	user, err := a.store.Users(r.Context()).Find(r.Context(), id)
	if err != nil {
		handleStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) deleteUser(w http.ResponseWriter, r *http.Request, id string) {
	if err := a.store.Users(r.Context()).Delete(r.Context(), id); err != nil {
		handleStoreError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.user.delete", map[string]any{
		"user_id": id,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRolesCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.protect(mustOp(auth.SurfaceAPI, "roles", http.MethodGet), a.listRoles)(w, r)
	case http.MethodPost:
		a.protect(mustOp(auth.SurfaceAPI, "roles", http.MethodPost), a.createRole)(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleRoleResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/roles/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if id, ok := strings.CutSuffix(path, "/permissions"); ok {
		id = strings.TrimSuffix(id, "/")
		if id == "" || strings.Contains(id, "/") {
			writeError(w, r, http.StatusNotFound, "resource not found")
			return
		}
		if r.Method != http.MethodPut {
			methodNotAllowed(w, r, http.MethodPut)
			return
		}
		a.protect(mustOp(auth.SurfaceAPI, "role_permissions", http.MethodPut), func(w http.ResponseWriter, r *http.Request) {
			a.setRolePermissions(w, r, id)
		})(w, r)
		return
	}

	if strings.Contains(path, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	id := path
	switch r.Method {
	case http.MethodGet:
		a.protect(mustOp(auth.SurfaceAPI, "role", http.MethodGet), func(w http.ResponseWriter, r *http.Request) {
			a.getRole(w, r, id)
		})(w, r)
	case http.MethodPut:
		a.protect(mustOp(auth.SurfaceAPI, "role", http.MethodPut), func(w http.ResponseWriter, r *http.Request) {
			a.updateRole(w, r, id)
		})(w, r)
	case http.MethodDelete:
		a.protect(mustOp(auth.SurfaceAPI, "role", http.MethodDelete), func(w http.ResponseWriter, r *http.Request) {
			a.deleteRole(w, r, id)
		})(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut, http.MethodDelete)
	}
}

func (a *API) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := a.store.Roles(r.Context()).List(r.Context())
	if err != nil {
		handleStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": roles})
}

func (a *API) createRole(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, r, http.StatusBadRequest, "name is required")
		return
	}
	role := &auth.Role{
		Name:        strings.TrimSpace(req.Name),
		Description: strings.TrimSpace(req.Description),
		Level:       req.Level,
		Disabled:    req.Disabled,
	}
	if err := a.store.Roles(r.Context()).Create(r.Context(), role); err != nil {
		handleStoreError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.role.create", map[string]any{
		"role_id": role.ID,
		"name":    role.Name,
	})
	w.Header().Set("Location", "/v1/roles/"+role.ID)
	writeJSON(w, http.StatusCreated, role)
}

func (a *API) getRole(w http.ResponseWriter, r *http.Request, id string) {
	role, err := a.store.Roles(r.Context()).Find(r.Context(), id)
	if err != nil {
		handleStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (a *API) updateRole(w http.ResponseWriter, r *http.Request, id string) {
	var req roleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, r, http.StatusBadRequest, "name is required")
		return
	}
	role := &auth.Role{
		ID:          id,
		Name:        strings.TrimSpace(req.Name),
		Description: strings.TrimSpace(req.Description),
		Level:       req.Level,
		Disabled:    req.Disabled,
	}
	if err := a.store.Roles(r.Context()).Update(r.Context(), role); err != nil {
		handleStoreError(w, r, err)
		return
	}
	updated, err := a.store.Roles(r.Context()).Find(r.Context(), id)
	if err != nil {
		handleStoreError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.role.update", map[string]any{
		"role_id": id,
		"name":    updated.Name,
	})
	writeJSON(w, http.StatusOK, updated)
}

func (a *API) deleteRole(w http.ResponseWriter, r *http.Request, id string) {
	if err := a.store.Roles(r.Context()).SoftDelete(r.Context(), id); err != nil {
		handleStoreError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.role.delete", map[string]any{
		"role_id": id,
	})
	w.WriteHeader(http.StatusNoContent)
}

// setRolePermissions replaces the grant; takes effect on the next request of
// any session holding the role.
func (a *API) setRolePermissions(w http.ResponseWriter, r *http.Request, id string) {
	var req setPermissionsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.store.Roles(r.Context()).SetPermissions(r.Context(), id, req.Permissions); err != nil {
		handleStoreError(w, r, err)
		return
	}
	role, err := a.store.Roles(r.Context()).Find(r.Context(), id)
	if err != nil {
		handleStoreError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.role.set_permissions", map[string]any{
		"role_id": id,
		"count":   len(req.Permissions),
	})
	writeJSON(w, http.StatusOK, role)
}

func (a *API) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	surface := auth.Surface(strings.TrimSpace(r.URL.Query().Get("surface")))
	switch surface {
	case "", auth.SurfaceAPI, auth.SurfaceAdmin:
	default:
		writeError(w, r, http.StatusBadRequest, "surface must be api or admin")
		return
	}
	perms, err := a.store.Permissions(r.Context()).List(r.Context(), surface)
	if err != nil {
		handleStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": perms})
}
