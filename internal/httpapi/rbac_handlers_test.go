package httpapi_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"backplane.org/internal/auth"
)

func authReq(t *testing.T, access, method, path string, body any) *http.Request {
	t.Helper()
	var req *http.Request
	if body != nil {
		req = jsonReq(t, method, path, body)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("Authorization", "Bearer "+access)
	return req
}

func TestRoleLifecycle(t *testing.T) {
	f := newFixture(t)
	access, _ := f.signIn("root", "root-pass-1")

	rr := f.do(authReq(t, access, http.MethodPost, "/v1/roles", map[string]any{
		"name": "auditor", "description": "Read-only reviewer", "level": 25,
	}))
	if rr.Code != http.StatusCreated {
		t.Fatalf("create status = %d body=%s", rr.Code, rr.Body.String())
	}
	var role auth.Role
	decodeBody(t, rr, &role)
	if role.ID == "" || role.Level != 25 {
		t.Fatalf("unexpected role: %+v", role)
	}

	// Duplicate name conflicts.
	rr = f.do(authReq(t, access, http.MethodPost, "/v1/roles", map[string]any{"name": "auditor"}))
	if rr.Code != http.StatusConflict {
		t.Fatalf("duplicate status = %d, want 409", rr.Code)
	}

	rr = f.do(authReq(t, access, http.MethodPut, "/v1/roles/"+role.ID, map[string]any{
		"name": "auditor", "level": 30,
	}))
	if rr.Code != http.StatusOK {
		t.Fatalf("update status = %d body=%s", rr.Code, rr.Body.String())
	}
	decodeBody(t, rr, &role)
	if role.Level != 30 {
		t.Fatalf("level = %d after update", role.Level)
	}

	rr = f.do(authReq(t, access, http.MethodDelete, "/v1/roles/"+role.ID, nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rr.Code)
	}
	rr = f.do(authReq(t, access, http.MethodGet, "/v1/roles/"+role.ID, nil))
	var deleted auth.Role
	decodeBody(t, rr, &deleted)
	if deleted.DeletedAt == nil {
		t.Fatal("role not soft-deleted")
	}
}

func TestGrantAndRevokeTakesEffectNextRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ownerAccess, _ := f.signIn("root", "root-pass-1")
	subAccess, _ := f.signIn("sub", "sub-pass-1")

	// Subscriber starts without the users permission.
	if rr := f.do(authReq(t, subAccess, http.MethodGet, "/v1/users", nil)); rr.Code != http.StatusForbidden {
		t.Fatalf("pre-grant status = %d, want 403", rr.Code)
	}

	sub, err := f.store.Roles(ctx).FindByName(ctx, auth.SubscriberRoleName)
	if err != nil {
		t.Fatalf("find subscriber role: %v", err)
	}
	perm, err := f.store.Permissions(ctx).FindByOperation(ctx, "users", http.MethodGet, auth.SurfaceAPI)
	if err != nil {
		t.Fatalf("find permission: %v", err)
	}

	// Grant through the owner's API session; no re-login needed on the
	// subscriber side.
	rr := f.do(authReq(t, ownerAccess, http.MethodPut, "/v1/roles/"+sub.ID+"/permissions", map[string]any{
		"permissions": []string{perm.ID},
	}))
	if rr.Code != http.StatusOK {
		t.Fatalf("grant status = %d body=%s", rr.Code, rr.Body.String())
	}
	var updated auth.Role
	decodeBody(t, rr, &updated)
	if len(updated.PermissionIDs) != 1 || updated.PermissionIDs[0] != perm.ID {
		t.Fatalf("display list = %v", updated.PermissionIDs)
	}

	if rr := f.do(authReq(t, subAccess, http.MethodGet, "/v1/users", nil)); rr.Code != http.StatusOK {
		t.Fatalf("post-grant status = %d", rr.Code)
	}

	// Revoke; the same still-valid token is denied on its next request.
	rr = f.do(authReq(t, ownerAccess, http.MethodPut, "/v1/roles/"+sub.ID+"/permissions", map[string]any{
		"permissions": []string{},
	}))
	if rr.Code != http.StatusOK {
		t.Fatalf("revoke status = %d", rr.Code)
	}
	if rr := f.do(authReq(t, subAccess, http.MethodGet, "/v1/users", nil)); rr.Code != http.StatusForbidden {
		t.Fatalf("post-revoke status = %d, want 403", rr.Code)
	}
}

func TestUserLifecycle(t *testing.T) {
	f := newFixture(t)
	access, _ := f.signIn("root", "root-pass-1")
	ctx := context.Background()

	sub, err := f.store.Roles(ctx).FindByName(ctx, auth.SubscriberRoleName)
	if err != nil {
		t.Fatalf("find role: %v", err)
	}

	rr := f.do(authReq(t, access, http.MethodPost, "/v1/users", map[string]any{
		"username": "carol", "password": "carol-pass-1",
		"email": "carol@example.com", "role_id": sub.ID,
	}))
	if rr.Code != http.StatusCreated {
		t.Fatalf("create status = %d body=%s", rr.Code, rr.Body.String())
	}
	var user auth.User
	decodeBody(t, rr, &user)
	if user.ID == "" || user.RoleID != sub.ID {
		t.Fatalf("unexpected user: %+v", user)
	}
	if strings.Contains(rr.Body.String(), "password") {
		t.Fatal("credential material leaked into the response")
	}

	rr = f.do(authReq(t, access, http.MethodGet, "/v1/users/"+user.ID, nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("get status = %d", rr.Code)
	}

	// Unknown role is a validation error, not a 500.
	rr = f.do(authReq(t, access, http.MethodPost, "/v1/users", map[string]any{
		"username": "dave", "password": "dave-pass-1", "role_id": "nope",
	}))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad role status = %d, want 400", rr.Code)
	}

	rr = f.do(authReq(t, access, http.MethodDelete, "/v1/users/"+user.ID, nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rr.Code)
	}
	rr = f.do(authReq(t, access, http.MethodGet, "/v1/users/"+user.ID, nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("get after delete status = %d, want 404", rr.Code)
	}
}

func TestListPermissionsFilterBySurface(t *testing.T) {
	f := newFixture(t)
	access, _ := f.signIn("root", "root-pass-1")

	rr := f.do(authReq(t, access, http.MethodGet, "/v1/permissions?surface=admin", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Items []auth.Permission `json:"items"`
	}
	decodeBody(t, rr, &resp)
	if len(resp.Items) == 0 {
		t.Fatal("no admin-surface permissions")
	}
	for _, p := range resp.Items {
		if p.Surface != auth.SurfaceAdmin {
			t.Fatalf("unexpected surface %q in filtered list", p.Surface)
		}
	}

	rr = f.do(authReq(t, access, http.MethodGet, "/v1/permissions?surface=bogus", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bogus surface status = %d, want 400", rr.Code)
	}
}

func TestSignUpEndpoint(t *testing.T) {
	f := newFixture(t)

	rr := f.do(jsonReq(t, http.MethodPost, "/auth/sign-up", map[string]string{
		"username": "erin", "password": "erin-pass-1", "email": "erin@example.com",
	}))
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}

	// The fresh account signs in and lands in the subscriber role, which
	// holds no permissions yet.
	access, _ := f.signIn("erin", "erin-pass-1")
	rr = f.do(authReq(t, access, http.MethodGet, "/v1/me", nil))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("profile status = %d, want 403 for a permissionless role", rr.Code)
	}
}
