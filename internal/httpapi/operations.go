package httpapi

import (
	"fmt"
	"net/http"

	"backplane.org/internal/auth"
)

// The operation tables are the single authority for what this server exposes.
// The router wires handlers from them and the startup reconciler derives the
// permission catalog from the very same records, so a route cannot exist
// without its permission row and vice versa.

var apiOperations = []auth.Operation{
	{Name: "sign_in", Method: http.MethodPost, Path: "/auth/sign-in", Surface: auth.SurfaceAPI, Public: true},
	{Name: "sign_up", Method: http.MethodPost, Path: "/auth/sign-up", Surface: auth.SurfaceAPI, Public: true},
	{Name: "refresh_token", Method: http.MethodPost, Path: "/auth/refresh", Surface: auth.SurfaceAPI, Public: true},
	{Name: "verify_otp", Method: http.MethodPost, Path: "/auth/verify-otp", Surface: auth.SurfaceAPI, Public: true},
	{Name: "setup_2fa", Method: http.MethodPost, Path: "/auth/2fa/setup", Surface: auth.SurfaceAPI},
	{Name: "enable_2fa", Method: http.MethodPost, Path: "/auth/2fa/enable", Surface: auth.SurfaceAPI},
	{Name: "disable_2fa", Method: http.MethodPost, Path: "/auth/2fa/disable", Surface: auth.SurfaceAPI},
	{Name: "profile", Method: http.MethodGet, Path: "/v1/me", Surface: auth.SurfaceAPI},
	{Name: "users", Method: http.MethodGet, Path: "/v1/users", Surface: auth.SurfaceAPI},
	{Name: "users", Method: http.MethodPost, Path: "/v1/users", Surface: auth.SurfaceAPI},
	{Name: "user", Method: http.MethodGet, Path: "/v1/users/:id", Surface: auth.SurfaceAPI},
	{Name: "user", Method: http.MethodDelete, Path: "/v1/users/:id", Surface: auth.SurfaceAPI},
	{Name: "roles", Method: http.MethodGet, Path: "/v1/roles", Surface: auth.SurfaceAPI},
	{Name: "roles", Method: http.MethodPost, Path: "/v1/roles", Surface: auth.SurfaceAPI},
	{Name: "role", Method: http.MethodGet, Path: "/v1/roles/:id", Surface: auth.SurfaceAPI},
	{Name: "role", Method: http.MethodPut, Path: "/v1/roles/:id", Surface: auth.SurfaceAPI},
	{Name: "role", Method: http.MethodDelete, Path: "/v1/roles/:id", Surface: auth.SurfaceAPI},
	{Name: "role_permissions", Method: http.MethodPut, Path: "/v1/roles/:id/permissions", Surface: auth.SurfaceAPI},
	{Name: "permissions", Method: http.MethodGet, Path: "/v1/permissions", Surface: auth.SurfaceAPI},
	{Name: "webhook_in_test", Method: http.MethodPost, Path: "/v1/webhooks/test", Surface: auth.SurfaceAPI, Public: true},
}

var adminOperations = []auth.Operation{
	{Name: "sign_in", Method: http.MethodGet, Path: "/admin/sign-in", Surface: auth.SurfaceAdmin, Public: true},
	{Name: "sign_in", Method: http.MethodPost, Path: "/admin/sign-in", Surface: auth.SurfaceAdmin, Public: true},
	{Name: "verify_otp", Method: http.MethodPost, Path: "/admin/verify-otp", Surface: auth.SurfaceAdmin, Public: true},
	{Name: "sign_out", Method: http.MethodPost, Path: "/admin/sign-out", Surface: auth.SurfaceAdmin, Public: true},
	{Name: "dashboard", Method: http.MethodGet, Path: "/admin/dashboard", Surface: auth.SurfaceAdmin},
	{Name: "users", Method: http.MethodGet, Path: "/admin/users", Surface: auth.SurfaceAdmin},
	{Name: "roles", Method: http.MethodGet, Path: "/admin/roles", Surface: auth.SurfaceAdmin},
}

// Operations returns every declared operation across both surfaces; cmd/api
// feeds this to the reconciler.
func Operations() []auth.Operation {
	ops := make([]auth.Operation, 0, len(apiOperations)+len(adminOperations))
	ops = append(ops, apiOperations...)
	ops = append(ops, adminOperations...)
	return ops
}

// mustOp looks up a declared operation; routing and the tables are written
// together, so a miss is a programming error caught at startup.
func mustOp(surface auth.Surface, name, method string) auth.Operation {
	var table []auth.Operation
	switch surface {
	case auth.SurfaceAPI:
		table = apiOperations
	case auth.SurfaceAdmin:
		table = adminOperations
	}
	for _, op := range table {
		if op.Name == name && op.Method == method {
			return op
		}
	}
	panic(fmt.Sprintf("httpapi: operation %s %s not declared on surface %s", method, name, surface))
}
