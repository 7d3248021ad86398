package httpapi

import (
	"net/http"

	"backplane.org/internal/audit"
	"backplane.org/internal/auth"
	"backplane.org/internal/obs"
)

// The admin surface carries the session in cookies instead of headers. The
// handlers answer JSON; the browser shell consuming them is deployed
// separately.

func (a *API) handleAdminSignIn(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		// Sign-in page placeholder; denied admin requests redirect here.
		writeJSON(w, http.StatusOK, map[string]any{
			"page": "sign_in",
		})
	case http.MethodPost:
		a.adminSignIn(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) adminSignIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	res, err := a.auth.SignIn(r.Context(), req.Username, req.Password)
	if err != nil {
		obs.ObserveSignIn("failure")
		handleAuthError(w, r, err)
		return
	}

	if res.RequiresOTP {
		obs.ObserveSignIn("challenge")
		writeJSON(w, http.StatusAccepted, map[string]any{
			"require_2fa": true,
			"temp_token":  res.TempToken,
		})
		return
	}

	obs.ObserveSignIn("success")
	_ = audit.LogEvent(r.Context(), "auth.sign_in.success", map[string]any{
		"username": res.Principal.Username,
		"user_id":  res.Principal.UserID,
		"surface":  string(auth.SurfaceAdmin),
	})
	a.setSessionCookies(w, res.Pair)
	writeJSON(w, http.StatusOK, map[string]any{
		"signed_in": true,
		"user":      res.Principal,
	})
}

func (a *API) handleAdminVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req verifyOTPRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	pair, principal, err := a.auth.VerifyStepUp(r.Context(), req.TempToken, req.Code)
	if err != nil {
		obs.ObserveOTPVerification("failure")
		handleAuthError(w, r, err)
		return
	}

	obs.ObserveOTPVerification("success")
	_ = audit.LogEvent(r.Context(), "auth.step_up.success", map[string]any{
		"username": principal.Username,
		"user_id":  principal.UserID,
		"surface":  string(auth.SurfaceAdmin),
	})
	a.setSessionCookies(w, pair)
	writeJSON(w, http.StatusOK, map[string]any{
		"signed_in": true,
		"user":      principal,
	})
}

func (a *API) handleAdminSignOut(w http.ResponseWriter, r *http.Request) {
	a.clearSessionCookies(w)
	writeJSON(w, http.StatusOK, map[string]any{
		"signed_out": true,
	})
}

func (a *API) handleAdminDashboard(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	users, err := a.store.Users(r.Context()).List(r.Context())
	if err != nil {
		handleStoreError(w, r, err)
		return
	}
	roles, err := a.store.Roles(r.Context()).List(r.Context())
	if err != nil {
		handleStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":       principal,
		"user_count": len(users),
		"role_count": len(roles),
	})
}

func (a *API) handleAdminUsers(w http.ResponseWriter, r *http.Request) {
	users, err := a.store.Users(r.Context()).List(r.Context())
	if err != nil {
		handleStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": users})
}

func (a *API) handleAdminRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := a.store.Roles(r.Context()).List(r.Context())
	if err != nil {
		handleStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": roles})
}
