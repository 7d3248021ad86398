package httpapi

import (
	"net/http"
	"strings"
	"time"

	"backplane.org/internal/audit"
	"backplane.org/internal/auth"
	"backplane.org/internal/obs"
)

type signInRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type signUpRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
}

type verifyOTPRequest struct {
	TempToken string `json:"temp_token"`
	Code      string `json:"code"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type twoFactorCodeRequest struct {
	Secret string `json:"secret"`
	Code   string `json:"code"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresAt    string `json:"expires_at"`
}

func tokenResponseFromPair(pair *auth.TokenPair) tokenResponse {
	return tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "bearer",
		ExpiresAt:    pair.AccessExpiresAt.UTC().Format(time.RFC3339),
	}
}

// handleSignIn authenticates primary credentials. Accounts with the second
// factor enabled get 202 plus a short-lived voucher instead of tokens.
func (a *API) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	res, err := a.auth.SignIn(r.Context(), req.Username, req.Password)
	if err != nil {
		obs.ObserveSignIn("failure")
		_ = audit.LogEvent(r.Context(), "auth.sign_in.failure", map[string]any{
			"username": strings.TrimSpace(req.Username),
		})
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
	})
	writeJSON(w, http.StatusOK, tokenResponseFromPair(res.Pair))
}

// handleVerifyOTP exchanges the step-up voucher plus a TOTP code for tokens.
func (a *API) handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
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
	})
	writeJSON(w, http.StatusOK, tokenResponseFromPair(pair))
}

// handleRefresh exchanges a refresh token for a fresh access token. The token
// arrives on the X-Refresh-Token header or in the body.
func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.Header.Get(refreshTokenHeader))
	if token == "" {
		var req refreshRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, "refresh token is required")
			return
		}
		token = strings.TrimSpace(req.RefreshToken)
	}
	if token == "" {
		writeError(w, r, http.StatusBadRequest, "refresh token is required")
		return
	}

	access, exp, _, err := a.auth.Refresh(token)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	obs.ObserveTokenRotation(string(auth.SurfaceAPI))
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: access,
		TokenType:   "bearer",
		ExpiresAt:   exp.UTC().Format(time.RFC3339),
	})
}

func (a *API) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var req signUpRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	user, err := a.auth.SignUp(r.Context(), req.Username, req.Password, req.Email, req.FullName)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.sign_up", map[string]any{
		"username": user.Username,
		"user_id":  user.ID,
	})
	w.Header().Set("Location", "/v1/users/"+user.ID)
	writeJSON(w, http.StatusCreated, user)
}

// --- second factor management (protected) ---

func (a *API) handleSetup2FA(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	setup, err := a.auth.SetupTwoFactor(principal)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, setup)
}

func (a *API) handleEnable2FA(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	var req twoFactorCodeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Secret) == "" || strings.TrimSpace(req.Code) == "" {
		writeError(w, r, http.StatusBadRequest, "secret and code are required")
		return
	}

	if err := a.auth.EnableTwoFactor(r.Context(), principal.UserID, req.Secret, req.Code); err != nil {
		obs.ObserveOTPVerification("failure")
		handleAuthError(w, r, err)
		return
	}
	obs.ObserveOTPVerification("success")
	_ = audit.LogEvent(r.Context(), "auth.2fa.enable", map[string]any{
		"user_id": principal.UserID,
	})
	writeJSON(w, http.StatusOK, map[string]any{"enabled": true})
}

func (a *API) handleDisable2FA(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	if err := a.auth.DisableTwoFactor(r.Context(), principal.UserID); err != nil {
		handleAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.2fa.disable", map[string]any{
		"user_id": principal.UserID,
	})
	writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
}

func (a *API) handleProfile(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	user, err := a.store.Users(r.Context()).Find(r.Context(), principal.UserID)
	if err != nil {
		handleStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}
