package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"backplane.org/internal/auth"
	"backplane.org/internal/obs"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "

	// Rotated access tokens ride back to API clients on this header.
	newAccessTokenHeader = "New-Access-Token"
	refreshTokenHeader   = "X-Refresh-Token"

	accessCookieName  = "access_token"
	refreshCookieName = "refresh_token"

	adminSignInPath = "/admin/sign-in"
)

// protect wraps a handler with the session flow for one declared operation:
// validate the access token, fall back to the refresh token with in-band
// rotation, then check the principal's role against the operation's
// permission record. Public operations never come through here.
func (a *API) protect(op auth.Operation, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		access, refresh := a.extractTokens(r, op.Surface)

		if a.devMode && access == "" && refresh == "" {
			next(w, r)
			return
		}

		principal, ok := a.establishSession(w, r, op.Surface, access, refresh)
		if !ok {
			return
		}

		if err := a.resolver.Check(r.Context(), principal.RoleID, op.Name, op.Method, op.Surface); err != nil {
			if errors.Is(err, auth.ErrUnauthorized) || errors.Is(err, auth.ErrMissingPermissionRecord) {
				a.denyForbidden(w, r, op.Surface)
				return
			}
			writeError(w, r, http.StatusInternalServerError, "internal error")
			return
		}

		ctx := auth.ContextWithPrincipal(r.Context(), principal)
		next(w, r.WithContext(ctx))
	}
}

// establishSession resolves the request principal from the access token, or
// from the refresh token with an in-band access rotation. On failure it writes
// the surface-appropriate denial and returns ok=false.
func (a *API) establishSession(w http.ResponseWriter, r *http.Request, surface auth.Surface, access, refresh string) (auth.Principal, bool) {
	if access != "" {
		principal, err := a.auth.Authenticate(access)
		if err == nil {
			return principal, true
		}
		// Anything but expiry is a hard failure; expiry falls through to
		// the refresh path.
		if !errors.Is(err, auth.ErrTokenExpired) && refresh == "" {
			a.denyUnauthenticated(w, r, surface)
			return auth.Principal{}, false
		}
	}

	if refresh != "" {
		rotated, exp, claims, err := a.auth.Refresh(refresh)
		if err == nil {
			a.depositAccessToken(w, surface, rotated, exp)
			obs.ObserveTokenRotation(string(surface))
			return claims.Principal(), true
		}
	}

	a.denyUnauthenticated(w, r, surface)
	return auth.Principal{}, false
}

func (a *API) extractTokens(r *http.Request, surface auth.Surface) (access, refresh string) {
	switch surface {
	case auth.SurfaceAdmin:
		if c, err := r.Cookie(accessCookieName); err == nil {
			access = c.Value
		}
		if c, err := r.Cookie(refreshCookieName); err == nil {
			refresh = c.Value
		}
	default:
		access, _ = extractBearerToken(r.Header.Get(authHeader))
		refresh = strings.TrimSpace(r.Header.Get(refreshTokenHeader))
	}
	return access, refresh
}

// depositAccessToken returns a rotated access token to the client the way the
// surface carries tokens: a response header for API clients, a re-set cookie
// for the browser surface.
func (a *API) depositAccessToken(w http.ResponseWriter, surface auth.Surface, token string, exp time.Time) {
	switch surface {
	case auth.SurfaceAdmin:
		http.SetCookie(w, a.accessCookie(token, exp))
	default:
		w.Header().Set(newAccessTokenHeader, token)
	}
}

func (a *API) denyUnauthenticated(w http.ResponseWriter, r *http.Request, surface auth.Surface) {
	obs.ObserveDenial(string(surface))
	if surface == auth.SurfaceAdmin {
		http.Redirect(w, r, adminSignInPath, http.StatusFound)
		return
	}
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, r, http.StatusUnauthorized, "authentication required")
}

func (a *API) denyForbidden(w http.ResponseWriter, r *http.Request, surface auth.Surface) {
	obs.ObserveDenial(string(surface))
	if surface == auth.SurfaceAdmin {
		http.Redirect(w, r, adminSignInPath, http.StatusFound)
		return
	}
	writeError(w, r, http.StatusForbidden, "permission denied")
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

// --- session cookies ---

func (a *API) accessCookie(token string, exp time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     accessCookieName,
		Value:    token,
		Path:     "/",
		Expires:  exp,
		HttpOnly: true,
		Secure:   a.secureCookies,
		SameSite: http.SameSiteLaxMode,
	}
}

// The refresh cookie is path-scoped to the admin tree so it accompanies admin
// requests (enabling in-band rotation) but nothing else.
func (a *API) refreshCookie(token string, exp time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     refreshCookieName,
		Value:    token,
		Path:     "/admin",
		Expires:  exp,
		HttpOnly: true,
		Secure:   a.secureCookies,
		SameSite: http.SameSiteLaxMode,
	}
}

func (a *API) setSessionCookies(w http.ResponseWriter, pair *auth.TokenPair) {
	http.SetCookie(w, a.accessCookie(pair.AccessToken, pair.AccessExpiresAt))
	http.SetCookie(w, a.refreshCookie(pair.RefreshToken, pair.RefreshExpiresAt))
}

func (a *API) clearSessionCookies(w http.ResponseWriter) {
	expired := time.Unix(0, 0)
	access := a.accessCookie("", expired)
	access.MaxAge = -1
	refresh := a.refreshCookie("", expired)
	refresh.MaxAge = -1
	http.SetCookie(w, access)
	http.SetCookie(w, refresh)
}
