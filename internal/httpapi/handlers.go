package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"backplane.org/internal/auth"
	"backplane.org/internal/obs"
)

// ReadyProbe is the readiness check (database ping when configured).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer over the auth service: the bearer-token surface under
// /auth and /v1, and the cookie-session surface under /admin.
type API struct {
	mux        *http.ServeMux
	auth       *auth.Service
	resolver   *auth.Resolver
	store      auth.Store
	readyProbe ReadyProbe
	version    string

	devMode       bool
	secureCookies bool
}

// Option configures the API.
type Option func(*API)

// WithReadyProbe installs the readiness check.
func WithReadyProbe(rp ReadyProbe) Option {
	return func(a *API) { a.readyProbe = rp }
}

// WithVersion stamps the build version into health and info responses.
func WithVersion(version string) Option {
	return func(a *API) { a.version = version }
}

// WithDevMode skips authentication when no credentials accompany the request.
// Never enable outside local development.
func WithDevMode(enabled bool) Option {
	return func(a *API) { a.devMode = enabled }
}

// WithSecureCookies marks session cookies Secure (HTTPS-only deployments).
func WithSecureCookies(enabled bool) Option {
	return func(a *API) { a.secureCookies = enabled }
}

// New wires both surfaces from the operation tables.
func New(svc *auth.Service, resolver *auth.Resolver, store auth.Store, opts ...Option) *API {
	a := &API{
		mux:      http.NewServeMux(),
		auth:     svc,
		resolver: resolver,
		store:    store,
		version:  "dev",
	}
	for _, opt := range opts {
		opt(a)
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// Bearer-token surface: session endpoints.
	a.mux.HandleFunc("/auth/sign-in", post(a.handleSignIn))
	a.mux.HandleFunc("/auth/sign-up", post(a.handleSignUp))
	a.mux.HandleFunc("/auth/refresh", post(a.handleRefresh))
	a.mux.HandleFunc("/auth/verify-otp", post(a.handleVerifyOTP))
	a.mux.HandleFunc("/auth/2fa/setup",
		post(a.protect(mustOp(auth.SurfaceAPI, "setup_2fa", http.MethodPost), a.handleSetup2FA)))
	a.mux.HandleFunc("/auth/2fa/enable",
		post(a.protect(mustOp(auth.SurfaceAPI, "enable_2fa", http.MethodPost), a.handleEnable2FA)))
	a.mux.HandleFunc("/auth/2fa/disable",
		post(a.protect(mustOp(auth.SurfaceAPI, "disable_2fa", http.MethodPost), a.handleDisable2FA)))

	// Bearer-token surface: resources.
	a.mux.HandleFunc("/v1/me",
		a.protect(mustOp(auth.SurfaceAPI, "profile", http.MethodGet), a.handleProfile))
	a.mux.HandleFunc("/v1/users", a.handleUsersCollection)
	a.mux.HandleFunc("/v1/users/", a.handleUserResource)
	a.mux.HandleFunc("/v1/roles", a.handleRolesCollection)
	a.mux.HandleFunc("/v1/roles/", a.handleRoleResource)
	a.mux.HandleFunc("/v1/permissions",
		a.protect(mustOp(auth.SurfaceAPI, "permissions", http.MethodGet), a.handleListPermissions))
	a.mux.HandleFunc("/v1/webhooks/test", post(a.handleWebhookTest))

	// Cookie-session surface.
	a.mux.HandleFunc("/admin/sign-in", a.handleAdminSignIn)
	a.mux.HandleFunc("/admin/verify-otp", post(a.handleAdminVerifyOTP))
	a.mux.HandleFunc("/admin/sign-out", post(a.handleAdminSignOut))
	a.mux.HandleFunc("/admin/dashboard",
		a.protect(mustOp(auth.SurfaceAdmin, "dashboard", http.MethodGet), a.handleAdminDashboard))
	a.mux.HandleFunc("/admin/users",
		a.protect(mustOp(auth.SurfaceAdmin, "users", http.MethodGet), a.handleAdminUsers))
	a.mux.HandleFunc("/admin/roles",
		a.protect(mustOp(auth.SurfaceAdmin, "roles", http.MethodGet), a.handleAdminRoles))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler wraps the mux with metrics instrumentation.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.mux)
}

// post restricts a handler to POST.
func post(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		next(w, r)
	}
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "backplane-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "backplane-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}
