package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	pqotp "github.com/pquerna/otp"
	pqtotp "github.com/pquerna/otp/totp"

	"backplane.org/internal/auth"
	"backplane.org/internal/httpapi"
	"backplane.org/internal/store/mem"
	"backplane.org/internal/totp"
)

// fixture runs the whole stack against the in-memory store: the reconciler
// seeds the permission catalog, roles, and bootstrap users exactly as startup
// does, then requests flow through the real handler chain.
type fixture struct {
	t     *testing.T
	now   time.Time
	api   *httpapi.API
	store *mem.Store
	svc   *auth.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{t: t, now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }

	codec, err := auth.NewCodec("httpapi-test-secret", auth.WithCodecClock(clock))
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	f.store = mem.New()
	f.svc, err = auth.NewService(f.store, codec, totp.NewManager("Backplane", totp.WithClock(clock)))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	rec := auth.NewReconciler(f.store, auth.BootstrapAccounts{
		Owner:      auth.BootstrapAccount{Username: "root", Password: "root-pass-1", Email: "root@example.com"},
		Subscriber: auth.BootstrapAccount{Username: "sub", Password: "sub-pass-1", Email: "sub@example.com"},
		Observer:   auth.BootstrapAccount{Username: "obs", Password: "obs-pass-1", Email: "obs@example.com"},
	})
	if _, err := rec.Run(context.Background(), httpapi.Operations()); err != nil {
		t.Fatalf("reconciler: %v", err)
	}

	f.api = httpapi.New(f.svc, auth.NewResolver(f.store), f.store)
	return f
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	f.t.Helper()
	rr := httptest.NewRecorder()
	f.api.Handler().ServeHTTP(rr, req)
	return rr
}

func jsonReq(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
}

func (f *fixture) signIn(username, password string) (access, refresh string) {
	f.t.Helper()
	rr := f.do(jsonReq(f.t, http.MethodPost, "/auth/sign-in", map[string]string{
		"username": username, "password": password,
	}))
	if rr.Code != http.StatusOK {
		f.t.Fatalf("sign-in status = %d body=%s", rr.Code, rr.Body.String())
	}
	var resp struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	decodeBody(f.t, rr, &resp)
	return resp.AccessToken, resp.RefreshToken
}

func (f *fixture) otpCode(secret string) string {
	f.t.Helper()
	code, err := pqtotp.GenerateCodeCustom(secret, f.now, pqtotp.ValidateOpts{
		Period: 30, Digits: pqotp.DigitsSix, Algorithm: pqotp.AlgorithmSHA1,
	})
	if err != nil {
		f.t.Fatalf("generate code: %v", err)
	}
	return code
}

func TestSignInThenAuthorizedRequest(t *testing.T) {
	f := newFixture(t)
	access, _ := f.signIn("root", "root-pass-1")

	req := httptest.NewRequest(http.MethodGet, "/v1/users", nil)
	req.Header.Set("Authorization", "Bearer "+access)
	rr := f.do(req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Items []auth.User `json:"items"`
	}
	decodeBody(t, rr, &resp)
	if len(resp.Items) != 3 {
		t.Fatalf("len(items) = %d, want the 3 bootstrap users", len(resp.Items))
	}
}

func TestMissingTokenDeniedPerSurface(t *testing.T) {
	f := newFixture(t)

	rr := f.do(httptest.NewRequest(http.MethodGet, "/v1/users", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("api status = %d, want 401", rr.Code)
	}
	if got := rr.Header().Get("WWW-Authenticate"); got != "Bearer" {
		t.Fatalf("WWW-Authenticate = %q", got)
	}

	rr = f.do(httptest.NewRequest(http.MethodGet, "/admin/dashboard", nil))
	if rr.Code != http.StatusFound {
		t.Fatalf("admin status = %d, want 302", rr.Code)
	}
	if loc := rr.Header().Get("Location"); loc != "/admin/sign-in" {
		t.Fatalf("Location = %q", loc)
	}
}

func TestInsufficientRoleDenied(t *testing.T) {
	f := newFixture(t)
	access, _ := f.signIn("sub", "sub-pass-1")

	req := httptest.NewRequest(http.MethodGet, "/v1/users", nil)
	req.Header.Set("Authorization", "Bearer "+access)
	rr := f.do(req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rr.Code)
	}
}

func TestExpiredAccessRotatesInBand(t *testing.T) {
	f := newFixture(t)
	access, refresh := f.signIn("root", "root-pass-1")

	// Past the access lifetime, well within the refresh lifetime.
	f.now = f.now.Add(30 * time.Minute)

	req := httptest.NewRequest(http.MethodGet, "/v1/users", nil)
	req.Header.Set("Authorization", "Bearer "+access)
	req.Header.Set("X-Refresh-Token", refresh)
	rr := f.do(req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	rotated := rr.Header().Get("New-Access-Token")
	if rotated == "" {
		t.Fatal("missing New-Access-Token header")
	}

	// The rotated token authenticates on its own.
	req = httptest.NewRequest(http.MethodGet, "/v1/users", nil)
	req.Header.Set("Authorization", "Bearer "+rotated)
	if rr := f.do(req); rr.Code != http.StatusOK {
		t.Fatalf("rotated token status = %d", rr.Code)
	}
}

func TestExpiredEverythingDenied(t *testing.T) {
	f := newFixture(t)
	access, refresh := f.signIn("root", "root-pass-1")

	f.now = f.now.Add(8 * 24 * time.Hour)

	req := httptest.NewRequest(http.MethodGet, "/v1/users", nil)
	req.Header.Set("Authorization", "Bearer "+access)
	req.Header.Set("X-Refresh-Token", refresh)
	rr := f.do(req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
}

func TestRefreshTokenRejectedAsAccessToken(t *testing.T) {
	f := newFixture(t)
	_, refresh := f.signIn("root", "root-pass-1")

	req := httptest.NewRequest(http.MethodGet, "/v1/users", nil)
	req.Header.Set("Authorization", "Bearer "+refresh)
	rr := f.do(req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
}

func TestStepUpFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Enroll the owner's second factor directly through the service.
	root, err := f.store.Users(ctx).FindByUsername(ctx, "root")
	if err != nil {
		t.Fatalf("find root: %v", err)
	}
	secret := "JBSWY3DPEHPK3PXP"
	if err := f.store.Users(ctx).SetOTP(ctx, root.ID, secret, true); err != nil {
		t.Fatalf("SetOTP: %v", err)
	}

	rr := f.do(jsonReq(t, http.MethodPost, "/auth/sign-in", map[string]string{
		"username": "root", "password": "root-pass-1",
	}))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("sign-in status = %d, want 202", rr.Code)
	}
	var challenge struct {
		Require2FA bool   `json:"require_2fa"`
		TempToken  string `json:"temp_token"`
	}
	decodeBody(t, rr, &challenge)
	if !challenge.Require2FA || challenge.TempToken == "" {
		t.Fatalf("unexpected challenge: %+v", challenge)
	}

	// The voucher opens no doors on its own.
	req := httptest.NewRequest(http.MethodGet, "/v1/users", nil)
	req.Header.Set("Authorization", "Bearer "+challenge.TempToken)
	if rr := f.do(req); rr.Code != http.StatusUnauthorized {
		t.Fatalf("partial token status = %d, want 401", rr.Code)
	}

	// Wrong code is rejected; the voucher stays valid for a retry.
	rr = f.do(jsonReq(t, http.MethodPost, "/auth/verify-otp", map[string]string{
		"temp_token": challenge.TempToken, "code": "000000",
	}))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("wrong code status = %d, want 401", rr.Code)
	}

	rr = f.do(jsonReq(t, http.MethodPost, "/auth/verify-otp", map[string]string{
		"temp_token": challenge.TempToken, "code": f.otpCode(secret),
	}))
	if rr.Code != http.StatusOK {
		t.Fatalf("verify status = %d body=%s", rr.Code, rr.Body.String())
	}
	var tokens struct {
		AccessToken string `json:"access_token"`
	}
	decodeBody(t, rr, &tokens)

	req = httptest.NewRequest(http.MethodGet, "/v1/users", nil)
	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
	if rr := f.do(req); rr.Code != http.StatusOK {
		t.Fatalf("post step-up status = %d", rr.Code)
	}
}

func TestAdminCookieSession(t *testing.T) {
	f := newFixture(t)

	rr := f.do(jsonReq(t, http.MethodPost, "/admin/sign-in", map[string]string{
		"username": "root", "password": "root-pass-1",
	}))
	if rr.Code != http.StatusOK {
		t.Fatalf("admin sign-in status = %d body=%s", rr.Code, rr.Body.String())
	}
	cookies := rr.Result().Cookies()
	var accessCookie, refreshCookie *http.Cookie
	for _, c := range cookies {
		switch c.Name {
		case "access_token":
			accessCookie = c
		case "refresh_token":
			refreshCookie = c
		}
	}
	if accessCookie == nil || refreshCookie == nil {
		t.Fatalf("session cookies missing: %v", cookies)
	}
	if !accessCookie.HttpOnly || !refreshCookie.HttpOnly {
		t.Fatal("session cookies must be HttpOnly")
	}
	if refreshCookie.Path != "/admin" {
		t.Fatalf("refresh cookie path = %q", refreshCookie.Path)
	}

	req := httptest.NewRequest(http.MethodGet, "/admin/dashboard", nil)
	req.AddCookie(accessCookie)
	req.AddCookie(refreshCookie)
	rr = f.do(req)
	if rr.Code != http.StatusOK {
		t.Fatalf("dashboard status = %d body=%s", rr.Code, rr.Body.String())
	}

	// Expired access cookie: the refresh cookie rotates it in-band and the
	// response re-sets the access cookie.
	f.now = f.now.Add(30 * time.Minute)
	req = httptest.NewRequest(http.MethodGet, "/admin/dashboard", nil)
	req.AddCookie(accessCookie)
	req.AddCookie(refreshCookie)
	rr = f.do(req)
	if rr.Code != http.StatusOK {
		t.Fatalf("rotated dashboard status = %d", rr.Code)
	}
	var reset bool
	for _, c := range rr.Result().Cookies() {
		if c.Name == "access_token" && c.Value != "" && c.Value != accessCookie.Value {
			reset = true
		}
	}
	if !reset {
		t.Fatal("expected a re-set access_token cookie after in-band rotation")
	}
}

func TestAdminSignOutClearsCookies(t *testing.T) {
	f := newFixture(t)
	rr := f.do(jsonReq(t, http.MethodPost, "/admin/sign-out", map[string]string{}))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	for _, c := range rr.Result().Cookies() {
		if c.MaxAge >= 0 {
			t.Fatalf("cookie %s not expired: MaxAge=%d", c.Name, c.MaxAge)
		}
	}
}

func TestPublicEndpointsSkipAuth(t *testing.T) {
	f := newFixture(t)

	rr := f.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rr.Code)
	}

	rr = f.do(jsonReq(t, http.MethodPost, "/v1/webhooks/test", map[string]string{"ping": "pong"}))
	if rr.Code != http.StatusOK {
		t.Fatalf("webhook status = %d body=%s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Received bool `json:"received"`
	}
	decodeBody(t, rr, &resp)
	if !resp.Received {
		t.Fatal("webhook not acknowledged")
	}
}

func TestRefreshEndpoint(t *testing.T) {
	f := newFixture(t)
	_, refresh := f.signIn("root", "root-pass-1")

	req := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
	req.Header.Set("X-Refresh-Token", refresh)
	rr := f.do(req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	var resp struct {
		AccessToken string `json:"access_token"`
	}
	decodeBody(t, rr, &resp)
	if resp.AccessToken == "" {
		t.Fatal("missing rotated access token")
	}

	// An access token is not accepted by the rotation endpoint.
	access, _ := f.signIn("root", "root-pass-1")
	req = httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
	req.Header.Set("X-Refresh-Token", access)
	if rr := f.do(req); rr.Code != http.StatusUnauthorized {
		t.Fatalf("access-as-refresh status = %d, want 401", rr.Code)
	}
}
