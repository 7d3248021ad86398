package auth_test

import (
	"context"
	"errors"
	"testing"
	"time"

	pqotp "github.com/pquerna/otp"
	pqtotp "github.com/pquerna/otp/totp"

	"backplane.org/internal/auth"
	"backplane.org/internal/store/mem"
	"backplane.org/internal/totp"
)

type serviceFixture struct {
	svc   *auth.Service
	store *mem.Store
	now   time.Time
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	codec, err := auth.NewCodec("service-test-secret", auth.WithCodecClock(clock))
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	store := mem.New()
	svc, err := auth.NewService(store, codec, totp.NewManager("Backplane", totp.WithClock(clock)))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return &serviceFixture{svc: svc, store: store, now: now}
}

func (f *serviceFixture) seedUser(t *testing.T, username, password, roleName string) *auth.User {
	t.Helper()
	ctx := context.Background()
	role, err := f.store.Roles(ctx).FindByName(ctx, roleName)
	if errors.Is(err, auth.ErrNotFound) {
		role = &auth.Role{Name: roleName}
		if err = f.store.Roles(ctx).Create(ctx, role); err != nil {
			t.Fatalf("create role: %v", err)
		}
	} else if err != nil {
		t.Fatalf("find role: %v", err)
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	user := &auth.User{
		Username:     username,
		Email:        username + "@example.com",
		FullName:     "Test " + username,
		PasswordHash: hash,
		RoleID:       role.ID,
	}
	if err := f.store.Users(ctx).Create(ctx, user); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return user
}

// code computes the TOTP value an authenticator app would show at the
// fixture's frozen clock.
func (f *serviceFixture) code(t *testing.T, secret string) string {
	t.Helper()
	code, err := pqtotp.GenerateCodeCustom(secret, f.now, pqtotp.ValidateOpts{
		Period:    30,
		Digits:    pqotp.DigitsSix,
		Algorithm: pqotp.AlgorithmSHA1,
	})
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	return code
}

func TestVerifyCredentials(t *testing.T) {
	f := newServiceFixture(t)
	f.seedUser(t, "alice", "s3cret-password", "subscriber")
	ctx := context.Background()

	if _, err := f.svc.VerifyCredentials(ctx, "alice", "s3cret-password"); err != nil {
		t.Fatalf("valid credentials: %v", err)
	}
	if _, err := f.svc.VerifyCredentials(ctx, "alice", "wrong"); !errors.Is(err, auth.ErrInvalidCredential) {
		t.Fatalf("wrong password: got %v, want ErrInvalidCredential", err)
	}
	if _, err := f.svc.VerifyCredentials(ctx, "nobody", "whatever"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("unknown user: got %v, want ErrNotFound", err)
	}
	if _, err := f.svc.VerifyCredentials(ctx, "", ""); !errors.Is(err, auth.ErrInvalidCredential) {
		t.Fatalf("blank credentials: got %v, want ErrInvalidCredential", err)
	}
}

func TestSignInWithoutSecondFactor(t *testing.T) {
	f := newServiceFixture(t)
	user := f.seedUser(t, "alice", "s3cret-password", "subscriber")
	ctx := context.Background()

	res, err := f.svc.SignIn(ctx, "alice", "s3cret-password")
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if res.RequiresOTP || res.TempToken != "" {
		t.Fatal("unexpected step-up challenge")
	}
	if res.Pair == nil {
		t.Fatal("missing token pair")
	}
	p, err := f.svc.Authenticate(res.Pair.AccessToken)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if p.UserID != user.ID || p.RoleID != user.RoleID {
		t.Fatalf("principal mismatch: %+v", p)
	}
}

func TestSignInWithSecondFactorIssuesPartialToken(t *testing.T) {
	f := newServiceFixture(t)
	user := f.seedUser(t, "alice", "s3cret-password", "owner")
	ctx := context.Background()
	if err := f.store.Users(ctx).SetOTP(ctx, user.ID, "JBSWY3DPEHPK3PXP", true); err != nil {
		t.Fatalf("SetOTP: %v", err)
	}

	res, err := f.svc.SignIn(ctx, "alice", "s3cret-password")
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if !res.RequiresOTP || res.TempToken == "" {
		t.Fatal("expected a step-up challenge")
	}
	if res.Pair != nil {
		t.Fatal("full pair issued before the second factor")
	}

	claims, err := f.svc.Codec().VerifyType(res.TempToken, auth.TokenPartial)
	if err != nil {
		t.Fatalf("partial token verify: %v", err)
	}
	if claims.RoleID != auth.PartialRoleID {
		t.Fatalf("partial token role = %q, want %q", claims.RoleID, auth.PartialRoleID)
	}

	// The partial token must be useless everywhere except step-up.
	if _, err := f.svc.Authenticate(res.TempToken); !errors.Is(err, auth.ErrTokenTypeMismatch) {
		t.Fatalf("Authenticate(partial): got %v, want ErrTokenTypeMismatch", err)
	}
	if _, _, _, err := f.svc.Refresh(res.TempToken); !errors.Is(err, auth.ErrTokenTypeMismatch) {
		t.Fatalf("Refresh(partial): got %v, want ErrTokenTypeMismatch", err)
	}
}

func TestVerifyStepUp(t *testing.T) {
	f := newServiceFixture(t)
	user := f.seedUser(t, "alice", "s3cret-password", "owner")
	ctx := context.Background()
	secret := "JBSWY3DPEHPK3PXP"
	if err := f.store.Users(ctx).SetOTP(ctx, user.ID, secret, true); err != nil {
		t.Fatalf("SetOTP: %v", err)
	}
	res, err := f.svc.SignIn(ctx, "alice", "s3cret-password")
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}

	if _, _, err := f.svc.VerifyStepUp(ctx, res.TempToken, "000000"); !errors.Is(err, auth.ErrInvalidCode) {
		t.Fatalf("wrong code: got %v, want ErrInvalidCode", err)
	}

	pair, principal, err := f.svc.VerifyStepUp(ctx, res.TempToken, f.code(t, secret))
	if err != nil {
		t.Fatalf("VerifyStepUp: %v", err)
	}
	if principal.RoleID != user.RoleID {
		t.Fatalf("principal role = %q, want the real role %q", principal.RoleID, user.RoleID)
	}
	if _, err := f.svc.Authenticate(pair.AccessToken); err != nil {
		t.Fatalf("Authenticate after step-up: %v", err)
	}
}

func TestVerifyStepUpRejectsNonPartialTokens(t *testing.T) {
	f := newServiceFixture(t)
	user := f.seedUser(t, "alice", "s3cret-password", "owner")
	ctx := context.Background()
	secret := "JBSWY3DPEHPK3PXP"
	if err := f.store.Users(ctx).SetOTP(ctx, user.ID, secret, true); err != nil {
		t.Fatalf("SetOTP: %v", err)
	}

	// A full access token is not a step-up voucher even with a valid code.
	access, _, err := f.svc.Codec().Issue(auth.Principal{UserID: user.ID, Username: user.Username, RoleID: user.RoleID}, auth.TokenAccess, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, _, err := f.svc.VerifyStepUp(ctx, access, f.code(t, secret)); !errors.Is(err, auth.ErrInvalidCode) {
		t.Fatalf("access token as voucher: got %v, want ErrInvalidCode", err)
	}
}

func TestVerifyStepUpAfterSecondFactorDisabled(t *testing.T) {
	f := newServiceFixture(t)
	user := f.seedUser(t, "alice", "s3cret-password", "owner")
	ctx := context.Background()
	secret := "JBSWY3DPEHPK3PXP"
	if err := f.store.Users(ctx).SetOTP(ctx, user.ID, secret, true); err != nil {
		t.Fatalf("SetOTP: %v", err)
	}
	res, err := f.svc.SignIn(ctx, "alice", "s3cret-password")
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if err := f.svc.DisableTwoFactor(ctx, user.ID); err != nil {
		t.Fatalf("DisableTwoFactor: %v", err)
	}
	if _, _, err := f.svc.VerifyStepUp(ctx, res.TempToken, f.code(t, secret)); !errors.Is(err, auth.ErrInvalidCode) {
		t.Fatalf("step-up after disable: got %v, want ErrInvalidCode", err)
	}
}

func TestRefreshRotatesAccessToken(t *testing.T) {
	f := newServiceFixture(t)
	user := f.seedUser(t, "alice", "s3cret-password", "subscriber")
	ctx := context.Background()
	res, err := f.svc.SignIn(ctx, "alice", "s3cret-password")
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}

	access, exp, claims, err := f.svc.Refresh(res.Pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if claims.Subject != user.ID {
		t.Fatalf("refresh claims subject = %q", claims.Subject)
	}
	if !exp.After(f.now) {
		t.Fatalf("rotated access expiry %v not after issue time", exp)
	}
	p, err := f.svc.Authenticate(access)
	if err != nil {
		t.Fatalf("Authenticate(rotated): %v", err)
	}
	if p.UserID != user.ID {
		t.Fatalf("rotated principal = %+v", p)
	}

	// Access tokens are not refresh tokens.
	if _, _, _, err := f.svc.Refresh(res.Pair.AccessToken); !errors.Is(err, auth.ErrTokenTypeMismatch) {
		t.Fatalf("Refresh(access): got %v, want ErrTokenTypeMismatch", err)
	}
}

func TestTwoFactorLifecycle(t *testing.T) {
	f := newServiceFixture(t)
	user := f.seedUser(t, "alice", "s3cret-password", "owner")
	ctx := context.Background()

	setup, err := f.svc.SetupTwoFactor(auth.Principal{UserID: user.ID, Username: user.Username})
	if err != nil {
		t.Fatalf("SetupTwoFactor: %v", err)
	}
	if setup.Secret == "" || setup.URI == "" || len(setup.QRCode) == 0 {
		t.Fatalf("incomplete setup artifact: %+v", setup)
	}

	// Setup alone must not touch the account.
	stored, err := f.store.Users(ctx).Find(ctx, user.ID)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if stored.OTPEnabled || stored.OTPSecret != "" {
		t.Fatal("setup persisted second-factor state prematurely")
	}

	if err := f.svc.EnableTwoFactor(ctx, user.ID, setup.Secret, "000000"); !errors.Is(err, auth.ErrInvalidCode) {
		t.Fatalf("enable with wrong code: got %v, want ErrInvalidCode", err)
	}
	stored, _ = f.store.Users(ctx).Find(ctx, user.ID)
	if stored.OTPEnabled {
		t.Fatal("wrong code still enabled the second factor")
	}

	if err := f.svc.EnableTwoFactor(ctx, user.ID, setup.Secret, f.code(t, setup.Secret)); err != nil {
		t.Fatalf("EnableTwoFactor: %v", err)
	}
	stored, _ = f.store.Users(ctx).Find(ctx, user.ID)
	if !stored.OTPEnabled || stored.OTPSecret != setup.Secret {
		t.Fatal("second factor not persisted after correct code")
	}

	if err := f.svc.DisableTwoFactor(ctx, user.ID); err != nil {
		t.Fatalf("DisableTwoFactor: %v", err)
	}
	stored, _ = f.store.Users(ctx).Find(ctx, user.ID)
	if stored.OTPEnabled || stored.OTPSecret != "" {
		t.Fatal("second factor not cleared")
	}
}

func TestSignUp(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	sub := &auth.Role{Name: auth.SubscriberRoleName}
	if err := f.store.Roles(ctx).Create(ctx, sub); err != nil {
		t.Fatalf("create role: %v", err)
	}

	user, err := f.svc.SignUp(ctx, "bob", "hunter2-hunter2", "Bob@Example.com", "Bob Builder")
	if err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	if user.RoleID != sub.ID {
		t.Fatalf("new account role = %q, want subscriber %q", user.RoleID, sub.ID)
	}
	if user.Email != "bob@example.com" {
		t.Fatalf("email not normalized: %q", user.Email)
	}

	if _, err := f.svc.SignUp(ctx, "bob", "another-pass", "bob2@example.com", ""); !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("duplicate username: got %v, want ErrConflict", err)
	}
	if _, err := f.svc.SignUp(ctx, "carol", "pass", "not-an-email", ""); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("bad email: got %v, want ErrInvalidInput", err)
	}
	if _, err := f.svc.SignUp(ctx, "", "", "x@example.com", ""); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("blank credentials: got %v, want ErrInvalidInput", err)
	}
}
