package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"backplane.org/internal/totp"
)

const (
	defaultAccessTTL  = 20 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
	defaultPartialTTL = 5 * time.Minute

	// SubscriberRoleName is the role granted to self-registered accounts.
	SubscriberRoleName = "subscriber"
)

// Service implements the credential, sign-in, step-up and second-factor
// lifecycle on top of a Store, a token Codec and a TOTP manager. It holds no
// per-request state: everything lives in token claims and the store.
type Service struct {
	store Store
	codec *Codec
	otp   *totp.Manager

	accessTTL  time.Duration
	refreshTTL time.Duration
	partialTTL time.Duration
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithPartialTTL configures the short lifetime of step-up tokens.
func WithPartialTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.partialTTL = ttl
		}
		return nil
	}
}

// NewService constructs a Service with optional configuration.
func NewService(store Store, codec *Codec, otpMgr *totp.Manager, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	if codec == nil {
		return nil, errors.New("auth: token codec is required")
	}
	if otpMgr == nil {
		return nil, errors.New("auth: totp manager is required")
	}
	svc := &Service{
		store:      store,
		codec:      codec,
		otp:        otpMgr,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		partialTTL: defaultPartialTTL,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// Codec exposes the token codec for verification sites (middleware).
func (s *Service) Codec() *Codec { return s.codec }

// VerifyCredentials checks a username/password pair against the stored hash.
// Read-only; returns ErrNotFound for an unknown username and
// ErrInvalidCredential for a wrong password.
func (s *Service) VerifyCredentials(ctx context.Context, username, password string) (*User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, ErrInvalidCredential
	}
	user, err := s.store.Users(ctx).FindByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		return nil, ErrInvalidCredential
	}
	return user, nil
}

// SignInResult is either a full token pair or a step-up challenge.
type SignInResult struct {
	RequiresOTP bool
	TempToken   string
	Pair        *TokenPair
	Principal   Principal
}

// SignIn authenticates primary credentials. When the account has the second
// factor enabled it issues a restricted partial token instead of a grant.
func (s *Service) SignIn(ctx context.Context, username, password string) (*SignInResult, error) {
	user, err := s.VerifyCredentials(ctx, username, password)
	if err != nil {
		return nil, err
	}
	principal := principalFromUser(user)

	if user.OTPEnabled {
		restricted := principal
		restricted.RoleID = PartialRoleID
		temp, _, err := s.codec.Issue(restricted, TokenPartial, s.partialTTL)
		if err != nil {
			return nil, err
		}
		return &SignInResult{RequiresOTP: true, TempToken: temp, Principal: restricted}, nil
	}

	pair, err := s.issuePair(principal)
	if err != nil {
		return nil, err
	}
	return &SignInResult{Pair: pair, Principal: principal}, nil
}

// VerifyStepUp exchanges a partial token plus a TOTP code for a full token
// pair. Every failure surfaces as ErrInvalidCode so callers cannot tell
// whether the token or the code was at fault.
func (s *Service) VerifyStepUp(ctx context.Context, tempToken, code string) (*TokenPair, Principal, error) {
	claims, err := s.codec.VerifyType(tempToken, TokenPartial)
	if err != nil {
		return nil, Principal{}, ErrInvalidCode
	}
	// Re-resolve the user: the partial token's role is pinned to guest and
	// the second factor could have been disabled meanwhile.
	user, err := s.store.Users(ctx).Find(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, Principal{}, ErrInvalidCode
		}
		return nil, Principal{}, err
	}
	if !user.OTPEnabled || user.OTPSecret == "" {
		return nil, Principal{}, ErrInvalidCode
	}
	if !s.otp.Verify(user.OTPSecret, code) {
		return nil, Principal{}, ErrInvalidCode
	}
	principal := principalFromUser(user)
	pair, err := s.issuePair(principal)
	if err != nil {
		return nil, Principal{}, err
	}
	return pair, principal, nil
}

// Refresh exchanges a valid refresh token for a new access token. The new
// token is synthesized from the refresh claims without a store round trip;
// possession of an access token grants no permission by itself.
func (s *Service) Refresh(refreshToken string) (string, time.Time, *Claims, error) {
	claims, err := s.codec.VerifyType(refreshToken, TokenRefresh)
	if err != nil {
		return "", time.Time{}, nil, err
	}
	access, exp, err := s.codec.Issue(claims.Principal(), TokenAccess, s.accessTTL)
	if err != nil {
		return "", time.Time{}, nil, err
	}
	return access, exp, claims, nil
}

// Authenticate validates an access token and derives the request principal.
func (s *Service) Authenticate(accessToken string) (Principal, error) {
	claims, err := s.codec.VerifyType(accessToken, TokenAccess)
	if err != nil {
		return Principal{}, err
	}
	return claims.Principal(), nil
}

// TwoFactorSetup is the provisioning artifact returned by SetupTwoFactor.
type TwoFactorSetup struct {
	Secret string `json:"secret"`
	URI    string `json:"uri"`
	QRCode []byte `json:"qr_code"`
}

// SetupTwoFactor generates a fresh secret and its provisioning artifacts.
// Nothing is persisted until the first correct code arrives via
// EnableTwoFactor.
func (s *Service) SetupTwoFactor(principal Principal) (*TwoFactorSetup, error) {
	secret, err := s.otp.GenerateSecret()
	if err != nil {
		return nil, err
	}
	uri, err := s.otp.ProvisioningURI(secret, principal.Username)
	if err != nil {
		return nil, err
	}
	png, err := totp.QRCode(uri)
	if err != nil {
		return nil, err
	}
	return &TwoFactorSetup{Secret: secret, URI: uri, QRCode: png}, nil
}

// EnableTwoFactor persists the secret and sets the enabled flag, but only
// after the caller proves possession with a current code for that secret.
func (s *Service) EnableTwoFactor(ctx context.Context, userID, secret, code string) error {
	if !s.otp.Verify(secret, code) {
		return ErrInvalidCode
	}
	return s.store.Users(ctx).SetOTP(ctx, userID, secret, true)
}

// DisableTwoFactor clears the stored secret and the enabled flag.
func (s *Service) DisableTwoFactor(ctx context.Context, userID string) error {
	return s.store.Users(ctx).SetOTP(ctx, userID, "", false)
}

// SignUp registers a new account under the subscriber role.
func (s *Service) SignUp(ctx context.Context, username, password, email, fullName string) (*User, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(strings.ToLower(email))
	fullName = strings.TrimSpace(fullName)
	if username == "" || password == "" {
		return nil, fmt.Errorf("%w: username and password are required", ErrInvalidInput)
	}
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	role, err := s.store.Roles(ctx).FindByName(ctx, SubscriberRoleName)
	if err != nil {
		return nil, fmt.Errorf("resolve subscriber role: %w", err)
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	user := &User{
		Username:     username,
		Email:        email,
		FullName:     fullName,
		PasswordHash: hash,
		RoleID:       role.ID,
	}
	if err := s.store.Users(ctx).Create(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

func (s *Service) issuePair(p Principal) (*TokenPair, error) {
	access, accessExp, err := s.codec.Issue(p, TokenAccess, s.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, refreshExp, err := s.codec.Issue(p, TokenRefresh, s.refreshTTL)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

func principalFromUser(u *User) Principal {
	return Principal{
		UserID:     u.ID,
		Username:   u.Username,
		Email:      u.Email,
		FullName:   u.FullName,
		RoleID:     u.RoleID,
		OTPEnabled: u.OTPEnabled,
	}
}
