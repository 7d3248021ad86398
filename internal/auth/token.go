package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenType discriminates the three token kinds. Every verification site must
// check the type: cross-type acceptance is a token-confusion defect.
type TokenType string

const (
	// TokenAccess authorizes ordinary requests.
	TokenAccess TokenType = "access"
	// TokenRefresh is accepted only by the rotation endpoint.
	TokenRefresh TokenType = "refresh"
	// TokenPartial is issued when primary credentials succeeded but the
	// second factor is still pending; only the step-up endpoint accepts it.
	TokenPartial TokenType = "partial"
)

// PartialRoleID is pinned into partial tokens so they carry no permissions
// even if a verification site forgets the type check.
const PartialRoleID = "guest"

// Claims is the self-contained claim bundle carried by every token.
type Claims struct {
	Username   string    `json:"username"`
	Email      string    `json:"email,omitempty"`
	FullName   string    `json:"full_name,omitempty"`
	RoleID     string    `json:"role"`
	OTPEnabled bool      `json:"otp_enabled,omitempty"`
	TokenType  TokenType `json:"type"`
	jwt.RegisteredClaims
}

// Principal derives the per-request identity from verified claims.
func (c *Claims) Principal() Principal {
	return Principal{
		UserID:     c.Subject,
		Username:   c.Username,
		Email:      c.Email,
		FullName:   c.FullName,
		RoleID:     c.RoleID,
		OTPEnabled: c.OTPEnabled,
	}
}

// Codec signs and verifies tokens with a configured HMAC secret. The codec is
// type-agnostic: Verify validates signature and expiry only, and callers
// enforce the expected TokenType (or use VerifyType).
type Codec struct {
	secret []byte
	method jwt.SigningMethod
	issuer string
	now    func() time.Time
}

// CodecOption configures Codec behavior.
type CodecOption func(*Codec) error

// WithAlgorithm selects the HMAC signing algorithm (HS256, HS384, HS512).
func WithAlgorithm(alg string) CodecOption {
	return func(c *Codec) error {
		method := jwt.GetSigningMethod(alg)
		if method == nil {
			return fmt.Errorf("auth: unknown signing algorithm %q", alg)
		}
		if _, ok := method.(*jwt.SigningMethodHMAC); !ok {
			return fmt.Errorf("auth: signing algorithm %q is not HMAC", alg)
		}
		c.method = method
		return nil
	}
}

// WithCodecIssuer sets the iss claim stamped into issued tokens.
func WithCodecIssuer(issuer string) CodecOption {
	return func(c *Codec) error {
		c.issuer = strings.TrimSpace(issuer)
		return nil
	}
}

// WithCodecClock overrides the time source (useful for tests).
func WithCodecClock(fn func() time.Time) CodecOption {
	return func(c *Codec) error {
		if fn != nil {
			c.now = fn
		}
		return nil
	}
}

// NewCodec constructs a Codec for the given signing secret.
func NewCodec(secret string, opts ...CodecOption) (*Codec, error) {
	if secret == "" {
		return nil, errors.New("auth: signing secret is required")
	}
	c := &Codec{
		secret: []byte(secret),
		method: jwt.SigningMethodHS256,
		issuer: "backplane",
		now:    time.Now,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Issue signs a token of the given type for the principal. iat is now, exp is
// now+ttl, jti is unique per token.
func (c *Codec) Issue(p Principal, typ TokenType, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 {
		return "", time.Time{}, errors.New("auth: ttl must be greater than zero")
	}
	if strings.TrimSpace(p.UserID) == "" {
		return "", time.Time{}, errors.New("auth: subject is required")
	}
	now := c.now().UTC()
	exp := now.Add(ttl)
	claims := Claims{
		Username:   p.Username,
		Email:      p.Email,
		FullName:   p.FullName,
		RoleID:     p.RoleID,
		OTPEnabled: p.OTPEnabled,
		TokenType:  typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   p.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(c.method, claims).SignedString(c.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Verify checks signature and expiry and returns the claims. Two calls on the
// same unexpired token return identical claims.
func (c *Codec) Verify(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrTokenMalformed
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{c.method.Alg()}),
		jwt.WithTimeFunc(c.now),
		jwt.WithIssuer(c.issuer),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenMalformed
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrTokenMalformed
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrTokenMalformed
	}
	return claims, nil
}

// VerifyType verifies the token and enforces the expected type.
func (c *Codec) VerifyType(token string, want TokenType) (*Claims, error) {
	claims, err := c.Verify(token)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != want {
		return nil, ErrTokenTypeMismatch
	}
	return claims, nil
}
