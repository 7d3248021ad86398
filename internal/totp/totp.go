// Package totp implements the time-based one-time-password second factor:
// secret generation, code verification with a small clock-skew window, and
// provisioning artifacts (otpauth:// URI plus a scannable QR image).
package totp

import (
	"crypto/rand"
	"encoding/base32"
	"errors"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	qrcode "github.com/skip2/go-qrcode"
)

const (
	secretSize = 20 // 160-bit secret per RFC 4226 recommendation
	digits     = otp.DigitsSix
	period     = 30
	qrSize     = 256
)

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// Manager issues and validates TOTP secrets for a fixed issuer label.
type Manager struct {
	issuer string
	now    func() time.Time
}

// Option configures Manager behavior.
type Option func(*Manager)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewManager constructs a Manager for the given provisioning issuer.
func NewManager(issuer string, opts ...Option) *Manager {
	m := &Manager{
		issuer: strings.TrimSpace(issuer),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GenerateSecret returns a new cryptographically random base32 secret.
func (m *Manager) GenerateSecret() (string, error) {
	buf := make([]byte, secretSize)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return b32.EncodeToString(buf), nil
}

// Verify reports whether code matches secret within the tolerance window
// (current step plus the immediately adjacent steps). Malformed input yields
// false, never an error.
func (m *Manager) Verify(secret, code string) bool {
	secret = normalizeSecret(secret)
	code = strings.TrimSpace(code)
	if secret == "" || len(code) != digits.Length() {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, m.now().UTC(), totp.ValidateOpts{
		Period:    period,
		Skew:      1,
		Digits:    digits,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return false
	}
	return ok
}

// ProvisioningURI renders the deterministic otpauth:// URI for an account
// label, suitable for authenticator apps.
func (m *Manager) ProvisioningURI(secret, account string) (string, error) {
	secret = normalizeSecret(secret)
	account = strings.TrimSpace(account)
	if secret == "" || account == "" {
		return "", errors.New("totp: secret and account are required")
	}
	raw, err := b32.DecodeString(secret)
	if err != nil {
		return "", errors.New("totp: secret is not valid base32")
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      m.issuer,
		AccountName: account,
		Secret:      raw,
		Period:      period,
		Digits:      digits,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", err
	}
	return key.String(), nil
}

// QRCode renders a provisioning URI as PNG bytes. Pure function of the URI.
func QRCode(uri string) ([]byte, error) {
	if strings.TrimSpace(uri) == "" {
		return nil, errors.New("totp: uri is required")
	}
	return qrcode.Encode(uri, qrcode.Medium, qrSize)
}

func normalizeSecret(secret string) string {
	return strings.ToUpper(strings.TrimSpace(secret))
}
