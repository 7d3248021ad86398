package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration. It is constructed once in
// main and passed by reference to every component; nothing in the process
// reads the environment after startup.
type Config struct {
	Addr  string `env:"BACKPLANE_ADDR" envDefault:":8080"`
	PGDSN string `env:"BACKPLANE_PG_DSN"`

	// Token signing. The secret is mandatory outside development mode.
	JWTSecret    string        `env:"BACKPLANE_JWT_SECRET"`
	JWTAlgorithm string        `env:"BACKPLANE_JWT_ALG" envDefault:"HS256"`
	AccessTTL    time.Duration `env:"BACKPLANE_ACCESS_TTL" envDefault:"20m"`
	RefreshTTL   time.Duration `env:"BACKPLANE_REFRESH_TTL" envDefault:"168h"`
	PartialTTL   time.Duration `env:"BACKPLANE_PARTIAL_TTL" envDefault:"5m"`

	// DevMode bypasses authorization entirely. Never enable it on a
	// deployment reachable by anyone but its developer.
	DevMode bool `env:"BACKPLANE_DEV_MODE" envDefault:"false"`

	// SecureCookies controls the Secure attribute on auth cookies. Disabled
	// automatically in dev mode so plain-HTTP local setups keep working.
	SecureCookies bool `env:"BACKPLANE_SECURE_COOKIES" envDefault:"true"`

	TOTPIssuer string `env:"BACKPLANE_TOTP_ISSUER" envDefault:"Backplane"`

	// Bootstrap accounts ensured by the startup reconciler.
	OwnerUser      string `env:"BACKPLANE_OWNER_USER" envDefault:"admin"`
	OwnerPass      string `env:"BACKPLANE_OWNER_PASS" envDefault:"change_this_password"`
	OwnerEmail     string `env:"BACKPLANE_OWNER_EMAIL" envDefault:"admin@example.com"`
	SubscriberUser string `env:"BACKPLANE_SUBSCRIBER_USER" envDefault:"subscriber"`
	SubscriberPass string `env:"BACKPLANE_SUBSCRIBER_PASS" envDefault:"subscriber"`
	SubscriberMail string `env:"BACKPLANE_SUBSCRIBER_EMAIL" envDefault:"subscriber@example.com"`
	ObserverUser   string `env:"BACKPLANE_OBSERVER_USER" envDefault:"observer"`
	ObserverPass   string `env:"BACKPLANE_OBSERVER_PASS" envDefault:"observer"`
	ObserverEmail  string `env:"BACKPLANE_OBSERVER_EMAIL" envDefault:"observer@example.com"`

	// Per-IP rate limiting on the credential endpoints.
	RateLimitBurst     int `env:"BACKPLANE_RATE_BURST" envDefault:"10"`
	RateLimitPerSecond int `env:"BACKPLANE_RATE_PER_SECOND" envDefault:"5"`
}

// Load reads an optional .env file, parses the environment and validates the
// result.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.DevMode {
		cfg.SecureCookies = false
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.JWTSecret) == "" && !c.DevMode {
		return errors.New("config: BACKPLANE_JWT_SECRET is required outside dev mode")
	}
	switch c.JWTAlgorithm {
	case "HS256", "HS384", "HS512":
	default:
		return fmt.Errorf("config: unsupported JWT algorithm %q", c.JWTAlgorithm)
	}
	if c.AccessTTL <= 0 || c.RefreshTTL <= 0 || c.PartialTTL <= 0 {
		return errors.New("config: token TTLs must be greater than zero")
	}
	if c.RefreshTTL <= c.AccessTTL {
		return errors.New("config: refresh TTL must exceed access TTL")
	}
	return nil
}
