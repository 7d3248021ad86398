package auth

import "time"

// Surface identifies a client-facing channel. The two surfaces carry tokens
// differently (cookies vs. bearer headers) and permissions are scoped per
// surface so identical operation names do not collide.
type Surface string

const (
	SurfaceAPI   Surface = "api"
	SurfaceAdmin Surface = "admin"
)

// User is a stored account. PasswordHash and OTPSecret never leave the
// persistence boundary.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	FullName     string    `json:"full_name"`
	PasswordHash string    `json:"-"`
	RoleID       string    `json:"role_id"`
	OTPSecret    string    `json:"-"`
	OTPEnabled   bool      `json:"otp_enabled"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Role groups permissions. PermissionIDs is the embedded display list kept in
// sync on every mutation; the role_permissions join rows remain authoritative
// for authorization checks.
type Role struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Description   string     `json:"description,omitempty"`
	Level         int        `json:"level"`
	Disabled      bool       `json:"disabled"`
	PermissionIDs []string   `json:"permissions"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	DeletedAt     *time.Time `json:"deleted_at,omitempty"`
}

// Permission maps 1:1 to an operation identifier on one surface. The triple
// (Name, Action, Surface) is unique.
type Permission struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Action      string     `json:"action"`
	Description string     `json:"description,omitempty"`
	Surface     Surface    `json:"surface"`
	CreatedAt   time.Time  `json:"created_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

// Operation is a statically declared route identity consumed by both the
// router wiring and the startup reconciler, so the permission catalog cannot
// drift from the served routes.
type Operation struct {
	Name    string
	Method  string
	Path    string
	Surface Surface
	// Public operations carry no permission requirement: the sign-in
	// endpoints themselves, inbound webhooks, health and metrics.
	Public bool
}

// Principal is the per-request identity derived from verified token claims.
// It is never persisted and is discarded at request end.
type Principal struct {
	UserID     string `json:"user_id"`
	Username   string `json:"username"`
	Email      string `json:"email,omitempty"`
	FullName   string `json:"full_name,omitempty"`
	RoleID     string `json:"role_id"`
	OTPEnabled bool   `json:"otp_enabled"`
}

// TokenPair is a full grant: short-lived access plus long-lived refresh.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}
