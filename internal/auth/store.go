package auth

import "context"

// Store describes persistence operations required by the auth subsystem.
// Implementations must be safe for concurrent use; every call runs on its own
// short-lived session so requests never share connection state.
type Store interface {
	Users(ctx context.Context) UserStore
	Roles(ctx context.Context) RoleStore
	Permissions(ctx context.Context) PermissionStore
}

// UserStore manages accounts.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByUsername(ctx context.Context, username string) (*User, error)
	List(ctx context.Context) ([]*User, error)
	UpdatePassword(ctx context.Context, userID, passwordHash string) error
	// SetOTP persists the second-factor state. An empty secret with
	// enabled=false clears it.
	SetOTP(ctx context.Context, userID, secret string, enabled bool) error
	Delete(ctx context.Context, id string) error
}

// RoleStore manages roles and their permission associations. SetPermissions
// writes through to both representations: the authoritative join rows and the
// embedded display list on the role record.
type RoleStore interface {
	Create(ctx context.Context, role *Role) error
	Find(ctx context.Context, id string) (*Role, error)
	FindByName(ctx context.Context, name string) (*Role, error)
	List(ctx context.Context) ([]*Role, error)
	Update(ctx context.Context, role *Role) error
	SoftDelete(ctx context.Context, id string) error
	SetPermissions(ctx context.Context, roleID string, permissionIDs []string) error
	// HasPermission consults only the join rows.
	HasPermission(ctx context.Context, roleID, permissionID string) (bool, error)
	PermissionIDs(ctx context.Context, roleID string) ([]string, error)
}

// PermissionStore manages the permission catalog.
type PermissionStore interface {
	// Ensure inserts the permissions that do not yet exist, keyed by
	// (name, action, surface), and reports how many rows were inserted.
	Ensure(ctx context.Context, perms []Permission) (int, error)
	FindByOperation(ctx context.Context, name, action string, surface Surface) (*Permission, error)
	List(ctx context.Context, surface Surface) ([]Permission, error)
	// IDs returns the identifiers of every live permission.
	IDs(ctx context.Context) ([]string, error)
}
