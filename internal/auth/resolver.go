package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Resolver maps a (operation, method, surface) triple to its required
// permission and decides whether a role currently holds it. Operations with
// no permission record are denied: public operations are allowlisted in the
// static operation tables and never reach the resolver, so a missing record
// here means the reconciler has not run (or the route was never declared) and
// deny is the safe default.
type Resolver struct {
	store Store
}

// NewResolver constructs a Resolver over the given store.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// RequiredPermission returns the permission record for an operation, or
// ErrMissingPermissionRecord if none exists.
func (r *Resolver) RequiredPermission(ctx context.Context, name, method string, surface Surface) (*Permission, error) {
	name = strings.TrimSpace(name)
	method = strings.ToUpper(strings.TrimSpace(method))
	if name == "" || method == "" {
		return nil, fmt.Errorf("%w: operation name and method are required", ErrInvalidInput)
	}
	perm, err := r.store.Permissions(ctx).FindByOperation(ctx, name, method, surface)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrMissingPermissionRecord
		}
		return nil, err
	}
	return perm, nil
}

// Authorize reports whether the role holds the permission. Only the
// role_permissions association rows are consulted; the embedded list on the
// role record is a display cache and never read here. Disabled and
// soft-deleted roles hold nothing.
func (r *Resolver) Authorize(ctx context.Context, roleID string, perm *Permission) (bool, error) {
	if perm == nil || strings.TrimSpace(roleID) == "" {
		return false, nil
	}
	role, err := r.store.Roles(ctx).Find(ctx, roleID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if role.Disabled || role.DeletedAt != nil {
		return false, nil
	}
	return r.store.Roles(ctx).HasPermission(ctx, roleID, perm.ID)
}

// Check combines lookup and authorization into a single allow/deny decision:
// nil on allow, ErrMissingPermissionRecord or ErrUnauthorized on deny.
func (r *Resolver) Check(ctx context.Context, roleID, name, method string, surface Surface) error {
	perm, err := r.RequiredPermission(ctx, name, method, surface)
	if err != nil {
		return err
	}
	ok, err := r.Authorize(ctx, roleID, perm)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnauthorized
	}
	return nil
}
