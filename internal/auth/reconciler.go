package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Baseline roles ensured at startup. Owner holds every current permission,
// subscriber holds none, observer exists for metrics consumers.
const (
	OwnerRoleName    = "owner"
	ObserverRoleName = "observer"

	ownerRoleLevel      = 100
	observerRoleLevel   = 50
	subscriberRoleLevel = 0
)

// BootstrapAccount describes a user ensured alongside a baseline role.
type BootstrapAccount struct {
	Username string
	Password string
	Email    string
	FullName string
}

// BootstrapAccounts carries the three baseline accounts, typically sourced
// from environment configuration.
type BootstrapAccounts struct {
	Owner      BootstrapAccount
	Subscriber BootstrapAccount
	Observer   BootstrapAccount
}

// Reconciler synchronizes the declared operation set with the persisted
// permission catalog and ensures the baseline roles and users exist. Running
// it twice with an unchanged operation set is a no-op.
type Reconciler struct {
	store Store
	boot  BootstrapAccounts
}

// NewReconciler constructs a Reconciler.
func NewReconciler(store Store, boot BootstrapAccounts) *Reconciler {
	return &Reconciler{store: store, boot: boot}
}

// Run diffs the declared operations against persisted permissions, inserts
// the missing records, and ensures baseline roles and their bootstrap users.
// It reports how many permission rows were inserted.
func (r *Reconciler) Run(ctx context.Context, ops []Operation) (int, error) {
	perms := permissionsForOperations(ops)
	inserted, err := r.store.Permissions(ctx).Ensure(ctx, perms)
	if err != nil {
		return 0, fmt.Errorf("ensure permissions: %w", err)
	}

	allIDs, err := r.store.Permissions(ctx).IDs(ctx)
	if err != nil {
		return inserted, fmt.Errorf("list permission ids: %w", err)
	}

	// Owner tracks the full catalog on every run; new operations appear in
	// its grant without manual intervention.
	owner, err := r.ensureRole(ctx, OwnerRoleName, "Owner role with full system access", ownerRoleLevel)
	if err != nil {
		return inserted, err
	}
	if err := r.store.Roles(ctx).SetPermissions(ctx, owner.ID, allIDs); err != nil {
		return inserted, fmt.Errorf("grant owner permissions: %w", err)
	}

	subscriber, err := r.ensureRole(ctx, SubscriberRoleName, "Default role for self-registered accounts", subscriberRoleLevel)
	if err != nil {
		return inserted, err
	}
	observer, err := r.ensureRole(ctx, ObserverRoleName, "Observer role with metrics access only", observerRoleLevel)
	if err != nil {
		return inserted, err
	}

	for _, item := range []struct {
		role    *Role
		account BootstrapAccount
	}{
		{owner, r.boot.Owner},
		{subscriber, r.boot.Subscriber},
		{observer, r.boot.Observer},
	} {
		if err := r.ensureUser(ctx, item.role, item.account); err != nil {
			return inserted, err
		}
	}
	return inserted, nil
}

func (r *Reconciler) ensureRole(ctx context.Context, name, description string, level int) (*Role, error) {
	roles := r.store.Roles(ctx)
	role, err := roles.FindByName(ctx, name)
	if err == nil {
		return role, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("find role %s: %w", name, err)
	}
	role = &Role{Name: name, Description: description, Level: level}
	if err := roles.Create(ctx, role); err != nil {
		// A concurrent replica may have created it between find and create.
		if errors.Is(err, ErrConflict) {
			return roles.FindByName(ctx, name)
		}
		return nil, fmt.Errorf("create role %s: %w", name, err)
	}
	return role, nil
}

func (r *Reconciler) ensureUser(ctx context.Context, role *Role, account BootstrapAccount) error {
	username := strings.TrimSpace(account.Username)
	if username == "" || account.Password == "" {
		return nil
	}
	users := r.store.Users(ctx)
	if _, err := users.FindByUsername(ctx, username); err == nil {
		return nil
	} else if !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("find user %s: %w", username, err)
	}
	hash, err := HashPassword(account.Password)
	if err != nil {
		return err
	}
	fullName := account.FullName
	if fullName == "" {
		fullName = "System " + strings.ToUpper(role.Name[:1]) + role.Name[1:]
	}
	user := &User{
		Username:     username,
		Email:        account.Email,
		FullName:     fullName,
		PasswordHash: hash,
		RoleID:       role.ID,
	}
	if err := users.Create(ctx, user); err != nil && !errors.Is(err, ErrConflict) {
		return fmt.Errorf("create user %s: %w", username, err)
	}
	return nil
}

// permissionsForOperations maps the non-public declared operations to the
// permission records they require. Action is the operation's HTTP method.
func permissionsForOperations(ops []Operation) []Permission {
	seen := make(map[string]struct{}, len(ops))
	perms := make([]Permission, 0, len(ops))
	for _, op := range ops {
		if op.Public {
			continue
		}
		name := strings.TrimSpace(op.Name)
		method := strings.ToUpper(strings.TrimSpace(op.Method))
		if name == "" || method == "" {
			continue
		}
		key := name + "\x00" + method + "\x00" + string(op.Surface)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		perms = append(perms, Permission{
			Name:        name,
			Action:      method,
			Description: fmt.Sprintf("%s %s (%s surface)", method, op.Path, op.Surface),
			Surface:     op.Surface,
		})
	}
	return perms
}
