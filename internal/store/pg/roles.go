package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"backplane.org/internal/auth"
	"backplane.org/internal/ids"
)

type roleStore struct {
	db *sql.DB
}

const roleColumns = `id, name, coalesce(description,''), level, disabled, permissions, created_at, updated_at, deleted_at`

func scanRole(row interface{ Scan(...any) error }) (*auth.Role, error) {
	var (
		role     auth.Role
		rawPerms []byte
		deleted  sql.NullTime
	)
	err := row.Scan(&role.ID, &role.Name, &role.Description, &role.Level,
		&role.Disabled, &rawPerms, &role.CreatedAt, &role.UpdatedAt, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(rawPerms) > 0 {
		if err := json.Unmarshal(rawPerms, &role.PermissionIDs); err != nil {
			return nil, fmt.Errorf("decode permission list: %w", err)
		}
	}
	if deleted.Valid {
		t := deleted.Time
		role.DeletedAt = &t
	}
	return &role, nil
}

func (s *roleStore) Create(ctx context.Context, role *auth.Role) error {
	if role.ID == "" {
		role.ID = ids.New()
	}
	row := s.db.QueryRowContext(ctx, `
		insert into roles (id, name, description, level, disabled, permissions)
		values ($1, $2, $3, $4, $5, '[]'::jsonb)
		returning created_at, updated_at
	`, role.ID, role.Name, nullIfEmpty(role.Description), role.Level, role.Disabled)
	if err := row.Scan(&role.CreatedAt, &role.UpdatedAt); err != nil {
		return mapWriteError(err)
	}
	return nil
}

func (s *roleStore) Find(ctx context.Context, id string) (*auth.Role, error) {
	return scanRole(s.db.QueryRowContext(ctx, `
		select `+roleColumns+` from roles where id = $1
	`, id))
}

func (s *roleStore) FindByName(ctx context.Context, name string) (*auth.Role, error) {
	return scanRole(s.db.QueryRowContext(ctx, `
		select `+roleColumns+` from roles where name = $1 and deleted_at is null
	`, name))
}

func (s *roleStore) List(ctx context.Context) ([]*auth.Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+roleColumns+` from roles where deleted_at is null order by level desc, name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []*auth.Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return roles, nil
}

func (s *roleStore) Update(ctx context.Context, role *auth.Role) error {
	res, err := s.db.ExecContext(ctx, `
		update roles
		set name = $2, description = $3, level = $4, disabled = $5, updated_at = now()
		where id = $1 and deleted_at is null
	`, role.ID, role.Name, nullIfEmpty(role.Description), role.Level, role.Disabled)
	if err != nil {
		return mapWriteError(err)
	}
	return requireAffected(res)
}

func (s *roleStore) SoftDelete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		update roles set deleted_at = now() where id = $1 and deleted_at is null
	`, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// SetPermissions replaces the role's grant atomically: the authoritative
// role_permissions rows and the embedded display list change in one
// transaction so readers never observe them out of sync.
func (s *roleStore) SetPermissions(ctx context.Context, roleID string, permissionIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `
		select 1 from roles where id = $1 and deleted_at is null for update
	`, roleID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return auth.ErrNotFound
		}
		return err
	}

	if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id = $1`, roleID); err != nil {
		return err
	}
	deduped := make([]string, 0, len(permissionIDs))
	seen := make(map[string]struct{}, len(permissionIDs))
	for _, permID := range permissionIDs {
		if _, dup := seen[permID]; dup {
			continue
		}
		seen[permID] = struct{}{}
		deduped = append(deduped, permID)
		if _, err := tx.ExecContext(ctx, `
			insert into role_permissions (role_id, permission_id) values ($1, $2)
		`, roleID, permID); err != nil {
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
				return fmt.Errorf("%w: permission %s not found", auth.ErrNotFound, permID)
			}
			return err
		}
	}

	listJSON, err := json.Marshal(deduped)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		update roles set permissions = $2, updated_at = now() where id = $1
	`, roleID, listJSON); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *roleStore) HasPermission(ctx context.Context, roleID, permissionID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		select 1 from role_permissions where role_id = $1 and permission_id = $2
	`, roleID, permissionID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *roleStore) PermissionIDs(ctx context.Context, roleID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select permission_id from role_permissions where role_id = $1 order by permission_id
	`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
