package pg

import (
	"context"
	"database/sql"
	"errors"

	"backplane.org/internal/auth"
	"backplane.org/internal/ids"
)

type permissionStore struct {
	db *sql.DB
}

const permissionColumns = `id, name, action, coalesce(description,''), surface, created_at, deleted_at`

func scanPermission(row interface{ Scan(...any) error }) (*auth.Permission, error) {
	var (
		p       auth.Permission
		deleted sql.NullTime
	)
	err := row.Scan(&p.ID, &p.Name, &p.Action, &p.Description, &p.Surface, &p.CreatedAt, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if deleted.Valid {
		t := deleted.Time
		p.DeletedAt = &t
	}
	return &p, nil
}

// Ensure inserts missing catalog rows. The unique (name, action, surface)
// index plus on conflict do nothing makes the call idempotent and safe under
// concurrent replicas; the insert count comes from RowsAffected.
func (s *permissionStore) Ensure(ctx context.Context, perms []auth.Permission) (int, error) {
	inserted := 0
	for _, perm := range perms {
		id := perm.ID
		if id == "" {
			id = ids.New()
		}
		res, err := s.db.ExecContext(ctx, `
			insert into permissions (id, name, action, description, surface)
			values ($1, $2, $3, $4, $5)
			on conflict (name, action, surface) do nothing
		`, id, perm.Name, perm.Action, nullIfEmpty(perm.Description), perm.Surface)
		if err != nil {
			return inserted, err
		}
		aff, err := res.RowsAffected()
		if err != nil {
			return inserted, err
		}
		inserted += int(aff)
	}
	return inserted, nil
}

func (s *permissionStore) FindByOperation(ctx context.Context, name, action string, surface auth.Surface) (*auth.Permission, error) {
	return scanPermission(s.db.QueryRowContext(ctx, `
		select `+permissionColumns+`
		from permissions
		where name = $1 and action = $2 and surface = $3 and deleted_at is null
	`, name, action, surface))
}

func (s *permissionStore) List(ctx context.Context, surface auth.Surface) ([]auth.Permission, error) {
	query := `
		select ` + permissionColumns + `
		from permissions
		where deleted_at is null
	`
	args := []any{}
	if surface != "" {
		query += ` and surface = $1`
		args = append(args, surface)
	}
	query += ` order by surface, name, action`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []auth.Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		perms = append(perms, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return perms, nil
}

func (s *permissionStore) IDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id from permissions where deleted_at is null order by id
	`)
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
