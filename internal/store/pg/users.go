package pg

import (
	"context"
	"database/sql"
	"errors"

	"backplane.org/internal/auth"
	"backplane.org/internal/ids"
)

type userStore struct {
	db *sql.DB
}

const userColumns = `id, username, email, full_name, password_hash, role_id, coalesce(otp_secret,''), otp_enabled, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*auth.User, error) {
	var u auth.User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.FullName, &u.PasswordHash,
		&u.RoleID, &u.OTPSecret, &u.OTPEnabled, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *userStore) Create(ctx context.Context, u *auth.User) error {
	if u.ID == "" {
		u.ID = ids.New()
	}
	row := s.db.QueryRowContext(ctx, `
		insert into users (id, username, email, full_name, password_hash, role_id)
		values ($1, $2, $3, $4, $5, $6)
		returning created_at, updated_at
	`, u.ID, u.Username, u.Email, u.FullName, u.PasswordHash, u.RoleID)
	if err := row.Scan(&u.CreatedAt, &u.UpdatedAt); err != nil {
		return mapWriteError(err)
	}
	return nil
}

func (s *userStore) Find(ctx context.Context, id string) (*auth.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `
		select `+userColumns+` from users where id = $1
	`, id))
}

func (s *userStore) FindByUsername(ctx context.Context, username string) (*auth.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `
		select `+userColumns+` from users where username = $1
	`, username))
}

func (s *userStore) List(ctx context.Context) ([]*auth.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+userColumns+` from users order by username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*auth.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *userStore) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	res, err := s.db.ExecContext(ctx, `
		update users set password_hash = $2, updated_at = now() where id = $1
	`, userID, passwordHash)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *userStore) SetOTP(ctx context.Context, userID, secret string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `
		update users set otp_secret = $2, otp_enabled = $3, updated_at = now() where id = $1
	`, userID, nullIfEmpty(secret), enabled)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *userStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from users where id = $1`, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func requireAffected(res sql.Result) error {
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return auth.ErrNotFound
	}
	return nil
}
