package auth

import "errors"

var (
	// Sign-in failures. These two may be distinguished at the sign-in
	// boundary; everywhere else they collapse into a generic denial.
	ErrNotFound          = errors.New("auth: not found")
	ErrInvalidCredential = errors.New("auth: invalid credential")

	// Token failures.
	ErrTokenMalformed    = errors.New("auth: token malformed")
	ErrTokenExpired      = errors.New("auth: token expired")
	ErrTokenTypeMismatch = errors.New("auth: token type mismatch")

	// Second-factor failure. Deliberately covers both a bad partial token
	// and a wrong code so callers cannot tell which was at fault.
	ErrInvalidCode = errors.New("auth: invalid code")

	// Authorization failures.
	ErrUnauthorized            = errors.New("auth: unauthorized")
	ErrMissingPermissionRecord = errors.New("auth: no permission record for operation")

	ErrConflict     = errors.New("auth: already exists")
	ErrInvalidInput = errors.New("auth: invalid input")
)
