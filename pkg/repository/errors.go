package repository

import "errors"

// Sentinel errors returned by SQL-backed repositories. Services translate
// them into application error codes.
var (
	ErrNotFound       = errors.New("entity not found")
	ErrAlreadyExists  = errors.New("entity already exists")
	ErrInvalidInput   = errors.New("invalid input")
	ErrConflict       = errors.New("entity conflict detected")
	ErrNoRowsAffected = errors.New("no rows affected")
)

// IsNotFoundError checks if an error is a "not found" error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflictError reports a lost compare-and-set or a duplicate key.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrAlreadyExists)
}
