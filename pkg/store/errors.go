package store

import "errors"

var (
	// ErrNotFound is returned when an account, subscription, instance or event does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a write would violate a uniqueness rule
	// (second active subscription, duplicate subdomain, duplicate event id).
	ErrConflict = errors.New("conflict")

	// ErrTransient is returned when the store is unavailable. Safe to retry.
	ErrTransient = errors.New("store temporarily unavailable")
)

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict reports whether err is or wraps ErrConflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsTransient reports whether err is or wraps ErrTransient.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
