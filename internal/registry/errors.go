package registry

import (
	"errors"
	"fmt"
)

// Sentinel errors for registry lookups.
var (
	// ErrUserNotFound indicates the requested user record does not exist.
	ErrUserNotFound = errors.New("user not found")
)

// Error represents a failure talking to the registry service. It covers both
// transport failures and non-2xx responses; callers treat either as "registry
// unavailable" and keep serving their last good state.
type Error struct {
	Operation string
	Status    int
	Cause     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("registry %s: unexpected status %d", e.Operation, e.Status)
	}
	return fmt.Sprintf("registry %s: %v", e.Operation, e.Cause)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *Error) Is(target error) bool {
	_, ok := target.(*Error)
	return ok || errors.Is(e.Cause, target)
}
