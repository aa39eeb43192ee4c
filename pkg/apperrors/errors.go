// Package apperrors defines the error taxonomy shared by the access-control
// and audit packages. Callers wrap these sentinels with fmt.Errorf("...: %w")
// and the HTTP layer maps them with errors.Is.
package apperrors

import "errors"

var (
	// ErrUnauthenticated is returned when a request has no valid session
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrUnauthorized is returned when the permission resolver denies an action
	ErrUnauthorized = errors.New("unauthorized")

	// ErrOverrideStoreUnavailable is returned when permission overrides cannot
	// be read. Permission checks deny on this error.
	ErrOverrideStoreUnavailable = errors.New("permission override store unavailable")

	// ErrAuditWriteFailed is returned when an audit record could not be
	// persisted. The paired domain mutation is rolled back.
	ErrAuditWriteFailed = errors.New("audit write failed")

	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput is returned for malformed request input
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict is returned when an operation conflicts with current state
	ErrConflict = errors.New("conflict")
)

// IsDenial reports whether err is a permission denial of either kind.
// Both kinds are presented identically to callers.
func IsDenial(err error) bool {
	return errors.Is(err, ErrUnauthenticated) || errors.Is(err, ErrUnauthorized)
}
