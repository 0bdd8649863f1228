package storage

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors forming the shared taxonomy. Adapters wrap native driver
// errors onto these with %w so callers can branch with errors.Is without
// knowing which backend served the request.
var (
	// ErrConnection indicates the backend is unreachable or refused us.
	ErrConnection = errors.New("connection failed")

	// ErrNotFound indicates the requested id or query matched nothing.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate indicates a unique constraint was violated.
	ErrDuplicate = errors.New("duplicate")

	// ErrValidation indicates a schema or identifier violation.
	ErrValidation = errors.New("validation failed")

	// ErrQuery indicates the backend rejected a query.
	ErrQuery = errors.New("query failed")

	// ErrTransaction indicates a commit failed or a rollback is required.
	ErrTransaction = errors.New("transaction failed")

	// ErrConfiguration indicates a missing binding or bad metadata.
	ErrConfiguration = errors.New("configuration error")

	// ErrPermission indicates a security check failed.
	ErrPermission = errors.New("permission denied")

	// ErrTimeout indicates an operation exceeded its deadline.
	ErrTimeout = errors.New("timed out")

	// ErrStorage wraps backend failures with no more specific kind.
	ErrStorage = errors.New("storage error")
)

// IsNotFound reports whether err is, or wraps, ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsDuplicate reports whether err is, or wraps, ErrDuplicate.
func IsDuplicate(err error) bool { return errors.Is(err, ErrDuplicate) }

// NotFound builds a not-found error for one record.
func NotFound(what, id string) error {
	return fmt.Errorf("%s %q: %w", what, id, ErrNotFound)
}

// Invalid builds a validation error.
func Invalid(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrValidation)...)
}

// WrapContext converts context cancellation and deadline errors onto the
// taxonomy, leaving other errors untouched.
func WrapContext(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, ErrTimeout)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%s: canceled: %w", op, ErrTimeout)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorKind names the taxonomy bucket err falls into, for RPC responses and
// the operations log.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrDuplicate):
		return "duplicate"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrQuery):
		return "query"
	case errors.Is(err, ErrTransaction):
		return "transaction"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrPermission):
		return "permission"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrConnection):
		return "connection"
	default:
		return "storage"
	}
}
