package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the failure kinds every broker operation can report.
// Callers should use [errors.Is] to match these.
var (
	// ErrNotFound means the referenced connection, session, key or file
	// does not exist.
	ErrNotFound = errors.New("not found")

	// ErrPreconditionFailed means the operation requires the connection to
	// be active (registered) and it is not.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrConflict is returned when a connection already holds a session.
	ErrConflict = errors.New("conflict")

	// ErrInvalidArgument indicates a malformed enum value or empty field.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrIOFailure wraps relay or store I/O errors.
	ErrIOFailure = errors.New("i/o failure")

	// ErrTimeout is the teardown reason for idle sessions.
	ErrTimeout = errors.New("timeout")
)

// OpError wraps an underlying error with the entity id and operation that
// produced it.
type OpError struct {
	ID  string
	Op  string
	Err error
}

func (e *OpError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.ID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// Wrap returns an [OpError] for op on id. It returns nil when err is nil.
func Wrap(op, id string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{ID: id, Op: op, Err: err}
}

// Kind reports the short machine-readable code for err, or "internal" when
// err carries none of the sentinel kinds.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrPreconditionFailed):
		return "precondition_failed"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrIOFailure):
		return "io_failure"
	default:
		return "internal"
	}
}
