package scheduler

import (
	"errors"
	"fmt"
)

// Sentinel errors for scheduler operations.
var (
	// ErrNotFound indicates the requested job, queue, node or reservation does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAmbiguous indicates a lookup matched more than one object.
	ErrAmbiguous = errors.New("ambiguous result")

	// ErrUnavailable indicates the server could not be reached.
	ErrUnavailable = errors.New("server unavailable")
)

// Error wraps scheduler failures with context.
type Error struct {
	// Op is the operation that failed (e.g., "Job", "AlterWalltime").
	Op string

	// Server is the server the client was bound to, if known.
	Server string

	// ID is the object id or name, if applicable.
	ID string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	server := e.Server
	if server == "" {
		server = "default"
	}
	if e.ID != "" {
		return fmt.Sprintf("pbs %s %s@%s: %v", e.Op, e.ID, server, e.Err)
	}
	return fmt.Sprintf("pbs %s @%s: %v", e.Op, server, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsNotFound returns true if the error indicates the object does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAmbiguous returns true if the error indicates more than one object matched.
func IsAmbiguous(err error) bool {
	return errors.Is(err, ErrAmbiguous)
}

// IsUnavailable returns true if the error indicates the server could not be reached.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
