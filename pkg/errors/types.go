package errors

import (
	"fmt"
)

// MissingFieldError represents a missing required field.
type MissingFieldError struct {
	Field string
}

func (err MissingFieldError) Error() string {
	return fmt.Sprintf("missing required field: %s", err.Field)
}

// FileNotFound represents when we were unable to access a file
// because the path didn't exist.
type FileNotFound struct {
	Path string
}

func (err FileNotFound) Error() string {
	return fmt.Sprintf("%q does not exist", err.Path)
}

// FileTooLarge is returned when a node in a source list is bigger than the
// maximum file size that the server accepts.
type FileTooLarge struct {
	Path  string
	Size  int64
	Limit int64
}

func (err FileTooLarge) Error() string {
	return fmt.Sprintf("%q is %d bytes, which is over the %d byte limit",
		err.Path, err.Size, err.Limit)
}

// Unwrap lets FileTooLarge match ErrTooLarge.
func (err FileTooLarge) Unwrap() error {
	return ErrTooLarge
}
