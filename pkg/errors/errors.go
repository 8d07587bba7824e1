// Package errors contains the error helpers shared by deltasync. Errors are
// wrapped with a short description of the operation that failed so that the
// final message reads like a stack of verbs, e.g.
// "patch: write file: permission denied".
package errors

import (
	"fmt"

	pkgErrors "github.com/pkg/errors"
)

var (
	// ErrInvalid is returned when a precondition of a whole operation fails,
	// such as a missing filesystem handle or path.
	ErrInvalid = New("invalid argument")

	// ErrPermission is returned when an operation is not allowed on the
	// given node, such as making a conflicted copy of a directory.
	ErrPermission = New("operation not permitted")

	// ErrTooLarge is returned when a file exceeds the configured maximum size.
	ErrTooLarge = New("file too large")
)

// New returns an error with the given message.
func New(msg string) error {
	return pkgErrors.New(msg)
}

// Errorf formats an error message.
func Errorf(format string, args ...interface{}) error {
	return pkgErrors.Errorf(format, args...)
}

// WithContext wraps `err` with a description of what was being done when it
// occurred. A nil error stays nil.
func WithContext(err error, context string) error {
	if err == nil {
		return nil
	}
	return pkgErrors.WithMessage(err, context)
}

// RootCause returns the innermost error that isn't a context wrapper.
func RootCause(err error) error {
	return pkgErrors.Cause(err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	if err == nil {
		return false
	}
	return RootCause(err) == target || pkgErrors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return pkgErrors.As(err, target)
}

// FriendlyError is an error whose message is meant to be shown to users as
// is, without the context of how it happened.
type FriendlyError interface {
	error
	FriendlyMessage() string
}

type friendlyError struct {
	msg string
}

// NewFriendlyError creates an error that is printed verbatim by the CLI.
func NewFriendlyError(format string, args ...interface{}) error {
	return friendlyError{fmt.Sprintf(format, args...)}
}

func (err friendlyError) Error() string {
	return err.msg
}

func (err friendlyError) FriendlyMessage() string {
	return err.msg
}
