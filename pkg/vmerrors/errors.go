// Package vmerrors defines the error taxonomy shared by the provider,
// config and registry cores. Every fallible operation in this module
// returns (or wraps) one of these kinds so that the CLI layer and the
// registry HTTP layer can each map a single field to their own
// presentation (a one-line message plus hint for the CLI, a status
// code for HTTP) without re-deriving what went wrong.
package vmerrors

import (
	"fmt"

	goerrors "github.com/go-errors/errors"
	"golang.org/x/xerrors"
)

// Kind classifies why an operation failed. See spec section 7.
type Kind int

const (
	// Internal indicates an invariant violation - a bug, not a user error.
	Internal Kind = iota
	DependencyMissing
	Config
	NotFound
	Conflict
	Validation
	UploadError
	Upstream
	Filesystem
	Provider
)

func (k Kind) String() string {
	switch k {
	case DependencyMissing:
		return "DependencyMissing"
	case Config:
		return "Config"
	case NotFound:
		return "NotFound"
	case Conflict:
		return "Conflict"
	case Validation:
		return "Validation"
	case UploadError:
		return "UploadError"
	case Upstream:
		return "Upstream"
	case Filesystem:
		return "Filesystem"
	case Provider:
		return "Provider"
	default:
		return "Internal"
	}
}

// Error is the carrier type for every classified failure. It mirrors
// the teacher's ComplexError (pkg/commands/errors.go): a message plus
// a code the caller can branch on, formatted via xerrors so a %+v
// print still yields a frame.
type Error struct {
	Kind    Kind
	Message string
	// Hint is a short remediation suggestion. Required for
	// DependencyMissing, Conflict and NotFound per spec section 7.
	Hint string
	// Field carries the dotted config path for Config-kind errors.
	Field string
	// Identifier carries the conflicting/missing name for Conflict/NotFound.
	Identifier string
	cause      error
	frame      xerrors.Frame
}

func (e *Error) FormatError(p xerrors.Printer) error {
	p.Printf("%s: %s", e.Kind, e.Message)
	e.frame.Format(p)
	return e.cause
}

func (e *Error) Format(f fmt.State, c rune) {
	xerrors.FormatError(e, f, c)
}

func (e *Error) Error() string {
	return fmt.Sprint(e)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New creates a classified error with a stack frame captured at the call site.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, frame: xerrors.Caller(1)}
}

// Newf is New with fmt.Sprintf-style formatting.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), frame: xerrors.Caller(1)}
}

// Wrap classifies an existing error, preserving it as the cause.
func Wrap(kind Kind, cause error, message string) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, cause: cause, frame: xerrors.Caller(1)}
}

// WithHint attaches a remediation hint and returns the receiver for chaining.
func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

// WithField attaches the dotted config path a Config error occurred at.
func (e *Error) WithField(field string) *Error {
	e.Field = field
	return e
}

// WithIdentifier attaches the conflicting/missing name.
func (e *Error) WithIdentifier(id string) *Error {
	e.Identifier = id
	return e
}

// As reports whether err is (or wraps) a *Error, following the
// standard xerrors.As contract used by the teacher's HasErrorCode.
func As(err error) (*Error, bool) {
	var target *Error
	if xerrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// KindOf returns the Kind of err if it is a classified *Error, else Internal.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return Internal
}

// WrapTop wraps an error for display at the CLI boundary, capturing a
// stack trace the way the teacher's WrapError does for go-errors.
func WrapTop(err error) error {
	if err == nil {
		return nil
	}
	return goerrors.Wrap(err, 0)
}

// StackTrace renders the top-level stack trace of an error wrapped by WrapTop.
func StackTrace(err error) string {
	if ge, ok := err.(*goerrors.Error); ok {
		return ge.ErrorStack()
	}
	return err.Error()
}
