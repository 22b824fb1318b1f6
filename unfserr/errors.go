// Package unfserr defines the UNFS error kinds from spec §7 and the
// FATAL-abort policy for invariant violations.
package unfserr

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Kind identifies one of the error categories spec §7 enumerates.
type Kind int

const (
	_ Kind = iota
	InvalidArgument
	NotFound
	AlreadyExists
	Busy
	OutOfSpace
	DeviceIO
	CorruptHeader
	CorruptBitmap
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "invalid argument"
	case NotFound:
		return "not found"
	case AlreadyExists:
		return "already exists"
	case Busy:
		return "busy"
	case OutOfSpace:
		return "out of space"
	case DeviceIO:
		return "device I/O error"
	case CorruptHeader:
		return "corrupt header"
	case CorruptBitmap:
		return "corrupt bitmap"
	default:
		return "unknown error"
	}
}

// Error wraps a Kind with an operation-specific message. DeviceIO and the
// Corrupt* kinds carry a stack trace via github.com/pkg/errors so the
// fatal/diagnostic paths keep enough context to debug a device or
// on-disk-layout failure after the fact.
type Error struct {
	Kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

func (e *Error) Unwrap() error { return e.err }

// Is reports whether target is an *Error of the same Kind, so callers can
// use errors.Is(err, unfserr.New(unfserr.NotFound, "")) style checks, or
// more idiomatically unfserr.Is(err, unfserr.NotFound).
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	return ok && other.Kind == e.Kind
}

// New constructs an *Error of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap constructs an *Error of the given kind around a lower-level error,
// adding a stack trace via github.com/pkg/errors.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...), err: errors.WithStack(err)}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// Fatal logs a descriptive message and aborts the process. It is the Go
// analogue of the original C implementation's FATAL() macro and must
// only be used for invariant violations that indicate on-disk
// corruption (e.g. a bitmap bit expected set is found clear) — never for
// ordinary, recoverable error conditions.
func Fatal(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	logrus.WithField("fatal", true).Error(msg)
	panic("unfs: fatal invariant violation: " + msg)
}
