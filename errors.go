package camera

import (
	"github.com/pkg/errors"
)

// ErrorCode classifies failures surfaced by the control surface.
type ErrorCode int

const (
	ErrNone ErrorCode = iota

	// ErrInvalidParameter indicates a bad format, size, or a buffer not
	// owned by the caller. Contract violations never affect device state.
	ErrInvalidParameter

	// ErrDeviceBusy indicates an operation that conflicts with the
	// current device state, e.g. set_format while streaming.
	ErrDeviceBusy

	// ErrNoMemory indicates buffer or transfer allocation failure.
	ErrNoMemory

	// ErrIO indicates a transport-level transfer failure.
	ErrIO

	// ErrTimeout indicates an expired dequeue wait.
	ErrTimeout

	// ErrNotSupported indicates an unrecognized pixel format. Format
	// negotiation coerces instead of rejecting, so this rarely escapes.
	ErrNotSupported

	// ErrSystem indicates an unexpected internal invariant violation,
	// or any buffer operation attempted while the device is in the
	// Error state.
	ErrSystem
)

func (c ErrorCode) String() string {
	switch c {
	case ErrNone:
		return "none"
	case ErrInvalidParameter:
		return "invalid parameter"
	case ErrDeviceBusy:
		return "device busy"
	case ErrNoMemory:
		return "no memory"
	case ErrIO:
		return "I/O error"
	case ErrTimeout:
		return "timeout"
	case ErrNotSupported:
		return "not supported"
	case ErrSystem:
		return "system error"
	}
	return "unknown"
}

// Error carries an ErrorCode along with a human-readable cause.
type Error struct {
	Code  ErrorCode
	cause error
}

func (e *Error) Error() string { return e.cause.Error() }

func (e *Error) Unwrap() error { return e.cause }

func newError(code ErrorCode, format string, a ...interface{}) error {
	return &Error{code, errors.Errorf(format, a...)}
}

func wrapError(code ErrorCode, cause error, msg string) error {
	return &Error{code, errors.Wrap(cause, msg)}
}

// CodeOf unwraps err looking for an engine Error and returns its code.
// Errors from outside the engine report ErrNone.
func CodeOf(err error) ErrorCode {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return ErrNone
}
