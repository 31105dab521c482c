// Package errors provides error values with an attached stacktrace and
// a minimal API to create, wrap and inspect them.
package errors

import (
	stdErrors "errors"
	"fmt"
	"time"
)

// Error is an error with an attached stacktrace. It can be used
// wherever the builtin error interface is expected.
type Error struct {
	ts     int64        // UNIX timestamp (in milliseconds)
	err    error        // root error value
	prev   error        // previous error in the chain, present only on wrapped errors
	prefix string       // prefix value when presenting error in simple textual form
	frames []StackFrame // error stacktrace
}

// Error returns the underlying error's message.
func (e *Error) Error() string {
	msg := e.err.Error()
	if e.prefix != "" {
		msg = fmt.Sprintf("%s: %s", e.prefix, msg)
	}
	return msg
}

// Unwrap returns the next error in the error chain; for root errors this
// is the original value the instance was created from.
func (e *Error) Unwrap() error {
	if e.prev != nil {
		return e.prev
	}
	return e.err
}

// StackTrace returns the frames in the callers stack.
func (e *Error) StackTrace() []StackFrame {
	return e.frames
}

// New returns a new root error (i.e., without a cause) instance from
// the given value. If the provided `e` value is:
//   - An `Error` instance created with this package it will be returned as-is.
//   - An `error` value, will be set as the root cause for the new error instance.
//   - Any other value, will be passed to fmt.Errorf("%v") and the resulting error
//     value set as the root cause for the new error instance.
//
// The stacktrace will point to the line of code that called this function.
func New(e any) error {
	if e == nil {
		return nil
	}

	var err error
	switch e := e.(type) {
	case *Error:
		return e
	case error:
		err = e
	default:
		err = fmt.Errorf("%v", e)
	}

	return &Error{
		ts:     time.Now().UnixMilli(),
		err:    err,
		prev:   nil,
		frames: getStack(1),
	}
}

// Errorf returns a new root error (i.e., without a cause) instance which
// stacktrace will point to the line of code that called this function.
//
// If the format specifier includes a `%w` verb with an error operand,
// the operand is part of the returned error's chain and can be matched
// with errors.Is and errors.As.
func Errorf(format string, args ...any) error {
	return &Error{
		ts:     time.Now().UnixMilli(),
		err:    fmt.Errorf(format, args...),
		prev:   nil,
		frames: getStack(1),
	}
}

// WithStack returns a new root error (i.e., without a cause) instance
// which stacktrace will point to the line of code that called this function.
func WithStack(err error) error {
	if err == nil {
		return nil
	}
	return &Error{
		ts:     time.Now().UnixMilli(),
		err:    err,
		prev:   nil,
		frames: getStack(1),
	}
}

// Wrap returns a new error that marks `e` as its cause and includes
// `prefix` on its textual representation.
func Wrap(e error, prefix string) error {
	if e == nil {
		return nil
	}
	return &Error{
		ts:     time.Now().UnixMilli(),
		err:    e,
		prev:   e,
		prefix: prefix,
		frames: getStack(1),
	}
}

// Unwrap returns the result of calling the Unwrap method on err, if err's
// type contains an Unwrap method returning error. Otherwise, Unwrap
// returns nil.
func Unwrap(err error) error {
	return stdErrors.Unwrap(err)
}

// Is reports whether any error in src's chain matches target.
func Is(src, target error) bool {
	return stdErrors.Is(src, target)
}

// As finds the first error in err's chain that matches target, and if one
// is found, sets target to that error value and returns true. Otherwise,
// it returns false.
func As(err error, target any) bool {
	return stdErrors.As(err, target)
}
