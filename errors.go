// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package ionet

import (
	"errors"
	"fmt"
)

// Code is one of the closed set of status results used across the module.
// A Code is itself an error, so it may be used directly as an errors.Is
// target.
type Code int

const (
	// NoErr indicates success. It is never returned as a non-nil error.
	NoErr Code = iota
	// InvalidParam indicates a malformed argument, e.g. an unknown fd.
	InvalidParam
	// InvalidState indicates the operation is not valid in the current state,
	// or that internal bookkeeping was found inconsistent.
	InvalidState
	// SockError indicates a socket-level (OS) failure.
	SockError
	// WouldBlock indicates a non-blocking operation could not make progress.
	WouldBlock
	// Timeout indicates a deadline elapsed before completion.
	Timeout
	// Exhausted indicates a capacity limit was reached, e.g. the select
	// backend's FD_SETSIZE, or the process descriptor limit.
	Exhausted
)

// String returns a human-readable representation of the code.
func (c Code) String() string {
	switch c {
	case NoErr:
		return "NOERR"
	case InvalidParam:
		return "INVALID_PARAM"
	case InvalidState:
		return "INVALID_STATE"
	case SockError:
		return "SOCK_ERROR"
	case WouldBlock:
		return "WOULD_BLOCK"
	case Timeout:
		return "TIMEOUT"
	case Exhausted:
		return "EXHAUSTED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(c))
	}
}

// Error implements the error interface.
func (c Code) Error() string {
	return "ionet: " + c.String()
}

// Error is the structured error returned by operations in this module.
type Error struct {
	// Err is the underlying cause, typically a unix.Errno, and may be nil.
	Err error
	// Op names the failed operation, e.g. "poll.Register".
	Op   string
	Code Code
}

// NewError constructs an [*Error]. A NoErr code with a nil cause yields nil.
func NewError(code Code, op string, err error) error {
	if code == NoErr && err == nil {
		return nil
	}
	return &Error{Code: code, Op: op, Err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Op == "" && e.Err == nil:
		return e.Code.Error()
	case e.Err == nil:
		return fmt.Sprintf("ionet: %s: %s", e.Op, e.Code.String())
	case e.Op == "":
		return fmt.Sprintf("ionet: %s: %v", e.Code.String(), e.Err)
	default:
		return fmt.Sprintf("ionet: %s: %s: %v", e.Op, e.Code.String(), e.Err)
	}
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is this error's [Code].
func (e *Error) Is(target error) bool {
	if c, ok := target.(Code); ok {
		return c == e.Code
	}
	return false
}

// CodeOf extracts the [Code] carried by err. A nil error is NoErr, and any
// error that carries no code is reported as SockError.
func CodeOf(err error) Code {
	if err == nil {
		return NoErr
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return SockError
}
