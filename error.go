package juus

import (
	"fmt"

	"golang.org/x/xerrors"
)

// errorHandler returns a check function that panics with a wrapped error, and a
// handle function to be deferred that recovers it and hands it to fn.
func errorHandler(fn func(error)) (func(error, string), func()) {
	type localError struct {
		err error
	}

	check := func(err error, msg string) {
		if err != nil {
			panic(&localError{xerrors.Errorf("%s: %w", msg, err)})
		}
	}
	handle := func() {
		e := recover()
		if e == nil {
			return
		}
		le, ok := e.(*localError)
		if !ok {
			panic(e)
		}
		fn(le.err)
	}
	return check, handle
}

// prefixErr keeps a sentinel error matchable with errors.Is while adding
// detail after it.
type prefixErr struct {
	err    error
	errmsg string
}

func prefixError(err error, format string, args ...interface{}) *prefixErr {
	return &prefixErr{err, err.Error() + ": " + fmt.Sprintf(format, args...)}
}

func (e *prefixErr) Error() string {
	return e.errmsg
}

func (e *prefixErr) Unwrap() error {
	return e.err
}

// wrapErr matches the sentinel err with Is, and unwraps into the cause.
type wrapErr struct {
	err   error
	cause error
}

func (e *wrapErr) Error() string {
	return e.err.Error() + ": " + e.cause.Error()
}

func (e *wrapErr) Is(err error) bool {
	return xerrors.Is(e.err, err)
}

func (e *wrapErr) Unwrap() error {
	return e.cause
}

// IdentityError is returned when the identity file cannot be read or written.
// A node cannot run without an identity, callers should treat it as fatal.
type IdentityError struct {
	Op   string // "open", "read", "create", "write"
	Path string
	Err  error
}

func (e *IdentityError) Error() string {
	return fmt.Sprintf("identity %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IdentityError) Unwrap() error {
	return e.Err
}
