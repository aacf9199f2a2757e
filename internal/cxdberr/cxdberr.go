// Package cxdberr carries the wire-visible error code (spec section 7)
// alongside a wrapped Go error, so the protocol layer never has to guess
// a message type's failure mode from error text.
package cxdberr

import "fmt"

// Kind is one of the HTTP-style codes the wire protocol's ERROR frame
// carries in its code field.
type Kind uint32

const (
	BadRequest       Kind = 400
	NotFound         Kind = 404
	Conflict         Kind = 409
	Unprocessable    Kind = 422
	FailedDependency Kind = 424
	Internal         Kind = 500
)

func (k Kind) String() string {
	switch k {
	case BadRequest:
		return "BadRequest"
	case NotFound:
		return "NotFound"
	case Conflict:
		return "Conflict"
	case Unprocessable:
		return "Unprocessable"
	case FailedDependency:
		return "FailedDependency"
	case Internal:
		return "Internal"
	default:
		return fmt.Sprintf("Kind(%d)", uint32(k))
	}
}

// Error wraps an underlying cause with the wire code that should be
// reported back to the client. Fatal marks a corruption that should
// terminate the process rather than just fail the one request (spec
// section 7: "the process terminates; let the supervisor restart").
type Error struct {
	Kind  Kind
	Fatal bool
	cause error
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, cause: fmt.Errorf(format, args...)}
}

func Wrap(kind Kind, cause error) *Error {
	return &Error{Kind: kind, cause: cause}
}

func Fatalf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Fatal: true, cause: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.cause)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// As extracts the Kind and detail string of err for wire encoding.
// Errors that were never wrapped with a Kind are reported as Internal,
// matching spec section 7's "storage I/O failure ... detected
// corruption ... 500 Internal" default.
func As(err error) (kind Kind, detail string, fatal bool) {
	if err == nil {
		return 0, "", false
	}
	var e *Error
	if ok := errorsAs(err, &e); ok {
		return e.Kind, e.cause.Error(), e.Fatal
	}
	return Internal, err.Error(), false
}

// errorsAs is a tiny local shim that walks the Unwrap chain by hand, so
// this file needs no import beyond fmt; it follows single-error Unwrap
// only, matching the teacher's preference for plain stdlib error
// wrapping elsewhere in the codebase.
func errorsAs(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
