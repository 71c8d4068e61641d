// Package errs defines the flat error taxonomy shared by the property actor,
// the connection handler and the client store.
//
// Every error carries a numeric Code. Code/100 yields the HTTP status class,
// so 4xx codes describe caller mistakes and 5xx codes describe server faults.
// Only 4xx messages are ever shown to a remote peer; see Public.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

type Code int

const (
	BadRequest          Code = 400
	Unauthorized        Code = 401
	Forbidden           Code = 403
	NotFound            Code = 404
	Conflict            Code = 409
	SessionExpired      Code = 440
	SessionInvalid      Code = 441
	InternalServerError Code = 500
	Unknown             Code = 520
)

// UnknownMessage replaces the message of every 5xx error before it leaves the server.
const UnknownMessage = "Unknown error"

func (c Code) String() string {
	switch c {
	case BadRequest:
		return "BadRequest"
	case Unauthorized:
		return "Unauthorized"
	case Forbidden:
		return "Forbidden"
	case NotFound:
		return "NotFound"
	case Conflict:
		return "Conflict"
	case SessionExpired:
		return "SessionExpired"
	case SessionInvalid:
		return "SessionInvalid"
	case InternalServerError:
		return "InternalServerError"
	case Unknown:
		return "Unknown"
	default:
		return fmt.Sprintf("Code(%d)", int(c))
	}
}

// Class returns the HTTP status class (4 or 5 for the defined codes).
func (c Code) Class() int {
	return int(c) / 100
}

// IsServerFault reports whether c belongs to the 5xx class.
func (c Code) IsServerFault() bool {
	return c.Class() == 5
}

// HTTPStatus maps c to the closest standard HTTP status.
func (c Code) HTTPStatus() int {
	switch c {
	case SessionExpired, SessionInvalid:
		return http.StatusUnauthorized
	case Unknown:
		return http.StatusInternalServerError
	}
	if text := http.StatusText(int(c)); text == "" {
		return c.Class() * 100
	}
	return int(c)
}

type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches any *Error with the same Code, so errors.Is(err, errs.New(errs.NotFound, ""))
// works regardless of the message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches cause to a new taxonomy error. The cause is kept for logging
// and errors.Is/As, it never reaches a remote peer.
func Wrap(code Code, cause error, message string) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

func NotFoundf(format string, args ...any) *Error {
	return Newf(NotFound, format, args...)
}

func Conflictf(format string, args ...any) *Error {
	return Newf(Conflict, format, args...)
}

func BadRequestf(format string, args ...any) *Error {
	return Newf(BadRequest, format, args...)
}

// CodeOf extracts the taxonomy code of err. Errors outside the taxonomy are
// InternalServerError; nil has no code and returns 0.
func CodeOf(err error) Code {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return InternalServerError
}

// Has reports whether err carries code anywhere in its chain.
func Has(err error, code Code) bool {
	var e *Error
	for err != nil {
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.cause
	}
	return false
}

// Public returns what may be sent to a remote peer for err.
func Public(err error) (Code, string) {
	code := CodeOf(err)
	if code.IsServerFault() {
		return code, UnknownMessage
	}
	var e *Error
	if errors.As(err, &e) {
		return code, e.Message
	}
	return code, err.Error()
}
