// Package apierr defines the error taxonomy shared by the dispatch
// pipeline and the HTTP surface.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a class of dispatch failure. The zero value is OK.
type Code int

const (
	OK Code = iota
	InvalidRequest
	ModelUnavailable
	ComplexityEvaluationFailed
	CostLimitExceeded

	// Unknown is reported for errors that carry no code. It never
	// appears in replies from the dispatch pipeline itself.
	Unknown Code = -1
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case InvalidRequest:
		return "INVALID_REQUEST"
	case ModelUnavailable:
		return "MODEL_UNAVAILABLE"
	case ComplexityEvaluationFailed:
		return "COMPLEXITY_EVALUATION_FAILED"
	case CostLimitExceeded:
		return "COST_LIMIT_EXCEEDED"
	case Unknown:
		return "UNKNOWN"
	default:
		return fmt.Sprintf("CODE_%d", int(c))
	}
}

// HTTPStatus maps a code onto the transport taxonomy: invalid-argument,
// unavailable, unknown, resource-exhausted.
func (c Code) HTTPStatus() int {
	switch c {
	case OK:
		return http.StatusOK
	case InvalidRequest:
		return http.StatusBadRequest
	case ModelUnavailable:
		return http.StatusServiceUnavailable
	case CostLimitExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Error carries a Code alongside a message and an optional cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf formats a message into a new Error.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an existing error.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf extracts the Code from err, unwrapping as needed.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return Unknown
}

// MessageOf returns the typed message when err carries one, otherwise
// err.Error().
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Message
	}
	return err.Error()
}
