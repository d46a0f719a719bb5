// Package domainerrors defines the coded error taxonomy services return to
// transports. Codes are stable strings clients can branch on.
package domainerrors

import (
	"errors"
	"fmt"
)

// Code identifies a class of domain failure.
type Code string

const (
	CodeBadRequest             Code = "BAD_REQUEST"
	CodeValidation             Code = "VALIDATION_ERROR"
	CodeInvalidDOI             Code = "INVALID_DOI"
	CodeInvalidContentHash     Code = "INVALID_CONTENT_HASH"
	CodeNotFound               Code = "DOCUMENT_NOT_FOUND"
	CodeInvalidStateTransition Code = "INVALID_STATE_TRANSITION"
	CodeStateConflict          Code = "STATE_CONFLICT"
	CodeProcessingFailed       Code = "PROCESSING_FAILED"
	CodeAlreadyDeleted         Code = "ALREADY_DELETED"
	CodeNotDeleted             Code = "NOT_DELETED"
	CodeConflict               Code = "CONFLICT"
	CodeIdempotencyInProgress  Code = "IDEMPOTENCY_IN_PROGRESS"
	CodeRateLimited            Code = "RATE_LIMITED"
	CodeTimeout                Code = "TIMEOUT"
	CodeUnavailable            Code = "SERVICE_UNAVAILABLE"
	CodeInternal               Code = "INTERNAL_ERROR"
)

// Error is a domain error carrying a code, a client-safe message and
// optional structured details.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	Err     error
}

// New creates a coded error.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, msg string) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

// WithDetail returns a copy of e with key set in its details.
func (e *Error) WithDetail(key string, value any) *Error {
	out := *e
	out.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		out.Details[k] = v
	}
	out.Details[key] = value
	return &out
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// As extracts the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	de, ok := As(err)
	return ok && de.Code == code
}

// CodeOf returns the code carried by err, or CodeInternal for uncoded errors.
func CodeOf(err error) Code {
	if de, ok := As(err); ok {
		return de.Code
	}
	return CodeInternal
}
