package service

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure so handlers can pick the right status code
// and retry policy. Validation errors are caller mistakes and are never
// retried; the execution kinds are request-level failures in the matching
// engine.
type ErrorKind string

const (
	KindValidation  ErrorKind = "validation_error"
	KindSearch      ErrorKind = "search_error"
	KindAggregation ErrorKind = "aggregation_error"
	KindExport      ErrorKind = "export_error"
)

// Error is the structured error surfaced by every engine entry point.
type Error struct {
	Kind    ErrorKind
	Code    string // machine-readable detail, e.g. "invalid_sort_field"
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

func validationError(code, format string, args ...any) *Error {
	return newError(KindValidation, code, format, args...)
}

func searchError(code, format string, args ...any) *Error {
	return newError(KindSearch, code, format, args...)
}

func aggregationError(code, format string, args ...any) *Error {
	return newError(KindAggregation, code, format, args...)
}

func exportError(code, format string, args ...any) *Error {
	return newError(KindExport, code, format, args...)
}

// IsValidation reports whether err is a caller-side validation failure.
func IsValidation(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindValidation
}
