package dbquery

import (
	"errors"
	"fmt"
)

// Kind classifies a failure reported by the query console.
type Kind string

const (
	KindUnauthorized Kind = "unauthorized"
	KindValidation   Kind = "validation"
	KindInvalidQuery Kind = "invalid_query"
	KindConnection   Kind = "connection"
	KindStorage      Kind = "storage"
	KindNotFound     Kind = "not_found"
)

// Error is the single error type returned by this package. Driver errors are
// always wrapped in one of these before leaving the package.
type Error struct {
	Kind    Kind
	Message string
	// Code is the PostgreSQL SQLSTATE when the database supplied one
	Code string
	Err  error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Err }

// ErrUnauthorized creates an unauthorized Error with a formatted message.
func ErrUnauthorized(format string, args ...interface{}) *Error {
	return &Error{Kind: KindUnauthorized, Message: fmt.Sprintf(format, args...)}
}

// ErrValidation creates a validation Error with a formatted message.
func ErrValidation(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// ErrNotFound creates a not-found Error with a formatted message.
func ErrNotFound(format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// ErrStorage wraps a failure of the executed-query log.
func ErrStorage(err error, format string, args ...interface{}) *Error {
	return &Error{Kind: KindStorage, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the Kind carried by err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
