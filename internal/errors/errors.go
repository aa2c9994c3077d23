// Package errors wraps pkg/errors and adds error codes, so callers can test
// for a class of failure (version conflict, timeout, ...) without matching on
// message text.
package errors

import (
	"github.com/pkg/errors"
)

// Code identifies a class of error. See Is.
type Code string

const (
	ErrUncoded Code = "Uncoded"
)

// New returns a coded error carrying a stack trace.
func New(code Code, message string) error {
	return errors.WithStack(codedError{
		Code:    code,
		Message: message,
	})
}

// NewWithCause returns a coded error whose chain continues with cause, so
// Is matches both code and the codes of cause.
func NewWithCause(code Code, message string, cause error) error {
	return errors.WithStack(codedError{
		Code:    code,
		Message: message,
		cause:   cause,
	})
}

// Is reports whether any error in err's chain carries the given code.
func Is(err error, target Code) bool {
	return errors.Is(err, codedError{Code: target})
}

// CodeOf returns the code of the first coded error in err's chain, or the
// empty code if there is none.
func CodeOf(err error) Code {
	var ce codedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

func Cause(err error) error {
	return errors.Cause(err)
}

func Errorf(format string, args ...interface{}) error {
	return errors.Errorf(format, args...)
}

func Unwrap(err error) error {
	return errors.Unwrap(err)
}

func WithMessage(err error, message string) error {
	return errors.WithMessage(err, message)
}

func WithMessagef(err error, format string, args ...interface{}) error {
	return errors.WithMessagef(err, format, args...)
}

func Wrap(err error, message string) error {
	return errors.Wrap(err, message)
}

func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}

type codedError struct {
	Code    Code
	Message string
	cause   error
}

func (ce codedError) Error() string {
	return ce.Message
}

func (ce codedError) Unwrap() error {
	return ce.cause
}

func (ce codedError) Is(err error) bool {
	if e, ok := err.(codedError); ok && ce.Code == e.Code {
		return true
	}
	return false
}
