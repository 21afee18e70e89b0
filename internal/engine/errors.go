package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownEventType is returned when an event's type was never added.
	ErrUnknownEventType = errors.New("unknown event type")

	// ErrDuplicateEventType is returned when a different type is added under
	// a name already in use.
	ErrDuplicateEventType = errors.New("event type already declared")

	// ErrUnknownStatement is returned for statements this engine does not
	// hold, including destroyed ones.
	ErrUnknownStatement = errors.New("unknown statement")

	// ErrEngineClosed is returned once Close has been called.
	ErrEngineClosed = errors.New("engine closed")
)

// ValidationErrorCode categorizes statement validation failures.
type ValidationErrorCode string

const (
	// ErrCodeInvalidStatement indicates a structurally incomplete statement.
	ErrCodeInvalidStatement ValidationErrorCode = "INVALID_STATEMENT"

	// ErrCodeDuplicateStatement indicates the statement name is taken.
	ErrCodeDuplicateStatement ValidationErrorCode = "DUPLICATE_STATEMENT"

	// ErrCodeUnknownEventType indicates a stream names an undeclared type.
	ErrCodeUnknownEventType ValidationErrorCode = "UNKNOWN_EVENT_TYPE"

	// ErrCodeInvalidStream indicates a filter, pattern or view chain failed
	// to compile.
	ErrCodeInvalidStream ValidationErrorCode = "INVALID_STREAM"

	// ErrCodeInvalidExpression indicates where, select, group by, having or
	// output clauses failed to validate.
	ErrCodeInvalidExpression ValidationErrorCode = "INVALID_EXPRESSION"

	// ErrCodeRegistration indicates the filter index or scheduler refused a
	// handle. Creation is rolled back.
	ErrCodeRegistration ValidationErrorCode = "REGISTRATION_FAILED"
)

// ValidationError is returned by CreateStatement. Nothing of the statement
// stays registered when it is returned.
type ValidationError struct {
	Code      ValidationErrorCode
	Statement string
	Message   string

	// Err is the underlying component error, if any.
	Err error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	msg := e.Message
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	if e.Statement != "" {
		return fmt.Sprintf("%s: %s (statement=%s)", e.Code, msg, e.Statement)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap exposes the component error to errors.Is and errors.As.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// IsValidationError returns true if err is a ValidationError.
// Uses errors.As to handle wrapped errors.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ValidationCode returns the code of a ValidationError, or "" if err is not
// one.
func ValidationCode(err error) ValidationErrorCode {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Code
	}
	return ""
}
