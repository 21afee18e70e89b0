package compiler

import (
	"errors"
	"fmt"

	"cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

// Compile error codes (E100-E199)
const (
	ErrCodeCUE        = "E100" // CUE evaluation error
	ErrCodeEventType  = "E101" // invalid event type declaration
	ErrCodeStatement  = "E102" // invalid statement structure
	ErrCodeStream     = "E103" // invalid stream, filter or view
	ErrCodeExpression = "E104" // invalid expression
	ErrCodePattern    = "E105" // invalid pattern
	ErrCodeOutput     = "E106" // invalid output clause
	ErrCodeRejected   = "E107" // statement rejected by the engine
)

// CompileError represents a compilation error with source position.
type CompileError struct {
	Code    string
	Field   string
	Message string
	Pos     token.Pos
	Err     error
}

func (e *CompileError) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, msg)
	}
	return fmt.Sprintf("%s: %s", e.Field, msg)
}

func (e *CompileError) Unwrap() error {
	return e.Err
}

// Line returns the source line of the error, or 0.
func (e *CompileError) Line() int {
	if !e.Pos.IsValid() {
		return 0
	}
	return e.Pos.Line()
}

// IsCompileError reports whether err is or wraps a *CompileError.
func IsCompileError(err error) bool {
	var ce *CompileError
	return errors.As(err, &ce)
}

// errAt builds a CompileError positioned at v.
func errAt(v cue.Value, code, field, format string, args ...any) *CompileError {
	return &CompileError{
		Code:    code,
		Field:   field,
		Message: fmt.Sprintf(format, args...),
		Pos:     v.Pos(),
	}
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	// CUE errors may contain multiple errors
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	// Return first error with position info
	firstErr := errs[0]
	positions := cueerrors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Code:    ErrCodeCUE,
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}

	return err
}
