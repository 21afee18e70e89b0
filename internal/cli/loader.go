package cli

import (
	"errors"
	"fmt"
	"os"

	"cuelang.org/go/cue"

	"github.com/roach88/esq/internal/compiler"
)

// ErrCodeGeneric is the CLI error code for failures without a compiler
// code.
const ErrCodeGeneric = "E000"

// loadSpecs loads the CUE files and directories in paths into one value.
func loadSpecs(paths []string) (cue.Value, error) {
	if len(paths) == 0 {
		return cue.Value{}, &compiler.CompileError{Code: compiler.ErrCodeLoad, Field: "load", Message: "no spec paths given"}
	}
	return compiler.Load(paths...)
}

// ErrorInfo is the reportable form of a spec error.
type ErrorInfo struct {
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
}

// errorInfo extracts code and position from compiler errors.
func errorInfo(err error) ErrorInfo {
	var ce *compiler.CompileError
	if !errors.As(err, &ce) {
		return ErrorInfo{Code: ErrCodeGeneric, Message: err.Error()}
	}
	msg := ce.Message
	if ce.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, ce.Err)
	}
	info := ErrorInfo{Code: ce.Code, Field: ce.Field, Message: msg}
	if ce.Pos.IsValid() {
		info.File = ce.Pos.Filename()
		info.Line = ce.Pos.Line()
	}
	return info
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
