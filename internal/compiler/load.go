package compiler

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// ErrCodeLoad marks a spec file or directory that could not be read.
const ErrCodeLoad = "E001"

// Load reads the CUE files at paths and unifies them into one value. A path
// is either a .cue file or a directory, which is walked for .cue files in
// lexical order. Files need no package clause.
func Load(paths ...string) (cue.Value, error) {
	ctx := cuecontext.New()
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return cue.Value{}, &CompileError{Code: ErrCodeLoad, Field: "load", Message: "spec path", Err: err}
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		found, err := FindCUEFiles(p)
		if err != nil {
			return cue.Value{}, &CompileError{Code: ErrCodeLoad, Field: "load", Message: "scan " + p, Err: err}
		}
		if len(found) == 0 {
			return cue.Value{}, &CompileError{Code: ErrCodeLoad, Field: "load", Message: fmt.Sprintf("no CUE files found in %s", p)}
		}
		files = append(files, found...)
	}
	if len(files) == 0 {
		return cue.Value{}, &CompileError{Code: ErrCodeLoad, Field: "load", Message: "no spec files given"}
	}

	var v cue.Value
	for i, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return cue.Value{}, &CompileError{Code: ErrCodeLoad, Field: "load", Message: "read " + f, Err: err}
		}
		fv := ctx.CompileBytes(data, cue.Filename(f))
		if err := fv.Err(); err != nil {
			return cue.Value{}, formatCUEError(err)
		}
		if i == 0 {
			v = fv
			continue
		}
		v = v.Unify(fv)
	}
	if err := v.Err(); err != nil {
		return cue.Value{}, formatCUEError(err)
	}
	return v, nil
}

// FindCUEFiles walks dir and returns all .cue file paths, sorted.
func FindCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}
