package cli

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const badSpec = `
eventType: Tick: {sym: "string", price: "float"}

statement: {
	ok: {from: [{type: "Tick"}]}
	nope: {from: [{type: "Nope"}]}
	worse: {from: [{type: "Tick"}], where: {like: ["sym", "A%"]}}
}
`

func TestValidateValidSpecs(t *testing.T) {
	specsDir := filepath.Join("..", "harness", "testdata", "specs")

	output, err := execute(t, "validate", specsDir)
	require.NoError(t, err)
	assert.Contains(t, output, "✓ All specs valid")
}

func TestValidateValidSpecsJSON(t *testing.T) {
	spec := writeFile(t, t.TempDir(), "ticks.cue", tickSpec)

	output, err := execute(t, "validate", "--format", "json", spec)
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(output), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestValidateInvalidSpecs(t *testing.T) {
	spec := writeFile(t, t.TempDir(), "bad.cue", badSpec)

	output, err := execute(t, "validate", spec)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "2 error(s)")
	assert.Contains(t, output, "✗ Validation failed")
	assert.Contains(t, output, "E103")
	assert.Contains(t, output, `"Nope"`)
	assert.Contains(t, output, "E104")
}

func TestValidateInvalidSpecsJSON(t *testing.T) {
	spec := writeFile(t, t.TempDir(), "bad.cue", badSpec)

	output, err := execute(t, "validate", "--format", "json", spec)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp struct {
		Status string           `json:"status"`
		Data   ValidationResult `json:"data"`
		Error  *CLIError        `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(output), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.False(t, resp.Data.Valid)
	require.Len(t, resp.Data.Errors, 2)
	assert.Equal(t, "E103", resp.Data.Errors[0].Code)
	assert.Equal(t, "E104", resp.Data.Errors[1].Code)
	assert.Equal(t, "E103", resp.Error.Code)
}

func TestValidateNonExistentPath(t *testing.T) {
	output, err := execute(t, "validate", "/nonexistent/directory/path")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, output, "E001")
}

func TestValidateEmptyDirectory(t *testing.T) {
	output, err := execute(t, "validate", t.TempDir())
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, output, "no CUE files found")
}

func TestValidateCUESyntaxError(t *testing.T) {
	spec := writeFile(t, t.TempDir(), "broken.cue", "eventType: {Tick: {sym: \"string\"\n")

	output, err := execute(t, "validate", spec)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, output, "Error [E")
}
