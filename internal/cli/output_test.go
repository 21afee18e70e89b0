package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/esq/internal/store"
)

func TestGetExitCode(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"plain error", errors.New("boom"), ExitFailure},
		{"exit error", NewExitError(ExitCommandError, "bad path"), ExitCommandError},
		{"wrapped exit error", fmt.Errorf("outer: %w", NewExitError(ExitFailure, "failed")), ExitFailure},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, GetExitCode(tc.err))
		})
	}
}

func TestExitError(t *testing.T) {
	inner := errors.New("no such file")
	err := WrapExitError(ExitCommandError, "failed to open database", inner)
	assert.Equal(t, "failed to open database: no such file", err.Error())
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, "bad", NewExitError(ExitFailure, "bad").Error())
}

func TestOutputFormatter_JSON(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, f.Success(map[string]int{"n": 1}))
	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Nil(t, resp.Error)

	buf.Reset()
	require.NoError(t, f.Error("E103", "unknown event type", nil))
	resp = CLIResponse{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E103", resp.Error.Code)
}

func TestOutputFormatter_Text(t *testing.T) {
	buf := &bytes.Buffer{}
	errBuf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "text", Writer: buf, ErrWriter: errBuf}

	require.NoError(t, f.Error("E001", "spec path", "details"))
	assert.Equal(t, "Error [E001]: spec path\n", buf.String())

	f.VerboseLog("hidden")
	assert.Empty(t, errBuf.String())

	f.Verbose = true
	f.VerboseLog("loaded %d", 2)
	assert.Equal(t, "loaded 2\n", errBuf.String())
}

func TestPrintBatch(t *testing.T) {
	line := BatchLine{
		Seq:       3,
		Time:      100,
		Statement: "avgPrice",
		New: []store.Record{{Type: "avgPrice", Data: map[string]any{
			"sym": "A",
			"avg": 10.5,
		}}},
	}

	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "text", Writer: buf}
	require.NoError(t, f.PrintBatch(line))
	assert.Equal(t, "#3 t=100 avgPrice new=[{avg=10.5 sym=\"A\"}] old=[]\n", buf.String())

	buf.Reset()
	f.Format = "json"
	require.NoError(t, f.PrintBatch(line))
	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "avgPrice", got["statement"])
	assert.NotContains(t, got, "old")
}

func TestFormatRecords_Nested(t *testing.T) {
	rec := store.Record{Type: "p", Data: map[string]any{
		"a": store.Record{Type: "Tick", Data: map[string]any{"sym": "X"}},
	}}
	assert.Equal(t, `[{a=Tick[{sym="X"}]}]`, formatRecords([]store.Record{rec}))
}
