package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"reflect"

	"cuelang.org/go/cue"
	"github.com/spf13/cobra"

	"github.com/roach88/esq/internal/compiler"
	"github.com/roach88/esq/internal/engine"
	"github.com/roach88/esq/internal/harness"
	"github.com/roach88/esq/internal/store"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Events   string
	Database string
	RunID    string // optional - defaults to the latest run
}

// Divergence is the first batch where the replay differs from the log.
type Divergence struct {
	Index    int        `json:"index"`
	Expected *BatchLine `json:"expected,omitempty"`
	Actual   *BatchLine `json:"actual,omitempty"`
}

// ReplayResult holds the replay result.
type ReplayResult struct {
	RunID         string      `json:"run_id"`
	Stored        int         `json:"stored"`
	Replayed      int         `json:"replayed"`
	Deterministic bool        `json:"deterministic"`
	Divergence    *Divergence `json:"divergence,omitempty"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay <spec-path>...",
		Short: "Re-run a feed and verify it reproduces a stored run",
		Long: `Re-run an event feed against the specs on a fresh in-memory engine,
starting at the stored run's start time, and compare every delivered batch
with the run's output log: statement, engine time, new and old events, in
order. Sequence numbers are not compared.

Runs recorded with --wall-clock depend on timer ticks and do not replay.

Exit codes:
  0 - Replay matches the stored run
  1 - Replay diverged
  2 - Command error (database not found, etc.)

Examples:
  esq replay ./specs --events feed.yaml --db ./esq.db
  esq replay ./specs --events feed.yaml --db ./esq.db --run 0192f0c8-...`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Events, "events", "", `event feed file ("-" for stdin, required)`)
	_ = cmd.MarkFlagRequired("events")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.RunID, "run", "", "run id to compare with (default: latest run)")

	return cmd
}

func runReplay(opts *ReplayOptions, paths []string, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	feed, err := harness.LoadFeed(opts.Events)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load feed", err)
	}
	v, err := loadSpecs(paths)
	if err != nil {
		info := errorInfo(err)
		return WrapExitError(ExitCommandError, "failed to load specs", fmt.Errorf("%s: %s", info.Code, info.Message))
	}

	st, err := openExisting(opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	run, err := resolveRun(ctx, st, opts.RunID)
	if err != nil {
		return err
	}
	stored, err := st.ReadBatches(ctx, run.ID, "")
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read batches", err)
	}

	replayed, err := replayFeed(ctx, v, run.StartTime, feed)
	if err != nil {
		return WrapExitError(ExitCommandError, "replay failed", err)
	}
	formatter.VerboseLog("Replayed %d step(s): %d batch(es), stored run has %d", len(feed), len(replayed), len(stored))

	result := ReplayResult{
		RunID:         run.ID,
		Stored:        len(stored),
		Replayed:      len(replayed),
		Deterministic: true,
	}
	if d := compareBatches(stored, replayed); d != nil {
		result.Deterministic = false
		result.Divergence = d
	}

	if opts.Format == "json" {
		return outputReplayJSON(formatter, result)
	}
	return outputReplayText(formatter, result)
}

// replayFeed runs feed on a fresh engine backed by an in-memory log and
// returns the batches it delivered.
func replayFeed(ctx context.Context, v cue.Value, start int64, feed []harness.Step) ([]store.StoredBatch, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, err
	}
	defer st.Close()

	run, err := st.CreateRun(ctx, store.Run{ID: "replay", Source: "replay", StartTime: start})
	if err != nil {
		return nil, err
	}

	eng := engine.New(
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		engine.WithStartTime(start),
		engine.WithOutputLog(st.Log(run.ID)),
	)
	defer eng.Close()

	if _, err := compiler.Deploy(eng, v); err != nil {
		info := errorInfo(err)
		return nil, fmt.Errorf("deploy: %s: %s", info.Code, info.Message)
	}
	for i, step := range feed {
		if err := harness.Apply(eng, step); err != nil {
			return nil, fmt.Errorf("feed step %d: %w", i, err)
		}
	}
	return st.ReadBatches(ctx, run.ID, "")
}

// compareBatches returns the first position where the two sequences
// differ, or nil.
func compareBatches(stored, replayed []store.StoredBatch) *Divergence {
	n := max(len(stored), len(replayed))
	for i := 0; i < n; i++ {
		d := &Divergence{Index: i}
		if i < len(stored) {
			line := batchLine(stored[i])
			d.Expected = &line
		}
		if i < len(replayed) {
			line := batchLine(replayed[i])
			d.Actual = &line
		}
		if d.Expected == nil || d.Actual == nil || !batchesEqual(stored[i], replayed[i]) {
			return d
		}
	}
	return nil
}

// batchesEqual compares everything but run id and sequence number.
func batchesEqual(a, b store.StoredBatch) bool {
	return a.Statement == b.Statement &&
		a.Time == b.Time &&
		reflect.DeepEqual(a.New, b.New) &&
		reflect.DeepEqual(a.Old, b.Old)
}

// outputReplayJSON outputs the replay result as JSON.
func outputReplayJSON(formatter *OutputFormatter, result ReplayResult) error {
	response := CLIResponse{
		Status: "ok",
		Data:   result,
	}

	if !result.Deterministic {
		response.Status = "error"
		response.Error = &CLIError{
			Code:    "E_DETERMINISM",
			Message: fmt.Sprintf("replay diverged at batch %d", result.Divergence.Index),
		}
	}

	if err := formatter.encode(response); err != nil {
		return err
	}

	if !result.Deterministic {
		// Divergence = exit code 1
		return NewExitError(ExitFailure, "replay diverged from stored run")
	}
	return nil
}

// outputReplayText outputs the replay result as text.
func outputReplayText(formatter *OutputFormatter, result ReplayResult) error {
	w := formatter.Writer

	fmt.Fprintf(w, "Replay of run: %s\n", result.RunID)
	fmt.Fprintf(w, "  Batches: %d stored, %d replayed\n\n", result.Stored, result.Replayed)

	if result.Deterministic {
		fmt.Fprintln(w, "✓ Replay matches stored run")
		return nil
	}

	d := result.Divergence
	fmt.Fprintf(w, "✗ Replay diverged at batch %d\n", d.Index)
	fmt.Fprint(w, "  expected: ")
	printOptionalBatch(formatter, d.Expected)
	fmt.Fprint(w, "  actual:   ")
	printOptionalBatch(formatter, d.Actual)
	// Divergence = exit code 1
	return NewExitError(ExitFailure, "replay diverged from stored run")
}

func printOptionalBatch(formatter *OutputFormatter, b *BatchLine) {
	if b == nil {
		fmt.Fprintln(formatter.Writer, "(none)")
		return
	}
	_ = formatter.PrintBatch(*b)
}
