package cli

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/roach88/esq/internal/store"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database  string
	RunID     string
	Statement string // optional - filter to one statement
	ListRuns  bool
}

// RunInfo is the reportable form of a stored run.
type RunInfo struct {
	ID        string `json:"id"`
	Source    string `json:"source"`
	StartTime int64  `json:"start_time"`
}

// TraceResult holds the complete trace output.
type TraceResult struct {
	Run     RunInfo     `json:"run"`
	Batches []BatchLine `json:"batches"`
	Stats   TraceStats  `json:"stats"`
}

// TraceStats holds summary statistics for the trace.
type TraceStats struct {
	Batches    int            `json:"batches"`
	NewEvents  int            `json:"new_events"`
	OldEvents  int            `json:"old_events"`
	Statements map[string]int `json:"statements"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Show the output log of a run",
		Long: `Print the batches a run delivered, in sequence order, as stored in
the output log by "esq run".

The output includes:
- Batches: every delivery with its new and old events
- Stats: batch and event counts per statement

Examples:
  esq trace --db ./esq.db
  esq trace --db ./esq.db --run 0192f0c8-... --statement avgPrice
  esq trace --db ./esq.db --runs`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.RunID, "run", "", "run id to trace (default: latest run)")
	cmd.Flags().StringVar(&opts.Statement, "statement", "", "filter to one statement")
	cmd.Flags().BoolVar(&opts.ListRuns, "runs", false, "list the runs in the log instead")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
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

	st, err := openExisting(opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	if opts.ListRuns {
		return listRuns(ctx, st, formatter)
	}

	run, err := resolveRun(ctx, st, opts.RunID)
	if err != nil {
		return err
	}

	batches, err := st.ReadBatches(ctx, run.ID, opts.Statement)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read batches", err)
	}

	result := TraceResult{
		Run:     RunInfo(run),
		Batches: make([]BatchLine, len(batches)),
		Stats:   TraceStats{Batches: len(batches), Statements: map[string]int{}},
	}
	for i, b := range batches {
		result.Batches[i] = batchLine(b)
		result.Stats.NewEvents += len(b.New)
		result.Stats.OldEvents += len(b.Old)
		result.Stats.Statements[b.Statement]++
	}

	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	return outputTraceText(formatter, result)
}

// openExisting opens a database that must already exist; the store would
// otherwise create an empty one.
func openExisting(path string) (*store.Store, error) {
	if path != ":memory:" && !fileExists(path) {
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("database not found: %s", path))
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

// resolveRun returns the run with the given id, or the latest run when id
// is empty.
func resolveRun(ctx context.Context, st *store.Store, id string) (store.Run, error) {
	if id == "" {
		run, ok, err := st.LatestRun(ctx)
		if err != nil {
			return run, WrapExitError(ExitCommandError, "failed to read runs", err)
		}
		if !ok {
			return run, NewExitError(ExitCommandError, "no runs in the output log")
		}
		return run, nil
	}

	runs, err := st.Runs(ctx)
	if err != nil {
		return store.Run{}, WrapExitError(ExitCommandError, "failed to read runs", err)
	}
	for _, r := range runs {
		if r.ID == id {
			return r, nil
		}
	}
	return store.Run{}, NewExitError(ExitCommandError, fmt.Sprintf("run not found: %s", id))
}

func listRuns(ctx context.Context, st *store.Store, formatter *OutputFormatter) error {
	runs, err := st.Runs(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read runs", err)
	}
	infos := make([]RunInfo, len(runs))
	for i, r := range runs {
		infos[i] = RunInfo(r)
	}

	if formatter.Format == "json" {
		return formatter.Success(infos)
	}
	if len(infos) == 0 {
		fmt.Fprintln(formatter.Writer, "No runs found.")
		return nil
	}
	for _, r := range infos {
		fmt.Fprintf(formatter.Writer, "%s  start=%d  %s\n", r.ID, r.StartTime, r.Source)
	}
	return nil
}

func batchLine(b store.StoredBatch) BatchLine {
	return BatchLine{
		Seq:       b.Seq,
		Time:      b.Time,
		Statement: b.Statement,
		New:       b.New,
		Old:       b.Old,
	}
}

// outputTraceText outputs the trace in human-readable format.
func outputTraceText(formatter *OutputFormatter, result TraceResult) error {
	w := formatter.Writer

	fmt.Fprintf(w, "Trace for run: %s\n", result.Run.ID)
	fmt.Fprintf(w, "Source: %s\n\n", result.Run.Source)

	if len(result.Batches) == 0 {
		fmt.Fprintln(w, "No batches found.")
		return nil
	}

	for _, b := range result.Batches {
		if err := formatter.PrintBatch(b); err != nil {
			return err
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Stats:")
	fmt.Fprintf(w, "  Batches: %d (%d new, %d old events)\n",
		result.Stats.Batches, result.Stats.NewEvents, result.Stats.OldEvents)

	names := make([]string, 0, len(result.Stats.Statements))
	for name := range result.Stats.Statements {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %s: %d batch(es)\n", name, result.Stats.Statements[name])
	}
	return nil
}
