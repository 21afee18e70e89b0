package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/esq/internal/compiler"
	"github.com/roach88/esq/internal/engine"
	"github.com/roach88/esq/internal/event"
	"github.com/roach88/esq/internal/harness"
	"github.com/roach88/esq/internal/store"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Events     string
	Database   string
	RunID      string
	Start      int64
	WallClock  bool
	Resolution time.Duration
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <spec-path>...",
		Short: "Run statements over an event feed",
		Long: `Deploy the specs into an engine and run it.

Events come from a feed file: a YAML list of steps, each either
"send: <type>" with an "event" property map, or "advance: <msec>".
Every delivered batch is printed and appended to the output log in
the SQLite database, where "esq trace" and "esq replay" read it.

Without --wall-clock the command exits when the feed is exhausted.
With --wall-clock engine time follows the system clock until the
process is interrupted.

Example:
  esq run ./specs --events feed.yaml --db ./esq.db
  cat feed.yaml | esq run ./specs --events - --format json
  esq run ./specs --wall-clock --resolution 50ms`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Events, "events", "", `event feed file ("-" for stdin)`)
	cmd.Flags().StringVar(&opts.Database, "db", ":memory:", "path to SQLite database for the output log")
	cmd.Flags().StringVar(&opts.RunID, "run", "", "run id (default: generated UUIDv7)")
	cmd.Flags().Int64Var(&opts.Start, "start", 0, "engine start time in msec (ignored with --wall-clock)")
	cmd.Flags().BoolVar(&opts.WallClock, "wall-clock", false, "advance engine time from the system clock")
	cmd.Flags().DurationVar(&opts.Resolution, "resolution", engine.DefaultTimerResolution, "wall-clock tick")

	return cmd
}

func runEngine(opts *RunOptions, paths []string, cmd *cobra.Command) error {
	logger := setupLogging(opts.RootOptions, cmd.ErrOrStderr())
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	if opts.Events == "" && !opts.WallClock {
		return NewExitError(ExitCommandError, "nothing to run: give --events, --wall-clock or both")
	}

	var feed []harness.Step
	if opts.Events != "" {
		steps, err := harness.LoadFeed(opts.Events)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load feed", err)
		}
		feed = steps
	}

	v, err := loadSpecs(paths)
	if err != nil {
		info := errorInfo(err)
		return WrapExitError(ExitCommandError, "failed to load specs", fmt.Errorf("%s: %s", info.Code, info.Message))
	}

	// Setup signal handling for graceful shutdown
	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan) // Prevent signal handler leak

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	logger.Debug("opening database", "path", opts.Database)
	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()

	lastSeq, err := st.LastSeq(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read output log", err)
	}

	start := opts.Start
	if opts.WallClock {
		start = time.Now().UnixMilli()
	}
	run, err := st.CreateRun(ctx, store.Run{
		ID:        opts.RunID,
		Source:    strings.Join(paths, ","),
		StartTime: start,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create run", err)
	}

	out := &teeLog{formatter: formatter, next: st.Log(run.ID), logger: logger}
	eng := engine.New(
		engine.WithLogger(logger),
		engine.WithStartTime(start),
		engine.WithSequencer(engine.NewSequencer(lastSeq)),
		engine.WithOutputLog(out),
		engine.WithUnmatchedListener(func(ev event.Event) {
			logger.Debug("event matched no statement", "type", ev.Type().Name)
		}),
	)
	defer eng.Close()

	d, err := compiler.Deploy(eng, v)
	if err != nil {
		info := errorInfo(err)
		return WrapExitError(ExitCommandError, "failed to deploy specs", fmt.Errorf("%s: %s", info.Code, info.Message))
	}
	logger.Info("run started", "run", run.ID, "db", opts.Database,
		"event_types", len(d.Types), "statements", len(d.Statements))

	g, gctx := errgroup.WithContext(ctx)
	if opts.WallClock {
		g.Go(func() error {
			err := eng.RunTimer(gctx, opts.Resolution)
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		})
	}
	g.Go(func() error {
		for i, step := range feed {
			if err := gctx.Err(); err != nil {
				return nil
			}
			if err := harness.Apply(eng, step); err != nil {
				return fmt.Errorf("feed step %d: %w", i, err)
			}
		}
		logger.Debug("feed exhausted", "steps", len(feed))
		return nil
	})

	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "run failed", err)
	}
	if err := out.Err(); err != nil {
		return WrapExitError(ExitFailure, "output failed", err)
	}

	logger.Info("run finished", "run", run.ID, "batches", out.Count(), "time", eng.CurrentTime())
	return nil
}

// teeLog prints every delivered batch and forwards it to the output log.
// Batches of different statements may be delivered concurrently.
type teeLog struct {
	mu        sync.Mutex
	formatter *OutputFormatter
	next      engine.OutputLog
	logger    *slog.Logger

	count int
	err   error
}

func (t *teeLog) Append(ctx context.Context, b engine.Batch) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.count++
	line := BatchLine{
		Seq:       b.Seq,
		Time:      b.Time,
		Statement: b.Statement,
		New:       records(b.New),
		Old:       records(b.Old),
	}
	if err := t.formatter.PrintBatch(line); err != nil && t.err == nil {
		t.err = err
	}
	if err := t.next.Append(ctx, b); err != nil {
		t.logger.Error("output log append failed", "statement", b.Statement, "seq", b.Seq, "error", err)
		if t.err == nil {
			t.err = err
		}
		return err
	}
	return nil
}

// Count returns the number of batches seen.
func (t *teeLog) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Err returns the first print or append error.
func (t *teeLog) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func records(events []event.Event) []store.Record {
	if len(events) == 0 {
		return nil
	}
	out := make([]store.Record, len(events))
	for i, ev := range events {
		out[i] = store.RecordOf(ev)
	}
	return out
}
