package cli

import (
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"
)

// Output formats accepted by --format.
const (
	FormatText = "text"
	FormatJSON = "json"
)

var formats = []string{FormatText, FormatJSON}

// RootOptions holds the flags shared by every esq command.
type RootOptions struct {
	Verbose bool
	Format  string
}

// NewRootCommand builds the esq command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "esq",
		Short: "esq - continuous queries over event streams",
		Long: `esq runs continuous queries: statements declared in CUE filter, window,
join, aggregate and pattern-match the events sent to the engine, and emit
their results as the events arrive and as time passes.

Check specs with "validate" and "plan", drive them with "run", inspect the
recorded output with "trace" and "replay", and pin behaviour with "test".`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(formats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, formats)
			}
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging and extra detail")
	flags.StringVar(&opts.Format, "format", FormatText, "output format (text|json)")

	for _, sub := range []func(*RootOptions) *cobra.Command{
		NewValidateCommand,
		NewPlanCommand,
		NewRunCommand,
		NewTraceCommand,
		NewReplayCommand,
		NewTestCommand,
	} {
		cmd.AddCommand(sub(opts))
	}
	return cmd
}

// setupLogging makes a text logger on w the process default. --verbose
// lowers the level to debug.
func setupLogging(opts *RootOptions, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}
