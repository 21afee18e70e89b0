package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/esq/internal/compiler"
	"github.com/roach88/esq/internal/engine"
	"github.com/roach88/esq/internal/event"
	"github.com/roach88/esq/internal/expr"
	"github.com/roach88/esq/internal/pattern"
	"github.com/roach88/esq/internal/view"
)

// PlanOptions holds flags for the plan command.
type PlanOptions struct {
	*RootOptions
	Output string // output file path
}

// PlanResult describes the deployed specs.
type PlanResult struct {
	EventTypes []TypeInfo      `json:"event_types"`
	Statements []StatementPlan `json:"statements"`
}

// TypeInfo is an event type with its property kinds.
type TypeInfo struct {
	Name       string            `json:"name"`
	Properties map[string]string `json:"properties,omitempty"`
}

// StatementPlan is how one statement was compiled.
type StatementPlan struct {
	Name       string       `json:"name"`
	Kind       string       `json:"kind"`
	Stream     string       `json:"stream"`
	Output     TypeInfo     `json:"output"`
	InsertInto string       `json:"insert_into,omitempty"`
	Streams    []StreamPlan `json:"streams"`
	Where      string       `json:"where,omitempty"`
	JoinPlan   []string     `json:"join_plan,omitempty"`
}

// StreamPlan is one input stream of a statement.
type StreamPlan struct {
	Name      string   `json:"name,omitempty"`
	EventType string   `json:"event_type,omitempty"`
	Pattern   string   `json:"pattern,omitempty"`
	Filter    []string `json:"filter,omitempty"`
	Views     []string `json:"views,omitempty"`
}

// NewPlanCommand creates the plan command.
func NewPlanCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PlanOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "plan <spec-path>...",
		Short: "Show how statements compile",
		Long: `Deploy the specs into a scratch engine and describe every statement:
its result processor kind, output type, input streams with their filters and
views, and the join lookup order for multi-stream statements.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(opts, args, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "write the JSON plan to a file")

	return cmd
}

func runPlan(opts *PlanOptions, paths []string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	v, err := loadSpecs(paths)
	if err != nil {
		return outputPlanError(formatter, err)
	}

	e := engine.New(engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	defer e.Close()

	d, err := compiler.Deploy(e, v)
	if err != nil {
		return outputPlanError(formatter, err)
	}

	result := buildPlan(d)
	for _, s := range result.Statements {
		formatter.VerboseLog("Planned statement: %s (%s)", s.Name, s.Kind)
	}

	if opts.Output != "" {
		if err := writePlanToFile(result, opts.Output); err != nil {
			return WrapExitError(ExitCommandError, "writing output file", err)
		}
	}

	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	printPlan(formatter.Writer, result)
	if opts.Output != "" {
		fmt.Fprintf(formatter.Writer, "Wrote plan to %s\n", opts.Output)
	}
	return nil
}

func buildPlan(d *compiler.Deployment) PlanResult {
	result := PlanResult{
		EventTypes: make([]TypeInfo, 0, len(d.Types)),
		Statements: make([]StatementPlan, 0, len(d.Statements)),
	}
	for _, t := range d.Types {
		result.EventTypes = append(result.EventTypes, typeInfo(t))
	}

	for _, s := range d.Statements {
		spec := s.Spec()
		sp := StatementPlan{
			Name:       s.Name(),
			Kind:       s.Kind().String(),
			Stream:     spec.Stream.String(),
			Output:     typeInfo(s.OutputType()),
			InsertInto: spec.InsertInto,
			Streams:    make([]StreamPlan, len(spec.Streams)),
		}
		if spec.Where != nil {
			sp.Where = expr.String(spec.Where)
		}
		for i, st := range spec.Streams {
			stream := StreamPlan{Name: st.Name, EventType: st.EventType}
			if st.Pattern != nil {
				stream.Pattern = pattern.String(st.Pattern)
			}
			for _, p := range st.Params {
				stream.Filter = append(stream.Filter, p.String())
			}
			for _, vs := range st.Views {
				stream.Views = append(stream.Views, view.String(vs))
			}
			sp.Streams[i] = stream
		}
		if qp := s.QueryPlan(); qp != nil {
			sp.JoinPlan = strings.Split(strings.TrimRight(qp.String(), "\n"), "\n")
		}
		result.Statements = append(result.Statements, sp)
	}
	return result
}

func typeInfo(t *event.Type) TypeInfo {
	info := TypeInfo{Name: t.Name}
	props := t.Properties()
	if len(props) > 0 {
		info.Properties = make(map[string]string, len(props))
	}
	for _, p := range props {
		k, _ := t.PropertyType(p)
		info.Properties[p] = k.String()
	}
	return info
}

func printPlan(w io.Writer, result PlanResult) {
	fmt.Fprintf(w, "✓ Planned %d event type(s), %d statement(s)\n\n",
		len(result.EventTypes), len(result.Statements))

	if len(result.EventTypes) > 0 {
		fmt.Fprintln(w, "Event types:")
		for _, t := range result.EventTypes {
			fmt.Fprintf(w, "  %s%s\n", t.Name, formatProps(t))
		}
		fmt.Fprintln(w)
	}

	for _, s := range result.Statements {
		fmt.Fprintf(w, "Statement %s: %s, %s\n", s.Name, s.Kind, s.Stream)
		fmt.Fprintf(w, "  output: %s%s\n", s.Output.Name, formatProps(s.Output))
		for i, st := range s.Streams {
			source := st.EventType
			if st.Pattern != "" {
				source = "pattern " + st.Pattern
			}
			if len(st.Filter) > 0 {
				source += "(" + strings.Join(st.Filter, ", ") + ")"
			}
			for _, v := range st.Views {
				source += "." + v
			}
			fmt.Fprintf(w, "  s%d: %s\n", i, source)
		}
		if s.Where != "" {
			fmt.Fprintf(w, "  where: %s\n", s.Where)
		}
		for _, step := range s.JoinPlan {
			fmt.Fprintf(w, "  join %s\n", step)
		}
		fmt.Fprintln(w)
	}
}

func formatProps(t TypeInfo) string {
	if len(t.Properties) == 0 {
		return ""
	}
	names := make([]string, 0, len(t.Properties))
	for name := range t.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = n + " " + t.Properties[n]
	}
	return " {" + strings.Join(parts, ", ") + "}"
}

// writePlanToFile writes the plan as indented JSON.
func writePlanToFile(result PlanResult, path string) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	return os.WriteFile(path, append(data, '\n'), 0644)
}

// outputPlanError reports a load or deploy error. Both are command errors
// (exit code 2).
func outputPlanError(formatter *OutputFormatter, err error) error {
	info := errorInfo(err)
	_ = formatter.Error(info.Code, info.Message, info)
	return WrapExitError(ExitCommandError, fmt.Sprintf("%s: %s", info.Code, info.Message), nil)
}
