package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/flowrun/internal/engine"
	"github.com/rendis/flowrun/internal/loader"
	"github.com/rendis/flowrun/pkg/schema"
)

func newRunCmd(root *rootFlags) *cobra.Command {
	var (
		varFlags  []string
		onFailure string
		jsonOut   bool
	)

	cmd := &cobra.Command{
		Use:   "run <workflow>",
		Short: "Execute a workflow from a file or from the store",
		Long: `Execute a workflow and print its execution report.

The argument is a YAML or JSON file path, or the name of a workflow saved
with "flowrun define". The command exits non-zero when the run does not
complete successfully.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, resolveConfig(root))
			if err != nil {
				return err
			}
			defer a.Close()

			def, err := resolveWorkflowArg(ctx, a, args[0])
			if err != nil {
				return err
			}
			vars, err := parseVars(varFlags)
			if err != nil {
				return err
			}
			strategy, err := parseStrategy(onFailure)
			if err != nil {
				return err
			}

			if result := a.validator.Validate(def); !result.Valid() {
				printIssues(cmd.ErrOrStderr(), result.Errors)
				return fmt.Errorf("workflow %q is not valid", def.Name)
			}

			report, err := a.runner.Execute(ctx, def, engine.RunOptions{
				Vars:     vars,
				Strategy: strategy,
				Trigger:  "manual",
			})
			if err != nil {
				return fmt.Errorf("run workflow: %w", err)
			}

			if jsonOut {
				if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
			} else {
				printReport(cmd.OutOrStdout(), report)
			}

			switch report.Status {
			case schema.RunStatusFailed:
				return fmt.Errorf("run %s failed", report.RunID)
			case schema.RunStatusCancelled:
				return fmt.Errorf("run %s was cancelled", report.RunID)
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&varFlags, "var", nil, "workflow variable as key=value; values parse as JSON when possible (repeatable)")
	cmd.Flags().StringVar(&onFailure, "on-failure", "", "override the workflow's failure policy: stop or continue")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the full execution report as JSON")

	return cmd
}

// resolveWorkflowArg treats the argument as a file when it looks like one,
// otherwise as the name of a saved workflow.
func resolveWorkflowArg(ctx context.Context, a *app, arg string) (*schema.WorkflowDefinition, error) {
	if isWorkflowFile(arg) {
		return loader.LoadFile(arg)
	}
	wf, err := a.store.GetWorkflow(ctx, arg)
	if err != nil {
		return nil, err
	}
	def := wf.Definition
	return &def, nil
}

func isWorkflowFile(arg string) bool {
	switch strings.ToLower(filepath.Ext(arg)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	if _, err := os.Stat(arg); err == nil {
		return true
	}
	return false
}

// parseVars turns repeated key=value flags into a vars map. Values are
// parsed as JSON so numbers, booleans, lists, and objects come through
// typed; anything that does not parse stays a string.
func parseVars(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	vars := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --var %q, expected key=value", pair)
		}
		var parsed any
		if err := json.Unmarshal([]byte(value), &parsed); err == nil {
			vars[key] = parsed
		} else {
			vars[key] = value
		}
	}
	return vars, nil
}

func parseStrategy(name string) (engine.ErrorStrategy, error) {
	switch name {
	case "":
		return nil, nil
	case "stop":
		return engine.StopStrategy{}, nil
	case "continue":
		return engine.ContinueStrategy{}, nil
	default:
		return nil, fmt.Errorf("unknown failure policy %q, expected stop or continue", name)
	}
}

func printReport(out io.Writer, report *schema.ExecutionReport) {
	fmt.Fprintf(out, "run %s  workflow %s  status %s\n", report.RunID, report.WorkflowName, report.Status)

	if len(report.Results) > 0 {
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		succeeded := 0
		for _, r := range report.Results {
			mark := "ok"
			if r.Success {
				succeeded++
			} else {
				mark = "FAIL"
			}
			name := r.DisplayName
			if name == "" {
				name = r.ActionName
			}
			dur := time.Duration(r.DurationMs) * time.Millisecond
			fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\n", mark, name, r.ActionType, dur, r.Message)
		}
		w.Flush()
		fmt.Fprintf(out, "%d of %d actions succeeded\n", succeeded, len(report.Results))
	}

	if report.CompletedAt != nil {
		fmt.Fprintf(out, "took %s\n", report.CompletedAt.Sub(report.StartedAt).Round(time.Millisecond))
	}
	if report.Error != nil {
		fmt.Fprintf(out, "error: %s\n", report.Error.Error())
	}
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
