package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/flowrun/internal/store"
	"github.com/rendis/flowrun/pkg/schema"
)

func newReportCmd(root *rootFlags) *cobra.Command {
	var (
		workflow string
		status   string
		limit    int
		events   bool
		jsonOut  bool
	)

	cmd := &cobra.Command{
		Use:   "report [run-id]",
		Short: "Show a run's report, or list recent runs",
		Long: `Without an argument, list recent runs newest first. With a run ID, show
the run's record and its ordered action results. --events adds the
timeline replayed from the run's event log.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), resolveConfig(root))
			if err != nil {
				return err
			}
			defer a.Close()

			if len(args) == 0 {
				return listRuns(cmd, a, workflow, status, limit, jsonOut)
			}
			return showRun(cmd, a, args[0], events, jsonOut)
		},
	}

	cmd.Flags().StringVar(&workflow, "workflow", "", "only list runs of this workflow")
	cmd.Flags().StringVar(&status, "status", "", "only list runs with this status: pending, running, completed, failed, or cancelled")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to list")
	cmd.Flags().BoolVar(&events, "events", false, "include the timeline replayed from the event log")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the report as JSON")

	return cmd
}

func listRuns(cmd *cobra.Command, a *app, workflow, status string, limit int, jsonOut bool) error {
	filter := store.RunFilter{WorkflowName: workflow, Limit: limit}
	if status != "" {
		st := schema.RunStatus(status)
		filter.Status = &st
	}
	runs, err := a.store.ListRuns(cmd.Context(), filter)
	if err != nil {
		return err
	}

	if jsonOut {
		return writeJSON(cmd.OutOrStdout(), runs)
	}
	if len(runs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no runs recorded")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tWORKFLOW\tSTATUS\tTRIGGER\tSTARTED")
	for _, run := range runs {
		started := "-"
		if run.StartedAt != nil {
			started = formatAge(*run.StartedAt)
		}
		trigger := run.Trigger
		if trigger == "" {
			trigger = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", run.ID, run.WorkflowName, run.Status, trigger, started)
	}
	return w.Flush()
}

func showRun(cmd *cobra.Command, a *app, runID string, events, jsonOut bool) error {
	ctx := cmd.Context()
	run, err := a.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	results, err := a.store.ListResults(ctx, runID)
	if err != nil {
		return err
	}

	var timeline *store.RunTimeline
	if events {
		timeline, err = a.eventLog.ReplayRun(ctx, runID)
		if err != nil {
			return err
		}
	}

	if jsonOut {
		payload := map[string]any{"run": run, "results": results}
		if timeline != nil {
			payload["timeline"] = timeline
		}
		return writeJSON(cmd.OutOrStdout(), payload)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run %s  workflow %s  status %s\n", run.ID, run.WorkflowName, run.Status)
	if run.Trigger != "" {
		fmt.Fprintf(out, "trigger %s\n", run.Trigger)
	}
	if run.StartedAt != nil && run.CompletedAt != nil {
		fmt.Fprintf(out, "took %s\n", run.CompletedAt.Sub(*run.StartedAt).Round(time.Millisecond))
	}
	if len(run.Error) > 0 {
		fmt.Fprintf(out, "error: %s\n", run.Error)
	}

	if len(results) > 0 {
		fmt.Fprintln(out)
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "#\tSTATUS\tACTION\tTYPE\tDURATION\tMESSAGE")
		for _, r := range results {
			mark := "ok"
			if !r.Success {
				mark = "FAIL"
			}
			name := r.DisplayName
			if name == "" {
				name = r.ActionName
			}
			dur := time.Duration(r.DurationMs) * time.Millisecond
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", r.Position, mark, name, r.ActionType, dur, r.Message)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	if timeline != nil {
		fmt.Fprintf(out, "\ntimeline: %d events\n", timeline.EventCount)
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ACTION\tATTEMPTS\tRETRIES\tOUTCOME")
		for _, at := range timeline.Actions {
			outcome := "incomplete"
			switch {
			case at.Failed:
				outcome = "failed"
			case at.Completed:
				outcome = "completed"
			}
			fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", at.Action, at.Attempts, at.Retries, outcome)
		}
		return w.Flush()
	}
	return nil
}
