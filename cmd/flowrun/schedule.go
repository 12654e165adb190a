package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/flowrun/internal/scheduler"
	"github.com/rendis/flowrun/internal/store"
)

func newScheduleCmd(root *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage workflow schedules",
		Long: `Attach cron schedules to saved workflows. Scheduled workflows are
launched by "flowrun serve"; this command only edits the stored schedule.`,
	}

	cmd.AddCommand(newScheduleListCmd(root))
	cmd.AddCommand(newScheduleSetCmd(root))
	cmd.AddCommand(newScheduleClearCmd(root))

	return cmd
}

func newScheduleListCmd(root *rootFlags) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scheduled workflows and their next fire times",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), resolveConfig(root))
			if err != nil {
				return err
			}
			defer a.Close()

			scheduled := true
			workflows, err := a.store.ListWorkflows(cmd.Context(), store.WorkflowFilter{Scheduled: &scheduled})
			if err != nil {
				return err
			}

			if jsonOut {
				return writeJSON(cmd.OutOrStdout(), workflows)
			}
			if len(workflows) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no scheduled workflows")
				return nil
			}

			sched := scheduler.NewScheduler(a.store, nil, nil, nil, a.logger)
			now := time.Now()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "WORKFLOW\tSCHEDULE\tNEXT")
			for _, wf := range workflows {
				next := "invalid schedule"
				if t, err := sched.NextRun(wf.Schedule, now); err == nil {
					next = t.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", wf.Name, wf.Schedule, next)
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "print scheduled workflows as JSON")

	return cmd
}

func newScheduleSetCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "set <workflow> <cron>",
		Short: "Set a workflow's cron schedule",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, cronExpr := args[0], args[1]

			a, err := newApp(cmd.Context(), resolveConfig(root))
			if err != nil {
				return err
			}
			defer a.Close()

			sched := scheduler.NewScheduler(a.store, nil, nil, nil, a.logger)
			next, err := sched.NextRun(cronExpr, time.Now())
			if err != nil {
				return err
			}

			wf, err := a.store.GetWorkflow(cmd.Context(), name)
			if err != nil {
				return err
			}
			wf.Definition.Schedule = cronExpr
			wf.UpdatedAt = time.Now().UTC()
			if err := a.store.SaveWorkflow(cmd.Context(), wf); err != nil {
				return fmt.Errorf("save workflow %q: %w", name, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s scheduled %q, next fire %s\n", name, cronExpr, next.Format(time.RFC3339))
			return nil
		},
	}
}

func newScheduleClearCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "clear <workflow>",
		Short: "Remove a workflow's schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]

			a, err := newApp(cmd.Context(), resolveConfig(root))
			if err != nil {
				return err
			}
			defer a.Close()

			wf, err := a.store.GetWorkflow(cmd.Context(), name)
			if err != nil {
				return err
			}
			if wf.Definition.Schedule == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "%s has no schedule\n", name)
				return nil
			}
			wf.Definition.Schedule = ""
			wf.UpdatedAt = time.Now().UTC()
			if err := a.store.SaveWorkflow(cmd.Context(), wf); err != nil {
				return fmt.Errorf("save workflow %q: %w", name, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s schedule cleared\n", name)
			return nil
		},
	}
}
