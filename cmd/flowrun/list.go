package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/flowrun/internal/store"
)

func newListCmd(root *rootFlags) *cobra.Command {
	var (
		prefix    string
		scheduled bool
		limit     int
		jsonOut   bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List saved workflows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), resolveConfig(root))
			if err != nil {
				return err
			}
			defer a.Close()

			filter := store.WorkflowFilter{NamePrefix: prefix, Limit: limit}
			if scheduled {
				t := true
				filter.Scheduled = &t
			}
			workflows, err := a.store.ListWorkflows(cmd.Context(), filter)
			if err != nil {
				return err
			}

			if jsonOut {
				return writeJSON(cmd.OutOrStdout(), workflows)
			}

			if len(workflows) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no workflows saved")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tVERSION\tSCHEDULE\tACTIONS\tUPDATED")
			for _, wf := range workflows {
				schedule := wf.Schedule
				if schedule == "" {
					schedule = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					wf.Name, wf.Version, schedule, len(wf.Definition.Actions), formatAge(wf.UpdatedAt))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&prefix, "prefix", "", "only list workflows whose name starts with this prefix")
	cmd.Flags().BoolVar(&scheduled, "scheduled", false, "only list workflows with a schedule")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of workflows to list (0 = all)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print workflows as JSON")

	return cmd
}

// formatAge renders a timestamp as a coarse relative age for table output.
func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	case d < 30*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	default:
		return t.Format("2006-01-02")
	}
}
