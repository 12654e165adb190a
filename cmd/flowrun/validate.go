package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/rendis/flowrun/internal/loader"
	"github.com/rendis/flowrun/pkg/schema"
)

func newValidateCmd(root *rootFlags) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "validate <file>...",
		Short: "Validate workflow files without executing them",
		Long: `Validate one or more workflow files against the definition schema, the
registered action catalog, and the template graph. Warnings do not fail
validation; errors do.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), resolveConfig(root))
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			failed := 0
			for _, path := range args {
				def, err := loader.LoadFile(path)
				if err != nil {
					failed++
					fmt.Fprintf(out, "%s: %v\n", path, err)
					continue
				}

				result := a.validator.Validate(def)
				if jsonOut {
					if err := writeJSON(out, result); err != nil {
						return err
					}
					if !result.Valid() {
						failed++
					}
					continue
				}

				if result.Valid() && len(result.Warnings) == 0 {
					fmt.Fprintf(out, "%s: ok\n", path)
					continue
				}
				fmt.Fprintf(out, "%s:\n", path)
				printIssues(out, result.Errors)
				printIssues(out, result.Warnings)
				if !result.Valid() {
					failed++
				}
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d files failed validation", failed, len(args))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "print validation results as JSON")

	return cmd
}

func printIssues(out io.Writer, issues []schema.ValidationIssue) {
	for _, issue := range issues {
		if issue.Path != "" {
			fmt.Fprintf(out, "  %s %s: %s (%s)\n", issue.Severity, issue.Path, issue.Message, issue.Code)
		} else {
			fmt.Fprintf(out, "  %s %s (%s)\n", issue.Severity, issue.Message, issue.Code)
		}
	}
}
