package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/flowrun/internal/loader"
	"github.com/rendis/flowrun/internal/store"
)

func newDefineCmd(root *rootFlags) *cobra.Command {
	var (
		description string
		schemaPath  string
	)

	cmd := &cobra.Command{
		Use:   "define <file>...",
		Short: "Validate and save workflow definitions to the store",
		Long: `Validate workflow files and save them under their definition name.
Saving an existing name replaces it. Saved workflows can be run by name,
scheduled, called from other workflows, and listed in the panel.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if schemaPath != "" && len(args) != 1 {
				return fmt.Errorf("--input-schema applies to a single workflow file")
			}

			a, err := newApp(cmd.Context(), resolveConfig(root))
			if err != nil {
				return err
			}
			defer a.Close()

			var inputSchema []byte
			if schemaPath != "" {
				inputSchema, err = os.ReadFile(schemaPath)
				if err != nil {
					return fmt.Errorf("read input schema: %w", err)
				}
			}

			out := cmd.OutOrStdout()
			for _, path := range args {
				def, err := loader.LoadFile(path)
				if err != nil {
					return err
				}
				if def.Name == "" {
					return fmt.Errorf("%s: definition is missing a name", path)
				}
				if result := a.validator.Validate(def); !result.Valid() {
					printIssues(cmd.ErrOrStderr(), result.Errors)
					return fmt.Errorf("%s: workflow %q is not valid", path, def.Name)
				}

				now := time.Now().UTC()
				wf := &store.Workflow{
					Name:        def.Name,
					Version:     def.Version,
					Description: description,
					Definition:  *def,
					InputSchema: inputSchema,
					CreatedAt:   now,
					UpdatedAt:   now,
				}
				if err := a.store.SaveWorkflow(cmd.Context(), wf); err != nil {
					return fmt.Errorf("save workflow %q: %w", def.Name, err)
				}

				if def.Schedule != "" {
					fmt.Fprintf(out, "saved %s (%d actions, schedule %q)\n", def.Name, len(def.Actions), def.Schedule)
				} else {
					fmt.Fprintf(out, "saved %s (%d actions)\n", def.Name, len(def.Actions))
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&description, "description", "", "human-readable description stored with the workflow")
	cmd.Flags().StringVar(&schemaPath, "input-schema", "", "JSON Schema file used to validate run vars")

	return cmd
}
