package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/flowrun/internal/diagram"
	"github.com/rendis/flowrun/pkg/schema"
)

func newDiagramCmd(root *rootFlags) *cobra.Command {
	var (
		format  string
		runID   string
		outPath string
	)

	cmd := &cobra.Command{
		Use:   "diagram <workflow>",
		Short: "Render a workflow as a diagram",
		Long: `Render a workflow's action tree as mermaid, ascii, or a png image.
With --run, per-action success and failure from that run is overlaid on
the nodes. png output requires -o.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format == "png" && outPath == "" {
				return fmt.Errorf("png output requires -o <file>")
			}

			a, err := newApp(cmd.Context(), resolveConfig(root))
			if err != nil {
				return err
			}
			defer a.Close()

			def, err := resolveWorkflowArg(cmd.Context(), a, args[0])
			if err != nil {
				return err
			}

			var results []*schema.ActionResult
			if runID != "" {
				rows, err := a.store.ListResults(cmd.Context(), runID)
				if err != nil {
					return err
				}
				for _, row := range rows {
					results = append(results, row.ToActionResult())
				}
			}

			model := diagram.Build(def, results)

			switch format {
			case "mermaid":
				return writeDiagram(cmd, outPath, []byte(diagram.RenderMermaid(model)))
			case "ascii":
				return writeDiagram(cmd, outPath, []byte(diagram.RenderASCII(model)))
			case "png":
				img, err := diagram.RenderImage(model)
				if err != nil {
					return fmt.Errorf("render image: %w", err)
				}
				return writeDiagram(cmd, outPath, img)
			default:
				return fmt.Errorf("unknown diagram format %q, expected mermaid, ascii, or png", format)
			}
		},
	}

	cmd.Flags().StringVar(&format, "format", "mermaid", "output format: mermaid, ascii, or png")
	cmd.Flags().StringVar(&runID, "run", "", "overlay action results from this run")
	cmd.Flags().StringVarP(&outPath, "output", "o", "", "write the diagram to a file instead of stdout")

	return cmd
}

func writeDiagram(cmd *cobra.Command, path string, data []byte) error {
	if path == "" {
		_, err := cmd.OutOrStdout().Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write diagram: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes)\n", path, len(data))
	return nil
}
