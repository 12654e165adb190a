package main

import (
	"github.com/spf13/cobra"
)

// rootFlags carries the persistent flags shared by every subcommand.
type rootFlags struct {
	dbPath   string
	logLevel string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:   "flowrun",
		Short: "Define, validate, and execute browser automation workflows",
		Long: `flowrun runs declarative workflows: trees of actions with conditionals,
loops, recovery blocks, and reusable templates. Definitions live in YAML or
JSON files or in the local store, runs are recorded with per-action results,
and a panel or MCP server can watch executions live.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&flags.dbPath, "db", "", "path to the flowrun database (default ~/.flowrun/flowrun.db)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, or error")

	cmd.AddCommand(newRunCmd(flags))
	cmd.AddCommand(newValidateCmd(flags))
	cmd.AddCommand(newListCmd(flags))
	cmd.AddCommand(newReportCmd(flags))
	cmd.AddCommand(newDefineCmd(flags))
	cmd.AddCommand(newScheduleCmd(flags))
	cmd.AddCommand(newSecretCmd(flags))
	cmd.AddCommand(newDiagramCmd(flags))
	cmd.AddCommand(newServeCmd(flags))
	cmd.AddCommand(newMCPCmd(flags))
	cmd.AddCommand(newInstallCmd(flags))
	cmd.AddCommand(newUpdateCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}
