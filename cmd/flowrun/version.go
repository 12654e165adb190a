package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Build metadata, set at release time via ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=abc1234" ./cmd/flowrun/
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "flowrun %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}
