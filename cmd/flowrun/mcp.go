package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/flowrun/internal/plugins"
	"github.com/rendis/flowrun/pkg/mcp"
)

func newMCPCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve flowrun tools over MCP on stdio",
		Long: `Expose workflow tools (run, define, list, get, runs, report, cancel,
validate) to MCP clients over stdin/stdout. Run events stream back to the
calling client as notifications while a run is in flight.

All logging goes to stderr; stdout carries only the MCP transport.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, resolveConfig(root))
			if err != nil {
				return err
			}
			defer a.Close()

			// Plugin actions should be callable from MCP-triggered runs too.
			mgr := plugins.NewManager(a.store, a.registry, a.hub, a.logger)
			if n, err := mgr.Restore(ctx); err != nil {
				a.logger.Warn("plugin restore failed", "error", err)
			} else if n > 0 {
				a.logger.Info("plugins restored", "count", n)
			}
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := mgr.StopAll(stopCtx); err != nil {
					a.logger.Warn("plugin stop", "error", err)
				}
			}()

			srv := mcp.NewFlowServer(mcp.FlowServerDeps{
				Runner:    a.runner,
				Store:     a.store,
				Validator: a.validator,
				Hub:       a.hub,
				Logger:    a.logger,
				Version:   version,
			})
			return srv.Serve(ctx)
		},
	}
}
