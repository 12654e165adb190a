package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/flowrun/internal/engine"
	"github.com/rendis/flowrun/internal/panel"
	"github.com/rendis/flowrun/internal/plugins"
	"github.com/rendis/flowrun/internal/scheduler"
)

func newServeCmd(root *rootFlags) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, plugin host, and web panel",
		Long: `Run flowrun as a long-lived server: cron schedules fire saved workflows,
registered plugins are restarted and their actions exposed, and the panel
serves the read-only HTTP API with live event streams.

SIGHUP reloads settings.json; log level and the panel toggle apply
without a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := resolveConfig(root)
			if addr != "" {
				cfg.ListenAddr = addr
			}
			return serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address for the panel (overrides config)")

	return cmd
}

// scheduledLauncher runs a saved workflow when its cron schedule fires. A run
// that completes with action failures is a successful launch; only failures
// to start the run at all surface to the scheduler.
type scheduledLauncher struct {
	a *app
}

func (l *scheduledLauncher) LaunchScheduled(ctx context.Context, workflow string) error {
	wf, err := l.a.store.GetWorkflow(ctx, workflow)
	if err != nil {
		return err
	}
	def := wf.Definition
	_, err = l.a.runner.Execute(ctx, &def, engine.RunOptions{Trigger: "schedule"})
	return err
}

func serve(ctx context.Context, cfg Config) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger

	// Pidfile lets `flowrun install` SIGHUP a running server and `flowrun
	// update` stop one before swapping the binary.
	if err := writePidfile(); err != nil {
		logger.Warn("cannot write pidfile", "error", err)
	} else {
		defer os.Remove(pidPath())
	}

	mgr := plugins.NewManager(a.store, a.registry, a.hub, logger)
	if n, err := mgr.Restore(ctx); err != nil {
		logger.Warn("plugin restore failed", "error", err)
	} else if n > 0 {
		logger.Info("plugins restored", "count", n)
	}

	pool := engine.NewWorkerPool(cfg.PoolSize)
	sched := scheduler.NewScheduler(a.store, &scheduledLauncher{a: a}, pool, a.hub, logger)
	if err := sched.RecoverMissed(ctx); err != nil {
		logger.Warn("missed-run recovery failed", "error", err)
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}

	panelSrv := panel.NewServer(panel.Deps{
		Store:    a.store,
		Timeline: a.eventLog,
		Hub:      a.hub,
		Registry: a.registry,
		Runner:   a.runner,
		Version:  version,
		Logger:   logger,
	})
	swapper := newHandlerSwapper(panelHandler(cfg.Panel, panelSrv))
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           swapper,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr, "panel", cfg.Panel)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			next := loadConfig()
			diff := diffConfigs(cfg, next)
			if diff.LogLevelChanged {
				if level, ok := logLevels[next.LogLevel]; ok {
					a.logLevel.Set(level)
					logger.Info("log level changed", "level", next.LogLevel)
				} else {
					logger.Warn("ignoring unknown log level", "level", next.LogLevel)
				}
			}
			if diff.PanelChanged {
				swapper.Swap(panelHandler(next.Panel, panelSrv))
				logger.Info("panel toggled", "enabled", next.Panel)
			}
			if len(diff.RestartNeeded) > 0 {
				logger.Warn("config changes require a restart", "fields", diff.RestartNeeded)
			}
			cfg = next
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("panel server: %w", err)
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("shutting down", "reason", "context done")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("panel shutdown", "error", err)
	}
	if err := sched.Stop(); err != nil {
		logger.Warn("scheduler stop", "error", err)
	}
	if err := mgr.StopAll(shutdownCtx); err != nil {
		logger.Warn("plugin stop", "error", err)
	}
	pool.Shutdown()

	signal.Stop(hup)
	close(hup)
	return nil
}

// panelHandler returns the panel routes when enabled, or a flat 404 handler
// that keeps the listener up so a reload can re-enable the panel.
func panelHandler(enabled bool, srv *panel.Server) http.Handler {
	if enabled {
		return srv.Handler()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "panel is disabled", http.StatusNotFound)
	})
}
