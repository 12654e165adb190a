package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/rendis/flowrun/internal/actions"
	"github.com/rendis/flowrun/internal/engine"
	"github.com/rendis/flowrun/internal/expressions"
	"github.com/rendis/flowrun/internal/guard"
	"github.com/rendis/flowrun/internal/logging"
	"github.com/rendis/flowrun/internal/sanitize"
	"github.com/rendis/flowrun/internal/secrets"
	"github.com/rendis/flowrun/internal/store"
	"github.com/rendis/flowrun/internal/streaming"
	"github.com/rendis/flowrun/internal/validation"
	"github.com/rendis/flowrun/pkg/schema"
)

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// app wires the store, vault, expression engines, action registry, and
// runner together for a single command invocation.
type app struct {
	cfg      Config
	logger   *slog.Logger
	logLevel *slog.LevelVar

	store     *store.LibSQLStore
	eventLog  *store.EventLog
	vault     secrets.Vault
	engines   *expressions.Set
	registry  *actions.Registry
	validator *validation.WorkflowValidator
	hub       streaming.EventHub
	runner    *engine.Runner
}

// resolveConfig layers the persistent CLI flags on top of the loaded config.
func resolveConfig(flags *rootFlags) Config {
	cfg := loadConfig()
	if flags.dbPath != "" {
		cfg.DBPath = flags.dbPath
	}
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}
	return cfg
}

func newApp(ctx context.Context, cfg Config) (a *app, err error) {
	a = &app{cfg: cfg, logLevel: new(slog.LevelVar)}

	level, ok := logLevels[cfg.LogLevel]
	if !ok {
		return nil, fmt.Errorf("unknown log level %q", cfg.LogLevel)
	}
	a.logLevel.Set(level)

	// Logs go to stderr so stdout stays clean for command output and for
	// the MCP stdio transport.
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: a.logLevel})
	a.logger = slog.New(logging.NewCorrelationHandler(handler))

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.store = st
	defer func() {
		if err != nil {
			_ = st.Close()
		}
	}()
	if err := st.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	a.eventLog = store.NewEventLog(st)

	a.vault, err = buildVault(st, cfg)
	if err != nil {
		return nil, err
	}

	a.engines, err = expressions.NewSet()
	if err != nil {
		return nil, fmt.Errorf("expression engines: %w", err)
	}
	interp := expressions.NewInterpolator(a.vault)

	jsonValidator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return nil, fmt.Errorf("json schema validator: %w", err)
	}

	policy := guard.Policy{
		AllowedCommands: cfg.Guard.AllowedCommands,
		ReadPaths:       cfg.Guard.ReadPaths,
		WritePaths:      cfg.Guard.WritePaths,
		DenyPaths:       cfg.Guard.DenyPaths,
	}
	a.registry = actions.NewRegistry()
	err = actions.RegisterBuiltins(a.registry, actions.BuiltinDeps{
		Validator: jsonValidator,
		Engines:   a.engines,
		Logger:    a.logger,
		HTTP:      actions.HTTPConfig{},
		FS:        actions.FSConfig{Policy: policy},
		Shell:     actions.ShellConfig{Policy: policy},
	})
	if err != nil {
		return nil, fmt.Errorf("register actions: %w", err)
	}

	a.validator, err = validation.NewWorkflowValidator(a.registry)
	if err != nil {
		return nil, fmt.Errorf("workflow validator: %w", err)
	}

	a.hub = streaming.NewMemoryHub()
	a.runner, err = engine.NewRunner(engine.RunnerConfig{
		Registry:          a.registry,
		Engines:           a.engines,
		Interpolator:      interp,
		Store:             st,
		Hub:               a.hub,
		Sanitizer:         sanitize.NewDefault(),
		Logger:            a.logger,
		MaxLoopIterations: cfg.MaxLoopIterations,
	})
	if err != nil {
		return nil, fmt.Errorf("runner: %w", err)
	}

	// workflow.call needs the runner, so it is registered last.
	err = actions.RegisterWorkflowActions(a.registry, actions.WorkflowDeps{Call: a.callWorkflow})
	if err != nil {
		return nil, fmt.Errorf("register workflow actions: %w", err)
	}

	return a, nil
}

// buildVault assembles the secret vault from environment-sourced key
// material. Returns a nil vault when no key is configured; secret
// references then fail at resolution time rather than at startup.
func buildVault(backend secrets.SecretStore, cfg Config) (secrets.Vault, error) {
	keyCfg := secrets.KeyConfig{
		Passphrase: cfg.VaultPassphrase,
		Salt:       []byte(cfg.VaultSalt),
	}
	if cfg.VaultKeyHex != "" {
		key, err := hex.DecodeString(cfg.VaultKeyHex)
		if err != nil {
			return nil, fmt.Errorf("FLOWRUN_VAULT_KEY is not valid hex: %w", err)
		}
		keyCfg.MasterKey = key
	}
	if len(keyCfg.MasterKey) == 0 && keyCfg.Passphrase == "" {
		return nil, nil
	}
	return secrets.NewCipherVault(backend, keyCfg)
}

// callWorkflow is the seam behind the workflow.call action: it loads the
// named workflow from the store and executes it as a child run.
func (a *app) callWorkflow(ctx context.Context, name string, vars map[string]any, driver any) (*schema.ExecutionReport, error) {
	wf, err := a.store.GetWorkflow(ctx, name)
	if err != nil {
		return nil, err
	}
	def := wf.Definition
	return a.runner.Execute(ctx, &def, engine.RunOptions{
		Vars:    vars,
		Driver:  driver,
		Trigger: "workflow",
	})
}

func (a *app) Close() error {
	return a.store.Close()
}
