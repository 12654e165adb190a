// Package plugins manages MCP server subprocesses that extend the action
// registry. Each plugin is launched over stdio, its tools are discovered via
// tools/list, and every tool is registered as a namespaced action
// ("<prefix>.<tool>") that workflows invoke like any builtin.
package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rendis/flowrun/internal/actions"
	"github.com/rendis/flowrun/internal/store"
	"github.com/rendis/flowrun/internal/streaming"
	"github.com/rendis/flowrun/pkg/schema"
)

const (
	handshakeTimeout = 10 * time.Second
	discoverTimeout  = 10 * time.Second
	stopGrace        = 5 * time.Second

	healthInterval = 30 * time.Second
	pingTimeout    = 5 * time.Second
	// maxStrikes consecutive failed pings mark a plugin unhealthy and trigger
	// a restart.
	maxStrikes = 3
	// restartBackoff caps the delay before a restart attempt.
	maxRestartBackoff = 60 * time.Second
)

// Plugin status values, persisted to the store and reported by Status.
const (
	StatusStarting  = "starting"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusCrashed   = "crashed"
	StatusStopped   = "stopped"
)

// Config describes how to launch and address a plugin subprocess.
type Config struct {
	Name    string   // unique plugin name, also the store key
	Prefix  string   // action namespace; defaults to Name
	Command string   // MCP server binary
	Args    []string
	Env     []string
}

func (c Config) prefix() string {
	if c.Prefix != "" {
		return c.Prefix
	}
	return c.Name
}

// Manager owns the lifecycle of plugin subprocesses: launch, MCP handshake,
// tool discovery, health supervision, restart with backoff, and shutdown.
type Manager struct {
	store    store.Store
	registry *actions.Registry
	hub      streaming.EventHub
	logger   *slog.Logger

	mu      sync.RWMutex
	plugins map[string]*pluginProc
}

type pluginProc struct {
	cfg    Config
	cmd    *exec.Cmd
	client *rpcClient
	cancel context.CancelFunc
	waitCh chan error

	mu      sync.Mutex
	status  string
	strikes int
	lastErr string
}

func (p *pluginProc) setStatus(status, errMsg string) {
	p.mu.Lock()
	p.status = status
	p.lastErr = errMsg
	p.mu.Unlock()
}

// NewManager creates a plugin manager. hub may be nil when no event stream is
// wired (e.g. one-shot CLI commands).
func NewManager(s store.Store, registry *actions.Registry, hub streaming.EventHub, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    s,
		registry: registry,
		hub:      hub,
		logger:   logger,
		plugins:  make(map[string]*pluginProc),
	}
}

// Load starts a plugin subprocess, performs the MCP handshake, discovers its
// tools, and registers them under the plugin prefix. The plugin record is
// persisted so Restore can bring it back after a daemon restart.
func (m *Manager) Load(ctx context.Context, cfg Config) error {
	if cfg.Name == "" {
		return schema.NewError(schema.ErrCodePlugin, "plugin name is required")
	}
	if cfg.Command == "" {
		return schema.NewErrorf(schema.ErrCodePlugin, "plugin %q: command is required", cfg.Name)
	}
	if strings.Contains(cfg.prefix(), ".") {
		return schema.NewErrorf(schema.ErrCodePlugin, "plugin %q: prefix must not contain %q", cfg.Name, ".")
	}

	m.mu.Lock()
	if _, exists := m.plugins[cfg.Name]; exists {
		m.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeConflict, "plugin %q already loaded", cfg.Name)
	}
	m.mu.Unlock()

	proc, err := m.launch(ctx, cfg)
	if err != nil {
		m.recordStatus(ctx, cfg, StatusCrashed, 0, err.Error())
		return err
	}

	count, err := m.discover(ctx, proc)
	if err != nil {
		m.teardown(proc)
		m.recordStatus(ctx, cfg, StatusCrashed, 0, err.Error())
		return err
	}

	proc.setStatus(StatusHealthy, "")

	m.mu.Lock()
	m.plugins[cfg.Name] = proc
	m.mu.Unlock()

	m.recordStatus(ctx, cfg, StatusHealthy, count, "")
	m.publish(ctx, schema.EventPluginLoaded, map[string]any{
		"plugin":  cfg.Name,
		"prefix":  cfg.prefix(),
		"actions": count,
	})

	go m.healthLoop(proc)

	m.logger.Info("plugin loaded",
		slog.String("plugin", cfg.Name),
		slog.String("prefix", cfg.prefix()),
		slog.Int("actions", count),
	)
	return nil
}

// launch starts the subprocess and completes the MCP initialize exchange.
func (m *Manager) launch(ctx context.Context, cfg Config) (*pluginProc, error) {
	procCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	cmd := exec.CommandContext(procCtx, cfg.Command, cfg.Args...)
	if len(cfg.Env) > 0 {
		cmd.Env = cfg.Env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, schema.NewErrorf(schema.ErrCodePlugin, "start plugin %q: %s", cfg.Name, err.Error()).WithCause(err)
	}

	proc := &pluginProc{
		cfg:    cfg,
		cmd:    cmd,
		client: newRPCClient(stdin, stdout),
		cancel: cancel,
		waitCh: make(chan error, 1),
		status: StatusStarting,
	}
	go func() { proc.waitCh <- cmd.Wait() }()

	if err := m.handshake(ctx, proc); err != nil {
		m.teardown(proc)
		return nil, schema.NewErrorf(schema.ErrCodePlugin, "handshake with plugin %q: %s", cfg.Name, err.Error()).WithCause(err)
	}
	return proc, nil
}

func (m *Manager) handshake(ctx context.Context, proc *pluginProc) error {
	_, err := proc.client.call(ctx, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "flowrun",
			"version": "1.0.0",
		},
	}, handshakeTimeout)
	if err != nil {
		return err
	}
	return proc.client.notify("notifications/initialized", nil)
}

// discover lists the plugin's tools and registers them as prefixed actions.
func (m *Manager) discover(ctx context.Context, proc *pluginProc) (int, error) {
	raw, err := proc.client.call(ctx, "tools/list", map[string]any{}, discoverTimeout)
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodePlugin, "tools/list from plugin %q: %s", proc.cfg.Name, err.Error())
	}

	var listing struct {
		Tools []struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			InputSchema json.RawMessage `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(raw, &listing); err != nil {
		return 0, schema.NewErrorf(schema.ErrCodePlugin, "plugin %q returned malformed tools/list: %s", proc.cfg.Name, err.Error())
	}

	discovered := make([]actions.Action, 0, len(listing.Tools))
	for _, t := range listing.Tools {
		if t.Name == "" {
			continue
		}
		discovered = append(discovered, &pluginAction{
			name:        t.Name,
			description: t.Description,
			inputSchema: t.InputSchema,
			client:      proc.client,
		})
	}
	if len(discovered) == 0 {
		return 0, nil
	}

	count, err := m.registry.RegisterPlugin(proc.cfg.prefix(), discovered)
	if err != nil {
		m.registry.Unregister(proc.cfg.prefix())
		return 0, err
	}
	return count, nil
}

// healthLoop pings the plugin over MCP. Repeated failures trigger a restart
// with exponential backoff; a successful ping clears the strike count.
func (m *Manager) healthLoop(proc *pluginProc) {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	ctx := context.Background()
	for {
		select {
		case <-ticker.C:
		case err := <-proc.waitCh:
			// Subprocess exited on its own.
			proc.waitCh <- err
			m.restart(proc, fmt.Sprintf("process exited: %v", err))
			return
		}

		pingCtx, cancel := context.WithCancel(ctx)
		_, err := proc.client.call(pingCtx, "ping", map[string]any{}, pingTimeout)
		cancel()

		proc.mu.Lock()
		alive := proc.status == StatusHealthy || proc.status == StatusStarting
		if !alive {
			proc.mu.Unlock()
			return
		}
		if err != nil {
			proc.strikes++
			proc.lastErr = err.Error()
			strikes := proc.strikes
			proc.mu.Unlock()
			if strikes >= maxStrikes {
				proc.setStatus(StatusUnhealthy, err.Error())
				m.logger.Warn("plugin unhealthy",
					slog.String("plugin", proc.cfg.Name),
					slog.Int("consecutive_failures", strikes),
				)
				m.restart(proc, err.Error())
				return
			}
			continue
		}
		proc.strikes = 0
		proc.mu.Unlock()
	}
}

// restart tears the plugin down, waits out a backoff proportional to the
// strike count, and loads it again. A failed reload leaves the plugin
// crashed; its actions are already unregistered so workflows fail fast.
func (m *Manager) restart(proc *pluginProc, reason string) {
	ctx := context.Background()
	cfg := proc.cfg

	proc.setStatus(StatusCrashed, reason)
	m.mu.Lock()
	delete(m.plugins, cfg.Name)
	m.mu.Unlock()

	m.registry.Unregister(cfg.prefix())
	m.recordStatus(ctx, cfg, StatusCrashed, 0, reason)
	m.publish(ctx, schema.EventPluginCrashed, map[string]any{
		"plugin": cfg.Name,
		"error":  reason,
	})
	m.teardown(proc)

	proc.mu.Lock()
	strikes := proc.strikes
	proc.mu.Unlock()
	backoff := time.Second << min(strikes, 6)
	if backoff > maxRestartBackoff {
		backoff = maxRestartBackoff
	}
	m.logger.Info("restarting plugin",
		slog.String("plugin", cfg.Name),
		slog.Duration("backoff", backoff),
	)
	time.Sleep(backoff)

	if err := m.Load(ctx, cfg); err != nil {
		m.logger.Error("plugin restart failed",
			slog.String("plugin", cfg.Name),
			slog.String("error", err.Error()),
		)
	}
}

// Stop gracefully shuts one plugin down and unregisters its actions.
func (m *Manager) Stop(ctx context.Context, name string) error {
	m.mu.Lock()
	proc, ok := m.plugins[name]
	if !ok {
		m.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeNotFound, "plugin %q not found", name)
	}
	delete(m.plugins, name)
	m.mu.Unlock()

	proc.setStatus(StatusStopped, "")
	m.registry.Unregister(proc.cfg.prefix())
	m.teardown(proc)

	m.recordStatus(ctx, proc.cfg, StatusStopped, 0, "")
	m.publish(ctx, schema.EventPluginStopped, map[string]any{"plugin": name})

	m.logger.Info("plugin stopped", slog.String("plugin", name))
	return nil
}

// teardown closes stdin to let the plugin exit cleanly, then kills it after
// the grace period.
func (m *Manager) teardown(proc *pluginProc) {
	_ = proc.client.close()

	select {
	case err := <-proc.waitCh:
		proc.waitCh <- err
	case <-time.After(stopGrace):
		if proc.cmd.Process != nil {
			_ = proc.cmd.Process.Kill()
		}
		err := <-proc.waitCh
		proc.waitCh <- err
	}
	proc.cancel()
}

// StopAll stops every managed plugin. Used at daemon shutdown.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.RLock()
	names := make([]string, 0, len(m.plugins))
	for name := range m.plugins {
		names = append(names, name)
	}
	m.mu.RUnlock()

	var lastErr error
	for _, name := range names {
		if err := m.Stop(ctx, name); err != nil {
			lastErr = err
			m.logger.Error("failed to stop plugin",
				slog.String("plugin", name),
				slog.String("error", err.Error()),
			)
		}
	}
	return lastErr
}

// Restore relaunches every plugin the store remembers as healthy. Called at
// daemon startup; a plugin that fails to come back is recorded as crashed but
// does not block the rest.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	records, err := m.store.ListPlugins(ctx)
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, rec := range records {
		if rec.Status != StatusHealthy {
			continue
		}
		cfg := Config{Name: rec.Name, Prefix: rec.Prefix, Command: rec.Command}
		if len(rec.Config) > 0 {
			var saved struct {
				Args []string `json:"args"`
				Env  []string `json:"env"`
			}
			if err := json.Unmarshal(rec.Config, &saved); err == nil {
				cfg.Args = saved.Args
				cfg.Env = saved.Env
			}
		}
		if err := m.Load(ctx, cfg); err != nil {
			m.logger.Error("plugin restore failed",
				slog.String("plugin", rec.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		restored++
	}
	return restored, nil
}

// Status reports the current status of every managed plugin.
func (m *Manager) Status() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]string, len(m.plugins))
	for name, proc := range m.plugins {
		proc.mu.Lock()
		out[name] = proc.status
		proc.mu.Unlock()
	}
	return out
}

// recordStatus upserts the plugin row. Store failures are logged, not fatal:
// a broken plugin table must not take down a running workflow.
func (m *Manager) recordStatus(ctx context.Context, cfg Config, status string, actionCount int, errMsg string) {
	cfgJSON, _ := json.Marshal(map[string]any{"args": cfg.Args, "env": cfg.Env})
	err := m.store.SavePlugin(ctx, &store.Plugin{
		Name:         cfg.Name,
		Prefix:       cfg.prefix(),
		Command:      cfg.Command,
		Config:       cfgJSON,
		Status:       status,
		ActionCount:  actionCount,
		ErrorMessage: errMsg,
	})
	if err != nil {
		m.logger.Warn("failed to persist plugin status",
			slog.String("plugin", cfg.Name),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Manager) publish(ctx context.Context, eventType string, payload map[string]any) {
	if m.hub == nil {
		return
	}
	_ = m.hub.Publish(ctx, streaming.StreamEvent{
		EventType: eventType,
		Payload:   payload,
	})
}
