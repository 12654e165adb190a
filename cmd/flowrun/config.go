package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"syscall"
)

// Config holds all flowrun configuration. Env vars win over settings.json,
// which wins over the built-in defaults.
type Config struct {
	ListenAddr        string      `json:"listen_addr"`
	DBPath            string      `json:"db_path"`
	LogLevel          string      `json:"log_level"`
	PoolSize          int         `json:"pool_size"`
	Panel             bool        `json:"panel"`
	MaxLoopIterations int         `json:"max_loop_iterations"`
	VaultSalt         string      `json:"vault_salt"`
	Guard             GuardConfig `json:"guard"`

	// Vault key material is accepted from the environment only so that it
	// never ends up in settings.json.
	VaultKeyHex     string `json:"-"`
	VaultPassphrase string `json:"-"`
}

// GuardConfig restricts what shell and filesystem actions may touch.
// Empty lists leave the corresponding check wide open.
type GuardConfig struct {
	AllowedCommands []string `json:"allowed_commands"`
	ReadPaths       []string `json:"read_paths"`
	WritePaths      []string `json:"write_paths"`
	DenyPaths       []string `json:"deny_paths"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr: ":4700",
		DBPath:     filepath.Join(flowrunDir(), "flowrun.db"),
		LogLevel:   "info",
		PoolSize:   10,
		Panel:      true,
	}
}

func flowrunDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flowrun"
	}
	return filepath.Join(home, ".flowrun")
}

func settingsPath() string {
	return filepath.Join(flowrunDir(), "settings.json")
}

func pidPath() string {
	return filepath.Join(flowrunDir(), "flowrun.pid")
}

func writePidfile() error {
	if err := os.MkdirAll(flowrunDir(), 0o700); err != nil {
		return err
	}
	return os.WriteFile(pidPath(), []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// runningServer returns the serve process recorded in the pidfile, if it is
// still alive.
func runningServer() (*os.Process, bool) {
	data, err := os.ReadFile(pidPath())
	if err != nil {
		return nil, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil, false
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return nil, false
	}
	return proc, true
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env overrides.
	envStr("FLOWRUN_LISTEN_ADDR", &cfg.ListenAddr)
	envStr("FLOWRUN_DB_PATH", &cfg.DBPath)
	envStr("FLOWRUN_LOG_LEVEL", &cfg.LogLevel)
	envInt("FLOWRUN_POOL_SIZE", &cfg.PoolSize)
	envBool("FLOWRUN_PANEL", &cfg.Panel)
	envInt("FLOWRUN_MAX_LOOP_ITERATIONS", &cfg.MaxLoopIterations)
	envStr("FLOWRUN_VAULT_SALT", &cfg.VaultSalt)

	cfg.VaultKeyHex = os.Getenv("FLOWRUN_VAULT_KEY")
	cfg.VaultPassphrase = os.Getenv("FLOWRUN_VAULT_PASSPHRASE")

	return cfg
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}

// configDiff classifies changed fields by whether the running server can
// absorb them live.
type configDiff struct {
	PanelChanged    bool
	LogLevelChanged bool
	RestartNeeded   []string // fields that require a server restart
}

func diffConfigs(prev, next Config) configDiff {
	d := configDiff{
		PanelChanged:    prev.Panel != next.Panel,
		LogLevelChanged: prev.LogLevel != next.LogLevel,
	}
	restart := func(field string, changed bool) {
		if changed {
			d.RestartNeeded = append(d.RestartNeeded, field)
		}
	}
	restart("listen_addr", prev.ListenAddr != next.ListenAddr)
	restart("db_path", prev.DBPath != next.DBPath)
	restart("pool_size", prev.PoolSize != next.PoolSize)
	restart("max_loop_iterations", prev.MaxLoopIterations != next.MaxLoopIterations)
	restart("guard", !guardEqual(prev.Guard, next.Guard))
	return d
}

// guardEqual reports whether two guard configs describe the same policy.
// Guard settings are baked into the action registry, so changes need a
// restart rather than a reload.
func guardEqual(a, b GuardConfig) bool {
	return slices.Equal(a.AllowedCommands, b.AllowedCommands) &&
		slices.Equal(a.ReadPaths, b.ReadPaths) &&
		slices.Equal(a.WritePaths, b.WritePaths) &&
		slices.Equal(a.DenyPaths, b.DenyPaths)
}
