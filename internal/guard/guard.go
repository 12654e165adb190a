package guard

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rendis/flowrun/pkg/schema"
)

const defaultMaxOutputBytes = 10 * 1024 * 1024 // 10MB

// Policy constrains what shell and filesystem actions may touch. The zero
// value permits everything, which suits local development. Deployments that
// run untrusted workflow definitions configure a command allowlist and path
// rules on the runner.
type Policy struct {
	AllowedCommands []string `json:"allowed_commands,omitempty"`
	ReadPaths       []string `json:"read_paths,omitempty"`
	WritePaths      []string `json:"write_paths,omitempty"`
	DenyPaths       []string `json:"deny_paths,omitempty"`
	MaxOutputBytes  int64    `json:"max_output_bytes,omitempty"`
}

// AccessMode indicates the type of filesystem access being requested.
type AccessMode int

const (
	AccessRead AccessMode = iota
	AccessWrite
)

// CheckCommand reports whether the policy permits executing the named
// command. Matching is by base name, so "curl" and "/usr/bin/curl" hit the
// same rule. An empty allowlist permits any command.
func (p Policy) CheckCommand(command string) error {
	if len(p.AllowedCommands) == 0 {
		return nil
	}
	base := filepath.Base(command)
	for _, allowed := range p.AllowedCommands {
		if base == allowed || command == allowed {
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeGuard, "command %q is not in the allowlist", command)
}

// CheckShellMode rejects raw shell-string execution when a command allowlist
// is configured. A "sh -c" string can smuggle arbitrary commands past
// base-name matching.
func (p Policy) CheckShellMode() error {
	if len(p.AllowedCommands) == 0 {
		return nil
	}
	return schema.NewError(schema.ErrCodeGuard, "shell mode is disabled while a command allowlist is active")
}

// CheckPath checks whether the given path is permitted under this policy.
// Empty path lists mean unrestricted access. DenyPaths always take
// precedence over allow lists, and WritePaths imply read access.
func (p Policy) CheckPath(path string, mode AccessMode) error {
	clean, err := resolveCleanPath(path)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeGuard, "invalid path %q: %v", path, err)
	}

	// Deny list always wins. Fail-closed: an invalid deny rule denies access.
	for _, deny := range p.DenyPaths {
		base, err := resolveCleanPath(deny)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeGuard,
				"path %q denied: invalid deny rule %q: %v", path, deny, err)
		}
		if isUnderPath(clean, base) {
			return schema.NewErrorf(schema.ErrCodeGuard, "path %q is denied", path)
		}
	}

	hasRead := len(p.ReadPaths) > 0
	hasWrite := len(p.WritePaths) > 0

	// No restrictions configured, unrestricted access.
	if !hasRead && !hasWrite {
		return nil
	}

	switch mode {
	case AccessWrite:
		if !hasWrite {
			return schema.NewErrorf(schema.ErrCodeGuard, "write access to %q denied: no writable paths configured", path)
		}
		if underAny(clean, p.WritePaths) {
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeGuard, "write access to %q denied: not under any writable path", path)

	case AccessRead:
		if underAny(clean, p.ReadPaths) || underAny(clean, p.WritePaths) {
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeGuard, "read access to %q denied: not under any allowed path", path)
	}

	return nil
}

// OutputLimit returns the cap on captured process output in bytes.
func (p Policy) OutputLimit() int64 {
	if p.MaxOutputBytes > 0 {
		return p.MaxOutputBytes
	}
	return defaultMaxOutputBytes
}

// underAny reports whether path falls under at least one valid base in list.
// Invalid allow entries are skipped: they cannot grant access, so skipping
// them is safe.
func underAny(path string, list []string) bool {
	for _, entry := range list {
		base, err := resolveCleanPath(entry)
		if err != nil {
			continue
		}
		if isUnderPath(path, base) {
			return true
		}
	}
	return false
}

// resolveCleanPath cleans and resolves a path to absolute. Walks up ancestors
// to resolve symlinks on the longest existing prefix, so resolution stays
// consistent even for paths that do not exist yet (e.g. a file about to be
// written).
func resolveCleanPath(path string) (string, error) {
	if strings.ContainsRune(path, 0) {
		return "", fmt.Errorf("path contains null byte")
	}

	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", err
	}

	// Fast path when the target exists.
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}

	return resolveAncestor(abs), nil
}

// resolveAncestor walks up from path until it finds an existing directory,
// resolves symlinks on that ancestor, and re-appends the unresolved suffix.
func resolveAncestor(path string) string {
	dir := path
	for range 256 { // depth limit
		parent := filepath.Dir(dir)
		if parent == dir {
			break // reached root
		}
		resolved, err := filepath.EvalSymlinks(parent)
		if err == nil {
			rel, err := filepath.Rel(parent, path)
			if err != nil {
				return path
			}
			return filepath.Join(resolved, rel)
		}
		dir = parent
	}
	return path
}

// isUnderPath returns true if path is under (or equal to) the base directory.
// Uses filepath.Rel to avoid string-prefix false positives (e.g. /tmp vs
// /tmpevil).
func isUnderPath(path, base string) bool {
	if path == base {
		return true
	}
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	return !strings.HasPrefix(rel, "..")
}
