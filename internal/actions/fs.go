package actions

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rendis/flowrun/internal/guard"
	"github.com/rendis/flowrun/pkg/schema"
)

// defaultMaxReadSize caps fs.read payloads unless configured otherwise.
const defaultMaxReadSize int64 = 50 << 20 // 50 MiB

// FSConfig configures the filesystem actions.
type FSConfig struct {
	Policy      guard.Policy
	MaxReadSize int64
}

// FSActions returns the fs.* builtin set.
func FSActions(cfg FSConfig) []Action {
	if cfg.MaxReadSize <= 0 {
		cfg.MaxReadSize = defaultMaxReadSize
	}
	return []Action{
		&fsReadAction{cfg}, &fsWriteAction{cfg}, &fsAppendAction{cfg}, &fsDeleteAction{cfg},
		&fsListAction{cfg}, &fsStatAction{cfg}, &fsCopyAction{cfg}, &fsMoveAction{cfg},
	}
}

// guardedPath resolves the named path param to absolute form and checks it
// against the policy.
func (cfg FSConfig) guardedPath(params map[string]any, key string, access guard.AccessMode) (string, error) {
	raw := stringParam(params, key, "")
	abs, err := filepath.Abs(raw)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "invalid path %q: %v", raw, err)
	}
	if err := cfg.Policy.CheckPath(abs, access); err != nil {
		return "", err
	}
	return abs, nil
}

// ensureParent creates the parent directory of path for the create_dirs
// option. The directory itself must pass the write policy.
func (cfg FSConfig) ensureParent(op, path string) error {
	dir := filepath.Dir(path)
	if err := cfg.Policy.CheckPath(dir, guard.AccessWrite); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ioError(op+": failed to create directories", err)
	}
	return nil
}

// actionParams gives Execute a non-nil params map to work with.
func actionParams(input ActionInput) map[string]any {
	if input.Params == nil {
		return map[string]any{}
	}
	return input.Params
}

// missingParam is the uniform error for absent required params.
func missingParam(op, key string) error {
	return schema.NewErrorf(schema.ErrCodeValidation, "%s: missing required param '%s'", op, key)
}

// ioError wraps a filesystem failure as an action error.
func ioError(op string, err error) error {
	return schema.NewErrorf(schema.ErrCodeAction, "%s: %v", op, err).WithCause(err)
}

// looksBinary sniffs for a NUL byte in the first 8KB.
func looksBinary(data []byte) bool {
	return bytes.IndexByte(data[:min(len(data), 8192)], 0) >= 0
}

// statPayload is the metadata shape returned by fs.stat.
func statPayload(path string, info fs.FileInfo) map[string]any {
	return map[string]any{
		"path":        path,
		"size":        info.Size(),
		"modified_at": info.ModTime().UTC().Format(time.RFC3339),
		"is_dir":      info.IsDir(),
		"permissions": fmt.Sprintf("%04o", info.Mode().Perm()),
	}
}

// entryPayload is one fs.list row.
func entryPayload(name, path string, info fs.FileInfo) map[string]any {
	return map[string]any{
		"name":        name,
		"path":        path,
		"size":        info.Size(),
		"modified_at": info.ModTime().UTC().Format(time.RFC3339),
		"is_dir":      info.IsDir(),
	}
}

// --- fs.read ---

const fsReadInput = `{
	"type": "object",
	"required": ["path"],
	"properties": {
		"path": {"type": "string"},
		"encoding": {"type": "string", "enum": ["text","base64","auto"], "default": "auto"}
	}
}`

const fsReadOutput = `{
	"type": "object",
	"properties": {
		"path": {"type": "string"},
		"content": {"type": "string"},
		"encoding": {"type": "string"},
		"size": {"type": "integer"}
	}
}`

type fsReadAction struct{ cfg FSConfig }

func (a *fsReadAction) Name() string { return "fs.read" }

func (a *fsReadAction) Schema() ActionSchema {
	return ActionSchema{
		Description:  "Read a file as text or base64",
		InputSchema:  json.RawMessage(fsReadInput),
		OutputSchema: json.RawMessage(fsReadOutput),
	}
}

func (a *fsReadAction) Validate(params map[string]any) error {
	if stringParam(params, "path", "") == "" {
		return missingParam("fs.read", "path")
	}
	switch enc := stringParam(params, "encoding", "auto"); enc {
	case "text", "base64", "auto":
		return nil
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "fs.read: invalid encoding %q", enc)
	}
}

func (a *fsReadAction) Execute(_ context.Context, input ActionInput) (*schema.ActionResult, error) {
	params := actionParams(input)
	if err := a.Validate(params); err != nil {
		return nil, err
	}
	path, err := a.cfg.guardedPath(params, "path", guard.AccessRead)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, ioError("fs.read", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, a.cfg.MaxReadSize))
	if err != nil {
		return nil, ioError("fs.read: failed to read file", err)
	}

	enc := stringParam(params, "encoding", "auto")
	content := string(data)
	switch {
	case enc == "base64", enc == "auto" && looksBinary(data):
		enc = "base64"
		content = base64.StdEncoding.EncodeToString(data)
	case enc == "auto":
		enc = "text"
	}

	return schema.Success(fmt.Sprintf("read %d bytes from %s", len(data), path), map[string]any{
		"path":     path,
		"content":  content,
		"encoding": enc,
		"size":     len(data),
	}), nil
}

// --- fs.write ---

const fsWriteInput = `{
	"type": "object",
	"required": ["path", "content"],
	"properties": {
		"path": {"type": "string"},
		"content": {"type": "string"},
		"create_dirs": {"type": "boolean", "default": false},
		"mode": {"type": "integer", "default": 420}
	}
}`

const fsWriteOutput = `{"type":"object","properties":{"path":{"type":"string"},"size":{"type":"integer"}}}`

type fsWriteAction struct{ cfg FSConfig }

func (a *fsWriteAction) Name() string { return "fs.write" }

func (a *fsWriteAction) Schema() ActionSchema {
	return ActionSchema{
		Description:  "Create or overwrite a file with the given content",
		InputSchema:  json.RawMessage(fsWriteInput),
		OutputSchema: json.RawMessage(fsWriteOutput),
	}
}

func (a *fsWriteAction) Validate(params map[string]any) error {
	if stringParam(params, "path", "") == "" {
		return missingParam("fs.write", "path")
	}
	// Empty content is a legal write; only absence is an error.
	if _, ok := params["content"]; !ok {
		return missingParam("fs.write", "content")
	}
	return nil
}

func (a *fsWriteAction) Execute(_ context.Context, input ActionInput) (*schema.ActionResult, error) {
	params := actionParams(input)
	if err := a.Validate(params); err != nil {
		return nil, err
	}
	path, err := a.cfg.guardedPath(params, "path", guard.AccessWrite)
	if err != nil {
		return nil, err
	}

	if boolParam(params, "create_dirs", false) {
		if err := a.cfg.ensureParent("fs.write", path); err != nil {
			return nil, err
		}
	}

	data := []byte(stringParam(params, "content", ""))
	mode := os.FileMode(intParam(params, "mode", 0o644))
	if err := os.WriteFile(path, data, mode); err != nil {
		return nil, ioError("fs.write", err)
	}

	return schema.Success(fmt.Sprintf("wrote %d bytes to %s", len(data), path), map[string]any{
		"path": path,
		"size": len(data),
	}), nil
}

// --- fs.append ---

const fsAppendInput = `{
	"type": "object",
	"required": ["path", "content"],
	"properties": {
		"path": {"type": "string"},
		"content": {"type": "string"}
	}
}`

type fsAppendAction struct{ cfg FSConfig }

func (a *fsAppendAction) Name() string { return "fs.append" }

func (a *fsAppendAction) Schema() ActionSchema {
	return ActionSchema{
		Description:  "Add content to the end of a file, creating it when absent",
		InputSchema:  json.RawMessage(fsAppendInput),
		OutputSchema: json.RawMessage(fsWriteOutput),
	}
}

func (a *fsAppendAction) Validate(params map[string]any) error {
	if stringParam(params, "path", "") == "" {
		return missingParam("fs.append", "path")
	}
	if _, ok := params["content"]; !ok {
		return missingParam("fs.append", "content")
	}
	return nil
}

func (a *fsAppendAction) Execute(_ context.Context, input ActionInput) (*schema.ActionResult, error) {
	params := actionParams(input)
	if err := a.Validate(params); err != nil {
		return nil, err
	}
	path, err := a.cfg.guardedPath(params, "path", guard.AccessWrite)
	if err != nil {
		return nil, err
	}

	content := stringParam(params, "content", "")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, ioError("fs.append", err)
	}
	_, werr := f.WriteString(content)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return nil, ioError("fs.append: failed to write", werr)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, ioError("fs.append: failed to stat after write", err)
	}

	return schema.Success(fmt.Sprintf("appended %d bytes to %s", len(content), path), map[string]any{
		"path": path,
		"size": info.Size(),
	}), nil
}

// --- fs.delete ---

const fsDeleteInput = `{
	"type": "object",
	"required": ["path"],
	"properties": {
		"path": {"type": "string"},
		"recursive": {"type": "boolean", "default": false}
	}
}`

type fsDeleteAction struct{ cfg FSConfig }

func (a *fsDeleteAction) Name() string { return "fs.delete" }

func (a *fsDeleteAction) Schema() ActionSchema {
	return ActionSchema{
		Description:  "Remove a file or directory",
		InputSchema:  json.RawMessage(fsDeleteInput),
		OutputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"},"deleted":{"type":"boolean"}}}`),
	}
}

func (a *fsDeleteAction) Validate(params map[string]any) error {
	if stringParam(params, "path", "") == "" {
		return missingParam("fs.delete", "path")
	}
	return nil
}

func (a *fsDeleteAction) Execute(_ context.Context, input ActionInput) (*schema.ActionResult, error) {
	params := actionParams(input)
	if err := a.Validate(params); err != nil {
		return nil, err
	}
	path, err := a.cfg.guardedPath(params, "path", guard.AccessWrite)
	if err != nil {
		return nil, err
	}

	remove := os.Remove
	if boolParam(params, "recursive", false) {
		remove = os.RemoveAll
	}
	if err := remove(path); err != nil {
		return nil, ioError("fs.delete", err)
	}

	return schema.Success(fmt.Sprintf("deleted %s", path), map[string]any{
		"path":    path,
		"deleted": true,
	}), nil
}

// --- fs.list ---

const fsListInput = `{
	"type": "object",
	"required": ["path"],
	"properties": {
		"path": {"type": "string"},
		"pattern": {"type": "string"},
		"recursive": {"type": "boolean", "default": false}
	}
}`

const fsListOutput = `{
	"type": "object",
	"properties": {
		"path": {"type": "string"},
		"entries": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"name": {"type": "string"},
					"path": {"type": "string"},
					"size": {"type": "integer"},
					"modified_at": {"type": "string"},
					"is_dir": {"type": "boolean"}
				}
			}
		}
	}
}`

type fsListAction struct{ cfg FSConfig }

func (a *fsListAction) Name() string { return "fs.list" }

func (a *fsListAction) Schema() ActionSchema {
	return ActionSchema{
		Description:  "Enumerate directory entries, with optional glob filter and recursion",
		InputSchema:  json.RawMessage(fsListInput),
		OutputSchema: json.RawMessage(fsListOutput),
	}
}

func (a *fsListAction) Validate(params map[string]any) error {
	if stringParam(params, "path", "") == "" {
		return missingParam("fs.list", "path")
	}
	return nil
}

func (a *fsListAction) Execute(_ context.Context, input ActionInput) (*schema.ActionResult, error) {
	params := actionParams(input)
	if err := a.Validate(params); err != nil {
		return nil, err
	}
	path, err := a.cfg.guardedPath(params, "path", guard.AccessRead)
	if err != nil {
		return nil, err
	}

	pattern := stringParam(params, "pattern", "")
	var entries []map[string]any
	switch {
	case boolParam(params, "recursive", false):
		entries, err = listTree(path, pattern)
	case pattern != "":
		entries, err = listGlob(path, pattern)
	default:
		entries, err = listDir(path)
	}
	if err != nil {
		var fe *schema.FlowError
		if errors.As(err, &fe) {
			return nil, err
		}
		return nil, ioError("fs.list", err)
	}

	return schema.Success(fmt.Sprintf("listed %d entries in %s", len(entries), path), map[string]any{
		"path":    path,
		"entries": entries,
	}), nil
}

// listTree walks the tree under root, filtering entry names by pattern.
// Unreadable entries abort the walk.
func listTree(root, pattern string) ([]map[string]any, error) {
	entries := []map[string]any{}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if p == root {
			return nil
		}
		if pattern != "" {
			ok, matchErr := filepath.Match(pattern, d.Name())
			if matchErr != nil {
				return schema.NewErrorf(schema.ErrCodeValidation, "fs.list: invalid pattern %q: %v", pattern, matchErr)
			}
			if !ok {
				return nil
			}
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		entries = append(entries, entryPayload(d.Name(), p, info))
		return nil
	})
	return entries, err
}

// listGlob matches pattern against direct children. Entries that vanish
// between glob and stat are skipped.
func listGlob(dir, pattern string) ([]map[string]any, error) {
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "fs.list: invalid pattern %q: %v", pattern, err)
	}
	entries := []map[string]any{}
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		entries = append(entries, entryPayload(filepath.Base(m), m, info))
	}
	return entries, nil
}

func listDir(dir string) ([]map[string]any, error) {
	children, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	entries := []map[string]any{}
	for _, d := range children {
		info, err := d.Info()
		if err != nil {
			continue
		}
		entries = append(entries, entryPayload(d.Name(), filepath.Join(dir, d.Name()), info))
	}
	return entries, nil
}

// --- fs.stat ---

const fsStatInput = `{"type":"object","required":["path"],"properties":{"path":{"type":"string"}}}`

const fsStatOutput = `{
	"type": "object",
	"properties": {
		"path": {"type": "string"},
		"size": {"type": "integer"},
		"modified_at": {"type": "string"},
		"is_dir": {"type": "boolean"},
		"permissions": {"type": "string"}
	}
}`

type fsStatAction struct{ cfg FSConfig }

func (a *fsStatAction) Name() string { return "fs.stat" }

func (a *fsStatAction) Schema() ActionSchema {
	return ActionSchema{
		Description:  "Report metadata for a file or directory",
		InputSchema:  json.RawMessage(fsStatInput),
		OutputSchema: json.RawMessage(fsStatOutput),
	}
}

func (a *fsStatAction) Validate(params map[string]any) error {
	if stringParam(params, "path", "") == "" {
		return missingParam("fs.stat", "path")
	}
	return nil
}

func (a *fsStatAction) Execute(_ context.Context, input ActionInput) (*schema.ActionResult, error) {
	params := actionParams(input)
	if err := a.Validate(params); err != nil {
		return nil, err
	}
	path, err := a.cfg.guardedPath(params, "path", guard.AccessRead)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, ioError("fs.stat", err)
	}

	return schema.Success(fmt.Sprintf("stat %s", path), statPayload(path, info)), nil
}

// --- fs.copy ---

const fsCopyInput = `{
	"type": "object",
	"required": ["src", "dst"],
	"properties": {
		"src": {"type": "string"},
		"dst": {"type": "string"},
		"create_dirs": {"type": "boolean", "default": false}
	}
}`

const fsTransferOutput = `{
	"type": "object",
	"properties": {
		"src": {"type": "string"},
		"dst": {"type": "string"},
		"size": {"type": "integer"},
		"is_dir": {"type": "boolean"}
	}
}`

type fsCopyAction struct{ cfg FSConfig }

func (a *fsCopyAction) Name() string { return "fs.copy" }

func (a *fsCopyAction) Schema() ActionSchema {
	return ActionSchema{
		Description:  "Copy a file or directory tree",
		InputSchema:  json.RawMessage(fsCopyInput),
		OutputSchema: json.RawMessage(fsTransferOutput),
	}
}

func (a *fsCopyAction) Validate(params map[string]any) error {
	if stringParam(params, "src", "") == "" {
		return missingParam("fs.copy", "src")
	}
	if stringParam(params, "dst", "") == "" {
		return missingParam("fs.copy", "dst")
	}
	return nil
}

func (a *fsCopyAction) Execute(_ context.Context, input ActionInput) (*schema.ActionResult, error) {
	params := actionParams(input)
	if err := a.Validate(params); err != nil {
		return nil, err
	}
	src, err := a.cfg.guardedPath(params, "src", guard.AccessRead)
	if err != nil {
		return nil, err
	}
	dst, err := a.cfg.guardedPath(params, "dst", guard.AccessWrite)
	if err != nil {
		return nil, err
	}

	if boolParam(params, "create_dirs", false) {
		if err := a.cfg.ensureParent("fs.copy", dst); err != nil {
			return nil, err
		}
	}

	info, err := os.Stat(src)
	if err != nil {
		return nil, ioError("fs.copy", err)
	}

	var copied int64
	if info.IsDir() {
		copied, err = copyTree(src, dst)
	} else {
		copied, err = copyRegular(src, dst, info.Mode())
	}
	if err != nil {
		return nil, ioError("fs.copy", err)
	}

	return schema.Success(fmt.Sprintf("copied %s to %s", src, dst), map[string]any{
		"src":    src,
		"dst":    dst,
		"size":   copied,
		"is_dir": info.IsDir(),
	}), nil
}

// copyRegular copies one file, carrying over the source mode.
func copyRegular(src, dst string, mode os.FileMode) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(out, in)
	if err != nil {
		out.Close()
		return 0, err
	}
	return n, out.Close()
}

// copyTree mirrors the directory rooted at src into dst and returns the
// total bytes copied.
func copyTree(src, dst string) (int64, error) {
	var total int64
	err := filepath.WalkDir(src, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		n, err := copyRegular(p, target, info.Mode())
		total += n
		return err
	})
	return total, err
}

// --- fs.move ---

const fsMoveInput = `{
	"type": "object",
	"required": ["src", "dst"],
	"properties": {
		"src": {"type": "string"},
		"dst": {"type": "string"},
		"create_dirs": {"type": "boolean", "default": false}
	}
}`

type fsMoveAction struct{ cfg FSConfig }

func (a *fsMoveAction) Name() string { return "fs.move" }

func (a *fsMoveAction) Schema() ActionSchema {
	return ActionSchema{
		Description:  "Move or rename a file or directory, copying across devices",
		InputSchema:  json.RawMessage(fsMoveInput),
		OutputSchema: json.RawMessage(fsTransferOutput),
	}
}

func (a *fsMoveAction) Validate(params map[string]any) error {
	if stringParam(params, "src", "") == "" {
		return missingParam("fs.move", "src")
	}
	if stringParam(params, "dst", "") == "" {
		return missingParam("fs.move", "dst")
	}
	return nil
}

func (a *fsMoveAction) Execute(_ context.Context, input ActionInput) (*schema.ActionResult, error) {
	params := actionParams(input)
	if err := a.Validate(params); err != nil {
		return nil, err
	}
	src, err := a.cfg.guardedPath(params, "src", guard.AccessWrite)
	if err != nil {
		return nil, err
	}
	dst, err := a.cfg.guardedPath(params, "dst", guard.AccessWrite)
	if err != nil {
		return nil, err
	}

	if boolParam(params, "create_dirs", false) {
		if err := a.cfg.ensureParent("fs.move", dst); err != nil {
			return nil, err
		}
	}

	// Stat before the move so size and kind survive the rename.
	info, err := os.Stat(src)
	if err != nil {
		return nil, ioError("fs.move", err)
	}

	size := info.Size()
	if err := os.Rename(src, dst); err != nil {
		// Cross-device: copy then delete the source.
		if info.IsDir() {
			size, err = copyTree(src, dst)
		} else {
			size, err = copyRegular(src, dst, info.Mode())
		}
		if err != nil {
			return nil, ioError("fs.move: copy fallback", err)
		}
		if err := os.RemoveAll(src); err != nil {
			return nil, ioError("fs.move: failed to remove source after copy", err)
		}
	}

	return schema.Success(fmt.Sprintf("moved %s to %s", src, dst), map[string]any{
		"src":    src,
		"dst":    dst,
		"size":   size,
		"is_dir": info.IsDir(),
	}), nil
}
