package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rendis/flowrun/internal/guard"
	"github.com/rendis/flowrun/pkg/schema"
)

const defaultShellTimeout = 30 * time.Second

// ShellConfig carries the policy and default timeout applied to every
// shell.exec invocation.
type ShellConfig struct {
	Policy         guard.Policy
	DefaultTimeout time.Duration
}

// ShellActions returns the shell.* builtin set.
func ShellActions(cfg ShellConfig) []Action {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultShellTimeout
	}
	return []Action{&shellExecAction{cfg}}
}

const shellExecInput = `{
	"type": "object",
	"required": ["command"],
	"properties": {
		"command": {"type": "string"},
		"args": {"type": "array", "items": {"type": "string"}},
		"env": {"type": "object", "additionalProperties": {"type": "string"}},
		"cwd": {"type": "string"},
		"stdin": {"type": "string"},
		"timeout": {"type": "string"},
		"shell": {"type": "boolean", "default": false},
		"fail_on_nonzero": {"type": "boolean", "default": false}
	}
}`

const shellExecOutput = `{
	"type": "object",
	"properties": {
		"stdout": {"description": "auto-parsed JSON if valid, raw string otherwise"},
		"stdout_raw": {"type": "string", "description": "always the raw string output"},
		"stderr": {"type": "string"},
		"exit_code": {"type": "integer"},
		"duration_ms": {"type": "integer"},
		"killed": {"type": "boolean"},
		"truncated": {"type": "boolean"}
	}
}`

// --- shell.exec ---

// shellRequest is the decoded parameter set for one shell.exec invocation.
type shellRequest struct {
	command  string
	args     []string
	env      map[string]string
	dir      string
	stdin    string
	timeout  time.Duration
	viaShell bool
	strict   bool // fail_on_nonzero
}

type shellExecAction struct{ cfg ShellConfig }

func (a *shellExecAction) Name() string { return "shell.exec" }

func (a *shellExecAction) Schema() ActionSchema {
	return ActionSchema{
		Description:  "Execute a system command under the run policy, capturing stdout, stderr, and exit code.",
		InputSchema:  json.RawMessage(shellExecInput),
		OutputSchema: json.RawMessage(shellExecOutput),
	}
}

func (a *shellExecAction) Validate(params map[string]any) error {
	cmd := stringParam(params, "command", "")
	if cmd == "" {
		return schema.NewError(schema.ErrCodeValidation, "shell.exec: missing required param 'command'")
	}
	return nil
}

func (a *shellExecAction) Execute(ctx context.Context, input ActionInput) (*schema.ActionResult, error) {
	params := input.Params
	if params == nil {
		params = map[string]any{}
	}
	if err := a.Validate(params); err != nil {
		return nil, err
	}

	req := a.decodeRequest(params)
	if err := a.checkPolicy(req); err != nil {
		return nil, err
	}

	// A timeout context we own lets us tell a kill apart from an ordinary
	// non-zero exit.
	execCtx, cancel := context.WithTimeout(ctx, req.timeout)
	defer cancel()

	cmd := req.build(execCtx)

	var outBuf, errBuf bytes.Buffer
	limit := a.cfg.Policy.OutputLimit()
	stdout := guard.NewLimitedWriter(&outBuf, limit)
	stderr := guard.NewLimitedWriter(&errBuf, limit)
	cmd.Stdout, cmd.Stderr = stdout, stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	exitCode, killed, err := classifyExit(runErr, execCtx)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"stdout":      decodeStdout(outBuf.Bytes()),
		"stdout_raw":  outBuf.String(),
		"stderr":      errBuf.String(),
		"exit_code":   exitCode,
		"duration_ms": elapsed.Milliseconds(),
		"killed":      killed,
		"truncated":   stdout.Truncated() || stderr.Truncated(),
	}

	message := fmt.Sprintf("%s exited with code %d", req.command, exitCode)
	if killed {
		message = fmt.Sprintf("%s killed after %s", req.command, req.timeout)
	}
	if req.strict && exitCode != 0 {
		return schema.Failure(message, payload), nil
	}
	return schema.Success(message, payload), nil
}

func (a *shellExecAction) decodeRequest(params map[string]any) shellRequest {
	req := shellRequest{
		command:  stringParam(params, "command", ""),
		args:     stringSliceParam(params, "args"),
		env:      stringMapParam(params, "env"),
		dir:      stringParam(params, "cwd", ""),
		stdin:    stringParam(params, "stdin", ""),
		timeout:  a.cfg.DefaultTimeout,
		viaShell: boolParam(params, "shell", false),
		strict:   boolParam(params, "fail_on_nonzero", false),
	}
	if raw := stringParam(params, "timeout", ""); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			req.timeout = d
		}
	}
	return req
}

// checkPolicy enforces the run policy before anything is spawned. Shell mode
// and direct execution gate differently; cwd needs read access either way.
func (a *shellExecAction) checkPolicy(req shellRequest) error {
	if req.viaShell {
		if err := a.cfg.Policy.CheckShellMode(); err != nil {
			return err
		}
	} else if err := a.cfg.Policy.CheckCommand(req.command); err != nil {
		return err
	}
	if req.dir == "" {
		return nil
	}
	return a.cfg.Policy.CheckPath(req.dir, guard.AccessRead)
}

func (req shellRequest) build(ctx context.Context) *exec.Cmd {
	var cmd *exec.Cmd
	if req.viaShell {
		line := req.command
		if len(req.args) > 0 {
			line += " " + strings.Join(req.args, " ")
		}
		cmd = exec.CommandContext(ctx, "/bin/sh", "-c", line)
	} else {
		cmd = exec.CommandContext(ctx, req.command, req.args...)
	}
	if req.dir != "" {
		cmd.Dir = req.dir
	}
	if len(req.env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range req.env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	if req.stdin != "" {
		cmd.Stdin = strings.NewReader(req.stdin)
	}
	return cmd
}

// classifyExit maps cmd.Run's error into an exit code and kill flag. Errors
// that never produced an exit status (command not found, permission denied)
// surface as action errors instead.
func classifyExit(runErr error, ctx context.Context) (int, bool, error) {
	if runErr == nil {
		return 0, false, nil
	}
	var exitErr *exec.ExitError
	if !errors.As(runErr, &exitErr) {
		return 0, false, schema.NewErrorf(schema.ErrCodeAction, "shell.exec: %v", runErr).WithCause(runErr)
	}
	killed := errors.Is(ctx.Err(), context.DeadlineExceeded)
	return exitErr.ExitCode(), killed, nil
}

// decodeStdout parses stdout as JSON when it is a valid document so results
// interpolate as structured data, mirroring the http actions' body handling.
func decodeStdout(raw []byte) any {
	if len(raw) > 0 && json.Valid(raw) {
		var parsed any
		if err := json.Unmarshal(raw, &parsed); err == nil {
			return parsed
		}
	}
	return string(raw)
}
