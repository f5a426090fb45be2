package actions

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rendis/flow/internal/expressions"
	"github.com/rendis/flow/internal/logging"
	"github.com/rendis/flow/internal/security"
	"github.com/rendis/flow/pkg/schema"
)

const (
	defaultShellTimeout  = 30 * time.Second
	maxShellTimeout      = time.Hour
	defaultMaxOutputSize = 10 * 1024 * 1024 // 10MB per stream

	// termGrace is how long a timed-out process gets between SIGTERM and
	// SIGKILL.
	termGrace = 2 * time.Second

	// timeoutStderr is what the stderr variable carries when the command
	// was killed by its timeout.
	timeoutStderr = "Command timed out"
)

// ShellConfig configures the shell action executor.
type ShellConfig struct {
	Policy         *security.Policy
	Logger         *slog.Logger
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	MaxOutputSize  int64
}

// ShellConfigFromEnv builds a ShellConfig honoring the
// FLOW_SHELL_DEFAULT_TIMEOUT and FLOW_SHELL_MAX_TIMEOUT overrides, both
// integer seconds.
func ShellConfigFromEnv(policy *security.Policy, logger *slog.Logger) ShellConfig {
	cfg := ShellConfig{Policy: policy, Logger: logger}
	if v := os.Getenv("FLOW_SHELL_DEFAULT_TIMEOUT"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.DefaultTimeout = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("FLOW_SHELL_MAX_TIMEOUT"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.MaxTimeout = time.Duration(secs) * time.Second
		}
	}
	return cfg
}

// ShellAction runs one command under /bin/sh -c with policy validation,
// output capture, and timeout enforcement.
type ShellAction struct {
	cfg ShellConfig
}

// NewShellAction creates a shell executor, filling config defaults.
func NewShellAction(cfg ShellConfig) *ShellAction {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Policy == nil {
		cfg.Policy = security.DefaultPolicy(cfg.Logger)
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultShellTimeout
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = maxShellTimeout
	}
	if cfg.MaxOutputSize <= 0 {
		cfg.MaxOutputSize = defaultMaxOutputSize
	}
	return &ShellAction{cfg: cfg}
}

func (a *ShellAction) Kind() schema.ActionKind { return schema.ActionShell }

func (a *ShellAction) Execute(ctx context.Context, in Input) (*Result, error) {
	spec := in.Spec.Shell
	if spec == nil {
		return nil, schema.NewError(schema.ErrCodeEngine, "shell action has no command config")
	}

	command, err := expressions.Substitute(spec.Command, in.Vars)
	if err != nil {
		return Failure(nil, asFlowError(err)), nil
	}

	timeout := spec.Timeout
	if timeout == 0 {
		timeout = a.cfg.DefaultTimeout
	}
	if timeout > a.cfg.MaxTimeout {
		return Failure(nil, schema.NewErrorf(schema.ErrCodeValidation,
			"shell timeout %s exceeds the maximum %s", timeout, a.cfg.MaxTimeout)), nil
	}

	if err := a.cfg.Policy.ValidateCommand(command); err != nil {
		return Failure(shellVars(schema.OutcomeFailure, -1, "", "", 0), asFlowError(err)), nil
	}
	if spec.WorkingDir != "" {
		if err := a.cfg.Policy.ValidateWorkingDir(spec.WorkingDir); err != nil {
			return Failure(shellVars(schema.OutcomeFailure, -1, "", "", 0), asFlowError(err)), nil
		}
	}
	if err := a.cfg.Policy.ValidateEnv(spec.Environment); err != nil {
		return Failure(shellVars(schema.OutcomeFailure, -1, "", "", 0), asFlowError(err)), nil
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "/bin/sh", "-c", command)
	cmd.Dir = spec.WorkingDir
	if len(spec.Environment) > 0 {
		cmd.Env = os.Environ()
		for k, v := range spec.Environment {
			substituted, err := expressions.Substitute(v, in.Vars)
			if err != nil {
				return Failure(nil, asFlowError(err)), nil
			}
			cmd.Env = append(cmd.Env, k+"="+substituted)
		}
	}

	// The command gets its own process group so a timeout can signal the
	// whole tree, not just the direct child.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// On timeout: SIGTERM the group first, SIGKILL it after the grace
	// period if anything survives.
	cmd.Cancel = func() error {
		pgid := cmd.Process.Pid
		time.AfterFunc(termGrace, func() {
			_ = syscall.Kill(-pgid, syscall.SIGKILL)
		})
		return syscall.Kill(-pgid, syscall.SIGTERM)
	}
	cmd.WaitDelay = termGrace

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, limit: a.cfg.MaxOutputSize}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, limit: a.cfg.MaxOutputSize}

	logger := logging.LogWith(ctx, a.cfg.Logger)
	logger.InfoContext(ctx, "running shell command",
		slog.String("command", command),
		slog.Duration("timeout", timeout))

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	stdout := stdoutBuf.String()
	stderr := stderrBuf.String()

	if execCtx.Err() == context.DeadlineExceeded {
		logger.WarnContext(ctx, "shell command timed out",
			slog.Duration("timeout", timeout))
		return Failure(shellVars(schema.OutcomeFailure, -1, stdout, timeoutStderr, duration),
			schema.NewErrorf(schema.ErrCodeTimeout, "command timed out after %s", timeout)), nil
	}
	if ctx.Err() != nil {
		return nil, schema.NewError(schema.ErrCodeCancelled, "command cancelled").WithCause(ctx.Err())
	}

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			// Spawn failure: sh missing, bad working dir.
			return Failure(shellVars(schema.OutcomeFailure, -1, stdout, stderr, duration),
				schema.NewErrorf(schema.ErrCodeAction, "command failed to start: %v", runErr).WithCause(runErr)), nil
		}
		exitCode = exitErr.ExitCode()
	}

	logger.InfoContext(ctx, "shell command finished",
		slog.Int("exit_code", exitCode),
		slog.Duration("duration", duration))

	if exitCode != 0 {
		return Failure(shellVars(schema.OutcomeFailure, exitCode, stdout, stderr, duration),
			schema.NewErrorf(schema.ErrCodeAction, "command exited with code %d", exitCode)), nil
	}

	vars := shellVars(schema.OutcomeSuccess, 0, stdout, stderr, duration)
	trimmed := strings.TrimSpace(stdout)
	vars[schema.VarLastActionResult] = trimmed
	if in.Spec.ResultVariable != "" {
		vars[in.Spec.ResultVariable] = trimmed
	}
	return Success(vars), nil
}

func shellVars(outcome schema.Outcome, exitCode int, stdout, stderr string, duration time.Duration) map[string]any {
	return map[string]any{
		schema.VarSuccess:    outcome.Succeeded(),
		schema.VarFailure:    !outcome.Succeeded(),
		schema.VarExitCode:   exitCode,
		schema.VarStdout:     stdout,
		schema.VarStderr:     stderr,
		schema.VarDurationMS: duration.Milliseconds(),
	}
}

// limitedWriter wraps a writer and silently discards bytes beyond the limit.
// Write always reports the full len(p) consumed to prevent the subprocess
// from blocking on a full pipe.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return total, nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	if err != nil {
		return total, err
	}
	return total, nil
}
