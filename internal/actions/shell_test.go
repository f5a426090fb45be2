package actions

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flow/internal/security"
	"github.com/rendis/flow/pkg/schema"
)

func newTestShell(t *testing.T) *ShellAction {
	t.Helper()
	return NewShellAction(ShellConfig{
		Policy:         security.DefaultPolicy(slog.Default()),
		Logger:         slog.Default(),
		DefaultTimeout: 10 * time.Second,
		MaxOutputSize:  1024 * 1024,
	})
}

func execShell(t *testing.T, a *ShellAction, spec *schema.ActionSpec, vars map[string]any) *Result {
	t.Helper()
	res, err := a.Execute(context.Background(), Input{Spec: spec, Vars: vars})
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func shellSpec(command string) *schema.ActionSpec {
	return &schema.ActionSpec{
		Kind:  schema.ActionShell,
		Shell: &schema.ShellActionConfig{Command: command},
	}
}

func TestShell_Success(t *testing.T) {
	a := newTestShell(t)
	spec := shellSpec("echo hello")
	spec.ResultVariable = "greeting"

	res := execShell(t, a, spec, nil)

	assert.Equal(t, schema.OutcomeSuccess, res.Outcome)
	assert.Equal(t, true, res.Vars[schema.VarSuccess])
	assert.Equal(t, false, res.Vars[schema.VarFailure])
	assert.Equal(t, 0, res.Vars[schema.VarExitCode])
	assert.Equal(t, "hello\n", res.Vars[schema.VarStdout])
	assert.Equal(t, "hello", res.Vars["greeting"])
	assert.Equal(t, "hello", res.Vars[schema.VarLastActionResult])
}

func TestShell_NonZeroExit(t *testing.T) {
	a := newTestShell(t)

	res := execShell(t, a, shellSpec("exit 3"), nil)

	assert.Equal(t, schema.OutcomeFailure, res.Outcome)
	assert.Equal(t, 3, res.Vars[schema.VarExitCode])
	assert.Equal(t, false, res.Vars[schema.VarSuccess])
	require.NotNil(t, res.Err)
	assert.Equal(t, schema.ErrCodeAction, res.Err.Code)
}

func TestShell_ResultVarOnlyOnSuccess(t *testing.T) {
	a := newTestShell(t)
	spec := shellSpec("false")
	spec.ResultVariable = "out"

	res := execShell(t, a, spec, nil)

	assert.Equal(t, schema.OutcomeFailure, res.Outcome)
	_, has := res.Vars["out"]
	assert.False(t, has)
}

func TestShell_Stderr(t *testing.T) {
	a := newTestShell(t)

	res := execShell(t, a, shellSpec("echo oops >&2"), nil)

	assert.Equal(t, schema.OutcomeSuccess, res.Outcome)
	assert.Equal(t, "oops\n", res.Vars[schema.VarStderr])
}

func TestShell_Substitution(t *testing.T) {
	a := newTestShell(t)

	res := execShell(t, a, shellSpec("echo ${word}"), map[string]any{"word": "bound"})

	assert.Equal(t, schema.OutcomeSuccess, res.Outcome)
	assert.Equal(t, "bound\n", res.Vars[schema.VarStdout])
}

func TestShell_Timeout(t *testing.T) {
	a := NewShellAction(ShellConfig{
		Policy:         security.DefaultPolicy(slog.Default()),
		Logger:         slog.Default(),
		DefaultTimeout: 10 * time.Second,
		MaxOutputSize:  1024,
	})
	spec := shellSpec("sleep 30")
	spec.Shell.Timeout = 1 * time.Second

	start := time.Now()
	res := execShell(t, a, spec, nil)
	elapsed := time.Since(start)

	assert.Equal(t, schema.OutcomeFailure, res.Outcome)
	require.NotNil(t, res.Err)
	assert.Equal(t, schema.ErrCodeTimeout, res.Err.Code)
	assert.Equal(t, "Command timed out", res.Vars[schema.VarStderr])
	assert.Less(t, elapsed, 10*time.Second)
}

func TestShell_TimeoutKillsProcessTree(t *testing.T) {
	a := newTestShell(t)
	// The background sleep inherits the output pipes. Without a process
	// group kill it survives the shell and holds Wait open for the full
	// grace period.
	spec := shellSpec("sleep 30 & sleep 30")
	spec.Shell.Timeout = 1 * time.Second

	start := time.Now()
	res := execShell(t, a, spec, nil)
	elapsed := time.Since(start)

	assert.Equal(t, schema.OutcomeFailure, res.Outcome)
	require.NotNil(t, res.Err)
	assert.Equal(t, schema.ErrCodeTimeout, res.Err.Code)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestShell_TimeoutOverMaxRejected(t *testing.T) {
	a := NewShellAction(ShellConfig{
		Policy:     security.DefaultPolicy(slog.Default()),
		Logger:     slog.Default(),
		MaxTimeout: time.Minute,
	})
	spec := shellSpec("echo hi")
	spec.Shell.Timeout = 2 * time.Hour

	res := execShell(t, a, spec, nil)

	assert.Equal(t, schema.OutcomeFailure, res.Outcome)
	require.NotNil(t, res.Err)
	assert.Equal(t, schema.ErrCodeValidation, res.Err.Code)
}

func TestShell_PolicyRejection(t *testing.T) {
	a := newTestShell(t)

	res := execShell(t, a, shellSpec("rm -rf /"), nil)

	assert.Equal(t, schema.OutcomeFailure, res.Outcome)
	require.NotNil(t, res.Err)
	assert.Equal(t, schema.ErrCodeSecurity, res.Err.Code)
}

func TestShell_Environment(t *testing.T) {
	a := newTestShell(t)
	spec := shellSpec("printenv FLOW_TEST_VAR")
	spec.Shell.Environment = map[string]string{"FLOW_TEST_VAR": "injected"}

	res := execShell(t, a, spec, nil)

	assert.Equal(t, schema.OutcomeSuccess, res.Outcome)
	assert.Equal(t, "injected\n", res.Vars[schema.VarStdout])
}

func TestShell_WorkingDir(t *testing.T) {
	a := newTestShell(t)
	dir := t.TempDir()
	spec := shellSpec("pwd")
	spec.Shell.WorkingDir = dir

	res := execShell(t, a, spec, nil)

	assert.Equal(t, schema.OutcomeSuccess, res.Outcome)
	assert.Contains(t, res.Vars[schema.VarStdout], dir)
}

func TestShell_DurationRecorded(t *testing.T) {
	a := newTestShell(t)

	res := execShell(t, a, shellSpec("true"), nil)

	d, ok := res.Vars[schema.VarDurationMS].(int64)
	require.True(t, ok)
	assert.GreaterOrEqual(t, d, int64(0))
}

func TestShell_OutputCapped(t *testing.T) {
	a := NewShellAction(ShellConfig{
		Policy:        security.DefaultPolicy(slog.Default()),
		Logger:        slog.Default(),
		MaxOutputSize: 16,
	})

	res := execShell(t, a, shellSpec("yes x | head -n 1000"), nil)

	assert.Equal(t, schema.OutcomeSuccess, res.Outcome)
	out, _ := res.Vars[schema.VarStdout].(string)
	assert.LessOrEqual(t, len(out), 16)
}

func TestShellConfigFromEnv(t *testing.T) {
	t.Setenv("FLOW_SHELL_DEFAULT_TIMEOUT", "5")
	t.Setenv("FLOW_SHELL_MAX_TIMEOUT", "600")

	cfg := ShellConfigFromEnv(security.DefaultPolicy(slog.Default()), slog.Default())

	assert.Equal(t, 5*time.Second, cfg.DefaultTimeout)
	assert.Equal(t, 600*time.Second, cfg.MaxTimeout)
}
