package actions

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flow/pkg/schema"
)

func TestLogAction(t *testing.T) {
	a := &LogAction{Logger: slog.Default()}
	spec := &schema.ActionSpec{
		Kind:       schema.ActionLog,
		LogMessage: "deploying ${env}",
	}

	res, err := a.Execute(context.Background(), Input{Spec: spec, Vars: map[string]any{"env": "prod"}})

	require.NoError(t, err)
	assert.Equal(t, schema.OutcomeSuccess, res.Outcome)
	assert.Equal(t, "deploying prod", res.Vars[schema.VarLastActionResult])
}

func TestLogAction_UnboundVar(t *testing.T) {
	a := &LogAction{Logger: slog.Default()}
	spec := &schema.ActionSpec{Kind: schema.ActionLog, LogMessage: "value is ${missing}"}

	res, err := a.Execute(context.Background(), Input{Spec: spec, Vars: nil})

	require.NoError(t, err)
	assert.Equal(t, "value is ", res.Vars[schema.VarLastActionResult])
}

func TestSetVariableAction(t *testing.T) {
	a := &SetVariableAction{}
	spec := &schema.ActionSpec{
		Kind:     schema.ActionSetVariable,
		Variable: "region",
		Value:    "us-${suffix}",
	}

	res, err := a.Execute(context.Background(), Input{Spec: spec, Vars: map[string]any{"suffix": "east"}})

	require.NoError(t, err)
	assert.Equal(t, schema.OutcomeSuccess, res.Outcome)
	assert.Equal(t, "us-east", res.Vars["region"])
	assert.Equal(t, "us-east", res.Vars[schema.VarLastActionResult])
}

func TestSetVariableAction_NonString(t *testing.T) {
	a := &SetVariableAction{}
	spec := &schema.ActionSpec{
		Kind:     schema.ActionSetVariable,
		Variable: "retries",
		Value:    3,
	}

	res, err := a.Execute(context.Background(), Input{Spec: spec, Vars: nil})

	require.NoError(t, err)
	assert.Equal(t, 3, res.Vars["retries"])
}

func TestWaitAction_Duration(t *testing.T) {
	a := &WaitAction{Logger: slog.Default()}
	spec := &schema.ActionSpec{
		Kind:         schema.ActionWait,
		WaitDuration: 10 * time.Millisecond,
	}

	start := time.Now()
	res, err := a.Execute(context.Background(), Input{Spec: spec})

	require.NoError(t, err)
	assert.Equal(t, schema.OutcomeSuccess, res.Outcome)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestWaitAction_Cancelled(t *testing.T) {
	a := &WaitAction{Logger: slog.Default()}
	spec := &schema.ActionSpec{
		Kind:         schema.ActionWait,
		WaitDuration: time.Minute,
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := a.Execute(ctx, Input{Spec: spec})

	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeCancelled, fe.Code)
}

type stubPrompter struct {
	lastMessage string
	err         error
}

func (s *stubPrompter) AwaitUser(ctx context.Context, message string) error {
	s.lastMessage = message
	return s.err
}

func TestWaitAction_ForUser(t *testing.T) {
	prompter := &stubPrompter{}
	a := &WaitAction{Logger: slog.Default(), Prompter: prompter}
	spec := &schema.ActionSpec{
		Kind:         schema.ActionWait,
		WaitForInput: true,
		WaitMessage:  "press enter to continue",
	}

	res, err := a.Execute(context.Background(), Input{Spec: spec})

	require.NoError(t, err)
	assert.Equal(t, schema.OutcomeSuccess, res.Outcome)
	assert.Equal(t, "press enter to continue", prompter.lastMessage)
}

func TestWaitAction_ForUserWithoutPrompter(t *testing.T) {
	a := &WaitAction{Logger: slog.Default()}
	spec := &schema.ActionSpec{Kind: schema.ActionWait, WaitForInput: true}

	_, err := a.Execute(context.Background(), Input{Spec: spec})

	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeEngine, fe.Code)
}

func TestAbortAction(t *testing.T) {
	a := &AbortAction{}
	spec := &schema.ActionSpec{Kind: schema.ActionAbort, Reason: "manual stop"}

	_, err := a.Execute(context.Background(), Input{Spec: spec})

	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeCancelled, fe.Code)
	assert.Contains(t, fe.Message, "manual stop")
}

type stubPromptRunner struct {
	lastName string
	lastArgs map[string]string
	output   string
	err      error
}

func (s *stubPromptRunner) RunPrompt(ctx context.Context, name string, args map[string]string) (string, error) {
	s.lastName = name
	s.lastArgs = args
	return s.output, s.err
}

func TestPromptAction(t *testing.T) {
	runner := &stubPromptRunner{output: "  summarized  "}
	a := &PromptAction{Runner: runner}
	spec := &schema.ActionSpec{
		Kind:           schema.ActionPrompt,
		PromptName:     "summarize",
		Arguments:      map[string]string{"topic": "${subject}"},
		ResultVariable: "summary",
	}

	res, err := a.Execute(context.Background(), Input{Spec: spec, Vars: map[string]any{"subject": "release"}})

	require.NoError(t, err)
	assert.Equal(t, schema.OutcomeSuccess, res.Outcome)
	assert.Equal(t, "summarize", runner.lastName)
	assert.Equal(t, "release", runner.lastArgs["topic"])
	assert.Equal(t, "summarized", res.Vars["summary"])
	assert.Equal(t, "summarized", res.Vars[schema.VarLastActionResult])
}

func TestPromptAction_Failure(t *testing.T) {
	runner := &stubPromptRunner{err: assert.AnError}
	a := &PromptAction{Runner: runner}
	spec := &schema.ActionSpec{Kind: schema.ActionPrompt, PromptName: "broken"}

	res, err := a.Execute(context.Background(), Input{Spec: spec})

	require.NoError(t, err)
	assert.Equal(t, schema.OutcomeFailure, res.Outcome)
	require.NotNil(t, res.Err)
	assert.Equal(t, schema.ErrCodeAction, res.Err.Code)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&AbortAction{}))

	assert.True(t, r.Has(schema.ActionAbort))
	assert.Equal(t, 1, r.Count())

	a, err := r.Get(schema.ActionAbort)
	require.NoError(t, err)
	assert.Equal(t, schema.ActionAbort, a.Kind())
}

func TestRegistry_Duplicate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&AbortAction{}))

	err := r.Register(&AbortAction{})

	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeConflict, fe.Code)
}

func TestRegistry_Missing(t *testing.T) {
	r := NewRegistry()

	_, err := r.Get(schema.ActionShell)

	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeEngine, fe.Code)
}

func TestNewBuiltinRegistry(t *testing.T) {
	reg, delegate, err := NewBuiltinRegistry(BuiltinDeps{Logger: slog.Default()})

	require.NoError(t, err)
	require.NotNil(t, delegate)
	assert.Equal(t, 7, reg.Count())
	for _, kind := range []schema.ActionKind{
		schema.ActionLog, schema.ActionSetVariable, schema.ActionWait,
		schema.ActionShell, schema.ActionPrompt, schema.ActionRunWorkflow,
		schema.ActionAbort,
	} {
		assert.True(t, reg.Has(kind), string(kind))
	}
}
