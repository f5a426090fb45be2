package actions

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/flow/internal/expressions"
	"github.com/rendis/flow/internal/logging"
	"github.com/rendis/flow/pkg/schema"
)

// LogAction emits a log record at the configured level. The message is
// variable-substituted against the run context. Always succeeds.
type LogAction struct {
	Logger *slog.Logger
}

func (a *LogAction) Kind() schema.ActionKind { return schema.ActionLog }

func (a *LogAction) Execute(ctx context.Context, in Input) (*Result, error) {
	msg, err := expressions.Substitute(in.Spec.LogMessage, in.Vars)
	if err != nil {
		return Failure(nil, asFlowError(err)), nil
	}

	logger := logging.LogWith(ctx, a.Logger)
	switch in.Spec.LogLevel {
	case "error":
		logger.ErrorContext(ctx, msg)
	case "warn":
		logger.WarnContext(ctx, msg)
	default:
		logger.InfoContext(ctx, msg)
	}

	return Success(map[string]any{schema.VarLastActionResult: msg}), nil
}

// SetVariableAction writes one variable into the run context. String values
// are substituted; other literals are stored as-is.
type SetVariableAction struct{}

func (a *SetVariableAction) Kind() schema.ActionKind { return schema.ActionSetVariable }

func (a *SetVariableAction) Execute(ctx context.Context, in Input) (*Result, error) {
	value := in.Spec.Value
	if s, ok := value.(string); ok {
		substituted, err := expressions.Substitute(s, in.Vars)
		if err != nil {
			return Failure(nil, asFlowError(err)), nil
		}
		value = substituted
	}

	return Success(map[string]any{
		in.Spec.Variable:           value,
		schema.VarLastActionResult: value,
	}), nil
}

// WaitAction pauses the run for a fixed duration, or suspends it until user
// input when configured with WaitForInput. Cancellation aborts the wait.
type WaitAction struct {
	Logger *slog.Logger
	// Prompter blocks until the user confirms. Nil means duration-only
	// waits; a wait-for-user action without a prompter suspends the run.
	Prompter UserPrompter
}

// UserPrompter blocks until the user acknowledges a wait-for-user action.
type UserPrompter interface {
	AwaitUser(ctx context.Context, message string) error
}

func (a *WaitAction) Kind() schema.ActionKind { return schema.ActionWait }

func (a *WaitAction) Execute(ctx context.Context, in Input) (*Result, error) {
	if in.Spec.WaitForInput {
		if a.Prompter == nil {
			return nil, schema.NewError(schema.ErrCodeEngine,
				"wait for user requires an interactive session")
		}
		if err := a.Prompter.AwaitUser(ctx, in.Spec.WaitMessage); err != nil {
			if ctx.Err() != nil {
				return nil, schema.NewError(schema.ErrCodeCancelled, "wait cancelled").WithCause(ctx.Err())
			}
			return Failure(nil, schema.NewError(schema.ErrCodeAction, "user prompt failed").WithCause(err)), nil
		}
		return Success(nil), nil
	}

	logging.LogWith(ctx, a.Logger).DebugContext(ctx, "waiting",
		slog.Duration("duration", in.Spec.WaitDuration))

	timer := time.NewTimer(in.Spec.WaitDuration)
	defer timer.Stop()
	select {
	case <-timer.C:
		return Success(nil), nil
	case <-ctx.Done():
		return nil, schema.NewError(schema.ErrCodeCancelled, "wait cancelled").WithCause(ctx.Err())
	}
}

// AbortAction terminates the run immediately with a failure, bypassing
// transition evaluation.
type AbortAction struct{}

func (a *AbortAction) Kind() schema.ActionKind { return schema.ActionAbort }

func (a *AbortAction) Execute(ctx context.Context, in Input) (*Result, error) {
	reason, err := expressions.Substitute(in.Spec.Reason, in.Vars)
	if err != nil {
		reason = in.Spec.Reason
	}
	return nil, schema.NewErrorf(schema.ErrCodeCancelled, "workflow aborted: %s", reason)
}

func asFlowError(err error) *schema.FlowError {
	if fe, ok := err.(*schema.FlowError); ok {
		return fe
	}
	return schema.NewError(schema.ErrCodeAction, err.Error()).WithCause(err)
}
