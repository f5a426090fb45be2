package actions

import (
	"context"
	"strings"

	"github.com/rendis/flow/internal/expressions"
	"github.com/rendis/flow/pkg/schema"
)

// PromptRunner renders and executes a named prompt against whatever backend
// the host wires in (an agent session, an LLM client, a test stub).
type PromptRunner interface {
	RunPrompt(ctx context.Context, name string, args map[string]string) (string, error)
}

// PromptAction executes a named prompt and records its response.
type PromptAction struct {
	Runner PromptRunner
}

func (a *PromptAction) Kind() schema.ActionKind { return schema.ActionPrompt }

func (a *PromptAction) Execute(ctx context.Context, in Input) (*Result, error) {
	if a.Runner == nil {
		return nil, schema.NewError(schema.ErrCodeEngine, "no prompt runner configured")
	}

	args := make(map[string]string, len(in.Spec.Arguments))
	for key, raw := range in.Spec.Arguments {
		val, err := expressions.Substitute(raw, in.Vars)
		if err != nil {
			return Failure(nil, asFlowError(err)), nil
		}
		args[key] = val
	}

	response, err := a.Runner.RunPrompt(ctx, in.Spec.PromptName, args)
	if err != nil {
		if ctx.Err() != nil {
			return nil, schema.NewError(schema.ErrCodeCancelled, "prompt cancelled").WithCause(ctx.Err())
		}
		return Failure(nil, schema.NewErrorf(schema.ErrCodeAction,
			"prompt %s failed", in.Spec.PromptName).WithCause(err)), nil
	}

	vars := map[string]any{schema.VarLastActionResult: strings.TrimSpace(response)}
	if in.Spec.ResultVariable != "" {
		vars[in.Spec.ResultVariable] = strings.TrimSpace(response)
	}
	return Success(vars), nil
}
