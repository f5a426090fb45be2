package actions

import (
	"context"
	"log/slog"
	"sync"

	"github.com/rendis/flow/internal/expressions"
	"github.com/rendis/flow/pkg/schema"
)

// DelegateRunner executes a named sub-workflow with the given input
// variables and returns its final variable context and outcome. The engine
// registers itself here after construction; the late binding breaks the
// package cycle between actions and the interpreter.
type DelegateRunner interface {
	RunWorkflow(ctx context.Context, name string, inputs map[string]any) (map[string]any, schema.Outcome, error)
}

// RunWorkflowAction delegates execution to another workflow and merges its
// result back under the configured result variable.
type RunWorkflowAction struct {
	Logger *slog.Logger

	mu     sync.RWMutex
	runner DelegateRunner
}

// SetRunner installs the delegate runner. Must be called before the first
// run_workflow action executes.
func (a *RunWorkflowAction) SetRunner(r DelegateRunner) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.runner = r
}

func (a *RunWorkflowAction) Kind() schema.ActionKind { return schema.ActionRunWorkflow }

func (a *RunWorkflowAction) Execute(ctx context.Context, in Input) (*Result, error) {
	a.mu.RLock()
	runner := a.runner
	a.mu.RUnlock()
	if runner == nil {
		return nil, schema.NewError(schema.ErrCodeEngine, "no delegate runner configured")
	}

	inputs := make(map[string]any, len(in.Spec.Arguments))
	for key, raw := range in.Spec.Arguments {
		val, err := expressions.Substitute(raw, in.Vars)
		if err != nil {
			return Failure(nil, asFlowError(err)), nil
		}
		inputs[key] = val
	}

	if in.Spec.Parallel {
		// Parallel delegation is fire-and-forget: the child runs as its own
		// run, detached from the parent's cancellation, and reports through
		// its own run log.
		logger := a.Logger
		if logger == nil {
			logger = slog.Default()
		}
		name := in.Spec.WorkflowName
		go func() {
			dctx := context.WithoutCancel(ctx)
			if _, outcome, err := runner.RunWorkflow(dctx, name, inputs); err != nil {
				logger.Error("parallel sub-workflow failed", slog.String("workflow", name), slog.Any("error", err))
			} else if !outcome.Succeeded() {
				logger.Warn("parallel sub-workflow completed with failure", slog.String("workflow", name))
			}
		}()
		return Success(nil), nil
	}

	childVars, outcome, err := runner.RunWorkflow(ctx, in.Spec.WorkflowName, inputs)
	if err != nil {
		if fe, ok := err.(*schema.FlowError); ok && fe.IsFatal() {
			return nil, fe
		}
		if ctx.Err() != nil {
			return nil, schema.NewError(schema.ErrCodeCancelled, "sub-workflow cancelled").WithCause(ctx.Err())
		}
		return Failure(nil, schema.NewErrorf(schema.ErrCodeAction,
			"sub-workflow %s failed", in.Spec.WorkflowName).WithCause(err)), nil
	}

	vars := map[string]any{}
	if in.Spec.ResultVariable != "" {
		vars[in.Spec.ResultVariable] = childVars
	}
	if last, ok := childVars[schema.VarLastActionResult]; ok {
		vars[schema.VarLastActionResult] = last
	}

	if !outcome.Succeeded() {
		return Failure(vars, schema.NewErrorf(schema.ErrCodeAction,
			"sub-workflow %s completed with failure", in.Spec.WorkflowName)), nil
	}
	return Success(vars), nil
}
