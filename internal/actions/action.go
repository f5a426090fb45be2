// Package actions implements the built-in action vocabulary executed by
// workflow states. Actions receive a read-only snapshot of the run's
// variables and report writes back through their Result; the engine owns
// the merge.
package actions

import (
	"context"

	"github.com/rendis/flow/pkg/schema"
)

// Action is an executable unit of work bound to a workflow state.
type Action interface {
	Kind() schema.ActionKind
	Execute(ctx context.Context, in Input) (*Result, error)
}

// Input is the data provided to an action at execution time.
type Input struct {
	Spec *schema.ActionSpec
	// Vars is a snapshot of the run context. Actions must not mutate it;
	// writes go into Result.Vars.
	Vars map[string]any
}

// Result is the outcome of one action execution. A failure Result flows
// into OnFailure transition routing; an error return from Execute is
// reserved for faults that must halt the run.
type Result struct {
	Outcome schema.Outcome
	// Vars holds variable writes to merge into the run context.
	Vars map[string]any
	// Err describes why the action failed. Nil on success.
	Err *schema.FlowError
}

// Success builds a successful Result carrying variable writes.
func Success(vars map[string]any) *Result {
	if vars == nil {
		vars = map[string]any{}
	}
	return &Result{Outcome: schema.OutcomeSuccess, Vars: vars}
}

// Failure builds a failed Result carrying variable writes and the cause.
func Failure(vars map[string]any, err *schema.FlowError) *Result {
	if vars == nil {
		vars = map[string]any{}
	}
	return &Result{Outcome: schema.OutcomeFailure, Vars: vars, Err: err}
}
