package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/rendis/flow/internal/actions"
	"github.com/rendis/flow/internal/expressions"
	"github.com/rendis/flow/internal/logging"
	"github.com/rendis/flow/internal/runlog"
	"github.com/rendis/flow/pkg/schema"
)

// loop walks the graph from start until a terminal state, the transition
// cap, or a fatal error. Returns the last state reached.
func (e *Engine) loop(ctx context.Context, def *schema.WorkflowDefinition, ec *ExecutionContext, w *runlog.Writer, start string, lastOutcome schema.Outcome) (string, error) {
	current := start

	for steps := 0; ; steps++ {
		if steps >= e.maxTransitions {
			return current, schema.NewErrorf(schema.ErrCodeEngine,
				"transition limit %d exceeded, workflow is likely cycling", e.maxTransitions).WithState(current)
		}
		if ctx.Err() != nil {
			return current, schema.NewError(schema.ErrCodeCancelled, "run cancelled").WithCause(ctx.Err())
		}

		st, ok := def.States[current]
		if !ok {
			return current, schema.NewErrorf(schema.ErrCodeEngine, "transition into unknown state %s", current)
		}
		sctx := logging.WithStateID(ctx, current)

		if st.Kind == schema.StateFork {
			joinID, outcome, err := e.runFork(sctx, def, ec, w, st)
			if err != nil {
				return current, err
			}
			lastOutcome = outcome
			current = joinID
			continue
		}

		outcome, err := e.executeState(sctx, st, ec, w, lastOutcome)
		if err != nil {
			return current, err
		}
		lastOutcome = outcome

		if st.IsTerminal() {
			return current, nil
		}

		next, guard, err := e.selectTransition(sctx, def, st, lastOutcome, ec)
		if err != nil {
			return current, err
		}
		if err := w.Append(schema.EventTransition, current, ec.BranchID, schema.TransitionPayload{To: next, Guard: guard}); err != nil {
			return current, err
		}
		current = next
	}
}

// executeState runs one state's action and records enter/exit events.
// States without an action succeed immediately; choice and join states pass
// the previous outcome through so guard routing still sees it.
func (e *Engine) executeState(ctx context.Context, st *schema.State, ec *ExecutionContext, w *runlog.Writer, lastOutcome schema.Outcome) (schema.Outcome, error) {
	if err := w.Append(schema.EventStateEnter, st.ID, ec.BranchID, nil); err != nil {
		return schema.OutcomeFailure, err
	}

	outcome := schema.OutcomeSuccess
	var actionErr *schema.FlowError

	switch {
	case st.Action == nil:
		if st.Kind == schema.StateChoice || st.Kind == schema.StateJoin {
			outcome = lastOutcome
		}

	default:
		action, err := e.registry.Get(st.Action.Kind)
		if err != nil {
			return schema.OutcomeFailure, err
		}

		res, err := action.Execute(ctx, actions.Input{Spec: st.Action, Vars: ec.Snapshot()})
		if err != nil {
			fe := toFlowError(err).WithState(st.ID)
			_ = w.Append(schema.EventStateExit, st.ID, ec.BranchID, schema.StateExitPayload{
				Outcome: schema.OutcomeFailure,
				Vars:    ec.Snapshot(),
				Error:   fe.Error(),
			})
			return schema.OutcomeFailure, fe
		}

		ec.SetAll(res.Vars)
		outcome = res.Outcome
		actionErr = res.Err
	}

	ec.Set(schema.VarSuccess, outcome.Succeeded())
	ec.Set(schema.VarFailure, !outcome.Succeeded())

	payload := schema.StateExitPayload{Outcome: outcome, Vars: ec.Snapshot()}
	if actionErr != nil {
		payload.Error = actionErr.Error()
		e.logger.WarnContext(ctx, "state action failed",
			slog.String("error", actionErr.Error()))
	}
	if err := w.Append(schema.EventStateExit, st.ID, ec.BranchID, payload); err != nil {
		return outcome, err
	}
	return outcome, nil
}

// selectTransition picks the next state. Precedence: OnSuccess/OnFailure
// matching the outcome, then Custom guards in declaration order, then
// Always. First match wins; no match is a fatal engine error.
func (e *Engine) selectTransition(ctx context.Context, def *schema.WorkflowDefinition, st *schema.State, outcome schema.Outcome, ec *ExecutionContext) (string, schema.GuardKind, error) {
	out := def.TransitionsFrom(st.ID)

	for _, t := range out {
		if t.Guard.Kind == schema.GuardOnSuccess && outcome.Succeeded() {
			return t.To, t.Guard.Kind, nil
		}
		if t.Guard.Kind == schema.GuardOnFailure && !outcome.Succeeded() {
			return t.To, t.Guard.Kind, nil
		}
	}

	for _, t := range out {
		if t.Guard.Kind != schema.GuardCustom {
			continue
		}
		data := expressions.GuardData(ec.Snapshot(), outcome.Succeeded())
		matched, err := e.guards.EvaluateBool(ctx, t.Guard.Expression, data)
		if err != nil {
			return "", "", toFlowError(err).WithState(st.ID)
		}
		if matched {
			return t.To, t.Guard.Kind, nil
		}
	}

	for _, t := range out {
		if t.Guard.Kind == schema.GuardAlways {
			return t.To, t.Guard.Kind, nil
		}
	}

	return "", "", schema.NewErrorf(schema.ErrCodeEngine,
		"no transition matched from state %s with outcome %s", st.ID, outcome).WithState(st.ID)
}

// branchResult is the terminal report of one fork branch.
type branchResult struct {
	branchID string
	joinID   string
	outcome  schema.Outcome
	ec       *ExecutionContext
	err      error
}

// runFork executes every outgoing edge of a fork state as a parallel
// branch, waits per the join policy, and merges branch variables back under
// namespaced keys. Returns the join state to continue from and the
// aggregated outcome.
func (e *Engine) runFork(ctx context.Context, def *schema.WorkflowDefinition, ec *ExecutionContext, w *runlog.Writer, fork *schema.State) (string, schema.Outcome, error) {
	if ec.BranchID != "" {
		return "", schema.OutcomeFailure, schema.NewErrorf(schema.ErrCodeEngine,
			"nested fork at state %s is not supported", fork.ID).WithState(fork.ID)
	}

	// The fork state itself may carry an action; run it before spawning.
	if _, err := e.executeState(ctx, fork, ec, w, schema.OutcomeSuccess); err != nil {
		return "", schema.OutcomeFailure, err
	}

	branches := def.TransitionsFrom(fork.ID)
	targets := make([]string, len(branches))
	for i, t := range branches {
		targets[i] = t.To
	}

	joinID, err := findJoin(def, targets[0])
	if err != nil {
		return "", schema.OutcomeFailure, err
	}
	joinState := def.States[joinID]
	policy := joinState.JoinPolicy
	if policy == "" {
		policy = schema.JoinWaitForAll
	}

	if err := w.Append(schema.EventFork, fork.ID, "", schema.ForkPayload{Branches: targets}); err != nil {
		return "", schema.OutcomeFailure, err
	}

	branchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	pool := NewBranchPool(e.branchConcurrency)
	results := make([]branchResult, len(targets))
	var once sync.Once

	for i, target := range targets {
		i, target := i, target
		submitErr := pool.Submit(branchCtx, func(bctx context.Context) error {
			bec := ec.Branch(target)
			bctx = logging.WithBranchID(bctx, target)

			last, err := e.runBranch(bctx, def, bec, w, target, joinID)
			res := branchResult{branchID: target, joinID: joinID, outcome: last, ec: bec, err: err}
			if err != nil || !last.Succeeded() {
				if policy == schema.JoinFailFast {
					once.Do(cancel)
				}
			}
			results[i] = res
			return err
		})
		if submitErr != nil {
			// A sibling failing under fail_fast cancels branchCtx while
			// later branches are still queueing. Those count as failed
			// branches, same as a cancelled running sibling.
			if policy == schema.JoinFailFast && branchCtx.Err() != nil && ctx.Err() == nil {
				results[i] = branchResult{
					branchID: target,
					joinID:   joinID,
					outcome:  schema.OutcomeFailure,
					err:      schema.NewError(schema.ErrCodeCancelled, "branch cancelled").WithCause(branchCtx.Err()),
				}
				continue
			}
			cancel()
			pool.Wait()
			return "", schema.OutcomeFailure, toFlowError(submitErr)
		}
	}
	pool.Wait()

	allOK := true
	branchOutcomes := make(map[string]bool, len(results))
	var fatal error
	for _, res := range results {
		if res.err != nil {
			// A cancelled sibling under fail_fast is a branch failure,
			// not a fatal fault.
			fe := toFlowError(res.err)
			if fe.Code == schema.ErrCodeCancelled && policy == schema.JoinFailFast {
				branchOutcomes[res.branchID] = false
				allOK = false
				continue
			}
			if fatal == nil {
				fatal = fe
			}
			branchOutcomes[res.branchID] = false
			allOK = false
			continue
		}
		branchOutcomes[res.branchID] = res.outcome.Succeeded()
		if !res.outcome.Succeeded() {
			allOK = false
		}
		ec.MergeBranch(res.ec)
	}
	if fatal != nil {
		return "", schema.OutcomeFailure, fatal
	}

	ec.Set(schema.VarJoinSuccess, allOK)

	if err := w.Append(schema.EventJoin, joinID, "", schema.JoinPayload{
		Policy:  policy,
		Success: allOK,
		Results: branchOutcomes,
		Vars:    ec.Snapshot(),
	}); err != nil {
		return "", schema.OutcomeFailure, err
	}

	outcome := schema.OutcomeSuccess
	if !allOK {
		outcome = schema.OutcomeFailure
	}
	return joinID, outcome, nil
}

// runBranch interprets one fork branch until it reaches the join barrier.
func (e *Engine) runBranch(ctx context.Context, def *schema.WorkflowDefinition, bec *ExecutionContext, w *runlog.Writer, start, joinID string) (schema.Outcome, error) {
	current := start
	lastOutcome := schema.OutcomeSuccess

	for steps := 0; ; steps++ {
		if steps >= e.maxTransitions {
			return schema.OutcomeFailure, schema.NewErrorf(schema.ErrCodeEngine,
				"transition limit %d exceeded in branch %s", e.maxTransitions, bec.BranchID)
		}
		if ctx.Err() != nil {
			return schema.OutcomeFailure, schema.NewError(schema.ErrCodeCancelled, "branch cancelled").WithCause(ctx.Err())
		}

		st, ok := def.States[current]
		if !ok {
			return schema.OutcomeFailure, schema.NewErrorf(schema.ErrCodeEngine, "transition into unknown state %s", current)
		}
		if st.Kind == schema.StateJoin {
			if current != joinID {
				return schema.OutcomeFailure, schema.NewErrorf(schema.ErrCodeEngine,
					"branch %s reached join %s, expected %s", bec.BranchID, current, joinID)
			}
			return lastOutcome, nil
		}
		if st.Kind == schema.StateFork {
			return schema.OutcomeFailure, schema.NewErrorf(schema.ErrCodeEngine,
				"nested fork at state %s is not supported", current).WithState(current)
		}
		if st.IsTerminal() {
			return schema.OutcomeFailure, schema.NewErrorf(schema.ErrCodeEngine,
				"branch %s reached terminal state %s before its join", bec.BranchID, current).WithState(current)
		}

		sctx := logging.WithStateID(ctx, current)
		outcome, err := e.executeState(sctx, st, bec, w, lastOutcome)
		if err != nil {
			return schema.OutcomeFailure, err
		}
		lastOutcome = outcome

		next, guard, err := e.selectTransition(sctx, def, st, lastOutcome, bec)
		if err != nil {
			return schema.OutcomeFailure, err
		}
		if err := w.Append(schema.EventTransition, current, bec.BranchID, schema.TransitionPayload{To: next, Guard: guard}); err != nil {
			return schema.OutcomeFailure, err
		}
		current = next
	}
}

// findJoin locates the unique join state a branch converges on, walking
// transitions breadth-first without crossing join boundaries.
func findJoin(def *schema.WorkflowDefinition, start string) (string, error) {
	visited := map[string]bool{start: true}
	queue := []string{start}
	joins := map[string]bool{}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		st, ok := def.States[id]
		if !ok {
			continue
		}
		if st.Kind == schema.StateJoin {
			joins[id] = true
			continue
		}
		for _, t := range def.TransitionsFrom(id) {
			if !visited[t.To] {
				visited[t.To] = true
				queue = append(queue, t.To)
			}
		}
	}

	if len(joins) != 1 {
		return "", schema.NewErrorf(schema.ErrCodeEngine,
			"fork branch %s must converge on exactly one join state, found %d", start, len(joins))
	}
	for id := range joins {
		return id, nil
	}
	return "", nil
}

func toFlowError(err error) *schema.FlowError {
	if fe, ok := err.(*schema.FlowError); ok {
		return fe
	}
	return schema.NewError(schema.ErrCodeEngine, err.Error()).WithCause(err)
}
