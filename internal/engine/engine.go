// Package engine interprets workflow definitions: it walks the state graph,
// dispatches actions, evaluates transition guards, and records every step
// in the run log so interrupted runs can resume without repeating work.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/flow/internal/actions"
	"github.com/rendis/flow/internal/expressions"
	"github.com/rendis/flow/internal/logging"
	"github.com/rendis/flow/internal/runlog"
	"github.com/rendis/flow/pkg/schema"
)

const (
	// DefaultMaxTransitions caps how many transitions a run may take before
	// the engine declares it stuck in a cycle.
	DefaultMaxTransitions = 1000

	// DefaultBranchConcurrency bounds parallel fork branches per engine.
	DefaultBranchConcurrency = 8
)

// DefinitionSource resolves workflow names for run_workflow delegation.
type DefinitionSource interface {
	Load(ctx context.Context, name string) (*schema.WorkflowDefinition, error)
}

// RunIndex records run metadata for listing and resume lookup. Index writes
// are best effort; the run log stays authoritative.
type RunIndex interface {
	RecordStart(ctx context.Context, runID, workflow, logPath string, startedAt time.Time) error
	RecordFinish(ctx context.Context, runID string, status schema.RunStatus, finishedAt time.Time) error
}

// Config tunes an Engine.
type Config struct {
	MaxTransitions    int
	BranchConcurrency int
	Logger            *slog.Logger
	Index             RunIndex
	Source            DefinitionSource
}

// Engine executes workflow definitions.
type Engine struct {
	registry *actions.Registry
	guards   *expressions.GuardEvaluator
	logs     *runlog.Dir
	index    RunIndex
	source   DefinitionSource
	logger   *slog.Logger

	maxTransitions    int
	branchConcurrency int
}

// New assembles an engine over a registry, guard evaluator, and log
// directory.
func New(registry *actions.Registry, guards *expressions.GuardEvaluator, logs *runlog.Dir, cfg Config) *Engine {
	if cfg.MaxTransitions <= 0 {
		cfg.MaxTransitions = DefaultMaxTransitions
	}
	if cfg.BranchConcurrency <= 0 {
		cfg.BranchConcurrency = DefaultBranchConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		registry:          registry,
		guards:            guards,
		logs:              logs,
		index:             cfg.Index,
		source:            cfg.Source,
		logger:            cfg.Logger,
		maxTransitions:    cfg.MaxTransitions,
		branchConcurrency: cfg.BranchConcurrency,
	}
}

// RunResult summarizes a finished or halted run.
type RunResult struct {
	RunID      string
	Status     schema.RunStatus
	FinalState string
	Vars       map[string]any
	Err        error
}

// Run executes a definition from its initial state. Front-matter variable
// defaults are applied first, then the caller's inputs on top.
func (e *Engine) Run(ctx context.Context, def *schema.WorkflowDefinition, inputs map[string]any) (*RunResult, error) {
	vars := make(map[string]any, len(def.Variables)+len(inputs))
	for k, v := range def.Variables {
		vars[k] = v
	}
	for k, v := range inputs {
		vars[k] = v
	}

	ec := NewExecutionContext(def.Name, vars)
	w, err := e.logs.Open(ec.RunID)
	if err != nil {
		return nil, err
	}
	defer w.Close()

	if err := w.Append(schema.EventRunStarted, "", "", runlog.RunStartPayload{
		WorkflowName: def.Name,
		Vars:         ec.Snapshot(),
	}); err != nil {
		return nil, err
	}

	if e.index != nil {
		if err := e.index.RecordStart(ctx, ec.RunID, def.Name, e.logs.Path(ec.RunID), time.Now().UTC()); err != nil {
			e.logger.WarnContext(ctx, "run index write failed", slog.String("run_id", ec.RunID), slog.Any("error", err))
		}
	}

	if err := ec.SetStatus(schema.RunStatusRunning); err != nil {
		return nil, err
	}
	return e.execute(ctx, def, ec, w, def.InitialState, schema.OutcomeSuccess)
}

// Resume continues an interrupted run from its log. States that already
// logged a state_exit are never re-executed; the run picks up at the first
// unfinished state with the replayed variable context.
func (e *Engine) Resume(ctx context.Context, def *schema.WorkflowDefinition, runID string) (*RunResult, error) {
	events, err := e.logs.Read(runID)
	if err != nil {
		return nil, err
	}
	rs, err := runlog.Replay(events)
	if err != nil {
		return nil, err
	}
	if rs.Status.Terminal() {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "run %s already finished with status %s", runID, rs.Status)
	}
	if rs.WorkflowName != "" && rs.WorkflowName != def.Name {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"run %s belongs to workflow %s, not %s", runID, rs.WorkflowName, def.Name)
	}

	ec := ResumeExecutionContext(runID, def.Name, rs.Vars)
	w, err := e.logs.Open(runID)
	if err != nil {
		return nil, err
	}
	defer w.Close()

	if err := w.Append(schema.EventRunResumed, "", "", nil); err != nil {
		return nil, err
	}

	current := rs.CurrentState
	if current == "" {
		current = def.InitialState
	}
	lastOutcome := rs.LastOutcome

	switch {
	case rs.OpenFork != "":
		// The run died mid-fork. Branch interleaving cannot be replayed,
		// so the whole fork restarts from the fork state.
		if _, ok := def.States[rs.OpenFork]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"run %s stopped at fork %s, which no longer exists", runID, rs.OpenFork)
		}
		current = rs.OpenFork

	case rs.Completed[current]:
		// When the interrupted state already completed, advance past it
		// using the replayed outcome instead of running it again.
		st, ok := def.States[current]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"run %s stopped at state %s, which no longer exists", runID, current)
		}
		if st.IsTerminal() {
			return nil, schema.NewErrorf(schema.ErrCodeConflict, "run %s already reached terminal state %s", runID, current)
		}
		if st.Kind == schema.StateFork {
			// A completed fork state whose fork event never landed: the
			// loop re-runs it as a fork rather than guessing a branch edge.
			break
		}
		next, guard, err := e.selectTransition(ctx, def, st, lastOutcome, ec)
		if err != nil {
			return e.finishRun(ctx, ec, w, current, err)
		}
		if err := w.Append(schema.EventTransition, current, "", schema.TransitionPayload{To: next, Guard: guard}); err != nil {
			return nil, err
		}
		current = next
	}

	return e.execute(ctx, def, ec, w, current, lastOutcome)
}

// execute drives the interpreter loop and finalizes the run record.
func (e *Engine) execute(ctx context.Context, def *schema.WorkflowDefinition, ec *ExecutionContext, w *runlog.Writer, start string, lastOutcome schema.Outcome) (*RunResult, error) {
	ctx = logging.WithRunID(ctx, ec.RunID)

	e.logger.InfoContext(ctx, "run started",
		slog.String("workflow", def.Name),
		slog.String("initial_state", start))

	finalState, err := e.loop(ctx, def, ec, w, start, lastOutcome)
	return e.finishRun(ctx, ec, w, finalState, err)
}

// finishRun appends the terminating event, updates the index, and builds
// the result.
func (e *Engine) finishRun(ctx context.Context, ec *ExecutionContext, w *runlog.Writer, finalState string, runErr error) (*RunResult, error) {
	status := schema.RunStatusCompleted
	payload := schema.RunEndPayload{FinalState: finalState}
	kind := schema.EventRunCompleted

	if runErr != nil {
		status = schema.RunStatusFailed
		kind = schema.EventRunFailed
		payload.Error = runErr.Error()
		if fe, ok := runErr.(*schema.FlowError); ok && fe.Code == schema.ErrCodeCancelled {
			status = schema.RunStatusCancelled
		}
	}

	if err := ec.SetStatus(status); err != nil {
		e.logger.WarnContext(ctx, "run status transition rejected", slog.Any("error", err))
	}
	if err := w.Append(kind, finalState, "", payload); err != nil {
		e.logger.ErrorContext(ctx, "run log finalize failed", slog.Any("error", err))
	}
	if e.index != nil {
		if err := e.index.RecordFinish(ctx, ec.RunID, status, time.Now().UTC()); err != nil {
			e.logger.WarnContext(ctx, "run index update failed", slog.Any("error", err))
		}
	}

	e.logger.InfoContext(ctx, "run finished",
		slog.String("status", string(status)),
		slog.String("final_state", finalState))

	return &RunResult{
		RunID:      ec.RunID,
		Status:     status,
		FinalState: finalState,
		Vars:       ec.Snapshot(),
		Err:        runErr,
	}, nil
}

// RunWorkflow implements delegation for run_workflow actions: the named
// sub-workflow executes as its own run with its own log.
func (e *Engine) RunWorkflow(ctx context.Context, name string, inputs map[string]any) (map[string]any, schema.Outcome, error) {
	if e.source == nil {
		return nil, schema.OutcomeFailure, schema.NewError(schema.ErrCodeEngine, "no definition source configured for sub-workflows")
	}
	def, err := e.source.Load(ctx, name)
	if err != nil {
		return nil, schema.OutcomeFailure, err
	}

	res, err := e.Run(ctx, def, inputs)
	if err != nil {
		return nil, schema.OutcomeFailure, err
	}
	if res.Status != schema.RunStatusCompleted {
		return res.Vars, schema.OutcomeFailure, nil
	}
	return res.Vars, schema.OutcomeSuccess, nil
}
