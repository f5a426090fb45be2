package engine

import (
	"sync"

	"github.com/google/uuid"

	"github.com/rendis/flow/pkg/schema"
)

// ExecutionContext is the mutable state of one run: its identity, variable
// map, and lifecycle status. Branch contexts are isolated copies; the join
// merges them back under namespaced keys.
type ExecutionContext struct {
	RunID    string
	Workflow string
	BranchID string

	mu     sync.RWMutex
	vars   map[string]any
	status schema.RunStatus
}

// NewExecutionContext creates a run context with a fresh run id and the
// given initial variables.
func NewExecutionContext(workflow string, initial map[string]any) *ExecutionContext {
	vars := make(map[string]any, len(initial))
	for k, v := range initial {
		vars[k] = v
	}
	return &ExecutionContext{
		RunID:    uuid.NewString(),
		Workflow: workflow,
		vars:     vars,
		status:   schema.RunStatusIdle,
	}
}

// ResumeExecutionContext rebuilds the context of an existing run from its
// replayed variables.
func ResumeExecutionContext(runID, workflow string, vars map[string]any) *ExecutionContext {
	copied := make(map[string]any, len(vars))
	for k, v := range vars {
		copied[k] = v
	}
	return &ExecutionContext{
		RunID:    runID,
		Workflow: workflow,
		vars:     copied,
		status:   schema.RunStatusRunning,
	}
}

// Get reads one variable.
func (c *ExecutionContext) Get(name string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.vars[name]
	return v, ok
}

// Set writes one variable.
func (c *ExecutionContext) Set(name string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vars[name] = value
}

// SetAll merges a batch of variable writes.
func (c *ExecutionContext) SetAll(vars map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range vars {
		c.vars[k] = v
	}
}

// Snapshot returns an independent copy of the variable map.
func (c *ExecutionContext) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := make(map[string]any, len(c.vars))
	for k, v := range c.vars {
		snap[k] = v
	}
	return snap
}

// Status returns the current lifecycle status.
func (c *ExecutionContext) Status() schema.RunStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// SetStatus validates and applies a lifecycle transition.
func (c *ExecutionContext) SetStatus(to schema.RunStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := checkRunTransition(c.status, to); err != nil {
		return err
	}
	c.status = to
	return nil
}

// Branch creates an isolated child context for a fork branch. The child
// starts from a snapshot of the parent's variables; writes stay local until
// MergeBranch.
func (c *ExecutionContext) Branch(branchID string) *ExecutionContext {
	return &ExecutionContext{
		RunID:    c.RunID,
		Workflow: c.Workflow,
		BranchID: branchID,
		vars:     c.Snapshot(),
		status:   schema.RunStatusRunning,
	}
}

// MergeBranch folds a finished branch's variables into the parent under
// branch-qualified names, so sibling branches never clobber each other.
func (c *ExecutionContext) MergeBranch(branch *ExecutionContext) {
	branchVars := branch.Snapshot()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range branchVars {
		c.vars[schema.BranchVar(branch.BranchID, k)] = v
	}
}
