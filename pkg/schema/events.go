package schema

import (
	"encoding/json"
	"time"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusIdle      RunStatus = "idle"
	RunStatusRunning   RunStatus = "running"
	RunStatusSuspended RunStatus = "suspended"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// Event kind constants for the run log.
const (
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
	EventRunResumed   = "run_resumed"

	EventStateEnter = "state_enter"
	EventStateExit  = "state_exit"
	EventTransition = "transition"
	EventFork       = "fork"
	EventJoin       = "join"
)

// RunEvent is one immutable, timestamped record in a run's log.
// Created by the engine at each step, appended, never mutated.
type RunEvent struct {
	Timestamp time.Time       `json:"ts"`
	Sequence  int64           `json:"seq"`
	Kind      string          `json:"kind"`
	StateID   string          `json:"state_id,omitempty"`
	BranchID  string          `json:"branch_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// StateExitPayload is the payload of a state_exit event.
type StateExitPayload struct {
	Outcome Outcome        `json:"outcome"`
	Vars    map[string]any `json:"vars,omitempty"` // context snapshot after the action
	Error   string         `json:"error,omitempty"`
}

// TransitionPayload is the payload of a transition event.
type TransitionPayload struct {
	To    string    `json:"to"`
	Guard GuardKind `json:"guard"`
}

// ForkPayload is the payload of a fork event.
type ForkPayload struct {
	Branches []string `json:"branches"` // target state per spawned branch
}

// JoinPayload is the payload of a join event.
type JoinPayload struct {
	Policy  JoinPolicy      `json:"policy"`
	Success bool            `json:"success"`
	Results map[string]bool `json:"results"` // branch id -> branch success
	// Vars snapshots the parent context after the branch merge, so replay
	// can restore the merged variables without the branch logs.
	Vars map[string]any `json:"vars,omitempty"`
}

// RunEndPayload is the payload of run_completed and run_failed events.
type RunEndPayload struct {
	FinalState string `json:"final_state,omitempty"`
	Error      string `json:"error,omitempty"`
}
