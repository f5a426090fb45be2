package runlog

import (
	"encoding/json"

	"github.com/rendis/flow/pkg/schema"
)

// ReplayState is the reconstruction of a run from its event log: where it
// got to, what its variables were, and whether it already finished.
type ReplayState struct {
	WorkflowName string
	Status       schema.RunStatus
	// CurrentState is the last state the run entered. Empty before the
	// first state_enter.
	CurrentState string
	// Completed holds every state id with a logged state_exit. Resume
	// never re-executes these.
	Completed map[string]bool
	// Vars is the variable context as of the last state_exit snapshot.
	Vars map[string]any
	// LastOutcome is the outcome of the most recent completed state.
	LastOutcome schema.Outcome
	// OpenFork is the fork state whose join event has not been logged yet.
	// Branch interleaving is not reconstructible, so resume restarts an
	// open fork whole.
	OpenFork string
	// FinalError is the recorded failure message of a failed run.
	FinalError string
}

// RunStartPayload is the payload of run_started events.
type RunStartPayload struct {
	WorkflowName string         `json:"workflow"`
	Vars         map[string]any `json:"vars,omitempty"`
}

// Replay folds an event log into its resulting state. Pure: safe to call
// on a live log.
func Replay(events []schema.RunEvent) (*ReplayState, error) {
	if len(events) == 0 {
		return nil, schema.NewError(schema.ErrCodeEngine, "empty run log")
	}

	rs := &ReplayState{
		Status:      schema.RunStatusRunning,
		Completed:   map[string]bool{},
		Vars:        map[string]any{},
		LastOutcome: schema.OutcomeSuccess,
	}

	for _, ev := range events {
		switch ev.Kind {
		case schema.EventRunStarted:
			var p RunStartPayload
			if err := decodePayload(ev, &p); err != nil {
				return nil, err
			}
			rs.WorkflowName = p.WorkflowName
			for k, v := range p.Vars {
				rs.Vars[k] = v
			}

		case schema.EventRunResumed:
			rs.Status = schema.RunStatusRunning

		case schema.EventStateEnter:
			// Branch-scoped events stay out of the parent-line view; an
			// open fork is restarted whole on resume.
			if ev.BranchID == "" {
				rs.CurrentState = ev.StateID
			}

		case schema.EventStateExit:
			if ev.BranchID != "" {
				continue
			}
			var p schema.StateExitPayload
			if err := decodePayload(ev, &p); err != nil {
				return nil, err
			}
			rs.Completed[ev.StateID] = true
			rs.LastOutcome = p.Outcome
			if p.Vars != nil {
				rs.Vars = p.Vars
			}

		case schema.EventFork:
			rs.OpenFork = ev.StateID

		case schema.EventJoin:
			var p schema.JoinPayload
			if err := decodePayload(ev, &p); err != nil {
				return nil, err
			}
			rs.OpenFork = ""
			rs.CurrentState = ev.StateID
			if p.Success {
				rs.LastOutcome = schema.OutcomeSuccess
			} else {
				rs.LastOutcome = schema.OutcomeFailure
			}
			if p.Vars != nil {
				rs.Vars = p.Vars
			}

		case schema.EventRunCompleted:
			rs.Status = schema.RunStatusCompleted
			var p schema.RunEndPayload
			if err := decodePayload(ev, &p); err != nil {
				return nil, err
			}
			if p.FinalState != "" {
				rs.CurrentState = p.FinalState
			}

		case schema.EventRunFailed:
			rs.Status = schema.RunStatusFailed
			var p schema.RunEndPayload
			if err := decodePayload(ev, &p); err != nil {
				return nil, err
			}
			rs.FinalError = p.Error
			if p.FinalState != "" {
				rs.CurrentState = p.FinalState
			}
		}
	}

	return rs, nil
}

func decodePayload(ev schema.RunEvent, into any) error {
	if len(ev.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(ev.Payload, into); err != nil {
		return schema.NewErrorf(schema.ErrCodeEngine,
			"corrupt payload on %s event %d", ev.Kind, ev.Sequence).WithCause(err)
	}
	return nil
}
