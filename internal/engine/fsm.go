package engine

import (
	"github.com/rendis/flow/pkg/schema"
)

// validRunTransitions defines the allowed lifecycle transitions for runs.
var validRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusIdle:      {schema.RunStatusRunning, schema.RunStatusCancelled},
	schema.RunStatusRunning:   {schema.RunStatusSuspended, schema.RunStatusCompleted, schema.RunStatusFailed, schema.RunStatusCancelled},
	schema.RunStatusSuspended: {schema.RunStatusRunning, schema.RunStatusFailed, schema.RunStatusCancelled},
	schema.RunStatusCompleted: {},
	schema.RunStatusFailed:    {},
	schema.RunStatusCancelled: {},
}

// checkRunTransition validates a run lifecycle transition.
func checkRunTransition(from, to schema.RunStatus) error {
	for _, allowed := range validRunTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeEngine,
		"invalid run transition: %s -> %s", from, to)
}
