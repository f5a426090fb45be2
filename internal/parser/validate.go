package parser

import (
	"sort"
	"strings"

	"github.com/rendis/flow/pkg/schema"
)

// GuardCompiler statically checks a custom guard expression.
type GuardCompiler interface {
	Compile(expression string) error
}

// Validate runs the structural checks every definition must pass before it
// can execute: a single reachable initial state, at least one terminal
// state, no dangling transition endpoints, and no dead-end non-terminal
// states.
func Validate(def *schema.WorkflowDefinition) error {
	if def.Name == "" {
		return schema.NewError(schema.ErrCodeDefinition, "workflow has no name")
	}
	if def.InitialState == "" {
		return schema.NewError(schema.ErrCodeDefinition, "workflow has no initial state ([*] --> State)")
	}
	if len(def.TerminalStates()) == 0 {
		return schema.NewError(schema.ErrCodeDefinition, "workflow has no terminal state (State --> [*])")
	}

	for _, t := range def.Transitions {
		if _, ok := def.States[t.From]; !ok {
			return schema.NewErrorf(schema.ErrCodeDefinition,
				"transition from unknown state %s", t.From).WithLine(t.Line)
		}
		if _, ok := def.States[t.To]; !ok {
			return schema.NewErrorf(schema.ErrCodeDefinition,
				"transition to unknown state %s", t.To).WithLine(t.Line)
		}
	}

	for _, st := range sortedStates(def) {
		out := def.TransitionsFrom(st.ID)

		switch st.Kind {
		case schema.StateTerminal:
			if len(out) > 0 {
				return schema.NewErrorf(schema.ErrCodeDefinition,
					"terminal state %s has outgoing transitions", st.ID).WithState(st.ID)
			}
		case schema.StateFork:
			if len(out) < 2 {
				return schema.NewErrorf(schema.ErrCodeDefinition,
					"fork state %s needs at least two outgoing transitions, has %d",
					st.ID, len(out)).WithState(st.ID)
			}
		case schema.StateChoice:
			if len(out) == 0 {
				return schema.NewErrorf(schema.ErrCodeDefinition,
					"choice state %s has no outgoing transitions", st.ID).WithState(st.ID)
			}
		default:
			if len(out) == 0 {
				return schema.NewErrorf(schema.ErrCodeDefinition,
					"state %s is a dead end: no outgoing transitions and not terminal", st.ID).WithState(st.ID)
			}
		}

		if st.Kind == schema.StateJoin && st.JoinPolicy == "" {
			st.JoinPolicy = schema.JoinWaitForAll
		}
	}

	if unreachable := unreachableStates(def); len(unreachable) > 0 {
		return schema.NewErrorf(schema.ErrCodeDefinition,
			"unreachable states: %s", strings.Join(unreachable, ", "))
	}

	return nil
}

// CompileGuards statically compiles every custom guard expression so
// definition errors surface at load time instead of mid-run.
func CompileGuards(def *schema.WorkflowDefinition, compiler GuardCompiler) error {
	for _, t := range def.Transitions {
		if t.Guard.Kind != schema.GuardCustom {
			continue
		}
		if err := compiler.Compile(t.Guard.Expression); err != nil {
			return schema.NewErrorf(schema.ErrCodeDefinition,
				"invalid guard on %s --> %s", t.From, t.To).WithLine(t.Line).WithCause(err)
		}
	}
	return nil
}

func unreachableStates(def *schema.WorkflowDefinition) []string {
	visited := map[string]bool{def.InitialState: true}
	queue := []string{def.InitialState}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, t := range def.TransitionsFrom(id) {
			if !visited[t.To] {
				visited[t.To] = true
				queue = append(queue, t.To)
			}
		}
	}

	var unreachable []string
	for id := range def.States {
		if !visited[id] {
			unreachable = append(unreachable, id)
		}
	}
	sort.Strings(unreachable)
	return unreachable
}

func sortedStates(def *schema.WorkflowDefinition) []*schema.State {
	ids := make([]string, 0, len(def.States))
	for id := range def.States {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	states := make([]*schema.State, len(ids))
	for i, id := range ids {
		states[i] = def.States[id]
	}
	return states
}
