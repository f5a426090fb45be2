package schema

import (
	"encoding/json"
	"time"
)

// StateKind classifies the role a state plays in the graph.
type StateKind string

const (
	StateNormal   StateKind = "normal"
	StateChoice   StateKind = "choice" // routes by guards only, no action
	StateFork     StateKind = "fork"   // spawns one branch per outgoing transition
	StateJoin     StateKind = "join"   // barrier awaiting forked branches
	StateTerminal StateKind = "terminal"
)

// JoinPolicy controls how a join state aggregates branch outcomes.
type JoinPolicy string

const (
	// JoinWaitForAll waits for every branch; the join succeeds only if all
	// branches succeeded.
	JoinWaitForAll JoinPolicy = "wait_for_all"
	// JoinFailFast cancels sibling branches as soon as one branch fails.
	JoinFailFast JoinPolicy = "fail_fast"
)

// GuardKind classifies transition conditions.
type GuardKind string

const (
	GuardAlways    GuardKind = "always"
	GuardOnSuccess GuardKind = "on_success"
	GuardOnFailure GuardKind = "on_failure"
	GuardCustom    GuardKind = "custom"
)

// Guard is the condition attached to a transition. Custom guards carry a
// boolean expression evaluated against the run's variable context.
type Guard struct {
	Kind       GuardKind `json:"kind"`
	Expression string    `json:"expression,omitempty"`
}

// Transition is a directed edge between two states.
type Transition struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Guard Guard  `json:"guard"`
	Line  int    `json:"-"` // source line, for error reporting
}

// State is a named node in the workflow graph, optionally bound to one action.
type State struct {
	ID         string      `json:"id"`
	Kind       StateKind   `json:"kind"`
	Action     *ActionSpec `json:"action,omitempty"`
	JoinPolicy JoinPolicy  `json:"join_policy,omitempty"` // join states only
	Line       int         `json:"-"`
}

// IsTerminal reports whether the state ends the run.
func (s *State) IsTerminal() bool {
	return s.Kind == StateTerminal
}

// WorkflowDefinition is the parsed, validated state graph plus its actions.
// Immutable once produced by the parser.
type WorkflowDefinition struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	States      map[string]*State `json:"states"`
	// Transitions preserve declaration order; custom-guard precedence
	// depends on it.
	Transitions  []Transition    `json:"transitions"`
	InitialState string          `json:"initial_state"`
	Variables    map[string]any  `json:"variables,omitempty"`  // front-matter defaults
	Parameters   json.RawMessage `json:"parameters,omitempty"` // JSON schema for --set inputs
	Schedule     string          `json:"schedule,omitempty"`   // cron expression
}

// TransitionsFrom returns the outgoing transitions of a state in declaration order.
func (w *WorkflowDefinition) TransitionsFrom(stateID string) []Transition {
	var out []Transition
	for _, t := range w.Transitions {
		if t.From == stateID {
			out = append(out, t)
		}
	}
	return out
}

// TerminalStates returns the IDs of all terminal states, in no particular order.
func (w *WorkflowDefinition) TerminalStates() []string {
	var out []string
	for id, s := range w.States {
		if s.IsTerminal() {
			out = append(out, id)
		}
	}
	return out
}

// ActionKind enumerates the closed set of built-in action variants.
// The parser is the only component that maps text to a kind; dispatch at
// run time is a lookup by kind.
type ActionKind string

const (
	ActionPrompt      ActionKind = "prompt"
	ActionShell       ActionKind = "shell"
	ActionLog         ActionKind = "log"
	ActionSetVariable ActionKind = "set"
	ActionWait        ActionKind = "wait"
	ActionRunWorkflow ActionKind = "run_workflow"
	ActionAbort       ActionKind = "abort"
)

// ActionSpec is the tagged-variant description of a state's action.
// Exactly the fields relevant to Kind are populated; the rest stay zero.
type ActionSpec struct {
	Kind ActionKind `json:"kind"`

	// prompt
	PromptName string            `json:"prompt_name,omitempty"`
	Arguments  map[string]string `json:"arguments,omitempty"`

	// shell
	Shell *ShellActionConfig `json:"shell,omitempty"`

	// log
	LogLevel   string `json:"log_level,omitempty"`
	LogMessage string `json:"log_message,omitempty"`

	// set
	Variable string `json:"variable,omitempty"`
	Value    any    `json:"value,omitempty"`

	// wait
	WaitDuration time.Duration `json:"wait_duration,omitempty"`
	WaitForInput bool          `json:"wait_for_input,omitempty"`
	WaitMessage  string        `json:"wait_message,omitempty"`

	// run_workflow
	WorkflowName string `json:"workflow_name,omitempty"`
	Parallel     bool   `json:"parallel,omitempty"`

	// abort
	Reason string `json:"reason,omitempty"`

	// ResultVariable receives the action's primary result, when configured.
	ResultVariable string `json:"result_variable,omitempty"`
}

// ShellActionConfig configures one shell action. Constructed at parse time,
// reused identically on retries and resumes.
type ShellActionConfig struct {
	Command     string            `json:"command"`
	Timeout     time.Duration     `json:"timeout,omitempty"` // 0 = executor default
	WorkingDir  string            `json:"working_dir,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
}

// Outcome is the success/failure result of one action execution.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Succeeded reports whether the outcome is success.
func (o Outcome) Succeeded() bool { return o == OutcomeSuccess }

// Reserved context variable names written by the engine and actions.
const (
	VarSuccess          = "success"
	VarFailure          = "failure"
	VarExitCode         = "exit_code"
	VarStdout           = "stdout"
	VarStderr           = "stderr"
	VarDurationMS       = "duration_ms"
	VarLastActionResult = "last_action_result"
	VarJoinSuccess      = "join_success"
)

// BranchVar returns the branch-qualified name a variable takes after a join
// merge, e.g. branch.fetch_a.stdout.
func BranchVar(branchID, name string) string {
	return "branch." + branchID + "." + name
}
