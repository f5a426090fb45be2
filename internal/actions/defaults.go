package actions

import (
	"log/slog"
)

// BuiltinDeps carries the collaborators the built-in actions need.
type BuiltinDeps struct {
	Logger   *slog.Logger
	Shell    ShellConfig
	Prompts  PromptRunner
	Prompter UserPrompter
}

// NewBuiltinRegistry registers the complete built-in action set. The
// returned RunWorkflowAction still needs its delegate runner installed by
// the engine.
func NewBuiltinRegistry(deps BuiltinDeps) (*Registry, *RunWorkflowAction, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Shell.Logger == nil {
		deps.Shell.Logger = deps.Logger
	}

	delegate := &RunWorkflowAction{Logger: deps.Logger}
	registry := NewRegistry()
	all := []Action{
		&LogAction{Logger: deps.Logger},
		&SetVariableAction{},
		&WaitAction{Logger: deps.Logger, Prompter: deps.Prompter},
		&AbortAction{},
		&PromptAction{Runner: deps.Prompts},
		NewShellAction(deps.Shell),
		delegate,
	}
	for _, a := range all {
		if err := registry.Register(a); err != nil {
			return nil, nil, err
		}
	}
	return registry, delegate, nil
}
