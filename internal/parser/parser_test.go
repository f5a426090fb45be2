package parser

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flow/pkg/schema"
)

const basicWorkflow = `---
name: deploy
description: Ship the thing
variables:
  env: staging
schedule: "0 3 * * *"
---

# Deploy

` + "```mermaid" + `
stateDiagram-v2
    [*] --> Start
    Start --> Build
    Build --> Done: OnSuccess
    Build --> Failed: OnFailure
    Done --> [*]
    Failed --> [*]
` + "```" + `

## Actions

- Start: Log "starting ${env}"
- Build: Shell "make build" with timeout=60 result="build_output"
`

func parseBasic(t *testing.T) *schema.WorkflowDefinition {
	t.Helper()
	def, err := Parse("deploy", []byte(basicWorkflow))
	require.NoError(t, err)
	return def
}

func TestParse_FrontMatter(t *testing.T) {
	def := parseBasic(t)

	assert.Equal(t, "deploy", def.Name)
	assert.Equal(t, "Ship the thing", def.Description)
	assert.Equal(t, "staging", def.Variables["env"])
	assert.Equal(t, "0 3 * * *", def.Schedule)
}

func TestParse_Diagram(t *testing.T) {
	def := parseBasic(t)

	assert.Equal(t, "Start", def.InitialState)
	assert.Len(t, def.States, 4)
	assert.Equal(t, schema.StateTerminal, def.States["Done"].Kind)
	assert.Equal(t, schema.StateTerminal, def.States["Failed"].Kind)

	require.Len(t, def.Transitions, 3)
	assert.Equal(t, schema.GuardAlways, def.Transitions[0].Guard.Kind)
	assert.Equal(t, schema.GuardOnSuccess, def.Transitions[1].Guard.Kind)
	assert.Equal(t, schema.GuardOnFailure, def.Transitions[2].Guard.Kind)
}

func TestParse_Actions(t *testing.T) {
	def := parseBasic(t)

	start := def.States["Start"].Action
	require.NotNil(t, start)
	assert.Equal(t, schema.ActionLog, start.Kind)
	assert.Equal(t, "starting ${env}", start.LogMessage)

	build := def.States["Build"].Action
	require.NotNil(t, build)
	assert.Equal(t, schema.ActionShell, build.Kind)
	assert.Equal(t, "make build", build.Shell.Command)
	assert.Equal(t, 60*time.Second, build.Shell.Timeout)
	assert.Equal(t, "build_output", build.ResultVariable)

	assert.Nil(t, def.States["Done"].Action)
}

func TestParse_CustomGuard(t *testing.T) {
	src := `
` + "```mermaid" + `
stateDiagram-v2
    [*] --> Check
    Check --> High: score > 10
    Check --> Low
    High --> [*]
    Low --> [*]
` + "```" + `
`
	def, err := Parse("guards", []byte(src))
	require.NoError(t, err)

	require.Len(t, def.Transitions, 2)
	assert.Equal(t, schema.GuardCustom, def.Transitions[0].Guard.Kind)
	assert.Equal(t, "score > 10", def.Transitions[0].Guard.Expression)
	assert.Equal(t, schema.GuardAlways, def.Transitions[1].Guard.Kind)
}

func TestParse_ForkJoinDecls(t *testing.T) {
	src := `
` + "```mermaid" + `
stateDiagram-v2
    state Split <<fork>>
    state Merge <<join>>
    [*] --> Split
    Split --> A
    Split --> B
    A --> Merge
    B --> Merge
    Merge --> End
    End --> [*]
` + "```" + `
`
	def, err := Parse("fanout", []byte(src))
	require.NoError(t, err)

	assert.Equal(t, schema.StateFork, def.States["Split"].Kind)
	assert.Equal(t, schema.StateJoin, def.States["Merge"].Kind)
	assert.Equal(t, schema.JoinWaitForAll, def.States["Merge"].JoinPolicy)
}

func TestParse_JoinPolicy(t *testing.T) {
	src := `
` + "```mermaid" + `
stateDiagram-v2
    state Split <<fork>>
    state Merge <<join>> fail_fast
    [*] --> Split
    Split --> A
    Split --> B
    A --> Merge
    B --> Merge
    Merge --> End
    End --> [*]
` + "```" + `
`
	def, err := Parse("fanout", []byte(src))
	require.NoError(t, err)

	assert.Equal(t, schema.JoinFailFast, def.States["Merge"].JoinPolicy)
}

func TestParse_JoinPolicyOnNonJoin(t *testing.T) {
	src := `
` + "```mermaid" + `
stateDiagram-v2
    state Split <<fork>> fail_fast
    [*] --> Split
    Split --> A
    Split --> B
    A --> [*]
    B --> [*]
` + "```" + `
`
	_, err := Parse("fanout", []byte(src))

	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeDefinition, fe.Code)
}

func TestParse_NoInitialState(t *testing.T) {
	src := "```mermaid\nstateDiagram-v2\n    A --> B\n    B --> [*]\n```\n"
	_, err := Parse("broken", []byte(src))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "initial state")
}

func TestParse_NoTerminalState(t *testing.T) {
	src := "```mermaid\nstateDiagram-v2\n    [*] --> A\n    A --> B\n    B --> A\n```\n"
	_, err := Parse("loop", []byte(src))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "terminal")
}

func TestParse_UnreachableState(t *testing.T) {
	src := "```mermaid\nstateDiagram-v2\n    [*] --> A\n    A --> [*]\n    B --> A\n```\n"
	_, err := Parse("island", []byte(src))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unreachable")
}

func TestParse_DeadEndState(t *testing.T) {
	src := "```mermaid\nstateDiagram-v2\n    [*] --> A\n    A --> B\n    A --> C\n    C --> [*]\n```\n"
	_, err := Parse("deadend", []byte(src))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dead end")
}

func TestParse_ForkNeedsTwoBranches(t *testing.T) {
	src := `
` + "```mermaid" + `
stateDiagram-v2
    state Split <<fork>>
    [*] --> Split
    Split --> A
    A --> [*]
` + "```" + `
`
	_, err := Parse("thinfork", []byte(src))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fork")
}

func TestParse_UnknownActionState(t *testing.T) {
	src := "```mermaid\nstateDiagram-v2\n    [*] --> A\n    A --> [*]\n```\n\n## Actions\n\n- Nope: Log \"x\"\n"
	_, err := Parse("badbind", []byte(src))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown state")
}

func TestParse_MissingMermaidBlock(t *testing.T) {
	_, err := Parse("empty", []byte("# just a doc\n"))
	require.Error(t, err)

	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeDefinition, fe.Code)
}

func TestParse_UnterminatedFrontMatter(t *testing.T) {
	_, err := Parse("bad", []byte("---\nname: x\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "front matter")
}

type stubCompiler struct {
	seen []string
	fail bool
}

func (s *stubCompiler) Compile(expr string) error {
	s.seen = append(s.seen, expr)
	if s.fail {
		return schema.NewError(schema.ErrCodeDefinition, "bad expression")
	}
	return nil
}

func TestCompileGuards(t *testing.T) {
	src := `
` + "```mermaid" + `
stateDiagram-v2
    [*] --> Check
    Check --> High: score > 10
    Check --> Low
    High --> [*]
    Low --> [*]
` + "```" + `
`
	def, err := Parse("guards", []byte(src))
	require.NoError(t, err)

	sc := &stubCompiler{}
	require.NoError(t, CompileGuards(def, sc))
	assert.Equal(t, []string{"score > 10"}, sc.seen)

	sc.fail = true
	err = CompileGuards(def, sc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid guard")
}
