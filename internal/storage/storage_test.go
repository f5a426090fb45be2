package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flow/internal/expressions"
	"github.com/rendis/flow/pkg/schema"
)

const sampleWorkflow = `---
name: deploy
description: ship it
variables:
  env: staging
---

` + "```mermaid" + `
stateDiagram-v2
    [*] --> Build
    Build --> [*]
` + "```" + `

## Actions

- Build: Shell "make build"
`

const scheduledWorkflow = `---
name: nightly
schedule: "0 2 * * *"
---

` + "```mermaid" + `
stateDiagram-v2
    [*] --> Sweep
    Sweep --> [*]
` + "```" + `

## Actions

- Sweep: Shell "make sweep"
`

const parameterizedWorkflow = `---
name: release
parameters:
  type: object
  required: [version]
  properties:
    version:
      type: string
    dry_run:
      type: boolean
---

` + "```mermaid" + `
stateDiagram-v2
    [*] --> Tag
    Tag --> [*]
` + "```" + `

## Actions

- Tag: Shell "git tag ${version}"
`

func newTestLibrary(t *testing.T, files map[string]string) *Library {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}

	guards, err := expressions.NewGuardEvaluator()
	require.NoError(t, err)
	lib, err := NewLibrary(dir, guards)
	require.NoError(t, err)
	return lib
}

func TestLibrary_Load(t *testing.T) {
	lib := newTestLibrary(t, map[string]string{"deploy.md": sampleWorkflow})

	def, err := lib.Load(context.Background(), "deploy")

	require.NoError(t, err)
	assert.Equal(t, "deploy", def.Name)
	assert.Equal(t, "Build", def.InitialState)
	assert.Equal(t, "staging", def.Variables["env"])
}

func TestLibrary_LoadMissing(t *testing.T) {
	lib := newTestLibrary(t, nil)

	_, err := lib.Load(context.Background(), "ghost")

	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeNotFound, fe.Code)
}

func TestLibrary_CacheInvalidatesOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deploy.md")
	require.NoError(t, os.WriteFile(path, []byte(sampleWorkflow), 0o644))

	guards, err := expressions.NewGuardEvaluator()
	require.NoError(t, err)
	lib, err := NewLibrary(dir, guards)
	require.NoError(t, err)

	first, err := lib.Load(context.Background(), "deploy")
	require.NoError(t, err)
	again, err := lib.Load(context.Background(), "deploy")
	require.NoError(t, err)
	assert.Same(t, first, again)

	updated := []byte(sampleWorkflow + "\n")
	require.NoError(t, os.WriteFile(path, updated, 0o644))
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, future, future))

	reloaded, err := lib.Load(context.Background(), "deploy")
	require.NoError(t, err)
	assert.NotSame(t, first, reloaded)
}

func TestLibrary_List(t *testing.T) {
	lib := newTestLibrary(t, map[string]string{
		"deploy.md":  sampleWorkflow,
		"nightly.md": scheduledWorkflow,
		"notes.txt":  "ignored",
	})

	names, err := lib.List()

	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"deploy", "nightly"}, names)
}

func TestLibrary_Schedules(t *testing.T) {
	lib := newTestLibrary(t, map[string]string{
		"deploy.md":  sampleWorkflow,
		"nightly.md": scheduledWorkflow,
		"broken.md":  "not a workflow",
	})

	schedules, err := lib.Schedules(context.Background())

	require.NoError(t, err)
	assert.Equal(t, map[string]string{"nightly": "0 2 * * *"}, schedules)
}

func TestLibrary_ValidateInputs(t *testing.T) {
	lib := newTestLibrary(t, map[string]string{"release.md": parameterizedWorkflow})
	def, err := lib.Load(context.Background(), "release")
	require.NoError(t, err)

	require.NoError(t, lib.ValidateInputs(def, map[string]any{"version": "1.2.3"}))

	err = lib.ValidateInputs(def, map[string]any{"dry_run": true})
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeValidation, fe.Code)

	err = lib.ValidateInputs(def, map[string]any{"version": 7})
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeValidation, fe.Code)
}

func TestLibrary_ValidateInputsNoSchema(t *testing.T) {
	lib := newTestLibrary(t, map[string]string{"deploy.md": sampleWorkflow})
	def, err := lib.Load(context.Background(), "deploy")
	require.NoError(t, err)

	assert.NoError(t, lib.ValidateInputs(def, map[string]any{"anything": "goes"}))
}

func TestLibrary_GuardCompileFailure(t *testing.T) {
	bad := `---
name: bad
---

` + "```mermaid" + `
stateDiagram-v2
    [*] --> A
    A --> B: vars.score >
    A --> C
    B --> [*]
    C --> [*]
` + "```" + `

## Actions

- A: Shell "a"
`
	lib := newTestLibrary(t, map[string]string{"bad.md": bad})

	_, err := lib.Load(context.Background(), "bad")

	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeDefinition, fe.Code)
}
