package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flow/pkg/schema"
)

func newGuards(t *testing.T) *GuardEvaluator {
	t.Helper()
	g, err := NewGuardEvaluator()
	require.NoError(t, err)
	return g
}

func TestEvaluateBool_CELDefault(t *testing.T) {
	g := newGuards(t)
	data := GuardData(map[string]any{"score": 42}, true)

	ok, err := g.EvaluateBool(context.Background(), `vars.score > 10`, data)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.EvaluateBool(context.Background(), `vars.score > 100`, data)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluateBool_SuccessFlags(t *testing.T) {
	g := newGuards(t)

	ok, err := g.EvaluateBool(context.Background(), `success`, GuardData(nil, true))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.EvaluateBool(context.Background(), `failure`, GuardData(nil, true))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluateBool_ExprPrefix(t *testing.T) {
	g := newGuards(t)
	data := GuardData(map[string]any{"status": "ready"}, true)

	ok, err := g.EvaluateBool(context.Background(), `expr: status == "ready"`, data)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateBool_JQPrefix(t *testing.T) {
	g := newGuards(t)
	data := GuardData(map[string]any{"count": 3}, true)

	ok, err := g.EvaluateBool(context.Background(), `jq: .vars.count > 1`, data)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateBool_NonBooleanRejected(t *testing.T) {
	g := newGuards(t)
	data := GuardData(map[string]any{"name": "x"}, true)

	_, err := g.EvaluateBool(context.Background(), `vars.name`, data)
	require.Error(t, err)

	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeEngine, fe.Code)
}

func TestCompile(t *testing.T) {
	g := newGuards(t)

	require.NoError(t, g.Compile(`vars.score > 10`))
	require.NoError(t, g.Compile(`jq: .vars.count > 1`))

	err := g.Compile(`vars.score >`)
	require.Error(t, err)
}

func TestGuardData_TopLevelVars(t *testing.T) {
	data := GuardData(map[string]any{"status": "ready", "success": "shadowed"}, false)

	assert.Equal(t, "ready", data["status"])
	// Reserved keys win over variables of the same name.
	assert.Equal(t, false, data["success"])
	assert.Equal(t, true, data["failure"])
}

func TestSubstitute(t *testing.T) {
	vars := map[string]any{"env": "staging", "count": 3, "ok": true}

	out, err := Substitute("deploy to ${env} (${count} nodes, ok=${ok})", vars)
	require.NoError(t, err)
	assert.Equal(t, "deploy to staging (3 nodes, ok=true)", out)
}

func TestSubstitute_UnknownVarEmpty(t *testing.T) {
	out, err := Substitute("value: [${missing}]", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "value: []", out)
}

func TestSubstitute_Unclosed(t *testing.T) {
	_, err := Substitute("broken ${ref", nil)
	require.Error(t, err)

	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeAction, fe.Code)
}

func TestSubstitute_NoReferences(t *testing.T) {
	out, err := Substitute("plain text", nil)
	require.NoError(t, err)
	assert.Equal(t, "plain text", out)
}
