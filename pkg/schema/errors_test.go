package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorCodes(t *testing.T) {
	assert.Equal(t, "DEFINITION_ERROR", ErrCodeDefinition)
	assert.Equal(t, "ACTION_ERROR", ErrCodeAction)
	assert.Equal(t, "SECURITY_VIOLATION", ErrCodeSecurity)
	assert.Equal(t, "TIMEOUT_ERROR", ErrCodeTimeout)
	assert.Equal(t, "ENGINE_ERROR", ErrCodeEngine)
}

func TestFlowError_Message(t *testing.T) {
	err := NewError(ErrCodeAction, "command exited with code 2")
	assert.Equal(t, "[ACTION_ERROR] command exited with code 2", err.Error())

	assert.Equal(t, "[ACTION_ERROR] state Build: command exited with code 2",
		NewError(ErrCodeAction, "command exited with code 2").WithState("Build").Error())

	assert.Equal(t, "[DEFINITION_ERROR] line 7: unknown verb",
		NewError(ErrCodeDefinition, "unknown verb").WithLine(7).Error())
}

func TestFlowError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := NewError(ErrCodeEngine, "wrapped").WithCause(cause)

	require.ErrorIs(t, err, cause)
}

func TestFlowError_IsFatal(t *testing.T) {
	assert.True(t, NewError(ErrCodeDefinition, "x").IsFatal())
	assert.True(t, NewError(ErrCodeEngine, "x").IsFatal())
	assert.False(t, NewError(ErrCodeAction, "x").IsFatal())
	assert.False(t, NewError(ErrCodeSecurity, "x").IsFatal())
	assert.False(t, NewError(ErrCodeTimeout, "x").IsFatal())
}
