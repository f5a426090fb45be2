package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextAccessors(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RunID(ctx))
	assert.Empty(t, StateID(ctx))
	assert.Empty(t, BranchID(ctx))

	ctx = WithRunID(ctx, "run-1")
	ctx = WithStateID(ctx, "Build")
	ctx = WithBranchID(ctx, "A")

	assert.Equal(t, "run-1", RunID(ctx))
	assert.Equal(t, "Build", StateID(ctx))
	assert.Equal(t, "A", BranchID(ctx))
}

func TestCorrelationHandler_InjectsIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithStateID(WithRunID(context.Background(), "run-1"), "Build")
	logger.InfoContext(ctx, "state entered")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "run-1", record["run_id"])
	assert.Equal(t, "Build", record["state_id"])
	_, hasBranch := record["branch_id"]
	assert.False(t, hasBranch)
}

func TestCorrelationHandler_BareContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	logger.Info("no correlation")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	_, ok := record["run_id"]
	assert.False(t, ok)
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	ctx := WithBranchID(context.Background(), "A")
	LogWith(ctx, logger).Info("branch work")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "A", record["branch_id"])
}
