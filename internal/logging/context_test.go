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

func logLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	return rec
}

func TestCorrelationHandler_StampsContextIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithIDs(context.Background(), "run-1", "fetch", "tpl-1")
	logger.InfoContext(ctx, "step started")

	rec := logLine(t, &buf)
	assert.Equal(t, "run-1", rec["run_id"])
	assert.Equal(t, "fetch", rec["step_id"])
	assert.Equal(t, "tpl-1", rec["template_id"])
}

func TestCorrelationHandler_BareContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	logger.InfoContext(context.Background(), "no correlation")

	rec := logLine(t, &buf)
	assert.NotContains(t, rec, "run_id")
	assert.NotContains(t, rec, "step_id")
}

func TestLogWith_OnlyNonEmptyIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	ctx := WithRunID(context.Background(), "run-9")
	LogWith(ctx, logger).Info("resumed")

	rec := logLine(t, &buf)
	assert.Equal(t, "run-9", rec["run_id"])
	assert.NotContains(t, rec, "step_id")
	assert.NotContains(t, rec, "template_id")
}

func TestIDAccessors(t *testing.T) {
	ctx := WithIDs(context.Background(), "r", "s", "t")
	assert.Equal(t, "r", RunID(ctx))
	assert.Equal(t, "s", StepID(ctx))
	assert.Equal(t, "t", TemplateID(ctx))

	empty := context.Background()
	assert.Empty(t, RunID(empty))
	assert.Empty(t, StepID(empty))
	assert.Empty(t, TemplateID(empty))
}
