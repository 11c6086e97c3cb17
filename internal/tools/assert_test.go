package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/schema"
)

func TestAssertEquals(t *testing.T) {
	tool := &assertEqualsTool{}
	ctx := context.Background()

	out := invoke(t, tool, map[string]any{"expected": "x", "actual": "x"})
	assert.Equal(t, true, out["pass"])

	// Numeric types are compared after JSON normalization.
	out = invoke(t, tool, map[string]any{
		"expected": map[string]any{"n": 3},
		"actual":   map[string]any{"n": 3.0},
	})
	assert.Equal(t, true, out["pass"])

	_, err := tool.Invoke(ctx, map[string]any{"expected": "x", "actual": "y"})
	require.Error(t, err)
	ee := err.(*schema.EngineError)
	assert.Equal(t, schema.ErrCodeExecution, ee.Code)
	assert.Equal(t, "x", ee.Details["expected"])

	_, err = tool.Invoke(ctx, map[string]any{
		"expected": "x", "actual": "y", "message": "payload drifted",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "payload drifted")
}

func TestAssertEquals_MissingArgs(t *testing.T) {
	tool := &assertEqualsTool{}

	_, err := tool.Invoke(context.Background(), map[string]any{"expected": "x"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, err.(*schema.EngineError).Code)
}

func TestAssertContains(t *testing.T) {
	tool := &assertContainsTool{}
	ctx := context.Background()

	out := invoke(t, tool, map[string]any{"haystack": "hello world", "needle": "world"})
	assert.Equal(t, true, out["pass"])

	out = invoke(t, tool, map[string]any{
		"haystack": []any{1.0, 2.0, 3.0},
		"needle":   2,
	})
	assert.Equal(t, true, out["pass"])

	_, err := tool.Invoke(ctx, map[string]any{"haystack": "hello", "needle": "mars"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeExecution, err.(*schema.EngineError).Code)

	_, err = tool.Invoke(ctx, map[string]any{"haystack": 42, "needle": "x"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, err.(*schema.EngineError).Code)
}

func schemaAssertTool(t *testing.T) Tool {
	t.Helper()
	for _, tool := range AssertTools() {
		if tool.Name() == "assert.schema" {
			return tool
		}
	}
	t.Fatal("assert.schema not in AssertTools")
	return nil
}

func TestAssertSchema(t *testing.T) {
	tool := schemaAssertTool(t)
	ctx := context.Background()

	doc := map[string]any{
		"type":     "object",
		"required": []any{"id"},
		"properties": map[string]any{
			"id": map[string]any{"type": "integer"},
		},
	}

	out := invoke(t, tool, map[string]any{
		"data":   map[string]any{"id": 7},
		"schema": doc,
	})
	assert.Equal(t, true, out["pass"])

	_, err := tool.Invoke(ctx, map[string]any{
		"data":   map[string]any{"name": "no id"},
		"schema": doc,
	})
	require.Error(t, err)
	ee := err.(*schema.EngineError)
	assert.Equal(t, schema.ErrCodeExecution, ee.Code)
	assert.Contains(t, ee.Message, "assertion failed")
}

func TestAssertSchema_MissingArgs(t *testing.T) {
	tool := schemaAssertTool(t)

	_, err := tool.Invoke(context.Background(), map[string]any{"data": map[string]any{}})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, err.(*schema.EngineError).Code)
}

func TestAssertSchema_CacheReuse(t *testing.T) {
	tool := schemaAssertTool(t)
	doc := map[string]any{"type": "object"}

	for i := 0; i < 3; i++ {
		out := invoke(t, tool, map[string]any{"data": map[string]any{}, "schema": doc})
		assert.Equal(t, true, out["pass"])
	}
}
