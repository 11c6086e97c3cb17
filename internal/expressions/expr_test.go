package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/schema"
)

func TestExprEngine_Arithmetic(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(context.Background(), "n * 2 + 1", map[string]any{"n": 20})
	require.NoError(t, err)
	assert.Equal(t, 41, out)
}

func TestExprEngine_CollectionOperations(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()
	data := map[string]any{
		"items": []any{
			map[string]any{"id": 1, "done": true},
			map[string]any{"id": 2, "done": false},
			map[string]any{"id": 3, "done": true},
		},
	}

	out, err := e.Evaluate(ctx, "map(filter(items, .done), .id)", data)
	require.NoError(t, err)
	assert.Equal(t, []any{1, 3}, out)

	out, err = e.Evaluate(ctx, "len(items)", data)
	require.NoError(t, err)
	assert.Equal(t, 3, out)

	out, err = e.Evaluate(ctx, "all(items, .id > 0)", data)
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestExprEngine_StringAndCoalescing(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	out, err := e.Evaluate(ctx, `upper(name) + "!"`, map[string]any{"name": "ada"})
	require.NoError(t, err)
	assert.Equal(t, "ADA!", out)

	out, err = e.Evaluate(ctx, `missing ?? "fallback"`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "fallback", out)
}

func TestExprEngine_MapResult(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(context.Background(),
		`{"total": a + b, "label": label}`,
		map[string]any{"a": 2, "b": 3, "label": "sum"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"total": 5, "label": "sum"}, out)
}

func TestExprEngine_EmptyExpression(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), "", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, err.(*schema.EngineError).Code)
}

func TestExprEngine_CompileError(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), "1 +* 2", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, err.(*schema.EngineError).Code)
}

func TestExprEngine_RuntimeError(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), "10 / n", map[string]any{"n": 0})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeExecution, err.(*schema.EngineError).Code)
}

func TestExprEngine_NilData(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(context.Background(), "1 + 1", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, out)
}
