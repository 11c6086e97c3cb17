package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/schema"
)

// fakeVault is an in-memory secrets.Vault for interpolation tests.
type fakeVault struct {
	values map[string]string
}

func (v *fakeVault) Resolve(_ context.Context, key string) ([]byte, error) {
	val, ok := v.values[key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
	}
	return []byte(val), nil
}

func (v *fakeVault) Store(_ context.Context, key string, value []byte) error {
	v.values[key] = string(value)
	return nil
}

func (v *fakeVault) Delete(_ context.Context, key string) error {
	delete(v.values, key)
	return nil
}

func (v *fakeVault) List(_ context.Context) ([]string, error) {
	keys := make([]string, 0, len(v.values))
	for k := range v.values {
		keys = append(keys, k)
	}
	return keys, nil
}

func testScope() *Scope {
	return &Scope{
		Steps: map[string]any{
			"fetch": map[string]any{
				"summary": "all good",
				"count":   3,
				"meta":    map[string]any{"source": "api"},
			},
			"flag": true,
		},
		Inputs: map[string]any{"name": "ada", "age": 36},
		Vars:   map[string]any{"tone": "formal"},
		Run:    map[string]any{"id": "run-1", "template": "tpl-1"},
		Locals: map[string]any{"item": "first", "index": 0},
	}
}

func TestRenderText_PlainPassthrough(t *testing.T) {
	interp := NewInterpolator(nil)

	out, err := interp.RenderText(context.Background(), "no references here", testScope())
	require.NoError(t, err)
	assert.Equal(t, "no references here", out)
}

func TestRenderText_AllNamespaces(t *testing.T) {
	interp := NewInterpolator(nil)

	out, err := interp.RenderText(context.Background(),
		"Hi ${{inputs.name}}, step said ${{steps.fetch.summary}} in a ${{vars.tone}} tone for run ${{run.id}} item ${{locals.item}}",
		testScope())
	require.NoError(t, err)
	assert.Equal(t, "Hi ada, step said all good in a formal tone for run run-1 item first", out)
}

func TestRenderText_NestedFieldAndInlineJSON(t *testing.T) {
	interp := NewInterpolator(nil)

	out, err := interp.RenderText(context.Background(),
		"src=${{steps.fetch.meta.source}} meta=${{steps.fetch.meta}} n=${{steps.fetch.count}}",
		testScope())
	require.NoError(t, err)
	assert.Equal(t, `src=api meta={"source":"api"} n=3`, out)
}

func TestRenderText_UnknownNamespace(t *testing.T) {
	interp := NewInterpolator(nil)

	_, err := interp.RenderText(context.Background(), "x ${{bogus.field}}", testScope())
	require.Error(t, err)
	ee, ok := err.(*schema.EngineError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeInterpolation, ee.Code)
	assert.Contains(t, ee.Message, "unknown namespace")
	assert.Contains(t, ee.Message, "available")
}

func TestRenderText_MissingField(t *testing.T) {
	interp := NewInterpolator(nil)

	_, err := interp.RenderText(context.Background(), "${{steps.fetch.nope}}", testScope())
	require.Error(t, err)
	ee := err.(*schema.EngineError)
	assert.Equal(t, schema.ErrCodeInterpolation, ee.Code)
	assert.Contains(t, ee.Message, `"nope"`)
}

func TestRenderText_MalformedTokens(t *testing.T) {
	interp := NewInterpolator(nil)

	for _, text := range []string{
		"${{steps.fetch.summary",  // unclosed
		"${{}}",                   // empty
		"${{  }}",                 // whitespace only
		"${{ a ${{ nested }} }}",  // nested opener
		"${{steps}}",              // namespace without field
	} {
		_, err := interp.RenderText(context.Background(), text, testScope())
		require.Error(t, err, "text %q", text)
		assert.Equal(t, schema.ErrCodeInterpolation, err.(*schema.EngineError).Code)
	}
}

func TestRenderText_SecretsSecondPass(t *testing.T) {
	vault := &fakeVault{values: map[string]string{"API_KEY": "s3cret"}}
	interp := NewInterpolator(vault)

	out, err := interp.RenderText(context.Background(),
		"user=${{inputs.name}} key=${{secrets.API_KEY}}", testScope())
	require.NoError(t, err)
	assert.Equal(t, "user=ada key=s3cret", out)
}

func TestRenderText_SecretWithoutVault(t *testing.T) {
	interp := NewInterpolator(nil)

	_, err := interp.RenderText(context.Background(), "${{secrets.API_KEY}}", testScope())
	require.Error(t, err)
	ee := err.(*schema.EngineError)
	assert.Equal(t, schema.ErrCodeInterpolation, ee.Code)
	assert.Contains(t, ee.Message, "no vault configured")
}

func TestRenderText_UnknownSecret(t *testing.T) {
	vault := &fakeVault{values: map[string]string{}}
	interp := NewInterpolator(vault)

	_, err := interp.RenderText(context.Background(), "${{secrets.MISSING}}", testScope())
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInterpolation, err.(*schema.EngineError).Code)
}

func TestResolveValue_WholeStringKeepsType(t *testing.T) {
	interp := NewInterpolator(nil)
	ctx := context.Background()

	val, err := interp.ResolveValue(ctx, "${{steps.fetch.count}}", testScope())
	require.NoError(t, err)
	assert.Equal(t, 3, val)

	val, err = interp.ResolveValue(ctx, "${{steps.flag}}", testScope())
	require.NoError(t, err)
	assert.Equal(t, true, val)

	val, err = interp.ResolveValue(ctx, "${{steps.fetch.meta}}", testScope())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"source": "api"}, val)
}

func TestResolveValue_MixedStringRendersInline(t *testing.T) {
	interp := NewInterpolator(nil)

	val, err := interp.ResolveValue(context.Background(), "count is ${{steps.fetch.count}}", testScope())
	require.NoError(t, err)
	assert.Equal(t, "count is 3", val)
}

func TestResolveValue_WalksMapsAndSlices(t *testing.T) {
	interp := NewInterpolator(nil)

	in := map[string]any{
		"who":   "${{inputs.name}}",
		"depth": map[string]any{"n": "${{steps.fetch.count}}"},
		"list":  []any{"${{vars.tone}}", 7, true},
	}
	val, err := interp.ResolveValue(context.Background(), in, testScope())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"who":   "ada",
		"depth": map[string]any{"n": 3},
		"list":  []any{"formal", 7, true},
	}, val)
}

func TestResolveValue_NonStringLeavesUntouched(t *testing.T) {
	interp := NewInterpolator(nil)

	val, err := interp.ResolveValue(context.Background(), 42, testScope())
	require.NoError(t, err)
	assert.Equal(t, 42, val)
}

func TestHasInterpolation(t *testing.T) {
	assert.True(t, HasInterpolation("a ${{b}} c"))
	assert.False(t, HasInterpolation("plain"))
	assert.False(t, HasInterpolation("${ not a token }"))
}
