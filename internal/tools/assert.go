package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/loomworks/loom/pkg/schema"
)

// AssertTools returns the assert.* tools. A failed assertion is a tool
// error so the enclosing step fails.
func AssertTools() []Tool {
	return []Tool{
		&assertEqualsTool{},
		&assertContainsTool{},
		&assertSchemaTool{compiled: make(map[string]*jsonschema.Schema)},
	}
}

// normalizeJSON converts Go numeric types to float64 so deep-equal holds
// across JSON round trips.
func normalizeJSON(v any) any {
	switch val := v.(type) {
	case int:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return f
		}
		return v
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeJSON(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeJSON(item)
		}
		return out
	default:
		return v
	}
}

type assertEqualsTool struct{}

func (t *assertEqualsTool) Name() string { return "assert.equals" }

func (t *assertEqualsTool) Describe() Descriptor {
	return Descriptor{Description: "Assert that two values are deeply equal"}
}

func (t *assertEqualsTool) Invoke(_ context.Context, args map[string]any) (any, error) {
	expected, ok := args["expected"]
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "assert.equals requires 'expected' arg")
	}
	actual, ok := args["actual"]
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "assert.equals requires 'actual' arg")
	}

	if reflect.DeepEqual(normalizeJSON(expected), normalizeJSON(actual)) {
		return map[string]any{"pass": true}, nil
	}

	msg := stringArg(args, "message", "assertion failed: values are not equal")
	return nil, schema.NewError(schema.ErrCodeExecution, msg).
		WithDetails(map[string]any{"expected": expected, "actual": actual})
}

type assertContainsTool struct{}

func (t *assertContainsTool) Name() string { return "assert.contains" }

func (t *assertContainsTool) Describe() Descriptor {
	return Descriptor{Description: "Assert that a string or array contains a value"}
}

func (t *assertContainsTool) Invoke(_ context.Context, args map[string]any) (any, error) {
	haystack, ok := args["haystack"]
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "assert.contains requires 'haystack' arg")
	}
	needle, ok := args["needle"]
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "assert.contains requires 'needle' arg")
	}

	found := false
	switch h := haystack.(type) {
	case string:
		found = strings.Contains(h, fmt.Sprintf("%v", needle))
	case []any:
		want := normalizeJSON(needle)
		for _, item := range h {
			if reflect.DeepEqual(normalizeJSON(item), want) {
				found = true
				break
			}
		}
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"assert.contains: haystack must be a string or array, got %T", haystack)
	}

	if found {
		return map[string]any{"pass": true}, nil
	}
	msg := stringArg(args, "message", "assertion failed: value not found")
	return nil, schema.NewError(schema.ErrCodeExecution, msg).
		WithDetails(map[string]any{"needle": needle})
}

// assertSchemaTool validates data against an inline JSON Schema,
// caching compiled schemas by their literal text.
type assertSchemaTool struct {
	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

func (t *assertSchemaTool) Name() string { return "assert.schema" }

func (t *assertSchemaTool) Describe() Descriptor {
	return Descriptor{Description: "Assert that data conforms to a JSON Schema"}
}

func (t *assertSchemaTool) Invoke(_ context.Context, args map[string]any) (any, error) {
	data, ok := args["data"]
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "assert.schema requires 'data' arg")
	}
	rawSchema, ok := args["schema"]
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "assert.schema requires 'schema' arg")
	}

	compiled, err := t.compile(rawSchema)
	if err != nil {
		return nil, err
	}
	if err := compiled.Validate(normalizeJSON(data)); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "assertion failed: %v", err)
	}
	return map[string]any{"pass": true}, nil
}

func (t *assertSchemaTool) compile(rawSchema any) (*jsonschema.Schema, error) {
	text, err := json.Marshal(rawSchema)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "assert.schema: schema is not valid JSON").WithCause(err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.compiled[string(text)]; ok {
		return c, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(text)))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "assert.schema: parse schema").WithCause(err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("loom://assert-schema.json", doc); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "assert.schema: add schema resource").WithCause(err)
	}
	compiled, err := compiler.Compile("loom://assert-schema.json")
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "assert.schema: compile schema").WithCause(err)
	}
	t.compiled[string(text)] = compiled
	return compiled, nil
}
