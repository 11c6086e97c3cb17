package tools

import (
	"context"

	"github.com/loomworks/loom/internal/paths"
	"github.com/loomworks/loom/pkg/schema"
)

// JSONQueryTool implements "json.query": run a path query against an
// arbitrary JSON document. Useful for ad hoc extraction where a
// transform step would be overkill.
type JSONQueryTool struct {
	resolver *paths.Resolver
}

// NewJSONQueryTool creates the json.query tool.
func NewJSONQueryTool() *JSONQueryTool {
	return &JSONQueryTool{resolver: paths.NewResolver()}
}

func (t *JSONQueryTool) Name() string { return "json.query" }

func (t *JSONQueryTool) Describe() Descriptor {
	return Descriptor{Description: "Extract a value from a JSON document using a path query like $.items[*].name"}
}

func (t *JSONQueryTool) Invoke(_ context.Context, args map[string]any) (any, error) {
	query := stringArg(args, "query", "")
	if query == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "json.query requires 'query' string arg")
	}
	data, ok := args["data"].(map[string]any)
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "json.query requires 'data' object arg")
	}

	value, found, err := t.resolver.Resolve(query, data)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"value": value,
		"found": found,
	}, nil
}
