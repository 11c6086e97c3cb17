package engine

import (
	"context"

	"github.com/loomworks/loom/internal/expressions"
	"github.com/loomworks/loom/internal/paths"
	"github.com/loomworks/loom/pkg/schema"
)

// resolveInputs evaluates a step's input mapping against accumulated
// output. A query that resolves to nothing is a step error: steps never
// proceed with silently-missing inputs.
func resolveInputs(resolver *paths.Resolver, step *schema.WorkflowStep, accumulated map[string]any) (map[string]any, *schema.EngineError) {
	inputs := make(map[string]any, len(step.InputMapping))
	for name, query := range step.InputMapping {
		val, ok, err := resolver.Resolve(query, accumulated)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeResolution,
				"input %q: %s", name, err.Error()).WithStep(step.ID).WithCause(err)
		}
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeResolution,
				"input %q: path %q resolved to nothing", name, query).WithStep(step.ID)
		}
		inputs[name] = val
	}
	return inputs, nil
}

// evalCondition evaluates a step's CEL guard. An empty guard passes.
func evalCondition(ctx context.Context, cel *expressions.CELEngine, step *schema.WorkflowStep, scope *expressions.Scope) (bool, *schema.EngineError) {
	if step.Condition == "" {
		return true, nil
	}
	ok, err := cel.EvaluateBool(ctx, step.Condition, expressions.ScopeToData(scope))
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"condition %q: %s", step.Condition, err.Error()).WithStep(step.ID).WithCause(err)
	}
	return ok, nil
}
