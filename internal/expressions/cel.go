package expressions

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/loomworks/loom/pkg/schema"
)

// scopeVars are the namespaces conditions can reference, mirroring the
// interpolation Scope.
var scopeVars = []string{"steps", "inputs", "vars", "run", "locals"}

// CELEngine guards step conditions with Common Expression Language.
// The environment is closed: only the scope namespaces exist, each as
// map(string, dyn), so a typo'd namespace fails at compile time.
type CELEngine struct {
	env *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program
}

func NewCELEngine() (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)
	opts := make([]cel.EnvOption, 0, len(scopeVars))
	for _, name := range scopeVars {
		opts = append(opts, cel.Variable(name, mapType))
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELEngine{env: env, programs: make(map[string]cel.Program)}, nil
}

func (e *CELEngine) Name() string { return "cel" }

// Evaluate runs the expression against data. Each scope namespace the
// data omits is bound to an empty map so lookups miss instead of
// hitting a nil reference.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}

	prg, err := e.program(expression)
	if err != nil {
		return nil, err
	}

	activation := make(map[string]any, len(scopeVars))
	for _, key := range scopeVars {
		if v, ok := data[key]; ok && v != nil {
			activation[key] = v
		} else {
			activation[key] = map[string]any{}
		}
	}

	out, _, err := prg.Eval(activation)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"CEL evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out.Value(), nil
}

// EvaluateBool runs a condition and rejects non-boolean results.
func (e *CELEngine) EvaluateBool(ctx context.Context, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeExecution,
			"condition %q must evaluate to bool, got %T", expression, out)
	}
	return b, nil
}

func (e *CELEngine) program(expression string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.programs[expression]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, ok := e.programs[expression]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL program error for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.programs[expression] = prg
	return prg, nil
}

// ScopeToData flattens a Scope into the activation map the engine
// evaluates against.
func ScopeToData(scope *Scope) map[string]any {
	return map[string]any{
		"steps":  scope.Steps,
		"inputs": scope.Inputs,
		"vars":   scope.Vars,
		"run":    scope.Run,
		"locals": scope.Locals,
	}
}

var _ Engine = (*CELEngine)(nil)
