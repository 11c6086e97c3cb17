package expressions

import (
	"context"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/loomworks/loom/pkg/schema"
)

// ExprEngine runs expr-lang programs for in-process function steps. The
// data map becomes the expression environment, so every key is a
// top-level variable. Compiled programs are cached per expression text.
type ExprEngine struct {
	mu       sync.RWMutex
	programs map[string]*vm.Program
}

func NewExprEngine() *ExprEngine {
	return &ExprEngine{programs: make(map[string]*vm.Program)}
}

func (e *ExprEngine) Name() string { return "expr" }

// Evaluate compiles the expression if needed and runs it against data.
// Compile failures report VALIDATION_ERROR; runtime failures report
// EXECUTION_ERROR.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expr expression")
	}

	env := data
	if env == nil {
		env = map[string]any{}
	}

	prg, err := e.program(expression, env)
	if err != nil {
		return nil, err
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"expr evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out, nil
}

func (e *ExprEngine) program(expression string, env map[string]any) (*vm.Program, error) {
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

	prg, err := expr.Compile(expression,
		expr.Env(env),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"expr compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	e.programs[expression] = prg
	return prg, nil
}

var _ Engine = (*ExprEngine)(nil)
