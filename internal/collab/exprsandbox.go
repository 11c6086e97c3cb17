package collab

import (
	"context"

	"github.com/loomworks/loom/internal/expressions"
	"github.com/loomworks/loom/pkg/schema"
)

// ExprSandbox is the in-process SandboxRunner for "expr" function steps.
// js and py code is delegated to an external runner when one is configured;
// without one, those languages are rejected with a clear error.
type ExprSandbox struct {
	engine   *expressions.ExprEngine
	external SandboxRunner // optional delegate for js/py
}

// NewExprSandbox creates an ExprSandbox. external may be nil.
func NewExprSandbox(external SandboxRunner) *ExprSandbox {
	return &ExprSandbox{
		engine:   expressions.NewExprEngine(),
		external: external,
	}
}

// ExecuteSandboxed evaluates expr code in-process; other languages go to the
// external delegate.
func (s *ExprSandbox) ExecuteSandboxed(ctx context.Context, language, code string, vars map[string]any) (any, error) {
	switch schema.FunctionLanguage(language) {
	case schema.FunctionLangExpr:
		return s.engine.Evaluate(ctx, code, vars)
	case schema.FunctionLangJS, schema.FunctionLangPy:
		if s.external == nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"no sandbox configured for language %q", language)
		}
		return s.external.ExecuteSandboxed(ctx, language, code, vars)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown function language %q", language)
	}
}

var _ SandboxRunner = (*ExprSandbox)(nil)
