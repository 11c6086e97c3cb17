package expressions

import "context"

// Engine evaluates an expression against scope data. The CEL engine
// guards step conditions; the expr engine runs function-step code.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
