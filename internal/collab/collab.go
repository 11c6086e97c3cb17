// Package collab defines the capability interfaces the engine depends on for
// AI completions, tool invocation and sandboxed code execution. The engine
// never depends on implementations; cmd wiring supplies them.
//
// Human input is deliberately not a function call: the pause/resume round
// trip through the orchestrator is that collaborator's contract.
package collab

import (
	"context"
	"encoding/json"
)

// CompletionRequest describes one AI completion call.
type CompletionRequest struct {
	Prompt string `json:"prompt"`
	// ModelID selects the model; empty means the run's ambient default.
	ModelID string `json:"model_id,omitempty"`
	// StructuredOutput, when set, is the JSON Schema the response is expected
	// to conform to. Enforcement is the collaborator's concern.
	StructuredOutput json.RawMessage `json:"structured_output,omitempty"`
}

// CompletionRunner runs an AI completion. The returned value is the
// collaborator-parsed response payload.
type CompletionRunner interface {
	RunCompletion(ctx context.Context, req CompletionRequest) (any, error)
}

// ToolInvoker invokes a named tool with resolved arguments.
type ToolInvoker interface {
	InvokeTool(ctx context.Context, name string, args map[string]any) (any, error)
}

// SandboxRunner executes user-supplied code with the given variables bound.
// Implementations must convert any internal panic into an error return; the
// engine additionally guards the call boundary.
type SandboxRunner interface {
	ExecuteSandboxed(ctx context.Context, language, code string, vars map[string]any) (any, error)
}

// Set bundles the collaborators a run executes against.
type Set struct {
	Completion CompletionRunner
	Tools      ToolInvoker
	Sandbox    SandboxRunner
}

// --- Function adapters ---

// CompletionFunc adapts a function to CompletionRunner.
type CompletionFunc func(ctx context.Context, req CompletionRequest) (any, error)

func (f CompletionFunc) RunCompletion(ctx context.Context, req CompletionRequest) (any, error) {
	return f(ctx, req)
}

// ToolFunc adapts a function to ToolInvoker.
type ToolFunc func(ctx context.Context, name string, args map[string]any) (any, error)

func (f ToolFunc) InvokeTool(ctx context.Context, name string, args map[string]any) (any, error) {
	return f(ctx, name, args)
}

// SandboxFunc adapts a function to SandboxRunner.
type SandboxFunc func(ctx context.Context, language, code string, vars map[string]any) (any, error)

func (f SandboxFunc) ExecuteSandboxed(ctx context.Context, language, code string, vars map[string]any) (any, error) {
	return f(ctx, language, code, vars)
}
