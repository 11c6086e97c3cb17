package engine

import (
	"context"
	"errors"

	"github.com/loomworks/loom/internal/collab"
	"github.com/loomworks/loom/pkg/schema"
)

// completionExecutor backs the prompt, agent-task and custom-prompt step
// kinds. They differ only in how templates are authored; at execution
// time each renders its prompt and calls the completion collaborator.
type completionExecutor struct {
	kind schema.StepType
	deps Deps
}

func (e *completionExecutor) Type() schema.StepType { return e.kind }

func (e *completionExecutor) Execute(ctx context.Context, ec *ExecContext) StepResult {
	scope := ec.Scope()

	prompt, err := e.deps.Interp.RenderText(ctx, ec.Step.Prompt, scope)
	if err != nil {
		return Failed(schema.NewErrorf(schema.ErrCodeInterpolation,
			"render prompt: %s", err.Error()).WithStep(ec.Step.ID).WithCause(err))
	}

	modelID := ec.ModelID
	if ec.Step.ModelID != "" {
		modelID, err = e.deps.Interp.RenderText(ctx, ec.Step.ModelID, scope)
		if err != nil {
			return Failed(schema.NewErrorf(schema.ErrCodeInterpolation,
				"render model id: %s", err.Error()).WithStep(ec.Step.ID).WithCause(err))
		}
	}

	out, err := e.deps.Collab.Completion.RunCompletion(ctx, collab.CompletionRequest{
		Prompt:           prompt,
		ModelID:          modelID,
		StructuredOutput: ec.Step.StructuredOutput,
	})
	if err != nil {
		var dce *collab.DataCorrectionError
		if errors.As(err, &dce) {
			return Paused(&schema.PausePayload{
				StepID:               ec.Step.ID,
				StepName:             ec.Step.Name,
				Reason:               schema.PauseReasonDataCorrection,
				RawAssistantResponse: dce.Raw,
			})
		}
		return Failed(schema.NewErrorf(schema.ErrCodeCollaborator,
			"completion: %s", err.Error()).WithStep(ec.Step.ID).WithCause(err))
	}
	return Done(out)
}

// transformExecutor extracts fields from accumulated output via path
// queries. No external calls; transforms are pure.
type transformExecutor struct {
	deps Deps
}

func (e *transformExecutor) Type() schema.StepType { return schema.StepTypeTransform }

func (e *transformExecutor) Execute(ctx context.Context, ec *ExecContext) StepResult {
	if ec.Step.Transform == nil {
		return Failed(schema.NewError(schema.ErrCodeValidation,
			"transform step missing transform config").WithStep(ec.Step.ID))
	}

	out := make(map[string]any, len(ec.Step.Transform.Mappings))
	for field, query := range ec.Step.Transform.Mappings {
		val, ok, err := e.deps.Resolver.Resolve(query, ec.Run.AccumulatedOutput)
		if err != nil {
			return Failed(schema.NewErrorf(schema.ErrCodeResolution,
				"transform mapping %q: %s", field, err.Error()).WithStep(ec.Step.ID).WithCause(err))
		}
		if !ok {
			return Failed(schema.NewErrorf(schema.ErrCodeResolution,
				"transform mapping %q: path %q resolved to nothing", field, query).WithStep(ec.Step.ID))
		}
		out[field] = val
	}
	return Done(out)
}

// toolCallExecutor calls the tool collaborator with templated args resolved.
type toolCallExecutor struct {
	deps Deps
}

func (e *toolCallExecutor) Type() schema.StepType { return schema.StepTypeToolCall }

func (e *toolCallExecutor) Execute(ctx context.Context, ec *ExecContext) StepResult {
	if ec.Step.Tool == nil {
		return Failed(schema.NewError(schema.ErrCodeValidation,
			"tool-call step missing tool config").WithStep(ec.Step.ID))
	}
	if e.deps.Collab.Tools == nil {
		return Failed(schema.NewError(schema.ErrCodeCollaborator,
			"no tool collaborator configured").WithStep(ec.Step.ID))
	}

	resolved, err := e.deps.Interp.ResolveValue(ctx, ec.Step.Tool.ToolArgs, ec.Scope())
	if err != nil {
		return Failed(schema.NewErrorf(schema.ErrCodeInterpolation,
			"resolve tool args: %s", err.Error()).WithStep(ec.Step.ID).WithCause(err))
	}
	args, _ := resolved.(map[string]any)

	out, err := e.deps.Collab.Tools.InvokeTool(ctx, ec.Step.Tool.ToolName, args)
	if err != nil {
		return Failed(schema.NewErrorf(schema.ErrCodeCollaborator,
			"tool %q: %s", ec.Step.Tool.ToolName, err.Error()).WithStep(ec.Step.ID).WithCause(err))
	}
	return Done(out)
}

// functionExecutor runs user code through the sandbox collaborator with
// the declared input variables bound.
type functionExecutor struct {
	deps Deps
}

func (e *functionExecutor) Type() schema.StepType { return schema.StepTypeFunction }

func (e *functionExecutor) Execute(ctx context.Context, ec *ExecContext) StepResult {
	if ec.Step.Function == nil {
		return Failed(schema.NewError(schema.ErrCodeValidation,
			"function step missing function config").WithStep(ec.Step.ID))
	}
	if e.deps.Collab.Sandbox == nil {
		return Failed(schema.NewError(schema.ErrCodeCollaborator,
			"no sandbox collaborator configured").WithStep(ec.Step.ID))
	}

	// With no declared variables the whole resolved input set is bound.
	vars := ec.Inputs
	if names := ec.Step.Function.Variables; len(names) > 0 {
		vars = make(map[string]any, len(names))
		for _, name := range names {
			val, ok := ec.Inputs[name]
			if !ok {
				return Failed(schema.NewErrorf(schema.ErrCodeResolution,
					"function variable %q has no resolved input", name).WithStep(ec.Step.ID))
			}
			vars[name] = val
		}
	}

	out, err := e.deps.Collab.Sandbox.ExecuteSandboxed(ctx,
		string(ec.Step.Function.Language), ec.Step.Function.Code, vars)
	if err != nil {
		return Failed(schema.NewErrorf(schema.ErrCodeCollaborator,
			"sandboxed function: %s", err.Error()).WithStep(ec.Step.ID).WithCause(err))
	}
	return Done(out)
}

// humanInputExecutor always pauses: requesting human input is the
// pause/resume round trip itself, not a call that can complete.
type humanInputExecutor struct{}

func (e *humanInputExecutor) Type() schema.StepType { return schema.StepTypeHumanInTheLoop }

func (e *humanInputExecutor) Execute(ctx context.Context, ec *ExecContext) StepResult {
	instructions := ""
	if ec.Step.Human != nil {
		instructions = ec.Step.Human.Instructions
	}
	return Paused(&schema.PausePayload{
		StepID:       ec.Step.ID,
		StepName:     ec.Step.Name,
		Reason:       schema.PauseReasonHumanInTheLoop,
		Instructions: instructions,
	})
}
