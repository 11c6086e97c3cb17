package engine

import (
	"context"

	"github.com/loomworks/loom/pkg/schema"
)

// subWorkflowExecutor delegates to a nested run of another template. A
// completed child's final output becomes this step's output; a paused
// child pauses the parent with the nested payload preserved, so the
// pause is resumable at whatever depth it occurred.
type subWorkflowExecutor struct {
	deps Deps
}

func (e *subWorkflowExecutor) Type() schema.StepType { return schema.StepTypeSubWorkflow }

func (e *subWorkflowExecutor) Execute(ctx context.Context, ec *ExecContext) StepResult {
	cfg := ec.Step.SubWorkflow
	if cfg == nil || cfg.TemplateID == "" {
		return Failed(schema.NewError(schema.ErrCodeValidation,
			"sub-workflow step missing sub_workflow config").WithStep(ec.Step.ID))
	}
	if e.deps.StartChild == nil {
		return Failed(schema.NewError(schema.ErrCodeExecution,
			"no nested run support wired").WithStep(ec.Step.ID))
	}

	input := make(map[string]any, len(cfg.InputMapping))
	for field, query := range cfg.InputMapping {
		val, ok, err := e.deps.Resolver.Resolve(query, ec.Run.AccumulatedOutput)
		if err != nil {
			return Failed(schema.NewErrorf(schema.ErrCodeResolution,
				"sub-workflow input %q: %s", field, err.Error()).WithStep(ec.Step.ID).WithCause(err))
		}
		if !ok {
			return Failed(schema.NewErrorf(schema.ErrCodeResolution,
				"sub-workflow input %q: path %q resolved to nothing", field, query).WithStep(ec.Step.ID))
		}
		input[field] = val
	}

	child, err := e.deps.StartChild(ctx, cfg.TemplateID, input, ec.Run)
	if err != nil {
		return Failed(schema.NewErrorf(schema.ErrCodeExecution,
			"start nested run: %s", err.Error()).WithStep(ec.Step.ID).WithCause(err))
	}

	return settleChild(ec.Step, child)
}

// settleChild maps a settled (or paused) child run onto the parent step
// result. Shared with the orchestrator's resume path.
func settleChild(step *schema.WorkflowStep, child *schema.WorkflowRun) StepResult {
	switch child.Status {
	case schema.RunStatusCompleted:
		return Done(finalOutput(child))
	case schema.RunStatusPaused:
		nested := child.Pause
		if nested != nil && nested.RunID == "" {
			nested.RunID = child.RunID
		}
		leaf := nested.Leaf()
		return Paused(&schema.PausePayload{
			RunID:                child.RunID,
			StepID:               step.ID,
			StepName:             step.Name,
			Reason:               leaf.Reason,
			Instructions:         leaf.Instructions,
			RawAssistantResponse: leaf.RawAssistantResponse,
			Nested:               nested,
		})
	case schema.RunStatusError:
		err := child.Error
		if err == nil {
			err = schema.NewError(schema.ErrCodeExecution, "nested run failed")
		}
		return Failed(schema.NewErrorf(schema.ErrCodeStepFailed,
			"nested run %s failed: %s", child.RunID, err.Error()).WithStep(step.ID).WithCause(err))
	case schema.RunStatusCancelled:
		return Failed(schema.NewErrorf(schema.ErrCodeCancelled,
			"nested run %s was cancelled", child.RunID).WithStep(step.ID))
	default:
		return Failed(schema.NewErrorf(schema.ErrCodeExecution,
			"nested run %s settled in unexpected status %q", child.RunID, child.Status).WithStep(step.ID))
	}
}

// finalOutput is the value a completed run hands back to its parent: the
// output of its last step, or the trigger input for an empty template.
func finalOutput(run *schema.WorkflowRun) any {
	steps := run.Template.Steps
	if len(steps) == 0 {
		return run.AccumulatedOutput[schema.InputKey]
	}
	return run.AccumulatedOutput[steps[len(steps)-1].ID]
}
