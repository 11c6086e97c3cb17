package validation

import (
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/loomworks/loom/internal/paths"
	"github.com/loomworks/loom/pkg/schema"
)

var pathChecker = paths.NewResolver()

// validateSemantic performs the checks JSON Schema cannot express:
// duplicate step ids, per-variant config presence, path query syntax,
// and cron trigger syntax.
func validateSemantic(tpl *schema.WorkflowTemplate) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	seen := make(map[string]bool, len(tpl.Steps)+1)
	seen[schema.InputKey] = true
	for i := range tpl.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		step := &tpl.Steps[i]
		if step.ID == schema.InputKey {
			result.AddError(path+".id", schema.ErrCodeValidation,
				fmt.Sprintf("step id %q is reserved for the trigger payload", schema.InputKey))
		} else if seen[step.ID] {
			result.AddError(path+".id", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate step id %q", step.ID))
		}
		seen[step.ID] = true

		validateStepSemantic(step, path, result)
	}

	if tpl.CronExpression != "" {
		if _, err := cron.ParseStandard(tpl.CronExpression); err != nil {
			result.AddError("cron_expression", schema.ErrCodeValidation,
				fmt.Sprintf("invalid cron expression %q: %v", tpl.CronExpression, err))
		}
	}

	return result
}

// validateStepSemantic checks one step, recursing into parallel branches.
func validateStepSemantic(step *schema.WorkflowStep, path string, result *schema.ValidationResult) {
	for name, query := range step.InputMapping {
		if err := pathChecker.Check(query); err != nil {
			result.AddError(fmt.Sprintf("%s.input_mapping[%s]", path, name),
				schema.ErrCodeValidation,
				fmt.Sprintf("invalid path query %q: %v", query, err))
		}
	}

	switch step.Type {
	case schema.StepTypePrompt, schema.StepTypeAgentTask, schema.StepTypeCustomPrompt:
		if step.Prompt == "" {
			result.AddError(path+".prompt", schema.ErrCodeValidation,
				fmt.Sprintf("%s step requires a prompt", step.Type))
		}

	case schema.StepTypeTransform:
		if step.Transform == nil || len(step.Transform.Mappings) == 0 {
			result.AddError(path+".transform", schema.ErrCodeValidation,
				"transform step requires transform.mappings")
			return
		}
		for field, query := range step.Transform.Mappings {
			if err := pathChecker.Check(query); err != nil {
				result.AddError(fmt.Sprintf("%s.transform.mappings[%s]", path, field),
					schema.ErrCodeValidation,
					fmt.Sprintf("invalid path query %q: %v", query, err))
			}
		}

	case schema.StepTypeToolCall:
		if step.Tool == nil || step.Tool.ToolName == "" {
			result.AddError(path+".tool", schema.ErrCodeValidation,
				"tool-call step requires tool.tool_name")
		}

	case schema.StepTypeFunction:
		if step.Function == nil || step.Function.Code == "" {
			result.AddError(path+".function", schema.ErrCodeValidation,
				"function step requires function.code")
		}

	case schema.StepTypeHumanInTheLoop:
		// No required config: instructions are optional.

	case schema.StepTypeParallel:
		if step.Parallel == nil || step.Parallel.Step == nil {
			result.AddError(path+".parallel", schema.ErrCodeValidation,
				"parallel step requires parallel.on and parallel.step")
			return
		}
		if err := pathChecker.Check(step.Parallel.On); err != nil {
			result.AddError(path+".parallel.on", schema.ErrCodeValidation,
				fmt.Sprintf("invalid path query %q: %v", step.Parallel.On, err))
		}
		if step.Parallel.Step.Type == schema.StepTypeParallel {
			result.AddWarning(path+".parallel.step", schema.ErrCodeValidation,
				"nested parallel fan-out multiplies branch count; consider a sub-workflow")
		}
		validateStepSemantic(step.Parallel.Step, path+".parallel.step", result)

	case schema.StepTypeSubWorkflow:
		if step.SubWorkflow == nil || step.SubWorkflow.TemplateID == "" {
			result.AddError(path+".sub_workflow", schema.ErrCodeValidation,
				"sub-workflow step requires sub_workflow.template_id")
			return
		}
		for field, query := range step.SubWorkflow.InputMapping {
			if err := pathChecker.Check(query); err != nil {
				result.AddError(fmt.Sprintf("%s.sub_workflow.input_mapping[%s]", path, field),
					schema.ErrCodeValidation,
					fmt.Sprintf("invalid path query %q: %v", query, err))
			}
		}

	default:
		result.AddError(path+".type", schema.ErrCodeValidation,
			fmt.Sprintf("unknown step type %q", step.Type))
	}
}
