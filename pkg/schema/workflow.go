package schema

import (
	"encoding/json"
	"time"
)

// WorkflowTemplate is the immutable, JSON-serializable workflow definition.
// Templates are authored once and referenced (never mutated) by runs.
type WorkflowTemplate struct {
	ID                string             `json:"id"`
	Name              string             `json:"name"`
	Description       string             `json:"description,omitempty"`
	Steps             []WorkflowStep     `json:"steps"`
	TriggerType       TriggerType        `json:"trigger_type,omitempty"` // custom | template | task (default: custom)
	TriggerRef        string             `json:"trigger_ref,omitempty"`
	TriggerPrompt     string             `json:"trigger_prompt,omitempty"`
	TemplateVariables []TemplateVariable `json:"template_variables,omitempty"`
	IsShortcut        bool               `json:"is_shortcut,omitempty"` // presentation hint, ignored by the engine
	CronExpression    string             `json:"cron_expression,omitempty"`
	CreatedAt         time.Time          `json:"created_at,omitempty"`
	UpdatedAt         time.Time          `json:"updated_at,omitempty"`
}

// TriggerType enumerates how a template's initial input is produced.
type TriggerType string

const (
	TriggerCustom   TriggerType = "custom"
	TriggerTemplate TriggerType = "template"
	TriggerTask     TriggerType = "task"
)

// TemplateVariable is a declared named input substitutable into the trigger
// prompt or step prompts.
type TemplateVariable struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Default     any    `json:"default,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// StepType enumerates the kinds of steps in a workflow. The set is closed:
// executor dispatch switches exhaustively over these values.
type StepType string

const (
	StepTypePrompt         StepType = "prompt"
	StepTypeAgentTask      StepType = "agent-task"
	StepTypeCustomPrompt   StepType = "custom-prompt"
	StepTypeTransform      StepType = "transform"
	StepTypeToolCall       StepType = "tool-call"
	StepTypeFunction       StepType = "function"
	StepTypeHumanInTheLoop StepType = "human-in-the-loop"
	StepTypeParallel       StepType = "parallel"
	StepTypeSubWorkflow    StepType = "sub-workflow"
)

// StepTypes lists every valid step type, in declaration order.
var StepTypes = []StepType{
	StepTypePrompt, StepTypeAgentTask, StepTypeCustomPrompt,
	StepTypeTransform, StepTypeToolCall, StepTypeFunction,
	StepTypeHumanInTheLoop, StepTypeParallel, StepTypeSubWorkflow,
}

// WorkflowStep describes a single unit of work within a template.
// Type selects the variant; exactly one of the per-type config blocks is
// expected for the config-carrying variants (transform, tool-call, function,
// parallel, sub-workflow).
type WorkflowStep struct {
	ID   string   `json:"id"`
	Name string   `json:"name,omitempty"`
	Type StepType `json:"type"`

	// InputMapping binds a step-local variable name to a path query evaluated
	// against the run's accumulated output at execution time.
	InputMapping map[string]string `json:"input_mapping,omitempty"`

	// StructuredOutput is an optional JSON Schema the completion collaborator
	// is expected to honor. The engine checks presence of structured content,
	// not schema conformance.
	StructuredOutput json.RawMessage `json:"structured_output,omitempty"`

	// Prompt is denormalized prompt text for the prompt-rendering variants.
	// Supports ${{inputs.*}}, ${{steps.*}}, ${{vars.*}} and ${{secrets.*}}.
	Prompt  string `json:"prompt,omitempty"`
	ModelID string `json:"model_id,omitempty"` // empty: run's ambient default

	// Condition is an optional CEL guard. When it evaluates to false the step
	// is skipped and a nil output is recorded under its id.
	Condition string `json:"condition,omitempty"`

	Transform   *TransformConfig   `json:"transform,omitempty"`
	Tool        *ToolConfig        `json:"tool,omitempty"`
	Function    *FunctionConfig    `json:"function,omitempty"`
	Human       *HumanConfig       `json:"human,omitempty"`
	Parallel    *ParallelConfig    `json:"parallel,omitempty"`
	SubWorkflow *SubWorkflowConfig `json:"sub_workflow,omitempty"`
}

// TransformConfig is the config block for transform steps.
type TransformConfig struct {
	// Mappings maps output field name -> path query over accumulated output.
	Mappings map[string]string `json:"mappings"`
}

// ToolConfig is the config block for tool-call steps.
type ToolConfig struct {
	ToolName string         `json:"tool_name"`
	ToolArgs map[string]any `json:"tool_args,omitempty"` // string values may carry ${{...}} references
}

// FunctionLanguage enumerates sandboxed function languages.
type FunctionLanguage string

const (
	FunctionLangJS   FunctionLanguage = "js"
	FunctionLangPy   FunctionLanguage = "py"
	FunctionLangExpr FunctionLanguage = "expr"
)

// FunctionConfig is the config block for function steps.
type FunctionConfig struct {
	Language  FunctionLanguage `json:"language"`
	Code      string           `json:"code"`
	Variables []string         `json:"variables,omitempty"` // resolved-input names bound into the sandbox
}

// HumanConfig is the config block for human-in-the-loop steps.
type HumanConfig struct {
	Instructions string `json:"instructions,omitempty"`
}

// ParallelConfig is the config block for parallel steps.
type ParallelConfig struct {
	// On is a path query resolving to the collection to fan out over.
	On string `json:"on"`
	// ModelVar, when set, binds each branch's element under this name in the
	// branch step's resolved inputs.
	ModelVar string `json:"model_var,omitempty"`
	// Step is executed once per element; branches run concurrently.
	Step *WorkflowStep `json:"step"`
}

// SubWorkflowConfig is the config block for sub-workflow steps.
type SubWorkflowConfig struct {
	TemplateID string `json:"template_id"`
	// InputMapping maps trigger-input field name -> path query over the
	// parent run's accumulated output.
	InputMapping map[string]string `json:"input_mapping,omitempty"`
}
