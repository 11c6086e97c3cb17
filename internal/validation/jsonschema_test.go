package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/schema"
)

func newValidator(t *testing.T) *JSONSchemaValidator {
	t.Helper()
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	return v
}

func validTemplate() *schema.WorkflowTemplate {
	return &schema.WorkflowTemplate{
		ID:   "daily-report",
		Name: "Daily Report",
		Steps: []schema.WorkflowStep{
			{
				ID:           "fetch",
				Type:         schema.StepTypeToolCall,
				InputMapping: map[string]string{"day": "$.input.day"},
				Tool:         &schema.ToolConfig{ToolName: "http.get", ToolArgs: map[string]any{"url": "https://example.com"}},
			},
			{
				ID:        "extract",
				Type:      schema.StepTypeTransform,
				Transform: &schema.TransformConfig{Mappings: map[string]string{"body": "$.fetch.body"}},
			},
			{
				ID:     "summarize",
				Type:   schema.StepTypePrompt,
				Prompt: "Summarize: ${{steps.extract.body}}",
			},
		},
	}
}

func validationErr(t *testing.T, err error) *schema.EngineError {
	t.Helper()
	require.Error(t, err)
	ee, ok := err.(*schema.EngineError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, ee.Code)
	return ee
}

func TestValidateTemplate_Valid(t *testing.T) {
	v := newValidator(t)
	require.NoError(t, v.ValidateTemplate(validTemplate()))
}

func TestValidateTemplate_Nil(t *testing.T) {
	v := newValidator(t)
	validationErr(t, v.ValidateTemplate(nil))
}

func TestValidateTemplate_StructuralFailures(t *testing.T) {
	v := newValidator(t)

	noName := validTemplate()
	noName.Name = ""
	validationErr(t, v.ValidateTemplate(noName))

	noSteps := validTemplate()
	noSteps.Steps = nil
	validationErr(t, v.ValidateTemplate(noSteps))

	badType := validTemplate()
	badType.Steps[0].Type = "teleport"
	validationErr(t, v.ValidateTemplate(badType))

	badTrigger := validTemplate()
	badTrigger.TriggerType = "webhook"
	validationErr(t, v.ValidateTemplate(badTrigger))
}

func TestValidateTemplate_DuplicateStepIDs(t *testing.T) {
	v := newValidator(t)

	tpl := validTemplate()
	tpl.Steps[1].ID = "fetch"
	ee := validationErr(t, v.ValidateTemplate(tpl))
	assert.Contains(t, ee.Message, "duplicate step id")
}

func TestValidateTemplate_ReservedInputID(t *testing.T) {
	v := newValidator(t)

	tpl := validTemplate()
	tpl.Steps[0].ID = schema.InputKey
	ee := validationErr(t, v.ValidateTemplate(tpl))
	assert.Contains(t, ee.Message, "reserved")
}

func TestValidateTemplate_MissingStepConfig(t *testing.T) {
	v := newValidator(t)

	noPrompt := validTemplate()
	noPrompt.Steps[2].Prompt = ""
	ee := validationErr(t, v.ValidateTemplate(noPrompt))
	assert.Contains(t, ee.Message, "requires a prompt")

	noMappings := validTemplate()
	noMappings.Steps[1].Transform = &schema.TransformConfig{Mappings: map[string]string{}}
	validationErr(t, v.ValidateTemplate(noMappings))
}

func TestValidateTemplate_InvalidPathQueries(t *testing.T) {
	v := newValidator(t)

	badInput := validTemplate()
	badInput.Steps[0].InputMapping = map[string]string{"day": "input.day"}
	ee := validationErr(t, v.ValidateTemplate(badInput))
	assert.Contains(t, ee.Message, "invalid path query")

	badMapping := validTemplate()
	badMapping.Steps[1].Transform.Mappings["body"] = "$..body"
	validationErr(t, v.ValidateTemplate(badMapping))
}

func TestValidateTemplate_InvalidCron(t *testing.T) {
	v := newValidator(t)

	tpl := validTemplate()
	tpl.CronExpression = "every tuesday"
	ee := validationErr(t, v.ValidateTemplate(tpl))
	assert.Contains(t, ee.Message, "cron")
}

func TestValidateTemplate_ValidCron(t *testing.T) {
	v := newValidator(t)

	tpl := validTemplate()
	tpl.CronExpression = "0 9 * * 1-5"
	require.NoError(t, v.ValidateTemplate(tpl))
}

func TestValidateTemplate_ParallelRecursesIntoBranchStep(t *testing.T) {
	v := newValidator(t)

	tpl := validTemplate()
	tpl.Steps = append(tpl.Steps, schema.WorkflowStep{
		ID:   "fan",
		Type: schema.StepTypeParallel,
		Parallel: &schema.ParallelConfig{
			On: "$.extract.body",
			Step: &schema.WorkflowStep{
				ID:        "inner",
				Type:      schema.StepTypeTransform,
				Transform: &schema.TransformConfig{Mappings: map[string]string{}},
			},
		},
	})
	ee := validationErr(t, v.ValidateTemplate(tpl))
	assert.Contains(t, ee.Message, "transform step requires")
}

func TestValidateTemplate_NestedParallelIsWarningOnly(t *testing.T) {
	v := newValidator(t)

	inner := &schema.WorkflowStep{
		ID:   "leaf",
		Type: schema.StepTypeHumanInTheLoop,
	}
	tpl := validTemplate()
	tpl.Steps = append(tpl.Steps, schema.WorkflowStep{
		ID:   "fan",
		Type: schema.StepTypeParallel,
		Parallel: &schema.ParallelConfig{
			On: "$.extract.body",
			Step: &schema.WorkflowStep{
				ID:       "nested",
				Type:     schema.StepTypeParallel,
				Parallel: &schema.ParallelConfig{On: "$.extract.body", Step: inner},
			},
		},
	})
	assert.NoError(t, v.ValidateTemplate(tpl), "nested fan-out warns but stays valid")
}

func TestValidateTemplate_SubWorkflowConfig(t *testing.T) {
	v := newValidator(t)

	tpl := validTemplate()
	tpl.Steps = append(tpl.Steps, schema.WorkflowStep{
		ID:          "delegate",
		Type:        schema.StepTypeSubWorkflow,
		SubWorkflow: &schema.SubWorkflowConfig{TemplateID: ""},
	})
	validationErr(t, v.ValidateTemplate(tpl))
}

func TestValidateInput(t *testing.T) {
	v := newValidator(t)

	inputSchema := []byte(`{
		"type": "object",
		"required": ["day"],
		"properties": {
			"day": { "type": "string" },
			"limit": { "type": "integer", "minimum": 1 }
		}
	}`)

	require.NoError(t, v.ValidateInput(map[string]any{"day": "monday", "limit": 5}, inputSchema))

	err := v.ValidateInput(map[string]any{"limit": 5}, inputSchema)
	validationErr(t, err)

	err = v.ValidateInput(map[string]any{"day": "monday", "limit": 0}, inputSchema)
	validationErr(t, err)
}

func TestValidateInput_EmptySchemaAccepts(t *testing.T) {
	v := newValidator(t)
	require.NoError(t, v.ValidateInput(map[string]any{"anything": true}, nil))
}

func TestValidateInput_NilInput(t *testing.T) {
	v := newValidator(t)
	validationErr(t, v.ValidateInput(nil, []byte(`{"type":"object"}`)))
}

func TestValidateInput_MalformedSchema(t *testing.T) {
	v := newValidator(t)
	validationErr(t, v.ValidateInput(map[string]any{}, []byte(`{"type":`)))
}

func TestValidateInput_SchemaCacheReuse(t *testing.T) {
	v := newValidator(t)
	inputSchema := []byte(`{"type":"object","required":["k"]}`)

	for i := 0; i < 3; i++ {
		require.NoError(t, v.ValidateInput(map[string]any{"k": i}, inputSchema))
	}
}
