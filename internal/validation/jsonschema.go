package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/loomworks/loom/pkg/schema"
)

// templateSchemaJSON is the JSON Schema for WorkflowTemplate validation.
// Embedded as a constant to avoid filesystem dependencies.
const templateSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://loomworks.dev/schemas/template.json",
  "type": "object",
  "required": ["id", "name", "steps"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "name": { "type": "string", "minLength": 1 },
    "description": { "type": "string" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "trigger_type": {
      "type": "string",
      "enum": ["custom", "template", "task"]
    },
    "trigger_ref": { "type": "string" },
    "trigger_prompt": { "type": "string" },
    "template_variables": {
      "type": "array",
      "items": { "$ref": "#/$defs/variable" }
    },
    "is_shortcut": { "type": "boolean" },
    "cron_expression": { "type": "string" },
    "created_at": { "type": "string" },
    "updated_at": { "type": "string" }
  },
  "additionalProperties": false,
  "$defs": {
    "variable": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "description": { "type": "string" },
        "default": {},
        "required": { "type": "boolean" }
      },
      "additionalProperties": false
    },
    "step": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "name": { "type": "string" },
        "type": {
          "type": "string",
          "enum": ["prompt", "agent-task", "custom-prompt", "transform", "tool-call", "function", "human-in-the-loop", "parallel", "sub-workflow"]
        },
        "input_mapping": {
          "type": "object",
          "additionalProperties": { "type": "string", "minLength": 1 }
        },
        "structured_output": {},
        "prompt": { "type": "string" },
        "model_id": { "type": "string" },
        "condition": { "type": "string" },
        "transform": {
          "type": "object",
          "required": ["mappings"],
          "properties": {
            "mappings": {
              "type": "object",
              "additionalProperties": { "type": "string", "minLength": 1 }
            }
          },
          "additionalProperties": false
        },
        "tool": {
          "type": "object",
          "required": ["tool_name"],
          "properties": {
            "tool_name": { "type": "string", "minLength": 1 },
            "tool_args": { "type": "object" }
          },
          "additionalProperties": false
        },
        "function": {
          "type": "object",
          "required": ["language", "code"],
          "properties": {
            "language": { "type": "string", "enum": ["js", "py", "expr"] },
            "code": { "type": "string", "minLength": 1 },
            "variables": {
              "type": "array",
              "items": { "type": "string" }
            }
          },
          "additionalProperties": false
        },
        "human": {
          "type": "object",
          "properties": {
            "instructions": { "type": "string" }
          },
          "additionalProperties": false
        },
        "parallel": {
          "type": "object",
          "required": ["on", "step"],
          "properties": {
            "on": { "type": "string", "minLength": 1 },
            "model_var": { "type": "string" },
            "step": { "$ref": "#/$defs/step" }
          },
          "additionalProperties": false
        },
        "sub_workflow": {
          "type": "object",
          "required": ["template_id"],
          "properties": {
            "template_id": { "type": "string", "minLength": 1 },
            "input_mapping": {
              "type": "object",
              "additionalProperties": { "type": "string", "minLength": 1 }
            }
          },
          "additionalProperties": false
        }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator implements the Validator interface using JSON
// Schema Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	templateSchema *jsonschema.Schema

	// mu guards the cache for dynamic input-schema compilation.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a validator with the template schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(templateSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal template schema: %w", err)
	}
	if err := c.AddResource("https://loomworks.dev/schemas/template.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add template schema resource: %w", err)
	}

	tplSchema, err := c.Compile("https://loomworks.dev/schemas/template.json")
	if err != nil {
		return nil, fmt.Errorf("compile template schema: %w", err)
	}

	return &JSONSchemaValidator{
		templateSchema: tplSchema,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateTemplate validates a template structurally, then semantically.
func (v *JSONSchemaValidator) ValidateTemplate(tpl *schema.WorkflowTemplate) error {
	if tpl == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow template is nil")
	}

	doc, err := toJSONValue(tpl)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize template").WithCause(err)
	}
	if err := v.templateSchema.Validate(doc); err != nil {
		return toEngineError(err)
	}

	return validateSemantic(tpl).ToError()
}

// ValidateInput validates input data against a JSON Schema provided as
// raw bytes. Compiled schemas are cached per schema text.
func (v *JSONSchemaValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	if input == nil {
		return schema.NewError(schema.ErrCodeValidation, "input is nil")
	}
	if len(inputSchema) == 0 {
		return nil
	}

	compiled, err := v.getOrCompile(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}

	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize input").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toEngineError(err)
	}
	return nil
}

func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Unique URL per dynamic schema; a fresh compiler avoids resource collisions.
	url := fmt.Sprintf("loom://input-schema/%d", len(v.cache))
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON encoding so numbers
// become json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toEngineError converts a jsonschema.ValidationError into an
// EngineError with clear per-location messages.
func toEngineError(err error) *schema.EngineError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
