package validation

import "github.com/loomworks/loom/pkg/schema"

// Validator checks workflow templates for correctness before they are
// stored or executed. Structural checks use JSON Schema Draft 2020-12;
// semantic checks cover what a schema cannot express.
type Validator interface {
	ValidateTemplate(tpl *schema.WorkflowTemplate) error
	ValidateInput(input map[string]any, inputSchema []byte) error
}
