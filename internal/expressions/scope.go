package expressions

// Scope holds all data available for variable resolution during a run.
type Scope struct {
	Steps  map[string]any // step ID -> recorded output
	Inputs map[string]any // the step's resolved input mapping
	Vars   map[string]any // template-variable bindings for this run
	Run    map[string]any // run metadata (run_id, template_id, ...)
	Locals map[string]any // parallel-branch bindings (item, index, model var)
}
