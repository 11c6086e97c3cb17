package engine

import "github.com/loomworks/loom/pkg/schema"

// ResultKind discriminates the three outcomes of a step execution.
type ResultKind string

const (
	ResultDone  ResultKind = "done"
	ResultPause ResultKind = "pause"
	ResultError ResultKind = "error"
)

// StepResult is the value every executor returns. Pausing is expected
// control flow, carried as a variant here rather than as an error.
type StepResult struct {
	Kind   ResultKind
	Output any
	Pause  *schema.PausePayload
	Err    *schema.EngineError
}

// Done wraps a completed step output.
func Done(output any) StepResult {
	return StepResult{Kind: ResultDone, Output: output}
}

// Paused wraps a pause request.
func Paused(p *schema.PausePayload) StepResult {
	return StepResult{Kind: ResultPause, Pause: p}
}

// Failed wraps a step failure. Non-engine errors are coerced to
// STEP_FAILED so the orchestrator always sees a typed error.
func Failed(err error) StepResult {
	var ee *schema.EngineError
	if e, ok := err.(*schema.EngineError); ok {
		ee = e
	} else {
		ee = schema.NewError(schema.ErrCodeStepFailed, err.Error()).WithCause(err)
	}
	return StepResult{Kind: ResultError, Err: ee}
}
