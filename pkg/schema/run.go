package schema

import "time"

// RunStatus represents the lifecycle state of a workflow run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusError     RunStatus = "error"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusError || s == RunStatusCancelled
}

// ValidRunTransitions defines the allowed run status transitions.
// Terminal states admit nothing.
var ValidRunTransitions = map[RunStatus][]RunStatus{
	RunStatusRunning:   {RunStatusPaused, RunStatusCompleted, RunStatusError, RunStatusCancelled},
	RunStatusPaused:    {RunStatusRunning, RunStatusCancelled},
	RunStatusCompleted: {},
	RunStatusError:     {},
	RunStatusCancelled: {},
}

// PauseReason enumerates why a run suspended.
type PauseReason string

const (
	PauseReasonHumanInTheLoop PauseReason = "human-in-the-loop"
	PauseReasonDataCorrection PauseReason = "data-correction"
)

// PausePayload carries everything an external caller needs to resume a
// suspended run. For a paused sub-workflow, Nested points at the inner
// payload; RunID on nested payloads identifies the child run.
type PausePayload struct {
	RunID                string        `json:"run_id,omitempty"`
	StepID               string        `json:"step_id"`
	StepName             string        `json:"step_name,omitempty"`
	Reason               PauseReason   `json:"reason"`
	Instructions         string        `json:"instructions,omitempty"`
	RawAssistantResponse string        `json:"raw_assistant_response,omitempty"`
	Nested               *PausePayload `json:"nested,omitempty"`

	// Parallel carries fan-out bookkeeping when the pause originated inside
	// a parallel step, so settled sibling outputs survive the suspension.
	Parallel *ParallelPauseState `json:"parallel,omitempty"`
}

// ParallelPauseState records which branches of a parallel step have
// settled and which still await external input. Outputs is index-aligned
// with the fan-out collection; Pending lists unsettled branch indices in
// ascending order; Index is the branch the current pause payload refers
// to, always the first element of Pending.
type ParallelPauseState struct {
	Outputs     []any          `json:"outputs"`
	Pending     []int          `json:"pending"`
	Index       int            `json:"index"`
	ChildRunIDs map[int]string `json:"child_run_ids,omitempty"`
}

// Clone returns a shallow copy of the payload; the Nested chain and
// parallel state are shared.
func (p *PausePayload) Clone() *PausePayload {
	cp := *p
	return &cp
}

// Leaf follows the Nested chain to the innermost pause payload.
func (p *PausePayload) Leaf() *PausePayload {
	for p.Nested != nil {
		p = p.Nested
	}
	return p
}

// InputKey is the reserved accumulated-output key for the triggering payload.
const InputKey = "input"

// WorkflowRun is the mutable unit of execution. It is owned exclusively by
// the run state store and mutated only under the orchestrator's direction.
type WorkflowRun struct {
	RunID    string            `json:"run_id"`
	Template *WorkflowTemplate `json:"template"`
	Status   RunStatus         `json:"status"`

	// CurrentStepIndex is the cursor into the top-level step sequence.
	// Parallel branches and sub-workflows keep their own nested cursors.
	CurrentStepIndex int `json:"current_step_index"`

	// AccumulatedOutput maps step id (or InputKey) to that step's produced
	// value. Append-only: keys are added, never overwritten.
	AccumulatedOutput map[string]any `json:"accumulated_output"`

	// Pause is present only while Status == paused.
	Pause *PausePayload `json:"pause,omitempty"`

	// Error is present only when Status == error.
	Error *EngineError `json:"error,omitempty"`

	// Vars holds the template-variable bindings for this run.
	Vars map[string]any `json:"vars,omitempty"`

	// ParentRunID is set on nested runs started by a sub-workflow step.
	ParentRunID string `json:"parent_run_id,omitempty"`
	// ChildRunID is set on the parent while a sub-workflow child is paused,
	// so a resume can be routed down the chain.
	ChildRunID string `json:"child_run_id,omitempty"`

	DefaultModelID string    `json:"default_model_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep-enough copy for external observation: the maps are
// copied one level down so callers cannot mutate store-owned state.
func (r *WorkflowRun) Clone() *WorkflowRun {
	cp := *r
	if r.AccumulatedOutput != nil {
		cp.AccumulatedOutput = make(map[string]any, len(r.AccumulatedOutput))
		for k, v := range r.AccumulatedOutput {
			cp.AccumulatedOutput[k] = v
		}
	}
	if r.Vars != nil {
		cp.Vars = make(map[string]any, len(r.Vars))
		for k, v := range r.Vars {
			cp.Vars[k] = v
		}
	}
	return &cp
}
