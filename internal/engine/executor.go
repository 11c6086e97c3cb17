package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/loomworks/loom/internal/collab"
	"github.com/loomworks/loom/internal/expressions"
	"github.com/loomworks/loom/internal/paths"
	"github.com/loomworks/loom/pkg/schema"
)

// ExecContext is everything a step executor needs for one invocation.
// Run is a snapshot: executors read accumulated output through it but
// never write run state; all mutation happens in the orchestrator.
type ExecContext struct {
	Run  *schema.WorkflowRun
	Step *schema.WorkflowStep

	// Inputs holds the step's resolved input mapping.
	Inputs map[string]any
	// Locals holds parallel-branch bindings (item, index, model var).
	Locals map[string]any
	// ModelID is the effective default model for this invocation.
	ModelID string
}

// Scope builds the expression scope for prompt rendering and guards.
func (ec *ExecContext) Scope() *expressions.Scope {
	return &expressions.Scope{
		Steps:  ec.Run.AccumulatedOutput,
		Inputs: ec.Inputs,
		Vars:   ec.Run.Vars,
		Run: map[string]any{
			"id":       ec.Run.RunID,
			"template": ec.Run.Template.ID,
		},
		Locals: ec.Locals,
	}
}

// StartChildFunc starts a nested run for a sub-workflow step and advances
// it until it settles (terminal or paused). Supplied by the orchestrator.
type StartChildFunc func(ctx context.Context, templateID string, input map[string]any, parent *schema.WorkflowRun) (*schema.WorkflowRun, error)

// CancelRunFunc cancels a nested run whose pause was discarded by its
// parent step. Supplied by the orchestrator.
type CancelRunFunc func(ctx context.Context, runID string) error

// Deps bundles the shared dependencies executors draw on.
type Deps struct {
	Collab     collab.Set
	Resolver   *paths.Resolver
	Interp     *expressions.Interpolator
	CEL        *expressions.CELEngine
	Pool       *WorkerPool
	StartChild StartChildFunc
	CancelRun  CancelRunFunc
	Logger     *slog.Logger
}

// StepExecutor runs one step kind. Execute never panics across the
// boundary and never blocks forever: it returns done, pause or error.
type StepExecutor interface {
	Type() schema.StepType
	Execute(ctx context.Context, ec *ExecContext) StepResult
}

// Registry maps step types to their executors. The step-type set is
// closed; NewRegistry registers every kind up front and Register exists
// for tests that substitute fakes.
type Registry struct {
	mu        sync.RWMutex
	executors map[schema.StepType]StepExecutor
}

// NewRegistry builds a registry with all nine step executors wired to deps.
func NewRegistry(deps Deps) *Registry {
	r := &Registry{executors: make(map[schema.StepType]StepExecutor)}
	for _, ex := range []StepExecutor{
		&completionExecutor{kind: schema.StepTypePrompt, deps: deps},
		&completionExecutor{kind: schema.StepTypeAgentTask, deps: deps},
		&completionExecutor{kind: schema.StepTypeCustomPrompt, deps: deps},
		&transformExecutor{deps: deps},
		&toolCallExecutor{deps: deps},
		&functionExecutor{deps: deps},
		&humanInputExecutor{},
		&parallelExecutor{deps: deps, registry: r},
		&subWorkflowExecutor{deps: deps},
	} {
		r.executors[ex.Type()] = ex
	}
	return r
}

// Register replaces the executor for a step type.
func (r *Registry) Register(ex StepExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[ex.Type()] = ex
}

// Get returns the executor for a step type.
func (r *Registry) Get(t schema.StepType) (StepExecutor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ex, ok := r.executors[t]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "no executor for step type %q", t)
	}
	return ex, nil
}

// execute invokes an executor with a panic guard so a misbehaving
// executor surfaces as a step error instead of unwinding the engine.
func execute(ctx context.Context, ex StepExecutor, ec *ExecContext) (result StepResult) {
	defer func() {
		if rec := recover(); rec != nil {
			result = Failed(schema.NewErrorf(schema.ErrCodeExecution,
				"step executor panicked: %v", rec).WithStep(ec.Step.ID))
		}
	}()
	return ex.Execute(ctx, ec)
}
